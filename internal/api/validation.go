package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

const maxBodyBytes = 1 << 20

const nonFieldErrors = "non_field_errors"

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeJSON reads one JSON document into dst. Type mismatches are reported
// against the offending field.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) FieldErrors {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return decodeErrors(err)
	}
	return nil
}

func decodeRaw(raw json.RawMessage, dst any) FieldErrors {
	if err := json.Unmarshal(raw, dst); err != nil {
		return decodeErrors(err)
	}
	return nil
}

func decodeErrors(err error) FieldErrors {
	errs := FieldErrors{}
	var typeErr *json.UnmarshalTypeError
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &typeErr) && typeErr.Field != "":
		errs.add(typeErr.Field, fmt.Sprintf("Expected %s, received %s.", typeErr.Type.Kind(), typeErr.Value))
	case errors.As(err, &maxErr):
		errs.add(nonFieldErrors, "Request body is too large.")
	case errors.Is(err, io.EOF):
		errs.add(nonFieldErrors, "Request body is empty.")
	default:
		errs.add(nonFieldErrors, "Malformed JSON.")
	}
	return errs
}

// validateStruct runs the validator tags of v.
func validateStruct(v any) FieldErrors {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return FieldErrors{nonFieldErrors: {err.Error()}}
	}
	errs := FieldErrors{}
	for _, fe := range verrs {
		errs.add(fieldPath(fe), fieldMessage(fe))
	}
	return errs
}

// fieldPath drops the top-level struct name from the namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "This field is required."
	case "required_with":
		return fmt.Sprintf("This field is required when %s is provided.", strings.ToLower(fe.Param()))
	case "max":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("Ensure this field has no more than %s characters.", fe.Param())
		}
		return fmt.Sprintf("Ensure this field has no more than %s elements.", fe.Param())
	case "min":
		if fe.Kind() == reflect.Map {
			return "This field cannot be empty."
		}
		return fmt.Sprintf("Ensure this value is at least %s.", fe.Param())
	case "oneof":
		return fmt.Sprintf("%q is not a valid choice.", fmt.Sprint(fe.Value()))
	case "email":
		return "Enter a valid email address."
	default:
		return fmt.Sprintf("Failed on the %q rule.", fe.Tag())
	}
}
