package api

import (
	"encoding/json"
	"net/http"
)

// Envelope is the body of every API response.
type Envelope struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    any         `json:"data"`
	Errors  FieldErrors `json:"errors,omitempty"`
}

// FieldErrors maps a request field to its validation messages.
type FieldErrors map[string][]string

func (f FieldErrors) add(field, msg string) {
	f[field] = append(f[field], msg)
}

func writeEnvelope(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func writeSuccess(w http.ResponseWriter, status int, message string, data any) {
	writeEnvelope(w, status, Envelope{Success: true, Message: message, Data: data})
}

func writeFailure(w http.ResponseWriter, status int, message string, errs FieldErrors) {
	writeEnvelope(w, status, Envelope{Success: false, Message: message, Errors: errs})
}

func writeInternalError(w http.ResponseWriter) {
	writeFailure(w, http.StatusInternalServerError, "Internal server error", nil)
}
