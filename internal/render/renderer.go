// Package render implements placeholder substitution for stored templates.
//
// The only syntax that ever takes effect is a single-brace placeholder naming a
// dotted path into the context, e.g. {user.name}. Substituted values are
// HTML-escaped exactly once. Placeholders that do not resolve are left as they
// are. Richer template constructs are removed before substitution.
package render

import (
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// MaxValueLength is the rune length after which substituted values are truncated.
const MaxValueLength = 1000

const ellipsis = "..."

var (
	directivePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?s)\{\{.*?\}\}`),
		regexp.MustCompile(`(?s)\{%.*?%\}`),
		regexp.MustCompile(`(?s)\{#.*?#\}`),
	}
	allowedKey = regexp.MustCompile(`^[A-Za-z0-9_.]+$`)
)

// Validation is the outcome of rendering a template for preview purposes.
type Validation struct {
	Valid    bool     `json:"valid"`
	Missing  []string `json:"missing_variables"`
	Rendered string   `json:"rendered"`
}

// Renderer substitutes context values into template strings. It is safe for
// concurrent use.
type Renderer struct {
	logger *slog.Logger
}

// New creates a Renderer.
func New(logger *slog.Logger) *Renderer {
	return &Renderer{logger: logger.With("component", "TemplateRenderer")}
}

// Render substitutes ctx into tmpl. It never fails: on an internal error the
// unrendered template is returned.
func (r *Renderer) Render(tmpl string, ctx map[string]any) (out string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Template rendering panicked, returning template unrendered", "panic", rec)
			out = tmpl
		}
	}()

	rendered, _ := substitute(Sanitize(tmpl), Flatten(ctx))
	return rendered
}

// Validate renders tmpl against ctx and reports the placeholders that stayed
// unresolved, in order of first appearance.
func (r *Renderer) Validate(tmpl string, ctx map[string]any) (v Validation) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Template validation panicked", "panic", rec)
			v = Validation{Valid: false, Missing: []string{}, Rendered: tmpl}
		}
	}()

	rendered, missing := substitute(Sanitize(tmpl), Flatten(ctx))
	return Validation{
		Valid:    len(missing) == 0,
		Missing:  missing,
		Rendered: rendered,
	}
}

// RenderData renders every string value of a data template and merges
// additional over the result. The template may be a JSON object or a JSON
// string holding one. On any failure only additional is returned.
func (r *Renderer) RenderData(dataTemplate json.RawMessage, ctx map[string]any, additional map[string]any) (out map[string]any) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Data template rendering panicked, using additional data only", "panic", rec)
			out = copyMap(additional)
		}
	}()

	data, err := decodeDataTemplate(dataTemplate)
	if err != nil {
		r.logger.Warn("Failed to parse data template, using additional data only", "err", err)
		return copyMap(additional)
	}

	vars := Flatten(ctx)
	result := make(map[string]any, len(data)+len(additional))
	for k, v := range data {
		if s, ok := v.(string); ok {
			result[k], _ = substitute(Sanitize(s), vars)
			continue
		}
		result[k] = v
	}
	for k, v := range additional {
		result[k] = v
	}
	return result
}

// Sanitize removes double-brace expressions, percent tags and hash comments.
func Sanitize(tmpl string) string {
	for _, p := range directivePatterns {
		tmpl = p.ReplaceAllString(tmpl, "")
	}
	return tmpl
}

// Flatten turns a nested context into dotted keys with string leaf values.
// Keys outside [A-Za-z0-9_.] are dropped.
func Flatten(ctx map[string]any) map[string]string {
	out := make(map[string]string)
	flattenInto(out, "", ctx)
	for k := range out {
		if !allowedKey.MatchString(k) {
			delete(out, k)
		}
	}
	return out
}

func flattenInto(out map[string]string, prefix string, m map[string]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]any:
			flattenInto(out, key, val)
		case map[string]string:
			for sk, sv := range val {
				out[key+"."+sk] = truncate(sv)
			}
		default:
			out[key] = truncate(formatLeaf(val))
		}
	}
}

func formatLeaf(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case json.Number:
		return val.String()
	case []any, []string:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	default:
		return fmt.Sprint(val)
	}
}

func truncate(s string) string {
	if utf8.RuneCountInString(s) <= MaxValueLength {
		return s
	}
	runes := []rune(s)
	return string(runes[:MaxValueLength]) + ellipsis
}

// substitute scans tmpl once for {ident(.ident)*} placeholders. Substituted
// text is never rescanned.
func substitute(tmpl string, vars map[string]string) (string, []string) {
	var b strings.Builder
	b.Grow(len(tmpl))
	missing := []string{}
	seen := map[string]bool{}

	for i := 0; i < len(tmpl); {
		if tmpl[i] != '{' {
			b.WriteByte(tmpl[i])
			i++
			continue
		}
		end, ok := scanPlaceholder(tmpl, i+1)
		if !ok {
			b.WriteByte('{')
			i++
			continue
		}
		name := tmpl[i+1 : end]
		if val, found := vars[name]; found {
			b.WriteString(html.EscapeString(val))
		} else {
			b.WriteString(tmpl[i : end+1])
			if !seen[name] {
				seen[name] = true
				missing = append(missing, name)
			}
		}
		i = end + 1
	}
	return b.String(), missing
}

// scanPlaceholder reads ident(.ident)* starting at pos and returns the index
// of the closing brace.
func scanPlaceholder(s string, pos int) (int, bool) {
	i := pos
	for {
		if i >= len(s) || !isIdentStart(s[i]) {
			return 0, false
		}
		i++
		for i < len(s) && isIdentPart(s[i]) {
			i++
		}
		if i >= len(s) {
			return 0, false
		}
		switch s[i] {
		case '}':
			return i, true
		case '.':
			i++
		default:
			return 0, false
		}
	}
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func decodeDataTemplate(raw json.RawMessage) (map[string]any, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return map[string]any{}, nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var inner string
		if err := json.Unmarshal([]byte(trimmed), &inner); err != nil {
			return nil, fmt.Errorf("data template string: %w", err)
		}
		trimmed = strings.TrimSpace(inner)
		if trimmed == "" {
			return map[string]any{}, nil
		}
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(trimmed), &data); err != nil {
		return nil, fmt.Errorf("data template object: %w", err)
	}
	if data == nil {
		data = map[string]any{}
	}
	return data, nil
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
