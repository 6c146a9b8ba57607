package errors

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FormatForUser returns an operator-facing description of err: the message,
// an optional suggestion and the code for reference.
func FormatForUser(err error) string {
	if err == nil {
		return ""
	}

	ve, ok := As(err)
	if !ok {
		return err.Error()
	}

	var sb strings.Builder
	sb.WriteString(ve.Message)
	if ve.Cause != nil && ve.Cause.Error() != ve.Message {
		sb.WriteString(": ")
		sb.WriteString(ve.Cause.Error())
	}
	if ve.Suggestion != "" {
		sb.WriteString("\nSuggestion: ")
		sb.WriteString(ve.Suggestion)
	}
	sb.WriteString(fmt.Sprintf("\n[%s]", ve.Code))

	return sb.String()
}

// jsonError is the JSON representation of an error.
type jsonError struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Category   string            `json:"category"`
	Severity   string            `json:"severity"`
	Details    map[string]string `json:"details,omitempty"`
	Suggestion string            `json:"suggestion,omitempty"`
	Cause      string            `json:"cause,omitempty"`
	Retryable  bool              `json:"retryable"`
}

// FormatJSON returns a JSON representation of the error.
func FormatJSON(err error) ([]byte, error) {
	if err == nil {
		return json.Marshal(nil)
	}

	ve, ok := As(err)
	if !ok {
		ve = Wrap(ErrCodeInternal, err)
	}

	je := jsonError{
		Code:       ve.Code,
		Message:    ve.Message,
		Category:   string(ve.Category),
		Severity:   string(ve.Severity),
		Details:    ve.Details,
		Suggestion: ve.Suggestion,
		Retryable:  ve.Retryable,
	}
	if ve.Cause != nil {
		je.Cause = ve.Cause.Error()
	}

	return json.Marshal(je)
}

// LogAttrs flattens an error into slog-friendly key-value pairs.
func LogAttrs(err error) []any {
	if err == nil {
		return nil
	}

	ve, ok := As(err)
	if !ok {
		return []any{"error", err.Error()}
	}

	attrs := []any{
		"error_code", ve.Code,
		"error", ve.Error(),
		"category", string(ve.Category),
		"retryable", ve.Retryable,
	}
	for k, v := range ve.Details {
		attrs = append(attrs, "detail_"+k, v)
	}
	return attrs
}
