package models

import (
	"errors"
	"strings"
)

var (
	// ErrStoreUnavailable wraps every shared-state failure (timeouts included).
	ErrStoreUnavailable = errors.New("shared state store unavailable")
	// ErrBroadcastFailure marks a dashboard connection that could not take a message.
	ErrBroadcastFailure = errors.New("dashboard connection unreachable")
)

// ValidationError describes a rejected candidate event.
type ValidationError struct {
	Fields  []string `json:"fields"`
	Message string   `json:"message"`
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	return e.Message + ": " + strings.Join(e.Fields, ", ")
}

// IsValidationError reports whether err carries a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
