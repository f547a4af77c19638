package notification

import "errors"

// ErrInvalidNotification is wrapped by every validation failure.
var ErrInvalidNotification = errors.New("invalid notification")

// ValidationError represents a field-level validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "invalid notification: " + e.Field + ": " + e.Message
}

func (e *ValidationError) Unwrap() error { return ErrInvalidNotification }
