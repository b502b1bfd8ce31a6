package scheduler

import (
	"errors"
	"fmt"
)

// ErrChannelNotConfigured is returned when the target channel has no platform
// account attached. Publishing into it could never be verified.
var ErrChannelNotConfigured = errors.New("channel has no platform account configured")

// ValidationError describes a rejected CreatePost input
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidationError reports whether err is a CreatePost input rejection
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
