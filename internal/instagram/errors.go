package instagram

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a Graph API failure so callers can pick a severity:
// token and permission problems are systemic and should alert an operator,
// rate limits just wait for the next scheduled run.
type ErrorKind string

const (
	ErrKindToken       ErrorKind = "token"
	ErrKindRateLimited ErrorKind = "rate_limited"
	ErrKindPermission  ErrorKind = "permission"
	ErrKindOther       ErrorKind = "other"
)

// APIError is a typed Graph API error response
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	Code       int
	Subcode    int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("graph api error (%s): code=%d subcode=%d status=%d: %s",
		e.Kind, e.Code, e.Subcode, e.StatusCode, e.Message)
}

// classifyGraphCode maps Graph API error codes to an ErrorKind.
// 190 is the OAuth token error family; 4, 17, 32 and 613 are the documented
// throttling codes; 10 and the 200-299 block are permission errors.
func classifyGraphCode(code int) ErrorKind {
	switch {
	case code == 190:
		return ErrKindToken
	case code == 4 || code == 17 || code == 32 || code == 613:
		return ErrKindRateLimited
	case code == 10 || (code >= 200 && code <= 299):
		return ErrKindPermission
	default:
		return ErrKindOther
	}
}

// KindOf extracts the ErrorKind from any error; non-API errors are ErrKindOther
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ErrKindOther
}
