package engicom

import (
	"errors"
	"fmt"
	"net/http"
)

// ============================================================================
// Error taxonomy
// ============================================================================

var (
	// ErrNetwork means the request did not complete. Retryable.
	ErrNetwork = errors.New("network failure")
	// ErrNotFound means the target entity no longer exists on the server.
	ErrNotFound = errors.New("not found")
	// ErrConflict means the server rejected the write against current state.
	ErrConflict = errors.New("conflict")
	// ErrValidation means the input was rejected before any network call.
	ErrValidation = errors.New("validation failed")
	// ErrNotConnected is returned by the realtime transport while it has no live connection.
	ErrNotConnected = errors.New("not connected")
	// ErrMalformedPayload means the server sent something we cannot decode.
	ErrMalformedPayload = errors.New("malformed payload")
)

// APIError represents a non-2xx REST response.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

// Is maps HTTP status classes onto the sentinel errors so callers can use errors.Is.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Status == http.StatusNotFound || e.Status == http.StatusGone
	case ErrConflict:
		return e.Status == http.StatusConflict || e.Status == http.StatusPreconditionFailed
	case ErrValidation:
		return e.Status == http.StatusBadRequest || e.Status == http.StatusRequestEntityTooLarge ||
			e.Status == http.StatusUnprocessableEntity
	case ErrNetwork:
		return e.Status >= 500 || e.Status == http.StatusTooManyRequests || e.Status == http.StatusRequestTimeout
	}
	return false
}

// IsRetryable reports whether err is a transient failure worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetwork)
}

// SendError is returned when an optimistic send is rolled back.
// Draft holds the composition so the caller can put it back into the input.
type SendError struct {
	ConversationID string
	TempID         string
	Draft          Draft
	Err            error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s failed: %v", e.ConversationID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
