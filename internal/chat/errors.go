package chat

import "fmt"

type ErrorCode string

const (
	ErrorValidation           ErrorCode = "VALIDATION_ERROR"
	ErrorConversationNotFound ErrorCode = "CONVERSATION_NOT_FOUND"
	ErrorRateLimited          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrorModelUnavailable     ErrorCode = "AI_SERVICE_UNAVAILABLE"
	ErrorInternal             ErrorCode = "INTERNAL_SERVER_ERROR"
)

// Error is a request-level failure with a stable code for the API
// boundary. Tool-level failures never become an Error: they are fed
// back to the model as structured results instead.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("chat: %s (%s)", e.Code, e.Message)
	}
	return fmt.Sprintf("chat: %s (%s): %v", e.Code, e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}
