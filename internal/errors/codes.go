package errors

import (
	stderrors "errors"
	"fmt"

	"github.com/bastiqui/TSAE75644-2024/internal/model"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for replica and session operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Local request errors
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeNotFound        ErrorCode = 1001

	// Session errors, contained to the session that raised them
	ErrCodeTransport ErrorCode = 2000
	ErrCodeProtocol  ErrorCode = 2001
	ErrCodeDecode    ErrorCode = 2002
	ErrCodeTimeout   ErrorCode = 2003
	ErrCodeRejected  ErrorCode = 2004

	ErrCodeInternal ErrorCode = 3000
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "ok"
	case ErrCodeInvalidArgument:
		return "invalid_argument"
	case ErrCodeNotFound:
		return "not_found"
	case ErrCodeTransport:
		return "transport"
	case ErrCodeProtocol:
		return "protocol"
	case ErrCodeDecode:
		return "decode"
	case ErrCodeTimeout:
		return "timeout"
	case ErrCodeRejected:
		return "rejected"
	default:
		return "internal"
	}
}

// SessionError represents a structured error with code and context
type SessionError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *SessionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *SessionError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts SessionError to gRPC status
func (e *SessionError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

func (e *SessionError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeDecode:
		return codes.InvalidArgument
	case ErrCodeNotFound:
		return codes.NotFound
	case ErrCodeProtocol:
		return codes.FailedPrecondition
	case ErrCodeTimeout:
		return codes.DeadlineExceeded
	case ErrCodeRejected:
		return codes.ResourceExhausted
	case ErrCodeTransport:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// NewSessionError creates a new SessionError
func NewSessionError(code ErrorCode, message string, cause error) *SessionError {
	return &SessionError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *SessionError) WithDetail(key string, value interface{}) *SessionError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *SessionError {
	return NewSessionError(ErrCodeInvalidArgument, message, cause)
}

func RecipeNotFound(title string) *SessionError {
	return NewSessionError(ErrCodeNotFound, fmt.Sprintf("recipe not found: %s", title), nil).
		WithDetail("title", title)
}

func Transport(message string, cause error) *SessionError {
	return NewSessionError(ErrCodeTransport, message, cause)
}

func Protocol(message string) *SessionError {
	return NewSessionError(ErrCodeProtocol, message, nil)
}

func UnexpectedMessage(state string, got, want model.MessageType) *SessionError {
	return NewSessionError(ErrCodeProtocol, fmt.Sprintf("unexpected %s in state %s, want %s", got, state, want), nil).
		WithDetail("state", state).
		WithDetail("got", got.String()).
		WithDetail("want", want.String())
}

func SessionMismatch(expected, actual string) *SessionError {
	return NewSessionError(ErrCodeProtocol, fmt.Sprintf("session id mismatch: expected %s, got %s", expected, actual), nil).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func Decode(message string, cause error) *SessionError {
	return NewSessionError(ErrCodeDecode, message, cause)
}

func Timeout(sessionID string, cause error) *SessionError {
	return NewSessionError(ErrCodeTimeout, fmt.Sprintf("session %s timed out", sessionID), cause).
		WithDetail("session_id", sessionID)
}

func Rejected(resource string, current, limit int) *SessionError {
	return NewSessionError(ErrCodeRejected, fmt.Sprintf("%s exhausted: %d/%d", resource, current, limit), nil).
		WithDetail("resource", resource).
		WithDetail("current", current).
		WithDetail("limit", limit)
}

func InternalError(message string, cause error) *SessionError {
	return NewSessionError(ErrCodeInternal, message, cause)
}

// IsSessionError checks if err or anything it wraps is a SessionError
func IsSessionError(err error) bool {
	var se *SessionError
	return stderrors.As(err, &se)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var se *SessionError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// IsRetryable reports whether a later session may succeed where this one failed.
// Protocol and decode failures still are, since the next round starts fresh.
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case ErrCodeTransport, ErrCodeTimeout, ErrCodeRejected, ErrCodeProtocol, ErrCodeDecode:
		return true
	default:
		return false
	}
}

// FromGRPC converts a gRPC status error received on a session stream
func FromGRPC(err error) *SessionError {
	st, ok := status.FromError(err)
	if !ok {
		return Transport("stream failed", err)
	}
	switch st.Code() {
	case codes.DeadlineExceeded, codes.Canceled:
		return NewSessionError(ErrCodeTimeout, st.Message(), err)
	case codes.ResourceExhausted:
		return NewSessionError(ErrCodeRejected, st.Message(), err)
	case codes.InvalidArgument:
		return Decode(st.Message(), err)
	case codes.FailedPrecondition:
		return NewSessionError(ErrCodeProtocol, st.Message(), err)
	default:
		return Transport(st.Message(), err)
	}
}
