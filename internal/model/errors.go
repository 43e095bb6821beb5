package model

import (
	"errors"
	"net/http"
	"strings"
)

const (
	ErrCodeSourceUnavailable     = "SOURCE_UNAVAILABLE"
	ErrCodeMalformedCandidate    = "MALFORMED_CANDIDATE"
	ErrCodeAdvisorUnavailable    = "ADVISOR_UNAVAILABLE"
	ErrCodeAnalysisUnavailable   = "ANALYSIS_UNAVAILABLE"
	ErrCodeInvalidResolution     = "INVALID_RESOLUTION"
	ErrCodeConcurrentRunRejected = "CONCURRENT_RUN_REJECTED"
	ErrCodeFatalRegistry         = "FATAL_REGISTRY_ERROR"
	ErrCodeRunCancelled          = "RUN_CANCELLED"
	ErrCodeNotFound              = "NOT_FOUND"
	ErrCodeInvalidRequest        = "INVALID_REQUEST"
	ErrCodeInternal              = "INTERNAL_ERROR"
)

// Sentinels for errors.Is. Any *Error with the same code matches.
var (
	ErrSourceUnavailable     = &Error{code: ErrCodeSourceUnavailable}
	ErrMalformedCandidate    = &Error{code: ErrCodeMalformedCandidate}
	ErrAdvisorUnavailable    = &Error{code: ErrCodeAdvisorUnavailable}
	ErrAnalysisUnavailable   = &Error{code: ErrCodeAnalysisUnavailable}
	ErrInvalidResolution     = &Error{code: ErrCodeInvalidResolution}
	ErrConcurrentRunRejected = &Error{code: ErrCodeConcurrentRunRejected}
	ErrFatalRegistry         = &Error{code: ErrCodeFatalRegistry}
	ErrRunCancelled          = &Error{code: ErrCodeRunCancelled}
	ErrNotFound              = &Error{code: ErrCodeNotFound}
	ErrInvalidRequest        = &Error{code: ErrCodeInvalidRequest}
)

type Error struct {
	code       string
	httpStatus int
	message    string
	cause      error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := strings.TrimSpace(e.message)
	if msg != "" {
		if e.cause != nil {
			return msg + ": " + e.cause.Error()
		}
		return msg
	}
	if e.cause != nil {
		return e.cause.Error()
	}
	if e.code != "" {
		return strings.ToLower(strings.ReplaceAll(e.code, "_", " "))
	}
	return "operation failed"
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.code != "" && e.code == t.code
}

func (e *Error) Code() string {
	if e == nil {
		return ""
	}
	return strings.TrimSpace(e.code)
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return strings.TrimSpace(e.message)
}

func (e *Error) HTTPStatus() int {
	if e == nil {
		return http.StatusInternalServerError
	}
	if e.httpStatus > 0 {
		return e.httpStatus
	}
	switch e.code {
	case ErrCodeInvalidResolution, ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConcurrentRunRejected:
		return http.StatusConflict
	case ErrCodeSourceUnavailable, ErrCodeAdvisorUnavailable, ErrCodeAnalysisUnavailable:
		return http.StatusServiceUnavailable
	case ErrCodeMalformedCandidate:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func NewError(code string, message string, cause error) *Error {
	return &Error{
		code:    strings.TrimSpace(code),
		message: strings.TrimSpace(message),
		cause:   cause,
	}
}

// NewHTTPError is NewError with an explicit status for the HTTP surface.
func NewHTTPError(code string, status int, message string, cause error) *Error {
	e := NewError(code, message, cause)
	e.httpStatus = status
	return e
}

func AsError(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var out *Error
	if errors.As(err, &out) && out != nil {
		return out, true
	}
	return nil, false
}

// ErrorCode returns the taxonomy code of err, or ErrCodeInternal.
func ErrorCode(err error) string {
	if e, ok := AsError(err); ok && e.Code() != "" {
		return e.Code()
	}
	return ErrCodeInternal
}
