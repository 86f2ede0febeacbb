package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents a typed domain error with HTTP awareness.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New creates a new Error instance.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Wrap attaches context to an existing error.
func Wrap(err error, code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Err: err}
}

// Predefined errors for common scenarios.
var (
	ErrNotFound           = New("NOT_FOUND", http.StatusNotFound, "resource not found")
	ErrUnauthorized       = New("UNAUTHORIZED", http.StatusUnauthorized, "unauthorized")
	ErrInvalidCredentials = New("INVALID_CREDENTIALS", http.StatusUnauthorized, "invalid email or password")
	ErrConflict           = New("CONFLICT", http.StatusConflict, "conflict")
	ErrValidation         = New("VALIDATION_ERROR", http.StatusBadRequest, "validation failed")
	ErrInternal           = New("INTERNAL_ERROR", http.StatusInternalServerError, "internal server error")
	ErrCacheMiss          = New("CACHE_MISS", http.StatusNotFound, "cache miss")

	// Recognition and attendance domain errors.
	ErrNoFace              = New("NO_FACE", http.StatusBadRequest, "no face detected in image")
	ErrMultipleFaces       = New("MULTIPLE_FACES", http.StatusBadRequest, "multiple faces detected in image")
	ErrInvalidImage        = New("INVALID_IMAGE", http.StatusBadRequest, "image could not be decoded")
	ErrNoActiveSession     = New("NO_ACTIVE_SESSION", http.StatusNotFound, "no active session")
	ErrAmbiguousSession    = New("AMBIGUOUS_SESSION", http.StatusConflict, "multiple active sessions, scope required")
	ErrNoEnrolled          = New("NO_ENROLLED", http.StatusNotFound, "no enrolled students with embeddings")
	ErrUnknownFace         = New("UNKNOWN_FACE", http.StatusNotFound, "face did not match any enrolled student")
	ErrReEntry             = New("RE_ENTRY", http.StatusConflict, "attendance already recorded for this session")
	ErrSessionClosed       = New("SESSION_CLOSED", http.StatusConflict, "session is no longer active")
	ErrInvalidIDFormat     = New("INVALID_ID_FORMAT", http.StatusBadRequest, "student id does not match the configured pattern")
	ErrDuplicateStudentID  = New("DUPLICATE_STUDENT_ID", http.StatusConflict, "student id already in use")
	ErrEnrollmentConflict  = New("ENROLLMENT_CONFLICT", http.StatusConflict, "student already enrolled in course")
	ErrInsufficientQuality = New("INSUFFICIENT_QUALITY", http.StatusUnprocessableEntity, "not enough quality frames for enrollment")

	// Transient infrastructure errors; handlers retry once before surfacing.
	ErrStoreUnavailable     = New("STORE_UNAVAILABLE", http.StatusServiceUnavailable, "datastore unavailable")
	ErrEmbeddingUnavailable = New("EMBEDDING_UNAVAILABLE", http.StatusServiceUnavailable, "embedding provider unavailable")
	ErrTimeout              = New("TIMEOUT", http.StatusServiceUnavailable, "request deadline exceeded")
)

// FromError normalises any error into an *Error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, ErrInternal.Code, ErrInternal.Status, ErrInternal.Message)
}

// Clone returns a copy of the error allowing for message overrides.
func Clone(err *Error, message string) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	if message != "" {
		clone.Message = message
	}
	return &clone
}

// IsTransient reports whether the error is a retryable infrastructure failure.
func IsTransient(err error) bool {
	e := FromError(err)
	if e == nil {
		return false
	}
	switch e.Code {
	case ErrStoreUnavailable.Code, ErrEmbeddingUnavailable.Code, ErrTimeout.Code:
		return true
	default:
		return false
	}
}
