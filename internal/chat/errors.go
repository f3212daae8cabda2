package chat

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	CodeValidation   = "validation"
	CodeUnauthorized = "unauthorized"
	CodeForbidden    = "forbidden"
	CodeNotFound     = "not_found"
	CodeRateLimited  = "rate_limited"
	CodeUnavailable  = "unavailable"
	CodeTimeout      = "timeout"
	CodeInternal     = "internal"
)

type Error struct {
	Code       string
	Message    string
	Transient  bool
	RetryAfter int
	Status     int
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func statusForCode(code string) int {
	switch code {
	case CodeValidation:
		return 400
	case CodeUnauthorized:
		return 401
	case CodeForbidden:
		return 403
	case CodeNotFound:
		return 404
	case CodeRateLimited:
		return 429
	case CodeTimeout:
		return 504
	case CodeUnavailable:
		return 503
	default:
		return 500
	}
}

func newError(code, message string, transient bool, retryAfter time.Duration) *Error {
	retryAfterSec := 0
	if retryAfter > 0 {
		retryAfterSec = int(retryAfter.Seconds())
		if retryAfterSec <= 0 {
			retryAfterSec = 1
		}
	}
	return &Error{
		Code:       code,
		Message:    message,
		Transient:  transient,
		RetryAfter: retryAfterSec,
		Status:     statusForCode(code),
	}
}

func NewValidationError(message string) error {
	return newError(CodeValidation, message, false, 0)
}

func NewValidationJSONError(err error) error {
	return newError(CodeValidation, "invalid json: "+err.Error(), false, 0)
}

func NewNotFoundError(message string) error {
	return newError(CodeNotFound, message, false, 0)
}

func NewUnauthorizedError(message string) error {
	return newError(CodeUnauthorized, message, false, 0)
}

func NewForbiddenError(message string) error {
	return newError(CodeForbidden, message, false, 0)
}

func NewInternalError(message string) error {
	return newError(CodeInternal, message, true, 0)
}

// StoreError classifies a failure from the message store. Context deadlines
// become timeouts; everything else is treated as the store being unavailable.
// Callers must assume the write may have landed and retry idempotently.
func StoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	var e *Error
	if errors.Is(err, context.DeadlineExceeded) {
		e = newError(CodeTimeout, op+" timed out", true, time.Second)
	} else {
		e = newError(CodeUnavailable, op+" failed", true, time.Second)
	}
	e.Err = err
	return e
}

func ErrorCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if err == nil {
		return ""
	}
	return CodeInternal
}

func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Transient
	}
	return false
}

var (
	ErrMessageNotFound = errors.New("message not found")
	ErrStoreClosed     = errors.New("store closed")
)
