package accounting

import (
	"errors"
	"fmt"

	"github.com/doorman-gateway/accounting/internal/db"
	"gorm.io/gorm"
)

// Code classifies accounting failures for callers and transports.
type Code string

const (
	CodeInvalidArgument     Code = "InvalidArgument"
	CodeNotFound            Code = "NotFound"
	CodeConflict            Code = "Conflict"
	CodeInsufficientBalance Code = "InsufficientBalance"
	CodeForbidden           Code = "Forbidden"
	CodeUnavailable         Code = "Unavailable"
	CodeInternal            Code = "Internal"
)

// Sentinel errors matched with errors.Is against any *Error of the same code.
var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrForbidden           = errors.New("forbidden")
	ErrUnavailable         = errors.New("unavailable")
	ErrInternal            = errors.New("internal error")
)

var sentinels = map[Code]error{
	CodeInvalidArgument:     ErrInvalidArgument,
	CodeNotFound:            ErrNotFound,
	CodeConflict:            ErrConflict,
	CodeInsufficientBalance: ErrInsufficientBalance,
	CodeForbidden:           ErrForbidden,
	CodeUnavailable:         ErrUnavailable,
	CodeInternal:            ErrInternal,
}

// Error carries a classified, user-presentable accounting failure.
type Error struct {
	Code    Code   // Failure class.
	Message string // Message shown to the caller verbatim.
	Details any    // Optional structured context.
	Err     error  // Underlying cause, if any.
}

func (e *Error) Error() string {
	if e.Err != nil && e.Code == CodeInternal {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's code.
func (e *Error) Is(target error) bool {
	sentinel, ok := sentinels[e.Code]
	return ok && sentinel == target
}

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func invalidArgument(format string, args ...any) *Error {
	return newError(CodeInvalidArgument, format, args...)
}

func notFound(format string, args ...any) *Error {
	return newError(CodeNotFound, format, args...)
}

// CodeOf returns the code of err, or CodeInternal for unclassified errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var accErr *Error
	if errors.As(err, &accErr) {
		return accErr.Code
	}
	for code, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeInternal
}

// storeError classifies a database error raised while performing op.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	var accErr *Error
	if errors.As(err, &accErr) {
		return accErr
	}
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return &Error{Code: CodeNotFound, Message: op + ": not found", Err: err}
	case db.IsUniqueViolation(err):
		return &Error{Code: CodeConflict, Message: op + ": already exists", Err: err}
	case db.IsUnavailable(err):
		return &Error{Code: CodeUnavailable, Message: op + ": store unavailable, retry later", Err: err}
	default:
		return &Error{Code: CodeInternal, Message: op + " failed", Err: err}
	}
}
