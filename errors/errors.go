package errors

import (
	stderrors "errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// DriverError is a wrapper around media error codes, with a customizable error
// message.
type DriverError interface {
	error
	Code() Code
	Unwrap() error
	WithMessage(message string) DriverError
	Wrap(err error) DriverError
}

type driverError struct {
	code          Code
	message       string
	originalError error
}

// Error implements the `error` object interface. When called, it returns a string
// describing the error.
func (e driverError) Error() string {
	if e.message != "" {
		return e.message
	}
	return StrError(e.code)
}

func (e driverError) Code() Code {
	return e.code
}

func (e driverError) Unwrap() error {
	return e.originalError
}

// Is makes errors.Is match any DriverError with the same code, so callers can
// compare against the sentinels regardless of the message attached.
func (e driverError) Is(target error) bool {
	other, ok := target.(DriverError)
	return ok && other.Code() == e.code
}

func (e driverError) WithMessage(message string) DriverError {
	return driverError{
		code:          e.code,
		message:       fmt.Sprintf("%s: %s", e.Error(), message),
		originalError: e.originalError,
	}
}

func (e driverError) Wrap(err error) DriverError {
	return driverError{
		code:          e.code,
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: multierror.Append(e.originalError, err),
	}
}

// New creates a new [DriverError] with a default message derived from the
// error code.
func New(code Code) DriverError {
	return driverError{
		code:    code,
		message: StrError(code),
	}
}

func NewFromError(code Code, originalError error) DriverError {
	return driverError{
		code:          code,
		message:       fmt.Sprintf("%s: %s", StrError(code), originalError.Error()),
		originalError: originalError,
	}
}

// NewWithMessage creates a new DriverError from an error code with a custom
// message.
func NewWithMessage(code Code, message string) DriverError {
	return driverError{
		code:    code,
		message: fmt.Sprintf("%s: %s", StrError(code), message),
	}
}

// CodeOf returns the code carried by err, or EIO if err is not a DriverError.
// A nil error gives EOK.
func CodeOf(err error) Code {
	if err == nil {
		return EOK
	}
	var driverErr DriverError
	if As(err, &driverErr) {
		return driverErr.Code()
	}
	return EIO
}

// IsWriteFailure reports whether err is a program or erase failure, i.e. the
// kind of error that retires the physical block it happened on.
func IsWriteFailure(err error) bool {
	return CodeOf(err) == EWRITEFAILED
}

// Is and As forward to the standard library so callers only need to import
// this package.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

func As(err error, target any) bool {
	return stderrors.As(err, target)
}
