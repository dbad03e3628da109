// Package errors wraps github.com/go-errors/errors so every error leaving a
// device boundary carries the stack of the place it was first observed.
package errors

import (
	"errors"

	errorsGo "github.com/go-errors/errors"
)

type Error = errorsGo.Error

func Is(err, target error) bool { return errorsGo.Is(err, target) }

func As(err error, target any) bool { return errorsGo.As(err, target) }

func Unwrap(err error) error { return errorsGo.Unwrap(err) }

// New returns nil for nil and keeps an existing stack untouched.
func New(obj any) *Error {
	if obj == nil {
		return nil
	}
	if errGo, ok := obj.(*errorsGo.Error); ok {
		return errGo
	}
	return errorsGo.Wrap(obj, 1)
}

// Sentinel declares a package-level error kind. Kinds carry no stack; the
// stack is attached where the kind is first returned.
func Sentinel(msg string) error { return errors.New(msg) }

func Errorf(format string, a ...any) *Error { return errorsGo.Errorf(format, a...) }

func Wrap(e any, skip int) *Error { return errorsGo.Wrap(e, skip+1) }

func WrapPrefix(e any, prefix string, skip int) *Error {
	return errorsGo.WrapPrefix(e, prefix, skip+1)
}

// Step attaches a failing step and a sentinel kind to a cause, e.g.
//
//	Step(ErrModeSet, "set crtc 41 on /dev/dri/card0", err)
//
// The result matches both kind and cause with Is.
func Step(kind error, step string, cause error) error {
	if cause == nil {
		return errorsGo.WrapPrefix(kind, step, 1)
	}
	return errorsGo.WrapPrefix(&stepError{kind: kind, cause: cause}, step, 1)
}

type stepError struct {
	kind  error
	cause error
}

func (e *stepError) Error() string   { return e.kind.Error() + ": " + e.cause.Error() }
func (e *stepError) Unwrap() []error { return []error{e.kind, e.cause} }

// Join drops nil errors; nil if nothing is left.
func Join(errs ...error) error {
	err := errorsGo.Join(errs...)
	if err == nil {
		return nil
	}
	if errGo, ok := err.(*errorsGo.Error); ok {
		return errGo
	}
	return errorsGo.Wrap(err, 1)
}

// Stack returns the recorded stack trace if err carries one.
func Stack(err error) (string, bool) {
	var errGo *errorsGo.Error
	if !errorsGo.As(err, &errGo) {
		return "", false
	}
	return errGo.ErrorStack(), true
}
