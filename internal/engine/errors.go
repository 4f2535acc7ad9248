package engine

import (
	"fmt"
)

// Code is a structured failure code reported across the engine boundary.
// Callers should prefer the code over matching on message text.
type Code int

const (
	CodeUnknown Code = iota
	CodeInvalidInput
	CodeUnsupported
	CodeNotLoaded
	CodeProcessing
	CodeOutOfMemory
	CodeThreading
	CodePanic
)

// String returns the string representation of the code
func (c Code) String() string {
	switch c {
	case CodeInvalidInput:
		return "invalid_input"
	case CodeUnsupported:
		return "unsupported"
	case CodeNotLoaded:
		return "not_loaded"
	case CodeProcessing:
		return "processing"
	case CodeOutOfMemory:
		return "out_of_memory"
	case CodeThreading:
		return "threading"
	case CodePanic:
		return "panic"
	default:
		return "unknown"
	}
}

// Error is a failure raised by an engine
type Error struct {
	Code    Code
	Op      string
	Message string
	Details string
	Err     error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Details != "" {
		msg += " (" + e.Details + ")"
	}
	return msg
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds an engine error with a formatted message
func Errorf(code Code, op, format string, args ...interface{}) *Error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an engine error around a cause
func Wrap(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Message: err.Error(), Err: err}
}

// ErrNotLoaded is returned by engines asked to work before Load
var ErrNotLoaded = &Error{Code: CodeNotLoaded, Message: "engine not loaded"}
