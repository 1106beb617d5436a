package services

import (
	"errors"
	"fmt"
)

// ErrorKind classifies service failures; handlers map it to an HTTP status.
type ErrorKind string

const (
	KindAuth       ErrorKind = "auth"
	KindNotFound   ErrorKind = "not_found"
	KindDisabled   ErrorKind = "disabled"
	KindValidation ErrorKind = "validation"
	KindDuplicate  ErrorKind = "duplicate"
	KindTransport  ErrorKind = "transport"
	KindExecution  ErrorKind = "execution"
	KindInternal   ErrorKind = "internal"
)

// Error 带分类的服务错误
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}

// Run state machine errors.
var (
	ErrRunNotPending     = errors.New("run is not awaiting resolution")
	ErrIllegalTransition = errors.New("illegal run status transition")
	ErrRunExists         = errors.New("run already exists for trigger event")
)
