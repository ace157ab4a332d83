package qlc

import (
	"errors"
	"fmt"
)

// Sentinel errors, matched with errors.Is against any *Error of the same kind.
var (
	// ErrConnection covers handshake failures, a session that stayed closed
	// after the one automatic reconnect, and timeouts.
	ErrConnection = errors.New("qlc: connection error")

	// ErrAuth means the server rejected the credentials. It is not retried.
	ErrAuth = errors.New("qlc: authentication rejected")

	// ErrTimeout means no matching reply arrived within the response window.
	ErrTimeout = errors.New("qlc: timed out waiting for response")

	// ErrMalformedReply means a reply lacked a token the operation needs.
	ErrMalformedReply = errors.New("qlc: malformed reply")

	// ErrInvalidArgument is returned before anything is sent.
	ErrInvalidArgument = errors.New("qlc: invalid argument")
)

// ErrorKind categorizes client failures.
type ErrorKind int

const (
	KindConnection ErrorKind = iota
	KindAuth
	KindTimeout
	KindMalformedReply
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindAuth:
		return "auth"
	case KindTimeout:
		return "timeout"
	case KindMalformedReply:
		return "malformed reply"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is the typed failure returned by Client operations.
type Error struct {
	Kind    ErrorKind
	Op      string // connect, send, list widgets, ...
	Message string
	Err     error // underlying transport error, if any
}

func newError(kind ErrorKind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := "qlc " + e.Op + ": " + e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the package sentinels. A timeout is also a connection error.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrConnection:
		return e.Kind == KindConnection || e.Kind == KindTimeout
	case ErrAuth:
		return e.Kind == KindAuth
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrMalformedReply:
		return e.Kind == KindMalformedReply
	}
	return false
}

// IsRetryable reports whether a caller may try the operation again later.
// Authentication failures need new credentials first.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == KindConnection || e.Kind == KindTimeout
}

// closedError marks a transport failure that ended the session.
type closedError struct {
	err error
}

func (e *closedError) Error() string {
	return "session closed: " + e.err.Error()
}

func (e *closedError) Unwrap() error {
	return e.err
}
