// Package kernelerr implements the error Kind taxonomy of spec.md §7:
// InvalidArgument, NotFound, NoMemory, IO, Permission, State,
// NotImplemented, and Fatal. Every kernel subsystem returns errors
// constructed or wrapped through this package so that KindOf can recover
// the Kind of any error regardless of how many times it was wrapped on the
// way up. The fault dispatcher (internal/trap) does not inspect Kinds.
package kernelerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies the cause of a kernel error, per spec.md §7.
type Kind int

const (
	// Unknown is never attached deliberately; KindOf returns it for errors
	// that were never produced by this package.
	Unknown Kind = iota
	InvalidArgument
	NotFound
	NoMemory
	IO
	Permission
	State
	NotImplemented
	Fatal
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "InvalidArgument"
	case NotFound:
		return "NotFound"
	case NoMemory:
		return "NoMemory"
	case IO:
		return "IO"
	case Permission:
		return "Permission"
	case State:
		return "State"
	case NotImplemented:
		return "NotImplemented"
	case Fatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// kindError attaches a Kind to an underlying cause captured via
// github.com/pkg/errors, which records a stack trace at the point the Kind
// was first attached.
type kindError struct {
	kind  Kind
	cause error
}

func (e *kindError) Error() string {
	return fmt.Sprintf("%s: %v", e.kind, e.cause)
}

func (e *kindError) Unwrap() error { return e.cause }

func (e *kindError) Cause() error { return e.cause }

// New creates a new error of the given Kind with the supplied message.
func New(kind Kind, message string) error {
	return &kindError{kind: kind, cause: errors.New(message)}
}

// Newf is New with fmt.Sprintf-style formatting.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &kindError{kind: kind, cause: errors.Errorf(format, args...)}
}

// Wrap attaches kind to err, preserving err in the chain so that
// errors.Is/errors.As and KindOf continue to work through it. If err is
// nil, Wrap returns nil.
func Wrap(err error, kind Kind, message string) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, cause: errors.Wrap(err, message)}
}

// Wrapf is Wrap with fmt.Sprintf-style formatting.
func Wrapf(err error, kind Kind, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, cause: errors.Wrapf(err, format, args...)}
}

// KindOf walks err's cause chain (via Cause()/Unwrap()) and returns the
// first Kind attached to it, or Unknown if none is found.
func KindOf(err error) Kind {
	for err != nil {
		if ke, ok := err.(*kindError); ok {
			return ke.kind
		}
		type causer interface{ Cause() error }
		type unwrapper interface{ Unwrap() error }
		if c, ok := err.(causer); ok {
			err = c.Cause()
			continue
		}
		if u, ok := err.(unwrapper); ok {
			err = u.Unwrap()
			continue
		}
		break
	}
	return Unknown
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
