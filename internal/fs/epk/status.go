package epk

import (
	"fmt"

	"github.com/exos-project/exos/internal/kernelerr"
)

// Status is the EPK-specific validation outcome of spec.md's GLOSSARY,
// grounded on original_source/kernel/include/package/EpkFormat.h's
// EPK_VALIDATION_* constants. It rides alongside the generic
// kernelerr.Kind every error here still carries (InvalidArgument in
// every case below), so existing callers that only care about Kind are
// unaffected; callers that need to distinguish scenario S5's three
// rejection outcomes call StatusOf.
type Status int

const (
	StatusOK                  Status = 0
	StatusInvalidArgument     Status = 1
	StatusInvalidMagic        Status = 2
	StatusUnsupportedVersion  Status = 3
	StatusUnsupportedFlags    Status = 4
	StatusInvalidHeaderSize   Status = 5
	StatusInvalidBounds       Status = 6
	StatusInvalidAlignment    Status = 7
	StatusInvalidSectionOrder Status = 8
	StatusInvalidTableFormat  Status = 9
	StatusInvalidEntryFormat  Status = 10
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusInvalidArgument:
		return "INVALID_ARGUMENT"
	case StatusInvalidMagic:
		return "INVALID_MAGIC"
	case StatusUnsupportedVersion:
		return "UNSUPPORTED_VERSION"
	case StatusUnsupportedFlags:
		return "UNSUPPORTED_FLAGS"
	case StatusInvalidHeaderSize:
		return "INVALID_HEADER_SIZE"
	case StatusInvalidBounds:
		return "INVALID_BOUNDS"
	case StatusInvalidAlignment:
		return "INVALID_ALIGNMENT"
	case StatusInvalidSectionOrder:
		return "INVALID_SECTION_ORDER"
	case StatusInvalidTableFormat:
		return "INVALID_TABLE_FORMAT"
	case StatusInvalidEntryFormat:
		return "INVALID_ENTRY_FORMAT"
	default:
		return "UNKNOWN"
	}
}

// statusError attaches a Status to a kernelerr-wrapped cause, mirroring
// kernelerr's own kindError/Cause chaining so kernelerr.KindOf/Is still
// see through it.
type statusError struct {
	status Status
	cause  error
}

func (e *statusError) Error() string { return fmt.Sprintf("%s: %v", e.status, e.cause) }
func (e *statusError) Unwrap() error { return e.cause }
func (e *statusError) Cause() error  { return e.cause }

// newStatusError builds a validation error carrying both an EPK Status
// and the kernelerr.InvalidArgument kind most callers outside this
// package key off of -- every status below corresponds to a malformed
// on-disk structure, spec.md §7's InvalidArgument kind.
func newStatusError(status Status, message string) error {
	return &statusError{status: status, cause: kernelerr.New(kernelerr.InvalidArgument, message)}
}

// StatusOf walks err's cause chain and returns the Status attached to
// it, or StatusOK if none was ever attached.
func StatusOf(err error) Status {
	for err != nil {
		if se, ok := err.(*statusError); ok {
			return se.status
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
	return StatusOK
}
