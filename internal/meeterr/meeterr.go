// Package meeterr classifies application errors into the kinds the
// operation surface reports: validation problems, duplicates, capacity
// and qualifying-standard rejections, state conflicts, and the heat
// generator's cascade/regeneration failures. Batch callers use the kind
// to decide whether to continue; the CLI maps kinds to exit codes.
package meeterr

import (
	"errors"
	"fmt"
)

// Kind identifies an error class.
type Kind int

const (
	KindInternal Kind = iota // unclassified; aborts batches
	KindValidation
	KindDuplicate
	KindCapacity
	KindStandardExceeded
	KindStateConflict
	KindNoFallback
	KindFinalizedExists
	KindLaneConflict
	KindNotFound
)

// String returns the kind's wire name.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindDuplicate:
		return "duplicate"
	case KindCapacity:
		return "capacity"
	case KindStandardExceeded:
		return "standard_exceeded"
	case KindStateConflict:
		return "state_conflict"
	case KindNoFallback:
		return "no_fallback"
	case KindFinalizedExists:
		return "finalized_exists"
	case KindLaneConflict:
		return "lane_conflict"
	case KindNotFound:
		return "not_found"
	}
	return "internal"
}

// Error is a kinded application error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a kinded error from a format string.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Internal wraps a database or IO failure as unclassified.
func Internal(err error, msg string) *Error {
	return &Error{Kind: KindInternal, Msg: msg, Err: err}
}

// KindOf extracts the kind from err, or KindInternal when err carries
// no classification.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// CLI exit codes, part of the batch-invocation contract.
const (
	ExitOK         = 0
	ExitValidation = 2
	ExitCapacity   = 3
	ExitState      = 4
	ExitInternal   = 5
)

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch KindOf(err) {
	case KindValidation, KindDuplicate, KindStandardExceeded, KindNotFound:
		return ExitValidation
	case KindCapacity:
		return ExitCapacity
	case KindStateConflict, KindNoFallback, KindFinalizedExists, KindLaneConflict:
		return ExitState
	}
	return ExitInternal
}
