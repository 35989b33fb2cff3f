package query

import (
	"errors"
	"fmt"
)

// Namespace prefixes every sentinel error this package defines,
// matching the teacher's errors.New(Namespace + ": ...") convention.
const Namespace = "query"

var (
	// ErrPreparedStatementNotFound is returned by RemovePreparedStatement
	// when the name is absent from the session's prepared-statement registry.
	ErrPreparedStatementNotFound = errors.New(Namespace + ": prepared statement not found")

	// ErrAlreadyTerminal reports that a query has already reached a
	// terminal state. The Controller's transition methods do not return
	// it: they report a rejected transition by returning false.
	ErrAlreadyTerminal = errors.New(Namespace + ": query is already in a terminal state")
)

// FailureKind discriminates the provenance of a QueryFailure, beyond
// what the wrapped error conveys on its own.
type FailureKind int

const (
	// FailureUnspecified is used for ordinary to_failed(cause) calls.
	FailureUnspecified FailureKind = iota
	// FailureUserCanceled marks the synthetic cause fabricated by
	// ToCanceled.
	FailureUserCanceled
	// FailureCleanup marks a failure raised by the cleanup step of the
	// finishing protocol.
	FailureCleanup
	// FailureCommit marks a failure raised by transaction commit during
	// the finishing protocol.
	FailureCommit
	// FailureAbort marks a failure raised by transaction abort during
	// the failure protocol.
	FailureAbort
)

func (k FailureKind) String() string {
	switch k {
	case FailureUserCanceled:
		return "USER_CANCELED"
	case FailureCleanup:
		return "CLEANUP"
	case FailureCommit:
		return "COMMIT"
	case FailureAbort:
		return "ABORT"
	default:
		return "UNSPECIFIED"
	}
}

// QueryFailure is the immutable, first-write-wins record of why a
// query transitioned to FAILED.
type QueryFailure struct {
	Kind  FailureKind
	Cause error
}

func (f *QueryFailure) Error() string {
	if f == nil {
		return "<nil query failure>"
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Cause)
}

func (f *QueryFailure) Unwrap() error {
	if f == nil {
		return nil
	}
	return f.Cause
}

// userCanceledCause is the fabricated cause used by ToCanceled.
var userCanceledCause = errors.New(Namespace + ": query canceled by user")

// ProgrammerError marks a contract violation raised at the point of
// misuse. It is not a QueryFailure and must never be caught as an
// ordinary query failure: callers that hit one have a bug.
type ProgrammerError struct {
	Msg string
}

func (e *ProgrammerError) Error() string { return Namespace + ": programmer error: " + e.Msg }

func newProgrammerError(format string, args ...any) *ProgrammerError {
	return &ProgrammerError{Msg: fmt.Sprintf(format, args...)}
}
