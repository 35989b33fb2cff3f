package query

import "github.com/google/uuid"

// QueryState enumerates a query's lifecycle states, totally ordered by
// phase progression except where a transition table entry says
// otherwise (RECOVERING and the RUNNING<->SUSPENDED cycle).
type QueryState int

const (
	Queued QueryState = iota
	WaitingForResources
	Dispatching
	Planning
	Starting
	Running
	Suspended
	Recovering
	Finishing
	Finished
	Failed
)

func (s QueryState) String() string {
	switch s {
	case Queued:
		return "QUEUED"
	case WaitingForResources:
		return "WAITING_FOR_RESOURCES"
	case Dispatching:
		return "DISPATCHING"
	case Planning:
		return "PLANNING"
	case Starting:
		return "STARTING"
	case Running:
		return "RUNNING"
	case Suspended:
		return "SUSPENDED"
	case Recovering:
		return "RECOVERING"
	case Finishing:
		return "FINISHING"
	case Finished:
		return "FINISHED"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// TerminalStates is the absorbing set passed to state.New.
var TerminalStates = []QueryState{Finished, Failed}

func isTerminal(s QueryState) bool {
	return s == Finished || s == Failed
}

func lessThan(target QueryState) func(QueryState) bool {
	return func(s QueryState) bool { return s < target }
}

// QueryID identifies a query.
type QueryID string

// TransactionID identifies a transaction managed by a TransactionManager.
type TransactionID string

// ResourceGroupID identifies a resource group.
type ResourceGroupID string

// TaskID identifies a distributed task.
type TaskID string

// NewQueryID mints a fresh, random query identity. Session
// implementations use this (rather than this package generating ids
// itself, since query identity is owned by the session/coordinator
// layer the controller is constructed from).
func NewQueryID() QueryID { return QueryID(uuid.NewString()) }

// NewTransactionID mints a fresh, random transaction identity. Used by
// TransactionManager implementations when Begin starts a new
// transaction.
func NewTransactionID() TransactionID { return TransactionID(uuid.NewString()) }

// RecoveryState is reported by the RecoveryManager collaborator.
type RecoveryState int

const (
	RecoveryNotRecovering RecoveryState = iota
	RecoveryStoppingForReschedule
	RecoveryRescheduling
)

// Warning is an opaque diagnostic surfaced to the client.
type Warning struct {
	Code    string
	Message string
}

// Output describes the statement's declared output form (e.g. the
// logical table/view a CREATE/INSERT targets). Opaque to the
// controller beyond identity.
type Output struct {
	Catalog string
	Schema  string
	Table   string
}
