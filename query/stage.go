package query

import "time"

// StageState enumerates a distributed stage's own lifecycle, supplied
// by the scheduler collaborator. It is coarser than QueryState and
// lives entirely outside this package's mutation surface: the
// controller only ever reads a StageTree, never writes one.
type StageState int

const (
	StagePlanned StageState = iota
	StageScheduling
	StageScheduled
	StageRunning
	// StageRescheduling mirrors the query-level RECOVERING state at
	// stage granularity: a stage being torn down and replanned after a
	// node-level snapshot. It is intentionally excluded from both the
	// "done" set and the "scheduled" computation's terminal branch, per
	// the "terminal-non-RECOVERING" qualifier on query's scheduled
	// predicate.
	StageRescheduling
	StageFinished
	StageCanceled
	StageAborted
	StageFailed
)

func isStageDone(s StageState) bool {
	switch s {
	case StageFinished, StageCanceled, StageAborted, StageFailed:
		return true
	default:
		return false
	}
}

// GCStats summarizes garbage-collection activity attributed to a
// stage's drivers.
type GCStats struct {
	Count int64
	Time  time.Duration
}

// OperatorSummary is an opaque per-operator telemetry roll-up; its
// actual shape is defined by the execution engine and is out of scope
// here beyond being something a full snapshot carries and Prune drops.
type OperatorSummary struct {
	OperatorType string
	InputRows    int64
	InputBytes   int64
	OutputRows   int64
	OutputBytes  int64
}

// TaskSummary is a lightweight per-task record, dropped by Prune.
type TaskSummary struct {
	Task  TaskID
	State string
}

// StageTree is the distributed plan subtree telemetry supplied to
// full_snapshot by an external collaborator (the distributed scheduler).
// The controller treats it as read-only input and never mutates it;
// full_snapshot builds its own retained copy.
type StageTree struct {
	StageID string
	State   StageState

	FullyBlocked bool
	// HasTableScan marks stages whose plan contains at least one
	// table-scan partitioned source; only such stages contribute to
	// RawInputBytes/RawInputRows in the aggregated rollup.
	HasTableScan bool

	Drivers int
	Tasks   []TaskSummary

	InputBytes, InputRows       int64
	RawInputBytes, RawInputRows int64
	OutputBytes, OutputRows     int64

	ScheduledTime, CPUTime, BlockedTime time.Duration
	GC                                  GCStats

	OperatorSummaries []OperatorSummary

	SubStages []*StageTree
}

// StageRollup is the aggregated, query-wide summary produced by
// walking a StageTree, plus (for a full snapshot) a retained copy of
// the tree itself, which Prune later shrinks.
type StageRollup struct {
	TotalStages, TotalTasks, TotalDrivers int

	InputBytes, InputRows       int64
	RawInputBytes, RawInputRows int64
	OutputBytes, OutputRows     int64

	ScheduledTime, CPUTime, BlockedTime time.Duration
	GCCount                             int64
	GCTime                              time.Duration

	FullyBlocked bool
	Scheduled    bool

	// Root is the retained, structurally-mutable copy of the walked
	// tree. Prune replaces it with a copy of the root node whose Tasks,
	// SubStages, and OperatorSummaries are nil; the scalar fields above
	// are unaffected.
	Root *StageTree
}
