package query

import (
	"context"
	"net/url"

	"golang.org/x/sync/errgroup"

	"github.com/distsqlcore/querycontroller/phase"
)

// StageStats is a lightweight, externally-computed stage roll-up
// passed to BasicSnapshot. Unlike FullSnapshot, BasicSnapshot does not
// walk a tree itself: it trusts the caller's summary.
type StageStats struct {
	TotalTasks, TotalDrivers, RunningDrivers, CompletedDrivers int
}

// Snapshot is the immutable, composable view produced by
// BasicSnapshot/FullSnapshot. Fields not relevant to the requested
// snapshot kind are left zero.
type Snapshot struct {
	QueryID QueryID
	State   QueryState
	Self    *url.URL
	Query   string

	Memory MemorySnapshot
	Timer  phase.Stats

	Output Output

	Basic *StageStats
	Full  *StageRollup
}

// Final reports whether this snapshot represents a complete, won't-
// change-again view of the query. A stage tree is final when every
// stage it covers is in a terminal state and the owning query state is
// itself terminal; a snapshot with no stage tree is final whenever the
// query state alone is terminal (there's nothing further to observe).
func (s Snapshot) Final() bool {
	if !isTerminal(s.State) {
		return false
	}
	if s.Full == nil {
		return true
	}
	return allStagesDone(s.Full.Root)
}

func allStagesDone(t *StageTree) bool {
	if t == nil {
		return true
	}
	if !isStageDone(t.State) {
		return false
	}
	for _, sub := range t.SubStages {
		if !allStagesDone(sub) {
			return false
		}
	}
	return true
}

// BasicSnapshot composes a lightweight snapshot. It samples the
// current state first, before anything else, so that it never reports
// stage-level telemetry gathered under a state the query has since
// advanced past.
func (q *Controller) BasicSnapshot(stats *StageStats) Snapshot {
	currentState := q.state.Get()

	snap := Snapshot{
		QueryID: q.id,
		State:   currentState,
		Self:    q.self,
		Query:   q.query,
		Memory:  q.memory.Snapshot(),
		Timer:   q.timer.Snapshot(),
		Basic:   stats,
	}
	if out, ok := q.declaredOutput.Get(); ok && out != nil {
		snap.Output = *out
	}

	q.maybeFinalizeSnapshot(snap)
	return snap
}

// FullSnapshot additionally walks the supplied stage tree, summing
// per-stage counters concurrently across sibling subtrees via
// errgroup, and evaluates the recovery race documented in the design
// notes: if recovery is enabled and the recovery manager reports
// STOPPING_FOR_RESCHEDULE while every stage is done, the controller
// transitions to RECOVERING and requests a reschedule.
//
// This couples a read path (snapshot assembly) to a mutate path (the
// RECOVERING transition) and can race with other external callers
// driving the state machine; that race is inherited from the source
// design and is preserved here rather than "fixed".
func (q *Controller) FullSnapshot(ctx context.Context, stages *StageTree) (Snapshot, error) {
	currentState := q.state.Get()

	var rollup *StageRollup
	if stages != nil {
		copied, sums, err := walkStage(ctx, stages)
		if err != nil {
			return Snapshot{}, err
		}
		sums.Root = copied
		rollup = &sums
	}

	snap := Snapshot{
		QueryID: q.id,
		State:   currentState,
		Self:    q.self,
		Query:   q.query,
		Memory:  q.memory.Snapshot(),
		Timer:   q.timer.Snapshot(),
		Full:    rollup,
	}
	if out, ok := q.declaredOutput.Get(); ok && out != nil {
		snap.Output = *out
	}

	q.maybeFinalizeSnapshot(snap)

	if q.recoveryEnabled && rollup != nil && allStagesDone(rollup.Root) {
		if q.recoveryManager.State() == RecoveryStoppingForReschedule {
			if q.ToRecovering() {
				if err := q.recoveryManager.RescheduleQuery(ctx); err != nil {
					q.toFailedWithKind(ctx, err, FailureUnspecified)
				}
			}
		}
	}

	return snap, nil
}

// maybeFinalizeSnapshot writes snap into the one-shot final-snapshot
// cell if it reports Final() and nothing has been written yet. Later
// writers observe the cell already set and do nothing.
func (q *Controller) maybeFinalizeSnapshot(snap Snapshot) {
	if !snap.Final() {
		return
	}
	s := snap
	q.finalSnapshot.CompareAndSwap(nil, &s)
}

// FinalSnapshot returns the one-shot final snapshot, if one has been
// written yet.
func (q *Controller) FinalSnapshot() (Snapshot, bool) {
	if s := q.finalSnapshot.Load(); s != nil {
		return *s, true
	}
	return Snapshot{}, false
}

// Prune replaces the final snapshot with a structurally shrunken
// variant, via compare-and-set from the previous value: the retained
// root's task list, sub-stage list, and operator-summary list are
// removed, while every scalar counter and timing field survives
// unchanged. Prune is a no-op (returns false) if no final snapshot has
// been written yet, or if it was concurrently replaced between the
// load and the compare-and-set.
func (q *Controller) Prune() bool {
	old := q.finalSnapshot.Load()
	if old == nil {
		return false
	}
	pruned := *old
	if pruned.Full != nil {
		fullCopy := *pruned.Full
		fullCopy.Root = pruneTree(fullCopy.Root)
		pruned.Full = &fullCopy
	}
	return q.finalSnapshot.CompareAndSwap(old, &pruned)
}

func pruneTree(t *StageTree) *StageTree {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Tasks = nil
	cp.SubStages = nil
	cp.OperatorSummaries = nil
	return &cp
}

// walkStage deep-copies t and computes its aggregated StageRollup,
// summing sibling subtrees concurrently via errgroup. An error from any
// subtree walk aborts the whole walk rather than returning a partial
// rollup; the walk itself performs no validation of the tree and does
// not check ctx, so in practice it always returns a nil error.
func walkStage(ctx context.Context, t *StageTree) (*StageTree, StageRollup, error) {
	if t == nil {
		return nil, StageRollup{}, nil
	}

	childCopies := make([]*StageTree, len(t.SubStages))
	childRollups := make([]StageRollup, len(t.SubStages))

	g, gctx := errgroup.WithContext(ctx)
	for i, sub := range t.SubStages {
		i, sub := i, sub
		g.Go(func() error {
			cp, r, err := walkStage(gctx, sub)
			if err != nil {
				return err
			}
			childCopies[i] = cp
			childRollups[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, StageRollup{}, err
	}

	copied := *t
	copied.SubStages = childCopies

	rollup := StageRollup{
		TotalStages:   1,
		TotalTasks:    len(t.Tasks),
		TotalDrivers:  t.Drivers,
		InputBytes:    t.InputBytes,
		InputRows:     t.InputRows,
		OutputBytes:   t.OutputBytes,
		OutputRows:    t.OutputRows,
		ScheduledTime: t.ScheduledTime,
		CPUTime:       t.CPUTime,
		BlockedTime:   t.BlockedTime,
		GCCount:       t.GC.Count,
		GCTime:        t.GC.Time,
	}
	if t.HasTableScan {
		rollup.RawInputBytes = t.RawInputBytes
		rollup.RawInputRows = t.RawInputRows
	}

	allScheduled := t.State == StageRunning || (isStageDone(t.State) && t.State != StageRescheduling)
	allNonDoneFullyBlocked := true
	if !isStageDone(t.State) {
		allNonDoneFullyBlocked = t.FullyBlocked
	}

	for _, child := range childRollups {
		rollup.TotalStages += child.TotalStages
		rollup.TotalTasks += child.TotalTasks
		rollup.TotalDrivers += child.TotalDrivers
		rollup.InputBytes += child.InputBytes
		rollup.InputRows += child.InputRows
		rollup.RawInputBytes += child.RawInputBytes
		rollup.RawInputRows += child.RawInputRows
		rollup.OutputBytes += child.OutputBytes
		rollup.OutputRows += child.OutputRows
		rollup.ScheduledTime += child.ScheduledTime
		rollup.CPUTime += child.CPUTime
		rollup.BlockedTime += child.BlockedTime
		rollup.GCCount += child.GCCount
		rollup.GCTime += child.GCTime

		allScheduled = allScheduled && child.Scheduled
		allNonDoneFullyBlocked = allNonDoneFullyBlocked && child.FullyBlocked
	}

	rollup.Scheduled = allScheduled
	rollup.FullyBlocked = allNonDoneFullyBlocked

	return &copied, rollup, nil
}
