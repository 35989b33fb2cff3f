package query

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/distsqlcore/querycontroller/executor"
	"github.com/distsqlcore/querycontroller/internal/obs"
	"github.com/distsqlcore/querycontroller/output"
	"github.com/distsqlcore/querycontroller/phase"
	"github.com/distsqlcore/querycontroller/state"
)

// MemoryPoolRef identifies the memory pool a query is currently
// assigned to. It is mutable and versioned: a query may be reassigned
// to a different pool (e.g. moved to the reserved pool) during its
// lifetime.
type MemoryPoolRef struct {
	Name    string
	Version uint64
}

// Controller is the query lifecycle controller: the top-level object
// owning one query's state from submission through terminal outcome.
type Controller struct {
	id            QueryID
	query         string
	preparedQuery *string
	session       Session
	self          *url.URL
	resourceGroup ResourceGroupID

	exec executor.Executor
	log  obs.Logger

	txnManager           TransactionManager
	resourceGroupManager ResourceGroupManager
	metadataManager      MetadataManager
	recoveryManager      RecoveryManager
	warnings             WarningCollector

	state  *state.Register[QueryState]
	timer  *phase.Timer
	output *output.Publisher
	memory *MemoryTracker

	pool atomic.Pointer[MemoryPoolRef]

	accumulators *sessionAccumulators

	startedTransactionID onceCell[TransactionID]
	transactionCleared   atomic.Bool

	updateType     optionalCell[string]
	failureCause   onceCell[*QueryFailure]
	declaredOutput optionalCell[*Output]

	runningAsync    atomic.Bool
	recoveryEnabled bool

	cleanupOnce sync.Once
	cleanupErr  optionalCell[error]

	finalSnapshot atomic.Pointer[Snapshot]
}

// NewController constructs a Controller in the QUEUED state. cfg's
// required fields must be populated; NewController panics (a
// ProgrammerError) if they are not.
func NewController(cfg Config) *Controller {
	cfg.validate()

	var self *url.URL
	if cfg.Self != "" {
		u, err := url.Parse(cfg.Self)
		if err != nil {
			panic(newProgrammerError("Config.Self is not a valid URL: %v", err))
		}
		self = u
	}

	q := &Controller{
		id:                   cfg.Session.QueryID(),
		query:                cfg.Query,
		preparedQuery:        cfg.PreparedQuery,
		session:              cfg.Session,
		self:                 self,
		resourceGroup:        cfg.ResourceGroup,
		exec:                 cfg.Executor,
		log:                  cfg.Log,
		txnManager:           cfg.TransactionManager,
		resourceGroupManager: cfg.ResourceGroupManager,
		metadataManager:      cfg.MetadataManager,
		recoveryManager:      cfg.RecoveryManager,
		warnings:             cfg.WarningCollector,
		state:                state.New(Queued, TerminalStates, cfg.Executor),
		timer:                phase.New(nil),
		output:               output.New(cfg.Executor, cfg.Log),
		memory:               &MemoryTracker{},
		accumulators:         newSessionAccumulators(),
		recoveryEnabled:      cfg.Session.RecoveryEnabled(),
	}
	q.runningAsync.Store(cfg.RunningAsync)
	q.timer.Begin(phase.Queued)

	return q
}

// ID returns the query's identity.
func (q *Controller) ID() QueryID { return q.id }

// State returns the current QueryState.
func (q *Controller) State() QueryState { return q.state.Get() }

// IsDone reports whether the controller has reached a terminal state.
func (q *Controller) IsDone() bool { return q.state.IsTerminal() }

// AddStateChangeListener registers fn for every successful state
// transition, firing once immediately with the current state.
func (q *Controller) AddStateChangeListener(fn func(QueryState)) {
	q.state.AddListener(fn)
}

// AwaitStateChange returns a channel completed the next time the
// state differs from from.
func (q *Controller) AwaitStateChange(from QueryState) <-chan QueryState {
	return q.state.AwaitChange(from)
}

// Output exposes the output publisher for listener registration and
// location/column updates driven by the scheduler.
func (q *Controller) Output() *output.Publisher { return q.output }

// Memory exposes the memory tracker.
func (q *Controller) Memory() *MemoryTracker { return q.memory }

// UpdateMemoryUsage applies the deltas to the current memory counters
// and raises peak watermarks accordingly.
func (q *Controller) UpdateMemoryUsage(deltaUser, deltaRevocable, deltaTotal, taskUser, taskRevocable, taskTotal int64) {
	q.memory.Update(deltaUser, deltaRevocable, deltaTotal, taskUser, taskRevocable, taskTotal)
}

// SetMemoryPool reassigns the query to a different memory pool.
func (q *Controller) SetMemoryPool(ref MemoryPoolRef) {
	q.pool.Store(&ref)
}

// MemoryPool returns the query's current memory pool assignment, or
// the zero value if none has been set.
func (q *Controller) MemoryPool() MemoryPoolRef {
	if p := q.pool.Load(); p != nil {
		return *p
	}
	return MemoryPoolRef{}
}

// SetStartedTransactionID records the id of a transaction this
// controller opened on the query's behalf. It is first-write-wins, and
// panics if a clear-transaction-id has already been recorded: the two
// are mutually exclusive.
func (q *Controller) SetStartedTransactionID(id TransactionID) {
	if q.transactionCleared.Load() {
		panic(newProgrammerError("SetStartedTransactionID called after ClearTransactionID"))
	}
	q.startedTransactionID.CompareAndSet(id)
}

// ClearTransactionID marks the query as holding no transaction. It
// panics if a started-transaction-id has already been recorded.
func (q *Controller) ClearTransactionID() {
	if _, set := q.startedTransactionID.Get(); set {
		panic(newProgrammerError("ClearTransactionID called after SetStartedTransactionID"))
	}
	q.transactionCleared.Store(true)
}

// activeTransactionID resolves the transaction this query is running
// under, preferring a controller-started id over the session's.
func (q *Controller) activeTransactionID() (TransactionID, bool) {
	if id, ok := q.startedTransactionID.Get(); ok {
		return id, true
	}
	return q.session.TransactionID()
}

// SetUpdateType records the statement's update-type label (e.g.
// "CREATE TABLE"). Unlike failure-cause, later writes overwrite.
func (q *Controller) SetUpdateType(updateType string) {
	q.updateType.Set(updateType)
}

// UpdateType returns the recorded update-type label, if any.
func (q *Controller) UpdateType() (string, bool) {
	return q.updateType.Get()
}

// SetOutput records the statement's declared output target.
func (q *Controller) SetOutput(out Output) {
	q.declaredOutput.Set(&out)
}

// FailureCause returns the first-recorded failure cause, if any.
func (q *Controller) FailureCause() (*QueryFailure, bool) {
	return q.failureCause.Get()
}

// RecordInput records a consumed input (e.g. a scanned table) for
// later reporting/auditing.
func (q *Controller) RecordInput(input string) {
	q.accumulators.RecordInput(input)
}

// SetCatalog, SetSchema, SetPath, SetSessionProperty,
// ResetSessionProperty, SetRole, AddPreparedStatement delegate to the
// session-mutation accumulators.
func (q *Controller) SetCatalog(v string)                  { q.accumulators.SetCatalog(v) }
func (q *Controller) SetSchema(v string)                   { q.accumulators.SetSchema(v) }
func (q *Controller) SetPath(v string)                     { q.accumulators.SetPath(v) }
func (q *Controller) SetSessionProperty(name, value string) { q.accumulators.SetSessionProperty(name, value) }
func (q *Controller) ResetSessionProperty(name string)      { q.accumulators.ResetSessionProperty(name) }
func (q *Controller) SetRole(catalog, role string)          { q.accumulators.SetRole(catalog, role) }
func (q *Controller) AddPreparedStatement(name, text string) {
	q.accumulators.AddPreparedStatement(name, text)
}

// RemovePreparedStatement records a deallocation, returning
// ErrPreparedStatementNotFound if name is absent from the session's
// registry.
func (q *Controller) RemovePreparedStatement(name string) error {
	return q.accumulators.RemovePreparedStatement(q.session, name)
}

// SessionMutations returns a snapshot of accrued session mutations.
func (q *Controller) SessionMutations() SessionMutations {
	return q.accumulators.Snapshot()
}

// RunningAsync reports whether the query is currently executing in
// asynchronous-result mode.
func (q *Controller) RunningAsync() bool { return q.runningAsync.Load() }

// RecoveryEnabled reports the immutable, session-sampled
// recovery-enabled flag.
func (q *Controller) RecoveryEnabled() bool { return q.recoveryEnabled }

// ThrottlingEnabled reports whether this query's resource group is
// registered and has a finite soft memory reservation.
func (q *Controller) ThrottlingEnabled() bool {
	return ThrottlingEnabled(q.resourceGroupManager, q.resourceGroup)
}

// ---- forward transitions ----

func (q *Controller) ToWaitingForResources() bool {
	ok := q.state.SetIf(WaitingForResources, lessThan(WaitingForResources))
	if ok {
		q.timer.Begin(phase.WaitingForResources)
	}
	return ok
}

func (q *Controller) ToDispatching() bool {
	ok := q.state.SetIf(Dispatching, lessThan(Dispatching))
	if ok {
		q.timer.Begin(phase.Dispatching)
	}
	return ok
}

func (q *Controller) ToPlanning() bool {
	ok := q.state.SetIf(Planning, lessThan(Planning))
	if ok {
		q.timer.Begin(phase.Planning)
	}
	return ok
}

// ToStarting transitions to STARTING, either from any state ordinally
// before it, or from RECOVERING. In the latter case, the output
// publisher's pending location state is reset first, since a
// recovering query re-plans its output locations from scratch.
func (q *Controller) ToStarting() bool {
	current := q.state.Get()
	fromRecovering := current == Recovering

	ok := q.state.SetIf(Starting, func(s QueryState) bool {
		return s < Starting || s == Recovering
	})
	if ok {
		if fromRecovering {
			q.output.ResetForResume()
		}
		q.timer.Begin(phase.Analysis)
	}
	return ok
}

func (q *Controller) ToRunning() bool {
	ok := q.state.SetIf(Running, lessThan(Running))
	if ok {
		q.timer.Begin(phase.Execution)
	}
	return ok
}

func (q *Controller) ToRecovering() bool {
	return q.state.SetIf(Recovering, func(s QueryState) bool {
		return s == Running || s == Suspended
	})
}

func (q *Controller) ToSuspended() bool {
	return q.state.SetIf(Suspended, func(s QueryState) bool { return s == Running })
}

func (q *Controller) ToResumeRunning() bool {
	return q.state.SetIf(Running, func(s QueryState) bool { return s == Suspended })
}

// ---- finishing protocol ----

// ToFinishing drives the finishing protocol described in the
// controller's design: reset running-async, run cleanup, and resolve
// any auto-commit transaction, landing in FINISHED or FAILED. ctx is
// passed to the transaction manager's async commit; if ctx is done
// before the commit reports its outcome, the query is failed with a
// FailureCommit cause.
func (q *Controller) ToFinishing(ctx context.Context) bool {
	ok := q.state.SetIf(Finishing, func(s QueryState) bool {
		return s != Finishing && !isTerminal(s)
	})
	if !ok {
		return false
	}

	q.timer.Begin(phase.Finishing)
	q.runningAsync.Store(false)

	if err := q.cleanup(); err != nil {
		q.failTerminal(ctx, err, FailureCleanup)
		return true
	}

	txnID, hasTxn := q.activeTransactionID()
	if hasTxn && q.txnManager.Exists(txnID) && q.txnManager.IsAutoCommit(txnID) {
		go q.resolveAutoCommit(ctx, txnID)
		return true
	}

	q.finishTerminal()
	return true
}

// resolveAutoCommit runs in its own goroutine: the finishing path
// returns to its caller without waiting on the commit.
func (q *Controller) resolveAutoCommit(ctx context.Context, txnID TransactionID) {
	select {
	case err := <-q.txnManager.AsyncCommit(ctx, txnID):
		if err != nil {
			q.failTerminal(ctx, err, FailureCommit)
			return
		}
		q.finishTerminal()
	case <-ctx.Done():
		q.failTerminal(ctx, ctx.Err(), FailureCommit)
	}
}

// finishTerminal sets FINISHED via set_if(FINISHED, !terminal) so a
// concurrent FAILED transition preempts it.
func (q *Controller) finishTerminal() {
	if q.state.SetIf(Finished, func(s QueryState) bool { return !isTerminal(s) }) {
		q.timer.EndOfQuery()
	}
}

// failTerminal is the shared tail of the finishing path's cleanup- and
// commit-failure branches: it behaves like ToFailed, but without
// re-running cleanup (already run, or deliberately skipped by the
// caller).
func (q *Controller) failTerminal(ctx context.Context, cause error, kind FailureKind) {
	q.timer.EndOfQuery()
	failure := &QueryFailure{Kind: kind, Cause: cause}
	q.failureCause.CompareAndSet(failure)

	if !q.state.SetIf(Failed, func(s QueryState) bool { return !isTerminal(s) }) {
		return
	}

	txnID, hasTxn := q.activeTransactionID()
	if !hasTxn || !q.txnManager.Exists(txnID) {
		return
	}
	if q.txnManager.IsAutoCommit(txnID) {
		go func() {
			if err := <-q.txnManager.AsyncAbort(ctx, txnID); err != nil {
				abortFailure := &QueryFailure{Kind: FailureAbort, Cause: err}
				q.log.WithError(abortFailure).Error("query: transaction abort failed after query failure")
			}
		}()
	} else {
		q.txnManager.Fail(txnID)
	}
}

// ---- failure and cancellation protocol ----

// ToFailed drives the failure protocol: cleanup quietly, stamp
// end-of-query, record the cause (before the state transition becomes
// observable, per the listener-visibility invariant), then attempt the
// transition and resolve the transaction.
func (q *Controller) ToFailed(ctx context.Context, cause error) bool {
	return q.toFailedWithKind(ctx, cause, FailureUnspecified)
}

// ToCanceled is identical to ToFailed, but with a synthetic
// "user canceled" cause. The resulting terminal state is FAILED, not a
// distinct CANCELED state; FailureCause().Kind discriminates it.
func (q *Controller) ToCanceled(ctx context.Context) bool {
	return q.toFailedWithKind(ctx, userCanceledCause, FailureUserCanceled)
}

func (q *Controller) toFailedWithKind(ctx context.Context, cause error, kind FailureKind) bool {
	q.cleanupQuietly()
	q.timer.EndOfQuery()

	failure := &QueryFailure{Kind: kind, Cause: cause}
	q.failureCause.CompareAndSet(failure)

	ok := q.state.SetIf(Failed, func(s QueryState) bool { return !isTerminal(s) })
	if !ok {
		return false
	}

	txnID, hasTxn := q.activeTransactionID()
	if !hasTxn || !q.txnManager.Exists(txnID) {
		return true
	}

	if q.txnManager.IsAutoCommit(txnID) {
		go func() {
			if err := <-q.txnManager.AsyncAbort(ctx, txnID); err != nil {
				abortFailure := &QueryFailure{Kind: FailureAbort, Cause: err}
				q.log.WithError(abortFailure).Error("query: transaction abort failed during failure path")
			}
		}()
	} else {
		q.txnManager.Fail(txnID)
	}
	return true
}

// ---- cleanup ----

// cleanup calls through to the metadata/task-manager collaborators
// exactly once across the controller's lifetime, regardless of how
// many callers race to invoke it.
func (q *Controller) cleanup() error {
	q.cleanupOnce.Do(func() {
		err := q.runCleanup()
		q.cleanupErr.Set(err)
	})
	err, _ := q.cleanupErr.Get()
	return err
}

// cleanupQuietly runs cleanup and swallows any failure, logging it
// instead: used on the failure path, where the query is already
// failing and a secondary cleanup failure must not mask the real
// cause.
func (q *Controller) cleanupQuietly() {
	if err := q.cleanup(); err != nil {
		q.log.WithError(err).Warn("query: cleanup failed (query already failing)")
	}
}

func (q *Controller) runCleanup() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("query: panic during cleanup: %v", r)
		}
	}()
	q.metadataManager.CleanupQuery(q.session)
	q.metadataManager.CleanupContext(q.id)
	return nil
}

// Warnings returns the warnings accumulated so far.
func (q *Controller) Warnings() []Warning {
	return q.warnings.Warnings()
}
