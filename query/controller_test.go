package query

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distsqlcore/querycontroller/executor"
	"github.com/distsqlcore/querycontroller/output"
)

func testConfig(t *testing.T, session Session, txnMgr TransactionManager) Config {
	t.Helper()
	return Config{
		Executor:           executor.Inline{},
		Session:            session,
		TransactionManager: txnMgr,
		Query:              "SELECT 1",
	}
}

// S1: happy path, a query runs to completion with an auto-commit
// transaction that commits successfully.
func TestController_HappyPath(t *testing.T) {
	session := newFakeSession("q1")
	txn := newFakeTransactionManager()
	txn.register("t1", true)
	session.txnID, session.hasTxn = "t1", true

	c := NewController(testConfig(t, session, txn))
	require.Equal(t, Queued, c.State())

	require.True(t, c.ToWaitingForResources())
	require.True(t, c.ToDispatching())
	require.True(t, c.ToPlanning())
	require.True(t, c.ToStarting())
	require.True(t, c.ToRunning())

	require.True(t, c.ToFinishing(context.Background()))

	require.Eventually(t, func() bool { return c.State() == Finished }, time.Second, time.Millisecond)
	require.True(t, c.IsDone())
	_, hasFailure := c.FailureCause()
	require.False(t, hasFailure)
}

// S2: a running query recovers after a node-level snapshot, resumes at
// STARTING, and its output locations are reset.
func TestController_RecoveryRoundTrip(t *testing.T) {
	session := newFakeSession("q2")
	session.recoveryEnabled = true
	txn := newFakeTransactionManager()

	c := NewController(testConfig(t, session, txn))
	require.True(t, c.ToWaitingForResources())
	require.True(t, c.ToDispatching())
	require.True(t, c.ToPlanning())
	require.True(t, c.ToStarting())
	require.True(t, c.ToRunning())

	c.Output().SetColumns([]string{"a"}, []output.ColumnType{"bigint"})
	c.Output().UpdateOutputLocations(map[output.TaskID]output.Location{"task-1": "exchange://1"}, false)
	info, ok := c.Output().Info()
	require.True(t, ok)
	require.Len(t, info.Locations, 1)

	require.True(t, c.ToRecovering())
	require.Equal(t, Recovering, c.State())

	require.True(t, c.ToStarting())
	require.Equal(t, Starting, c.State())

	info, ok = c.Output().Info()
	require.True(t, ok)
	require.Empty(t, info.Locations, "recovery must reset pending output locations")

	require.True(t, c.ToRunning())
	require.Equal(t, Running, c.State())
}

// S3: two callers race to fail/cancel the same query concurrently;
// exactly one cause wins and the controller lands in FAILED exactly
// once.
func TestController_ConcurrentCancelRace(t *testing.T) {
	session := newFakeSession("q3")
	txn := newFakeTransactionManager()
	c := NewController(testConfig(t, session, txn))
	require.True(t, c.ToWaitingForResources())
	require.True(t, c.ToRunning())

	var wg sync.WaitGroup
	results := make([]bool, 4)
	causeA := errors.New("boom-a")
	for i := 0; i < 2; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			results[i] = c.ToFailed(context.Background(), causeA)
		}()
	}
	for i := 2; i < 4; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			results[i] = c.ToCanceled(context.Background())
		}()
	}
	wg.Wait()

	won := 0
	for _, r := range results {
		if r {
			won++
		}
	}
	require.Equal(t, 1, won, "exactly one of the racing terminal transitions should succeed")
	require.Equal(t, Failed, c.State())
	require.True(t, c.IsDone())

	failure, ok := c.FailureCause()
	require.True(t, ok)
	require.NotNil(t, failure)
}

// S4: a listener registered after the state has already advanced is
// delivered the current state exactly once, with no history replay.
func TestController_LateListenerReceivesCurrentState(t *testing.T) {
	session := newFakeSession("q4")
	txn := newFakeTransactionManager()
	c := NewController(testConfig(t, session, txn))
	require.True(t, c.ToWaitingForResources())
	require.True(t, c.ToDispatching())

	var mu sync.Mutex
	var observed []QueryState
	c.AddStateChangeListener(func(s QueryState) {
		mu.Lock()
		defer mu.Unlock()
		observed = append(observed, s)
	})

	mu.Lock()
	got := append([]QueryState(nil), observed...)
	mu.Unlock()
	require.Equal(t, []QueryState{Dispatching}, got)
}

// S5: concurrent memory updates never let a peak counter fall below any
// value it has already reported as current.
func TestController_MemoryPeakMonotonicity(t *testing.T) {
	session := newFakeSession("q5")
	txn := newFakeTransactionManager()
	c := NewController(testConfig(t, session, txn))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		delta := int64(i + 1)
		go func() {
			defer wg.Done()
			c.UpdateMemoryUsage(delta, 0, delta, delta, 0, delta)
		}()
	}
	wg.Wait()

	snap := c.Memory().Snapshot()
	assert.GreaterOrEqual(t, snap.PeakUser, snap.CurrentUser)
	assert.GreaterOrEqual(t, snap.PeakTotal, snap.CurrentTotal)
	assert.GreaterOrEqual(t, snap.PeakTaskUser, int64(0))
}

// S6: once ToFailed has succeeded on a query holding an auto-commit
// transaction, a later ToFinishing is rejected, so no commit is started
// and the query stays FAILED rather than landing in FINISHED.
func TestController_FailurePreemptsCommit(t *testing.T) {
	session := newFakeSession("q6")
	txn := newFakeTransactionManager()
	txn.register("t1", true)
	session.txnID, session.hasTxn = "t1", true

	c := NewController(testConfig(t, session, txn))
	require.True(t, c.ToWaitingForResources())
	require.True(t, c.ToRunning())

	require.True(t, c.ToFailed(context.Background(), errors.New("execution error")))
	require.Equal(t, Failed, c.State())

	// A finishing attempt after the query is already terminal must be
	// rejected outright.
	require.False(t, c.ToFinishing(context.Background()))
	require.Equal(t, Failed, c.State())
}

func TestController_FinishingFailsWhenCommitErrors(t *testing.T) {
	session := newFakeSession("q7")
	txn := newFakeTransactionManager()
	txn.register("t1", true)
	txn.setCommitErr("t1", errors.New("commit failed"))
	session.txnID, session.hasTxn = "t1", true

	c := NewController(testConfig(t, session, txn))
	require.True(t, c.ToWaitingForResources())
	require.True(t, c.ToRunning())
	require.True(t, c.ToFinishing(context.Background()))

	require.Eventually(t, func() bool { return c.State() == Failed }, time.Second, time.Millisecond)
	failure, ok := c.FailureCause()
	require.True(t, ok)
	require.Equal(t, FailureCommit, failure.Kind)
}

// A non-auto-commit transaction's failure is delegated synchronously to
// txnManager.Fail, not aborted asynchronously.
func TestController_FailureFailsNonAutoCommitTransaction(t *testing.T) {
	session := newFakeSession("q11")
	txn := newFakeTransactionManager()
	txn.register("t1", false)
	session.txnID, session.hasTxn = "t1", true

	c := NewController(testConfig(t, session, txn))
	require.True(t, c.ToWaitingForResources())
	require.True(t, c.ToRunning())
	require.True(t, c.ToFailed(context.Background(), errors.New("execution error")))

	require.True(t, txn.wasFailed("t1"))
}

// An auto-commit transaction whose abort itself fails still leaves the
// query FAILED on its own failure cause; the abort error is only
// logged, via a FailureAbort-kind QueryFailure.
func TestController_AbortFailureDuringFailurePathIsLogged(t *testing.T) {
	session := newFakeSession("q12")
	txn := newFakeTransactionManager()
	txn.register("t1", true)
	txn.setAbortErr("t1", errors.New("abort failed"))
	session.txnID, session.hasTxn = "t1", true

	c := NewController(testConfig(t, session, txn))
	require.True(t, c.ToWaitingForResources())
	require.True(t, c.ToRunning())
	require.True(t, c.ToFailed(context.Background(), errors.New("execution error")))

	require.Eventually(t, func() bool { return c.State() == Failed }, time.Second, time.Millisecond)
	failure, ok := c.FailureCause()
	require.True(t, ok)
	require.NotEqual(t, FailureAbort, failure.Kind, "the recorded cause is the original failure, not the secondary abort failure")
}

func TestController_SetStartedTransactionIDMutualExclusion(t *testing.T) {
	session := newFakeSession("q8")
	txn := newFakeTransactionManager()
	c := NewController(testConfig(t, session, txn))

	c.ClearTransactionID()
	require.Panics(t, func() { c.SetStartedTransactionID("t1") })
}

func TestController_RemovePreparedStatementNotFound(t *testing.T) {
	session := newFakeSession("q9")
	txn := newFakeTransactionManager()
	c := NewController(testConfig(t, session, txn))

	err := c.RemovePreparedStatement("missing")
	require.ErrorIs(t, err, ErrPreparedStatementNotFound)

	session.addPrepared("p1", "SELECT 1")
	require.NoError(t, c.RemovePreparedStatement("p1"))
}

func TestIdentityGenerators_ProduceDistinctValues(t *testing.T) {
	q1, q2 := NewQueryID(), NewQueryID()
	require.NotEqual(t, q1, q2)
	require.NotEmpty(t, q1)

	txn := newFakeTransactionManager()
	id, err := txn.Begin(context.Background(), true)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.True(t, txn.Exists(id))
	require.True(t, txn.IsAutoCommit(id))
}

func TestController_BasicSnapshotReflectsFinalState(t *testing.T) {
	session := newFakeSession("q10")
	txn := newFakeTransactionManager()
	c := NewController(testConfig(t, session, txn))
	require.True(t, c.ToWaitingForResources())
	require.True(t, c.ToFailed(context.Background(), errors.New("boom")))

	snap := c.BasicSnapshot(nil)
	require.True(t, snap.Final())

	final, ok := c.FinalSnapshot()
	require.True(t, ok)
	require.Equal(t, Failed, final.State)
}
