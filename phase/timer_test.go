package phase

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced Clock, grounded on catrate's
// injectable timeNow/timeNewTicker test seams, generalized into an
// interface since this package has no package-var override idiom of
// its own.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(0, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestTimer_BeginIsIdempotentOnLastWrite(t *testing.T) {
	clock := newFakeClock()
	timer := New(clock)

	clock.Advance(time.Second)
	timer.Begin(Queued)

	clock.Advance(time.Second)
	timer.Begin(Execution)

	clock.Advance(time.Second)
	timer.Begin(Queued) // re-entering Queued overwrites

	stats := timer.Snapshot()
	require.Equal(t, time.Unix(0, 0).Add(3*time.Second), stats.Begin[Queued])
}

func TestTimer_EndOfQueryFirstWriteWins(t *testing.T) {
	clock := newFakeClock()
	timer := New(clock)

	clock.Advance(5 * time.Second)
	timer.EndOfQuery()
	first := timer.Snapshot().EndOfQuery

	clock.Advance(5 * time.Second)
	timer.EndOfQuery()
	second := timer.Snapshot().EndOfQuery

	require.Equal(t, first, second)
}

func TestTimer_ElapsedBetweenPhases(t *testing.T) {
	clock := newFakeClock()
	timer := New(clock)

	timer.Begin(Queued)
	clock.Advance(3 * time.Second)
	timer.Begin(Dispatching)
	clock.Advance(2 * time.Second)
	timer.Begin(Execution)

	stats := timer.Snapshot()
	require.Equal(t, 3*time.Second, stats.Elapsed(Queued, Dispatching))
	require.Equal(t, 5*time.Second, stats.Elapsed(Queued, Execution))
	require.Equal(t, time.Duration(0), stats.Elapsed(Planning, Execution))
}

func TestTimer_HeartbeatRefreshes(t *testing.T) {
	clock := newFakeClock()
	timer := New(clock)

	first := timer.Snapshot().Heartbeat
	clock.Advance(time.Minute)
	timer.Heartbeat()
	second := timer.Snapshot().Heartbeat

	require.True(t, second.After(first))
}
