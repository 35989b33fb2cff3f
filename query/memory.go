package query

import "sync/atomic"

// MemoryTracker holds the query's memory watermarks: current and peak
// usage for user/revocable/total memory, plus the peak per-task
// values seen across any single task. Every field is an independent
// atomic counter; Update changes them without a cross-field
// ordering guarantee, matching the documented contract that readers
// see atomic per-field snapshots rather than a consistent multi-field
// view.
type MemoryTracker struct {
	currentUser      atomic.Int64
	currentRevocable atomic.Int64
	currentTotal     atomic.Int64

	peakUser      atomic.Int64
	peakRevocable atomic.Int64
	peakTotal     atomic.Int64

	peakTaskUser      atomic.Int64
	peakTaskRevocable atomic.Int64
	peakTaskTotal     atomic.Int64
}

// Update applies the deltas to the current counters, then raises each
// peak watermark to the max of its prior value and the new current (or
// task) value, independently per field. Grounded on catrate.Limiter's
// atomic max-tracking over a sliding window, generalized here to a
// fixed set of named counters instead of a per-category ring buffer.
func (m *MemoryTracker) Update(deltaUser, deltaRevocable, deltaTotal, taskUser, taskRevocable, taskTotal int64) {
	raiseMax(&m.peakUser, addAndLoad(&m.currentUser, deltaUser))
	raiseMax(&m.peakRevocable, addAndLoad(&m.currentRevocable, deltaRevocable))
	raiseMax(&m.peakTotal, addAndLoad(&m.currentTotal, deltaTotal))

	raiseMax(&m.peakTaskUser, taskUser)
	raiseMax(&m.peakTaskRevocable, taskRevocable)
	raiseMax(&m.peakTaskTotal, taskTotal)
}

// MemorySnapshot is an immutable, independently-sampled view of the
// tracker's counters.
type MemorySnapshot struct {
	CurrentUser, CurrentRevocable, CurrentTotal    int64
	PeakUser, PeakRevocable, PeakTotal             int64
	PeakTaskUser, PeakTaskRevocable, PeakTaskTotal int64
}

func (m *MemoryTracker) Snapshot() MemorySnapshot {
	return MemorySnapshot{
		CurrentUser:       m.currentUser.Load(),
		CurrentRevocable:  m.currentRevocable.Load(),
		CurrentTotal:      m.currentTotal.Load(),
		PeakUser:          m.peakUser.Load(),
		PeakRevocable:     m.peakRevocable.Load(),
		PeakTotal:         m.peakTotal.Load(),
		PeakTaskUser:      m.peakTaskUser.Load(),
		PeakTaskRevocable: m.peakTaskRevocable.Load(),
		PeakTaskTotal:     m.peakTaskTotal.Load(),
	}
}

func addAndLoad(c *atomic.Int64, delta int64) int64 {
	if delta == 0 {
		return c.Load()
	}
	return c.Add(delta)
}

// raiseMax performs a CAS loop raising c to max(c.Load(), candidate).
func raiseMax(c *atomic.Int64, candidate int64) {
	for {
		current := c.Load()
		if candidate <= current {
			return
		}
		if c.CompareAndSwap(current, candidate) {
			return
		}
	}
}
