package query

import "sync"

// onceCell is a compare-and-set, first-write-wins optional slot. It is
// the expression of "atomic reference + first-write-wins" called for
// by the design notes: a single CAS-guarded write, not a general write
// path. Later writes are silently ignored.
type onceCell[T any] struct {
	mu  sync.Mutex
	set bool
	val T
}

// CompareAndSet assigns val iff the cell is currently unset, and
// reports whether the assignment happened.
func (c *onceCell[T]) CompareAndSet(val T) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.set {
		return false
	}
	c.set = true
	c.val = val
	return true
}

// Get returns the stored value and whether one has been set.
func (c *onceCell[T]) Get() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.val, c.set
}

// optionalCell is a mutex-guarded optional slot that, unlike onceCell,
// allows overwriting (used where the spec describes "optional" state
// without a first-write-wins requirement, e.g. update-type).
type optionalCell[T any] struct {
	mu  sync.Mutex
	set bool
	val T
}

func (c *optionalCell[T]) Set(val T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set = true
	c.val = val
}

func (c *optionalCell[T]) Get() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.val, c.set
}
