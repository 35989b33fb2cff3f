// Package state implements the state register: a generic, thread-safe
// cell holding one value of an enumerated type, with a declared set of
// terminal values that absorb all further writes.
//
// The design favors a single monitor over lock-free CAS, because
// SetIf's predicate is arbitrary (not a plain equality check) and
// listener bookkeeping needs to be consistent with the value it
// announces. Terminal absorption and listener fan-out are the two
// invariants this package exists to get right; everything else is a
// thin, well-tested wrapper around a mutex.
package state

import (
	"sync"

	"github.com/distsqlcore/querycontroller/executor"
)

// Value is the constraint satisfied by enumerated states: comparable so
// it can be used as a map key (for the terminal set) and for equality
// checks in tests.
type Value interface {
	comparable
}

// Register holds one value of type S and mediates all transitions
// through it.
type Register[S Value] struct {
	exec executor.Executor

	mu        sync.Mutex
	current   S
	terminal  map[S]struct{}
	listeners []func(S)
	// waiters are one-shot listeners registered by AwaitChange, each
	// paired with the value they're waiting to differ from.
	waiters []awaiter[S]
}

type awaiter[S Value] struct {
	from S
	ch   chan S
}

// New constructs a Register with the given initial value and set of
// terminal values. exec must not be nil: all listener and AwaitChange
// dispatch goes through it. New itself registers no listener.
func New[S Value](initial S, terminalValues []S, exec executor.Executor) *Register[S] {
	if exec == nil {
		panic("state: nil executor")
	}
	terminal := make(map[S]struct{}, len(terminalValues))
	for _, v := range terminalValues {
		terminal[v] = struct{}{}
	}
	return &Register[S]{
		exec:     exec,
		current:  initial,
		terminal: terminal,
	}
}

// Get returns the current value.
func (r *Register[S]) Get() S {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// IsTerminal reports whether the current value is absorbing.
func (r *Register[S]) IsTerminal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.terminal[r.current]
	return ok
}

// SetIf atomically assigns target if the current value is non-terminal
// and predicate(current) holds, and returns whether the assignment
// happened. Terminal states are absorbing: predicate is not consulted
// once the register has settled into one.
func (r *Register[S]) SetIf(target S, predicate func(S) bool) bool {
	r.mu.Lock()

	if _, isTerminal := r.terminal[r.current]; isTerminal {
		r.mu.Unlock()
		return false
	}
	if !predicate(r.current) {
		r.mu.Unlock()
		return false
	}

	r.current = target
	listeners := make([]func(S), len(r.listeners))
	copy(listeners, r.listeners)
	waiters := r.fireWaitersLocked(target)
	r.mu.Unlock()

	r.dispatch(target, listeners, waiters)
	return true
}

// AddListener registers fn to be invoked on every successful
// transition. fn is fired once immediately with the current value
// (dispatched via the executor, not synchronously), and then once per
// subsequent transition. Delivery across concurrent transitions may be
// out of order: listeners must re-read Get if strict ordering matters.
func (r *Register[S]) AddListener(fn func(S)) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	current := r.current
	r.mu.Unlock()

	r.exec.Submit(func() { fn(current) })
}

// AwaitChange returns a channel that receives exactly one value the
// first time the register's value differs from from. If the current
// value already differs, the returned channel is pre-filled.
func (r *Register[S]) AwaitChange(from S) <-chan S {
	ch := make(chan S, 1)

	r.mu.Lock()
	if r.current != from {
		current := r.current
		r.mu.Unlock()
		ch <- current
		close(ch)
		return ch
	}
	r.waiters = append(r.waiters, awaiter[S]{from: from, ch: ch})
	r.mu.Unlock()

	return ch
}

// fireWaitersLocked removes and returns waiters whose from differs from
// the newly-set value, pairing each with the value to deliver. Must be
// called with mu held.
func (r *Register[S]) fireWaitersLocked(newValue S) []awaiter[S] {
	if len(r.waiters) == 0 {
		return nil
	}
	var fired []awaiter[S]
	remaining := r.waiters[:0]
	for _, w := range r.waiters {
		if w.from != newValue {
			fired = append(fired, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	r.waiters = remaining
	return fired
}

// dispatch fans notifications out via the executor, outside of mu.
func (r *Register[S]) dispatch(value S, listeners []func(S), waiters []awaiter[S]) {
	for _, fn := range listeners {
		fn := fn
		r.exec.Submit(func() { fn(value) })
	}
	for _, w := range waiters {
		w := w
		r.exec.Submit(func() {
			w.ch <- value
			close(w.ch)
		})
	}
}
