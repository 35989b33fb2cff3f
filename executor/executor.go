// Package executor provides the dedicated notification executor used to
// fan out listener callbacks outside of any component's monitor, as
// required by the concurrency model: a mutator's effects must never
// block on listener work.
//
// The concrete implementation is a thin adapter over
// github.com/ygrebnov/workers, a dynamically-sized worker pool. Tasks
// submitted here are always func(context.Context) error closures;
// panics inside a listener are recovered and logged rather than
// propagated, and worker-reported errors are drained and logged in the
// background.
package executor

import (
	"context"
	"fmt"

	"github.com/ygrebnov/workers"

	"github.com/distsqlcore/querycontroller/internal/obs"
)

// Executor dispatches a callback. The production implementation
// returned by New runs fn asynchronously on a worker and contains any
// panic raised by fn; Inline runs fn synchronously on the calling
// goroutine and does not recover panics.
type Executor interface {
	Submit(fn func())
}

// poolExecutor is the production Executor, backed by a worker pool.
type poolExecutor struct {
	pool workers.Workers[struct{}]
	log  obs.Logger
}

var _ Executor = (*poolExecutor)(nil)

// New constructs an Executor backed by a dynamically sized worker pool.
// The pool is started immediately and bound to ctx: canceling ctx stops
// accepting new listener dispatches. log receives panic and task-error
// diagnostics; a nil log discards them.
//
// New panics if ctx is nil, matching the "Executor must be non-null,
// and must not itself reject work silently" contract collaborators
// depend on.
func New(ctx context.Context, log obs.Logger) Executor {
	if ctx == nil {
		panic("executor: nil context")
	}
	if log == nil {
		log = obs.Discard{}
	}

	pool := workers.New[struct{}](ctx, &workers.Config{
		StartImmediately:  true,
		TasksBufferSize:   1024,
		ResultsBufferSize: 1,
		ErrorsBufferSize:  1024,
	})

	e := &poolExecutor{pool: pool, log: log}
	go e.drainErrors()
	return e
}

func (e *poolExecutor) Submit(fn func()) {
	if fn == nil {
		return
	}
	err := e.pool.AddTask(func(context.Context) error {
		defer func() {
			if r := recover(); r != nil {
				e.log.Error(fmt.Sprintf("executor: recovered panic in listener: %v", r))
			}
		}()
		fn()
		return nil
	})
	if err != nil {
		// The pool has stopped accepting work (context canceled); the
		// notification is dropped, matching "out-of-order delivery /
		// best-effort delivery" — there is no durable queue to retry
		// against.
		e.log.WithError(err).Warn("executor: dropped listener dispatch")
	}
}

func (e *poolExecutor) drainErrors() {
	for err := range e.pool.GetErrors() {
		if err == nil {
			continue
		}
		e.log.WithError(err).Warn("executor: listener task reported error")
	}
}

// Inline runs fn synchronously on the calling goroutine. It exists for
// tests that want deterministic, ordered listener delivery; production
// code must use New, since the spec's out-of-order delivery contract
// assumes genuine asynchrony.
type Inline struct{}

var _ Executor = Inline{}

func (Inline) Submit(fn func()) {
	if fn == nil {
		return
	}
	fn()
}
