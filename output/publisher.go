// Package output implements the output publisher: it maintains the
// evolving output schema and the set of downstream exchange locations,
// fans out updates to late-binding subscribers, and records per-task
// failure signals reported by the terminal stage.
package output

import (
	"fmt"
	"sync"

	"github.com/distsqlcore/querycontroller/executor"
	"github.com/distsqlcore/querycontroller/internal/obs"
)

// TaskID identifies the task an exchange location or failure belongs
// to.
type TaskID string

// ColumnType is an opaque, comparable column type identifier (the
// planner/type-system's actual representation is out of scope).
type ColumnType string

// Location is an opaque downstream exchange location URI.
type Location string

// LocationEntry pairs a task with its exchange location, preserving
// insertion order in Info.Locations.
type LocationEntry struct {
	Task     TaskID
	Location Location
}

// Info is the publishable output-info snapshot: a query's column
// schema plus every exchange location known so far, and whether more
// locations may still arrive. Publishable only once columns are known.
type Info struct {
	ColumnNames []string
	ColumnTypes []ColumnType
	// Locations is insertion-ordered by TaskID first-seen.
	Locations []LocationEntry
	NoMore    bool
}

// Publisher is the output publisher. All state is guarded by one
// mutex; listeners are always invoked outside of it, via the injected
// executor, matching the discipline spelled out for this component:
// "the monitor is never held across executor calls."
type Publisher struct {
	exec executor.Executor
	log  obs.Logger

	mu          sync.Mutex
	columnsSet  bool
	columnNames []string
	columnTypes []ColumnType

	locationOrder []TaskID
	locations     map[TaskID]Location
	noMore        bool

	infoListeners []func(Info)

	taskFailureOrder []TaskID
	taskFailures     map[TaskID]error
	failureListeners []func(TaskID, error)
}

// New constructs an empty Publisher. exec must not be nil. A nil log
// discards diagnostics.
func New(exec executor.Executor, log obs.Logger) *Publisher {
	if exec == nil {
		panic("output: nil executor")
	}
	if log == nil {
		log = obs.Discard{}
	}
	return &Publisher{
		exec:         exec,
		log:          log,
		locations:    make(map[TaskID]Location),
		taskFailures: make(map[TaskID]error),
	}
}

// SetColumns records the output schema. It may be called at most once;
// a second call panics, matching the programmer-error contract for
// this kind of misuse. names and types must have equal arity.
func (p *Publisher) SetColumns(names []string, types []ColumnType) {
	if len(names) != len(types) {
		panic(fmt.Sprintf("output: column name/type arity mismatch: %d names, %d types", len(names), len(types)))
	}

	p.mu.Lock()
	if p.columnsSet {
		p.mu.Unlock()
		panic("output: SetColumns called more than once")
	}
	p.columnsSet = true
	p.columnNames = append([]string(nil), names...)
	p.columnTypes = append([]ColumnType(nil), types...)
	info, listeners, publishable := p.snapshotForPublishLocked()
	p.mu.Unlock()

	if publishable {
		p.publish(info, listeners)
	}
}

// UpdateOutputLocations adds delta to the known locations. If NoMore
// was previously latched true, delta must already be a subset of the
// known locations (an idempotent, already-seen update) — anything else
// is a programmer error and panics. noMore, once true, stays true.
func (p *Publisher) UpdateOutputLocations(delta map[TaskID]Location, noMore bool) {
	p.mu.Lock()

	if p.noMore {
		for task, loc := range delta {
			known, ok := p.locations[task]
			if !ok || known != loc {
				p.mu.Unlock()
				panic(fmt.Sprintf("output: location update for task %q after no-more-locations was latched", task))
			}
		}
	} else {
		for task, loc := range delta {
			if _, exists := p.locations[task]; !exists {
				p.locationOrder = append(p.locationOrder, task)
			}
			p.locations[task] = loc
		}
	}

	if noMore {
		p.noMore = true
	}

	info, listeners, publishable := p.snapshotForPublishLocked()
	p.mu.Unlock()

	if publishable {
		p.publish(info, listeners)
	}
}

// RecordTaskFailure records a failure cause for an output-stage task
// and notifies task-failure listeners. Repeated failures for the same
// task overwrite the recorded cause (the terminal stage is expected to
// report its final cause once, but replaying is harmless).
func (p *Publisher) RecordTaskFailure(task TaskID, cause error) {
	if cause == nil {
		return
	}

	p.mu.Lock()
	if _, exists := p.taskFailures[task]; !exists {
		p.taskFailureOrder = append(p.taskFailureOrder, task)
	}
	p.taskFailures[task] = cause
	listeners := make([]func(TaskID, error), len(p.failureListeners))
	copy(listeners, p.failureListeners)
	p.mu.Unlock()

	for _, fn := range listeners {
		fn := fn
		p.exec.Submit(func() { fn(task, cause) })
	}
}

// AddOutputInfoListener registers fn for output-info updates. If the
// current output info is already publishable (columns known), one call
// of fn with it is submitted to the executor before this call returns;
// in either case fn is recorded and invoked on every later publish.
func (p *Publisher) AddOutputInfoListener(fn func(Info)) {
	if fn == nil {
		return
	}

	p.mu.Lock()
	p.infoListeners = append(p.infoListeners, fn)
	info, publishable := p.currentInfoLocked()
	p.mu.Unlock()

	if publishable {
		p.exec.Submit(func() { fn(info) })
	}
}

// AddTaskFailureListener registers fn for output-stage task failures.
// It is invoked once per already-recorded failure (via the executor),
// then receives future failures as they arrive.
func (p *Publisher) AddTaskFailureListener(fn func(TaskID, error)) {
	if fn == nil {
		return
	}

	p.mu.Lock()
	p.failureListeners = append(p.failureListeners, fn)
	order := append([]TaskID(nil), p.taskFailureOrder...)
	failures := make(map[TaskID]error, len(p.taskFailures))
	for k, v := range p.taskFailures {
		failures[k] = v
	}
	p.mu.Unlock()

	for _, task := range order {
		task, cause := task, failures[task]
		p.exec.Submit(func() { fn(task, cause) })
	}
}

// ResetForResume clears locations and the no-more latch. Used when the
// controller transitions from RECOVERING back to STARTING.
func (p *Publisher) ResetForResume() {
	p.mu.Lock()
	p.locationOrder = nil
	p.locations = make(map[TaskID]Location)
	p.noMore = false
	p.mu.Unlock()
}

// Info returns the current output info and whether it is publishable
// (columns known).
func (p *Publisher) Info() (Info, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentInfoLocked()
}

// currentInfoLocked must be called with mu held.
func (p *Publisher) currentInfoLocked() (Info, bool) {
	if !p.columnsSet {
		return Info{}, false
	}
	entries := make([]LocationEntry, 0, len(p.locationOrder))
	for _, task := range p.locationOrder {
		entries = append(entries, LocationEntry{Task: task, Location: p.locations[task]})
	}
	return Info{
		ColumnNames: append([]string(nil), p.columnNames...),
		ColumnTypes: append([]ColumnType(nil), p.columnTypes...),
		Locations:   entries,
		NoMore:      p.noMore,
	}, true
}

// snapshotForPublishLocked returns the info to publish, the listeners
// to notify, and whether a publish should actually happen: columns
// must be known, and either at least one location is known, or NoMore
// is already latched (a DDL statement with zero exchange locations
// still needs to publish its empty, final output info).
func (p *Publisher) snapshotForPublishLocked() (Info, []func(Info), bool) {
	info, publishable := p.currentInfoLocked()
	if !publishable {
		return Info{}, nil, false
	}
	if len(info.Locations) == 0 && !info.NoMore {
		return Info{}, nil, false
	}
	listeners := make([]func(Info), len(p.infoListeners))
	copy(listeners, p.infoListeners)
	return info, listeners, true
}

func (p *Publisher) publish(info Info, listeners []func(Info)) {
	for _, fn := range listeners {
		fn := fn
		p.exec.Submit(func() { fn(info) })
	}
}
