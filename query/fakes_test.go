package query

import (
	"context"
	"sync"
)

// fakeSession is a minimal Session for tests.
type fakeSession struct {
	id              QueryID
	txnID           TransactionID
	hasTxn          bool
	recoveryEnabled bool

	mu       sync.Mutex
	prepared map[string]string
}

func newFakeSession(id QueryID) *fakeSession {
	if id == "" {
		id = NewQueryID()
	}
	return &fakeSession{id: id, prepared: make(map[string]string)}
}

func (s *fakeSession) QueryID() QueryID { return s.id }

func (s *fakeSession) TransactionID() (TransactionID, bool) {
	return s.txnID, s.hasTxn
}

func (s *fakeSession) RecoveryEnabled() bool { return s.recoveryEnabled }

func (s *fakeSession) PreparedStatement(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text, ok := s.prepared[name]
	return text, ok
}

func (s *fakeSession) addPrepared(name, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prepared[name] = text
}

// fakeTransactionManager is a scriptable TransactionManager.
type fakeTransactionManager struct {
	mu sync.Mutex

	exists     map[TransactionID]bool
	autoCommit map[TransactionID]bool

	commitErr map[TransactionID]error
	abortErr  map[TransactionID]error

	failed map[TransactionID]bool
}

func newFakeTransactionManager() *fakeTransactionManager {
	return &fakeTransactionManager{
		exists:     make(map[TransactionID]bool),
		autoCommit: make(map[TransactionID]bool),
		commitErr:  make(map[TransactionID]error),
		abortErr:   make(map[TransactionID]error),
		failed:     make(map[TransactionID]bool),
	}
}

func (m *fakeTransactionManager) register(id TransactionID, autoCommit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exists[id] = true
	m.autoCommit[id] = autoCommit
}

func (m *fakeTransactionManager) setCommitErr(id TransactionID, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitErr[id] = err
}

func (m *fakeTransactionManager) setAbortErr(id TransactionID, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.abortErr[id] = err
}

func (m *fakeTransactionManager) Begin(ctx context.Context, autoCommit bool) (TransactionID, error) {
	id := NewTransactionID()
	m.register(id, autoCommit)
	return id, nil
}

func (m *fakeTransactionManager) Exists(id TransactionID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exists[id]
}

func (m *fakeTransactionManager) IsAutoCommit(id TransactionID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.autoCommit[id]
}

func (m *fakeTransactionManager) AsyncCommit(ctx context.Context, id TransactionID) <-chan error {
	ch := make(chan error, 1)
	m.mu.Lock()
	err := m.commitErr[id]
	m.mu.Unlock()
	ch <- err
	return ch
}

func (m *fakeTransactionManager) AsyncAbort(ctx context.Context, id TransactionID) <-chan error {
	ch := make(chan error, 1)
	m.mu.Lock()
	err := m.abortErr[id]
	m.mu.Unlock()
	ch <- err
	return ch
}

func (m *fakeTransactionManager) Fail(id TransactionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed[id] = true
}

func (m *fakeTransactionManager) wasFailed(id TransactionID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failed[id]
}

// fakeRecoveryManager is a scriptable RecoveryManager.
type fakeRecoveryManager struct {
	mu           sync.Mutex
	state        RecoveryState
	rescheduleErr error
	rescheduled  int
}

func (r *fakeRecoveryManager) State() RecoveryState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *fakeRecoveryManager) setState(s RecoveryState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
}

func (r *fakeRecoveryManager) RescheduleQuery(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rescheduled++
	return r.rescheduleErr
}

func (r *fakeRecoveryManager) rescheduleCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rescheduled
}
