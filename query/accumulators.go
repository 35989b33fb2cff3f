package query

import "sync"

// sessionAccumulators holds the controller's session-mutation state:
// the batch of catalog/schema/path, session-property, role, and
// prepared-statement changes accrued over the query's lifetime, to be
// folded back into the client's session once the query completes.
// Guarded by one mutex; readers may observe partial batches, matching
// the documented "concurrent mappings and sets" contract.
type sessionAccumulators struct {
	mu sync.Mutex

	catalog *string
	schema  *string
	path    *string

	setSessionProperties   map[string]string
	resetSessionProperties map[string]struct{}
	setRoles               map[string]string // catalog -> role

	addedPreparedStatements       map[string]string
	deallocatedPreparedStatements map[string]struct{}

	inputs map[string]struct{}
}

func newSessionAccumulators() *sessionAccumulators {
	return &sessionAccumulators{
		setSessionProperties:          make(map[string]string),
		resetSessionProperties:        make(map[string]struct{}),
		setRoles:                      make(map[string]string),
		addedPreparedStatements:       make(map[string]string),
		deallocatedPreparedStatements: make(map[string]struct{}),
		inputs:                        make(map[string]struct{}),
	}
}

func (a *sessionAccumulators) SetCatalog(v string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.catalog = &v
}

func (a *sessionAccumulators) SetSchema(v string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.schema = &v
}

func (a *sessionAccumulators) SetPath(v string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.path = &v
}

func (a *sessionAccumulators) SetSessionProperty(name, value string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.resetSessionProperties, name)
	a.setSessionProperties[name] = value
}

func (a *sessionAccumulators) ResetSessionProperty(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.setSessionProperties, name)
	a.resetSessionProperties[name] = struct{}{}
}

func (a *sessionAccumulators) SetRole(catalog, role string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setRoles[catalog] = role
}

func (a *sessionAccumulators) AddPreparedStatement(name, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.deallocatedPreparedStatements, name)
	a.addedPreparedStatements[name] = text
}

// RemovePreparedStatement records a deallocation. It returns
// ErrPreparedStatementNotFound if name is not registered on session,
// matching the spec's error contract (the session registry, not this
// accumulator, is authoritative for existence).
func (a *sessionAccumulators) RemovePreparedStatement(session Session, name string) error {
	if _, ok := session.PreparedStatement(name); !ok {
		return ErrPreparedStatementNotFound
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.addedPreparedStatements, name)
	a.deallocatedPreparedStatements[name] = struct{}{}
	return nil
}

func (a *sessionAccumulators) RecordInput(input string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inputs[input] = struct{}{}
}

// SessionMutations is a defensive-copy snapshot of accrued session
// mutations.
type SessionMutations struct {
	Catalog, Schema, Path         *string
	SetSessionProperties          map[string]string
	ResetSessionProperties        []string
	SetRoles                      map[string]string
	AddedPreparedStatements       map[string]string
	DeallocatedPreparedStatements []string
	Inputs                        []string
}

func (a *sessionAccumulators) Snapshot() SessionMutations {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := SessionMutations{
		Catalog:                 a.catalog,
		Schema:                  a.schema,
		Path:                    a.path,
		SetSessionProperties:    copyStringMap(a.setSessionProperties),
		SetRoles:                copyStringMap(a.setRoles),
		AddedPreparedStatements: copyStringMap(a.addedPreparedStatements),
	}
	for k := range a.resetSessionProperties {
		out.ResetSessionProperties = append(out.ResetSessionProperties, k)
	}
	for k := range a.deallocatedPreparedStatements {
		out.DeallocatedPreparedStatements = append(out.DeallocatedPreparedStatements, k)
	}
	for k := range a.inputs {
		out.Inputs = append(out.Inputs, k)
	}
	return out
}

func copyStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
