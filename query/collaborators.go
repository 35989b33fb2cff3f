package query

import "context"

// Session supplies the query id, optional transaction id, prepared
// statement registry, and recovery-enabled flag a controller is
// constructed from.
type Session interface {
	QueryID() QueryID
	TransactionID() (TransactionID, bool)
	RecoveryEnabled() bool
	PreparedStatement(name string) (string, bool)
}

// TransactionManager mediates transaction lifecycle on the
// controller's behalf.
type TransactionManager interface {
	Begin(ctx context.Context, autoCommit bool) (TransactionID, error)
	Exists(id TransactionID) bool
	IsAutoCommit(id TransactionID) bool
	// AsyncCommit returns a channel that receives exactly one error (nil
	// on success) once the commit completes.
	AsyncCommit(ctx context.Context, id TransactionID) <-chan error
	// AsyncAbort returns a channel that receives exactly one error (nil
	// on success) once the abort completes.
	AsyncAbort(ctx context.Context, id TransactionID) <-chan error
	Fail(id TransactionID)
}

// ResourceGroupManager reports resource-group registration and soft
// memory reservation. Throttling is enabled iff the group is
// registered and the soft reservation is not unlimited.
type ResourceGroupManager interface {
	IsRegistered(group ResourceGroupID) bool
	// SoftReservedMemory returns the group's soft memory reservation in
	// bytes, and whether it is unlimited (in which case bytes is
	// meaningless).
	SoftReservedMemory(group ResourceGroupID) (bytes int64, unlimited bool)
}

// MetadataManager performs the metadata/task-manager side of cleanup.
type MetadataManager interface {
	CleanupQuery(session Session)
	CleanupContext(id QueryID)
}

// RecoveryManager reports and drives query recovery following a
// node-level snapshot.
type RecoveryManager interface {
	State() RecoveryState
	RescheduleQuery(ctx context.Context) error
}

// WarningCollector surfaces warnings accumulated during execution.
type WarningCollector interface {
	Warnings() []Warning
}

// NoopMetadataManager is a MetadataManager that does nothing; useful in
// tests and for controllers that have no metadata/task state to tear
// down.
type NoopMetadataManager struct{}

func (NoopMetadataManager) CleanupQuery(Session)   {}
func (NoopMetadataManager) CleanupContext(QueryID) {}

// NoopWarningCollector is a WarningCollector that reports no warnings.
type NoopWarningCollector struct{}

func (NoopWarningCollector) Warnings() []Warning { return nil }

// NoRecoveryManager is a RecoveryManager reporting that recovery is
// never in progress; RescheduleQuery always fails, since it should
// never be called when State() never reports STOPPING_FOR_RESCHEDULE.
type NoRecoveryManager struct{}

func (NoRecoveryManager) State() RecoveryState { return RecoveryNotRecovering }
func (NoRecoveryManager) RescheduleQuery(context.Context) error {
	return newProgrammerError("RescheduleQuery called without a pending reschedule")
}
