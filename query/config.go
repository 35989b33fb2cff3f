package query

import (
	"github.com/distsqlcore/querycontroller/executor"
	"github.com/distsqlcore/querycontroller/internal/obs"
)

// Config models the collaborators and options a Controller is built
// from. There is no zero-value-safe Config: Executor, Session, and
// TransactionManager must be supplied, matching the teacher's
// fail-fast construction idiom (microbatch.NewBatcher, ygrebnov
// workers.New) of panicking on an invalid/incomplete configuration
// rather than deferring the failure to first use.
type Config struct {
	// Executor dispatches listener callbacks. Required.
	Executor executor.Executor

	// Session supplies identity and the recovery-enabled flag. Required.
	Session Session

	// TransactionManager mediates transaction commit/abort. Required.
	TransactionManager TransactionManager

	// ResourceGroupManager reports throttling eligibility. Defaults to a
	// manager that reports every group unregistered (no throttling).
	ResourceGroupManager ResourceGroupManager

	// MetadataManager performs cleanup side effects. Defaults to a no-op.
	MetadataManager MetadataManager

	// RecoveryManager drives the recovery-on-snapshot path. Defaults to
	// a manager that never reports a pending reschedule.
	RecoveryManager RecoveryManager

	// WarningCollector surfaces accumulated warnings. Defaults to a
	// no-op (no warnings).
	WarningCollector WarningCollector

	// Log receives diagnostics for contained failures (listener panics
	// are logged by Executor itself; this is for cleanup/commit/abort
	// failures the controller itself observes). Defaults to Discard.
	Log obs.Logger

	// Query is the query text.
	Query string
	// PreparedQuery is the prepared-statement text, if this execution is
	// of a prepared statement.
	PreparedQuery *string
	// Self is this coordinator's own URI, used by clients to address
	// further requests about this query.
	Self string
	// ResourceGroup is the resource group this query was admitted under.
	ResourceGroup ResourceGroupID
	// RunningAsync indicates the query started in asynchronous-result
	// mode (e.g. a fire-and-forget statement).
	RunningAsync bool
}

type noopResourceGroupManager struct{}

func (noopResourceGroupManager) IsRegistered(ResourceGroupID) bool { return false }
func (noopResourceGroupManager) SoftReservedMemory(ResourceGroupID) (int64, bool) {
	return 0, true
}

func (c *Config) validate() {
	if c.Executor == nil {
		panic(newProgrammerError("Config.Executor must not be nil"))
	}
	if c.Session == nil {
		panic(newProgrammerError("Config.Session must not be nil"))
	}
	if c.TransactionManager == nil {
		panic(newProgrammerError("Config.TransactionManager must not be nil"))
	}
	if c.ResourceGroupManager == nil {
		c.ResourceGroupManager = noopResourceGroupManager{}
	}
	if c.MetadataManager == nil {
		c.MetadataManager = NoopMetadataManager{}
	}
	if c.RecoveryManager == nil {
		c.RecoveryManager = NoRecoveryManager{}
	}
	if c.WarningCollector == nil {
		c.WarningCollector = NoopWarningCollector{}
	}
	if c.Log == nil {
		c.Log = obs.Discard{}
	}
}

// ThrottlingEnabled reports whether group is registered with the
// resource-group manager and its soft reservation is not unlimited.
func ThrottlingEnabled(mgr ResourceGroupManager, group ResourceGroupID) bool {
	if !mgr.IsRegistered(group) {
		return false
	}
	_, unlimited := mgr.SoftReservedMemory(group)
	return !unlimited
}
