package featureflag

import (
	"sync/atomic"

	"optra/metrics"
)

// RuntimeFlags exposes feature toggles that can be flipped without restarting
// the process. Atomic primitives guarantee visibility across goroutines without
// requiring heavyweight locks.
type RuntimeFlags struct {
	riskEnforcement atomic.Bool
	mutexProtection atomic.Bool
	persistence     atomic.Bool
	autoSync        atomic.Bool
	circuitBreaker  atomic.Bool
}

// State is a materialized snapshot of the current feature flag values.
type State struct {
	EnableRiskEnforcement bool `json:"enable_risk_enforcement"`
	EnableMutexProtection bool `json:"enable_mutex_protection"`
	EnablePersistence     bool `json:"enable_persistence"`
	EnableAutoSync        bool `json:"enable_auto_sync"`
	EnableCircuitBreaker  bool `json:"enable_circuit_breaker"`
}

// Update represents a partial mutation to the runtime flags. Nil values mean
// "leave untouched" so callers can update a subset of flags.
type Update struct {
	EnableRiskEnforcement *bool `json:"enable_risk_enforcement"`
	EnableMutexProtection *bool `json:"enable_mutex_protection"`
	EnablePersistence     *bool `json:"enable_persistence"`
	EnableAutoSync        *bool `json:"enable_auto_sync"`
	EnableCircuitBreaker  *bool `json:"enable_circuit_breaker"`
}

// DefaultState enables every safety-relevant flag. Production boots with all
// guard rails on; flags exist so operators can back one out under incident
// conditions, not to ship features dark.
func DefaultState() State {
	return State{
		EnableRiskEnforcement: true,
		EnableMutexProtection: true,
		EnablePersistence:     true,
		EnableAutoSync:        true,
		EnableCircuitBreaker:  true,
	}
}

// Map flattens the state into metric-friendly key/value pairs.
func (s State) Map() map[string]bool {
	return map[string]bool{
		"enable_risk_enforcement": s.EnableRiskEnforcement,
		"enable_mutex_protection": s.EnableMutexProtection,
		"enable_persistence":      s.EnablePersistence,
		"enable_auto_sync":        s.EnableAutoSync,
		"enable_circuit_breaker":  s.EnableCircuitBreaker,
	}
}

// NewRuntimeFlags constructs a RuntimeFlags container initialized with the
// provided defaults.
func NewRuntimeFlags(initial State) *RuntimeFlags {
	flags := &RuntimeFlags{}
	flags.SetRiskEnforcement(initial.EnableRiskEnforcement)
	flags.SetMutexProtection(initial.EnableMutexProtection)
	flags.SetPersistence(initial.EnablePersistence)
	flags.SetAutoSync(initial.EnableAutoSync)
	flags.SetCircuitBreaker(initial.EnableCircuitBreaker)
	metrics.SetFeatureFlags(initial.Map())
	return flags
}

// RiskEnforcementEnabled reports whether admission checks and panic-loss
// triggers may actually block or close positions.
func (f *RuntimeFlags) RiskEnforcementEnabled() bool {
	if f == nil {
		return false
	}
	return f.riskEnforcement.Load()
}

// SetRiskEnforcement toggles risk enforcement.
func (f *RuntimeFlags) SetRiskEnforcement(enabled bool) {
	if f == nil {
		return
	}
	f.riskEnforcement.Store(enabled)
	metrics.SetFeatureFlag("enable_risk_enforcement", enabled)
}

// MutexProtectionEnabled reports whether ledger mutations should use the
// mutex guard to avoid data races.
func (f *RuntimeFlags) MutexProtectionEnabled() bool {
	if f == nil {
		return false
	}
	return f.mutexProtection.Load()
}

// SetMutexProtection toggles the ledger mutex usage.
func (f *RuntimeFlags) SetMutexProtection(enabled bool) {
	if f == nil {
		return
	}
	f.mutexProtection.Store(enabled)
	metrics.SetFeatureFlag("enable_mutex_protection", enabled)
}

// PersistenceEnabled reports whether the write-behind audit trail is
// recorded. Synchronous order rows are always written: reconciliation
// depends on reading them back within a pass.
func (f *RuntimeFlags) PersistenceEnabled() bool {
	if f == nil {
		return false
	}
	return f.persistence.Load()
}

// SetPersistence toggles order record persistence.
func (f *RuntimeFlags) SetPersistence(enabled bool) {
	if f == nil {
		return
	}
	f.persistence.Store(enabled)
	metrics.SetFeatureFlag("enable_persistence", enabled)
}

// AutoSyncEnabled reports whether the reconciler may overwrite internal order
// state with broker-derived state for SYNC-classified discrepancies.
func (f *RuntimeFlags) AutoSyncEnabled() bool {
	if f == nil {
		return false
	}
	return f.autoSync.Load()
}

// SetAutoSync toggles reconciler auto-sync.
func (f *RuntimeFlags) SetAutoSync(enabled bool) {
	if f == nil {
		return
	}
	f.autoSync.Store(enabled)
	metrics.SetFeatureFlag("enable_auto_sync", enabled)
}

// CircuitBreakerEnabled reports whether the slippage/latency circuit breaker
// may pause new order submission.
func (f *RuntimeFlags) CircuitBreakerEnabled() bool {
	if f == nil {
		return false
	}
	return f.circuitBreaker.Load()
}

// SetCircuitBreaker toggles the execution circuit breaker.
func (f *RuntimeFlags) SetCircuitBreaker(enabled bool) {
	if f == nil {
		return
	}
	f.circuitBreaker.Store(enabled)
	metrics.SetFeatureFlag("enable_circuit_breaker", enabled)
}

// Snapshot takes a consistent snapshot of all flags.
func (f *RuntimeFlags) Snapshot() State {
	if f == nil {
		return State{}
	}
	return State{
		EnableRiskEnforcement: f.RiskEnforcementEnabled(),
		EnableMutexProtection: f.MutexProtectionEnabled(),
		EnablePersistence:     f.PersistenceEnabled(),
		EnableAutoSync:        f.AutoSyncEnabled(),
		EnableCircuitBreaker:  f.CircuitBreakerEnabled(),
	}
}

// Apply atomically updates the flags according to the supplied patch and
// returns the resulting snapshot.
func (f *RuntimeFlags) Apply(update Update) State {
	if f == nil {
		return State{}
	}
	if update.EnableRiskEnforcement != nil {
		f.SetRiskEnforcement(*update.EnableRiskEnforcement)
	}
	if update.EnableMutexProtection != nil {
		f.SetMutexProtection(*update.EnableMutexProtection)
	}
	if update.EnablePersistence != nil {
		f.SetPersistence(*update.EnablePersistence)
	}
	if update.EnableAutoSync != nil {
		f.SetAutoSync(*update.EnableAutoSync)
	}
	if update.EnableCircuitBreaker != nil {
		f.SetCircuitBreaker(*update.EnableCircuitBreaker)
	}
	return f.Snapshot()
}
