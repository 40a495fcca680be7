package metrics

import (
	"testing"
	"time"
)

func mustNotPanic(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("%s panicked: %v", name, r)
		}
	}()
	fn()
}

func TestNoopMetricsAreNoop(t *testing.T) {
	testCases := []struct {
		name string
		fn   func()
	}{
		{"ObserveExposure", func() { ObserveExposure(150000) }},
		{"ObserveDailyPnL", func() { ObserveDailyPnL(-1200.5) }},
		{"ObserveMaxDrawdown", func() { ObserveMaxDrawdown(-4500) }},
		{"SetOpenPositions", func() { SetOpenPositions(3) }},
		{"SetTradingPaused", func() { SetTradingPaused(true) }},
		{"IncAdmissionBlocks", func() { IncAdmissionBlocks("max_exposure") }},
		{"IncAdmissionWarnings", func() { IncAdmissionWarnings() }},
		{"IncPanicCloses", func() { IncPanicCloses() }},
		{"IncHedgeFallbacks", func() { IncHedgeFallbacks() }},
		{"IncSlippageRejections", func() { IncSlippageRejections() }},
		{"IncSlippageRequotes", func() { IncSlippageRequotes() }},
		{"IncSlippagePartials", func() { IncSlippagePartials() }},
		{"IncLatencyBreaches", func() { IncLatencyBreaches() }},
		{"IncStopLossExits", func() { IncStopLossExits("DAY2") }},
		{"IncDiscrepancies", func() { IncDiscrepancies("status_mismatch", "sync") }},
		{"IncOrderRetries", func() { IncOrderRetries() }},
		{"IncOrderImports", func() { IncOrderImports() }},
		{"IncOrderRejections", func() { IncOrderRejections("margin") }},
		{"IncAlertsSent", func() { IncAlertsSent("critical") }},
		{"ObserveReconcilePassLatency", func() { ObserveReconcilePassLatency(42 * time.Millisecond) }},
		{"ObserveMonitorPassLatency", func() { ObserveMonitorPassLatency(time.Second) }},
		{"IncPersistenceAttempts", func() { IncPersistenceAttempts(BackendMemory) }},
		{"IncPersistenceFailures", func() { IncPersistenceFailures(BackendPostgres) }},
		{"ObservePersistLatency", func() { ObservePersistLatency(time.Minute, BackendUnknown) }},
		{"SetFeatureFlag", func() { SetFeatureFlag("flag", true) }},
		{"SetFeatureFlags", func() { SetFeatureFlags(map[string]bool{"flag": true, "other": false}) }},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			mustNotPanic(t, tc.name, func() {
				tc.fn()
				tc.fn()
			})
		})
	}
}
