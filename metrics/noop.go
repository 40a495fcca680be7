//go:build !metrics

package metrics

import "time"

const (
	BackendUnknown  = "unknown"
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

func ObserveExposure(float64)                     {}
func ObserveDailyPnL(float64)                     {}
func ObserveMaxDrawdown(float64)                  {}
func SetOpenPositions(int)                        {}
func SetTradingPaused(bool)                       {}
func IncAdmissionBlocks(string)                   {}
func IncAdmissionWarnings()                       {}
func IncPanicCloses()                             {}
func IncHedgeFallbacks()                          {}
func IncSlippageRejections()                      {}
func IncSlippageRequotes()                        {}
func IncSlippagePartials()                        {}
func IncLatencyBreaches()                         {}
func IncStopLossExits(string)                     {}
func IncDiscrepancies(string, string)             {}
func IncOrderRetries()                            {}
func IncOrderImports()                            {}
func IncOrderRejections(string)                   {}
func IncAlertsSent(string)                        {}
func ObserveReconcilePassLatency(time.Duration)   {}
func ObserveMonitorPassLatency(time.Duration)     {}
func IncPersistenceAttempts(string)               {}
func IncPersistenceFailures(string)               {}
func ObservePersistLatency(time.Duration, string) {}
func SetFeatureFlag(string, bool)                 {}
func SetFeatureFlags(map[string]bool)             {}
