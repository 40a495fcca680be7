//go:build metrics

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	BackendUnknown  = "unknown"
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

var (
	exposureGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "risk_aggregate_exposure",
		Help: "risk.aggregate_exposure – net premium at risk across open positions",
	})

	dailyPnLGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "risk_daily_pnl",
		Help: "risk.daily_pnl – realized PnL accumulated for the current trading day",
	})

	maxDrawdownGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "risk_daily_max_drawdown",
		Help: "risk.daily_max_drawdown – worst daily PnL observed today",
	})

	openPositionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "risk_open_positions",
		Help: "risk.open_positions – count of OPEN positions in the ledger",
	})

	tradingPausedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gate_trading_paused",
		Help: "gate.trading_paused – 1 when the execution circuit breaker is open",
	})

	admissionBlocksCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "risk_admission_blocks_total",
		Help: "risk.admission_blocks – signals blocked by the risk ledger, by rule",
	}, []string{"rule"})

	admissionWarningsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "risk_admission_warnings_total",
		Help: "risk.admission_warnings – signals admitted with a daily-loss warning",
	})

	panicClosesCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "risk_panic_closes_total",
		Help: "risk.panic_closes – CLOSE_ALL decisions from the panic loss threshold",
	})

	hedgeFallbacksCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hedge_fallbacks_total",
		Help: "hedge.fallbacks – percentage-mode searches that fell back to offset mode",
	})

	slippageRejectionsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gate_slippage_rejections_total",
		Help: "gate.slippage_rejections – orders rejected for excessive slippage",
	})

	slippageRequotesCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gate_slippage_requotes_total",
		Help: "gate.slippage_requotes – orders sent back for requote",
	})

	slippagePartialsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gate_slippage_partials_total",
		Help: "gate.slippage_partials – orders downsized due to slippage",
	})

	latencyBreachesCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gate_latency_breaches_total",
		Help: "gate.latency_breaches – broker round trips beyond the latency ceiling",
	})

	stopLossExitsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stoploss_exits_total",
		Help: "stoploss.exits – exits triggered by the progressive stop loss, by stage",
	}, []string{"stage"})

	discrepanciesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_discrepancies_total",
		Help: "reconcile.discrepancies – detected internal/broker mismatches",
	}, []string{"kind", "action"})

	orderRetriesCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reconcile_order_retries_total",
		Help: "reconcile.order_retries – order resubmission attempts",
	})

	orderImportsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reconcile_order_imports_total",
		Help: "reconcile.order_imports – broker orders imported into the ledger",
	})

	orderRejectionsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_order_rejections_total",
		Help: "reconcile.order_rejections – broker rejections, by classified cause",
	}, []string{"cause"})

	alertsSentCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "alerts_sent_total",
		Help: "alerts.sent – notifications delivered, by level",
	}, []string{"level"})

	reconcilePassLatencyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "reconcile_pass_latency_ms",
		Help: "reconcile.pass_latency_ms – duration of the latest reconciliation pass",
	})

	monitorPassLatencyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "monitor_pass_latency_ms",
		Help: "monitor.pass_latency_ms – duration of the latest monitoring pass",
	})

	persistenceAttemptsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "persistence_attempts_total",
		Help: "persistence.attempts – attempts to persist order records",
	}, []string{"backend"})

	persistenceFailuresCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "persistence_failures_total",
		Help: "persistence.failures – errors persisting order records",
	}, []string{"backend"})

	persistLatencyGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "persistence_latency_ms",
		Help: "persistence.latency_ms – time spent persisting the latest record",
	}, []string{"backend"})

	featureFlagGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "feature_flag_enabled",
		Help: "feature_flag.enabled – 1 when the named runtime flag is on",
	}, []string{"flag"})
)

func init() {
	prometheus.MustRegister(
		exposureGauge,
		dailyPnLGauge,
		maxDrawdownGauge,
		openPositionsGauge,
		tradingPausedGauge,
		admissionBlocksCounter,
		admissionWarningsCounter,
		panicClosesCounter,
		hedgeFallbacksCounter,
		slippageRejectionsCounter,
		slippageRequotesCounter,
		slippagePartialsCounter,
		latencyBreachesCounter,
		stopLossExitsCounter,
		discrepanciesCounter,
		orderRetriesCounter,
		orderImportsCounter,
		orderRejectionsCounter,
		alertsSentCounter,
		reconcilePassLatencyGauge,
		monitorPassLatencyGauge,
		persistenceAttemptsCounter,
		persistenceFailuresCounter,
		persistLatencyGauge,
		featureFlagGauge,
	)
}

func ObserveExposure(value float64) {
	exposureGauge.Set(value)
}

func ObserveDailyPnL(value float64) {
	dailyPnLGauge.Set(value)
}

func ObserveMaxDrawdown(value float64) {
	maxDrawdownGauge.Set(value)
}

func SetOpenPositions(count int) {
	openPositionsGauge.Set(float64(count))
}

func SetTradingPaused(paused bool) {
	if paused {
		tradingPausedGauge.Set(1)
		return
	}
	tradingPausedGauge.Set(0)
}

func IncAdmissionBlocks(rule string) {
	admissionBlocksCounter.WithLabelValues(rule).Inc()
}

func IncAdmissionWarnings() {
	admissionWarningsCounter.Inc()
}

func IncPanicCloses() {
	panicClosesCounter.Inc()
}

func IncHedgeFallbacks() {
	hedgeFallbacksCounter.Inc()
}

func IncSlippageRejections() {
	slippageRejectionsCounter.Inc()
}

func IncSlippageRequotes() {
	slippageRequotesCounter.Inc()
}

func IncSlippagePartials() {
	slippagePartialsCounter.Inc()
}

func IncLatencyBreaches() {
	latencyBreachesCounter.Inc()
}

func IncStopLossExits(stage string) {
	stopLossExitsCounter.WithLabelValues(stage).Inc()
}

func IncDiscrepancies(kind, action string) {
	discrepanciesCounter.WithLabelValues(kind, action).Inc()
}

func IncOrderRetries() {
	orderRetriesCounter.Inc()
}

func IncOrderImports() {
	orderImportsCounter.Inc()
}

func IncOrderRejections(cause string) {
	orderRejectionsCounter.WithLabelValues(cause).Inc()
}

func IncAlertsSent(level string) {
	alertsSentCounter.WithLabelValues(level).Inc()
}

func ObserveReconcilePassLatency(d time.Duration) {
	reconcilePassLatencyGauge.Set(float64(d.Milliseconds()))
}

func ObserveMonitorPassLatency(d time.Duration) {
	monitorPassLatencyGauge.Set(float64(d.Milliseconds()))
}

func IncPersistenceAttempts(backend string) {
	persistenceAttemptsCounter.WithLabelValues(backend).Inc()
}

func IncPersistenceFailures(backend string) {
	persistenceFailuresCounter.WithLabelValues(backend).Inc()
}

func ObservePersistLatency(d time.Duration, backend string) {
	persistLatencyGauge.WithLabelValues(backend).Set(float64(d.Milliseconds()))
}

func SetFeatureFlag(flag string, enabled bool) {
	value := 0.0
	if enabled {
		value = 1.0
	}
	featureFlagGauge.WithLabelValues(flag).Set(value)
}

func SetFeatureFlags(flags map[string]bool) {
	for flag, enabled := range flags {
		SetFeatureFlag(flag, enabled)
	}
}
