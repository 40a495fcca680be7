// Package gate decides whether an execution's price and latency are
// acceptable, and trips a circuit breaker when the venue degrades.
package gate

import (
	"fmt"
	"sync"
	"time"

	"optra/broker"
	"optra/featureflag"
	"optra/metrics"
)

// Outcome is the decision for one slippage check.
type Outcome string

const (
	OutcomeExecute Outcome = "EXECUTE"
	OutcomeReject  Outcome = "REJECT"
	OutcomeRequote Outcome = "REQUOTE"
	OutcomePartial Outcome = "PARTIAL"
)

// Config holds the gate thresholds. The threshold ladder is evaluated from
// hard reject down to partial fill, so MaxSlippagePct should exceed
// RequoteThresholdPct which should exceed PartialFillThresholdPct.
type Config struct {
	MaxSlippagePct          float64
	MaxSlippagePoints       float64
	RequoteThresholdPct     float64
	PartialFillThresholdPct float64
	PartialFillFraction     float64 // suggested quantity fraction for PARTIAL
	LatencyCeiling          time.Duration
	WindowSize              int     // rolling history length
	RejectionRateThreshold  float64 // e.g. 0.30
	MinSamples              int     // checks required before the breaker may trip
}

// Check is the detailed outcome of CheckSlippage.
type Check struct {
	Outcome           Outcome `json:"outcome"`
	SlippagePoints    float64 `json:"slippage_points"`
	SlippagePct       float64 `json:"slippage_pct"`
	Favorable         bool    `json:"favorable"`
	SuggestedPrice    float64 `json:"suggested_price,omitempty"`
	SuggestedFraction float64 `json:"suggested_fraction,omitempty"`
	Reason            string  `json:"reason,omitempty"`
}

// Stats summarizes the rolling histories for reporting.
type Stats struct {
	Checks         int           `json:"checks"`
	Rejections     int           `json:"rejections"`
	RejectionRate  float64       `json:"rejection_rate"`
	AvgSlippagePct float64       `json:"avg_slippage_pct"`
	AvgLatency     time.Duration `json:"avg_latency"`
	Paused         bool          `json:"paused"`
}

// ring is a bounded most-recent-N float history.
type ring struct {
	values []float64
	next   int
	full   bool
}

func newRing(size int) *ring {
	return &ring{values: make([]float64, size)}
}

func (r *ring) push(v float64) {
	r.values[r.next] = v
	r.next++
	if r.next == len(r.values) {
		r.next = 0
		r.full = true
	}
}

func (r *ring) len() int {
	if r.full {
		return len(r.values)
	}
	return r.next
}

func (r *ring) avg() float64 {
	n := r.len()
	if n == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += r.values[i]
	}
	return sum / float64(n)
}

// Gate maintains rolling slippage/latency statistics and applies the
// execution thresholds. Safe for concurrent use.
type Gate struct {
	cfg   Config
	flags *featureflag.RuntimeFlags

	mu         sync.Mutex
	slippage   *ring // unfavorable slippage pct per check (favorable counts as 0)
	latencies  *ring // milliseconds
	rejections *ring // 1 when the check rejected, else 0
}

// New constructs a gate, applying defaults for unset config fields.
func New(cfg Config, flags *featureflag.RuntimeFlags) *Gate {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 50
	}
	if cfg.PartialFillFraction <= 0 || cfg.PartialFillFraction > 1 {
		cfg.PartialFillFraction = 0.5
	}
	if cfg.RejectionRateThreshold <= 0 {
		cfg.RejectionRateThreshold = 0.30
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 5
	}
	return &Gate{
		cfg:        cfg,
		flags:      flags,
		slippage:   newRing(cfg.WindowSize),
		latencies:  newRing(cfg.WindowSize),
		rejections: newRing(cfg.WindowSize),
	}
}

// favorable reports whether the price moved in the position's favor: a
// higher premium when selling, a lower one when buying.
func favorable(direction broker.Side, signalPrice, currentPrice float64) bool {
	if direction == broker.Sell {
		return currentPrice >= signalPrice
	}
	return currentPrice <= signalPrice
}

// CheckSlippage compares the live price against the price the signal was
// generated at and grades the move against the threshold ladder.
func (g *Gate) CheckSlippage(signalPrice, currentPrice float64, direction broker.Side) Check {
	points := currentPrice - signalPrice
	if points < 0 {
		points = -points
	}
	pct := 0.0
	if signalPrice > 0 {
		pct = points / signalPrice * 100
	}

	check := Check{SlippagePoints: points, SlippagePct: pct}

	if favorable(direction, signalPrice, currentPrice) {
		check.Favorable = true
		check.Outcome = OutcomeExecute
		g.record(0, false)
		return check
	}

	switch {
	case (g.cfg.MaxSlippagePct > 0 && pct > g.cfg.MaxSlippagePct) ||
		(g.cfg.MaxSlippagePoints > 0 && points > g.cfg.MaxSlippagePoints):
		check.Outcome = OutcomeReject
		check.Reason = fmt.Sprintf("slippage %.2f%% (%.2f pts) beyond limit", pct, points)
		metrics.IncSlippageRejections()
		g.record(pct, true)
	case g.cfg.RequoteThresholdPct > 0 && pct > g.cfg.RequoteThresholdPct:
		check.Outcome = OutcomeRequote
		check.SuggestedPrice = currentPrice
		check.Reason = fmt.Sprintf("slippage %.2f%% requires requote", pct)
		metrics.IncSlippageRequotes()
		g.record(pct, false)
	case g.cfg.PartialFillThresholdPct > 0 && pct > g.cfg.PartialFillThresholdPct:
		check.Outcome = OutcomePartial
		check.SuggestedFraction = g.cfg.PartialFillFraction
		check.Reason = fmt.Sprintf("slippage %.2f%% suggests reduced size", pct)
		metrics.IncSlippagePartials()
		g.record(pct, false)
	default:
		check.Outcome = OutcomeExecute
		g.record(pct, false)
	}
	return check
}

func (g *Gate) record(slippagePct float64, rejected bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.slippage.push(slippagePct)
	if rejected {
		g.rejections.push(1)
	} else {
		g.rejections.push(0)
	}
}

// TrackLatency records one broker round trip and reports whether it stayed
// under the ceiling. A breach is recorded but never blocks by itself; it
// feeds ShouldPauseTrading.
func (g *Gate) TrackLatency(signalReceivedAt, brokerRespondedAt time.Time) bool {
	elapsed := brokerRespondedAt.Sub(signalReceivedAt)
	if elapsed < 0 {
		elapsed = 0
	}

	g.mu.Lock()
	g.latencies.push(float64(elapsed.Milliseconds()))
	g.mu.Unlock()

	if g.cfg.LatencyCeiling > 0 && elapsed > g.cfg.LatencyCeiling {
		metrics.IncLatencyBreaches()
		return false
	}
	return true
}

// ShouldPauseTrading is the circuit breaker for the whole execution path,
// checked before every new order. It trips on a high rejection rate, on
// sustained latency beyond 1.5x the ceiling, or on average slippage beyond
// 2x the configured maximum.
func (g *Gate) ShouldPauseTrading() bool {
	if g.flags != nil && !g.flags.CircuitBreakerEnabled() {
		return false
	}

	g.mu.Lock()
	checks := g.rejections.len()
	rejectionRate := g.rejections.avg()
	avgLatencyMs := g.latencies.avg()
	latencySamples := g.latencies.len()
	avgSlippage := g.slippage.avg()
	g.mu.Unlock()

	paused := false
	if checks >= g.cfg.MinSamples && rejectionRate > g.cfg.RejectionRateThreshold {
		paused = true
	}
	if g.cfg.LatencyCeiling > 0 && latencySamples >= g.cfg.MinSamples &&
		avgLatencyMs > 1.5*float64(g.cfg.LatencyCeiling.Milliseconds()) {
		paused = true
	}
	if g.cfg.MaxSlippagePct > 0 && checks >= g.cfg.MinSamples &&
		avgSlippage > 2*g.cfg.MaxSlippagePct {
		paused = true
	}

	metrics.SetTradingPaused(paused)
	return paused
}

// Stats returns the current rolling statistics.
func (g *Gate) Stats() Stats {
	g.mu.Lock()
	checks := g.rejections.len()
	rejectionRate := g.rejections.avg()
	avgSlippage := g.slippage.avg()
	avgLatencyMs := g.latencies.avg()
	g.mu.Unlock()

	return Stats{
		Checks:         checks,
		Rejections:     int(rejectionRate*float64(checks) + 0.5),
		RejectionRate:  rejectionRate,
		AvgSlippagePct: avgSlippage,
		AvgLatency:     time.Duration(avgLatencyMs) * time.Millisecond,
		Paused:         g.ShouldPauseTrading(),
	}
}
