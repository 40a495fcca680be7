// Package monitor drives the periodic mark-to-market loop: it refreshes leg
// premiums, advances each position's stop loss and emits exit commands.
package monitor

import (
	"context"
	"log"
	"time"

	"optra/broker"
	"optra/metrics"
	"optra/position"
	"optra/risk"
)

// Interval bounds. Checking faster than the floor hammers the market data
// API for no benefit; slower than the ceiling leaves stops unattended.
const (
	minInterval   = 10 * time.Second
	maxInterval   = 300 * time.Second
	minRecheckGap = 10 * time.Second
)

// ExitFunc is invoked exactly once per position when its stop loss or a risk
// limit demands an exit. Implementations place the closing orders.
type ExitFunc func(ctx context.Context, positionID, reason string)

// Monitor owns the evaluation loop. All position mutation happens inside the
// ledger's mutate hook, so the monitor itself holds no position state.
type Monitor struct {
	ledger   *risk.Ledger
	md       broker.MarketData
	stopLoss *position.StopLossEngine
	notifier broker.Notifier
	exit     ExitFunc
	interval time.Duration
	nowFn    func() time.Time
}

// New constructs a monitor. The interval is clamped to [10s, 300s].
func New(ledger *risk.Ledger, md broker.MarketData, stopLoss *position.StopLossEngine, notifier broker.Notifier, exit ExitFunc, interval time.Duration) *Monitor {
	if interval < minInterval {
		interval = minInterval
	}
	if interval > maxInterval {
		interval = maxInterval
	}
	if notifier == nil {
		notifier = broker.LogNotifier{}
	}
	return &Monitor{
		ledger:   ledger,
		md:       md,
		stopLoss: stopLoss,
		notifier: notifier,
		exit:     exit,
		interval: interval,
		nowFn:    time.Now,
	}
}

// SetNowFn overrides the time provider (useful for tests).
func (m *Monitor) SetNowFn(fn func() time.Time) {
	if fn == nil {
		fn = time.Now
	}
	m.nowFn = fn
}

// Run evaluates all open positions on every tick until the context is
// cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single evaluation pass. A failed price fetch skips that
// position for the pass; the stop-loss state is never advanced on stale data.
func (m *Monitor) RunOnce(ctx context.Context) {
	start := m.nowFn()
	defer func() { metrics.ObserveMonitorPassLatency(m.nowFn().Sub(start)) }()

	if m.ledger.ResetDailyIfNeeded(start) {
		log.Printf("[MONITOR] daily risk counters reset")
	}

	for _, p := range m.ledger.OpenPositions() {
		if p.ExitPending {
			continue
		}
		if !p.LastCheckedAt.IsZero() && start.Sub(p.LastCheckedAt) < minRecheckGap {
			continue
		}
		m.evaluate(ctx, p.ID)
	}
}

// evaluate refreshes one position's premiums and applies the stop-loss
// schedule and post-entry risk limits to it.
func (m *Monitor) evaluate(ctx context.Context, id string) {
	snapshot, ok := m.ledger.Get(id)
	if !ok {
		return
	}
	now := m.nowFn()

	mainPrice, err := m.md.GetOptionPrice(ctx, snapshot.MainLeg.Strike, snapshot.MainLeg.OptionType, snapshot.Expiry)
	if err != nil {
		log.Printf("[MONITOR] main leg price for %s: %v", id, err)
		return
	}
	var hedgePrice float64
	if snapshot.HedgeLeg != nil {
		hedgePrice, err = m.md.GetOptionPrice(ctx, snapshot.HedgeLeg.Strike, snapshot.HedgeLeg.OptionType, snapshot.Expiry)
		if err != nil {
			log.Printf("[MONITOR] hedge leg price for %s: %v", id, err)
			return
		}
	}

	var (
		pnl        float64
		exitNow    bool
		exitReason string
		prevStage  position.Stage
		newStage   position.Stage
	)
	mutated := m.ledger.MutatePosition(id, func(p *position.Position) {
		pnl = p.UnrealizedPnL(mainPrice, hedgePrice, now)
		p.LastCheckedAt = now

		prevStage = p.StopLoss.Stage
		dec := m.stopLoss.Advance(p, pnl, now)
		p.StopLoss = dec.State
		newStage = dec.State.Stage

		if dec.Exit && !p.ExitPending {
			p.ExitPending = true
			exitNow = true
			exitReason = dec.ExitReason
		}
	})
	if !mutated {
		return
	}

	if newStage != prevStage {
		log.Printf("[MONITOR] position %s stop loss %s -> %s (trigger %.2f, pnl %.2f)",
			id, prevStage, newStage, snapshot.StopLoss.TriggerPnL, pnl)
	}

	if exitNow {
		metrics.IncStopLossExits(newStage.String())
		m.notifier.SendAlert(broker.AlertWarning, "Stop loss exit",
			"position "+id+" exiting at stage "+newStage.String(), map[string]any{"pnl": pnl})
		m.exit(ctx, id, exitReason)
		return
	}

	decision := m.ledger.UpdatePositionRisk(id, pnl)
	if decision.Action == risk.ActionCloseAll {
		m.notifier.SendAlert(broker.AlertCritical, "Risk limit breach", decision.Reason, nil)
		m.closeEverything(ctx, decision.Reason)
	}
}

// closeEverything emits an exit for every live position that does not already
// have one in flight.
func (m *Monitor) closeEverything(ctx context.Context, reason string) {
	for _, p := range m.ledger.OpenPositions() {
		id := p.ID
		pending := false
		m.ledger.MutatePosition(id, func(pp *position.Position) {
			pending = pp.ExitPending
			pp.ExitPending = true
		})
		if pending {
			continue
		}
		m.exit(ctx, id, reason)
	}
}
