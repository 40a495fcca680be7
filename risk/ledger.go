// Package risk implements the in-memory risk ledger: admission control for
// new positions, per-position loss checks and the daily PnL account.
package risk

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"optra/featureflag"
	"optra/metrics"
	"optra/position"
)

// Ledger tracks open positions, aggregate exposure and daily PnL. It is the
// single shared mutable resource between the request path, the monitor and
// the reconciler; every mutation is serialized through one ledger-wide mutex.
type Ledger struct {
	mu        sync.Mutex
	positions map[string]*position.Position
	closed    map[string]struct{}
	exposure  float64
	dailyPnL  float64
	// maxDrawdown is the worst dailyPnL seen today, never positive.
	maxDrawdown float64
	dayStart    time.Time

	loc    *time.Location
	flags  *featureflag.RuntimeFlags
	limits atomic.Value // Limits
	nowFn  atomic.Pointer[func() time.Time]
}

// NewLedger wires an empty ledger. A nil flags container behaves as fully
// guarded: mutex protection and risk enforcement both on.
func NewLedger(limits Limits, flags *featureflag.RuntimeFlags, loc *time.Location) *Ledger {
	if loc == nil {
		loc = time.UTC
	}
	l := &Ledger{
		positions: make(map[string]*position.Position),
		closed:    make(map[string]struct{}),
		loc:       loc,
		flags:     flags,
	}
	l.limits.Store(limits)
	now := time.Now
	l.nowFn.Store(&now)
	l.dayStart = l.now()
	return l
}

// SetNowFn overrides the time provider (useful for tests).
func (l *Ledger) SetNowFn(fn func() time.Time) {
	if fn == nil {
		now := time.Now
		l.nowFn.Store(&now)
		return
	}
	l.nowFn.Store(&fn)
}

func (l *Ledger) now() time.Time {
	if ptr := l.nowFn.Load(); ptr != nil {
		return (*ptr)()
	}
	return time.Now()
}

// Limits returns the current guard rails.
func (l *Ledger) Limits() Limits {
	return l.limits.Load().(Limits)
}

// UpdateLimits swaps the guard rails at runtime.
func (l *Ledger) UpdateLimits(limits Limits) {
	l.limits.Store(limits)
}

func (l *Ledger) useMutex() bool {
	if l.flags == nil {
		return true
	}
	return l.flags.MutexProtectionEnabled()
}

func (l *Ledger) lock() func() {
	if !l.useMutex() {
		return func() {}
	}
	l.mu.Lock()
	return l.mu.Unlock
}

// AdmitNew gates a candidate position against the configured limits. Rules
// are evaluated in order and the first BLOCK wins. Admission never mutates
// the ledger: it is a pre-check, not a reservation, so UpdatePositionRisk
// still applies after the position exists.
func (l *Ledger) AdmitNew(signalType string, mainQty int, mainPrice float64, hedgeQty int, hedgePrice float64) Admission {
	limits := l.Limits()
	netExposure := position.NetExposureOf(mainQty, mainPrice, hedgeQty, hedgePrice)

	unlock := l.lock()
	open := len(l.positions)
	exposure := l.exposure
	dailyPnL := l.dailyPnL
	unlock()

	admission := Admission{Verdict: VerdictAllow, NetExposure: netExposure}

	switch {
	case limits.MaxOpenPositions > 0 && open >= limits.MaxOpenPositions:
		admission.Verdict = VerdictBlock
		admission.Rule = "max_open_positions"
		admission.Reason = fmt.Sprintf("open positions %d >= limit %d", open, limits.MaxOpenPositions)
	case limits.MaxPositionSize > 0 && mainQty > limits.MaxPositionSize:
		admission.Verdict = VerdictBlock
		admission.Rule = "max_position_size"
		admission.Reason = fmt.Sprintf("quantity %d > limit %d", mainQty, limits.MaxPositionSize)
	case limits.MaxExposure > 0 && exposure+netExposure > limits.MaxExposure:
		admission.Verdict = VerdictBlock
		admission.Rule = "max_exposure"
		admission.Reason = fmt.Sprintf("exposure %.2f + %.2f > limit %.2f", exposure, netExposure, limits.MaxExposure)
	case limits.MaxDailyLoss > 0 && dailyPnL <= -limits.MaxDailyLoss:
		admission.Verdict = VerdictBlock
		admission.Rule = "max_daily_loss"
		admission.Reason = fmt.Sprintf("daily pnl %.2f <= limit -%.2f", dailyPnL, limits.MaxDailyLoss)
	case limits.MaxDailyLoss > 0 && dailyPnL <= -0.8*limits.MaxDailyLoss:
		admission.Verdict = VerdictWarn
		admission.Reason = fmt.Sprintf("daily pnl %.2f approaching limit -%.2f", dailyPnL, limits.MaxDailyLoss)
	}

	// SignalType participates only in audit output today.
	_ = signalType

	if admission.Verdict == VerdictBlock {
		if l.flags == nil || l.flags.RiskEnforcementEnabled() {
			metrics.IncAdmissionBlocks(admission.Rule)
			return admission
		}
		// Enforcement backed out by an operator: record the breach but let
		// the signal through as a warning.
		metrics.IncAdmissionBlocks(admission.Rule)
		admission.Verdict = VerdictWarn
		return admission
	}
	if admission.Verdict == VerdictWarn {
		metrics.IncAdmissionWarnings()
	}
	return admission
}

// Record adds a confirmed position to the ledger. It is called only after
// the broker confirms placement.
func (l *Ledger) Record(p *position.Position) error {
	if p == nil {
		return fmt.Errorf("record: nil position")
	}
	if p.Status != position.StatusOpen {
		return fmt.Errorf("record: position %s is %s, not OPEN", p.ID, p.Status)
	}

	unlock := l.lock()
	defer unlock()

	if _, exists := l.positions[p.ID]; exists {
		return fmt.Errorf("record: position %s already tracked", p.ID)
	}
	if _, wasClosed := l.closed[p.ID]; wasClosed {
		return fmt.Errorf("record: position %s was already closed", p.ID)
	}
	l.positions[p.ID] = p
	l.exposure += p.NetExposure

	metrics.SetOpenPositions(len(l.positions))
	metrics.ObserveExposure(l.exposure)
	return nil
}

// UpdatePositionRisk re-checks a live position against per-trade and panic
// loss limits. CLOSE_ALL is returned when either the trade's own loss or the
// aggregate daily loss crossed its threshold.
func (l *Ledger) UpdatePositionRisk(positionID string, currentPnL float64) RiskDecision {
	limits := l.Limits()

	unlock := l.lock()
	dailyPnL := l.dailyPnL
	_, tracked := l.positions[positionID]
	unlock()

	if !tracked {
		return RiskDecision{Action: ActionAllow}
	}

	var decision RiskDecision
	switch {
	case limits.MaxLossPerTrade > 0 && currentPnL <= -limits.MaxLossPerTrade:
		decision = RiskDecision{
			Action: ActionCloseAll,
			Reason: fmt.Sprintf("position %s pnl %.2f <= per-trade limit -%.2f", positionID, currentPnL, limits.MaxLossPerTrade),
		}
	case limits.PanicLossThreshold > 0 && dailyPnL <= -limits.PanicLossThreshold:
		decision = RiskDecision{
			Action: ActionCloseAll,
			Reason: fmt.Sprintf("daily pnl %.2f <= panic threshold -%.2f", dailyPnL, limits.PanicLossThreshold),
		}
	default:
		return RiskDecision{Action: ActionAllow}
	}

	if l.flags != nil && !l.flags.RiskEnforcementEnabled() {
		return RiskDecision{Action: ActionAllow, Reason: decision.Reason}
	}
	metrics.IncPanicCloses()
	return decision
}

// RemovePosition finalizes a position: folds finalPnL into the daily account,
// releases its exposure and updates the max drawdown of the day. Removal is
// idempotent per id; removing an already-removed id never double-counts.
func (l *Ledger) RemovePosition(id string, finalPnL float64) {
	unlock := l.lock()
	defer unlock()

	p, ok := l.positions[id]
	if !ok {
		return
	}
	delete(l.positions, id)
	l.closed[id] = struct{}{}

	l.exposure -= p.NetExposure
	if l.exposure < 0 {
		l.exposure = 0
	}
	l.dailyPnL += finalPnL
	if l.dailyPnL < l.maxDrawdown {
		l.maxDrawdown = l.dailyPnL
	}

	p.Status = position.StatusClosed
	p.RealizedPnL = finalPnL
	p.ExitTime = l.now()

	metrics.SetOpenPositions(len(l.positions))
	metrics.ObserveExposure(l.exposure)
	metrics.ObserveDailyPnL(l.dailyPnL)
	metrics.ObserveMaxDrawdown(l.maxDrawdown)
}

// Get returns a copy of a tracked position.
func (l *Ledger) Get(id string) (position.Position, bool) {
	unlock := l.lock()
	defer unlock()

	p, ok := l.positions[id]
	if !ok {
		return position.Position{}, false
	}
	return *p, true
}

// OpenPositions returns copies of every open position. The copies are
// snapshot-consistent; callers mutate through MutatePosition only.
func (l *Ledger) OpenPositions() []position.Position {
	unlock := l.lock()
	defer unlock()

	out := make([]position.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, *p)
	}
	return out
}

// MutatePosition runs fn on the live position under the ledger lock. It
// returns false when the id is not tracked. This is the single write path
// shared by the monitor and the engine for stop-loss state, PnL samples and
// the exit-pending flag.
func (l *Ledger) MutatePosition(id string, fn func(*position.Position)) bool {
	unlock := l.lock()
	defer unlock()

	p, ok := l.positions[id]
	if !ok {
		return false
	}
	fn(p)
	return true
}

// Snapshot exposes the latest ledger totals.
func (l *Ledger) Snapshot() Snapshot {
	unlock := l.lock()
	defer unlock()

	return Snapshot{
		OpenPositions:     len(l.positions),
		AggregateExposure: l.exposure,
		DailyPnL:          l.dailyPnL,
		MaxDrawdown:       l.maxDrawdown,
		DayStart:          l.dayStart,
	}
}

// ResetDailyIfNeeded zeroes the daily PnL account when a new trading day has
// started in the exchange timezone. It returns true when a reset occurred.
func (l *Ledger) ResetDailyIfNeeded(now time.Time) bool {
	unlock := l.lock()
	defer unlock()

	if position.SameTradingDay(l.loc, l.dayStart, now) {
		return false
	}
	l.dailyPnL = 0
	l.maxDrawdown = 0
	l.dayStart = now

	metrics.ObserveDailyPnL(0)
	metrics.ObserveMaxDrawdown(0)
	return true
}
