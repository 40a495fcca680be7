// Package position holds the hedged-position model and the progressive
// stop-loss state machine that governs its exit trigger.
package position

import (
	"time"

	"github.com/google/uuid"

	"optra/broker"
)

// Status is the lifecycle state of a position.
type Status string

const (
	StatusOpen      Status = "OPEN"
	StatusClosed    Status = "CLOSED"
	StatusCancelled Status = "CANCELLED"
)

// Leg is one option contract of a hedged position.
type Leg struct {
	Symbol       string            `json:"symbol"`
	Strike       float64           `json:"strike"`
	OptionType   broker.OptionType `json:"option_type"`
	Side         broker.Side       `json:"side"`
	EntryPrice   float64           `json:"entry_price"`
	Quantity     int               `json:"quantity"`
	CurrentPrice float64           `json:"current_price"`

	// ExitOrderID is set once the closing order for this leg has been
	// placed. A retried exit resumes from the legs that still lack one, so
	// a partial failure never re-places an already-closed leg.
	ExitOrderID string `json:"exit_order_id,omitempty"`
}

// PnL computes the leg's profit for a given live premium. Sold legs profit
// when the premium decays, bought legs when it rises.
func (l Leg) PnL(currentPrice float64) float64 {
	if l.Side == broker.Sell {
		return (l.EntryPrice - currentPrice) * float64(l.Quantity)
	}
	return (currentPrice - l.EntryPrice) * float64(l.Quantity)
}

// PnLSample is a derived unrealized PnL together with the time of the prices
// it was computed from. Unrealized PnL is never stored without its timestamp.
type PnLSample struct {
	Value float64   `json:"value"`
	At    time.Time `json:"at"`
}

// Position is one hedged trade. NetExposure is fixed at entry and immutable
// afterwards.
type Position struct {
	ID         string `json:"id"`
	SignalType string `json:"signal_type"`
	Expiry     string `json:"expiry"`
	Lots       int    `json:"lots"`

	MainLeg  Leg  `json:"main_leg"`
	HedgeLeg *Leg `json:"hedge_leg,omitempty"`

	NetExposure float64 `json:"net_exposure"`
	// MaxProfit is the reference maximum used by the profit-lock and
	// day-4 lock rules. For a net credit position this is the premium
	// collected, i.e. the net exposure at entry.
	MaxProfit float64 `json:"max_profit"`

	StopLoss StopLossState `json:"stop_loss"`
	Status   Status        `json:"status"`

	EntryTime   time.Time `json:"entry_time"`
	ExitTime    time.Time `json:"exit_time,omitempty"`
	RealizedPnL float64   `json:"realized_pnl,omitempty"`
	ExitReason  string    `json:"exit_reason,omitempty"`

	LastPnL PnLSample `json:"last_pnl"`

	// ExitPending is set once an exit command has been emitted and cleared
	// when the exit completes or fails; it guarantees at most one exit in
	// flight per position.
	ExitPending bool `json:"exit_pending,omitempty"`

	// LastCheckedAt bounds broker API volume: the monitor skips positions
	// checked within the last few seconds.
	LastCheckedAt time.Time `json:"last_checked_at,omitempty"`
}

// NewID mints an opaque position handle.
func NewID() string {
	return uuid.NewString()
}

// NetExposureOf computes the premium actually at risk for a main/hedge pair.
// Quantities are contract units (lots already multiplied out).
func NetExposureOf(mainQty int, mainPrice float64, hedgeQty int, hedgePrice float64) float64 {
	return float64(mainQty)*mainPrice - float64(hedgeQty)*hedgePrice
}

// UnrealizedPnL derives the position PnL from live leg premiums and records
// the sample with its timestamp.
func (p *Position) UnrealizedPnL(mainPrice, hedgePrice float64, at time.Time) float64 {
	pnl := p.MainLeg.PnL(mainPrice)
	p.MainLeg.CurrentPrice = mainPrice
	if p.HedgeLeg != nil {
		pnl += p.HedgeLeg.PnL(hedgePrice)
		p.HedgeLeg.CurrentPrice = hedgePrice
	}
	p.LastPnL = PnLSample{Value: pnl, At: at}
	return pnl
}

// Open reports whether the position is still live.
func (p *Position) Open() bool {
	return p.Status == StatusOpen
}
