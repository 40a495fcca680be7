package risk

import "time"

// Limits are the process-wide guard rails read by every admission check.
// They are hot-reloadable: mutated only through Ledger.UpdateLimits.
type Limits struct {
	MaxOpenPositions   int     `json:"max_open_positions"`
	MaxDailyLoss       float64 `json:"max_daily_loss"`
	MaxPositionSize    int     `json:"max_position_size"`
	MaxExposure        float64 `json:"max_exposure"`
	MaxLossPerTrade    float64 `json:"max_loss_per_trade"`
	PanicLossThreshold float64 `json:"panic_loss_threshold"`
}

// Verdict is the outcome of an admission check.
type Verdict string

const (
	VerdictAllow Verdict = "ALLOW"
	VerdictWarn  Verdict = "WARN"
	VerdictBlock Verdict = "BLOCK"
)

// Admission is the decision returned by AdmitNew. NetExposure carries the
// exposure the candidate position would add, so callers can log it without
// recomputing.
type Admission struct {
	Verdict     Verdict `json:"verdict"`
	Reason      string  `json:"reason,omitempty"`
	Rule        string  `json:"rule,omitempty"`
	NetExposure float64 `json:"net_exposure"`
}

// Allowed reports whether the caller may proceed to hedge selection and
// order placement.
func (a Admission) Allowed() bool {
	return a.Verdict != VerdictBlock
}

// Action is the outcome of a post-entry risk check on a live position.
type Action string

const (
	ActionAllow    Action = "ALLOW"
	ActionCloseAll Action = "CLOSE_ALL"
)

// RiskDecision is the outcome of UpdatePositionRisk.
type RiskDecision struct {
	Action Action `json:"action"`
	Reason string `json:"reason,omitempty"`
}

// Snapshot is a read-only view of the current ledger state.
type Snapshot struct {
	OpenPositions     int       `json:"open_positions"`
	AggregateExposure float64   `json:"aggregate_exposure"`
	DailyPnL          float64   `json:"daily_pnl"`
	MaxDrawdown       float64   `json:"max_drawdown"`
	DayStart          time.Time `json:"day_start"`
}
