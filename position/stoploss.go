package position

import (
	"fmt"
	"time"
)

// Stage identifies how far the progressive stop loss has tightened. The
// numeric order is the tightening order: a position never moves to a lower
// stage once a higher one has been reached.
type Stage int

const (
	StageInitial Stage = iota
	StageDay2
	StageProfitLocked
	StageBreakeven
	StageDay4Lock
)

func (s Stage) String() string {
	switch s {
	case StageInitial:
		return "INITIAL"
	case StageDay2:
		return "DAY2"
	case StageProfitLocked:
		return "PROFIT_LOCKED"
	case StageBreakeven:
		return "BREAKEVEN"
	case StageDay4Lock:
		return "DAY4_LOCK"
	}
	return fmt.Sprintf("STAGE(%d)", int(s))
}

// StopLossState is the per-position stop-loss rule currently in force. An
// exit fires when unrealized PnL falls to TriggerPnL or below.
type StopLossState struct {
	Stage      Stage   `json:"stage"`
	TriggerPnL float64 `json:"trigger_pnl"`
}

// ExitReasonProgressiveSL tags exits triggered by this engine.
const ExitReasonProgressiveSL = "PROGRESSIVE_SL"

// StopLossConfig parameterizes the progressive schedule.
type StopLossConfig struct {
	InitialSLPerLot   float64 // rupee stop per lot while in INITIAL
	ProfitTriggerPct  float64 // % of MaxProfit that locks breakeven early
	Day2Factor        float64 // (0,1): INITIAL stop shrinks by this on day 2
	Day3Breakeven     bool    // move to breakeven on day 3 unconditionally
	Day4ProfitLockPct float64 // % of MaxProfit locked as a floor from day 4
	Timezone          string  // exchange timezone for trading-day counting
}

// StopLossEngine evolves each position's stop-loss state as trading days pass
// and profit accrues. It holds no per-position state itself; the state lives
// on the Position and the engine only advances it.
type StopLossEngine struct {
	cfg StopLossConfig
	loc *time.Location
}

// NewStopLossEngine validates the schedule and resolves the timezone.
func NewStopLossEngine(cfg StopLossConfig) (*StopLossEngine, error) {
	if cfg.InitialSLPerLot <= 0 {
		return nil, fmt.Errorf("initial stop loss per lot must be positive, got %.2f", cfg.InitialSLPerLot)
	}
	if cfg.Day2Factor <= 0 || cfg.Day2Factor >= 1 {
		return nil, fmt.Errorf("day2 factor must be in (0,1), got %.2f", cfg.Day2Factor)
	}
	loc := time.UTC
	if cfg.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
		}
	}
	return &StopLossEngine{cfg: cfg, loc: loc}, nil
}

// InitialState is the stop-loss rule a position starts with.
func (e *StopLossEngine) InitialState(lots int) StopLossState {
	return StopLossState{
		Stage:      StageInitial,
		TriggerPnL: -(e.cfg.InitialSLPerLot * float64(lots)),
	}
}

// Decision is the outcome of one stop-loss evaluation tick.
type Decision struct {
	State      StopLossState
	Exit       bool
	ExitReason string
}

// Advance evaluates the schedule for one monitoring tick and returns the new
// state plus the exit decision. Stages only ever move forward; a transition
// to a lower stage is never emitted even if profit later falls.
func (e *StopLossEngine) Advance(p *Position, unrealizedPnL float64, now time.Time) Decision {
	state := p.StopLoss
	day := TradingDayCount(e.loc, p.EntryTime, now)

	switch {
	case day >= 4 && state.Stage < StageDay4Lock:
		state = StopLossState{
			Stage:      StageDay4Lock,
			TriggerPnL: e.cfg.Day4ProfitLockPct / 100 * p.MaxProfit,
		}
	case day == 3 && e.cfg.Day3Breakeven && state.Stage < StageBreakeven:
		state = StopLossState{Stage: StageBreakeven, TriggerPnL: 0}
	case day == 2 && state.Stage == StageInitial:
		state = StopLossState{
			Stage:      StageDay2,
			TriggerPnL: -(e.cfg.InitialSLPerLot * float64(p.Lots) * e.cfg.Day2Factor),
		}
	}

	// Profit lock applies from the loose stages only; it tightens DAY2 and
	// INITIAL to breakeven and is a no-op once breakeven or better holds.
	if state.Stage < StageProfitLocked && e.cfg.ProfitTriggerPct > 0 && p.MaxProfit > 0 {
		if unrealizedPnL >= e.cfg.ProfitTriggerPct/100*p.MaxProfit {
			state = StopLossState{Stage: StageProfitLocked, TriggerPnL: 0}
		}
	}

	dec := Decision{State: state}
	if unrealizedPnL <= state.TriggerPnL {
		dec.Exit = true
		dec.ExitReason = ExitReasonProgressiveSL
	}
	return dec
}
