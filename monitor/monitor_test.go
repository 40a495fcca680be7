package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"optra/broker"
	"optra/featureflag"
	"optra/position"
	"optra/risk"
)

type exitRecorder struct {
	mu    sync.Mutex
	calls []string // "id:reason"
}

func (e *exitRecorder) exit(ctx context.Context, positionID, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, positionID+":"+reason)
}

func (e *exitRecorder) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

type quietNotifier struct{}

func (quietNotifier) SendAlert(level broker.AlertLevel, title, message string, data map[string]any) {}

var testBase = time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC) // a Monday

func newStopLossEngine(t *testing.T) *position.StopLossEngine {
	t.Helper()
	engine, err := position.NewStopLossEngine(position.StopLossConfig{
		InitialSLPerLot:   6000,
		ProfitTriggerPct:  40,
		Day2Factor:        0.5,
		Day3Breakeven:     true,
		Day4ProfitLockPct: 10,
	})
	if err != nil {
		t.Fatal(err)
	}
	return engine
}

func newTestPosition(engine *position.StopLossEngine) *position.Position {
	p := &position.Position{
		ID:         position.NewID(),
		SignalType: "short_strangle",
		Expiry:     "2026-09-24",
		Lots:       10,
		MainLeg: position.Leg{
			Symbol: "NIFTY26SEP24500CE", Strike: 24500, OptionType: broker.Call,
			Side: broker.Sell, EntryPrice: 120, Quantity: 500,
		},
		HedgeLeg: &position.Leg{
			Symbol: "NIFTY26SEP25000CE", Strike: 25000, OptionType: broker.Call,
			Side: broker.Buy, EntryPrice: 20, Quantity: 500,
		},
		Status:    position.StatusOpen,
		EntryTime: testBase,
	}
	p.NetExposure = position.NetExposureOf(500, 120, 500, 20)
	p.MaxProfit = p.NetExposure
	p.StopLoss = engine.InitialState(p.Lots)
	return p
}

func newTestMonitor(t *testing.T) (*Monitor, *risk.Ledger, *broker.PaperBroker, *exitRecorder, *position.StopLossEngine) {
	t.Helper()
	flags := featureflag.NewRuntimeFlags(featureflag.DefaultState())
	ledger := risk.NewLedger(risk.Limits{
		MaxOpenPositions: 10,
		MaxExposure:      500000,
		MaxDailyLoss:     200000,
	}, flags, time.UTC)
	ledger.SetNowFn(func() time.Time { return testBase })

	paper := broker.NewPaperBroker()
	rec := &exitRecorder{}
	engine := newStopLossEngine(t)
	m := New(ledger, paper, engine, quietNotifier{}, rec.exit, 30*time.Second)
	m.SetNowFn(func() time.Time { return testBase })
	return m, ledger, paper, rec, engine
}

func seedPrices(paper *broker.PaperBroker, mainPrice, hedgePrice float64) {
	paper.SetOptionPrice(24500, broker.Call, "2026-09-24", mainPrice)
	paper.SetOptionPrice(25000, broker.Call, "2026-09-24", hedgePrice)
}

func TestIntervalClamped(t *testing.T) {
	m, _, _, _, _ := newTestMonitor(t)
	if m.interval != 30*time.Second {
		t.Fatalf("interval = %v, want 30s", m.interval)
	}
	fast := New(nil, nil, nil, nil, nil, time.Second)
	if fast.interval != minInterval {
		t.Fatalf("interval = %v, want clamp to %v", fast.interval, minInterval)
	}
	slow := New(nil, nil, nil, nil, nil, time.Hour)
	if slow.interval != maxInterval {
		t.Fatalf("interval = %v, want clamp to %v", slow.interval, maxInterval)
	}
}

func TestPassRefreshesPnL(t *testing.T) {
	m, ledger, paper, rec, engine := newTestMonitor(t)
	p := newTestPosition(engine)
	if err := ledger.Record(p); err != nil {
		t.Fatal(err)
	}
	// Premium decay in the seller's favor: (120-100)*500 + (15-20)*500.
	seedPrices(paper, 100, 15)

	m.RunOnce(context.Background())

	got, _ := ledger.Get(p.ID)
	if got.LastPnL.Value != 7500 {
		t.Fatalf("pnl = %.2f, want 7500", got.LastPnL.Value)
	}
	if got.LastPnL.At != testBase {
		t.Fatal("pnl sample not timestamped with the evaluation time")
	}
	if !got.LastCheckedAt.Equal(testBase) {
		t.Fatal("last-checked not stamped")
	}
	if rec.count() != 0 {
		t.Fatal("no exit expected on a profitable tick")
	}
}

func TestStopLossExitEmittedOnce(t *testing.T) {
	m, ledger, paper, rec, engine := newTestMonitor(t)
	p := newTestPosition(engine)
	ledger.Record(p)
	// (120-250)*500 + (30-20)*500 = -60000, exactly the initial trigger.
	seedPrices(paper, 250, 30)

	m.RunOnce(context.Background())
	if rec.count() != 1 {
		t.Fatalf("exit calls = %d, want 1", rec.count())
	}

	got, _ := ledger.Get(p.ID)
	if !got.ExitPending {
		t.Fatal("exit-pending flag not set")
	}

	// Further passes must not emit a second exit while one is in flight.
	m.SetNowFn(func() time.Time { return testBase.Add(time.Minute) })
	m.RunOnce(context.Background())
	if rec.count() != 1 {
		t.Fatalf("exit calls after second pass = %d, want 1", rec.count())
	}
}

func TestRecentlyCheckedPositionSkipped(t *testing.T) {
	m, ledger, paper, rec, engine := newTestMonitor(t)
	p := newTestPosition(engine)
	ledger.Record(p)
	seedPrices(paper, 250, 30) // losing badly, would exit if evaluated

	ledger.MutatePosition(p.ID, func(pp *position.Position) {
		pp.LastCheckedAt = testBase.Add(-5 * time.Second)
	})

	m.RunOnce(context.Background())
	if rec.count() != 0 {
		t.Fatal("position checked 5s ago must be skipped")
	}

	m.SetNowFn(func() time.Time { return testBase.Add(6 * time.Second) })
	m.RunOnce(context.Background())
	if rec.count() != 1 {
		t.Fatalf("exit calls = %d, want 1 once the gap elapsed", rec.count())
	}
}

func TestPriceFetchFailureLeavesStateAlone(t *testing.T) {
	m, ledger, paper, rec, engine := newTestMonitor(t)
	p := newTestPosition(engine)
	ledger.Record(p)
	seedPrices(paper, 250, 30)
	paper.FailNextCall(broker.ErrTimeout)

	m.RunOnce(context.Background())
	if rec.count() != 0 {
		t.Fatal("no exit may be emitted on a failed price fetch")
	}
	got, _ := ledger.Get(p.ID)
	if !got.LastCheckedAt.IsZero() {
		t.Fatal("a failed fetch must not count as a check")
	}

	// The next pass sees the real prices and fires.
	m.RunOnce(context.Background())
	if rec.count() != 1 {
		t.Fatalf("exit calls = %d, want 1 after recovery", rec.count())
	}
}

func TestStageAdvanceRecordedOnPosition(t *testing.T) {
	m, ledger, paper, _, engine := newTestMonitor(t)
	p := newTestPosition(engine)
	ledger.Record(p)
	// 45% of MaxProfit (50000): (120-75)*500 + (20-20)*500 = 22500.
	seedPrices(paper, 75, 20)

	m.RunOnce(context.Background())

	got, _ := ledger.Get(p.ID)
	if got.StopLoss.Stage != position.StageProfitLocked {
		t.Fatalf("stage = %s, want PROFIT_LOCKED", got.StopLoss.Stage)
	}
	if got.StopLoss.TriggerPnL != 0 {
		t.Fatalf("trigger = %.2f, want breakeven", got.StopLoss.TriggerPnL)
	}
}

func TestPerTradeBreachClosesEverything(t *testing.T) {
	m, ledger, paper, rec, engine := newTestMonitor(t)
	ledger.UpdateLimits(risk.Limits{
		MaxOpenPositions: 10,
		MaxExposure:      500000,
		MaxLossPerTrade:  30000,
	})

	first := newTestPosition(engine)
	second := newTestPosition(engine)
	second.MainLeg.Symbol = "NIFTY26SEP24600CE"
	second.MainLeg.Strike = 24600
	second.HedgeLeg = nil
	ledger.Record(first)
	ledger.Record(second)

	// -40000 on the first position: above the stop-loss trigger, below the
	// per-trade limit.
	seedPrices(paper, 210, 30)
	paper.SetOptionPrice(24600, broker.Call, "2026-09-24", 120)

	m.RunOnce(context.Background())

	if rec.count() != 2 {
		t.Fatalf("exit calls = %d, want both positions closed", rec.count())
	}
	for _, id := range []string{first.ID, second.ID} {
		got, _ := ledger.Get(id)
		if !got.ExitPending {
			t.Fatalf("position %s not flagged for exit", id)
		}
	}

	// The breach already flagged everything; nothing more to emit.
	m.SetNowFn(func() time.Time { return testBase.Add(time.Minute) })
	m.RunOnce(context.Background())
	if rec.count() != 2 {
		t.Fatalf("exit calls after second pass = %d, want 2", rec.count())
	}
}
