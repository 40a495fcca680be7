package risk

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"optra/broker"
	"optra/featureflag"
	"optra/position"
)

func testLimits() Limits {
	return Limits{
		MaxOpenPositions:   5,
		MaxDailyLoss:       50000,
		MaxPositionSize:    200,
		MaxExposure:        200000,
		MaxLossPerTrade:    20000,
		PanicLossThreshold: 80000,
	}
}

func newTestLedger() *Ledger {
	flags := featureflag.NewRuntimeFlags(featureflag.DefaultState())
	return NewLedger(testLimits(), flags, time.UTC)
}

func openPosition(id string, netExposure float64) *position.Position {
	return &position.Position{
		ID:          id,
		Lots:        1,
		MainLeg:     position.Leg{Side: broker.Sell, EntryPrice: netExposure, Quantity: 1},
		NetExposure: netExposure,
		MaxProfit:   netExposure,
		Status:      position.StatusOpen,
		EntryTime:   time.Now(),
	}
}

func TestAdmitNewWithinLimits(t *testing.T) {
	ledger := newTestLedger()

	admission := ledger.AdmitNew("short_strangle", 50, 100, 50, 30)
	if admission.Verdict != VerdictAllow {
		t.Fatalf("expected ALLOW, got %s (%s)", admission.Verdict, admission.Reason)
	}
	if admission.NetExposure != 3500 {
		t.Fatalf("expected net exposure 3500, got %.2f", admission.NetExposure)
	}
}

func TestAdmitNewBlocksOnOpenPositionCount(t *testing.T) {
	ledger := newTestLedger()
	for i := 0; i < 5; i++ {
		if err := ledger.Record(openPosition(fmt.Sprintf("p-%d", i), 1000)); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	admission := ledger.AdmitNew("sig", 1, 100, 0, 0)
	if admission.Verdict != VerdictBlock {
		t.Fatalf("expected BLOCK, got %s", admission.Verdict)
	}
	if admission.Rule != "max_open_positions" {
		t.Fatalf("unexpected rule %q", admission.Rule)
	}
}

func TestAdmitNewBlocksOnPositionSize(t *testing.T) {
	ledger := newTestLedger()

	admission := ledger.AdmitNew("sig", 250, 100, 0, 0)
	if admission.Verdict != VerdictBlock || admission.Rule != "max_position_size" {
		t.Fatalf("expected size block, got %+v", admission)
	}
}

func TestAdmitNewBlocksOnExposure(t *testing.T) {
	// Scenario: maxExposure 200000, existing exposure 150000, candidate
	// adds 60000.
	ledger := newTestLedger()
	if err := ledger.Record(openPosition("existing", 150000)); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	admission := ledger.AdmitNew("sig", 100, 600, 0, 0)
	if admission.Verdict != VerdictBlock {
		t.Fatalf("expected BLOCK, got %s (%s)", admission.Verdict, admission.Reason)
	}
	if admission.Rule != "max_exposure" {
		t.Fatalf("unexpected rule %q", admission.Rule)
	}

	// The blocked admission must not have mutated the ledger.
	snap := ledger.Snapshot()
	if snap.AggregateExposure != 150000 || snap.OpenPositions != 1 {
		t.Fatalf("block mutated ledger: %+v", snap)
	}
}

func TestAdmitNewDailyLossBlockAndWarn(t *testing.T) {
	ledger := newTestLedger()
	_ = ledger.Record(openPosition("p", 1000))

	// 80% of the 50000 limit: warn but allow.
	ledger.RemovePosition("p", -41000)
	admission := ledger.AdmitNew("sig", 1, 100, 0, 0)
	if admission.Verdict != VerdictWarn {
		t.Fatalf("expected WARN at 82%% of daily loss, got %s", admission.Verdict)
	}
	if !strings.Contains(admission.Reason, "approaching") {
		t.Fatalf("unexpected warn reason %q", admission.Reason)
	}

	// Push past the hard limit.
	_ = ledger.Record(openPosition("q", 1000))
	ledger.RemovePosition("q", -10000)
	admission = ledger.AdmitNew("sig", 1, 100, 0, 0)
	if admission.Verdict != VerdictBlock || admission.Rule != "max_daily_loss" {
		t.Fatalf("expected daily-loss block, got %+v", admission)
	}
}

func TestAdmitNewEnforcementDisabledDowngradesBlock(t *testing.T) {
	flags := featureflag.NewRuntimeFlags(featureflag.DefaultState())
	flags.SetRiskEnforcement(false)
	ledger := NewLedger(testLimits(), flags, time.UTC)

	admission := ledger.AdmitNew("sig", 250, 100, 0, 0)
	if admission.Verdict != VerdictWarn {
		t.Fatalf("expected downgrade to WARN with enforcement off, got %s", admission.Verdict)
	}
	if admission.Reason == "" {
		t.Fatal("breach reason must survive the downgrade")
	}
}

func TestExposureInvariantAcrossSequence(t *testing.T) {
	ledger := newTestLedger()
	limits := ledger.Limits()

	exposures := []float64{80000, 70000, 40000, 30000, 60000}
	admitted := 0
	for i, exp := range exposures {
		admission := ledger.AdmitNew("sig", 100, exp/100, 0, 0)
		if !admission.Allowed() {
			continue
		}
		if err := ledger.Record(openPosition(fmt.Sprintf("p-%d", i), exp)); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
		admitted++

		if snap := ledger.Snapshot(); snap.AggregateExposure > limits.MaxExposure {
			t.Fatalf("exposure invariant violated after %d admits: %.2f > %.2f",
				admitted, snap.AggregateExposure, limits.MaxExposure)
		}
	}

	// 80000+70000+40000 = 190000; the 30000 and 60000 candidates must have
	// been blocked.
	if snap := ledger.Snapshot(); snap.AggregateExposure != 190000 || snap.OpenPositions != 3 {
		t.Fatalf("unexpected final state: %+v", snap)
	}
}

func TestUpdatePositionRiskPerTradeAndPanic(t *testing.T) {
	ledger := newTestLedger()
	_ = ledger.Record(openPosition("p-1", 5000))

	if dec := ledger.UpdatePositionRisk("p-1", -19999); dec.Action != ActionAllow {
		t.Fatalf("expected ALLOW above per-trade limit, got %+v", dec)
	}
	if dec := ledger.UpdatePositionRisk("p-1", -20000); dec.Action != ActionCloseAll {
		t.Fatalf("expected CLOSE_ALL at per-trade limit, got %+v", dec)
	}

	// Panic threshold on the aggregate, independent of per-trade loss.
	_ = ledger.Record(openPosition("loser", 1000))
	ledger.RemovePosition("loser", -85000)
	if dec := ledger.UpdatePositionRisk("p-1", -100); dec.Action != ActionCloseAll {
		t.Fatalf("expected CLOSE_ALL on panic threshold, got %+v", dec)
	}
	if !strings.Contains(ledger.UpdatePositionRisk("p-1", -100).Reason, "panic") {
		t.Fatal("expected panic reason")
	}
}

func TestUpdatePositionRiskUnknownPosition(t *testing.T) {
	ledger := newTestLedger()
	if dec := ledger.UpdatePositionRisk("ghost", -999999); dec.Action != ActionAllow {
		t.Fatalf("unknown positions should be ignored, got %+v", dec)
	}
}

func TestRemovePositionIsIdempotent(t *testing.T) {
	ledger := newTestLedger()
	_ = ledger.Record(openPosition("p-1", 5000))

	ledger.RemovePosition("p-1", -3000)
	first := ledger.Snapshot()
	if first.DailyPnL != -3000 || first.AggregateExposure != 0 {
		t.Fatalf("unexpected state after removal: %+v", first)
	}

	ledger.RemovePosition("p-1", -3000)
	second := ledger.Snapshot()
	if second.DailyPnL != -3000 {
		t.Fatalf("double removal double-counted pnl: %.2f", second.DailyPnL)
	}

	// A removed id cannot be re-recorded.
	if err := ledger.Record(openPosition("p-1", 5000)); err == nil {
		t.Fatal("re-recording a closed id should fail")
	}
}

func TestRemovePositionTracksMaxDrawdown(t *testing.T) {
	ledger := newTestLedger()
	_ = ledger.Record(openPosition("a", 1000))
	_ = ledger.Record(openPosition("b", 1000))
	_ = ledger.Record(openPosition("c", 1000))

	ledger.RemovePosition("a", -10000)
	ledger.RemovePosition("b", 15000)
	ledger.RemovePosition("c", -12000)

	snap := ledger.Snapshot()
	if snap.DailyPnL != -7000 {
		t.Fatalf("expected daily pnl -7000, got %.2f", snap.DailyPnL)
	}
	if snap.MaxDrawdown != -10000 {
		t.Fatalf("expected max drawdown -10000, got %.2f", snap.MaxDrawdown)
	}
}

func TestResetDailyIfNeeded(t *testing.T) {
	ledger := newTestLedger()
	base := time.Date(2026, time.January, 5, 10, 0, 0, 0, time.UTC)
	ledger.SetNowFn(func() time.Time { return base })
	_ = ledger.ResetDailyIfNeeded(base) // pin the account to the test day
	_ = ledger.Record(openPosition("p", 1000))
	ledger.RemovePosition("p", -5000)

	if ledger.ResetDailyIfNeeded(base.Add(2 * time.Hour)) {
		t.Fatal("same day must not reset")
	}
	if !ledger.ResetDailyIfNeeded(base.Add(24 * time.Hour)) {
		t.Fatal("next day must reset")
	}
	if snap := ledger.Snapshot(); snap.DailyPnL != 0 || snap.MaxDrawdown != 0 {
		t.Fatalf("reset incomplete: %+v", snap)
	}
}

func TestMutatePositionSerializesWrites(t *testing.T) {
	ledger := newTestLedger()
	_ = ledger.Record(openPosition("p-1", 5000))

	ok := ledger.MutatePosition("p-1", func(p *position.Position) {
		p.ExitPending = true
		p.StopLoss = position.StopLossState{Stage: position.StageProfitLocked, TriggerPnL: 0}
	})
	if !ok {
		t.Fatal("MutatePosition should find the live position")
	}

	got, _ := ledger.Get("p-1")
	if !got.ExitPending || got.StopLoss.Stage != position.StageProfitLocked {
		t.Fatalf("mutation not visible: %+v", got)
	}

	if ledger.MutatePosition("ghost", func(*position.Position) {}) {
		t.Fatal("unknown id should return false")
	}
}
