package reconcile

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"optra/broker"
	"optra/featureflag"
	"optra/order"
	"optra/position"
)

type recordedAlert struct {
	level broker.AlertLevel
	title string
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []recordedAlert
}

func (n *recordingNotifier) SendAlert(level broker.AlertLevel, title, message string, data map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, recordedAlert{level: level, title: title})
}

func (n *recordingNotifier) count(level broker.AlertLevel) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, a := range n.alerts {
		if a.level == level {
			c++
		}
	}
	return c
}

func newTestReconciler(t *testing.T) (*Reconciler, *order.MemoryStore, *broker.PaperBroker, *recordingNotifier) {
	t.Helper()
	store := order.NewMemoryStore()
	paper := broker.NewPaperBroker()
	notifier := &recordingNotifier{}
	flags := featureflag.NewRuntimeFlags(featureflag.DefaultState())
	rec := New(store, paper, notifier, flags, Config{})
	return rec, store, paper, notifier
}

func TestMapBrokerStatus(t *testing.T) {
	cases := map[string]order.Status{
		"open":      order.StatusPlaced,
		"complete":  order.StatusExecuted,
		"rejected":  order.StatusRejected,
		"cancelled": order.StatusCancelled,
		"weird":     order.StatusPlaced,
	}
	for in, want := range cases {
		if got := MapBrokerStatus(in); got != want {
			t.Errorf("MapBrokerStatus(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestSyncStatusMismatch(t *testing.T) {
	r, store, paper, _ := newTestReconciler(t)
	ctx := context.Background()

	paper.SetQuote("NIFTY26SEP24500CE", 120)
	id, err := paper.PlaceOrder(ctx, broker.OrderSpec{Symbol: "NIFTY26SEP24500CE", Side: broker.Sell, Quantity: 50})
	if err != nil {
		t.Fatal(err)
	}
	// Internally still PLACED even though the paper broker filled instantly.
	if err := store.SaveOrder(ctx, order.Record{
		OrderID: id, Symbol: "NIFTY26SEP24500CE", Side: broker.Sell, Quantity: 50, Status: order.StatusPlaced,
	}); err != nil {
		t.Fatal(err)
	}

	if err := r.ReconcileOnce(ctx); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetOrder(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != order.StatusExecuted {
		t.Fatalf("status = %s, want EXECUTED", got.Status)
	}
	if got.Price != 120 {
		t.Fatalf("price = %.2f, want broker fill 120.00", got.Price)
	}
}

func TestAutoSyncOffOnlyAlerts(t *testing.T) {
	r, store, paper, notifier := newTestReconciler(t)
	r.flags.SetAutoSync(false)
	ctx := context.Background()

	paper.SetQuote("SENSEX26SEP81000PE", 200)
	id, _ := paper.PlaceOrder(ctx, broker.OrderSpec{Symbol: "SENSEX26SEP81000PE", Side: broker.Buy, Quantity: 10})
	store.SaveOrder(ctx, order.Record{OrderID: id, Symbol: "SENSEX26SEP81000PE", Side: broker.Buy, Quantity: 10, Status: order.StatusPlaced})

	if err := r.ReconcileOnce(ctx); err != nil {
		t.Fatal(err)
	}

	got, _ := store.GetOrder(ctx, id)
	if got.Status != order.StatusPlaced {
		t.Fatalf("status changed to %s with auto-sync off", got.Status)
	}
	if notifier.count(broker.AlertWarning) == 0 {
		t.Fatal("expected a mismatch alert")
	}
}

func TestExecutedRejectedConflictNeverSynced(t *testing.T) {
	r, store, paper, notifier := newTestReconciler(t)
	ctx := context.Background()

	paper.InjectOrder(broker.Order{ID: "ord-1", Symbol: "NIFTY26SEP24500CE", Side: broker.Sell, Quantity: 50, Status: broker.PaperStatusRejected})
	store.SaveOrder(ctx, order.Record{OrderID: "ord-1", Symbol: "NIFTY26SEP24500CE", Side: broker.Sell, Quantity: 50, Status: order.StatusExecuted, Price: 118})

	if err := r.ReconcileOnce(ctx); err != nil {
		t.Fatal(err)
	}

	got, _ := store.GetOrder(ctx, "ord-1")
	if got.Status != order.StatusExecuted {
		t.Fatalf("conflict was auto-synced to %s", got.Status)
	}
	if notifier.count(broker.AlertCritical) != 1 {
		t.Fatalf("critical alerts = %d, want 1", notifier.count(broker.AlertCritical))
	}
}

func TestMissingAtBrokerAlerts(t *testing.T) {
	r, store, _, notifier := newTestReconciler(t)
	ctx := context.Background()

	store.SaveOrder(ctx, order.Record{OrderID: "ghost-1", Symbol: "NIFTY26SEP24500CE", Side: broker.Sell, Quantity: 50, Status: order.StatusPlaced})

	if err := r.ReconcileOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if notifier.count(broker.AlertCritical) != 1 {
		t.Fatal("expected a critical missing-at-broker alert")
	}

	stats := r.Stats()
	if stats.Alerted != 1 || stats.Recent[0].Type != DiscMissingAtBroker {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestPendingOrderNeverSentIsNotMissing(t *testing.T) {
	r, store, _, notifier := newTestReconciler(t)
	ctx := context.Background()

	// Queued for the next session, never handed to the broker.
	store.SaveOrder(ctx, order.Record{OrderID: "queued-1", Symbol: "NIFTY26SEP24500CE", Side: broker.Sell, Quantity: 50, Status: order.StatusPending})

	if err := r.ReconcileOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if n := notifier.count(broker.AlertCritical); n != 0 {
		t.Fatalf("critical alerts = %d for an order the broker was never given", n)
	}
	if d := r.Stats().Discrepancies; d != 0 {
		t.Fatalf("discrepancies = %d, want 0", d)
	}
}

func TestPriceRejectionRetriedAtBufferedQuote(t *testing.T) {
	r, store, paper, _ := newTestReconciler(t)
	ctx := context.Background()

	paper.SetQuote("NIFTY26SEP24500CE", 120)
	paper.RejectNextOrder("17070 : Price is outside circuit limits")
	id, err := paper.PlaceOrder(ctx, broker.OrderSpec{Symbol: "NIFTY26SEP24500CE", Side: broker.Sell, Quantity: 50})
	if err != nil {
		t.Fatal(err)
	}
	store.SaveOrder(ctx, order.Record{OrderID: id, Symbol: "NIFTY26SEP24500CE", Side: broker.Sell, Quantity: 50, Status: order.StatusPlaced})

	if err := r.ReconcileOnce(ctx); err != nil {
		t.Fatal(err)
	}

	got, _ := store.GetOrder(ctx, id)
	if got.Status != order.StatusRejected {
		t.Fatalf("original order status = %s, want REJECTED", got.Status)
	}

	active, err := store.GetActiveOrders(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var repl *order.Record
	for i := range active {
		if active[i].OrderID != id {
			repl = &active[i]
		}
	}
	if repl == nil {
		t.Fatal("price rejection must place a replacement order")
	}
	if repl.RetryCount != 1 {
		t.Fatalf("replacement retry count = %d, want 1", repl.RetryCount)
	}
	// The sell retries below the fresh quote by the configured buffer.
	want := 120 * (1 - 0.5/100)
	if repl.Price != want {
		t.Fatalf("replacement price = %.2f, want %.2f", repl.Price, want)
	}
}

func TestMarginRejectionFailsOrder(t *testing.T) {
	r, store, paper, notifier := newTestReconciler(t)
	ctx := context.Background()

	paper.InjectOrder(broker.Order{ID: "ord-m", Symbol: "NIFTY26SEP24500CE", Side: broker.Sell, Quantity: 50, Status: broker.PaperStatusRejected, Reason: "RMS: margin exceeds the available balance"})
	store.SaveOrder(ctx, order.Record{OrderID: "ord-m", Symbol: "NIFTY26SEP24500CE", Side: broker.Sell, Quantity: 50, Status: order.StatusPlaced})

	if err := r.ReconcileOnce(ctx); err != nil {
		t.Fatal(err)
	}

	got, _ := store.GetOrder(ctx, "ord-m")
	if got.Status != order.StatusFailed {
		t.Fatalf("status = %s, want FAILED", got.Status)
	}
	if notifier.count(broker.AlertCritical) != 1 {
		t.Fatal("margin rejection must page")
	}
}

type fakeBook struct {
	positions []position.Position
}

func (b *fakeBook) OpenPositions() []position.Position { return b.positions }

func TestPositionMismatchAlerts(t *testing.T) {
	r, _, _, notifier := newTestReconciler(t)
	ctx := context.Background()

	// The ledger carries a short leg the broker knows nothing about.
	book := &fakeBook{positions: []position.Position{{
		ID:      "pos-1",
		MainLeg: position.Leg{Symbol: "NIFTY26SEP24500CE", Side: broker.Sell, Quantity: 50},
	}}}
	r.BindPositions(book, nil)

	if err := r.ReconcileOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if notifier.count(broker.AlertCritical) != 1 {
		t.Fatal("expected a critical position-mismatch alert")
	}
	stats := r.Stats()
	if stats.Recent[0].Type != DiscPositionMismatch {
		t.Fatalf("discrepancy type = %s, want %s", stats.Recent[0].Type, DiscPositionMismatch)
	}
}

func TestExitFinalizedOnceBrokerConfirmsFills(t *testing.T) {
	r, store, paper, notifier := newTestReconciler(t)
	ctx := context.Background()

	paper.InjectOrder(broker.Order{ID: "close-main", Symbol: "NIFTY26SEP24500CE", Side: broker.Buy, Quantity: 50, Status: broker.PaperStatusComplete, AvgPrice: 118})
	paper.InjectOrder(broker.Order{ID: "close-hedge", Symbol: "NIFTY26SEP24700CE", Side: broker.Sell, Quantity: 50, Status: broker.PaperStatusComplete, AvgPrice: 58})
	store.SaveOrder(ctx, order.Record{OrderID: "close-main", Symbol: "NIFTY26SEP24500CE", Side: broker.Buy, Quantity: 50, Status: order.StatusExecuted, Price: 118})
	store.SaveOrder(ctx, order.Record{OrderID: "close-hedge", Symbol: "NIFTY26SEP24700CE", Side: broker.Sell, Quantity: 50, Status: order.StatusExecuted, Price: 58})

	var finalized []string
	book := &fakeBook{positions: []position.Position{{
		ID:          "pos-2",
		ExitPending: true,
		MainLeg:     position.Leg{Symbol: "NIFTY26SEP24500CE", Side: broker.Sell, Quantity: 50, ExitOrderID: "close-main"},
		HedgeLeg:    &position.Leg{Symbol: "NIFTY26SEP24700CE", Side: broker.Buy, Quantity: 50, ExitOrderID: "close-hedge"},
	}}}
	r.BindPositions(book, func(id string) { finalized = append(finalized, id) })

	if err := r.ReconcileOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if len(finalized) != 1 || finalized[0] != "pos-2" {
		t.Fatalf("finalized = %v, want [pos-2]", finalized)
	}
	if notifier.count(broker.AlertCritical) != 0 {
		t.Fatal("a settling exit must not page")
	}
}

func TestExitNotFinalizedWhileLegStillOpen(t *testing.T) {
	r, store, paper, _ := newTestReconciler(t)
	ctx := context.Background()

	paper.InjectOrder(broker.Order{ID: "close-main", Symbol: "NIFTY26SEP24500CE", Side: broker.Buy, Quantity: 50, Status: broker.PaperStatusComplete, AvgPrice: 118})
	paper.InjectOrder(broker.Order{ID: "close-hedge", Symbol: "NIFTY26SEP24700CE", Side: broker.Sell, Quantity: 50, Status: broker.PaperStatusOpen})
	store.SaveOrder(ctx, order.Record{OrderID: "close-main", Symbol: "NIFTY26SEP24500CE", Side: broker.Buy, Quantity: 50, Status: order.StatusExecuted, Price: 118})
	store.SaveOrder(ctx, order.Record{OrderID: "close-hedge", Symbol: "NIFTY26SEP24700CE", Side: broker.Sell, Quantity: 50, Status: order.StatusPlaced})

	var finalized []string
	book := &fakeBook{positions: []position.Position{{
		ID:          "pos-3",
		ExitPending: true,
		MainLeg:     position.Leg{Symbol: "NIFTY26SEP24500CE", Side: broker.Sell, Quantity: 50, ExitOrderID: "close-main"},
		HedgeLeg:    &position.Leg{Symbol: "NIFTY26SEP24700CE", Side: broker.Buy, Quantity: 50, ExitOrderID: "close-hedge"},
	}}}
	r.BindPositions(book, func(id string) { finalized = append(finalized, id) })

	if err := r.ReconcileOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if len(finalized) != 0 {
		t.Fatalf("finalized = %v, want none while a closing leg is open", finalized)
	}
}

func TestUnknownBrokerOrderImported(t *testing.T) {
	r, store, paper, notifier := newTestReconciler(t)
	ctx := context.Background()

	paper.InjectOrder(broker.Order{ID: "manual-1", Symbol: "NIFTY26SEP24000PE", Side: broker.Buy, Quantity: 50, Status: broker.PaperStatusComplete, AvgPrice: 40})

	if err := r.ReconcileOnce(ctx); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetOrder(ctx, "manual-1")
	if err != nil {
		t.Fatal("expected the manual order to be imported")
	}
	if got.Status != order.StatusExecuted || got.Price != 40 {
		t.Fatalf("imported as %s @ %.2f", got.Status, got.Price)
	}
	if notifier.count(broker.AlertWarning) == 0 {
		t.Fatal("expected an import warning")
	}
}

func TestPriceMismatchSyncedToBrokerFill(t *testing.T) {
	r, store, paper, _ := newTestReconciler(t)
	ctx := context.Background()

	paper.InjectOrder(broker.Order{ID: "ord-2", Symbol: "NIFTY26SEP24500CE", Side: broker.Sell, Quantity: 50, Status: broker.PaperStatusComplete, AvgPrice: 119.5})
	store.SaveOrder(ctx, order.Record{OrderID: "ord-2", Symbol: "NIFTY26SEP24500CE", Side: broker.Sell, Quantity: 50, Status: order.StatusExecuted, Price: 121})

	if err := r.ReconcileOnce(ctx); err != nil {
		t.Fatal(err)
	}

	got, _ := store.GetOrder(ctx, "ord-2")
	if got.Price != 119.5 {
		t.Fatalf("price = %.2f, want broker fill 119.50", got.Price)
	}
}

func TestConvergence(t *testing.T) {
	r, store, paper, _ := newTestReconciler(t)
	ctx := context.Background()

	paper.SetQuote("NIFTY26SEP24500CE", 120)
	id, _ := paper.PlaceOrder(ctx, broker.OrderSpec{Symbol: "NIFTY26SEP24500CE", Side: broker.Sell, Quantity: 50})
	store.SaveOrder(ctx, order.Record{OrderID: id, Symbol: "NIFTY26SEP24500CE", Side: broker.Sell, Quantity: 50, Status: order.StatusPlaced})

	if err := r.ReconcileOnce(ctx); err != nil {
		t.Fatal(err)
	}
	first := r.Stats().Discrepancies
	if first == 0 {
		t.Fatal("first pass should find the mismatch")
	}

	// With no further external changes, the second pass finds nothing new.
	if err := r.ReconcileOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if r.Stats().Discrepancies != first {
		t.Fatalf("second pass added discrepancies: %d -> %d", first, r.Stats().Discrepancies)
	}
}

func TestHistoryBounded(t *testing.T) {
	store := order.NewMemoryStore()
	paper := broker.NewPaperBroker()
	r := New(store, paper, &recordingNotifier{}, nil, Config{HistorySize: 5})
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		store.SaveOrder(ctx, order.Record{
			OrderID: fmt.Sprintf("ghost-%d", i), Symbol: "X", Side: broker.Buy, Quantity: 1, Status: order.StatusPlaced,
		})
	}
	if err := r.ReconcileOnce(ctx); err != nil {
		t.Fatal(err)
	}

	stats := r.Stats()
	if len(stats.Recent) != 5 {
		t.Fatalf("recent history = %d entries, want 5", len(stats.Recent))
	}
	if stats.Alerted != 8 {
		t.Fatalf("alerted = %d, want 8", stats.Alerted)
	}
}
