// Package reconcile keeps the internal order ledger consistent with the
// broker's view of the world.
package reconcile

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"optra/broker"
	"optra/featureflag"
	"optra/metrics"
	"optra/order"
	"optra/position"
)

// Discrepancy types surfaced by a reconciliation pass.
const (
	DiscMissingAtBroker  = "MISSING_AT_BROKER"
	DiscStatusMismatch   = "STATUS_MISMATCH"
	DiscStatusConflict   = "EXEC_REJECT_CONFLICT"
	DiscPriceMismatch    = "PRICE_MISMATCH"
	DiscUnknownOrder     = "UNKNOWN_BROKER_ORDER"
	DiscPositionMismatch = "POSITION_MISMATCH"
)

// Resolutions applied to a discrepancy.
const (
	ResolutionSynced   = "SYNCED"
	ResolutionAlerted  = "ALERTED"
	ResolutionImported = "IMPORTED"
)

// Discrepancy records one divergence between the internal ledger and the
// broker, and what was done about it.
type Discrepancy struct {
	OrderID    string    `json:"order_id"`
	Type       string    `json:"type"`
	Internal   string    `json:"internal,omitempty"`
	Broker     string    `json:"broker,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Resolution string    `json:"resolution"`
	At         time.Time `json:"at"`
}

// Stats summarizes reconciler activity since start.
type Stats struct {
	Passes        int           `json:"passes"`
	LastPass      time.Time     `json:"last_pass"`
	Discrepancies int           `json:"discrepancies"`
	Synced        int           `json:"synced"`
	Alerted       int           `json:"alerted"`
	Imported      int           `json:"imported"`
	Recent        []Discrepancy `json:"recent"`
}

// Config holds reconciler tuning. Zero values get sane defaults.
type Config struct {
	Interval         time.Duration // pass cadence for Run
	PriceTolerance   float64       // absolute price delta treated as equal
	HistorySize      int           // bounded discrepancy history length
	MaxRetryAttempts int           // replacement attempts before escalation
	PriceBufferPct   float64       // buffer applied to the fresh quote on retry
}

// Reconciler diffs the internal order store against the broker every pass and
// converges the two, alerting where automatic convergence is unsafe.
type Reconciler struct {
	store    order.Store
	client   broker.Client
	notifier broker.Notifier
	flags    *featureflag.RuntimeFlags
	cfg      Config
	nowFn    func() time.Time

	book     PositionBook
	finalize func(positionID string)

	mu       sync.Mutex
	history  []Discrepancy
	passes   int
	lastPass time.Time
	synced   int
	alerted  int
	imported int
}

// New constructs a reconciler. A nil notifier falls back to the process log.
func New(store order.Store, client broker.Client, notifier broker.Notifier, flags *featureflag.RuntimeFlags, cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.PriceTolerance <= 0 {
		cfg.PriceTolerance = 0.05
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = 3
	}
	if cfg.PriceBufferPct <= 0 {
		cfg.PriceBufferPct = 0.5
	}
	if notifier == nil {
		notifier = broker.LogNotifier{}
	}
	return &Reconciler{
		store:    store,
		client:   client,
		notifier: notifier,
		flags:    flags,
		cfg:      cfg,
		nowFn:    time.Now,
	}
}

// PositionBook is the ledger surface the position diff reads.
type PositionBook interface {
	OpenPositions() []position.Position
}

// BindPositions attaches the position book and the exit finalizer. With a
// book bound, every pass also diffs open positions against the broker and
// archives exits whose closing fills the broker has confirmed.
func (r *Reconciler) BindPositions(book PositionBook, finalize func(positionID string)) {
	r.book = book
	r.finalize = finalize
}

// SetNowFn overrides the time provider (useful for tests).
func (r *Reconciler) SetNowFn(fn func() time.Time) {
	if fn == nil {
		fn = time.Now
	}
	r.nowFn = fn
}

// MapBrokerStatus translates a broker-side status string onto the internal
// enum. Unknown vocabulary maps to PLACED, the most conservative live state.
func MapBrokerStatus(s string) order.Status {
	switch strings.ToLower(s) {
	case broker.PaperStatusOpen, "pending", "trigger pending":
		return order.StatusPlaced
	case broker.PaperStatusComplete, "filled", "executed":
		return order.StatusExecuted
	case broker.PaperStatusRejected:
		return order.StatusRejected
	case broker.PaperStatusCancelled, "canceled":
		return order.StatusCancelled
	}
	return order.StatusPlaced
}

// Run executes reconciliation passes until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.ReconcileOnce(ctx); err != nil {
				log.Printf("[RECONCILE] pass failed: %v", err)
			}
		}
	}
}

// ReconcileOnce performs a single pass: every active internal order is checked
// against the broker and every broker order unknown to the ledger is imported.
// A pass that cannot fetch either side returns an error and changes nothing.
func (r *Reconciler) ReconcileOnce(ctx context.Context) error {
	start := r.nowFn()

	internal, err := r.store.GetActiveOrders(ctx)
	if err != nil {
		return fmt.Errorf("load active orders: %w", err)
	}
	brokerOrders, err := r.client.GetOrders(ctx)
	if err != nil {
		return fmt.Errorf("fetch broker orders: %w", err)
	}

	byID := make(map[string]broker.Order, len(brokerOrders))
	for _, bo := range brokerOrders {
		byID[bo.ID] = bo
	}
	known := make(map[string]bool, len(internal))

	for _, rec := range internal {
		known[rec.OrderID] = true
		// PENDING orders have not been sent to the broker yet, so there is
		// nothing broker-side to diff them against. An order queued for the
		// next session keeps its id; the broker's record under that id is
		// the rejected previous attempt, not this one.
		if rec.Status == order.StatusPending {
			continue
		}
		bo, ok := byID[rec.OrderID]
		if !ok {
			r.missingAtBroker(rec)
			continue
		}
		r.compare(ctx, rec, bo)
	}

	for _, bo := range brokerOrders {
		if known[bo.ID] {
			continue
		}
		// Terminal broker orders we never tracked carry no live risk.
		if MapBrokerStatus(bo.Status).Terminal() {
			continue
		}
		if _, err := r.store.GetOrder(ctx, bo.ID); err == nil {
			continue // tracked but already terminal on our side
		}
		r.importUnknown(ctx, bo)
	}

	if r.book != nil {
		if err := r.reconcilePositions(ctx, byID); err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.passes++
	r.lastPass = start
	r.mu.Unlock()

	metrics.ObserveReconcilePassLatency(r.nowFn().Sub(start))
	return nil
}

// missingAtBroker handles an active internal order the broker has no record
// of. That is never auto-corrected: the order may exist under a different id
// or the fetch may be lagging, so an operator has to look.
func (r *Reconciler) missingAtBroker(rec order.Record) {
	d := Discrepancy{
		OrderID:    rec.OrderID,
		Type:       DiscMissingAtBroker,
		Internal:   string(rec.Status),
		Detail:     fmt.Sprintf("%s %s x%d not found at broker", rec.Side, rec.Symbol, rec.Quantity),
		Resolution: ResolutionAlerted,
		At:         r.nowFn(),
	}
	r.record(d)
	r.notifier.SendAlert(broker.AlertCritical, "Order missing at broker", d.Detail,
		map[string]any{"order_id": rec.OrderID, "status": rec.Status})
}

func (r *Reconciler) compare(ctx context.Context, rec order.Record, bo broker.Order) {
	mapped := MapBrokerStatus(bo.Status)
	if mapped == rec.Status {
		if rec.Status == order.StatusExecuted {
			r.comparePrice(ctx, rec, bo)
		}
		return
	}

	// An executed-vs-rejected split means real money may have moved on one
	// side only. Auto-syncing either direction could double an exit or drop
	// a fill, so this always stops at an alert.
	conflict := (rec.Status == order.StatusExecuted && mapped == order.StatusRejected) ||
		(rec.Status == order.StatusRejected && mapped == order.StatusExecuted)
	if conflict {
		d := Discrepancy{
			OrderID:    rec.OrderID,
			Type:       DiscStatusConflict,
			Internal:   string(rec.Status),
			Broker:     bo.Status,
			Detail:     "executed/rejected conflict requires manual resolution",
			Resolution: ResolutionAlerted,
			At:         r.nowFn(),
		}
		r.record(d)
		r.notifier.SendAlert(broker.AlertCritical, "Order status conflict",
			fmt.Sprintf("order %s: internal %s vs broker %s", rec.OrderID, rec.Status, bo.Status),
			map[string]any{"order_id": rec.OrderID})
		return
	}

	if r.flags != nil && !r.flags.AutoSyncEnabled() {
		d := Discrepancy{
			OrderID:    rec.OrderID,
			Type:       DiscStatusMismatch,
			Internal:   string(rec.Status),
			Broker:     bo.Status,
			Resolution: ResolutionAlerted,
			At:         r.nowFn(),
		}
		r.record(d)
		r.notifier.SendAlert(broker.AlertWarning, "Order status mismatch",
			fmt.Sprintf("order %s: internal %s vs broker %s (auto-sync off)", rec.OrderID, rec.Status, bo.Status), nil)
		return
	}

	// A rejection carries policy, not just a status flip: margin kills the
	// order, price rejections retry at a fresh buffered quote, market-closed
	// queues for the next session.
	if mapped == order.StatusRejected {
		if _, err := r.HandleOrderRejection(ctx, rec, bo.Reason); err != nil {
			log.Printf("[RECONCILE] rejection handling for %s failed: %v", rec.OrderID, err)
			return
		}
		r.record(Discrepancy{
			OrderID:    rec.OrderID,
			Type:       DiscStatusMismatch,
			Internal:   string(rec.Status),
			Broker:     bo.Status,
			Detail:     "rejection policy applied: " + bo.Reason,
			Resolution: ResolutionSynced,
			At:         r.nowFn(),
		})
		return
	}

	meta := &order.StatusMeta{}
	if mapped == order.StatusExecuted {
		meta.Price = bo.AvgPrice
	}
	if err := r.store.UpdateOrderStatus(ctx, rec.OrderID, mapped, meta); err != nil {
		log.Printf("[RECONCILE] sync %s -> %s failed: %v", rec.OrderID, mapped, err)
		return
	}
	d := Discrepancy{
		OrderID:    rec.OrderID,
		Type:       DiscStatusMismatch,
		Internal:   string(rec.Status),
		Broker:     bo.Status,
		Resolution: ResolutionSynced,
		At:         r.nowFn(),
	}
	r.record(d)
	log.Printf("[RECONCILE] order %s synced %s -> %s", rec.OrderID, rec.Status, mapped)
}

// comparePrice checks the recorded execution price against the broker's
// average fill price. The broker is authoritative for fills.
func (r *Reconciler) comparePrice(ctx context.Context, rec order.Record, bo broker.Order) {
	delta := rec.Price - bo.AvgPrice
	if delta < 0 {
		delta = -delta
	}
	if bo.AvgPrice <= 0 || delta <= r.cfg.PriceTolerance {
		return
	}
	if err := r.store.UpdateOrderStatus(ctx, rec.OrderID, order.StatusExecuted, &order.StatusMeta{Price: bo.AvgPrice}); err != nil {
		log.Printf("[RECONCILE] price sync %s failed: %v", rec.OrderID, err)
		return
	}
	r.record(Discrepancy{
		OrderID:    rec.OrderID,
		Type:       DiscPriceMismatch,
		Detail:     fmt.Sprintf("recorded %.2f vs broker %.2f", rec.Price, bo.AvgPrice),
		Resolution: ResolutionSynced,
		At:         r.nowFn(),
	})
}

// importUnknown registers a live broker order the ledger has never seen,
// e.g. one placed manually on the venue terminal.
func (r *Reconciler) importUnknown(ctx context.Context, bo broker.Order) {
	rec := order.Record{
		OrderID:  bo.ID,
		Symbol:   bo.Symbol,
		Side:     bo.Side,
		Quantity: bo.Quantity,
		Price:    bo.AvgPrice,
		Status:   MapBrokerStatus(bo.Status),
	}
	if err := r.store.ImportBrokerOrder(ctx, rec); err != nil {
		log.Printf("[RECONCILE] import %s failed: %v", bo.ID, err)
		return
	}
	metrics.IncOrderImports()
	r.record(Discrepancy{
		OrderID:    bo.ID,
		Type:       DiscUnknownOrder,
		Broker:     bo.Status,
		Detail:     fmt.Sprintf("%s %s x%d placed outside tracked path", bo.Side, bo.Symbol, bo.Quantity),
		Resolution: ResolutionImported,
		At:         r.nowFn(),
	})
	r.notifier.SendAlert(broker.AlertWarning, "Untracked broker order imported",
		fmt.Sprintf("order %s (%s %s x%d) was placed outside the engine", bo.ID, bo.Side, bo.Symbol, bo.Quantity), nil)
}

// reconcilePositions diffs the open positions in the ledger against the
// broker's net holdings and archives exits the broker has confirmed.
// Position drift is never auto-corrected: closing or opening legs to force
// agreement would trade on stale information, so drift stops at an alert.
func (r *Reconciler) reconcilePositions(ctx context.Context, brokerOrders map[string]broker.Order) error {
	brokerPositions, err := r.client.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("fetch broker positions: %w", err)
	}
	net := make(map[string]int, len(brokerPositions))
	for _, bp := range brokerPositions {
		net[bp.Symbol] += bp.Quantity
	}

	expected := make(map[string]int)
	for _, p := range r.book.OpenPositions() {
		if p.ExitPending {
			if r.finalize != nil && exitConfirmed(p, brokerOrders) {
				r.finalize(p.ID)
			}
			// A position mid-exit is in transit on both sides; its legs are
			// not part of the expected book until the exit settles or is
			// retried.
			continue
		}
		expected[p.MainLeg.Symbol] += signedQty(p.MainLeg)
		if p.HedgeLeg != nil {
			expected[p.HedgeLeg.Symbol] += signedQty(*p.HedgeLeg)
		}
	}

	for symbol, want := range expected {
		got := net[symbol]
		if got == want {
			continue
		}
		d := Discrepancy{
			Type:       DiscPositionMismatch,
			Internal:   fmt.Sprintf("%d", want),
			Broker:     fmt.Sprintf("%d", got),
			Detail:     fmt.Sprintf("%s: ledger net %d vs broker net %d", symbol, want, got),
			Resolution: ResolutionAlerted,
			At:         r.nowFn(),
		}
		r.record(d)
		r.notifier.SendAlert(broker.AlertCritical, "Position mismatch", d.Detail,
			map[string]any{"symbol": symbol})
	}
	return nil
}

func signedQty(l position.Leg) int {
	if l.Side == broker.Sell {
		return -l.Quantity
	}
	return l.Quantity
}

// exitConfirmed reports whether every closing order of an exiting position
// is filled on the broker side.
func exitConfirmed(p position.Position, brokerOrders map[string]broker.Order) bool {
	ids := []string{p.MainLeg.ExitOrderID}
	if p.HedgeLeg != nil {
		ids = append(ids, p.HedgeLeg.ExitOrderID)
	}
	for _, id := range ids {
		if id == "" {
			return false
		}
		bo, ok := brokerOrders[id]
		if !ok || MapBrokerStatus(bo.Status) != order.StatusExecuted {
			return false
		}
	}
	return true
}

func (r *Reconciler) record(d Discrepancy) {
	metrics.IncDiscrepancies(d.Type, d.Resolution)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, d)
	if len(r.history) > r.cfg.HistorySize {
		r.history = r.history[len(r.history)-r.cfg.HistorySize:]
	}
	switch d.Resolution {
	case ResolutionSynced:
		r.synced++
	case ResolutionImported:
		r.imported++
	default:
		r.alerted++
	}
}

// Stats returns a snapshot of reconciler activity including the bounded
// recent-discrepancy history.
func (r *Reconciler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	recent := make([]Discrepancy, len(r.history))
	copy(recent, r.history)
	return Stats{
		Passes:        r.passes,
		LastPass:      r.lastPass,
		Discrepancies: r.synced + r.alerted + r.imported,
		Synced:        r.synced,
		Alerted:       r.alerted,
		Imported:      r.imported,
		Recent:        recent,
	}
}
