// Package engine wires the risk ledger, hedge selector, execution gate,
// monitor and reconciler into the signal-to-position pipeline.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"optra/broker"
	"optra/config"
	"optra/featureflag"
	"optra/gate"
	"optra/hedge"
	"optra/monitor"
	"optra/order"
	"optra/position"
	"optra/reconcile"
	"optra/risk"
)

// Pipeline rejection errors. Callers distinguish these from transport
// failures: a pipeline rejection is a clean "no", not a retry candidate.
var (
	ErrMarketClosed     = errors.New("market is closed")
	ErrTradingPaused    = errors.New("trading paused by circuit breaker")
	ErrAdmissionBlocked = errors.New("signal blocked by risk limits")
	ErrSlippageReject   = errors.New("signal rejected by slippage gate")
)

// Signal is one actionable trade idea: sell (or buy) a single option leg,
// hedged on the same expiry. Symbols are derived from Underlying and strike.
type Signal struct {
	Type       string            `json:"type"`
	Underlying string            `json:"underlying"` // e.g. "NIFTY26SEP"
	Strike     float64           `json:"strike"`
	OptionType broker.OptionType `json:"option_type"`
	Side       broker.Side       `json:"side"`
	Expiry     string            `json:"expiry"`
	Lots       int               `json:"lots"`
	LotSize    int               `json:"lot_size"`
	Price      float64           `json:"price"` // premium the signal was generated at
	ReceivedAt time.Time         `json:"received_at"`
}

// Result reports what the pipeline did with a signal.
type Result struct {
	PositionID   string          `json:"position_id"`
	Admission    risk.Admission  `json:"admission"`
	Gate         gate.Check      `json:"gate"`
	Hedge        hedge.Selection `json:"hedge"`
	MainOrderID  string          `json:"main_order_id"`
	HedgeOrderID string          `json:"hedge_order_id"`
	Quantity     int             `json:"quantity"`
}

// Deps are the external surfaces the engine runs against. In paper mode all
// of them are satisfied by the in-memory fakes.
type Deps struct {
	Client     broker.Client
	MarketData broker.MarketData
	Store      order.Store
	Notifier   broker.Notifier
	Flags      *featureflag.RuntimeFlags
}

// Engine is the composition root: it owns the pipeline and the two
// background loops.
type Engine struct {
	cfg      *config.Config
	flags    *featureflag.RuntimeFlags
	client   broker.Client
	md       broker.MarketData
	store    order.Store
	notifier broker.Notifier
	loc      *time.Location

	ledger     *risk.Ledger
	selector   *hedge.Selector
	gate       *gate.Gate
	stopLoss   *position.StopLossEngine
	reconciler *reconcile.Reconciler
	monitor    *monitor.Monitor

	nowFn func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles an engine from config and dependencies.
func New(cfg *config.Config, deps Deps) (*Engine, error) {
	if deps.Client == nil || deps.MarketData == nil || deps.Store == nil {
		return nil, fmt.Errorf("engine requires a broker client, market data and an order store")
	}
	if deps.Notifier == nil {
		deps.Notifier = broker.LogNotifier{}
	}
	if deps.Flags == nil {
		deps.Flags = featureflag.NewRuntimeFlags(featureflag.DefaultState())
	}

	loc := cfg.Location()
	stopLoss, err := position.NewStopLossEngine(cfg.StopLoss.Schedule(cfg.Timezone))
	if err != nil {
		return nil, fmt.Errorf("stop loss schedule: %w", err)
	}

	e := &Engine{
		cfg:      cfg,
		flags:    deps.Flags,
		client:   deps.Client,
		md:       deps.MarketData,
		store:    deps.Store,
		notifier: deps.Notifier,
		loc:      loc,
		stopLoss: stopLoss,
		nowFn:    time.Now,
	}
	e.ledger = risk.NewLedger(cfg.Risk.Limits(), deps.Flags, loc)
	e.selector = hedge.NewSelector(deps.MarketData, deps.Notifier, cfg.Hedge.Selector())
	e.gate = gate.New(cfg.Gate.Gate(), deps.Flags)
	e.reconciler = reconcile.New(deps.Store, deps.Client, deps.Notifier, deps.Flags,
		reconcile.Config{Interval: cfg.ReconcileInterval()})
	e.reconciler.BindPositions(e.ledger, e.finalizeExit)
	e.monitor = monitor.New(e.ledger, deps.MarketData, stopLoss, deps.Notifier, e.executeExit, cfg.MonitorInterval())
	return e, nil
}

// SetNowFn overrides the time provider on the engine and both loops.
func (e *Engine) SetNowFn(fn func() time.Time) {
	if fn == nil {
		fn = time.Now
	}
	e.nowFn = fn
	e.ledger.SetNowFn(fn)
	e.monitor.SetNowFn(fn)
	e.reconciler.SetNowFn(fn)
}

// Flags exposes the runtime flag set for the admin API.
func (e *Engine) Flags() *featureflag.RuntimeFlags { return e.flags }

// Ledger exposes the risk ledger for the admin API.
func (e *Engine) Ledger() *risk.Ledger { return e.ledger }

// Gate exposes the execution gate for status reporting.
func (e *Engine) Gate() *gate.Gate { return e.gate }

// GetRiskStatus returns the live risk snapshot and the limits in force.
func (e *Engine) GetRiskStatus() (risk.Snapshot, risk.Limits) {
	return e.ledger.Snapshot(), e.ledger.Limits()
}

// GetReconciliationStats returns reconciler activity counters.
func (e *Engine) GetReconciliationStats() reconcile.Stats {
	return e.reconciler.Stats()
}

// Reconciler exposes the reconciler, mainly for manual pass triggers.
func (e *Engine) Reconciler() *reconcile.Reconciler { return e.reconciler }

func optionSymbol(underlying string, strike float64, t broker.OptionType) string {
	suffix := "CE"
	if t == broker.Put {
		suffix = "PE"
	}
	return fmt.Sprintf("%s%d%s", underlying, int(strike), suffix)
}

func (s Signal) validate() error {
	switch {
	case s.Underlying == "":
		return fmt.Errorf("signal underlying is empty")
	case s.Strike <= 0:
		return fmt.Errorf("signal strike %.2f is not positive", s.Strike)
	case s.OptionType != broker.Call && s.OptionType != broker.Put:
		return fmt.Errorf("signal option type %q is invalid", s.OptionType)
	case s.Side != broker.Buy && s.Side != broker.Sell:
		return fmt.Errorf("signal side %q is invalid", s.Side)
	case s.Expiry == "":
		return fmt.Errorf("signal expiry is empty")
	case s.Lots <= 0 || s.LotSize <= 0:
		return fmt.Errorf("signal lots %d x lot size %d is invalid", s.Lots, s.LotSize)
	case s.Price <= 0:
		return fmt.Errorf("signal price %.2f is not positive", s.Price)
	}
	return nil
}

// ProcessSignal runs the full pipeline for one signal: session and breaker
// guards, risk admission, hedge selection, the slippage gate, order
// placement and ledger registration.
func (e *Engine) ProcessSignal(ctx context.Context, sig Signal) (*Result, error) {
	if err := sig.validate(); err != nil {
		return nil, err
	}
	now := e.nowFn()
	if !e.cfg.TradingHours.Within(now, e.loc) {
		return nil, ErrMarketClosed
	}
	if e.gate.ShouldPauseTrading() {
		return nil, ErrTradingPaused
	}

	qty := sig.Lots * sig.LotSize

	// Conservative pre-check with no hedge credit. The candidate can only
	// look better once the hedge premium is known.
	admission := e.ledger.AdmitNew(sig.Type, qty, sig.Price, 0, 0)
	if !admission.Allowed() {
		return nil, fmt.Errorf("%w: %s", ErrAdmissionBlocked, admission.Reason)
	}

	mainSymbol := optionSymbol(sig.Underlying, sig.Strike, sig.OptionType)
	current, err := e.md.GetOptionPrice(ctx, sig.Strike, sig.OptionType, sig.Expiry)
	if err != nil {
		return nil, fmt.Errorf("live premium for %s: %w", mainSymbol, err)
	}
	if !sig.ReceivedAt.IsZero() {
		e.gate.TrackLatency(sig.ReceivedAt, e.nowFn())
	}

	check := e.gate.CheckSlippage(sig.Price, current, sig.Side)
	switch check.Outcome {
	case gate.OutcomeReject:
		return nil, fmt.Errorf("%w: %s", ErrSlippageReject, check.Reason)
	case gate.OutcomePartial:
		reduced := int(float64(qty) * check.SuggestedFraction)
		reduced -= reduced % sig.LotSize
		if reduced <= 0 {
			return nil, fmt.Errorf("%w: partial fraction leaves no quantity", ErrSlippageReject)
		}
		qty = reduced
	}
	entryPrice := current

	mode := hedge.Mode(e.cfg.Hedge.Mode)
	target := e.cfg.Hedge.PremiumPct
	if mode == hedge.ModeOffset {
		target = e.cfg.Hedge.OffsetPoints
	}
	sel, err := e.selector.Select(ctx, sig.Strike, sig.OptionType, sig.Expiry, entryPrice, mode, target)
	if err != nil {
		return nil, fmt.Errorf("hedge selection: %w", err)
	}
	hedgePrice := sel.Price
	if hedgePrice == 0 {
		hedgePrice, err = e.md.GetOptionPrice(ctx, sel.Strike, sig.OptionType, sig.Expiry)
		if err != nil {
			return nil, fmt.Errorf("hedge premium: %w", err)
		}
	}

	// Final admission with the real hedge credit.
	admission = e.ledger.AdmitNew(sig.Type, qty, entryPrice, qty, hedgePrice)
	if !admission.Allowed() {
		return nil, fmt.Errorf("%w: %s", ErrAdmissionBlocked, admission.Reason)
	}

	positionID := position.NewID()
	hedgeSide := broker.Buy
	if sig.Side == broker.Buy {
		hedgeSide = broker.Sell
	}
	hedgeSymbol := optionSymbol(sig.Underlying, sel.Strike, sig.OptionType)

	// The hedge goes in first so the account is never naked short.
	hedgeOrderID, err := e.placeLeg(ctx, broker.OrderSpec{
		Symbol: hedgeSymbol, Side: hedgeSide, Quantity: qty, Price: hedgePrice, Tag: positionID,
	}, positionID)
	if err != nil {
		return nil, fmt.Errorf("place hedge leg: %w", err)
	}
	mainOrderID, err := e.placeLeg(ctx, broker.OrderSpec{
		Symbol: mainSymbol, Side: sig.Side, Quantity: qty, Price: entryPrice, Tag: positionID,
	}, positionID)
	if err != nil {
		e.unwindHedge(ctx, hedgeOrderID, positionID)
		return nil, fmt.Errorf("place main leg: %w", err)
	}

	p := &position.Position{
		ID:         positionID,
		SignalType: sig.Type,
		Expiry:     sig.Expiry,
		Lots:       qty / sig.LotSize,
		MainLeg: position.Leg{
			Symbol: mainSymbol, Strike: sig.Strike, OptionType: sig.OptionType,
			Side: sig.Side, EntryPrice: entryPrice, Quantity: qty,
		},
		HedgeLeg: &position.Leg{
			Symbol: hedgeSymbol, Strike: sel.Strike, OptionType: sig.OptionType,
			Side: hedgeSide, EntryPrice: hedgePrice, Quantity: qty,
		},
		Status:    position.StatusOpen,
		EntryTime: now,
	}
	p.NetExposure = position.NetExposureOf(qty, entryPrice, qty, hedgePrice)
	p.MaxProfit = p.NetExposure
	p.StopLoss = e.stopLoss.InitialState(p.Lots)

	if err := e.ledger.Record(p); err != nil {
		// Orders are live but the ledger refused the position. This should
		// not happen after a clean admission; it needs eyes immediately.
		e.notifier.SendAlert(broker.AlertCritical, "Untracked live position",
			fmt.Sprintf("orders %s/%s placed but ledger rejected position: %v", mainOrderID, hedgeOrderID, err), nil)
		return nil, fmt.Errorf("record position: %w", err)
	}

	log.Printf("[ENGINE] position %s opened: %s %s x%d @ %.2f, hedge %s @ %.2f",
		positionID, sig.Side, mainSymbol, qty, entryPrice, hedgeSymbol, hedgePrice)
	return &Result{
		PositionID:   positionID,
		Admission:    admission,
		Gate:         check,
		Hedge:        sel,
		MainOrderID:  mainOrderID,
		HedgeOrderID: hedgeOrderID,
		Quantity:     qty,
	}, nil
}

func (e *Engine) placeLeg(ctx context.Context, spec broker.OrderSpec, positionID string) (string, error) {
	id, err := e.client.PlaceOrder(ctx, spec)
	if err != nil {
		return "", err
	}
	rec := order.Record{
		OrderID:          id,
		Symbol:           spec.Symbol,
		Side:             spec.Side,
		Quantity:         spec.Quantity,
		Price:            spec.Price,
		Status:           order.StatusPlaced,
		LinkedPositionID: positionID,
	}
	if err := e.store.SaveOrder(ctx, rec); err != nil {
		return "", fmt.Errorf("save order %s: %w", id, err)
	}
	return id, nil
}

// unwindHedge backs out a hedge whose main leg could not be placed. Cancel
// covers the resting case; a filled hedge is sold back at market.
func (e *Engine) unwindHedge(ctx context.Context, hedgeOrderID, positionID string) {
	if err := e.client.CancelOrder(ctx, hedgeOrderID); err == nil {
		_ = e.store.UpdateOrderStatus(ctx, hedgeOrderID, order.StatusCancelled, nil)
		return
	}
	rec, err := e.store.GetOrder(ctx, hedgeOrderID)
	if err != nil {
		e.notifier.SendAlert(broker.AlertCritical, "Hedge unwind failed",
			fmt.Sprintf("hedge order %s is live with no main leg", hedgeOrderID), nil)
		return
	}
	reverse := broker.Sell
	if rec.Side == broker.Sell {
		reverse = broker.Buy
	}
	if _, err := e.placeLeg(ctx, broker.OrderSpec{
		Symbol: rec.Symbol, Side: reverse, Quantity: rec.Quantity, Tag: positionID,
	}, positionID); err != nil {
		e.notifier.SendAlert(broker.AlertCritical, "Hedge unwind failed",
			fmt.Sprintf("hedge order %s could not be reversed: %v", hedgeOrderID, err), nil)
	}
}

// RequestExit closes a position on demand, e.g. from the admin API. It is a
// no-op when an exit is already in flight.
func (e *Engine) RequestExit(ctx context.Context, positionID, reason string) error {
	if _, ok := e.ledger.Get(positionID); !ok {
		return fmt.Errorf("position %s not tracked", positionID)
	}
	already := false
	e.ledger.MutatePosition(positionID, func(p *position.Position) {
		already = p.ExitPending
		p.ExitPending = true
	})
	if already {
		return nil
	}
	e.executeExit(ctx, positionID, reason)
	return nil
}

// executeExit places the closing orders for both legs, confirms the fills at
// the broker and archives the position. Callers must have set ExitPending
// first. Each leg's closing order id is recorded on the position the moment
// the broker accepts it, so a retry after a partial failure resumes from the
// leg that failed instead of re-placing one that already filled.
func (e *Engine) executeExit(ctx context.Context, positionID, reason string) {
	p, ok := e.ledger.Get(positionID)
	if !ok {
		return
	}
	e.ledger.MutatePosition(positionID, func(pp *position.Position) {
		if pp.ExitReason == "" {
			pp.ExitReason = reason
		}
	})

	if p.MainLeg.ExitOrderID == "" {
		id, err := e.placeClosingLeg(ctx, p.MainLeg, positionID)
		if err != nil {
			e.abortExit(positionID, p.MainLeg.Symbol, err)
			return
		}
		p.MainLeg.ExitOrderID = id
		e.ledger.MutatePosition(positionID, func(pp *position.Position) {
			pp.MainLeg.ExitOrderID = id
		})
	}
	if p.HedgeLeg != nil && p.HedgeLeg.ExitOrderID == "" {
		id, err := e.placeClosingLeg(ctx, *p.HedgeLeg, positionID)
		if err != nil {
			e.abortExit(positionID, p.HedgeLeg.Symbol, err)
			return
		}
		p.HedgeLeg.ExitOrderID = id
		e.ledger.MutatePosition(positionID, func(pp *position.Position) {
			pp.HedgeLeg.ExitOrderID = id
		})
	}

	filled, err := e.exitOrdersFilled(ctx, p)
	if err != nil || !filled {
		// The closing orders are live but the broker has not confirmed the
		// fills. The position stays ExitPending; the reconciler archives it
		// once the broker agrees.
		log.Printf("[ENGINE] position %s exit placed, awaiting fill confirmation", positionID)
		return
	}
	e.finalizeExit(positionID)
}

func (e *Engine) placeClosingLeg(ctx context.Context, leg position.Leg, positionID string) (string, error) {
	reverse := broker.Sell
	if leg.Side == broker.Sell {
		reverse = broker.Buy
	}
	return e.placeLeg(ctx, broker.OrderSpec{
		Symbol: leg.Symbol, Side: reverse, Quantity: leg.Quantity, Tag: positionID,
	}, positionID)
}

// abortExit clears the exit-pending flag so a later pass retries the exit.
// Legs that already have a closing order keep it and are not re-placed.
func (e *Engine) abortExit(positionID, symbol string, err error) {
	e.ledger.MutatePosition(positionID, func(pp *position.Position) {
		pp.ExitPending = false
	})
	e.notifier.SendAlert(broker.AlertCritical, "Exit placement failed",
		fmt.Sprintf("position %s leg %s: %v", positionID, symbol, err), nil)
}

// exitOrdersFilled reports whether every closing order of the position shows
// as filled on the broker side.
func (e *Engine) exitOrdersFilled(ctx context.Context, p position.Position) (bool, error) {
	brokerOrders, err := e.client.GetOrders(ctx)
	if err != nil {
		return false, err
	}
	byID := make(map[string]broker.Order, len(brokerOrders))
	for _, bo := range brokerOrders {
		byID[bo.ID] = bo
	}
	ids := []string{p.MainLeg.ExitOrderID}
	if p.HedgeLeg != nil {
		ids = append(ids, p.HedgeLeg.ExitOrderID)
	}
	for _, id := range ids {
		bo, ok := byID[id]
		if !ok || reconcile.MapBrokerStatus(bo.Status) != order.StatusExecuted {
			return false, nil
		}
	}
	return true, nil
}

// finalizeExit archives a position whose closing fills are confirmed. The
// reconciler calls this for exits it confirms on a later pass.
func (e *Engine) finalizeExit(positionID string) {
	p, ok := e.ledger.Get(positionID)
	if !ok {
		return
	}
	finalPnL := p.LastPnL.Value
	e.ledger.RemovePosition(positionID, finalPnL)
	log.Printf("[ENGINE] position %s closed (%s), realized %.2f", positionID, p.ExitReason, finalPnL)
	e.notifier.SendAlert(broker.AlertInfo, "Position closed",
		fmt.Sprintf("position %s closed: %s, realized %.2f", positionID, p.ExitReason, finalPnL), nil)
}

// Start launches the monitor and reconciler loops. It is idempotent.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.monitor.Run(runCtx)
	}()
	go func() {
		defer e.wg.Done()
		e.reconciler.Run(runCtx)
	}()
	log.Printf("[ENGINE] started: monitor every %v, reconcile every %v",
		e.cfg.MonitorInterval(), e.cfg.ReconcileInterval())
}

// Stop halts the background loops and waits for them to drain.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	e.wg.Wait()
	log.Printf("[ENGINE] stopped")
}
