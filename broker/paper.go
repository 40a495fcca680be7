package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Broker-side status vocabulary used by the paper broker. Real adapters speak
// whatever their venue speaks; the reconciler owns the mapping either way.
const (
	PaperStatusOpen      = "open"
	PaperStatusComplete  = "complete"
	PaperStatusRejected  = "rejected"
	PaperStatusCancelled = "cancelled"
)

// PaperBroker is an in-memory Client + MarketData used for dry runs and
// tests. Quotes and option premiums are seeded by the caller; market orders
// fill immediately at the current quote.
type PaperBroker struct {
	mu           sync.RWMutex
	orders       map[string]*Order
	orderSeq     []string
	quotes       map[string]float64
	optionQuotes map[string]float64

	rejectNext   string // when set, the next PlaceOrder is rejected with this reason
	failNext     error  // when set, the next call returns this error
	nowFn        func() time.Time
}

// NewPaperBroker returns an empty paper broker.
func NewPaperBroker() *PaperBroker {
	return &PaperBroker{
		orders:       make(map[string]*Order),
		quotes:       make(map[string]float64),
		optionQuotes: make(map[string]float64),
		nowFn:        time.Now,
	}
}

// SetNowFn overrides the time provider (useful for tests).
func (b *PaperBroker) SetNowFn(fn func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if fn == nil {
		fn = time.Now
	}
	b.nowFn = fn
}

// SetQuote seeds the live price for a symbol.
func (b *PaperBroker) SetQuote(symbol string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quotes[symbol] = price
}

// OptionKey builds the lookup key for an option premium.
func OptionKey(strike float64, optType OptionType, expiry string) string {
	return fmt.Sprintf("%.2f:%s:%s", strike, optType, expiry)
}

// SetOptionPrice seeds the live premium for an option contract.
func (b *PaperBroker) SetOptionPrice(strike float64, optType OptionType, expiry string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.optionQuotes[OptionKey(strike, optType, expiry)] = price
}

// RejectNextOrder makes the next PlaceOrder come back rejected with the given
// broker reason text.
func (b *PaperBroker) RejectNextOrder(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejectNext = reason
}

// FailNextCall makes the next broker call return err, simulating a transport
// failure or timeout.
func (b *PaperBroker) FailNextCall(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext = err
}

func (b *PaperBroker) takeFailure() error {
	if b.failNext == nil {
		return nil
	}
	err := b.failNext
	b.failNext = nil
	return err
}

// PlaceOrder fills the order immediately at the current quote. An order for a
// symbol with no seeded quote is rejected the way a venue rejects an unknown
// instrument.
func (b *PaperBroker) PlaceOrder(ctx context.Context, spec OrderSpec) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.takeFailure(); err != nil {
		return "", err
	}

	id := uuid.NewString()
	ord := &Order{
		ID:       id,
		Symbol:   spec.Symbol,
		Side:     spec.Side,
		Quantity: spec.Quantity,
		PlacedAt: b.nowFn(),
	}

	if b.rejectNext != "" {
		ord.Status = PaperStatusRejected
		ord.Reason = b.rejectNext
		b.rejectNext = ""
		b.orders[id] = ord
		b.orderSeq = append(b.orderSeq, id)
		return id, nil
	}

	price, ok := b.quotes[spec.Symbol]
	if !ok {
		ord.Status = PaperStatusRejected
		ord.Reason = fmt.Sprintf("no tradable quote for %s", spec.Symbol)
		b.orders[id] = ord
		b.orderSeq = append(b.orderSeq, id)
		return id, nil
	}
	if spec.Price > 0 {
		price = spec.Price
	}

	ord.Status = PaperStatusComplete
	ord.AvgPrice = price
	b.orders[id] = ord
	b.orderSeq = append(b.orderSeq, id)
	return id, nil
}

// CancelOrder marks an open order cancelled. Completed orders cannot be
// cancelled.
func (b *PaperBroker) CancelOrder(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.takeFailure(); err != nil {
		return err
	}

	ord, ok := b.orders[orderID]
	if !ok {
		return fmt.Errorf("cancel: unknown order %s", orderID)
	}
	if ord.Status == PaperStatusComplete {
		return fmt.Errorf("cancel: order %s already complete", orderID)
	}
	ord.Status = PaperStatusCancelled
	return nil
}

// GetOrders returns a snapshot of every order in placement sequence.
func (b *PaperBroker) GetOrders(ctx context.Context) ([]Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.takeFailure(); err != nil {
		return nil, err
	}

	out := make([]Order, 0, len(b.orderSeq))
	for _, id := range b.orderSeq {
		out = append(out, *b.orders[id])
	}
	return out, nil
}

// GetPositions derives positions from completed orders, netting buys against
// sells per symbol.
func (b *PaperBroker) GetPositions(ctx context.Context) ([]Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	net := make(map[string]*Position)
	order := make([]string, 0)
	for _, id := range b.orderSeq {
		ord := b.orders[id]
		if ord.Status != PaperStatusComplete {
			continue
		}
		pos, ok := net[ord.Symbol]
		if !ok {
			pos = &Position{Symbol: ord.Symbol}
			net[ord.Symbol] = pos
			order = append(order, ord.Symbol)
		}
		qty := ord.Quantity
		if ord.Side == Sell {
			qty = -qty
		}
		pos.Quantity += qty
		pos.AvgPrice = ord.AvgPrice
	}

	out := make([]Position, 0, len(order))
	for _, symbol := range order {
		pos := net[symbol]
		if pos.Quantity != 0 {
			out = append(out, *pos)
		}
	}
	return out, nil
}

// GetQuote returns the seeded price for a symbol.
func (b *PaperBroker) GetQuote(ctx context.Context, symbol string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.takeFailure(); err != nil {
		return 0, err
	}
	price, ok := b.quotes[symbol]
	if !ok {
		return 0, fmt.Errorf("no quote for %s", symbol)
	}
	return price, nil
}

// GetOptionPrice returns the seeded premium for an option contract. A missing
// contract yields a zero price and no error, matching venues that quote ghost
// strikes as zero.
func (b *PaperBroker) GetOptionPrice(ctx context.Context, strike float64, optType OptionType, expiry string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.takeFailure(); err != nil {
		return 0, err
	}
	return b.optionQuotes[OptionKey(strike, optType, expiry)], nil
}

// SetOrderStatus force-sets a broker-side status, letting tests manufacture
// drift between the internal ledger and the venue.
func (b *PaperBroker) SetOrderStatus(orderID, status string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ord, ok := b.orders[orderID]; ok {
		ord.Status = status
	}
}

// InjectOrder adds an order that was never placed through this client,
// simulating manual trades done outside the tracked path.
func (b *PaperBroker) InjectOrder(ord Order) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ord.ID == "" {
		ord.ID = uuid.NewString()
	}
	if ord.PlacedAt.IsZero() {
		ord.PlacedAt = b.nowFn()
	}
	copied := ord
	b.orders[ord.ID] = &copied
	b.orderSeq = append(b.orderSeq, ord.ID)
}
