package broker

import (
	"context"
	"errors"
	"time"
)

// Side is the transaction direction of an order leg.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// OptionType distinguishes the two option contract kinds.
type OptionType string

const (
	Call OptionType = "CALL"
	Put  OptionType = "PUT"
)

// OrderSpec describes an order to be placed with the broker.
type OrderSpec struct {
	Symbol   string
	Side     Side
	Quantity int
	Price    float64 // 0 means market order
	Tag      string  // opaque client tag, echoed back by some brokers
}

// Order is the broker's view of an order. Status uses the broker's own
// vocabulary; the reconciler maps it onto the internal enum. Reason carries
// the venue's free-form rejection text when the order was rejected.
type Order struct {
	ID       string
	Symbol   string
	Side     Side
	Quantity int
	Status   string
	AvgPrice float64
	Reason   string
	PlacedAt time.Time
}

// Position is the broker's view of an open position.
type Position struct {
	Symbol   string
	Quantity int
	AvgPrice float64
	PnL      float64
}

// Client is the narrow broker surface the engine consumes. Implementations
// wrap the actual wire protocol elsewhere; every call must honor the context
// deadline and fail fast on timeout.
type Client interface {
	PlaceOrder(ctx context.Context, spec OrderSpec) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrders(ctx context.Context) ([]Order, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetQuote(ctx context.Context, symbol string) (float64, error)
}

// MarketData resolves live option premiums for hedge selection and position
// monitoring.
type MarketData interface {
	GetOptionPrice(ctx context.Context, strike float64, optType OptionType, expiry string) (float64, error)
}

// ErrTimeout marks a broker call that hit its deadline. Timeouts are
// retryable failures, never crashes.
var ErrTimeout = errors.New("broker request timed out")

// IsRetryable reports whether the error is transient and the call may be
// attempted again. Context deadline errors from the transport are treated the
// same as an explicit ErrTimeout.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}
