// Package order defines the internal order ledger shared by the execution
// path and the reconciler.
package order

import (
	"context"
	"errors"
	"time"

	"optra/broker"
)

// Status is the internal order state. It is mutated only by the broker
// response at placement time or by the reconciler afterwards.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPlaced    Status = "PLACED"
	StatusExecuted  Status = "EXECUTED"
	StatusRejected  Status = "REJECTED"
	StatusCancelled Status = "CANCELLED"
	StatusFailed    Status = "FAILED"
)

// Active reports whether the order still participates in reconciliation.
// Executed orders stay active: their execution price is still checked against
// the broker every pass.
func (s Status) Active() bool {
	switch s {
	case StatusPending, StatusPlaced, StatusExecuted:
		return true
	}
	return false
}

// Terminal reports whether the order reached a state it can never leave.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Record is one broker-facing order. Records are never deleted, only marked
// terminal.
type Record struct {
	OrderID          string      `json:"order_id"`
	Symbol           string      `json:"symbol"`
	Side             broker.Side `json:"side"`
	Quantity         int         `json:"quantity"`
	Price            float64     `json:"price"` // execution price once EXECUTED, intended price before
	Status           Status      `json:"status"`
	LinkedPositionID string      `json:"linked_position_id,omitempty"`
	RetryCount       int         `json:"retry_count,omitempty"`
	RejectionReason  string      `json:"rejection_reason,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// StatusMeta carries optional fields applied together with a status change.
type StatusMeta struct {
	Price  float64 // >0 overwrites the recorded execution price
	Reason string  // rejection/failure reason text
}

// ErrNotFound marks a lookup for an order id the store has never seen.
var ErrNotFound = errors.New("order not found")

// Store is the persistence surface the engine and reconciler consume.
type Store interface {
	SaveOrder(ctx context.Context, rec Record) error
	GetOrder(ctx context.Context, orderID string) (Record, error)
	GetActiveOrders(ctx context.Context) ([]Record, error)
	UpdateOrderStatus(ctx context.Context, orderID string, status Status, meta *StatusMeta) error
	// ImportBrokerOrder registers an order first seen on the broker side,
	// i.e. one placed outside the tracked path. Importing an id the store
	// already holds is a no-op.
	ImportBrokerOrder(ctx context.Context, rec Record) error
}
