package reconcile

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"optra/broker"
	"optra/metrics"
	"optra/order"
)

// RejectionClass buckets broker rejection reasons by how they are handled.
type RejectionClass string

const (
	// RejectMargin is terminal: the account cannot carry the position, so a
	// retry would only reject again.
	RejectMargin RejectionClass = "MARGIN"
	// RejectPrice covers price-band and circuit-limit rejections. These are
	// retried at a fresh quote with a buffer.
	RejectPrice RejectionClass = "PRICE"
	// RejectMarketClosed queues the order for the next session.
	RejectMarketClosed RejectionClass = "MARKET_CLOSED"
	// RejectUnknown fails the order and alerts; guessing is worse than
	// stopping.
	RejectUnknown RejectionClass = "UNKNOWN"
)

// ClassifyRejection maps a broker rejection reason onto a handling class by
// keyword. Broker reason strings are free-form, so matching is substring
// based and case-insensitive.
func ClassifyRejection(reason string) RejectionClass {
	upper := strings.ToUpper(reason)
	switch {
	case strings.Contains(upper, "MARGIN") || strings.Contains(upper, "INSUFFICIENT FUND"):
		return RejectMargin
	case strings.Contains(upper, "PRICE") || strings.Contains(upper, "CIRCUIT"):
		return RejectPrice
	case strings.Contains(upper, "MARKET") && strings.Contains(upper, "CLOS"):
		return RejectMarketClosed
	}
	return RejectUnknown
}

// HandleOrderRejection applies the rejection policy to a rejected order. For
// retryable price rejections it places a replacement order at a fresh quote
// with a buffer and returns the new record; for every other class the
// returned record has an empty OrderID.
func (r *Reconciler) HandleOrderRejection(ctx context.Context, rec order.Record, reason string) (order.Record, error) {
	class := ClassifyRejection(reason)
	metrics.IncOrderRejections(string(class))

	switch class {
	case RejectMargin:
		if err := r.store.UpdateOrderStatus(ctx, rec.OrderID, order.StatusFailed, &order.StatusMeta{Reason: reason}); err != nil {
			return order.Record{}, err
		}
		r.notifier.SendAlert(broker.AlertCritical, "Margin rejection",
			fmt.Sprintf("order %s (%s %s x%d) rejected: %s", rec.OrderID, rec.Side, rec.Symbol, rec.Quantity, reason),
			map[string]any{"order_id": rec.OrderID})
		return order.Record{}, nil

	case RejectMarketClosed:
		// Keep the order pending so the next session's pass picks it up.
		if err := r.store.UpdateOrderStatus(ctx, rec.OrderID, order.StatusPending, &order.StatusMeta{Reason: reason}); err != nil {
			return order.Record{}, err
		}
		r.notifier.SendAlert(broker.AlertInfo, "Order queued",
			fmt.Sprintf("order %s queued until market open: %s", rec.OrderID, reason), nil)
		return order.Record{}, nil

	case RejectPrice:
		return r.retryAtFreshPrice(ctx, rec, reason)
	}

	if err := r.store.UpdateOrderStatus(ctx, rec.OrderID, order.StatusFailed, &order.StatusMeta{Reason: reason}); err != nil {
		return order.Record{}, err
	}
	r.notifier.SendAlert(broker.AlertWarning, "Unclassified rejection",
		fmt.Sprintf("order %s rejected: %s", rec.OrderID, reason), nil)
	return order.Record{}, nil
}

// retryAtFreshPrice replaces a price-rejected order. The replacement uses the
// live quote padded by the configured buffer in the direction that makes the
// fill more likely: above the quote when buying, below when selling.
func (r *Reconciler) retryAtFreshPrice(ctx context.Context, rec order.Record, reason string) (order.Record, error) {
	if err := r.store.UpdateOrderStatus(ctx, rec.OrderID, order.StatusRejected, &order.StatusMeta{Reason: reason}); err != nil {
		return order.Record{}, err
	}

	if rec.RetryCount >= r.cfg.MaxRetryAttempts {
		if err := r.store.UpdateOrderStatus(ctx, rec.OrderID, order.StatusFailed, &order.StatusMeta{Reason: "retry budget exhausted: " + reason}); err != nil {
			return order.Record{}, err
		}
		r.notifier.SendAlert(broker.AlertCritical, "Retry budget exhausted",
			fmt.Sprintf("order %s still rejected after %d attempts: %s", rec.OrderID, rec.RetryCount, reason),
			map[string]any{"order_id": rec.OrderID})
		return order.Record{}, nil
	}

	quote, err := r.client.GetQuote(ctx, rec.Symbol)
	if err != nil {
		return order.Record{}, fmt.Errorf("fresh quote for %s: %w", rec.Symbol, err)
	}
	price := quote * (1 + r.cfg.PriceBufferPct/100)
	if rec.Side == broker.Sell {
		price = quote * (1 - r.cfg.PriceBufferPct/100)
	}

	spec := broker.OrderSpec{
		Symbol:   rec.Symbol,
		Side:     rec.Side,
		Quantity: rec.Quantity,
		Price:    price,
		Tag:      rec.LinkedPositionID,
	}

	var newID string
	place := func() error {
		id, perr := r.client.PlaceOrder(ctx, spec)
		if perr != nil {
			metrics.IncOrderRetries()
			if broker.IsRetryable(perr) {
				return perr
			}
			return backoff.Permanent(perr)
		}
		newID = id
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(newPlacementBackoff(), 2), ctx)
	if err := backoff.Retry(place, policy); err != nil {
		return order.Record{}, fmt.Errorf("replacement order for %s: %w", rec.OrderID, err)
	}

	replacement := order.Record{
		OrderID:          newID,
		Symbol:           rec.Symbol,
		Side:             rec.Side,
		Quantity:         rec.Quantity,
		Price:            price,
		Status:           order.StatusPlaced,
		LinkedPositionID: rec.LinkedPositionID,
		RetryCount:       rec.RetryCount + 1,
	}
	if err := r.store.SaveOrder(ctx, replacement); err != nil {
		return order.Record{}, fmt.Errorf("save replacement order: %w", err)
	}
	log.Printf("[RECONCILE] order %s replaced by %s at %.2f (attempt %d)",
		rec.OrderID, newID, price, replacement.RetryCount)
	return replacement, nil
}

func newPlacementBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 10 * time.Second
	return b
}
