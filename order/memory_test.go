package order

import (
	"context"
	"errors"
	"testing"

	"optra/broker"
)

func TestMemoryStoreSaveAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec := Record{OrderID: "o-1", Symbol: "NIFTY24500PE", Side: broker.Buy, Quantity: 50, Status: StatusPlaced}
	if err := store.SaveOrder(ctx, rec); err != nil {
		t.Fatalf("SaveOrder failed: %v", err)
	}

	got, err := store.GetOrder(ctx, "o-1")
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if got.Symbol != "NIFTY24500PE" || got.Status != StatusPlaced {
		t.Fatalf("unexpected record: %+v", got)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Fatal("timestamps should be stamped on save")
	}

	if _, err := store.GetOrder(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreActiveOrdersExcludeTerminal(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_ = store.SaveOrder(ctx, Record{OrderID: "a", Status: StatusPlaced})
	_ = store.SaveOrder(ctx, Record{OrderID: "b", Status: StatusExecuted})
	_ = store.SaveOrder(ctx, Record{OrderID: "c", Status: StatusRejected})
	_ = store.SaveOrder(ctx, Record{OrderID: "d", Status: StatusCancelled})

	active, err := store.GetActiveOrders(ctx)
	if err != nil {
		t.Fatalf("GetActiveOrders failed: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active orders, got %d", len(active))
	}
	if active[0].OrderID != "a" || active[1].OrderID != "b" {
		t.Fatalf("active orders out of order: %+v", active)
	}
}

func TestMemoryStoreUpdateStatusWithMeta(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_ = store.SaveOrder(ctx, Record{OrderID: "o-1", Status: StatusPlaced, Price: 100})

	err := store.UpdateOrderStatus(ctx, "o-1", StatusExecuted, &StatusMeta{Price: 101.5})
	if err != nil {
		t.Fatalf("UpdateOrderStatus failed: %v", err)
	}

	got, _ := store.GetOrder(ctx, "o-1")
	if got.Status != StatusExecuted || got.Price != 101.5 {
		t.Fatalf("meta not applied: %+v", got)
	}

	err = store.UpdateOrderStatus(ctx, "o-1", StatusFailed, &StatusMeta{Reason: "unknown rejection"})
	if err != nil {
		t.Fatalf("UpdateOrderStatus failed: %v", err)
	}
	got, _ = store.GetOrder(ctx, "o-1")
	if got.RejectionReason != "unknown rejection" {
		t.Fatalf("reason not applied: %+v", got)
	}
	if got.Price != 101.5 {
		t.Fatal("zero meta price must not clobber the recorded price")
	}

	if err := store.UpdateOrderStatus(ctx, "nope", StatusFailed, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreImportIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_ = store.ImportBrokerOrder(ctx, Record{OrderID: "ext-1", Status: StatusExecuted, Price: 55})
	// Second import with different data must not clobber the first.
	_ = store.ImportBrokerOrder(ctx, Record{OrderID: "ext-1", Status: StatusRejected, Price: 0})

	got, err := store.GetOrder(ctx, "ext-1")
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if got.Status != StatusExecuted || got.Price != 55 {
		t.Fatalf("import clobbered existing record: %+v", got)
	}
}

func TestStatusPredicates(t *testing.T) {
	active := []Status{StatusPending, StatusPlaced, StatusExecuted}
	for _, s := range active {
		if !s.Active() {
			t.Errorf("%s should be active", s)
		}
	}
	terminal := []Status{StatusRejected, StatusCancelled, StatusFailed}
	for _, s := range terminal {
		if s.Active() {
			t.Errorf("%s should not be active", s)
		}
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	if StatusExecuted.Terminal() {
		t.Error("EXECUTED still participates in reconciliation and is not terminal")
	}
}
