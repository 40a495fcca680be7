package order

import (
	"context"
	"sync"
	"time"

	"optra/metrics"
)

// MemoryStore keeps order records in process memory. It is the default store
// for dry runs and the reference implementation for the Store contract.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	seq     []string
	nowFn   func() time.Time
}

// NewMemoryStore returns an empty in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		nowFn:   time.Now,
	}
}

// SetNowFn overrides the time provider (useful for tests).
func (s *MemoryStore) SetNowFn(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		fn = time.Now
	}
	s.nowFn = fn
}

// SaveOrder inserts or replaces a record under its order id.
func (s *MemoryStore) SaveOrder(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	metrics.IncPersistenceAttempts(metrics.BackendMemory)
	now := s.nowFn()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if _, exists := s.records[rec.OrderID]; !exists {
		s.seq = append(s.seq, rec.OrderID)
	}
	s.records[rec.OrderID] = rec
	return nil
}

// GetOrder returns the record for an order id.
func (s *MemoryStore) GetOrder(ctx context.Context, orderID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[orderID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// GetActiveOrders returns every non-terminal record in insertion order.
func (s *MemoryStore) GetActiveOrders(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.seq))
	for _, id := range s.seq {
		if rec := s.records[id]; rec.Status.Active() {
			out = append(out, rec)
		}
	}
	return out, nil
}

// UpdateOrderStatus mutates the status and optional metadata of a record.
func (s *MemoryStore) UpdateOrderStatus(ctx context.Context, orderID string, status Status, meta *StatusMeta) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[orderID]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	if meta != nil {
		if meta.Price > 0 {
			rec.Price = meta.Price
		}
		if meta.Reason != "" {
			rec.RejectionReason = meta.Reason
		}
	}
	rec.UpdatedAt = s.nowFn()
	s.records[orderID] = rec
	return nil
}

// ImportBrokerOrder registers an externally-placed order. Existing ids are
// left untouched so a repeated import never clobbers reconciled state.
func (s *MemoryStore) ImportBrokerOrder(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.OrderID]; exists {
		return nil
	}
	now := s.nowFn()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.records[rec.OrderID] = rec
	s.seq = append(s.seq, rec.OrderID)
	return nil
}
