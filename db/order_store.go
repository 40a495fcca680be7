// Package db provides the PostgreSQL order store with automatic migrations
// and an asynchronous audit-event trail.
package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"optra/broker"
	"optra/featureflag"
	"optra/metrics"
	"optra/order"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const (
	backendPostgres = metrics.BackendPostgres

	defaultEventQueueSize = 512
	defaultEventBatchSize = 32
	defaultFlushInterval  = 200 * time.Millisecond
	defaultMaxRetries     = 3
	defaultBackoffBase    = 150 * time.Millisecond
	defaultBackoffCap     = 3 * time.Second
	defaultDrainTimeout   = 30 * time.Second
	defaultOpDeadline     = 10 * time.Second
)

// orderEvent is one append-only audit row. Events are written behind a
// buffered queue so the execution path never waits on the history table.
type orderEvent struct {
	orderID    string
	status     order.Status
	price      float64
	reason     string
	recordedAt time.Time
}

// OrderStorePG is a PostgreSQL-backed order.Store. Order rows are written
// synchronously so reconciliation always reads its own writes; only the
// audit trail is buffered.
type OrderStorePG struct {
	pool *pgxpool.Pool

	events chan orderEvent
	wg     sync.WaitGroup

	maxRetries   int
	backoffBase  time.Duration
	backoffCap   time.Duration
	drainTimeout time.Duration

	closing   atomic.Bool
	closeOnce sync.Once
	nowFn     func() time.Time
	flags     *featureflag.RuntimeFlags
}

// NewOrderStorePG applies migrations, connects the pool and starts the audit
// worker. On failure the caller can fall back to the in-memory store.
func NewOrderStorePG(connURL string) (*OrderStorePG, error) {
	if strings.TrimSpace(connURL) == "" {
		return nil, errors.New("empty db connection string")
	}

	if err := runMigrations(connURL); err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	s := &OrderStorePG{
		pool:         pool,
		events:       make(chan orderEvent, defaultEventQueueSize),
		maxRetries:   defaultMaxRetries,
		backoffBase:  defaultBackoffBase,
		backoffCap:   defaultBackoffCap,
		drainTimeout: defaultDrainTimeout,
		nowFn:        time.Now,
	}
	s.wg.Add(1)
	go s.eventWorker()
	return s, nil
}

// SetNowFn overrides the time provider (useful for tests).
func (s *OrderStorePG) SetNowFn(fn func() time.Time) {
	if fn == nil {
		fn = time.Now
	}
	s.nowFn = fn
}

// SetFlags attaches the runtime flag set. The persistence flag gates the
// write-behind audit trail; nil flags leave it on.
func (s *OrderStorePG) SetFlags(flags *featureflag.RuntimeFlags) {
	s.flags = flags
}

// SaveOrder upserts an order row keyed by order id.
func (s *OrderStorePG) SaveOrder(ctx context.Context, rec order.Record) error {
	if rec.OrderID == "" {
		return errors.New("save order: empty order id")
	}
	now := s.nowFn().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	metrics.IncPersistenceAttempts(backendPostgres)
	start := s.nowFn()

	const upsertSQL = `
		INSERT INTO orders (
			order_id, symbol, side, quantity, price, status,
			linked_position_id, retry_count, rejection_reason,
			created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (order_id) DO UPDATE SET
			symbol = EXCLUDED.symbol,
			side = EXCLUDED.side,
			quantity = EXCLUDED.quantity,
			price = EXCLUDED.price,
			status = EXCLUDED.status,
			linked_position_id = EXCLUDED.linked_position_id,
			retry_count = EXCLUDED.retry_count,
			rejection_reason = EXCLUDED.rejection_reason,
			updated_at = EXCLUDED.updated_at
	`
	err := s.execWithRetry(ctx, upsertSQL,
		rec.OrderID, rec.Symbol, string(rec.Side), rec.Quantity, rec.Price, string(rec.Status),
		rec.LinkedPositionID, rec.RetryCount, rec.RejectionReason,
		rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(),
	)
	metrics.ObservePersistLatency(s.nowFn().Sub(start), backendPostgres)
	if err != nil {
		metrics.IncPersistenceFailures(backendPostgres)
		return fmt.Errorf("save order %s: %w", rec.OrderID, err)
	}

	s.enqueueEvent(orderEvent{
		orderID: rec.OrderID, status: rec.Status, price: rec.Price,
		reason: rec.RejectionReason, recordedAt: now,
	})
	return nil
}

// GetOrder loads one order by id.
func (s *OrderStorePG) GetOrder(ctx context.Context, orderID string) (order.Record, error) {
	const query = `
		SELECT order_id, symbol, side, quantity, price, status,
		       linked_position_id, retry_count, rejection_reason,
		       created_at, updated_at
		FROM orders WHERE order_id = $1
	`
	execCtx, cancel := context.WithTimeout(ctx, defaultOpDeadline)
	defer cancel()

	var (
		rec    order.Record
		side   string
		status string
	)
	err := s.pool.QueryRow(execCtx, query, orderID).Scan(
		&rec.OrderID, &rec.Symbol, &side, &rec.Quantity, &rec.Price, &status,
		&rec.LinkedPositionID, &rec.RetryCount, &rec.RejectionReason,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return order.Record{}, order.ErrNotFound
		}
		return order.Record{}, fmt.Errorf("get order %s: %w", orderID, err)
	}
	rec.Side = sideFrom(side)
	rec.Status = order.Status(status)
	return rec, nil
}

// GetActiveOrders lists orders still subject to reconciliation, oldest first.
func (s *OrderStorePG) GetActiveOrders(ctx context.Context) ([]order.Record, error) {
	const query = `
		SELECT order_id, symbol, side, quantity, price, status,
		       linked_position_id, retry_count, rejection_reason,
		       created_at, updated_at
		FROM orders
		WHERE status IN ('PENDING', 'PLACED', 'EXECUTED')
		ORDER BY created_at
	`
	execCtx, cancel := context.WithTimeout(ctx, defaultOpDeadline)
	defer cancel()

	rows, err := s.pool.Query(execCtx, query)
	if err != nil {
		return nil, fmt.Errorf("list active orders: %w", err)
	}
	defer rows.Close()

	var out []order.Record
	for rows.Next() {
		var (
			rec    order.Record
			side   string
			status string
		)
		if err := rows.Scan(
			&rec.OrderID, &rec.Symbol, &side, &rec.Quantity, &rec.Price, &status,
			&rec.LinkedPositionID, &rec.RetryCount, &rec.RejectionReason,
			&rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan active order: %w", err)
		}
		rec.Side = sideFrom(side)
		rec.Status = order.Status(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpdateOrderStatus transitions an order and applies the optional meta. A
// zero meta price keeps the recorded price; an empty reason keeps the old
// reason.
func (s *OrderStorePG) UpdateOrderStatus(ctx context.Context, orderID string, status order.Status, meta *order.StatusMeta) error {
	price := 0.0
	reason := ""
	if meta != nil {
		price = meta.Price
		reason = meta.Reason
	}
	now := s.nowFn().UTC()

	metrics.IncPersistenceAttempts(backendPostgres)

	const updateSQL = `
		UPDATE orders SET
			status = $2,
			price = CASE WHEN $3 > 0 THEN $3 ELSE price END,
			rejection_reason = CASE WHEN $4 <> '' THEN $4 ELSE rejection_reason END,
			updated_at = $5
		WHERE order_id = $1
	`
	execCtx, cancel := context.WithTimeout(ctx, defaultOpDeadline)
	defer cancel()

	tag, err := s.pool.Exec(execCtx, updateSQL, orderID, string(status), price, reason, now)
	if err != nil {
		metrics.IncPersistenceFailures(backendPostgres)
		return fmt.Errorf("update order %s: %w", orderID, err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}

	s.enqueueEvent(orderEvent{
		orderID: orderID, status: status, price: price, reason: reason, recordedAt: now,
	})
	return nil
}

// ImportBrokerOrder inserts an order first seen on the broker side. An id
// already present is left untouched.
func (s *OrderStorePG) ImportBrokerOrder(ctx context.Context, rec order.Record) error {
	if rec.OrderID == "" {
		return errors.New("import order: empty order id")
	}
	now := s.nowFn().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}

	metrics.IncPersistenceAttempts(backendPostgres)

	const insertSQL = `
		INSERT INTO orders (
			order_id, symbol, side, quantity, price, status,
			linked_position_id, retry_count, rejection_reason,
			created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (order_id) DO NOTHING
	`
	execCtx, cancel := context.WithTimeout(ctx, defaultOpDeadline)
	defer cancel()

	tag, err := s.pool.Exec(execCtx, insertSQL,
		rec.OrderID, rec.Symbol, string(rec.Side), rec.Quantity, rec.Price, string(rec.Status),
		rec.LinkedPositionID, rec.RetryCount, rec.RejectionReason,
		rec.CreatedAt.UTC(), now,
	)
	if err != nil {
		metrics.IncPersistenceFailures(backendPostgres)
		return fmt.Errorf("import order %s: %w", rec.OrderID, err)
	}
	if tag.RowsAffected() > 0 {
		s.enqueueEvent(orderEvent{
			orderID: rec.OrderID, status: rec.Status, price: rec.Price,
			reason: "imported from broker", recordedAt: now,
		})
	}
	return nil
}

// AuditEvent is one row of an order's status history.
type AuditEvent struct {
	OrderID    string       `json:"order_id"`
	Status     order.Status `json:"status"`
	Price      float64      `json:"price"`
	Reason     string       `json:"reason,omitempty"`
	RecordedAt time.Time    `json:"recorded_at"`
}

// Events returns the audit trail for one order, oldest first.
func (s *OrderStorePG) Events(ctx context.Context, orderID string) ([]AuditEvent, error) {
	const query = `
		SELECT order_id, status, price, reason, recorded_at
		FROM order_events WHERE order_id = $1 ORDER BY recorded_at, id
	`
	execCtx, cancel := context.WithTimeout(ctx, defaultOpDeadline)
	defer cancel()

	rows, err := s.pool.Query(execCtx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("list order events: %w", err)
	}
	defer rows.Close()

	var out []AuditEvent
	for rows.Next() {
		var (
			ev     AuditEvent
			status string
		)
		if err := rows.Scan(&ev.OrderID, &status, &ev.Price, &ev.Reason, &ev.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan order event: %w", err)
		}
		ev.Status = order.Status(status)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *OrderStorePG) enqueueEvent(ev orderEvent) {
	if s.closing.Load() {
		return
	}
	if s.flags != nil && !s.flags.PersistenceEnabled() {
		return
	}
	select {
	case s.events <- ev:
	default:
		// The audit trail is best effort; dropping beats blocking the
		// execution path.
		metrics.IncPersistenceFailures(backendPostgres)
		log.Printf("[DB] order event queue full, dropping event for %s", ev.orderID)
	}
}

func (s *OrderStorePG) eventWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(defaultFlushInterval)
	defer ticker.Stop()

	buffer := make([]orderEvent, 0, defaultEventBatchSize)

	flush := func(ctx context.Context) {
		if len(buffer) == 0 {
			return
		}
		batch := append([]orderEvent(nil), buffer...)
		buffer = buffer[:0]
		if err := s.insertEventsWithRetry(ctx, batch); err != nil {
			metrics.IncPersistenceFailures(backendPostgres)
			log.Printf("[DB] order event batch failed (size=%d): %v", len(batch), err)
		}
	}

	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				drainCtx, cancel := context.WithTimeout(context.Background(), s.drainTimeout)
				flush(drainCtx)
				cancel()
				return
			}
			buffer = append(buffer, ev)
			if len(buffer) >= defaultEventBatchSize {
				flush(context.Background())
			}
		case <-ticker.C:
			flush(context.Background())
		}
	}
}

func (s *OrderStorePG) insertEventsWithRetry(ctx context.Context, batch []orderEvent) error {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			if err := s.waitBackoff(ctx, attempt); err != nil {
				return err
			}
		}
		if err := s.insertEventsOnce(ctx, batch); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

func (s *OrderStorePG) insertEventsOnce(ctx context.Context, batch []orderEvent) error {
	execCtx, cancel := context.WithTimeout(ctx, defaultOpDeadline)
	defer cancel()

	pgBatch := &pgx.Batch{}
	const eventSQL = `
		INSERT INTO order_events (order_id, status, price, reason, recorded_at)
		VALUES ($1,$2,$3,$4,$5)
	`
	for _, ev := range batch {
		pgBatch.Queue(eventSQL, ev.orderID, string(ev.status), ev.price, ev.reason, ev.recordedAt)
	}

	results := s.pool.SendBatch(execCtx, pgBatch)
	defer results.Close()
	for range batch {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert order event: %w", err)
		}
	}
	return nil
}

func (s *OrderStorePG) execWithRetry(ctx context.Context, sql string, args ...any) error {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			if err := s.waitBackoff(ctx, attempt); err != nil {
				return err
			}
		}
		execCtx, cancel := context.WithTimeout(ctx, defaultOpDeadline)
		_, err := s.pool.Exec(execCtx, sql, args...)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

func (s *OrderStorePG) waitBackoff(ctx context.Context, attempt int) error {
	backoff := time.Duration(float64(s.backoffBase) * math.Pow(2, float64(attempt-1)))
	if backoff > s.backoffCap {
		backoff = s.backoffCap
	}
	jitter := time.Duration(rand.Float64() * float64(backoff) * 0.5)

	timer := time.NewTimer(backoff + jitter)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Close drains the audit queue and releases the pool. The context bounds how
// long outstanding events may take.
func (s *OrderStorePG) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		close(s.events)
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		s.pool.Close()
		close(done)
	}()

	select {
	case <-ctx.Done():
		log.Printf("[DB] order store close timed out: %v", ctx.Err())
		return ctx.Err()
	case <-done:
		return nil
	}
}

func sideFrom(s string) broker.Side {
	return broker.Side(s)
}

func runMigrations(connURL string) error {
	sourceDriver, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	migrator, err := migrate.NewWithSourceInstance("iofs", sourceDriver, connURL)
	if err != nil {
		return fmt.Errorf("init migrate: %w", err)
	}
	defer func() {
		srcErr, dbErr := migrator.Close()
		if srcErr != nil {
			log.Printf("[DB] migrate source close: %v", srcErr)
		}
		if dbErr != nil {
			log.Printf("[DB] migrate db close: %v", dbErr)
		}
	}()

	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
