package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// ReservationStatus is the lifecycle of a reservation. Reservations are never
// deleted, only transitioned, so the audit trail survives.
type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "ACTIVE"
	ReservationReleased  ReservationStatus = "RELEASED"
	ReservationCommitted ReservationStatus = "COMMITTED"
	ReservationExpired   ReservationStatus = "EXPIRED"
)

// ReasonExpired is the release reason recorded by the TTL sweep.
const ReasonExpired = "EXPIRED"

// Line is one reserved quantity against one stock record.
type Line struct {
	Key      ItemKey `json:"key"`
	Quantity int64   `json:"quantity"`
}

// Reservation is a provisional, time-bounded hold against available stock.
type Reservation struct {
	ID            string            `json:"id"`
	OrderID       string            `json:"order_id"`
	Lines         []Line            `json:"lines"`
	Status        ReservationStatus `json:"status"`
	ReleaseReason string            `json:"release_reason,omitempty"`
	ExpiresAt     time.Time         `json:"expires_at"`
	CreatedAt     time.Time         `json:"created_at"`
}

// InsufficientStockError identifies the first line that could not be
// satisfied. It is an expected business outcome, not a fault.
type InsufficientStockError struct {
	ProductID   string
	WarehouseID string
	Requested   int64
	Available   int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s@%s: requested %d, available %d",
		e.ProductID, e.WarehouseID, e.Requested, e.Available)
}

// ErrReservationNotFound is returned for unknown reservation ids.
var ErrReservationNotFound = errors.New("inventory: reservation not found")

// ErrReservationNotActive is returned by Commit when the reservation has
// already been released, committed, or expired.
var ErrReservationNotActive = errors.New("inventory: reservation not active")

// ErrSettlementInProgress is returned when a release or commit failed after
// adjusting some lines and the opposite operation is attempted before the
// first one is retried to completion.
var ErrSettlementInProgress = errors.New("inventory: conflicting settlement in progress")

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// TTL is how long a reservation stays ACTIVE before the sweep expires it.
	TTL time.Duration

	// SweepInterval is how often the expiry sweep runs.
	SweepInterval time.Duration

	// MaxAttempts bounds per-line optimistic retries on version conflict.
	MaxAttempts uint

	// RetryBaseDelay is the base backoff between conflict retries; jitter up
	// to the same amount is added on top.
	RetryBaseDelay time.Duration

	Logger *slog.Logger
}

const (
	settleRelease = "release"
	settleCommit  = "commit"
)

type reservationEntry struct {
	mu  sync.Mutex
	res Reservation

	// Settlement progress. A release or commit that failed mid-walk records
	// which operation ran and how many lines it already adjusted, so a retry
	// resumes at the first unapplied line instead of re-adjusting.
	settling string
	settled  int
}

// Manager turns a multi-item order into per-line ledger operations,
// all-or-nothing, with TTL-based expiry of abandoned holds.
type Manager struct {
	ledger       Ledger
	opts         ManagerOptions
	reservations *xsync.MapOf[string, *reservationEntry]

	stop     chan struct{}
	stopped  sync.WaitGroup
	stopOnce sync.Once
}

// NewManager creates a Manager and starts its expiry sweep.
func NewManager(ledger Ledger, opts ManagerOptions) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = 15 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 5
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 10 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	m := &Manager{
		ledger:       ledger,
		opts:         opts,
		reservations: xsync.NewMapOf[string, *reservationEntry](),
		stop:         make(chan struct{}),
	}
	m.stopped.Add(1)
	go m.sweepLoop()
	return m
}

// Close stops the expiry sweep.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.stopped.Wait()
}

// Reserve atomically holds every line or none of them. On any unsatisfiable
// line the lines already held in this call are rolled back and an
// *InsufficientStockError for the first failing line is returned.
func (m *Manager) Reserve(ctx context.Context, orderID string, lines []Line) (*Reservation, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("inventory: reserve %s: no lines", orderID)
	}
	for _, l := range lines {
		if l.Quantity <= 0 {
			return nil, fmt.Errorf("inventory: reserve %s: non-positive quantity for %s", orderID, l.Key)
		}
	}

	held := make([]Line, 0, len(lines))
	for _, line := range lines {
		if err := m.reserveLine(ctx, line); err != nil {
			m.rollbackLines(ctx, held)
			return nil, err
		}
		held = append(held, line)
	}

	now := time.Now().UTC()
	res := Reservation{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		Lines:     held,
		Status:    ReservationActive,
		ExpiresAt: now.Add(m.opts.TTL),
		CreatedAt: now,
	}
	m.reservations.Store(res.ID, &reservationEntry{res: res})

	m.opts.Logger.Info("reservation_created",
		"reservation_id", res.ID,
		"order_id", orderID,
		"lines", len(held),
		"expires_at", res.ExpiresAt,
	)
	return &res, nil
}

// Release undoes an ACTIVE reservation. Releasing a reservation that is
// already released, committed, or expired is a no-op. A release that errors
// mid-way leaves the reservation ACTIVE; retrying it resumes at the first
// line not yet returned, so no line is ever returned twice.
func (m *Manager) Release(ctx context.Context, reservationID, reason string) error {
	return m.finish(ctx, reservationID, reason, false)
}

// Commit consumes an ACTIVE reservation: the stock has physically left, so
// both on-hand and reserved drop by the held quantities. Like Release, a
// failed Commit is retried from the first unapplied line.
func (m *Manager) Commit(ctx context.Context, reservationID string) error {
	entry, ok := m.reservations.Load(reservationID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrReservationNotFound, reservationID)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.res.Status != ReservationActive {
		return fmt.Errorf("%w: %s is %s", ErrReservationNotActive, reservationID, entry.res.Status)
	}
	if entry.settling == settleRelease {
		return fmt.Errorf("%w: retry release of %s", ErrSettlementInProgress, reservationID)
	}
	entry.settling = settleCommit

	for entry.settled < len(entry.res.Lines) {
		line := entry.res.Lines[entry.settled]
		if err := m.adjust(ctx, line.Key, func(rec *Record) error {
			rec.OnHand -= line.Quantity
			rec.Reserved -= line.Quantity
			return nil
		}); err != nil {
			return fmt.Errorf("commit %s: %w", reservationID, err)
		}
		entry.settled++
	}
	entry.settling, entry.settled = "", 0
	entry.res.Status = ReservationCommitted

	m.opts.Logger.Info("reservation_committed", "reservation_id", reservationID, "order_id", entry.res.OrderID)
	return nil
}

// Get returns a snapshot of the reservation.
func (m *Manager) Get(reservationID string) (Reservation, error) {
	entry, ok := m.reservations.Load(reservationID)
	if !ok {
		return Reservation{}, fmt.Errorf("%w: %s", ErrReservationNotFound, reservationID)
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.res, nil
}

// FindByOrder returns the reservation created for orderID, if any.
func (m *Manager) FindByOrder(orderID string) (Reservation, bool) {
	var found Reservation
	var ok bool
	m.reservations.Range(func(_ string, entry *reservationEntry) bool {
		entry.mu.Lock()
		defer entry.mu.Unlock()
		if entry.res.OrderID == orderID {
			found = entry.res
			ok = true
			return false
		}
		return true
	})
	return found, ok
}

// Replenish raises the on-hand quantity for key, creating the record when it
// does not exist yet.
func (m *Manager) Replenish(ctx context.Context, key ItemKey, quantity int64) error {
	if quantity <= 0 {
		return fmt.Errorf("inventory: non-positive replenishment for %s", key)
	}
	if _, err := m.ledger.Get(ctx, key); errors.Is(err, ErrNotFound) {
		return m.ledger.Create(ctx, key, quantity)
	}
	return m.adjust(ctx, key, func(rec *Record) error {
		rec.OnHand += quantity
		return nil
	})
}

func (m *Manager) finish(ctx context.Context, reservationID, reason string, expiring bool) error {
	entry, ok := m.reservations.Load(reservationID)
	if !ok {
		if expiring {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrReservationNotFound, reservationID)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.res.Status != ReservationActive {
		// Idempotent: the race between explicit release, commit, and the
		// expiry sweep resolves to whichever landed first.
		m.opts.Logger.Debug("release_noop",
			"reservation_id", reservationID,
			"status", entry.res.Status,
		)
		return nil
	}

	if entry.settling == settleCommit {
		return fmt.Errorf("%w: retry commit of %s", ErrSettlementInProgress, reservationID)
	}
	entry.settling = settleRelease

	for entry.settled < len(entry.res.Lines) {
		line := entry.res.Lines[entry.settled]
		if err := m.adjust(ctx, line.Key, func(rec *Record) error {
			rec.Reserved -= line.Quantity
			return nil
		}); err != nil {
			return fmt.Errorf("release %s: %w", reservationID, err)
		}
		entry.settled++
	}
	entry.settling, entry.settled = "", 0

	if reason == ReasonExpired {
		entry.res.Status = ReservationExpired
	} else {
		entry.res.Status = ReservationReleased
	}
	entry.res.ReleaseReason = reason

	m.opts.Logger.Info("reservation_released",
		"reservation_id", reservationID,
		"order_id", entry.res.OrderID,
		"reason", reason,
	)
	return nil
}

// reserveLine increments Reserved for one line under optimistic concurrency.
// Version conflicts are retried; insufficient stock is returned immediately.
func (m *Manager) reserveLine(ctx context.Context, line Line) error {
	return retry.Do(
		func() error {
			rec, err := m.ledger.Get(ctx, line.Key)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					return retry.Unrecoverable(&InsufficientStockError{
						ProductID:   line.Key.ProductID,
						WarehouseID: line.Key.WarehouseID,
						Requested:   line.Quantity,
					})
				}
				return err
			}
			if rec.Available() < line.Quantity {
				return retry.Unrecoverable(&InsufficientStockError{
					ProductID:   line.Key.ProductID,
					WarehouseID: line.Key.WarehouseID,
					Requested:   line.Quantity,
					Available:   rec.Available(),
				})
			}
			rec.Reserved += line.Quantity
			return m.ledger.Put(ctx, rec)
		},
		retry.Context(ctx),
		retry.Attempts(m.opts.MaxAttempts),
		retry.Delay(m.opts.RetryBaseDelay),
		retry.MaxJitter(m.opts.RetryBaseDelay),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
	)
}

// adjust applies mutate under read-modify-write with bounded conflict retry.
func (m *Manager) adjust(ctx context.Context, key ItemKey, mutate func(rec *Record) error) error {
	return retry.Do(
		func() error {
			rec, err := m.ledger.Get(ctx, key)
			if err != nil {
				return err
			}
			if err := mutate(&rec); err != nil {
				return err
			}
			return m.ledger.Put(ctx, rec)
		},
		retry.Context(ctx),
		retry.Attempts(m.opts.MaxAttempts),
		retry.Delay(m.opts.RetryBaseDelay),
		retry.MaxJitter(m.opts.RetryBaseDelay),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.RetryIf(func(err error) bool { return errors.Is(err, ErrVersionConflict) }),
		retry.LastErrorOnly(true),
	)
}

// rollbackLines returns quantities held earlier in a failed Reserve call.
func (m *Manager) rollbackLines(ctx context.Context, held []Line) {
	for _, line := range held {
		line := line
		if err := m.adjust(ctx, line.Key, func(rec *Record) error {
			rec.Reserved -= line.Quantity
			return nil
		}); err != nil {
			m.opts.Logger.Error("rollback_failed", "key", line.Key.String(), "error", err)
		}
	}
}

func (m *Manager) sweepLoop() {
	defer m.stopped.Done()
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.SweepExpired(context.Background())
		}
	}
}

// SweepExpired releases every ACTIVE reservation whose deadline has passed.
// Exposed so callers and tests can force a sweep.
func (m *Manager) SweepExpired(ctx context.Context) int {
	now := time.Now()
	var expired []string
	m.reservations.Range(func(id string, entry *reservationEntry) bool {
		entry.mu.Lock()
		due := entry.res.Status == ReservationActive && entry.res.ExpiresAt.Before(now)
		entry.mu.Unlock()
		if due {
			expired = append(expired, id)
		}
		return true
	})

	swept := 0
	for _, id := range expired {
		if err := m.finish(ctx, id, ReasonExpired, true); err != nil {
			m.opts.Logger.Error("sweep_release_failed", "reservation_id", id, "error", err)
			continue
		}
		swept++
	}
	return swept
}
