package inventory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, opts ManagerOptions) (*Manager, *MemoryLedger) {
	t.Helper()
	if opts.SweepInterval == 0 {
		opts.SweepInterval = time.Hour // tests force sweeps explicitly
	}
	ledger := NewMemoryLedger()
	m := NewManager(ledger, opts)
	t.Cleanup(m.Close)
	return m, ledger
}

func stock(t *testing.T, l *MemoryLedger, key ItemKey, onHand int64) {
	t.Helper()
	require.NoError(t, l.Create(context.Background(), key, onHand))
}

func record(t *testing.T, l *MemoryLedger, key ItemKey) Record {
	t.Helper()
	rec, err := l.Get(context.Background(), key)
	require.NoError(t, err)
	return rec
}

func TestReserveHoldsStock(t *testing.T) {
	m, l := newTestManager(t, ManagerOptions{})
	key := ItemKey{ProductID: "sku-1", WarehouseID: "wh-1"}
	stock(t, l, key, 100)

	res, err := m.Reserve(context.Background(), "order-1", []Line{{Key: key, Quantity: 30}})
	require.NoError(t, err)
	assert.Equal(t, ReservationActive, res.Status)
	assert.Equal(t, "order-1", res.OrderID)
	assert.False(t, res.ExpiresAt.IsZero())

	rec := record(t, l, key)
	assert.Equal(t, int64(100), rec.OnHand)
	assert.Equal(t, int64(30), rec.Reserved)
	assert.Equal(t, int64(70), rec.Available())

	got, err := m.Get(res.ID)
	require.NoError(t, err)
	assert.Equal(t, res.ID, got.ID)

	found, ok := m.FindByOrder("order-1")
	require.True(t, ok)
	assert.Equal(t, res.ID, found.ID)
	_, ok = m.FindByOrder("order-unknown")
	assert.False(t, ok)
}

func TestReserveInsufficientStock(t *testing.T) {
	m, l := newTestManager(t, ManagerOptions{})
	key := ItemKey{ProductID: "sku-1", WarehouseID: "wh-1"}
	stock(t, l, key, 5)

	_, err := m.Reserve(context.Background(), "order-1", []Line{{Key: key, Quantity: 6}})
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "sku-1", insufficient.ProductID)
	assert.Equal(t, int64(6), insufficient.Requested)
	assert.Equal(t, int64(5), insufficient.Available)

	// Nothing was held.
	assert.Equal(t, int64(0), record(t, l, key).Reserved)
}

func TestReserveUnknownItemIsInsufficient(t *testing.T) {
	m, _ := newTestManager(t, ManagerOptions{})

	_, err := m.Reserve(context.Background(), "order-1",
		[]Line{{Key: ItemKey{ProductID: "ghost", WarehouseID: "wh-1"}, Quantity: 1}})
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(0), insufficient.Available)
}

func TestReserveAllOrNothingRollsBackHeldLines(t *testing.T) {
	m, l := newTestManager(t, ManagerOptions{})
	a := ItemKey{ProductID: "sku-a", WarehouseID: "wh-1"}
	b := ItemKey{ProductID: "sku-b", WarehouseID: "wh-1"}
	stock(t, l, a, 10)
	stock(t, l, b, 1)

	_, err := m.Reserve(context.Background(), "order-1", []Line{
		{Key: a, Quantity: 5},
		{Key: b, Quantity: 2}, // unsatisfiable
	})
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "sku-b", insufficient.ProductID)

	// The hold on sku-a was rolled back when sku-b failed.
	assert.Equal(t, int64(0), record(t, l, a).Reserved)
	assert.Equal(t, int64(0), record(t, l, b).Reserved)
}

func TestReserveValidatesInput(t *testing.T) {
	m, l := newTestManager(t, ManagerOptions{})
	key := ItemKey{ProductID: "sku-1", WarehouseID: "wh-1"}
	stock(t, l, key, 10)

	_, err := m.Reserve(context.Background(), "order-1", nil)
	assert.Error(t, err)
	_, err = m.Reserve(context.Background(), "order-1", []Line{{Key: key, Quantity: 0}})
	assert.Error(t, err)
	_, err = m.Reserve(context.Background(), "order-1", []Line{{Key: key, Quantity: -2}})
	assert.Error(t, err)
}

func TestReleaseReturnsStockAndIsIdempotent(t *testing.T) {
	m, l := newTestManager(t, ManagerOptions{})
	key := ItemKey{ProductID: "sku-1", WarehouseID: "wh-1"}
	stock(t, l, key, 100)

	res, err := m.Reserve(context.Background(), "order-1", []Line{{Key: key, Quantity: 40}})
	require.NoError(t, err)

	require.NoError(t, m.Release(context.Background(), res.ID, "saga compensation"))
	rec := record(t, l, key)
	assert.Equal(t, int64(100), rec.OnHand)
	assert.Equal(t, int64(0), rec.Reserved)

	got, err := m.Get(res.ID)
	require.NoError(t, err)
	assert.Equal(t, ReservationReleased, got.Status)
	assert.Equal(t, "saga compensation", got.ReleaseReason)

	// The second release must not double-return the stock.
	require.NoError(t, m.Release(context.Background(), res.ID, "again"))
	assert.Equal(t, int64(0), record(t, l, key).Reserved)

	assert.ErrorIs(t, m.Release(context.Background(), "missing", "x"), ErrReservationNotFound)
}

func TestCommitConsumesStock(t *testing.T) {
	m, l := newTestManager(t, ManagerOptions{})
	key := ItemKey{ProductID: "sku-1", WarehouseID: "wh-1"}
	stock(t, l, key, 100)

	res, err := m.Reserve(context.Background(), "order-1", []Line{{Key: key, Quantity: 25}})
	require.NoError(t, err)
	require.NoError(t, m.Commit(context.Background(), res.ID))

	// Commit drops both counters: the goods have physically left.
	rec := record(t, l, key)
	assert.Equal(t, int64(75), rec.OnHand)
	assert.Equal(t, int64(0), rec.Reserved)

	got, err := m.Get(res.ID)
	require.NoError(t, err)
	assert.Equal(t, ReservationCommitted, got.Status)

	// A committed reservation can be neither re-committed nor released back.
	assert.ErrorIs(t, m.Commit(context.Background(), res.ID), ErrReservationNotActive)
	require.NoError(t, m.Release(context.Background(), res.ID, "late"))
	assert.Equal(t, int64(75), record(t, l, key).OnHand)

	assert.ErrorIs(t, m.Commit(context.Background(), "missing"), ErrReservationNotFound)
}

func TestReplenishCreatesAndTopsUp(t *testing.T) {
	m, l := newTestManager(t, ManagerOptions{})
	key := ItemKey{ProductID: "sku-1", WarehouseID: "wh-1"}

	require.NoError(t, m.Replenish(context.Background(), key, 50))
	assert.Equal(t, int64(50), record(t, l, key).OnHand)

	require.NoError(t, m.Replenish(context.Background(), key, 25))
	assert.Equal(t, int64(75), record(t, l, key).OnHand)

	assert.Error(t, m.Replenish(context.Background(), key, 0))
	assert.Error(t, m.Replenish(context.Background(), key, -5))
}

func TestSweepExpiredReleasesOverdueHolds(t *testing.T) {
	m, l := newTestManager(t, ManagerOptions{TTL: 20 * time.Millisecond})
	key := ItemKey{ProductID: "sku-1", WarehouseID: "wh-1"}
	stock(t, l, key, 100)

	res, err := m.Reserve(context.Background(), "order-1", []Line{{Key: key, Quantity: 10}})
	require.NoError(t, err)

	// Not due yet.
	assert.Equal(t, 0, m.SweepExpired(context.Background()))

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, m.SweepExpired(context.Background()))
	assert.Equal(t, int64(0), record(t, l, key).Reserved)

	got, err := m.Get(res.ID)
	require.NoError(t, err)
	assert.Equal(t, ReservationExpired, got.Status)
	assert.Equal(t, ReasonExpired, got.ReleaseReason)

	// Sweeping again finds nothing; the expiry already settled.
	assert.Equal(t, 0, m.SweepExpired(context.Background()))
}

func TestExpiryDoesNotTouchCommittedReservations(t *testing.T) {
	m, l := newTestManager(t, ManagerOptions{TTL: 20 * time.Millisecond})
	key := ItemKey{ProductID: "sku-1", WarehouseID: "wh-1"}
	stock(t, l, key, 100)

	res, err := m.Reserve(context.Background(), "order-1", []Line{{Key: key, Quantity: 10}})
	require.NoError(t, err)
	require.NoError(t, m.Commit(context.Background(), res.ID))

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, m.SweepExpired(context.Background()))

	got, err := m.Get(res.ID)
	require.NoError(t, err)
	assert.Equal(t, ReservationCommitted, got.Status)
	assert.Equal(t, int64(90), record(t, l, key).OnHand)
}

// flakyLedger injects Put failures per key so settlement retry paths can be
// exercised.
type flakyLedger struct {
	*MemoryLedger
	mu       sync.Mutex
	failPuts map[ItemKey]int
}

func (l *flakyLedger) failNext(key ItemKey, n int) {
	l.mu.Lock()
	l.failPuts[key] = n
	l.mu.Unlock()
}

func (l *flakyLedger) Put(ctx context.Context, rec Record) error {
	l.mu.Lock()
	if n := l.failPuts[rec.Key]; n > 0 {
		l.failPuts[rec.Key] = n - 1
		l.mu.Unlock()
		return fmt.Errorf("ledger backend unavailable for %s", rec.Key)
	}
	l.mu.Unlock()
	return l.MemoryLedger.Put(ctx, rec)
}

func newFlakyManager(t *testing.T) (*Manager, *flakyLedger) {
	t.Helper()
	ledger := &flakyLedger{MemoryLedger: NewMemoryLedger(), failPuts: map[ItemKey]int{}}
	m := NewManager(ledger, ManagerOptions{SweepInterval: time.Hour})
	t.Cleanup(m.Close)
	return m, ledger
}

func TestReleaseRetryAppliesEachLineOnce(t *testing.T) {
	m, l := newFlakyManager(t)
	a := ItemKey{ProductID: "sku-a", WarehouseID: "wh-1"}
	b := ItemKey{ProductID: "sku-b", WarehouseID: "wh-1"}
	stock(t, l.MemoryLedger, a, 100)
	stock(t, l.MemoryLedger, b, 100)

	// Another order holds sku-a too; a double-return would destroy its hold.
	_, err := m.Reserve(context.Background(), "order-other", []Line{{Key: a, Quantity: 10}})
	require.NoError(t, err)

	res, err := m.Reserve(context.Background(), "order-1", []Line{
		{Key: a, Quantity: 5},
		{Key: b, Quantity: 5},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(15), record(t, l.MemoryLedger, a).Reserved)

	// First release returns sku-a, then dies on sku-b. The reservation stays
	// ACTIVE with its progress recorded.
	l.failNext(b, 1)
	require.Error(t, m.Release(context.Background(), res.ID, "saga compensation"))
	assert.Equal(t, int64(10), record(t, l.MemoryLedger, a).Reserved)
	assert.Equal(t, int64(5), record(t, l.MemoryLedger, b).Reserved)
	got, err := m.Get(res.ID)
	require.NoError(t, err)
	assert.Equal(t, ReservationActive, got.Status)

	// The retry resumes at sku-b; sku-a is not returned a second time, so the
	// other order's hold survives.
	require.NoError(t, m.Release(context.Background(), res.ID, "saga compensation"))
	assert.Equal(t, int64(10), record(t, l.MemoryLedger, a).Reserved)
	assert.Equal(t, int64(0), record(t, l.MemoryLedger, b).Reserved)

	got, err = m.Get(res.ID)
	require.NoError(t, err)
	assert.Equal(t, ReservationReleased, got.Status)
}

func TestCommitRetryConsumesEachLineOnce(t *testing.T) {
	m, l := newFlakyManager(t)
	a := ItemKey{ProductID: "sku-a", WarehouseID: "wh-1"}
	b := ItemKey{ProductID: "sku-b", WarehouseID: "wh-1"}
	stock(t, l.MemoryLedger, a, 100)
	stock(t, l.MemoryLedger, b, 100)

	res, err := m.Reserve(context.Background(), "order-1", []Line{
		{Key: a, Quantity: 5},
		{Key: b, Quantity: 5},
	})
	require.NoError(t, err)

	l.failNext(b, 1)
	require.Error(t, m.Commit(context.Background(), res.ID))
	recA := record(t, l.MemoryLedger, a)
	assert.Equal(t, int64(95), recA.OnHand)
	assert.Equal(t, int64(0), recA.Reserved)
	recB := record(t, l.MemoryLedger, b)
	assert.Equal(t, int64(100), recB.OnHand)
	assert.Equal(t, int64(5), recB.Reserved)

	// The retry consumes only the unapplied line.
	require.NoError(t, m.Commit(context.Background(), res.ID))
	recA = record(t, l.MemoryLedger, a)
	assert.Equal(t, int64(95), recA.OnHand)
	assert.Equal(t, int64(0), recA.Reserved)
	recB = record(t, l.MemoryLedger, b)
	assert.Equal(t, int64(95), recB.OnHand)
	assert.Equal(t, int64(0), recB.Reserved)

	got, err := m.Get(res.ID)
	require.NoError(t, err)
	assert.Equal(t, ReservationCommitted, got.Status)
}

func TestReleaseAfterPartialCommitMustRetryCommit(t *testing.T) {
	m, l := newFlakyManager(t)
	a := ItemKey{ProductID: "sku-a", WarehouseID: "wh-1"}
	b := ItemKey{ProductID: "sku-b", WarehouseID: "wh-1"}
	stock(t, l.MemoryLedger, a, 100)
	stock(t, l.MemoryLedger, b, 100)

	res, err := m.Reserve(context.Background(), "order-1", []Line{
		{Key: a, Quantity: 5},
		{Key: b, Quantity: 5},
	})
	require.NoError(t, err)

	l.failNext(b, 1)
	require.Error(t, m.Commit(context.Background(), res.ID))

	// sku-a's stock is already consumed, so releasing now would corrupt the
	// ledger; the pending commit has to finish first.
	assert.ErrorIs(t, m.Release(context.Background(), res.ID, "late cancel"), ErrSettlementInProgress)
	assert.Equal(t, 0, m.SweepExpired(context.Background()))

	require.NoError(t, m.Commit(context.Background(), res.ID))
	require.NoError(t, m.Release(context.Background(), res.ID, "late cancel")) // no-op on COMMITTED
	assert.Equal(t, int64(95), record(t, l.MemoryLedger, a).OnHand)
	assert.Equal(t, int64(95), record(t, l.MemoryLedger, b).OnHand)
}

// TestConcurrentReservesNeverOversell hammers one stock record from many
// goroutines: with 100 on hand and 20 workers asking for 10 each, exactly 10
// may win and the invariant 0 <= reserved <= on_hand must hold throughout.
func TestConcurrentReservesNeverOversell(t *testing.T) {
	m, l := newTestManager(t, ManagerOptions{MaxAttempts: 50, RetryBaseDelay: 100 * time.Microsecond})
	key := ItemKey{ProductID: "sku-1", WarehouseID: "wh-1"}
	stock(t, l, key, 100)

	const workers = 20
	var wg sync.WaitGroup
	results := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.Reserve(context.Background(), fmt.Sprintf("order-%d", i),
				[]Line{{Key: key, Quantity: 10}})
			results[i] = err
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
		} else {
			var insufficient *InsufficientStockError
			assert.ErrorAs(t, err, &insufficient)
		}
	}
	assert.Equal(t, 10, wins)

	rec := record(t, l, key)
	assert.Equal(t, int64(100), rec.OnHand)
	assert.Equal(t, int64(100), rec.Reserved)
	assert.Equal(t, int64(0), rec.Available())
}

func TestConcurrentReleaseAndSweepSettleOnce(t *testing.T) {
	m, l := newTestManager(t, ManagerOptions{TTL: time.Millisecond})
	key := ItemKey{ProductID: "sku-1", WarehouseID: "wh-1"}
	stock(t, l, key, 100)

	res, err := m.Reserve(context.Background(), "order-1", []Line{{Key: key, Quantity: 10}})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	// Explicit release races the expiry sweep; whichever lands first wins and
	// the loser is a no-op.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.SweepExpired(context.Background())
	}()
	go func() {
		defer wg.Done()
		_ = m.Release(context.Background(), res.ID, "saga compensation")
	}()
	wg.Wait()

	rec := record(t, l, key)
	assert.Equal(t, int64(0), rec.Reserved)

	got, err := m.Get(res.ID)
	require.NoError(t, err)
	assert.Contains(t, []ReservationStatus{ReservationReleased, ReservationExpired}, got.Status)
}
