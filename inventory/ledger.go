// Package inventory implements the stock ledger and the reservation manager
// that the fulfillment saga drives.
//
// The ledger holds one record per (product, warehouse) pair with on-hand and
// reserved counters. Every mutation is a read-modify-write guarded by an
// optimistic version check; contention resolves through bounded retry with
// jittered backoff, never a held lock.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// ErrVersionConflict is returned by Ledger.Put when the caller's record
// version no longer matches the stored one.
var ErrVersionConflict = errors.New("inventory: version conflict")

// ErrNotFound is returned when no record exists for the requested key.
var ErrNotFound = errors.New("inventory: record not found")

// ItemKey identifies one stock record.
type ItemKey struct {
	ProductID   string `json:"product_id"`
	WarehouseID string `json:"warehouse_id"`
}

func (k ItemKey) String() string {
	return k.ProductID + "@" + k.WarehouseID
}

// Record is a snapshot of one stock row. Invariant at every persisted state:
// 0 <= Reserved <= OnHand.
type Record struct {
	Key       ItemKey   `json:"key"`
	OnHand    int64     `json:"on_hand"`
	Reserved  int64     `json:"reserved"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Available is the quantity that can still be reserved.
func (r Record) Available() int64 {
	return r.OnHand - r.Reserved
}

func (r Record) validate() error {
	if r.OnHand < 0 || r.Reserved < 0 || r.Reserved > r.OnHand {
		return fmt.Errorf("inventory: invariant violated for %s: on_hand=%d reserved=%d",
			r.Key, r.OnHand, r.Reserved)
	}
	return nil
}

// Ledger is the storage side of the stock model. Put is a conditional write:
// it succeeds only when the record's Version equals the stored version, and
// stores the record with Version+1. Callers loop read-compute-Put and retry
// on ErrVersionConflict.
type Ledger interface {
	// Get returns a snapshot of the record for key.
	Get(ctx context.Context, key ItemKey) (Record, error)

	// Create inserts a new record with the given on-hand quantity. Creating
	// an existing key is an error.
	Create(ctx context.Context, key ItemKey, onHand int64) error

	// Put conditionally replaces the record. The stored version must match
	// rec.Version; on success the stored record carries rec.Version+1.
	Put(ctx context.Context, rec Record) error
}

// MemoryLedger is the in-process Ledger. The version check-and-swap is atomic
// per key via the map's Compute.
type MemoryLedger struct {
	records *xsync.MapOf[ItemKey, Record]
}

// NewMemoryLedger creates an empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: xsync.NewMapOf[ItemKey, Record]()}
}

// Get implements Ledger.
func (l *MemoryLedger) Get(_ context.Context, key ItemKey) (Record, error) {
	rec, ok := l.records.Load(key)
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return rec, nil
}

// Create implements Ledger.
func (l *MemoryLedger) Create(_ context.Context, key ItemKey, onHand int64) error {
	if onHand < 0 {
		return fmt.Errorf("inventory: negative initial stock for %s", key)
	}
	rec := Record{Key: key, OnHand: onHand, Version: 1, UpdatedAt: time.Now().UTC()}
	if _, loaded := l.records.LoadOrStore(key, rec); loaded {
		return fmt.Errorf("inventory: record already exists for %s", key)
	}
	return nil
}

// Put implements Ledger.
func (l *MemoryLedger) Put(_ context.Context, rec Record) error {
	if err := rec.validate(); err != nil {
		return err
	}

	var putErr error
	l.records.Compute(rec.Key, func(old Record, loaded bool) (Record, bool) {
		if !loaded {
			putErr = fmt.Errorf("%w: %s", ErrNotFound, rec.Key)
			return old, true
		}
		if old.Version != rec.Version {
			putErr = fmt.Errorf("%w: %s expected v%d have v%d",
				ErrVersionConflict, rec.Key, rec.Version, old.Version)
			return old, false
		}
		rec.Version++
		rec.UpdatedAt = time.Now().UTC()
		return rec, false
	})
	return putErr
}
