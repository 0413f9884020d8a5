package fulfillment

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Store persists saga instances. Save is an optimistic-locked write: it
// succeeds only when the caller's Version matches the stored one, and the
// stored instance carries Version+1. An instance's steps and compensation log
// are persisted with it in the same write, so step completion and state
// advancement commit atomically.
type Store interface {
	// Create inserts a new instance with Version 1. A duplicate id fails
	// with ErrSagaExists.
	Create(ctx context.Context, in *Instance) error

	// Load returns a snapshot of the instance.
	Load(ctx context.Context, sagaID string) (*Instance, error)

	// Save conditionally replaces the instance. A stale Version fails with
	// ErrVersionConflict; on success in.Version is incremented.
	Save(ctx context.Context, in *Instance) error

	// FindActive returns the non-terminal instance for (sagaType,
	// correlationID), or nil when none exists.
	FindActive(ctx context.Context, sagaType, correlationID string) (*Instance, error)

	// ListByStatus returns snapshots of every instance in one of the given
	// statuses. Used for crash recovery on startup.
	ListByStatus(ctx context.Context, statuses ...SagaStatus) ([]*Instance, error)
}

// MemoryStore is the in-process Store. The version check-and-swap is atomic
// per saga id via the map's Compute, and Create claims the (type, correlation
// id) business key atomically, mirroring the partial unique index the Postgres
// store relies on.
type MemoryStore struct {
	sagas  *xsync.MapOf[string, *Instance]
	active *xsync.MapOf[string, string] // (type, correlation id) -> saga id while non-terminal
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sagas:  xsync.NewMapOf[string, *Instance](),
		active: xsync.NewMapOf[string, string](),
	}
}

func activeKey(sagaType, correlationID string) string {
	return sagaType + "\x00" + correlationID
}

// Create implements Store. The business key is claimed before the insert, so
// two racing Creates for the same active correlation cannot both succeed.
func (m *MemoryStore) Create(_ context.Context, in *Instance) error {
	now := time.Now().UTC()
	in.Version = 1
	in.CreatedAt = now
	in.UpdatedAt = now

	claimed := false
	m.active.Compute(activeKey(in.Type, in.CorrelationID), func(ownerID string, loaded bool) (string, bool) {
		if loaded {
			if owner, ok := m.sagas.Load(ownerID); ok && !owner.Status.Terminal() {
				return ownerID, false
			}
		}
		claimed = true
		return in.ID, false
	})
	if !claimed {
		return fmt.Errorf("%w: active saga for %s/%s", ErrSagaExists, in.Type, in.CorrelationID)
	}

	if _, loaded := m.sagas.LoadOrStore(in.ID, in.Clone()); loaded {
		m.releaseClaim(in)
		return fmt.Errorf("%w: %s", ErrSagaExists, in.ID)
	}
	return nil
}

// releaseClaim frees the business key, but only when this instance still owns
// it.
func (m *MemoryStore) releaseClaim(in *Instance) {
	m.active.Compute(activeKey(in.Type, in.CorrelationID), func(ownerID string, loaded bool) (string, bool) {
		if loaded && ownerID != in.ID {
			return ownerID, false
		}
		return ownerID, true
	})
}

// Load implements Store.
func (m *MemoryStore) Load(_ context.Context, sagaID string) (*Instance, error) {
	in, ok := m.sagas.Load(sagaID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSagaNotFound, sagaID)
	}
	return in.Clone(), nil
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, in *Instance) error {
	var saveErr error
	m.sagas.Compute(in.ID, func(old *Instance, loaded bool) (*Instance, bool) {
		if !loaded {
			saveErr = fmt.Errorf("%w: %s", ErrSagaNotFound, in.ID)
			return old, true
		}
		if old.Version != in.Version {
			saveErr = fmt.Errorf("%w: %s expected v%d have v%d",
				ErrVersionConflict, in.ID, in.Version, old.Version)
			return old, false
		}
		in.Version++
		in.UpdatedAt = time.Now().UTC()
		return in.Clone(), false
	})
	if saveErr == nil && in.Status.Terminal() {
		m.releaseClaim(in)
	}
	return saveErr
}

// FindActive implements Store.
func (m *MemoryStore) FindActive(_ context.Context, sagaType, correlationID string) (*Instance, error) {
	ownerID, ok := m.active.Load(activeKey(sagaType, correlationID))
	if !ok {
		return nil, nil
	}
	in, ok := m.sagas.Load(ownerID)
	if !ok || in.Status.Terminal() {
		return nil, nil
	}
	return in.Clone(), nil
}

// ListByStatus implements Store.
func (m *MemoryStore) ListByStatus(_ context.Context, statuses ...SagaStatus) ([]*Instance, error) {
	want := make(map[SagaStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []*Instance
	m.sagas.Range(func(_ string, in *Instance) bool {
		if want[in.Status] {
			out = append(out, in.Clone())
		}
		return true
	})
	return out, nil
}

// encodeInstance and decodeInstance are shared by the file and Postgres
// stores, which persist the full instance as one JSON document so the atomic
// write requirement holds without cross-row coordination.
func encodeInstance(in *Instance) ([]byte, error) {
	data, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal saga %s: %w", in.ID, err)
	}
	return data, nil
}

func decodeInstance(data []byte) (*Instance, error) {
	var in Instance
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("unmarshal saga: %w", err)
	}
	if in.Context == nil {
		in.Context = NewContext()
	}
	return &in, nil
}
