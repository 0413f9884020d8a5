package fulfillment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileStore persists each saga as one JSON file under a base directory. The
// whole instance is written in a single atomic rename, which satisfies the
// requirement that step completion and state advancement commit together.
// Suitable for single-process deployments and durable recovery tests.
type FileStore struct {
	basePath string
	mu       sync.Mutex // serializes read-check-write cycles
}

// NewFileStore creates a file-based store rooted at basePath.
func NewFileStore(basePath string) (*FileStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}
	return &FileStore{basePath: basePath}, nil
}

// Create implements Store. The mutex spans the duplicate scan and the write,
// so two racing Creates for the same active correlation serialize and the
// loser fails, like the partial unique index in the Postgres store.
func (f *FileStore) Create(_ context.Context, in *Instance) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	filename := f.filename(in.ID)
	if _, err := os.Stat(filename); err == nil {
		return fmt.Errorf("%w: %s", ErrSagaExists, in.ID)
	}

	all, err := f.listLocked()
	if err != nil {
		return err
	}
	for _, existing := range all {
		if existing.Type == in.Type && existing.CorrelationID == in.CorrelationID && !existing.Status.Terminal() {
			return fmt.Errorf("%w: active saga %s for %s/%s",
				ErrSagaExists, existing.ID, in.Type, in.CorrelationID)
		}
	}

	now := time.Now().UTC()
	in.Version = 1
	in.CreatedAt = now
	in.UpdatedAt = now
	return f.write(in)
}

// Load implements Store.
func (f *FileStore) Load(_ context.Context, sagaID string) (*Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read(sagaID)
}

// Save implements Store.
func (f *FileStore) Save(_ context.Context, in *Instance) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	stored, err := f.read(in.ID)
	if err != nil {
		return err
	}
	if stored.Version != in.Version {
		return fmt.Errorf("%w: %s expected v%d have v%d",
			ErrVersionConflict, in.ID, in.Version, stored.Version)
	}

	in.Version++
	in.UpdatedAt = time.Now().UTC()
	return f.write(in)
}

// FindActive implements Store.
func (f *FileStore) FindActive(ctx context.Context, sagaType, correlationID string) (*Instance, error) {
	all, err := f.list(ctx)
	if err != nil {
		return nil, err
	}
	for _, in := range all {
		if in.Type == sagaType && in.CorrelationID == correlationID && !in.Status.Terminal() {
			return in, nil
		}
	}
	return nil, nil
}

// ListByStatus implements Store.
func (f *FileStore) ListByStatus(ctx context.Context, statuses ...SagaStatus) ([]*Instance, error) {
	want := make(map[SagaStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	all, err := f.list(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Instance
	for _, in := range all {
		if want[in.Status] {
			out = append(out, in)
		}
	}
	return out, nil
}

func (f *FileStore) list(_ context.Context) ([]*Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listLocked()
}

func (f *FileStore) listLocked() ([]*Instance, error) {
	entries, err := os.ReadDir(f.basePath)
	if err != nil {
		return nil, fmt.Errorf("read base directory: %w", err)
	}
	var out []*Instance
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		in, err := f.read(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, nil
}

func (f *FileStore) read(sagaID string) (*Instance, error) {
	data, err := os.ReadFile(f.filename(sagaID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSagaNotFound, sagaID)
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}
	return decodeInstance(data)
}

func (f *FileStore) write(in *Instance) error {
	data, err := encodeInstance(in)
	if err != nil {
		return err
	}
	filename := f.filename(in.ID)
	tmp := filename + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmp, filename); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

func (f *FileStore) filename(sagaID string) string {
	return filepath.Join(f.basePath, sagaID+".json")
}
