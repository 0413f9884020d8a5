package fulfillment

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTrip(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	now := time.Now().UTC()
	ctxData, err := ContextFrom(map[string]any{"order": map[string]string{"order_id": "order-1"}})
	require.NoError(t, err)
	in := &Instance{
		ID:            "saga-1",
		Type:          "TEST_ORDER",
		CorrelationID: "order-1",
		Status:        StatusRunning,
		CurrentStep:   "charge",
		Context:       ctxData,
		Steps: []*StepRecord{
			{Name: "reserve", Status: StepSucceeded, Attempts: 1, StartedAt: now},
			{Name: "charge", Status: StepDispatched, Attempts: 2, StartedAt: now},
		},
		Compensations: []CompensationLogEntry{
			{StepName: "reserve", Action: "undo:reserve", Outcome: OutcomeSuccess, ExecutedAt: now},
		},
	}
	require.NoError(t, fs.Create(context.Background(), in))

	got, err := fs.Load(context.Background(), "saga-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, "charge", got.CurrentStep)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, StepSucceeded, got.Step("reserve").Status)
	assert.Equal(t, 2, got.Step("charge").Attempts)
	assert.True(t, got.Compensated("reserve"))

	var order map[string]string
	ok, err := got.Context.Get("order", &order)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "order-1", order["order_id"])
}

func TestFileStoreSaveVersionCheck(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	in := &Instance{ID: "saga-1", Type: "TEST_ORDER", CorrelationID: "order-1", Status: StatusRunning, Context: NewContext()}
	require.NoError(t, fs.Create(context.Background(), in))

	in.Status = StatusCompleted
	require.NoError(t, fs.Save(context.Background(), in))
	assert.Equal(t, int64(2), in.Version)

	stale := &Instance{ID: "saga-1", Status: StatusRunning, Version: 1, Context: NewContext()}
	assert.ErrorIs(t, fs.Save(context.Background(), stale), ErrVersionConflict)

	assert.ErrorIs(t, fs.Save(context.Background(), &Instance{ID: "missing", Version: 1}), ErrSagaNotFound)
	_, err = fs.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSagaNotFound)
}

func TestFileStoreCreateDuplicate(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	in := &Instance{ID: "saga-1", Context: NewContext()}
	require.NoError(t, fs.Create(context.Background(), in))
	assert.ErrorIs(t, fs.Create(context.Background(), &Instance{ID: "saga-1", Context: NewContext()}), ErrSagaExists)
}

func TestFileStoreCreateRejectsActiveDuplicateCorrelation(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	first := &Instance{ID: "saga-1", Type: "TEST_ORDER", CorrelationID: "order-1", Status: StatusRunning, Context: NewContext()}
	require.NoError(t, fs.Create(context.Background(), first))

	dup := &Instance{ID: "saga-2", Type: "TEST_ORDER", CorrelationID: "order-1", Status: StatusCreated, Context: NewContext()}
	assert.ErrorIs(t, fs.Create(context.Background(), dup), ErrSagaExists)

	// A different saga type may reuse the correlation id.
	other := &Instance{ID: "saga-3", Type: "OTHER_TYPE", CorrelationID: "order-1", Status: StatusRunning, Context: NewContext()}
	require.NoError(t, fs.Create(context.Background(), other))

	// Once the first saga lands terminal the business key is free again.
	first.Status = StatusFailed
	require.NoError(t, fs.Save(context.Background(), first))
	require.NoError(t, fs.Create(context.Background(), dup))
}

func TestFileStoreFindActiveAndList(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	require.NoError(t, err)

	running := &Instance{ID: "saga-1", Type: "TEST_ORDER", CorrelationID: "order-1", Status: StatusRunning, Context: NewContext()}
	done := &Instance{ID: "saga-2", Type: "TEST_ORDER", CorrelationID: "order-2", Status: StatusCompleted, Context: NewContext()}
	require.NoError(t, fs.Create(context.Background(), running))
	require.NoError(t, fs.Create(context.Background(), done))

	// Stray files in the directory are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	got, err := fs.FindActive(context.Background(), "TEST_ORDER", "order-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "saga-1", got.ID)

	got, err = fs.FindActive(context.Background(), "TEST_ORDER", "order-2")
	require.NoError(t, err)
	assert.Nil(t, got)

	list, err := fs.ListByStatus(context.Background(), StatusRunning)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "saga-1", list[0].ID)
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	require.NoError(t, err)

	in := &Instance{ID: "saga-1", Type: "TEST_ORDER", CorrelationID: "order-1", Status: StatusCompensating, Context: NewContext()}
	require.NoError(t, fs.Create(context.Background(), in))

	reopened, err := NewFileStore(dir)
	require.NoError(t, err)
	list, err := reopened.ListByStatus(context.Background(), StatusRunning, StatusCompensating)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "saga-1", list[0].ID)
}
