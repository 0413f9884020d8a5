package fulfillment

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextSetGet(t *testing.T) {
	c := NewContext()
	require.NoError(t, c.Set("order", map[string]string{"order_id": "order-1"}))

	var got map[string]string
	ok, err := c.Get("order", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "order-1", got["order_id"])

	ok, err = c.Get("missing", &got)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.True(t, c.Has("order"))
	assert.False(t, c.Has("missing"))
	assert.Equal(t, 1, c.Len())
}

func TestContextKeysAreSorted(t *testing.T) {
	c := NewContext()
	for _, k := range []string{"zulu", "alpha", "mike"} {
		require.NoError(t, c.Set(k, 1))
	}
	assert.Equal(t, []string{"alpha", "mike", "zulu"}, c.Keys())
}

func TestContextJSONRoundTrip(t *testing.T) {
	c := NewContext()
	require.NoError(t, c.Set("order", map[string]string{"order_id": "order-1"}))
	require.NoError(t, c.Set("reserve-inventory", InventoryReservedEvent{ReservationID: "res-1"}))

	data, err := json.Marshal(c)
	require.NoError(t, err)

	var back Context
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, c.Keys(), back.Keys())

	var ev InventoryReservedEvent
	ok, err := back.Get("reserve-inventory", &ev)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "res-1", ev.ReservationID)

	// An empty context is a plain JSON object.
	empty, err := json.Marshal(NewContext())
	require.NoError(t, err)
	assert.JSONEq(t, "{}", string(empty))
}

func TestContextCloneIsIndependent(t *testing.T) {
	c := NewContext()
	require.NoError(t, c.Set("order", "original"))

	cp := c.Clone()
	require.NoError(t, cp.Set("order", "changed"))
	require.NoError(t, cp.Set("extra", 1))

	var got string
	_, err := c.Get("order", &got)
	require.NoError(t, err)
	assert.Equal(t, "original", got)
	assert.False(t, c.Has("extra"))
}

func TestInstanceCloneIsDeep(t *testing.T) {
	in := &Instance{
		ID:      "saga-1",
		Status:  StatusRunning,
		Context: NewContext(),
		Steps: []*StepRecord{
			{Name: "reserve", Status: StepSucceeded},
		},
		Compensations: []CompensationLogEntry{
			{StepName: "reserve", Outcome: OutcomeSuccess},
		},
	}

	cp := in.Clone()
	cp.Steps[0].Status = StepCompensated
	cp.Compensations[0].Outcome = OutcomeFailure
	cp.Status = StatusFailed

	assert.Equal(t, StepSucceeded, in.Steps[0].Status)
	assert.Equal(t, OutcomeSuccess, in.Compensations[0].Outcome)
	assert.Equal(t, StatusRunning, in.Status)
}

func TestInstanceCompensated(t *testing.T) {
	in := &Instance{
		Compensations: []CompensationLogEntry{
			{StepName: "reserve", Outcome: OutcomeFailure},
			{StepName: "reserve", Outcome: OutcomeSuccess},
			{StepName: "charge", Outcome: OutcomeFailure},
		},
	}
	assert.True(t, in.Compensated("reserve"))
	assert.False(t, in.Compensated("charge"))
	assert.False(t, in.Compensated("ship"))
}

func TestSagaStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusCreated.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.False(t, StatusCompensating.Terminal())
}

func TestSplitIdempotencyKey(t *testing.T) {
	sagaID, step, undo, err := SplitIdempotencyKey("saga-1:reserve-inventory")
	require.NoError(t, err)
	assert.Equal(t, "saga-1", sagaID)
	assert.Equal(t, "reserve-inventory", step)
	assert.False(t, undo)

	sagaID, step, undo, err = SplitIdempotencyKey("saga-1:reserve-inventory:undo")
	require.NoError(t, err)
	assert.Equal(t, "saga-1", sagaID)
	assert.Equal(t, "reserve-inventory", step)
	assert.True(t, undo)

	for _, bad := range []string{"", "saga-1", "saga-1:step:redo", "a:b:c:d"} {
		_, _, _, err := SplitIdempotencyKey(bad)
		assert.Error(t, err, bad)
	}
}

func TestErrorMessages(t *testing.T) {
	dup := &DuplicateSagaError{SagaType: "TEST_ORDER", CorrelationID: "order-1", ExistingID: "saga-1"}
	assert.Contains(t, dup.Error(), "order-1")
	assert.Contains(t, dup.Error(), "saga-1")

	invalid := &InvalidStateError{SagaID: "saga-1", Status: StatusCompleted, Operation: "cancel"}
	assert.Contains(t, invalid.Error(), "cancel")
	assert.Contains(t, invalid.Error(), string(StatusCompleted))
}
