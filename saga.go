package fulfillment

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/btree"
)

// SagaStatus is the saga instance state machine. CREATED moves to RUNNING on
// first dispatch; RUNNING ends in COMPLETED, or passes through COMPENSATING
// to FAILED. COMPLETED and FAILED are terminal.
type SagaStatus string

const (
	StatusCreated      SagaStatus = "CREATED"
	StatusRunning      SagaStatus = "RUNNING"
	StatusCompensating SagaStatus = "COMPENSATING"
	StatusCompleted    SagaStatus = "COMPLETED"
	StatusFailed       SagaStatus = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s SagaStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StepStatus is the per-step state machine.
type StepStatus string

const (
	StepPending     StepStatus = "PENDING"
	StepDispatched  StepStatus = "DISPATCHED"
	StepSucceeded   StepStatus = "SUCCEEDED"
	StepFailed      StepStatus = "FAILED"
	StepCompensated StepStatus = "COMPENSATED"
)

// Outcome is a collaborator's verdict on a dispatched step.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailure Outcome = "FAILURE"
)

// StepRecord tracks one dispatched step. Records form an append-only,
// strictly ordered sequence on the instance; compensation walks them in
// reverse.
type StepRecord struct {
	Name        string          `json:"name"`
	Status      StepStatus      `json:"status"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// CompensationLogEntry is the append-only record of one executed undo action.
// Its presence with OutcomeSuccess makes re-compensating a step a no-op.
type CompensationLogEntry struct {
	StepName   string    `json:"step_name"`
	Action     string    `json:"action"`
	Outcome    Outcome   `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
	ExecutedAt time.Time `json:"executed_at"`
}

// Instance is the durable record of one saga. Step records and compensation
// log entries live on the instance so a single Save persists step completion
// and state advancement atomically.
type Instance struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	CorrelationID string                 `json:"correlation_id"`
	Status        SagaStatus             `json:"status"`
	CurrentStep   string                 `json:"current_step,omitempty"`
	Context       *Context               `json:"context"`
	Steps         []*StepRecord          `json:"steps"`
	Compensations []CompensationLogEntry `json:"compensations,omitempty"`
	CancelReason  string                 `json:"cancel_reason,omitempty"`
	FailureReason string                 `json:"failure_reason,omitempty"`

	// AttentionStep names the step whose compensation exhausted its retry
	// budget and now needs operator follow-up.
	AttentionStep string `json:"attention_step,omitempty"`

	// Version is the optimistic lock: it increments on every persisted
	// transition and a Save against a stale version fails.
	Version int64 `json:"version"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Step returns the record for name, or nil.
func (in *Instance) Step(name string) *StepRecord {
	for _, s := range in.Steps {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Compensated reports whether a successful undo is already logged for step.
func (in *Instance) Compensated(step string) bool {
	for _, c := range in.Compensations {
		if c.StepName == step && c.Outcome == OutcomeSuccess {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand out as a snapshot.
func (in *Instance) Clone() *Instance {
	cp := *in
	cp.Steps = make([]*StepRecord, len(in.Steps))
	for i, s := range in.Steps {
		sc := *s
		cp.Steps[i] = &sc
	}
	cp.Compensations = append([]CompensationLogEntry(nil), in.Compensations...)
	if in.Context != nil {
		cp.Context = in.Context.Clone()
	}
	if in.CompletedAt != nil {
		t := *in.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// Context is the string-keyed data accumulated across steps. Keys iterate in
// a stable (sorted) order, and the JSON form is a plain object so stores can
// persist it directly.
type Context struct {
	m *btree.Map[string, json.RawMessage]
}

// NewContext creates an empty Context.
func NewContext() *Context {
	return &Context{m: btree.NewMap[string, json.RawMessage](8)}
}

// ContextFrom builds a Context from a plain map.
func ContextFrom(values map[string]any) (*Context, error) {
	c := NewContext()
	for k, v := range values {
		if err := c.Set(k, v); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Set marshals value and stores it under key.
func (c *Context) Set(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("context set %q: %w", key, err)
	}
	c.m.Set(key, data)
	return nil
}

// SetRaw stores an already-marshaled value under key.
func (c *Context) SetRaw(key string, raw json.RawMessage) {
	c.m.Set(key, append(json.RawMessage(nil), raw...))
}

// Get unmarshals the value at key into out. It returns false when the key is
// absent.
func (c *Context) Get(key string, out any) (bool, error) {
	raw, ok := c.m.Get(key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("context get %q: %w", key, err)
	}
	return true, nil
}

// Has reports whether key is present.
func (c *Context) Has(key string) bool {
	_, ok := c.m.Get(key)
	return ok
}

// Keys returns the keys in iteration order.
func (c *Context) Keys() []string {
	keys := make([]string, 0, c.m.Len())
	c.m.Scan(func(k string, _ json.RawMessage) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}

// Len returns the number of entries.
func (c *Context) Len() int {
	if c == nil || c.m == nil {
		return 0
	}
	return c.m.Len()
}

// Clone returns an independent copy.
func (c *Context) Clone() *Context {
	cp := NewContext()
	if c == nil || c.m == nil {
		return cp
	}
	c.m.Scan(func(k string, v json.RawMessage) bool {
		cp.m.Set(k, append(json.RawMessage(nil), v...))
		return true
	})
	return cp
}

// MarshalJSON renders the context as a JSON object in key order.
func (c *Context) MarshalJSON() ([]byte, error) {
	if c == nil || c.m == nil || c.m.Len() == 0 {
		return []byte("{}"), nil
	}
	out := make(map[string]json.RawMessage, c.m.Len())
	c.m.Scan(func(k string, v json.RawMessage) bool {
		out[k] = v
		return true
	})
	return json.Marshal(out)
}

// UnmarshalJSON restores the context from a JSON object.
func (c *Context) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("context unmarshal: %w", err)
	}
	c.m = btree.NewMap[string, json.RawMessage](8)
	for k, v := range raw {
		c.m.Set(k, v)
	}
	return nil
}
