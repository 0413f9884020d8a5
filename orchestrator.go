package fulfillment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/fortressi/fulfillment/eventbus"
)

// OrchestratorOptions configures an Orchestrator.
type OrchestratorOptions struct {
	Logger            *slog.Logger
	Metrics           *Metrics
	Scheduler         SchedulerOptions
	CompensationRetry CompensationRetryOptions

	// PublishAttempts bounds local retries of a bus publish before the
	// dispatch is treated as a step failure.
	PublishAttempts uint

	// SaveAttempts bounds local retries of a store write on transient
	// errors. Version conflicts are never retried blindly.
	SaveAttempts uint
}

// Orchestrator drives saga instances through their static step tables. It is
// event-driven: dispatch is fire-and-forget, and the state machine advances
// only when a step-result event (or a synthetic timeout) arrives.
//
// All mutations for one saga id are serialized through a per-saga lock;
// distinct sagas proceed fully concurrently.
type Orchestrator struct {
	store    Store
	bus      eventbus.Bus
	registry *Registry

	logger    *slog.Logger
	metrics   *Metrics
	scheduler *Scheduler
	engine    *CompensationEngine
	locks     *xsync.MapOf[string, *sync.Mutex]
	opts      OrchestratorOptions
}

// NewOrchestrator wires the orchestrator and subscribes it to the step-result
// topic. Callers should invoke Recover once after construction to resume
// in-flight sagas, and Close on shutdown.
func NewOrchestrator(store Store, bus eventbus.Bus, registry *Registry, opts OrchestratorOptions) (*Orchestrator, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.PublishAttempts == 0 {
		opts.PublishAttempts = 3
	}
	if opts.SaveAttempts == 0 {
		opts.SaveAttempts = 3
	}
	opts.CompensationRetry.applyDefaults()

	o := &Orchestrator{
		store:    store,
		bus:      bus,
		registry: registry,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		locks:    xsync.NewMapOf[string, *sync.Mutex](),
		opts:     opts,
	}
	// Timeout handling can run a full compensation with backoff, so each fires
	// in its own goroutine; the per-saga lock keeps it correct and one slow
	// saga cannot delay other sagas' deadlines.
	o.scheduler = NewScheduler(func(sagaID, stepName string) {
		go o.handleTimeout(sagaID, stepName)
	}, opts.Scheduler)
	o.engine = &CompensationEngine{
		logger:  opts.Logger,
		metrics: opts.Metrics,
		retry:   opts.CompensationRetry,
		save:    o.saveInstance,
		newStepContext: func(in *Instance, rec *StepRecord, undo bool) *StepContext {
			return o.stepContext(in, rec, undo)
		},
	}

	if err := bus.Subscribe(TopicStepResult, o.onStepResult); err != nil {
		o.scheduler.Close()
		return nil, fmt.Errorf("subscribe step results: %w", err)
	}
	return o, nil
}

// Close stops the timeout scheduler. The bus is owned by the caller.
func (o *Orchestrator) Close() {
	o.scheduler.Close()
}

// Start creates a saga for (sagaType, correlationID) and dispatches its first
// step. Idempotency is by correlation id: a second Start while a saga for the
// same business key is still active fails with *DuplicateSagaError.
func (o *Orchestrator) Start(ctx context.Context, sagaType, correlationID string, initial *Context) (string, error) {
	def, err := o.registry.Get(sagaType)
	if err != nil {
		return "", err
	}

	existing, err := o.store.FindActive(ctx, sagaType, correlationID)
	if err != nil {
		return "", fmt.Errorf("check active saga: %w", err)
	}
	if existing != nil {
		return "", &DuplicateSagaError{
			SagaType:      sagaType,
			CorrelationID: correlationID,
			ExistingID:    existing.ID,
		}
	}

	if initial == nil {
		initial = NewContext()
	}
	in := &Instance{
		ID:            uuid.NewString(),
		Type:          sagaType,
		CorrelationID: correlationID,
		Status:        StatusCreated,
		Context:       initial,
	}
	if err := o.store.Create(ctx, in); err != nil {
		if errors.Is(err, ErrSagaExists) {
			// A concurrent Start won the race; every store enforces active
			// correlation uniqueness at Create.
			return "", &DuplicateSagaError{SagaType: sagaType, CorrelationID: correlationID}
		}
		return "", fmt.Errorf("create saga: %w", err)
	}

	o.metrics.SagasStarted.Inc()
	o.logger.Info("saga_started",
		"saga_id", in.ID,
		"saga_type", sagaType,
		"correlation_id", correlationID,
	)

	unlock := o.lockSaga(in.ID)
	defer unlock()
	if err := o.dispatchStep(ctx, in, def, def.First); err != nil {
		return in.ID, err
	}
	return in.ID, nil
}

// HandleStepResult applies a collaborator's verdict on a dispatched step. It
// is the only mutation entrypoint besides Start and Cancel, and it is
// idempotent under at-least-once delivery: unless the named step is currently
// DISPATCHED the call is a logged no-op.
func (o *Orchestrator) HandleStepResult(ctx context.Context, sagaID, stepName string, outcome Outcome, payload json.RawMessage, errMsg string) error {
	unlock := o.lockSaga(sagaID)
	defer unlock()

	in, err := o.store.Load(ctx, sagaID)
	if err != nil {
		return err
	}
	def, err := o.registry.Get(in.Type)
	if err != nil {
		return err
	}

	rec := in.Step(stepName)
	if rec == nil || rec.Status != StepDispatched {
		o.metrics.DuplicateResults.Inc()
		o.logger.Debug("step_result_discarded",
			"saga_id", sagaID,
			"step", stepName,
			"outcome", outcome,
			"saga_status", in.Status,
		)
		return nil
	}

	o.scheduler.Cancel(sagaID, stepName)
	o.metrics.StepDuration.WithLabelValues(stepName).Observe(time.Since(rec.StartedAt).Seconds())

	switch in.Status {
	case StatusRunning:
		if outcome == OutcomeSuccess {
			return o.advance(ctx, in, def, rec, payload)
		}
		return o.failStep(ctx, in, def, rec, errMsg)

	case StatusCompensating, StatusFailed:
		// Cooperative cancellation: the in-flight command was not aborted,
		// so its late result is still honored. A late success is finalized
		// and immediately compensated.
		return o.finalizeLateResult(ctx, in, def, rec, outcome, payload, errMsg)

	default:
		o.metrics.DuplicateResults.Inc()
		o.logger.Debug("step_result_discarded",
			"saga_id", sagaID,
			"step", stepName,
			"saga_status", in.Status,
		)
		return nil
	}
}

// Cancel requests compensation of a RUNNING saga. The currently dispatched
// command is not aborted; its eventual result is handled as a late result.
func (o *Orchestrator) Cancel(ctx context.Context, sagaID, reason string) error {
	unlock := o.lockSaga(sagaID)
	defer unlock()

	in, err := o.store.Load(ctx, sagaID)
	if err != nil {
		return err
	}
	if in.Status != StatusRunning {
		return &InvalidStateError{SagaID: sagaID, Status: in.Status, Operation: "cancel"}
	}
	def, err := o.registry.Get(in.Type)
	if err != nil {
		return err
	}

	if in.CurrentStep != "" {
		o.scheduler.Cancel(sagaID, in.CurrentStep)
	}
	in.CancelReason = reason
	in.FailureReason = "cancelled: " + reason

	o.logger.Info("saga_cancelled", "saga_id", sagaID, "reason", reason)
	return o.failSaga(ctx, in, def)
}

// GetStatus returns a read-only snapshot of the instance, including step
// history and any compensation log.
func (o *Orchestrator) GetStatus(ctx context.Context, sagaID string) (*Instance, error) {
	return o.store.Load(ctx, sagaID)
}

// Recover resumes in-flight sagas after a restart: RUNNING instances get
// their current step re-dispatched (same idempotency key, so a command that
// did go out before the crash is deduplicated downstream), and COMPENSATING
// instances resume unwinding from the compensation log.
func (o *Orchestrator) Recover(ctx context.Context) error {
	instances, err := o.store.ListByStatus(ctx, StatusRunning, StatusCompensating)
	if err != nil {
		return fmt.Errorf("list in-flight sagas: %w", err)
	}

	for _, in := range instances {
		def, err := o.registry.Get(in.Type)
		if err != nil {
			o.logger.Error("recover_unknown_type", "saga_id", in.ID, "saga_type", in.Type)
			continue
		}

		unlock := o.lockSaga(in.ID)
		switch in.Status {
		case StatusRunning:
			err = o.resumeRunning(ctx, in, def)
		case StatusCompensating:
			err = o.failSaga(ctx, in, def)
		}
		unlock()

		if err != nil {
			o.logger.Error("recover_failed", "saga_id", in.ID, "error", err)
			continue
		}
		o.logger.Info("saga_recovered", "saga_id", in.ID, "status", in.Status)
	}
	return nil
}

// onStepResult adapts bus envelopes to HandleStepResult.
func (o *Orchestrator) onStepResult(ctx context.Context, env eventbus.Envelope) error {
	var ev StepResultEvent
	if err := env.Decode(&ev); err != nil {
		return err
	}
	return o.HandleStepResult(ctx, ev.SagaID, ev.StepName, ev.Outcome, ev.Payload, ev.Error)
}

// advance finalizes a successful step and moves the saga forward, either
// dispatching the next table entry or completing.
func (o *Orchestrator) advance(ctx context.Context, in *Instance, def *Definition, rec *StepRecord, payload json.RawMessage) error {
	finalizeStep(rec, StepSucceeded, "")
	rec.Output = payload
	if len(payload) > 0 {
		in.Context.SetRaw(rec.Name, payload)
	}

	o.logger.Info("step_succeeded", "saga_id", in.ID, "step", rec.Name)

	sd := def.Step(rec.Name)
	if sd.Next == "" {
		return o.completeSaga(ctx, in)
	}
	return o.dispatchStep(ctx, in, def, sd.Next)
}

// failStep handles a failure outcome for a dispatched step while RUNNING.
// Best-effort steps record the failure and move on; anything else starts
// compensation.
func (o *Orchestrator) failStep(ctx context.Context, in *Instance, def *Definition, rec *StepRecord, errMsg string) error {
	finalizeStep(rec, StepFailed, errMsg)
	sd := def.Step(rec.Name)

	if sd.BestEffort {
		o.logger.Warn("best_effort_step_failed", "saga_id", in.ID, "step", rec.Name, "error", errMsg)
		if sd.Next == "" {
			return o.completeSaga(ctx, in)
		}
		return o.dispatchStep(ctx, in, def, sd.Next)
	}

	in.FailureReason = fmt.Sprintf("step %s failed: %s", rec.Name, errMsg)
	o.logger.Warn("step_failed", "saga_id", in.ID, "step", rec.Name, "error", errMsg)
	return o.failSaga(ctx, in, def)
}

// finalizeLateResult settles a step whose result arrived after the saga left
// RUNNING. A late success still has a durable effect downstream, so its
// compensation runs immediately.
func (o *Orchestrator) finalizeLateResult(ctx context.Context, in *Instance, def *Definition, rec *StepRecord, outcome Outcome, payload json.RawMessage, errMsg string) error {
	if outcome != OutcomeSuccess {
		finalizeStep(rec, StepFailed, errMsg)
		return o.saveInstance(ctx, in)
	}

	finalizeStep(rec, StepSucceeded, "")
	rec.Output = payload
	if len(payload) > 0 {
		in.Context.SetRaw(rec.Name, payload)
	}
	o.logger.Info("late_step_success_compensating", "saga_id", in.ID, "step", rec.Name)

	if err := o.engine.compensateStep(ctx, in, def, rec); err != nil {
		in.AttentionStep = rec.Name
	}
	return o.saveInstance(ctx, in)
}

// dispatchStep persists the transition to (RUNNING, step DISPATCHED) and then
// fires the command. Persist-then-publish: a crash between the two is healed
// by Recover re-publishing under the same idempotency key.
func (o *Orchestrator) dispatchStep(ctx context.Context, in *Instance, def *Definition, stepName string) error {
	sd := def.Step(stepName)
	if sd == nil {
		return fmt.Errorf("saga %s: step table %s has no step %q", in.ID, def.Type, stepName)
	}

	rec := in.Step(stepName)
	if rec == nil {
		rec = &StepRecord{Name: stepName, Status: StepPending}
		in.Steps = append(in.Steps, rec)
	}
	rec.Status = StepDispatched
	rec.Attempts++
	rec.StartedAt = time.Now().UTC()
	in.Status = StatusRunning
	in.CurrentStep = stepName

	if err := o.saveInstance(ctx, in); err != nil {
		return err
	}

	if err := o.publishCommand(ctx, in, def, rec); err != nil {
		return err
	}

	o.scheduler.Schedule(in.ID, stepName, rec.StartedAt.Add(sd.Timeout))
	o.logger.Info("step_dispatched",
		"saga_id", in.ID,
		"step", stepName,
		"attempt", rec.Attempts,
	)
	return nil
}

// publishCommand runs the step's dispatch function; publish failures that
// survive local retry are treated as a step failure outcome.
func (o *Orchestrator) publishCommand(ctx context.Context, in *Instance, def *Definition, rec *StepRecord) error {
	sc := o.stepContext(in, rec, false)
	if err := def.Step(rec.Name).Dispatch(ctx, sc); err != nil {
		o.logger.Error("dispatch_failed", "saga_id", in.ID, "step", rec.Name, "error", err)
		return o.failStep(ctx, in, def, rec, fmt.Sprintf("dispatch: %v", err))
	}
	return nil
}

// resumeRunning re-fires the current step of a recovered RUNNING saga.
func (o *Orchestrator) resumeRunning(ctx context.Context, in *Instance, def *Definition) error {
	if in.CurrentStep == "" {
		return o.dispatchStep(ctx, in, def, def.First)
	}
	sd := def.Step(in.CurrentStep)
	rec := in.Step(in.CurrentStep)
	if sd == nil || rec == nil || rec.Status != StepDispatched {
		return o.dispatchStep(ctx, in, def, in.CurrentStep)
	}

	// The command may or may not have reached the bus before the crash;
	// re-publishing under the same idempotency key is safe either way.
	if err := o.publishCommand(ctx, in, def, rec); err != nil {
		return err
	}
	o.scheduler.Schedule(in.ID, in.CurrentStep, time.Now().Add(sd.Timeout))
	return nil
}

// handleTimeout is the scheduler callback: retry the command while budget
// remains, otherwise treat the elapsed deadline as a failure outcome.
func (o *Orchestrator) handleTimeout(sagaID, stepName string) {
	ctx := context.Background()
	unlock := o.lockSaga(sagaID)
	defer unlock()

	in, err := o.store.Load(ctx, sagaID)
	if err != nil {
		o.logger.Error("timeout_load_failed", "saga_id", sagaID, "error", err)
		return
	}
	rec := in.Step(stepName)
	if in.Status != StatusRunning || rec == nil || rec.Status != StepDispatched || in.CurrentStep != stepName {
		return
	}
	def, err := o.registry.Get(in.Type)
	if err != nil {
		o.logger.Error("timeout_unknown_type", "saga_id", sagaID, "saga_type", in.Type)
		return
	}

	o.metrics.StepTimeouts.Inc()
	sd := def.Step(stepName)
	if rec.Attempts < sd.MaxAttempts {
		o.logger.Warn("step_timeout_retry",
			"saga_id", sagaID,
			"step", stepName,
			"attempt", rec.Attempts+1,
			"max_attempts", sd.MaxAttempts,
		)
		if err := o.dispatchStep(ctx, in, def, stepName); err != nil {
			o.logger.Error("step_retry_failed", "saga_id", sagaID, "step", stepName, "error", err)
		}
		return
	}

	o.logger.Warn("step_timed_out", "saga_id", sagaID, "step", stepName, "attempts", rec.Attempts)
	if err := o.failStep(ctx, in, def, rec, "step timed out"); err != nil {
		o.logger.Error("timeout_fail_step", "saga_id", sagaID, "step", stepName, "error", err)
	}
}

// failSaga runs compensation and lands the saga in FAILED. FAILED is terminal
// even when compensation itself partially fails; the offending step is then
// recorded on the instance for operator follow-up.
func (o *Orchestrator) failSaga(ctx context.Context, in *Instance, def *Definition) error {
	in.Status = StatusCompensating
	in.CurrentStep = ""
	if err := o.saveInstance(ctx, in); err != nil {
		return err
	}

	if err := o.engine.Run(ctx, in, def); err != nil {
		o.logger.Error("compensation_incomplete",
			"saga_id", in.ID,
			"attention_step", in.AttentionStep,
			"error", err,
		)
	}

	now := time.Now().UTC()
	in.Status = StatusFailed
	in.CompletedAt = &now
	if err := o.saveInstance(ctx, in); err != nil {
		return err
	}

	o.metrics.SagasCompleted.WithLabelValues(string(StatusFailed)).Inc()
	o.logger.Info("saga_failed", "saga_id", in.ID, "reason", in.FailureReason)
	o.publishCompleted(ctx, in)
	return nil
}

func (o *Orchestrator) completeSaga(ctx context.Context, in *Instance) error {
	now := time.Now().UTC()
	in.Status = StatusCompleted
	in.CurrentStep = ""
	in.CompletedAt = &now
	if err := o.saveInstance(ctx, in); err != nil {
		return err
	}

	o.metrics.SagasCompleted.WithLabelValues(string(StatusCompleted)).Inc()
	o.logger.Info("saga_completed", "saga_id", in.ID, "correlation_id", in.CorrelationID)
	o.publishCompleted(ctx, in)
	return nil
}

func (o *Orchestrator) publishCompleted(ctx context.Context, in *Instance) {
	ev := SagaCompletedEvent{
		SagaID:        in.ID,
		Type:          in.Type,
		CorrelationID: in.CorrelationID,
		Status:        in.Status,
		FailureReason: in.FailureReason,
	}
	key := in.ID + ":terminal"
	if err := o.bus.Publish(ctx, TopicSagaCompleted, in.CorrelationID, key, ev); err != nil {
		// Observers miss the announcement but the store holds the truth;
		// GetStatus still reflects the terminal state.
		o.logger.Error("completion_publish_failed", "saga_id", in.ID, "error", err)
	}
}

// stepContext binds a publisher to the saga's partition key and the step's
// deterministic idempotency key (saga id + step name, with an :undo suffix on
// the compensation side). Attempt numbers are deliberately excluded so
// retries of the same step are recognized as duplicates downstream.
func (o *Orchestrator) stepContext(in *Instance, rec *StepRecord, undo bool) *StepContext {
	key := in.ID + ":" + rec.Name
	if undo {
		key += ":undo"
	}
	return &StepContext{
		SagaID:        in.ID,
		CorrelationID: in.CorrelationID,
		StepName:      rec.Name,
		Attempt:       rec.Attempts,
		Context:       in.Context,
		publish: func(ctx context.Context, topic string, payload any) error {
			if !undo {
				if data, err := json.Marshal(payload); err == nil {
					rec.Input = data
				}
			}
			return retry.Do(
				func() error { return o.bus.Publish(ctx, topic, in.CorrelationID, key, payload) },
				retry.Context(ctx),
				retry.Attempts(o.opts.PublishAttempts),
				retry.Delay(50*time.Millisecond),
				retry.MaxJitter(50*time.Millisecond),
				retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
				retry.LastErrorOnly(true),
			)
		},
	}
}

// saveInstance writes with bounded retry on transient store errors. Version
// conflicts and missing rows are surfaced immediately: under the per-saga
// lock a conflict means an external writer, and blind retries would only
// clobber it.
func (o *Orchestrator) saveInstance(ctx context.Context, in *Instance) error {
	err := retry.Do(
		func() error { return o.store.Save(ctx, in) },
		retry.Context(ctx),
		retry.Attempts(o.opts.SaveAttempts),
		retry.Delay(25*time.Millisecond),
		retry.MaxJitter(25*time.Millisecond),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, ErrVersionConflict) && !errors.Is(err, ErrSagaNotFound)
		}),
		retry.LastErrorOnly(true),
	)
	if errors.Is(err, ErrVersionConflict) {
		o.metrics.VersionConflicts.Inc()
	}
	return err
}

func (o *Orchestrator) lockSaga(sagaID string) func() {
	mu, _ := o.locks.LoadOrCompute(sagaID, func() *sync.Mutex { return &sync.Mutex{} })
	mu.Lock()
	return mu.Unlock
}

func finalizeStep(rec *StepRecord, status StepStatus, errMsg string) {
	now := time.Now().UTC()
	rec.Status = status
	rec.Error = errMsg
	rec.CompletedAt = &now
}
