package fulfillment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	retry "github.com/avast/retry-go/v4"
)

// CompensationRetryOptions bounds the undo retry loop. Defaults follow the
// classic shape: 1s base, doubling, capped at 30s, five attempts.
type CompensationRetryOptions struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Attempts  uint
}

func (o *CompensationRetryOptions) applyDefaults() {
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.Attempts == 0 {
		o.Attempts = 5
	}
}

// CompensationEngine unwinds a saga's completed steps in reverse order. Each
// undo is guarded by the instance's compensation log, so re-running the
// engine after a crash or redelivery skips work already done.
type CompensationEngine struct {
	logger  *slog.Logger
	metrics *Metrics
	retry   CompensationRetryOptions

	// save persists the instance between undo actions so progress survives a
	// crash mid-unwind.
	save func(ctx context.Context, in *Instance) error

	// newStepContext builds the undo-side StepContext (idempotency key
	// carries the :undo suffix).
	newStepContext func(in *Instance, rec *StepRecord, undo bool) *StepContext
}

// Run walks the SUCCEEDED steps in reverse append order and executes their
// compensation actions. It stops at the first step whose undo exhausts its
// retry budget, marking it on the instance for operator follow-up, and
// returns that error. A nil return means every completed step is now
// compensated.
func (e *CompensationEngine) Run(ctx context.Context, in *Instance, def *Definition) error {
	for i := len(in.Steps) - 1; i >= 0; i-- {
		rec := in.Steps[i]
		if rec.Status != StepSucceeded {
			continue
		}
		if err := e.compensateStep(ctx, in, def, rec); err != nil {
			in.AttentionStep = rec.Name
			return fmt.Errorf("compensate step %s: %w", rec.Name, err)
		}
	}
	return nil
}

// compensateStep undoes a single completed step. Already-compensated steps
// and steps without a registered undo action are no-ops.
func (e *CompensationEngine) compensateStep(ctx context.Context, in *Instance, def *Definition, rec *StepRecord) error {
	sd := def.Step(rec.Name)
	if sd == nil || sd.Compensate == nil {
		rec.Status = StepCompensated
		return nil
	}
	if in.Compensated(rec.Name) {
		e.logger.Debug("compensation_skipped", "saga_id", in.ID, "step", rec.Name)
		rec.Status = StepCompensated
		return nil
	}

	sc := e.newStepContext(in, rec, true)
	err := retry.Do(
		func() error { return sd.Compensate(ctx, sc) },
		retry.Context(ctx),
		retry.Attempts(e.retry.Attempts),
		retry.Delay(e.retry.BaseDelay),
		retry.MaxDelay(e.retry.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			e.logger.Warn("compensation_retry",
				"saga_id", in.ID,
				"step", rec.Name,
				"attempt", n+1,
				"error", err,
			)
		}),
	)

	entry := CompensationLogEntry{
		StepName:   rec.Name,
		Action:     "undo:" + rec.Name,
		Outcome:    OutcomeSuccess,
		ExecutedAt: time.Now().UTC(),
	}
	if err != nil {
		entry.Outcome = OutcomeFailure
		entry.Detail = err.Error()
		e.metrics.Compensations.WithLabelValues("failure").Inc()
	} else {
		rec.Status = StepCompensated
		e.metrics.Compensations.WithLabelValues("success").Inc()
	}
	in.Compensations = append(in.Compensations, entry)

	if saveErr := e.save(ctx, in); saveErr != nil {
		e.logger.Error("compensation_persist_failed", "saga_id", in.ID, "step", rec.Name, "error", saveErr)
		if err == nil {
			return saveErr
		}
	}
	return err
}
