package fulfillment

import (
	"errors"
	"fmt"
)

// ErrSagaNotFound is returned for unknown saga ids.
var ErrSagaNotFound = errors.New("saga not found")

// ErrVersionConflict is returned by Store.Save when the instance version is
// stale. The caller must re-read and retry.
var ErrVersionConflict = errors.New("saga version conflict")

// ErrSagaExists is returned by Store.Create for a duplicate saga id.
var ErrSagaExists = errors.New("saga already exists")

// DuplicateSagaError rejects a Start for a correlation id that already has an
// active saga.
type DuplicateSagaError struct {
	SagaType      string
	CorrelationID string
	ExistingID    string
}

func (e *DuplicateSagaError) Error() string {
	return fmt.Sprintf("active %s saga already exists for correlation id %q: %s",
		e.SagaType, e.CorrelationID, e.ExistingID)
}

// InvalidStateError rejects an operation that is not legal in the instance's
// current status, such as cancelling a saga that is no longer RUNNING.
type InvalidStateError struct {
	SagaID    string
	Status    SagaStatus
	Operation string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s saga %s in status %s", e.Operation, e.SagaID, e.Status)
}
