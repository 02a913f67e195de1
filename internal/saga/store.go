package saga

import (
	"context"
	"time"
)

// ListFilter selects sagas for recovery and the admin surface. Zero values
// mean "no constraint".
type ListFilter struct {
	Workflow      string
	Statuses      []Status
	CreatedBefore time.Time
	Limit         int
}

// Store persists sagas and their event log.
type Store interface {
	// CreateSaga inserts s. It returns ErrSagaConflict when an active saga
	// already exists for (s.SagaName, s.CorrelationKey).
	CreateSaga(ctx context.Context, s *Saga) error
	GetSaga(ctx context.Context, sagaID string) (*Saga, error)
	// FindActive returns the active saga for the key or ErrSagaNotFound.
	FindActive(ctx context.Context, workflow, correlationKey string) (*Saga, error)
	ListSagas(ctx context.Context, f ListFilter) ([]*Saga, error)
	// FindEvents returns the saga's events ordered by step number.
	FindEvents(ctx context.Context, sagaID string) ([]*SagaEvent, error)
	// DeleteCompletedBefore removes the event log of sagas completed before
	// cutoff, and the saga rows too when withSagas is set.
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time, withSagas bool) (events, sagas int64, err error)
	// WithSagaLock runs fn with the saga exclusively locked. Writes made
	// through tx become visible only if fn returns nil. It returns
	// ErrSagaNotFound if the saga does not exist.
	WithSagaLock(ctx context.Context, sagaID string, fn func(ctx context.Context, tx SagaTx) error) error
}

// SagaTx is the view of one locked saga.
type SagaTx interface {
	// Saga returns the saga as loaded under the lock.
	Saga() *Saga
	// LastEvent returns the event with the highest step number, or nil.
	LastEvent(ctx context.Context) (*SagaEvent, error)
	// AppendEvent assigns EventID and StepNumber (previous count + 1) and stores ev.
	AppendEvent(ctx context.Context, ev *SagaEvent) error
	UpdateSaga(ctx context.Context, s *Saga) error
}
