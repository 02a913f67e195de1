package saga

import (
	"context"
	"errors"
	"fmt"

	"github.com/pen/orchestrator/pkg/logger"
)

// Trigger starts a saga for payload. It returns ErrSagaConflict when an
// active saga already exists for the derived correlation key. A failure to
// publish the first step is logged and left to recovery; the saga is still
// returned as accepted.
func (e *Engine) Trigger(ctx context.Context, workflow, payload, user string) (*Saga, error) {
	wf, err := e.registry.Get(workflow)
	if err != nil {
		return nil, err
	}
	key, err := wf.CorrelationKey(payload)
	if err != nil {
		return nil, err
	}
	if existing, err := e.store.FindActive(ctx, wf.Name(), key); err == nil {
		return nil, fmt.Errorf("%w: %s/%s held by %s", ErrSagaConflict, wf.Name(), key, existing.SagaID)
	} else if !errors.Is(err, ErrSagaNotFound) {
		return nil, fmt.Errorf("find active saga: %w", err)
	}

	if user == "" {
		user = e.user
	}
	s, err := e.create(ctx, wf, key, payload, user)
	if err != nil {
		return nil, err
	}
	if _, err := e.initiate(ctx, wf, s); err != nil {
		e.log.WithContext(ctx).WithError(err).Warnf("first step failed, left for recovery", logger.Fields{
			"sagaId": s.SagaID, "workflow": wf.Name(),
		})
	}
	if latest, err := e.store.GetSaga(ctx, s.SagaID); err == nil {
		s = latest
	}
	return s, nil
}

// BatchResult is the outcome of one TriggerBatch item.
type BatchResult struct {
	Index int
	Saga  *Saga
	Err   error
}

// TriggerBatch triggers one saga per payload; failures do not stop the batch.
func (e *Engine) TriggerBatch(ctx context.Context, workflow string, payloads []string, user string) []BatchResult {
	out := make([]BatchResult, len(payloads))
	for i, p := range payloads {
		s, err := e.Trigger(ctx, workflow, p, user)
		out[i] = BatchResult{Index: i, Saga: s, Err: err}
	}
	return out
}

// ForceStop halts a saga: live events for it are discarded from now on and
// recovery skips it. Completed sagas can't be stopped.
func (e *Engine) ForceStop(ctx context.Context, sagaID, user string) (*Saga, error) {
	if user == "" {
		user = e.user
	}
	var stopped *Saga
	err := e.store.WithSagaLock(ctx, sagaID, func(ctx context.Context, tx SagaTx) error {
		s := tx.Saga()
		switch s.Status {
		case StatusCompleted:
			return fmt.Errorf("%w: %s", ErrSagaAlreadyCompleted, sagaID)
		case StatusForceStopped:
			stopped = s
			return nil
		}
		s.Status = StatusForceStopped
		s.UpdateUser = user
		s.UpdateDate = e.now()
		if err := tx.UpdateSaga(ctx, s); err != nil {
			return fmt.Errorf("update saga: %w", err)
		}
		stopped = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.WithContext(ctx).Infof("saga force stopped", logger.Fields{"sagaId": sagaID, "user": user})
	e.notify(ctx, stopped)
	return stopped, nil
}

// ForceStart stops any active saga for the payload's correlation key and
// starts a fresh one.
func (e *Engine) ForceStart(ctx context.Context, workflow, payload, user string) (*Saga, error) {
	wf, err := e.registry.Get(workflow)
	if err != nil {
		return nil, err
	}
	key, err := wf.CorrelationKey(payload)
	if err != nil {
		return nil, err
	}
	existing, err := e.store.FindActive(ctx, wf.Name(), key)
	switch {
	case err == nil:
		if _, err := e.ForceStop(ctx, existing.SagaID, user); err != nil && !errors.Is(err, ErrSagaAlreadyCompleted) {
			return nil, fmt.Errorf("stop active saga %s: %w", existing.SagaID, err)
		}
	case !errors.Is(err, ErrSagaNotFound):
		return nil, fmt.Errorf("find active saga: %w", err)
	}
	return e.Trigger(ctx, workflow, payload, user)
}
