package saga

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/pen/orchestrator/pkg/logger"
	"github.com/pen/orchestrator/pkg/tracing"
)

// Replay re-drives the transition selected by the saga's last recorded event,
// or the initiating transition when nothing has been recorded yet. It goes
// through the same locked path as live delivery, records no new SagaEvent and
// increments the retry counter.
func (e *Engine) Replay(ctx context.Context, sagaID string) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "saga.replay", attribute.String("saga.id", sagaID))
	defer span.End()

	s, err := e.store.GetSaga(ctx, sagaID)
	if err != nil {
		tracing.SetError(span, err)
		return ResultFailed, err
	}
	wf, err := e.registry.Get(s.SagaName)
	if err != nil {
		tracing.SetError(span, err)
		return ResultUnmapped, err
	}

	result, err := e.drive(ctx, wf, sagaID, modeReplay, lastEventOrInitiation)
	switch {
	case err != nil:
		result = ResultFailed
		tracing.SetError(span, err)
		e.log.WithContext(ctx).WithError(err).Warnf("replay failed", logger.Fields{"sagaId": sagaID, "workflow": wf.Name()})
	case result == ResultForceStopped:
		err = fmt.Errorf("%w: %s", ErrSagaForceStopped, sagaID)
	}
	e.rec.Replayed(wf.Name(), result)
	return result, err
}

func lastEventOrInitiation(ctx context.Context, tx SagaTx) (*Event, error) {
	s := tx.Saga()
	last, err := tx.LastEvent(ctx)
	if err != nil {
		return nil, fmt.Errorf("load last saga event: %w", err)
	}
	if last == nil {
		return initiatingEvent(s), nil
	}
	return &Event{
		EventType:    last.EventState,
		EventOutcome: last.EventOutcome,
		SagaID:       s.SagaID,
		EventPayload: last.Response,
	}, nil
}
