package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/pen/orchestrator/pkg/logger"
	"github.com/pen/orchestrator/pkg/tracing"
)

// Result classifies how an inbound event was handled.
type Result string

const (
	ResultApplied        Result = "applied"
	ResultDuplicateStart Result = "duplicate_start"
	ResultTerminal       Result = "terminal"
	ResultStale          Result = "stale"
	ResultForceStopped   Result = "force_stopped"
	ResultOrphan         Result = "orphan"
	ResultUnmapped       Result = "unmapped"
	ResultRejected       Result = "rejected"
	ResultFailed         Result = "failed"
)

// Recorder receives engine measurements.
type Recorder interface {
	SagaStarted(workflow string)
	SagaCompleted(workflow string)
	Dispatched(workflow string, result Result, elapsed time.Duration)
	Transitioned(workflow string, from EventType, outcome EventOutcome)
	Replayed(workflow string, result Result)
}

// Notifier is told about every persisted saga change.
type Notifier interface {
	SagaChanged(ctx context.Context, s *Saga)
}

type Options struct {
	Logger   *logger.Logger
	Recorder Recorder
	Notifier Notifier
	// SystemUser is written to audit fields for engine-driven changes.
	SystemUser string
	Now        func() time.Time
}

// Engine drives sagas through their workflow's step table.
type Engine struct {
	store    Store
	registry *Registry
	log      *logger.Logger
	rec      Recorder
	notifier Notifier
	user     string
	now      func() time.Time
}

func NewEngine(store Store, registry *Registry, opts Options) *Engine {
	e := &Engine{
		store:    store,
		registry: registry,
		log:      opts.Logger,
		rec:      opts.Recorder,
		notifier: opts.Notifier,
		user:     opts.SystemUser,
		now:      opts.Now,
	}
	if e.log == nil {
		e.log = logger.Nop()
	}
	if e.rec == nil {
		e.rec = nopRecorder{}
	}
	if e.user == "" {
		e.user = "PEN_ORCHESTRATOR"
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	return e
}

// Registry returns the workflows the engine serves.
func (e *Engine) Registry() *Registry { return e.registry }

// Store returns the backing store.
func (e *Engine) Store() Store { return e.store }

type driveMode int

const (
	modeLive driveMode = iota
	modeReplay
)

// Dispatch handles one inbound envelope for workflow. A nil return means the
// message may be acknowledged; duplicates, stale events, orphans and unmapped
// outcomes are logged and swallowed. A non-nil error is an infrastructure
// failure and the message must be redelivered.
func (e *Engine) Dispatch(ctx context.Context, workflow string, ev *Event) error {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "saga.dispatch",
		attribute.String("saga.workflow", workflow),
		attribute.String("saga.id", ev.SagaID),
		attribute.String("saga.event_type", string(ev.EventType)),
		attribute.String("saga.event_outcome", string(ev.EventOutcome)),
	)
	defer span.End()

	result, err := e.dispatch(ctx, workflow, ev)
	if err != nil {
		result = ResultFailed
		tracing.SetError(span, err)
	}
	span.SetAttributes(attribute.String("saga.result", string(result)))
	e.rec.Dispatched(workflow, result, time.Since(start))
	return err
}

func (e *Engine) dispatch(ctx context.Context, workflow string, ev *Event) (Result, error) {
	log := e.logFor(ctx, ev)
	wf, err := e.registry.Get(workflow)
	if err != nil {
		log.WithError(err).Error("event for unregistered workflow discarded")
		return ResultUnmapped, nil
	}
	if ev.Initiating() {
		return e.handleInitiating(ctx, wf, ev)
	}

	result, err := e.drive(ctx, wf, ev.SagaID, modeLive, func(context.Context, SagaTx) (*Event, error) {
		return ev, nil
	})
	if errors.Is(err, ErrSagaNotFound) {
		log.Error("orphan event: saga does not exist")
		return ResultOrphan, nil
	}
	return result, err
}

func (e *Engine) handleInitiating(ctx context.Context, wf *Workflow, ev *Event) (Result, error) {
	log := e.logFor(ctx, ev).WithField("workflow", wf.Name())
	key, err := wf.CorrelationKey(ev.EventPayload)
	if err != nil {
		log.WithError(err).Error("initiating event rejected")
		return ResultRejected, nil
	}

	existing, err := e.store.FindActive(ctx, wf.Name(), key)
	switch {
	case err == nil:
		log.Infof("duplicate start discarded", logger.Fields{"correlationKey": key, "activeSagaId": existing.SagaID})
		return ResultDuplicateStart, nil
	case !errors.Is(err, ErrSagaNotFound):
		return ResultFailed, fmt.Errorf("find active saga: %w", err)
	}

	s, err := e.create(ctx, wf, key, ev.EventPayload, e.user)
	if errors.Is(err, ErrSagaConflict) {
		log.Infof("duplicate start discarded", logger.Fields{"correlationKey": key})
		return ResultDuplicateStart, nil
	}
	if err != nil {
		return ResultFailed, err
	}
	return e.initiate(ctx, wf, s)
}

func (e *Engine) create(ctx context.Context, wf *Workflow, key, payload, user string) (*Saga, error) {
	s := NewSaga(wf.Name(), key, payload, user, e.now())
	if err := e.store.CreateSaga(ctx, s); err != nil {
		if errors.Is(err, ErrSagaConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("create saga: %w", err)
	}
	e.rec.SagaStarted(wf.Name())
	e.notify(ctx, s)
	return s, nil
}

// initiate applies the synthetic INITIATED/INITIATE_SUCCESS transition.
func (e *Engine) initiate(ctx context.Context, wf *Workflow, s *Saga) (Result, error) {
	return e.drive(ctx, wf, s.SagaID, modeLive, func(_ context.Context, tx SagaTx) (*Event, error) {
		return initiatingEvent(tx.Saga()), nil
	})
}

func initiatingEvent(s *Saga) *Event {
	return &Event{
		EventType:    EventInitiated,
		EventOutcome: OutcomeInitiateSuccess,
		SagaID:       s.SagaID,
		EventPayload: s.Payload,
	}
}

// drive is the single transition path shared by live delivery and replay. It
// holds the saga lock from the status checks until the new state is stored.
func (e *Engine) drive(ctx context.Context, wf *Workflow, sagaID string, mode driveMode,
	next func(ctx context.Context, tx SagaTx) (*Event, error)) (Result, error) {

	var (
		result  = ResultFailed
		applied *Saga
		tr      Transition
	)
	err := e.store.WithSagaLock(ctx, sagaID, func(ctx context.Context, tx SagaTx) error {
		s := tx.Saga()
		log := e.log.WithContext(ctx).WithFields(logger.Fields{"sagaId": s.SagaID, "workflow": wf.Name()})

		switch s.Status {
		case StatusCompleted:
			log.Debug("saga already completed, event ignored")
			result = ResultTerminal
			return nil
		case StatusForceStopped:
			log.Info("saga force stopped, event ignored")
			result = ResultForceStopped
			return nil
		}
		if s.SagaName != wf.Name() {
			log.Errorf("event routed to wrong workflow", logger.Fields{"sagaName": s.SagaName})
			result = ResultUnmapped
			return nil
		}

		ev, err := next(ctx, tx)
		if err != nil {
			return err
		}
		log = log.WithFields(logger.Fields{"eventType": ev.EventType, "eventOutcome": ev.EventOutcome, "sagaState": s.SagaState})

		if mode == modeLive && wf.IsStale(ev.EventType, s.SagaState) {
			log.Info("stale event discarded")
			result = ResultStale
			return nil
		}

		t, ok := wf.FindNext(ev.EventType, ev.EventOutcome)
		if !ok {
			log.Error("no step registered for event and outcome")
			result = ResultUnmapped
			return nil
		}

		if err := t.Handler(ctx, ev, s.Clone()); err != nil {
			return fmt.Errorf("step %s/%s -> %s: %w", t.From, t.Outcome, t.Next, err)
		}

		now := e.now()
		if mode == modeLive && ev.EventType != EventInitiated {
			if err := tx.AppendEvent(ctx, &SagaEvent{
				SagaID:       s.SagaID,
				EventState:   ev.EventType,
				EventOutcome: ev.EventOutcome,
				Response:     ev.EventPayload,
				CreateUser:   e.user,
				UpdateUser:   e.user,
				CreateDate:   now,
				UpdateDate:   now,
			}); err != nil {
				return fmt.Errorf("append saga event: %w", err)
			}
		}

		updated := s.Clone()
		updated.SagaState = t.Next
		updated.Status = StatusInProgress
		if t.Terminal() {
			updated.Status = StatusCompleted
		}
		if mode == modeReplay {
			updated.RetryCount++
		}
		updated.UpdateUser = e.user
		updated.UpdateDate = now
		if err := tx.UpdateSaga(ctx, updated); err != nil {
			return fmt.Errorf("update saga: %w", err)
		}

		result, applied, tr = ResultApplied, updated, t
		return nil
	})
	if err != nil {
		return ResultFailed, err
	}

	if applied != nil {
		e.rec.Transitioned(wf.Name(), tr.From, tr.Outcome)
		if tr.Terminal() {
			e.rec.SagaCompleted(wf.Name())
		}
		e.log.WithContext(ctx).Debugf("transition applied", logger.Fields{
			"sagaId": applied.SagaID, "from": tr.From, "outcome": tr.Outcome, "next": tr.Next,
		})
		e.notify(ctx, applied)
	}
	return result, nil
}

func (e *Engine) notify(ctx context.Context, s *Saga) {
	if e.notifier != nil {
		e.notifier.SagaChanged(ctx, s.Clone())
	}
}

func (e *Engine) logFor(ctx context.Context, ev *Event) *logger.Logger {
	return e.log.WithContext(ctx).WithFields(logger.Fields{
		"sagaId":       ev.SagaID,
		"eventType":    ev.EventType,
		"eventOutcome": ev.EventOutcome,
	})
}

type nopRecorder struct{}

func (nopRecorder) SagaStarted(string)                           {}
func (nopRecorder) SagaCompleted(string)                         {}
func (nopRecorder) Dispatched(string, Result, time.Duration)     {}
func (nopRecorder) Transitioned(string, EventType, EventOutcome) {}
func (nopRecorder) Replayed(string, Result)                      {}
