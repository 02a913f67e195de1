// Package saga implements the orchestration core: the step registry, the
// dispatch engine with its idempotency checks, and replay.
package saga

import (
	"time"

	"github.com/google/uuid"
)

// EventType names a step of a workflow. The saga's current state is always an EventType.
type EventType string

// EventOutcome is the result tag a participant reports for an EventType.
type EventOutcome string

const (
	EventInitiated    EventType = "INITIATED"
	EventMarkComplete EventType = "MARK_COMPLETE"

	OutcomeInitiateSuccess EventOutcome = "INITIATE_SUCCESS"
	OutcomeSagaCompleted   EventOutcome = "SAGA_COMPLETED"
)

// Status is the coarse lifecycle of a saga.
type Status string

const (
	StatusStarted      Status = "STARTED"
	StatusInProgress   Status = "IN_PROGRESS"
	StatusCompleted    Status = "COMPLETED"
	StatusForceStopped Status = "FORCE_STOPPED"
)

// Active reports whether a saga in this status still counts against the
// one-active-saga-per-correlation-key rule and is eligible for recovery.
func (s Status) Active() bool {
	return s == StatusStarted || s == StatusInProgress
}

// ActiveStatuses lists the statuses recovery scans.
var ActiveStatuses = []Status{StatusStarted, StatusInProgress}

// Saga is one workflow instance.
type Saga struct {
	SagaID         string    `json:"sagaId"`
	SagaName       string    `json:"sagaName"`
	SagaState      EventType `json:"sagaState"`
	Status         Status    `json:"status"`
	Payload        string    `json:"payload"`
	CorrelationKey string    `json:"correlationKey"`
	RetryCount     int       `json:"retryCount"`
	CreateUser     string    `json:"createUser"`
	UpdateUser     string    `json:"updateUser"`
	CreateDate     time.Time `json:"createDate"`
	UpdateDate     time.Time `json:"updateDate"`
}

// NewSaga returns a STARTED saga positioned at INITIATED.
func NewSaga(workflow, correlationKey, payload, user string, now time.Time) *Saga {
	return &Saga{
		SagaID:         uuid.NewString(),
		SagaName:       workflow,
		SagaState:      EventInitiated,
		Status:         StatusStarted,
		Payload:        payload,
		CorrelationKey: correlationKey,
		CreateUser:     user,
		UpdateUser:     user,
		CreateDate:     now,
		UpdateDate:     now,
	}
}

// Clone returns a copy safe to hand to step handlers.
func (s *Saga) Clone() *Saga {
	cp := *s
	return &cp
}

// SagaEvent is one applied transition. StepNumber is gapless per saga starting at 1.
type SagaEvent struct {
	EventID      string       `json:"sagaEventId"`
	SagaID       string       `json:"sagaId"`
	EventState   EventType    `json:"sagaEventState"`
	EventOutcome EventOutcome `json:"sagaEventOutcome"`
	StepNumber   int          `json:"sagaStepNumber"`
	Response     string       `json:"sagaEventResponse"`
	CreateUser   string       `json:"createUser"`
	UpdateUser   string       `json:"updateUser"`
	CreateDate   time.Time    `json:"createDate"`
	UpdateDate   time.Time    `json:"updateDate"`
}

// Event is the bus envelope. Unknown JSON fields are ignored on decode.
type Event struct {
	EventType    EventType    `json:"eventType"`
	EventOutcome EventOutcome `json:"eventOutcome,omitempty"`
	SagaID       string       `json:"sagaId,omitempty"`
	ReplyTo      string       `json:"replyTo,omitempty"`
	EventPayload string       `json:"eventPayload"`
}

// Initiating reports whether the envelope starts a new saga.
func (e *Event) Initiating() bool {
	return e.SagaID == ""
}
