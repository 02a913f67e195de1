package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pen/orchestrator/internal/saga"
	"github.com/pen/orchestrator/pkg/logger"
)

const BatchStudentProcessing = "PEN_REQUEST_BATCH_STUDENT_PROCESSING"

const (
	ValidateStudentDemographics  saga.EventType = "VALIDATE_STUDENT_DEMOGRAPHICS"
	ProcessPenMatch              saga.EventType = "PROCESS_PEN_MATCH"
	UpdateStudent                saga.EventType = "UPDATE_STUDENT"
	CreateStudent                saga.EventType = "CREATE_STUDENT"
	UpdatePenRequestBatchStudent saga.EventType = "UPDATE_PEN_REQUEST_BATCH_STUDENT"

	ValidationNoErrorWarning saga.EventOutcome = "VALIDATION_SUCCESS_NO_ERROR_WARNING"
	ValidationOnlyWarning    saga.EventOutcome = "VALIDATION_SUCCESS_WITH_ONLY_WARNING"
	ValidationWithError      saga.EventOutcome = "VALIDATION_SUCCESS_WITH_ERROR"
	PenMatchFound            saga.EventOutcome = "PEN_MATCH_FOUND"
	PenMatchNotFound         saga.EventOutcome = "PEN_MATCH_NOT_FOUND"
	StudentUpdated           saga.EventOutcome = "STUDENT_UPDATED"
	StudentCreated           saga.EventOutcome = "STUDENT_CREATED"
	BatchStudentUpdated      saga.EventOutcome = "PEN_REQUEST_BATCH_STUDENT_UPDATED"
)

type batchStudent struct {
	cmd  command
	deps Deps
	log  *logger.Logger
}

// NewBatchStudentProcessing 批量文件中单个学生的校验、匹配、建档与回写
func NewBatchStudentProcessing(deps Deps) (*saga.Workflow, error) {
	deps = deps.withDefaults()
	w := &batchStudent{
		cmd:  command{pub: deps.Publisher, replyTo: deps.Topics.BatchStudent},
		deps: deps,
		log:  deps.Logger.WithField("workflow", BatchStudentProcessing),
	}
	t := deps.Topics
	toPenMatch := w.cmd.forward(t.PenMatch, ProcessPenMatch)

	return saga.NewWorkflow(BatchStudentProcessing).
		Topic(t.BatchStudent).
		CorrelateField(CorrelationField).
		Step(saga.EventInitiated, saga.OutcomeInitiateSuccess, ValidateStudentDemographics, w.cmd.forward(t.Validation, ValidateStudentDemographics)).
		Step(ValidateStudentDemographics, ValidationNoErrorWarning, ProcessPenMatch, toPenMatch).
		Step(ValidateStudentDemographics, ValidationOnlyWarning, ProcessPenMatch, toPenMatch).
		// 校验错误是业务结果，不是异常
		Step(ValidateStudentDemographics, ValidationWithError, UpdatePenRequestBatchStudent, saga.Typed(w.markFixable)).
		Step(ProcessPenMatch, PenMatchFound, UpdateStudent, saga.Typed(w.updateStudent)).
		Step(ProcessPenMatch, PenMatchNotFound, CreateStudent, w.cmd.forward(t.Student, CreateStudent)).
		Step(UpdateStudent, StudentUpdated, UpdatePenRequestBatchStudent, saga.Typed(w.markMatched)).
		Step(CreateStudent, StudentCreated, UpdatePenRequestBatchStudent, saga.Typed(w.markNewPen)).
		End(UpdatePenRequestBatchStudent, BatchStudentUpdated).
		Build()
}

func (w *batchStudent) markFixable(ctx context.Context, ev *saga.Event, s *saga.Saga, p StudentPayload) error {
	update := BatchStudentUpdate{
		PenRequestBatchStudentID: p.PenRequestBatchStudentID,
		PenRequestBatchID:        p.PenRequestBatchID,
		Status:                   StatusFixable,
	}
	if json.Valid([]byte(ev.EventPayload)) {
		update.ValidationIssues = json.RawMessage(ev.EventPayload)
	}
	return w.cmd.send(ctx, w.deps.Topics.PenRequestBatch, UpdatePenRequestBatchStudent, s, update)
}

func (w *batchStudent) updateStudent(ctx context.Context, ev *saga.Event, s *saga.Saga, p StudentPayload) error {
	match, err := decodeReply[MatchResult](ev)
	if err != nil {
		return err
	}
	if match.StudentID == "" {
		return fmt.Errorf("pen match reply for saga %s has no studentID", s.SagaID)
	}
	return w.cmd.send(ctx, w.deps.Topics.Student, UpdateStudent, s, UpdateStudentRequest{
		StudentID: match.StudentID,
		Pen:       match.Pen,
		Student:   p,
	})
}

func (w *batchStudent) markMatched(ctx context.Context, ev *saga.Event, s *saga.Saga, p StudentPayload) error {
	student, err := decodeReply[StudentRecord](ev)
	if err != nil {
		return err
	}
	return w.cmd.send(ctx, w.deps.Topics.PenRequestBatch, UpdatePenRequestBatchStudent, s, BatchStudentUpdate{
		PenRequestBatchStudentID: p.PenRequestBatchStudentID,
		PenRequestBatchID:        p.PenRequestBatchID,
		Status:                   StatusMatchedSys,
		StudentID:                student.StudentID,
		AssignedPen:              student.Pen,
	})
}

func (w *batchStudent) markNewPen(ctx context.Context, ev *saga.Event, s *saga.Saga, p StudentPayload) error {
	student, err := decodeReply[StudentRecord](ev)
	if err != nil {
		return err
	}
	if err := w.cmd.send(ctx, w.deps.Topics.PenRequestBatch, UpdatePenRequestBatchStudent, s, BatchStudentUpdate{
		PenRequestBatchStudentID: p.PenRequestBatchStudentID,
		PenRequestBatchID:        p.PenRequestBatchID,
		Status:                   StatusNewPenSys,
		StudentID:                student.StudentID,
		AssignedPen:              student.Pen,
	}); err != nil {
		return err
	}
	w.notifyNewPen(ctx, s, NewPenNotification{
		PenRequestBatchStudentID: p.PenRequestBatchStudentID,
		PenRequestBatchID:        p.PenRequestBatchID,
		StudentID:                student.StudentID,
		Pen:                      student.Pen,
	})
	return nil
}

// notifyNewPen 通知失败只记录，不阻塞 saga
func (w *batchStudent) notifyNewPen(ctx context.Context, s *saga.Saga, n NewPenNotification) {
	if w.deps.Requester == nil {
		return
	}
	log := w.log.WithContext(ctx).WithFields(logger.Fields{"sagaId": s.SagaID, "pen": n.Pen})
	data, err := json.Marshal(n)
	if err != nil {
		log.WithError(err).Warn("marshal new pen notification failed")
		return
	}
	if _, err := w.deps.Requester.Request(ctx, w.deps.Topics.Notification, data, w.deps.NotifyTimeout); err != nil {
		log.WithError(err).Warn("new pen notification failed, continuing")
		return
	}
	log.Debug("new pen notification acknowledged")
}
