package workflow

import "github.com/pen/orchestrator/internal/saga"

const MatchAndAssign = "MATCH_AND_ASSIGN"

const (
	ProcessMatch saga.EventType = "PROCESS_MATCH"
	CreateRecord saga.EventType = "CREATE_RECORD"

	MatchFound    saga.EventOutcome = "MATCH_FOUND"
	MatchNotFound saga.EventOutcome = "MATCH_NOT_FOUND"
	RecordCreated saga.EventOutcome = "RECORD_CREATED"
)

// NewMatchAndAssign 匹配学生，未匹配则新建记录
func NewMatchAndAssign(deps Deps) (*saga.Workflow, error) {
	cmd := command{pub: deps.Publisher, replyTo: deps.Topics.MatchAndAssign}
	return saga.NewWorkflow(MatchAndAssign).
		Topic(deps.Topics.MatchAndAssign).
		CorrelateField(CorrelationField).
		Step(saga.EventInitiated, saga.OutcomeInitiateSuccess, ProcessMatch, cmd.forward(deps.Topics.PenMatch, ProcessMatch)).
		End(ProcessMatch, MatchFound).
		Step(ProcessMatch, MatchNotFound, CreateRecord, cmd.forward(deps.Topics.Student, CreateRecord)).
		End(CreateRecord, RecordCreated).
		Build()
}
