// Package workflow 注册编排器支持的 workflow
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pen/orchestrator/internal/bus"
	"github.com/pen/orchestrator/internal/saga"
	"github.com/pen/orchestrator/pkg/logger"
)

const (
	CorrelationField = "penRequestBatchStudentID"

	DefaultNotifyTimeout = 2 * time.Second
)

// Deps workflow 运行所需依赖
type Deps struct {
	Publisher     bus.Publisher
	Requester     bus.Requester
	Topics        Topics
	NotifyTimeout time.Duration
	Logger        *logger.Logger
}

func (d Deps) withDefaults() Deps {
	if d.NotifyTimeout <= 0 {
		d.NotifyTimeout = DefaultNotifyTimeout
	}
	if d.Logger == nil {
		d.Logger = logger.Nop()
	}
	return d
}

// NewRegistry 构建并校验所有 workflow
func NewRegistry(deps Deps) (*saga.Registry, error) {
	deps = deps.withDefaults()
	if err := deps.Topics.Validate(); err != nil {
		return nil, err
	}
	if deps.Publisher == nil {
		return nil, fmt.Errorf("workflow: publisher is required")
	}

	matchAndAssign, err := NewMatchAndAssign(deps)
	if err != nil {
		return nil, err
	}
	batchStudent, err := NewBatchStudentProcessing(deps)
	if err != nil {
		return nil, err
	}
	return saga.NewRegistry(matchAndAssign, batchStudent)
}

// command 构造发往参与方的命令，回复地址为 workflow 自己的 topic
type command struct {
	pub     bus.Publisher
	replyTo string
}

func (c command) send(ctx context.Context, topic string, et saga.EventType, s *saga.Saga, payload any) error {
	body := s.Payload
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", et, err)
		}
		body = string(data)
	}
	return c.pub.Publish(ctx, topic, &saga.Event{
		EventType:    et,
		SagaID:       s.SagaID,
		ReplyTo:      c.replyTo,
		EventPayload: body,
	})
}

// forward 将 saga 初始 payload 原样转发
func (c command) forward(topic string, et saga.EventType) saga.StepHandler {
	return func(ctx context.Context, _ *saga.Event, s *saga.Saga) error {
		return c.send(ctx, topic, et, s, nil)
	}
}

func decodeReply[T any](ev *saga.Event) (T, error) {
	var v T
	if err := json.Unmarshal([]byte(ev.EventPayload), &v); err != nil {
		return v, fmt.Errorf("decode %s/%s reply: %w", ev.EventType, ev.EventOutcome, err)
	}
	return v, nil
}
