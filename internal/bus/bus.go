// Package bus 消息总线适配层：发布事件、订阅 topic、同步请求
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pen/orchestrator/internal/saga"
)

var (
	ErrMalformedEvent = errors.New("malformed event envelope")
	ErrRequestTimeout = errors.New("request timed out")
	ErrNoResponders   = errors.New("no responders")
	ErrDuplicateTopic = errors.New("topic already subscribed")
)

// Handler 处理一条入站事件；返回 nil 即确认，返回错误则保留待重投
type Handler func(ctx context.Context, ev *saga.Event) error

// Publisher 向 topic 发布事件
type Publisher interface {
	Publish(ctx context.Context, topic string, ev *saga.Event) error
}

// Requester 同步请求/应答，超时视为失败
type Requester interface {
	Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error)
}

// Bus 是编排器使用的完整总线
type Bus interface {
	Publisher
	Requester
	// Subscribe 必须在 Run 之前调用
	Subscribe(topic string, h Handler) error
	// Run 阻塞直到 ctx 结束或某个订阅出错
	Run(ctx context.Context) error
	Close() error
}

// RequestEnvelope Redis 请求/应答线上格式
type RequestEnvelope struct {
	ReplyTo string          `json:"replyTo"`
	Data    json.RawMessage `json:"data"`
}

// Encode 序列化事件
func Encode(ev *saga.Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return data, nil
}

// Decode 反序列化事件，未知字段忽略；缺少 eventType 视为畸形消息
func Decode(data []byte) (*saga.Event, error) {
	var ev saga.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.EventType == "" {
		return nil, fmt.Errorf("%w: missing eventType", ErrMalformedEvent)
	}
	return &ev, nil
}
