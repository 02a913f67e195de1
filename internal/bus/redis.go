package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/pen/orchestrator/internal/saga"
	"github.com/pen/orchestrator/pkg/health"
	"github.com/pen/orchestrator/pkg/logger"
	redisx "github.com/pen/orchestrator/pkg/redis"
	"github.com/pen/orchestrator/pkg/tracing"
)

// RedisOptions Redis Streams 总线配置
type RedisOptions struct {
	Group        string
	ConsumerName string
	Stream       redisx.ConsumerOptions
	Logger       *logger.Logger
	// Monitor 可选，消费循环心跳
	Monitor *health.LoopMonitor
}

// RedisBus 基于 Redis Streams 消费者组的总线，请求/应答走 pub/sub
type RedisBus struct {
	streams *redisx.StreamClient
	opts    RedisOptions
	log     *logger.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	running  bool
}

var _ Bus = (*RedisBus)(nil)

// NewRedisBus 创建总线
func NewRedisBus(client *goredis.Client, opts RedisOptions) *RedisBus {
	if opts.Group == "" {
		opts.Group = "pen-orchestrator"
	}
	if opts.ConsumerName == "" {
		opts.ConsumerName = "orchestrator-" + uuid.NewString()[:8]
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	return &RedisBus{
		streams:  redisx.NewStreamClient(client),
		opts:     opts,
		log:      opts.Logger.WithField("component", "bus.redis"),
		handlers: make(map[string]Handler),
	}
}

// Streams 返回底层 Streams 客户端
func (b *RedisBus) Streams() *redisx.StreamClient { return b.streams }

// Publish XADD 事件，trace 头写入同一条消息
func (b *RedisBus) Publish(ctx context.Context, topic string, ev *saga.Event) error {
	data, err := Encode(ev)
	if err != nil {
		return err
	}
	headers := make(map[string]string)
	tracing.InjectHeaders(ctx, headers)
	if _, err := b.streams.PublishRaw(ctx, topic, data, headers); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(topic string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return errors.New("redis bus already running")
	}
	if _, ok := b.handlers[topic]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTopic, topic)
	}
	b.handlers[topic] = h
	return nil
}

// Run 每个 topic 一个消费者，任一消费者退出即整体退出
func (b *RedisBus) Run(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return errors.New("redis bus already running")
	}
	b.running = true
	consumers := make([]*redisx.Consumer, 0, len(b.handlers))
	for topic, h := range b.handlers {
		consumers = append(consumers, b.newConsumer(topic, h))
	}
	b.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range consumers {
		g.Go(func() error {
			err := c.Start(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if err != nil && b.opts.Monitor != nil {
				b.opts.Monitor.SetError(err)
			}
			return err
		})
	}
	return g.Wait()
}

func (b *RedisBus) newConsumer(topic string, h Handler) *redisx.Consumer {
	opts := b.opts.Stream
	if opts.Logger == nil {
		opts.Logger = b.log.WithField("stream", topic)
	}
	if b.opts.Monitor != nil {
		prev := opts.Hooks.OnPoll
		monitor := b.opts.Monitor
		opts.Hooks.OnPoll = func() {
			monitor.Tick()
			if prev != nil {
				prev()
			}
		}
	}
	return redisx.NewConsumer(b.streams, b.opts.Group, b.opts.ConsumerName, []string{topic}, b.adapt(topic, h), &opts)
}

func (b *RedisBus) adapt(topic string, h Handler) redisx.MessageHandler {
	return func(ctx context.Context, msg *redisx.Message) error {
		ctx = tracing.ExtractHeaders(ctx, msg.Fields)
		ev, err := Decode(msg.Data)
		if err != nil {
			// 重投也无法解析，记录后确认
			b.log.WithContext(ctx).WithError(err).Errorf("drop malformed event", logger.Fields{
				"stream": topic,
				"msgId":  msg.ID,
			})
			return nil
		}
		return h(ctx, ev)
	}
}

// Request 通过 Redis pub/sub 发起请求，在临时频道上等待应答
func (b *RedisBus) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	client := b.streams.Raw()
	replyTo := subject + ".reply." + uuid.NewString()
	sub := client.Subscribe(ctx, replyTo)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s", ErrRequestTimeout, subject)
		}
		return nil, fmt.Errorf("subscribe %s: %w", replyTo, err)
	}
	replies := sub.Channel()

	body, err := json.Marshal(RequestEnvelope{ReplyTo: replyTo, Data: data})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	receivers, err := client.Publish(ctx, subject, body).Result()
	if err != nil {
		return nil, fmt.Errorf("publish %s: %w", subject, err)
	}
	if receivers == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoResponders, subject)
	}

	select {
	case msg, ok := <-replies:
		if !ok {
			return nil, fmt.Errorf("reply channel %s closed", replyTo)
		}
		return []byte(msg.Payload), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s", ErrRequestTimeout, subject)
	}
}

// Close 底层客户端由调用方关闭
func (b *RedisBus) Close() error { return nil }
