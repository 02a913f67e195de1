package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pen/orchestrator/pkg/logger"
)

const (
	// DataField 消息体字段
	DataField = "data"
	// DLQSuffix 死信流后缀
	DLQSuffix = ":dlq"
)

// StreamClient Redis Streams 客户端
type StreamClient struct {
	client *redis.Client
}

// NewStreamClient 创建客户端
func NewStreamClient(client *redis.Client) *StreamClient {
	return &StreamClient{client: client}
}

// Raw 返回底层客户端
func (c *StreamClient) Raw() *redis.Client {
	return c.client
}

// Publish 将 msg 序列化为 JSON 后 XADD 到 stream
func (c *StreamClient) Publish(ctx context.Context, stream string, msg interface{}) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}
	return c.PublishRaw(ctx, stream, data, nil)
}

// PublishRaw 发布原始数据，extra 字段与 data 一起写入（如 trace 头）
func (c *StreamClient) PublishRaw(ctx context.Context, stream string, data []byte, extra map[string]string) (string, error) {
	values := make(map[string]interface{}, len(extra)+1)
	for k, v := range extra {
		values[k] = v
	}
	values[DataField] = string(data)

	id, err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

// Pending 返回消费者组中未确认消息数
func (c *StreamClient) Pending(ctx context.Context, stream, group string) (int64, error) {
	res, err := c.client.XPending(ctx, stream, group).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending %s: %w", stream, err)
	}
	return res.Count, nil
}

// Len 返回 stream 长度
func (c *StreamClient) Len(ctx context.Context, stream string) (int64, error) {
	return c.client.XLen(ctx, stream).Result()
}

// Message 消息
type Message struct {
	ID     string
	Stream string
	Data   []byte
	// Fields 除 data 外的其它字段
	Fields map[string]string
}

// MessageHandler 消息处理函数；返回 nil 才会 ACK
type MessageHandler func(ctx context.Context, msg *Message) error

// Hooks 可选的观测回调
type Hooks struct {
	OnHandlerError func(stream string, err error)
	OnDeadLetter   func(stream string)
	// OnPoll 每轮读取前调用，用于循环心跳
	OnPoll func()
}

// ConsumerOptions 消费者选项
type ConsumerOptions struct {
	BatchSize    int           // 每次读取的消息数
	BlockTime    time.Duration // 阻塞等待时间
	MaxRetries   int           // 投递次数超过该值进入死信流，0 表示不限
	ClaimMinIdle time.Duration // 认领空闲消息的最小时间
	// PendingCheckInterval 周期性处理 pending 的间隔
	PendingCheckInterval time.Duration
	// Concurrency 同一批消息的并发处理数
	Concurrency int
	Logger      *logger.Logger
	Hooks       Hooks
}

// DefaultConsumerOptions 默认选项
var DefaultConsumerOptions = ConsumerOptions{
	BatchSize:            10,
	BlockTime:            5 * time.Second,
	MaxRetries:           10,
	ClaimMinIdle:         30 * time.Second,
	PendingCheckInterval: 30 * time.Second,
	Concurrency:          8,
}

func (o ConsumerOptions) withDefaults() ConsumerOptions {
	d := DefaultConsumerOptions
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.BlockTime <= 0 {
		o.BlockTime = d.BlockTime
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.ClaimMinIdle <= 0 {
		o.ClaimMinIdle = d.ClaimMinIdle
	}
	if o.PendingCheckInterval <= 0 {
		o.PendingCheckInterval = d.PendingCheckInterval
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.Logger == nil {
		o.Logger = logger.Nop()
	}
	return o
}

// Consumer 消费者组消费者
type Consumer struct {
	client   *StreamClient
	group    string
	consumer string
	streams  []string
	handler  MessageHandler
	opts     ConsumerOptions
}

// NewConsumer 创建消费者，opts 为空时使用默认值，未设置的字段取默认值
func NewConsumer(client *StreamClient, group, consumer string, streams []string, handler MessageHandler, opts *ConsumerOptions) *Consumer {
	o := DefaultConsumerOptions
	if opts != nil {
		o = *opts
	}
	return &Consumer{
		client:   client,
		group:    group,
		consumer: consumer,
		streams:  streams,
		handler:  handler,
		opts:     o.withDefaults(),
	}
}

// EnsureGroups 创建消费者组（已存在则忽略）
func (c *Consumer) EnsureGroups(ctx context.Context) error {
	for _, stream := range c.streams {
		err := c.client.client.XGroupCreateMkStream(ctx, stream, c.group, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create group %s/%s: %w", stream, c.group, err)
		}
	}
	return nil
}

// Start 启动消费，阻塞直到 ctx 结束
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.EnsureGroups(ctx); err != nil {
		return err
	}
	if err := c.ProcessPending(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("process pending: %w", err)
	}
	return c.consume(ctx)
}

// ProcessPending 认领空闲超过 ClaimMinIdle 的 pending 消息并重新处理
func (c *Consumer) ProcessPending(ctx context.Context) error {
	for _, stream := range c.streams {
		for {
			pending, err := c.client.client.XPendingExt(ctx, &redis.XPendingExtArgs{
				Stream: stream,
				Group:  c.group,
				Start:  "-",
				End:    "+",
				Count:  int64(c.opts.BatchSize),
			}).Result()
			if err != nil {
				return fmt.Errorf("xpending: %w", err)
			}

			ids := make([]string, 0, len(pending))
			dead := make(map[string]int64)
			for _, p := range pending {
				if p.Idle < c.opts.ClaimMinIdle {
					continue
				}
				ids = append(ids, p.ID)
				if c.opts.MaxRetries > 0 && p.RetryCount > int64(c.opts.MaxRetries) {
					dead[p.ID] = p.RetryCount
				}
			}
			if len(ids) == 0 {
				break
			}

			messages, err := c.client.client.XClaim(ctx, &redis.XClaimArgs{
				Stream:   stream,
				Group:    c.group,
				Consumer: c.consumer,
				MinIdle:  c.opts.ClaimMinIdle,
				Messages: ids,
			}).Result()
			if err != nil {
				return fmt.Errorf("xclaim: %w", err)
			}
			if len(messages) == 0 {
				break
			}

			live := make([]redis.XMessage, 0, len(messages))
			for _, m := range messages {
				if count, ok := dead[m.ID]; ok {
					c.deadLetter(ctx, stream, m, fmt.Sprintf("max retries exceeded: %d", count))
					continue
				}
				live = append(live, m)
			}
			c.processBatch(ctx, stream, live)
		}
	}
	return nil
}

func (c *Consumer) consume(ctx context.Context) error {
	args := make([]string, 0, len(c.streams)*2)
	args = append(args, c.streams...)
	for range c.streams {
		args = append(args, ">")
	}

	pendingTicker := time.NewTicker(c.opts.PendingCheckInterval)
	defer pendingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pendingTicker.C:
			if err := c.ProcessPending(ctx); err != nil && ctx.Err() == nil {
				c.opts.Logger.WithError(err).Warn("process pending failed")
			}
		default:
		}
		if c.opts.Hooks.OnPoll != nil {
			c.opts.Hooks.OnPoll()
		}

		results, err := c.client.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  args,
			Count:    int64(c.opts.BatchSize),
			Block:    c.opts.BlockTime,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("xreadgroup: %w", err)
		}

		for _, result := range results {
			c.processBatch(ctx, result.Stream, result.Messages)
		}
	}
}

// processBatch 并发处理一批消息，全部结束后返回
func (c *Consumer) processBatch(ctx context.Context, stream string, messages []redis.XMessage) {
	if len(messages) == 0 {
		return
	}
	sem := make(chan struct{}, c.opts.Concurrency)
	var wg sync.WaitGroup
	for _, m := range messages {
		sem <- struct{}{}
		wg.Add(1)
		go func(m redis.XMessage) {
			defer func() {
				<-sem
				wg.Done()
			}()
			if err := c.processMessage(ctx, stream, m); err != nil {
				c.opts.Logger.WithError(err).Warnf("message left pending", logger.Fields{
					"stream": stream,
					"msgId":  m.ID,
				})
			}
		}(m)
	}
	wg.Wait()
}

func (c *Consumer) processMessage(ctx context.Context, stream string, m redis.XMessage) (err error) {
	data, ok := m.Values[DataField].(string)
	if !ok {
		// 无 data 字段的消息无法处理，直接确认
		return c.Ack(ctx, stream, m.ID)
	}

	msg := &Message{
		ID:     m.ID,
		Stream: stream,
		Data:   []byte(data),
		Fields: make(map[string]string, len(m.Values)),
	}
	for k, v := range m.Values {
		if s, ok := v.(string); ok && k != DataField {
			msg.Fields[k] = s
		}
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			c.handlerFailed(stream, err)
		}
	}()

	if err := c.handler(ctx, msg); err != nil {
		c.handlerFailed(stream, err)
		return err
	}
	return c.Ack(ctx, stream, m.ID)
}

func (c *Consumer) handlerFailed(stream string, err error) {
	if c.opts.Hooks.OnHandlerError != nil {
		c.opts.Hooks.OnHandlerError(stream, err)
	}
}

func (c *Consumer) deadLetter(ctx context.Context, stream string, m redis.XMessage, reason string) {
	values := map[string]interface{}{
		"stream":   stream,
		"msgId":    m.ID,
		"reason":   reason,
		DataField:  m.Values[DataField],
		"tsMs":     time.Now().UnixMilli(),
		"group":    c.group,
		"consumer": c.consumer,
	}
	if err := c.client.client.XAdd(ctx, &redis.XAddArgs{Stream: stream + DLQSuffix, Values: values}).Err(); err != nil {
		c.opts.Logger.WithError(err).Errorf("xadd dlq failed", logger.Fields{"stream": stream, "msgId": m.ID})
		return
	}
	if c.opts.Hooks.OnDeadLetter != nil {
		c.opts.Hooks.OnDeadLetter(stream)
	}
	if err := c.Ack(ctx, stream, m.ID); err != nil {
		c.opts.Logger.WithError(err).Warnf("ack dead letter failed", logger.Fields{"stream": stream, "msgId": m.ID})
	}
}

// Ack 手动确认消息
func (c *Consumer) Ack(ctx context.Context, stream, id string) error {
	if err := c.client.client.XAck(ctx, stream, c.group, id).Err(); err != nil {
		return fmt.Errorf("xack %s %s: %w", stream, id, err)
	}
	return nil
}
