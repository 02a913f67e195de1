package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pen/orchestrator/internal/saga"
	"github.com/pen/orchestrator/pkg/health"
	"github.com/pen/orchestrator/pkg/logger"
	redisx "github.com/pen/orchestrator/pkg/redis"
	"github.com/pen/orchestrator/pkg/tracing"
)

// NATSConfig JetStream 总线配置
type NATSConfig struct {
	URL           string
	Stream        string
	SubjectPrefix string
	DurablePrefix string
	AckWait       time.Duration
	MaxAckPending int
	// MaxDeliver 最大投递次数，最后一次仍失败则转入 <subject>.dlq；0 表示不限
	MaxDeliver int
	// NakDelay 失败重投的基础延迟，按投递次数线性增长，上限 AckWait
	NakDelay time.Duration
	Hooks    redisx.Hooks
	// Conn 可选，外部连接由调用方关闭
	Conn    *nats.Conn
	Logger  *logger.Logger
	Monitor *health.LoopMonitor
}

func (c NATSConfig) withDefaults() NATSConfig {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Stream == "" {
		c.Stream = "PEN_SAGA"
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "pen."
	}
	if c.DurablePrefix == "" {
		c.DurablePrefix = "pen-orchestrator-"
	}
	if c.AckWait <= 0 {
		c.AckWait = 30 * time.Second
	}
	if c.MaxAckPending <= 0 {
		c.MaxAckPending = 1024
	}
	if c.MaxDeliver < 0 {
		c.MaxDeliver = 0
	}
	if c.NakDelay <= 0 {
		c.NakDelay = time.Second
	}
	if c.Logger == nil {
		c.Logger = logger.Nop()
	}
	return c
}

// NATSBus JetStream 工作队列消费 + core NATS 请求/应答
type NATSBus struct {
	cfg      NATSConfig
	log      *logger.Logger
	conn     *nats.Conn
	js       nats.JetStreamContext
	ownsConn bool

	mu       sync.Mutex
	handlers map[string]Handler
	subs     []*nats.Subscription
	running  bool
}

var _ Bus = (*NATSBus)(nil)

// NewNATSBus 建立连接并确保 stream 存在
func NewNATSBus(cfg NATSConfig) (*NATSBus, error) {
	cfg = cfg.withDefaults()
	b := &NATSBus{
		cfg:      cfg,
		log:      cfg.Logger.WithField("component", "bus.nats"),
		handlers: make(map[string]Handler),
	}
	if cfg.Conn != nil {
		b.conn = cfg.Conn
	} else {
		conn, err := nats.Connect(cfg.URL, nats.Name("pen-orchestrator"))
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		b.conn = conn
		b.ownsConn = true
	}
	js, err := b.conn.JetStream()
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	b.js = js
	if err := b.ensureStream(); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *NATSBus) ensureStream() error {
	_, err := b.js.StreamInfo(b.cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %s: %w", b.cfg.Stream, err)
	}
	_, err = b.js.AddStream(&nats.StreamConfig{
		Name:      b.cfg.Stream,
		Subjects:  []string{b.cfg.SubjectPrefix + ">"},
		Retention: nats.WorkQueuePolicy,
	})
	if err != nil {
		return fmt.Errorf("add stream %s: %w", b.cfg.Stream, err)
	}
	return nil
}

// Subject topic 对应的 JetStream subject
func (b *NATSBus) Subject(topic string) string {
	return subjectName(b.cfg.SubjectPrefix, topic)
}

func subjectName(prefix, topic string) string {
	return prefix + topic
}

// DeadLetterSubject topic 对应的死信 subject，仍落在同一个 stream 里便于排查
func (b *NATSBus) DeadLetterSubject(topic string) string {
	return b.Subject(topic) + NATSDLQSuffix
}

// NATSDLQSuffix 死信 subject 后缀
const NATSDLQSuffix = ".dlq"

// nakDelay 第 n 次投递失败后的重投延迟
func nakDelay(base, limit time.Duration, delivered uint64) time.Duration {
	if delivered == 0 {
		delivered = 1
	}
	d := base * time.Duration(delivered)
	if limit > 0 && d > limit {
		d = limit
	}
	return d
}

// durableName 只允许字母数字、- 和 _
func durableName(prefix, topic string) string {
	return prefix + strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, topic)
}

func (b *NATSBus) Publish(ctx context.Context, topic string, ev *saga.Event) error {
	data, err := Encode(ev)
	if err != nil {
		return err
	}
	headers := make(map[string]string)
	tracing.InjectHeaders(ctx, headers)
	msg := nats.NewMsg(b.Subject(topic))
	msg.Data = data
	for k, v := range headers {
		msg.Header.Set(k, v)
	}
	if _, err := b.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(topic string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return errors.New("nats bus already running")
	}
	if _, ok := b.handlers[topic]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTopic, topic)
	}
	b.handlers[topic] = h
	return nil
}

// Run 建立 durable 队列订阅后阻塞到 ctx 结束
func (b *NATSBus) Run(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return errors.New("nats bus already running")
	}
	for topic, h := range b.handlers {
		durable := durableName(b.cfg.DurablePrefix, topic)
		opts := []nats.SubOpt{
			nats.ManualAck(),
			nats.Durable(durable),
			nats.AckWait(b.cfg.AckWait),
			nats.MaxAckPending(b.cfg.MaxAckPending),
		}
		if b.cfg.MaxDeliver > 0 {
			opts = append(opts, nats.MaxDeliver(b.cfg.MaxDeliver))
		}
		sub, err := b.js.QueueSubscribe(b.Subject(topic), durable, b.handleMessage(ctx, topic, h), opts...)
		if err != nil {
			b.drainLocked()
			b.mu.Unlock()
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		b.subs = append(b.subs, sub)
	}
	b.running = true
	b.mu.Unlock()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		if b.cfg.Monitor != nil {
			if b.conn.IsConnected() {
				b.cfg.Monitor.Tick()
			} else {
				b.cfg.Monitor.SetError(errors.New("nats disconnected"))
			}
		}
		select {
		case <-ctx.Done():
			b.mu.Lock()
			b.drainLocked()
			b.running = false
			b.mu.Unlock()
			return nil
		case <-ticker.C:
		}
	}
}

func (b *NATSBus) handleMessage(ctx context.Context, topic string, h Handler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		headers := make(map[string]string, len(msg.Header))
		for k := range msg.Header {
			headers[strings.ToLower(k)] = msg.Header.Get(k)
		}
		mctx := tracing.ExtractHeaders(ctx, headers)

		ev, err := Decode(msg.Data)
		if err != nil {
			b.log.WithContext(mctx).WithError(err).Errorf("drop malformed event", logger.Fields{"subject": msg.Subject})
			b.ack(msg)
			return
		}

		if err := b.invoke(mctx, h, ev); err != nil {
			if b.cfg.Hooks.OnHandlerError != nil {
				b.cfg.Hooks.OnHandlerError(topic, err)
			}
			b.retryOrDeadLetter(mctx, topic, msg, ev, err)
			return
		}
		b.ack(msg)
	}
}

// retryOrDeadLetter 未到最大投递次数则延迟 Nak，否则写入死信 subject 并 Term
func (b *NATSBus) retryOrDeadLetter(ctx context.Context, topic string, msg *nats.Msg, ev *saga.Event, cause error) {
	var delivered uint64 = 1
	if md, err := msg.Metadata(); err == nil {
		delivered = md.NumDelivered
	}
	fields := logger.Fields{
		"topic":     topic,
		"eventType": ev.EventType,
		"sagaId":    ev.SagaID,
		"delivered": delivered,
	}
	log := b.log.WithContext(ctx).WithError(cause)

	if b.cfg.MaxDeliver == 0 || delivered < uint64(b.cfg.MaxDeliver) {
		log.Warnf("event left for redelivery", fields)
		if err := msg.NakWithDelay(nakDelay(b.cfg.NakDelay, b.cfg.AckWait, delivered)); err != nil {
			b.log.WithError(err).Warn("nats nak failed")
		}
		return
	}

	dlq := nats.NewMsg(b.DeadLetterSubject(topic))
	dlq.Data = msg.Data
	for k := range msg.Header {
		dlq.Header.Set(k, msg.Header.Get(k))
	}
	dlq.Header.Set("Pen-Error", strings.NewReplacer("\r", " ", "\n", " ").Replace(cause.Error()))
	dlq.Header.Set("Pen-Delivered", fmt.Sprint(delivered))
	if _, err := b.js.PublishMsg(dlq); err != nil {
		// 已达最大投递次数，JetStream 不会再投递，只能靠日志补救
		b.log.WithContext(ctx).WithError(err).Errorf("publish dead letter failed", fields)
		return
	}
	if b.cfg.Hooks.OnDeadLetter != nil {
		b.cfg.Hooks.OnDeadLetter(topic)
	}
	log.Errorf("event moved to dead letter", fields)
	if err := msg.Term(); err != nil {
		b.log.WithError(err).Warn("nats term failed")
	}
}

func (b *NATSBus) invoke(ctx context.Context, h Handler, ev *saga.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, ev)
}

func (b *NATSBus) ack(msg *nats.Msg) {
	if err := msg.Ack(); err != nil {
		b.log.WithError(err).Warn("nats ack failed")
	}
}

func (b *NATSBus) drainLocked() {
	for _, sub := range b.subs {
		_ = sub.Drain()
	}
	b.subs = nil
}

// Request core NATS 请求/应答
func (b *NATSBus) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	msg, err := b.conn.RequestWithContext(ctx, subject, data)
	switch {
	case err == nil:
		return msg.Data, nil
	case errors.Is(err, nats.ErrNoResponders):
		return nil, fmt.Errorf("%w: %s", ErrNoResponders, subject)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
		return nil, fmt.Errorf("%w: %s", ErrRequestTimeout, subject)
	default:
		return nil, fmt.Errorf("request %s: %w", subject, err)
	}
}

func (b *NATSBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.drainLocked()
	b.running = false
	if b.ownsConn && b.conn != nil {
		b.conn.Close()
	}
	return nil
}
