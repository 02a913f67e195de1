package bus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/pen/orchestrator/internal/saga"
	redisx "github.com/pen/orchestrator/pkg/redis"
)

func TestNATSConfigDefaults(t *testing.T) {
	cfg := NATSConfig{AckWait: time.Minute, MaxDeliver: -1}.withDefaults()
	if cfg.Stream != "PEN_SAGA" || cfg.SubjectPrefix != "pen." || cfg.DurablePrefix != "pen-orchestrator-" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.AckWait != time.Minute || cfg.MaxAckPending != 1024 {
		t.Fatalf("unexpected ack settings: %+v", cfg)
	}
	if cfg.MaxDeliver != 0 || cfg.NakDelay != time.Second {
		t.Fatalf("unexpected redelivery settings: %+v", cfg)
	}
	if cfg.Logger == nil {
		t.Fatal("logger should default to nop")
	}
}

func TestSubjectAndDurableNames(t *testing.T) {
	if got := subjectName("pen.", "PEN_MATCH_API_TOPIC"); got != "pen.PEN_MATCH_API_TOPIC" {
		t.Fatalf("subject = %s", got)
	}
	tests := map[string]string{
		"ORCHESTRATOR_TOPIC": "d-ORCHESTRATOR_TOPIC",
		"pen.match.v1":       "d-pen_match_v1",
		"a b*c>":             "d-a_b_c_",
	}
	for topic, want := range tests {
		if got := durableName("d-", topic); got != want {
			t.Errorf("durableName(%q) = %q, want %q", topic, got, want)
		}
	}
}

func TestNakDelay(t *testing.T) {
	tests := []struct {
		delivered uint64
		want      time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{3, 300 * time.Millisecond},
		{50, time.Second},
	}
	for _, tt := range tests {
		if got := nakDelay(100*time.Millisecond, time.Second, tt.delivered); got != tt.want {
			t.Errorf("nakDelay(%d) = %v, want %v", tt.delivered, got, tt.want)
		}
	}
}

func runNATSServer(t *testing.T) string {
	t.Helper()
	ns, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	})
	if err != nil {
		t.Fatalf("nats server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(ns.Shutdown)
	return ns.ClientURL()
}

func newTestNATSBus(t *testing.T, cfg NATSConfig) *NATSBus {
	t.Helper()
	cfg.URL = runNATSServer(t)
	b, err := NewNATSBus(cfg)
	if err != nil {
		t.Fatalf("NewNATSBus: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func startNATSBus(t *testing.T, b *NATSBus) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
}

func streamMsgs(t *testing.T, b *NATSBus) uint64 {
	t.Helper()
	info, err := b.js.StreamInfo(b.cfg.Stream)
	if err != nil {
		t.Fatalf("stream info: %v", err)
	}
	return info.State.Msgs
}

func TestNATSAckAfterHandler(t *testing.T) {
	b := newTestNATSBus(t, NATSConfig{})
	got := make(chan *saga.Event, 1)
	if err := b.Subscribe("ORCHESTRATOR_TOPIC", func(_ context.Context, ev *saga.Event) error {
		got <- ev
		return nil
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := b.Subscribe("ORCHESTRATOR_TOPIC", func(context.Context, *saga.Event) error { return nil }); !errors.Is(err, ErrDuplicateTopic) {
		t.Fatalf("duplicate subscribe err = %v", err)
	}
	startNATSBus(t, b)

	ev := &saga.Event{EventType: "PROCESS_MATCH", EventOutcome: "MATCH_FOUND", SagaID: "s1", EventPayload: "{}"}
	if err := b.Publish(context.Background(), "ORCHESTRATOR_TOPIC", ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case e := <-got:
		if e.SagaID != "s1" || e.EventOutcome != "MATCH_FOUND" {
			t.Fatalf("unexpected event: %+v", e)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("handler not called")
	}
	// work queue 中确认后的消息被删除
	waitFor(t, func() bool { return streamMsgs(t, b) == 0 })
}

func TestNATSRedeliversAfterHandlerError(t *testing.T) {
	var errs atomic.Int32
	b := newTestNATSBus(t, NATSConfig{
		NakDelay: 10 * time.Millisecond,
		Hooks: redisx.Hooks{
			OnHandlerError: func(string, error) { errs.Add(1) },
		},
	})
	var calls atomic.Int32
	if err := b.Subscribe("T", func(context.Context, *saga.Event) error {
		if calls.Add(1) == 1 {
			return errors.New("db down")
		}
		return nil
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	startNATSBus(t, b)

	if err := b.Publish(context.Background(), "T", &saga.Event{EventType: "X", SagaID: "s1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitFor(t, func() bool { return calls.Load() == 2 })
	waitFor(t, func() bool { return streamMsgs(t, b) == 0 })
	if errs.Load() != 1 {
		t.Fatalf("handler errors = %d", errs.Load())
	}
}

func TestNATSDeadLettersAfterMaxDeliver(t *testing.T) {
	var dead atomic.Int32
	b := newTestNATSBus(t, NATSConfig{
		MaxDeliver: 3,
		NakDelay:   10 * time.Millisecond,
		Hooks: redisx.Hooks{
			OnDeadLetter: func(topic string) {
				if topic == "T" {
					dead.Add(1)
				}
			},
		},
	})
	var calls atomic.Int32
	if err := b.Subscribe("T", func(context.Context, *saga.Event) error {
		calls.Add(1)
		return errors.New("bad reply payload")
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	startNATSBus(t, b)

	if err := b.Publish(context.Background(), "T", &saga.Event{EventType: "X", SagaID: "s1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitFor(t, func() bool { return dead.Load() == 1 })

	msg, err := b.js.GetLastMsg(b.cfg.Stream, b.DeadLetterSubject("T"))
	if err != nil {
		t.Fatalf("dead letter not stored: %v", err)
	}
	if msg.Header.Get("Pen-Error") != "bad reply payload" || msg.Header.Get("Pen-Delivered") != "3" {
		t.Fatalf("dead letter headers = %v", msg.Header)
	}
	ev, err := Decode(msg.Data)
	if err != nil || ev.SagaID != "s1" {
		t.Fatalf("dead letter body: %v %+v", err, ev)
	}

	time.Sleep(200 * time.Millisecond)
	if calls.Load() != 3 {
		t.Fatalf("handler calls = %d, want 3", calls.Load())
	}
}

func TestNATSDropsMalformedEnvelope(t *testing.T) {
	b := newTestNATSBus(t, NATSConfig{})
	var calls atomic.Int32
	if err := b.Subscribe("T", func(context.Context, *saga.Event) error {
		calls.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	startNATSBus(t, b)

	if _, err := b.js.Publish(b.Subject("T"), []byte("not json")); err != nil {
		t.Fatalf("publish raw: %v", err)
	}
	waitFor(t, func() bool { return streamMsgs(t, b) == 0 })
	if calls.Load() != 0 {
		t.Fatalf("handler called %d times for malformed message", calls.Load())
	}
}

func TestNATSRequest(t *testing.T) {
	b := newTestNATSBus(t, NATSConfig{})
	sub, err := b.conn.Subscribe("notify.ok", func(m *nats.Msg) { _ = m.Respond([]byte("ack:" + string(m.Data))) })
	if err != nil {
		t.Fatalf("responder: %v", err)
	}
	defer sub.Unsubscribe()
	silent, err := b.conn.Subscribe("notify.silent", func(*nats.Msg) {})
	if err != nil {
		t.Fatalf("silent: %v", err)
	}
	defer silent.Unsubscribe()
	if err := b.conn.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	reply, err := b.Request(context.Background(), "notify.ok", []byte("42"), time.Second)
	if err != nil || string(reply) != "ack:42" {
		t.Fatalf("reply = %q, err = %v", reply, err)
	}

	tests := []struct {
		name    string
		subject string
		want    error
	}{
		{"no responders", "notify.nobody", ErrNoResponders},
		{"timeout", "notify.silent", ErrRequestTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := b.Request(context.Background(), tt.subject, []byte("x"), 50*time.Millisecond); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}
