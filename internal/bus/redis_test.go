package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/pen/orchestrator/internal/saga"
	"github.com/pen/orchestrator/pkg/health"
	redisx "github.com/pen/orchestrator/pkg/redis"
)

func newTestBus(t *testing.T) (*RedisBus, *goredis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	b := NewRedisBus(client, RedisOptions{
		Group:        "g",
		ConsumerName: "c1",
		Stream: redisx.ConsumerOptions{
			BlockTime:            50 * time.Millisecond,
			PendingCheckInterval: time.Hour,
		},
	})
	return b, client
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func tracedContext() (context.Context, trace.TraceID) {
	tid, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	sid, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: sid, TraceFlags: trace.FlagsSampled})
	return trace.ContextWithSpanContext(context.Background(), sc), tid
}

func TestDecode(t *testing.T) {
	ev, err := Decode([]byte(`{"eventType":"PROCESS_MATCH","eventOutcome":"MATCH_FOUND","sagaId":"s1","eventPayload":"{}","extra":1}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.EventType != "PROCESS_MATCH" || ev.EventOutcome != "MATCH_FOUND" || ev.SagaID != "s1" {
		t.Fatalf("unexpected event: %+v", ev)
	}

	for _, raw := range []string{`not json`, `{"eventOutcome":"X"}`} {
		if _, err := Decode([]byte(raw)); !errors.Is(err, ErrMalformedEvent) {
			t.Fatalf("Decode(%q) err = %v, want ErrMalformedEvent", raw, err)
		}
	}
}

func TestRedisPublishCarriesTraceContext(t *testing.T) {
	b, client := newTestBus(t)
	ctx, _ := tracedContext()

	ev := &saga.Event{EventType: "PROCESS_MATCH", SagaID: "s1", EventPayload: "{}"}
	if err := b.Publish(ctx, "PEN_MATCH_API_TOPIC", ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	msgs, err := client.XRange(context.Background(), "PEN_MATCH_API_TOPIC", "-", "+").Result()
	if err != nil || len(msgs) != 1 {
		t.Fatalf("XRange: %v %v", msgs, err)
	}
	if _, ok := msgs[0].Values["traceparent"]; !ok {
		t.Fatalf("traceparent missing: %v", msgs[0].Values)
	}
	var got saga.Event
	if err := json.Unmarshal([]byte(msgs[0].Values[redisx.DataField].(string)), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != *ev {
		t.Fatalf("got %+v, want %+v", got, *ev)
	}
}

func TestRedisRunDeliversAndAcks(t *testing.T) {
	b, client := newTestBus(t)
	monitor := &health.LoopMonitor{}
	b.opts.Monitor = monitor

	var (
		mu       sync.Mutex
		received []*saga.Event
		traceIDs []trace.TraceID
	)
	err := b.Subscribe("ORCHESTRATOR_TOPIC", func(ctx context.Context, ev *saga.Event) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, ev)
		traceIDs = append(traceIDs, trace.SpanContextFromContext(ctx).TraceID())
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := b.Subscribe("ORCHESTRATOR_TOPIC", func(context.Context, *saga.Event) error { return nil }); !errors.Is(err, ErrDuplicateTopic) {
		t.Fatalf("duplicate subscribe err = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	tctx, tid := tracedContext()
	if err := b.Publish(tctx, "ORCHESTRATOR_TOPIC", &saga.Event{EventType: "PROCESS_MATCH", SagaID: "s1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	// 畸形消息被确认并丢弃
	if err := client.XAdd(context.Background(), &goredis.XAddArgs{
		Stream: "ORCHESTRATOR_TOPIC",
		Values: map[string]interface{}{redisx.DataField: "garbage"},
	}).Err(); err != nil {
		t.Fatalf("XAdd: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	})
	waitFor(t, func() bool {
		n, err := b.Streams().Pending(context.Background(), "ORCHESTRATOR_TOPIC", "g")
		return err == nil && n == 0
	})

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if traceIDs[0] != tid {
		t.Fatalf("trace id = %s, want %s", traceIDs[0], tid)
	}
	if ok, _, _ := monitor.Healthy(time.Now(), time.Minute); !ok {
		t.Fatal("monitor should have ticked")
	}
}

func TestRedisHandlerErrorLeavesPending(t *testing.T) {
	b, _ := newTestBus(t)
	var calls sync.WaitGroup
	calls.Add(1)
	var once sync.Once
	_ = b.Subscribe("T", func(context.Context, *saga.Event) error {
		once.Do(calls.Done)
		return errors.New("db down")
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	if err := b.Publish(context.Background(), "T", &saga.Event{EventType: "X", SagaID: "s1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	calls.Wait()
	cancel()
	<-done

	n, err := b.Streams().Pending(context.Background(), "T", "g")
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if n != 1 {
		t.Fatalf("pending = %d, want 1", n)
	}
}

func startResponder(t *testing.T, client *goredis.Client, subject string, reply bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	sub := client.Subscribe(ctx, subject)
	t.Cleanup(func() { _ = sub.Close() })
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	ch := sub.Channel()
	go func() {
		for msg := range ch {
			if !reply {
				continue
			}
			var req RequestEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &req); err != nil {
				continue
			}
			client.Publish(ctx, req.ReplyTo, `{"echo":`+string(req.Data)+`}`)
		}
	}()
}

func TestRedisRequestReply(t *testing.T) {
	b, client := newTestBus(t)
	startResponder(t, client, "NOTIFY", true)

	resp, err := b.Request(context.Background(), "NOTIFY", []byte(`{"pen":"123"}`), 2*time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(resp) != `{"echo":{"pen":"123"}}` {
		t.Fatalf("resp = %s", resp)
	}
}

func TestRedisRequestTimeout(t *testing.T) {
	b, client := newTestBus(t)
	startResponder(t, client, "NOTIFY", false)

	_, err := b.Request(context.Background(), "NOTIFY", []byte(`{}`), 100*time.Millisecond)
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("err = %v, want ErrRequestTimeout", err)
	}
}

func TestRedisRequestNoResponders(t *testing.T) {
	b, _ := newTestBus(t)
	_, err := b.Request(context.Background(), "NOBODY", []byte(`{}`), time.Second)
	if !errors.Is(err, ErrNoResponders) {
		t.Fatalf("err = %v, want ErrNoResponders", err)
	}
}
