package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pen/orchestrator/internal/saga"
	"github.com/pen/orchestrator/pkg/health"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeReplayer struct {
	mu  sync.Mutex
	ids []string
	err map[string]error
}

func (r *fakeReplayer) Replay(_ context.Context, id string) (saga.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	if err := r.err[id]; err != nil {
		return saga.ResultFailed, err
	}
	return saga.ResultApplied, nil
}

func (r *fakeReplayer) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

type fakeObserver struct {
	runs          int
	events, sagas int64
}

func (o *fakeObserver) IncRecoveryRuns() { o.runs++ }
func (o *fakeObserver) ObserveRetention(events, sagas int64) {
	o.events += events
	o.sagas += sagas
}

func addSaga(t *testing.T, store saga.Store, key string, age time.Duration, status saga.Status, retries int) *saga.Saga {
	t.Helper()
	s := saga.NewSaga("W", key, "{}", "u", now.Add(-age))
	s.Status = status
	s.RetryCount = retries
	if err := store.CreateSaga(context.Background(), s); err != nil {
		t.Fatalf("CreateSaga: %v", err)
	}
	return s
}

func newScheduler(t *testing.T, store saga.Store, r Replayer, opts Options) *Scheduler {
	t.Helper()
	opts.Now = func() time.Time { return now }
	s, err := New(store, r, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestRunRecoverySelectsStuckSagas(t *testing.T) {
	store := saga.NewMemoryStore()
	old := addSaga(t, store, "k1", time.Hour, saga.StatusInProgress, 0)
	started := addSaga(t, store, "k2", 30*time.Minute, saga.StatusStarted, 0)
	addSaga(t, store, "k3", time.Minute, saga.StatusInProgress, 0) // 未超过 grace
	addSaga(t, store, "k4", time.Hour, saga.StatusCompleted, 0)
	addSaga(t, store, "k5", time.Hour, saga.StatusForceStopped, 0)
	addSaga(t, store, "k6", 2*time.Hour, saga.StatusInProgress, 5) // 达到重试上限

	r := &fakeReplayer{}
	obs := &fakeObserver{}
	monitor := &health.LoopMonitor{}
	s := newScheduler(t, store, r, Options{Grace: 5 * time.Minute, MaxRetries: 5, Observer: obs, Monitor: monitor})

	n, err := s.RunRecovery(context.Background())
	if err != nil {
		t.Fatalf("RunRecovery: %v", err)
	}
	if n != 2 {
		t.Fatalf("replayed = %d, want 2", n)
	}
	got := r.calls()
	if len(got) != 2 || got[0] != old.SagaID || got[1] != started.SagaID {
		t.Fatalf("replayed ids = %v", got)
	}
	if obs.runs != 1 {
		t.Fatalf("runs = %d", obs.runs)
	}
	if ok, _, _ := monitor.Healthy(time.Now(), time.Minute); !ok {
		t.Fatal("monitor should tick after a run")
	}
}

func TestRunRecoveryBatchAndFailures(t *testing.T) {
	store := saga.NewMemoryStore()
	a := addSaga(t, store, "a", 3*time.Hour, saga.StatusInProgress, 0)
	b := addSaga(t, store, "b", 2*time.Hour, saga.StatusInProgress, 0)
	addSaga(t, store, "c", time.Hour, saga.StatusInProgress, 0)

	r := &fakeReplayer{err: map[string]error{a.SagaID: errors.New("publish failed")}}
	s := newScheduler(t, store, r, Options{BatchSize: 2})

	n, err := s.RunRecovery(context.Background())
	if err != nil {
		t.Fatalf("RunRecovery: %v", err)
	}
	if n != 1 {
		t.Fatalf("replayed = %d, want 1", n)
	}
	if got := r.calls(); len(got) != 2 || got[1] != b.SagaID {
		t.Fatalf("calls = %v", got)
	}
}

func TestRunRecoverySkipsSagaStoppedMidRun(t *testing.T) {
	store := saga.NewMemoryStore()
	a := addSaga(t, store, "a", 2*time.Hour, saga.StatusInProgress, 0)
	addSaga(t, store, "b", time.Hour, saga.StatusInProgress, 0)

	r := &fakeReplayer{err: map[string]error{a.SagaID: fmt.Errorf("%w: %s", saga.ErrSagaForceStopped, a.SagaID)}}
	n, err := newScheduler(t, store, r, Options{}).RunRecovery(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("RunRecovery = %d, %v", n, err)
	}
	if got := r.calls(); len(got) != 2 {
		t.Fatalf("calls = %v", got)
	}
}

func TestRecoveryDrivesEngineReplay(t *testing.T) {
	store := saga.NewMemoryStore()
	var (
		mu    sync.Mutex
		sends int
	)
	send := func(context.Context, *saga.Event, *saga.Saga) error {
		mu.Lock()
		sends++
		mu.Unlock()
		return nil
	}
	wf := saga.NewWorkflow("W").
		Topic("W_TOPIC").
		CorrelateField("id").
		Step(saga.EventInitiated, saga.OutcomeInitiateSuccess, "CALL", send).
		End("CALL", "DONE").
		MustBuild()
	reg, err := saga.NewRegistry(wf)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	engine := saga.NewEngine(store, reg, saga.Options{})

	st := saga.NewSaga("W", "1", `{"id":"1"}`, "u", now.Add(-time.Hour))
	if err := store.CreateSaga(context.Background(), st); err != nil {
		t.Fatalf("CreateSaga: %v", err)
	}

	s := newScheduler(t, store, engine, Options{})
	for i := 0; i < 2; i++ {
		if _, err := s.RunRecovery(context.Background()); err != nil {
			t.Fatalf("RunRecovery: %v", err)
		}
	}
	got, _ := store.GetSaga(context.Background(), st.SagaID)
	if got.SagaState != "CALL" || got.RetryCount != 2 || sends != 2 {
		t.Fatalf("saga = %+v, sends = %d", got, sends)
	}
	events, _ := store.FindEvents(context.Background(), st.SagaID)
	if len(events) != 0 {
		t.Fatalf("replay must not append events, got %d", len(events))
	}
}

func TestRunRetention(t *testing.T) {
	store := saga.NewMemoryStore()
	done := saga.NewSaga("W", "old", "{}", "u", now.Add(-60*24*time.Hour))
	done.Status = saga.StatusCompleted
	if err := store.CreateSaga(context.Background(), done); err != nil {
		t.Fatalf("CreateSaga: %v", err)
	}
	err := store.WithSagaLock(context.Background(), done.SagaID, func(ctx context.Context, tx saga.SagaTx) error {
		return tx.AppendEvent(ctx, &saga.SagaEvent{EventState: "CALL", EventOutcome: "DONE"})
	})
	if err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	addSaga(t, store, "recent", time.Hour, saga.StatusCompleted, 0)

	obs := &fakeObserver{}
	s := newScheduler(t, store, &fakeReplayer{}, Options{RetentionDeleteSagas: true, Observer: obs})
	events, sagas, err := s.RunRetention(context.Background())
	if err != nil {
		t.Fatalf("RunRetention: %v", err)
	}
	if events != 1 || sagas != 1 || obs.events != 1 || obs.sagas != 1 {
		t.Fatalf("events=%d sagas=%d observer=%+v", events, sagas, obs)
	}
	if _, err := store.GetSaga(context.Background(), done.SagaID); !errors.Is(err, saga.ErrSagaNotFound) {
		t.Fatalf("old saga should be deleted, err = %v", err)
	}
}

func TestNewRejectsBadRetentionSpec(t *testing.T) {
	if _, err := New(saga.NewMemoryStore(), &fakeReplayer{}, Options{RetentionSpec: "not a cron"}); err == nil {
		t.Fatal("expected error")
	}
	if _, err := New(saga.NewMemoryStore(), &fakeReplayer{}, Options{RetentionSpec: "@daily"}); err != nil {
		t.Fatalf("descriptor should parse: %v", err)
	}
}

func TestRunSchedulesJobs(t *testing.T) {
	store := saga.NewMemoryStore()
	addSaga(t, store, "k", time.Hour, saga.StatusInProgress, 0)
	r := &fakeReplayer{}
	s := newScheduler(t, store, r, Options{Interval: time.Second})

	ticks := make(chan struct{}, 10)
	s.AddEvery("sampler", time.Second, func(context.Context) { ticks <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-ticks:
	case <-time.After(5 * time.Second):
		t.Fatal("extra job did not run")
	}
	deadline := time.Now().Add(5 * time.Second)
	for len(r.calls()) == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if len(r.calls()) == 0 {
		t.Fatal("recovery job did not run")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}
