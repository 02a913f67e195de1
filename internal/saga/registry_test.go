package saga

import (
	"context"
	"errors"
	"testing"
)

func noop(context.Context, *Event, *Saga) error { return nil }

func baseBuilder() *Builder {
	return NewWorkflow("W").Topic("w-topic").CorrelateField("id")
}

func TestBuildRejectsDuplicateStep(t *testing.T) {
	_, err := baseBuilder().
		Step(EventInitiated, OutcomeInitiateSuccess, "A", noop).
		Step(EventInitiated, OutcomeInitiateSuccess, "B", noop).
		End("A", "DONE").
		End("B", "DONE").
		Build()
	if !errors.Is(err, ErrDuplicateStep) {
		t.Fatalf("err = %v, want ErrDuplicateStep", err)
	}
}

func TestBuildValidation(t *testing.T) {
	tests := []struct {
		name string
		b    *Builder
	}{
		{"missing initiation", baseBuilder().Step("A", "OK", "B", noop).End("B", "OK")},
		{"dead end", baseBuilder().Step(EventInitiated, OutcomeInitiateSuccess, "A", noop)},
		{"cycle", baseBuilder().
			Step(EventInitiated, OutcomeInitiateSuccess, "A", noop).
			Step("A", "AGAIN", "B", noop).
			Step("B", "BACK", "A", noop).
			End("B", "OK")},
		{"step to terminal", baseBuilder().Step(EventInitiated, OutcomeInitiateSuccess, EventMarkComplete, noop)},
		{"nil handler", baseBuilder().Step(EventInitiated, OutcomeInitiateSuccess, "A", nil).End("A", "OK")},
		{"no topic", NewWorkflow("W").CorrelateField("id").End(EventInitiated, OutcomeInitiateSuccess)},
		{"no correlation", NewWorkflow("W").Topic("t").End(EventInitiated, OutcomeInitiateSuccess)},
		{"unreachable", baseBuilder().
			Step(EventInitiated, OutcomeInitiateSuccess, "A", noop).
			End("A", "OK").
			End("Z", "OK")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.b.Build(); !errors.Is(err, ErrInvalidWorkflow) {
				t.Fatalf("err = %v, want ErrInvalidWorkflow", err)
			}
		})
	}
}

func branchingWorkflow(t *testing.T) *Workflow {
	t.Helper()
	w, err := baseBuilder().
		Step(EventInitiated, OutcomeInitiateSuccess, "VALIDATE", noop).
		Step("VALIDATE", "OK", "MATCH", noop).
		Step("VALIDATE", "ERROR", "UPDATE", noop).
		Step("MATCH", "FOUND", "UPDATE_STUDENT", noop).
		Step("MATCH", "NOT_FOUND", "CREATE_STUDENT", noop).
		Step("UPDATE_STUDENT", "DONE", "UPDATE", noop).
		Step("CREATE_STUDENT", "DONE", "UPDATE", noop).
		End("UPDATE", "DONE").
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return w
}

func TestLongestPathRank(t *testing.T) {
	w := branchingWorkflow(t)
	want := map[EventType]int{
		EventInitiated:    0,
		"VALIDATE":        1,
		"MATCH":           2,
		"UPDATE_STUDENT":  3,
		"CREATE_STUDENT":  3,
		"UPDATE":          4,
		EventMarkComplete: 5,
	}
	for et, r := range want {
		got, ok := w.Rank(et)
		if !ok || got != r {
			t.Fatalf("rank(%s) = %d,%v want %d", et, got, ok, r)
		}
	}
}

func TestIsStale(t *testing.T) {
	w := branchingWorkflow(t)
	tests := []struct {
		incoming, current EventType
		want              bool
	}{
		{"VALIDATE", "VALIDATE", false},
		{"VALIDATE", "MATCH", true},
		{"MATCH", "UPDATE", true},
		{"CREATE_STUDENT", "UPDATE_STUDENT", true},
		{"UPDATE", "MATCH", false},
		{"UNKNOWN", "MATCH", false},
	}
	for _, tt := range tests {
		if got := w.IsStale(tt.incoming, tt.current); got != tt.want {
			t.Fatalf("IsStale(%s, %s) = %v, want %v", tt.incoming, tt.current, got, tt.want)
		}
	}
}

func TestExplicitOrder(t *testing.T) {
	w, err := baseBuilder().
		Step(EventInitiated, OutcomeInitiateSuccess, "A", noop).
		Step("A", "OK", "B", noop).
		End("B", "OK").
		Order(EventInitiated, "A", "B").
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if r, _ := w.Rank(EventMarkComplete); r != 3 {
		t.Fatalf("rank(MARK_COMPLETE) = %d, want 3", r)
	}

	_, err = baseBuilder().
		Step(EventInitiated, OutcomeInitiateSuccess, "A", noop).
		Step("A", "OK", "B", noop).
		End("B", "OK").
		Order(EventInitiated, "B", "A").
		Build()
	if !errors.Is(err, ErrInvalidWorkflow) {
		t.Fatalf("backwards order err = %v, want ErrInvalidWorkflow", err)
	}
}

func TestFindNext(t *testing.T) {
	w := branchingWorkflow(t)
	tr, ok := w.FindNext("MATCH", "NOT_FOUND")
	if !ok || tr.Next != "CREATE_STUDENT" {
		t.Fatalf("FindNext = %+v, %v", tr, ok)
	}
	if _, ok := w.FindNext("MATCH", "MAYBE"); ok {
		t.Fatal("unexpected transition for unregistered outcome")
	}
	end, ok := w.FindNext("UPDATE", "DONE")
	if !ok || !end.Terminal() {
		t.Fatalf("terminal transition = %+v, %v", end, ok)
	}
	if got := len(w.Transitions()); got != 8 {
		t.Fatalf("Transitions() = %d, want 8", got)
	}
	if first := w.Transitions()[0]; first.From != EventInitiated {
		t.Fatalf("first transition from %s, want INITIATED", first.From)
	}
}

func TestCorrelateField(t *testing.T) {
	w := baseBuilder().End(EventInitiated, OutcomeInitiateSuccess).MustBuild()
	tests := []struct {
		payload string
		want    string
		wantErr bool
	}{
		{`{"id":"abc"}`, "abc", false},
		{`{"id":42}`, "42", false},
		{`{"id":""}`, "", true},
		{`{"other":"x"}`, "", true},
		{`not json`, "", true},
		{`{"id":{"nested":true}}`, "", true},
	}
	for _, tt := range tests {
		got, err := w.CorrelationKey(tt.payload)
		if (err != nil) != tt.wantErr {
			t.Fatalf("CorrelationKey(%s) err = %v, wantErr %v", tt.payload, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrCorrelationKey) {
			t.Fatalf("err = %v, want ErrCorrelationKey", err)
		}
		if got != tt.want {
			t.Fatalf("CorrelationKey(%s) = %q, want %q", tt.payload, got, tt.want)
		}
	}
}

func TestRegistry(t *testing.T) {
	a := NewWorkflow("A").Topic("a").CorrelateField("id").End(EventInitiated, OutcomeInitiateSuccess).MustBuild()
	b := NewWorkflow("B").Topic("a").CorrelateField("id").End(EventInitiated, OutcomeInitiateSuccess).MustBuild()
	if _, err := NewRegistry(a, b); !errors.Is(err, ErrInvalidWorkflow) {
		t.Fatalf("shared topic err = %v", err)
	}
	if _, err := NewRegistry(a, a); !errors.Is(err, ErrInvalidWorkflow) {
		t.Fatalf("duplicate name err = %v", err)
	}
	r, err := NewRegistry(a)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if _, err := r.Get("missing"); !errors.Is(err, ErrUnknownWorkflow) {
		t.Fatalf("Get missing err = %v", err)
	}
}

func TestTypedDecodesPayload(t *testing.T) {
	type student struct {
		ID string `json:"id"`
	}
	var got string
	h := Typed(func(_ context.Context, _ *Event, _ *Saga, p student) error {
		got = p.ID
		return nil
	})
	if err := h(context.Background(), &Event{}, &Saga{Payload: `{"id":"s-1"}`}); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if got != "s-1" {
		t.Fatalf("decoded id = %q", got)
	}
	if err := h(context.Background(), &Event{}, &Saga{Payload: `{`}); !errors.Is(err, ErrPayloadDecode) {
		t.Fatalf("bad payload err = %v", err)
	}
}
