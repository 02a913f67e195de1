package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// StepHandler performs the outbound side effect of a transition (usually a
// publish). It receives a copy of the saga and must not persist saga state.
type StepHandler func(ctx context.Context, ev *Event, s *Saga) error

// Typed adapts a handler that wants the saga payload decoded into T.
func Typed[T any](fn func(ctx context.Context, ev *Event, s *Saga, payload T) error) StepHandler {
	return func(ctx context.Context, ev *Event, s *Saga) error {
		var payload T
		if err := json.Unmarshal([]byte(s.Payload), &payload); err != nil {
			return fmt.Errorf("%w: saga %s: %v", ErrPayloadDecode, s.SagaID, err)
		}
		return fn(ctx, ev, s, payload)
	}
}

func completeSaga(context.Context, *Event, *Saga) error { return nil }

// CorrelateFunc derives the correlation key from a serialized payload.
type CorrelateFunc func(payload string) (string, error)

// Transition is one registry entry: (From, Outcome) -> (Next, Handler).
type Transition struct {
	From    EventType
	Outcome EventOutcome
	Next    EventType
	Handler StepHandler
}

// Terminal reports whether applying the transition completes the saga.
func (t Transition) Terminal() bool {
	return t.Next == EventMarkComplete
}

// Workflow is the immutable step table of one workflow type.
type Workflow struct {
	name      string
	topic     string
	correlate CorrelateFunc
	steps     map[EventType][]Transition
	rank      map[EventType]int
}

func (w *Workflow) Name() string  { return w.name }
func (w *Workflow) Topic() string { return w.topic }

// FindNext returns the transition registered for (t, o).
func (w *Workflow) FindNext(t EventType, o EventOutcome) (Transition, bool) {
	for _, tr := range w.steps[t] {
		if tr.Outcome == o {
			return tr, true
		}
	}
	return Transition{}, false
}

// Rank returns the position of t in the workflow's event ordering.
func (w *Workflow) Rank(t EventType) (int, bool) {
	r, ok := w.rank[t]
	return r, ok
}

// IsStale reports whether an event of type incoming is a duplicate given the
// saga's persisted state current. The awaited reply (incoming == current) and
// events ranked ahead of current are not stale. Unknown types are left to
// FindNext.
func (w *Workflow) IsStale(incoming, current EventType) bool {
	if incoming == current {
		return false
	}
	ri, ok := w.rank[incoming]
	if !ok {
		return false
	}
	rc, ok := w.rank[current]
	if !ok {
		return false
	}
	return ri <= rc
}

// CorrelationKey derives the correlation key for payload.
func (w *Workflow) CorrelationKey(payload string) (string, error) {
	key, err := w.correlate(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrCorrelationKey, w.name, err)
	}
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("%w: %s: empty", ErrCorrelationKey, w.name)
	}
	return key, nil
}

// Transitions lists every registered transition ordered by rank.
func (w *Workflow) Transitions() []Transition {
	var out []Transition
	for _, list := range w.steps {
		out = append(out, list...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := w.rank[out[i].From], w.rank[out[j].From]
		if ri != rj {
			return ri < rj
		}
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].Outcome < out[j].Outcome
	})
	return out
}

// Builder collects step registrations. Build validates them and returns an
// immutable Workflow; the builder must not be used for dispatch.
type Builder struct {
	name      string
	topic     string
	correlate CorrelateFunc
	steps     map[EventType][]Transition
	order     []EventType
	errs      []error
}

func NewWorkflow(name string) *Builder {
	return &Builder{name: name, steps: make(map[EventType][]Transition)}
}

// Topic sets the inbound topic the workflow listens on.
func (b *Builder) Topic(topic string) *Builder {
	b.topic = topic
	return b
}

func (b *Builder) Correlate(fn CorrelateFunc) *Builder {
	b.correlate = fn
	return b
}

// CorrelateField uses a top-level JSON field of the payload as the correlation key.
func (b *Builder) CorrelateField(field string) *Builder {
	return b.Correlate(func(payload string) (string, error) {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal([]byte(payload), &fields); err != nil {
			return "", err
		}
		raw, ok := fields[field]
		if !ok {
			return "", fmt.Errorf("field %q missing", field)
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s, nil
		}
		var n json.Number
		if err := json.Unmarshal(raw, &n); err == nil {
			return n.String(), nil
		}
		return "", fmt.Errorf("field %q is not a string or number", field)
	})
}

// Step registers from/on -> to executing h.
func (b *Builder) Step(from EventType, on EventOutcome, to EventType, h StepHandler) *Builder {
	switch {
	case to == EventMarkComplete:
		b.errs = append(b.errs, fmt.Errorf("%w: %s/%s: use End for the terminal transition", ErrInvalidWorkflow, from, on))
		return b
	case h == nil:
		b.errs = append(b.errs, fmt.Errorf("%w: %s/%s: nil handler", ErrInvalidWorkflow, from, on))
		return b
	}
	return b.add(Transition{From: from, Outcome: on, Next: to, Handler: h})
}

// End registers from/on as the terminal transition.
func (b *Builder) End(from EventType, on EventOutcome) *Builder {
	return b.add(Transition{From: from, Outcome: on, Next: EventMarkComplete, Handler: completeSaga})
}

// Order declares an explicit total order over the workflow's event types.
// Without it ranks are the longest path from INITIATED.
func (b *Builder) Order(types ...EventType) *Builder {
	b.order = append([]EventType(nil), types...)
	return b
}

func (b *Builder) add(t Transition) *Builder {
	if t.From == EventMarkComplete {
		b.errs = append(b.errs, fmt.Errorf("%w: no steps may leave %s", ErrInvalidWorkflow, EventMarkComplete))
		return b
	}
	for _, existing := range b.steps[t.From] {
		if existing.Outcome == t.Outcome {
			b.errs = append(b.errs, fmt.Errorf("%w: %s: %s/%s", ErrDuplicateStep, b.name, t.From, t.Outcome))
			return b
		}
	}
	b.steps[t.From] = append(b.steps[t.From], t)
	return b
}

// Build validates the registrations.
func (b *Builder) Build() (*Workflow, error) {
	errs := append([]error(nil), b.errs...)
	if b.name == "" {
		errs = append(errs, fmt.Errorf("%w: empty name", ErrInvalidWorkflow))
	}
	if b.topic == "" {
		errs = append(errs, fmt.Errorf("%w: %s: no topic", ErrInvalidWorkflow, b.name))
	}
	if b.correlate == nil {
		errs = append(errs, fmt.Errorf("%w: %s: no correlation key", ErrInvalidWorkflow, b.name))
	}
	if _, ok := findIn(b.steps, EventInitiated, OutcomeInitiateSuccess); !ok {
		errs = append(errs, fmt.Errorf("%w: %s: missing %s/%s", ErrInvalidWorkflow, b.name, EventInitiated, OutcomeInitiateSuccess))
	}
	for _, list := range b.steps {
		for _, t := range list {
			if !t.Terminal() && len(b.steps[t.Next]) == 0 {
				errs = append(errs, fmt.Errorf("%w: %s: %s has no outgoing steps", ErrInvalidWorkflow, b.name, t.Next))
			}
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	rank, err := longestPathRank(b.steps)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidWorkflow, b.name, err)
	}
	if len(b.order) > 0 {
		if rank, err = explicitRank(b.order, b.steps); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidWorkflow, b.name, err)
		}
	}

	steps := make(map[EventType][]Transition, len(b.steps))
	for k, v := range b.steps {
		steps[k] = append([]Transition(nil), v...)
	}
	return &Workflow{
		name:      b.name,
		topic:     b.topic,
		correlate: b.correlate,
		steps:     steps,
		rank:      rank,
	}, nil
}

// MustBuild is Build for package-level workflow definitions.
func (b *Builder) MustBuild() *Workflow {
	w, err := b.Build()
	if err != nil {
		panic(err)
	}
	return w
}

func findIn(steps map[EventType][]Transition, t EventType, o EventOutcome) (Transition, bool) {
	for _, tr := range steps[t] {
		if tr.Outcome == o {
			return tr, true
		}
	}
	return Transition{}, false
}

// longestPathRank ranks every event type by its longest distance from
// INITIATED. It fails on cycles and on types unreachable from INITIATED.
func longestPathRank(steps map[EventType][]Transition) (map[EventType]int, error) {
	indeg := map[EventType]int{EventInitiated: 0}
	for from, list := range steps {
		if _, ok := indeg[from]; !ok {
			indeg[from] = 0
		}
		for _, t := range list {
			indeg[t.Next]++
		}
	}
	if indeg[EventInitiated] != 0 {
		return nil, fmt.Errorf("%s must not be a step target", EventInitiated)
	}

	var orphans []EventType
	for node, d := range indeg {
		if d == 0 && node != EventInitiated {
			orphans = append(orphans, node)
		}
	}
	if len(orphans) > 0 {
		sort.Slice(orphans, func(i, j int) bool { return orphans[i] < orphans[j] })
		return nil, fmt.Errorf("event types unreachable from %s: %v", EventInitiated, orphans)
	}

	rank := map[EventType]int{EventInitiated: 0}
	queue := []EventType{EventInitiated}

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, t := range steps[node] {
			if r := rank[node] + 1; r > rank[t.Next] {
				rank[t.Next] = r
			}
			indeg[t.Next]--
			if indeg[t.Next] == 0 {
				queue = append(queue, t.Next)
			}
		}
	}
	if visited != len(indeg) {
		return nil, errors.New("step graph contains a cycle")
	}
	return rank, nil
}

// explicitRank uses the declared order and checks every step moves forward.
func explicitRank(order []EventType, steps map[EventType][]Transition) (map[EventType]int, error) {
	rank := make(map[EventType]int, len(order)+1)
	for i, t := range order {
		if _, dup := rank[t]; dup {
			return nil, fmt.Errorf("order lists %s twice", t)
		}
		rank[t] = i
	}
	if _, ok := rank[EventMarkComplete]; !ok {
		rank[EventMarkComplete] = len(order)
	}
	for from, list := range steps {
		for _, t := range list {
			rf, okf := rank[from]
			rt, okt := rank[t.Next]
			if !okf || !okt {
				return nil, fmt.Errorf("order does not cover %s -> %s", from, t.Next)
			}
			if rt <= rf {
				return nil, fmt.Errorf("step %s/%s -> %s moves backwards in the declared order", from, t.Outcome, t.Next)
			}
		}
	}
	return rank, nil
}

// Registry indexes built workflows by name.
type Registry struct {
	byName map[string]*Workflow
	names  []string
}

// NewRegistry rejects duplicate workflow names and shared inbound topics.
func NewRegistry(workflows ...*Workflow) (*Registry, error) {
	r := &Registry{byName: make(map[string]*Workflow, len(workflows))}
	topics := make(map[string]string, len(workflows))
	for _, w := range workflows {
		if w == nil {
			return nil, fmt.Errorf("%w: nil workflow", ErrInvalidWorkflow)
		}
		if _, dup := r.byName[w.name]; dup {
			return nil, fmt.Errorf("%w: workflow %s registered twice", ErrInvalidWorkflow, w.name)
		}
		if other, dup := topics[w.topic]; dup {
			return nil, fmt.Errorf("%w: workflows %s and %s share topic %s", ErrInvalidWorkflow, other, w.name, w.topic)
		}
		topics[w.topic] = w.name
		r.byName[w.name] = w
		r.names = append(r.names, w.name)
	}
	sort.Strings(r.names)
	return r, nil
}

// Get returns the named workflow.
func (r *Registry) Get(name string) (*Workflow, error) {
	w, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, name)
	}
	return w, nil
}

// Workflows returns all workflows sorted by name.
func (r *Registry) Workflows() []*Workflow {
	out := make([]*Workflow, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, r.byName[n])
	}
	return out
}
