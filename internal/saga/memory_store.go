package saga

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. Per-saga serialization uses a keyed
// mutex, so it is only correct within a single orchestrator instance.
type MemoryStore struct {
	mu     sync.RWMutex
	sagas  map[string]*Saga
	events map[string][]*SagaEvent
	locks  keyedMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sagas:  make(map[string]*Saga),
		events: make(map[string][]*SagaEvent),
		locks:  keyedMutex{locks: make(map[string]*refLock)},
	}
}

func (m *MemoryStore) CreateSaga(_ context.Context, s *Saga) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sagas[s.SagaID]; exists {
		return fmt.Errorf("create saga %s: duplicate id", s.SagaID)
	}
	if s.Status.Active() {
		for _, other := range m.sagas {
			if other.Status.Active() && other.SagaName == s.SagaName && other.CorrelationKey == s.CorrelationKey {
				return fmt.Errorf("%w: %s/%s held by %s", ErrSagaConflict, s.SagaName, s.CorrelationKey, other.SagaID)
			}
		}
	}
	m.sagas[s.SagaID] = s.Clone()
	return nil
}

func (m *MemoryStore) GetSaga(_ context.Context, sagaID string) (*Saga, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sagas[sagaID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSagaNotFound, sagaID)
	}
	return s.Clone(), nil
}

func (m *MemoryStore) FindActive(_ context.Context, workflow, correlationKey string) (*Saga, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sagas {
		if s.Status.Active() && s.SagaName == workflow && s.CorrelationKey == correlationKey {
			return s.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrSagaNotFound, workflow, correlationKey)
}

func (m *MemoryStore) ListSagas(_ context.Context, f ListFilter) ([]*Saga, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Saga
	for _, s := range m.sagas {
		if f.Workflow != "" && s.SagaName != f.Workflow {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, s.Status) {
			continue
		}
		if !f.CreatedBefore.IsZero() && !s.CreateDate.Before(f.CreatedBefore) {
			continue
		}
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreateDate.Equal(out[j].CreateDate) {
			return out[i].CreateDate.Before(out[j].CreateDate)
		}
		return out[i].SagaID < out[j].SagaID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (m *MemoryStore) FindEvents(_ context.Context, sagaID string) ([]*SagaEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.events[sagaID]
	out := make([]*SagaEvent, 0, len(events))
	for _, ev := range events {
		cp := *ev
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) DeleteCompletedBefore(_ context.Context, cutoff time.Time, withSagas bool) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var events, sagas int64
	for id, s := range m.sagas {
		if s.Status != StatusCompleted || !s.UpdateDate.Before(cutoff) {
			continue
		}
		events += int64(len(m.events[id]))
		delete(m.events, id)
		if withSagas {
			delete(m.sagas, id)
			sagas++
		}
	}
	return events, sagas, nil
}

func (m *MemoryStore) WithSagaLock(ctx context.Context, sagaID string, fn func(ctx context.Context, tx SagaTx) error) error {
	unlock := m.locks.lock(sagaID)
	defer unlock()

	s, err := m.GetSaga(ctx, sagaID)
	if err != nil {
		return err
	}
	m.mu.RLock()
	count := len(m.events[sagaID])
	var last *SagaEvent
	if count > 0 {
		cp := *m.events[sagaID][count-1]
		last = &cp
	}
	m.mu.RUnlock()

	tx := &memoryTx{saga: s, last: last, count: count}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if tx.updated != nil {
		m.sagas[sagaID] = tx.updated
	}
	m.events[sagaID] = append(m.events[sagaID], tx.staged...)
	return nil
}

type memoryTx struct {
	saga    *Saga
	last    *SagaEvent
	count   int
	staged  []*SagaEvent
	updated *Saga
}

func (t *memoryTx) Saga() *Saga { return t.saga.Clone() }

func (t *memoryTx) LastEvent(context.Context) (*SagaEvent, error) {
	if n := len(t.staged); n > 0 {
		cp := *t.staged[n-1]
		return &cp, nil
	}
	if t.last == nil {
		return nil, nil
	}
	cp := *t.last
	return &cp, nil
}

func (t *memoryTx) AppendEvent(_ context.Context, ev *SagaEvent) error {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	ev.SagaID = t.saga.SagaID
	ev.StepNumber = t.count + len(t.staged) + 1
	cp := *ev
	t.staged = append(t.staged, &cp)
	return nil
}

func (t *memoryTx) UpdateSaga(_ context.Context, s *Saga) error {
	if s.SagaID != t.saga.SagaID {
		return fmt.Errorf("update saga %s inside lock of %s", s.SagaID, t.saga.SagaID)
	}
	t.updated = s.Clone()
	return nil
}

type refLock struct {
	sync.Mutex
	refs int
}

// keyedMutex hands out one mutex per key and forgets it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
