package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	appLog "gather/internal/log"
	"gather/internal/model"
)

// MemStore is an in-memory Store implementation honoring the streaming
// contract of the managed document store: each subscription receives the
// full current result set for its query on every relevant change.
//
// Deliveries run on the mutating caller's goroutine, matching the
// cooperative single-threaded delivery model the engine is written for.
type MemStore struct {
	mu      sync.Mutex
	docs    map[string]model.Event
	subs    map[int]*subscription
	nextSub int
	closed  bool
}

type subscription struct {
	id         int
	q          Query
	onSnapshot SnapshotFunc
	onError    ErrorFunc

	// mu serializes deliveries and guards active. Unsubscribing takes mu,
	// so it blocks until an in-flight delivery returns; no callback runs
	// after unsubscribe returns. Never acquire MemStore.mu while holding
	// it.
	mu     sync.Mutex
	active bool
}

// deliver invokes the snapshot callback unless the subscription has been
// cancelled.
func (s *subscription) deliver(events []model.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	s.onSnapshot(events)
}

func (s *subscription) deactivate() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

// NewMemStore constructs an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		docs: make(map[string]model.Event),
		subs: make(map[int]*subscription),
	}
}

// Subscribe registers a streaming subscription for q and synchronously
// delivers the current result set (possibly empty) before returning.
func (m *MemStore) Subscribe(ctx context.Context, q Query, onSnapshot SnapshotFunc, onError ErrorFunc) (func(), error) {
	if onSnapshot == nil {
		return nil, errors.New("store: nil snapshot callback")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	sub := &subscription{
		id:         m.nextSub,
		q:          q,
		onSnapshot: onSnapshot,
		onError:    onError,
		active:     true,
	}
	m.nextSub++
	m.subs[sub.id] = sub
	initial := m.resultSetLocked(q)
	m.mu.Unlock()

	if ctx != nil && ctx.Err() != nil {
		m.remove(sub.id)
		return func() {}, ctx.Err()
	}

	// Initial snapshot counts as the subscription's first delivery.
	sub.deliver(initial)

	return func() { m.remove(sub.id) }, nil
}

func (m *MemStore) remove(id int) {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if ok {
		delete(m.subs, id)
	}
	m.mu.Unlock()
	if ok {
		sub.deactivate()
	}
}

// Put validates and upserts an event, assigning a store id when ID is
// empty, then redelivers the full result set to every affected
// subscription. Returns the (possibly assigned) id.
func (m *MemStore) Put(ev model.Event) (string, error) {
	if !ev.StartAt.IsZero() && !ev.EndAt.IsZero() && ev.EndAt.Before(ev.StartAt) {
		return "", fmt.Errorf("store: event end %s before start %s", ev.EndAt.Format(time.RFC3339), ev.StartAt.Format(time.RFC3339))
	}
	// Recurrence is parsed and validated exactly once, here at the store
	// boundary. Invalid rules never reach expansion.
	if err := ev.Recurrence.Validate(); err != nil {
		return "", err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	m.docs[ev.ID] = ev
	deliveries := m.snapshotDeliveriesLocked()
	m.mu.Unlock()

	m.dispatch(deliveries)
	return ev.ID, nil
}

// Delete removes an event and redelivers affected subscriptions. Deleting
// an unknown id is a no-op.
func (m *MemStore) Delete(id string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if _, ok := m.docs[id]; !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.docs, id)
	deliveries := m.snapshotDeliveriesLocked()
	m.mu.Unlock()

	m.dispatch(deliveries)
	return nil
}

// Close shuts the store down. Existing subscriptions receive no further
// callbacks.
func (m *MemStore) Close() {
	m.mu.Lock()
	m.closed = true
	subs := make([]*subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.subs = make(map[int]*subscription)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.deactivate()
	}
}

// Len reports the number of stored documents.
func (m *MemStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}

type delivery struct {
	sub    *subscription
	events []model.Event
}

// snapshotDeliveriesLocked recomputes the result set of every active
// subscription. Callers hold m.mu.
func (m *MemStore) snapshotDeliveriesLocked() []delivery {
	out := make([]delivery, 0, len(m.subs))
	for _, sub := range m.subs {
		out = append(out, delivery{sub: sub, events: m.resultSetLocked(sub.q)})
	}
	return out
}

func (m *MemStore) dispatch(deliveries []delivery) {
	for _, d := range deliveries {
		d.sub.deliver(d.events)
	}
}

// resultSetLocked evaluates q against the current documents, sorted by the
// query's sort field with id tiebreak. Callers hold m.mu.
func (m *MemStore) resultSetLocked(q Query) []model.Event {
	out := make([]model.Event, 0)
	for _, ev := range m.docs {
		if matches(q, ev) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		si, sj := out[i].StartAt, out[j].StartAt
		if si.Equal(sj) {
			if q.Desc {
				return out[i].ID > out[j].ID
			}
			return out[i].ID < out[j].ID
		}
		if q.Desc {
			return si.After(sj)
		}
		return si.Before(sj)
	})
	return out
}

func matches(q Query, ev model.Event) bool {
	for _, f := range q.Filters {
		if !matchFilter(f, ev) {
			return false
		}
	}
	return true
}

func matchFilter(f Filter, ev model.Event) bool {
	switch f.Op {
	case OpEqual:
		want, ok := f.Value.(string)
		return ok && fieldString(f.Field, ev) == want
	case OpIn:
		set, ok := f.Value.([]string)
		if !ok {
			return false
		}
		got := fieldString(f.Field, ev)
		for _, v := range set {
			if v == got {
				return true
			}
		}
		return false
	case OpArrayContains:
		want, ok := f.Value.(string)
		if !ok || f.Field != FieldInvited {
			return false
		}
		for _, id := range ev.InvitedUserIDs {
			if id == want {
				return true
			}
		}
		return false
	case OpGreaterEqual:
		bound, ok := f.Value.(time.Time)
		return ok && f.Field == FieldStartAt && !ev.StartAt.Before(bound)
	case OpLess:
		bound, ok := f.Value.(time.Time)
		return ok && f.Field == FieldStartAt && ev.StartAt.Before(bound)
	default:
		appLog.Warn("memstore: unknown filter op", "op", string(f.Op))
		return false
	}
}

func fieldString(field string, ev model.Event) string {
	switch field {
	case FieldVisibility:
		return string(ev.Visibility)
	case FieldCreatedBy:
		return ev.CreatedBy
	default:
		return ""
	}
}
