package store

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"gather/internal/model"
	"gather/internal/recur"
)

func upcomingQuery(now time.Time) Query {
	return Query{
		Filters: []Filter{
			{Field: FieldVisibility, Op: OpIn, Value: []string{"public", "members"}},
			{Field: FieldStartAt, Op: OpGreaterEqual, Value: now},
		},
		OrderBy: FieldStartAt,
	}
}

func TestSubscribeDeliversInitialSnapshot(t *testing.T) {
	m := NewMemStore()
	defer m.Close()

	var deliveries [][]model.Event
	unsub, err := m.Subscribe(context.Background(), upcomingQuery(time.Now()), func(events []model.Event) {
		deliveries = append(deliveries, events)
	}, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	if len(deliveries) != 1 {
		t.Fatalf("want 1 initial delivery, got %d", len(deliveries))
	}
	if len(deliveries[0]) != 0 {
		t.Fatalf("initial snapshot of empty store should be empty, got %d events", len(deliveries[0]))
	}
}

func TestPutRedeliversFullResultSet(t *testing.T) {
	m := NewMemStore()
	defer m.Close()

	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	var last []model.Event
	count := 0
	unsub, err := m.Subscribe(context.Background(), upcomingQuery(now), func(events []model.Event) {
		last = events
		count++
	}, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	id1, err := m.Put(model.Event{
		Title:      "picnic",
		Visibility: model.VisibilityPublic,
		StartAt:    now.Add(2 * time.Hour),
		EndAt:      now.Add(3 * time.Hour),
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if id1 == "" {
		t.Fatal("Put should assign an id")
	}
	if count != 2 || len(last) != 1 {
		t.Fatalf("after first put: count=%d last=%d events", count, len(last))
	}

	// Second event sorts before the first: the delivery is always the
	// full, ordered result set, not a diff.
	if _, err := m.Put(model.Event{
		Title:      "standup",
		Visibility: model.VisibilityMembers,
		StartAt:    now.Add(time.Hour),
		EndAt:      now.Add(90 * time.Minute),
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if count != 3 || len(last) != 2 {
		t.Fatalf("after second put: count=%d last=%d events", count, len(last))
	}
	if last[0].Title != "standup" || last[1].Title != "picnic" {
		t.Fatalf("result set not sorted by start: %q, %q", last[0].Title, last[1].Title)
	}

	// Private events never match the visibility family.
	if _, err := m.Put(model.Event{
		Title:      "secret",
		Visibility: model.VisibilityPrivate,
		StartAt:    now.Add(4 * time.Hour),
		EndAt:      now.Add(5 * time.Hour),
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if len(last) != 2 {
		t.Fatalf("private event leaked into visibility query: %d events", len(last))
	}
}

func TestQueryPredicates(t *testing.T) {
	m := NewMemStore()
	defer m.Close()

	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	mustPut := func(ev model.Event) string {
		t.Helper()
		id, err := m.Put(ev)
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
		return id
	}

	mine := mustPut(model.Event{Title: "mine", Visibility: model.VisibilityPrivate, CreatedBy: "u1", StartAt: now.Add(time.Hour), EndAt: now.Add(2 * time.Hour)})
	invited := mustPut(model.Event{Title: "invited", Visibility: model.VisibilityPrivate, CreatedBy: "u2", InvitedUserIDs: []string{"u1", "u3"}, StartAt: now.Add(time.Hour), EndAt: now.Add(2 * time.Hour)})
	mustPut(model.Event{Title: "other", Visibility: model.VisibilityPrivate, CreatedBy: "u2", StartAt: now.Add(time.Hour), EndAt: now.Add(2 * time.Hour)})

	cases := []struct {
		name    string
		filter  Filter
		wantIDs []string
	}{
		{"createdBy equality", Filter{Field: FieldCreatedBy, Op: OpEqual, Value: "u1"}, []string{mine}},
		{"invited array-contains", Filter{Field: FieldInvited, Op: OpArrayContains, Value: "u1"}, []string{invited}},
		{"startAt lower bound excludes nothing", Filter{Field: FieldStartAt, Op: OpGreaterEqual, Value: now}, nil},
		{"startAt upper bound excludes all", Filter{Field: FieldStartAt, Op: OpLess, Value: now}, []string{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got []model.Event
			unsub, err := m.Subscribe(context.Background(), Query{Filters: []Filter{tc.filter}, OrderBy: FieldStartAt}, func(events []model.Event) {
				got = events
			}, nil)
			if err != nil {
				t.Fatalf("Subscribe: %v", err)
			}
			defer unsub()
			if tc.wantIDs == nil {
				return
			}
			if len(got) != len(tc.wantIDs) {
				t.Fatalf("got %d events, want %d", len(got), len(tc.wantIDs))
			}
			for i, id := range tc.wantIDs {
				if got[i].ID != id {
					t.Errorf("event %d id = %s, want %s", i, got[i].ID, id)
				}
			}
		})
	}
}

func TestUnsubscribeIsFinal(t *testing.T) {
	m := NewMemStore()
	defer m.Close()

	count := 0
	unsub, err := m.Subscribe(context.Background(), Query{OrderBy: FieldStartAt}, func([]model.Event) {
		count++
	}, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if count != 1 {
		t.Fatalf("want initial delivery, got %d", count)
	}

	unsub()
	if _, err := m.Put(model.Event{Title: "later", Visibility: model.VisibilityPublic, StartAt: time.Now(), EndAt: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if count != 1 {
		t.Fatalf("delivery after unsubscribe: count=%d", count)
	}
}

func TestUnsubscribeWaitsForInFlightDelivery(t *testing.T) {
	m := NewMemStore()
	defer m.Close()

	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	initial := true
	unsub, err := m.Subscribe(context.Background(), Query{OrderBy: FieldStartAt}, func([]model.Event) {
		calls.Add(1)
		if initial {
			initial = false
			return
		}
		entered <- struct{}{}
		<-release
	}, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	putDone := make(chan struct{})
	go func() {
		defer close(putDone)
		if _, err := m.Put(model.Event{Title: "slow", Visibility: model.VisibilityPublic, StartAt: now, EndAt: now.Add(time.Hour)}); err != nil {
			t.Errorf("Put: %v", err)
		}
	}()
	<-entered

	// Unsubscribe must block until the delivery running right now returns.
	unsubDone := make(chan struct{})
	go func() {
		unsub()
		close(unsubDone)
	}()
	select {
	case <-unsubDone:
		t.Fatal("unsubscribe returned while a delivery was still running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-unsubDone
	<-putDone

	after := calls.Load()
	if _, err := m.Put(model.Event{Title: "late", Visibility: model.VisibilityPublic, StartAt: now, EndAt: now.Add(time.Hour)}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if calls.Load() != after {
		t.Fatalf("delivery landed after unsubscribe returned: %d -> %d calls", after, calls.Load())
	}
}

func TestPutRejectsInvalidInput(t *testing.T) {
	m := NewMemStore()
	defer m.Close()

	now := time.Now()
	if _, err := m.Put(model.Event{Title: "backwards", StartAt: now, EndAt: now.Add(-time.Hour)}); err == nil {
		t.Fatal("end before start should be rejected")
	}

	_, err := m.Put(model.Event{
		Title:      "bad rule",
		StartAt:    now,
		EndAt:      now.Add(time.Hour),
		Recurrence: &recur.Rule{Freq: recur.Weekly, Interval: 0},
	})
	if !errors.Is(err, recur.ErrInvalidRule) {
		t.Fatalf("want ErrInvalidRule, got %v", err)
	}
}

func TestClosedStore(t *testing.T) {
	m := NewMemStore()
	m.Close()

	if _, err := m.Put(model.Event{Title: "x"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Put on closed store: %v", err)
	}
	if _, err := m.Subscribe(context.Background(), Query{}, func([]model.Event) {}, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("Subscribe on closed store: %v", err)
	}
}

func TestQueryIDStable(t *testing.T) {
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	a := upcomingQuery(now)
	b := upcomingQuery(now)
	if a.ID() != b.ID() {
		t.Fatalf("identical queries should share an ID: %q vs %q", a.ID(), b.ID())
	}
	c := upcomingQuery(now)
	c.Desc = true
	if a.ID() == c.ID() {
		t.Fatal("differing sort direction should change the ID")
	}
}
