package engine

import (
	"testing"
	"time"

	"gather/internal/model"
)

func TestNotifierClassification(t *testing.T) {
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	n := newNotifier(24 * time.Hour)

	notes := n.observe([]model.Event{
		ev("soon", now.Add(90*time.Minute)),
		ev("far", now.Add(48*time.Hour)),
		ev("gone", now.Add(-time.Hour)),
	}, now)

	if len(notes) != 2 {
		t.Fatalf("want 2 notifications, got %d", len(notes))
	}
	byID := make(map[string]model.Notification, len(notes))
	for _, note := range notes {
		byID[note.EventID] = note
	}

	soon, ok := byID["soon"]
	if !ok || soon.Kind != model.KindStartingSoon {
		t.Fatalf("soon: %+v", soon)
	}
	if soon.HoursUntilStart != 2 {
		t.Errorf("90m away should round up to 2 hours, got %d", soon.HoursUntilStart)
	}

	far, ok := byID["far"]
	if !ok || far.Kind != model.KindNewEvent {
		t.Fatalf("far: %+v", far)
	}
	if far.HoursUntilStart != 0 {
		t.Errorf("new_event should not carry hours, got %d", far.HoursUntilStart)
	}

	if _, leaked := byID["gone"]; leaked {
		t.Error("event already past at arrival must never notify")
	}
}

func TestNotifierIdempotent(t *testing.T) {
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	n := newNotifier(24 * time.Hour)

	events := []model.Event{ev("a", now.Add(time.Hour)), ev("b", now.Add(2*time.Hour))}
	if got := len(n.observe(events, now)); got != 2 {
		t.Fatalf("first observe: %d notifications", got)
	}
	// Same ids again: nothing fires, field updates included.
	events[0].Title = "renamed"
	if got := len(n.observe(events, now)); got != 0 {
		t.Fatalf("second observe re-emitted %d notifications", got)
	}
}

func TestNotifierNoReNotifyAfterDisappearance(t *testing.T) {
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	n := newNotifier(24 * time.Hour)

	n.observe([]model.Event{ev("a", now.Add(time.Hour))}, now)
	n.observe(nil, now)
	// Re-arrival after a transient disappearance: the seen set is never
	// pruned, so this stays silent.
	if got := len(n.observe([]model.Event{ev("a", now.Add(time.Hour))}, now)); got != 0 {
		t.Fatalf("re-arrival notified %d times", got)
	}
}

func TestNotifierPastArrivalStillRecorded(t *testing.T) {
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	n := newNotifier(24 * time.Hour)

	// Arrives in the past: no notification, but the id is recorded, so a
	// later delivery with a future start stays silent too.
	n.observe([]model.Event{ev("a", now.Add(-time.Minute))}, now)
	if got := len(n.observe([]model.Event{ev("a", now.Add(time.Hour))}, now)); got != 0 {
		t.Fatalf("recorded id re-notified %d times", got)
	}
}
