package ics

import (
	"strings"
	"testing"
	"time"

	"gather/internal/model"
	"gather/internal/recur"
)

func TestFeedSerializesEvents(t *testing.T) {
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	events := []model.Event{
		{
			ID:          "ev-1",
			Title:       "garden day",
			Description: "bring gloves",
			Location:    "community garden",
			StartAt:     now.Add(24 * time.Hour),
			EndAt:       now.Add(26 * time.Hour),
			Visibility:  model.VisibilityPublic,
		},
		{
			ID:         "ev-2",
			Title:      "weekly run",
			StartAt:    now.Add(48 * time.Hour),
			EndAt:      now.Add(49 * time.Hour),
			Visibility: model.VisibilityPublic,
			Recurrence: &recur.Rule{Freq: recur.Weekly, Interval: 1, Count: 5},
		},
	}

	out := Feed(events, now)

	for _, want := range []string{
		"BEGIN:VCALENDAR",
		"END:VCALENDAR",
		"UID:ev-1",
		"UID:ev-2",
		"SUMMARY:garden day",
		"SUMMARY:weekly run",
		"LOCATION:community garden",
		"RRULE:FREQ=WEEKLY;COUNT=5",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("feed missing %q\n%s", want, out)
		}
	}

	if count := strings.Count(out, "BEGIN:VEVENT"); count != 2 {
		t.Errorf("want 2 VEVENTs, got %d", count)
	}
	// The non-recurring event must not carry an RRULE.
	if count := strings.Count(out, "RRULE:"); count != 1 {
		t.Errorf("want exactly 1 RRULE, got %d", count)
	}
}

func TestFeedEmpty(t *testing.T) {
	out := Feed(nil, time.Now())
	if !strings.Contains(out, "BEGIN:VCALENDAR") || strings.Contains(out, "BEGIN:VEVENT") {
		t.Errorf("empty feed malformed:\n%s", out)
	}
}
