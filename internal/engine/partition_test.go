package engine

import (
	"testing"
	"time"

	"gather/internal/model"
)

func TestPartitionBuckets(t *testing.T) {
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	skew := 2 * time.Minute

	events := []model.Event{
		ev("old", now.Add(-2*time.Hour)),
		ev("justPast", now.Add(-10*time.Minute)),
		ev("inGap", now.Add(-time.Minute)),
		ev("rightNow", now),
		ev("soon", now.Add(time.Hour)),
	}

	upcoming, past := Partition(events, now, skew)

	if got := ids(upcoming); len(got) != 2 || got[0] != "rightNow" || got[1] != "soon" {
		t.Fatalf("upcoming = %v", got)
	}
	// Past comes back newest first.
	if got := ids(past); len(got) != 2 || got[0] != "justPast" || got[1] != "old" {
		t.Fatalf("past = %v", got)
	}
}

func TestPartitionExhaustiveDisjoint(t *testing.T) {
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	skew := 2 * time.Minute

	var events []model.Event
	for i := -180; i <= 180; i += 7 {
		events = append(events, ev(time.Duration(i).String(), now.Add(time.Duration(i)*time.Second)))
	}

	upcoming, past := Partition(events, now, skew)

	seen := make(map[string]int)
	for _, e := range upcoming {
		seen[e.ID]++
	}
	for _, e := range past {
		seen[e.ID]++
	}

	cutoff := now.Add(-skew)
	for _, e := range events {
		n := seen[e.ID]
		inGap := e.StartAt.Before(now) && !e.StartAt.Before(cutoff)
		if inGap && n != 0 {
			t.Errorf("event at %s inside the gap appeared %d times", e.StartAt, n)
		}
		if !inGap && n != 1 {
			t.Errorf("event at %s appeared %d times, want exactly 1", e.StartAt, n)
		}
	}
}

// An event inside the hysteresis band surfaces in past once the clock moves
// it beyond the skew tolerance; it is never guessed into either bucket
// while inside.
func TestPartitionGapAges(t *testing.T) {
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	skew := 2 * time.Minute
	events := []model.Event{ev("e", now.Add(-time.Minute))}

	upcoming, past := Partition(events, now, skew)
	if len(upcoming)+len(past) != 0 {
		t.Fatalf("event in gap classified: upcoming=%d past=%d", len(upcoming), len(past))
	}

	later := now.Add(5 * time.Minute)
	upcoming, past = Partition(events, later, skew)
	if len(upcoming) != 0 || len(past) != 1 {
		t.Fatalf("aged event should be past: upcoming=%d past=%d", len(upcoming), len(past))
	}
}
