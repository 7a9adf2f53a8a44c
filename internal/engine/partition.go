package engine

import (
	"time"

	"gather/internal/model"
)

// Partition classifies merged events as upcoming or past. Upcoming events
// (startAt >= now) come back ascending; past events (startAt < now-skew)
// descending, matching the per-direction query sorts.
//
// An event with startAt inside [now-skew, now) lands in neither list: the
// query layer excludes the same band server-side, and this re-check covers
// the boundary having moved between query construction and render. Events
// in the band are treated as still-upcoming-in-spirit and surface once they
// age past the skew tolerance.
func Partition(merged []model.Event, now time.Time, skew time.Duration) (upcoming, past []model.Event) {
	cutoff := now.Add(-skew)
	upcoming = make([]model.Event, 0, len(merged))
	past = make([]model.Event, 0)

	for _, ev := range merged {
		switch {
		case !ev.StartAt.Before(now):
			upcoming = append(upcoming, ev)
		case ev.StartAt.Before(cutoff):
			past = append(past, ev)
		}
	}

	// merged arrives ascending; past wants newest first.
	for i, j := 0, len(past)-1; i < j; i, j = i+1, j-1 {
		past[i], past[j] = past[j], past[i]
	}
	return upcoming, past
}
