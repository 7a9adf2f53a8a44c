package engine

import (
	"math"
	"time"

	"gather/internal/model"
)

// notifier emits at-most-once new-event signals from merge deltas.
//
// seen grows monotonically for the lifetime of the engine and is never
// pruned, not even when an event is deleted: a re-arrival after a transient
// disappearance (a query briefly dropping and re-matching a document) must
// not re-notify. The unbounded growth is an accepted tradeoff; the set
// holds one string per event id ever observed.
type notifier struct {
	horizon time.Duration
	seen    map[string]struct{}
}

func newNotifier(horizon time.Duration) *notifier {
	return &notifier{
		horizon: horizon,
		seen:    make(map[string]struct{}),
	}
}

// observe diffs the current merged events against everything previously
// seen and returns notifications for true arrivals. Field updates to an
// already-seen id never fire. Events whose start is already in the past at
// arrival time are recorded but produce nothing.
func (n *notifier) observe(events []model.Event, now time.Time) []model.Notification {
	var out []model.Notification
	for _, ev := range events {
		if _, ok := n.seen[ev.ID]; ok {
			continue
		}
		n.seen[ev.ID] = struct{}{}

		until := ev.StartAt.Sub(now)
		if until <= 0 {
			continue
		}

		note := model.Notification{
			EventID: ev.ID,
			Title:   ev.Title,
			Kind:    model.KindNewEvent,
			At:      now,
		}
		if until <= n.horizon {
			note.Kind = model.KindStartingSoon
			note.HoursUntilStart = int(math.Ceil(until.Hours()))
		}
		out = append(out, note)
	}
	return out
}
