package engine

import (
	"sort"

	"gather/internal/model"
)

// mergeStore accumulates documents across every open subscription of one
// identity epoch into a single deduplicated view.
//
// Each subscription delivers its full current result set, so merging is
// idempotent replace-by-id per query, never append. The store keeps
// per-query provenance: a document that one query stops matching but
// another still matches stays in the view, and a document no query matches
// anymore is actually removed.
type mergeStore struct {
	epoch   uint64
	byID    map[string]model.Event
	contrib map[string]map[string]struct{} // query id -> contributed ids
	version uint64
}

func newMergeStore(epoch uint64) *mergeStore {
	return &mergeStore{
		epoch:   epoch,
		byID:    make(map[string]model.Event),
		contrib: make(map[string]map[string]struct{}),
	}
}

// apply replaces queryID's contribution with docs. A delivery tagged with a
// stale epoch is rejected: it belongs to a subscription whose handle was
// already closed, and must never leak into the current view.
func (s *mergeStore) apply(epoch uint64, queryID string, docs []model.Event) bool {
	if epoch != s.epoch {
		return false
	}

	fresh := make(map[string]struct{}, len(docs))
	for _, doc := range docs {
		fresh[doc.ID] = struct{}{}
	}

	// Drop ids this query contributed before but no longer does, unless
	// some other query still owns them.
	for id := range s.contrib[queryID] {
		if _, still := fresh[id]; still {
			continue
		}
		if s.ownedElsewhere(queryID, id) {
			continue
		}
		delete(s.byID, id)
	}

	for _, doc := range docs {
		s.byID[doc.ID] = doc
	}
	s.contrib[queryID] = fresh
	s.version++
	return true
}

func (s *mergeStore) ownedElsewhere(queryID, id string) bool {
	for q, ids := range s.contrib {
		if q == queryID {
			continue
		}
		if _, ok := ids[id]; ok {
			return true
		}
	}
	return false
}

// touch bumps the version without mutating contents, so memoized consumers
// re-read after a clock-driven re-partition.
func (s *mergeStore) touch() {
	s.version++
}

// snapshot returns every merged event sorted by start time ascending with
// id as a deterministic tiebreak.
func (s *mergeStore) snapshot() []model.Event {
	out := make([]model.Event, 0, len(s.byID))
	for _, ev := range s.byID {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartAt.Equal(out[j].StartAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartAt.Before(out[j].StartAt)
	})
	return out
}
