// Package query builds the set of scoped store queries an identity needs to
// see every event it is entitled to. The store's query language cannot
// express a disjunction across heterogeneous predicates in one query, so
// the union is computed client-side by the engine's merge store instead.
package query

import (
	"time"

	"gather/internal/model"
	"gather/internal/store"
)

// Build returns the query descriptors for one identity snapshot.
//
// Anonymous visitors and unapproved identities get one upcoming and one
// past query over public and members events (members content is visible to
// everyone; acting on it is an external concern). Approved identities
// additionally get created-by and invited queries per direction, up to six
// descriptors total.
//
// Upcoming queries filter startAt >= now ascending; past queries filter
// startAt < now-skew descending. The band [now-skew, now) is deliberately
// in neither direction: it is a hysteresis gap that keeps an event from
// flickering between buckets while clocks drift or now advances between
// rebuilds.
func Build(identity *model.Identity, now time.Time, skew time.Duration) []store.Query {
	families := [][]store.Filter{
		{{
			Field: store.FieldVisibility,
			Op:    store.OpIn,
			Value: []string{string(model.VisibilityPublic), string(model.VisibilityMembers)},
		}},
	}

	if identity != nil && identity.Approved {
		families = append(families,
			[]store.Filter{{
				Field: store.FieldCreatedBy,
				Op:    store.OpEqual,
				Value: identity.ID,
			}},
			[]store.Filter{{
				Field: store.FieldInvited,
				Op:    store.OpArrayContains,
				Value: identity.ID,
			}},
		)
	}

	pastCutoff := now.Add(-skew)
	out := make([]store.Query, 0, len(families)*2)
	for _, family := range families {
		upcoming := store.Query{
			Filters: append(append([]store.Filter{}, family...), store.Filter{
				Field: store.FieldStartAt,
				Op:    store.OpGreaterEqual,
				Value: now,
			}),
			OrderBy: store.FieldStartAt,
		}
		past := store.Query{
			Filters: append(append([]store.Filter{}, family...), store.Filter{
				Field: store.FieldStartAt,
				Op:    store.OpLess,
				Value: pastCutoff,
			}),
			OrderBy: store.FieldStartAt,
			Desc:    true,
		}
		out = append(out, upcoming, past)
	}
	return out
}
