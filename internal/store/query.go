package store

import (
	"fmt"
	"strings"
	"time"
)

// Op is a predicate operator in the store's query vocabulary. The store
// supports field equality, membership over a small enumerated set,
// array-contains, and range comparison on a single sortable field.
type Op string

const (
	OpEqual         Op = "=="
	OpIn            Op = "in"
	OpArrayContains Op = "array-contains"
	OpGreaterEqual  Op = ">="
	OpLess          Op = "<"
)

// Field names the store can filter and sort on.
const (
	FieldVisibility = "visibility"
	FieldCreatedBy  = "createdBy"
	FieldInvited    = "invitedUserIds"
	FieldStartAt    = "startAt"
)

// Filter is a single predicate. Value is a string for OpEqual and
// OpArrayContains, a []string for OpIn, and a time.Time for range
// operators.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Query describes one scoped subscription: a predicate set plus a
// single-field sort. A Query is immutable once built for a given identity
// snapshot. The sort field must be the same field any range filter uses.
type Query struct {
	Filters []Filter
	OrderBy string
	Desc    bool
}

// ID returns a stable identifier for the query, used for merge provenance
// and logging. Two queries with the same predicates and sort share an ID.
func (q Query) ID() string {
	var b strings.Builder
	for _, f := range q.Filters {
		b.WriteString(f.Field)
		b.WriteString(string(f.Op))
		switch v := f.Value.(type) {
		case string:
			b.WriteString(v)
		case []string:
			b.WriteString(strings.Join(v, "|"))
		case time.Time:
			b.WriteString(v.UTC().Format(time.RFC3339Nano))
		default:
			fmt.Fprintf(&b, "%v", v)
		}
		b.WriteByte(';')
	}
	b.WriteString("order=")
	b.WriteString(q.OrderBy)
	if q.Desc {
		b.WriteString(":desc")
	} else {
		b.WriteString(":asc")
	}
	return b.String()
}
