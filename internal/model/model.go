package model

import (
	"time"

	"gather/internal/recur"
)

// Visibility controls which audiences a stored event is exposed to.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityMembers Visibility = "members"
	VisibilityPrivate Visibility = "private"
)

// Event is a stored community event as the document store holds it.
//
// ID is assigned by the store and is stable for the lifetime of the
// document. StartAt/EndAt are instants; StartAt must not be after EndAt
// when both are set.
type Event struct {
	ID string

	Title       string
	Description string
	Location    string

	StartAt time.Time
	EndAt   time.Time

	Visibility Visibility

	// CreatedBy references the identity that owns the event.
	CreatedBy string

	// InvitedUserIDs lists identities explicitly invited to the event.
	InvitedUserIDs []string

	Tags []string

	// Recurrence, when non-nil, marks this event as a recurring template.
	// It is parsed and validated once at the store boundary; downstream
	// consumers may assume a non-nil rule is well formed.
	Recurrence *recur.Rule
}

// Instance is a single concrete occurrence of an event inside a calendar
// window, produced by recurrence expansion. Instances are projections and
// are never persisted.
type Instance struct {
	Event Event

	Start time.Time
	End   time.Time
}

// Identity is the engine's view of the signed-in user, as resolved by the
// external identity provider.
type Identity struct {
	ID string

	// Approved reports whether the identity has passed community approval.
	// Unapproved identities see the same events an anonymous visitor sees.
	Approved bool
}

// NotificationKind classifies a new-event notification.
type NotificationKind string

const (
	// KindNewEvent is an arrival with more than the configured horizon
	// until its start.
	KindNewEvent NotificationKind = "new_event"
	// KindStartingSoon is an arrival starting within the horizon.
	KindStartingSoon NotificationKind = "starting_soon"
)

// Notification is an at-most-once signal that an event id appeared in the
// merged view for the first time.
type Notification struct {
	EventID string
	Title   string
	Kind    NotificationKind

	// HoursUntilStart is set for starting_soon notifications, rounded up.
	HoursUntilStart int

	At time.Time
}
