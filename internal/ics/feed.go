// Package ics serializes the merged event view as a subscribable iCalendar
// feed. Recurring templates are emitted with their RRULE so the consuming
// calendar client performs its own expansion.
package ics

import (
	"time"

	ical "github.com/arran4/golang-ical"

	"gather/internal/model"
)

const prodID = "-//gather//calendar feed//EN"

// Feed renders events as a VCALENDAR. now stamps the DTSTAMP of every
// VEVENT so feeds are reproducible under an injected clock.
func Feed(events []model.Event, now time.Time) string {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(prodID)

	for _, ev := range events {
		ve := cal.AddEvent(ev.ID)
		ve.SetDtStampTime(now.UTC())
		ve.SetStartAt(ev.StartAt.UTC())
		if !ev.EndAt.IsZero() {
			ve.SetEndAt(ev.EndAt.UTC())
		}
		ve.SetSummary(ev.Title)
		if ev.Description != "" {
			ve.SetDescription(ev.Description)
		}
		if ev.Location != "" {
			ve.SetLocation(ev.Location)
		}
		if ev.Recurrence != nil {
			ve.AddRrule(ev.Recurrence.RRuleString())
		}
	}

	return cal.Serialize()
}
