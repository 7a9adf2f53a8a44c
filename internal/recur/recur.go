package recur

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// ErrInvalidRule is returned for rules that cannot be expanded: unknown
// frequency, or a zero/negative interval. Rules are validated once at the
// store boundary; expansion re-checks and fails fast rather than coercing.
var ErrInvalidRule = errors.New("recur: invalid recurrence rule")

// Frequency is the unit a recurring event steps by.
type Frequency string

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
	Yearly  Frequency = "yearly"
)

// Rule is the structured recurrence template attached to an event.
//
// Expansion must terminate: either Count or Until bounds the series, or the
// expansion window itself does. A Rule with neither bound is valid; it is
// the window that keeps iteration finite.
type Rule struct {
	Freq     Frequency
	Interval int

	// Count, when > 0, bounds the series to that many occurrences
	// (template occurrence included).
	Count int

	// Until, when non-nil, is the inclusive last instant an occurrence
	// may start at.
	Until *time.Time

	// ByWeekday restricts occurrences to the given weekdays.
	ByWeekday []time.Weekday
}

// Validate reports whether the rule can be expanded. This is the single
// fail-fast gate: callers persist only validated rules.
func (r *Rule) Validate() error {
	if r == nil {
		return nil
	}
	if r.Interval <= 0 {
		return fmt.Errorf("%w: interval %d", ErrInvalidRule, r.Interval)
	}
	switch r.Freq {
	case Daily, Weekly, Monthly, Yearly:
	default:
		return fmt.Errorf("%w: frequency %q", ErrInvalidRule, r.Freq)
	}
	return nil
}

// RRuleString renders the rule as an iCalendar RRULE value, e.g.
// "FREQ=WEEKLY;INTERVAL=1;COUNT=3;BYDAY=MO,WE".
func (r Rule) RRuleString() string {
	parts := []string{"FREQ=" + strings.ToUpper(string(r.Freq))}
	if r.Interval > 1 {
		parts = append(parts, fmt.Sprintf("INTERVAL=%d", r.Interval))
	}
	if r.Count > 0 {
		parts = append(parts, fmt.Sprintf("COUNT=%d", r.Count))
	}
	if r.Until != nil {
		parts = append(parts, "UNTIL="+r.Until.UTC().Format("20060102T150405Z"))
	}
	if len(r.ByWeekday) > 0 {
		days := make([]string, 0, len(r.ByWeekday))
		for _, wd := range r.ByWeekday {
			days = append(days, icalWeekday(wd))
		}
		parts = append(parts, "BYDAY="+strings.Join(days, ","))
	}
	return strings.Join(parts, ";")
}

var freqToRRule = map[Frequency]rrule.Frequency{
	Daily:   rrule.DAILY,
	Weekly:  rrule.WEEKLY,
	Monthly: rrule.MONTHLY,
	Yearly:  rrule.YEARLY,
}

var weekdayToRRule = map[time.Weekday]rrule.Weekday{
	time.Monday:    rrule.MO,
	time.Tuesday:   rrule.TU,
	time.Wednesday: rrule.WE,
	time.Thursday:  rrule.TH,
	time.Friday:    rrule.FR,
	time.Saturday:  rrule.SA,
	time.Sunday:    rrule.SU,
}

func icalWeekday(wd time.Weekday) string {
	switch wd {
	case time.Monday:
		return "MO"
	case time.Tuesday:
		return "TU"
	case time.Wednesday:
		return "WE"
	case time.Thursday:
		return "TH"
	case time.Friday:
		return "FR"
	case time.Saturday:
		return "SA"
	default:
		return "SU"
	}
}

// Iterator lazily yields concrete (start, end) pairs for a recurring
// template inside a window. It is restartable via Reset.
type Iterator struct {
	rule *rrule.RRule
	next rrule.Next

	duration    time.Duration
	windowStart time.Time
	windowEnd   time.Time

	done bool
}

// Expand prepares lazy expansion of rule anchored at templateStart within
// the inclusive window [windowStart, windowEnd]. The occurrence duration is
// templateEnd - templateStart.
//
// Iteration always terminates: the underlying series honors Count/Until
// when set, and the window end bounds it otherwise (occurrence starts are
// strictly increasing). A window entirely before templateStart yields an
// empty iterator. Instances are generated on demand, so a huge rule against
// a tiny window never pre-materializes the series.
func Expand(rule Rule, templateStart, templateEnd, windowStart, windowEnd time.Time) (*Iterator, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	if windowEnd.Before(windowStart) {
		return nil, errors.New("recur: window end is before window start")
	}
	if templateEnd.Before(templateStart) {
		return nil, fmt.Errorf("%w: template end before start", ErrInvalidRule)
	}

	opt := rrule.ROption{
		Freq:     freqToRRule[rule.Freq],
		Interval: rule.Interval,
		Dtstart:  templateStart,
	}
	if rule.Count > 0 {
		opt.Count = rule.Count
	}
	if rule.Until != nil {
		opt.Until = *rule.Until
	}
	for _, wd := range rule.ByWeekday {
		opt.Byweekday = append(opt.Byweekday, weekdayToRRule[wd])
	}

	rr, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}

	return &Iterator{
		rule:        rr,
		next:        rr.Iterator(),
		duration:    templateEnd.Sub(templateStart),
		windowStart: windowStart,
		windowEnd:   windowEnd,
	}, nil
}

// Next returns the next occurrence within the window, or ok=false when the
// series is exhausted or has stepped past the window end.
func (it *Iterator) Next() (start, end time.Time, ok bool) {
	if it.done {
		return time.Time{}, time.Time{}, false
	}
	for {
		t, more := it.next()
		if !more || t.After(it.windowEnd) {
			it.done = true
			return time.Time{}, time.Time{}, false
		}
		if t.Before(it.windowStart) {
			continue
		}
		return t, t.Add(it.duration), true
	}
}

// Reset rewinds the iterator to the start of the series.
func (it *Iterator) Reset() {
	it.next = it.rule.Iterator()
	it.done = false
}

// All drains the iterator into a slice. Intended for tests and small
// windows; production paths should iterate.
func (it *Iterator) All() [][2]time.Time {
	var out [][2]time.Time
	for {
		s, e, ok := it.Next()
		if !ok {
			return out
		}
		out = append(out, [2]time.Time{s, e})
	}
}
