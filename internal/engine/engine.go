// Package engine is the real-time aggregation core: it fans out the scoped
// queries an identity needs, merges their streaming deliveries into one
// deduplicated view, partitions that view around the current clock, and
// emits idempotent new-event notifications. Identity changes restart the
// whole pipeline under a fresh epoch.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	appLog "gather/internal/log"
	"gather/internal/model"
	"gather/internal/query"
	"gather/internal/recur"
	"gather/internal/store"
)

// Options configures an Engine. Zero fields fall back to the defaults
// below, which match the deployed product.
type Options struct {
	// Skew is the hysteresis tolerance subtracted from now for the past
	// cutoff.
	Skew time.Duration

	// Horizon is the time-to-start under which an arrival is classified
	// starting_soon instead of new_event.
	Horizon time.Duration

	// SubscriptionTimeout bounds how long a subscription may stay silent
	// before the view gives up waiting on it and continues degraded.
	// Zero disables the timeout.
	SubscriptionTimeout time.Duration

	// RetryBackoff is the initial delay before re-subscribing after a
	// stream error; it doubles per attempt up to RetryMax attempts.
	// RetryMax of zero disables retries; negative selects the default.
	RetryBackoff time.Duration
	RetryMax     int

	// Now supplies the clock; tests inject a fake.
	Now func() time.Time

	// NotificationBuffer is the capacity of the notification channel.
	NotificationBuffer int
}

const (
	DefaultSkew                = 2 * time.Minute
	DefaultHorizon             = 24 * time.Hour
	DefaultSubscriptionTimeout = 30 * time.Second
	DefaultRetryBackoff        = time.Second
	DefaultRetryMax            = 3
	defaultNotificationBuffer  = 64
)

func (o *Options) normalize() {
	if o.Skew <= 0 {
		o.Skew = DefaultSkew
	}
	if o.Horizon <= 0 {
		o.Horizon = DefaultHorizon
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	if o.RetryMax < 0 {
		o.RetryMax = DefaultRetryMax
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NotificationBuffer <= 0 {
		o.NotificationBuffer = defaultNotificationBuffer
	}
}

// View is the pull-based snapshot the engine exposes to consumers.
type View struct {
	Upcoming []model.Event
	Past     []model.Event

	// Loading is true until every subscription of the current epoch has
	// delivered at least one snapshot (an empty result set counts).
	Loading bool

	// Degraded is true when at least one subscription never produced a
	// first delivery before SubscriptionTimeout; the view carries on with
	// whatever the remaining queries supply.
	Degraded bool

	// Err aggregates stream failures, last error wins. Partial data from
	// healthy queries stays visible alongside it.
	Err error

	// Version changes on every mutation of the merged view; memoized
	// consumers use it to detect staleness.
	Version uint64
}

// epochHandle owns everything opened for one identity epoch. Closing it
// cancels all subscriptions and stops all timers; a slow in-flight delivery
// that already passed cancellation is caught by the epoch tag instead.
// close must not run under e.mu: unsubscribe blocks on an in-flight
// delivery, and that delivery may itself be waiting on e.mu.
type epochHandle struct {
	epoch    uint64
	cancels  map[string]func()
	timeouts map[string]*time.Timer
	retries  []*time.Timer
}

func (h *epochHandle) close() {
	for _, cancel := range h.cancels {
		cancel()
	}
	for _, t := range h.timeouts {
		t.Stop()
	}
	for _, t := range h.retries {
		t.Stop()
	}
}

// Engine wires query building, subscription management, merging,
// partitioning and notification into one reactive view.
type Engine struct {
	st   store.Store
	opts Options

	ctx    context.Context
	cancel context.CancelFunc

	mu              sync.Mutex
	epoch           uint64
	identity        *model.Identity
	identityLoading bool
	merge           *mergeStore
	bar             *barrier
	handle          *epochHandle
	err             error
	degraded        bool
	closed          bool

	notes    *notifier
	notifyCh chan model.Notification
}

// New constructs an Engine over st. The engine stays loading until the
// first SetIdentity call with loading=false opens an epoch.
func New(st store.Store, opts Options) *Engine {
	opts.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		st:       st,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		merge:    newMergeStore(0),
		bar:      newBarrier(nil),
		notes:    newNotifier(opts.Horizon),
		notifyCh: make(chan model.Notification, opts.NotificationBuffer),
	}
}

// SetIdentity feeds the engine the identity provider's current state.
//
// While the provider is still resolving (loading=true) no query set is
// built and the view reports loading. Any change to the identity id or its
// approval bumps the epoch: the previous epoch's handle is closed
// synchronously before the new epoch's subscriptions open, so a stale
// delivery can never be merged (the epoch tag on apply is the second line
// of defense). Passing the same identity again is a no-op.
func (e *Engine) SetIdentity(identity *model.Identity, loading bool) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if loading {
		e.identityLoading = true
		e.mu.Unlock()
		return
	}
	e.identityLoading = false
	if e.handle != nil && sameIdentity(e.identity, identity) {
		e.mu.Unlock()
		return
	}

	e.epoch++
	epoch := e.epoch
	e.identity = identity
	oldHandle := e.handle

	now := e.opts.Now()
	queries := query.Build(identity, now, e.opts.Skew)
	ids := make([]string, 0, len(queries))
	for _, q := range queries {
		ids = append(ids, q.ID())
	}

	e.merge = newMergeStore(epoch)
	e.bar = newBarrier(ids)
	e.handle = &epochHandle{
		epoch:    epoch,
		cancels:  make(map[string]func(), len(queries)),
		timeouts: make(map[string]*time.Timer, len(queries)),
	}
	e.err = nil
	e.degraded = false
	e.mu.Unlock()

	// The epoch bump already fences the old subscriptions out of the merge;
	// closing them here, before the new ones open, keeps the close-before-
	// open ordering while staying off e.mu.
	if oldHandle != nil {
		oldHandle.close()
	}

	appLog.Info("engine: epoch opened",
		"epoch", epoch,
		"queries", len(queries),
		"anonymous", identity == nil,
	)

	for _, q := range queries {
		e.subscribe(epoch, q, 0)
	}
}

func sameIdentity(a, b *model.Identity) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.ID == b.ID && a.Approved == b.Approved
}

// subscribe opens one streaming subscription under the given epoch.
// attempt counts prior failures of the same query for backoff.
func (e *Engine) subscribe(epoch uint64, q store.Query, attempt int) {
	qid := q.ID()

	unsub, err := e.st.Subscribe(e.ctx, q,
		func(docs []model.Event) { e.deliver(epoch, qid, docs) },
		func(err error) { e.streamError(epoch, q, attempt, err) },
	)
	if err != nil {
		e.streamError(epoch, q, attempt, err)
		return
	}

	e.mu.Lock()
	if e.closed || e.handle == nil || e.handle.epoch != epoch {
		e.mu.Unlock()
		unsub()
		return
	}
	e.handle.cancels[qid] = unsub
	if e.opts.SubscriptionTimeout > 0 && e.bar.pending(qid) {
		e.handle.timeouts[qid] = time.AfterFunc(e.opts.SubscriptionTimeout, func() {
			e.firstDeliveryTimeout(epoch, qid)
		})
	}
	e.mu.Unlock()
}

// deliver merges one snapshot delivery. Deliveries tagged with a stale
// epoch are dropped without touching state.
func (e *Engine) deliver(epoch uint64, queryID string, docs []model.Event) {
	e.mu.Lock()
	if e.closed || epoch != e.epoch {
		e.mu.Unlock()
		appLog.Debug("engine: dropped stale delivery", "epoch", epoch, "query", queryID)
		return
	}
	if !e.merge.apply(epoch, queryID, docs) {
		e.mu.Unlock()
		return
	}
	e.bar.done(queryID)
	if t, ok := e.handle.timeouts[queryID]; ok {
		t.Stop()
		delete(e.handle.timeouts, queryID)
	}
	notes := e.notes.observe(e.merge.snapshot(), e.opts.Now())
	e.mu.Unlock()

	for _, n := range notes {
		select {
		case e.notifyCh <- n:
		default:
			appLog.Warn("engine: notification buffer full, dropping", "event_id", n.EventID)
		}
	}
}

// streamError handles a subscription failure: bounded retry with doubling
// backoff first, then surface the aggregated error. Sibling subscriptions
// keep running either way; a failing query must not take down queries the
// identity still needs.
func (e *Engine) streamError(epoch uint64, q store.Query, attempt int, err error) {
	qid := q.ID()

	e.mu.Lock()
	if e.closed || epoch != e.epoch {
		e.mu.Unlock()
		return
	}
	delete(e.handle.cancels, qid)

	if attempt < e.opts.RetryMax {
		backoff := e.opts.RetryBackoff << attempt
		timer := time.AfterFunc(backoff, func() {
			e.mu.Lock()
			stale := e.closed || e.epoch != epoch
			e.mu.Unlock()
			if stale {
				return
			}
			e.subscribe(epoch, q, attempt+1)
		})
		e.handle.retries = append(e.handle.retries, timer)
		e.mu.Unlock()
		appLog.Warn("engine: subscription failed, retrying",
			"query", qid, "attempt", attempt+1, "backoff", backoff, "reason", err)
		return
	}

	e.err = fmt.Errorf("subscription failed after %d retries: %w", e.opts.RetryMax, err)
	e.bar.done(qid)
	if t, ok := e.handle.timeouts[qid]; ok {
		t.Stop()
		delete(e.handle.timeouts, qid)
	}
	e.mu.Unlock()
	appLog.Error("engine: subscription gave up", err, "query", qid)
}

// firstDeliveryTimeout unblocks the loading barrier for a subscription that
// never produced its first snapshot. Without it, one silent query would
// leave the whole view loading forever.
func (e *Engine) firstDeliveryTimeout(epoch uint64, queryID string) {
	e.mu.Lock()
	if e.closed || epoch != e.epoch || !e.bar.pending(queryID) {
		e.mu.Unlock()
		return
	}
	e.bar.done(queryID)
	e.degraded = true
	delete(e.handle.timeouts, queryID)
	e.mu.Unlock()
	appLog.Warn("engine: subscription first delivery timed out, continuing degraded", "query", queryID)
}

// Snapshot returns the current merged view partitioned around the clock.
func (e *Engine) Snapshot() View {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.opts.Now()
	up, past := Partition(e.merge.snapshot(), now, e.opts.Skew)
	return View{
		Upcoming: up,
		Past:     past,
		Loading:  e.identityLoading || e.handle == nil || !e.bar.satisfied(),
		Degraded: e.degraded,
		Err:      e.err,
		Version:  e.merge.version,
	}
}

// Instances expands the merged view into concrete calendar instances inside
// [from, to]. Non-recurring events contribute themselves when they
// intersect the window. A malformed rule skips only its own event, never
// the rest of the list.
func (e *Engine) Instances(from, to time.Time) []model.Instance {
	e.mu.Lock()
	merged := e.merge.snapshot()
	e.mu.Unlock()

	out := make([]model.Instance, 0, len(merged))
	for _, ev := range merged {
		if ev.Recurrence == nil {
			if ev.EndAt.Before(from) || ev.StartAt.After(to) {
				continue
			}
			out = append(out, model.Instance{Event: ev, Start: ev.StartAt, End: ev.EndAt})
			continue
		}

		it, err := recur.Expand(*ev.Recurrence, ev.StartAt, ev.EndAt, from, to)
		if err != nil {
			appLog.Error("engine: recurrence expansion skipped", err, "event_id", ev.ID)
			continue
		}
		for {
			s, en, ok := it.Next()
			if !ok {
				break
			}
			out = append(out, model.Instance{Event: ev, Start: s, End: en})
		}
	}
	return out
}

// Refresh re-evaluates the view against the current clock without touching
// subscriptions. The daemon drives it on a schedule so events age across
// the hysteresis boundary even when no delivery arrives.
func (e *Engine) Refresh() {
	e.mu.Lock()
	if !e.closed {
		e.merge.touch()
	}
	e.mu.Unlock()
	appLog.Debug("engine: refresh tick")
}

// Notifications exposes the push-based notification stream.
func (e *Engine) Notifications() <-chan model.Notification {
	return e.notifyCh
}

// Drain empties the notification buffer, returning everything queued.
func (e *Engine) Drain() []model.Notification {
	var out []model.Notification
	for {
		select {
		case n := <-e.notifyCh:
			out = append(out, n)
		default:
			return out
		}
	}
}

// Close tears the engine down: the current epoch's subscriptions are
// cancelled and no further state mutation is accepted.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	handle := e.handle
	e.handle = nil
	e.mu.Unlock()

	if handle != nil {
		handle.close()
	}
	e.cancel()
}
