package store

import (
	"context"
	"errors"

	"gather/internal/model"
)

// ErrClosed is returned by operations on a store that has been shut down.
var ErrClosed = errors.New("store: closed")

// SnapshotFunc receives the full current result set matching a subscribed
// query. Every delivery supersedes the previous one for that query; the
// store never delivers diffs.
type SnapshotFunc func(events []model.Event)

// ErrorFunc receives a stream failure for a single subscription. The
// subscription is dead after an error; re-subscribing is the caller's
// decision.
type ErrorFunc func(err error)

// Store is the document-store boundary the aggregation engine consumes.
//
// Subscribe opens a streaming subscription for q. The callback contract
// follows the managed store this abstracts: onSnapshot is invoked with the
// complete current result set on every relevant change (including once
// immediately with the current state, even if empty), and onError reports a
// stream failure. The returned function unsubscribes; it is synchronous and
// final, so no callback runs after it returns.
type Store interface {
	Subscribe(ctx context.Context, q Query, onSnapshot SnapshotFunc, onError ErrorFunc) (unsubscribe func(), err error)
}

// Mutator is the write surface a concrete store may additionally expose.
// The engine never writes; the web layer and tests do.
type Mutator interface {
	Put(ev model.Event) (string, error)
	Delete(id string) error
}
