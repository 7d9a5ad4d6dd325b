//go:generate mockgen -source=backend.go -destination=mocks/mock_backend.go -package=mocks Backend,Handle

// Package backend defines the remote collection backend contract: a store of
// schemaless records grouped under slash-separated paths, with push
// subscriptions that always deliver the full contents of a path.
package backend

import (
	"context"
	"errors"

	"github.com/oklog/ulid/v2"

	"github.com/mmynk/cashflow/internal/models"
)

// ErrNotFound is returned when a write targets a record that does not exist.
var ErrNotFound = errors.New("record not found")

// Snapshot is the full contents of a path at one point in time, keyed by
// record ID.
type Snapshot map[string]models.Record

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for id, r := range s {
		out[id] = r.Clone()
	}
	return out
}

// Handle identifies an active subscription.
type Handle interface {
	Path() string
}

// Backend is implemented by every storage engine (memory, sqlite, redis).
//
// Subscribe delivers the whole contents of the path right after subscribing
// and again after every change. Delivery is asynchronous and ordered per
// subscription; changes that land while a callback is running are conflated
// into the next delivery. onValue is never invoked on the caller's goroutine.
// If the subscription breaks after it was set up, onError is called once and
// no further snapshots follow.
type Backend interface {
	// Fetch reads the whole path once. An absent path yields an empty snapshot.
	Fetch(ctx context.Context, path string) (Snapshot, error)

	// Subscribe registers a push listener for path. onError may be nil.
	Subscribe(path string, onValue func(Snapshot), onError func(error)) (Handle, error)

	// Unsubscribe stops deliveries for h. It is idempotent and does not wait
	// for a callback that is already running; a callback dequeued just before
	// the call may still begin after it returns.
	Unsubscribe(h Handle)

	// Push stores a new record and returns the ID assigned to it.
	Push(ctx context.Context, path string, record models.Record) (string, error)

	// Update merges patch into an existing record (shallow merge).
	// Returns ErrNotFound if the record does not exist.
	Update(ctx context.Context, path, id string, patch models.Record) error

	// Remove deletes a record. Removing an absent record is a no-op.
	Remove(ctx context.Context, path, id string) error
}

// NewID returns a backend-assigned record ID. IDs sort in creation order.
func NewID() string {
	return ulid.Make().String()
}

// Merge applies a shallow patch to a copy of r.
func Merge(r, patch models.Record) models.Record {
	out := r.Clone()
	if out == nil {
		out = models.Record{}
	}
	for k, v := range patch.Clone() {
		out[k] = v
	}
	return out
}
