// Package memory provides an in-process backend.Backend. It is used by tests
// and by servers started with the memory driver.
package memory

import (
	"context"
	"sync"

	"github.com/mmynk/cashflow/internal/backend"
	"github.com/mmynk/cashflow/internal/models"
)

// Ensure Backend implements backend.Backend
var _ backend.Backend = (*Backend)(nil)

// Backend keeps every path in memory.
type Backend struct {
	mu    sync.RWMutex
	paths map[string]map[string]models.Record
	subs  map[string]map[*subscription]struct{}
}

type subscription struct {
	path       string
	dispatcher *backend.Dispatcher
}

func (s *subscription) Path() string { return s.path }

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{
		paths: make(map[string]map[string]models.Record),
		subs:  make(map[string]map[*subscription]struct{}),
	}
}

// Fetch returns a copy of the records under path.
func (b *Backend) Fetch(ctx context.Context, path string) (backend.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshotLocked(path), nil
}

// Subscribe registers onValue and schedules delivery of the current contents.
func (b *Backend) Subscribe(path string, onValue func(backend.Snapshot), onError func(error)) (backend.Handle, error) {
	sub := &subscription{path: path, dispatcher: backend.NewDispatcher(onValue, onError)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[path] == nil {
		b.subs[path] = make(map[*subscription]struct{})
	}
	b.subs[path][sub] = struct{}{}
	sub.dispatcher.Offer(b.snapshotLocked(path))
	return sub, nil
}

// Unsubscribe stops deliveries for h. Unknown or inactive handles are ignored.
func (b *Backend) Unsubscribe(h backend.Handle) {
	sub, ok := h.(*subscription)
	if !ok || sub == nil {
		return
	}
	b.mu.Lock()
	delete(b.subs[sub.path], sub)
	if len(b.subs[sub.path]) == 0 {
		delete(b.subs, sub.path)
	}
	b.mu.Unlock()
	sub.dispatcher.Close()
}

// Push stores a copy of record under a new ID.
func (b *Backend) Push(ctx context.Context, path string, record models.Record) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := backend.NewID()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.paths[path] == nil {
		b.paths[path] = make(map[string]models.Record)
	}
	b.paths[path][id] = record.Clone()
	b.notifyLocked(path)
	return id, nil
}

// Update merges patch into the record.
func (b *Backend) Update(ctx context.Context, path, id string, patch models.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	existing, ok := b.paths[path][id]
	if !ok {
		return backend.ErrNotFound
	}
	b.paths[path][id] = backend.Merge(existing, patch)
	b.notifyLocked(path)
	return nil
}

// Remove deletes the record if present.
func (b *Backend) Remove(ctx context.Context, path, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.paths[path][id]; !ok {
		return nil
	}
	delete(b.paths[path], id)
	b.notifyLocked(path)
	return nil
}

// Subscribers returns the number of active subscriptions on path.
func (b *Backend) Subscribers(path string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[path])
}

// Break ends every subscription on path with err, as a lost connection
// would on a remote backend. It returns the number of subscriptions ended.
func (b *Backend) Break(path string, err error) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.subs[path])
	for sub := range b.subs[path] {
		sub.dispatcher.Fail(err)
	}
	delete(b.subs, path)
	return n
}

func (b *Backend) snapshotLocked(path string) backend.Snapshot {
	return backend.Snapshot(b.paths[path]).Clone()
}

// notifyLocked must be called with b.mu held so that offers are made in
// write order.
func (b *Backend) notifyLocked(path string) {
	for sub := range b.subs[path] {
		sub.dispatcher.Offer(b.snapshotLocked(path))
	}
}
