// Package session keeps one sync coordinator per signed-in identity.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mmynk/cashflow/internal/coordinator"
	"github.com/mmynk/cashflow/internal/metrics"
)

var ErrClosed = errors.New("session registry closed")

// Registry creates coordinators on first use and disposes them on logout or
// once they sit idle. Several connections of the same identity share one
// coordinator, so the store never sees two listeners for one identity.
type Registry struct {
	source  coordinator.Source
	opts    []coordinator.Option
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry
	closed   bool
}

type entry struct {
	coord    *coordinator.Coordinator
	lastUsed time.Time
}

// NewRegistry creates a registry whose coordinators read from source and
// are configured with opts.
func NewRegistry(source coordinator.Source, m *metrics.Metrics, logger *slog.Logger, opts ...coordinator.Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		source:   source,
		opts:     opts,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*entry),
	}
}

// Acquire returns the coordinator for identity, creating and starting it if
// needed. A coordinator in StateError is returned as is; callers decide
// whether to Refresh it.
func (r *Registry) Acquire(ctx context.Context, identity string) (*coordinator.Coordinator, error) {
	if identity == "" {
		return nil, coordinator.ErrNoIdentity
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if e, ok := r.sessions[identity]; ok {
		e.lastUsed = r.now()
		return e.coord, nil
	}

	c := coordinator.New(r.source, r.opts...)
	if err := c.SetIdentity(ctx, identity); err != nil {
		// Keep it: the error is visible through c.Err() and Refresh can
		// recover.
		r.logger.Warn("Session started in error state", "identity", identity, "error", err)
	}
	r.sessions[identity] = &entry{coord: c, lastUsed: r.now()}
	r.metrics.SetActiveSessions(len(r.sessions))
	r.logger.Info("Session started", "identity", identity)
	return c, nil
}

// Lookup returns the coordinator for identity without creating one.
func (r *Registry) Lookup(identity string) (*coordinator.Coordinator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[identity]
	if !ok {
		return nil, false
	}
	return e.coord, true
}

// Release disposes the coordinator of identity. Releasing an unknown
// identity is a no-op.
func (r *Registry) Release(identity string) {
	r.mu.Lock()
	e, ok := r.sessions[identity]
	if ok {
		delete(r.sessions, identity)
		r.metrics.SetActiveSessions(len(r.sessions))
	}
	r.mu.Unlock()

	if ok {
		e.coord.Dispose()
		r.logger.Info("Session released", "identity", identity)
	}
}

// EvictIdle disposes every coordinator that has not been acquired for
// maxIdle and has no open watchers. It returns the number evicted.
func (r *Registry) EvictIdle(maxIdle time.Duration) int {
	cutoff := r.now().Add(-maxIdle)

	r.mu.Lock()
	var idle []*coordinator.Coordinator
	for identity, e := range r.sessions {
		if e.lastUsed.After(cutoff) || e.coord.Watchers() > 0 {
			continue
		}
		delete(r.sessions, identity)
		idle = append(idle, e.coord)
		r.logger.Info("Session evicted", "identity", identity, "idle", r.now().Sub(e.lastUsed))
	}
	if len(idle) > 0 {
		r.metrics.SetActiveSessions(len(r.sessions))
	}
	r.mu.Unlock()

	for _, c := range idle {
		c.Dispose()
	}
	return len(idle)
}

// Run evicts idle sessions every maxIdle/2 until ctx is done. A
// non-positive maxIdle disables eviction.
func (r *Registry) Run(ctx context.Context, maxIdle time.Duration) {
	if maxIdle <= 0 {
		return
	}
	ticker := time.NewTicker(maxIdle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.EvictIdle(maxIdle)
		}
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close disposes every coordinator. Acquire fails afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*entry)
	r.closed = true
	r.metrics.SetActiveSessions(0)
	r.mu.Unlock()

	for _, e := range sessions {
		e.coord.Dispose()
	}
}
