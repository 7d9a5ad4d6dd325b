// Package coordinator keeps a derived view of one identity's persons and
// transactions current. It owns at most one subscription per collection,
// retains the latest snapshot of each collection in a cell, and recomputes
// the whole view from both cells whenever either collection changes.
//
// All state changes happen under one mutex, so change callbacks, Refresh and
// identity changes are processed one at a time. Each subscription round has
// a generation number; a callback or fetch result from an older generation
// is dropped, which makes teardown take effect as soon as it returns.
package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mmynk/cashflow/internal/backend"
	"github.com/mmynk/cashflow/internal/calculator"
	"github.com/mmynk/cashflow/internal/metrics"
	"github.com/mmynk/cashflow/internal/models"
	"github.com/mmynk/cashflow/internal/storage"
)

// DefaultFetchTimeout bounds the initial fetch of a collection.
const DefaultFetchTimeout = 10 * time.Second

var collections = []storage.Collection{storage.CollectionPersons, storage.CollectionTransactions}

// Source is the collection store as used by the coordinator.
// *storage.Store satisfies it.
type Source interface {
	FetchAll(ctx context.Context, identity string, c storage.Collection) (backend.Snapshot, error)
	Subscribe(identity string, c storage.Collection, onChange func(backend.Snapshot), onError func(error)) (*storage.Subscription, error)
	Unsubscribe(sub *storage.Subscription)
}

// View is the derived view published to watchers.
type View struct {
	// Version increases with every publication of this coordinator.
	Version      uint64
	Identity     string
	Persons      []models.Person
	Transactions []models.Transaction
	PersonStats  []calculator.PersonStats
	Dashboard    calculator.DashboardStats
}

// Update is what watchers receive: the state, its error in StateError, and
// the latest published view, if any. The view outlives an error until
// teardown.
type Update struct {
	State State
	Err   *SyncError
	View  *View
}

// Cell is the retained snapshot of one collection.
type Cell struct {
	Records backend.Snapshot
	// Loaded is set once a fetch or the subscription has delivered.
	Loaded bool
	// Live is set once the subscription has delivered; from then on the
	// initial fetch result is ignored for this collection.
	Live bool
	// Version counts the snapshots stored in this cell since the last
	// (re)subscription.
	Version uint64
}

// Coordinator synchronises one identity at a time.
type Coordinator struct {
	source       Source
	logger       *slog.Logger
	metrics      *metrics.Metrics
	fetchTimeout time.Duration

	mu           sync.Mutex
	identity     string
	generation   uint64
	state        State
	err          *SyncError
	persons      Cell
	transactions Cell
	subs         map[storage.Collection]*storage.Subscription
	view         *View
	version      uint64
	watchers     map[uint64]chan Update
	nextWatcher  uint64
	disposed     bool
	done         chan struct{}
	// changed is closed and replaced on every state change and publication.
	changed chan struct{}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithFetchTimeout bounds each initial fetch.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

// New creates an uninitialized coordinator over source.
func New(source Source, opts ...Option) *Coordinator {
	c := &Coordinator{
		source:       source,
		logger:       slog.Default(),
		fetchTimeout: DefaultFetchTimeout,
		subs:         make(map[storage.Collection]*storage.Subscription),
		watchers:     make(map[uint64]chan Update),
		done:         make(chan struct{}),
		changed:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetIdentity binds the coordinator to identity. Subscriptions of a previous
// identity are released before the new ones are created. Setting the current
// identity again is a no-op; an empty identity is the same as ClearIdentity.
//
// The returned error is non-nil only if subscribing failed, in which case the
// coordinator is in StateError.
func (c *Coordinator) SetIdentity(ctx context.Context, identity string) error {
	if identity == "" {
		c.ClearIdentity()
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return ErrDisposed
	}
	if c.identity == identity && c.state != StateUninitialized {
		return nil
	}

	c.teardownLocked()
	c.identity = identity
	return c.startLocked(ctx)
}

// ClearIdentity releases all subscriptions and returns to StateUninitialized.
// Safe to call repeatedly.
func (c *Coordinator) ClearIdentity() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
}

// Refresh re-subscribes and re-fetches both collections for the current
// identity. It is the only way out of StateError.
func (c *Coordinator) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return ErrDisposed
	}
	if c.identity == "" {
		return ErrNoIdentity
	}
	c.unsubscribeAllLocked()
	return c.startLocked(ctx)
}

// Dispose tears down and closes every watcher channel. The coordinator
// cannot be used afterwards.
func (c *Coordinator) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}
	c.teardownLocked()
	c.disposed = true
	close(c.done)
	c.broadcastLocked()
	for id, ch := range c.watchers {
		close(ch)
		delete(c.watchers, id)
	}
}

// Identity returns the current identity, or "".
func (c *Coordinator) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the cause of StateError, or nil in any other state.
func (c *Coordinator) Err() *SyncError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Current returns the state, error and view as one consistent update.
func (c *Coordinator) Current() Update {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updateLocked()
}

// View returns the most recently published view. After an error the last
// good view stays available until teardown.
func (c *Coordinator) View() (View, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.view == nil {
		return View{}, false
	}
	return *c.view, true
}

// Snapshot returns a copy of the retained cell of collection coll.
func (c *Coordinator) Snapshot(coll storage.Collection) Cell {
	c.mu.Lock()
	defer c.mu.Unlock()
	cell := *c.cellLocked(coll)
	if cell.Records != nil {
		cell.Records = cell.Records.Clone()
	}
	return cell
}

// Wait blocks until a view is available, the coordinator fails or ctx is
// done. In StateError it returns the *SyncError.
func (c *Coordinator) Wait(ctx context.Context) (View, error) {
	for {
		c.mu.Lock()
		switch {
		case c.disposed:
			c.mu.Unlock()
			return View{}, ErrDisposed
		case c.state == StateReady && c.view != nil:
			v := *c.view
			c.mu.Unlock()
			return v, nil
		case c.state == StateError:
			err := c.err.asError()
			c.mu.Unlock()
			return View{}, err
		case c.state == StateUninitialized:
			c.mu.Unlock()
			return View{}, ErrNoIdentity
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return View{}, ctx.Err()
		}
	}
}

// Watch returns a channel of updates, sent on every state change and every
// published view. The channel holds at most one update: a slow reader skips
// intermediate ones and always sees the latest. The current update is
// delivered immediately. The channel is closed when ctx is done or the
// coordinator is disposed.
func (c *Coordinator) Watch(ctx context.Context) <-chan Update {
	ch := make(chan Update, 1)

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		close(ch)
		return ch
	}
	id := c.nextWatcher
	c.nextWatcher++
	c.watchers[id] = ch
	ch <- c.updateLocked()
	c.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-c.done:
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if w, ok := c.watchers[id]; ok {
			delete(c.watchers, id)
			close(w)
		}
	}()
	return ch
}

// Watchers returns the number of open Watch channels.
func (c *Coordinator) Watchers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.watchers)
}

func (c *Coordinator) cellLocked(coll storage.Collection) *Cell {
	if coll == storage.CollectionPersons {
		return &c.persons
	}
	return &c.transactions
}

func (c *Coordinator) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.broadcastLocked()
	c.notifyLocked()
	c.metrics.IncState(s.String())
	c.logger.Debug("Sync state changed", "identity", c.identity, "state", s.String(), "generation", c.generation)
}

// startLocked subscribes to both collections and starts the initial fetch.
// Subscriptions come first so that no change after this call is missed; the
// fetch only fills cells the subscription has not filled yet.
func (c *Coordinator) startLocked(ctx context.Context) error {
	c.generation++
	gen := c.generation
	identity := c.identity
	c.persons, c.transactions = Cell{}, Cell{}
	c.err = nil
	c.setStateLocked(StateLoading)

	for _, coll := range collections {
		coll := coll
		sub, err := c.source.Subscribe(identity, coll, func(snap backend.Snapshot) {
			c.apply(gen, coll, snap, true)
		}, func(err error) {
			c.fail(gen, CodeSubscribe, err)
		})
		if err != nil {
			c.failLocked(CodeSubscribe, err)
			return c.err.asError()
		}
		c.subs[coll] = sub
	}

	go c.fetchInitial(context.WithoutCancel(ctx), gen, identity)
	return nil
}

func (c *Coordinator) fetchInitial(ctx context.Context, gen uint64, identity string) {
	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, coll := range collections {
		coll := coll
		g.Go(func() error {
			snap, err := c.source.FetchAll(gctx, identity, coll)
			if err != nil {
				return err
			}
			c.apply(gen, coll, snap, false)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.fail(gen, CodeTransport, err)
	}
}

// apply stores a snapshot of one collection and, once both collections are
// loaded, recomputes and publishes the view. The other collection's cell is
// read as it is now, never as it was when the subscription was made.
func (c *Coordinator) apply(gen uint64, coll storage.Collection, snap backend.Snapshot, live bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation {
		c.metrics.IncDroppedCallback()
		c.logger.Debug("Dropped stale snapshot", "collection", coll, "generation", gen, "current", c.generation)
		return
	}

	cell := c.cellLocked(coll)
	if !live && cell.Live {
		return
	}
	cell.Records = snap
	cell.Loaded = true
	cell.Live = cell.Live || live
	cell.Version++

	if c.persons.Loaded && c.transactions.Loaded {
		c.publishLocked()
	}
}

func (c *Coordinator) publishLocked() {
	start := time.Now()
	persons := storage.Persons(c.persons.Records)
	transactions := storage.Transactions(c.transactions.Records)

	c.version++
	view := View{
		Version:      c.version,
		Identity:     c.identity,
		Persons:      persons,
		Transactions: transactions,
		PersonStats:  calculator.ComputePersonStats(persons, transactions),
		Dashboard:    calculator.ComputeDashboardStats(persons, transactions),
	}
	c.metrics.ObserveRecompute(time.Since(start))
	c.view = &view
	c.broadcastLocked()

	if c.state != StateReady {
		c.setStateLocked(StateReady)
		c.logger.Info("Sync ready",
			"identity", c.identity,
			"persons", len(persons),
			"transactions", len(transactions),
		)
	} else {
		c.notifyLocked()
	}
	c.metrics.IncPublication()
}

func (c *Coordinator) updateLocked() Update {
	return Update{State: c.state, Err: c.err, View: c.view}
}

// notifyLocked replaces whatever update a watcher has not read yet.
func (c *Coordinator) notifyLocked() {
	u := c.updateLocked()
	for _, ch := range c.watchers {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- u:
		default:
		}
	}
}

func (c *Coordinator) broadcastLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Coordinator) fail(gen uint64, code ErrorCode, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		c.metrics.IncDroppedCallback()
		return
	}
	c.failLocked(code, err)
}

// failLocked enters StateError and releases the subscriptions. The
// generation moves on so that late callbacks of this round are dropped.
func (c *Coordinator) failLocked(code ErrorCode, err error) {
	c.unsubscribeAllLocked()
	c.generation++
	c.err = &SyncError{Code: code, Message: err.Error(), Err: err}
	c.setStateLocked(StateError)
	c.logger.Error("Sync failed", "identity", c.identity, "code", code, "error", err)
}

func (c *Coordinator) unsubscribeAllLocked() {
	for coll, sub := range c.subs {
		c.source.Unsubscribe(sub)
		delete(c.subs, coll)
	}
}

// teardownLocked releases everything tied to the current identity.
func (c *Coordinator) teardownLocked() {
	c.unsubscribeAllLocked()
	c.generation++
	c.identity = ""
	c.persons, c.transactions = Cell{}, Cell{}
	c.view = nil
	c.err = nil
	c.setStateLocked(StateUninitialized)
}
