// Package storage provides the remote collection store: CRUD and push
// subscriptions over the two collections of an identity, on top of any
// backend.Backend. The store performs no business validation; it only
// scopes paths, enforces one listener per collection and identity, and
// reports backend failures as TransportError.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/mmynk/cashflow/internal/backend"
	"github.com/mmynk/cashflow/internal/metrics"
	"github.com/mmynk/cashflow/internal/models"
)

// Collection names a collection of an identity.
type Collection string

const (
	CollectionPersons      Collection = "persons"
	CollectionTransactions Collection = "transactions"
)

var (
	ErrNoIdentity        = errors.New("identity key required")
	ErrUnknownCollection = errors.New("unknown collection")
)

// Valid reports whether c is one of the known collections.
func (c Collection) Valid() bool {
	return c == CollectionPersons || c == CollectionTransactions
}

// Path returns the backend path of a collection for an identity.
func Path(identity string, c Collection) string {
	return "users/" + identity + "/" + string(c)
}

// TransportError wraps every failure reported by the backend.
type TransportError struct {
	Op         string
	Collection Collection
	Err        error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Collection, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	identity   string
	collection Collection
	handle     backend.Handle
	active     bool
}

// Identity returns the identity the subscription is scoped to.
func (s *Subscription) Identity() string { return s.identity }

// Collection returns the subscribed collection.
func (s *Subscription) Collection() Collection { return s.collection }

type subKey struct {
	identity   string
	collection Collection
}

// Store is the remote collection store.
type Store struct {
	backend backend.Backend
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu     sync.Mutex
	active map[subKey]*Subscription
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used by the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// New creates a store over the given backend.
func New(b backend.Backend, opts ...Option) *Store {
	s := &Store{
		backend: b,
		logger:  slog.Default(),
		active:  make(map[subKey]*Subscription),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func checkScope(identity string, c Collection) error {
	if identity == "" {
		return ErrNoIdentity
	}
	if !c.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownCollection, c)
	}
	return nil
}

// FetchAll reads the full current collection once. A collection that does
// not exist yields an empty snapshot, not an error.
func (s *Store) FetchAll(ctx context.Context, identity string, c Collection) (backend.Snapshot, error) {
	if err := checkScope(identity, c); err != nil {
		return nil, err
	}
	snap, err := s.backend.Fetch(ctx, Path(identity, c))
	if err != nil {
		return nil, &TransportError{Op: "fetch", Collection: c, Err: err}
	}
	if snap == nil {
		snap = backend.Snapshot{}
	}
	return snap, nil
}

// Subscribe registers onChange for the collection. onChange receives the
// full contents every time, starting with the current contents. If the
// listener breaks later, onError (when not nil) receives a TransportError
// and no further changes are delivered.
//
// At most one listener exists per (identity, collection): subscribing again
// replaces the earlier listener, whose handle becomes inactive.
func (s *Store) Subscribe(identity string, c Collection, onChange func(backend.Snapshot), onError func(error)) (*Subscription, error) {
	if err := checkScope(identity, c); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := subKey{identity: identity, collection: c}
	if prev, ok := s.active[k]; ok {
		s.unsubscribeLocked(prev)
		s.metrics.IncSubscriptionReplacement()
		s.logger.Debug("Replaced subscription", "identity", identity, "collection", c)
	}

	h, err := s.backend.Subscribe(Path(identity, c), func(snap backend.Snapshot) {
		if snap == nil {
			snap = backend.Snapshot{}
		}
		onChange(snap)
	}, func(err error) {
		s.logger.Warn("Subscription broken", "identity", identity, "collection", c, "error", err)
		if onError != nil {
			onError(&TransportError{Op: "listen", Collection: c, Err: err})
		}
	})
	if err != nil {
		return nil, &TransportError{Op: "subscribe", Collection: c, Err: err}
	}

	sub := &Subscription{identity: identity, collection: c, handle: h, active: true}
	s.active[k] = sub
	return sub, nil
}

// Unsubscribe stops the listener. Unsubscribing an inactive or nil handle
// is a no-op.
func (s *Store) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribeLocked(sub)
}

func (s *Store) unsubscribeLocked(sub *Subscription) {
	if !sub.active {
		return
	}
	sub.active = false
	s.backend.Unsubscribe(sub.handle)
	k := subKey{identity: sub.identity, collection: sub.collection}
	if s.active[k] == sub {
		delete(s.active, k)
	}
}

// Active reports whether sub is still delivering.
func (s *Store) Active(sub *Subscription) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sub != nil && sub.active
}

// Create stores a new record and returns its backend-assigned ID.
func (s *Store) Create(ctx context.Context, identity string, c Collection, record models.Record) (string, error) {
	if err := checkScope(identity, c); err != nil {
		return "", err
	}
	id, err := s.backend.Push(ctx, Path(identity, c), record)
	if err != nil {
		return "", &TransportError{Op: "create", Collection: c, Err: err}
	}
	return id, nil
}

// Update merges patch into an existing record.
func (s *Store) Update(ctx context.Context, identity string, c Collection, id string, patch models.Record) error {
	if err := checkScope(identity, c); err != nil {
		return err
	}
	if err := s.backend.Update(ctx, Path(identity, c), id, patch); err != nil {
		return &TransportError{Op: "update", Collection: c, Err: err}
	}
	return nil
}

// Delete removes a record. Deleting a person does not touch its
// transactions; cascading is the caller's job.
func (s *Store) Delete(ctx context.Context, identity string, c Collection, id string) error {
	if err := checkScope(identity, c); err != nil {
		return err
	}
	if err := s.backend.Remove(ctx, Path(identity, c), id); err != nil {
		return &TransportError{Op: "delete", Collection: c, Err: err}
	}
	return nil
}

// Close stops every active subscription.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.active {
		s.unsubscribeLocked(sub)
	}
}

// Persons decodes a persons snapshot, ordered by ID.
func Persons(snap backend.Snapshot) []models.Person {
	ids := sortedIDs(snap)
	persons := make([]models.Person, len(ids))
	for i, id := range ids {
		persons[i] = models.PersonFromRecord(id, snap[id])
	}
	return persons
}

// Transactions decodes a transactions snapshot, ordered by ID.
func Transactions(snap backend.Snapshot) []models.Transaction {
	ids := sortedIDs(snap)
	txs := make([]models.Transaction, len(ids))
	for i, id := range ids {
		txs[i] = models.TransactionFromRecord(id, snap[id])
	}
	return txs
}

func sortedIDs(snap backend.Snapshot) []string {
	ids := make([]string, 0, len(snap))
	for id := range snap {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
