// Package ledger implements the write side: validated CRUD of persons and
// transactions on top of the collection store, including the cascading
// delete of a person.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/mmynk/cashflow/internal/backend"
	"github.com/mmynk/cashflow/internal/models"
	"github.com/mmynk/cashflow/internal/storage"
)

// Store is the part of the collection store the ledger writes through.
type Store interface {
	FetchAll(ctx context.Context, identity string, c storage.Collection) (backend.Snapshot, error)
	Create(ctx context.Context, identity string, c storage.Collection, record models.Record) (string, error)
	Update(ctx context.Context, identity string, c storage.Collection, id string, patch models.Record) error
	Delete(ctx context.Context, identity string, c storage.Collection, id string) error
}

var _ Store = (*storage.Store)(nil)

// Service validates input and writes it to the store.
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithClock overrides the time source used for createdAt/updatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a ledger service.
func New(store Store, opts ...Option) *Service {
	s := &Service{store: store, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreatePerson validates and stores a new person.
func (s *Service) CreatePerson(ctx context.Context, identity string, in models.PersonInput) (models.Person, error) {
	if err := models.ValidatePerson(in); err != nil {
		return models.Person{}, err
	}

	ts := s.now().Unix()
	p := models.Person{Name: in.Name, Notes: in.Notes, CreatedAt: ts, UpdatedAt: ts}
	id, err := s.store.Create(ctx, identity, storage.CollectionPersons, p.Record())
	if err != nil {
		return models.Person{}, fmt.Errorf("failed to create person: %w", err)
	}
	p.ID = id

	s.logger.Debug("Created person", "identity", identity, "id", id)
	return p, nil
}

// UpdatePerson replaces the name and notes of a person.
func (s *Service) UpdatePerson(ctx context.Context, identity, id string, in models.PersonInput) error {
	if id == "" {
		return &models.ValidationError{Field: "id", Message: "required"}
	}
	if err := models.ValidatePerson(in); err != nil {
		return err
	}

	patch := models.Record{"name": in.Name, "notes": in.Notes, "updatedAt": s.now().Unix()}
	if err := s.store.Update(ctx, identity, storage.CollectionPersons, id, patch); err != nil {
		return fmt.Errorf("failed to update person %s: %w", id, err)
	}
	return nil
}

// DeletePerson removes a person and every transaction referencing it.
//
// The delete happens in two phases: first all referencing transactions,
// then the person. If any transaction cannot be removed the person is kept,
// so a retry can finish the job; the transactions already removed stay
// removed. It returns the number of transactions removed.
func (s *Service) DeletePerson(ctx context.Context, identity, id string) (int, error) {
	if id == "" {
		return 0, &models.ValidationError{Field: "id", Message: "required"}
	}

	snap, err := s.store.FetchAll(ctx, identity, storage.CollectionTransactions)
	if err != nil {
		return 0, fmt.Errorf("failed to list transactions of person %s: %w", id, err)
	}

	var refs []string
	for txID, r := range snap {
		if r.String("personId") == id {
			refs = append(refs, txID)
		}
	}
	sort.Strings(refs)

	for i, txID := range refs {
		if err := s.store.Delete(ctx, identity, storage.CollectionTransactions, txID); err != nil {
			s.logger.Warn("Cascade delete stopped",
				"identity", identity,
				"person", id,
				"removed", i,
				"remaining", len(refs)-i,
				"error", err,
			)
			return i, fmt.Errorf("failed to delete transaction %s of person %s (%d of %d removed): %w",
				txID, id, i, len(refs), err)
		}
	}

	if err := s.store.Delete(ctx, identity, storage.CollectionPersons, id); err != nil {
		return len(refs), fmt.Errorf("failed to delete person %s: %w", id, err)
	}

	s.logger.Info("Deleted person", "identity", identity, "id", id, "transactions", len(refs))
	return len(refs), nil
}

// CreateTransaction validates and stores a new transaction. The referenced
// person is not checked; a transaction may be orphaned.
func (s *Service) CreateTransaction(ctx context.Context, identity string, in models.TransactionInput) (models.Transaction, error) {
	t, err := models.ValidateTransaction(in)
	if err != nil {
		return models.Transaction{}, err
	}

	ts := s.now().Unix()
	t.CreatedAt, t.UpdatedAt = ts, ts
	id, err := s.store.Create(ctx, identity, storage.CollectionTransactions, t.Record())
	if err != nil {
		return models.Transaction{}, fmt.Errorf("failed to create transaction: %w", err)
	}
	t.ID = id
	return t, nil
}

// UpdateTransaction replaces every user-supplied field of a transaction.
// createdAt is preserved.
func (s *Service) UpdateTransaction(ctx context.Context, identity, id string, in models.TransactionInput) (models.Transaction, error) {
	if id == "" {
		return models.Transaction{}, &models.ValidationError{Field: "id", Message: "required"}
	}
	t, err := models.ValidateTransaction(in)
	if err != nil {
		return models.Transaction{}, err
	}
	t.ID = id
	t.UpdatedAt = s.now().Unix()

	patch := t.Record()
	delete(patch, "createdAt")
	if t.Attachment == nil {
		patch["attachment"] = nil
	}
	if err := s.store.Update(ctx, identity, storage.CollectionTransactions, id, patch); err != nil {
		return models.Transaction{}, fmt.Errorf("failed to update transaction %s: %w", id, err)
	}
	return t, nil
}

// DeleteTransaction removes a single transaction.
func (s *Service) DeleteTransaction(ctx context.Context, identity, id string) error {
	if id == "" {
		return &models.ValidationError{Field: "id", Message: "required"}
	}
	if err := s.store.Delete(ctx, identity, storage.CollectionTransactions, id); err != nil {
		return fmt.Errorf("failed to delete transaction %s: %w", id, err)
	}
	return nil
}
