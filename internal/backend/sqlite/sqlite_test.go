package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mmynk/cashflow/internal/backend"
	"github.com/mmynk/cashflow/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	// Create temp directory for test database
	tempDir, err := os.MkdirTemp("", "cashflow-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	store, err := New(filepath.Join(tempDir, "nested", "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreRecords(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	path := "users/u1/transactions"

	t.Run("Fetch on empty path returns empty snapshot", func(t *testing.T) {
		snap, err := store.Fetch(ctx, "users/u1/persons")
		if err != nil {
			t.Fatalf("Fetch failed: %v", err)
		}
		if snap == nil || len(snap) != 0 {
			t.Errorf("Expected empty snapshot, got %v", snap)
		}
	})

	t.Run("Push keeps amounts exact", func(t *testing.T) {
		id, err := store.Push(ctx, path, models.Record{
			"personId": "p1",
			"type":     "expense",
			"amount":   json.Number("0.10"),
		})
		if err != nil {
			t.Fatalf("Push failed: %v", err)
		}
		if id == "" {
			t.Fatal("Expected generated ID")
		}

		snap, err := store.Fetch(ctx, path)
		if err != nil {
			t.Fatalf("Fetch failed: %v", err)
		}
		tx := models.TransactionFromRecord(id, snap[id])
		if tx.Amount.String() != "0.1" {
			t.Errorf("Amount = %s, want 0.1", tx.Amount)
		}
		if tx.PersonID != "p1" {
			t.Errorf("PersonID = %q, want p1", tx.PersonID)
		}
	})

	t.Run("Update merges fields", func(t *testing.T) {
		id, err := store.Push(ctx, path, models.Record{"title": "Rent", "category": "Housing"})
		if err != nil {
			t.Fatalf("Push failed: %v", err)
		}
		if err := store.Update(ctx, path, id, models.Record{"title": "Rent (March)"}); err != nil {
			t.Fatalf("Update failed: %v", err)
		}

		snap, err := store.Fetch(ctx, path)
		if err != nil {
			t.Fatalf("Fetch failed: %v", err)
		}
		if got := snap[id].String("title"); got != "Rent (March)" {
			t.Errorf("title = %q, want %q", got, "Rent (March)")
		}
		if got := snap[id].String("category"); got != "Housing" {
			t.Errorf("category = %q, want Housing", got)
		}
	})

	t.Run("Update returns ErrNotFound for missing record", func(t *testing.T) {
		err := store.Update(ctx, path, "nonexistent-id", models.Record{"title": "x"})
		if !errors.Is(err, backend.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Remove is idempotent", func(t *testing.T) {
		id, err := store.Push(ctx, path, models.Record{"title": "Coffee"})
		if err != nil {
			t.Fatalf("Push failed: %v", err)
		}
		if err := store.Remove(ctx, path, id); err != nil {
			t.Fatalf("Remove failed: %v", err)
		}
		if err := store.Remove(ctx, path, id); err != nil {
			t.Errorf("Second Remove failed: %v", err)
		}
	})
}

func TestStoreSubscribe(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	path := "users/u1/persons"

	updates := make(chan backend.Snapshot, 16)
	h, err := store.Subscribe(path, func(s backend.Snapshot) { updates <- s }, nil)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	next := func() backend.Snapshot {
		t.Helper()
		select {
		case s := <-updates:
			return s
		case <-time.After(2 * time.Second):
			t.Fatal("Timed out waiting for snapshot")
			return nil
		}
	}

	if s := next(); len(s) != 0 {
		t.Errorf("Initial snapshot has %d records, want 0", len(s))
	}

	if _, err := store.Push(ctx, path, models.Record{"name": "Alice"}); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if s := next(); len(s) != 1 {
		t.Errorf("Snapshot after push has %d records, want 1", len(s))
	}

	store.Unsubscribe(h)
	store.Unsubscribe(h)

	if _, err := store.Push(ctx, path, models.Record{"name": "Bob"}); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	select {
	case s := <-updates:
		t.Errorf("Unexpected delivery after Unsubscribe: %v", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStoreSubscribeFailsOnUnreadableRecords(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	path := "users/u1/persons"

	updates := make(chan backend.Snapshot, 16)
	errs := make(chan error, 1)
	_, err := store.Subscribe(path, func(s backend.Snapshot) { updates <- s }, func(err error) { errs <- err })
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	select {
	case <-updates:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for initial snapshot")
	}

	if _, err := store.db.ExecContext(ctx,
		"INSERT INTO records (path, id, data, updated_at) VALUES (?, ?, ?, ?)",
		path, "broken", "{not json", 0,
	); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if _, err := store.Push(ctx, path, models.Record{"name": "Alice"}); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	select {
	case err := <-errs:
		if err == nil {
			t.Error("Expected a non-nil subscription error")
		}
	case s := <-updates:
		t.Fatalf("Unexpected delivery of %d records", len(s))
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for subscription error")
	}
}

func TestStoreUsers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	user := models.NewUser("alice@example.com", "Alice", "hash")
	if err := store.CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	byEmail, err := store.GetUserByEmail(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("GetUserByEmail failed: %v", err)
	}
	if byEmail == nil || byEmail.ID != user.ID {
		t.Fatalf("GetUserByEmail = %v, want ID %s", byEmail, user.ID)
	}

	byID, err := store.GetUserByID(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetUserByID failed: %v", err)
	}
	if byID == nil || byID.DisplayName != "Alice" {
		t.Errorf("GetUserByID = %v, want display name Alice", byID)
	}

	missing, err := store.GetUserByEmail(ctx, "nobody@example.com")
	if err != nil || missing != nil {
		t.Errorf("GetUserByEmail(missing) = %v, %v; want nil, nil", missing, err)
	}

	if err := store.CreateUser(ctx, models.NewUser("alice@example.com", "Other", "hash")); err == nil {
		t.Error("Expected duplicate email to fail")
	}
}
