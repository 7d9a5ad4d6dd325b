// Package sqlite provides a SQLite-backed implementation of backend.Backend.
// Subscribers are in-process: they are notified after each committed write
// made through the same Store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/mmynk/cashflow/internal/backend"
	"github.com/mmynk/cashflow/internal/models"
)

// Ensure Store implements backend.Backend
var _ backend.Backend = (*Store)(nil)

// Store implements backend.Backend using SQLite.
type Store struct {
	db *sql.DB

	// writeMu serialises writes with their notifications so that
	// subscribers observe snapshots in commit order.
	writeMu sync.Mutex

	subMu sync.Mutex
	subs  map[string]map[*subscription]struct{}
}

type subscription struct {
	path       string
	dispatcher *backend.Dispatcher
}

func (s *subscription) Path() string { return s.path }

// New creates a new Store with the given database path.
// It creates the parent directories and runs migrations automatically.
func New(dbPath string) (*Store, error) {
	// Create parent directory if it doesn't exist
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps SQLite writes serialised and avoids
	// SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{
		db:   db,
		subs: make(map[string]map[*subscription]struct{}),
	}, nil
}

// Close stops all subscriptions and closes the database connection.
func (s *Store) Close() error {
	s.subMu.Lock()
	for path, subs := range s.subs {
		for sub := range subs {
			sub.dispatcher.Close()
		}
		delete(s.subs, path)
	}
	s.subMu.Unlock()
	return s.db.Close()
}

// Fetch reads every record under path.
func (s *Store) Fetch(ctx context.Context, path string) (backend.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, data FROM records WHERE path = ? ORDER BY id",
		path,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	snap := make(backend.Snapshot)
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		record, err := decodeRecord(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode record %s: %w", id, err)
		}
		snap[id] = record
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}

	return snap, nil
}

// Subscribe registers onValue and schedules delivery of the current contents.
func (s *Store) Subscribe(path string, onValue func(backend.Snapshot), onError func(error)) (backend.Handle, error) {
	sub := &subscription{path: path, dispatcher: backend.NewDispatcher(onValue, onError)}

	// Holding writeMu orders the initial snapshot before any later write.
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	snap, err := s.Fetch(context.Background(), path)
	if err != nil {
		sub.dispatcher.Close()
		return nil, err
	}

	s.subMu.Lock()
	if s.subs[path] == nil {
		s.subs[path] = make(map[*subscription]struct{})
	}
	s.subs[path][sub] = struct{}{}
	s.subMu.Unlock()

	sub.dispatcher.Offer(snap)
	return sub, nil
}

// Unsubscribe stops deliveries for h.
func (s *Store) Unsubscribe(h backend.Handle) {
	sub, ok := h.(*subscription)
	if !ok || sub == nil {
		return
	}
	s.subMu.Lock()
	delete(s.subs[sub.path], sub)
	if len(s.subs[sub.path]) == 0 {
		delete(s.subs, sub.path)
	}
	s.subMu.Unlock()
	sub.dispatcher.Close()
}

// Push inserts a new record under a generated ID.
func (s *Store) Push(ctx context.Context, path string, record models.Record) (string, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("failed to encode record: %w", err)
	}
	id := backend.NewID()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO records (path, id, data, updated_at) VALUES (?, ?, ?, ?)",
		path, id, string(data), time.Now().Unix(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert record: %w", err)
	}

	s.notifyLocked(ctx, path)
	return id, nil
}

// Update merges patch into an existing record inside a transaction.
func (s *Store) Update(ctx context.Context, path, id string, patch models.Record) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var data string
	err = tx.QueryRowContext(ctx,
		"SELECT data FROM records WHERE path = ? AND id = ?",
		path, id,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", backend.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to get record: %w", err)
	}

	existing, err := decodeRecord(data)
	if err != nil {
		return fmt.Errorf("failed to decode record %s: %w", id, err)
	}
	merged, err := json.Marshal(backend.Merge(existing, patch))
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE records SET data = ?, updated_at = ? WHERE path = ? AND id = ?",
		string(merged), time.Now().Unix(), path, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.notifyLocked(ctx, path)
	return nil
}

// Remove deletes a record. Removing an absent record is a no-op.
func (s *Store) Remove(ctx context.Context, path, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM records WHERE path = ? AND id = ?", path, id)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil
	}

	s.notifyLocked(ctx, path)
	return nil
}

// notifyLocked offers the committed contents of path to its subscribers.
// If the contents cannot be read, every subscriber of path is failed and
// dropped. Must be called with writeMu held.
func (s *Store) notifyLocked(ctx context.Context, path string) {
	s.subMu.Lock()
	subs := make([]*subscription, 0, len(s.subs[path]))
	for sub := range s.subs[path] {
		subs = append(subs, sub)
	}
	s.subMu.Unlock()
	if len(subs) == 0 {
		return
	}

	snap, err := s.Fetch(context.WithoutCancel(ctx), path)
	if err != nil {
		slog.Warn("Failed to read records for subscribers", "path", path, "error", err)
		s.subMu.Lock()
		for _, sub := range subs {
			delete(s.subs[path], sub)
		}
		if len(s.subs[path]) == 0 {
			delete(s.subs, path)
		}
		s.subMu.Unlock()
		for _, sub := range subs {
			sub.dispatcher.Fail(err)
		}
		return
	}
	for _, sub := range subs {
		sub.dispatcher.Offer(snap.Clone())
	}
}

// decodeRecord keeps numbers as json.Number so amounts survive exactly.
func decodeRecord(data string) (models.Record, error) {
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()
	var record models.Record
	if err := dec.Decode(&record); err != nil {
		return nil, err
	}
	return record, nil
}
