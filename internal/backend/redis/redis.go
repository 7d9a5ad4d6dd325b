// Package redis provides a backend.Backend on top of Redis. Each path is a
// hash of record ID to JSON document; every write publishes the path on a
// change channel, and subscribers re-read the whole hash on each message.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/mmynk/cashflow/internal/backend"
	"github.com/mmynk/cashflow/internal/models"
)

// Ensure Backend implements backend.Backend
var _ backend.Backend = (*Backend)(nil)

const (
	keyPrefix     = "cashflow:"
	channelPrefix = "cashflow:changes:"
)

// Backend implements backend.Backend using a go-redis client.
type Backend struct {
	client *redis.Client

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

type subscription struct {
	path       string
	pubsub     *redis.PubSub
	dispatcher *backend.Dispatcher
	cancel     context.CancelFunc
	once       sync.Once
}

func (s *subscription) Path() string { return s.path }

// New wraps an existing client.
func New(client *redis.Client) *Backend {
	return &Backend{client: client, subs: make(map[*subscription]struct{})}
}

// Dial parses a redis:// URL, connects and pings the server.
func Dial(ctx context.Context, url string) (*Backend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return New(client), nil
}

// Close stops every subscription and closes the client.
func (b *Backend) Close() error {
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()
	for _, sub := range subs {
		b.Unsubscribe(sub)
	}
	return b.client.Close()
}

func key(path string) string     { return keyPrefix + path }
func channel(path string) string { return channelPrefix + path }

// Fetch reads every record under path.
func (b *Backend) Fetch(ctx context.Context, path string) (backend.Snapshot, error) {
	fields, err := b.client.HGetAll(ctx, key(path)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	snap := make(backend.Snapshot, len(fields))
	for id, data := range fields {
		record, err := decodeRecord(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode record %s: %w", id, err)
		}
		snap[id] = record
	}
	return snap, nil
}

// Subscribe listens on the path's change channel. The subscription is
// confirmed with the server before the initial contents are read, so no
// write between the two is missed.
// A failure to re-read the path after a change notice ends the subscription
// through onError.
func (b *Backend) Subscribe(path string, onValue func(backend.Snapshot), onError func(error)) (backend.Handle, error) {
	ctx, cancel := context.WithCancel(context.Background())
	pubsub := b.client.Subscribe(ctx, channel(path))
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", path, err)
	}

	sub := &subscription{
		path:       path,
		pubsub:     pubsub,
		dispatcher: backend.NewDispatcher(onValue, onError),
		cancel:     cancel,
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go b.listen(ctx, sub)
	return sub, nil
}

func (b *Backend) listen(ctx context.Context, sub *subscription) {
	if !b.deliver(ctx, sub) {
		return
	}
	for range sub.pubsub.Channel() {
		if !b.deliver(ctx, sub) {
			return
		}
	}
}

// deliver offers the current contents of the path. A read failure other
// than cancellation fails the subscription and reports false.
func (b *Backend) deliver(ctx context.Context, sub *subscription) bool {
	snap, err := b.Fetch(ctx, sub.path)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return false
		}
		slog.Warn("Redis subscription read failed", "path", sub.path, "error", err)
		sub.dispatcher.Fail(err)
		return false
	}
	sub.dispatcher.Offer(snap)
	return true
}

// Unsubscribe closes the pub/sub connection of h.
func (b *Backend) Unsubscribe(h backend.Handle) {
	sub, ok := h.(*subscription)
	if !ok || sub == nil {
		return
	}
	sub.once.Do(func() {
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
		sub.dispatcher.Close()
		sub.cancel()
		sub.pubsub.Close()
	})
}

// Push stores a new record and publishes the change.
func (b *Backend) Push(ctx context.Context, path string, record models.Record) (string, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("failed to encode record: %w", err)
	}
	id := backend.NewID()
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key(path), id, data)
		pipe.Publish(ctx, channel(path), id)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to push record: %w", err)
	}
	return id, nil
}

// Update merges patch into an existing record. The read-modify-write is
// guarded with WATCH so concurrent writers fall back to last write wins.
func (b *Backend) Update(ctx context.Context, path, id string, patch models.Record) error {
	k := key(path)
	return b.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.HGet(ctx, k, id).Result()
		if err == redis.Nil {
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
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, k, id, merged)
			pipe.Publish(ctx, channel(path), id)
			return nil
		})
		return err
	}, k)
}

// Remove deletes a record and publishes the change if it existed.
func (b *Backend) Remove(ctx context.Context, path, id string) error {
	n, err := b.client.HDel(ctx, key(path), id).Result()
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	if n == 0 {
		return nil
	}
	if err := b.client.Publish(ctx, channel(path), id).Err(); err != nil {
		return fmt.Errorf("failed to publish change: %w", err)
	}
	return nil
}

func decodeRecord(data string) (models.Record, error) {
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()
	var record models.Record
	if err := dec.Decode(&record); err != nil {
		return nil, err
	}
	return record, nil
}
