package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	gencache "github.com/lessonforge/gencache"
	"github.com/redis/go-redis/v9"
)

// Redis implements DocumentStore on a shared Redis instance, making the
// durable tier visible across devices and users.
//
// Layout:
//
//	{prefix}:doc:{id}                     JSON document body
//	{prefix}:idx:{category}:{promptHash}  list of document IDs, append order
//	{prefix}:views:{id}                   view counter (INCR)
//
// The view counter lives outside the JSON body so the increment stays a
// single atomic Redis operation.
type Redis struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

// RedisOption configures a Redis store.
type RedisOption func(*Redis)

// WithRedisLogger sets the logger for the store.
func WithRedisLogger(logger *slog.Logger) RedisOption {
	return func(r *Redis) {
		r.logger = logger
	}
}

// WithRedisNow sets the time function for testing.
func WithRedisNow(now func() time.Time) RedisOption {
	return func(r *Redis) {
		r.now = now
	}
}

// NewRedis creates a Redis-backed document store. The prefix namespaces all
// keys so multiple applications can share one Redis instance.
func NewRedis(client *redis.Client, prefix string, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		prefix: prefix,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// FindFirst returns the first document matching (category, prompt).
func (r *Redis) FindFirst(ctx context.Context, category gencache.Category, prompt string) (*Document, error) {
	ids, err := r.client.LRange(ctx, r.indexKey(category, prompt), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading index: %w", err)
	}

	for _, id := range ids {
		doc, err := r.loadDoc(ctx, id)
		if errors.Is(err, gencache.ErrNotFound) {
			// Index entry outlived its document; skip.
			continue
		}
		if err != nil {
			return nil, err
		}
		// The index key hashes the prompt; guard against a hash collision
		// by checking the stored prompt exactly.
		if doc.Prompt != prompt || doc.Category != category {
			continue
		}
		return doc, nil
	}
	return nil, gencache.ErrNotFound
}

// Insert appends a document. No duplicate pre-check is performed.
func (r *Redis) Insert(ctx context.Context, doc *Document) error {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = r.now()
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshaling document: %w", err)
	}

	if err := r.client.Set(ctx, r.docKey(doc.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("setting document: %w", err)
	}
	if err := r.client.RPush(ctx, r.indexKey(doc.Category, doc.Prompt), doc.ID).Err(); err != nil {
		return fmt.Errorf("appending to index: %w", err)
	}
	return nil
}

// IncrementViews atomically increments a document's view counter.
func (r *Redis) IncrementViews(ctx context.Context, id string) error {
	if err := r.client.Incr(ctx, r.viewsKey(id)).Err(); err != nil {
		return fmt.Errorf("incrementing views: %w", err)
	}
	return nil
}

// Purge removes all documents matching (category, prompt).
func (r *Redis) Purge(ctx context.Context, category gencache.Category, prompt string) (int, error) {
	idx := r.indexKey(category, prompt)
	ids, err := r.client.LRange(ctx, idx, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("reading index: %w", err)
	}

	removed := 0
	for _, id := range ids {
		doc, err := r.loadDoc(ctx, id)
		if errors.Is(err, gencache.ErrNotFound) {
			continue
		}
		if err != nil {
			return removed, err
		}
		if doc.Prompt != prompt || doc.Category != category {
			continue
		}
		if err := r.client.Del(ctx, r.docKey(id), r.viewsKey(id)).Err(); err != nil {
			return removed, fmt.Errorf("deleting document %s: %w", id, err)
		}
		if err := r.client.LRem(ctx, idx, 0, id).Err(); err != nil {
			return removed, fmt.Errorf("removing index entry: %w", err)
		}
		removed++
	}
	return removed, nil
}

func (r *Redis) loadDoc(ctx context.Context, id string) (*Document, error) {
	data, err := r.client.Get(ctx, r.docKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, gencache.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting document %s: %w", id, err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshaling document %s: %w", id, err)
	}

	views, err := r.client.Get(ctx, r.viewsKey(id)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("getting views for %s: %w", id, err)
	}
	doc.Views = views

	return &doc, nil
}

func (r *Redis) docKey(id string) string {
	return r.prefix + ":doc:" + id
}

func (r *Redis) viewsKey(id string) string {
	return r.prefix + ":views:" + id
}

func (r *Redis) indexKey(category gencache.Category, prompt string) string {
	return fmt.Sprintf("%s:idx:%s:%016x", r.prefix, category, xxhash.Sum64String(prompt))
}

// Compile-time interface check
var _ DocumentStore = (*Redis)(nil)
