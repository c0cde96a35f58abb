// Package durable provides the shared, cross-device tier of the cache. It
// is the system of record: entries never auto-expire here, while the
// transient tier is a disposable accelerator in front of it.
//
// Lookups match on (category, prompt) exactly. The topic of a request is
// stored as metadata but is not part of the lookup key, so two requests
// sharing identical (category, prompt) with different topics collide; see
// gencache.DeriveKey for the documented key rule.
package durable

import (
	"context"
	"time"

	gencache "github.com/lessonforge/gencache"
)

// Document is a durable cache record. Documents are append-only: Insert
// performs no duplicate pre-check, so two concurrent misses on the same key
// can both insert, and which one future lookups return is unspecified.
type Document struct {
	ID        string                  `json:"id"`
	Key       gencache.Key            `json:"key"`
	Category  gencache.Category       `json:"category"`
	Topic     string                  `json:"topic,omitempty"`
	Prompt    string                  `json:"prompt"`
	Content   string                  `json:"content,omitempty"`
	Blob      *gencache.BlobReference `json:"blob,omitempty"`
	CreatedAt time.Time               `json:"created_at"`
	Views     int64                   `json:"views"`
	CreatorID string                  `json:"creator_id,omitempty"`
}

// DocumentStore is the contract the orchestrator requires from the durable
// tier: an equality query with limit 1, an append-only insert, and an
// atomic single-field view counter increment. Read-after-write is likely
// but not guaranteed by implementations.
type DocumentStore interface {
	// FindFirst returns the first document matching (category, prompt)
	// exactly, or gencache.ErrNotFound. Match ordering is not specified
	// as stable across inserts.
	FindFirst(ctx context.Context, category gencache.Category, prompt string) (*Document, error)

	// Insert appends a document without checking for duplicates. If the
	// document has no ID one is assigned.
	Insert(ctx context.Context, doc *Document) error

	// IncrementViews atomically increments the view counter of a document.
	IncrementViews(ctx context.Context, id string) error

	// Purge removes every document matching (category, prompt) and
	// returns the number removed.
	Purge(ctx context.Context, category gencache.Category, prompt string) (int, error)

	// Close releases store resources.
	Close() error
}
