package durable

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	gencache "github.com/lessonforge/gencache"
	"go.etcd.io/bbolt"
)

var (
	bucketDocs     = []byte("docs")
	bucketByLookup = []byte("docs_by_lookup")
)

// Bolt implements DocumentStore using bbolt. Suitable for single-host
// deployments and tests; use Redis when the tier must be shared across
// devices.
type Bolt struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
	noSync bool
}

// BoltOption configures a Bolt store.
type BoltOption func(*Bolt)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) BoltOption {
	return func(b *Bolt) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltOption {
	return func(b *Bolt) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction. Testing only.
func WithNoSync(noSync bool) BoltOption {
	return func(b *Bolt) {
		b.noSync = noSync
	}
}

// OpenBolt opens (creating if needed) a bolt-backed document store.
func OpenBolt(path string, opts ...BoltOption) (*Bolt, error) {
	b := &Bolt{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening durable store: %w", err)
	}
	b.db = db

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketDocs, bucketByLookup} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return b, nil
}

// Close closes the underlying database.
func (b *Bolt) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

// FindFirst returns the first document matching (category, prompt).
func (b *Bolt) FindFirst(ctx context.Context, category gencache.Category, prompt string) (*Document, error) {
	var doc Document
	err := b.db.View(func(tx *bbolt.Tx) error {
		ids := readIDList(tx.Bucket(bucketByLookup), makeLookupKey(category, prompt))
		if len(ids) == 0 {
			return gencache.ErrNotFound
		}

		val := tx.Bucket(bucketDocs).Get([]byte(ids[0]))
		if val == nil {
			return gencache.ErrNotFound
		}
		return json.Unmarshal(val, &doc)
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// Insert appends a document. No duplicate pre-check is performed.
func (b *Bolt) Insert(ctx context.Context, doc *Document) error {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = b.now()
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshaling document: %w", err)
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketDocs).Put([]byte(doc.ID), data); err != nil {
			return fmt.Errorf("putting document: %w", err)
		}

		lookup := tx.Bucket(bucketByLookup)
		lookupKey := makeLookupKey(doc.Category, doc.Prompt)
		ids := append(readIDList(lookup, lookupKey), doc.ID)

		idsData, err := json.Marshal(ids)
		if err != nil {
			return fmt.Errorf("marshaling id list: %w", err)
		}
		if err := lookup.Put(lookupKey, idsData); err != nil {
			return fmt.Errorf("putting lookup index: %w", err)
		}
		return nil
	})
}

// IncrementViews increments the view counter in a single transaction.
func (b *Bolt) IncrementViews(ctx context.Context, id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		docs := tx.Bucket(bucketDocs)
		val := docs.Get([]byte(id))
		if val == nil {
			return gencache.ErrNotFound
		}

		var doc Document
		if err := json.Unmarshal(val, &doc); err != nil {
			return fmt.Errorf("unmarshaling document: %w", err)
		}
		doc.Views++

		data, err := json.Marshal(&doc)
		if err != nil {
			return fmt.Errorf("marshaling document: %w", err)
		}
		return docs.Put([]byte(id), data)
	})
}

// Purge removes all documents matching (category, prompt).
func (b *Bolt) Purge(ctx context.Context, category gencache.Category, prompt string) (int, error) {
	removed := 0
	err := b.db.Update(func(tx *bbolt.Tx) error {
		lookup := tx.Bucket(bucketByLookup)
		docs := tx.Bucket(bucketDocs)
		lookupKey := makeLookupKey(category, prompt)

		for _, id := range readIDList(lookup, lookupKey) {
			if err := docs.Delete([]byte(id)); err != nil {
				return fmt.Errorf("deleting document %s: %w", id, err)
			}
			removed++
		}
		return lookup.Delete(lookupKey)
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// Counts returns the number of documents per category. Used by the CLI.
func (b *Bolt) Counts(ctx context.Context) (map[gencache.Category]int, error) {
	counts := make(map[gencache.Category]int)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDocs).ForEach(func(_, v []byte) error {
			var doc Document
			if err := json.Unmarshal(v, &doc); err != nil {
				return nil
			}
			counts[doc.Category]++
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func readIDList(bucket *bbolt.Bucket, key []byte) []string {
	val := bucket.Get(key)
	if val == nil {
		return nil
	}
	var ids []string
	if err := json.Unmarshal(val, &ids); err != nil {
		return nil
	}
	return ids
}

func makeLookupKey(category gencache.Category, prompt string) []byte {
	var buf bytes.Buffer
	buf.WriteString(string(category))
	buf.WriteByte(0x00)
	buf.WriteString(prompt)
	return buf.Bytes()
}

// Compile-time interface check
var _ DocumentStore = (*Bolt)(nil)
