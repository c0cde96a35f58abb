// Package transient provides the per-device tier of the cache: a fast
// persistent store partitioned into named categories, with TTL and
// capacity-bounded eviction.
//
// Eviction recency is by write order, not by last access: a frequently read
// but rarely rewritten entry can still be evicted. This is a deliberate
// simplification of the tier's contract, pinned by tests.
package transient

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	gencache "github.com/lessonforge/gencache"
	"github.com/lessonforge/gencache/telemetry"
	"go.etcd.io/bbolt"
)

var (
	bucketEntries = []byte("entries")
	bucketBySeq   = []byte("entries_by_seq")
)

// record is the stored envelope for a cached value.
type record struct {
	Value      []byte    `json:"v"`
	CreatedAt  time.Time `json:"ca"`
	ExpiresAt  time.Time `json:"ea,omitzero"`
	Seq        uint64    `json:"seq"`
	Compressed bool      `json:"z,omitempty"`
}

// Store is a per-category persistent cache backed by a single bbolt file.
type Store struct {
	db          *bbolt.DB
	logger      *slog.Logger
	now         func() time.Time
	schedule    func(func())
	ownSchedule bool
	encoder     *zstd.Encoder
	decoder     *zstd.Decoder
	compressMin int
	noSync      bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithScheduler sets how post-put cleanup tasks are scheduled. The default
// runs each task on its own goroutine until the engine installs its
// supervised runner via SetScheduler; an explicit scheduler set here is
// never replaced. Tests install a synchronous one.
func WithScheduler(schedule func(func())) Option {
	return func(s *Store) {
		s.schedule = schedule
		s.ownSchedule = true
	}
}

// WithCompressionThreshold sets the minimum value size in bytes before
// values are zstd-compressed on disk. Zero disables compression.
func WithCompressionThreshold(n int) Option {
	return func(s *Store) {
		s.compressMin = n
	}
}

// WithNoSync disables fsync per transaction. Testing only.
func WithNoSync(noSync bool) Option {
	return func(s *Store) {
		s.noSync = noSync
	}
}

// Open opens (creating if needed) the transient store at the given path.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		logger:      slog.Default(),
		now:         time.Now,
		schedule:    func(task func()) { go task() },
		compressMin: 1024,
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  s.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening transient store: %w", err)
	}
	s.db = db

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketBySeq} {
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

	if s.compressMin > 0 {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("creating zstd decoder: %w", err)
		}
		s.encoder = enc
		s.decoder = dec
	}

	s.logger.Debug("opened transient store", "path", path)
	return s, nil
}

// SetScheduler installs schedule as the cleanup scheduler and reports
// whether it was installed; a scheduler supplied at Open time wins. Call
// before the store is shared across goroutines.
func (s *Store) SetScheduler(schedule func(func())) bool {
	if s.ownSchedule {
		return false
	}
	s.schedule = schedule
	return true
}

// Close closes the store and releases resources.
func (s *Store) Close() error {
	if s.encoder != nil {
		_ = s.encoder.Close()
		s.encoder = nil
	}
	if s.decoder != nil {
		s.decoder.Close()
		s.decoder = nil
	}
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put stores a value under (category, key) with CreatedAt set to now and,
// when cfg.MaxAge is non-zero, ExpiresAt set to now+MaxAge. After the write
// commits it schedules an asynchronous cleanup of the category; the caller
// does not wait for it.
func (s *Store) Put(ctx context.Context, category gencache.Category, key string, value []byte, cfg gencache.CategoryConfig) error {
	now := s.now()

	rec := record{
		Value:     value,
		CreatedAt: now,
	}
	if cfg.MaxAge > 0 {
		rec.ExpiresAt = now.Add(cfg.MaxAge)
	}
	if s.compressMin > 0 && len(value) >= s.compressMin {
		rec.Value = s.encoder.EncodeAll(value, nil)
		rec.Compressed = true
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		bySeq := tx.Bucket(bucketBySeq)

		compound := makeEntryKey(category, key)

		// Replace-by-key: drop the old insertion-order index entry so the
		// rewrite counts as a fresh insertion.
		if old := entries.Get(compound); old != nil {
			var prev record
			if err := json.Unmarshal(old, &prev); err == nil {
				_ = bySeq.Delete(makeSeqKey(category, prev.Seq))
			}
		}

		seq, err := bySeq.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating sequence: %w", err)
		}
		rec.Seq = seq

		data, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("marshaling record: %w", err)
		}
		if err := entries.Put(compound, data); err != nil {
			return fmt.Errorf("putting entry: %w", err)
		}
		if err := bySeq.Put(makeSeqKey(category, seq), []byte(key)); err != nil {
			return fmt.Errorf("putting seq index: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Scheduled strictly after the write committed; never awaited.
	s.schedule(func() {
		if _, err := s.Cleanup(context.Background(), category, cfg); err != nil {
			s.logger.Warn("transient cleanup failed", "category", category, "error", err)
		}
	})

	return nil
}

// Get returns the value stored under (category, key), or
// gencache.ErrNotFound if the key is missing or expired. An expired hit is
// opportunistically deleted.
func (s *Store) Get(ctx context.Context, category gencache.Category, key string) ([]byte, error) {
	var rec record
	err := s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketEntries).Get(makeEntryKey(category, key))
		if val == nil {
			return gencache.ErrNotFound
		}
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return nil, err
	}

	if !rec.ExpiresAt.IsZero() && s.now().After(rec.ExpiresAt) {
		if err := s.Delete(ctx, category, key); err != nil {
			s.logger.Warn("deleting expired entry failed", "category", category, "key", key, "error", err)
		}
		return nil, gencache.ErrNotFound
	}

	if rec.Compressed {
		if s.decoder == nil {
			return nil, fmt.Errorf("entry %s/%s is compressed but compression is disabled", category, key)
		}
		value, err := s.decoder.DecodeAll(rec.Value, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing entry: %w", err)
		}
		return value, nil
	}
	return rec.Value, nil
}

// Delete removes the entry under (category, key). Idempotent.
func (s *Store) Delete(ctx context.Context, category gencache.Category, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return s.deleteInTx(tx, category, key)
	})
}

func (s *Store) deleteInTx(tx *bbolt.Tx, category gencache.Category, key string) error {
	entries := tx.Bucket(bucketEntries)
	compound := makeEntryKey(category, key)

	if val := entries.Get(compound); val != nil {
		var rec record
		if err := json.Unmarshal(val, &rec); err == nil {
			_ = tx.Bucket(bucketBySeq).Delete(makeSeqKey(category, rec.Seq))
		}
	}
	return entries.Delete(compound)
}

// Clear removes all entries in a category.
func (s *Store) Clear(ctx context.Context, category gencache.Category) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketBySeq} {
			bucket := tx.Bucket(name)
			prefix := append([]byte(category), sep)
			cursor := bucket.Cursor()
			for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
				if err := cursor.Delete(); err != nil {
					return fmt.Errorf("clearing %s: %w", category, err)
				}
			}
		}
		return nil
	})
}

// InvalidateByPrefix scans every category and deletes entries whose key
// starts with the given string prefix. Used to purge all state belonging to
// one owner. Returns the number of entries deleted.
func (s *Store) InvalidateByPrefix(ctx context.Context, prefix string) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		bySeq := tx.Bucket(bucketBySeq)

		type victim struct {
			category gencache.Category
			key      string
			seq      uint64
		}
		var victims []victim

		err := entries.ForEach(func(k, v []byte) error {
			category, key := parseEntryKey(k)
			if !strings.HasPrefix(key, prefix) {
				return nil
			}
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			victims = append(victims, victim{category: category, key: key, seq: rec.Seq})
			return nil
		})
		if err != nil {
			return err
		}

		for _, v := range victims {
			if err := entries.Delete(makeEntryKey(v.category, v.key)); err != nil {
				return fmt.Errorf("deleting %s/%s: %w", v.category, v.key, err)
			}
			_ = bySeq.Delete(makeSeqKey(v.category, v.seq))
			deleted++
		}
		return nil
	})
	return deleted, err
}

// CleanupResult reports what a cleanup pass removed.
type CleanupResult struct {
	Expired int
	Evicted int
}

// Cleanup runs the two-phase maintenance pass for a category: first delete
// all entries past their ExpiresAt, then, if the remaining count exceeds
// cfg.MaxEntries, keep only the most recently inserted entries. Normally
// scheduled after every Put; exported so the pass is directly testable.
func (s *Store) Cleanup(ctx context.Context, category gencache.Category, cfg gencache.CategoryConfig) (*CleanupResult, error) {
	result := &CleanupResult{}
	now := s.now()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		bySeq := tx.Bucket(bucketBySeq)
		prefix := append([]byte(category), sep)

		// Phase 1: TTL
		type expired struct {
			key string
			seq uint64
		}
		var dead []expired
		remaining := 0

		cursor := entries.Cursor()
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			_, key := parseEntryKey(k)
			if !rec.ExpiresAt.IsZero() && now.After(rec.ExpiresAt) {
				dead = append(dead, expired{key: key, seq: rec.Seq})
			} else {
				remaining++
			}
		}
		for _, d := range dead {
			if err := entries.Delete(makeEntryKey(category, d.key)); err != nil {
				return fmt.Errorf("deleting expired entry: %w", err)
			}
			_ = bySeq.Delete(makeSeqKey(category, d.seq))
			result.Expired++
		}

		// Phase 2: capacity, oldest insertions first
		if cfg.MaxEntries <= 0 || remaining <= cfg.MaxEntries {
			return nil
		}
		toEvict := remaining - cfg.MaxEntries

		seqCursor := bySeq.Cursor()
		for k, v := seqCursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix) && toEvict > 0; k, v = seqCursor.Next() {
			key := string(v)
			if err := entries.Delete(makeEntryKey(category, key)); err != nil {
				return fmt.Errorf("evicting entry: %w", err)
			}
			if err := seqCursor.Delete(); err != nil {
				return fmt.Errorf("deleting seq index: %w", err)
			}
			result.Evicted++
			toEvict--
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Expired > 0 || result.Evicted > 0 {
		s.logger.Debug("transient cleanup",
			"category", category,
			"expired", result.Expired,
			"evicted", result.Evicted,
		)
		telemetry.RecordEvictions(ctx, string(category), result.Expired, result.Evicted)
	}
	return result, nil
}

// Count returns the number of physically present entries in a category,
// including entries whose TTL has passed but which have not been swept yet.
func (s *Store) Count(ctx context.Context, category gencache.Category) (int, error) {
	count := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		prefix := append([]byte(category), sep)
		cursor := tx.Bucket(bucketEntries).Cursor()
		for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Keys returns the keys present in a category in insertion order.
func (s *Store) Keys(ctx context.Context, category gencache.Category) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		prefix := append([]byte(category), sep)
		cursor := tx.Bucket(bucketBySeq).Cursor()
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			keys = append(keys, string(v))
		}
		return nil
	})
	return keys, err
}

// Categories returns the distinct categories present in the store.
func (s *Store) Categories(ctx context.Context) ([]gencache.Category, error) {
	seen := make(map[gencache.Category]struct{})
	var categories []gencache.Category
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(k, _ []byte) error {
			category, _ := parseEntryKey(k)
			if _, ok := seen[category]; !ok {
				seen[category] = struct{}{}
				categories = append(categories, category)
			}
			return nil
		})
	})
	return categories, err
}

// Key layout. Categories cannot contain the NUL separator; keys can contain
// anything, which is why the category comes first in the compound key.

const sep byte = 0x00

func makeEntryKey(category gencache.Category, key string) []byte {
	buf := make([]byte, 0, len(category)+1+len(key))
	buf = append(buf, category...)
	buf = append(buf, sep)
	buf = append(buf, key...)
	return buf
}

func parseEntryKey(compound []byte) (gencache.Category, string) {
	idx := bytes.IndexByte(compound, sep)
	if idx < 0 {
		return "", string(compound)
	}
	return gencache.Category(compound[:idx]), string(compound[idx+1:])
}

func makeSeqKey(category gencache.Category, seq uint64) []byte {
	buf := make([]byte, 0, len(category)+1+8)
	buf = append(buf, category...)
	buf = append(buf, sep)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], seq)
	return append(buf, ts[:]...)
}
