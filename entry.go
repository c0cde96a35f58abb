package gencache

import "time"

// Category is a top-level partition of cached content by kind, for example
// narrated audio, generated video or structured text. Each category has its
// own retention configuration.
type Category string

// Categories used by the application. Callers may define their own; these
// exist so the per-category configuration table has stable keys.
const (
	CategoryText  Category = "text"
	CategoryQuiz  Category = "quiz"
	CategoryAudio Category = "audio"
	CategoryVideo Category = "video"
)

// CategoryConfig holds per-category retention settings for the transient
// tier. Each category is independently tunable: narrated audio typically
// carries a long TTL and large capacity, ephemeral progress snapshots a
// short TTL and small capacity.
type CategoryConfig struct {
	// MaxAge is the time-to-live for entries. Zero means no TTL; entries
	// are then removed only by capacity eviction.
	MaxAge time.Duration

	// MaxEntries bounds the number of entries in the category. When
	// exceeded, only the most recently inserted entries survive. Zero
	// means unbounded.
	MaxEntries int
}

// DefaultConfigs returns a baseline per-category configuration table.
func DefaultConfigs() map[Category]CategoryConfig {
	return map[Category]CategoryConfig{
		CategoryText:  {MaxAge: 24 * time.Hour, MaxEntries: 500},
		CategoryQuiz:  {MaxAge: 24 * time.Hour, MaxEntries: 500},
		CategoryAudio: {MaxAge: 30 * 24 * time.Hour, MaxEntries: 2000},
		CategoryVideo: {MaxAge: 30 * 24 * time.Hour, MaxEntries: 200},
	}
}

// BlobReference is a durable pointer into the blob store. Its lifecycle is
// independent of the document that references it: deleting the document
// does not cascade to the blob.
type BlobReference struct {
	Key      string `json:"key"`
	URL      string `json:"url"`
	MIMEType string `json:"mime_type,omitempty"`
}

// Entry is a cached artifact record. Entries are created on cache miss or
// on tier promotion and are never mutated in place beyond the view counter;
// content updates are always replace-by-key.
type Entry struct {
	Key       Key            `json:"key"`
	Category  Category       `json:"category"`
	Topic     string         `json:"topic,omitempty"`
	Prompt    string         `json:"prompt"`
	Content   string         `json:"content,omitempty"`
	Blob      *BlobReference `json:"blob,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at,omitzero"`
	Views     int64          `json:"views"`
	CreatorID string         `json:"creator_id,omitempty"`
}

// Expired reports whether the entry's TTL has passed at the given time.
// An entry with no ExpiresAt never expires. An expired entry is logically
// absent even while physically present, until lazily deleted on read.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}
