package gencache

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Key is an opaque cache key derived deterministically from a generation
// request. Identical normalized requests always yield the identical key.
//
// Keys use a cheap non-cryptographic 32-bit hash and are not collision
// resistant: a collision silently returns the wrong cached artifact. This
// is an accepted risk for a performance cache, not a correctness boundary.
type Key string

// String returns the key as a plain string.
func (k Key) String() string {
	return string(k)
}

// IsZero returns true if the key is empty.
func (k Key) IsZero() bool {
	return k == ""
}

// MarshalText implements encoding.TextMarshaler.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(text []byte) error {
	*k = Key(text)
	return nil
}

// DeriveKey derives a stable cache key from a category, prompt and optional
// request parameters. The topic of a request is deliberately excluded: the
// durable tier looks entries up by (category, prompt) only, so callers that
// need topic-scoped uniqueness must fold the topic into the prompt text.
//
// Params are canonicalized before hashing so that structurally identical
// values produce the same key regardless of literal field order. A nil
// params value hashes the prompt alone.
func DeriveKey(category Category, prompt string, params any) Key {
	var b strings.Builder
	b.WriteString(prompt)

	if params != nil {
		b.WriteByte('|')
		if norm, err := canonicalJSON(params); err == nil {
			b.Write(norm)
		} else {
			// Non-marshalable params still need a key distinct from the
			// prompt-only form and from other param values.
			fmt.Fprintf(&b, "!%#v", params)
		}
	}

	// Truncated to 32 bits: cheap and good enough for a performance cache.
	sum := uint32(xxhash.Sum64String(b.String()))
	return Key(fmt.Sprintf("%s_%08x", category, sum))
}

// canonicalJSON produces a canonical JSON encoding of v. Marshaling through
// an intermediate any value turns structs into maps, and encoding/json
// writes map keys in sorted order, which removes field-order sensitivity.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling params: %w", err)
	}

	var intermediate any
	if err := json.Unmarshal(raw, &intermediate); err != nil {
		return nil, fmt.Errorf("normalizing params: %w", err)
	}

	norm, err := json.Marshal(intermediate)
	if err != nil {
		return nil, fmt.Errorf("remarshaling params: %w", err)
	}
	return norm, nil
}
