package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path"
	"strings"

	gencache "github.com/lessonforge/gencache"
	"github.com/zeebo/blake3"
)

// Store is the blob tier: it maps caller-chosen paths to byte payloads and
// resolves each stored object to a stable retrieval URL. The URL remains
// valid while the object exists.
type Store struct {
	backend Backend
	baseURL string
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates a blob store on top of the given backend. baseURL is
// the prefix under which stored objects are served, e.g.
// "https://cdn.example.com/artifacts" or "file:///var/cache/gencache/blobs".
func NewStore(b Backend, baseURL string, opts ...Option) *Store {
	s := &Store{
		backend: b,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put stores data at the given path and returns its retrieval URL.
func (s *Store) Put(ctx context.Context, p string, data []byte) (string, error) {
	if err := s.backend.Write(ctx, p, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("writing blob %s: %w", p, err)
	}

	s.logger.Debug("stored blob", "path", p, "size", len(data))
	return s.urlFor(p), nil
}

// URL returns the retrieval URL for the object at the given path.
// Returns gencache.ErrNotFound if the object does not exist.
func (s *Store) URL(ctx context.Context, p string) (string, error) {
	exists, err := s.backend.Exists(ctx, p)
	if err != nil {
		return "", fmt.Errorf("checking blob %s: %w", p, err)
	}
	if !exists {
		return "", gencache.ErrNotFound
	}
	return s.urlFor(p), nil
}

// Get retrieves the object at the given path.
func (s *Store) Get(ctx context.Context, p string) ([]byte, error) {
	rc, err := s.backend.Read(ctx, p)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading blob %s: %w", p, err)
	}
	return data, nil
}

// Delete removes the object at the given path. Idempotent.
func (s *Store) Delete(ctx context.Context, p string) error {
	return s.backend.Delete(ctx, p)
}

// List returns all object paths under the given prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	return s.backend.List(ctx, prefix)
}

// Backend returns the underlying backend, used by the capability probe.
func (s *Store) Backend() Backend {
	return s.backend
}

func (s *Store) urlFor(p string) string {
	return s.baseURL + "/" + strings.TrimLeft(p, "/")
}

// DigestPath derives a content-addressed path for a payload:
// {category}/{blake3-hex}{ext}. Callers that prefer key-derived paths can
// build "category/key.ext" themselves; this helper exists for payloads
// where deduplication by content matters more than key addressing.
func DigestPath(category gencache.Category, data []byte, ext string) string {
	sum := blake3.Sum256(data)
	name := fmt.Sprintf("%x", sum[:])
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return path.Join(string(category), name+ext)
}

// ExtForMIME returns a file extension for common generated-media MIME
// types, falling back to the platform MIME registry.
func ExtForMIME(mimeType string) string {
	switch mimeType {
	case "audio/mpeg":
		return ".mp3"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	case "video/mp4":
		return ".mp4"
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	}
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
