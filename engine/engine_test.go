package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	gencache "github.com/lessonforge/gencache"
	"github.com/lessonforge/gencache/blob"
	"github.com/lessonforge/gencache/durable"
	"github.com/lessonforge/gencache/probe"
	"github.com/lessonforge/gencache/transient"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	engine  *Engine
	durable *durable.Bolt
	blobs   *blob.Store
	blobFS  *blob.Filesystem
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()

	dur, err := durable.OpenBolt(filepath.Join(t.TempDir(), "durable.db"), durable.WithNoSync(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = dur.Close() })

	fs, err := blob.NewFilesystem(filepath.Join(t.TempDir(), "blobs"))
	require.NoError(t, err)
	blobs := blob.NewStore(fs, "https://cdn.example.com/artifacts")

	cfg := Config{
		Durable:    dur,
		Blobs:      blobs,
		Capability: probe.Capability{CanPersistBinary: true},
	}
	for _, m := range mutate {
		m(&cfg)
	}

	e, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	return &fixture{engine: e, durable: dur, blobs: blobs, blobFS: fs}
}

// countingGenerator returns a different value on each invocation, so tests
// can detect unwanted regeneration.
func countingGenerator(calls *int) GeneratorFunc {
	return func(ctx context.Context) (*Generated, error) {
		*calls++
		return &Generated{Text: fmt.Sprintf("generated #%d", *calls)}, nil
	}
}

func TestGetOrGenerateIdempotentRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := Request{Category: gencache.CategoryText, Topic: "biology", Prompt: "explain photosynthesis"}

	calls := 0
	gen := countingGenerator(&calls)

	first, err := f.engine.GetOrGenerate(ctx, req, gen)
	require.NoError(t, err)
	require.Equal(t, StatusPersisted, first.Status)
	require.Equal(t, "generated #1", first.Content)

	second, err := f.engine.GetOrGenerate(ctx, req, gen)
	require.NoError(t, err)
	require.Equal(t, StatusHit, second.Status)
	require.Equal(t, first.Content, second.Content)

	// The generator ran exactly once.
	require.Equal(t, 1, calls)
}

func TestGetOrGenerateHitIncrementsViews(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := Request{Category: gencache.CategoryText, Prompt: "explain tides"}

	calls := 0
	_, err := f.engine.GetOrGenerate(ctx, req, countingGenerator(&calls))
	require.NoError(t, err)

	_, err = f.engine.GetOrGenerate(ctx, req, countingGenerator(&calls))
	require.NoError(t, err)

	// Close waits for the supervised increment task.
	require.NoError(t, f.engine.Close())

	doc, err := f.durable.FindFirst(ctx, gencache.CategoryText, "explain tides")
	require.NoError(t, err)
	require.Equal(t, int64(1), doc.Views)
}

func TestGenerationErrorPropagated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cause := errors.New("model unavailable")
	_, err := f.engine.GetOrGenerate(ctx, Request{Category: gencache.CategoryText, Prompt: "p"},
		func(ctx context.Context) (*Generated, error) {
			return nil, cause
		})

	var genErr *gencache.GenerationError
	require.ErrorAs(t, err, &genErr)
	require.ErrorIs(t, err, cause)

	// Nothing was cached.
	_, err = f.durable.FindFirst(ctx, gencache.CategoryText, "p")
	require.ErrorIs(t, err, gencache.ErrNotFound)
}

// failingStore fails lookups; inserts and increments must not be reached.
type failingStore struct {
	durable.DocumentStore
}

func (failingStore) FindFirst(ctx context.Context, category gencache.Category, prompt string) (*durable.Document, error) {
	return nil, errors.New("store outage")
}

func (failingStore) Close() error { return nil }

func TestLookupFailureNeverTreatedAsMiss(t *testing.T) {
	e, err := New(Config{Durable: failingStore{}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	calls := 0
	_, err = e.GetOrGenerate(context.Background(),
		Request{Category: gencache.CategoryText, Prompt: "p"},
		countingGenerator(&calls))
	require.Error(t, err)
	require.NotErrorIs(t, err, gencache.ErrNotFound)

	// The expensive generator must not run behind an outage.
	require.Zero(t, calls)
}

func TestMediaPersistedToBlobTier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := Request{
		Category: gencache.CategoryAudio,
		Prompt:   "narrate chapter one",
		Media:    &MediaOptions{MIMEType: "audio/mpeg"},
	}

	payload := []byte("mp3 payload")
	out, err := f.engine.GetOrGenerate(ctx, req, func(ctx context.Context) (*Generated, error) {
		return &Generated{Bytes: payload}, nil
	})
	require.NoError(t, err)
	require.Equal(t, StatusPersisted, out.Status)
	require.Contains(t, out.BlobURL, "audio/"+out.Key.String()+".mp3")

	// The blob landed and the durable doc references it.
	stored, err := f.blobs.Get(ctx, fmt.Sprintf("audio/%s.mp3", out.Key))
	require.NoError(t, err)
	require.Equal(t, payload, stored)

	doc, err := f.durable.FindFirst(ctx, gencache.CategoryAudio, "narrate chapter one")
	require.NoError(t, err)
	require.NotNil(t, doc.Blob)
	require.Equal(t, out.BlobURL, doc.Blob.URL)

	// A second call is a hit returning the same URL without regenerating.
	calls := 0
	again, err := f.engine.GetOrGenerate(ctx, req, countingGenerator(&calls))
	require.NoError(t, err)
	require.Equal(t, StatusHit, again.Status)
	require.Equal(t, out.BlobURL, again.BlobURL)
	require.Zero(t, calls)
}

func TestMediaFromRemoteURL(t *testing.T) {
	payload := []byte("generated video bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	t.Cleanup(srv.Close)

	f := newFixture(t)
	ctx := context.Background()

	out, err := f.engine.GetOrGenerate(ctx, Request{
		Category: gencache.CategoryVideo,
		Prompt:   "intro clip",
		Media:    &MediaOptions{MIMEType: "video/mp4"},
	}, func(ctx context.Context) (*Generated, error) {
		return &Generated{RemoteURL: srv.URL + "/clip.mp4"}, nil
	})
	require.NoError(t, err)
	require.Equal(t, StatusPersisted, out.Status)

	stored, err := f.blobs.Get(ctx, fmt.Sprintf("video/%s.mp4", out.Key))
	require.NoError(t, err)
	require.Equal(t, payload, stored)
}

func TestMediaFromBase64Text(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payload := []byte{0xff, 0xd8, 0xff, 0xe0, 0x01, 0x02}
	out, err := f.engine.GetOrGenerate(ctx, Request{
		Category: gencache.CategoryAudio,
		Prompt:   "short jingle",
		Media:    &MediaOptions{MIMEType: "audio/wav"},
	}, func(ctx context.Context) (*Generated, error) {
		return &Generated{Text: base64.StdEncoding.EncodeToString(payload)}, nil
	})
	require.NoError(t, err)
	require.Equal(t, StatusPersisted, out.Status)

	stored, err := f.blobs.Get(ctx, fmt.Sprintf("audio/%s.wav", out.Key))
	require.NoError(t, err)
	require.Equal(t, payload, stored)
}

func TestDegradationPath(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Capability = probe.Capability{CanPersistBinary: false, Reason: "blob tier unreachable"}
	})
	ctx := context.Background()
	req := Request{
		Category: gencache.CategoryAudio,
		Prompt:   "narrate chapter three",
		Media:    &MediaOptions{MIMEType: "audio/mpeg"},
	}

	payload := []byte("raw audio")
	calls := 0
	gen := func(ctx context.Context) (*Generated, error) {
		calls++
		return &Generated{Bytes: payload}, nil
	}

	// Returns the raw payload without error.
	out, err := f.engine.GetOrGenerate(ctx, req, gen)
	require.NoError(t, err)
	require.Equal(t, StatusDegraded, out.Status)
	require.Equal(t, payload, out.Bytes)

	// Nothing was persisted to either tier.
	_, err = f.durable.FindFirst(ctx, gencache.CategoryAudio, "narrate chapter three")
	require.ErrorIs(t, err, gencache.ErrNotFound)
	paths, err := f.blobFS.List(ctx, "audio")
	require.NoError(t, err)
	require.Empty(t, paths)

	// Every subsequent identical request regenerates.
	_, err = f.engine.GetOrGenerate(ctx, req, gen)
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestMediaNotBinaryCapableFallsBackToText(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// "not base64!" cannot decode, has no bytes and no URL: stored as text.
	out, err := f.engine.GetOrGenerate(ctx, Request{
		Category: gencache.CategoryAudio,
		Prompt:   "transcript only",
		Media:    &MediaOptions{MIMEType: "audio/mpeg"},
	}, func(ctx context.Context) (*Generated, error) {
		return &Generated{Text: "plain transcript, not base64!"}, nil
	})
	require.NoError(t, err)
	require.Equal(t, StatusPersisted, out.Status)
	require.Equal(t, "plain transcript, not base64!", out.Content)
	require.Empty(t, out.BlobURL)
}

func TestRemoteFetchFailureIsPersistenceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	f := newFixture(t)

	_, err := f.engine.GetOrGenerate(context.Background(), Request{
		Category: gencache.CategoryVideo,
		Prompt:   "blocked clip",
		Media:    &MediaOptions{MIMEType: "video/mp4"},
	}, func(ctx context.Context) (*Generated, error) {
		return &Generated{RemoteURL: srv.URL + "/clip.mp4"}, nil
	})

	var persErr *gencache.PersistenceError
	require.ErrorAs(t, err, &persErr)
	require.Equal(t, "blob", persErr.Op)

	// The generated artifact was discarded: next call regenerates.
	_, err = f.durable.FindFirst(context.Background(), gencache.CategoryVideo, "blocked clip")
	require.ErrorIs(t, err, gencache.ErrNotFound)
}

func TestGetOrGenerateCachedUsesAccelerator(t *testing.T) {
	ts, err := transient.Open(filepath.Join(t.TempDir(), "transient.db"),
		transient.WithNoSync(true),
		transient.WithScheduler(func(task func()) { task() }),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ts.Close() })

	f := newFixture(t, func(cfg *Config) {
		cfg.Transient = ts
	})
	ctx := context.Background()
	req := Request{Category: gencache.CategoryQuiz, Prompt: "quiz on tides"}

	calls := 0
	gen := countingGenerator(&calls)

	first, err := f.engine.GetOrGenerateCached(ctx, req, gen)
	require.NoError(t, err)
	require.Equal(t, StatusPersisted, first.Status)
	require.Equal(t, 1, calls)

	// Second call is served from the accelerator without touching the
	// durable tier: purge it to prove the answer comes from transient.
	_, err = f.durable.Purge(ctx, gencache.CategoryQuiz, "quiz on tides")
	require.NoError(t, err)

	second, err := f.engine.GetOrGenerateCached(ctx, req, gen)
	require.NoError(t, err)
	require.Equal(t, StatusHit, second.Status)
	require.Equal(t, first.Content, second.Content)
	require.Equal(t, 1, calls)
}

func TestNewRequiresDurable(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestRemoteFetchOversizedBodyIsPersistenceError(t *testing.T) {
	payload := make([]byte, 64)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	t.Cleanup(srv.Close)

	f := newFixture(t)
	f.engine.maxFetch = 16

	_, err := f.engine.GetOrGenerate(context.Background(), Request{
		Category: gencache.CategoryVideo,
		Prompt:   "oversized clip",
		Media:    &MediaOptions{MIMEType: "video/mp4"},
	}, func(ctx context.Context) (*Generated, error) {
		return &Generated{RemoteURL: srv.URL + "/clip.mp4"}, nil
	})

	// An oversized body must surface as an error, never be truncated and
	// cached.
	var persErr *gencache.PersistenceError
	require.ErrorAs(t, err, &persErr)
	require.ErrorContains(t, err, "byte limit")

	_, err = f.durable.FindFirst(context.Background(), gencache.CategoryVideo, "oversized clip")
	require.ErrorIs(t, err, gencache.ErrNotFound)
	paths, err := f.blobFS.List(context.Background(), "video")
	require.NoError(t, err)
	require.Empty(t, paths)
}

func TestNewWiresTransientCleanupThroughSupervisor(t *testing.T) {
	// No explicit scheduler: New must route cleanup through the supervisor,
	// so Close draining its tasks makes eviction deterministic.
	ts, err := transient.Open(filepath.Join(t.TempDir(), "transient.db"),
		transient.WithNoSync(true),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ts.Close() })

	f := newFixture(t, func(cfg *Config) {
		cfg.Transient = ts
		cfg.Configs = map[gencache.Category]gencache.CategoryConfig{
			gencache.CategoryQuiz: {MaxEntries: 1},
		}
	})
	ctx := context.Background()

	for _, prompt := range []string{"quiz one", "quiz two"} {
		_, err := f.engine.GetOrGenerateCached(ctx, Request{Category: gencache.CategoryQuiz, Prompt: prompt},
			func(ctx context.Context) (*Generated, error) {
				return &Generated{Text: "q"}, nil
			})
		require.NoError(t, err)
	}

	require.NoError(t, f.engine.Close())

	n, err := ts.Count(ctx, gencache.CategoryQuiz)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
