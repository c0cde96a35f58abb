// Package engine composes the cache tiers into the getOrGenerate operation:
// durable lookup, single generation on miss, tier-aware persistence, and
// graceful degradation when the binary tier is unusable in the current
// environment.
package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	gencache "github.com/lessonforge/gencache"
	"github.com/lessonforge/gencache/blob"
	"github.com/lessonforge/gencache/durable"
	"github.com/lessonforge/gencache/probe"
	"github.com/lessonforge/gencache/telemetry"
	"github.com/lessonforge/gencache/transient"
)

// maxRemoteFetchBytes caps how much is read when materializing a generated
// artifact from a remote URL. A result over the cap is a persistence
// failure, never a silent truncation.
const maxRemoteFetchBytes = 256 << 20 // 256 MiB

// Generated is the raw result of a generator invocation. Exactly one of
// the fields is normally set: Text for textual content (which may be
// base64-encoded media), Bytes for raw binary content, RemoteURL for
// content the generator left at a fetchable location.
type Generated struct {
	Text      string
	Bytes     []byte
	RemoteURL string
}

// GeneratorFunc produces fresh content on a cache miss. Any error is a
// hard failure; no retries happen at this layer.
type GeneratorFunc func(ctx context.Context) (*Generated, error)

// MediaOptions indicates the generated content is binary media that
// belongs in the blob tier.
type MediaOptions struct {
	// MIMEType of the generated payload, e.g. "audio/mpeg".
	MIMEType string
}

// Status describes how a request was satisfied.
type Status int

const (
	// StatusHit means the durable tier already held the artifact.
	StatusHit Status = iota

	// StatusPersisted means the artifact was generated and persisted.
	StatusPersisted

	// StatusDegraded means the artifact was generated but persistence was
	// skipped because the environment cannot reach the binary tier. The
	// result is usable immediately but not cached: every subsequent
	// identical request regenerates until the environment allows
	// persistence.
	StatusDegraded
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusHit:
		return "hit"
	case StatusPersisted:
		return "persisted"
	case StatusDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Outcome is the result of a GetOrGenerate call. For media requests the
// artifact is normally addressed by BlobURL; Content carries textual
// artifacts, and Bytes is only set on the degraded path when raw binary
// content is returned uncached.
type Outcome struct {
	Status  Status
	Key     gencache.Key
	Content string
	BlobURL string
	Bytes   []byte
}

// Request describes one logical generation request.
type Request struct {
	Category  gencache.Category
	Topic     string
	Prompt    string
	Params    any
	CreatorID string

	// Media, when set, marks the result as binary content destined for
	// the blob tier.
	Media *MediaOptions
}

// Config configures an Engine. The composition root constructs the stores,
// passes them here, and owns their lifecycle; Engine.Close only stops the
// engine's own background work.
type Config struct {
	// Durable is the shared system-of-record tier. Required.
	Durable durable.DocumentStore

	// Blobs is the binary payload tier. Required for media requests.
	Blobs *blob.Store

	// Transient, when set, is used by GetOrGenerateCached as a per-device
	// accelerator in front of the durable tier. New routes its post-put
	// cleanup through the engine's supervisor unless a scheduler was
	// supplied at Open time.
	Transient *transient.Store

	// Capability is the startup persistence probe result; it drives the
	// degradation policy for media requests.
	Capability probe.Capability

	// Configs is the per-category retention table for the transient tier.
	// Defaults to gencache.DefaultConfigs().
	Configs map[gencache.Category]gencache.CategoryConfig

	// HTTPClient fetches remote generator results. Defaults to a client
	// with a 60s timeout.
	HTTPClient *http.Client

	// Logger for engine events.
	Logger *slog.Logger

	// Now is the time function, injectable for tests.
	Now func() time.Time
}

// Engine coordinates the cache tiers. Construct one per process with New
// and release it with Close; consumers receive the instance explicitly
// rather than through a package-level singleton.
type Engine struct {
	durable    durable.DocumentStore
	blobs      *blob.Store
	transient  *transient.Store
	capability probe.Capability
	configs    map[gencache.Category]gencache.CategoryConfig
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
	maxFetch   int64
	sup        *Supervisor
}

// New creates an Engine from the given configuration.
func New(cfg Config) (*Engine, error) {
	if cfg.Durable == nil {
		return nil, errors.New("engine: durable store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.Configs == nil {
		cfg.Configs = gencache.DefaultConfigs()
	}

	e := &Engine{
		durable:    cfg.Durable,
		blobs:      cfg.Blobs,
		transient:  cfg.Transient,
		capability: cfg.Capability,
		configs:    cfg.Configs,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger,
		now:        cfg.Now,
		maxFetch:   maxRemoteFetchBytes,
		sup:        NewSupervisor(WithSupervisorLogger(cfg.Logger)),
	}

	// Route the transient store's post-put cleanup through the supervisor
	// unless the composition root installed its own scheduler.
	if e.transient != nil {
		e.transient.SetScheduler(e.sup.Scheduler("transient-cleanup"))
	}

	return e, nil
}

// Close stops the engine's background work and waits for in-flight tasks.
// The stores passed in Config belong to the composition root and are not
// closed here.
func (e *Engine) Close() error {
	e.sup.Close()
	return nil
}

// Supervisor returns the engine's task supervisor, for wiring into
// transient.WithScheduler at composition time.
func (e *Engine) Supervisor() *Supervisor {
	return e.sup
}

// GetOrGenerate returns the cached artifact for the request, or invokes
// the generator exactly once and persists the result.
//
// No cross-request locking exists: two concurrent calls for the same key
// can both miss, both generate, and both insert. Generations for the same
// request are assumed semantically interchangeable, so this duplicates
// cost, not correctness.
//
// A lookup failure is propagated, never treated as a miss, so an outage is
// not masked behind expensive duplicate generation. A persistence failure
// outside the degradation policy surfaces as a PersistenceError and the
// freshly generated artifact is discarded.
func (e *Engine) GetOrGenerate(ctx context.Context, req Request, generate GeneratorFunc) (*Outcome, error) {
	key := gencache.DeriveKey(req.Category, req.Prompt, req.Params)

	doc, err := e.durable.FindFirst(ctx, req.Category, req.Prompt)
	if err != nil && !errors.Is(err, gencache.ErrNotFound) {
		return nil, fmt.Errorf("durable lookup for %s: %w", key, err)
	}

	if err == nil {
		telemetry.RecordLookup(ctx, string(req.Category), true)
		e.scheduleViewIncrement(req.Category, doc.ID)
		return hitOutcome(key, doc, req.Media != nil), nil
	}

	telemetry.RecordLookup(ctx, string(req.Category), false)

	start := e.now()
	gen, err := generate(ctx)
	if err != nil {
		telemetry.RecordGeneration(ctx, string(req.Category), "failed", e.now().Sub(start))
		return nil, &gencache.GenerationError{Category: req.Category, Key: key, Err: err}
	}
	duration := e.now().Sub(start)

	if req.Media != nil {
		outcome, err := e.persistMedia(ctx, key, req, gen)
		if outcome != nil || err != nil {
			telemetry.RecordGeneration(ctx, string(req.Category), outcomeLabel(outcome, err), duration)
			return outcome, err
		}
		// Result was not binary-capable; fall through and persist the
		// textual content.
	}

	outcome, err := e.persistText(ctx, key, req, gen)
	telemetry.RecordGeneration(ctx, string(req.Category), outcomeLabel(outcome, err), duration)
	return outcome, err
}

// GetOrGenerateCached fronts GetOrGenerate with the transient tier when
// one is configured: a per-device accelerator holding recently returned
// outcomes. Misses fall through to the orchestrator and successful
// non-degraded outcomes are written back.
func (e *Engine) GetOrGenerateCached(ctx context.Context, req Request, generate GeneratorFunc) (*Outcome, error) {
	if e.transient == nil {
		return e.GetOrGenerate(ctx, req, generate)
	}

	key := gencache.DeriveKey(req.Category, req.Prompt, req.Params)

	if data, err := e.transient.Get(ctx, req.Category, key.String()); err == nil {
		var cached Outcome
		if err := json.Unmarshal(data, &cached); err == nil {
			cached.Status = StatusHit
			cached.Key = key
			return &cached, nil
		}
		// Unreadable accelerator entry: drop it and regenerate.
		_ = e.transient.Delete(ctx, req.Category, key.String())
	}

	outcome, err := e.GetOrGenerate(ctx, req, generate)
	if err != nil {
		return nil, err
	}

	if outcome.Status != StatusDegraded {
		if data, err := json.Marshal(outcome); err == nil {
			cfg := e.configs[req.Category]
			if err := e.transient.Put(ctx, req.Category, key.String(), data, cfg); err != nil {
				e.logger.Warn("accelerator write failed", "key", key, "error", err)
			}
		}
	}
	return outcome, nil
}

// persistMedia materializes the generated artifact as bytes and stores it
// in the blob tier, then records the reference durably. Returns (nil, nil)
// when the result is not binary-capable.
func (e *Engine) persistMedia(ctx context.Context, key gencache.Key, req Request, gen *Generated) (*Outcome, error) {
	if !binaryCapable(gen) {
		return nil, nil
	}

	// Degradation policy: the startup probe found the binary tier
	// unreachable in this environment. Serve the raw artifact directly;
	// it is usable immediately but not cached.
	if !e.capability.CanPersistBinary {
		e.logger.Warn("binary persistence unavailable, serving uncached",
			"key", key,
			"category", req.Category,
			"reason", e.capability.Reason,
		)
		telemetry.RecordDegraded(ctx, string(req.Category))
		return &Outcome{
			Status:  StatusDegraded,
			Key:     key,
			Content: gen.Text,
			Bytes:   gen.Bytes,
			BlobURL: gen.RemoteURL,
		}, nil
	}

	if e.blobs == nil {
		return nil, &gencache.PersistenceError{Op: "blob", Key: key, Err: errors.New("no blob store configured")}
	}

	data, err := e.materialize(ctx, gen)
	if err != nil {
		return nil, &gencache.PersistenceError{Op: "blob", Key: key, Err: err}
	}

	path := fmt.Sprintf("%s/%s%s", req.Category, key, blob.ExtForMIME(req.Media.MIMEType))
	url, err := e.blobs.Put(ctx, path, data)
	if err != nil {
		return nil, &gencache.PersistenceError{Op: "blob", Key: key, Err: err}
	}
	telemetry.RecordBlobWrite(ctx, string(req.Category), int64(len(data)))

	doc := &durable.Document{
		Key:       key,
		Category:  req.Category,
		Topic:     req.Topic,
		Prompt:    req.Prompt,
		CreatedAt: e.now(),
		CreatorID: req.CreatorID,
		Blob: &gencache.BlobReference{
			Key:      key.String(),
			URL:      url,
			MIMEType: req.Media.MIMEType,
		},
	}
	if err := e.durable.Insert(ctx, doc); err != nil {
		return nil, &gencache.PersistenceError{Op: "durable", Key: key, Err: err}
	}

	return &Outcome{Status: StatusPersisted, Key: key, BlobURL: url}, nil
}

func (e *Engine) persistText(ctx context.Context, key gencache.Key, req Request, gen *Generated) (*Outcome, error) {
	doc := &durable.Document{
		Key:       key,
		Category:  req.Category,
		Topic:     req.Topic,
		Prompt:    req.Prompt,
		Content:   gen.Text,
		CreatedAt: e.now(),
		CreatorID: req.CreatorID,
	}
	if err := e.durable.Insert(ctx, doc); err != nil {
		return nil, &gencache.PersistenceError{Op: "durable", Key: key, Err: err}
	}
	return &Outcome{Status: StatusPersisted, Key: key, Content: gen.Text}, nil
}

// materialize turns a binary-capable generation result into bytes.
func (e *Engine) materialize(ctx context.Context, gen *Generated) ([]byte, error) {
	switch {
	case gen.Bytes != nil:
		return gen.Bytes, nil
	case gen.RemoteURL != "":
		return e.fetchRemote(ctx, gen.RemoteURL)
	default:
		data, err := base64.StdEncoding.DecodeString(gen.Text)
		if err != nil {
			return nil, fmt.Errorf("decoding generated payload: %w", err)
		}
		return data, nil
	}
}

func (e *Engine) fetchRemote(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building fetch request: %w", err)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching generated content: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching generated content: unexpected status %d", resp.StatusCode)
	}

	// Read one byte past the cap so an oversized body is detectable
	// instead of silently truncated.
	data, err := io.ReadAll(io.LimitReader(resp.Body, e.maxFetch+1))
	if err != nil {
		return nil, fmt.Errorf("reading generated content: %w", err)
	}
	if int64(len(data)) > e.maxFetch {
		return nil, fmt.Errorf("generated content exceeds %d byte limit", e.maxFetch)
	}
	if resp.ContentLength >= 0 && int64(len(data)) != resp.ContentLength {
		return nil, fmt.Errorf("content-length mismatch: got %d bytes, expected %d", len(data), resp.ContentLength)
	}
	return data, nil
}

// scheduleViewIncrement bumps the view counter as a supervised background
// task so the read path never blocks on it.
func (e *Engine) scheduleViewIncrement(category gencache.Category, id string) {
	e.sup.Schedule("increment-views", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.durable.IncrementViews(ctx, id); err != nil {
			return fmt.Errorf("incrementing views for %s: %w", id, err)
		}
		telemetry.RecordViewIncrement(ctx, string(category))
		return nil
	})
}

// binaryCapable reports whether the generation result can be materialized
// as bytes: raw bytes, a fetchable remote URL, or base64-decodable text.
func binaryCapable(gen *Generated) bool {
	if gen.Bytes != nil || gen.RemoteURL != "" {
		return true
	}
	if gen.Text == "" {
		return false
	}
	_, err := base64.StdEncoding.DecodeString(gen.Text)
	return err == nil
}

func hitOutcome(key gencache.Key, doc *durable.Document, wantMedia bool) *Outcome {
	out := &Outcome{Status: StatusHit, Key: key}
	if wantMedia && doc.Blob != nil {
		out.BlobURL = doc.Blob.URL
		return out
	}
	out.Content = doc.Content
	if doc.Blob != nil {
		out.BlobURL = doc.Blob.URL
	}
	return out
}

func outcomeLabel(outcome *Outcome, err error) string {
	switch {
	case err != nil:
		return "failed"
	case outcome != nil && outcome.Status == StatusDegraded:
		return "degraded"
	default:
		return "persisted"
	}
}
