// Package probe determines at startup whether the binary persistence tier
// is usable in the current environment. The result is passed to the engine
// through configuration, so the degradation policy never needs to classify
// failures by inspecting error text.
package probe

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lessonforge/gencache/blob"
)

// Capability is the outcome of a persistence probe.
type Capability struct {
	// CanPersistBinary reports whether blob writes are expected to succeed.
	// When false, the engine skips binary persistence and serves generated
	// media directly (the degradation policy).
	CanPersistBinary bool

	// Reason describes why persistence is unavailable. Empty on success.
	Reason string

	// CheckedAt is when the probe ran.
	CheckedAt time.Time
}

// Option configures a probe run.
type Option func(*runner)

// WithLogger sets the logger for the probe.
func WithLogger(logger *slog.Logger) Option {
	return func(r *runner) {
		r.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(r *runner) {
		r.now = now
	}
}

type runner struct {
	logger *slog.Logger
	now    func() time.Time
}

// Run performs a small write/read/delete round trip against the blob
// backend and reports whether binary persistence works. Run never returns
// an error: an unusable backend is a result, not a failure.
func Run(ctx context.Context, backend blob.Backend, opts ...Option) Capability {
	r := &runner{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	cap := Capability{CheckedAt: r.now()}
	path := "probe/" + uuid.NewString()
	payload := []byte("gencache-capability-probe")

	if err := backend.Write(ctx, path, bytes.NewReader(payload)); err != nil {
		cap.Reason = "write failed: " + err.Error()
		r.logger.Warn("persistence probe failed", "stage", "write", "error", err)
		return cap
	}

	rc, err := backend.Read(ctx, path)
	if err != nil {
		cap.Reason = "read-back failed: " + err.Error()
		r.logger.Warn("persistence probe failed", "stage", "read", "error", err)
		_ = backend.Delete(ctx, path)
		return cap
	}
	got, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil || !bytes.Equal(got, payload) {
		cap.Reason = "read-back mismatch"
		r.logger.Warn("persistence probe failed", "stage", "verify", "error", err)
		_ = backend.Delete(ctx, path)
		return cap
	}

	if err := backend.Delete(ctx, path); err != nil {
		r.logger.Warn("persistence probe cleanup failed", "error", err)
	}

	cap.CanPersistBinary = true
	r.logger.Debug("persistence probe succeeded", "checked_at", cap.CheckedAt)
	return cap
}
