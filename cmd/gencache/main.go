// Command gencache is an operator tool for a gencache data directory:
// inspect tier contents, purge cached generations, run transient cleanup,
// and check whether the environment can persist binary content.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	gencache "github.com/lessonforge/gencache"
	"github.com/lessonforge/gencache/blob"
	"github.com/lessonforge/gencache/durable"
	"github.com/lessonforge/gencache/probe"
	"github.com/lessonforge/gencache/transient"
)

var version = "dev"

type Globals struct {
	DataDir  string `help:"Data directory holding the cache tiers." default:"./gencache-data" env:"GENCACHE_DATA_DIR"`
	BlobURL  string `help:"Base URL blob references are served under." default:"file://blobs" env:"GENCACHE_BLOB_URL"`
	LogLevel string `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error"`

	logger *slog.Logger
}

type CLI struct {
	Globals

	Stats      StatsCmd      `cmd:"" help:"Show entry counts for the durable and transient tiers."`
	Purge      PurgeCmd      `cmd:"" help:"Remove all durable documents for a category and prompt."`
	Invalidate InvalidateCmd `cmd:"" help:"Delete transient entries whose key starts with a prefix, across all categories."`
	Cleanup    CleanupCmd    `cmd:"" help:"Run TTL expiry and capacity eviction over the transient tier."`
	Probe      ProbeCmd      `cmd:"" help:"Check whether the blob tier accepts binary writes."`

	Version kong.VersionFlag `help:"Show version and exit."`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("gencache"),
		kong.Description("Tiered generative-content cache operator tool."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	level := slog.LevelInfo
	switch cli.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	cli.Globals.logger = slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))

	ctx.FatalIfErrorf(ctx.Run(&cli.Globals))
}

func (g *Globals) durablePath() string   { return filepath.Join(g.DataDir, "durable.db") }
func (g *Globals) transientPath() string { return filepath.Join(g.DataDir, "transient.db") }
func (g *Globals) blobDir() string       { return filepath.Join(g.DataDir, "blobs") }

type StatsCmd struct{}

func (c *StatsCmd) Run(g *Globals) error {
	ctx := context.Background()

	dur, err := durable.OpenBolt(g.durablePath())
	if err != nil {
		return fmt.Errorf("opening durable store: %w", err)
	}
	defer func() { _ = dur.Close() }()

	counts, err := dur.Counts(ctx)
	if err != nil {
		return fmt.Errorf("counting durable documents: %w", err)
	}

	fmt.Println("durable:")
	printCounts(counts)

	ts, err := transient.Open(g.transientPath(), transient.WithLogger(g.logger))
	if err != nil {
		return fmt.Errorf("opening transient store: %w", err)
	}
	defer func() { _ = ts.Close() }()

	categories, err := ts.Categories(ctx)
	if err != nil {
		return fmt.Errorf("listing transient categories: %w", err)
	}

	transientCounts := make(map[gencache.Category]int, len(categories))
	for _, category := range categories {
		n, err := ts.Count(ctx, category)
		if err != nil {
			return fmt.Errorf("counting transient entries: %w", err)
		}
		transientCounts[category] = n
	}

	fmt.Println("transient:")
	printCounts(transientCounts)
	return nil
}

func printCounts(counts map[gencache.Category]int) {
	if len(counts) == 0 {
		fmt.Println("  (empty)")
		return
	}
	categories := make([]string, 0, len(counts))
	for category := range counts {
		categories = append(categories, string(category))
	}
	sort.Strings(categories)
	for _, category := range categories {
		fmt.Printf("  %-8s %d\n", category, counts[gencache.Category(category)])
	}
}

type PurgeCmd struct {
	Category string `arg:"" help:"Content category (text, quiz, audio, video)."`
	Prompt   string `arg:"" help:"Exact prompt the documents were generated for."`
}

func (c *PurgeCmd) Run(g *Globals) error {
	ctx := context.Background()

	dur, err := durable.OpenBolt(g.durablePath())
	if err != nil {
		return fmt.Errorf("opening durable store: %w", err)
	}
	defer func() { _ = dur.Close() }()

	removed, err := dur.Purge(ctx, gencache.Category(c.Category), c.Prompt)
	if err != nil {
		return fmt.Errorf("purging documents: %w", err)
	}

	g.logger.Info("purged documents", "category", c.Category, "removed", removed)
	return nil
}

type InvalidateCmd struct {
	Prefix string `arg:"" help:"Key prefix to delete, e.g. an owner ID followed by an underscore."`
}

func (c *InvalidateCmd) Run(g *Globals) error {
	ctx := context.Background()

	ts, err := transient.Open(g.transientPath(), transient.WithLogger(g.logger))
	if err != nil {
		return fmt.Errorf("opening transient store: %w", err)
	}
	defer func() { _ = ts.Close() }()

	removed, err := ts.InvalidateByPrefix(ctx, c.Prefix)
	if err != nil {
		return fmt.Errorf("invalidating by prefix: %w", err)
	}

	g.logger.Info("invalidated entries", "prefix", c.Prefix, "removed", removed)
	return nil
}

type CleanupCmd struct{}

func (c *CleanupCmd) Run(g *Globals) error {
	ctx := context.Background()

	ts, err := transient.Open(g.transientPath(), transient.WithLogger(g.logger))
	if err != nil {
		return fmt.Errorf("opening transient store: %w", err)
	}
	defer func() { _ = ts.Close() }()

	configs := gencache.DefaultConfigs()

	categories, err := ts.Categories(ctx)
	if err != nil {
		return fmt.Errorf("listing transient categories: %w", err)
	}

	for _, category := range categories {
		res, err := ts.Cleanup(ctx, category, configs[category])
		if err != nil {
			return fmt.Errorf("cleaning up %s: %w", category, err)
		}
		g.logger.Info("cleanup pass complete",
			"category", category,
			"expired", res.Expired,
			"evicted", res.Evicted,
		)
	}
	return nil
}

type ProbeCmd struct{}

func (c *ProbeCmd) Run(g *Globals) error {
	ctx := context.Background()

	fs, err := blob.NewFilesystem(g.blobDir())
	if err != nil {
		return fmt.Errorf("opening blob backend: %w", err)
	}

	result := probe.Run(ctx, fs, probe.WithLogger(g.logger))
	if result.CanPersistBinary {
		fmt.Println("binary persistence: available")
		return nil
	}
	fmt.Printf("binary persistence: unavailable (%s)\n", result.Reason)
	return nil
}
