// Command bookforge runs the metadata enrichment service: the HTTP API, the
// queue consumers and the periodic triggers, all in one process.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/bookforge/bookforge/internal/analytics"
	"github.com/bookforge/bookforge/internal/api"
	"github.com/bookforge/bookforge/internal/cache"
	"github.com/bookforge/bookforge/internal/covers"
	"github.com/bookforge/bookforge/internal/logging"
	"github.com/bookforge/bookforge/internal/orchestrate"
	"github.com/bookforge/bookforge/internal/persist"
	"github.com/bookforge/bookforge/internal/provider"
	"github.com/bookforge/bookforge/internal/providers"
	"github.com/bookforge/bookforge/internal/queue"
	"github.com/bookforge/bookforge/internal/quota"
	"github.com/bookforge/bookforge/internal/sched"
)

type globals struct {
	LogLevel string `default:"info" env:"LOG_LEVEL" help:"Minimum log level."`
	Verbose  bool   `short:"v" help:"Log debug output."`
}

var cli struct {
	globals

	Serve   serveCmd   `cmd:"" default:"1" help:"Run the API, consumers and schedulers."`
	Migrate migrateCmd `cmd:"" help:"Apply the database schema and exit."`
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("bookforge"),
		kong.Description("Book metadata enrichment service."),
		kong.UsageOnError(),
	)
	logging.Init(cli.LogLevel, cli.Verbose)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	kctx.BindTo(ctx, (*context.Context)(nil))

	if err := kctx.Run(); err != nil {
		logging.Log(ctx).Error("fatal", "err", err)
		os.Exit(1)
	}
}

type serveCmd struct {
	Port        int    `default:"8788" env:"PORT" help:"HTTP listen port."`
	PostgresDSN string `name:"postgres" default:"postgres://postgres@localhost:5432/bookforge" env:"DATABASE_URL" help:"Postgres connection string."`
	RedisAddr   string `default:"localhost:6379" env:"REDIS_ADDR" help:"Redis address for queues, quota and cursors."`

	PagedexHost    string `default:"https://api.pagedex.example" env:"PAGEDEX_HOST"`
	PagedexKey     string `env:"PAGEDEX_API_KEY" help:"Paid metadata provider key. Empty disables the paid tier."`
	QuotaHardLimit int64  `default:"15000" env:"QUOTA_HARD_LIMIT" help:"Paid provider daily request ceiling."`
	QuotaBuffer    int64  `default:"2000" env:"QUOTA_BUFFER" help:"Reserve held back under the ceiling."`

	OpenLibHost    string `default:"https://openlibrary.org" env:"OPENLIBRARY_HOST"`
	BookBrainzHost string `default:"https://api.bookbrainz.org" env:"BOOKBRAINZ_HOST"`
	WikidataHost   string `default:"https://query.wikidata.org" env:"WIKIDATA_HOST"`
	ArchiveHost    string `default:"https://archive.org" env:"ARCHIVE_HOST"`

	GeminiHost  string `default:"https://generativelanguage.googleapis.com" env:"GEMINI_HOST"`
	GeminiKey   string `env:"GEMINI_API_KEY"`
	GeminiModel string `default:"gemini-2.0-flash" env:"GEMINI_MODEL"`
	XAIHost     string `default:"https://api.x.ai" env:"XAI_HOST"`
	XAIKey      string `env:"XAI_API_KEY"`
	XAIModel    string `default:"grok-2-latest" env:"XAI_MODEL"`
	ClaudeKey   string `env:"ANTHROPIC_API_KEY"`
	ClaudeModel string `default:"claude-3-5-haiku-latest" env:"CLAUDE_MODEL"`

	CoverBucket  string   `env:"COVER_BUCKET" help:"S3 bucket for processed covers. Empty keeps covers in memory."`
	CoverBaseURL string   `env:"COVER_BASE_URL" help:"Public URL prefix for the cover bucket."`
	CoverHosts   []string `default:"covers.openlibrary.org,archive.org" env:"COVER_HOSTS" help:"Hosts covers may be downloaded from."`

	HarvestAuthors []string      `env:"HARVEST_AUTHORS" help:"Authors whose bibliographies are refreshed on rotation."`
	HarvestEvery   time.Duration `default:"1h" env:"HARVEST_EVERY"`
	ReleasesEvery  time.Duration `default:"24h" env:"RELEASES_EVERY"`
}

func (c *serveCmd) Run(ctx context.Context) error {
	log := logging.Log(ctx)

	pool, err := pgxpool.New(ctx, c.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{Addr: c.RedisAddr})
	defer rdb.Close()

	coord := quota.NewCoordinator(rdb, "pagedex", quota.WithLimits(c.QuotaHardLimit, c.QuotaBuffer))
	quota.SetDefault(coord)

	crosswalk, err := cache.NewLocal[[]byte](64 << 20)
	if err != nil {
		return fmt.Errorf("building crosswalk cache: %w", err)
	}
	store := persist.New(pool, crosswalk)
	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensuring schema: %w", err)
	}

	reg := prometheus.NewRegistry()
	emitter := analytics.New(pool, reg)

	pagedex := providers.NewPagedex(c.PagedexHost, c.PagedexKey, coord)
	wikidata := providers.NewWikidata(c.WikidataHost)

	provs := []provider.Provider{
		providers.NewOpenLib(c.OpenLibHost),
		providers.NewBookBrainz(c.BookBrainzHost),
		wikidata,
		providers.NewArchive(c.ArchiveHost),
	}
	if c.PagedexKey != "" {
		provs = append(provs, pagedex)
	}
	if c.GeminiKey != "" {
		provs = append(provs, providers.NewGemini(c.GeminiHost, c.GeminiKey, c.GeminiModel))
	}
	if c.XAIKey != "" {
		provs = append(provs, providers.NewXAI(c.XAIHost, c.XAIKey, c.XAIModel))
	}
	if c.ClaudeKey != "" {
		provs = append(provs, providers.NewClaude(c.ClaudeKey, c.ClaudeModel))
	}
	registry := provider.NewRegistry(provs...)
	orch := orchestrate.New(registry, emitter, orchestrate.Config{})

	coverStore, err := c.coverStore(ctx)
	if err != nil {
		return err
	}
	processor := covers.NewProcessor(coverStore, nil, reg, covers.Config{
		AllowedHosts: append(c.CoverHosts, hostOf(c.PagedexHost)),
	})

	producer := queue.NewProducer(rdb)
	enricher := queue.NewEnrichHandler(store, pagedex, producer, rdb, orch, emitter)
	coverer := queue.NewCoverHandler(processor, store, orch, []provider.CoverURLRefresher{pagedex}, emitter)
	backfiller := queue.NewBackfillHandler(pagedex, producer, coord, emitter)

	scheduler := sched.New(rdb, coord, producer, store, pagedex, wikidata, sched.Config{
		ReleasesEvery:  c.ReleasesEvery,
		HarvestEvery:   c.HarvestEvery,
		HarvestAuthors: c.HarvestAuthors,
	})

	server := api.NewServer(store, coord, enricher, producer, pagedex)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", c.Port),
		Handler:           server.Handler(reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Consumer names carry a unique suffix so parallel replicas of the same
	// group are tellable apart in XINFO output.
	suffix := uuid.NewString()[:8]

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return queue.NewConsumer(rdb, queue.StreamCovers, "bookforge", "covers-"+suffix, 10, coverer).Run(gctx)
	})
	g.Go(func() error {
		return queue.NewConsumer(rdb, queue.StreamEnrich, "bookforge", "enrich-"+suffix, 100, enricher).Run(gctx)
	})
	if c.PagedexKey != "" {
		g.Go(func() error {
			return queue.NewConsumer(rdb, queue.StreamBackfill, "bookforge", "backfill-"+suffix, 1, backfiller).Run(gctx)
		})
		g.Go(func() error { return scheduler.Run(gctx) })
	} else {
		log.Warn("no paid provider key, backfill and harvest disabled")
	}
	g.Go(func() error {
		log.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if ctx.Err() != nil {
		log.Info("shut down")
		return nil
	}
	return err
}

// coverStore picks S3 when a bucket is configured, otherwise memory. The
// memory store is for local development; covers are lost on restart.
func (c *serveCmd) coverStore(ctx context.Context) (covers.Store, error) {
	if c.CoverBucket == "" {
		logging.Log(ctx).Warn("no cover bucket configured, storing covers in memory")
		return covers.NewMemStore(), nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return covers.NewS3Store(s3.NewFromConfig(awsCfg), c.CoverBucket, c.CoverBaseURL), nil
}

// hostOf extracts the bare host from a provider base URL for the cover
// download allow-list.
func hostOf(base string) string {
	host := strings.TrimPrefix(strings.TrimPrefix(base, "https://"), "http://")
	host, _, _ = strings.Cut(host, "/")
	return host
}

type migrateCmd struct {
	PostgresDSN string `name:"postgres" default:"postgres://postgres@localhost:5432/bookforge" env:"DATABASE_URL" help:"Postgres connection string."`
}

func (c *migrateCmd) Run(ctx context.Context) error {
	pool, err := pgxpool.New(ctx, c.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer pool.Close()

	if err := persist.New(pool, nil).EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensuring schema: %w", err)
	}
	logging.Log(ctx).Info("schema up to date")
	return nil
}
