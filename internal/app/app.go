// Package app builds and holds the long-lived services shared by the CLI
// commands: fetcher, model client, stores, publisher and the scrape runner.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/venue-crawler/internal/api"
	"github.com/JakeFAU/venue-crawler/internal/clock/system"
	"github.com/JakeFAU/venue-crawler/internal/config"
	"github.com/JakeFAU/venue-crawler/internal/crawler"
	"github.com/JakeFAU/venue-crawler/internal/export"
	"github.com/JakeFAU/venue-crawler/internal/extract"
	collyfetcher "github.com/JakeFAU/venue-crawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/venue-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/venue-crawler/internal/hash/sha256"
	"github.com/JakeFAU/venue-crawler/internal/id/uuid"
	"github.com/JakeFAU/venue-crawler/internal/llm"
	anthropic "github.com/JakeFAU/venue-crawler/internal/llm/anthropic"
	openai "github.com/JakeFAU/venue-crawler/internal/llm/openai"
	"github.com/JakeFAU/venue-crawler/internal/logstream"
	"github.com/JakeFAU/venue-crawler/internal/orchestrator"
	"github.com/JakeFAU/venue-crawler/internal/pagination"
	"github.com/JakeFAU/venue-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/venue-crawler/internal/progress"
	"github.com/JakeFAU/venue-crawler/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/venue-crawler/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/venue-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/venue-crawler/internal/storage"
	"github.com/JakeFAU/venue-crawler/internal/storage/gcs"
	"github.com/JakeFAU/venue-crawler/internal/storage/memory"
	"github.com/JakeFAU/venue-crawler/internal/storage/postgres"
	"github.com/JakeFAU/venue-crawler/internal/telemetry"
)

// Publisher backends accepted in pubsub.backend.
const (
	PublisherGCP    = "gcp"
	PublisherMemory = "memory"
)

// Options adjusts how services are built.
type Options struct {
	// Registerer receives the progress collectors; nil uses the default
	// registerer.
	Registerer prometheus.Registerer
	// Completer overrides the configured model client.
	Completer llm.Completer
	// Fetcher overrides the configured page fetcher.
	Fetcher crawler.Fetcher
}

// App holds the shared services. Build it with New and release it with Close.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	runner  *orchestrator.Runner
	broker  *logstream.Broker
	runs    crawler.RunStore
	usage   *llm.Usage
	ids     crawler.IDGenerator
	ready   map[string]api.ReadyCheck
	closers []closer
}

type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// New wires every service from cfg. It fails fast when a configured backend
// cannot be reached; partially built services are released.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (a *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a = &App{
		cfg:    cfg,
		logger: logger,
		usage:  &llm.Usage{},
		ids:    uuid.New(),
		ready:  map[string]api.ReadyCheck{},
		broker: logstream.NewBroker(logstream.Config{
			Backlog: cfg.LogStream.Backlog,
			Logger:  logger.Named("logstream"),
		}),
	}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
			a = nil
		}
	}()
	logger.Info("initializing application services")

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.Tracing.ServiceName,
		Exporter:    cfg.Tracing.Exporter,
		ProjectID:   cfg.Tracing.ProjectID,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return a, fmt.Errorf("init tracing: %w", err)
	}
	a.addCloser("tracer provider", tp.Shutdown)

	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = a.buildFetcher()
	}
	fetcher = ratelimit.Wrap(fetcher, ratelimit.Config{RPS: cfg.HTTP.MaxRPS, Burst: cfg.HTTP.Burst})
	completer := opts.Completer
	if completer == nil {
		if completer, err = buildCompleter(cfg.LLM); err != nil {
			return a, err
		}
	}
	extractor, err := extract.New(fetcher, llm.Metered{Next: completer, Usage: a.usage}, extract.Config{
		NoResultsMarker: cfg.Scrape.NoResultsMarker,
		MaxContentChars: cfg.LLM.MaxContentChars,
		MaxTokens:       cfg.LLM.MaxTokens,
		WaitSelector:    cfg.Headless.WaitSelector,
	}, logger.Named("extract"))
	if err != nil {
		return a, fmt.Errorf("init extractor: %w", err)
	}

	blobs, closeBlobs, err := storage.OpenBlobStore(ctx, storage.BlobConfig{
		Backend:  cfg.Storage.Backend,
		LocalDir: cfg.Storage.LocalDir,
		GCS: gcs.Config{
			Bucket:   cfg.Storage.GCSBucket,
			Prefix:   cfg.Storage.Prefix,
			Endpoint: cfg.Storage.Endpoint,
		},
	})
	if err != nil {
		return a, err
	}
	a.addCloser("blob store", func(context.Context) error { return closeBlobs() })
	if blobs != nil {
		logger.Info("mirroring exports", zap.String("backend", cfg.Storage.Backend))
	}

	venues, err := a.openDatabase(ctx)
	if err != nil {
		return a, err
	}

	publisher, err := a.openPublisher(ctx)
	if err != nil {
		return a, err
	}

	promSink, err := sinks.NewPrometheusSink(opts.Registerer)
	if err != nil {
		return a, fmt.Errorf("init progress metrics: %w", err)
	}
	hub := progress.NewHub(progress.Config{Logger: logger.Named("progress")},
		sinks.NewLogSink(logger.Named("progress")),
		promSink,
	)
	a.addCloser("progress hub", hub.Close)

	a.runner, err = orchestrator.New(orchestrator.Deps{
		Extractor: extractor,
		Broker:    a.broker,
		Runs:      a.runs,
		Venues:    venues,
		Blobs:     blobs,
		Publisher: publisher,
		Hasher:    sha256.New(),
		Progress:  hub,
		CSV:       export.NewFile(cfg.Output.CSVPath),
		IDs:       a.ids,
		Clock:     system.New(),
		Logger:    logger.Named("runner"),
	}, orchestrator.Config{
		Retry:      pagination.NewRetryPolicy(cfg.Scrape.FetchRetries),
		NameKey:    cfg.Scrape.NameKey,
		BlobPrefix: cfg.Storage.Prefix,
		Topic:      cfg.PubSub.TopicName,
	})
	if err != nil {
		return a, fmt.Errorf("init runner: %w", err)
	}

	logger.Info("application services initialized")
	return a, nil
}

func (a *App) buildFetcher() crawler.Fetcher {
	plain := collyfetcher.New(collyfetcher.Config{
		UserAgent:     a.cfg.HTTP.UserAgent,
		RespectRobots: a.cfg.HTTP.RespectRobots,
		Timeout:       a.cfg.HTTPTimeout(),
		Logger:        a.logger.Named("colly"),
	})
	if !a.cfg.Headless.Enabled {
		a.logger.Info("using plain HTTP fetcher")
		return plain
	}
	headless, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       a.cfg.Headless.MaxParallel,
		UserAgent:         a.cfg.HTTP.UserAgent,
		NavigationTimeout: a.cfg.NavTimeout(),
		SettleDelay:       a.cfg.Headless.SettleDelay,
		NoSandbox:         a.cfg.Headless.NoSandbox,
		Logger:            a.logger.Named("headless"),
	})
	if err != nil {
		a.logger.Warn("headless fetcher init failed; falling back to plain HTTP", zap.Error(err))
		return plain
	}
	a.addCloser("headless browser", func(context.Context) error {
		headless.Close()
		return nil
	})
	a.logger.Info("using headless browser fetcher", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
	return headless
}

func buildCompleter(cfg config.LLMConfig) (llm.Completer, error) {
	timeout := config.Config{LLM: cfg}.LLMTimeout()
	switch cfg.Provider {
	case config.ProviderAnthropic:
		client, err := anthropic.New(anthropic.Config{
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			BaseURL:    cfg.BaseURL,
			Timeout:    timeout,
			MaxRetries: cfg.MaxRetries,
		})
		if err != nil {
			return nil, fmt.Errorf("init anthropic client: %w", err)
		}
		return client, nil
	default:
		client, err := openai.New(openai.Config{
			BaseURL:     cfg.BaseURL,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			Timeout:     timeout,
			MaxRetries:  cfg.MaxRetries,
		})
		if err != nil {
			return nil, fmt.Errorf("init openai-compatible client: %w", err)
		}
		return client, nil
	}
}

// openDatabase connects Postgres when a DSN is configured. Without one,
// runs are kept in memory and venues are only exported to CSV.
func (a *App) openDatabase(ctx context.Context) (crawler.VenueStore, error) {
	if strings.TrimSpace(a.cfg.DB.DSN) == "" {
		a.logger.Info("no database configured; keeping runs in memory")
		a.runs = memory.NewRunStore(a.cfg.Server.MaxRuns)
		return nil, nil
	}
	pgCfg := postgres.Config{
		DSN:             a.cfg.DB.DSN,
		VenueTable:      a.cfg.DB.VenueTable,
		RunTable:        a.cfg.DB.RunTable,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	}
	a.logger.Info("connecting to PostgreSQL")
	pool, err := postgres.Connect(ctx, pgCfg)
	if err != nil {
		return nil, err
	}
	a.addCloser("postgres", func(context.Context) error {
		pool.Close()
		return nil
	})
	a.ready["postgres"] = func(ctx context.Context) error { return pool.Ping(ctx) }
	if a.cfg.DB.Migrate {
		if err := postgres.Migrate(ctx, pool, pgCfg); err != nil {
			return nil, err
		}
	}
	runs, err := postgres.NewRunStore(pool, pgCfg.RunTable)
	if err != nil {
		return nil, err
	}
	venues, err := postgres.NewVenueStore(pool, pgCfg.VenueTable)
	if err != nil {
		return nil, err
	}
	a.runs = runs
	return venues, nil
}

// openPublisher returns nil when no topic is configured.
func (a *App) openPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" {
		a.logger.Info("no pubsub topic configured; run summaries are not published")
		return nil, nil
	}
	switch a.cfg.PubSub.Backend {
	case PublisherMemory:
		return memorypublisher.New(), nil
	case "", PublisherGCP:
		pub, err := pubsubpublisher.Open(ctx, pubsubpublisher.Config{
			ProjectID: a.cfg.PubSub.ProjectID,
			TopicID:   a.cfg.PubSub.TopicName,
		})
		if err != nil {
			return nil, err
		}
		a.addCloser("pubsub", func(context.Context) error { return pub.Close() })
		a.logger.Info("publishing run summaries", zap.String("topic", a.cfg.PubSub.TopicName))
		return pub, nil
	default:
		return nil, fmt.Errorf("unknown pubsub backend %q", a.cfg.PubSub.Backend)
	}
}

func (a *App) addCloser(name string, fn func(ctx context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Runner returns the scrape runner.
func (a *App) Runner() *orchestrator.Runner {
	return a.runner
}

// Broker returns the live log broker.
func (a *App) Broker() *logstream.Broker {
	return a.broker
}

// Usage returns the process-wide model usage.
func (a *App) Usage() llm.UsageSnapshot {
	return a.usage.Snapshot()
}

// ServerOptions assembles the HTTP server's collaborators.
func (a *App) ServerOptions() api.Options {
	return api.Options{
		Scraper: a.runner,
		Runs:    a.runs,
		Broker:  a.broker,
		CSV:     a.runner.CSV(),
		IDs:     a.ids,
		Defaults: api.ScrapeDefaults{
			MaxPages:  a.cfg.Scrape.DefaultMaxPages,
			PageDelay: a.cfg.Scrape.PageDelay,
		},
		ReadyChecks: a.ready,
		Usage:       a.Usage,
		Logger:      a.logger.Named("api"),
	}
}

// Close releases services in reverse order of creation.
func (a *App) Close(ctx context.Context) error {
	a.logger.Info("shutting down application services")
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("service", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
