// Package app builds the pipeline components from configuration and owns
// their lifetimes.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalogue-rag/internal/catalogue"
	"github.com/JakeFAU/catalogue-rag/internal/clock/system"
	"github.com/JakeFAU/catalogue-rag/internal/config"
	"github.com/JakeFAU/catalogue-rag/internal/crawler"
	"github.com/JakeFAU/catalogue-rag/internal/discovery"
	"github.com/JakeFAU/catalogue-rag/internal/embedding"
	"github.com/JakeFAU/catalogue-rag/internal/embedding/ollama"
	"github.com/JakeFAU/catalogue-rag/internal/embedding/openai"
	"github.com/JakeFAU/catalogue-rag/internal/fetcher"
	collyfetcher "github.com/JakeFAU/catalogue-rag/internal/fetcher/colly"
	"github.com/JakeFAU/catalogue-rag/internal/fetcher/headless"
	"github.com/JakeFAU/catalogue-rag/internal/hash/sha256"
	"github.com/JakeFAU/catalogue-rag/internal/id/uuid"
	"github.com/JakeFAU/catalogue-rag/internal/ingestion"
	"github.com/JakeFAU/catalogue-rag/internal/metrics"
	"github.com/JakeFAU/catalogue-rag/internal/policy/ratelimit"
	"github.com/JakeFAU/catalogue-rag/internal/policy/robots"
	"github.com/JakeFAU/catalogue-rag/internal/retrieval"
	"github.com/JakeFAU/catalogue-rag/internal/storage/memory"
	"github.com/JakeFAU/catalogue-rag/internal/storage/postgres"
	"github.com/JakeFAU/catalogue-rag/internal/urlnorm"
)

// Pinger is implemented by repositories that can check their backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// App is the dependency container shared by the CLI commands.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	repo     catalogue.Repository
	limiter  *ratelimit.Limiter
	browser  *headless.Browser
	fetcher  catalogue.Fetcher
	provider embedding.Provider

	crawler   *crawler.Crawler
	discovery *discovery.Service
	embedder  *embedding.Service
	ingestion *ingestion.Service
	retrieval *retrieval.Service

	closers []func()
}

// Option customises New.
type Option func(*options)

type options struct {
	repo     catalogue.Repository
	provider embedding.Provider
	fetcher  catalogue.Fetcher
}

// WithRepository replaces the repository selected by cfg.DB.
func WithRepository(repo catalogue.Repository) Option {
	return func(o *options) { o.repo = repo }
}

// WithProvider replaces the embedding provider selected by cfg.Embedding.
func WithProvider(p embedding.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithFetcher replaces the HTTP and headless fetchers.
func WithFetcher(f catalogue.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// New wires every component. On error the partially built App is closed.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}
	if err := a.wire(ctx, o); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context, o options) error {
	cfg := a.cfg
	logger := a.logger
	clock := system.New()
	ids := uuid.New()

	var err error
	a.repo, err = a.buildRepository(ctx, o.repo, ids, clock)
	if err != nil {
		return err
	}

	a.fetcher = o.fetcher
	if a.fetcher == nil {
		a.fetcher = a.buildFetcher()
	}

	var robotsChecker crawler.RobotsChecker = robots.AllowAll{}
	if cfg.Crawler.RespectRobots {
		robotsChecker = robots.New(robots.Config{
			UserAgent: cfg.Crawler.UserAgent,
			Timeout:   cfg.Crawler.Timeout,
		}, nil, logger)
	}
	canon := urlnorm.NewCanadaCanonicalizer()

	a.crawler, err = crawler.New(crawler.Config{
		SeedURL:           cfg.Crawler.SeedURL,
		MaxDepth:          cfg.Crawler.MaxDepth,
		AllowlistPrefixes: cfg.Crawler.AllowlistPrefixes,
		DenyHosts:         cfg.Crawler.DenyHosts,
		Category:          cfg.Crawler.Category,
	}, a.fetcher, robotsChecker, a.repo, canon, clock, logger)
	if err != nil {
		return fmt.Errorf("build crawler: %w", err)
	}

	a.discovery, err = discovery.NewService(discovery.Config{
		MaxDepth: cfg.Discovery.MaxDepth,
		MaxQueue: cfg.Discovery.MaxQueue,
	}, nil, a.fetcher, a.repo, canon, clock, logger)
	if err != nil {
		return fmt.Errorf("build discovery: %w", err)
	}

	a.provider = o.provider
	if a.provider == nil {
		a.provider, err = buildProvider(cfg.Embedding)
		if err != nil {
			return err
		}
	}
	a.embedder = embedding.NewService(embedding.Config{
		BatchSize:       cfg.Embedding.BatchSize,
		BreakerFailures: cfg.Embedding.BreakerFailures,
	}, a.provider, logger)

	a.ingestion, err = ingestion.NewService(ingestion.Config{
		ChunkSize:       cfg.Chunking.ChunkSize,
		ChunkOverlap:    cfg.Chunking.ChunkOverlap,
		FallbackSize:    cfg.Chunking.FallbackSize,
		FallbackOverlap: cfg.Chunking.FallbackOverlap,
	}, a.repo, a.fetcher, a.discovery, a.embedder, sha256.New(), clock, logger)
	if err != nil {
		return fmt.Errorf("build ingestion: %w", err)
	}

	a.retrieval = retrieval.NewService(a.embedder, a.repo, retrieval.Options{
		TopK:          cfg.Retrieval.TopK,
		MinSimilarity: cfg.Retrieval.MinSimilarity,
	}, logger)

	return nil
}

func (a *App) buildRepository(
	ctx context.Context,
	override catalogue.Repository,
	ids catalogue.IDGenerator,
	clock catalogue.Clock,
) (catalogue.Repository, error) {
	if override != nil {
		return override, nil
	}
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("db.dsn not set, using in-memory repository")
		return memory.New(ids, clock), nil
	}
	repo, err := postgres.New(ctx, postgres.Config{
		DSN:      a.cfg.DB.DSN,
		MaxConns: a.cfg.DB.MaxConns,
		MinConns: a.cfg.DB.MinConns,
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	a.closers = append(a.closers, repo.Close)
	if err := repo.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return repo, nil
}

func (a *App) buildFetcher() catalogue.Fetcher {
	cfg := a.cfg
	a.limiter = ratelimit.New(ratelimit.Config{RequestsPerSecond: cfg.Crawler.RequestsPerSecond})
	a.closers = append(a.closers, a.limiter.Close)

	plain := collyfetcher.New(collyfetcher.Config{
		UserAgent:    cfg.Crawler.UserAgent,
		Timeout:      cfg.Crawler.Timeout,
		Retries:      cfg.Crawler.Retries,
		RetryBackoff: cfg.Crawler.RetryBackoff,
		MaxBackoff:   cfg.Crawler.MaxBackoff,
		MaxRedirects: cfg.Crawler.MaxRedirects,
	}, a.limiter, a.logger)
	if !cfg.Headless.Enabled {
		return plain
	}

	a.browser = headless.NewBrowser(headless.BrowserConfig{
		UserAgent: cfg.Crawler.UserAgent,
		ExecPath:  cfg.Headless.ExecPath,
	}, a.logger)
	browser := a.browser
	a.closers = append(a.closers, func() {
		if err := browser.Close(); err != nil {
			a.logger.Warn("browser close failed", zap.Error(err))
		}
	})
	rendered := headless.NewFetcher(headless.Config{
		UserAgent:                cfg.Crawler.UserAgent,
		NavigationTimeout:        cfg.Headless.NavTimeout,
		PostLoadDelay:            cfg.Headless.PostLoadDelay,
		Retries:                  cfg.Headless.MaxRetries,
		RetryBackoff:             cfg.Crawler.RetryBackoff,
		ClosureBackoffMultiplier: cfg.Headless.ClosureBackoffMultiplier,
	}, a.browser, a.limiter, a.logger)
	return fetcher.NewFallback(rendered, plain, a.logger)
}

func buildProvider(cfg config.EmbeddingConfig) (embedding.Provider, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI:
		p, err := openai.New(openai.Config{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			Timeout:    cfg.Timeout,
		}, nil)
		if err != nil {
			return nil, fmt.Errorf("build openai provider: %w", err)
		}
		return p, nil
	case config.ProviderOllama:
		return ollama.New(ollama.Config{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		}, nil), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Repository returns the catalogue store.
func (a *App) Repository() catalogue.Repository { return a.repo }

// Crawler returns the catalogue crawler.
func (a *App) Crawler() *crawler.Crawler { return a.crawler }

// Discovery returns the directory discovery service.
func (a *App) Discovery() *discovery.Service { return a.discovery }

// Ingestion returns the ingestion service.
func (a *App) Ingestion() *ingestion.Service { return a.ingestion }

// Retrieval returns the retrieval service.
func (a *App) Retrieval() *retrieval.Service { return a.retrieval }

// Ready reports whether the repository backend is reachable.
func (a *App) Ready(ctx context.Context) error {
	if a.repo == nil {
		return errors.New("app: repository not initialised")
	}
	if p, ok := a.repo.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close releases resources in reverse order of creation. It is safe to call
// more than once.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
