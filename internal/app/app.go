// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — relational store, Redis when configured
//  2. initProviders — upstream adapter singletons
//  3. initServices — cache, registry, limiter, ledger recorder, metrics
//  4. initAlerts   — dispatcher + scheduler
//  5. initGateway  — request pipeline + management routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/cognitude/gateway/internal/alerts"
	gwcache "github.com/cognitude/gateway/internal/cache"
	"github.com/cognitude/gateway/internal/config"
	"github.com/cognitude/gateway/internal/ledger"
	"github.com/cognitude/gateway/internal/metrics"
	"github.com/cognitude/gateway/internal/providers"
	anthropicprov "github.com/cognitude/gateway/internal/providers/anthropic"
	geminiprov "github.com/cognitude/gateway/internal/providers/gemini"
	groqprov "github.com/cognitude/gateway/internal/providers/groq"
	mistralprov "github.com/cognitude/gateway/internal/providers/mistral"
	openaiprov "github.com/cognitude/gateway/internal/providers/openai"
	"github.com/cognitude/gateway/internal/proxy"
	"github.com/cognitude/gateway/internal/ratelimit"
	"github.com/cognitude/gateway/internal/registry"
	"github.com/cognitude/gateway/internal/storage"
	"github.com/cognitude/gateway/internal/storage/sqlite"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	store storage.Store
	rdb   *redis.Client // nil when Redis is not configured

	memTier *gwcache.MemoryTier // nil when the Redis tier is active
	cache   *gwcache.Cache
	reg     *registry.Registry
	limiter *ratelimit.Limiter
	rec     *ledger.Recorder
	prom    *metrics.Registry

	provs     map[string]providers.Provider
	scheduler *alerts.Scheduler
	gw        *proxy.Gateway
	mgmt      *proxy.ManagementRoutes
}

// New initialises all subsystems and returns a ready-to-run App.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"alerts", a.initAlerts},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and the background workers, blocking until
// ctx is cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.Bool("redis", a.rdb != nil),
		slog.Int("providers", len(a.provs)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.Start(addr, a.mgmt)
	})

	g.Go(func() error {
		return a.rec.Run(gctx)
	})

	g.Go(func() error {
		return a.scheduler.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		// Grace period for in-flight requests before resources close.
		time.Sleep(a.cfg.ShutdownGrace)
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call more
// than once.
func (a *App) Close() {
	if a.gw != nil {
		a.gw.Close()
		a.gw = nil
	}
	if a.memTier != nil {
		a.memTier.Close()
		a.memTier = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store close error", slog.String("error", err.Error()))
		}
		a.store = nil
	}
}

// ── Init steps ───────────────────────────────────────────────────────────────

func (a *App) initInfra(ctx context.Context) error {
	store, err := sqlite.New(a.cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	a.store = store
	a.log.Info("database ready", slog.String("dsn", a.cfg.DatabaseDSN))

	if a.cfg.RedisURL != "" {
		rdb, err := connectRedis(ctx, a.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

func (a *App) initProviders(_ context.Context) error {
	a.provs = buildProviders(a.cfg)
	a.log.Info("providers loaded", slog.Any("kinds", providers.Kinds))
	return nil
}

func (a *App) initServices(_ context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	var fast gwcache.FastTier
	if a.rdb != nil {
		fast = gwcache.NewRedisTier(a.rdb, a.log)
		a.limiter = ratelimit.New(a.rdb, a.log)
		a.log.Info("fast cache tier: redis; rate limiting enabled")
	} else {
		a.memTier = gwcache.NewMemoryTier(a.baseCtx)
		fast = a.memTier
		a.log.Info("fast cache tier: memory (in-process); rate limiting disabled")
	}

	a.cache = gwcache.New(fast, a.store, a.cfg.FastCacheTTL, a.log, a.prom)

	reg, err := registry.New(a.store, a.cfg.EncryptionKey)
	if err != nil {
		return err
	}
	a.reg = reg

	a.rec = ledger.New(a.store, a.log, ledger.Options{
		QueueSize:     a.cfg.LedgerQueueSize,
		BatchSize:     a.cfg.LedgerBatchSize,
		FlushInterval: a.cfg.LedgerFlushInterval,
		DrainTimeout:  a.cfg.LedgerDrainTimeout,
	})
	a.prom.RegisterLedgerGauges(a.rec.Dropped, a.rec.Unflushed)

	return nil
}

func (a *App) initAlerts(_ context.Context) error {
	dispatcher := alerts.NewDispatcher(
		&http.Client{Timeout: 10 * time.Second},
		alerts.SMTPConfig{
			Host:     a.cfg.SMTP.Host,
			Port:     a.cfg.SMTP.Port,
			Username: a.cfg.SMTP.Username,
			Password: a.cfg.SMTP.Password,
			From:     a.cfg.SMTP.From,
		},
		a.log,
	)
	a.scheduler = alerts.NewScheduler(a.store, a.limiter, dispatcher, a.cfg.SchedulerInterval, a.log)
	return nil
}

func (a *App) initGateway(_ context.Context) error {
	exclusions, err := gwcache.NewExclusionList(a.cfg.CacheExcludeExact, a.cfg.CacheExcludePatterns)
	if err != nil {
		return fmt.Errorf("cache exclusions: %w", err)
	}

	a.gw = proxy.NewGateway(a.baseCtx, a.store, a.reg, a.cache, a.limiter, a.rec, a.provs, proxy.Options{
		Logger:          a.log,
		Metrics:         a.prom,
		ProviderTimeout: a.cfg.ProviderTimeout,
		PipelineTimeout: a.cfg.PipelineTimeout,
		CacheTTLHours:   a.cfg.CacheTTLHours,
		APIKeySalt:      a.cfg.APIKeySalt,
		CBConfig: proxy.CBConfig{
			ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
			TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
			HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
		},
		CacheExclusions: exclusions,
		CORSOrigins:     a.cfg.CORSOrigins,
	})

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	return nil
}

// ── Helpers ──────────────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return rdb, nil
}

// buildProviders constructs every adapter singleton. Tenant credentials are
// supplied per call by the registry, so all five kinds are always present.
func buildProviders(cfg *config.Config) map[string]providers.Provider {
	timeout := cfg.ProviderTimeout

	var openaiOpts []openaiprov.Option
	if cfg.OpenAIBaseURL != "" {
		openaiOpts = append(openaiOpts, openaiprov.WithBaseURL(cfg.OpenAIBaseURL))
	}
	openaiOpts = append(openaiOpts, openaiprov.WithTimeout(timeout))

	var anthropicOpts []anthropicprov.Option
	if cfg.AnthropicBaseURL != "" {
		anthropicOpts = append(anthropicOpts, anthropicprov.WithBaseURL(cfg.AnthropicBaseURL))
	}
	anthropicOpts = append(anthropicOpts, anthropicprov.WithTimeout(timeout))

	var mistralOpts []mistralprov.Option
	if cfg.MistralBaseURL != "" {
		mistralOpts = append(mistralOpts, mistralprov.WithBaseURL(cfg.MistralBaseURL))
	}
	mistralOpts = append(mistralOpts, mistralprov.WithTimeout(timeout))

	var groqOpts []groqprov.Option
	if cfg.GroqBaseURL != "" {
		groqOpts = append(groqOpts, groqprov.WithBaseURL(cfg.GroqBaseURL))
	}
	groqOpts = append(groqOpts, groqprov.WithTimeout(timeout))

	var geminiOpts []geminiprov.Option
	if cfg.GeminiBaseURL != "" {
		geminiOpts = append(geminiOpts, geminiprov.WithBaseURL(cfg.GeminiBaseURL))
	}
	geminiOpts = append(geminiOpts, geminiprov.WithTimeout(timeout))

	return map[string]providers.Provider{
		providers.KindOpenAI:    openaiprov.New(openaiOpts...),
		providers.KindAnthropic: anthropicprov.New(anthropicOpts...),
		providers.KindMistral:   mistralprov.New(mistralOpts...),
		providers.KindGroq:      groqprov.New(groqOpts...),
		providers.KindGemini:    geminiprov.New(geminiOpts...),
	}
}
