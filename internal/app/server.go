package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"

	"github.com/fathomhq/fathom/internal/budget"
	"github.com/fathomhq/fathom/internal/cache"
	"github.com/fathomhq/fathom/internal/circuitbreaker"
	"github.com/fathomhq/fathom/internal/events"
	"github.com/fathomhq/fathom/internal/fusion"
	"github.com/fathomhq/fathom/internal/health"
	"github.com/fathomhq/fathom/internal/httpapi"
	"github.com/fathomhq/fathom/internal/logging"
	"github.com/fathomhq/fathom/internal/metrics"
	"github.com/fathomhq/fathom/internal/orchestrator"
	"github.com/fathomhq/fathom/internal/providers"
	"github.com/fathomhq/fathom/internal/providers/anthropic"
	"github.com/fathomhq/fathom/internal/providers/httpsearch"
	"github.com/fathomhq/fathom/internal/providers/keyless"
	"github.com/fathomhq/fathom/internal/providers/openai"
	"github.com/fathomhq/fathom/internal/query"
	"github.com/fathomhq/fathom/internal/ratelimit"
	"github.com/fathomhq/fathom/internal/refine"
	"github.com/fathomhq/fathom/internal/registry"
	"github.com/fathomhq/fathom/internal/router"
	"github.com/fathomhq/fathom/internal/store"
	"github.com/fathomhq/fathom/internal/synth"
	"github.com/fathomhq/fathom/internal/telemetry"
	"github.com/fathomhq/fathom/internal/tracing"
	"github.com/fathomhq/fathom/internal/workflow"
)

// Server is the composed application: providers, router, orchestrator, and
// the HTTP surface, plus the background loops that keep them healthy.
type Server struct {
	cfg Config

	r *chi.Mux

	logger  *slog.Logger
	bus     *events.Bus
	store   store.Store
	sink    *telemetry.AsyncSink
	prober  *health.Prober
	limiter *ratelimit.Limiter
	wfMgr   *workflow.Manager

	tracingShutdown func(context.Context) error
	retentionStop   context.CancelFunc
	busWatchStop    func()
}

func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	traceShutdown, err := tracing.Setup(tracing.Config{
		Enabled:     getEnvBool("FATHOM_OTEL_ENABLED", false),
		Endpoint:    getEnv("FATHOM_OTEL_ENDPOINT", "localhost:4318"),
		ServiceName: "fathom",
	})
	if err != nil {
		return nil, err
	}

	bus := events.NewBus()
	m := metrics.New()

	healthCfg := health.DefaultConfig()
	healthCfg.CooldownDuration = time.Duration(cfg.HealthCooldownMs) * time.Millisecond
	tracker := health.NewTracker(healthCfg, health.WithEventBus(bus))
	reg := registry.New(tracker)
	rt := router.New(tracker)

	timeout := time.Duration(cfg.ProviderTimeoutSecs) * time.Second
	registerSearchProviders(reg, cfg, timeout, logger)
	registerModelProviders(reg, rt, cfg, timeout, logger)

	// Open telemetry store.
	db, err := store.NewSQLite(cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("telemetry store ready", slog.String("dsn", cfg.DBDSN))

	s := &Server{
		cfg:             cfg,
		logger:          logger,
		bus:             bus,
		store:           db,
		tracingShutdown: traceShutdown,
	}

	// Telemetry write path: Temporal workflow when enabled, direct insert
	// otherwise. The breaker falls the workflow path back to direct writes
	// while Temporal is unreachable.
	direct := store.RecordWriter{Store: db}
	var writer telemetry.Writer = direct
	if cfg.TemporalEnabled {
		mgr, err := workflow.New(workflow.Config{
			HostPort:  cfg.TemporalHostPort,
			Namespace: cfg.TemporalNamespace,
			TaskQueue: cfg.TemporalTaskQueue,
		}, workflow.NewActivities(db, bus))
		if err != nil {
			logger.Warn("temporal unavailable, telemetry writes go direct",
				slog.String("error", err.Error()))
		} else if err := mgr.Start(); err != nil {
			logger.Warn("temporal worker failed to start, telemetry writes go direct",
				slog.String("error", err.Error()))
			mgr.Stop()
		} else {
			s.wfMgr = mgr
			br := circuitbreaker.New(circuitbreaker.WithOnStateChange(func(from, to circuitbreaker.State) {
				logger.Warn("telemetry dispatch breaker state change",
					slog.String("from", from.String()), slog.String("to", to.String()))
			}))
			writer = workflow.NewDispatcher(mgr.Client(), mgr.TaskQueue(), br, direct, logger,
				workflow.WithDispatchCounter(m.WorkflowDispatch))
			logger.Info("temporal telemetry dispatch enabled",
				slog.String("task_queue", cfg.TemporalTaskQueue))
		}
	}
	s.sink = telemetry.NewAsyncSink(writer, logger, cfg.TelemetryBuffer)

	// Response cache.
	var backend cache.Backend
	if cfg.CacheBackend == "redis" {
		backend = cache.NewRedis(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
		logger.Info("response cache backend", slog.String("backend", "redis"), slog.String("addr", cfg.RedisAddr))
	} else {
		backend = cache.NewMemory(cfg.CacheMaxEntries)
	}
	respCache := cache.New(backend, bus, logger)

	// Pipeline stages.
	completerFor := func(providerID string) providers.Completer {
		if e, ok := reg.Get(providerID); ok {
			return e.Completer
		}
		return nil
	}
	var refiner *refine.Refiner
	if rc := pickRefinementCompleter(reg); rc != nil {
		rcfg := refine.DefaultConfig()
		rcfg.Model = cfg.RefinerModel
		refiner = refine.New(rcfg, rc, logger)
	} else {
		logger.Warn("no completion provider configured, refinement disabled")
	}

	fuserCfg := fusion.DefaultConfig()
	fuserCfg.TopK = cfg.FusionTopK
	fuserCfg.DomainCap = cfg.FusionPerDomainCap

	orch := orchestrator.New(orchestrator.Config{
		Budgets:  budgetTable(cfg),
		CacheTTL: cacheTTLTable(cfg),
	}, orchestrator.Deps{
		Registry: reg,
		Refiner:  refiner,
		Fuser:    fusion.New(fuserCfg),
		Router:   rt,
		Synth: synth.New(completerFor, logger, synth.Config{
			FirstTokenTarget: time.Duration(cfg.SynthFirstTokenMs) * time.Millisecond,
			SoftCancelGrace:  time.Duration(cfg.SynthSoftCancelMs) * time.Millisecond,
		}),
		Cache:  respCache,
		Sink:   fanoutSink{metricsSink{m}, s.sink},
		Bus:    bus,
		Logger: logger,
	})
	s.busWatchStop = watchProviderErrors(m, bus)

	s.limiter = ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst, time.Second,
		ratelimit.WithCounter(m.RateLimited))

	// Background health probing of every provider that exposes an endpoint.
	s.prober = health.NewProber(health.DefaultProberConfig(), tracker, reg.Probeables(), logger)
	s.prober.Start()

	s.startRetentionLoop()

	corsOrigins := cfg.CORSOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(tracing.Middleware())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-Admin-Token"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	httpapi.MountRoutes(r, httpapi.Dependencies{
		Orchestrator: orch,
		Registry:     reg,
		Router:       rt,
		Metrics:      m,
		Store:        db,
		Health:       tracker,
		EventBus:     bus,
		Cache:        respCache,
		AdminToken:   cfg.AdminToken,
		RateLimit:    s.limiter.Middleware,
	})
	s.r = r

	return s, nil
}

func (s *Server) Router() http.Handler { return s.r }

func (s *Server) Logger() *slog.Logger { return s.logger }

// Reload re-reads the log level from the environment and announces the
// reload on the system bus. Wired to SIGHUP.
func (s *Server) Reload() {
	level := getEnv("FATHOM_LOG_LEVEL", s.cfg.LogLevel)
	logging.SetLevel(level)
	s.bus.Publish(events.Event{Type: events.EventConfigReload, Reason: "sighup"})
	s.logger.Info("configuration reloaded", slog.String("log_level", level))
}

// Close stops background loops, drains the telemetry queue, and closes the
// store. Safe to call once during shutdown.
func (s *Server) Close() error {
	if s.prober != nil {
		s.prober.Stop()
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.retentionStop != nil {
		s.retentionStop()
	}
	if s.busWatchStop != nil {
		s.busWatchStop()
	}
	if s.sink != nil {
		s.sink.Close()
	}
	if s.wfMgr != nil {
		s.wfMgr.Stop()
	}
	if s.tracingShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.tracingShutdown(ctx)
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

// startRetentionLoop prunes telemetry records past the retention window,
// once at startup and then daily.
func (s *Server) startRetentionLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	s.retentionStop = cancel

	retention := time.Duration(s.cfg.TelemetryRetentionHours) * time.Hour
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			cutoff := time.Now().UTC().Add(-retention)
			n, err := s.store.Prune(ctx, cutoff)
			if err != nil {
				s.logger.Warn("telemetry prune failed", slog.String("error", err.Error()))
			} else if n > 0 {
				s.logger.Info("telemetry pruned", slog.Int64("deleted", n))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func registerSearchProviders(reg *registry.Registry, cfg Config, timeout time.Duration, logger *slog.Logger) {
	for lane, endpoints := range cfg.LaneEndpoints {
		key := cfg.LaneKeys[lane]
		opts := []httpsearch.Option{httpsearch.WithTimeout(timeout)}
		if len(endpoints) > 1 {
			opts = append(opts, httpsearch.WithEndpoints(endpoints[1:]...))
		}
		if key != "" {
			opts = append(opts, httpsearch.WithAPIKey(key))
		}
		id := lane + "-search"
		if err := reg.Register(registry.Entry{
			ID:       id,
			Lane:     lane,
			Keyed:    key != "",
			Priority: 0,
			Searcher: httpsearch.New(id, endpoints[0], opts...),
		}, 20, 40); err != nil {
			logger.Warn("provider registration failed", slog.String("provider", id), slog.String("error", err.Error()))
			continue
		}
		logger.Info("registered search provider",
			slog.String("provider", id), slog.String("lane", lane),
			slog.Int("replicas", len(endpoints)))
	}

	if cfg.KeylessURL != "" {
		// Keyless frontend terminates the web chain as a last resort.
		id := "keyless-web"
		if err := reg.Register(registry.Entry{
			ID:       id,
			Lane:     "web",
			Keyed:    false,
			Priority: 100,
			Searcher: keyless.New(id, cfg.KeylessURL, keyless.WithTimeout(timeout)),
		}, 1, 2); err != nil {
			logger.Warn("provider registration failed", slog.String("provider", id), slog.String("error", err.Error()))
			return
		}
		logger.Info("registered keyless fallback", slog.String("url", cfg.KeylessURL))
	}
}

func registerModelProviders(reg *registry.Registry, rt *router.Router, cfg Config, timeout time.Duration, logger *slog.Logger) {
	if cfg.OpenAIKey != "" {
		models := []registry.Model{
			{ID: "gpt-4o", CostClass: registry.CostStandard, ContextTokens: 128000, Reasoning: true},
			{ID: "gpt-4o-mini", CostClass: registry.CostLow, ContextTokens: 128000},
		}
		err := reg.Register(registry.Entry{
			ID:        "openai",
			Keyed:     true,
			Completer: openai.New("openai", cfg.OpenAIKey, cfg.OpenAIBaseURL, openai.WithTimeout(timeout)),
			Models:    models,
			CostClass: registry.CostStandard,
		}, 10, 20)
		if err != nil {
			logger.Warn("provider registration failed", slog.String("provider", "openai"), slog.String("error", err.Error()))
		} else {
			rt.RegisterModel(router.Model{ID: "gpt-4o", ProviderID: "openai", Tier: router.TierStandard, Technical: true, MaxContextTokens: 128000, InputPer1K: 0.0025, OutputPer1K: 0.01, Enabled: true})
			rt.RegisterModel(router.Model{ID: "gpt-4o-mini", ProviderID: "openai", Tier: router.TierEconomy, MaxContextTokens: 128000, InputPer1K: 0.00015, OutputPer1K: 0.0006, Enabled: true})
			logger.Info("registered model provider", slog.String("provider", "openai"))
		}
	}

	if cfg.AnthropicKey != "" {
		models := []registry.Model{
			{ID: "claude-sonnet", CostClass: registry.CostStandard, ContextTokens: 200000, Reasoning: true},
			{ID: "claude-haiku", CostClass: registry.CostLow, ContextTokens: 200000},
		}
		err := reg.Register(registry.Entry{
			ID:        "anthropic",
			Keyed:     true,
			Completer: anthropic.New("anthropic", cfg.AnthropicKey, cfg.AnthropicBase, anthropic.WithTimeout(timeout)),
			Models:    models,
			CostClass: registry.CostStandard,
		}, 10, 20)
		if err != nil {
			logger.Warn("provider registration failed", slog.String("provider", "anthropic"), slog.String("error", err.Error()))
		} else {
			rt.RegisterModel(router.Model{ID: "claude-sonnet", ProviderID: "anthropic", Tier: router.TierPremium, Technical: true, MaxContextTokens: 200000, InputPer1K: 0.003, OutputPer1K: 0.015, Enabled: true})
			rt.RegisterModel(router.Model{ID: "claude-haiku", ProviderID: "anthropic", Tier: router.TierEconomy, MaxContextTokens: 200000, InputPer1K: 0.0008, OutputPer1K: 0.004, Enabled: true})
			logger.Info("registered model provider", slog.String("provider", "anthropic"))
		}
	}
}

// budgetTable returns the default mode budgets, scaled per mode where a
// total-ms override is configured. Phase budgets scale with the total so
// their proportions hold.
func budgetTable(cfg Config) budget.Table {
	table := budget.DefaultTable()
	for mode, totalMs := range cfg.BudgetTotalMsOverride {
		p, ok := table[query.Mode(mode)]
		if !ok || p.TotalMs <= 0 {
			continue
		}
		factor := float64(totalMs) / float64(p.TotalMs)
		table[query.Mode(mode)] = budget.Profile{
			TotalMs:       totalMs,
			RefinementMs:  int(float64(p.RefinementMs) * factor),
			RetrievalMs:   int(float64(p.RetrievalMs) * factor),
			SynthesisMs:   int(float64(p.SynthesisMs) * factor),
			PerLaneMs:     int(float64(p.PerLaneMs) * factor),
			PerProviderMs: int(float64(p.PerProviderMs) * factor),
		}
	}
	return table
}

// cacheTTLTable maps configured per-mode TTL seconds onto the orchestrator's
// TTL table, keeping defaults for unset modes.
func cacheTTLTable(cfg Config) map[query.Mode]time.Duration {
	ttl := orchestrator.DefaultCacheTTL()
	for mode, secs := range cfg.CacheTTLSecs {
		ttl[query.Mode(mode)] = time.Duration(secs) * time.Second
	}
	return ttl
}

// pickRefinementCompleter returns the cheapest available completer for the
// guided-refinement pre-flight, or nil when none is configured.
func pickRefinementCompleter(reg *registry.Registry) providers.Completer {
	for _, id := range []string{"openai", "anthropic"} {
		if e, ok := reg.Get(id); ok && e.Completer != nil {
			return e.Completer
		}
	}
	return nil
}
