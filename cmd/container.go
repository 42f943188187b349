package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/davidbz/markl/internal/config"
	"github.com/davidbz/markl/internal/domain"
	embedding "github.com/davidbz/markl/internal/embedding/openai"
	"github.com/davidbz/markl/internal/escalation"
	"github.com/davidbz/markl/internal/httpserver"
	"github.com/davidbz/markl/internal/httpserver/middleware"
	"github.com/davidbz/markl/internal/observability"
	"github.com/davidbz/markl/internal/provider/anthropic"
	"github.com/davidbz/markl/internal/provider/echo"
	"github.com/davidbz/markl/internal/provider/gemini"
	"github.com/davidbz/markl/internal/provider/openai"
	"github.com/davidbz/markl/internal/provider/registry"
	quotaredis "github.com/davidbz/markl/internal/quota/redis"
	"github.com/davidbz/markl/internal/routing"
	"github.com/davidbz/markl/internal/store/memory"
	"github.com/davidbz/markl/internal/store/postgres"
	"github.com/davidbz/markl/internal/vectorstore/chromem"
	vectorredis "github.com/davidbz/markl/internal/vectorstore/redis"
)

// buildContainer registers every constructor. Nothing is built until a
// command invokes what it needs.
func buildContainer() (*dig.Container, error) {
	container := dig.New()

	constructors := []struct {
		name string
		fn   interface{}
	}{
		// Configuration
		{"config", config.Load},
		{"config dependencies", config.ParseDependenciesConfig},

		// Observability
		{"logger", provideLogger},
		{"metrics", observability.NewMetrics},
		{"event bus", observability.NewEventBus},
		{"event publisher", func(bus *observability.EventBus) domain.EventPublisher { return bus }},

		// Storage
		{"connections", newConnections},
		{"usage backends", provideUsageBackends},

		// Providers
		{"price table", domain.NewPriceTable},
		{"cost calculator", func(prices *domain.PriceTable) domain.CostCalculator { return prices }},
		{"provider registry", provideRegistry},
		{"router", provideRouter},

		// Domain services
		{"quota service", provideQuota},
		{"retrieval service", provideRetrieval},
		{"escalation file", provideEscalationFile},
		{"escalation detector", provideDetector},
		{"escalation dispatcher", provideDispatcher},
		{"completion service", provideCompletion},

		// HTTP layer
		{"HTTP handler", httpserver.NewHandler},
		{"middleware chain", middleware.BuildMiddlewareChain},
		{"HTTP server", httpserver.NewServer},
	}

	for _, c := range constructors {
		if err := container.Provide(c.fn); err != nil {
			return nil, fmt.Errorf("failed to provide %s: %w", c.name, err)
		}
	}

	return container, nil
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return observability.InitLogger(cfg.LogLevel)
}

// connections owns the shared clients so every backend reuses one pool and
// shutdown closes each exactly once.
type connections struct {
	cfg *config.StorageConfig

	mu    sync.Mutex
	redis *redis.Client
	db    *postgres.DB
}

func newConnections(cfg *config.StorageConfig) *connections {
	return &connections{cfg: cfg}
}

func (c *connections) Redis() *redis.Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.redis == nil {
		c.redis = redis.NewClient(&redis.Options{
			Addr:     c.cfg.RedisAddr,
			Password: c.cfg.RedisPassword,
			DB:       c.cfg.RedisDB,
			Protocol: 2,
		})
	}
	return c.redis
}

func (c *connections) Postgres(ctx context.Context) (*postgres.DB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil {
		db, err := postgres.Open(ctx, c.cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		c.db = db
	}
	return c.db, nil
}

func (c *connections) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	if c.redis != nil {
		errs = append(errs, c.redis.Close())
	}
	if c.db != nil {
		errs = append(errs, c.db.Close())
	}
	return errors.Join(errs...)
}

type usageBackends struct {
	dig.Out

	Ledger        domain.UsageLedger
	Limits        domain.LimitStore
	Conversations domain.ConversationStore
}

func provideUsageBackends(cfg *config.StorageConfig, conns *connections) (usageBackends, error) {
	ctx := context.Background()
	logger := observability.FromContext(ctx)

	switch cfg.QuotaBackend {
	case config.BackendPostgres:
		db, err := conns.Postgres(ctx)
		if err != nil {
			return usageBackends{}, fmt.Errorf("failed to open quota database: %w", err)
		}
		logger.Info("usage backend selected", observability.String("backend", cfg.QuotaBackend))
		return usageBackends{Ledger: db, Limits: db, Conversations: db}, nil

	case config.BackendRedis:
		store := quotaredis.NewStore(conns.Redis())
		logger.Info("usage backend selected", observability.String("backend", cfg.QuotaBackend))
		return usageBackends{Ledger: store, Limits: store, Conversations: memory.NewStore()}, nil

	default:
		store := memory.NewStore()
		logger.Warn("usage backend is in memory, quotas reset on restart")
		return usageBackends{Ledger: store, Limits: store, Conversations: store}, nil
	}
}

// provideRegistry registers the echo adapter plus every vendor with an API key.
func provideRegistry(cfg *config.Config, prices *domain.PriceTable) (domain.ProviderRegistry, error) {
	ctx := context.Background()
	logger := observability.FromContext(ctx)
	reg := registry.NewRegistry()

	register := func(provider domain.Provider, registerPrices func(domain.PriceSetter) error) error {
		if err := reg.Register(ctx, provider); err != nil {
			return fmt.Errorf("failed to register %s provider: %w", provider.Vendor(), err)
		}
		if err := registerPrices(prices); err != nil {
			return fmt.Errorf("failed to register %s pricing: %w", provider.Vendor(), err)
		}
		logger.Info("provider registered", observability.String("vendor", string(provider.Vendor())))
		return nil
	}

	if err := register(echo.NewProvider(), echo.RegisterPrices); err != nil {
		return nil, err
	}

	if cfg.OpenAI.APIKey != "" {
		provider, err := openai.NewProvider(cfg.OpenAI)
		if err != nil {
			return nil, fmt.Errorf("failed to create OpenAI provider: %w", err)
		}
		if err := register(provider, openai.RegisterPrices); err != nil {
			return nil, err
		}
	} else {
		logger.Info("provider not configured, skipping", observability.String("vendor", string(domain.VendorOpenAI)))
	}

	if cfg.Anthropic.APIKey != "" {
		provider, err := anthropic.NewProvider(cfg.Anthropic)
		if err != nil {
			return nil, fmt.Errorf("failed to create Anthropic provider: %w", err)
		}
		if err := register(provider, anthropic.RegisterPrices); err != nil {
			return nil, err
		}
	} else {
		logger.Info("provider not configured, skipping", observability.String("vendor", string(domain.VendorAnthropic)))
	}

	if cfg.Gemini.APIKey != "" {
		provider, err := gemini.NewProvider(cfg.Gemini)
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini provider: %w", err)
		}
		if err := register(provider, gemini.RegisterPrices); err != nil {
			return nil, err
		}
	} else {
		logger.Info("provider not configured, skipping", observability.String("vendor", string(domain.VendorGemini)))
	}

	return reg, nil
}

func provideRouter(reg domain.ProviderRegistry, cfg *config.RoutingConfig) domain.Router {
	return routing.NewRouter(reg, cfg.ModelAliases)
}

type quotaParams struct {
	dig.In

	Ledger    domain.UsageLedger
	Limits    domain.LimitStore
	Costs     domain.CostCalculator
	Publisher domain.EventPublisher
	Config    *config.QuotaConfig
}

func provideQuota(p quotaParams) *domain.QuotaService {
	return domain.NewQuotaService(p.Ledger, p.Limits, p.Costs, p.Publisher, quotaDefaults(p.Config))
}

func quotaDefaults(cfg *config.QuotaConfig) domain.QuotaDefaults {
	return domain.QuotaDefaults{
		Individual:   cfg.IndividualDailyLimit,
		Team:         cfg.TeamDailyLimit,
		Organization: cfg.OrganizationDailyLimit,
	}
}

// provideRetrieval returns a disabled service when retrieval is switched off
// or no embedding key is configured.
func provideRetrieval(
	cfg *config.Config,
	conns *connections,
	publisher domain.EventPublisher,
) (*domain.RetrievalService, error) {
	ctx := context.Background()
	logger := observability.FromContext(ctx)

	retrievalCfg := domain.RetrievalConfig{
		ChunkSize:    cfg.Retrieval.ChunkSize,
		ChunkOverlap: cfg.Retrieval.ChunkOverlap,
		EmbedDelay:   cfg.Retrieval.EmbedDelay,
		Threshold:    cfg.Retrieval.Threshold,
		TopK:         cfg.Retrieval.TopK,
	}

	if !cfg.Retrieval.Enabled || cfg.Embedding.APIKey == "" {
		logger.Warn("retrieval disabled, completions run without knowledge context")
		return domain.NewRetrievalService(nil, nil, publisher, retrievalCfg), nil
	}

	generator, err := embedding.NewGenerator(cfg.Embedding)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding generator: %w", err)
	}

	var store domain.ChunkStore
	switch cfg.Storage.VectorBackend {
	case config.BackendRedis:
		store, err = vectorredis.NewChunkStore(ctx, conns.Redis(), cfg.Storage.VectorIndexName, generator.Dimension())
	default:
		store, err = chromem.NewChunkStore(cfg.Storage.VectorPersistDir)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create chunk store: %w", err)
	}

	logger.Info("retrieval enabled",
		observability.String("vector_backend", cfg.Storage.VectorBackend),
		observability.String("embedding_model", generator.Name()))

	return domain.NewRetrievalService(generator, store, publisher, retrievalCfg), nil
}

func provideEscalationFile(cfg *config.EscalationConfig) (*config.EscalationFile, error) {
	return config.LoadEscalation(cfg.ConfigPath)
}

func provideDetector(file *config.EscalationFile) *domain.EscalationDetector {
	return domain.NewEscalationDetector(file.Triggers)
}

func provideDispatcher(
	file *config.EscalationFile,
	cfg *config.EscalationConfig,
	publisher domain.EventPublisher,
) (*domain.EscalationDispatcher, error) {
	subscriptions, err := escalation.BuildSubscriptions(file.Channels, cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to build escalation channels: %w", err)
	}
	if len(subscriptions) == 0 {
		observability.FromContext(context.Background()).Warn("no escalation channels enabled, escalations are only logged")
	}

	notifier := domain.NewNotifier(subscriptions, publisher, domain.NotifierConfig{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay,
	})
	return domain.NewEscalationDispatcher(notifier, publisher, domain.DispatcherConfig{
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
	}), nil
}

type completionParams struct {
	dig.In

	Registry      domain.ProviderRegistry
	Router        domain.Router
	Retrieval     *domain.RetrievalService
	Quota         *domain.QuotaService
	Detector      *domain.EscalationDetector
	Dispatcher    *domain.EscalationDispatcher
	Conversations domain.ConversationStore
	Publisher     domain.EventPublisher
	Config        *config.CompletionConfig
}

func provideCompletion(p completionParams) *domain.CompletionService {
	deps := domain.CompletionDeps{
		Registry:      p.Registry,
		Router:        p.Router,
		Quota:         p.Quota,
		Detector:      p.Detector,
		Escalations:   p.Dispatcher,
		Conversations: p.Conversations,
		Publisher:     p.Publisher,
	}
	if p.Retrieval.Enabled() {
		deps.Retriever = p.Retrieval
	}

	return domain.NewCompletionService(deps, domain.CompletionConfig{
		PartialUsage: domain.PartialUsagePolicy(p.Config.PartialUsagePolicy),
	})
}
