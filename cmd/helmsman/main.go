package main

import (
	"context"
	"fmt"
	"time"

	"github.com/tillerworks/helmsman/internal/agent"
	"github.com/tillerworks/helmsman/internal/chat"
	helmsmanconfig "github.com/tillerworks/helmsman/internal/config"
	"github.com/tillerworks/helmsman/internal/gateway"
	"github.com/tillerworks/helmsman/internal/knowledge"
	"github.com/tillerworks/helmsman/internal/mcptools"
	"github.com/tillerworks/helmsman/internal/metering"
	"github.com/tillerworks/helmsman/internal/tools"
	"github.com/tillerworks/helmsman/pkg/config"
	"github.com/tillerworks/helmsman/pkg/database"
	"github.com/tillerworks/helmsman/pkg/llm"
	"github.com/tillerworks/helmsman/pkg/logging"
	"github.com/tillerworks/helmsman/pkg/monitoring"
	"github.com/tillerworks/helmsman/pkg/search"
	"github.com/tillerworks/helmsman/pkg/server"
	"github.com/tillerworks/helmsman/pkg/version"
)

func main() {
	logger := logging.NewLoggerWithService("helmsman")

	config.LoadEnv(logger)
	logger.Info("Starting Helmsman (charter operations assistant)")

	cfg := helmsmanconfig.LoadConfig()
	ctx := context.Background()

	// Database
	dbConfig := database.DefaultConfig()
	dbConfig.URL = cfg.DatabaseURL
	db := database.MustConnect(dbConfig, logger)
	defer func() { _ = db.Close() }()

	if err := knowledge.EnsureSchema(ctx, db, cfg.EmbeddingDimensions, logger); err != nil {
		logger.WithError(err).Fatal("Knowledge schema setup failed")
	}
	if err := chat.EnsureSchema(ctx, db); err != nil {
		logger.WithError(err).Fatal("Chat schema setup failed")
	}
	if err := metering.EnsureSchema(ctx, db); err != nil {
		logger.WithError(err).Fatal("Usage schema setup failed")
	}

	// Model gateway
	gw, err := gateway.New(ctx, gateway.Config{
		GeminiAPIKey:      cfg.GeminiAPIKey,
		ProModel:          cfg.ProModel,
		FlashModel:        cfg.FlashModel,
		LiteModel:         cfg.LiteModel,
		OpenRouterAPIKey:  cfg.OpenRouterAPIKey,
		OpenRouterBaseURL: cfg.OpenRouterBaseURL,
		OpenRouterModel:   cfg.OpenRouterModel,
		Logger:            logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Model gateway setup failed")
	}

	// Monitoring
	healthChecker := monitoring.NewHealthChecker("helmsman", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("helmsman", version.Version, version.GitCommit)
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("gateway", gatewayHealthCheck(gw))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL":   cfg.DatabaseURL,
		"GEMINI_API_KEY": cfg.GeminiAPIKey,
	}))

	// Usage metering
	var usagePublisher *metering.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		publisher, pubErr := metering.NewPublisher(metering.PublisherConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.BillingKafkaTopic,
			Source:  "helmsman",
			Logger:  logger,
		})
		if pubErr != nil {
			logger.WithError(pubErr).Warn("Failed to create billing Kafka publisher - usage events disabled")
		} else {
			usagePublisher = publisher
			defer func() { _ = usagePublisher.Close() }()
			healthChecker.AddCheck("kafka", monitoring.KafkaProducerHealthCheck(usagePublisher.Client()))
		}
	} else {
		logger.Warn("KAFKA_BROKERS not set - billing usage events disabled")
	}

	trackerCfg := metering.UsageTrackerConfig{
		DB:            db,
		Logger:        logger,
		Model:         cfg.FlashModel,
		FlushInterval: time.Minute,
	}
	if usagePublisher != nil {
		trackerCfg.Publisher = usagePublisher
	}
	usageTracker := metering.NewUsageTracker(trackerCfg)
	usageTracker.Start()
	defer usageTracker.Stop()

	rateLimiter := metering.NewRateLimiter(cfg.RateLimitPerHour, cfg.RateLimitOverrides)
	rateLimiter.StartCleanup(ctx)

	// Retrieval stack
	embeddingClient, err := llm.NewEmbeddingClient(llm.Config{
		Provider: cfg.EmbeddingProvider,
		Model:    cfg.EmbeddingModel,
		APIKey:   cfg.EmbeddingAPIKey,
		APIURL:   cfg.EmbeddingAPIURL,
	})
	if err != nil {
		logger.WithError(err).Warn("Failed to initialize embedding client - document search disabled")
		embeddingClient = nil
	}

	var reranker *knowledge.Reranker
	if cfg.RerankProvider != "" {
		rerankClient, rerankErr := llm.NewRerankClient(llm.RerankConfig{
			Provider: cfg.RerankProvider,
			Model:    cfg.RerankModel,
			APIKey:   cfg.RerankAPIKey,
			APIURL:   cfg.RerankAPIURL,
		})
		if rerankErr != nil {
			logger.WithError(rerankErr).Warn("Failed to initialize rerank client - falling back to fusion ranking")
		} else {
			reranker = knowledge.NewReranker(rerankClient, cfg.RerankProvider, cfg.RerankModel)
		}
	}

	searchProvider, err := search.NewProvider(search.Config{
		Provider: cfg.SearchProvider,
		APIKey:   cfg.SearchAPIKey,
		APIURL:   cfg.SearchAPIURL,
	})
	if err != nil {
		logger.WithError(err).Warn("Failed to initialize search provider - web search disabled")
		searchProvider = nil
	}

	knowledgeStore := knowledge.NewStore(db)
	queryRewriter := chat.NewQueryRewriter(gw)

	// Tool registry
	registry := tools.NewMap()
	if embeddingClient != nil {
		embedder := knowledge.NewEmbedder(embeddingClient)
		registry.Register(tools.NewDocumentSearchTool(
			knowledgeStore, embedder, reranker, queryRewriter,
			cfg.KnowledgeCollection, cfg.SearchLimit, logger,
		))
	}
	if searchProvider != nil {
		registry.Register(tools.NewWebSearchTool(searchProvider, cfg.SearchLimit, logger))
	}
	registry.Register(tools.NewCalculatorTool())

	var mcpClient *mcptools.Client
	if cfg.MCPServerURL != "" {
		mcpClient, err = mcptools.New(ctx, mcptools.Config{
			ServerURL:     cfg.MCPServerURL,
			ServiceToken:  cfg.MCPServiceToken,
			ToolAllowlist: cfg.MCPToolAllow,
			ToolDenylist:  cfg.MCPToolDeny,
			Logger:        logger,
		})
		if err != nil {
			logger.WithError(err).Warn("Failed to connect MCP tool server - remote tools disabled")
		} else {
			defer func() { _ = mcpClient.Close() }()
			for _, tool := range mcpClient.Tools() {
				registry.Register(tool)
			}
		}
	}
	logger.WithField("tools", registry.Names()).Info("Tool registry ready")

	// Reasoning engine and conversation layer
	engine := agent.NewEngine(agent.Config{
		LLM:      gw,
		Tools:    registry,
		Verifier: agent.NewGroundingVerifier(gw, logger),
		MaxSteps: cfg.MaxSteps,
		Logger:   logger,
	})

	conversationStore := chat.NewConversationStore(db)
	identityResolver := chat.NewIdentityResolver(db, logger)
	windowManager := chat.NewContextWindowManager(gw, conversationStore, logger, cfg.RecentTurns, cfg.HistoryTokenBudget)
	entityExtractor := chat.NewEntityExtractor(gw, logger)

	orchestrator := chat.NewOrchestrator(chat.Config{
		LLM:            gw,
		Engine:         engine,
		Store:          conversationStore,
		Identity:       identityResolver,
		Window:         windowManager,
		Entities:       entityExtractor,
		Tools:          registry,
		Logger:         logger,
		HistoryLimit:   cfg.MaxHistoryMessages,
		EnrichEntities: cfg.EnrichEntities,
	})
	chatHandler := chat.NewHandler(orchestrator, conversationStore, identityResolver, logger)

	// Router
	router := server.SetupServiceRouter(logger, "helmsman", healthChecker, metricsCollector)
	apiGroup := router.Group("/v1")
	apiGroup.Use(metering.Middleware(usageTracker, rateLimiter))
	chat.RegisterRoutes(apiGroup, chatHandler)

	serverConfig := server.DefaultConfig("helmsman", cfg.Port)
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}

// gatewayHealthCheck folds per-tier gateway health into one check: unhealthy
// only when every tier is out, degraded when any single tier is.
func gatewayHealthCheck(gw *gateway.Gateway) monitoring.HealthCheck {
	return func() monitoring.CheckResult {
		health := gw.CheckHealth(context.Background())
		degraded := 0
		available := 0
		for _, tier := range health {
			switch tier.Status {
			case "healthy":
				available++
			case "degraded":
				degraded++
			}
		}
		switch {
		case available == 0:
			return monitoring.CheckResult{Status: "unhealthy", Message: "no model tier available"}
		case degraded > 0:
			return monitoring.CheckResult{Status: "degraded", Message: fmt.Sprintf("%d tier(s) degraded", degraded)}
		}
		return monitoring.CheckResult{Status: "healthy", Message: "all model tiers available"}
	}
}
