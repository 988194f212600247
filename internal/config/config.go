package config

import (
	"strconv"
	"strings"

	"github.com/tillerworks/helmsman/pkg/config"
)

// Config stores environment configuration for Helmsman.
type Config struct {
	Port        string
	DatabaseURL string

	GeminiAPIKey string
	ProModel     string
	FlashModel   string
	LiteModel    string

	OpenRouterAPIKey  string
	OpenRouterBaseURL string
	OpenRouterModel   string

	EmbeddingProvider   string
	EmbeddingModel      string
	EmbeddingAPIKey     string
	EmbeddingAPIURL     string
	EmbeddingDimensions int

	RerankProvider string
	RerankModel    string
	RerankAPIKey   string
	RerankAPIURL   string

	SearchProvider string
	SearchAPIKey   string
	SearchAPIURL   string

	MCPServerURL    string
	MCPServiceToken string
	MCPToolAllow    []string
	MCPToolDeny     []string

	KafkaBrokers      []string
	BillingKafkaTopic string

	KnowledgeCollection string
	SearchLimit         int

	MaxSteps           int
	MaxHistoryMessages int
	RecentTurns        int
	HistoryTokenBudget int
	EnrichEntities     bool

	RateLimitPerHour   int
	RateLimitOverrides map[string]int
}

// LoadConfig loads the Helmsman configuration from environment variables.
func LoadConfig() Config {
	return Config{
		Port:        config.GetEnv("PORT", "18020"),
		DatabaseURL: config.RequireEnv("DATABASE_URL"),

		GeminiAPIKey: config.RequireEnv("GEMINI_API_KEY"),
		ProModel:     config.GetEnv("HELMSMAN_PRO_MODEL", ""),
		FlashModel:   config.GetEnv("HELMSMAN_FLASH_MODEL", ""),
		LiteModel:    config.GetEnv("HELMSMAN_LITE_MODEL", ""),

		OpenRouterAPIKey:  config.GetEnv("OPENROUTER_API_KEY", ""),
		OpenRouterBaseURL: config.GetEnv("OPENROUTER_BASE_URL", ""),
		OpenRouterModel:   config.GetEnv("OPENROUTER_MODEL", ""),

		EmbeddingProvider:   config.GetEnv("EMBEDDING_PROVIDER", "gemini"),
		EmbeddingModel:      config.GetEnv("EMBEDDING_MODEL", ""),
		EmbeddingAPIKey:     config.GetEnv("EMBEDDING_API_KEY", config.GetEnv("GEMINI_API_KEY", "")),
		EmbeddingAPIURL:     config.GetEnv("EMBEDDING_API_URL", ""),
		EmbeddingDimensions: config.GetEnvInt("EMBEDDING_DIMENSIONS", 768),

		RerankProvider: config.GetEnv("RERANKER_PROVIDER", ""),
		RerankModel:    config.GetEnv("RERANKER_MODEL", ""),
		RerankAPIKey:   config.GetEnv("RERANKER_API_KEY", ""),
		RerankAPIURL:   config.GetEnv("RERANKER_API_URL", ""),

		SearchProvider: config.GetEnv("SEARCH_PROVIDER", ""),
		SearchAPIKey:   config.GetEnv("SEARCH_API_KEY", ""),
		SearchAPIURL:   config.GetEnv("SEARCH_API_URL", ""),

		MCPServerURL:    config.GetEnv("MCP_SERVER_URL", ""),
		MCPServiceToken: config.GetEnv("MCP_SERVICE_TOKEN", ""),
		MCPToolAllow:    parseList(config.GetEnv("MCP_TOOL_ALLOWLIST", "")),
		MCPToolDeny:     parseList(config.GetEnv("MCP_TOOL_DENYLIST", "")),

		KafkaBrokers:      parseList(config.GetEnv("KAFKA_BROKERS", "")),
		BillingKafkaTopic: config.GetEnv("BILLING_KAFKA_TOPIC", "billing.usage_reports"),

		KnowledgeCollection: config.GetEnv("HELMSMAN_KNOWLEDGE_COLLECTION", "charter_ops"),
		SearchLimit:         config.GetEnvInt("HELMSMAN_SEARCH_LIMIT", 8),

		MaxSteps:           config.GetEnvInt("HELMSMAN_MAX_STEPS", 6),
		MaxHistoryMessages: config.GetEnvInt("HELMSMAN_MAX_HISTORY_MESSAGES", 20),
		RecentTurns:        config.GetEnvInt("HELMSMAN_RECENT_TURNS", 6),
		HistoryTokenBudget: config.GetEnvInt("HELMSMAN_HISTORY_TOKEN_BUDGET", 6000),
		EnrichEntities:     config.GetEnvBool("HELMSMAN_ENRICH_ENTITIES", false),

		RateLimitPerHour:   config.GetEnvInt("HELMSMAN_RATE_LIMIT_PER_HOUR", 0),
		RateLimitOverrides: parseRateLimitOverrides(config.GetEnv("HELMSMAN_RATE_LIMIT_OVERRIDES", "")),
	}
}

func parseList(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var result []string
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			result = append(result, item)
		}
	}
	return result
}

// parseRateLimitOverrides parses "account:limit,account:limit" pairs.
func parseRateLimitOverrides(raw string) map[string]int {
	overrides := map[string]int{}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return overrides
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		idx := strings.LastIndex(entry, ":")
		if idx <= 0 {
			continue
		}
		account := strings.ToLower(strings.TrimSpace(entry[:idx]))
		limit, err := strconv.Atoi(strings.TrimSpace(entry[idx+1:]))
		if err != nil || limit < 0 || account == "" {
			continue
		}
		overrides[account] = limit
	}
	return overrides
}
