package llm

import (
	"github.com/tillerworks/helmsman/pkg/config"
)

type Config struct {
	Provider string
	Model    string
	APIKey   string
	APIURL   string
}

// LoadEmbeddingConfig loads embedding-specific configuration from EMBEDDING_*
// env vars, falling back to their LLM_* counterparts when unset.
func LoadEmbeddingConfig() Config {
	return Config{
		Provider: config.GetEnv("EMBEDDING_PROVIDER", config.GetEnv("LLM_PROVIDER", "openai")),
		Model:    config.GetEnv("EMBEDDING_MODEL", config.GetEnv("LLM_MODEL", "")),
		APIKey:   config.GetEnv("EMBEDDING_API_KEY", config.GetEnv("LLM_API_KEY", "")),
		APIURL:   config.GetEnv("EMBEDDING_API_URL", config.GetEnv("LLM_API_URL", "")),
	}
}

// LoadRerankConfig loads reranker configuration from RERANKER_* env vars.
// An empty provider means reranking is disabled.
func LoadRerankConfig() RerankConfig {
	return RerankConfig{
		Provider: config.GetEnv("RERANKER_PROVIDER", ""),
		Model:    config.GetEnv("RERANKER_MODEL", ""),
		APIKey:   config.GetEnv("RERANKER_API_KEY", ""),
		APIURL:   config.GetEnv("RERANKER_API_URL", ""),
	}
}
