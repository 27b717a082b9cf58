package ragcore

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// TraceConfig controls the trace ring and its persistence pipeline.
type TraceConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	Persistence     bool `mapstructure:"persistence"`
	BatchSize       int  `mapstructure:"batch_size"`
	FlushIntervalMs int  `mapstructure:"flush_interval_ms"`
	BufferSize      int  `mapstructure:"buffer_size"`
	RetentionDays   int  `mapstructure:"retention_days"`
}

// RetrievalConfig holds the ranking knobs consulted on every query.
type RetrievalConfig struct {
	SemanticThreshold float64 `mapstructure:"semantic_threshold"`
	KeywordThreshold  float64 `mapstructure:"keyword_threshold"`
	TopK              int     `mapstructure:"top_k"`
	SemanticWeight    float64 `mapstructure:"semantic_weight"`
	KeywordWeight     float64 `mapstructure:"keyword_weight"`
	MaxTokens         int     `mapstructure:"max_tokens"`
	DiversityWeight   float64 `mapstructure:"diversity_weight"`
	RecencyWeight     float64 `mapstructure:"recency_weight"`
	ImportanceWeight  float64 `mapstructure:"importance_weight"`
	MinRelevance      float64 `mapstructure:"min_relevance"`
	UseHybridSearch   bool    `mapstructure:"use_hybrid_search"`
	UseReranking      bool    `mapstructure:"use_reranking"`
	UseLLMRerank      bool    `mapstructure:"use_llm_rerank"`
	SynthesisStrategy string  `mapstructure:"synthesis_strategy"`
	FusionMode        string  `mapstructure:"fusion_mode"`
	CandidateLimit    int     `mapstructure:"candidate_limit"`
}

// EmbeddingConfig configures the embedding provider and its caches.
type EmbeddingConfig struct {
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"`
	Model      string `mapstructure:"model"`
	Dimensions int    `mapstructure:"dimensions"`
	RedisAddr  string `mapstructure:"redis_addr"`
	TimeoutMs  int    `mapstructure:"timeout_ms"`
	MaxRetries int    `mapstructure:"max_retries"`
}

// LLMConfig configures the completion client used by reranking and synthesis.
type LLMConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	APIKey      string  `mapstructure:"api_key"`
	BaseURL     string  `mapstructure:"base_url"`
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
}

// StorageConfig selects the persistence backend. An empty DSN selects the
// in-memory store.
type StorageConfig struct {
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// Config is the full engine configuration.
type Config struct {
	Trace     TraceConfig     `mapstructure:"trace"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Storage   StorageConfig   `mapstructure:"storage"`
}

// LoadConfig reads an optional YAML file and applies RAGCORE_ environment
// overrides (RAGCORE_RETRIEVAL_TOP_K, RAGCORE_TRACE_BATCH_SIZE, ...) on top
// of the defaults.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("RAGCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// DefaultConfig returns the defaults without touching files or environment.
func DefaultConfig() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("trace.enabled", true)
	v.SetDefault("trace.persistence", true)
	v.SetDefault("trace.batch_size", 20)
	v.SetDefault("trace.flush_interval_ms", 5000)
	v.SetDefault("trace.buffer_size", 200)
	v.SetDefault("trace.retention_days", 30)

	v.SetDefault("retrieval.semantic_threshold", 0.25)
	v.SetDefault("retrieval.keyword_threshold", 0.3)
	v.SetDefault("retrieval.top_k", 20)
	v.SetDefault("retrieval.semantic_weight", 0.7)
	v.SetDefault("retrieval.keyword_weight", 0.3)
	v.SetDefault("retrieval.max_tokens", 4000)
	v.SetDefault("retrieval.diversity_weight", 0.2)
	v.SetDefault("retrieval.recency_weight", 0.1)
	v.SetDefault("retrieval.importance_weight", 0.1)
	v.SetDefault("retrieval.min_relevance", 0.3)
	v.SetDefault("retrieval.use_hybrid_search", true)
	v.SetDefault("retrieval.use_reranking", true)
	v.SetDefault("retrieval.use_llm_rerank", false)
	v.SetDefault("retrieval.synthesis_strategy", "truncate")
	v.SetDefault("retrieval.fusion_mode", "weighted")
	v.SetDefault("retrieval.candidate_limit", 1000)

	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.base_url", "")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dimensions", 1536)
	v.SetDefault("embedding.redis_addr", "")
	v.SetDefault("embedding.timeout_ms", 30000)
	v.SetDefault("embedding.max_retries", 3)

	v.SetDefault("llm.enabled", false)
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.0)

	// viper only surfaces env overrides through Unmarshal for keys it knows,
	// so even value-less keys need a registered default
	v.SetDefault("storage.postgres_dsn", "")
}
