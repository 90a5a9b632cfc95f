// Package config loads service configuration from the environment and an
// optional YAML file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete configuration for the retrieval service.
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	Backend   BackendConfig   `mapstructure:"backend"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Search    SearchConfig    `mapstructure:"search"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
}

// ServiceConfig contains listener and request-budget settings.
type ServiceConfig struct {
	Port            int           `mapstructure:"port"`
	RequestDeadline time.Duration `mapstructure:"request_deadline"`
	RemoteTimeout   time.Duration `mapstructure:"remote_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	PoolSize        int64         `mapstructure:"pool_size"`
	PoolWaitBudget  time.Duration `mapstructure:"pool_wait_budget"`
}

// BackendConfig contains search backend connection settings.
type BackendConfig struct {
	URI             string `mapstructure:"uri"`
	Database        string `mapstructure:"database"`
	Collection      string `mapstructure:"collection"`
	TextIndexName   string `mapstructure:"text_index"`
	VectorIndexName string `mapstructure:"vector_index"`
}

// EmbeddingConfig contains embedding service settings.
type EmbeddingConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	Model     string `mapstructure:"model"`
	UserID    string `mapstructure:"user_id"`
	AuthToken string `mapstructure:"auth_token"`
	Dimension int    `mapstructure:"dimension"`
}

// LLMConfig contains completion service settings.
type LLMConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	Model     string `mapstructure:"model"`
	AuthToken string `mapstructure:"auth_token"`
}

// SearchConfig contains retrieval defaults.
type SearchConfig struct {
	DefaultLimit    int     `mapstructure:"default_limit"`
	RerankTopK      int     `mapstructure:"rerank_top_k"`
	BM25Weight      float64 `mapstructure:"bm25_weight"`
	VectorWeight    float64 `mapstructure:"vector_weight"`
	DedupThreshold  float64 `mapstructure:"dedup_threshold"`
	SummaryMaxItems int     `mapstructure:"summary_max_items"`
}

// JobsConfig contains job registry and bulk embedding settings.
type JobsConfig struct {
	TTL            time.Duration `mapstructure:"ttl"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	BatchSize      int           `mapstructure:"batch_size"`
	MaxConcurrent  int64         `mapstructure:"max_concurrent"`
	InterBatchWait time.Duration `mapstructure:"inter_batch_wait"`
}

// Load reads configuration from the environment (CF_ prefix plus the
// conventional bare names) and, when present, a config.yaml in the working
// directory. Missing critical values cause an error.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("service.port", 8080)
	v.SetDefault("service.request_deadline", 5*time.Minute)
	v.SetDefault("service.remote_timeout", 30*time.Second)
	v.SetDefault("service.max_body_bytes", int64(50*1024*1024))
	v.SetDefault("service.shutdown_timeout", 15*time.Second)
	v.SetDefault("service.pool_size", 20)
	v.SetDefault("service.pool_wait_budget", 2*time.Second)
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dimension", 1536)
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("search.default_limit", 10)
	v.SetDefault("search.rerank_top_k", 50)
	v.SetDefault("search.bm25_weight", 0.4)
	v.SetDefault("search.vector_weight", 0.6)
	v.SetDefault("search.dedup_threshold", 0.95)
	v.SetDefault("search.summary_max_items", 5)
	v.SetDefault("jobs.ttl", time.Hour)
	v.SetDefault("jobs.sweep_interval", 10*time.Minute)
	v.SetDefault("jobs.batch_size", 100)
	v.SetDefault("jobs.max_concurrent", 5)
	v.SetDefault("jobs.inter_batch_wait", time.Second)

	v.SetEnvPrefix("CF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Conventional env names used by the deployment tooling.
	bindings := map[string]string{
		"backend.uri":          "MONGODB_URI",
		"backend.database":     "MONGODB_DATABASE",
		"backend.collection":   "MONGODB_COLLECTION",
		"backend.text_index":   "MONGODB_TEXT_INDEX",
		"backend.vector_index": "MONGODB_VECTOR_INDEX",
		"embedding.base_url":   "EMBEDDING_BASE_URL",
		"embedding.user_id":    "EMBEDDING_USER_ID",
		"embedding.auth_token": "EMBEDDING_AUTH_TOKEN",
		"llm.base_url":         "COMPLETION_BASE_URL",
		"llm.auth_token":       "COMPLETION_AUTH_TOKEN",
		"service.port":         "PORT",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that every critical value is present.
func (c *Config) Validate() error {
	required := []struct {
		value string
		name  string
	}{
		{c.Backend.URI, "backend URI (MONGODB_URI)"},
		{c.Backend.Database, "backend database (MONGODB_DATABASE)"},
		{c.Backend.Collection, "backend collection (MONGODB_COLLECTION)"},
		{c.Backend.TextIndexName, "text index name (MONGODB_TEXT_INDEX)"},
		{c.Backend.VectorIndexName, "vector index name (MONGODB_VECTOR_INDEX)"},
		{c.Embedding.BaseURL, "embedding base URL (EMBEDDING_BASE_URL)"},
		{c.Embedding.UserID, "embedding user id (EMBEDDING_USER_ID)"},
		{c.LLM.BaseURL, "completion base URL (COMPLETION_BASE_URL)"},
	}
	var missing []string
	for _, r := range required {
		if r.value == "" {
			missing = append(missing, r.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive, got %d", c.Embedding.Dimension)
	}
	return nil
}
