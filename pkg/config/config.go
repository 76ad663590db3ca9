package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for lumen-engine.
// Configuration can come from YAML file (config.yaml) or environment
// variables; environment variables override YAML values. Secrets
// (passwords, API keys) must only come from environment variables.
type Config struct {
	Env     string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version string `yaml:"-"`

	// Internal metadata database (PostgreSQL)
	Database DatabaseConfig `yaml:"database"`

	// LLM and embedding endpoints
	AI AIConfig `yaml:"ai"`

	// Pipeline limits and cache sizing
	Engine EngineConfig `yaml:"engine"`

	// Row-level security behavior
	RLS RLSConfig `yaml:"rls"`
}

// DatabaseConfig holds PostgreSQL metadata database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"lumen"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"lumen_engine"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
	MigrationsPath string `yaml:"migrations_path" env:"MIGRATIONS_PATH" env-default:"migrations"`

	// Pool sizing for the metadata store.
	MaxConnections      int32 `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	ConnLifetimeMinutes int   `yaml:"conn_lifetime_minutes" env:"PGCONN_LIFETIME_MINUTES" env-default:"60"`
	ConnIdleMinutes     int   `yaml:"conn_idle_minutes" env:"PGCONN_IDLE_MINUTES" env-default:"30"`
}

// ConnLifetime returns the maximum age of a pooled connection.
func (c *DatabaseConfig) ConnLifetime() time.Duration {
	return time.Duration(c.ConnLifetimeMinutes) * time.Minute
}

// ConnIdle returns how long an idle pooled connection is kept.
func (c *DatabaseConfig) ConnIdle() time.Duration {
	return time.Duration(c.ConnIdleMinutes) * time.Minute
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// AIConfig holds LLM and embedding endpoint configuration.
type AIConfig struct {
	// Provider selects the completion backend: "openai" (any
	// OpenAI-compatible endpoint) or "anthropic".
	Provider string `yaml:"provider" env:"AI_PROVIDER" env-default:"openai"`

	LLMBaseURL string `yaml:"llm_base_url" env:"AI_LLM_BASE_URL" env-default:"https://api.openai.com/v1"`
	LLMModel   string `yaml:"llm_model" env:"AI_LLM_MODEL" env-default:"gpt-4o"`
	LLMAPIKey  string `yaml:"-" env:"AI_LLM_API_KEY"` // Secret - not in YAML

	// Embeddings always go through an OpenAI-compatible endpoint, even
	// when completions use Anthropic.
	EmbeddingBaseURL string `yaml:"embedding_base_url" env:"AI_EMBEDDING_BASE_URL" env-default:"https://api.openai.com/v1"`
	EmbeddingModel   string `yaml:"embedding_model" env:"AI_EMBEDDING_MODEL" env-default:"text-embedding-3-small"`
	EmbeddingAPIKey  string `yaml:"-" env:"AI_EMBEDDING_API_KEY"` // Secret - not in YAML

	LLMTimeoutSeconds int `yaml:"llm_timeout_seconds" env:"AI_LLM_TIMEOUT_SECONDS" env-default:"20"`
}

// EngineConfig holds pipeline limits and cache sizing.
type EngineConfig struct {
	MaxRowLimit           int    `yaml:"max_row_limit" env:"ENGINE_MAX_ROW_LIMIT" env-default:"10000"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds" env:"ENGINE_REQUEST_TIMEOUT_SECONDS" env-default:"60"`
	QueryTimeoutSeconds   int    `yaml:"query_timeout_seconds" env:"ENGINE_QUERY_TIMEOUT_SECONDS" env-default:"30"`
	MaxInflight           int    `yaml:"max_inflight" env:"ENGINE_MAX_INFLIGHT" env-default:"64"`
	ValidationLevel       string `yaml:"validation_level" env:"ENGINE_VALIDATION_LEVEL" env-default:"MODERATE"`

	PlanCacheSize        int `yaml:"plan_cache_size" env:"ENGINE_PLAN_CACHE_SIZE" env-default:"2048"`
	PlanCacheTTLMinutes  int `yaml:"plan_cache_ttl_minutes" env:"ENGINE_PLAN_CACHE_TTL_MINUTES" env-default:"60"`
	ResultCacheSize      int `yaml:"result_cache_size" env:"ENGINE_RESULT_CACHE_SIZE" env-default:"512"`
	ResultCacheTTLMinutes int `yaml:"result_cache_ttl_minutes" env:"ENGINE_RESULT_CACHE_TTL_MINUTES" env-default:"10"`

	SchemaCacheTTLMinutes int `yaml:"schema_cache_ttl_minutes" env:"ENGINE_SCHEMA_CACHE_TTL_MINUTES" env-default:"30"`

	// Semantic fields included in the intent prompt, by usage.
	PromptFieldLimit int `yaml:"prompt_field_limit" env:"ENGINE_PROMPT_FIELD_LIMIT" env-default:"50"`
}

// RLSConfig holds row-level security behavior toggles.
type RLSConfig struct {
	// PruneDeniedColumns silently removes denied columns from the
	// projection instead of rejecting the query.
	PruneDeniedColumns bool `yaml:"prune_denied_columns" env:"RLS_PRUNE_DENIED_COLUMNS" env-default:"false"`
}

// RequestTimeout returns the overall request deadline.
func (c *EngineConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// QueryTimeout returns the per-statement warehouse timeout.
func (c *EngineConfig) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutSeconds) * time.Second
}

// PlanCacheTTL returns the plan cache entry lifetime.
func (c *EngineConfig) PlanCacheTTL() time.Duration {
	return time.Duration(c.PlanCacheTTLMinutes) * time.Minute
}

// ResultCacheTTL returns the result cache entry lifetime.
func (c *EngineConfig) ResultCacheTTL() time.Duration {
	return time.Duration(c.ResultCacheTTLMinutes) * time.Minute
}

// SchemaCacheTTL returns the schema snapshot lifetime.
func (c *EngineConfig) SchemaCacheTTL() time.Duration {
	return time.Duration(c.SchemaCacheTTLMinutes) * time.Minute
}

// LLMTimeout returns the per-call LLM deadline.
func (c *AIConfig) LLMTimeout() time.Duration {
	return time.Duration(c.LLMTimeoutSeconds) * time.Second
}

// Load reads configuration from config.yaml with environment variable
// overrides. The version parameter is injected at build time.
func Load(version string) (*Config, error) {
	cfg := &Config{Version: version}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		return nil, fmt.Errorf("failed to read config.yaml: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv reads configuration from environment variables only,
// without requiring a config.yaml. Used by tests and container images.
func LoadFromEnv(version string) (*Config, error) {
	cfg := &Config{Version: version}

	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Engine.ValidationLevel {
	case "STRICT", "MODERATE", "PERMISSIVE":
	default:
		return fmt.Errorf("invalid validation_level %q", c.Engine.ValidationLevel)
	}
	switch c.AI.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("invalid ai provider %q", c.AI.Provider)
	}
	if c.Engine.MaxRowLimit <= 0 {
		return fmt.Errorf("max_row_limit must be positive")
	}
	return nil
}
