package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/dig"

	embedding "github.com/davidbz/markl/internal/embedding/openai"
	"github.com/davidbz/markl/internal/provider/anthropic"
	"github.com/davidbz/markl/internal/provider/gemini"
	"github.com/davidbz/markl/internal/provider/openai"
)

// Backend names accepted by VECTOR_BACKEND and QUOTA_BACKEND.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config represents the service configuration.
type Config struct {
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
	Server     ServerConfig
	CORS       CORSConfig
	OpenAI     openai.Config
	Anthropic  anthropic.Config
	Gemini     gemini.Config
	Embedding  embedding.Config
	Storage    StorageConfig
	Routing    RoutingConfig
	Quota      QuotaConfig
	Retrieval  RetrievalConfig
	Escalation EscalationConfig
	Completion CompletionConfig
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int `env:"SERVER_PORT"             envDefault:"8080"`
	ReadTimeout     int `env:"SERVER_READ_TIMEOUT"     envDefault:"30"`
	WriteTimeout    int `env:"SERVER_WRITE_TIMEOUT"    envDefault:"120"`
	ShutdownTimeout int `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"15"`
}

// CORSConfig contains CORS policy settings.
type CORSConfig struct {
	AllowedOrigins   []string `env:"CORS_ALLOWED_ORIGINS"   envSeparator:"," envDefault:"*"`
	AllowedMethods   []string `env:"CORS_ALLOWED_METHODS"   envSeparator:"," envDefault:"GET,POST,PUT,DELETE,OPTIONS"`
	AllowedHeaders   []string `env:"CORS_ALLOWED_HEADERS"   envSeparator:"," envDefault:"Content-Type,Authorization,X-User-Id,X-Team-Id,X-Organization-Id,X-User-Role,X-Conversation-Id"`
	AllowCredentials bool     `env:"CORS_ALLOW_CREDENTIALS"                  envDefault:"true"`
	MaxAge           int      `env:"CORS_MAX_AGE"                            envDefault:"86400"`
}

// StorageConfig selects and addresses the persistence backends.
type StorageConfig struct {
	VectorBackend    string `env:"VECTOR_BACKEND"     envDefault:"memory"`
	QuotaBackend     string `env:"QUOTA_BACKEND"      envDefault:"memory"`
	RedisAddr        string `env:"REDIS_ADDR"         envDefault:"localhost:6379"`
	RedisPassword    string `env:"REDIS_PASSWORD"`
	RedisDB          int    `env:"REDIS_DB"           envDefault:"0"`
	VectorIndexName  string `env:"VECTOR_INDEX_NAME"  envDefault:"markl-chunks"`
	VectorPersistDir string `env:"VECTOR_PERSIST_DIR"`
	DatabaseURL      string `env:"DATABASE_URL"`
}

// RoutingConfig contains model routing settings.
type RoutingConfig struct {
	ModelAliases map[string]string `env:"MODEL_ALIASES" envSeparator:"," envKeyValSeparator:"="`
}

// QuotaConfig contains the default daily token limits.
type QuotaConfig struct {
	IndividualDailyLimit   int `env:"QUOTA_INDIVIDUAL_DAILY_LIMIT"   envDefault:"10000"`
	TeamDailyLimit         int `env:"QUOTA_TEAM_DAILY_LIMIT"         envDefault:"100000"`
	OrganizationDailyLimit int `env:"QUOTA_ORGANIZATION_DAILY_LIMIT" envDefault:"100000"`
}

// RetrievalConfig tunes chunking, indexing and search.
type RetrievalConfig struct {
	Enabled      bool          `env:"RETRIEVAL_ENABLED"       envDefault:"true"`
	Threshold    float64       `env:"RETRIEVAL_THRESHOLD"     envDefault:"0.65"`
	TopK         int           `env:"RETRIEVAL_TOP_K"         envDefault:"4"`
	ChunkSize    int           `env:"RETRIEVAL_CHUNK_SIZE"    envDefault:"500"`
	ChunkOverlap int           `env:"RETRIEVAL_CHUNK_OVERLAP" envDefault:"50"`
	EmbedDelay   time.Duration `env:"RETRIEVAL_EMBED_DELAY"   envDefault:"200ms"`
}

// EscalationConfig tunes keyword escalation and its delivery.
type EscalationConfig struct {
	ConfigPath  string        `env:"ESCALATION_CONFIG_PATH"`
	MaxAttempts int           `env:"ESCALATION_MAX_ATTEMPTS" envDefault:"3"`
	BaseDelay   time.Duration `env:"ESCALATION_BASE_DELAY"   envDefault:"1s"`
	Workers     int           `env:"ESCALATION_WORKERS"      envDefault:"2"`
	QueueSize   int           `env:"ESCALATION_QUEUE_SIZE"   envDefault:"64"`
	Timeout     time.Duration `env:"ESCALATION_TIMEOUT"      envDefault:"10s"`
}

// CompletionConfig tunes the completion orchestrator.
type CompletionConfig struct {
	PartialUsagePolicy string `env:"PARTIAL_USAGE_POLICY" envDefault:"none"`
}

// DepConfig is used for dependency injection with dig. Fields are named
// because several sub-configs share the type name Config.
type DepConfig struct {
	dig.Out

	Server     *ServerConfig
	CORS       *CORSConfig
	OpenAI     *openai.Config
	Anthropic  *anthropic.Config
	Gemini     *gemini.Config
	Embedding  *embedding.Config
	Storage    *StorageConfig
	Routing    *RoutingConfig
	Quota      *QuotaConfig
	Retrieval  *RetrievalConfig
	Escalation *EscalationConfig
	Completion *CompletionConfig
}

// Load loads environment files and parses configuration.
func Load() *Config {
	for _, file := range []string{".env"} {
		_ = godotenv.Load(file)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		panic(err)
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	return &cfg
}

// Validate rejects settings that cannot work together.
func (c *Config) Validate() error {
	switch c.Storage.VectorBackend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("unsupported VECTOR_BACKEND %q", c.Storage.VectorBackend)
	}

	switch c.Storage.QuotaBackend {
	case BackendMemory, BackendRedis:
	case BackendPostgres:
		if c.Storage.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when QUOTA_BACKEND=%s", BackendPostgres)
		}
	default:
		return fmt.Errorf("unsupported QUOTA_BACKEND %q", c.Storage.QuotaBackend)
	}

	switch c.Completion.PartialUsagePolicy {
	case "none", "estimate":
	default:
		return fmt.Errorf("unsupported PARTIAL_USAGE_POLICY %q", c.Completion.PartialUsagePolicy)
	}

	if c.Retrieval.Threshold < 0 || c.Retrieval.Threshold > 1 {
		return fmt.Errorf("RETRIEVAL_THRESHOLD must be within [0, 1], got %v", c.Retrieval.Threshold)
	}

	return nil
}

// ParseDependenciesConfig returns pointers to sub-configs for dependency injection.
func ParseDependenciesConfig(cfg *Config) DepConfig {
	return DepConfig{
		Server:     &cfg.Server,
		CORS:       &cfg.CORS,
		OpenAI:     &cfg.OpenAI,
		Anthropic:  &cfg.Anthropic,
		Gemini:     &cfg.Gemini,
		Embedding:  &cfg.Embedding,
		Storage:    &cfg.Storage,
		Routing:    &cfg.Routing,
		Quota:      &cfg.Quota,
		Retrieval:  &cfg.Retrieval,
		Escalation: &cfg.Escalation,
		Completion: &cfg.Completion,
	}
}
