// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.ragcore/config.yaml or ./config.yaml)
//  3. Default values
//
// Security: sensitive data (passwords, API keys) is masked in
// MarshalJSON and never logged.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidProvider indicates the LLM provider is not supported.
	ErrInvalidProvider = errors.New("invalid provider")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidChunking indicates the chunk size/overlap pair is unusable.
	ErrInvalidChunking = errors.New("invalid chunking parameters")

	// ErrInvalidWeights indicates a negative fusion weight.
	ErrInvalidWeights = errors.New("invalid search weights")

	// ErrMissingAPIKey indicates a required API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")
)

// LLM provider identifiers used in ProviderConfig.Type.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// ProviderConfig describes one LLM endpoint.
type ProviderConfig struct {
	Type       string `mapstructure:"type" json:"type"` // "ollama" or "openai"
	BaseURL    string `mapstructure:"base_url" json:"base_url"`
	APIKey     string `mapstructure:"api_key" json:"api_key"` // SENSITIVE: masked in MarshalJSON
	ChatModel  string `mapstructure:"chat_model" json:"chat_model"`
	EmbedModel string `mapstructure:"embed_model" json:"embed_model"`
}

// Config stores application configuration.
// SECURITY: sensitive fields are explicitly masked in MarshalJSON.
// When adding new sensitive fields, update MarshalJSON.
type Config struct {
	// LLM providers. Secondary is the failover target; leave its Type
	// empty to disable failover.
	Primary   ProviderConfig `mapstructure:"primary" json:"primary"`
	Secondary ProviderConfig `mapstructure:"secondary" json:"secondary"`

	// Storage configuration
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Retrieval configuration
	ChunkSize      int     `mapstructure:"chunk_size" json:"chunk_size"`
	ChunkOverlap   int     `mapstructure:"chunk_overlap" json:"chunk_overlap"`
	SearchLimit    int     `mapstructure:"search_limit" json:"search_limit"`
	MinScore       float32 `mapstructure:"min_score" json:"min_score"`
	SemanticWeight float32 `mapstructure:"semantic_weight" json:"semantic_weight"`
	KeywordWeight  float32 `mapstructure:"keyword_weight" json:"keyword_weight"`
	Temperature    float64 `mapstructure:"temperature" json:"temperature"`

	// Conversation history configuration
	MaxHistoryMessages  int `mapstructure:"max_history_messages" json:"max_history_messages"`
	ConversationTTLMins int `mapstructure:"conversation_ttl_mins" json:"conversation_ttl_mins"`

	// Health monitoring configuration
	CircuitFailureThreshold int `mapstructure:"circuit_failure_threshold" json:"circuit_failure_threshold"`
	CircuitCooldownSecs     int `mapstructure:"circuit_cooldown_secs" json:"circuit_cooldown_secs"`
	HealthIntervalSecs      int `mapstructure:"health_interval_secs" json:"health_interval_secs"`

	// Agent configuration
	AgentMaxSteps int    `mapstructure:"agent_max_steps" json:"agent_max_steps"`
	AgentWorkDir  string `mapstructure:"agent_work_dir" json:"agent_work_dir"`

	// Server configuration
	ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	v := viper.New()

	home, err := os.UserHomeDir()
	if err == nil {
		v.AddConfigPath(filepath.Join(home, ".ragcore"))
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	setDefaults(v)
	bindEnvVariables(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is not an error, defaults apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Primary provider defaults to a local Ollama instance.
	v.SetDefault("primary.type", ProviderOllama)
	v.SetDefault("primary.base_url", "http://localhost:11434")
	v.SetDefault("primary.chat_model", "llama3.1")
	v.SetDefault("primary.embed_model", "nomic-embed-text")

	// PostgreSQL defaults (matching docker-compose.yml)
	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "ragcore")
	v.SetDefault("postgres_password", "ragcore_dev_password")
	v.SetDefault("postgres_db_name", "ragcore")
	v.SetDefault("postgres_ssl_mode", "disable")

	// Retrieval defaults
	v.SetDefault("chunk_size", 1000)
	v.SetDefault("chunk_overlap", 100)
	v.SetDefault("search_limit", 5)
	v.SetDefault("min_score", 0.0)
	v.SetDefault("semantic_weight", 0.7)
	v.SetDefault("keyword_weight", 0.3)
	v.SetDefault("temperature", 0.3)

	// Conversation defaults
	v.SetDefault("max_history_messages", 20)
	v.SetDefault("conversation_ttl_mins", 30)

	// Health defaults
	v.SetDefault("circuit_failure_threshold", 5)
	v.SetDefault("circuit_cooldown_secs", 30)
	v.SetDefault("health_interval_secs", 15)

	// Agent defaults
	v.SetDefault("agent_max_steps", 10)
	v.SetDefault("agent_work_dir", ".")

	// Server defaults
	v.SetDefault("listen_addr", ":8080")
}

// bindEnvVariables binds environment overrides explicitly. Only the
// keys listed here are reachable from the environment.
func bindEnvVariables(v *viper.Viper) {
	mustBind := func(key, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("primary.type", "RAGCORE_PROVIDER")
	mustBind("primary.base_url", "RAGCORE_BASE_URL")
	mustBind("primary.api_key", "RAGCORE_API_KEY")
	mustBind("primary.chat_model", "RAGCORE_CHAT_MODEL")
	mustBind("primary.embed_model", "RAGCORE_EMBED_MODEL")

	mustBind("secondary.type", "RAGCORE_FALLBACK_PROVIDER")
	mustBind("secondary.base_url", "RAGCORE_FALLBACK_BASE_URL")
	mustBind("secondary.api_key", "RAGCORE_FALLBACK_API_KEY")
	mustBind("secondary.chat_model", "RAGCORE_FALLBACK_CHAT_MODEL")
	mustBind("secondary.embed_model", "RAGCORE_FALLBACK_EMBED_MODEL")

	mustBind("postgres_host", "RAGCORE_POSTGRES_HOST")
	mustBind("postgres_port", "RAGCORE_POSTGRES_PORT")
	mustBind("postgres_user", "RAGCORE_POSTGRES_USER")
	mustBind("postgres_password", "RAGCORE_POSTGRES_PASSWORD")
	mustBind("postgres_db_name", "RAGCORE_POSTGRES_DB")

	mustBind("listen_addr", "RAGCORE_LISTEN_ADDR")
}

// Validate fails fast on unusable configuration.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	if err := validateProvider(c.Primary, true); err != nil {
		return err
	}
	if err := validateProvider(c.Secondary, false); err != nil {
		return err
	}

	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.ChunkSize <= 0 || c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("%w: size=%d overlap=%d", ErrInvalidChunking, c.ChunkSize, c.ChunkOverlap)
	}
	if c.SemanticWeight < 0 || c.KeywordWeight < 0 {
		return fmt.Errorf("%w: semantic=%g keyword=%g", ErrInvalidWeights, c.SemanticWeight, c.KeywordWeight)
	}
	return nil
}

func validateProvider(p ProviderConfig, required bool) error {
	if p.Type == "" {
		if required {
			return fmt.Errorf("%w: primary provider type is required", ErrInvalidProvider)
		}
		return nil
	}
	switch p.Type {
	case ProviderOllama:
		return nil
	case ProviderOpenAI:
		if p.APIKey == "" {
			return fmt.Errorf("%w: openai provider needs an api key", ErrMissingAPIKey)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidProvider, p.Type)
	}
}

// ConnString builds the PostgreSQL connection string.
func (c *Config) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.PostgresUser, c.PostgresPassword,
		c.PostgresHost, c.PostgresPort,
		c.PostgresDBName, c.PostgresSSLMode)
}

// HasFallback reports whether a secondary provider is configured.
func (c *Config) HasFallback() bool {
	return c.Secondary.Type != ""
}

// MarshalJSON masks sensitive fields so configs can be logged safely.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	masked := alias(c)
	if masked.PostgresPassword != "" {
		masked.PostgresPassword = "***"
	}
	if masked.Primary.APIKey != "" {
		masked.Primary.APIKey = "***"
	}
	if masked.Secondary.APIKey != "" {
		masked.Secondary.APIKey = "***"
	}
	return json.Marshal(masked)
}
