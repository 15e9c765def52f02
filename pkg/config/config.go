package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for the coordination server.
// Configuration can come from a YAML file (config.yaml) or environment
// variables. Environment variables always override YAML values. Secrets
// (API tokens, keys, passwords) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"0.0.0.0"`
	Port     string `yaml:"port" env:"PORT" env-default:"8080"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// APIToken authenticates worker clients. Every endpoint except health
	// requires "Authorization: Bearer <token>" matching this value.
	APIToken string `yaml:"-" env:"SERVER_API_TOKEN"` // Secret - not in YAML

	// Database configuration (PostgreSQL)
	Database DatabaseConfig `yaml:"database"`

	// Redis configuration (optional best-effort cache)
	Redis RedisConfig `yaml:"redis"`

	// LLM provider configuration
	LLM LLMConfig `yaml:"llm"`

	// Workflow behavior
	Workflow WorkflowConfig `yaml:"workflow"`

	// MigrationsPath is the directory containing SQL migrations.
	MigrationsPath string `yaml:"migrations_path" env:"MIGRATIONS_PATH" env-default:"migrations"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"agentmesh"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"agentmesh"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// RedisConfig holds optional Redis cache configuration.
// Leave Host empty to run without a cache; every cached read then goes
// straight to Postgres.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// LLMConfig holds LLM provider settings for planning, audit and synthesis.
type LLMConfig struct {
	// Provider selects the client implementation: "openai" (also covers any
	// OpenAI-compatible endpoint via BaseURL) or "anthropic".
	Provider string `yaml:"provider" env:"LLM_PROVIDER" env-default:"openai"`
	Model    string `yaml:"model" env:"LLM_MODEL" env-default:"gpt-4o-mini"`
	BaseURL  string `yaml:"base_url" env:"LLM_BASE_URL" env-default:""`
	APIKey   string `yaml:"-" env:"LLM_API_KEY"` // Secret - not in YAML

	// TimeoutSeconds bounds a single completion call.
	TimeoutSeconds int `yaml:"timeout_seconds" env:"LLM_TIMEOUT_SECONDS" env-default:"120"`
}

// WorkflowConfig holds knobs for planning, audit and file coordination.
type WorkflowConfig struct {
	// ProjectsRoot is where per-project output directories are created.
	ProjectsRoot string `yaml:"projects_root" env:"PROJECTS_ROOT" env-default:"projects"`

	// AuditConfidenceThreshold forces an audit verdict to failed when the
	// model reports confidence below it.
	AuditConfidenceThreshold float64 `yaml:"audit_confidence_threshold" env:"AUDIT_CONFIDENCE_THRESHOLD" env-default:"0.8"`

	// AuditCriteriaFile optionally overrides the built-in audit criteria
	// with a YAML list.
	AuditCriteriaFile string `yaml:"audit_criteria_file" env:"AUDIT_CRITERIA_FILE" env-default:""`

	// FileLockTimeoutSeconds bounds how long a file access request waits
	// for conflicting holders to release.
	FileLockTimeoutSeconds int `yaml:"file_lock_timeout_seconds" env:"FILE_LOCK_TIMEOUT_SECONDS" env-default:"30"`

	// FileLockExpiryHours is the age after which abandoned locks are swept.
	FileLockExpiryHours int `yaml:"file_lock_expiry_hours" env:"FILE_LOCK_EXPIRY_HOURS" env-default:"24"`
}

// Load reads configuration from config.yaml with environment variable
// overrides. If config.yaml does not exist, configuration comes from the
// environment alone. The version parameter is injected at build time.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if _, err := os.Stat("config.yaml"); err == nil {
		if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
			return nil, fmt.Errorf("failed to read config.yaml: %w", err)
		}
	} else {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	}

	if cfg.APIToken == "" {
		return nil, fmt.Errorf("SERVER_API_TOKEN must be set")
	}

	return cfg, nil
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Timeout returns the per-call LLM timeout as a duration.
func (c *LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// LockTimeout returns the file lock wait bound as a duration.
func (c *WorkflowConfig) LockTimeout() time.Duration {
	return time.Duration(c.FileLockTimeoutSeconds) * time.Second
}

// LockExpiry returns the abandoned-lock sweep age as a duration.
func (c *WorkflowConfig) LockExpiry() time.Duration {
	return time.Duration(c.FileLockExpiryHours) * time.Hour
}
