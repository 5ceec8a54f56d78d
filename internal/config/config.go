package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all configuration for the constellation service
type Config struct {
	// Server configuration
	HTTPPort int    `env:"CONSTELLATION_HTTP_PORT" envDefault:"8080"`
	GRPCPort int    `env:"CONSTELLATION_GRPC_PORT" envDefault:"9090"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	Storage      StorageConfig
	Redis        RedisConfig
	Events       EventsConfig
	LLM          LLMConfig
	Orchestrator OrchestratorConfig
	Devices      DevicesConfig
	Tracing      TracingConfig
	Timeouts     TimeoutConfig
}

// StorageConfig selects where constellations are persisted
type StorageConfig struct {
	// Backend is one of memory, redis, sqlite or s3.
	Backend    string        `env:"STORAGE_BACKEND" envDefault:"memory"`
	SQLitePath string        `env:"STORAGE_SQLITE_PATH" envDefault:"constellation.db"`
	RedisTTL   time.Duration `env:"STORAGE_REDIS_TTL" envDefault:"24h"`

	S3 S3Config
}

// S3Config holds the object store settings of the s3 backend
type S3Config struct {
	Endpoint  string `env:"S3_ENDPOINT" envDefault:"localhost:9000"`
	AccessKey string `env:"S3_ACCESS_KEY"`
	SecretKey string `env:"S3_SECRET_KEY"`
	UseSSL    bool   `env:"S3_USE_SSL" envDefault:"false"`
	Bucket    string `env:"S3_BUCKET" envDefault:"constellations"`
	Prefix    string `env:"S3_PREFIX"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASS"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`

	// Connection pool settings
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	MaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`
}

// EventsConfig controls the in-process bus and where events are mirrored
type EventsConfig struct {
	MaxQueue int `env:"EVENTS_MAX_QUEUE" envDefault:"4096"`

	// RedisStreams mirrors every event into a per-constellation stream.
	RedisStreams bool  `env:"EVENTS_REDIS_STREAMS" envDefault:"false"`
	StreamMaxLen int64 `env:"EVENTS_STREAM_MAX_LEN" envDefault:"10000"`

	// NATSURL enables the NATS forwarder when set.
	NATSURL           string `env:"NATS_URL"`
	NATSSubjectPrefix string `env:"NATS_SUBJECT_PREFIX" envDefault:"constellation"`
}

// LLMConfig holds LLM provider configuration
type LLMConfig struct {
	Provider string `env:"LLM_PROVIDER" envDefault:"anthropic"`
	APIKey   string `env:"LLM_API_KEY"`
	BaseURL  string `env:"LLM_BASE_URL"`

	RequestTimeout time.Duration `env:"LLM_REQUEST_TIMEOUT" envDefault:"120s"`

	// Default model settings
	DefaultModel       string  `env:"LLM_DEFAULT_MODEL" envDefault:"claude-sonnet-4-5"`
	DefaultTemperature float64 `env:"LLM_DEFAULT_TEMPERATURE" envDefault:"0.7"`
	DefaultMaxTokens   int     `env:"LLM_DEFAULT_MAX_TOKENS" envDefault:"4096"`

	// MaxFollowUps bounds the editor calls made per constellation.
	MaxFollowUps int `env:"LLM_MAX_FOLLOW_UPS" envDefault:"5"`
}

// Enabled reports whether an LLM client can be built.
func (c LLMConfig) Enabled() bool {
	return c.APIKey != ""
}

// OrchestratorConfig holds orchestration limits
type OrchestratorConfig struct {
	MaxConcurrentTasks int           `env:"ORCHESTRATOR_MAX_CONCURRENT_TASKS" envDefault:"10"`
	PollInterval       time.Duration `env:"ORCHESTRATOR_POLL_INTERVAL" envDefault:"500ms"`
	MaxTasks           int           `env:"ORCHESTRATOR_MAX_TASKS" envDefault:"500"`
	MaxRestarts        int           `env:"ORCHESTRATOR_MAX_RESTARTS" envDefault:"10"`
	// Strategy is one of capability, round_robin or least_loaded.
	Strategy string `env:"ORCHESTRATOR_STRATEGY" envDefault:"capability"`
	// Executor is simulated or llm.
	Executor string `env:"ORCHESTRATOR_EXECUTOR" envDefault:"simulated"`
}

// DevicesConfig holds the device registry settings
type DevicesConfig struct {
	// Seed lists devices registered at startup as id:type[|capability...].
	Seed                []string      `env:"DEVICES" envSeparator:","`
	HealthCheckInterval time.Duration `env:"DEVICES_HEALTH_CHECK_INTERVAL" envDefault:"30s"`
	StaleAfter          time.Duration `env:"DEVICES_STALE_AFTER" envDefault:"90s"`
}

// DeviceSeed is a parsed entry of DevicesConfig.Seed.
type DeviceSeed struct {
	ID           string
	Type         string
	Capabilities []string
}

// ParseSeed parses the DEVICES entries.
func (c DevicesConfig) ParseSeed() ([]DeviceSeed, error) {
	seeds := make([]DeviceSeed, 0, len(c.Seed))
	for _, raw := range c.Seed {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		id, types, ok := strings.Cut(raw, ":")
		if !ok || strings.TrimSpace(id) == "" || strings.TrimSpace(types) == "" {
			return nil, fmt.Errorf("invalid device %q (want id:type[|capability...])", raw)
		}
		parts := strings.Split(types, "|")
		seed := DeviceSeed{ID: strings.TrimSpace(id), Type: strings.TrimSpace(parts[0])}
		for _, p := range parts[1:] {
			if p = strings.TrimSpace(p); p != "" {
				seed.Capabilities = append(seed.Capabilities, p)
			}
		}
		seeds = append(seeds, seed)
	}
	return seeds, nil
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	// Exporter is one of none, stdout, otlp or otlphttp.
	Exporter     string  `env:"TRACING_EXPORTER" envDefault:"none"`
	Endpoint     string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Headers      string  `env:"OTEL_EXPORTER_OTLP_HEADERS"`
	Insecure     bool    `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"false"`
	Sampler      string  `env:"TRACING_SAMPLER" envDefault:"always_on"`
	SamplerRatio float64 `env:"TRACING_SAMPLER_RATIO" envDefault:"1"`
	Environment  string  `env:"DEPLOYMENT_ENVIRONMENT" envDefault:"development"`
}

// TimeoutConfig holds various timeout configurations
type TimeoutConfig struct {
	GraphExecutionTimeout time.Duration `env:"TIMEOUT_GRAPH_EXECUTION" envDefault:"3600s"` // 1 hour
	TaskExecutionTimeout  time.Duration `env:"TIMEOUT_TASK_EXECUTION" envDefault:"300s"`   // 5 minutes
	ShutdownTimeout       time.Duration `env:"TIMEOUT_SHUTDOWN" envDefault:"30s"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}

	switch c.Storage.Backend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis address is required for the redis storage backend")
		}
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required for the sqlite storage backend")
		}
	case "s3":
		if c.Storage.S3.Endpoint == "" || c.Storage.S3.Bucket == "" {
			return fmt.Errorf("s3 endpoint and bucket are required for the s3 storage backend")
		}
	default:
		return fmt.Errorf("unsupported storage backend: %s (must be memory, redis, sqlite, or s3)", c.Storage.Backend)
	}

	if c.Events.RedisStreams && c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required for redis streams")
	}
	if c.Events.MaxQueue < 1 {
		return fmt.Errorf("event queue size must be at least 1")
	}

	if c.LLM.Provider != "anthropic" {
		return fmt.Errorf("unsupported LLM provider: %s", c.LLM.Provider)
	}

	if c.Orchestrator.MaxConcurrentTasks < 1 {
		return fmt.Errorf("max concurrent tasks must be at least 1")
	}
	switch c.Orchestrator.Strategy {
	case "capability", "round_robin", "least_loaded":
	default:
		return fmt.Errorf("invalid assignment strategy: %s", c.Orchestrator.Strategy)
	}
	switch c.Orchestrator.Executor {
	case "simulated":
	case "llm":
		if !c.LLM.Enabled() {
			return fmt.Errorf("LLM API key is required for the llm executor")
		}
	default:
		return fmt.Errorf("unsupported executor: %s (must be simulated or llm)", c.Orchestrator.Executor)
	}

	if _, err := c.Devices.ParseSeed(); err != nil {
		return err
	}

	switch c.Tracing.Exporter {
	case "none", "stdout", "otlp", "otlphttp":
	default:
		return fmt.Errorf("unsupported tracing exporter: %s", c.Tracing.Exporter)
	}
	if c.Tracing.SamplerRatio < 0 || c.Tracing.SamplerRatio > 1 {
		return fmt.Errorf("tracing sampler ratio must be between 0 and 1")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// NeedsRedis reports whether any component talks to Redis.
func (c *Config) NeedsRedis() bool {
	return c.Storage.Backend == "redis" || c.Events.RedisStreams
}

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// GetGRPCAddr returns the gRPC server address
func (c *Config) GetGRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}
