package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, ":9090", cfg.GetGRPCAddr())
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, 4096, cfg.Events.MaxQueue)
	assert.Equal(t, "capability", cfg.Orchestrator.Strategy)
	assert.Equal(t, "simulated", cfg.Orchestrator.Executor)
	assert.Equal(t, 500*time.Millisecond, cfg.Orchestrator.PollInterval)
	assert.Equal(t, time.Hour, cfg.Timeouts.GraphExecutionTimeout)
	assert.Equal(t, "none", cfg.Tracing.Exporter)
	assert.False(t, cfg.LLM.Enabled())
	assert.False(t, cfg.NeedsRedis())
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("CONSTELLATION_HTTP_PORT", "9000")
	t.Setenv("STORAGE_BACKEND", "sqlite")
	t.Setenv("STORAGE_SQLITE_PATH", "/tmp/c.db")
	t.Setenv("EVENTS_REDIS_STREAMS", "true")
	t.Setenv("ORCHESTRATOR_STRATEGY", "least_loaded")
	t.Setenv("DEVICES", "gpu-1:gpu|cuda,cpu-1:cpu")
	t.Setenv("TIMEOUT_TASK_EXECUTION", "45s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.GetHTTPAddr())
	assert.Equal(t, "/tmp/c.db", cfg.Storage.SQLitePath)
	assert.True(t, cfg.NeedsRedis())
	assert.Equal(t, "least_loaded", cfg.Orchestrator.Strategy)
	assert.Equal(t, 45*time.Second, cfg.Timeouts.TaskExecutionTimeout)

	seeds, err := cfg.Devices.ParseSeed()
	require.NoError(t, err)
	assert.Equal(t, []DeviceSeed{
		{ID: "gpu-1", Type: "gpu", Capabilities: []string{"cuda"}},
		{ID: "cpu-1", Type: "cpu"},
	}, seeds)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad http port", func(c *Config) { c.HTTPPort = 0 }, "invalid HTTP port"},
		{"bad grpc port", func(c *Config) { c.GRPCPort = 70000 }, "invalid gRPC port"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "tape" }, "unsupported storage backend"},
		{"sqlite without path", func(c *Config) {
			c.Storage.Backend = "sqlite"
			c.Storage.SQLitePath = ""
		}, "sqlite path"},
		{"s3 without bucket", func(c *Config) {
			c.Storage.Backend = "s3"
			c.Storage.S3.Bucket = ""
		}, "s3 endpoint and bucket"},
		{"streams without redis", func(c *Config) {
			c.Events.RedisStreams = true
			c.Redis.Addr = ""
		}, "redis streams"},
		{"llm executor without key", func(c *Config) { c.Orchestrator.Executor = "llm" }, "LLM API key"},
		{"unknown executor", func(c *Config) { c.Orchestrator.Executor = "shell" }, "unsupported executor"},
		{"unknown strategy", func(c *Config) { c.Orchestrator.Strategy = "random" }, "invalid assignment strategy"},
		{"no concurrency", func(c *Config) { c.Orchestrator.MaxConcurrentTasks = 0 }, "max concurrent tasks"},
		{"bad device", func(c *Config) { c.Devices.Seed = []string{"gpu-1"} }, "invalid device"},
		{"unknown exporter", func(c *Config) { c.Tracing.Exporter = "zipkin" }, "unsupported tracing exporter"},
		{"bad ratio", func(c *Config) { c.Tracing.SamplerRatio = 2 }, "sampler ratio"},
		{"bad log level", func(c *Config) { c.LogLevel = "trace" }, "invalid log level"},
		{"unknown provider", func(c *Config) { c.LLM.Provider = "other" }, "unsupported LLM provider"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	cfg := valid()
	cfg.Orchestrator.Executor = "llm"
	cfg.LLM.APIKey = "key"
	assert.NoError(t, cfg.Validate())
}
