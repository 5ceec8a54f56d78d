package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	natsgo "github.com/nats-io/nats.go"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aescanero/constellation/internal/application/controller"
	"github.com/aescanero/constellation/internal/application/devices"
	"github.com/aescanero/constellation/internal/application/orchestrator"
	"github.com/aescanero/constellation/internal/application/session"
	"github.com/aescanero/constellation/internal/config"
	"github.com/aescanero/constellation/internal/observability"
	"github.com/aescanero/constellation/pkg/adapters/events/memory"
	natsevents "github.com/aescanero/constellation/pkg/adapters/events/nats"
	redisevents "github.com/aescanero/constellation/pkg/adapters/events/redis"
	"github.com/aescanero/constellation/pkg/adapters/executor/simulated"
	"github.com/aescanero/constellation/pkg/adapters/llm"
	"github.com/aescanero/constellation/pkg/adapters/metrics/prometheus"
	memorystorage "github.com/aescanero/constellation/pkg/adapters/storage/memory"
	redisstorage "github.com/aescanero/constellation/pkg/adapters/storage/redis"
	s3storage "github.com/aescanero/constellation/pkg/adapters/storage/s3"
	sqlitestorage "github.com/aescanero/constellation/pkg/adapters/storage/sqlite"
	"github.com/aescanero/constellation/pkg/ports"
)

// app holds the wired components shared by the serve and run commands.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	registry *promclient.Registry
	metrics  *prometheus.Collector

	redisClient *goredis.Client
	natsConn    *natsgo.Conn

	bus      *memory.Bus
	storage  ports.StateStorage
	devices  *devices.Registry
	health   *devices.HealthMonitor
	editor   *llm.Editor
	orch     *orchestrator.Orchestrator
	sessions *session.Manager

	shutdownTracing func(context.Context) error
}

// newApp connects every backend the configuration asks for. On error the
// components created so far are closed.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	a.registry = promclient.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = prometheus.NewCollector(a.registry)

	a.shutdownTracing, err = observability.InitTracing(ctx, "constellation", observability.TracingOptions{
		Exporter:     cfg.Tracing.Exporter,
		Endpoint:     cfg.Tracing.Endpoint,
		Headers:      cfg.Tracing.Headers,
		Insecure:     cfg.Tracing.Insecure,
		Sampler:      cfg.Tracing.Sampler,
		SamplerRatio: cfg.Tracing.SamplerRatio,
		Environment:  cfg.Tracing.Environment,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	if cfg.NeedsRedis() {
		if a.redisClient, err = connectRedis(ctx, cfg.Redis, logger); err != nil {
			return nil, err
		}
	}

	if a.storage, err = a.openStorage(ctx); err != nil {
		return nil, err
	}

	a.bus = memory.NewBus(logger,
		memory.WithMaxQueue(cfg.Events.MaxQueue),
		memory.WithMetrics(a.metrics))

	if cfg.Events.RedisStreams {
		a.bus.Subscribe(redisevents.NewStreamForwarder(a.redisClient, cfg.Events.StreamMaxLen, logger))
		logger.Info("mirroring events to redis streams")
	}
	if cfg.Events.NATSURL != "" {
		if a.natsConn, err = natsevents.Connect(cfg.Events.NATSURL, "constellation", logger); err != nil {
			return nil, err
		}
		a.bus.Subscribe(natsevents.NewForwarder(a.natsConn, cfg.Events.NATSSubjectPrefix, logger))
		logger.Info("mirroring events to nats", zap.String("url", cfg.Events.NATSURL))
	}

	if err = a.setupDevices(); err != nil {
		return nil, err
	}

	executor, err := a.buildExecutor()
	if err != nil {
		return nil, err
	}

	a.orch = orchestrator.New(executor, a.bus, orchestrator.Config{
		MaxConcurrentTasks: cfg.Orchestrator.MaxConcurrentTasks,
		PollInterval:       cfg.Orchestrator.PollInterval,
		DefaultTaskTimeout: cfg.Timeouts.TaskExecutionTimeout,
		MaxTasks:           cfg.Orchestrator.MaxTasks,
	}, logger,
		orchestrator.WithDevices(a.devices),
		orchestrator.WithMetrics(a.metrics),
		orchestrator.WithTracer(observability.Tracer()))

	strategy, err := orchestrator.ParseStrategy(cfg.Orchestrator.Strategy)
	if err != nil {
		return nil, err
	}
	var opts []session.Option
	if a.editor != nil {
		opts = append(opts, session.WithEditor(a.editor))
	}
	a.sessions = session.NewManager(a.orch, a.bus, a.storage, a.metrics, logger, session.Config{
		GraphTimeout: cfg.Timeouts.GraphExecutionTimeout,
		MaxRestarts:  cfg.Orchestrator.MaxRestarts,
		Strategy:     strategy,
	}, opts...)

	return a, nil
}

func connectRedis(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	logger.Info("connected to Redis", zap.String("addr", cfg.Addr))
	return client, nil
}

func (a *app) openStorage(ctx context.Context) (ports.StateStorage, error) {
	cfg := a.cfg.Storage
	switch cfg.Backend {
	case "redis":
		return redisstorage.NewStateStorage(a.redisClient, cfg.RedisTTL, a.logger), nil
	case "sqlite":
		store, err := sqlitestorage.NewStateStorage(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite storage: %w", err)
		}
		a.logger.Info("using sqlite storage", zap.String("path", cfg.SQLitePath))
		return store, nil
	case "s3":
		store, err := s3storage.New(s3storage.Options{
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			UseSSL:    cfg.S3.UseSSL,
			Bucket:    cfg.S3.Bucket,
			Prefix:    cfg.S3.Prefix,
		}, a.logger)
		if err != nil {
			return nil, err
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		a.logger.Info("using s3 storage",
			zap.String("endpoint", cfg.S3.Endpoint),
			zap.String("bucket", cfg.S3.Bucket))
		return store, nil
	default:
		return memorystorage.NewStateStorage(), nil
	}
}

func (a *app) setupDevices() error {
	a.devices = devices.NewRegistry(a.logger)
	seeds, err := a.cfg.Devices.ParseSeed()
	if err != nil {
		return err
	}
	for _, s := range seeds {
		if err := a.devices.Register(devices.Device{ID: s.ID, Type: s.Type, Capabilities: s.Capabilities}); err != nil {
			return fmt.Errorf("failed to register device: %w", err)
		}
	}
	a.health = devices.NewHealthMonitor(a.devices, a.metrics,
		a.cfg.Devices.HealthCheckInterval, a.cfg.Devices.StaleAfter, a.logger)
	return nil
}

func (a *app) buildExecutor() (ports.TaskExecutor, error) {
	var client ports.LLMClient
	if a.cfg.LLM.Enabled() {
		var err error
		client, err = llm.NewClient(&llm.Config{
			Provider:    a.cfg.LLM.Provider,
			APIKey:      a.cfg.LLM.APIKey,
			Model:       a.cfg.LLM.DefaultModel,
			MaxTokens:   int64(a.cfg.LLM.DefaultMaxTokens),
			Temperature: a.cfg.LLM.DefaultTemperature,
			BaseURL:     a.cfg.LLM.BaseURL,
			Timeout:     a.cfg.LLM.RequestTimeout,
			Metrics:     a.metrics,
			Logger:      a.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create LLM client: %w", err)
		}
		a.editor = llm.NewEditor(client, a.logger, llm.WithMaxFollowUps(a.cfg.LLM.MaxFollowUps))
	}

	switch a.cfg.Orchestrator.Executor {
	case "llm":
		if client == nil {
			return nil, errors.New("llm executor requires an LLM API key")
		}
		return llm.NewExecutor(client, a.logger), nil
	default:
		return simulated.New(a.logger), nil
	}
}

// controller builds a standalone session controller for one-shot runs.
func (a *app) controller(opts orchestrator.Options) *controller.Controller {
	ctlOpts := []controller.Option{
		controller.WithMaxRestarts(a.cfg.Orchestrator.MaxRestarts),
		controller.WithOrchestrationOptions(opts),
	}
	if a.editor != nil {
		ctlOpts = append(ctlOpts, controller.WithEditor(a.editor))
	}
	return controller.New(a.orch, a.bus, a.logger, ctlOpts...)
}

// Close releases every component in reverse order of creation.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.sessions != nil {
		if err := a.sessions.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("session shutdown: %w", err))
		}
	}
	if a.health != nil {
		a.health.Stop()
	}
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("event bus close: %w", err))
		}
	}
	if a.natsConn != nil {
		if err := a.natsConn.Drain(); err != nil {
			errs = append(errs, fmt.Errorf("nats drain: %w", err))
		}
	}
	if c, ok := a.storage.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if a.shutdownTracing != nil {
		if err := a.shutdownTracing(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "constellation"
	}
	return name
}
