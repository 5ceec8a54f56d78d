package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aescanero/constellation/internal/application/controller"
	"github.com/aescanero/constellation/internal/application/orchestrator"
	"github.com/aescanero/constellation/internal/config"
	redisevents "github.com/aescanero/constellation/pkg/adapters/events/redis"
	"github.com/aescanero/constellation/pkg/api/grpc"
	"github.com/aescanero/constellation/pkg/api/http"
	"github.com/aescanero/constellation/pkg/api/websocket"
	"github.com/aescanero/constellation/pkg/constellation"
	"github.com/aescanero/constellation/pkg/constructor"
	"github.com/aescanero/constellation/pkg/ports"
)

var (
	// Version is set by build flags
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   "constellation",
		Short: "DAG task orchestrator",
		Long: `Constellation runs graphs of dependent tasks across a pool of devices.

Graphs come from YAML, JSON or plain-text plans, or from a natural-language
request planned by an LLM. A session controller keeps each graph running
while it is edited and restarts orchestration when new work appears.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	cmd.AddCommand(
		serveCmd(&logLevel),
		runCmd(&logLevel),
		validateCmd(),
		eventsCmd(&logLevel),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "constellation version %s (build: %s)\n", Version, BuildTime)
			},
		},
	)
	return cmd
}

func loadConfig(logLevel string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, initLogger(cfg.LogLevel), nil
}

func serveCmd(logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, WebSocket and gRPC servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*logLevel)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting constellation",
		zap.String("version", Version),
		zap.String("build_time", BuildTime))

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	a.health.Start()

	httpServer := http.NewServer(&http.Config{
		Port:     cfg.HTTPPort,
		Sessions: a.sessions,
		Devices:  a.devices,
		Health:   a.health,
		Gatherer: a.registry,
		Logger:   logger,
	})
	httpServer.SetupWebSocket(websocket.NewHandler(a.bus, a.sessions, logger))

	grpcServer, err := grpc.NewServer(&grpc.Config{
		Port:          cfg.GRPCPort,
		Checker:       a.health,
		CheckInterval: cfg.Devices.HealthCheckInterval,
		Logger:        logger,
	})
	if err != nil {
		_ = a.Close(context.Background())
		return fmt.Errorf("failed to create gRPC server: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()
	go func() {
		if err := grpcServer.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("constellation started",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("executor", cfg.Orchestrator.Executor),
		zap.Int("devices", len(a.devices.List())))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var serveErr error
	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
	case serveErr = <-errCh:
		logger.Error("server failed", zap.Error(serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("gRPC server shutdown error", zap.Error(err))
	}
	if err := a.Close(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}

	logger.Info("constellation shut down complete")
	return serveErr
}

// runSummary is printed by the run command.
type runSummary struct {
	ConstellationID string               `json:"constellation_id,omitempty"`
	Name            string               `json:"name,omitempty"`
	Session         controller.State     `json:"session"`
	State           constellation.State  `json:"state,omitempty"`
	Restarts        int                  `json:"restarts"`
	Error           string               `json:"error,omitempty"`
	Result          *orchestrator.Result `json:"result,omitempty"`
}

func runCmd(logLevel *string) *cobra.Command {
	var (
		request  string
		strategy string
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run [plan-file]",
		Short: "Run one constellation to completion and print its result",
		Long: `Run loads a plan (.yaml, .yml, .json or plain text) or, with --request,
asks the configured LLM to plan one. The constellation is driven by a session
controller until it finishes, then stored and summarized as JSON.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 0) == (request == "") {
				return errors.New("exactly one of a plan file or --request is required")
			}
			opts := orchestrator.Options{}
			if strategy != "" {
				s, err := orchestrator.ParseStrategy(strategy)
				if err != nil {
					return err
				}
				opts.Strategy = s
			}

			cfg, logger, err := loadConfig(*logLevel)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			var file string
			if len(args) == 1 {
				file = args[0]
			}
			return runOnce(ctx, cfg, logger, cmd.OutOrStdout(), file, request, opts)
		},
	}

	cmd.Flags().StringVar(&request, "request", "", "Natural-language request to plan and run")
	cmd.Flags().StringVar(&strategy, "strategy", "", "Device assignment strategy (capability, round_robin, least_loaded)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Abort the run after this long")
	return cmd
}

func runOnce(ctx context.Context, cfg *config.Config, logger *zap.Logger, out io.Writer, file, request string, opts orchestrator.Options) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	if opts.Strategy == "" {
		opts.Strategy = orchestrator.Strategy(cfg.Orchestrator.Strategy)
	}
	ctl := a.controller(opts)

	var outcome *controller.Outcome
	if file != "" {
		var c *constellation.Constellation
		if c, err = constructor.LoadFile(file); err != nil {
			return err
		}
		if err := a.orch.Validator().Validate(c); err != nil {
			return fmt.Errorf("validation failed: %w", err)
		}
		outcome, err = ctl.Drive(ctx, c)
	} else {
		outcome, err = ctl.Run(ctx, request)
	}
	if outcome == nil {
		return err
	}

	summary := runSummary{
		Session:  outcome.State,
		Restarts: outcome.Restarts,
		Result:   outcome.Result,
	}
	if outcome.Err != nil {
		summary.Error = outcome.Err.Error()
	}
	if c := outcome.Constellation; c != nil {
		summary.ConstellationID = c.ID()
		summary.Name = c.Name()
		summary.State = c.State()
		if saveErr := a.storage.Save(context.WithoutCancel(ctx), c.ToDocument()); saveErr != nil {
			logger.Error("failed to store constellation", zap.Error(saveErr))
		}
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(summary); encErr != nil {
		return fmt.Errorf("failed to write summary: %w", encErr)
	}
	return err
}

func validateCmd() *cobra.Command {
	var maxTasks int

	cmd := &cobra.Command{
		Use:   "validate <plan-file>",
		Short: "Check a plan and print its execution order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := constructor.LoadFile(args[0])
			if err != nil {
				return err
			}
			if err := orchestrator.NewValidator(maxTasks).Validate(c); err != nil {
				return fmt.Errorf("validation failed: %w", err)
			}
			order, err := c.TopologicalOrder()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %d tasks, %d dependencies\n", c.Name(), len(c.Tasks()), len(c.Dependencies()))
			for i, id := range order {
				t, _ := c.GetTask(id)
				fmt.Fprintf(out, "%3d. %s (%s) [%s]\n", i+1, t.Name, t.ID, t.Priority)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&maxTasks, "max-tasks", 0, "Reject plans with more tasks (0 for no limit)")
	return cmd
}

func eventsCmd(logLevel *string) *cobra.Command {
	var group string

	cmd := &cobra.Command{
		Use:   "events <constellation-id>",
		Short: "Follow the Redis event stream of a constellation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*logLevel)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, err := connectRedis(ctx, cfg.Redis, logger)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			enc := json.NewEncoder(cmd.OutOrStdout())
			tail := redisevents.NewTail(client, group, hostname(), logger)
			err = tail.Follow(ctx, args[0], ports.ObserverFunc(func(_ context.Context, ev ports.Event) error {
				return enc.Encode(ev)
			}))
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&group, "group", "constellation-cli", "Redis consumer group")
	return cmd
}

// initLogger initializes the logger based on log level
func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	return logger
}
