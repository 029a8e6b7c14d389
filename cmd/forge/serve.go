package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/paulgrammer/forge/internal/artifacts"
	"github.com/paulgrammer/forge/internal/config"
	"github.com/paulgrammer/forge/internal/events"
	"github.com/paulgrammer/forge/internal/executor"
	"github.com/paulgrammer/forge/internal/httpapi"
	"github.com/paulgrammer/forge/internal/jobs"
	"github.com/paulgrammer/forge/internal/webhook"
	"github.com/paulgrammer/forge/internal/workspace"
)

type serveFlags struct {
	configPath   string
	addr         string
	logLevel     string
	builderImage string
	buildTimeout time.Duration
}

func newServeCmd() *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the build API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&f.configPath, "config", os.Getenv("FORGE_CONFIG"), "path to a YAML config file")
	cmd.Flags().StringVar(&f.addr, "addr", "", "listen address, overrides API_ADDR")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&f.builderImage, "builder-image", "", "container image used for builds")
	cmd.Flags().DurationVar(&f.buildTimeout, "build-timeout", 0, "per-build time limit")
	return cmd
}

func loadConfig(cmd *cobra.Command, f serveFlags) (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Addr = f.addr
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if flags.Changed("builder-image") {
		cfg.BuilderImage = f.builderImage
	}
	if flags.Changed("build-timeout") {
		cfg.BuildTimeoutSeconds = int(f.buildTimeout / time.Second)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg config.Config) error {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)})))

	workspaces, err := workspace.NewManager(cfg.WorkspaceRoot, workspace.WithFetchTimeout(cfg.FetchTimeout()))
	if err != nil {
		return fmt.Errorf("workspace manager: %w", err)
	}

	var storeOpts []artifacts.Option
	if cfg.S3Bucket != "" {
		mirror, err := artifacts.NewS3Mirror(ctx, artifacts.S3Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			return fmt.Errorf("s3 mirror: %w", err)
		}
		storeOpts = append(storeOpts, artifacts.WithMirror(mirror))
		slog.Info("artifact mirror enabled", "endpoint", cfg.S3Endpoint, "bucket", cfg.S3Bucket)
	}
	store, err := artifacts.NewStore(cfg.ArtifactRoot, cfg.ArtifactExt(), storeOpts...)
	if err != nil {
		return fmt.Errorf("artifact store: %w", err)
	}

	registry, closeRegistry, err := openRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRegistry()

	command := executor.DefaultCommand
	if len(cfg.BuildCommand) > 0 {
		command = cfg.BuildCommand
	}
	runner := executor.NewExecRunner(executor.WithExecutorConfig(&executor.ExecutorConfig{
		Runtime:         cfg.ContainerRuntime,
		Image:           cfg.BuilderImage,
		Command:         command,
		ArtifactPattern: cfg.ArtifactPattern,
		Network:         cfg.ContainerNetwork,
		Memory:          cfg.ContainerMemory,
		CPUs:            cfg.ContainerCPUs,
		MaxOutputSize:   cfg.MaxOutputBytes,
		KillGrace:       10 * time.Second,
	}))

	streamer := jobs.NewLogStreamer()
	opts := []jobs.Option{
		jobs.WithBuildTimeout(cfg.BuildTimeout()),
		jobs.WithDefaultRevision(cfg.DefaultRevision),
		jobs.WithMaxMessageBytes(cfg.MaxMessageBytes),
		jobs.WithSender(webhook.NewHTTPSender(cfg.WebhookTimeout(), cfg.WebhookMaxRetries)),
		jobs.WithStreamer(streamer),
	}
	if cfg.NATSURL != "" {
		publisher, err := events.Connect(cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer publisher.Close()
		opts = append(opts, jobs.WithPublisher(publisher))
	}

	manager, err := jobs.NewManager(registry, workspaces, runner, store, opts...)
	if err != nil {
		return fmt.Errorf("job manager: %w", err)
	}
	recovered, err := manager.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}
	if recovered > 0 {
		slog.Warn("marked interrupted builds as failed", "count", recovered)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewRouter(manager, streamer, store.Root()),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", cfg.Addr, "image", cfg.BuilderImage, "registry", cfg.RegistryBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-quit:
		slog.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	// Running builds are bounded by their own fetch and build timeouts.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.BuildTimeout()+cfg.FetchTimeout())
	defer stopCancel()
	if err := manager.Stop(stopCtx); err != nil {
		slog.Warn("builds still running at exit", "error", err)
	}
	return nil
}

func openRegistry(ctx context.Context, cfg config.Config) (jobs.Store, func(), error) {
	if cfg.RegistryBackend != "redis" {
		return jobs.NewInMemoryStore(), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
	}
	return jobs.NewRedisStore(client), func() { client.Close() }, nil
}
