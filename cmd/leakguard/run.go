package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hfi/leakguard/internal/audit"
	"github.com/hfi/leakguard/internal/cache"
	"github.com/hfi/leakguard/internal/config"
	"github.com/hfi/leakguard/internal/guard"
	"github.com/hfi/leakguard/internal/logging"
	"github.com/hfi/leakguard/internal/remediation"
	"github.com/hfi/leakguard/internal/rotation"
	"github.com/hfi/leakguard/internal/server"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start watching chat traffic",
	Long: `Start the leak detection pipeline.

The secret cache is primed from the store before any message is scanned.
Messages that contain a stored secret trigger rotation of that secret, an
alert to the admin chat and deletion of the message.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return run(ctx, configPath)
	},
}

func run(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}, "leakguard")
	if err != nil {
		return err
	}

	if err := resolveCredentials(ctx, cfg, allCredentials(cfg)); err != nil {
		logger.Error().Err(err).Msg("credential resolution failed")
		return err
	}
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}

	logger.Info().
		Str("version", Version).
		Str("store", cfg.Store.Type).
		Str("transport", cfg.Transport.Type).
		Str("lock", cfg.Remediation.Lock.Type).
		Msg("leakguard starting")

	auditor, err := audit.NewLogger(&audit.Config{
		Enabled:            cfg.Logging.Audit.Enabled,
		Level:              cfg.Logging.Audit.Level,
		Output:             cfg.Logging.Audit.Output,
		Format:             cfg.Logging.Audit.Format,
		IncludeChatDetails: cfg.Logging.Audit.IncludeChatDetails,
	})
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer auditor.Close()

	store, err := buildStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Store.Type, err)
	}
	defer closeQuietly(logger, "store", store.Close)

	chat, closeChat, err := buildTransport(cfg.Transport, logger)
	if err != nil {
		return fmt.Errorf("failed to start %s transport: %w", cfg.Transport.Type, err)
	}
	defer closeQuietly(logger, "transport", closeChat)

	locker, closeLocker, err := buildLocker(cfg)
	if err != nil {
		return err
	}
	defer closeQuietly(logger, "lock", closeLocker)

	generator, err := rotation.NewAlphanumeric(cfg.Remediation.SecretLength)
	if err != nil {
		return err
	}

	secrets := cache.New(store, cache.Options{
		ReservedKey:   cfg.Store.ReservedKey,
		ReadTimeout:   cfg.Store.Timeout,
		PrimeDelay:    cfg.Cache.PrimeDelay,
		PrimeMaxDelay: cfg.Cache.PrimeMaxDelay,
		Auditor:       auditor,
	}, logger)

	t := cfg.Remediation.Timeouts
	workflow := remediation.New(store, secrets, chat, generator, locker, remediation.Options{
		Timeouts: remediation.Timeouts{
			Lock:     t.Lock,
			Store:    t.Store,
			Refresh:  t.Refresh,
			Notify:   t.Notify,
			Suppress: t.Suppress,
		},
		GenerateAttempts: cfg.Remediation.GenerateAttempts,
		Auditor:          auditor,
	}, logger)

	service := guard.NewService(secrets, workflow, cfg.Cache.ReadyWait, logger)
	runner := guard.NewRunner(chat, service, cfg.Ingest.Concurrency, logger)

	// The pipeline stops when the inbound stream ends.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Enabled {
		mgmt := server.New(&server.Config{
			Addr:        cfg.Metrics.Addr,
			MetricsPath: cfg.Metrics.Endpoint,
			HealthPath:  "/health",
			ReadyPath:   "/ready",
			LivePath:    "/live",
			Version:     Version,
		}, logger)
		mgmt.RegisterReadinessCheck("secret_cache", server.Readiness(secrets.Ready, "secret cache not primed"))
		g.Go(func() error { return mgmt.Run(ctx) })
	}

	g.Go(func() error {
		if err := secrets.Prime(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		secrets.Run(ctx, cfg.Cache.RefreshInterval)
		return nil
	})

	g.Go(func() error {
		defer cancel()
		return runner.Run(ctx)
	})

	err = g.Wait()
	logger.Info().Msg("leakguard stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func closeQuietly(logger zerolog.Logger, name string, closeFn func() error) {
	if err := closeFn(); err != nil {
		logger.Warn().Err(err).Str("resource", name).Msg("close failed")
	}
}
