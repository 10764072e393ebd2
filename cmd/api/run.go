package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"qtube/internal/api"
	"qtube/internal/config"
	"qtube/internal/logging"
	"qtube/internal/pipeline"
	"qtube/internal/queue"
	"qtube/internal/ratelimit"
	"qtube/internal/store"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Serve the HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		log, err := logging.New(cfg.LogLevel)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		st, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate ledger: %w", err)
		}

		client := queue.NewClient(cfg)
		defer client.Close()
		q := queue.NewRedisQueue(client, cfg.VisibilityTimeout, cfg.DLQName)

		p, err := pipeline.New(pipeline.Options{
			Ledger:        st,
			Dispatcher:    q,
			DownloadsDir:  cfg.DownloadsDir,
			DefaultFormat: cfg.YtDlpFormat,
			CookiesFile:   cfg.YtDlpCookiesFile,
			Logger:        log,
		})
		if err != nil {
			return err
		}

		server := api.New(api.Options{
			Pipeline: p,
			Queue:    q,
			Limiter:  ratelimit.NewLimiter(client, cfg.RateLimitCapacity, cfg.RateLimitRefill),
			Checks: map[string]api.HealthCheck{
				"ledger": st.Ping,
				"queue":  q.Ping,
			},
			CORSOrigins: cfg.CORSOrigins,
			Logger:      log,
		})
		httpServer := &http.Server{
			Addr:              ":" + cfg.HTTPPort,
			Handler:           server.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			log.Info("api listening", zap.String("addr", httpServer.Addr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("listen: %w", err)
			}
		case <-ctx.Done():
		}

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown", zap.Error(err))
		}
		log.Info("api stopped")
		return nil
	},
}
