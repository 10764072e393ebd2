package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"qtube/internal/artifact"
	"qtube/internal/config"
	"qtube/internal/logging"
	"qtube/internal/pipeline"
	"qtube/internal/queue"
	"qtube/internal/store"
	"qtube/internal/telemetry"
	"qtube/internal/whisper"
	"qtube/internal/worker"
	"qtube/internal/ytdlp"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Consume pipeline stages until interrupted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		stages, err := parseStages(stagesFlag)
		if err != nil {
			return err
		}
		if concurrency <= 0 {
			concurrency = cfg.WorkerConcurrency
		}
		id := resolveWorkerID(workerID)

		base, err := logging.New(cfg.LogLevel)
		if err != nil {
			return err
		}
		defer func() { _ = base.Sync() }()
		log := base.With(zap.String("worker_id", id))

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

		opts := pipeline.Options{
			Ledger:        st,
			Dispatcher:    q,
			DownloadsDir:  cfg.DownloadsDir,
			DefaultFormat: cfg.YtDlpFormat,
			CookiesFile:   cfg.YtDlpCookiesFile,
			Logger:        log,
		}
		if slices.Contains(stages, pipeline.StageResolve) || slices.Contains(stages, pipeline.StageDownload) {
			yt := ytdlp.New(ytdlp.Options{
				BinaryPath:    cfg.YtDlpPath,
				CookiesFile:   cfg.YtDlpCookiesFile,
				Retries:       cfg.YtDlpRetries,
				SocketTimeout: cfg.YtDlpSocketTimeout,
				DefaultFormat: cfg.YtDlpFormat,
			})
			opts.Resolver, opts.Fetcher = yt, yt
		}
		if slices.Contains(stages, pipeline.StageTranscribe) {
			tr, err := whisper.New(whisper.Options{
				FFmpegPath:  cfg.FFmpegPath,
				WhisperPath: cfg.WhisperPath,
				ModelPath:   cfg.WhisperModel,
				Language:    cfg.WhisperLanguage,
			})
			if err != nil {
				return fmt.Errorf("init transcriber: %w", err)
			}
			opts.Transcriber = tr
		}
		artifacts, err := artifact.New(ctx, cfg)
		if err != nil {
			return fmt.Errorf("init artifact store: %w", err)
		}
		opts.Artifacts = artifacts

		p, err := pipeline.New(opts)
		if err != nil {
			return err
		}

		processor := worker.NewProcessor(q, worker.Options{
			Stages:             stages,
			Concurrency:        concurrency,
			PollInterval:       cfg.WorkerPollInterval,
			MaxAttempts:        cfg.MaxAttempts,
			BackoffInitial:     cfg.BackoffInitial,
			BackoffMax:         cfg.BackoffMax,
			ScheduledBatchSize: cfg.ScheduledBatchSize,
			WorkerID:           id,
			OnDeadLetter:       p.HandleDeadLetter,
			Logger:             log,
		})
		processor.RegisterHandler(pipeline.StageResolve, worker.JSONHandler(p.HandleResolve))
		processor.RegisterHandler(pipeline.StageDownload, worker.JSONHandler(p.HandleDownload))
		processor.RegisterHandler(pipeline.StageTranscribe, worker.JSONHandler(p.HandleTranscribe))

		metrics := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           telemetry.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn("metrics server stopped", zap.Error(err))
			}
		}()

		runErr := processor.Run(ctx)

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		_ = metrics.Shutdown(shutdownCtx)

		if runErr != nil {
			return fmt.Errorf("worker stopped: %w", runErr)
		}
		return nil
	},
}
