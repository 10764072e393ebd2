package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds shared runtime configuration for the API and worker services.
// Every field is read from a QTUBE_ prefixed environment variable.
type Config struct {
	Env         string   `envconfig:"ENV" default:"dev"`
	HTTPPort    string   `envconfig:"HTTP_PORT" default:"8080"`
	MetricsAddr string   `envconfig:"METRICS_ADDR" default:":9090"`
	LogLevel    string   `envconfig:"LOG_LEVEL" default:"info"`
	CORSOrigins []string `envconfig:"CORS_ORIGINS" default:"*"`

	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	DatabaseURL   string `envconfig:"DATABASE_URL" default:"sqlite://data/qtube.db"`

	VisibilityTimeout  time.Duration `envconfig:"VISIBILITY_TIMEOUT" default:"30s"`
	WorkerPollInterval time.Duration `envconfig:"WORKER_POLL_INTERVAL" default:"1s"`
	WorkerConcurrency  int           `envconfig:"WORKER_CONCURRENCY" default:"2"`
	MaxAttempts        int           `envconfig:"MAX_ATTEMPTS" default:"5"`
	BackoffInitial     time.Duration `envconfig:"BACKOFF_INITIAL" default:"2s"`
	BackoffMax         time.Duration `envconfig:"BACKOFF_MAX" default:"5m"`
	DLQName            string        `envconfig:"DLQ_NAME" default:"queue:dlq"`
	ScheduledBatchSize int           `envconfig:"SCHEDULED_BATCH_SIZE" default:"100"`
	RateLimitCapacity  int           `envconfig:"RATE_LIMIT_CAPACITY" default:"50"`
	RateLimitRefill    float64       `envconfig:"RATE_LIMIT_REFILL_PER_SEC" default:"20"`

	DownloadsDir       string        `envconfig:"DOWNLOADS_DIR" default:"downloads"`
	YtDlpPath          string        `envconfig:"YTDLP_PATH" default:"yt-dlp"`
	YtDlpFormat        string        `envconfig:"YTDLP_FORMAT" default:"best[height<=720][ext=mp4]/best[ext=mp4]/best"`
	YtDlpCookiesFile   string        `envconfig:"YTDLP_COOKIES_FILE" default:""`
	YtDlpRetries       int           `envconfig:"YTDLP_RETRIES" default:"3"`
	YtDlpSocketTimeout time.Duration `envconfig:"YTDLP_SOCKET_TIMEOUT" default:"30s"`

	FFmpegPath      string `envconfig:"FFMPEG_PATH" default:"ffmpeg"`
	WhisperPath     string `envconfig:"WHISPER_PATH" default:"whisper-cli"`
	WhisperModel    string `envconfig:"WHISPER_MODEL" default:"models/ggml-base.en.bin"`
	WhisperLanguage string `envconfig:"WHISPER_LANGUAGE" default:"en"`

	ArtifactS3Bucket    string `envconfig:"ARTIFACT_S3_BUCKET" default:""`
	ArtifactS3Region    string `envconfig:"ARTIFACT_S3_REGION" default:"us-east-1"`
	ArtifactS3Endpoint  string `envconfig:"ARTIFACT_S3_ENDPOINT" default:""`
	ArtifactS3PathStyle bool   `envconfig:"ARTIFACT_S3_PATH_STYLE" default:"false"`
}

const envPrefix = "qtube"

// Load reads configuration from environment variables with sane defaults for local development.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the services cannot run with.
func (c Config) Validate() error {
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("QTUBE_WORKER_CONCURRENCY must be positive, got %d", c.WorkerConcurrency)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("QTUBE_MAX_ATTEMPTS must be positive, got %d", c.MaxAttempts)
	}
	if c.VisibilityTimeout <= 0 {
		return fmt.Errorf("QTUBE_VISIBILITY_TIMEOUT must be positive, got %s", c.VisibilityTimeout)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("QTUBE_LOG_LEVEL %q is not one of debug, info, warn, error", c.LogLevel)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("QTUBE_DATABASE_URL is required")
	}
	return nil
}
