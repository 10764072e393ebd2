package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"qtube/internal/config"
)

// New picks the transcript store: S3 when a bucket is configured, otherwise
// files next to the downloads.
func New(ctx context.Context, cfg config.Config) (Store, error) {
	if cfg.ArtifactS3Bucket == "" {
		return NewLocalStore(cfg.DownloadsDir), nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewS3Store(client, cfg.ArtifactS3Bucket), nil
}

// Store persists text artifacts under slash-separated keys.
type Store interface {
	Put(ctx context.Context, key string, body []byte) (string, error)
	Delete(ctx context.Context, key string) error
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArtifactS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArtifactS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArtifactS3Endpoint)
		}
		o.UsePathStyle = cfg.ArtifactS3PathStyle
	}), nil
}

func sanitizeKey(key string) (string, error) {
	key = filepath.ToSlash(filepath.Clean(filepath.FromSlash(key)))
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "./")
	if key == "" || key == "." || key == ".." || strings.HasPrefix(key, "../") {
		return "", fmt.Errorf("invalid artifact key %q", key)
	}
	return key, nil
}

// LocalStore writes artifacts below a base directory.
type LocalStore struct {
	baseDir string
}

func NewLocalStore(baseDir string) *LocalStore {
	return &LocalStore{baseDir: baseDir}
}

func (l *LocalStore) path(key string) (string, error) {
	clean, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.baseDir, filepath.FromSlash(clean)), nil
}

// Put writes body to the key's file and returns the file path.
func (l *LocalStore) Put(_ context.Context, key string, body []byte) (string, error) {
	path, err := l.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

// Delete removes the key's file. A missing file is not an error.
func (l *LocalStore) Delete(_ context.Context, key string) error {
	path, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}

// S3Store writes artifacts as objects in one bucket.
type S3Store struct {
	client *s3.Client
	bucket string
}

func NewS3Store(client *s3.Client, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

// Put uploads body and returns an s3:// location.
func (s *S3Store) Put(ctx context.Context, key string, body []byte) (string, error) {
	clean, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(clean),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("text/plain; charset=utf-8"),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, clean), nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	clean, err := sanitizeKey(key)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(clean),
	})
	if err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}
