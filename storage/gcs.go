package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

type GCSConfig struct {
	Bucket        string
	PublicBaseURL string
	// CredentialsFile is optional; application default credentials are used when empty.
	CredentialsFile string
	Prefix          string
}

type GCSStore struct {
	log    *zap.Logger
	client *storage.Client
	bucket string
	base   string
	prefix string
}

func NewGCSStore(ctx context.Context, log *zap.Logger, cfg GCSConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs bucket name required")
	}
	opts := []option.ClientOption{option.WithScopes(storage.ScopeReadWrite)}
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	base := strings.TrimRight(cfg.PublicBaseURL, "/")
	if base == "" {
		base = "https://storage.googleapis.com/" + cfg.Bucket
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "questions"
	}
	log.Info("media store initialized", zap.String("bucket", cfg.Bucket), zap.String("public_base_url", base))

	return &GCSStore{
		log:    log.With(zap.String("service", "GCSStore")),
		client: client,
		bucket: cfg.Bucket,
		base:   base,
		prefix: prefix,
	}, nil
}

func (s *GCSStore) Store(ctx context.Context, name, contentType string, r io.Reader) (*Media, error) {
	key := objectKey(s.prefix, name)
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to write data to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close GCS writer: %w", err)
	}
	return &Media{ID: key, URL: s.base + "/" + key}, nil
}

func (s *GCSStore) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	err := s.client.Bucket(s.bucket).Object(id).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete GCS object %q in bucket %q: %w", id, s.bucket, err)
	}
	return nil
}

func (s *GCSStore) Close() error { return s.client.Close() }
