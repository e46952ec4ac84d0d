// Package s3 delivers committed payloads to any S3-compatible object store
// through the MinIO client.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/ingestd/internal/delivery"
)

// Config controls the behaviour of the S3 sink.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	CustomCreds    *credentials.Credentials
	Transport      http.RoundTripper
	// SpoolThreshold caps in-memory staging per payload before spilling.
	SpoolThreshold int64
}

// Sink implements delivery.Sink backed by S3-compatible object storage.
type Sink struct {
	client    *minio.Client
	cfg       Config
	threshold int64
}

// New constructs a Sink using the provided configuration.
func New(cfg Config) (*Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	if cfg.Transport == nil {
		cfg.Transport = defaultTransport()
	}
	creds := cfg.CustomCreds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	threshold := cfg.SpoolThreshold
	if threshold <= 0 {
		threshold = delivery.DefaultSpoolThreshold
	}
	return &Sink{client: client, cfg: cfg, threshold: threshold}, nil
}

func defaultTransport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	if clone.MaxIdleConns == 0 {
		clone.MaxIdleConns = 256
	}
	if clone.MaxIdleConnsPerHost == 0 {
		clone.MaxIdleConnsPerHost = 64
	}
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	if clone.TLSHandshakeTimeout == 0 {
		clone.TLSHandshakeTimeout = 10 * time.Second
	}
	return clone
}

// Sessions returns the session factory for this sink.
func (s *Sink) Sessions() delivery.SessionFactory {
	return factory{sink: s}
}

// Close satisfies delivery.Sink and is a no-op for the S3 client.
func (s *Sink) Close() error { return nil }

// Client exposes the underlying MinIO client for diagnostics.
func (s *Sink) Client() *minio.Client {
	return s.client
}

// BucketExists reports whether the configured bucket exists.
func (s *Sink) BucketExists(ctx context.Context) (bool, error) {
	return s.client.BucketExists(ctx, s.cfg.Bucket)
}

// ObjectKey returns the key a committed handle is published under.
func (s *Sink) ObjectKey(holdID string, seq int, handleID string) string {
	return path.Join(s.cfg.Prefix, holdID, fmt.Sprintf("%d-%s", seq, handleID))
}

type factory struct {
	sink *Sink
}

func (f factory) New() delivery.Session {
	return &session{sink: f.sink, stager: delivery.NewStager(f.sink.threshold)}
}

type session struct {
	sink   *Sink
	stager *delivery.Stager
}

func (se *session) Stage(ctx context.Context, item delivery.Item, r io.Reader) (delivery.Handle, error) {
	return se.stager.Stage(ctx, item, r)
}

func (se *session) Commit(ctx context.Context, holdID string) error {
	items, err := se.stager.Take()
	if err != nil {
		if errors.Is(err, delivery.ErrSessionDone) {
			return nil
		}
		return err
	}
	defer delivery.CloseItems(items)

	for seq, item := range items {
		if err := se.sink.put(ctx, holdID, seq, item); err != nil {
			return err
		}
	}
	return nil
}

func (se *session) Rollback() error {
	return se.stager.Discard()
}

func (s *Sink) put(ctx context.Context, holdID string, seq int, item delivery.StagedItem) error {
	object := s.ObjectKey(holdID, seq, item.Handle.ID)
	r, err := item.Spool.Reader()
	if err != nil {
		return fmt.Errorf("s3: rewind staged payload: %w", err)
	}
	opts := minio.PutObjectOptions{ContentType: item.Handle.ContentType}
	if len(item.Handle.Metadata) > 0 {
		opts.UserMetadata = item.Handle.Metadata
	}
	if _, err := s.client.PutObject(ctx, s.cfg.Bucket, object, r, item.Handle.Size, opts); err != nil {
		return fmt.Errorf("s3: put object %q: %w", object, err)
	}
	return nil
}
