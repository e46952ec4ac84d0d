// Package aws delivers committed payloads to native AWS S3 through
// aws-sdk-go-v2 with the default credential chain.
package aws

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithy "github.com/aws/smithy-go"

	"pkt.systems/ingestd/internal/delivery"
)

// Config controls the behaviour of the AWS S3 sink.
type Config struct {
	Endpoint string
	Region   string
	Bucket   string
	Prefix   string
	Insecure bool
	// ForcePathStyle addresses the bucket in the URL path instead of the
	// host, which S3-compatible test servers require.
	ForcePathStyle bool
	// SpoolThreshold caps in-memory staging per payload before spilling.
	SpoolThreshold int64
}

// Sink implements delivery.Sink backed by AWS S3.
type Sink struct {
	client    *s3.Client
	cfg       Config
	threshold int64
}

// New constructs a Sink using the provided configuration.
func New(cfg Config) (*Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("aws: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws: region is required")
	}
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")

	httpClient := &http.Client{Transport: defaultTransport(cfg.Insecure)}
	awsCfg, err := awsconfig.LoadDefaultConfig(
		context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("aws: load config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			if !strings.Contains(endpoint, "://") {
				scheme := "https"
				if cfg.Insecure {
					scheme = "http"
				}
				endpoint = scheme + "://" + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	threshold := cfg.SpoolThreshold
	if threshold <= 0 {
		threshold = delivery.DefaultSpoolThreshold
	}
	return &Sink{client: client, cfg: cfg, threshold: threshold}, nil
}

func defaultTransport(insecure bool) http.RoundTripper {
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
	if insecure {
		if clone.TLSClientConfig == nil {
			clone.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		clone.TLSClientConfig.InsecureSkipVerify = true
	}
	return clone
}

// Sessions returns the session factory for this sink.
func (s *Sink) Sessions() delivery.SessionFactory {
	return factory{sink: s}
}

// Close satisfies delivery.Sink and is a no-op for the AWS client.
func (s *Sink) Close() error { return nil }

// Client exposes the underlying S3 client for diagnostics.
func (s *Sink) Client() *s3.Client {
	return s.client
}

// EnsureBucket creates the configured bucket, tolerating buckets that
// already exist.
func (s *Sink) EnsureBucket(ctx context.Context) error {
	_, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.cfg.Bucket)})
	if err == nil || bucketAlreadyExists(err) {
		return nil
	}
	return fmt.Errorf("aws: create bucket %q: %w", s.cfg.Bucket, err)
}

func bucketAlreadyExists(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "BucketAlreadyOwnedByYou", "BucketAlreadyExists":
		return true
	}
	return false
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
		return fmt.Errorf("aws: rewind staged payload: %w", err)
	}
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(object),
		Body:          r,
		ContentLength: aws.Int64(item.Handle.Size),
	}
	if item.Handle.ContentType != "" {
		input.ContentType = aws.String(item.Handle.ContentType)
	}
	if len(item.Handle.Metadata) > 0 {
		input.Metadata = item.Handle.Metadata
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("aws: put object %q: %w", object, err)
	}
	return nil
}
