// Package azure delivers committed payloads to Azure Blob Storage.
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"pkt.systems/ingestd/internal/delivery"
)

// Config controls connectivity to Azure Blob Storage. Authentication uses a
// shared account key or a SAS token.
type Config struct {
	Account    string
	AccountKey string
	Endpoint   string
	SASToken   string
	Container  string
	Prefix     string
	// SpoolThreshold caps in-memory staging per payload before spilling.
	SpoolThreshold int64
}

// Sink implements delivery.Sink backed by Azure Blob Storage.
type Sink struct {
	client    *azblob.Client
	endpoint  string
	container string
	prefix    string
	threshold int64
}

// New constructs a Sink and ensures the configured container exists.
func New(cfg Config) (*Sink, error) {
	if cfg.Account == "" {
		return nil, fmt.Errorf("azure: account is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("azure: container is required")
	}
	endpoint := buildEndpoint(cfg)
	var (
		client *azblob.Client
		err    error
	)
	clientOpts := defaultClientOptions()
	if cfg.SASToken != "" {
		endpointWithSAS, serr := appendSASToken(endpoint, cfg.SASToken)
		if serr != nil {
			return nil, serr
		}
		client, err = azblob.NewClientWithNoCredential(endpointWithSAS, clientOpts)
	} else {
		if cfg.AccountKey == "" {
			return nil, fmt.Errorf("azure: account key or SAS token required")
		}
		cred, credErr := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("azure: build credentials: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, clientOpts)
	}
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := client.CreateContainer(ctx, cfg.Container, nil); err != nil {
		if !isContainerExists(err) {
			return nil, fmt.Errorf("azure: create container: %w", err)
		}
	}

	threshold := cfg.SpoolThreshold
	if threshold <= 0 {
		threshold = delivery.DefaultSpoolThreshold
	}
	return &Sink{
		client:    client,
		endpoint:  endpoint,
		container: cfg.Container,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		threshold: threshold,
	}, nil
}

func buildEndpoint(cfg Config) string {
	if cfg.Endpoint != "" {
		return cfg.Endpoint
	}
	return fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
}

func defaultClientOptions() *azblob.ClientOptions {
	transport := defaultTransporter()
	if transport == nil {
		return nil
	}
	return &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Transport: transport,
		},
	}
}

type transportAdapter struct {
	rt http.RoundTripper
}

func (t transportAdapter) Do(req *http.Request) (*http.Response, error) {
	if t.rt == nil {
		return http.DefaultTransport.RoundTrip(req)
	}
	return t.rt.RoundTrip(req)
}

func defaultTransporter() policy.Transporter {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return transportAdapter{rt: http.DefaultTransport}
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
	return transportAdapter{rt: clone}
}

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: parse endpoint: %w", err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery != "" {
		u.RawQuery = u.RawQuery + "&" + sas
	} else {
		u.RawQuery = sas
	}
	return u.String(), nil
}

func isContainerExists(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusConflict && strings.EqualFold(respErr.ErrorCode, "ContainerAlreadyExists")
	}
	return false
}

// Client exposes the underlying Azure Blob client for diagnostics.
func (s *Sink) Client() *azblob.Client {
	return s.client
}

// Sessions returns the session factory for this sink.
func (s *Sink) Sessions() delivery.SessionFactory {
	return factory{sink: s}
}

// Close satisfies delivery.Sink and is a no-op for the Azure client.
func (s *Sink) Close() error { return nil }

// BlobName returns the blob a committed handle is published under.
func (s *Sink) BlobName(holdID string, seq int, handleID string) string {
	return path.Join(s.prefix, holdID, fmt.Sprintf("%d-%s", seq, handleID))
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
		if err := se.sink.upload(ctx, holdID, seq, item); err != nil {
			return err
		}
	}
	return nil
}

func (se *session) Rollback() error {
	return se.stager.Discard()
}

func (s *Sink) upload(ctx context.Context, holdID string, seq int, item delivery.StagedItem) error {
	blobName := s.BlobName(holdID, seq, item.Handle.ID)
	r, err := item.Spool.Reader()
	if err != nil {
		return fmt.Errorf("azure: rewind staged payload: %w", err)
	}
	opts := &azblob.UploadStreamOptions{}
	if item.Handle.ContentType != "" {
		opts.HTTPHeaders = &blob.HTTPHeaders{
			BlobContentType: to.Ptr(item.Handle.ContentType),
		}
	}
	if len(item.Handle.Metadata) > 0 {
		meta := make(map[string]*string, len(item.Handle.Metadata))
		for k, v := range item.Handle.Metadata {
			meta[sanitizeMetadataKey(k)] = to.Ptr(v)
		}
		opts.Metadata = meta
	}
	if _, err := s.client.UploadStream(ctx, s.container, blobName, r, opts); err != nil {
		return fmt.Errorf("azure: upload blob %q: %w", blobName, err)
	}
	return nil
}

// sanitizeMetadataKey maps attribute names onto valid Azure metadata keys,
// which must be C# identifiers: dots and dashes become underscores.
func sanitizeMetadataKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, key)
}
