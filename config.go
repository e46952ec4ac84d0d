package ingestd

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"pkt.systems/ingestd/internal/delivery"
	"pkt.systems/ingestd/internal/pathutil"
)

const (
	// DefaultListen is the default listen address for the content listener.
	DefaultListen = ":9385"
	// DefaultBasePath is the URL path segment the listener serves under.
	DefaultBasePath = "contentListener"
	// DefaultDeliver is the default delivery backend.
	DefaultDeliver = "mem://"
	// DefaultMaxUnconfirmedTime is how long an unacknowledged hold survives
	// before the sweeper rolls it back.
	DefaultMaxUnconfirmedTime = 60 * time.Second
	// DefaultSweepInterval is how often the sweeper scans for expired holds.
	DefaultSweepInterval = time.Second
	// DefaultReturnCode is the status code returned for accepted submissions.
	DefaultReturnCode = 200
	// DefaultMultipartMaxSize caps the raw byte size of a multipart request.
	DefaultMultipartMaxSize = 1 << 20
	// DefaultSpoolThreshold is the payload size at which staging spills from
	// memory to disk.
	DefaultSpoolThreshold = delivery.DefaultSpoolThreshold
	// DefaultMaxConcurrency bounds simultaneous client connections.
	DefaultMaxConcurrency = 200
	// DefaultSubjectDNPattern admits every client subject DN.
	DefaultSubjectDNPattern = ".*"
	// DefaultIssuerDNPattern admits every client issuer DN.
	DefaultIssuerDNPattern = ".*"
	// DefaultShutdownTimeout bounds graceful drain on Shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultConfigFileName is the config file the CLI looks for under the
	// config directory.
	DefaultConfigFileName = "config.yaml"
)

const (
	minConcurrency     = 8
	maxConcurrencyCeil = 1000
)

// Client certificate policy for the primary listener.
const (
	// ClientAuthAuto requires client certificates when CA material is
	// present in the bundle and disables them otherwise.
	ClientAuthAuto = "auto"
	// ClientAuthNone never requests a client certificate.
	ClientAuthNone = "none"
	// ClientAuthWant requests a certificate but admits clients without one.
	ClientAuthWant = "want"
	// ClientAuthRequired rejects clients that do not present a valid
	// certificate.
	ClientAuthRequired = "required"
)

var clientAuthModes = []string{ClientAuthAuto, ClientAuthNone, ClientAuthWant, ClientAuthRequired}

// ValidClientAuthModes returns the accepted client-auth mode names.
func ValidClientAuthModes() []string {
	out := make([]string, len(clientAuthModes))
	copy(out, clientAuthModes)
	return out
}

func isValidClientAuth(mode string) bool {
	return slices.Contains(clientAuthModes, mode)
}

// Config describes an ingestd server.
type Config struct {
	// Listen is the primary listener address (host:port). Port 0 selects an
	// ephemeral port.
	Listen string
	// HealthListen optionally serves the healthcheck on a separate listener.
	// When TLS is enabled the health listener never requests client
	// certificates. Empty serves the healthcheck on the primary listener.
	HealthListen string
	// BasePath is the single URL path segment the listener serves under.
	BasePath string
	// Deliver selects the delivery backend (mem://, dir://, s3://, aws://,
	// azure://).
	Deliver string
	// MaxBytesPerSecond throttles aggregate payload ingest. Zero disables
	// throttling.
	MaxBytesPerSecond int64
	// MaxUnconfirmedTime is how long a hold survives without an
	// acknowledgement before it is rolled back.
	MaxUnconfirmedTime time.Duration
	// SweepInterval is how often expired holds are collected.
	SweepInterval time.Duration
	// MaxConcurrency bounds simultaneous connections on the primary
	// listener.
	MaxConcurrency int
	// ReturnCode is the HTTP status returned for accepted submissions. Must
	// be a 2xx code.
	ReturnCode int
	// MultipartMaxSize caps the raw byte size of a multipart request body.
	MultipartMaxSize int64
	// SpoolThreshold is the payload size at which staging spills to disk.
	SpoolThreshold int64
	// HeadersPattern selects request headers to capture as payload
	// metadata. Empty captures none.
	HeadersPattern string
	// SubjectDNPattern authorizes client certificate subject DNs.
	SubjectDNPattern string
	// IssuerDNPattern authorizes client certificate issuer DNs.
	IssuerDNPattern string
	// ClientAuth selects the client certificate policy for the primary
	// listener.
	ClientAuth string
	// BundlePath points at a PEM bundle with the server key, certificate,
	// and client CA. Empty with no BundlePEM serves plaintext HTTP.
	BundlePath string
	// BundlePEM carries bundle PEM bytes directly and takes precedence over
	// BundlePath.
	BundlePEM []byte
	// ShutdownTimeout bounds graceful drain during Shutdown.
	ShutdownTimeout time.Duration
	// OTLPEndpoint enables trace export when set (host:4317 grpc,
	// host:4318 http).
	OTLPEndpoint string
	// MetricsListen serves Prometheus metrics when set.
	MetricsListen string
	// PprofListen serves net/http/pprof when set.
	PprofListen string
	// EnableProfilingMetrics adds process CPU/memory gauges to the metrics
	// listener.
	EnableProfilingMetrics bool
	// DisableHTTPTracing turns off per-request tracing spans.
	DisableHTTPTracing bool
}

// TLSEnabled reports whether the server will serve TLS.
func (c *Config) TLSEnabled() bool {
	return len(c.BundlePEM) > 0 || strings.TrimSpace(c.BundlePath) != ""
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	c.BasePath = strings.Trim(strings.TrimSpace(c.BasePath), "/")
	if c.BasePath == "" {
		c.BasePath = DefaultBasePath
	}
	if strings.Contains(c.BasePath, "/") {
		return fmt.Errorf("config: base path %q must be a single path segment", c.BasePath)
	}
	if c.Deliver == "" {
		c.Deliver = DefaultDeliver
	}
	if c.MaxBytesPerSecond < 0 {
		return fmt.Errorf("config: max bytes per second cannot be negative")
	}
	if c.MaxUnconfirmedTime <= 0 {
		c.MaxUnconfirmedTime = DefaultMaxUnconfirmedTime
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = DefaultMaxConcurrency
	}
	if c.MaxConcurrency < minConcurrency || c.MaxConcurrency > maxConcurrencyCeil {
		return fmt.Errorf("config: max concurrency %d outside [%d, %d]", c.MaxConcurrency, minConcurrency, maxConcurrencyCeil)
	}
	if c.ReturnCode == 0 {
		c.ReturnCode = DefaultReturnCode
	}
	if c.ReturnCode < 200 || c.ReturnCode > 299 {
		return fmt.Errorf("config: return code %d must be a 2xx status", c.ReturnCode)
	}
	if c.MultipartMaxSize < 0 {
		return fmt.Errorf("config: multipart max size cannot be negative")
	}
	if c.MultipartMaxSize == 0 {
		c.MultipartMaxSize = DefaultMultipartMaxSize
	}
	if c.SpoolThreshold < 0 {
		return fmt.Errorf("config: spool threshold cannot be negative")
	}
	if c.SpoolThreshold == 0 {
		c.SpoolThreshold = DefaultSpoolThreshold
	}
	if c.SubjectDNPattern == "" {
		c.SubjectDNPattern = DefaultSubjectDNPattern
	}
	if _, err := regexp.Compile(c.SubjectDNPattern); err != nil {
		return fmt.Errorf("config: subject dn pattern: %w", err)
	}
	if c.IssuerDNPattern == "" {
		c.IssuerDNPattern = DefaultIssuerDNPattern
	}
	if _, err := regexp.Compile(c.IssuerDNPattern); err != nil {
		return fmt.Errorf("config: issuer dn pattern: %w", err)
	}
	if c.HeadersPattern != "" {
		if _, err := regexp.Compile(c.HeadersPattern); err != nil {
			return fmt.Errorf("config: headers pattern: %w", err)
		}
	}
	c.ClientAuth = strings.ToLower(strings.TrimSpace(c.ClientAuth))
	if c.ClientAuth == "" {
		c.ClientAuth = ClientAuthAuto
	}
	if !isValidClientAuth(c.ClientAuth) {
		return fmt.Errorf("config: client auth %q not one of %s", c.ClientAuth, strings.Join(clientAuthModes, ", "))
	}
	if c.HealthListen != "" {
		if c.HealthListen == c.Listen {
			return fmt.Errorf("config: health listen %q matches primary listen address", c.HealthListen)
		}
		if err := checkDistinctPorts(c.Listen, c.HealthListen); err != nil {
			return err
		}
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("config: shutdown timeout cannot be negative")
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if len(c.BundlePEM) == 0 && strings.TrimSpace(c.BundlePath) != "" {
		expanded := pathutil.ExpandUserAndEnv(c.BundlePath)
		if _, err := os.Stat(expanded); err != nil {
			return fmt.Errorf("config: bundle %q not found (run 'ingestd auth new server')", c.BundlePath)
		}
		c.BundlePath = expanded
	}
	return nil
}

// checkDistinctPorts rejects a health listener that would collide with the
// primary listener port. Port 0 is always distinct since the kernel assigns
// separate ephemeral ports.
func checkDistinctPorts(listen, healthListen string) error {
	_, primary, err := net.SplitHostPort(listen)
	if err != nil {
		return nil
	}
	_, health, err := net.SplitHostPort(healthListen)
	if err != nil {
		return nil
	}
	if primary == health && primary != "0" {
		return fmt.Errorf("config: health listen port %s matches primary listen port", health)
	}
	return nil
}

// DefaultConfigDir returns the directory ingestd reads bundles from. The
// INGESTD_CONFIG_DIR environment variable overrides the default of
// ~/.ingestd.
func DefaultConfigDir() string {
	if dir := strings.TrimSpace(os.Getenv("INGESTD_CONFIG_DIR")); dir != "" {
		expanded := pathutil.ExpandUserAndEnv(dir)
		if filepath.IsAbs(expanded) {
			return filepath.Clean(expanded)
		}
		if abs, err := filepath.Abs(expanded); err == nil {
			return abs
		}
		return filepath.Clean(expanded)
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ".ingestd"
	}
	return filepath.Join(home, ".ingestd")
}

// DefaultBundlePath returns the default server bundle location.
func DefaultBundlePath() string {
	return filepath.Join(DefaultConfigDir(), "server.pem")
}

// DefaultCAPath returns the default CA certificate location.
func DefaultCAPath() string {
	return filepath.Join(DefaultConfigDir(), "ca.pem")
}
