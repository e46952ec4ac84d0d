package ingestd

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/ingestd/internal/clock"
	"pkt.systems/ingestd/internal/delivery"
	"pkt.systems/ingestd/internal/delivery/memory"
	"pkt.systems/ingestd/tlsutil"
	"pkt.systems/pslog"
)

// TestServer wraps a running ingestd.Server with convenient handles for tests.
type TestServer struct {
	Server   *Server
	BaseURL  string
	Listener net.Addr
	Client   *http.Client
	Config   Config

	stop     func(context.Context) error
	sink     delivery.Sink
	autoSink bool
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the associated test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return len(p), nil
	}
	lines := bytes.Split(p, []byte{'\n'})
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		w.t.Helper()
		func(entry string) {
			defer func() {
				if r := recover(); r != nil {
					msg := fmt.Sprint(r)
					if strings.Contains(msg, "Log in goroutine after") {
						return
					}
					if strings.Contains(msg, "Log in goroutine during concurrent Cleanups") {
						return
					}
					panic(r)
				}
			}()
			w.t.Log(entry)
		}(string(line))
	}
	w.mu.Unlock()
	return len(p), nil
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// Stop shuts down the server using the provided context.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil || ts.stop == nil {
		return nil
	}
	if ts.Client != nil {
		ts.Client.CloseIdleConnections()
	}
	err := ts.stop(ctx)
	if ts.autoSink && ts.sink != nil {
		_ = ts.sink.Close()
		ts.sink = nil
	}
	return err
}

// NewTestingLogger creates a pslog logger that writes through testing.TB.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	logger := pslog.NewWithOptions(context.Background(), writer, pslog.Options{
		Mode:             pslog.ModeStructured,
		DisableTimestamp: true,
		NoColor:          true,
		MinLevel:         level,
	})
	return logger.With("app", "testserver")
}

// URL returns the base URL clients should use to reach the server.
func (ts *TestServer) URL() string {
	if ts == nil {
		return ""
	}
	return ts.BaseURL
}

// Addr returns the listener address the server is bound to.
func (ts *TestServer) Addr() net.Addr {
	if ts == nil {
		return nil
	}
	if ts.Listener != nil {
		return ts.Listener
	}
	if ts.Server != nil {
		return ts.Server.ListenerAddr()
	}
	return nil
}

// Sink exposes the delivery sink committed payloads land in. It is non-nil
// when a sink was injected or the default in-memory sink is in play.
func (ts *TestServer) Sink() delivery.Sink {
	if ts == nil {
		return nil
	}
	return ts.sink
}

// ContentURL returns the submission endpoint.
func (ts *TestServer) ContentURL() string {
	if ts == nil {
		return ""
	}
	return ts.BaseURL + "/" + ts.Server.BasePath()
}

// HoldURL returns the acknowledgement URL for a hold id.
func (ts *TestServer) HoldURL(id string) string {
	return ts.ContentURL() + "/" + id
}

// HealthURL returns the healthcheck URL, preferring the dedicated health
// listener when one is configured.
func (ts *TestServer) HealthURL() string {
	if ts == nil {
		return ""
	}
	if addr := ts.Server.HealthAddr(); addr != nil {
		scheme := "http"
		if ts.Config.TLSEnabled() {
			scheme = "https"
		}
		return fmt.Sprintf("%s://%s/%s/healthcheck", scheme, addr.String(), ts.Server.BasePath())
	}
	return ts.ContentURL() + "/healthcheck"
}

type testServerOptions struct {
	cfg             Config
	cfgSet          bool
	mutators        []func(*Config)
	sink            delivery.Sink
	clk             clock.Clock
	logger          pslog.Logger
	clientBundlePEM []byte
	disableClient   bool
	startTimeout    time.Duration
	testTB          testing.TB
	testLogLevel    pslog.Level
}

// TestServerOption customises NewTestServer/StartTestServer behaviour.
type TestServerOption func(*testServerOptions)

// WithTestConfig provides an explicit Config to use. Missing fields will be
// defaulted during validation.
func WithTestConfig(cfg Config) TestServerOption {
	return func(o *testServerOptions) {
		o.cfg = cfg
		o.cfgSet = true
	}
}

// WithTestConfigFunc applies a mutation to the server configuration before start.
func WithTestConfigFunc(fn func(*Config)) TestServerOption {
	return func(o *testServerOptions) {
		if fn != nil {
			o.mutators = append(o.mutators, fn)
		}
	}
}

// WithTestDeliver sets the delivery URL while still defaulting other values.
func WithTestDeliver(deliver string) TestServerOption {
	return WithTestConfigFunc(func(cfg *Config) {
		cfg.Deliver = deliver
	})
}

// WithTestSink injects a pre-built sink (shared between servers if desired).
func WithTestSink(sink delivery.Sink) TestServerOption {
	return func(o *testServerOptions) {
		o.sink = sink
	}
}

// WithTestClock injects a custom clock, letting tests drive hold expiry
// deterministically.
func WithTestClock(c clock.Clock) TestServerOption {
	return func(o *testServerOptions) {
		o.clk = c
	}
}

// WithTestLogger supplies a custom logger.
func WithTestLogger(logger pslog.Logger) TestServerOption {
	return func(o *testServerOptions) {
		o.logger = logger
	}
}

// WithTestClientBundle loads a client PEM bundle into the helper client so it
// presents a certificate to servers that request one.
func WithTestClientBundle(pem []byte) TestServerOption {
	return func(o *testServerOptions) {
		o.clientBundlePEM = pem
	}
}

// WithoutTestClient disables automatic client creation.
func WithoutTestClient() TestServerOption {
	return func(o *testServerOptions) {
		o.disableClient = true
	}
}

// WithTestStartTimeout overrides the wait timeout when starting the server.
func WithTestStartTimeout(d time.Duration) TestServerOption {
	return func(o *testServerOptions) {
		o.startTimeout = d
	}
}

// WithTestLoggerFromTB routes server logs to the provided testing logger at the supplied level.
func WithTestLoggerFromTB(t testing.TB, level pslog.Level) TestServerOption {
	return func(o *testServerOptions) {
		o.testTB = t
		o.testLogLevel = level
	}
}

// WithTestLoggerTB uses the testing logger with Debug level.
func WithTestLoggerTB(t testing.TB) TestServerOption {
	return WithTestLoggerFromTB(t, pslog.DebugLevel)
}

// NewTestServer starts an ingestd server suitable for tests. Call Stop to
// clean up resources.
func NewTestServer(ctx context.Context, opts ...TestServerOption) (*TestServer, error) {
	options := testServerOptions{
		cfg: Config{
			Deliver: "mem://",
			Listen:  "127.0.0.1:0",
		},
		startTimeout: 5 * time.Second,
		testLogLevel: pslog.DebugLevel,
	}
	for _, opt := range opts {
		opt(&options)
	}

	cfg := options.cfg
	for _, mut := range options.mutators {
		mut(&cfg)
	}
	if cfg.Deliver == "" {
		cfg.Deliver = "mem://"
	}
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}

	logger := options.logger
	if logger == nil {
		if options.testTB != nil {
			logger = NewTestingLogger(options.testTB, options.testLogLevel)
		} else {
			logger = pslog.NoopLogger()
		}
	}

	sink := options.sink
	autoSink := false
	if sink == nil && strings.HasPrefix(cfg.Deliver, "mem") {
		// Default to an inspectable in-memory sink so tests can assert on
		// committed payloads.
		sink = memory.NewWithConfig(memory.Config{SpoolThreshold: cfg.SpoolThreshold})
		autoSink = true
	}

	ctxServer, cancel := context.WithCancel(context.Background())
	type startResult struct {
		srv  *Server
		stop func(context.Context) error
		err  error
	}
	resultCh := make(chan startResult, 1)
	go func() {
		startOpts := []Option{WithLogger(logger)}
		if sink != nil {
			startOpts = append(startOpts, WithSink(sink))
		}
		if options.clk != nil {
			startOpts = append(startOpts, WithClock(options.clk))
		}
		srv, stop, err := StartServer(ctxServer, cfg, startOpts...)
		resultCh <- startResult{srv: srv, stop: stop, err: err}
	}()

	var (
		res     startResult
		timeout <-chan time.Time
		ctxDone <-chan struct{}
	)
	if options.startTimeout > 0 {
		timeout = time.After(options.startTimeout)
	}
	if ctx != nil {
		ctxDone = ctx.Done()
	}

	select {
	case res = <-resultCh:
	case <-timeout:
		cancel()
		res = <-resultCh
		if res.err == nil {
			res.err = fmt.Errorf("test server start timeout after %s", options.startTimeout)
		}
	case <-ctxDone:
		cancel()
		res = <-resultCh
		if res.err == nil {
			res.err = ctx.Err()
		}
	}
	if res.err != nil {
		cancel()
		if autoSink {
			_ = sink.Close()
		}
		return nil, res.err
	}
	srv := res.srv
	originalStop := res.stop
	stop := func(stopCtx context.Context) error {
		cancel()
		return originalStop(stopCtx)
	}

	addr := srv.ListenerAddr()
	if addr == nil {
		_ = stop(context.Background())
		return nil, fmt.Errorf("test server: listener not initialised")
	}

	scheme := "http"
	if srv.cfg.TLSEnabled() {
		scheme = "https"
	}
	baseURL := fmt.Sprintf("%s://%s", scheme, addr.String())

	var cli *http.Client
	if !options.disableClient {
		var err error
		cli, err = buildTestClient(srv.cfg, options.clientBundlePEM)
		if err != nil {
			_ = stop(context.Background())
			return nil, err
		}
	}

	return &TestServer{
		Server:   srv,
		BaseURL:  baseURL,
		Listener: addr,
		Client:   cli,
		Config:   srv.cfg,
		stop:     stop,
		sink:     sink,
		autoSink: autoSink,
	}, nil
}

// StartTestServer is a convenience wrapper that fails the test on error and registers cleanup.
func StartTestServer(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	ts, err := NewTestServer(context.Background(), opts...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	t.Cleanup(func() {
		if err := ts.Stop(context.Background()); err != nil {
			t.Fatalf("stop test server: %v", err)
		}
	})
	return ts
}

// buildTestClient returns an HTTP client that trusts the server bundle's CA
// and optionally presents a client certificate.
func buildTestClient(cfg Config, clientBundlePEM []byte) (*http.Client, error) {
	if !cfg.TLSEnabled() {
		return &http.Client{Timeout: 10 * time.Second}, nil
	}
	var bundle *tlsutil.Bundle
	var err error
	if len(cfg.BundlePEM) > 0 {
		bundle, err = tlsutil.LoadBundleFromBytes(cfg.BundlePEM)
	} else {
		bundle, err = tlsutil.LoadBundle(cfg.BundlePath)
	}
	if err != nil {
		return nil, err
	}
	tlsCfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    bundle.CAPool,
	}
	if len(clientBundlePEM) > 0 {
		cb, err := tlsutil.LoadClientBundleFromBytes(clientBundlePEM)
		if err != nil {
			return nil, err
		}
		tlsCfg.Certificates = []tls.Certificate{cb.Certificate}
	}
	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: tlsCfg,
		},
	}, nil
}
