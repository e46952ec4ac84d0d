package ingestd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"pkt.systems/ingestd/internal/clock"
	"pkt.systems/ingestd/internal/delivery"
	"pkt.systems/ingestd/internal/httpapi"
	"pkt.systems/ingestd/internal/registry"
	"pkt.systems/ingestd/internal/svcfields"
	"pkt.systems/ingestd/internal/throttle"
	"pkt.systems/ingestd/tlsutil"
	"pkt.systems/pslog"
)

// Server wraps the HTTP listener, the hold registry, and the delivery sink.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	sink      delivery.Sink
	ownedSink bool
	registry  *registry.Registry
	throttle  *throttle.Limiter
	handler   *httpapi.Handler
	httpSrv   *http.Server
	healthSrv *http.Server
	listener  net.Listener
	healthLn  net.Listener
	clock     clock.Clock
	telemetry *telemetryBundle

	mu           sync.Mutex
	shutdown     bool
	lastServeErr error
	sweeperStop  chan struct{}
	sweeperDone  sync.WaitGroup
	healthDone   sync.WaitGroup
	readyOnce    sync.Once
	readyCh      chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger pslog.Logger
	Sink   delivery.Sink
	Clock  clock.Clock
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithSink injects a pre-built delivery sink (useful for tests). The caller
// keeps ownership; Shutdown will not close it.
func WithSink(s delivery.Sink) Option {
	return func(o *options) {
		o.Sink = s
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// NewServer constructs an ingestd server according to cfg.
// Example:
//
//	cfg := ingestd.Config{Deliver: "mem://", Listen: ":9385"}
//	srv, err := ingestd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	cfgCopy := cfg
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfgCopy.Validate(); err != nil {
		return nil, err
	}
	cfg = cfgCopy
	subjectPattern := regexp.MustCompile(cfg.SubjectDNPattern)
	issuerPattern := regexp.MustCompile(cfg.IssuerDNPattern)
	var headersPattern *regexp.Regexp
	if cfg.HeadersPattern != "" {
		headersPattern = regexp.MustCompile(cfg.HeadersPattern)
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	var bundle *tlsutil.Bundle
	var err error
	if cfg.TLSEnabled() {
		if len(cfg.BundlePEM) > 0 {
			bundle, err = tlsutil.LoadBundleFromBytes(cfg.BundlePEM)
		} else {
			bundle, err = tlsutil.LoadBundle(cfg.BundlePath)
		}
		if err != nil {
			return nil, err
		}
	}
	clientAuth, err := resolveClientAuth(cfg.ClientAuth, bundle)
	if err != nil {
		return nil, err
	}
	enforceIdentity := bundle != nil && clientAuth != tls.NoClientCert

	telemetry, err := setupTelemetry(context.Background(), cfg, svcfields.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}
	closeTelemetry := func() {
		if telemetry == nil {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = telemetry.Shutdown(shutdownCtx)
		cancel()
	}
	sink := o.Sink
	ownedSink := false
	if sink == nil {
		sink, err = openSink(cfg)
		if err != nil {
			closeTelemetry()
			return nil, err
		}
		ownedSink = true
	}
	serverClock := o.Clock
	if serverClock == nil {
		serverClock = clock.Real{}
	}
	reg := registry.New()
	var limiter *throttle.Limiter
	if cfg.MaxBytesPerSecond > 0 {
		limiter = throttle.New(cfg.MaxBytesPerSecond, serverClock)
	}
	handler := httpapi.New(httpapi.Config{
		Registry:           reg,
		Sessions:           sink.Sessions(),
		Throttle:           limiter,
		Logger:             logger,
		Clock:              serverClock,
		BasePath:           cfg.BasePath,
		ReturnCode:         cfg.ReturnCode,
		SubjectDNPattern:   subjectPattern,
		IssuerDNPattern:    issuerPattern,
		HeadersPattern:     headersPattern,
		MultipartMaxSize:   cfg.MultipartMaxSize,
		EnforceIdentity:    enforceIdentity,
		DisableHTTPTracing: cfg.DisableHTTPTracing,
	})
	mux := http.NewServeMux()
	handler.Register(mux)

	httpSrv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
	}
	httpSrv.ErrorLog = newServeErrorLog(svcfields.WithSubsystem(logger, "http"))
	if bundle != nil {
		httpSrv.TLSConfig = buildServerTLS(bundle, clientAuth)
	}

	var healthSrv *http.Server
	if cfg.HealthListen != "" {
		healthMux := http.NewServeMux()
		handler.RegisterHealth(healthMux)
		healthSrv = &http.Server{
			Addr:    cfg.HealthListen,
			Handler: healthMux,
		}
		healthSrv.ErrorLog = newServeErrorLog(svcfields.WithSubsystem(logger, "health"))
		if bundle != nil {
			// Port probes must pass without a client certificate.
			healthSrv.TLSConfig = buildServerTLS(bundle, tls.NoClientCert)
		}
	}

	return &Server{
		cfg:       cfg,
		logger:    svcfields.WithSubsystem(logger, "server"),
		sink:      sink,
		ownedSink: ownedSink,
		registry:  reg,
		throttle:  limiter,
		handler:   handler,
		httpSrv:   httpSrv,
		healthSrv: healthSrv,
		clock:     serverClock,
		telemetry: telemetry,
		readyCh:   make(chan struct{}),
	}, nil
}

// Handler returns the underlying HTTP handler so the content listener can be
// mounted inside an existing mux when embedding the server into another
// program.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s): %w", s.cfg.Listen, err)
	}
	if s.cfg.MaxConcurrency > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConcurrency)
	}
	s.listener = ln
	if s.healthSrv != nil {
		hln, err := net.Listen("tcp", s.cfg.HealthListen)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("health listen (%s): %w", s.cfg.HealthListen, err)
		}
		s.healthLn = hln
		s.healthDone.Add(1)
		go func() {
			defer s.healthDone.Done()
			var serveErr error
			if s.healthSrv.TLSConfig != nil {
				serveErr = s.healthSrv.ServeTLS(hln, "", "")
			} else {
				serveErr = s.healthSrv.Serve(hln)
			}
			if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
				s.logger.Warn("health serve failed", "error", serveErr)
			}
		}()
		s.logger.Info("health listening", "address", hln.Addr().String())
	}
	s.signalReady()
	s.logger.Info("listening",
		"address", ln.Addr().String(),
		"base_path", s.cfg.BasePath,
		"tls", s.httpSrv.TLSConfig != nil,
		"client_auth", s.cfg.ClientAuth,
	)
	s.startSweeper()
	defer s.stopSweeper()
	var serveErr error
	if s.httpSrv.TLSConfig != nil {
		serveErr = s.httpSrv.ServeTLS(ln, "", "")
	} else {
		serveErr = s.httpSrv.Serve(ln)
	}
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown gracefully stops the server and returns any fatal serve/shutdown
// error. The returned error will be nil for clean shutdowns. Unacknowledged
// holds stay staged until the expiry sweep of a later process would have
// caught them; Shutdown does not commit or roll them back.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if s.healthSrv != nil {
		if err := s.healthSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health shutdown: %w", err)
		}
	}
	if l := s.listener; l != nil {
		_ = l.Close()
		s.listener = nil
	}
	if l := s.healthLn; l != nil {
		_ = l.Close()
		s.healthLn = nil
	}
	s.stopSweeper()
	s.healthDone.Wait()
	if s.throttle != nil {
		_ = s.throttle.Close()
	}
	if s.ownedSink {
		if err := s.sink.Close(); err != nil {
			return err
		}
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			return err
		}
		s.telemetry = nil
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close gracefully shuts the server down, bounded by the configured shutdown
// timeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the server listener is initialized or context ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	if l := s.listener; l != nil {
		return l.Addr()
	}
	return nil
}

// HealthAddr returns the bound health listener address, or nil when the
// healthcheck shares the primary listener.
func (s *Server) HealthAddr() net.Addr {
	if l := s.healthLn; l != nil {
		return l.Addr()
	}
	return nil
}

// BasePath returns the URL segment the listener serves under.
func (s *Server) BasePath() string {
	return s.handler.BasePath()
}

// HoldCount reports the number of accepted-but-unconfirmed holds.
func (s *Server) HoldCount() int {
	return s.registry.Len()
}

func (s *Server) startSweeper() {
	if s.cfg.SweepInterval <= 0 {
		return
	}
	s.mu.Lock()
	if s.sweeperStop != nil {
		s.mu.Unlock()
		return
	}
	s.sweeperStop = make(chan struct{})
	s.sweeperDone.Add(1)
	stopCh := s.sweeperStop
	interval := s.cfg.SweepInterval
	sweeperCtx := context.Background()
	s.mu.Unlock()
	go func() {
		defer s.sweeperDone.Done()
		for {
			select {
			case <-stopCh:
				return
			case <-s.clock.After(interval):
				s.sweepExpired(sweeperCtx)
			}
		}
	}()
}

func (s *Server) stopSweeper() {
	s.mu.Lock()
	stopCh := s.sweeperStop
	if stopCh != nil {
		close(stopCh)
		s.sweeperStop = nil
	}
	s.mu.Unlock()
	if stopCh != nil {
		s.sweeperDone.Wait()
	}
}

// sweepExpired rolls back every hold older than the unconfirmed limit. An
// acknowledgment racing the sweep wins or loses at registry.Remove; either
// way the session resolves exactly once.
func (s *Server) sweepExpired(ctx context.Context) {
	cutoff := s.clock.Now().Add(-s.cfg.MaxUnconfirmedTime)
	for _, id := range s.registry.SnapshotExpired(cutoff) {
		hold, ok := s.registry.Remove(id)
		if !ok {
			continue
		}
		age := s.clock.Now().Sub(hold.EnteredAt)
		if err := hold.Session.Rollback(); err != nil {
			s.logger.Warn("hold expiry rollback failed", "hold_id", hold.ID, "error", err)
		}
		s.logger.Warn("ingest.hold.expired",
			"hold_id", hold.ID,
			"remote_addr", hold.RemoteAddr,
			"handles", len(hold.Handles),
			"held", age,
		)
		s.handler.NoteExpired(ctx, age)
	}
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the underlying HTTP
// server. It is primarily useful for diagnostics; Shutdown already reports any
// fatal serve/shutdown errors to callers.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// resolveClientAuth maps the configured mode onto a TLS policy. Modes that
// verify certificates need CA material in the bundle.
func resolveClientAuth(mode string, bundle *tlsutil.Bundle) (tls.ClientAuthType, error) {
	hasCA := bundle != nil && bundle.CACertificate != nil
	switch mode {
	case ClientAuthNone:
		return tls.NoClientCert, nil
	case ClientAuthWant:
		if !hasCA {
			return tls.NoClientCert, fmt.Errorf("config: client auth %q requires a ca certificate in the bundle", mode)
		}
		return tls.VerifyClientCertIfGiven, nil
	case ClientAuthRequired:
		if !hasCA {
			return tls.NoClientCert, fmt.Errorf("config: client auth %q requires a ca certificate in the bundle", mode)
		}
		return tls.RequireAndVerifyClientCert, nil
	default:
		if hasCA {
			return tls.RequireAndVerifyClientCert, nil
		}
		return tls.NoClientCert, nil
	}
}

func buildServerTLS(bundle *tlsutil.Bundle, clientAuth tls.ClientAuthType) *tls.Config {
	tlsCfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{bundle.ServerCertificate},
		ClientAuth:   clientAuth,
	}
	if clientAuth != tls.NoClientCert {
		tlsCfg.ClientCAs = bundle.CAPool
	}
	return tlsCfg
}

type serveErrorWriter struct {
	logger pslog.Logger
}

func (w serveErrorWriter) Write(p []byte) (int, error) {
	w.logger.Error("http.server.error", "message", strings.TrimSpace(string(p)))
	return len(p), nil
}

// newServeErrorLog routes net/http internals through the structured logger.
func newServeErrorLog(logger pslog.Logger) *log.Logger {
	return log.New(serveErrorWriter{logger: logger}, "", 0)
}

// StartServer starts an ingestd server in a background goroutine and waits
// until it is ready to accept connections. It returns the running server
// alongside a stop function that gracefully shuts it down.
// Example:
//
//	cfg := ingestd.Config{Deliver: "mem://", Listen: ":9385"}
//	srv, stop, err := ingestd.StartServer(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	if err := srv.WaitUntilReady(waitCtx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, err
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
