// Package httpapi implements the content listener HTTP surface: payload
// submission, hold acknowledgement, and the healthcheck.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/ingestd/api"
	"pkt.systems/ingestd/internal/clock"
	"pkt.systems/ingestd/internal/correlation"
	"pkt.systems/ingestd/internal/delivery"
	"pkt.systems/ingestd/internal/registry"
	"pkt.systems/ingestd/internal/svcfields"
	"pkt.systems/ingestd/internal/throttle"
	"pkt.systems/ingestd/internal/uuidv7"
	"pkt.systems/pslog"
)

const headerCorrelationID = "X-Correlation-Id"

// Attribute keys stamped onto staged payloads alongside any headers the
// configured pattern admits.
const (
	attrRemoteAddr   = "ingest.remote.addr"
	attrSubjectDN    = "ingest.subject.dn"
	attrIssuerDN     = "ingest.issuer.dn"
	attrPartIndex    = "ingest.part.index"
	attrPartName     = "ingest.part.name"
	attrPartFilename = "ingest.part.filename"
)

const (
	defaultBasePath         = "contentListener"
	defaultMultipartMaxSize = 1 << 20
)

// Handler wires the content listener endpoints to the hold registry and the
// delivery layer.
type Handler struct {
	registry        *registry.Registry
	sessions        atomic.Pointer[sessionFactoryRef]
	throttle        *throttle.Limiter
	logger          pslog.Logger
	clock           clock.Clock
	basePath        string
	returnCode      int
	subjectPattern  *regexp.Regexp
	issuerPattern   *regexp.Regexp
	headersPattern  *regexp.Regexp
	multipartMax    int64
	enforceIdentity bool
	tracer          trace.Tracer
	metrics         *ingestMetrics

	httpTracingEnabled bool
}

// sessionFactoryRef wraps the bound factory so the atomic pointer always
// swaps a stable cell.
type sessionFactoryRef struct {
	factory delivery.SessionFactory
}

// Config captures the dependencies and knobs for a Handler.
type Config struct {
	// Registry tracks accepted-but-unconfirmed holds. A nil registry gets a
	// fresh empty one.
	Registry *registry.Registry
	// Sessions is the delivery factory bound at construction. Leave nil to
	// bind lazily through BindSessionFactory.
	Sessions delivery.SessionFactory
	// Throttle meters inbound payload bytes. Nil disables metering.
	Throttle *throttle.Limiter
	Logger   pslog.Logger
	Clock    clock.Clock
	// BasePath is the URL segment the listener serves under, without
	// slashes. Empty selects "contentListener".
	BasePath string
	// ReturnCode is the status for accepted submissions. Values outside
	// 2xx fall back to 200.
	ReturnCode int
	// SubjectDNPattern and IssuerDNPattern gate submissions by the client
	// certificate's distinguished names when identity is enforced. A client
	// presenting no certificate matches as "none".
	SubjectDNPattern *regexp.Regexp
	IssuerDNPattern  *regexp.Regexp
	// HeadersPattern selects request headers to copy onto staged payloads.
	// Nil copies none.
	HeadersPattern *regexp.Regexp
	// MultipartMaxSize caps the total bytes of a multipart submission.
	MultipartMaxSize int64
	// EnforceIdentity enables DN authorization and client identity logging.
	// The server sets it whenever the listener can receive certificates.
	EnforceIdentity    bool
	DisableHTTPTracing bool
}

// New constructs a Handler using the supplied configuration.
func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	reg := cfg.Registry
	if reg == nil {
		reg = registry.New()
	}
	basePath := strings.Trim(cfg.BasePath, "/")
	if basePath == "" {
		basePath = defaultBasePath
	}
	returnCode := cfg.ReturnCode
	if returnCode < 200 || returnCode > 299 {
		returnCode = http.StatusOK
	}
	multipartMax := cfg.MultipartMaxSize
	if multipartMax <= 0 {
		multipartMax = defaultMultipartMaxSize
	}
	h := &Handler{
		registry:           reg,
		throttle:           cfg.Throttle,
		logger:             logger,
		clock:              clk,
		basePath:           basePath,
		returnCode:         returnCode,
		subjectPattern:     cfg.SubjectDNPattern,
		issuerPattern:      cfg.IssuerDNPattern,
		headersPattern:     cfg.HeadersPattern,
		multipartMax:       multipartMax,
		enforceIdentity:    cfg.EnforceIdentity,
		tracer:             otel.Tracer("pkt.systems/ingestd/httpapi"),
		httpTracingEnabled: !cfg.DisableHTTPTracing,
	}
	h.metrics = newIngestMetrics(logger, reg)
	if cfg.Sessions != nil {
		h.sessions.Store(&sessionFactoryRef{factory: cfg.Sessions})
	}
	return h
}

// BindSessionFactory binds the delivery factory serving subsequent
// submissions. The first bind wins; later calls leave the original binding
// in place and report false.
func (h *Handler) BindSessionFactory(factory delivery.SessionFactory) bool {
	if factory == nil {
		return false
	}
	return h.sessions.CompareAndSwap(nil, &sessionFactoryRef{factory: factory})
}

func (h *Handler) boundSessions() delivery.SessionFactory {
	if ref := h.sessions.Load(); ref != nil {
		return ref.factory
	}
	return nil
}

// BasePath returns the normalized URL segment the listener serves under.
func (h *Handler) BasePath() string {
	return h.basePath
}

// NoteExpired records metrics for a hold the expiry sweep rolled back.
func (h *Handler) NoteExpired(ctx context.Context, age time.Duration) {
	h.metrics.recordExpired(ctx, age)
}

// Register wires the submission, acknowledgement, and health routes. The
// healthcheck pattern is longer than the acknowledgement subtree, so the
// mux resolves it first.
func (h *Handler) Register(mux *http.ServeMux) {
	base := "/" + h.basePath
	mux.Handle(base, h.wrap("submit", h.handleSubmit))
	mux.Handle(base+"/healthcheck", h.wrap("healthcheck", h.handleHealth))
	mux.Handle(base+"/", h.wrap("ack", h.handleAck))
}

// RegisterHealth wires only the health route, for listeners that must not
// accept submissions.
func (h *Handler) RegisterHealth(mux *http.ServeMux) {
	mux.Handle("/"+h.basePath+"/healthcheck", h.wrap("healthcheck", h.handleHealth))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := routerSys(operation)
	httpSpanName := "ingestd.http." + operation
	ingestSpanName := "ingestd.ingest." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		reqID := uuidv7.NewString()
		instrument := h.httpTracingEnabled
		var span trace.Span
		if instrument {
			ctx, span = h.tracer.Start(ctx, ingestSpanName,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(attribute.String("ingestd.sys", sys)),
			)
			span.SetAttributes(
				attribute.String("ingestd.operation", operation),
				attribute.String("ingestd.route", r.URL.Path),
				attribute.Bool("ingestd.enforce_identity", h.enforceIdentity),
			)
			span.AddEvent("ingestd.ingest.begin")
			defer span.End()
		} else {
			span = trace.SpanFromContext(ctx)
		}

		ctx = correlation.Ensure(ctx)

		logger := svcfields.WithSubsystem(h.logger, sys).With(
			"req_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = pslog.ContextWithLogger(ctx, logger)

		if h.enforceIdentity {
			if id := clientIdentityFromRequest(r); id != "" {
				ctx = WithClientIdentity(ctx, id)
				logger = logger.With("client_identity", id)
				ctx = pslog.ContextWithLogger(ctx, logger)
				if instrument {
					span.SetAttributes(attribute.Bool("ingestd.has_client_identity", true))
				}
			} else if instrument {
				span.SetAttributes(attribute.Bool("ingestd.has_client_identity", false))
			}
		}

		if corr := strings.TrimSpace(r.Header.Get(headerCorrelationID)); corr != "" {
			if normalized, ok := correlation.Normalize(corr); ok {
				ctx = correlation.Set(ctx, normalized)
			}
		}
		if !correlation.Has(ctx) {
			ctx = correlation.Set(ctx, correlation.Generate())
		}
		ctx, logger = applyCorrelation(ctx, logger, span)
		verboseLogger := logger

		// The echo header must land before a handler writes the status line.
		if corr := correlation.ID(ctx); corr != "" {
			w.Header().Set(headerCorrelationID, corr)
		}

		r = r.WithContext(ctx)

		verboseLogger.Trace("http.request.start", "remote_addr", r.RemoteAddr)

		result := "ok"
		status := codes.Ok
		statusMsg := ""
		defer func() {
			if instrument {
				duration := time.Since(start).Milliseconds()
				span.SetStatus(status, statusMsg)
				span.AddEvent("ingestd.ingest.end", trace.WithAttributes(
					attribute.String("ingestd.result", result),
					attribute.Int64("ingestd.duration_ms", duration),
				))
			}
		}()

		if err := fn(w, r); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				result = "context"
				status = codes.Error
				statusMsg = "context_canceled"
				if instrument {
					span.SetAttributes(attribute.String("ingestd.error_code", "context"))
				}
				verboseLogger.Trace("http.request.canceled", "elapsed", time.Since(start))
				// Always emit a structured response so clients don't see an empty 200.
				h.handleError(ctx, w, httpError{
					Status: http.StatusRequestTimeout,
					Code:   "request_canceled",
					Detail: "request canceled before the payload was staged",
				})
				return
			}
			result = "error"
			status = codes.Error
			statusMsg = "handler_error"
			if instrument {
				span.RecordError(err)
			}
			var httpErr httpError
			if errors.As(err, &httpErr) {
				if instrument {
					span.SetAttributes(
						attribute.String("ingestd.error_code", httpErr.Code),
						attribute.Int("ingestd.error_status", httpErr.Status),
					)
				}
			} else if instrument {
				span.SetAttributes(attribute.String("ingestd.error_code", "internal"))
			}
			ctx = r.Context()
			verboseLogger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(ctx, w, err)
			return
		}
		verboseLogger.Trace("http.request.complete", "elapsed", time.Since(start))
	})

	if !h.httpTracingEnabled {
		return handler
	}
	return otelhttp.NewHandler(handler, httpSpanName,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any, headers map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	_ = enc.Encode(payload)
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	var httpErr httpError
	if errors.As(err, &httpErr) {
		logger.Debug("http.request.failure",
			"status", httpErr.Status,
			"code", httpErr.Code,
			"detail", httpErr.Detail,
			"retry_after", httpErr.RetryAfter,
		)
		resp := api.ErrorResponse{
			ErrorCode:         httpErr.Code,
			Detail:            httpErr.Detail,
			RetryAfterSeconds: httpErr.RetryAfter,
		}
		var headers map[string]string
		if httpErr.RetryAfter > 0 {
			headers = map[string]string{"Retry-After": strconv.FormatInt(httpErr.RetryAfter, 10)}
		}
		h.writeJSON(w, httpErr.Status, resp, headers)
		return
	}
	logger.Error("http.request.panic", "error", err)
	h.writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{
		ErrorCode: "internal_error",
		Detail:    "internal server error",
	}, nil)
}

// httpError carries an HTTP status alongside a stable error code.
type httpError struct {
	Status     int
	Code       string
	Detail     string
	RetryAfter int64
}

func (e httpError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return e.Code
}
