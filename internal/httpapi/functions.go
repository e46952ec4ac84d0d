package httpapi

import (
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/ingestd/internal/correlation"
	"pkt.systems/pslog"
)

// correlationAppliedKey marks log enrichment to avoid duplicate correlation fields.
type correlationAppliedKey struct{}

func routerSys(operation string) string {
	parts := strings.FieldsFunc(operation, func(r rune) bool {
		switch r {
		case '.', '/', '-', '_':
			return true
		}
		return false
	})
	if len(parts) == 0 {
		return "api.http.router"
	}
	return "api.http.router." + strings.Join(parts, ".")
}

func applyCorrelation(ctx context.Context, logger pslog.Logger, span trace.Span) (context.Context, pslog.Logger) {
	if id := correlation.ID(ctx); id != "" {
		if ctx.Value(correlationAppliedKey{}) == nil {
			logger = logger.With("cid", id)
			ctx = context.WithValue(ctx, correlationAppliedKey{}, struct{}{})
		} else if existing := pslog.LoggerFromContext(ctx); existing != nil {
			logger = existing
		}
		ctx = pslog.ContextWithLogger(ctx, logger)
		if span != nil {
			span.SetAttributes(attribute.String("ingestd.correlation_id", id))
		}
	}
	return ctx, logger
}

func clientIdentityFromRequest(r *http.Request) string {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return ""
	}
	cert := r.TLS.PeerCertificates[0]
	serial := ""
	if cert.SerialNumber != nil {
		serial = cert.SerialNumber.Text(16)
	}
	return fmt.Sprintf("%s#%s", cert.Subject.String(), serial)
}

func peerCertificate(r *http.Request) *x509.Certificate {
	if r == nil || r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return nil
	}
	return r.TLS.PeerCertificates[0]
}

// peerDNs reports the presented certificate's distinguished names, or
// "none" for both when the client sent no certificate. Matching "none"
// against the configured patterns lets a permissive pattern admit
// certificate-less clients under optional TLS auth.
func peerDNs(r *http.Request) (subject, issuer string) {
	cert := peerCertificate(r)
	if cert == nil {
		return "none", "none"
	}
	return cert.Subject.String(), cert.Issuer.String()
}

// authorize gates the request on the distinguished-name patterns. It is a
// no-op unless the listener enforces client identity.
func (h *Handler) authorize(r *http.Request) error {
	if !h.enforceIdentity {
		return nil
	}
	subject, issuer := peerDNs(r)
	if h.subjectPattern != nil && !h.subjectPattern.MatchString(subject) {
		return httpError{Status: http.StatusForbidden, Code: "subject_not_authorized", Detail: fmt.Sprintf("subject dn %q is not authorized", subject)}
	}
	if h.issuerPattern != nil && !h.issuerPattern.MatchString(issuer) {
		return httpError{Status: http.StatusForbidden, Code: "issuer_not_authorized", Detail: fmt.Sprintf("issuer dn %q is not authorized", issuer)}
	}
	return nil
}

// requestMetadata builds the attribute map stamped onto every payload
// staged from r: headers admitted by the configured pattern, the source
// address, and the client certificate's distinguished names when present.
func (h *Handler) requestMetadata(r *http.Request) map[string]string {
	meta := make(map[string]string)
	if h.headersPattern != nil {
		for name, values := range r.Header {
			if len(values) == 0 || !h.headersPattern.MatchString(name) {
				continue
			}
			meta[name] = values[0]
		}
	}
	meta[attrRemoteAddr] = r.RemoteAddr
	if cert := peerCertificate(r); cert != nil {
		meta[attrSubjectDN] = cert.Subject.String()
		meta[attrIssuerDN] = cert.Issuer.String()
	}
	return meta
}

// limitedReader serves at most limit bytes and fails as soon as the source
// proves longer. Reading one byte past the cap distinguishes an exact fit,
// which ends with a clean EOF, from an overflow; the excess byte is never
// served, so buffered parsers cannot consume a too-large request before
// noticing. A non-positive limit disables the cap.
type limitedReader struct {
	r     io.Reader
	limit int64
	read  int64
}

func (lr *limitedReader) Read(p []byte) (int, error) {
	if lr.limit <= 0 {
		return lr.r.Read(p)
	}
	remaining := lr.limit - lr.read
	if remaining < 0 {
		remaining = 0
	}
	if int64(len(p)) > remaining+1 {
		p = p[:remaining+1]
	}
	n, err := lr.r.Read(p)
	if int64(n) <= remaining {
		lr.read += int64(n)
		return n, err
	}
	lr.read = lr.limit
	return int(remaining), httpError{Status: http.StatusRequestEntityTooLarge, Code: "payload_too_large", Detail: fmt.Sprintf("multipart request exceeds %d bytes", lr.limit)}
}
