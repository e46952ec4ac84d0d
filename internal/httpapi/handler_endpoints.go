package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"pkt.systems/ingestd/api"
	"pkt.systems/ingestd/internal/delivery"
	"pkt.systems/ingestd/internal/registry"
	"pkt.systems/ingestd/internal/throttle"
	"pkt.systems/ingestd/internal/uuidv7"
	"pkt.systems/pslog"
)

// handleSubmit accepts a payload, stages it through a delivery session, and
// parks the result in the registry until the submitter acknowledges the
// hold or the confirmation window lapses.
func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) error {
	switch r.Method {
	case http.MethodPost:
	case http.MethodHead:
		w.WriteHeader(http.StatusOK)
		return nil
	default:
		w.Header().Set("Allow", "POST, HEAD")
		return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: "supported methods: POST, HEAD"}
	}
	ctx := r.Context()
	if err := h.authorize(r); err != nil {
		return err
	}
	factory := h.boundSessions()
	if factory == nil {
		return httpError{Status: http.StatusServiceUnavailable, Code: "sink_unavailable", Detail: "no delivery sessions available"}
	}

	sess := factory.New()
	handles, err := h.stageRequest(ctx, sess, r)
	if err != nil {
		_ = sess.Rollback()
		return err
	}

	id := uuidv7.NewString()
	now := h.clock.Now()
	hold := &registry.Hold{
		ID:         id,
		Handles:    handles,
		EnteredAt:  now,
		Session:    sess,
		RemoteAddr: r.RemoteAddr,
	}
	if err := h.registry.Put(hold); err != nil {
		_ = sess.Rollback()
		return fmt.Errorf("register hold: %w", err)
	}

	var total int64
	for _, handle := range handles {
		total += handle.Size
	}
	h.metrics.recordAccepted(ctx, len(handles), total)
	if logger := pslog.LoggerFromContext(ctx); logger != nil {
		logger.Debug("ingest.hold.created", "hold_id", id, "handles", len(handles), "bytes", total)
	}

	location := "/" + h.basePath + "/" + id
	headers := map[string]string{
		"Location":               location,
		api.HeaderLocationIntent: api.LocationIntentHold,
	}
	h.writeJSON(w, h.returnCode, api.SubmitResponse{
		ID:                 id,
		Location:           location,
		Handles:            len(handles),
		EntryTimeUnixMilli: now.UnixMilli(),
	}, headers)
	return nil
}

// handleAck resolves a hold. Whoever wins the registry removal owns the
// session, so a concurrent expiry sweep can never double-resolve it.
func (h *Handler) handleAck(w http.ResponseWriter, r *http.Request) error {
	switch r.Method {
	case http.MethodDelete, http.MethodHead:
	default:
		w.Header().Set("Allow", "DELETE, HEAD")
		return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: "supported methods: DELETE, HEAD"}
	}
	ctx := r.Context()
	if err := h.authorize(r); err != nil {
		return err
	}
	id := strings.TrimPrefix(r.URL.Path, "/"+h.basePath+"/")
	if id == "" || strings.Contains(id, "/") {
		return httpError{Status: http.StatusNotFound, Code: "hold_not_found", Detail: "no hold at this path"}
	}
	hold, ok := h.registry.Remove(id)
	if !ok {
		return httpError{Status: http.StatusNotFound, Code: "hold_not_found", Detail: fmt.Sprintf("hold %s not found", id)}
	}
	if err := hold.Session.Commit(ctx, hold.ID); err != nil {
		return httpError{Status: http.StatusInternalServerError, Code: "delivery_failed", Detail: fmt.Sprintf("commit hold %s: %v", id, err)}
	}
	age := h.clock.Now().Sub(hold.EnteredAt)
	h.metrics.recordAcknowledged(ctx, age)
	if logger := pslog.LoggerFromContext(ctx); logger != nil {
		fields := []any{"hold_id", id, "handles", len(hold.Handles), "held", age}
		// Acks can arrive on a different connection than the submit.
		if who := clientIdentityFromContext(ctx); who != "" {
			fields = append(fields, "acked_by", who)
		}
		logger.Debug("ingest.hold.acknowledged", fields...)
	}
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return nil
	}
	h.writeJSON(w, http.StatusOK, api.AckResponse{ID: id, Handles: len(hold.Handles)}, nil)
	return nil
}

// handleHealth reports listener liveness.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) error {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
	default:
		w.Header().Set("Allow", "GET, HEAD")
		return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: "supported methods: GET, HEAD"}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return nil
	}
	_, _ = io.WriteString(w, api.HealthBody+"\n")
	return nil
}

// stageRequest drains the request body into sess, one handle per payload.
// Multipart requests yield one handle per part; anything else stages the
// body as a single payload.
func (h *Handler) stageRequest(ctx context.Context, sess delivery.Session, r *http.Request) ([]delivery.Handle, error) {
	meta := h.requestMetadata(r)
	body := h.throttle.Reader(ctx, r.Body)

	contentType := r.Header.Get("Content-Type")
	if mediaType, params, err := mime.ParseMediaType(contentType); err == nil && strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, httpError{Status: http.StatusBadRequest, Code: "invalid_multipart", Detail: "multipart media type missing boundary"}
		}
		return h.stageMultipart(ctx, sess, body, boundary, meta)
	}

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	handle, err := sess.Stage(ctx, delivery.Item{ContentType: contentType, Metadata: meta}, body)
	if err != nil {
		if closed := asThrottleClosed(err); closed != nil {
			return nil, closed
		}
		return nil, err
	}
	return []delivery.Handle{handle}, nil
}

// stageMultipart stages every part under the request-wide byte cap. The cap
// counts raw wire bytes, boundaries included.
func (h *Handler) stageMultipart(ctx context.Context, sess delivery.Session, body io.Reader, boundary string, meta map[string]string) ([]delivery.Handle, error) {
	capped := &limitedReader{r: body, limit: h.multipartMax}
	mr := multipart.NewReader(capped, boundary)
	var handles []delivery.Handle
	for i := 0; ; i++ {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, asMultipartError(err)
		}

		partMeta := make(map[string]string, len(meta)+3)
		for k, v := range meta {
			partMeta[k] = v
		}
		partMeta[attrPartIndex] = strconv.Itoa(i)
		if name := part.FormName(); name != "" {
			partMeta[attrPartName] = name
		}
		if filename := part.FileName(); filename != "" {
			partMeta[attrPartFilename] = filename
		}
		contentType := part.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		handle, err := sess.Stage(ctx, delivery.Item{ContentType: contentType, Metadata: partMeta}, part)
		if err != nil {
			return nil, asMultipartError(err)
		}
		handles = append(handles, handle)
	}
	if len(handles) == 0 {
		return nil, httpError{Status: http.StatusBadRequest, Code: "empty_multipart", Detail: "multipart request carried no parts"}
	}
	return handles, nil
}

// asMultipartError surfaces the byte-cap violation buried under the
// multipart parser; everything else reads as a malformed request.
func asMultipartError(err error) error {
	var httpErr httpError
	if errors.As(err, &httpErr) {
		return httpErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if closed := asThrottleClosed(err); closed != nil {
		return closed
	}
	return httpError{Status: http.StatusBadRequest, Code: "invalid_multipart", Detail: err.Error()}
}

// asThrottleClosed maps a read failure caused by limiter shutdown to 503 so
// a submitter retries instead of treating its payload as rejected.
func asThrottleClosed(err error) error {
	if errors.Is(err, throttle.ErrClosed) {
		return httpError{Status: http.StatusServiceUnavailable, Code: "ingest_unavailable", Detail: "ingest stopped while reading the payload"}
	}
	return nil
}
