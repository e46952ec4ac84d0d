package ingestd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/ingestd/api"
	"pkt.systems/ingestd/internal/clock"
	"pkt.systems/ingestd/internal/delivery"
	"pkt.systems/ingestd/internal/delivery/memory"
)

func waitFor(t *testing.T, timeout, interval time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if fn() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(interval)
	}
}

func postPayload(t *testing.T, ts *TestServer, body string) (int, api.SubmitResponse, http.Header) {
	t.Helper()
	resp, err := ts.Client.Post(ts.ContentURL(), "text/plain", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post payload: %v", err)
	}
	defer resp.Body.Close()
	var sr api.SubmitResponse
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
			t.Fatalf("decode submit response: %v", err)
		}
	}
	return resp.StatusCode, sr, resp.Header
}

func ackHold(t *testing.T, ts *TestServer, id string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, ts.HoldURL(id), nil)
	if err != nil {
		t.Fatalf("build ack request: %v", err)
	}
	resp, err := ts.Client.Do(req)
	if err != nil {
		t.Fatalf("ack hold %s: %v", id, err)
	}
	return resp
}

func TestSubmitAckCommitsPayload(t *testing.T) {
	ts := StartTestServer(t)
	sink := ts.Sink().(*memory.Sink)

	status, sr, header := postPayload(t, ts, "hello ingest")
	if status != http.StatusOK {
		t.Fatalf("submit status = %d, want 200", status)
	}
	if sr.ID == "" {
		t.Fatalf("submit response missing id")
	}
	if sr.Handles != 1 {
		t.Fatalf("handles = %d, want 1", sr.Handles)
	}
	if got := header.Get("Location"); got != sr.Location {
		t.Fatalf("Location header = %q, body location = %q", got, sr.Location)
	}
	if got := header.Get(api.HeaderLocationIntent); got != api.LocationIntentHold {
		t.Fatalf("%s = %q, want %q", api.HeaderLocationIntent, got, api.LocationIntentHold)
	}
	if got := ts.Server.HoldCount(); got != 1 {
		t.Fatalf("hold count = %d, want 1", got)
	}
	if sink.Len() != 0 {
		t.Fatalf("payload reached the sink before acknowledgment")
	}

	resp := ackHold(t, ts, sr.ID)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ack status = %d, want 200", resp.StatusCode)
	}
	var ack api.AckResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		t.Fatalf("decode ack response: %v", err)
	}
	if ack.ID != sr.ID || ack.Handles != 1 {
		t.Fatalf("ack response = %+v, want id %s with 1 handle", ack, sr.ID)
	}
	if got := ts.Server.HoldCount(); got != 0 {
		t.Fatalf("hold count after ack = %d, want 0", got)
	}
	objs := sink.ObjectsFor(sr.ID)
	if len(objs) != 1 {
		t.Fatalf("committed objects = %d, want 1", len(objs))
	}
	if string(objs[0].Body) != "hello ingest" {
		t.Fatalf("committed body = %q", objs[0].Body)
	}

	again := ackHold(t, ts, sr.ID)
	defer again.Body.Close()
	if again.StatusCode != http.StatusNotFound {
		t.Fatalf("second ack status = %d, want 404", again.StatusCode)
	}
	var er api.ErrorResponse
	if err := json.NewDecoder(again.Body).Decode(&er); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if er.ErrorCode != "hold_not_found" {
		t.Fatalf("second ack error = %q, want hold_not_found", er.ErrorCode)
	}
}

func TestExpiredHoldRollsBack(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	ts := StartTestServer(t,
		WithTestClock(clk),
		WithTestConfigFunc(func(cfg *Config) {
			cfg.MaxUnconfirmedTime = 30 * time.Second
			cfg.SweepInterval = time.Second
		}),
	)
	sink := ts.Sink().(*memory.Sink)

	_, sr, _ := postPayload(t, ts, "never acknowledged")
	if got := ts.Server.HoldCount(); got != 1 {
		t.Fatalf("hold count = %d, want 1", got)
	}

	// Pump the manual clock until the sweeper has rolled the hold back.
	waitFor(t, 2*time.Second, 5*time.Millisecond, func() bool {
		clk.Advance(time.Second)
		return ts.Server.HoldCount() == 0
	})
	if sink.Len() != 0 {
		t.Fatalf("expired hold committed %d objects", sink.Len())
	}

	late := ackHold(t, ts, sr.ID)
	defer late.Body.Close()
	if late.StatusCode != http.StatusNotFound {
		t.Fatalf("late ack status = %d, want 404", late.StatusCode)
	}
}

func TestMultipartSubmitCommitsAllParts(t *testing.T) {
	ts := StartTestServer(t)
	sink := ts.Sink().(*memory.Sink)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for i, payload := range []string{"first part", "second part"} {
		fw, err := mw.CreateFormFile(fmt.Sprintf("file%d", i), fmt.Sprintf("payload-%d.bin", i))
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := fw.Write([]byte(payload)); err != nil {
			t.Fatalf("write part: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}

	resp, err := ts.Client.Post(ts.ContentURL(), mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("post multipart: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("multipart status = %d, want 200", resp.StatusCode)
	}
	var sr api.SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	if sr.Handles != 2 {
		t.Fatalf("handles = %d, want 2", sr.Handles)
	}

	ack := ackHold(t, ts, sr.ID)
	defer ack.Body.Close()
	if ack.StatusCode != http.StatusOK {
		t.Fatalf("ack status = %d, want 200", ack.StatusCode)
	}

	objs := sink.ObjectsFor(sr.ID)
	if len(objs) != 2 {
		t.Fatalf("committed objects = %d, want 2", len(objs))
	}
	if string(objs[0].Body) != "first part" || string(objs[1].Body) != "second part" {
		t.Fatalf("part bodies out of order: %q, %q", objs[0].Body, objs[1].Body)
	}
	if got := objs[1].Handle.Metadata["ingest.part.filename"]; got != "payload-1.bin" {
		t.Fatalf("part filename metadata = %q, want payload-1.bin", got)
	}
}

func TestMultipartRejectsOversizedBody(t *testing.T) {
	ts := StartTestServer(t, WithTestConfigFunc(func(cfg *Config) {
		cfg.MultipartMaxSize = 1024
	}))

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "big.bin")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write(bytes.Repeat([]byte("x"), 4096)); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}

	resp, err := ts.Client.Post(ts.ContentURL(), mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("post multipart: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", resp.StatusCode)
	}
	var er api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if er.ErrorCode != "payload_too_large" {
		t.Fatalf("error = %q, want payload_too_large", er.ErrorCode)
	}
	if got := ts.Server.HoldCount(); got != 0 {
		t.Fatalf("oversized submission left %d holds", got)
	}
}

func TestHeadersPatternFiltersMetadata(t *testing.T) {
	ts := StartTestServer(t, WithTestConfigFunc(func(cfg *Config) {
		cfg.HeadersPattern = "^X-Env-"
	}))
	sink := ts.Sink().(*memory.Sink)

	req, err := http.NewRequest(http.MethodPost, ts.ContentURL(), strings.NewReader("tagged"))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("X-Env-Site", "alpha")
	req.Header.Set("X-Secret", "do-not-copy")
	resp, err := ts.Client.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var sr api.SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}

	ack := ackHold(t, ts, sr.ID)
	defer ack.Body.Close()

	objs := sink.ObjectsFor(sr.ID)
	if len(objs) != 1 {
		t.Fatalf("committed objects = %d, want 1", len(objs))
	}
	meta := objs[0].Handle.Metadata
	if got := meta["X-Env-Site"]; got != "alpha" {
		t.Fatalf("X-Env-Site metadata = %q, want alpha", got)
	}
	if _, leaked := meta["X-Secret"]; leaked {
		t.Fatalf("X-Secret header leaked into metadata")
	}
	if meta["ingest.remote.addr"] == "" {
		t.Fatalf("remote address metadata missing")
	}
}

func TestMethodDiscipline(t *testing.T) {
	ts := StartTestServer(t)

	resp, err := ts.Client.Get(ts.ContentURL())
	if err != nil {
		t.Fatalf("get submit endpoint: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET submit status = %d, want 405", resp.StatusCode)
	}
	if got := resp.Header.Get("Allow"); got != "POST, HEAD" {
		t.Fatalf("submit Allow = %q, want POST, HEAD", got)
	}

	req, err := http.NewRequest(http.MethodPut, ts.HoldURL("whatever"), nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err = ts.Client.Do(req)
	if err != nil {
		t.Fatalf("put ack endpoint: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("PUT ack status = %d, want 405", resp.StatusCode)
	}
	if got := resp.Header.Get("Allow"); got != "DELETE, HEAD" {
		t.Fatalf("ack Allow = %q, want DELETE, HEAD", got)
	}
}

func TestConcurrentSubmitsAssignUniqueHolds(t *testing.T) {
	ts := StartTestServer(t)
	sink := ts.Sink().(*memory.Sink)

	const n = 16
	var wg sync.WaitGroup
	ids := make(chan string, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := ts.Client.Post(ts.ContentURL(), "text/plain", strings.NewReader(fmt.Sprintf("payload-%d", i)))
			if err != nil {
				errs <- err
				return
			}
			defer resp.Body.Close()
			var sr api.SubmitResponse
			if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
				errs <- err
				return
			}
			ids <- sr.ID
		}(i)
	}
	wg.Wait()
	close(ids)
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent submit: %v", err)
	}

	seen := make(map[string]struct{}, n)
	for id := range ids {
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate hold id %s", id)
		}
		seen[id] = struct{}{}
	}
	if len(seen) != n {
		t.Fatalf("unique holds = %d, want %d", len(seen), n)
	}
	if got := ts.Server.HoldCount(); got != n {
		t.Fatalf("hold count = %d, want %d", got, n)
	}

	for id := range seen {
		resp := ackHold(t, ts, id)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("ack %s status = %d, want 200", id, resp.StatusCode)
		}
	}
	if sink.Len() != n {
		t.Fatalf("committed objects = %d, want %d", sink.Len(), n)
	}
}

func TestReturnCodeApplied(t *testing.T) {
	ts := StartTestServer(t, WithTestConfigFunc(func(cfg *Config) {
		cfg.ReturnCode = http.StatusCreated
	}))

	status, sr, _ := postPayload(t, ts, "created")
	if status != http.StatusCreated {
		t.Fatalf("submit status = %d, want 201", status)
	}
	resp := ackHold(t, ts, sr.ID)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ack status = %d, want 200", resp.StatusCode)
	}
}

func TestShutdownLeavesInjectedSinkOpen(t *testing.T) {
	sink := memory.New()
	ts := StartTestServer(t, WithTestSink(sink))

	_, sr, _ := postPayload(t, ts, "kept")
	resp := ackHold(t, ts, sr.ID)
	resp.Body.Close()
	if err := ts.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	// Injected sinks outlive the server.
	sess := sink.Sessions().New()
	if _, err := sess.Stage(context.Background(), delivery.Item{ContentType: "text/plain"}, strings.NewReader("after shutdown")); err != nil {
		t.Fatalf("stage after shutdown: %v", err)
	}
	if err := sess.Commit(context.Background(), "post-shutdown"); err != nil {
		t.Fatalf("commit after shutdown: %v", err)
	}
	if sink.Len() != 2 {
		t.Fatalf("committed objects = %d, want 2", sink.Len())
	}
	_ = sink.Close()
}

func TestStartServerStopIdempotent(t *testing.T) {
	srv, stop, err := StartServer(context.Background(), Config{Deliver: "mem://", Listen: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	if srv.ListenerAddr() == nil {
		t.Fatalf("listener address not available")
	}
	if err := stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown after stop: %v", err)
	}
}
