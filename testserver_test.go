package ingestd

import (
	"context"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
)

func TestTestServerLifecycle(t *testing.T) {
	ts := StartTestServer(t)
	if ts.URL() == "" || ts.Addr() == nil {
		t.Fatalf("test server missing address: url=%q addr=%v", ts.URL(), ts.Addr())
	}
	if ts.Sink() == nil {
		t.Fatalf("memory deliver target should expose its sink")
	}

	resp, err := ts.Client.Get(ts.HealthURL())
	if err != nil {
		t.Fatalf("healthcheck: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthcheck status = %d, want 200", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read healthcheck body: %v", err)
	}
	if string(body) != "OK\n" {
		t.Fatalf("healthcheck body = %q", body)
	}

	if err := ts.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := ts.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestHoldURLShape(t *testing.T) {
	ts := StartTestServer(t)
	if got, want := ts.ContentURL(), ts.URL()+"/contentListener"; got != want {
		t.Fatalf("content url = %q, want %q", got, want)
	}
	if got, want := ts.HoldURL("some-id"), ts.ContentURL()+"/some-id"; got != want {
		t.Fatalf("hold url = %q, want %q", got, want)
	}
}

func TestWithTestDeliverDirSink(t *testing.T) {
	dir := t.TempDir()
	ts := StartTestServer(t, WithTestDeliver("dir://"+dir))

	status, sr, _ := postPayload(t, ts, "spooled payload")
	if status != http.StatusOK {
		t.Fatalf("submit status = %d, want 200", status)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read spool dir: %v", err)
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), sr.ID+".") {
			t.Fatalf("object %s published before acknowledgment", entry.Name())
		}
	}

	resp := ackHold(t, ts, sr.ID)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ack status = %d, want 200", resp.StatusCode)
	}

	entries, err = os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read spool dir: %v", err)
	}
	var payloadName string
	var sawSidecar bool
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, sr.ID+".") {
			continue
		}
		if strings.HasSuffix(name, ".meta.json") {
			sawSidecar = true
			continue
		}
		payloadName = name
	}
	if payloadName == "" || !sawSidecar {
		t.Fatalf("committed object incomplete: payload=%q sidecar=%v", payloadName, sawSidecar)
	}
	data, err := os.ReadFile(dir + "/" + payloadName)
	if err != nil {
		t.Fatalf("read committed payload: %v", err)
	}
	if string(data) != "spooled payload" {
		t.Fatalf("committed payload = %q", data)
	}
}
