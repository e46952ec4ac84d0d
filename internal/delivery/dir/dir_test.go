package dir

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pkt.systems/ingestd/internal/delivery"
)

func TestNewRequiresRoot(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty root")
	}
}

func TestCommitPublishesObjectAndSidecar(t *testing.T) {
	t.Parallel()

	sink, err := New(Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	sess := sink.Sessions().New()
	ctx := context.Background()

	handle, err := sess.Stage(ctx, delivery.Item{
		ContentType: "text/plain",
		Metadata:    map[string]string{"ingest.remote.addr": "10.0.0.7:1234"},
	}, strings.NewReader("outbox payload"))
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if err := sess.Commit(ctx, "hold-42"); err != nil {
		t.Fatalf("commit: %v", err)
	}

	objPath := filepath.Join(sink.Root(), "hold-42.0."+handle.ID)
	body, err := os.ReadFile(objPath)
	if err != nil {
		t.Fatalf("read object: %v", err)
	}
	if string(body) != "outbox payload" {
		t.Fatalf("object body = %q", body)
	}

	raw, err := os.ReadFile(objPath + ".meta.json")
	if err != nil {
		t.Fatalf("read sidecar: %v", err)
	}
	var meta sidecar
	if err := json.Unmarshal(raw, &meta); err != nil {
		t.Fatalf("decode sidecar: %v", err)
	}
	if meta.HoldID != "hold-42" || meta.HandleID != handle.ID || meta.Seq != 0 {
		t.Fatalf("sidecar identity = %+v", meta)
	}
	if meta.ContentType != "text/plain" {
		t.Fatalf("sidecar content type = %q", meta.ContentType)
	}
	if meta.Metadata["ingest.remote.addr"] != "10.0.0.7:1234" {
		t.Fatalf("sidecar metadata = %v", meta.Metadata)
	}
}

func TestRollbackLeavesOutboxEmpty(t *testing.T) {
	t.Parallel()

	sink, err := New(Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	sess := sink.Sessions().New()

	if _, err := sess.Stage(context.Background(), delivery.Item{}, strings.NewReader("discarded")); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if err := sess.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	entries, err := os.ReadDir(sink.Root())
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, e := range entries {
		if e.Name() != ".tmp" {
			t.Fatalf("unexpected outbox entry %q after rollback", e.Name())
		}
	}
}

func TestMultiPartCommitNumbersSequentially(t *testing.T) {
	t.Parallel()

	sink, err := New(Config{Root: t.TempDir(), SpoolThreshold: 4})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	sess := sink.Sessions().New()
	ctx := context.Background()

	var handles []delivery.Handle
	for _, body := range []string{"part zero", "part one", "part two"} {
		h, err := sess.Stage(ctx, delivery.Item{}, strings.NewReader(body))
		if err != nil {
			t.Fatalf("stage %q: %v", body, err)
		}
		handles = append(handles, h)
	}
	if err := sess.Commit(ctx, "hold-m"); err != nil {
		t.Fatalf("commit: %v", err)
	}

	for seq, h := range handles {
		name := filepath.Join(sink.Root(), fmt.Sprintf("hold-m.%d.%s", seq, h.ID))
		if _, err := os.Stat(name); err != nil {
			t.Fatalf("object %d missing: %v", seq, err)
		}
	}
}
