package delivery

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
)

func TestSpoolStaysInMemoryBelowThreshold(t *testing.T) {
	t.Parallel()

	sp := NewSpool(64)
	defer sp.Close()

	payload := "under the limit"
	if _, err := io.Copy(sp, strings.NewReader(payload)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if sp.file != nil {
		t.Fatal("spool spilled below threshold")
	}
	if sp.Size() != int64(len(payload)) {
		t.Fatalf("size = %d, want %d", sp.Size(), len(payload))
	}
	assertSpoolContents(t, sp, payload)
}

func TestSpoolSpillsPastThreshold(t *testing.T) {
	t.Parallel()

	sp := NewSpool(8)

	payload := strings.Repeat("spill-me-", 4)
	if _, err := io.Copy(sp, strings.NewReader(payload)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if sp.file == nil {
		t.Fatal("spool did not spill past threshold")
	}
	name := sp.file.Name()
	assertSpoolContents(t, sp, payload)
	if err := sp.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(name); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("spill file survived Close: %v", err)
	}
}

func TestSpoolZeroThresholdSpillsImmediately(t *testing.T) {
	t.Parallel()

	sp := NewSpool(0)
	defer sp.Close()

	if _, err := sp.Write([]byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if sp.file == nil {
		t.Fatal("expected immediate spill with zero threshold")
	}
}

func TestSpoolReaderRewinds(t *testing.T) {
	t.Parallel()

	sp := NewSpool(4)
	defer sp.Close()

	if _, err := sp.Write([]byte("rewind twice")); err != nil {
		t.Fatalf("write: %v", err)
	}
	assertSpoolContents(t, sp, "rewind twice")
	assertSpoolContents(t, sp, "rewind twice")
}

func assertSpoolContents(t *testing.T, sp *Spool, want string) {
	t.Helper()
	r, err := sp.Reader()
	if err != nil {
		t.Fatalf("reader: %v", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		t.Fatalf("read: %v", err)
	}
	if buf.String() != want {
		t.Fatalf("spool contents = %q, want %q", buf.String(), want)
	}
}
