package throttle

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"pkt.systems/ingestd/internal/clock"
)

var testBase = time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

func waitPending(t *testing.T, clk *clock.Manual, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for clk.Pending() < want {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d clock waiters, have %d", want, clk.Pending())
		}
		time.Sleep(time.Millisecond)
	}
}

func expectDone(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("acquire did not finish")
		return nil
	}
}

func expectBlocked(t *testing.T, ch <-chan error) {
	t.Helper()
	select {
	case err := <-ch:
		t.Fatalf("acquire finished early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnlimitedPassThrough(t *testing.T) {
	t.Parallel()
	l := New(0, nil)
	if err := l.Acquire(context.Background(), 1<<30); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	r := strings.NewReader("payload")
	if got := l.Reader(context.Background(), r); got != io.Reader(r) {
		t.Fatalf("unlimited reader must be returned unchanged")
	}
}

func TestBurstAcquiresImmediately(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(testBase)
	l := New(1000, clk)
	if err := l.Acquire(context.Background(), 1000); err != nil {
		t.Fatalf("acquire within burst: %v", err)
	}
	if got := clk.Pending(); got != 0 {
		t.Fatalf("burst acquire registered %d waiters", got)
	}
	done := make(chan error, 1)
	go func() { done <- l.Acquire(context.Background(), 1) }()
	waitPending(t, clk, 1)
	expectBlocked(t, done)
	clk.Advance(time.Millisecond)
	if err := expectDone(t, done); err != nil {
		t.Fatalf("acquire after refill: %v", err)
	}
}

func TestChargesDrainInCallOrder(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(testBase)
	l := New(1000, clk)

	first := make(chan error, 1)
	go func() { first <- l.Acquire(context.Background(), 1500) }()
	waitPending(t, clk, 1)

	second := make(chan error, 1)
	go func() { second <- l.Acquire(context.Background(), 500) }()
	waitPending(t, clk, 2)

	clk.Advance(500 * time.Millisecond)
	if err := expectDone(t, first); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	expectBlocked(t, second)

	clk.Advance(500 * time.Millisecond)
	if err := expectDone(t, second); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
}

func TestCloseReleasesWaiters(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(testBase)
	l := New(1000, clk)
	if err := l.Acquire(context.Background(), 1000); err != nil {
		t.Fatalf("drain burst: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- l.Acquire(context.Background(), 500) }()
	waitPending(t, clk, 1)
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := expectDone(t, done); !errors.Is(err, ErrClosed) {
		t.Fatalf("blocked acquire: got %v want ErrClosed", err)
	}
	if err := l.Acquire(context.Background(), 1); !errors.Is(err, ErrClosed) {
		t.Fatalf("acquire after close: got %v want ErrClosed", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestAcquireHonorsContext(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(testBase)
	l := New(1000, clk)
	if err := l.Acquire(context.Background(), 1000); err != nil {
		t.Fatalf("drain burst: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Acquire(ctx, 500) }()
	waitPending(t, clk, 1)
	cancel()
	if err := expectDone(t, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled acquire: got %v want context.Canceled", err)
	}

	// The cancelled charge is refunded, so a fresh 1000-byte charge needs
	// exactly one second, not one and a half.
	refunded := make(chan error, 1)
	go func() { refunded <- l.Acquire(context.Background(), 1000) }()
	waitPending(t, clk, 2)
	clk.Advance(time.Second)
	if err := expectDone(t, refunded); err != nil {
		t.Fatalf("acquire after refund: %v", err)
	}
}

func TestReaderMetersChunks(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(testBase)
	l := New(1000, clk)
	payload := strings.Repeat("x", 1500)
	r := l.Reader(context.Background(), strings.NewReader(payload))

	type result struct {
		n   int64
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := io.Copy(io.Discard, r)
		done <- result{n: n, err: err}
	}()
	waitPending(t, clk, 1)
	clk.Advance(500 * time.Millisecond)
	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("copy: %v", res.err)
		}
		if res.n != int64(len(payload)) {
			t.Fatalf("copied %d bytes, want %d", res.n, len(payload))
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("copy did not finish")
	}
}

func TestReaderReportsClose(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(testBase)
	l := New(1000, clk)
	if err := l.Acquire(context.Background(), 1000); err != nil {
		t.Fatalf("drain burst: %v", err)
	}
	r := l.Reader(context.Background(), strings.NewReader(strings.Repeat("x", 500)))
	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, r)
		done <- err
	}()
	waitPending(t, clk, 1)
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := expectDone(t, done); !errors.Is(err, ErrClosed) {
		t.Fatalf("copy after close: got %v want ErrClosed", err)
	}
}
