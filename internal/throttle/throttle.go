// Package throttle rations ingest bandwidth with a token bucket. Callers
// charge bytes against the bucket and block until the continuous refill
// covers the charge, so sustained transfer speed converges on the
// configured rate.
package throttle

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"time"

	"pkt.systems/ingestd/internal/clock"
)

// ErrClosed is returned to callers blocked in Acquire when the limiter is
// shut down.
var ErrClosed = errors.New("throttle: closed")

// Limiter meters bytes at a fixed rate. A non-positive rate disables
// metering entirely. The bucket starts full and holds at most one second
// of budget, so idle periods never bank unbounded credit.
type Limiter struct {
	rate  float64
	burst float64
	clk   clock.Clock

	mu        sync.Mutex
	available float64
	last      time.Time
	closed    bool
	closedCh  chan struct{}
}

// New returns a Limiter refilling at maxBytesPerSecond. A nil clk falls
// back to the real clock.
func New(maxBytesPerSecond int64, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.Real{}
	}
	l := &Limiter{
		rate:     float64(maxBytesPerSecond),
		clk:      clk,
		closedCh: make(chan struct{}),
	}
	if l.rate > 0 {
		l.burst = l.rate
		l.available = l.burst
		l.last = clk.Now()
	}
	return l
}

// Acquire charges n bytes and blocks until the budget covers them.
// Charges are debited in call order, so earlier callers always drain
// before later ones. On cancellation the charge is refunded.
func (l *Limiter) Acquire(ctx context.Context, n int64) error {
	if l == nil || l.rate <= 0 || n <= 0 {
		return nil
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	now := l.clk.Now()
	l.refillLocked(now)
	var wait time.Duration
	if l.available < float64(n) {
		need := float64(n) - l.available
		wait = time.Duration(math.Ceil(need / l.rate * float64(time.Second)))
	}
	l.available -= float64(n)
	l.mu.Unlock()
	if wait <= 0 {
		return nil
	}
	select {
	case <-l.clk.After(wait):
		return nil
	case <-ctx.Done():
		l.refund(n)
		return ctx.Err()
	case <-l.closedCh:
		return ErrClosed
	}
}

// Reader wraps r so every chunk read is charged against the limiter. At a
// non-positive rate r is returned unchanged.
func (l *Limiter) Reader(ctx context.Context, r io.Reader) io.Reader {
	if l == nil || l.rate <= 0 {
		return r
	}
	return &meteredReader{l: l, ctx: ctx, r: r}
}

// Close releases every blocked Acquire with ErrClosed. Safe to call more
// than once.
func (l *Limiter) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.closedCh)
	return nil
}

// refillLocked credits budget for the elapsed interval, capped at burst.
func (l *Limiter) refillLocked(now time.Time) {
	if elapsed := now.Sub(l.last); elapsed > 0 {
		l.available += elapsed.Seconds() * l.rate
		if l.available > l.burst {
			l.available = l.burst
		}
	}
	l.last = now
}

func (l *Limiter) refund(n int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.available += float64(n)
	if l.available > l.burst {
		l.available = l.burst
	}
}

type meteredReader struct {
	l   *Limiter
	ctx context.Context
	r   io.Reader
}

func (m *meteredReader) Read(p []byte) (int, error) {
	n, err := m.r.Read(p)
	if n > 0 {
		if aerr := m.l.Acquire(m.ctx, int64(n)); aerr != nil && err == nil {
			err = aerr
		}
	}
	return n, err
}
