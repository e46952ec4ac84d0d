// Package delivery defines the downstream destination for accepted payloads.
//
// Every accepted request stages its payload bytes through a Session minted
// from the sink's SessionFactory. Staged bytes stay invisible downstream
// until the hold is acknowledged and the session committed; an expired hold
// rolls the session back and the staged bytes are discarded. Commit and
// Rollback are terminal and mutually exclusive.
package delivery

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/rs/xid"
)

// ErrSessionDone reports that a session has already been committed or
// rolled back.
var ErrSessionDone = errors.New("delivery: session already resolved")

// Handle identifies one staged payload item.
type Handle struct {
	// ID is the compact unique id assigned at staging time.
	ID string
	// Size is the number of payload bytes staged.
	Size int64
	// ContentType is the MIME type reported by the submitter.
	ContentType string
	// Metadata carries filtered request headers and source attributes.
	Metadata map[string]string
}

// Item describes payload bytes about to be staged.
type Item struct {
	ContentType string
	Metadata    map[string]string
}

// Sink is a destination for committed payloads.
type Sink interface {
	// Sessions returns the factory minting one session per accepted request.
	Sessions() SessionFactory
	// Close releases backend resources. Staged-but-unresolved sessions are
	// not committed by Close.
	Close() error
}

// SessionFactory mints sessions.
type SessionFactory interface {
	New() Session
}

// Session accumulates staged payloads for a single request and resolves
// them exactly once.
type Session interface {
	// Stage drains r into staging and returns the resulting handle.
	Stage(ctx context.Context, item Item, r io.Reader) (Handle, error)
	// Commit publishes every staged handle downstream under holdID, in
	// staging order, then releases staging. A second Commit, or a Commit
	// after Rollback, is a no-op.
	Commit(ctx context.Context, holdID string) error
	// Rollback discards staged content. Safe to call more than once.
	Rollback() error
}

// StagedItem pairs a handle with its spooled bytes.
type StagedItem struct {
	Handle Handle
	Spool  *Spool
}

// Stager is the staging half of a Session shared by the sink
// implementations: it drains readers into pooled spools, assigns handle
// ids, and guards the terminal commit-or-rollback transition.
type Stager struct {
	threshold int64

	mu    sync.Mutex
	done  bool
	items []StagedItem
}

// NewStager returns a Stager spilling staged bytes to disk past threshold.
func NewStager(threshold int64) *Stager {
	return &Stager{threshold: threshold}
}

// Stage drains r into a fresh spool and records the handle. It fails once
// the session is resolved or when ctx is already cancelled.
func (st *Stager) Stage(ctx context.Context, item Item, r io.Reader) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	st.mu.Lock()
	if st.done {
		st.mu.Unlock()
		return Handle{}, ErrSessionDone
	}
	st.mu.Unlock()

	sp := NewSpool(st.threshold)
	n, err := io.Copy(sp, r)
	if err != nil {
		_ = sp.Close()
		return Handle{}, err
	}
	handle := Handle{
		ID:          xid.New().String(),
		Size:        n,
		ContentType: item.ContentType,
		Metadata:    item.Metadata,
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.done {
		_ = sp.Close()
		return Handle{}, ErrSessionDone
	}
	st.items = append(st.items, StagedItem{Handle: handle, Spool: sp})
	return handle, nil
}

// Handles returns the handles staged so far, in staging order.
func (st *Stager) Handles() []Handle {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]Handle, len(st.items))
	for i, item := range st.items {
		out[i] = item.Handle
	}
	return out
}

// Take marks the session resolved and hands the staged items to the caller,
// who becomes responsible for closing their spools. Returns ErrSessionDone
// when the session was already resolved.
func (st *Stager) Take() ([]StagedItem, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.done {
		return nil, ErrSessionDone
	}
	st.done = true
	items := st.items
	st.items = nil
	return items, nil
}

// Discard marks the session resolved and closes every staged spool. Calling
// Discard on an already resolved session is a no-op.
func (st *Stager) Discard() error {
	st.mu.Lock()
	if st.done {
		st.mu.Unlock()
		return nil
	}
	st.done = true
	items := st.items
	st.items = nil
	st.mu.Unlock()

	var firstErr error
	for _, item := range items {
		if err := item.Spool.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// CloseItems releases the spools handed out by Take after publishing.
func CloseItems(items []StagedItem) {
	for _, item := range items {
		_ = item.Spool.Close()
	}
}
