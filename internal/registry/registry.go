// Package registry tracks accepted-but-unconfirmed holds. It is the single
// source of truth for which payloads are awaiting acknowledgment: an entry
// exists exactly as long as its outcome is undecided, and Remove is the one
// linearization point deciding who resolves it.
package registry

import (
	"errors"
	"sync"
	"time"

	"pkt.systems/ingestd/internal/delivery"
)

// ErrDuplicateID reports a Put for an id that is already live. With unique
// id generation this indicates a caller bug, not a runtime condition.
var ErrDuplicateID = errors.New("registry: duplicate hold id")

// Hold is one accepted request whose payload awaits acknowledgment.
type Hold struct {
	// ID is the correlation id handed to the submitter.
	ID string
	// Handles lists the staged payloads, in staging order.
	Handles []delivery.Handle
	// EnteredAt is the ingestion timestamp. Set once, never mutated.
	EnteredAt time.Time
	// Session must be committed or rolled back exactly once, by whoever
	// wins the Remove for this hold.
	Session delivery.Session
	// RemoteAddr is the submitting peer, kept for diagnostics.
	RemoteAddr string
}

// Registry is a concurrency-safe map of live holds.
type Registry struct {
	mu    sync.RWMutex
	holds map[string]*Hold
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{holds: make(map[string]*Hold)}
}

// Put inserts a new hold. The id must not collide with a live entry.
func (r *Registry) Put(h *Hold) error {
	if h == nil || h.ID == "" {
		return errors.New("registry: hold id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.holds[h.ID]; exists {
		return ErrDuplicateID
	}
	r.holds[h.ID] = h
	return nil
}

// Remove atomically detaches and returns the hold when present. Concurrent
// calls for the same id hand the hold to exactly one caller; the others
// observe absence.
func (r *Registry) Remove(id string) (*Hold, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.holds[id]
	if !ok {
		return nil, false
	}
	delete(r.holds, id)
	return h, true
}

// SnapshotExpired returns, without removing, the ids of every hold that
// entered before cutoff. Callers follow up with Remove per id, so a hold
// is still resolved at most once even when acknowledgment races the sweep.
func (r *Registry) SnapshotExpired(cutoff time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var expired []string
	for id, h := range r.holds {
		if h.EnteredAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	return expired
}

// Len reports the number of live holds.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.holds)
}
