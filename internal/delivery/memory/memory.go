// Package memory provides the in-memory delivery sink. It backs tests and
// the zero-config dev loop; committed objects are retained for inspection.
package memory

import (
	"context"
	"errors"
	"io"
	"sync"

	"pkt.systems/ingestd/internal/delivery"
)

// Config configures the in-memory sink.
type Config struct {
	// SpoolThreshold caps in-memory staging per payload before spilling.
	SpoolThreshold int64
}

// Object is one committed payload.
type Object struct {
	HoldID string
	Seq    int
	Handle delivery.Handle
	Body   []byte
}

// Sink implements delivery.Sink backed by process memory.
type Sink struct {
	threshold int64

	mu      sync.RWMutex
	closed  bool
	objects []Object
}

// New returns a ready to use in-memory sink with default staging limits.
func New() *Sink {
	return NewWithConfig(Config{})
}

// NewWithConfig returns an in-memory sink wired according to cfg.
func NewWithConfig(cfg Config) *Sink {
	threshold := cfg.SpoolThreshold
	if threshold <= 0 {
		threshold = delivery.DefaultSpoolThreshold
	}
	return &Sink{threshold: threshold}
}

// Sessions returns the session factory for this sink.
func (s *Sink) Sessions() delivery.SessionFactory {
	return factory{sink: s}
}

// Close marks the sink closed. Retained objects remain readable so tests
// can assert on them after shutdown.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Objects returns a copy of every committed object in commit order.
func (s *Sink) Objects() []Object {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Object, len(s.objects))
	copy(out, s.objects)
	return out
}

// ObjectsFor returns the committed objects belonging to holdID.
func (s *Sink) ObjectsFor(holdID string) []Object {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Object
	for _, obj := range s.objects {
		if obj.HoldID == holdID {
			out = append(out, obj)
		}
	}
	return out
}

// Len reports the number of committed objects.
func (s *Sink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

func (s *Sink) publish(objs []Object) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("memory: sink closed")
	}
	s.objects = append(s.objects, objs...)
	return nil
}

type factory struct {
	sink *Sink
}

func (f factory) New() delivery.Session {
	return &session{sink: f.sink, stager: delivery.NewStager(f.sink.threshold)}
}

type session struct {
	sink   *Sink
	stager *delivery.Stager
}

func (se *session) Stage(ctx context.Context, item delivery.Item, r io.Reader) (delivery.Handle, error) {
	return se.stager.Stage(ctx, item, r)
}

func (se *session) Commit(ctx context.Context, holdID string) error {
	items, err := se.stager.Take()
	if err != nil {
		if errors.Is(err, delivery.ErrSessionDone) {
			return nil
		}
		return err
	}
	defer delivery.CloseItems(items)

	if err := ctx.Err(); err != nil {
		return err
	}
	objs := make([]Object, 0, len(items))
	for seq, item := range items {
		r, err := item.Spool.Reader()
		if err != nil {
			return err
		}
		body, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		objs = append(objs, Object{HoldID: holdID, Seq: seq, Handle: item.Handle, Body: body})
	}
	return se.sink.publish(objs)
}

func (se *session) Rollback() error {
	return se.stager.Discard()
}
