// Package dir provides a filesystem outbox sink. Committed payloads are
// written under a temporary name and renamed into place, so consumers of
// the outbox never observe partially written objects.
package dir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"pkt.systems/ingestd/internal/delivery"
)

// Config configures the outbox sink.
type Config struct {
	// Root is the outbox directory. Created if missing.
	Root string
	// SpoolThreshold caps in-memory staging per payload before spilling.
	SpoolThreshold int64
}

// sidecar is the metadata document written next to each published object.
type sidecar struct {
	HoldID      string            `json:"hold_id"`
	HandleID    string            `json:"handle_id"`
	Seq         int               `json:"seq"`
	Size        int64             `json:"size"`
	ContentType string            `json:"content_type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Sink implements delivery.Sink on a local directory.
type Sink struct {
	root      string
	tmpDir    string
	threshold int64
}

// New initialises an outbox rooted at cfg.Root.
func New(cfg Config) (*Sink, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("dir: root path required")
	}
	root := filepath.Clean(cfg.Root)
	tmpDir := filepath.Join(root, ".tmp")
	for _, d := range []string{root, tmpDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("dir: prepare directory %q: %w", d, err)
		}
	}
	threshold := cfg.SpoolThreshold
	if threshold <= 0 {
		threshold = delivery.DefaultSpoolThreshold
	}
	return &Sink{root: root, tmpDir: tmpDir, threshold: threshold}, nil
}

// Root returns the outbox directory.
func (s *Sink) Root() string {
	return s.root
}

// Sessions returns the session factory for this sink.
func (s *Sink) Sessions() delivery.SessionFactory {
	return factory{sink: s}
}

// Close is a no-op: the outbox holds no open resources between sessions.
func (s *Sink) Close() error {
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

	for seq, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := se.sink.publish(holdID, seq, item); err != nil {
			return err
		}
	}
	return nil
}

func (se *session) Rollback() error {
	return se.stager.Discard()
}

func (s *Sink) publish(holdID string, seq int, item delivery.StagedItem) error {
	name := fmt.Sprintf("%s.%d.%s", holdID, seq, item.Handle.ID)

	r, err := item.Spool.Reader()
	if err != nil {
		return fmt.Errorf("dir: rewind staged payload: %w", err)
	}
	tmp, err := os.CreateTemp(s.tmpDir, "publish-*")
	if err != nil {
		return fmt.Errorf("dir: create temp object: %w", err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("dir: write object %q: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("dir: close temp object: %w", err)
	}

	meta := sidecar{
		HoldID:      holdID,
		HandleID:    item.Handle.ID,
		Seq:         seq,
		Size:        item.Handle.Size,
		ContentType: item.Handle.ContentType,
		Metadata:    item.Handle.Metadata,
	}
	encoded, err := json.Marshal(meta)
	if err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("dir: encode sidecar for %q: %w", name, err)
	}
	metaTmp, err := os.CreateTemp(s.tmpDir, "sidecar-*")
	if err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("dir: create temp sidecar: %w", err)
	}
	if _, err := metaTmp.Write(append(encoded, '\n')); err != nil {
		metaTmp.Close()
		_ = os.Remove(metaTmp.Name())
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("dir: write sidecar for %q: %w", name, err)
	}
	if err := metaTmp.Close(); err != nil {
		_ = os.Remove(metaTmp.Name())
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("dir: close temp sidecar: %w", err)
	}

	// Payload first, sidecar last: a sidecar's presence marks the object
	// complete.
	if err := os.Rename(tmp.Name(), filepath.Join(s.root, name)); err != nil {
		_ = os.Remove(metaTmp.Name())
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("dir: publish object %q: %w", name, err)
	}
	if err := os.Rename(metaTmp.Name(), filepath.Join(s.root, name+".meta.json")); err != nil {
		_ = os.Remove(metaTmp.Name())
		return fmt.Errorf("dir: publish sidecar for %q: %w", name, err)
	}
	return nil
}
