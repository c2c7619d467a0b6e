// Package snapshot persists immutable, versioned captures of document state
// and schedules them.
package snapshot

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned for unknown documents or versions.
	ErrNotFound = errors.New("snapshot: not found")

	// ErrClosed is returned by stores after Close.
	ErrClosed = errors.New("snapshot: store closed")
)

// Snapshot is one persisted version of a document.
type Snapshot struct {
	DocumentID   string    `json:"document_id"`
	Version      int64     `json:"version"`
	Epoch        uint64    `json:"epoch"`
	State        []byte    `json:"-"`
	Heads        []string  `json:"heads"`
	RestoredFrom int64     `json:"restored_from,omitempty"`
	Size         int       `json:"size"`
	CreatedAt    time.Time `json:"created_at"`
}

// Draft is a snapshot before the store assigns its version.
type Draft struct {
	DocumentID   string
	Epoch        uint64
	State        []byte
	Heads        []string
	RestoredFrom int64
}

// Store persists snapshots. Versions start at 1 and increase by one per
// document; Save assigns them atomically.
type Store interface {
	Save(ctx context.Context, d Draft) (Snapshot, error)
	Get(ctx context.Context, documentID string, version int64) (Snapshot, error)
	// Latest returns the newest snapshot, or ErrNotFound.
	Latest(ctx context.Context, documentID string) (Snapshot, error)
	// List returns metadata newest first; State is left empty.
	List(ctx context.Context, documentID string) ([]Snapshot, error)
	Close() error
}

func fromDraft(d Draft, version int64, at time.Time) Snapshot {
	return Snapshot{
		DocumentID:   d.DocumentID,
		Version:      version,
		Epoch:        d.Epoch,
		State:        d.State,
		Heads:        d.Heads,
		RestoredFrom: d.RestoredFrom,
		Size:         len(d.State),
		CreatedAt:    at.UTC(),
	}
}
