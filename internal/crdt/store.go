// Package crdt wraps an automerge document as the per-document delta store.
//
// Deltas are opaque byte slices (concatenated automerge change chunks or a full
// saved document). Merging is commutative, associative and idempotent, so the
// store never needs to know the order deltas were produced in.
package crdt

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/automerge/automerge-go"
)

// TextField is the root key holding the document's text object.
const TextField = "content"

var (
	// ErrInvalidDelta is returned when a delta cannot be decoded or merged.
	ErrInvalidDelta = errors.New("crdt: invalid delta")

	// ErrStaleEpoch is returned for deltas produced against a baseline that a
	// rollback has since replaced.
	ErrStaleEpoch = errors.New("crdt: delta predates current epoch")

	// ErrFutureEpoch is returned for deltas produced against a baseline this
	// store has not installed yet. The caller should fetch the newer state.
	ErrFutureEpoch = errors.New("crdt: delta is ahead of current epoch")
)

// Heads identifies a document version: the hex hashes of its head changes,
// sorted.
type Heads []string

// Key returns a comparable form of the heads.
func (h Heads) Key() string { return strings.Join(h, ",") }

// Equal reports whether two head sets name the same version.
func (h Heads) Equal(o Heads) bool { return h.Key() == o.Key() }

// Baseline is a full-state capture of a store.
type Baseline struct {
	State []byte
	Epoch uint64
	Heads Heads
}

// Store is a lock-guarded automerge document. The zero value is not usable;
// create one with New or Load.
type Store struct {
	mu    sync.Mutex
	doc   *automerge.Doc
	epoch uint64
}

// New returns an empty store at epoch 0.
func New() *Store {
	return &Store{doc: automerge.New()}
}

// Load restores a store from a saved state. An empty state yields an empty
// document.
func Load(state []byte, epoch uint64) (*Store, error) {
	doc, err := loadDoc(state)
	if err != nil {
		return nil, err
	}
	return &Store{doc: doc, epoch: epoch}, nil
}

func loadDoc(state []byte) (*automerge.Doc, error) {
	if len(state) == 0 {
		return automerge.New(), nil
	}
	doc, err := automerge.Load(state)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDelta, err)
	}
	return doc, nil
}

// Apply merges a delta produced against the given epoch and returns the new
// heads. Applying a delta that is already part of the document is a no-op.
// Only deltas of the current epoch are merged.
func (s *Store) Apply(epoch uint64, delta []byte) (Heads, error) {
	if len(delta) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidDelta)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case epoch < s.epoch:
		return nil, ErrStaleEpoch
	case epoch > s.epoch:
		return nil, ErrFutureEpoch
	}
	if err := s.doc.LoadIncremental(delta); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDelta, err)
	}
	return headsOf(s.doc), nil
}

// Merge folds another replica's full state into this one. A state from a
// newer epoch replaces the local document; one from an older epoch is
// ignored. It returns the delta that the merge added locally, which is empty
// when nothing changed, and whether the epoch moved.
func (s *Store) Merge(epoch uint64, state []byte) (delta []byte, reset bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case epoch < s.epoch:
		return nil, false, nil
	case epoch > s.epoch:
		doc, err := loadDoc(state)
		if err != nil {
			return nil, false, err
		}
		s.doc, s.epoch = doc, epoch
		return nil, true, nil
	}
	before := s.doc.Heads()
	if err := s.doc.LoadIncremental(state); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidDelta, err)
	}
	delta, err = changesSince(s.doc, before)
	return delta, false, err
}

// Diff returns the changes made since the given heads. Unknown heads are
// rejected.
func (s *Store) Diff(since Heads) ([]byte, error) {
	hashes := make([]automerge.ChangeHash, 0, len(since))
	for _, h := range since {
		ch, err := automerge.NewChangeHash(h)
		if err != nil {
			return nil, fmt.Errorf("%w: bad head %q", ErrInvalidDelta, h)
		}
		hashes = append(hashes, ch)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return changesSince(s.doc, hashes)
}

// FullState captures the whole document together with its epoch and heads.
func (s *Store) FullState() Baseline {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Baseline{State: s.doc.Save(), Epoch: s.epoch, Heads: headsOf(s.doc)}
}

// Reset replaces the live document with state if epoch is newer than the
// current one. It reports whether the reset took effect.
func (s *Store) Reset(state []byte, epoch uint64) (bool, error) {
	doc, err := loadDoc(state)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch <= s.epoch {
		return false, nil
	}
	s.doc, s.epoch = doc, epoch
	return true, nil
}

// Epoch returns the current baseline epoch.
func (s *Store) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// Heads returns the current heads.
func (s *Store) Heads() Heads {
	s.mu.Lock()
	defer s.mu.Unlock()
	return headsOf(s.doc)
}

// Text returns the document text, or "" when no text object exists yet.
func (s *Store) Text() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return textOf(s.doc)
}

func textOf(doc *automerge.Doc) (string, error) {
	v, err := doc.Path(TextField).Get()
	if err != nil {
		return "", err
	}
	if v.Kind() != automerge.KindText {
		return "", nil
	}
	return v.Text().Get()
}

func changesSince(doc *automerge.Doc, since []automerge.ChangeHash) ([]byte, error) {
	changes, err := doc.Changes(since...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDelta, err)
	}
	var buf bytes.Buffer
	for _, c := range changes {
		buf.Write(c.Save())
	}
	return buf.Bytes(), nil
}

func headsOf(doc *automerge.Doc) Heads {
	hs := doc.Heads()
	out := make(Heads, 0, len(hs))
	for _, h := range hs {
		out = append(out, h.String())
	}
	sort.Strings(out)
	return out
}
