package crdt

import (
	"fmt"
	"time"

	"github.com/automerge/automerge-go"
)

// Editor is a client-side replica. Every edit is committed locally and
// returned as a delta ready to send to the server.
type Editor struct {
	doc *automerge.Doc
}

// NewEditor starts an editor from a full state received in a sync message.
func NewEditor(state []byte) (*Editor, error) {
	doc, err := loadDoc(state)
	if err != nil {
		return nil, err
	}
	return &Editor{doc: doc}, nil
}

// genesisActor is the fixed actor of the change that creates the text
// object. Replicas that seed a document independently produce byte-identical
// changes, so their seeds merge into one text object instead of conflicting.
const genesisActor = "636f6c6c6162"

// Genesis returns the state every new document starts from: an empty text
// object under TextField, created by one deterministic change.
func Genesis() ([]byte, error) {
	doc := automerge.New()
	if err := doc.SetActorID(genesisActor); err != nil {
		return nil, err
	}
	if err := doc.Path(TextField).Set(automerge.NewText("")); err != nil {
		return nil, err
	}
	at := time.Unix(0, 0).UTC()
	if _, err := doc.Commit("genesis", automerge.CommitOptions{Time: &at}); err != nil {
		return nil, err
	}
	return doc.Save(), nil
}

// Insert inserts s at rune offset pos.
func (e *Editor) Insert(pos int, s string) ([]byte, error) {
	return e.edit("insert", func(t *automerge.Text) error { return t.Insert(pos, s) })
}

// Append adds s at the end of the text.
func (e *Editor) Append(s string) ([]byte, error) {
	return e.edit("append", func(t *automerge.Text) error { return t.Append(s) })
}

// Delete removes n runes starting at pos.
func (e *Editor) Delete(pos, n int) ([]byte, error) {
	return e.edit("delete", func(t *automerge.Text) error { return t.Delete(pos, n) })
}

func (e *Editor) edit(msg string, fn func(*automerge.Text) error) ([]byte, error) {
	before := e.doc.Heads()
	v, err := e.doc.Path(TextField).Get()
	if err != nil {
		return nil, err
	}
	if v.Kind() != automerge.KindText {
		if err := e.doc.Path(TextField).Set(automerge.NewText("")); err != nil {
			return nil, err
		}
	}
	if err := fn(e.doc.Path(TextField).Text()); err != nil {
		return nil, fmt.Errorf("%s: %w", msg, err)
	}
	if _, err := e.doc.Commit(msg); err != nil {
		return nil, err
	}
	return changesSince(e.doc, before)
}

// Apply merges a remote delta.
func (e *Editor) Apply(delta []byte) error {
	if err := e.doc.LoadIncremental(delta); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDelta, err)
	}
	return nil
}

// Rebase discards local state in favour of a full state pushed by the server.
func (e *Editor) Rebase(state []byte) error {
	doc, err := loadDoc(state)
	if err != nil {
		return err
	}
	e.doc = doc
	return nil
}

// Merge folds a full state from the server into the editor, keeping local
// edits. It returns the local changes the server has not seen yet, empty when
// the server is up to date.
func (e *Editor) Merge(state []byte) ([]byte, error) {
	remote, err := loadDoc(state)
	if err != nil {
		return nil, err
	}
	if len(state) > 0 {
		if err := e.doc.LoadIncremental(state); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDelta, err)
		}
	}
	return changesSince(e.doc, remote.Heads())
}

// Text returns the current text.
func (e *Editor) Text() (string, error) { return textOf(e.doc) }

// State returns the full saved document.
func (e *Editor) State() []byte { return e.doc.Save() }

// Heads returns the editor's current heads.
func (e *Editor) Heads() Heads { return headsOf(e.doc) }
