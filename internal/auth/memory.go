package auth

import (
	"context"
	"sync"
)

// MemoryDirectory is an in-process Directory. In open mode every
// authenticated user exists and may edit every document, which suits local
// development without a database.
type MemoryDirectory struct {
	open bool

	mu    sync.RWMutex
	users map[string]User
	docs  map[string]Document
}

// NewMemoryDirectory returns an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{users: make(map[string]User), docs: make(map[string]Document)}
}

// NewOpenDirectory returns a directory that admits everyone as editor.
func NewOpenDirectory() *MemoryDirectory {
	d := NewMemoryDirectory()
	d.open = true
	return d
}

// AddUser stores u.
func (d *MemoryDirectory) AddUser(u User) {
	d.mu.Lock()
	d.users[u.ID] = u
	d.mu.Unlock()
}

// AddDocument registers a document owned by ownerID.
func (d *MemoryDirectory) AddDocument(id, ownerID string) {
	d.mu.Lock()
	d.docs[id] = Document{ID: id, OwnerID: ownerID, Collaborators: make(map[string]Role)}
	d.mu.Unlock()
}

// Share grants userID role on document id.
func (d *MemoryDirectory) Share(id, userID string, role Role) {
	d.mu.Lock()
	if doc, ok := d.docs[id]; ok {
		doc.Collaborators[userID] = role
	}
	d.mu.Unlock()
}

func (d *MemoryDirectory) User(_ context.Context, id string) (User, error) {
	d.mu.RLock()
	u, ok := d.users[id]
	d.mu.RUnlock()
	if ok {
		return u, nil
	}
	if d.open {
		return User{ID: id, Username: id, Active: true}, nil
	}
	return User{}, ErrInactiveUser
}

func (d *MemoryDirectory) Document(_ context.Context, id string) (Document, error) {
	d.mu.RLock()
	doc, ok := d.docs[id]
	var out Document
	if ok {
		out = Document{ID: doc.ID, OwnerID: doc.OwnerID, Collaborators: make(map[string]Role, len(doc.Collaborators))}
		for u, r := range doc.Collaborators {
			out.Collaborators[u] = r
		}
	}
	d.mu.RUnlock()
	if ok {
		return out, nil
	}
	if d.open {
		return Document{ID: id, DefaultRole: RoleEditor}, nil
	}
	return Document{}, ErrDocumentNotFound
}
