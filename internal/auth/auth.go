// Package auth authenticates bearer tokens and authorizes users against a
// document's access list.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrMissingToken     = errors.New("auth: token missing")
	ErrInvalidToken     = errors.New("auth: invalid token")
	ErrInactiveUser     = errors.New("auth: user unknown or inactive")
	ErrDocumentNotFound = errors.New("auth: document not found")
	ErrAccessDenied     = errors.New("auth: document access denied")
)

// Role is a user's permission level on one document.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// CanEdit reports whether the role may change document content.
func (r Role) CanEdit() bool { return r == RoleOwner || r == RoleEditor }

// User is the identity attached to a session.
type User struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Color     string `json:"color,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Active    bool   `json:"active"`
}

// Document is the access list of one document.
type Document struct {
	ID            string
	OwnerID       string
	Collaborators map[string]Role
	// DefaultRole, when set, applies to users not on the list.
	DefaultRole Role
}

// RoleOf returns the user's role, or false when the user has no access.
func (d Document) RoleOf(userID string) (Role, bool) {
	if d.OwnerID == userID {
		return RoleOwner, true
	}
	if r, ok := d.Collaborators[userID]; ok {
		return r, true
	}
	return d.DefaultRole, d.DefaultRole != ""
}

// Directory looks up users and document access lists.
type Directory interface {
	// User returns ErrInactiveUser for unknown users.
	User(ctx context.Context, id string) (User, error)
	// Document returns ErrDocumentNotFound for unknown documents.
	Document(ctx context.Context, id string) (Document, error)
}

// Grant is the outcome of a successful authorization.
type Grant struct {
	User       User
	DocumentID string
	Role       Role
}

// Authorizer combines token verification with the directory.
type Authorizer struct {
	tokens *Tokens
	dir    Directory
}

// NewAuthorizer returns an authorizer.
func NewAuthorizer(tokens *Tokens, dir Directory) *Authorizer {
	return &Authorizer{tokens: tokens, dir: dir}
}

// Authorize checks token and the user's access to documentID, in that
// order: token, user, document, access list.
func (a *Authorizer) Authorize(ctx context.Context, token, documentID string) (Grant, error) {
	if token == "" {
		return Grant{}, ErrMissingToken
	}
	userID, err := a.tokens.Verify(token)
	if err != nil {
		return Grant{}, err
	}
	user, err := a.dir.User(ctx, userID)
	if err != nil {
		return Grant{}, err
	}
	if !user.Active {
		return Grant{}, ErrInactiveUser
	}
	doc, err := a.dir.Document(ctx, documentID)
	if err != nil {
		return Grant{}, err
	}
	role, ok := doc.RoleOf(user.ID)
	if !ok {
		return Grant{}, fmt.Errorf("%w: %s on %s", ErrAccessDenied, user.ID, documentID)
	}
	return Grant{User: user, DocumentID: documentID, Role: role}, nil
}

// TokenFromRequest returns the bearer token from the "token" query
// parameter or the Authorization header.
func TokenFromRequest(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// StatusCode maps an authorization error to an HTTP status.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrMissingToken), errors.Is(err, ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, ErrInactiveUser), errors.Is(err, ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrDocumentNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
