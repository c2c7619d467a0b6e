package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "0123456789abcdef-test-secret"

func newTokens(t *testing.T) *Tokens {
	t.Helper()
	tok, err := NewTokens(secret, time.Hour)
	require.NoError(t, err)
	return tok
}

func TestTokenRoundTrip(t *testing.T) {
	tok := newTokens(t)
	signed, err := tok.Issue("u1")
	require.NoError(t, err)
	user, err := tok.Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, "u1", user)
}

func TestTokenRejections(t *testing.T) {
	tok := newTokens(t)
	other, err := NewTokens("a-completely-different-secret", time.Hour)
	require.NoError(t, err)

	foreign, err := other.Issue("u1")
	require.NoError(t, err)
	_, err = tok.Verify(foreign)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = tok.Verify("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired := newTokens(t)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, err := expired.Issue("u1")
	require.NoError(t, err)
	_, err = tok.Verify(old)
	assert.ErrorIs(t, err, ErrInvalidToken)

	none, err := gojwt.NewWithClaims(gojwt.SigningMethodNone, gojwt.RegisteredClaims{
		Subject:   "u1",
		Issuer:    issuer,
		ExpiresAt: gojwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(gojwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = tok.Verify(none)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestShortSecretRefused(t *testing.T) {
	_, err := NewTokens("short", time.Hour)
	assert.Error(t, err)
}

func fixture(t *testing.T) (*Authorizer, *Tokens) {
	t.Helper()
	dir := NewMemoryDirectory()
	dir.AddUser(User{ID: "owner", Username: "olga", Active: true})
	dir.AddUser(User{ID: "ed", Username: "eddie", Active: true})
	dir.AddUser(User{ID: "view", Username: "vic", Active: true})
	dir.AddUser(User{ID: "stranger", Username: "sam", Active: true})
	dir.AddUser(User{ID: "gone", Username: "gus", Active: false})
	dir.AddDocument("doc", "owner")
	dir.Share("doc", "ed", RoleEditor)
	dir.Share("doc", "view", RoleViewer)
	tok := newTokens(t)
	return NewAuthorizer(tok, dir), tok
}

func TestAuthorize(t *testing.T) {
	az, tok := fixture(t)
	sign := func(user string) string {
		s, err := tok.Issue(user)
		require.NoError(t, err)
		return s
	}

	tests := []struct {
		name   string
		token  string
		doc    string
		role   Role
		err    error
		status int
	}{
		{name: "owner", token: sign("owner"), doc: "doc", role: RoleOwner},
		{name: "editor", token: sign("ed"), doc: "doc", role: RoleEditor},
		{name: "viewer", token: sign("view"), doc: "doc", role: RoleViewer},
		{name: "missing token", token: "", doc: "doc", err: ErrMissingToken, status: http.StatusUnauthorized},
		{name: "bad token", token: "garbage", doc: "doc", err: ErrInvalidToken, status: http.StatusUnauthorized},
		{name: "unknown user", token: sign("nobody"), doc: "doc", err: ErrInactiveUser, status: http.StatusForbidden},
		{name: "inactive user", token: sign("gone"), doc: "doc", err: ErrInactiveUser, status: http.StatusForbidden},
		{name: "unknown document", token: sign("owner"), doc: "nope", err: ErrDocumentNotFound, status: http.StatusNotFound},
		{name: "not shared", token: sign("stranger"), doc: "doc", err: ErrAccessDenied, status: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := az.Authorize(context.Background(), tt.token, tt.doc)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				assert.Equal(t, tt.status, StatusCode(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.role, g.Role)
			assert.Equal(t, tt.doc, g.DocumentID)
		})
	}
}

func TestRoleCanEdit(t *testing.T) {
	assert.True(t, RoleOwner.CanEdit())
	assert.True(t, RoleEditor.CanEdit())
	assert.False(t, RoleViewer.CanEdit())
}

func TestOpenDirectoryAdmitsEveryone(t *testing.T) {
	tok := newTokens(t)
	az := NewAuthorizer(tok, NewOpenDirectory())
	s, err := tok.Issue("anyone")
	require.NoError(t, err)
	g, err := az.Authorize(context.Background(), s, "any-doc")
	require.NoError(t, err)
	assert.Equal(t, RoleEditor, g.Role)
	assert.Equal(t, "anyone", g.User.Username)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/documents/d/sync?token=abc", nil)
	assert.Equal(t, "abc", TokenFromRequest(r))

	r = httptest.NewRequest(http.MethodGet, "/documents/d/sync", nil)
	r.Header.Set("Authorization", "Bearer xyz")
	assert.Equal(t, "xyz", TokenFromRequest(r))

	r = httptest.NewRequest(http.MethodGet, "/documents/d/sync", nil)
	r.Header.Set("Authorization", "Basic xyz")
	assert.Empty(t, TokenFromRequest(r))
}

func TestPostgresDirectory(t *testing.T) {
	url := os.Getenv("COLLAB_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("COLLAB_TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	defer pool.Close()

	dir := NewPostgresDirectory(pool)
	require.NoError(t, dir.EnsureSchema(ctx))
	suffix := time.Now().Format("150405.000000000")
	owner, viewer, doc := "o-"+suffix, "v-"+suffix, "d-"+suffix
	_, err = pool.Exec(ctx, `INSERT INTO users (id, username) VALUES ($1, 'o'), ($2, 'v')`, owner, viewer)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO documents (id, owner_id) VALUES ($1, $2)`, doc, owner)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO document_collaborators (document_id, user_id, role) VALUES ($1, $2, 'viewer')`, doc, viewer)
	require.NoError(t, err)

	u, err := dir.User(ctx, owner)
	require.NoError(t, err)
	assert.True(t, u.Active)
	_, err = dir.User(ctx, "missing-"+suffix)
	assert.ErrorIs(t, err, ErrInactiveUser)

	d, err := dir.Document(ctx, doc)
	require.NoError(t, err)
	role, ok := d.RoleOf(viewer)
	assert.True(t, ok)
	assert.Equal(t, RoleViewer, role)
	_, err = dir.Document(ctx, "missing-"+suffix)
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}
