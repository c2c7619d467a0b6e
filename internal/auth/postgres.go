package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSchema creates the tables the directory reads. Accounts and
// documents are managed elsewhere; collabd only reads them.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	username   TEXT    NOT NULL,
	color      TEXT    NOT NULL DEFAULT '',
	avatar_url TEXT    NOT NULL DEFAULT '',
	is_active  BOOLEAN NOT NULL DEFAULT TRUE
);
CREATE TABLE IF NOT EXISTS documents (
	id       TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL REFERENCES users(id)
);
CREATE TABLE IF NOT EXISTS document_collaborators (
	document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	user_id     TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	role        TEXT NOT NULL CHECK (role IN ('editor', 'viewer')),
	PRIMARY KEY (document_id, user_id)
)`

// PostgresDirectory reads users and access lists from Postgres.
type PostgresDirectory struct {
	pool *pgxpool.Pool
}

var _ Directory = (*PostgresDirectory)(nil)

// NewPostgresDirectory uses an existing pool.
func NewPostgresDirectory(pool *pgxpool.Pool) *PostgresDirectory {
	return &PostgresDirectory{pool: pool}
}

// EnsureSchema creates the tables if they are missing.
func (d *PostgresDirectory) EnsureSchema(ctx context.Context) error {
	_, err := d.pool.Exec(ctx, PostgresSchema)
	return err
}

func (d *PostgresDirectory) User(ctx context.Context, id string) (User, error) {
	var u User
	err := d.pool.QueryRow(ctx,
		`SELECT id, username, color, avatar_url, is_active FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Username, &u.Color, &u.AvatarURL, &u.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrInactiveUser
	}
	if err != nil {
		return User{}, fmt.Errorf("load user: %w", err)
	}
	return u, nil
}

func (d *PostgresDirectory) Document(ctx context.Context, id string) (Document, error) {
	doc := Document{ID: id, Collaborators: make(map[string]Role)}
	err := d.pool.QueryRow(ctx, `SELECT owner_id FROM documents WHERE id = $1`, id).Scan(&doc.OwnerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, ErrDocumentNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("load document: %w", err)
	}

	rows, err := d.pool.Query(ctx,
		`SELECT user_id, role FROM document_collaborators WHERE document_id = $1`, id)
	if err != nil {
		return Document{}, fmt.Errorf("load collaborators: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var user, role string
		if err := rows.Scan(&user, &role); err != nil {
			return Document{}, fmt.Errorf("scan collaborator: %w", err)
		}
		doc.Collaborators[user] = Role(role)
	}
	return doc, rows.Err()
}
