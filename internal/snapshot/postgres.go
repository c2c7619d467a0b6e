package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSchema creates the snapshots table.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS document_snapshots (
	document_id   TEXT        NOT NULL,
	version       BIGINT      NOT NULL,
	epoch         BIGINT      NOT NULL,
	state         BYTEA       NOT NULL,
	heads         TEXT[]      NOT NULL DEFAULT '{}',
	restored_from BIGINT      NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (document_id, version)
)`

// PostgresStore keeps snapshots in Postgres. Replicas race on the next
// version; the primary key arbitrates and the loser retries.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore uses an existing pool. The pool is not closed by Close.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the table if it is missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, PostgresSchema)
	return err
}

const saveAttempts = 5

func (s *PostgresStore) Save(ctx context.Context, d Draft) (Snapshot, error) {
	heads := d.Heads
	if heads == nil {
		heads = []string{}
	}
	for attempt := 1; ; attempt++ {
		var (
			version int64
			at      time.Time
		)
		err := s.pool.QueryRow(ctx, `
			INSERT INTO document_snapshots (document_id, version, epoch, state, heads, restored_from)
			SELECT $1, COALESCE(MAX(version), 0) + 1, $2, $3, $4, $5
			FROM document_snapshots WHERE document_id = $1
			RETURNING version, created_at`,
			d.DocumentID, int64(d.Epoch), d.State, heads, d.RestoredFrom,
		).Scan(&version, &at)
		if err == nil {
			return fromDraft(d, version, at), nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && attempt < saveAttempts {
			continue
		}
		return Snapshot{}, fmt.Errorf("insert snapshot: %w", err)
	}
}

func (s *PostgresStore) Get(ctx context.Context, doc string, version int64) (Snapshot, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT document_id, version, epoch, state, heads, restored_from, created_at
		FROM document_snapshots WHERE document_id = $1 AND version = $2`, doc, version)
	return scanPostgres(row)
}

func (s *PostgresStore) Latest(ctx context.Context, doc string) (Snapshot, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT document_id, version, epoch, state, heads, restored_from, created_at
		FROM document_snapshots WHERE document_id = $1 ORDER BY version DESC LIMIT 1`, doc)
	return scanPostgres(row)
}

func (s *PostgresStore) List(ctx context.Context, doc string) ([]Snapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT document_id, version, epoch, octet_length(state), heads, restored_from, created_at
		FROM document_snapshots WHERE document_id = $1 ORDER BY version DESC`, doc)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var (
			snap  Snapshot
			epoch int64
		)
		if err := rows.Scan(&snap.DocumentID, &snap.Version, &epoch, &snap.Size,
			&snap.Heads, &snap.RestoredFrom, &snap.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap.Epoch = uint64(epoch)
		out = append(out, snap)
	}
	return out, rows.Err()
}

func scanPostgres(row pgx.Row) (Snapshot, error) {
	var (
		snap  Snapshot
		epoch int64
	)
	err := row.Scan(&snap.DocumentID, &snap.Version, &epoch, &snap.State,
		&snap.Heads, &snap.RestoredFrom, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("scan snapshot: %w", err)
	}
	snap.Epoch = uint64(epoch)
	snap.Size = len(snap.State)
	return snap, nil
}

func (s *PostgresStore) Close() error { return nil }
