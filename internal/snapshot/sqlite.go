package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// SQLiteConfig configures the SQLite snapshot store.
type SQLiteConfig struct {
	// Path to the database file
	Path string `yaml:"path"`

	// BusyTimeout is the lock wait in milliseconds (default: 5000)
	BusyTimeout int `yaml:"busy_timeout"`
}

// SQLiteStore keeps snapshots in a single SQLite file. Suitable for a
// single replica; versions are assigned inside the insert statement.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at cfg.Path.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		cfg.Path = "snapshots.db"
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5000
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", cfg.Path, cfg.BusyTimeout)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// One writer keeps MAX(version)+1 race free.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS snapshots (
			document_id   TEXT    NOT NULL,
			version       INTEGER NOT NULL,
			epoch         INTEGER NOT NULL,
			state         BLOB    NOT NULL,
			heads         TEXT    NOT NULL,
			restored_from INTEGER NOT NULL DEFAULT 0,
			created_at    INTEGER NOT NULL,
			PRIMARY KEY (document_id, version)
		)`)
	return err
}

func (s *SQLiteStore) Save(ctx context.Context, d Draft) (Snapshot, error) {
	heads, err := json.Marshal(d.Heads)
	if err != nil {
		return Snapshot{}, err
	}
	now := time.Now()
	var version int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO snapshots (document_id, version, epoch, state, heads, restored_from, created_at)
		SELECT ?, COALESCE(MAX(version), 0) + 1, ?, ?, ?, ?, ?
		FROM snapshots WHERE document_id = ?
		RETURNING version`,
		d.DocumentID, int64(d.Epoch), d.State, string(heads), d.RestoredFrom, now.UnixNano(), d.DocumentID,
	).Scan(&version)
	if err != nil {
		return Snapshot{}, fmt.Errorf("insert snapshot: %w", err)
	}
	return fromDraft(d, version, now), nil
}

const sqliteColumns = `document_id, version, epoch, state, heads, restored_from, created_at`

func (s *SQLiteStore) Get(ctx context.Context, doc string, version int64) (Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteColumns+` FROM snapshots WHERE document_id = ? AND version = ?`, doc, version)
	return scanSQLite(row)
}

func (s *SQLiteStore) Latest(ctx context.Context, doc string) (Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteColumns+` FROM snapshots WHERE document_id = ? ORDER BY version DESC LIMIT 1`, doc)
	return scanSQLite(row)
}

func (s *SQLiteStore) List(ctx context.Context, doc string) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, version, epoch, length(state), heads, restored_from, created_at
		FROM snapshots WHERE document_id = ? ORDER BY version DESC`, doc)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var (
			snap  Snapshot
			epoch int64
			heads string
			at    int64
		)
		if err := rows.Scan(&snap.DocumentID, &snap.Version, &epoch, &snap.Size, &heads, &snap.RestoredFrom, &at); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap.Epoch = uint64(epoch)
		snap.CreatedAt = time.Unix(0, at).UTC()
		if err := json.Unmarshal([]byte(heads), &snap.Heads); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func scanSQLite(row *sql.Row) (Snapshot, error) {
	var (
		snap  Snapshot
		epoch int64
		heads string
		at    int64
	)
	err := row.Scan(&snap.DocumentID, &snap.Version, &epoch, &snap.State, &heads, &snap.RestoredFrom, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("scan snapshot: %w", err)
	}
	snap.Epoch = uint64(epoch)
	snap.Size = len(snap.State)
	snap.CreatedAt = time.Unix(0, at).UTC()
	if err := json.Unmarshal([]byte(heads), &snap.Heads); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
