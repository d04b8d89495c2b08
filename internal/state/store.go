package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS policy_versions (
	version_id    TEXT PRIMARY KEY,
	parent_id     TEXT,
	policy_name   TEXT NOT NULL,
	query_label   TEXT NOT NULL,
	variant       INTEGER NOT NULL,
	state_blob    BLOB NOT NULL,
	weight_sum    REAL NOT NULL,
	created_at    TEXT NOT NULL,
	FOREIGN KEY (parent_id) REFERENCES policy_versions(version_id)
);

CREATE INDEX IF NOT EXISTS idx_policy_versions_key
	ON policy_versions(policy_name, query_label, created_at);

CREATE TABLE IF NOT EXISTS active_policy (
	policy_name   TEXT NOT NULL,
	query_label   TEXT NOT NULL,
	version_id    TEXT NOT NULL,
	PRIMARY KEY (policy_name, query_label),
	FOREIGN KEY (version_id) REFERENCES policy_versions(version_id)
);

CREATE TABLE IF NOT EXISTS provenance_log (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	version_id    TEXT NOT NULL,
	policy_name   TEXT NOT NULL,
	query_label   TEXT NOT NULL,
	query_id      INTEGER,
	rewards_json  TEXT,
	decision      TEXT NOT NULL,
	reason        TEXT,
	created_at    TEXT NOT NULL
);
`

// #endregion schema

// #region store-struct
// Store keeps every state version per key in SQLite, with an active pointer per key.
type Store struct {
	db *sql.DB
}

// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and serializes writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// #endregion constructor

// #region close
// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for use by other packages (e.g. logging).
func (s *Store) DB() *sql.DB {
	return s.db
}

// #endregion close

// #region get
// Get returns the active state bytes for key, or ErrNoState.
func (s *Store) Get(ctx context.Context, key Key) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT v.state_blob FROM active_policy a
		 JOIN policy_versions v ON v.version_id = a.version_id
		 WHERE a.policy_name = ? AND a.query_label = ?`,
		key.Policy, key.Label,
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoState
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return blob, nil
}

// #endregion get

// #region put
// Put stores blob as a new version for key and makes it active, in one transaction.
// The previously active version becomes its parent. Returns the new version ID.
func (s *Store) Put(ctx context.Context, key Key, blob []byte) (string, error) {
	// Blobs that do not decode are still stored; variant and weight_sum columns
	// are informational only.
	var variant Variant
	var weightSum float64
	if st, err := Decode(blob); err == nil {
		variant = st.Variant()
		weightSum = st.WeightSum()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var parent sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT version_id FROM active_policy WHERE policy_name = ? AND query_label = ?`,
		key.Policy, key.Label,
	).Scan(&parent)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("get active: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO policy_versions (version_id, parent_id, policy_name, query_label, variant, state_blob, weight_sum, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, parent, key.Policy, key.Label, int(variant), blob, weightSum, now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("insert version: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO active_policy (policy_name, query_label, version_id) VALUES (?, ?, ?)
		 ON CONFLICT(policy_name, query_label) DO UPDATE SET version_id = excluded.version_id`,
		key.Policy, key.Label, id,
	)
	if err != nil {
		return "", fmt.Errorf("set active: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// #endregion put

// #region get-version
// GetVersion retrieves a specific state version by ID.
func (s *Store) GetVersion(ctx context.Context, id string) (VersionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT version_id, parent_id, policy_name, query_label, variant, state_blob, weight_sum, created_at
		 FROM policy_versions WHERE version_id = ?`, id,
	)
	rec, err := scanVersion(row)
	if err != nil {
		return VersionRecord{}, fmt.Errorf("get version %s: %w", id, err)
	}
	return rec, nil
}

// #endregion get-version

// #region rollback
// Rollback points key's active state at a previous version of the same key.
func (s *Store) Rollback(ctx context.Context, key Key, targetVersionID string) error {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM policy_versions
		 WHERE version_id = ? AND policy_name = ? AND query_label = ?`,
		targetVersionID, key.Policy, key.Label,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check version: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("version %s not found for %s", targetVersionID, key)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE active_policy SET version_id = ? WHERE policy_name = ? AND query_label = ?`,
		targetVersionID, key.Policy, key.Label,
	)
	if err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// #endregion rollback

// #region list
// ListVersions returns the most recent versions of key, newest first.
func (s *Store) ListVersions(ctx context.Context, key Key, limit int) ([]VersionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT version_id, parent_id, policy_name, query_label, variant, state_blob, weight_sum, created_at
		 FROM policy_versions WHERE policy_name = ? AND query_label = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		key.Policy, key.Label, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var records []VersionRecord
	for rows.Next() {
		rec, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Keys returns every key that has an active state, ordered by policy then label.
func (s *Store) Keys(ctx context.Context) ([]Key, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT policy_name, query_label FROM active_policy ORDER BY policy_name, query_label`)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var k Key
		if err := rows.Scan(&k.Policy, &k.Label); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// #endregion list

// #region scan
type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row rowScanner) (VersionRecord, error) {
	var rec VersionRecord
	var parentID sql.NullString
	var variant int
	var createdStr string
	if err := row.Scan(&rec.VersionID, &parentID, &rec.Key.Policy, &rec.Key.Label,
		&variant, &rec.Blob, &rec.WeightSum, &createdStr); err != nil {
		return VersionRecord{}, err
	}
	if parentID.Valid {
		rec.ParentID = parentID.String
	}
	rec.Variant = Variant(variant)
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	return rec, nil
}

// #endregion scan
