package pending

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"repoviz/internal/cachekey"
	"repoviz/internal/tree"
)

// SQLiteStore keeps pending sets and baselines in a local SQLite file so a
// CLI session can pick up where the last one stopped.
type SQLiteStore struct {
	conn   *sql.DB
	dbPath string
}

// OpenSQLite opens or creates the database at dbPath. ":memory:" is allowed.
func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open pending database: %w", err)
	}
	// One connection keeps ":memory:" databases shared across calls.
	conn.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}
	s := &SQLiteStore{conn: conn, dbPath: dbPath}
	if err := s.initializeSchema(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to initialize pending schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initializeSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS pending_updates (
			owner TEXT NOT NULL,
			repo TEXT NOT NULL,
			path TEXT NOT NULL,
			node_json TEXT NOT NULL,
			added_at TEXT NOT NULL,
			PRIMARY KEY (owner, repo, path)
		);

		CREATE TABLE IF NOT EXISTS baselines (
			owner TEXT NOT NULL,
			repo TEXT NOT NULL,
			root_json TEXT NOT NULL,
			saved_at INTEGER NOT NULL,
			PRIMARY KEY (owner, repo)
		);
		CREATE INDEX IF NOT EXISTS idx_baselines_saved_at ON baselines(saved_at DESC);
	`
	_, err := s.conn.Exec(schema)
	return err
}

func (s *SQLiteStore) Load(ctx context.Context, repo cachekey.RepoRef) (Set, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT path, node_json FROM pending_updates WHERE owner = ? AND repo = ?`, repo.Owner, repo.Repo)
	if err != nil {
		return nil, fmt.Errorf("load pending updates: %w", err)
	}
	defer rows.Close()
	out := Set{}
	for rows.Next() {
		var path, raw string
		if err := rows.Scan(&path, &raw); err != nil {
			return nil, err
		}
		var n tree.RepoNode
		if err := json.Unmarshal([]byte(raw), &n); err != nil {
			return nil, fmt.Errorf("decode pending node %s: %w", path, err)
		}
		out[cachekey.NodeID(repo.Owner, repo.Repo, path)] = &n
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Save(ctx context.Context, repo cachekey.RepoRef, set Set) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_updates WHERE owner = ? AND repo = ?`, repo.Owner, repo.Repo); err != nil {
		return err
	}
	if err := upsertNodes(ctx, tx, repo, set.Nodes()); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Add(ctx context.Context, repo cachekey.RepoRef, nodes ...*tree.RepoNode) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := upsertNodes(ctx, tx, repo, nodes); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertNodes(ctx context.Context, tx *sql.Tx, repo cachekey.RepoRef, nodes []*tree.RepoNode) error {
	now := time.Now().UTC().Format(time.RFC3339)
	for _, n := range nodes {
		if n == nil {
			continue
		}
		raw, err := json.Marshal(n)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pending_updates (owner, repo, path, node_json, added_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (owner, repo, path) DO UPDATE SET node_json = excluded.node_json, added_at = excluded.added_at
		`, repo.Owner, repo.Repo, n.Path, string(raw), now); err != nil {
			return fmt.Errorf("store pending %s: %w", n.Path, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Remove(ctx context.Context, repo cachekey.RepoRef, paths ...string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, p := range paths {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM pending_updates WHERE owner = ? AND repo = ? AND path = ?`, repo.Owner, repo.Repo, p); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Clear(ctx context.Context, repo cachekey.RepoRef) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM pending_updates WHERE owner = ? AND repo = ?`, repo.Owner, repo.Repo)
	return err
}

func (s *SQLiteStore) SaveBaseline(ctx context.Context, repo cachekey.RepoRef, root *tree.RepoNode) error {
	raw, err := json.Marshal(root)
	if err != nil {
		return err
	}
	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO baselines (owner, repo, root_json, saved_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (owner, repo) DO UPDATE SET root_json = excluded.root_json, saved_at = excluded.saved_at
	`, repo.Owner, repo.Repo, string(raw), time.Now().UnixNano())
	return err
}

func (s *SQLiteStore) LoadBaseline(ctx context.Context, repo cachekey.RepoRef) (*tree.RepoNode, error) {
	var raw string
	err := s.conn.QueryRowContext(ctx,
		`SELECT root_json FROM baselines WHERE owner = ? AND repo = ?`, repo.Owner, repo.Repo).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if raw == "null" {
		return nil, nil
	}
	var root tree.RepoNode
	if err := json.Unmarshal([]byte(raw), &root); err != nil {
		return nil, fmt.Errorf("decode baseline: %w", err)
	}
	return &root, nil
}

func (s *SQLiteStore) LastRepo(ctx context.Context) (cachekey.RepoRef, bool, error) {
	var ref cachekey.RepoRef
	err := s.conn.QueryRowContext(ctx,
		`SELECT owner, repo FROM baselines ORDER BY saved_at DESC LIMIT 1`).Scan(&ref.Owner, &ref.Repo)
	if errors.Is(err, sql.ErrNoRows) {
		return cachekey.RepoRef{}, false, nil
	}
	if err != nil {
		return cachekey.RepoRef{}, false, err
	}
	return ref, true, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
