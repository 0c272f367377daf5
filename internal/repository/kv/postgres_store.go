package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore keeps entries in a single table. Expired rows read as
// missing and are purged lazily.
type PostgresStore struct {
	db    *sql.DB
	table string
	now   func() time.Time

	schema lazyInit
}

type PostgresConfig struct {
	DSN   string
	Table string
}

func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, unavailable("postgres ping", err)
	}
	return NewPostgresStoreFromDB(db, cfg.Table), nil
}

// NewPostgresStoreFromDB wraps an open handle; the store owns it afterwards.
func NewPostgresStoreFromDB(db *sql.DB, table string) *PostgresStore {
	table = strings.TrimSpace(table)
	if table == "" {
		table = "kv_entries"
	}
	return &PostgresStore{db: db, table: table, now: time.Now}
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	err := s.schema.Do(func() error {
		_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
  key TEXT PRIMARY KEY,
  value BYTEA NOT NULL,
  expires_at TIMESTAMP WITH TIME ZONE
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_key_prefix ON %[1]s (key text_pattern_ops);
`, s.table))
		return err
	})
	if err != nil {
		return unavailable("postgres schema", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, _, ok, err := s.GetWithExpiry(ctx, key)
	return v, ok, err
}

func (s *PostgresStore) GetWithExpiry(ctx context.Context, key string) ([]byte, time.Time, bool, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, time.Time{}, false, err
	}
	var (
		value     []byte
		expiresAt sql.NullTime
	)
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT value, expires_at FROM %s WHERE key = $1`, s.table), key)
	if err := row.Scan(&value, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, time.Time{}, false, nil
		}
		return nil, time.Time{}, false, unavailable("postgres get", err)
	}
	if expiresAt.Valid && !s.now().Before(expiresAt.Time) {
		_, _ = s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1 AND expires_at <= $2`, s.table), key, s.now())
		return nil, time.Time{}, false, nil
	}
	var at time.Time
	if expiresAt.Valid {
		at = expiresAt.Time
	}
	return value, at, true, nil
}

func (s *PostgresStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	var expiresAt sql.NullTime
	if ttl > 0 {
		expiresAt = sql.NullTime{Time: s.now().Add(ttl), Valid: true}
	}
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (key, value, expires_at) VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`, s.table),
		key, value, expiresAt)
	return unavailable("postgres set", err)
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.table), key)
	return unavailable("postgres delete", err)
}

func (s *PostgresStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
SELECT key FROM %s
WHERE key LIKE $1 ESCAPE '\' AND (expires_at IS NULL OR expires_at > $2)
ORDER BY key`, s.table), escapeLike(prefix)+"%", s.now())
	if err != nil {
		return nil, unavailable("postgres keys", err)
	}
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, unavailable("postgres keys", err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("postgres keys", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
