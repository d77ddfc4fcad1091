// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

const (
	defaultTable     = "crawl_sessions"
	defaultListLimit = 100
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// SessionStoreConfig controls the Postgres connection pool used for session rows.
type SessionStoreConfig struct {
	DSN             string
	Table           string
	ListLimit       int
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type queryCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// SessionStore writes session records into Postgres. Request, snapshot and
// estimate are stored as JSONB.
type SessionStore struct {
	pool      queryCloser
	table     string
	listLimit int
}

var _ crawler.SessionStore = (*SessionStore)(nil)

// NewSessionStore creates a Postgres-backed SessionStore using the provided config.
func NewSessionStore(ctx context.Context, cfg SessionStoreConfig) (*SessionStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewSessionStoreWithPool(pool, cfg.Table, cfg.ListLimit)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewSessionStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewSessionStoreWithPool(pool queryCloser, table string, listLimit int) (*SessionStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if listLimit <= 0 {
		listLimit = defaultListLimit
	}
	return &SessionStore{pool: pool, table: table, listLimit: listLimit}, nil
}

// Close releases the underlying pool resources.
func (s *SessionStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the session table when it does not exist.
func (s *SessionStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id          TEXT PRIMARY KEY,
	start_url   TEXT NOT NULL,
	status      TEXT NOT NULL,
	request     JSONB NOT NULL,
	snapshot    JSONB NOT NULL,
	estimate    JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create session table: %w", err)
	}
	return nil
}

// Save upserts a session row. created_at is never overwritten.
func (s *SessionStore) Save(ctx context.Context, record crawler.SessionRecord) error {
	if record.ID == "" {
		return fmt.Errorf("session id is required")
	}
	request, snapshot, estimate, err := encodeRecord(record)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	start_url,
	status,
	request,
	snapshot,
	estimate,
	created_at,
	updated_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8
)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	snapshot = EXCLUDED.snapshot,
	estimate = EXCLUDED.estimate,
	updated_at = EXCLUDED.updated_at`, s.table)

	args := []any{
		record.ID,
		record.Request.StartURL,
		string(record.Snapshot.Status),
		request,
		snapshot,
		estimate,
		record.CreatedAt,
		record.UpdatedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert session %s: %w", record.ID, err)
	}
	return nil
}

// Get retrieves a single session by ID.
func (s *SessionStore) Get(ctx context.Context, id string) (crawler.SessionRecord, error) {
	query := fmt.Sprintf(`
SELECT id, request, snapshot, estimate, created_at, updated_at
FROM %s
WHERE id = $1`, s.table)
	record, err := scanRecord(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.SessionRecord{}, crawler.ErrSessionNotFound
		}
		return crawler.SessionRecord{}, fmt.Errorf("get session %s: %w", id, err)
	}
	return record, nil
}

// List retrieves the most recent sessions, newest first.
func (s *SessionStore) List(ctx context.Context) ([]crawler.SessionRecord, error) {
	query := fmt.Sprintf(`
SELECT id, request, snapshot, estimate, created_at, updated_at
FROM %s
ORDER BY created_at DESC
LIMIT $1`, s.table)
	rows, err := s.pool.Query(ctx, query, s.listLimit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var records []crawler.SessionRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return records, nil
}

func encodeRecord(record crawler.SessionRecord) (request, snapshot, estimate []byte, err error) {
	if request, err = json.Marshal(record.Request); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal request: %w", err)
	}
	if snapshot, err = json.Marshal(record.Snapshot); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	if estimate, err = json.Marshal(record.Estimate); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal estimate: %w", err)
	}
	return request, snapshot, estimate, nil
}

func scanRecord(row pgx.Row) (crawler.SessionRecord, error) {
	var (
		record                      crawler.SessionRecord
		request, snapshot, estimate []byte
	)
	if err := row.Scan(&record.ID, &request, &snapshot, &estimate, &record.CreatedAt, &record.UpdatedAt); err != nil {
		return crawler.SessionRecord{}, err
	}
	if err := json.Unmarshal(request, &record.Request); err != nil {
		return crawler.SessionRecord{}, fmt.Errorf("decode request: %w", err)
	}
	if err := json.Unmarshal(snapshot, &record.Snapshot); err != nil {
		return crawler.SessionRecord{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if err := json.Unmarshal(estimate, &record.Estimate); err != nil {
		return crawler.SessionRecord{}, fmt.Errorf("decode estimate: %w", err)
	}
	return record, nil
}
