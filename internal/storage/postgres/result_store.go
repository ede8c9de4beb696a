// Package postgres persists batch results in Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/fetchcore/internal/fetch"
	"github.com/JakeFAU/fetchcore/internal/storage"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "fetch_results"

// Config controls the Postgres connection pool used for result rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// ResultStore writes one row per fetch result.
type ResultStore struct {
	pool  pool
	table string
	ids   fetch.IDGenerator
}

var _ storage.ResultStore = (*ResultStore)(nil)

// New connects a pgx pool using cfg.
func New(ctx context.Context, cfg Config, ids fetch.IDGenerator) (*ResultStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
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
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(p, table, ids)
}

// NewWithPool builds a store from an existing pool (used by tests).
func NewWithPool(p pool, table string, ids fetch.IDGenerator) (*ResultStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	table, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &ResultStore{pool: p, table: table, ids: ids}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		return defaultTable, nil
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// EnsureSchema creates the results table if it does not exist.
func (s *ResultStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id          TEXT PRIMARY KEY,
	batch_id    TEXT NOT NULL,
	url         TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	attempts    INTEGER NOT NULL,
	elapsed_ms  BIGINT NOT NULL,
	status_code INTEGER,
	error_kind  TEXT,
	message     TEXT,
	headers     JSONB,
	fetched_at  TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create results table: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *ResultStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// StoreResults inserts every result of a batch in one transaction.
func (s *ResultStore) StoreResults(ctx context.Context, batchID string, fetchedAt time.Time, results []fetch.Result) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("result store is not configured")
	}
	if batchID == "" {
		return fmt.Errorf("batch id is required")
	}
	if len(results) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	batch_id,
	url,
	outcome,
	attempts,
	elapsed_ms,
	status_code,
	error_kind,
	message,
	headers,
	fetched_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)`, s.table)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	for _, r := range results {
		if err := s.insert(ctx, tx, query, batchID, fetchedAt, r); err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				return fmt.Errorf("%w (rollback: %v)", err, rbErr)
			}
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit results: %w", err)
	}
	return nil
}

func (s *ResultStore) insert(ctx context.Context, tx pgx.Tx, query, batchID string, fetchedAt time.Time, r fetch.Result) error {
	id, err := s.ids.NewID()
	if err != nil {
		return fmt.Errorf("generate row id: %w", err)
	}
	headersJSON, err := json.Marshal(normalizeHeaders(r.Header))
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	args := []any{
		id,
		batchID,
		r.URL,
		string(r.Outcome),
		r.Attempts,
		r.Elapsed.Milliseconds(),
		r.StatusCode,
		string(r.ErrorKind),
		r.Message,
		headersJSON,
		fetchedAt,
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert result %s: %w", r.URL, err)
	}
	return nil
}

func normalizeHeaders(h http.Header) map[string][]string {
	if len(h) == 0 {
		return map[string][]string{}
	}
	out := make(map[string][]string, len(h))
	for k, values := range h {
		out[k] = append([]string(nil), values...)
	}
	return out
}
