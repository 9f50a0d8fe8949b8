// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/multicrawl/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "pages"

// Config controls the Postgres connection pool used for page rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// RunRecord summarizes one finished controller run.
type RunRecord struct {
	RunID      string
	Controller string
	StartedAt  time.Time
	FinishedAt time.Time
	Reason     string
	Stats      crawler.StatsSnapshot
}

// PageStore writes page and run rows into Postgres.
type PageStore struct {
	pool  execCloser
	table string
}

// NewPageStore creates a Postgres-backed PageStore using the provided config.
func NewPageStore(ctx context.Context, cfg Config) (*PageStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("sink.postgres_dsn is required")
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
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PageStore{
		pool:  pool,
		table: table,
	}, nil
}

// NewPageStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewPageStoreWithPool(pool execCloser, table string) (*PageStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &PageStore{pool: pool, table: table}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *PageStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the page and run tables when missing.
func (s *PageStore) EnsureSchema(ctx context.Context) error {
	pages := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	controller    TEXT        NOT NULL,
	run_id        TEXT        NOT NULL,
	url           TEXT        NOT NULL,
	parent_url    TEXT,
	domain        TEXT        NOT NULL,
	path          TEXT        NOT NULL,
	depth         INTEGER     NOT NULL,
	status_code   INTEGER     NOT NULL,
	fetched_at    TIMESTAMPTZ NOT NULL,
	duration_ms   BIGINT      NOT NULL,
	content_hash  TEXT,
	content_type  TEXT,
	html_length   INTEGER     NOT NULL,
	text_length   INTEGER     NOT NULL,
	outlink_count INTEGER     NOT NULL,
	headers       JSONB,
	PRIMARY KEY (controller, run_id, url)
)`, s.table)
	if _, err := s.pool.Exec(ctx, pages); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	runs := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s_runs (
	run_id           TEXT        PRIMARY KEY,
	controller       TEXT        NOT NULL,
	started_at       TIMESTAMPTZ NOT NULL,
	finished_at      TIMESTAMPTZ,
	reason           TEXT,
	pages_fetched    BIGINT      NOT NULL DEFAULT 0,
	pages_failed     BIGINT      NOT NULL DEFAULT 0,
	pages_skipped    BIGINT      NOT NULL DEFAULT 0,
	links_discovered BIGINT      NOT NULL DEFAULT 0
)`, s.table)
	if _, err := s.pool.Exec(ctx, runs); err != nil {
		return fmt.Errorf("create %s_runs: %w", s.table, err)
	}
	return nil
}

// SavePage inserts a page row. A page saved twice in one run keeps the first row.
func (s *PageStore) SavePage(ctx context.Context, record crawler.PageRecord) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("page store is not configured")
	}
	if record.URL == "" {
		return fmt.Errorf("record url is required")
	}
	headersJSON, err := json.Marshal(normalizeHeaders(record.Headers))
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	controller,
	run_id,
	url,
	parent_url,
	domain,
	path,
	depth,
	status_code,
	fetched_at,
	duration_ms,
	content_hash,
	content_type,
	html_length,
	text_length,
	outlink_count,
	headers
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
) ON CONFLICT (controller, run_id, url) DO NOTHING`, s.table)

	args := []any{
		record.Controller,
		record.RunID,
		record.URL,
		record.ParentURL,
		record.Domain,
		record.Path,
		record.Depth,
		record.StatusCode,
		record.FetchedAt,
		record.DurationMs,
		record.ContentHash,
		record.ContentType,
		record.HTMLLength,
		record.TextLength,
		record.OutlinkCount,
		headersJSON,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert page: %w", err)
	}
	return nil
}

// RecordRun upserts the summary row of a controller run.
func (s *PageStore) RecordRun(ctx context.Context, run RunRecord) error {
	if run.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s_runs (
	run_id, controller, started_at, finished_at, reason,
	pages_fetched, pages_failed, pages_skipped, links_discovered
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (run_id) DO UPDATE SET
	finished_at = EXCLUDED.finished_at,
	reason = EXCLUDED.reason,
	pages_fetched = EXCLUDED.pages_fetched,
	pages_failed = EXCLUDED.pages_failed,
	pages_skipped = EXCLUDED.pages_skipped,
	links_discovered = EXCLUDED.links_discovered`, s.table)

	_, err := s.pool.Exec(ctx, query,
		run.RunID,
		run.Controller,
		run.StartedAt,
		run.FinishedAt,
		run.Reason,
		run.Stats.PagesFetched,
		run.Stats.PagesFailed,
		run.Stats.PagesSkipped,
		run.Stats.LinksDiscovered,
	)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
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
