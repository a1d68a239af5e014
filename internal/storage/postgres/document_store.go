// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/gridcrawler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// DocumentStoreConfig controls the Postgres connection pool used for committed documents.
type DocumentStoreConfig struct {
	DSN             string
	Table           string
	CrawlerID       string
	StoreContent    bool
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// DocumentStore is a committer that keeps one row per reference. Deleted
// references keep their row with deleted_at set.
type DocumentStore struct {
	pool         execCloser
	table        string
	crawlerID    string
	storeContent bool
}

// NewDocumentStore creates a Postgres-backed DocumentStore and ensures its table exists.
func NewDocumentStore(ctx context.Context, cfg DocumentStoreConfig) (*DocumentStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("committer.postgres.dsn is required")
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
	store, err := NewDocumentStoreWithPool(pool, cfg)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewDocumentStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewDocumentStoreWithPool(pool execCloser, cfg DocumentStoreConfig) (*DocumentStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table := cfg.Table
	if table == "" {
		table = "crawled_documents"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &DocumentStore{
		pool:         pool,
		table:        table,
		crawlerID:    cfg.CrawlerID,
		storeContent: cfg.StoreContent,
	}, nil
}

// EnsureSchema creates the documents table when missing.
func (s *DocumentStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	reference     TEXT PRIMARY KEY,
	crawler_id    TEXT NOT NULL,
	content_type  TEXT,
	checksum      TEXT,
	metadata      JSONB NOT NULL DEFAULT '{}'::jsonb,
	content       BYTEA,
	depth         INTEGER NOT NULL DEFAULT 0,
	committed_at  TIMESTAMPTZ NOT NULL,
	deleted_at    TIMESTAMPTZ,
	delete_reason TEXT
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// Upsert inserts or replaces the row of a new or modified document.
func (s *DocumentStore) Upsert(ctx context.Context, req crawler.UpsertRequest) error {
	if req.Reference == "" {
		return fmt.Errorf("reference is required")
	}
	metaJSON, err := json.Marshal(normalizeMetadata(req.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	var content []byte
	if s.storeContent {
		content = req.Content
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	reference,
	crawler_id,
	content_type,
	checksum,
	metadata,
	content,
	depth,
	committed_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8
)
ON CONFLICT (reference) DO UPDATE SET
	crawler_id = EXCLUDED.crawler_id,
	content_type = EXCLUDED.content_type,
	checksum = EXCLUDED.checksum,
	metadata = EXCLUDED.metadata,
	content = EXCLUDED.content,
	depth = EXCLUDED.depth,
	committed_at = EXCLUDED.committed_at,
	deleted_at = NULL,
	delete_reason = NULL`, s.table)

	args := []any{
		req.Reference,
		s.crawlerID,
		req.ContentType,
		req.Checksum,
		metaJSON,
		content,
		req.Depth,
		req.CommittedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

// Delete marks the row of a vanished document as deleted.
func (s *DocumentStore) Delete(ctx context.Context, req crawler.DeleteRequest) error {
	if req.Reference == "" {
		return fmt.Errorf("reference is required")
	}
	query := fmt.Sprintf(`UPDATE %s SET deleted_at = now(), delete_reason = $2 WHERE reference = $1`, s.table)
	if _, err := s.pool.Exec(ctx, query, req.Reference, req.Reason); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *DocumentStore) Close(context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func normalizeMetadata(m map[string][]string) map[string][]string {
	if len(m) == 0 {
		return map[string][]string{}
	}
	out := make(map[string][]string, len(m))
	for k, values := range m {
		out[k] = append([]string(nil), values...)
	}
	return out
}
