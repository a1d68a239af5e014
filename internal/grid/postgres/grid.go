// Package postgres implements a cluster-wide grid on a single Postgres table.
// Cross-map moves are single statements and RunOnOne holds a transaction
// scoped advisory lock.
//
// A lock holder keeps one pooled connection while its task needs another, so
// the pool must be larger than the number of distinct locks held at once.
// Waiters poll with pg_try_advisory_xact_lock and give their connection back
// between attempts.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/gridcrawler/internal/grid"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const (
	defaultLockRetry = 25 * time.Millisecond
	// MinPoolSize is the smallest pool that lets every crawler lock
	// (session, ledger init, dequeue, orphans) be held at once with room for
	// the holders' own queries.
	MinPoolSize = 5
)

// Config controls the Postgres connection pool used by the grid.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// LockRetry is the pause between advisory lock attempts.
	LockRetry time.Duration
	Node      string
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Grid is a grid.Grid backed by Postgres.
type Grid struct {
	pool      pgxPool
	table     string
	node      string
	lockRetry time.Duration
	pipeline  *grid.MapPipeline
}

// Open connects to Postgres, tunes the pool and creates the entries table.
func Open(ctx context.Context, cfg Config) (*Grid, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("grid.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MaxConns = max(poolCfg.MaxConns, MinPoolSize)
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
	g, err := NewWithPool(pool, cfg.Table, cfg.Node)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if cfg.LockRetry > 0 {
		g.lockRetry = cfg.LockRetry
	}
	if err := g.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return g, nil
}

// NewWithPool constructs a grid from an existing pool (primarily for testing).
func NewWithPool(pool pgxPool, table, node string) (*Grid, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "grid_entries"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if node == "" {
		node = "postgres"
	}
	g := &Grid{pool: pool, table: table, node: node, lockRetry: defaultLockRetry}
	g.pipeline = grid.NewMapPipeline(g)
	return g, nil
}

// EnsureSchema creates the entries table when missing.
func (g *Grid) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	map_name TEXT NOT NULL,
	key      TEXT NOT NULL,
	value    BYTEA,
	seq      BIGSERIAL,
	PRIMARY KEY (map_name, key)
);
CREATE INDEX IF NOT EXISTS %[1]s_seq ON %[1]s (map_name, seq)`, g.table)
	if _, err := g.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create grid table: %w", err)
	}
	return nil
}

// NodeName returns the node identifier.
func (g *Grid) NodeName() string { return g.node }

// Storage returns g.
func (g *Grid) Storage() grid.Storage { return g }

// Compute returns g.
func (g *Grid) Compute() grid.Compute { return g }

// Pipeline returns the map-backed pipeline tracker.
func (g *Grid) Pipeline() grid.Pipeline { return g.pipeline }

// Close releases the pool.
func (g *Grid) Close() error {
	g.pool.Close()
	return nil
}

// Map returns a handle on the named map.
func (g *Grid) Map(name string) grid.Map {
	return &Map{g: g, name: name}
}

// Move relocates key with one DELETE ... INSERT statement.
func (g *Grid) Move(ctx context.Context, from, to, key string, value []byte) (bool, error) {
	query := fmt.Sprintf(`
WITH moved AS (
	DELETE FROM %[1]s WHERE map_name = $1 AND key = $3 RETURNING key
)
INSERT INTO %[1]s (map_name, key, value)
SELECT $2, key, $4 FROM moved
ON CONFLICT (map_name, key) DO UPDATE SET value = EXCLUDED.value`, g.table)
	tag, err := g.pool.Exec(ctx, query, from, to, key, value)
	if err != nil {
		return false, fmt.Errorf("move %s -> %s [%s]: %w", from, to, key, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Take pops the oldest unlocked entry of from into to.
func (g *Grid) Take(ctx context.Context, from, to string) (string, []byte, bool, error) {
	query := fmt.Sprintf(`
WITH head AS (
	SELECT key FROM %[1]s WHERE map_name = $1 ORDER BY seq LIMIT 1 FOR UPDATE SKIP LOCKED
), moved AS (
	DELETE FROM %[1]s AS e USING head WHERE e.map_name = $1 AND e.key = head.key
	RETURNING e.key, e.value
)
INSERT INTO %[1]s (map_name, key, value)
SELECT $2, key, value FROM moved
ON CONFLICT (map_name, key) DO UPDATE SET value = EXCLUDED.value
RETURNING key, value`, g.table)
	var (
		key   string
		value []byte
	)
	if err := g.pool.QueryRow(ctx, query, from, to).Scan(&key, &value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil, false, nil
		}
		return "", nil, false, fmt.Errorf("take %s -> %s: %w", from, to, err)
	}
	return key, value, true, nil
}

// Names lists the non-empty maps.
func (g *Grid) Names(ctx context.Context) ([]string, error) {
	rows, err := g.pool.Query(ctx, fmt.Sprintf(`SELECT DISTINCT map_name FROM %s ORDER BY map_name`, g.table))
	if err != nil {
		return nil, fmt.Errorf("list maps: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan map name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate map names: %w", err)
	}
	return names, nil
}

// RunOnOne runs task while holding the advisory lock hashtext(name). The
// lock is released when the surrounding transaction ends.
func (g *Grid) RunOnOne(ctx context.Context, name string, task grid.Task) error {
	tx, err := g.acquire(ctx, name)
	if err != nil {
		return fmt.Errorf("acquire %s: %w", name, err)
	}
	if err := task(ctx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("release %s: %w", name, err)
	}
	return nil
}

// acquire returns a transaction holding the lock. A failed attempt rolls back
// so no connection is held while waiting.
func (g *Grid) acquire(ctx context.Context, name string) (pgx.Tx, error) {
	for {
		tx, err := g.pool.Begin(ctx)
		if err != nil {
			return nil, fmt.Errorf("begin lock tx: %w", err)
		}
		var locked bool
		if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock(hashtext($1))`, name).Scan(&locked); err != nil {
			_ = tx.Rollback(ctx)
			return nil, err
		}
		if locked {
			return tx, nil
		}
		if err := tx.Rollback(ctx); err != nil {
			return nil, err
		}
		timer := time.NewTimer(g.lockRetry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// Map is a view over the rows of one map.
type Map struct {
	g    *Grid
	name string
}

// Name returns the map name.
func (m *Map) Name() string { return m.name }

// Get reads key.
func (m *Map) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := m.g.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT value FROM %s WHERE map_name = $1 AND key = $2`, m.g.table),
		m.name, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s[%s]: %w", m.name, key, err)
	}
	return value, true, nil
}

// Put upserts key.
func (m *Map) Put(ctx context.Context, key string, value []byte) error {
	query := fmt.Sprintf(`
INSERT INTO %s (map_name, key, value) VALUES ($1, $2, $3)
ON CONFLICT (map_name, key) DO UPDATE SET value = EXCLUDED.value`, m.g.table)
	if _, err := m.g.pool.Exec(ctx, query, m.name, key, value); err != nil {
		return fmt.Errorf("put %s[%s]: %w", m.name, key, err)
	}
	return nil
}

// PutIfAbsent inserts key unless it exists.
func (m *Map) PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	query := fmt.Sprintf(`
INSERT INTO %s (map_name, key, value) VALUES ($1, $2, $3)
ON CONFLICT (map_name, key) DO NOTHING`, m.g.table)
	tag, err := m.g.pool.Exec(ctx, query, m.name, key, value)
	if err != nil {
		return false, fmt.Errorf("put if absent %s[%s]: %w", m.name, key, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Delete removes key.
func (m *Map) Delete(ctx context.Context, key string) (bool, error) {
	tag, err := m.g.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE map_name = $1 AND key = $2`, m.g.table), m.name, key)
	if err != nil {
		return false, fmt.Errorf("delete %s[%s]: %w", m.name, key, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ForEach reads a snapshot ordered by insertion and visits it.
func (m *Map) ForEach(ctx context.Context, fn func(key string, value []byte) bool) error {
	rows, err := m.g.pool.Query(ctx,
		fmt.Sprintf(`SELECT key, value FROM %s WHERE map_name = $1 ORDER BY seq`, m.g.table), m.name)
	if err != nil {
		return fmt.Errorf("scan %s: %w", m.name, err)
	}
	type kv struct {
		key   string
		value []byte
	}
	var snapshot []kv
	for rows.Next() {
		var item kv
		if err := rows.Scan(&item.key, &item.value); err != nil {
			rows.Close()
			return fmt.Errorf("scan %s row: %w", m.name, err)
		}
		snapshot = append(snapshot, item)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate %s: %w", m.name, err)
	}
	for _, item := range snapshot {
		if !fn(item.key, item.value) {
			return nil
		}
	}
	return nil
}

// Size counts the rows of the map.
func (m *Map) Size(ctx context.Context) (int, error) {
	var n int64
	if err := m.g.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE map_name = $1`, m.g.table), m.name).Scan(&n); err != nil {
		return 0, fmt.Errorf("size %s: %w", m.name, err)
	}
	return int(n), nil
}

// Clear deletes every row of the map.
func (m *Map) Clear(ctx context.Context) error {
	if _, err := m.g.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE map_name = $1`, m.g.table), m.name); err != nil {
		return fmt.Errorf("clear %s: %w", m.name, err)
	}
	return nil
}
