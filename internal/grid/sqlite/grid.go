// Package sqlite implements a durable single-node grid on an embedded SQLite
// database stored in the crawler work directory.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/gridcrawler/internal/grid"

	// Registers the pure-Go "sqlite" driver.
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS grid_entries (
	map_name TEXT    NOT NULL,
	key      TEXT    NOT NULL,
	value    BLOB,
	seq      INTEGER NOT NULL,
	PRIMARY KEY (map_name, key)
);
CREATE INDEX IF NOT EXISTS grid_entries_seq ON grid_entries (map_name, seq);
`

// Config controls where the database lives.
type Config struct {
	// Path is the database file. Directories are created as needed.
	Path string
	Node string
}

// Grid stores maps as rows of a single table. All statements run on one
// connection, so SQLite never sees concurrent writers from this process.
type Grid struct {
	db       *sql.DB
	node     string
	seq      atomic.Int64
	pipeline *grid.MapPipeline

	locksMu sync.Mutex
	locks   map[string]chan struct{}
}

// Open creates or reopens the database at cfg.Path.
func Open(ctx context.Context, cfg Config) (*Grid, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("grid.sqlite.path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	var maxSeq sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(seq) FROM grid_entries`).Scan(&maxSeq); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("read sqlite sequence: %w", err)
	}
	node := cfg.Node
	if node == "" {
		node = "sqlite"
	}
	g := &Grid{db: db, node: node, locks: make(map[string]chan struct{})}
	g.seq.Store(maxSeq.Int64)
	g.pipeline = grid.NewMapPipeline(g)
	return g, nil
}

// NodeName returns the node identifier.
func (g *Grid) NodeName() string { return g.node }

// Storage returns g.
func (g *Grid) Storage() grid.Storage { return g }

// Compute returns g.
func (g *Grid) Compute() grid.Compute { return g }

// Pipeline returns the map-backed pipeline tracker.
func (g *Grid) Pipeline() grid.Pipeline { return g.pipeline }

// Close closes the database.
func (g *Grid) Close() error {
	if err := g.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// Map returns a handle on the named map.
func (g *Grid) Map(name string) grid.Map {
	return &Map{g: g, name: name}
}

// Move relocates key inside one transaction.
func (g *Grid) Move(ctx context.Context, from, to, key string, value []byte) (bool, error) {
	moved := false
	err := g.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM grid_entries WHERE map_name = ? AND key = ?`, from, key)
		if err != nil {
			return fmt.Errorf("delete source: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return nil
		}
		moved = true
		return g.upsert(ctx, tx, to, key, value)
	})
	return moved, err
}

// Take pops the oldest entry of from into to inside one transaction.
func (g *Grid) Take(ctx context.Context, from, to string) (string, []byte, bool, error) {
	var (
		key   string
		value []byte
		found bool
	)
	err := g.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT key, value FROM grid_entries WHERE map_name = ? ORDER BY seq LIMIT 1`, from)
		if err := row.Scan(&key, &value); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select head: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM grid_entries WHERE map_name = ? AND key = ?`, from, key); err != nil {
			return fmt.Errorf("delete head: %w", err)
		}
		found = true
		return g.upsert(ctx, tx, to, key, value)
	})
	if err != nil || !found {
		return "", nil, false, err
	}
	return key, value, true, nil
}

// Names lists the non-empty maps.
func (g *Grid) Names(ctx context.Context) ([]string, error) {
	rows, err := g.db.QueryContext(ctx, `SELECT DISTINCT map_name FROM grid_entries ORDER BY map_name`)
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

// RunOnOne serializes tasks sharing the same name. The database is local to
// this node, so an in-process lock is sufficient.
func (g *Grid) RunOnOne(ctx context.Context, name string, task grid.Task) error {
	g.locksMu.Lock()
	lock, ok := g.locks[name]
	if !ok {
		lock = make(chan struct{}, 1)
		g.locks[name] = lock
	}
	g.locksMu.Unlock()

	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("acquire %s: %w", name, ctx.Err())
	}
	defer func() { <-lock }()
	return task(ctx)
}

func (g *Grid) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sqlite tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sqlite tx: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (g *Grid) upsert(ctx context.Context, db execer, name, key string, value []byte) error {
	_, err := db.ExecContext(ctx, `
INSERT INTO grid_entries (map_name, key, value, seq) VALUES (?, ?, ?, ?)
ON CONFLICT (map_name, key) DO UPDATE SET value = excluded.value`,
		name, key, value, g.seq.Add(1))
	if err != nil {
		return fmt.Errorf("upsert %s[%s]: %w", name, key, err)
	}
	return nil
}

// Map is a view over one named map.
type Map struct {
	g    *Grid
	name string
}

// Name returns the map name.
func (m *Map) Name() string { return m.name }

// Get reads key.
func (m *Map) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := m.g.db.QueryRowContext(ctx,
		`SELECT value FROM grid_entries WHERE map_name = ? AND key = ?`, m.name, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s[%s]: %w", m.name, key, err)
	}
	return value, true, nil
}

// Put writes key.
func (m *Map) Put(ctx context.Context, key string, value []byte) error {
	return m.g.upsert(ctx, m.g.db, m.name, key, value)
}

// PutIfAbsent writes key when missing.
func (m *Map) PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	res, err := m.g.db.ExecContext(ctx, `
INSERT INTO grid_entries (map_name, key, value, seq) VALUES (?, ?, ?, ?)
ON CONFLICT (map_name, key) DO NOTHING`,
		m.name, key, value, m.g.seq.Add(1))
	if err != nil {
		return false, fmt.Errorf("put if absent %s[%s]: %w", m.name, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// Delete removes key.
func (m *Map) Delete(ctx context.Context, key string) (bool, error) {
	res, err := m.g.db.ExecContext(ctx,
		`DELETE FROM grid_entries WHERE map_name = ? AND key = ?`, m.name, key)
	if err != nil {
		return false, fmt.Errorf("delete %s[%s]: %w", m.name, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// ForEach loads a snapshot of the map and visits it in insertion order. The
// snapshot is read fully first so fn may issue further grid calls.
func (m *Map) ForEach(ctx context.Context, fn func(key string, value []byte) bool) error {
	rows, err := m.g.db.QueryContext(ctx,
		`SELECT key, value FROM grid_entries WHERE map_name = ? ORDER BY seq`, m.name)
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
			_ = rows.Close()
			return fmt.Errorf("scan %s row: %w", m.name, err)
		}
		snapshot = append(snapshot, item)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("iterate %s: %w", m.name, err)
	}
	_ = rows.Close()

	for _, item := range snapshot {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("iterate %s: %w", m.name, err)
		}
		if !fn(item.key, item.value) {
			return nil
		}
	}
	return nil
}

// Size counts entries.
func (m *Map) Size(ctx context.Context) (int, error) {
	var n int
	if err := m.g.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM grid_entries WHERE map_name = ?`, m.name).Scan(&n); err != nil {
		return 0, fmt.Errorf("size %s: %w", m.name, err)
	}
	return n, nil
}

// Clear deletes every entry.
func (m *Map) Clear(ctx context.Context) error {
	if _, err := m.g.db.ExecContext(ctx, `DELETE FROM grid_entries WHERE map_name = ?`, m.name); err != nil {
		return fmt.Errorf("clear %s: %w", m.name, err)
	}
	return nil
}
