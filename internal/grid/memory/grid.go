// Package memory implements an in-process grid for tests and single-run crawls
// that do not need to survive a restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/gridcrawler/internal/grid"
)

type entry struct {
	value []byte
	seq   uint64
}

// Grid keeps every map in process memory behind a single lock.
type Grid struct {
	node string

	mu     sync.RWMutex
	maps   map[string]map[string]entry
	seq    uint64
	closed bool

	locksMu sync.Mutex
	locks   map[string]chan struct{}

	pipeline *grid.MapPipeline
}

// New creates an empty Grid for node.
func New(node string) *Grid {
	if node == "" {
		node = "memory"
	}
	g := &Grid{
		node:  node,
		maps:  make(map[string]map[string]entry),
		locks: make(map[string]chan struct{}),
	}
	g.pipeline = grid.NewMapPipeline(g)
	return g
}

// NodeName returns the node identifier.
func (g *Grid) NodeName() string { return g.node }

// Storage returns g; Grid implements grid.Storage directly.
func (g *Grid) Storage() grid.Storage { return g }

// Compute returns g; Grid implements grid.Compute directly.
func (g *Grid) Compute() grid.Compute { return g }

// Pipeline returns the map-backed pipeline tracker.
func (g *Grid) Pipeline() grid.Pipeline { return g.pipeline }

// Close marks the grid closed. Data is discarded.
func (g *Grid) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	g.maps = make(map[string]map[string]entry)
	return nil
}

// Map returns a handle on the named map.
func (g *Grid) Map(name string) grid.Map {
	return &Map{g: g, name: name}
}

// Move atomically relocates key from one map to another.
func (g *Grid) Move(_ context.Context, from, to, key string, value []byte) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false, grid.ErrClosed
	}
	src := g.maps[from]
	if _, ok := src[key]; !ok {
		return false, nil
	}
	delete(src, key)
	g.putLocked(to, key, value)
	return true, nil
}

// Take pops the oldest entry of from and stores it in to.
func (g *Grid) Take(_ context.Context, from, to string) (string, []byte, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return "", nil, false, grid.ErrClosed
	}
	src := g.maps[from]
	if len(src) == 0 {
		return "", nil, false, nil
	}
	var (
		oldestKey string
		oldest    entry
		found     bool
	)
	for k, e := range src {
		if !found || e.seq < oldest.seq {
			oldestKey, oldest, found = k, e, true
		}
	}
	delete(src, oldestKey)
	g.putLocked(to, oldestKey, oldest.value)
	return oldestKey, cloneBytes(oldest.value), true, nil
}

// Names lists the non-empty maps in lexical order.
func (g *Grid) Names(_ context.Context) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		return nil, grid.ErrClosed
	}
	names := make([]string, 0, len(g.maps))
	for name, m := range g.maps {
		if len(m) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// RunOnOne serializes tasks sharing the same name within this process.
func (g *Grid) RunOnOne(ctx context.Context, name string, task grid.Task) error {
	lock := g.lockFor(name)
	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("acquire %s: %w", name, ctx.Err())
	}
	defer func() { <-lock }()
	return task(ctx)
}

func (g *Grid) lockFor(name string) chan struct{} {
	g.locksMu.Lock()
	defer g.locksMu.Unlock()
	lock, ok := g.locks[name]
	if !ok {
		lock = make(chan struct{}, 1)
		g.locks[name] = lock
	}
	return lock
}

func (g *Grid) putLocked(name, key string, value []byte) {
	m, ok := g.maps[name]
	if !ok {
		m = make(map[string]entry)
		g.maps[name] = m
	}
	seq := g.seq
	if prev, exists := m[key]; exists {
		seq = prev.seq
	} else {
		g.seq++
	}
	m[key] = entry{value: cloneBytes(value), seq: seq}
}

// Map is a view over one named map of a Grid.
type Map struct {
	g    *Grid
	name string
}

// Name returns the map name.
func (m *Map) Name() string { return m.name }

// Get returns a copy of the stored value.
func (m *Map) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.g.mu.RLock()
	defer m.g.mu.RUnlock()
	if m.g.closed {
		return nil, false, grid.ErrClosed
	}
	e, ok := m.g.maps[m.name][key]
	if !ok {
		return nil, false, nil
	}
	return cloneBytes(e.value), true, nil
}

// Put stores value under key.
func (m *Map) Put(_ context.Context, key string, value []byte) error {
	m.g.mu.Lock()
	defer m.g.mu.Unlock()
	if m.g.closed {
		return grid.ErrClosed
	}
	m.g.putLocked(m.name, key, value)
	return nil
}

// PutIfAbsent stores value when key is missing.
func (m *Map) PutIfAbsent(_ context.Context, key string, value []byte) (bool, error) {
	m.g.mu.Lock()
	defer m.g.mu.Unlock()
	if m.g.closed {
		return false, grid.ErrClosed
	}
	if _, ok := m.g.maps[m.name][key]; ok {
		return false, nil
	}
	m.g.putLocked(m.name, key, value)
	return true, nil
}

// Delete removes key.
func (m *Map) Delete(_ context.Context, key string) (bool, error) {
	m.g.mu.Lock()
	defer m.g.mu.Unlock()
	if m.g.closed {
		return false, grid.ErrClosed
	}
	entries := m.g.maps[m.name]
	if _, ok := entries[key]; !ok {
		return false, nil
	}
	delete(entries, key)
	return true, nil
}

// ForEach visits a snapshot of the map in insertion order.
func (m *Map) ForEach(ctx context.Context, fn func(key string, value []byte) bool) error {
	m.g.mu.RLock()
	if m.g.closed {
		m.g.mu.RUnlock()
		return grid.ErrClosed
	}
	type kv struct {
		key string
		e   entry
	}
	snapshot := make([]kv, 0, len(m.g.maps[m.name]))
	for k, e := range m.g.maps[m.name] {
		snapshot = append(snapshot, kv{key: k, e: entry{value: cloneBytes(e.value), seq: e.seq}})
	}
	m.g.mu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].e.seq < snapshot[j].e.seq })
	for _, item := range snapshot {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("iterate %s: %w", m.name, err)
		}
		if !fn(item.key, item.e.value) {
			return nil
		}
	}
	return nil
}

// Size returns the number of entries.
func (m *Map) Size(_ context.Context) (int, error) {
	m.g.mu.RLock()
	defer m.g.mu.RUnlock()
	if m.g.closed {
		return 0, grid.ErrClosed
	}
	return len(m.g.maps[m.name]), nil
}

// Clear removes every entry.
func (m *Map) Clear(_ context.Context) error {
	m.g.mu.Lock()
	defer m.g.mu.Unlock()
	if m.g.closed {
		return grid.ErrClosed
	}
	delete(m.g.maps, m.name)
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
