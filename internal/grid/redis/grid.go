// Package redis implements a cluster-wide grid on Redis. Maps are hashes,
// cross-map moves are Lua scripts, and RunOnOne holds a SET NX lock.
package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/gridcrawler/internal/grid"
)

const (
	defaultPrefix    = "gridcrawler"
	defaultLockTTL   = 30 * time.Second
	defaultLockRetry = 50 * time.Millisecond
	scanBatch        = 256
)

var (
	moveScript = goredis.NewScript(`
if redis.call('HDEL', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
return 1
`)

	takeScript = goredis.NewScript(`
local field = redis.call('HRANDFIELD', KEYS[1])
if not field then
  return false
end
local value = redis.call('HGET', KEYS[1], field)
redis.call('HDEL', KEYS[1], field)
redis.call('HSET', KEYS[2], field, value)
return {field, value}
`)

	releaseScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

	extendScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)
)

// Config describes the Redis connection and key layout.
type Config struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key. It is wrapped in a hash tag so all keys of
	// one grid land on the same cluster slot and Lua scripts stay legal.
	Prefix    string
	LockTTL   time.Duration
	LockRetry time.Duration
	Node      string
}

// Grid is a grid.Grid backed by Redis.
type Grid struct {
	client    goredis.UniversalClient
	prefix    string
	node      string
	lockTTL   time.Duration
	lockRetry time.Duration
	pipeline  *grid.MapPipeline
	logger    *zap.Logger
}

// Open dials Redis and verifies the connection.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Grid, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("grid.redis.addr is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewWithClient(client, cfg, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client goredis.UniversalClient, cfg Config, logger *zap.Logger) *Grid {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	if cfg.LockRetry <= 0 {
		cfg.LockRetry = defaultLockRetry
	}
	node := cfg.Node
	if node == "" {
		node = "redis"
	}
	g := &Grid{
		client:    client,
		prefix:    "{" + prefix + "}",
		node:      node,
		lockTTL:   cfg.LockTTL,
		lockRetry: cfg.LockRetry,
		logger:    logger,
	}
	g.pipeline = grid.NewMapPipeline(g)
	return g
}

// NodeName returns the node identifier.
func (g *Grid) NodeName() string { return g.node }

// Storage returns g.
func (g *Grid) Storage() grid.Storage { return g }

// Compute returns g.
func (g *Grid) Compute() grid.Compute { return g }

// Pipeline returns the map-backed pipeline tracker.
func (g *Grid) Pipeline() grid.Pipeline { return g.pipeline }

// Close closes the client.
func (g *Grid) Close() error {
	if err := g.client.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}

func (g *Grid) mapKey(name string) string {
	return g.prefix + ":map:" + name
}

func (g *Grid) lockKey(name string) string {
	return g.prefix + ":lock:" + name
}

// Map returns a handle on the named hash.
func (g *Grid) Map(name string) grid.Map {
	return &Map{g: g, name: name, key: g.mapKey(name)}
}

// Move relocates key between two hashes atomically.
func (g *Grid) Move(ctx context.Context, from, to, key string, value []byte) (bool, error) {
	n, err := moveScript.Run(ctx, g.client, []string{g.mapKey(from), g.mapKey(to)}, key, value).Int()
	if err != nil {
		return false, fmt.Errorf("move %s -> %s [%s]: %w", from, to, key, err)
	}
	return n == 1, nil
}

// Take pops a random field of from into to atomically. Redis hashes carry no
// order, so entries come out in no particular sequence.
func (g *Grid) Take(ctx context.Context, from, to string) (string, []byte, bool, error) {
	res, err := takeScript.Run(ctx, g.client, []string{g.mapKey(from), g.mapKey(to)}).Slice()
	if errors.Is(err, goredis.Nil) {
		return "", nil, false, nil
	}
	if err != nil {
		return "", nil, false, fmt.Errorf("take %s -> %s: %w", from, to, err)
	}
	if len(res) != 2 {
		return "", nil, false, fmt.Errorf("take %s -> %s: unexpected reply %v", from, to, res)
	}
	field, _ := res[0].(string)
	value, _ := res[1].(string)
	return field, []byte(value), true, nil
}

// Names lists the non-empty maps. Redis drops empty hashes, so every key
// found by SCAN holds data.
func (g *Grid) Names(ctx context.Context) ([]string, error) {
	pattern := g.prefix + ":map:*"
	var (
		cursor uint64
		names  []string
	)
	for {
		keys, next, err := g.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("scan maps: %w", err)
		}
		for _, k := range keys {
			names = append(names, strings.TrimPrefix(k, g.prefix+":map:"))
		}
		cursor = next
		if cursor == 0 {
			return names, nil
		}
	}
}

// RunOnOne acquires a Redis lock named after the task, keeps it alive while
// the task runs, and releases it afterwards.
func (g *Grid) RunOnOne(ctx context.Context, name string, task grid.Task) error {
	token, err := newToken()
	if err != nil {
		return err
	}
	key := g.lockKey(name)
	if err := g.acquire(ctx, key, token); err != nil {
		return fmt.Errorf("acquire %s: %w", name, err)
	}

	keepCtx, stopKeep := context.WithCancel(context.Background())
	keepDone := make(chan struct{})
	go g.keepAlive(keepCtx, key, token, keepDone)

	defer func() {
		stopKeep()
		<-keepDone
		// Release on a fresh context so a cancelled caller still frees the lock.
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(relCtx, g.client, []string{key}, token).Err(); err != nil {
			g.logger.Warn("release redis lock failed", zap.String("lock", name), zap.Error(err))
		}
	}()
	return task(ctx)
}

func (g *Grid) acquire(ctx context.Context, key, token string) error {
	for {
		ok, err := g.client.SetNX(ctx, key, token, g.lockTTL).Result()
		if err != nil {
			return fmt.Errorf("setnx: %w", err)
		}
		if ok {
			return nil
		}
		timer := time.NewTimer(g.lockRetry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (g *Grid) keepAlive(ctx context.Context, key, token string, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(g.lockTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := extendScript.Run(ctx, g.client, []string{key}, token, g.lockTTL.Milliseconds()).Err()
			if err != nil && ctx.Err() == nil {
				g.logger.Warn("extend redis lock failed", zap.String("lock", key), zap.Error(err))
			}
		}
	}
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("lock token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Map is a view over one Redis hash.
type Map struct {
	g    *Grid
	name string
	key  string
}

// Name returns the map name.
func (m *Map) Name() string { return m.name }

// Get reads a field.
func (m *Map) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := m.g.client.HGet(ctx, m.key, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("hget %s[%s]: %w", m.name, key, err)
	}
	return v, true, nil
}

// Put writes a field.
func (m *Map) Put(ctx context.Context, key string, value []byte) error {
	if err := m.g.client.HSet(ctx, m.key, key, value).Err(); err != nil {
		return fmt.Errorf("hset %s[%s]: %w", m.name, key, err)
	}
	return nil
}

// PutIfAbsent writes a field with HSETNX.
func (m *Map) PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	ok, err := m.g.client.HSetNX(ctx, m.key, key, value).Result()
	if err != nil {
		return false, fmt.Errorf("hsetnx %s[%s]: %w", m.name, key, err)
	}
	return ok, nil
}

// Delete removes a field.
func (m *Map) Delete(ctx context.Context, key string) (bool, error) {
	n, err := m.g.client.HDel(ctx, m.key, key).Result()
	if err != nil {
		return false, fmt.Errorf("hdel %s[%s]: %w", m.name, key, err)
	}
	return n == 1, nil
}

// ForEach walks the hash with HSCAN, collecting a snapshot before calling fn.
func (m *Map) ForEach(ctx context.Context, fn func(key string, value []byte) bool) error {
	var (
		cursor uint64
		pairs  []string
	)
	for {
		batch, next, err := m.g.client.HScan(ctx, m.key, cursor, "*", scanBatch).Result()
		if err != nil {
			return fmt.Errorf("hscan %s: %w", m.name, err)
		}
		pairs = append(pairs, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	// HSCAN may return a field twice across cursor steps.
	seen := make(map[string]struct{}, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		field := pairs[i]
		if _, dup := seen[field]; dup {
			continue
		}
		seen[field] = struct{}{}
		if !fn(field, []byte(pairs[i+1])) {
			return nil
		}
	}
	return nil
}

// Size returns HLEN.
func (m *Map) Size(ctx context.Context) (int, error) {
	n, err := m.g.client.HLen(ctx, m.key).Result()
	if err != nil {
		return 0, fmt.Errorf("hlen %s: %w", m.name, err)
	}
	return int(n), nil
}

// Clear deletes the hash.
func (m *Map) Clear(ctx context.Context) error {
	if err := m.g.client.Del(ctx, m.key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", m.name, err)
	}
	return nil
}
