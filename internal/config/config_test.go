package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JakeFAU/gridcrawler/internal/crawler"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
crawler:
  id: shop
  num_threads: 6
  max_documents: 500
  max_depth: 3
  idle_timeout: 2m
  orphans_strategy: delete
  fetchers_max_retries: 2
  fetchers_retry_delay: 500ms
  start_references: ["https://example.com/"]
  stop_on_exceptions: [fetch, commit]
session:
  timeout: 1m
  heartbeat_interval: 10s
grid:
  type: redis
  node: node-7
  redis:
    addr: redis:6379
    prefix: shop
fetchers:
  http:
    user_agent: real-agent
    respect_robots: false
  headless:
    enabled: true
    max_parallel: 2
    hosts: ["spa.example.com"]
  rate_limit:
    default_rps: 4
    hosts:
      - host: Example.com
        rps: 0.5
        burst: 2
committer:
  blob:
    backend: gcs
    bucket: docs
  notify:
    backend: pubsub
    project_id: proj
    topic: commits
server:
  enabled: true
  port: 9090
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Crawler.ID != "shop" || cfg.Crawler.NumThreads != 6 || cfg.Crawler.MaxDocuments != 500 {
		t.Fatalf("expected crawler overrides to apply: %+v", cfg.Crawler)
	}
	if cfg.Crawler.IdleTimeout != 2*time.Minute || cfg.Crawler.FetchersRetryDelay != 500*time.Millisecond {
		t.Fatalf("expected durations to decode: %+v", cfg.Crawler)
	}
	if cfg.Crawler.Orphans() != crawler.OrphansDelete {
		t.Fatalf("expected DELETE orphans strategy, got %q", cfg.Crawler.Orphans())
	}
	kinds := cfg.Crawler.StopOnExceptionKinds()
	if len(kinds) != 2 || kinds[0] != crawler.KindFetch || kinds[1] != crawler.KindCommit {
		t.Fatalf("unexpected stop kinds %v", kinds)
	}
	if cfg.Grid.Type != GridRedis || cfg.Grid.Redis.Addr != "redis:6379" || cfg.Grid.Redis.LockTTL != 30*time.Second {
		t.Fatalf("expected redis grid with default lock ttl: %+v", cfg.Grid)
	}
	if !cfg.Fetchers.HTTP.Enabled || cfg.Fetchers.HTTP.RespectRobots {
		t.Fatalf("expected http fetcher enabled without robots: %+v", cfg.Fetchers.HTTP)
	}
	if host, ok := cfg.Fetchers.RateLimit.Limiter().Hosts["example.com"]; !ok || host.RPS != 0.5 || host.Burst != 2 {
		t.Fatalf("expected per-host rate limit: %+v", cfg.Fetchers.RateLimit)
	}
	if cfg.Committer.Blob.Backend != BlobGCS || cfg.Committer.Notify.Topic != "commits" {
		t.Fatalf("expected committer overrides: %+v", cfg.Committer)
	}
	if !cfg.Server.Enabled || cfg.Server.Port != 9090 || cfg.Logging.Development {
		t.Fatalf("expected server and logging overrides")
	}
}

func TestLoadDefaultsWithEnv(t *testing.T) {
	t.Setenv("GRIDCRAWLER_CRAWLER_ID", "from-env")
	t.Setenv("GRIDCRAWLER_CRAWLER_NUM_THREADS", "3")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Crawler.ID != "from-env" || cfg.Crawler.NumThreads != 3 {
		t.Fatalf("expected env overrides, got %+v", cfg.Crawler)
	}
	if cfg.Crawler.MaxDocuments != -1 || cfg.Crawler.MaxDepth != -1 {
		t.Fatalf("expected unlimited defaults, got %+v", cfg.Crawler)
	}
	if cfg.Grid.Type != GridMemory || cfg.Session.Timeout != 5*time.Minute {
		t.Fatalf("expected memory grid and 5m session timeout")
	}
	if cfg.Events.BufferSize != 4096 || cfg.Events.MaxBatchWait != 250*time.Millisecond {
		t.Fatalf("expected event defaults, got %+v", cfg.Events)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func validConfig() Config {
	return Config{
		Crawler: CrawlerConfig{
			ID:              "c",
			NumThreads:      1,
			MaxDocuments:    -1,
			MaxDepth:        -1,
			OrphansStrategy: "PROCESS",
		},
		Session:   SessionConfig{Timeout: time.Minute, HeartbeatInterval: time.Second},
		Grid:      GridConfig{Type: GridMemory},
		Fetchers:  FetchersConfig{HTTP: HTTPFetcherConfig{Enabled: true}},
		Committer: CommitterConfig{Blob: BlobCommitterConfig{Enabled: true, Backend: BlobMemory}},
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected valid base config, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing id", func(c *Config) { c.Crawler.ID = " " }, "crawler.id"},
		{"no threads", func(c *Config) { c.Crawler.NumThreads = 0 }, "crawler.num_threads"},
		{"zero documents", func(c *Config) { c.Crawler.MaxDocuments = 0 }, "crawler.max_documents"},
		{"negative depth", func(c *Config) { c.Crawler.MaxDepth = -2 }, "crawler.max_depth"},
		{"bad strategy", func(c *Config) { c.Crawler.OrphansStrategy = "keep" }, "crawler.orphans_strategy"},
		{"bad exception", func(c *Config) { c.Crawler.StopOnExceptions = []string{"panic"} }, "crawler.stop_on_exceptions"},
		{"heartbeat too slow", func(c *Config) { c.Session.HeartbeatInterval = time.Hour }, "session.heartbeat_interval"},
		{"unknown grid", func(c *Config) { c.Grid.Type = "etcd" }, "grid.type"},
		{"redis without addr", func(c *Config) { c.Grid.Type = GridRedis }, "grid.redis.addr"},
		{"postgres without dsn", func(c *Config) { c.Grid.Type = GridPostgres }, "grid.postgres.dsn"},
		{"postgres pool too small", func(c *Config) {
			c.Grid.Type = GridPostgres
			c.Grid.Postgres.DSN = "postgres://localhost/grid"
			c.Grid.Postgres.MaxConns = 2
		}, "grid.postgres.max_conns"},
		{"no fetchers", func(c *Config) { c.Fetchers.HTTP.Enabled = false }, "fetchers"},
		{"headless without parallel", func(c *Config) { c.Fetchers.Headless.Enabled = true }, "fetchers.headless.max_parallel"},
		{"promote without headless", func(c *Config) { c.Fetchers.Headless.Promote = true }, "fetchers.headless.promote"},
		{"no committer", func(c *Config) { c.Committer.Blob.Enabled = false }, "committer"},
		{"gcs without bucket", func(c *Config) { c.Committer.Blob.Backend = BlobGCS }, "committer.blob.bucket"},
		{"pubsub without topic", func(c *Config) { c.Committer.Notify.Backend = NoticePubSub }, "committer.notify"},
		{"postgres committer without dsn", func(c *Config) { c.Committer.Postgres.Enabled = true }, "committer.postgres.dsn"},
		{"server without port", func(c *Config) { c.Server.Enabled = true }, "server.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
