// Package config loads and validates gridcrawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/gridcrawler/internal/crawler"
	"github.com/JakeFAU/gridcrawler/internal/policy/ratelimit"
)

// EnvPrefix prefixes every environment override, e.g. GRIDCRAWLER_CRAWLER_ID.
const EnvPrefix = "GRIDCRAWLER"

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Session   SessionConfig   `mapstructure:"session"`
	Grid      GridConfig      `mapstructure:"grid"`
	Fetchers  FetchersConfig  `mapstructure:"fetchers"`
	Committer CommitterConfig `mapstructure:"committer"`
	Events    EventsConfig    `mapstructure:"events"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// CrawlerConfig governs one crawl run.
type CrawlerConfig struct {
	ID                       string        `mapstructure:"id"`
	WorkDir                  string        `mapstructure:"work_dir"`
	NumThreads               int           `mapstructure:"num_threads"`
	MaxDocuments             int           `mapstructure:"max_documents"`
	MaxDepth                 int           `mapstructure:"max_depth"`
	IdleTimeout              time.Duration `mapstructure:"idle_timeout"`
	PollInterval             time.Duration `mapstructure:"poll_interval"`
	StopPollInterval         time.Duration `mapstructure:"stop_poll_interval"`
	OrphansStrategy          string        `mapstructure:"orphans_strategy"`
	FetchersMaxRetries       int           `mapstructure:"fetchers_max_retries"`
	FetchersRetryDelay       time.Duration `mapstructure:"fetchers_retry_delay"`
	DeferredShutdownDuration time.Duration `mapstructure:"deferred_shutdown_duration"`
	StartReferencesAsync     bool          `mapstructure:"start_references_async"`
	StartReferences          []string      `mapstructure:"start_references"`
	StartReferencesFiles     []string      `mapstructure:"start_references_files"`
	StopOnExceptions         []string      `mapstructure:"stop_on_exceptions"`
	FollowExternalLinks      bool          `mapstructure:"follow_external_links"`
	DisableLinks             bool          `mapstructure:"disable_links"`
}

// SessionConfig controls session liveness.
type SessionConfig struct {
	Timeout           time.Duration `mapstructure:"timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// Grid backends.
const (
	GridMemory   = "memory"
	GridSQLite   = "sqlite"
	GridRedis    = "redis"
	GridPostgres = "postgres"
)

// GridConfig selects and configures the shared store.
type GridConfig struct {
	Type     string             `mapstructure:"type"`
	Node     string             `mapstructure:"node"`
	SQLite   SQLiteGridConfig   `mapstructure:"sqlite"`
	Redis    RedisGridConfig    `mapstructure:"redis"`
	Postgres PostgresGridConfig `mapstructure:"postgres"`
}

// SQLiteGridConfig configures the single-node durable grid.
type SQLiteGridConfig struct {
	Path string `mapstructure:"path"`
}

// RedisGridConfig configures the Redis grid.
type RedisGridConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	Prefix    string        `mapstructure:"prefix"`
	LockTTL   time.Duration `mapstructure:"lock_ttl"`
	LockRetry time.Duration `mapstructure:"lock_retry"`
}

// PostgresGridConfig configures the Postgres grid.
type PostgresGridConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	LockRetry       time.Duration `mapstructure:"lock_retry"`
}

// FetchersConfig configures the fetchers tried for each reference, in order.
type FetchersConfig struct {
	HTTP      HTTPFetcherConfig     `mapstructure:"http"`
	Headless  HeadlessFetcherConfig `mapstructure:"headless"`
	RateLimit RateLimitConfig       `mapstructure:"rate_limit"`
}

// HTTPFetcherConfig configures the Colly fetcher.
type HTTPFetcherConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	UserAgent     string        `mapstructure:"user_agent"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// HeadlessFetcherConfig configures the chromedp fetcher.
type HeadlessFetcherConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	MaxParallel       int           `mapstructure:"max_parallel"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	Hosts             []string      `mapstructure:"hosts"`
	// Promote re-renders plain HTTP responses that look client rendered.
	Promote            bool `mapstructure:"promote"`
	PromotionThreshold int  `mapstructure:"promotion_threshold"`
}

// RateLimitConfig configures per-host politeness. Hosts is a list because
// viper splits map keys on dots.
type RateLimitConfig struct {
	DefaultRPS   float64         `mapstructure:"default_rps"`
	DefaultBurst int             `mapstructure:"default_burst"`
	Hosts        []HostRateLimit `mapstructure:"hosts"`
}

// HostRateLimit overrides the default rate for one host.
type HostRateLimit struct {
	Host  string  `mapstructure:"host"`
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// Limiter converts the section into a ratelimit.Config.
func (r RateLimitConfig) Limiter() ratelimit.Config {
	hosts := make(map[string]ratelimit.HostLimit, len(r.Hosts))
	for _, h := range r.Hosts {
		hosts[strings.ToLower(h.Host)] = ratelimit.HostLimit{RPS: h.RPS, Burst: h.Burst}
	}
	return ratelimit.Config{DefaultRPS: r.DefaultRPS, DefaultBurst: r.DefaultBurst, Hosts: hosts}
}

// Blob backends.
const (
	BlobMemory = "memory"
	BlobLocal  = "local"
	BlobGCS    = "gcs"
)

// Notice backends.
const (
	NoticeNone   = "none"
	NoticeMemory = "memory"
	NoticePubSub = "pubsub"
)

// CommitterConfig configures where committed documents go. Every enabled
// committer receives every commit.
type CommitterConfig struct {
	Blob     BlobCommitterConfig     `mapstructure:"blob"`
	Notify   NotifyConfig            `mapstructure:"notify"`
	Postgres PostgresCommitterConfig `mapstructure:"postgres"`
}

// BlobCommitterConfig configures the blob committer.
type BlobCommitterConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Backend string `mapstructure:"backend"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// NotifyConfig configures the notices published by the blob committer.
type NotifyConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// PostgresCommitterConfig configures the document table committer.
type PostgresCommitterConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	StoreContent    bool          `mapstructure:"store_content"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// EventsConfig configures the event hub and its sinks.
type EventsConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
	Log            bool          `mapstructure:"log"`
	Prometheus     bool          `mapstructure:"prometheus"`
	RecentLimit    int           `mapstructure:"recent_limit"`
}

// ServerConfig controls the optional admin HTTP server.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawler.id", "")
	v.SetDefault("crawler.work_dir", "./work")
	v.SetDefault("crawler.num_threads", 2)
	v.SetDefault("crawler.max_documents", -1)
	v.SetDefault("crawler.max_depth", -1)
	v.SetDefault("crawler.idle_timeout", time.Duration(0))
	v.SetDefault("crawler.poll_interval", 250*time.Millisecond)
	v.SetDefault("crawler.stop_poll_interval", time.Second)
	v.SetDefault("crawler.orphans_strategy", string(crawler.OrphansProcess))
	v.SetDefault("crawler.fetchers_max_retries", 0)
	v.SetDefault("crawler.fetchers_retry_delay", time.Duration(0))
	v.SetDefault("crawler.deferred_shutdown_duration", time.Duration(0))
	v.SetDefault("crawler.start_references_async", false)
	v.SetDefault("crawler.start_references", []string{})
	v.SetDefault("crawler.start_references_files", []string{})
	v.SetDefault("crawler.stop_on_exceptions", []string{})
	v.SetDefault("crawler.follow_external_links", false)
	v.SetDefault("crawler.disable_links", false)
	v.SetDefault("session.timeout", 5*time.Minute)
	v.SetDefault("session.heartbeat_interval", 5*time.Second)
	v.SetDefault("grid.type", GridMemory)
	v.SetDefault("grid.node", "")
	v.SetDefault("grid.sqlite.path", "./work/grid.db")
	v.SetDefault("grid.redis.addr", "localhost:6379")
	v.SetDefault("grid.redis.prefix", "gridcrawler")
	v.SetDefault("grid.redis.lock_ttl", 30*time.Second)
	v.SetDefault("grid.redis.lock_retry", 50*time.Millisecond)
	v.SetDefault("grid.postgres.table", "grid_entries")
	v.SetDefault("grid.postgres.max_conns", 10)
	v.SetDefault("grid.postgres.lock_retry", 25*time.Millisecond)
	v.SetDefault("fetchers.http.enabled", true)
	v.SetDefault("fetchers.http.user_agent", "gridcrawler/0.1")
	v.SetDefault("fetchers.http.respect_robots", true)
	v.SetDefault("fetchers.http.timeout", 15*time.Second)
	v.SetDefault("fetchers.headless.enabled", false)
	v.SetDefault("fetchers.headless.max_parallel", 1)
	v.SetDefault("fetchers.headless.navigation_timeout", 25*time.Second)
	v.SetDefault("fetchers.headless.promote", false)
	v.SetDefault("fetchers.headless.promotion_threshold", 2048)
	v.SetDefault("fetchers.rate_limit.default_rps", 1.0)
	v.SetDefault("fetchers.rate_limit.default_burst", 1)
	v.SetDefault("committer.blob.enabled", true)
	v.SetDefault("committer.blob.backend", BlobLocal)
	v.SetDefault("committer.blob.base_dir", "./work/documents")
	v.SetDefault("committer.blob.prefix", "documents")
	v.SetDefault("committer.notify.backend", NoticeNone)
	v.SetDefault("committer.postgres.enabled", false)
	v.SetDefault("committer.postgres.table", "documents")
	v.SetDefault("committer.postgres.max_conns", 5)
	v.SetDefault("events.buffer_size", 4096)
	v.SetDefault("events.max_batch_events", 500)
	v.SetDefault("events.max_batch_wait", 250*time.Millisecond)
	v.SetDefault("events.sink_timeout", 10*time.Second)
	v.SetDefault("events.log", true)
	v.SetDefault("events.prometheus", true)
	v.SetDefault("events.recent_limit", 200)
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Crawler.ID) == "" {
		return fmt.Errorf("crawler.id is required")
	}
	if c.Crawler.NumThreads <= 0 {
		return fmt.Errorf("crawler.num_threads must be > 0")
	}
	if c.Crawler.MaxDocuments < -1 || c.Crawler.MaxDocuments == 0 {
		return fmt.Errorf("crawler.max_documents must be -1 or > 0")
	}
	if c.Crawler.MaxDepth < -1 {
		return fmt.Errorf("crawler.max_depth must be >= -1")
	}
	if c.Crawler.FetchersMaxRetries < 0 {
		return fmt.Errorf("crawler.fetchers_max_retries must be >= 0")
	}
	if _, ok := crawler.ParseOrphansStrategy(c.Crawler.OrphansStrategy); !ok {
		return fmt.Errorf("crawler.orphans_strategy %q is not one of PROCESS, DELETE, IGNORE", c.Crawler.OrphansStrategy)
	}
	for _, raw := range c.Crawler.StopOnExceptions {
		if _, ok := crawler.ParseErrorKind(raw); !ok {
			return fmt.Errorf("crawler.stop_on_exceptions has unknown kind %q", raw)
		}
	}
	if c.Session.Timeout <= 0 {
		return fmt.Errorf("session.timeout must be > 0")
	}
	if c.Session.HeartbeatInterval <= 0 || c.Session.HeartbeatInterval >= c.Session.Timeout {
		return fmt.Errorf("session.heartbeat_interval must be > 0 and < session.timeout")
	}
	if err := c.Grid.validate(); err != nil {
		return err
	}
	if !c.Fetchers.HTTP.Enabled && !c.Fetchers.Headless.Enabled {
		return fmt.Errorf("fetchers: at least one of fetchers.http or fetchers.headless must be enabled")
	}
	if c.Fetchers.Headless.Enabled && c.Fetchers.Headless.MaxParallel <= 0 {
		return fmt.Errorf("fetchers.headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Fetchers.Headless.Promote && !c.Fetchers.Headless.Enabled {
		return fmt.Errorf("fetchers.headless.promote requires fetchers.headless.enabled")
	}
	if err := c.Committer.validate(); err != nil {
		return err
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	return nil
}

func (g GridConfig) validate() error {
	switch g.Type {
	case GridMemory:
	case GridSQLite:
		if g.SQLite.Path == "" {
			return fmt.Errorf("grid.sqlite.path is required for the sqlite grid")
		}
	case GridRedis:
		if g.Redis.Addr == "" {
			return fmt.Errorf("grid.redis.addr is required for the redis grid")
		}
	case GridPostgres:
		if g.Postgres.DSN == "" {
			return fmt.Errorf("grid.postgres.dsn is required for the postgres grid")
		}
		// Lock holders keep a connection while their task needs another.
		if g.Postgres.MaxConns != 0 && g.Postgres.MaxConns < 5 {
			return fmt.Errorf("grid.postgres.max_conns must be at least 5, got %d", g.Postgres.MaxConns)
		}
	default:
		return fmt.Errorf("grid.type %q is not one of memory, sqlite, redis, postgres", g.Type)
	}
	return nil
}

func (c CommitterConfig) validate() error {
	if !c.Blob.Enabled && !c.Postgres.Enabled {
		return fmt.Errorf("committer: at least one of committer.blob or committer.postgres must be enabled")
	}
	if c.Blob.Enabled {
		switch c.Blob.Backend {
		case BlobMemory:
		case BlobLocal:
			if c.Blob.BaseDir == "" {
				return fmt.Errorf("committer.blob.base_dir is required for the local backend")
			}
		case BlobGCS:
			if c.Blob.Bucket == "" {
				return fmt.Errorf("committer.blob.bucket is required for the gcs backend")
			}
		default:
			return fmt.Errorf("committer.blob.backend %q is not one of memory, local, gcs", c.Blob.Backend)
		}
	}
	switch c.Notify.Backend {
	case "", NoticeNone, NoticeMemory:
	case NoticePubSub:
		if c.Notify.ProjectID == "" || c.Notify.Topic == "" {
			return fmt.Errorf("committer.notify.project_id and committer.notify.topic are required for pubsub")
		}
	default:
		return fmt.Errorf("committer.notify.backend %q is not one of none, memory, pubsub", c.Notify.Backend)
	}
	if c.Postgres.Enabled && c.Postgres.DSN == "" {
		return fmt.Errorf("committer.postgres.dsn is required when the postgres committer is enabled")
	}
	return nil
}

// StopOnExceptionKinds converts crawler.stop_on_exceptions. Load has already
// rejected unknown names.
func (c CrawlerConfig) StopOnExceptionKinds() []crawler.ErrorKind {
	kinds := make([]crawler.ErrorKind, 0, len(c.StopOnExceptions))
	for _, raw := range c.StopOnExceptions {
		if k, ok := crawler.ParseErrorKind(raw); ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// Orphans converts crawler.orphans_strategy.
func (c CrawlerConfig) Orphans() crawler.OrphansStrategy {
	s, _ := crawler.ParseOrphansStrategy(c.OrphansStrategy)
	return s
}
