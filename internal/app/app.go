// Package app wires configuration into a ready-to-run crawler node: grid,
// fetchers, committers, event hub and the optional admin server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/gridcrawler/internal/api"
	"github.com/JakeFAU/gridcrawler/internal/clock/system"
	"github.com/JakeFAU/gridcrawler/internal/committer"
	"github.com/JakeFAU/gridcrawler/internal/config"
	"github.com/JakeFAU/gridcrawler/internal/crawl"
	"github.com/JakeFAU/gridcrawler/internal/crawler"
	"github.com/JakeFAU/gridcrawler/internal/event"
	"github.com/JakeFAU/gridcrawler/internal/event/sinks"
	"github.com/JakeFAU/gridcrawler/internal/fetch"
	collyfetcher "github.com/JakeFAU/gridcrawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/gridcrawler/internal/fetcher/headless"
	"github.com/JakeFAU/gridcrawler/internal/grid"
	memorygrid "github.com/JakeFAU/gridcrawler/internal/grid/memory"
	postgresgrid "github.com/JakeFAU/gridcrawler/internal/grid/postgres"
	redisgrid "github.com/JakeFAU/gridcrawler/internal/grid/redis"
	sqlitegrid "github.com/JakeFAU/gridcrawler/internal/grid/sqlite"
	"github.com/JakeFAU/gridcrawler/internal/hash/sha256"
	"github.com/JakeFAU/gridcrawler/internal/headless/detector"
	"github.com/JakeFAU/gridcrawler/internal/id/uuid"
	"github.com/JakeFAU/gridcrawler/internal/logging"
	"github.com/JakeFAU/gridcrawler/internal/metrics"
	"github.com/JakeFAU/gridcrawler/internal/policy/ratelimit"
	"github.com/JakeFAU/gridcrawler/internal/processor"
	memorypublisher "github.com/JakeFAU/gridcrawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/gridcrawler/internal/publisher/pubsub"
	gcsstorage "github.com/JakeFAU/gridcrawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/gridcrawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/gridcrawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/gridcrawler/internal/storage/postgres"
)

const shutdownTimeout = 10 * time.Second

// App contains a node's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	grid      grid.Grid
	crawler   *crawl.Crawler
	hub       *event.Hub
	recent    *event.Collector
	committer crawler.Committer
	headless  *headlessfetcher.Fetcher
	publisher interface{ Close() error }
	gcs       *storage.Client
	apiServer *api.Server
}

// Option customizes Build.
type Option func(*options)

type options struct {
	registerer prometheus.Registerer
	logger     *zap.Logger
	callbacks  crawl.Callbacks
}

// WithRegisterer registers the Prometheus event sink against reg instead of
// the default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithLogger replaces the logger built from configuration.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithCallbacks installs crawl lifecycle callbacks.
func WithCallbacks(cb crawl.Callbacks) Option {
	return func(o *options) { o.callbacks = cb }
}

// Build creates the node's dependencies. The returned App must be closed.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (_ *App, err error) {
	o := options{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger, err = logging.New(logging.Options{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}

	node := cfg.Grid.Node
	if node == "" {
		node, err = uuid.New().NodeName()
		if err != nil {
			return nil, fmt.Errorf("node name: %w", err)
		}
	}
	app := &App{cfg: cfg, logger: logging.ForNode(logger, cfg.Crawler.ID, node)}
	defer func() {
		if err != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			app.closeInfrastructure(closeCtx)
		}
	}()
	metrics.Init()
	app.logger.Info("building node", zap.String("grid", cfg.Grid.Type))

	if app.grid, err = setupGrid(ctx, app, node); err != nil {
		return nil, err
	}
	fetcher, err := setupFetchers(app)
	if err != nil {
		return nil, err
	}
	if app.committer, err = setupCommitters(ctx, app); err != nil {
		return nil, err
	}
	if err = setupEvents(app, node, o.registerer); err != nil {
		return nil, err
	}

	proc := processor.New(processor.Config{
		FollowExternalLinks: cfg.Crawler.FollowExternalLinks,
		DisableLinks:        cfg.Crawler.DisableLinks,
	}, sha256.New())
	crawlOpts := []crawl.Option{
		crawl.WithEmitter(app.hub),
		crawl.WithLogger(app.logger),
		crawl.WithClock(system.New()),
	}
	if o.callbacks != nil {
		crawlOpts = append(crawlOpts, crawl.WithCallbacks(o.callbacks))
	}
	app.crawler, err = crawl.New(crawlConfig(cfg), app.grid, fetcher, proc, app.committer, crawlOpts...)
	if err != nil {
		return nil, fmt.Errorf("crawler init failed: %w", err)
	}

	if cfg.Server.Enabled {
		gridStorage := app.grid.Storage()
		app.apiServer = api.NewServer(
			api.Options{CrawlerID: cfg.Crawler.ID, APIKey: cfg.Server.APIKey},
			app.crawler.Registry(),
			app.crawler,
			app.recent,
			func(ctx context.Context) error {
				_, err := gridStorage.Names(ctx)
				return err
			},
			app.logger,
		)
	}
	return app, nil
}

func crawlConfig(cfg config.Config) crawl.Config {
	return crawl.Config{
		CrawlerID:            cfg.Crawler.ID,
		NumThreads:           cfg.Crawler.NumThreads,
		MaxDocuments:         cfg.Crawler.MaxDocuments,
		MaxDepth:             cfg.Crawler.MaxDepth,
		IdleTimeout:          cfg.Crawler.IdleTimeout,
		PollInterval:         cfg.Crawler.PollInterval,
		OrphansStrategy:      cfg.Crawler.Orphans(),
		DeferredShutdown:     cfg.Crawler.DeferredShutdownDuration,
		StartReferencesAsync: cfg.Crawler.StartReferencesAsync,
		StartReferences:      cfg.Crawler.StartReferences,
		StartReferencesFiles: cfg.Crawler.StartReferencesFiles,
		StopOnExceptions:     cfg.Crawler.StopOnExceptionKinds(),
		SessionTimeout:       cfg.Session.Timeout,
		HeartbeatInterval:    cfg.Session.HeartbeatInterval,
		StopPollInterval:     cfg.Crawler.StopPollInterval,
	}
}

func setupGrid(ctx context.Context, app *App, node string) (grid.Grid, error) {
	gc := app.cfg.Grid
	switch gc.Type {
	case config.GridSQLite:
		path := gc.SQLite.Path
		if path == "" {
			path = filepath.Join(app.cfg.Crawler.WorkDir, "grid.db")
		}
		app.logger.Info("using sqlite grid", zap.String("path", path))
		g, err := sqlitegrid.Open(ctx, sqlitegrid.Config{Path: path, Node: node})
		if err != nil {
			return nil, fmt.Errorf("sqlite grid init failed: %w", err)
		}
		return g, nil
	case config.GridRedis:
		app.logger.Info("using redis grid", zap.String("addr", gc.Redis.Addr))
		g, err := redisgrid.Open(ctx, redisgrid.Config{
			Addr:      gc.Redis.Addr,
			Password:  gc.Redis.Password,
			DB:        gc.Redis.DB,
			Prefix:    gc.Redis.Prefix,
			LockTTL:   gc.Redis.LockTTL,
			LockRetry: gc.Redis.LockRetry,
			Node:      node,
		}, app.logger)
		if err != nil {
			return nil, fmt.Errorf("redis grid init failed: %w", err)
		}
		return g, nil
	case config.GridPostgres:
		app.logger.Info("using postgres grid", zap.String("table", gc.Postgres.Table))
		g, err := postgresgrid.Open(ctx, postgresgrid.Config{
			DSN:             gc.Postgres.DSN,
			Table:           gc.Postgres.Table,
			MaxConns:        gc.Postgres.MaxConns,
			MinConns:        gc.Postgres.MinConns,
			MaxConnLifetime: gc.Postgres.MaxConnLifetime,
			LockRetry:       gc.Postgres.LockRetry,
			Node:            node,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres grid init failed: %w", err)
		}
		return g, nil
	default:
		app.logger.Info("using in-memory grid")
		return memorygrid.New(node), nil
	}
}

func setupFetchers(app *App) (*fetch.MultiFetcher, error) {
	fc := app.cfg.Fetchers
	var fetchers []fetch.Fetcher
	if fc.Headless.Enabled {
		var err error
		app.headless, err = headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       fc.Headless.MaxParallel,
			UserAgent:         fc.HTTP.UserAgent,
			NavigationTimeout: fc.Headless.NavigationTimeout,
			Hosts:             fc.Headless.Hosts,
		})
		if err != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		fetchers = append(fetchers, app.headless)
		app.logger.Info("using headless fetcher",
			zap.Int("max_parallel", fc.Headless.MaxParallel),
			zap.Strings("hosts", fc.Headless.Hosts),
		)
	}
	if fc.HTTP.Enabled {
		limiter := ratelimit.New(fc.RateLimit.Limiter())
		fetchers = append(fetchers, collyfetcher.New(collyfetcher.Config{
			UserAgent:     fc.HTTP.UserAgent,
			RespectRobots: fc.HTTP.RespectRobots,
			Timeout:       fc.HTTP.Timeout,
		}, limiter))
		app.logger.Info("using colly fetcher", zap.String("user_agent", fc.HTTP.UserAgent))
	}
	opts := []fetch.Option{fetch.WithLogger(app.logger)}
	if app.headless != nil && fc.Headless.Promote {
		opts = append(opts, fetch.WithPromotion(detector.NewHeuristic(fc.Headless.PromotionThreshold), app.headless))
		app.logger.Info("promoting client rendered pages to headless",
			zap.Int("threshold", fc.Headless.PromotionThreshold),
		)
	}
	multi, err := fetch.New(fetchers, fetch.Config{
		MaxRetries: app.cfg.Crawler.FetchersMaxRetries,
		RetryDelay: app.cfg.Crawler.FetchersRetryDelay,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("fetcher chain init failed: %w", err)
	}
	return multi, nil
}

func setupCommitters(ctx context.Context, app *App) (crawler.Committer, error) {
	cc := app.cfg.Committer
	var multi committer.Multi
	if cc.Blob.Enabled {
		store, err := setupStorage(ctx, app)
		if err != nil {
			return nil, err
		}
		publisher, err := setupPublisher(ctx, app)
		if err != nil {
			return nil, err
		}
		blob, err := committer.NewBlob(store, publisher, sha256.New(), system.New(), committer.BlobConfig{
			Prefix: cc.Blob.Prefix,
			Topic:  cc.Notify.Topic,
		}, app.logger)
		if err != nil {
			return nil, fmt.Errorf("blob committer init failed: %w", err)
		}
		multi = append(multi, blob)
	}
	if cc.Postgres.Enabled {
		docs, err := pgstore.NewDocumentStore(ctx, pgstore.DocumentStoreConfig{
			DSN:             cc.Postgres.DSN,
			Table:           cc.Postgres.Table,
			CrawlerID:       app.cfg.Crawler.ID,
			StoreContent:    cc.Postgres.StoreContent,
			MaxConns:        cc.Postgres.MaxConns,
			MinConns:        cc.Postgres.MinConns,
			MaxConnLifetime: cc.Postgres.MaxConnLifetime,
		})
		if err != nil {
			_ = multi.Close(ctx)
			return nil, fmt.Errorf("document store init failed: %w", err)
		}
		multi = append(multi, docs)
		app.logger.Info("document store initialized", zap.String("table", cc.Postgres.Table))
	}
	if len(multi) == 0 {
		return nil, errors.New("no committer enabled")
	}
	if len(multi) == 1 {
		return multi[0], nil
	}
	return multi, nil
}

func setupStorage(ctx context.Context, app *App) (crawler.BlobStore, error) {
	bc := app.cfg.Committer.Blob
	switch bc.Backend {
	case config.BlobGCS:
		app.logger.Info("using GCS storage backend", zap.String("bucket", bc.Bucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.gcs = client
		store, err := gcsstorage.New(client, gcsstorage.Config{Bucket: bc.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return store, nil
	case config.BlobLocal:
		app.logger.Info("using local storage backend", zap.String("path", bc.BaseDir))
		store, err := localstorage.New(localstorage.Config{BaseDir: bc.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return store, nil
	default:
		app.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func setupPublisher(ctx context.Context, app *App) (crawler.Publisher, error) {
	nc := app.cfg.Committer.Notify
	switch nc.Backend {
	case config.NoticePubSub:
		pub, err := gcppublisher.Open(ctx, nc.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		app.publisher = pub
		app.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", nc.ProjectID),
			zap.String("topic", nc.Topic),
		)
		return pub, nil
	case config.NoticeMemory:
		pub := memorypublisher.New()
		app.publisher = pub
		app.logger.Info("using in-memory publisher", zap.String("topic", nc.Topic))
		return pub, nil
	default:
		return nil, nil
	}
}

func setupEvents(app *App, node string, reg prometheus.Registerer) error {
	ec := app.cfg.Events
	app.recent = event.NewCollector(ec.RecentLimit)
	sinkList := []event.Sink{app.recent}
	if ec.Log {
		sinkList = append(sinkList, sinks.NewLogSink(app.logger.Named("events")))
		app.logger.Debug("added event log sink")
	}
	if ec.Prometheus {
		prom, err := sinks.NewPrometheusSink(reg)
		if err != nil {
			return fmt.Errorf("prometheus sink init failed: %w", err)
		}
		sinkList = append(sinkList, prom)
		app.logger.Debug("added event prometheus sink")
	}
	hubCfg := event.Config{
		CrawlerID:      app.cfg.Crawler.ID,
		Node:           node,
		Clock:          system.New(),
		BufferSize:     ec.BufferSize,
		MaxBatchEvents: ec.MaxBatchEvents,
		MaxBatchWait:   ec.MaxBatchWait,
		SinkTimeout:    ec.SinkTimeout,
		Logger:         app.logger.Named("event_hub"),
	}
	app.hub = event.NewHub(hubCfg, sinkList...)
	app.logger.Info("event hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Int("sinks", len(sinkList)),
	)
	return nil
}

// Logger returns the node logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Crawler returns the node's crawler.
func (a *App) Crawler() *crawl.Crawler {
	return a.crawler
}

// Events returns the events recently emitted on this node.
func (a *App) Events() []event.Event {
	return a.recent.Events()
}

// Crawl runs the crawler, serving the admin API alongside when enabled.
func (a *App) Crawl(ctx context.Context) (crawl.Summary, error) {
	if a.apiServer == nil {
		return a.crawler.Crawl(ctx)
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
		}
	}()
	summary, err := a.crawler.Crawl(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		a.logger.Error("server shutdown error", zap.Error(shutdownErr))
	}
	return summary, err
}

// Clean removes the crawler's state from the grid.
func (a *App) Clean(ctx context.Context) error {
	return a.crawler.Clean(ctx)
}

// Stop asks every node running the crawler to stop.
func (a *App) Stop(ctx context.Context) error {
	return a.crawler.Stop(ctx)
}

// Export writes the crawler's grid maps to dir, defaulting to the work dir.
func (a *App) Export(ctx context.Context, dir string, pretty bool) (string, error) {
	if dir == "" {
		dir = a.cfg.Crawler.WorkDir
	}
	return a.crawler.Export(ctx, dir, pretty)
}

// Import replaces the crawler's grid maps with the contents of file.
func (a *App) Import(ctx context.Context, file string) error {
	return a.crawler.Import(ctx, file)
}

// Close flushes events and releases every backend.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	a.closeObservability()
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("event hub close failed", zap.Error(err))
		}
	}
	if a.committer != nil {
		if err := a.committer.Close(ctx); err != nil {
			a.logger.Warn("committer close failed", zap.Error(err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("publisher close failed", zap.Error(err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.grid != nil {
		if err := a.grid.Close(); err != nil {
			a.logger.Warn("grid close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability() {
	// Sync fails on stderr/stdout on some platforms; nothing to do about it.
	_ = a.logger.Sync()
}
