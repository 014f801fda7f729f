// Package pipeline assembles the store, fetch engine and both schedulers
// from a loaded configuration.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/FranksOps/snare/internal/archive"
	"github.com/FranksOps/snare/internal/captcha"
	"github.com/FranksOps/snare/internal/captcha/rodbrowser"
	"github.com/FranksOps/snare/internal/config"
	"github.com/FranksOps/snare/internal/fingerprint"
	"github.com/FranksOps/snare/internal/metrics"
	"github.com/FranksOps/snare/internal/scan"
	"github.com/FranksOps/snare/internal/scheduler"
	"github.com/FranksOps/snare/internal/scraper"
	"github.com/FranksOps/snare/internal/storage"
	"github.com/FranksOps/snare/internal/storage/postgres"
	"github.com/FranksOps/snare/internal/storage/sqlite"
	"github.com/FranksOps/snare/pkg/proxy"
)

// OpenStore picks the backend from the DSN: postgres:// and postgresql://
// open postgres, anything else is a sqlite path.
func OpenStore(ctx context.Context, dsn string) (storage.Backend, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return postgres.New(ctx, dsn)
	}
	return sqlite.New(ctx, dsn)
}

// App is a fully wired snare process.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Store    storage.Backend
	Pool     *proxy.Pool
	Holder   *fingerprint.Holder
	Browser  *rodbrowser.Browser
	Resolver *captcha.Resolver
	Archive  *archive.Archive
	Engine   *scraper.Engine
	Jobs     *scheduler.Scheduler
	Scans    *scan.Scheduler

	redis     *redis.Client
	ownsStore bool
}

// Option adjusts an App before its components are built.
type Option func(*options)

type options struct {
	store   storage.Backend
	browser captcha.Browser
	engine  scraper.Config
}

// WithStore uses an already open store instead of cfg.Database. The caller
// keeps ownership of it.
func WithStore(s storage.Backend) Option { return func(o *options) { o.store = s } }

// WithBrowser replaces the rod browser used for captcha resolution.
func WithBrowser(b captcha.Browser) Option { return func(o *options) { o.browser = b } }

// WithEngine sets engine fields that are not derived from configuration,
// such as a transport override.
func WithEngine(c scraper.Config) Option { return func(o *options) { o.engine = c } }

// New builds every component. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg, Logger: logger, Store: o.store}
	if a.Store == nil {
		store, err := OpenStore(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("pipeline: open store: %w", err)
		}
		a.Store = store
		a.ownsStore = true
	}

	var cursor proxy.Cursor
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("pipeline: redis %s: %w", cfg.Redis.Addr, err)
		}
		cursor = proxy.NewRedisCursor(a.redis, cfg.Redis.Prefix)
	}
	a.Pool = proxy.NewPool(a.Store, cursor)
	a.Holder = fingerprint.NewHolder(nil)

	browser := o.browser
	if browser == nil {
		a.Browser = rodbrowser.New(rodbrowser.Config{
			Headless: cfg.Browser.Headless,
			BinPath:  cfg.Browser.BinPath,
			ProxyURL: cfg.Browser.ProxyURL,
			Logger:   logger,
		})
		browser = a.Browser
	}
	a.Resolver = captcha.NewResolver(browser,
		captcha.WithLogger(logger),
		captcha.WithNotify(func(n captcha.Notice) {
			logger.Warn("manual captcha solving required", "status", n.Status, "message", n.Message)
		}),
	)

	arc, err := archive.Open(cfg.RawDir)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("pipeline: raw archive: %w", err)
	}
	a.Archive = arc

	ec := o.engine
	ec.Holder = a.Holder
	ec.Pool = a.Pool
	ec.Resolver = a.Resolver
	ec.Archive = a.Archive
	ec.Logger = logger
	engine, err := scraper.NewEngine(ec)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("pipeline: engine: %w", err)
	}
	a.Engine = engine

	a.Jobs = scheduler.New(scheduler.Config{
		Store:        a.Store,
		Fetcher:      a.Engine,
		Holder:       a.Holder,
		Logger:       logger,
		PollInterval: cfg.PollInterval,
	})
	a.Scans = scan.New(scan.Config{
		Store:        a.Store,
		Logger:       logger,
		PollInterval: cfg.ScanPollInterval,
	})
	return a, nil
}

// Run starts the metrics server and both schedulers and blocks until ctx
// is done, then stops them.
func (a *App) Run(ctx context.Context) error {
	var srv *metrics.Server
	if a.Config.MetricsPort > 0 {
		srv = metrics.Start(a.Config.MetricsPort, a.Logger)
		a.Logger.Info("metrics listening", "port", a.Config.MetricsPort)
	}

	if err := a.Jobs.Start(ctx); err != nil {
		return err
	}
	if err := a.Scans.Start(ctx); err != nil {
		a.Jobs.Stop()
		return err
	}
	a.Logger.Info("schedulers started", "database", redactDSN(a.Config.Database))

	<-ctx.Done()
	a.Logger.Info("shutting down")
	a.Jobs.Stop()
	a.Scans.Stop()
	return srv.Stop(context.Background())
}

// Close releases the browser, archive, redis client and the store when it
// was opened by New.
func (a *App) Close() error {
	var errs []error
	if a.Browser != nil {
		errs = append(errs, a.Browser.Close())
	}
	if a.Archive != nil {
		errs = append(errs, a.Archive.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.Store != nil && a.ownsStore {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}

func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	return dsn[:scheme+3] + "***" + dsn[at:]
}
