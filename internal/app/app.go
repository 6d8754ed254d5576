// Package app builds the long-lived services a command needs from
// configuration, acting as the dependency injection container of the CLI.
package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/orderhist-crawler/internal/challenge"
	"github.com/JakeFAU/orderhist-crawler/internal/clock/system"
	"github.com/JakeFAU/orderhist-crawler/internal/config"
	"github.com/JakeFAU/orderhist-crawler/internal/crawler"
	"github.com/JakeFAU/orderhist-crawler/internal/extract"
	collyfetcher "github.com/JakeFAU/orderhist-crawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/orderhist-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/orderhist-crawler/internal/headless/detector"
	"github.com/JakeFAU/orderhist-crawler/internal/id/uuid"
	"github.com/JakeFAU/orderhist-crawler/internal/metrics"
	"github.com/JakeFAU/orderhist-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/orderhist-crawler/internal/progress"
	"github.com/JakeFAU/orderhist-crawler/internal/progress/sinks"
	pubsubpublisher "github.com/JakeFAU/orderhist-crawler/internal/publisher/pubsub"
	gcsstorage "github.com/JakeFAU/orderhist-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/orderhist-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/orderhist-crawler/internal/storage/memory"
	"github.com/JakeFAU/orderhist-crawler/internal/storage/postgres"
	"github.com/JakeFAU/orderhist-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/orderhist-crawler/internal/worker"
)

const hubCloseTimeout = 5 * time.Second

// Params configures New.
type Params struct {
	Config config.Config
	Logger *zap.Logger
	// ReadOnly opens the store without migrating it; used by commands that
	// only read.
	ReadOnly bool
	// In and Out carry the challenge prompt. They default to stdin and stderr.
	In  io.Reader
	Out io.Writer
	// Registerer receives the progress collectors; nil uses the default registry.
	Registerer prometheus.Registerer
}

// App holds the shared, long-lived services of one command invocation.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	store      *sqlite.Store
	clock      *system.Clock
	in         io.Reader
	out        io.Writer
	registerer prometheus.Registerer

	closers []func()
}

// New opens the store and prepares an App. Browser-backed services are only
// built on demand by NewWorker.
func New(ctx context.Context, p Params) (*App, error) {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	in, out := p.In, p.Out
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stderr
	}
	clock := system.NewIn(p.Config.Location())
	store, err := sqlite.Open(ctx, sqlite.Config{
		Path:        p.Config.Store.Path,
		ReadOnly:    p.ReadOnly,
		BusyTimeout: time.Duration(p.Config.Store.BusyTimeoutMs) * time.Millisecond,
		Clock:       clock,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	metrics.Init()
	logger.Debug("store opened", zap.String("path", p.Config.Store.Path), zap.Bool("read_only", p.ReadOnly))

	a := &App{
		cfg:        p.Config,
		logger:     logger,
		store:      store,
		clock:      clock,
		in:         in,
		out:        out,
		registerer: p.Registerer,
	}
	a.onClose(func() {
		if err := store.Close(); err != nil {
			logger.Warn("close store failed", zap.Error(err))
		}
	})
	return a, nil
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Store returns the order store.
func (a *App) Store() *sqlite.Store { return a.store }

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// NewWorker starts the browser and wires every crawl collaborator.
func (a *App) NewWorker(ctx context.Context) (*worker.Worker, error) {
	cfg := a.cfg
	if err := cfg.ValidateLogin(); err != nil {
		return nil, err
	}
	site, err := extract.NewSite(cfg.Site.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("site: %w", err)
	}
	solver, err := challenge.NewPrompt(cfg.Challenge.ImagePath, a.in, a.out, a.logger.Named("challenge"))
	if err != nil {
		return nil, err
	}

	browser, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		ExecPath:          cfg.Headless.ExecPath,
		UserDataDir:       cfg.Headless.UserDataDir,
		Headless:          cfg.Headless.Headless,
		UserAgent:         cfg.Headless.UserAgent,
		NavigationTimeout: cfg.NavTimeout(),
		Logger:            a.logger.Named("browser"),
	})
	if err != nil {
		return nil, fmt.Errorf("start browser: %w", err)
	}
	a.onClose(browser.Close)

	deps := worker.Deps{
		Store:     a.store,
		Browser:   browser,
		Solver:    solver,
		Inspector: detector.NewHeuristic(0),
		Extractor: extract.NewParser(cfg.Location()),
		Site:      site,
		Throttle: ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.Crawler.NavigationQPS,
			DefaultBurst: cfg.Crawler.NavigationBurst,
		}),
		Clock: a.clock,
		IDs:   uuid.New(),
	}

	if cfg.Thumbnails.Enabled {
		blobs, err := a.newBlobStore(ctx)
		if err != nil {
			return nil, err
		}
		deps.Blobs = blobs
		deps.Images = collyfetcher.New(collyfetcher.Config{
			UserAgent: cfg.Headless.UserAgent,
			Referer:   site.HistoryURL(),
			Timeout:   time.Duration(cfg.Thumbnails.TimeoutSeconds) * time.Second,
		})
	}

	publisher, err := a.newPublisher(ctx)
	if err != nil {
		return nil, err
	}
	if publisher != nil {
		deps.Publisher = publisher
	}

	hub, err := a.newHub()
	if err != nil {
		return nil, err
	}
	deps.Events = hub

	return worker.New(deps, worker.Config{
		Credentials:        crawler.Credentials{User: cfg.Login.User, Password: cfg.Login.Password},
		Retry:              cfg.RetryPolicyConfig(),
		EarlyExitThreshold: cfg.Crawler.EarlyExitThreshold,
		Location:           cfg.Location(),
		ThumbnailMinSize:   cfg.Thumbnails.MinSize,
	}, a.logger.Named("worker"))
}

// NewExporter connects the Postgres reporting export.
func (a *App) NewExporter(ctx context.Context) (*postgres.RecordExporter, error) {
	exporter, err := postgres.NewRecordExporter(ctx, postgres.ExporterConfig{
		DSN:   a.cfg.Export.DSN,
		Table: a.cfg.Export.Table,
	})
	if err != nil {
		return nil, err
	}
	a.onClose(exporter.Close)
	return exporter, nil
}

func (a *App) newBlobStore(ctx context.Context) (crawler.BlobStore, error) {
	tc := a.cfg.Thumbnails
	switch tc.Backend {
	case config.BackendLocal:
		return localstorage.New(localstorage.Config{BaseDir: tc.Dir})
	case config.BackendGCS:
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		a.onClose(func() {
			if err := client.Close(); err != nil {
				a.logger.Warn("close storage client failed", zap.Error(err))
			}
		})
		return gcsstorage.New(client, gcsstorage.Config{Bucket: tc.Bucket, Prefix: tc.Prefix})
	case config.BackendMemory:
		return memorystorage.NewBlobStore(), nil
	default:
		return nil, fmt.Errorf("unknown thumbnail backend %q", tc.Backend)
	}
}

// newPublisher returns nil when no topic is configured.
func (a *App) newPublisher(ctx context.Context) (crawler.Publisher, error) {
	ps := a.cfg.PubSub
	if ps.TopicName == "" {
		return nil, nil
	}
	client, err := gpubsub.NewClient(ctx, ps.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	publisher := pubsubpublisher.New(client.Topic(ps.TopicName))
	a.onClose(func() {
		publisher.Close()
		if err := client.Close(); err != nil {
			a.logger.Warn("close pubsub client failed", zap.Error(err))
		}
	})
	return publisher, nil
}

func (a *App) newHub() (*progress.Hub, error) {
	prom, err := sinks.NewPrometheusSink(a.registerer)
	if err != nil {
		return nil, fmt.Errorf("progress metrics: %w", err)
	}
	hub := progress.NewHub(progress.Config{Logger: a.logger.Named("hub")},
		sinks.NewLogSink(a.logger.Named("progress")),
		sinks.NewConsoleSink(a.out),
		prom,
	)
	a.onClose(func() {
		ctx, cancel := context.WithTimeout(context.Background(), hubCloseTimeout)
		defer cancel()
		if err := hub.Close(ctx); err != nil {
			a.logger.Warn("close progress hub failed", zap.Error(err))
		}
	})
	return hub, nil
}

func (a *App) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// Close releases services in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
