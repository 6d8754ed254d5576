// Package worker implements the crawl state machine that walks the order
// history year by year and the recovery pass that replays the error ledger.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/orderhist-crawler/internal/clock/system"
	"github.com/JakeFAU/orderhist-crawler/internal/crawler"
	"github.com/JakeFAU/orderhist-crawler/internal/hash/sha256"
	"github.com/JakeFAU/orderhist-crawler/internal/id/uuid"
	"github.com/JakeFAU/orderhist-crawler/internal/logging"
	"github.com/JakeFAU/orderhist-crawler/internal/progress"
)

const (
	defaultEarlyExitThreshold = 5
	defaultThumbnailMinSize   = 10
	thumbnailCacheSize        = 4096

	// Metadata keys written at the end of a successful run.
	metaLastRunID = "last_run_id"

	// Event names attached to published run summaries.
	eventCrawlFinished   = "crawl.finished"
	eventRecoverFinished = "recover.finished"
)

// Deps are the collaborators the Worker drives. Images and Blobs are optional;
// without both, thumbnails are never fetched.
type Deps struct {
	Store     crawler.Store
	Browser   crawler.Browser
	Solver    crawler.ChallengeSolver
	Inspector crawler.PageInspector
	Extractor crawler.Extractor
	Site      crawler.SiteMap
	Images    crawler.ImageFetcher
	Blobs     crawler.BlobStore
	Throttle  crawler.Throttle
	Publisher crawler.Publisher
	Clock     crawler.Clock
	IDs       crawler.IDGenerator
	Hasher    crawler.Hasher
	Events    progress.Emitter
}

// Config controls Worker behavior.
type Config struct {
	Credentials crawler.Credentials
	Retry       crawler.RetryConfig
	// EarlyExitThreshold is the number of consecutive cached orders after
	// which a previously complete year stops being walked. Zero disables it.
	EarlyExitThreshold int
	// Location is the storefront's time zone; it decides the current year.
	Location *time.Location
	// ThumbnailMinSize is the smallest accepted width or height in pixels.
	ThumbnailMinSize int
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		Retry:              crawler.RetryConfig{Budgets: crawler.DefaultBudgets()},
		EarlyExitThreshold: defaultEarlyExitThreshold,
		Location:           time.UTC,
		ThumbnailMinSize:   defaultThumbnailMinSize,
	}
}

// Worker runs crawls and recovery passes against one browser session.
type Worker struct {
	deps   Deps
	cfg    Config
	retry  *crawler.RetryPolicy
	logger *zap.Logger
	// thumbs maps catalog IDs to stored blob URIs so an item bought in many
	// orders is downloaded once per process.
	thumbs *lru.Cache[string, string]
}

// New validates deps and constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Worker, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("worker requires a store")
	case deps.Browser == nil:
		return nil, errors.New("worker requires a browser")
	case deps.Inspector == nil:
		return nil, errors.New("worker requires a page inspector")
	case deps.Extractor == nil:
		return nil, errors.New("worker requires an extractor")
	case deps.Site == nil:
		return nil, errors.New("worker requires a site map")
	}
	if cfg.EarlyExitThreshold < 0 {
		return nil, fmt.Errorf("early exit threshold must be >= 0, got %d", cfg.EarlyExitThreshold)
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.IDs == nil {
		deps.IDs = uuid.New()
	}
	if deps.Hasher == nil {
		deps.Hasher = sha256.New()
	}
	if deps.Events == nil {
		deps.Events = progress.Nop{}
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.ThumbnailMinSize <= 0 {
		cfg.ThumbnailMinSize = defaultThumbnailMinSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	thumbs, err := lru.New[string, string](thumbnailCacheSize)
	if err != nil {
		return nil, fmt.Errorf("thumbnail cache: %w", err)
	}
	return &Worker{
		deps:   deps,
		cfg:    cfg,
		retry:  crawler.NewRetryPolicy(cfg.Retry),
		logger: logger,
		thumbs: thumbs,
	}, nil
}

func (w *Worker) thumbnailsEnabled() bool {
	return w.deps.Images != nil && w.deps.Blobs != nil
}

// run carries the state of one crawl or recovery invocation.
type run struct {
	w       *Worker
	opts    crawler.Options
	id      string
	eventID [16]byte
	logger  *zap.Logger
	summary crawler.RunSummary

	// lastYear is the year of last_modified before this run, 0 when unknown.
	lastYear int
	// wrote is set once the run has changed the store.
	wrote bool
	// debugDone stops the walk after the single order of a debug run.
	debugDone bool
}

func (w *Worker) newRun(opts crawler.Options) (*run, error) {
	id, err := w.deps.IDs.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}
	eventID, err := progress.ParseRunID(id)
	if err != nil {
		return nil, err
	}
	return &run{
		w:       w,
		opts:    opts,
		id:      id,
		eventID: eventID,
		logger:  logging.ForRun(w.logger, id),
		summary: crawler.RunSummary{RunID: id, StartedAt: w.deps.Clock.Now()},
	}, nil
}

func (r *run) emit(evt progress.Event) {
	evt.RunID = r.eventID
	evt.TS = r.w.deps.Clock.Now().UTC()
	r.w.deps.Events.Emit(evt)
}

// halt reports whether err must end the run instead of being logged.
func halt(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if ctx.Err() != nil {
		return true
	}
	switch crawler.Classify(err) {
	case crawler.OutcomeFatal, crawler.OutcomeCanceled:
		return true
	default:
		return false
	}
}

// storeErr marks a failed store write as fatal. Writes cut short by
// cancellation stay cancellations.
func storeErr(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %w", crawler.ErrStorage, err)
}

// commitCtx detaches the write that finishes the current unit of work from
// run cancellation, so an interrupt lands between units and never inside one.
func commitCtx(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// summaryMessage is the payload published when a run finishes.
type summaryMessage struct {
	RunID          string    `json:"run_id"`
	Kind           string    `json:"kind"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	Years          int       `json:"years,omitempty"`
	PagesWalked    int       `json:"pages_walked,omitempty"`
	OrdersFetched  int       `json:"orders_fetched,omitempty"`
	OrdersCached   int       `json:"orders_cached,omitempty"`
	RecordsWritten int       `json:"records_written,omitempty"`
	ErrorsLogged   int       `json:"errors_logged"`
	Resolved       int       `json:"resolved,omitempty"`
	Failed         int       `json:"failed,omitempty"`
	Interrupted    bool      `json:"interrupted"`
	Error          string    `json:"error,omitempty"`
}

func (r *run) publish(ctx context.Context, event string, runErr error) {
	if r.w.deps.Publisher == nil {
		return
	}
	s := r.summary
	msg := summaryMessage{
		RunID:          s.RunID,
		Kind:           event,
		StartedAt:      s.StartedAt.UTC(),
		FinishedAt:     s.FinishedAt.UTC(),
		Years:          s.Years,
		PagesWalked:    s.PagesWalked,
		OrdersFetched:  s.OrdersFetched,
		OrdersCached:   s.OrdersCached,
		RecordsWritten: s.RecordsWritten,
		ErrorsLogged:   s.ErrorsLogged,
		Resolved:       s.Resolved,
		Failed:         s.Failed,
		Interrupted:    s.Interrupted,
	}
	if runErr != nil {
		msg.Error = runErr.Error()
	}
	// The run context may already be cancelled; the notice still goes out.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, err := r.w.deps.Publisher.Publish(pubCtx, event, msg); err != nil {
		r.logger.Warn("publish run summary failed", zap.String("event", event), zap.Error(err))
	}
}

// finish stamps the summary, persists run metadata and reports the outcome.
func (r *run) finish(ctx context.Context, event string, runErr error) (crawler.RunSummary, error) {
	r.summary.FinishedAt = r.w.deps.Clock.Now()
	if ctx.Err() != nil {
		r.summary.Interrupted = true
	}
	if runErr == nil && r.wrote && !r.opts.Debug {
		if err := r.markModified(ctx); err != nil {
			runErr = err
		}
	}

	fields := []zap.Field{
		zap.Int("years", r.summary.Years),
		zap.Int("pages", r.summary.PagesWalked),
		zap.Int("fetched", r.summary.OrdersFetched),
		zap.Int("cached", r.summary.OrdersCached),
		zap.Int("records", r.summary.RecordsWritten),
		zap.Int("errors", r.summary.ErrorsLogged),
		zap.Int("resolved", r.summary.Resolved),
		zap.Int("failed", r.summary.Failed),
		zap.Duration("elapsed", r.summary.FinishedAt.Sub(r.summary.StartedAt)),
	}
	switch {
	case runErr == nil:
		r.logger.Info("run finished", fields...)
		r.emit(progress.Event{Stage: progress.StageRunDone, Dur: r.summary.FinishedAt.Sub(r.summary.StartedAt)})
	case r.summary.Interrupted:
		r.logger.Warn("run interrupted", append(fields, zap.Error(runErr))...)
		r.emit(progress.Event{Stage: progress.StageRunError, Note: "interrupted"})
	default:
		r.logger.Error("run failed", append(fields, zap.Error(runErr))...)
		r.emit(progress.Event{Stage: progress.StageRunError, Note: runErr.Error()})
	}
	r.publish(ctx, event, runErr)

	if runErr != nil {
		return r.summary, fmt.Errorf("run %s: %w", r.id, runErr)
	}
	return r.summary, nil
}

func (r *run) markModified(ctx context.Context) error {
	store := r.w.deps.Store
	ctx = commitCtx(ctx)
	if err := store.SetLastModified(ctx, r.w.deps.Clock.Now()); err != nil {
		return storeErr(err)
	}
	if err := store.SetMeta(ctx, metaLastRunID, r.id); err != nil {
		return storeErr(err)
	}
	return nil
}
