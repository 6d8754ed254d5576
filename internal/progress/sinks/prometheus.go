package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/orderhist-crawler/internal/progress"
)

// PrometheusSink exports crawl progress via Prometheus. It owns the collectors
// for runs, orders, pages and the error ledger.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsActive    prometheus.Gauge
	runDuration   *prometheus.HistogramVec

	orders        *prometheus.CounterVec
	orderDuration prometheus.Histogram
	pages         prometheus.Counter
	years         prometheus.Counter
	earlyExits    prometheus.Counter
	errorsLogged  *prometheus.CounterVec
	errorsClosed  *prometheus.CounterVec
	thumbnails    prometheus.Counter

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orderhist_runs_started_total",
			Help: "Crawl and recovery runs started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orderhist_runs_completed_total",
			Help: "Runs completed partitioned by result.",
		}, []string{"result"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orderhist_runs_active",
			Help: "Runs currently in progress.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orderhist_run_duration_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{10, 30, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"result"}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orderhist_orders_total",
			Help: "Orders handled partitioned by outcome (fetched or cached).",
		}, []string{"outcome"}),
		orderDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "orderhist_order_fetch_duration_seconds",
			Help:    "Time to fetch and persist one order detail page.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		}),
		pages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orderhist_pages_completed_total",
			Help: "History list pages marked complete.",
		}),
		years: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orderhist_years_completed_total",
			Help: "Years marked complete.",
		}),
		earlyExits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orderhist_early_exits_total",
			Help: "Year walks stopped after consecutive cache hits.",
		}),
		errorsLogged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orderhist_errors_logged_total",
			Help: "Error ledger writes partitioned by context and type.",
		}, []string{"context", "type"}),
		errorsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orderhist_errors_resolved_total",
			Help: "Error ledger entries resolved partitioned by context.",
		}, []string{"context"}),
		thumbnails: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orderhist_thumbnails_stored_total",
			Help: "Thumbnails validated and written to blob storage.",
		}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted, s.runsCompleted, s.runsActive, s.runDuration,
		s.orders, s.orderDuration, s.pages, s.years, s.earlyExits,
		s.errorsLogged, s.errorsClosed, s.thumbnails,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsActive.Inc()
		}
	case progress.StageRunDone:
		s.finishRun(evt, "success")
	case progress.StageRunError:
		s.finishRun(evt, "error")
	case progress.StageOrderFetched:
		s.orders.WithLabelValues("fetched").Inc()
		if evt.Dur > 0 {
			s.orderDuration.Observe(evt.Dur.Seconds())
		}
	case progress.StageOrderCached:
		s.orders.WithLabelValues("cached").Inc()
	case progress.StagePageDone:
		s.pages.Inc()
	case progress.StageYearDone:
		s.years.Inc()
	case progress.StageEarlyExit:
		s.earlyExits.Inc()
	case progress.StageErrorLogged:
		s.errorsLogged.WithLabelValues(label(evt.Context), label(evt.ErrorType)).Inc()
	case progress.StageErrorResolved:
		s.errorsClosed.WithLabelValues(label(evt.Context)).Inc()
	case progress.StageThumbnail:
		s.thumbnails.Inc()
	}
}

func (s *PrometheusSink) finishRun(evt progress.Event, result string) {
	s.runsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.runDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.RunID) {
		s.runsActive.Dec()
	}
}

func label(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
