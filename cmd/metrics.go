package cmd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/orderhist-crawler/internal/app"
	"github.com/JakeFAU/orderhist-crawler/internal/metrics"
)

// startMetricsServer binds addr and serves /metrics until stop is called.
func startMetricsServer(ctx context.Context, addr string, logger *zap.Logger) (net.Addr, func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("metrics listener: %w", err)
	}
	metrics.Init()
	router := chi.NewRouter()
	router.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Handler: router, ReadHeaderTimeout: 5 * time.Second}

	// The listener outlives run cancellation until the run has returned.
	serveCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan error, 1)
	go func() { done <- serveListener(serveCtx, srv, ln, logger) }()

	stop := func() {
		cancel()
		if err := <-done; err != nil {
			logger.Warn("metrics server stopped with error", zap.Error(err))
		}
	}
	return ln.Addr(), stop, nil
}

// runMetrics exposes the process metrics of a crawl or recovery on
// server.metrics_port. A port that cannot be bound is logged and the run goes
// on without it.
func runMetrics(ctx context.Context, appInstance *app.App) func() {
	port := appInstance.Config().Server.MetricsPort
	if port == 0 {
		return func() {}
	}
	logger := appInstance.Logger().Named("metrics")
	addr, stop, err := startMetricsServer(ctx, fmt.Sprintf(":%d", port), logger)
	if err != nil {
		logger.Warn("metrics disabled for this run", zap.Error(err))
		return func() {}
	}
	logger.Info("serving run metrics", zap.String("addr", addr.String()))
	return stop
}
