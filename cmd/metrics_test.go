package cmd

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/orderhist-crawler/internal/metrics"
)

func scrape(t *testing.T, url string) (string, error) {
	t.Helper()
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body), nil
}

func TestMetricsServerExposesRunCounters(t *testing.T) {
	t.Parallel()

	addr, stop, err := startMetricsServer(context.Background(), "127.0.0.1:0", zap.NewNop())
	require.NoError(t, err)

	metrics.ObserveRetry("thumbnail")
	body, err := scrape(t, "http://"+addr.String()+"/metrics")
	require.NoError(t, err)
	require.Contains(t, body, `orderhist_retries_total{class="thumbnail"}`)

	stop()
	_, err = scrape(t, "http://"+addr.String()+"/metrics")
	require.Error(t, err)
}

func TestMetricsServerOutlivesRunCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	addr, stop, err := startMetricsServer(ctx, "127.0.0.1:0", zap.NewNop())
	require.NoError(t, err)
	defer stop()

	cancel()
	_, err = scrape(t, "http://"+addr.String()+"/metrics")
	require.NoError(t, err)
}

func TestMetricsServerReportsBusyPort(t *testing.T) {
	t.Parallel()

	addr, stop, err := startMetricsServer(context.Background(), "127.0.0.1:0", zap.NewNop())
	require.NoError(t, err)
	defer stop()

	_, _, err = startMetricsServer(context.Background(), addr.String(), zap.NewNop())
	require.ErrorContains(t, err, "metrics listener")
}
