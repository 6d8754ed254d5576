package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/orderhist-crawler/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms follow the event stream.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	runID := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	batch := []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageRunStart},
		{RunID: runID, TS: now, Stage: progress.StageOrderFetched, Year: 2023, OrderNo: "1", Dur: 2 * time.Second},
		{RunID: runID, TS: now, Stage: progress.StageOrderCached, Year: 2023, OrderNo: "2"},
		{RunID: runID, TS: now, Stage: progress.StageOrderCached, Year: 2023, OrderNo: "3"},
		{RunID: runID, TS: now, Stage: progress.StagePageDone, Year: 2023, Page: 1},
		{RunID: runID, TS: now, Stage: progress.StageErrorLogged, Context: "order", ErrorType: "timeout"},
		{RunID: runID, TS: now, Stage: progress.StageErrorResolved, Context: "order"},
		{RunID: runID, TS: now, Stage: progress.StageThumbnail, URL: "https://img.example/1.jpg"},
		{RunID: runID, TS: now, Stage: progress.StageYearDone, Year: 2023},
		{RunID: runID, TS: now, Stage: progress.StageRunDone, Dur: time.Minute},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("success")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsActive))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.orders.WithLabelValues("fetched")))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.orders.WithLabelValues("cached")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.pages))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.years))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.errorsLogged.WithLabelValues("order", "timeout")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.errorsClosed.WithLabelValues("order")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.thumbnails))
	require.Equal(t, 1, testutil.CollectAndCount(sink.orderDuration, "orderhist_order_fetch_duration_seconds"))
}

// TestPrometheusSinkDuplicateRegistration surfaces registry conflicts.
func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
