package sinks

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/orderhist-crawler/internal/progress"
)

func TestConsoleSinkRendersMilestones(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	sink := NewConsoleSink(&buf)
	batch := []progress.Event{
		{Stage: progress.StageYearStart, Year: 2023, Total: 2},
		{Stage: progress.StageOrderFetched, Year: 2023, OrderNo: "1"},
		{Stage: progress.StageOrderCached, Year: 2023, OrderNo: "2"},
		{Stage: progress.StageErrorLogged, ErrorType: "timeout"},
		{Stage: progress.StagePageDone, Year: 2023, Page: 1, Total: 2},
		{Stage: progress.StageYearDone, Year: 2023},
		{Stage: progress.StageRunDone, Dur: 90 * time.Second},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))
	require.Equal(t, "2023: 2 pages\n"+
		"2023: page 1/2 done (fetched 1, cached 1, errors 1)\n"+
		"2023: complete\n"+
		"done in 1m30s: fetched 1, cached 1, errors 1\n", buf.String())
	require.NoError(t, sink.Close(context.Background()))
}

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{Stage: progress.StageOrderCached, Year: 2023, OrderNo: "1"},
		{Stage: progress.StageErrorLogged, Context: "order", ErrorType: "timeout", Note: "deadline"},
		{Stage: progress.StageYearDone, Year: 2023},
	}))

	entries := logs.All()
	require.Len(t, entries, 3)
	require.Equal(t, zapcore.DebugLevel, entries[0].Level)
	require.Equal(t, zapcore.WarnLevel, entries[1].Level)
	require.Equal(t, "timeout", entries[1].ContextMap()["error_type"])
	require.Equal(t, zapcore.InfoLevel, entries[2].Level)
	require.EqualValues(t, 2023, entries[2].ContextMap()["year"])
}
