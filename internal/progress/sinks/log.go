package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/orderhist-crawler/internal/progress"
)

// LogSink writes each progress event as a structured log entry. Per-order
// events are logged at debug level to keep long crawls readable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.Year > 0 {
			fields = append(fields, zap.Int("year", evt.Year))
		}
		if evt.Page > 0 {
			fields = append(fields, zap.Int("page", evt.Page))
		}
		if evt.Total > 0 {
			fields = append(fields, zap.Int("done", evt.Done), zap.Int("total", evt.Total))
		}
		if evt.OrderNo != "" {
			fields = append(fields, zap.String("order_no", evt.OrderNo))
		}
		if evt.URL != "" {
			fields = append(fields, zap.String("url", evt.URL))
		}
		if evt.ErrorType != "" {
			fields = append(fields, zap.String("error_type", evt.ErrorType))
		}
		if evt.Context != "" {
			fields = append(fields, zap.String("context", evt.Context))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Log(levelFor(evt.Stage), "progress event", fields...)
	}
	return nil
}

func levelFor(stage progress.Stage) zapcore.Level {
	switch stage {
	case progress.StageOrderFetched, progress.StageOrderCached, progress.StageThumbnail:
		return zapcore.DebugLevel
	case progress.StageErrorLogged, progress.StageRunError:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
