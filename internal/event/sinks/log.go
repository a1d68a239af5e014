package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/gridcrawler/internal/event"
)

// LogSink writes each event as a structured log line. Document events log at
// debug level, everything else at info.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("events")}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []event.Event) error {
	for _, evt := range batch {
		level := zapcore.InfoLevel
		switch {
		case evt.Type == event.DocumentProcessedError:
			level = zapcore.WarnLevel
		case evt.Type.IsDocument():
			level = zapcore.DebugLevel
		}
		ce := s.logger.Check(level, string(evt.Type))
		if ce == nil {
			continue
		}
		ce.Write(fields(evt)...)
	}
	return nil
}

func fields(evt event.Event) []zap.Field {
	fs := []zap.Field{
		zap.String("crawler_id", evt.CrawlerID),
		zap.String("node", evt.Node),
		zap.Time("ts", evt.TS),
	}
	if evt.Reference != "" {
		fs = append(fs, zap.String("reference", evt.Reference), zap.Int("depth", evt.Depth))
	}
	if evt.State != "" {
		fs = append(fs, zap.String("state", string(evt.State)))
	}
	if evt.Fetcher != "" {
		fs = append(fs, zap.String("fetcher", evt.Fetcher), zap.Int("status_code", evt.StatusCode))
	}
	if evt.Bytes > 0 {
		fs = append(fs, zap.Int64("bytes", evt.Bytes))
	}
	if evt.Dur > 0 {
		fs = append(fs, zap.Duration("dur", evt.Dur))
	}
	if evt.Count > 0 {
		fs = append(fs, zap.Int("count", evt.Count))
	}
	if evt.Note != "" {
		fs = append(fs, zap.String("note", evt.Note))
	}
	if evt.Err != nil {
		fs = append(fs, zap.Error(evt.Err))
	}
	return fs
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
