package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/gridcrawler/internal/event"
)

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	sink := NewLogSink(zap.New(core))
	now := time.Now()
	require.NoError(t, sink.Consume(context.Background(), []event.Event{
		{Type: event.CrawlerRunBegin, CrawlerID: "c1", TS: now},
		{Type: event.DocumentQueued, CrawlerID: "c1", TS: now, Reference: "https://ex.com/"},
		{Type: event.DocumentProcessedError, CrawlerID: "c1", TS: now, Reference: "https://ex.com/x", Err: errors.New("boom")},
	}))

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, string(event.CrawlerRunBegin), entries[0].Message)
	require.Equal(t, zapcore.WarnLevel, entries[1].Level)
	require.Equal(t, "https://ex.com/x", entries[1].ContextMap()["reference"])
	require.NoError(t, sink.Close(context.Background()))
}
