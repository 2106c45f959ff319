package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func newLogOnlyClient(t *testing.T, level string) (*Client, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	client, err := New(context.Background(), "trlink-test", "test",
		WithLogLevel(level),
		WithLogWriter(buf),
		WithMetricsDisabled(),
		WithTracesDisabled(),
	)
	require.NoError(t, err)
	return client, buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	dec := json.NewDecoder(buf)
	for dec.More() {
		var line map[string]any
		require.NoError(t, dec.Decode(&line))
		out = append(out, line)
	}
	return out
}

func TestLogsIncludeContextAndCallAttributes(t *testing.T) {
	client, buf := newLogOnlyClient(t, "INFO")

	ctx := AppendCommonAttrs(context.Background(), attribute.String("trlink.instance_id", "abc"))
	ctx = AppendEventAttrs(ctx, attribute.Int64("trlink.subscription_id", 7))

	client.Warn(ctx, "Frame dropped", attribute.String("trlink.topic", "ticker"))
	client.Error(ctx, "Decode failed", errors.New("boom"))

	lines := decodeLines(t, buf)
	require.Len(t, lines, 2)

	assert.Equal(t, "Frame dropped", lines[0]["msg"])
	assert.Equal(t, "WARN", lines[0]["level"])
	assert.Equal(t, "abc", lines[0]["trlink.instance_id"])
	assert.EqualValues(t, 7, lines[0]["trlink.subscription_id"])
	assert.Equal(t, "ticker", lines[0]["trlink.topic"])
	assert.Equal(t, "trlink-test", lines[0]["service.name"])

	assert.Equal(t, "boom", lines[1]["error"])
}

func TestLogLevelFiltersDebug(t *testing.T) {
	client, buf := newLogOnlyClient(t, "info")
	client.Debug(context.Background(), "hidden")
	assert.Empty(t, decodeLines(t, buf))

	client, buf = newLogOnlyClient(t, "DEBUG")
	client.Debug(context.Background(), "shown")
	assert.Len(t, decodeLines(t, buf), 1)
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"DEBUG":   slog.LevelDebug,
		" warn ":  slog.LevelWarn,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in), in)
	}
}

func TestNoopClientIsUsable(t *testing.T) {
	client := NewNoop()
	ctx := context.Background()

	client.Info(ctx, "nothing")
	client.RecordCounter(ctx, "trlink.test", 1)
	client.HTTPMetrics().RecordHTTPRequest(ctx, "GET", "/auth/session", 200)
	client.ProtocolMetrics().RecordFrameReceived(ctx, "D")

	spanCtx, span := client.StartSpan(ctx, "noop")
	span.End()
	assert.Equal(t, ctx, spanCtx)
	assert.Empty(t, GetTraceID(spanCtx))
	assert.NoError(t, client.Shutdown(ctx))
}

func TestCountersAreCached(t *testing.T) {
	client := NewNoop()
	_, err := client.GetOrCreateCounter("trlink.cached", "")
	require.NoError(t, err)
	before := len(client.counters)

	_, err = client.GetOrCreateCounter("trlink.cached", "")
	require.NoError(t, err)
	assert.Equal(t, before, len(client.counters))
}

func TestAppendAttrsDoesNotShareBackingArray(t *testing.T) {
	base := AppendCommonAttrs(context.Background(), attribute.String("a", "1"))
	left := AppendCommonAttrs(base, attribute.String("b", "2"))
	right := AppendCommonAttrs(base, attribute.String("c", "3"))

	assert.Len(t, GetCommonAttrs(base), 1)
	assert.Equal(t, "b", string(GetCommonAttrs(left)[1].Key))
	assert.Equal(t, "c", string(GetCommonAttrs(right)[1].Key))
}
