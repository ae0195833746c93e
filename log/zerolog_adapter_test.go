package log_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.pilab.hu/ssoengine/log"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		entry := map[string]any{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		out = append(out, entry)
	}
	return out
}

func TestZerologAdapter_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := log.NewZerologAdapterWithWriter(&buf, zerolog.InfoLevel).With(log.Fields{"component": "token"})
	ctx := context.Background()

	logger.Debug(ctx, "dropped")
	logger.Info(ctx, "Token issued", log.Fields{"client_id": "web"})
	logger.Error(ctx, "Store failed", errors.New("boom"), log.Fields{"handle": log.Redact("abcdefghij")})

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, "Token issued", lines[0]["message"])
	assert.Equal(t, "web", lines[0]["client_id"])
	assert.Equal(t, "token", lines[0]["component"])
	assert.NotContains(t, lines[0], "trace_id")

	assert.Equal(t, "error", lines[1]["level"])
	assert.Equal(t, "boom", lines[1]["error"])
	assert.Equal(t, "abcdef***", lines[1]["handle"])
}

func TestZerologAdapter_TraceIDs(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	var buf bytes.Buffer
	log.NewZerologAdapterWithWriter(&buf, zerolog.DebugLevel).Warn(ctx, "Reuse detected")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, span.SpanContext().TraceID().String(), lines[0]["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), lines[0]["span_id"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, log.ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, log.ParseLevel(" warn "))
	assert.Equal(t, zerolog.InfoLevel, log.ParseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, log.ParseLevel("verbose"))
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "***", log.Redact("short"))
	assert.Equal(t, "abcdef***", log.Redact("abcdefghijkl"))
}

func TestNop(t *testing.T) {
	logger := log.NewNop()
	logger.Info(context.Background(), "ignored")
	assert.NotNil(t, logger.With(log.Fields{"a": 1}))
}
