package tracing

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInit_RecordsSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	shutdown, err := Init(Config{ServiceName: "fletch-test", SampleRate: 1}, sdktrace.WithSpanProcessor(rec))
	require.NoError(t, err)
	defer func() { _ = shutdown(context.Background()) }()

	ctx, span := Start(context.Background(), "coordinator.search", attribute.Int("k", 5))
	assert.NotEmpty(t, TraceID(ctx))
	span.SetAttributes(attribute.Int("shards", 4))
	span.End(errors.New("shard 2 timed out"))

	_, ok := Start(context.Background(), "coordinator.add")
	ok.End(nil)

	ended := rec.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "coordinator.search", ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Contains(t, ended[0].Attributes(), attribute.Int("k", 5))
	assert.Equal(t, codes.Unset, ended[1].Status().Code)
}

func TestInit_StdoutExporter(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Init(Config{SampleRate: 1, Stdout: true, Output: &buf})
	require.NoError(t, err)

	_, span := Start(context.Background(), "coordinator.save_all")
	span.End(nil)
	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "coordinator.save_all")
}

func TestInit_InvalidSampleRate(t *testing.T) {
	_, err := Init(Config{SampleRate: 2})
	assert.Error(t, err)
}

func TestNilSpan(t *testing.T) {
	var s *Span
	s.SetAttributes(attribute.Bool("x", true))
	s.End(errors.New("ignored"))
	assert.Empty(t, TraceID(context.Background()))
}
