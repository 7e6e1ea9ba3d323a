package telemetry_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/jensholdgaard/auctiond/internal/config"
	"github.com/jensholdgaard/auctiond/internal/telemetry"
)

func TestNewNopProvider(t *testing.T) {
	p := telemetry.NewNopProvider()

	if p.TracerProvider == nil || p.MeterProvider == nil || p.LoggerProvider == nil || p.Logger == nil {
		t.Fatalf("nop provider has nil members: %+v", p)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func TestSetup_LocalWithoutEndpoint(t *testing.T) {
	cfg := config.Default().Telemetry
	cfg.LogLevel = "debug"

	p, err := telemetry.Setup(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	if !p.Logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug level not enabled")
	}
}

func TestSetup_BadLogLevel(t *testing.T) {
	cfg := config.Default().Telemetry
	cfg.LogLevel = "chatty"
	if _, err := telemetry.Setup(context.Background(), cfg); err == nil {
		t.Fatal("expected error for unknown log level")
	}
}

func TestJSONLogger_StampsTraceIDs(t *testing.T) {
	p := telemetry.NewNopProvider()
	ctx, span := p.TracerProvider.Tracer("test").Start(context.Background(), "test-span")
	defer span.End()

	var buf bytes.Buffer
	telemetry.NewJSONLogger(&buf, slog.LevelInfo).With(slog.String("component", "test")).InfoContext(ctx, "hello")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decoding log line %q: %v", buf.String(), err)
	}
	if rec["trace_id"] != span.SpanContext().TraceID().String() {
		t.Errorf("trace_id = %v, want %s", rec["trace_id"], span.SpanContext().TraceID())
	}
	if rec["component"] != "test" {
		t.Errorf("component = %v, want test", rec["component"])
	}
}

func TestLogWithTrace(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	if got := telemetry.LogWithTrace(context.Background(), logger); got != logger {
		t.Error("LogWithTrace() without a span should return the same logger")
	}

	p := telemetry.NewNopProvider()
	ctx, span := p.TracerProvider.Tracer("test").Start(context.Background(), "test-span")
	defer span.End()
	if got := telemetry.LogWithTrace(ctx, logger); got == logger {
		t.Error("LogWithTrace() with a recording span should enrich the logger")
	}
}
