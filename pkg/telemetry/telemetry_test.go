package telemetry

import (
	"context"
	"log/slog"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestSetup_TracingDisabled(t *testing.T) {
	cfg := Config{
		ServiceName:    "test-service",
		ServiceVersion: "1.0.0",
		Environment:    "test",
		TracingEnabled: false,
		LogLevel:       "info",
		LogFormat:      "json",
	}

	provider, err := Setup(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	defer provider.Shutdown(context.Background())

	if provider.Logger() == nil {
		t.Error("Logger() returned nil")
	}
	if provider.tracerProvider != nil {
		t.Error("tracerProvider should be nil when tracing is disabled")
	}
}

func TestProvider_Tracer(t *testing.T) {
	cfg := Config{
		ServiceName:    "test-service",
		ServiceVersion: "1.0.0",
		Environment:    "test",
		TracingEnabled: false, // Don't need actual OTLP endpoint for this test
		LogLevel:       "info",
		LogFormat:      "json",
	}

	provider, err := Setup(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	defer provider.Shutdown(context.Background())

	tracer := provider.Tracer("test-tracer")
	if tracer == nil {
		t.Fatal("Tracer() returned nil")
	}
}

func TestProvider_Shutdown(t *testing.T) {
	t.Run("with tracing disabled", func(t *testing.T) {
		cfg := Config{
			ServiceName:    "test-service",
			ServiceVersion: "1.0.0",
			Environment:    "test",
			TracingEnabled: false,
			LogLevel:       "info",
			LogFormat:      "json",
		}

		provider, err := Setup(context.Background(), cfg)
		if err != nil {
			t.Fatalf("Setup() error = %v", err)
		}

		if err := provider.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
	})

	t.Run("nil tracer provider", func(t *testing.T) {
		provider := &Provider{}

		if err := provider.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown() with nil tracerProvider error = %v", err)
		}
	})
}

func TestTraceIDFromContext(t *testing.T) {
	t.Run("empty context", func(t *testing.T) {
		if traceID := TraceIDFromContext(context.Background()); traceID != "" {
			t.Errorf("TraceIDFromContext() = %v, want empty string", traceID)
		}
	})

	t.Run("noop span", func(t *testing.T) {
		ctx := context.Background()
		ctx = trace.ContextWithSpan(ctx, trace.SpanFromContext(ctx))

		if traceID := TraceIDFromContext(ctx); traceID != "" {
			t.Errorf("TraceIDFromContext() = %v, want empty string", traceID)
		}
	})

	t.Run("recording span", func(t *testing.T) {
		tp := sdktrace.NewTracerProvider()
		defer tp.Shutdown(context.Background())

		ctx, span := tp.Tracer("test").Start(context.Background(), "op")
		defer span.End()

		traceID := TraceIDFromContext(ctx)
		if traceID == "" {
			t.Fatal("TraceIDFromContext() = empty for recording span")
		}
		if want := span.SpanContext().TraceID().String(); traceID != want {
			t.Errorf("TraceIDFromContext() = %v, want %v", traceID, want)
		}
	})
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSetupLogger_Formats(t *testing.T) {
	tests := []struct {
		format string
	}{
		{"json"},
		{"text"},
		{"invalid"},
		{""},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			cfg := Config{
				ServiceName:    "test",
				ServiceVersion: "1.0",
				Environment:    "test",
				LogLevel:       "info",
				LogFormat:      tt.format,
			}

			if logger := setupLogger(cfg); logger == nil {
				t.Fatal("setupLogger() returned nil")
			}
		})
	}
}
