package observability

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestTracingConfigFromEnvDefaults(t *testing.T) {
	cfg := TracingConfigFromEnv()
	if cfg.Enabled {
		t.Fatalf("tracing enabled without TMC_TRACING_ENABLED")
	}
	if cfg.ServiceName != "tmc" || cfg.Exporter != "stdout" || cfg.SampleRatio != 1 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestTracingConfigFromEnvOverrides(t *testing.T) {
	t.Setenv("TMC_TRACING_ENABLED", "true")
	t.Setenv("TMC_TRACING_EXPORTER", "OTLP")
	t.Setenv("TMC_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("TMC_TRACING_SAMPLE_RATIO", "0.25")

	cfg := TracingConfigFromEnv()
	if !cfg.Enabled || cfg.Exporter != "otlp" || cfg.Endpoint != "collector:4317" || cfg.SampleRatio != 0.25 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

func TestTracingConfigFromEnvClampsRatio(t *testing.T) {
	t.Setenv("TMC_TRACING_SAMPLE_RATIO", "7")
	if got := TracingConfigFromEnv().SampleRatio; got != 1 {
		t.Fatalf("ratio = %v, want 1", got)
	}
}

func TestInitTracingDisabledIsNoop(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{}, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitTracingRejectsUnknownExporter(t *testing.T) {
	if _, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "zipkin"}, nil); err == nil {
		t.Fatal("expected an error for an unknown exporter")
	}
}

func TestStartCommandSpanRecordsDeviceAndCommand(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := StartCommandSpan(context.Background(), "mid-tmc/subarray/01", "Configure", "cmd-7")
	span.End()

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(ended))
	}
	if ended[0].Name() != "mid-tmc/subarray/01/Configure" {
		t.Fatalf("span name = %q", ended[0].Name())
	}
	found := false
	for _, kv := range ended[0].Attributes() {
		if kv.Key == "tmc.command_id" && kv.Value.AsString() == "cmd-7" {
			found = true
		}
	}
	if !found {
		t.Fatalf("command id attribute missing: %v", ended[0].Attributes())
	}
}
