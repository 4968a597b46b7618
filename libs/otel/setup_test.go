package otelx

import (
	"context"
	"testing"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("OTEL_ENABLED", "true")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("OTEL_SAMPLING_RATIO", "2")
	t.Setenv("DEPLOY_ENV", "staging")

	cfg := ConfigFromEnv("booking-service")
	if !cfg.Enabled || cfg.OTLPEndpoint != "collector:4317" || cfg.Environment != "staging" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.SampleRatio != 1 {
		t.Fatalf("out-of-range ratio should fall back to 1, got %v", cfg.SampleRatio)
	}
}

func TestSetupDisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{Enabled: false, ServiceName: "booking-service"})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	tp, ts := TraceContextStrings(context.Background())
	if tp != "" || ts != "" {
		t.Fatalf("expected empty trace context without a span, got %q %q", tp, ts)
	}
}
