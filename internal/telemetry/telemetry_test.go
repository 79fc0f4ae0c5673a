package telemetry

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"tramita/internal/config"
)

func TestInitDisabled(t *testing.T) {
	shutdown, err := Init(context.Background(), config.TelemetryConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSampler(t *testing.T) {
	cases := map[string]string{
		"always_on":                "AlwaysOnSampler",
		"always_off":               "AlwaysOffSampler",
		"traceidratio":             "TraceIDRatioBased",
		"parentbased_traceidratio": "ParentBased",
		"":                         "ParentBased",
	}
	for name, want := range cases {
		got := Sampler(name, "0.5").Description()
		if !strings.Contains(got, want) {
			t.Fatalf("%q: description %q does not mention %s", name, got, want)
		}
	}
}
