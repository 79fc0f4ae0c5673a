// Package telemetry installs the OpenTelemetry tracer provider.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"tramita/internal/config"
)

// Shutdown flushes and stops the exporter.
type Shutdown func(context.Context) error

func noop(context.Context) error { return nil }

// Init exports spans over OTLP/HTTP when telemetry is enabled. Export
// failures never stop the service: the global no-op provider stays in place.
func Init(ctx context.Context, cfg config.TelemetryConfig, logger *slog.Logger) (Shutdown, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	if !cfg.Enabled || os.Getenv("OTEL_SDK_DISABLED") == "true" {
		logger.Info("tracing configured", "enabled", false)
		return noop, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(cfg.ServiceName)),
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}
	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		logger.Error("tracing init failed", "error", err)
		return noop, nil
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(os.Getenv("OTEL_TRACES_SAMPLER"), os.Getenv("OTEL_TRACES_SAMPLER_ARG"))),
	)
	otel.SetTracerProvider(tp)

	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	logger.Info("tracing configured", "enabled", true, "endpoint", endpoint, "service", cfg.ServiceName)
	return tp.Shutdown, nil
}

// Sampler maps the OTEL_TRACES_SAMPLER values to a sampler. Unknown names
// sample everything under the parent's decision.
func Sampler(name, arg string) sdktrace.Sampler {
	ratio := 1.0
	if arg != "" {
		if v, err := strconv.ParseFloat(arg, 64); err == nil {
			ratio = v
		}
	}
	switch name {
	case "always_on":
		return sdktrace.AlwaysSample()
	case "always_off":
		return sdktrace.NeverSample()
	case "traceidratio":
		return sdktrace.TraceIDRatioBased(ratio)
	case "parentbased_always_off":
		return sdktrace.ParentBased(sdktrace.NeverSample())
	case "parentbased_traceidratio":
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	default:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
}
