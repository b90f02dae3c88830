// Package otel configures OpenTelemetry tracing for the persistence runtime.
package otel

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/louisbranch/sessionstate/internal/platform/config"
)

const instrumentationName = "github.com/louisbranch/sessionstate"

// ShutdownFunc flushes pending spans and releases the exporter.
type ShutdownFunc func(context.Context) error

// Config selects the trace exporter. Variables are read with the
// SESSIONSTATE_OTEL_ prefix.
type Config struct {
	Endpoint    string  `env:"ENDPOINT"`
	Enabled     bool    `env:"ENABLED" envDefault:"true"`
	SampleRatio float64 `env:"SAMPLE_RATIO" envDefault:"1"`
}

// LoadConfig reads Config from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := config.ParseEnvWithPrefix(&cfg, config.EnvPrefix+"OTEL_"); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) sampler() sdktrace.Sampler {
	switch {
	case c.SampleRatio >= 1:
		return sdktrace.AlwaysSample()
	case c.SampleRatio <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(c.SampleRatio))
	}
}

func noopShutdown(context.Context) error { return nil }

// Setup installs a global tracer provider for serviceName using settings
// from the environment. Tracing stays off until an endpoint is configured.
func Setup(ctx context.Context, serviceName string) (ShutdownFunc, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return noopShutdown, err
	}
	return SetupWithConfig(ctx, serviceName, cfg)
}

// SetupWithConfig is Setup with an explicit Config.
func SetupWithConfig(ctx context.Context, serviceName string, cfg Config) (ShutdownFunc, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if !cfg.Enabled || endpoint == "" {
		return noopShutdown, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	if err != nil {
		return noopShutdown, fmt.Errorf("create otlp exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return noopShutdown, fmt.Errorf("build otel resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(cfg.sampler()),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return provider.Shutdown, nil
}

// Tracer returns the engine tracer for a component scope.
func Tracer(component string) trace.Tracer {
	return otel.Tracer(instrumentationName + "/" + component)
}

// Meter returns the engine meter for a component scope.
func Meter(component string) metric.Meter {
	return otel.Meter(instrumentationName + "/" + component)
}
