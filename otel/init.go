// Package otel wires OpenTelemetry tracing for the arcflow server:
// OTLP HTTP export, resource attributes and sampling from the
// environment, and baggage helpers for correlating flow activity.
package otel

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"

	"arcflow.dev/common"
)

// Config holds tracing configuration.
type Config struct {
	ServiceName string
	Version     string
	Environment string

	// OTLPEndpoint receives spans over OTLP HTTP. Defaults to the
	// collector's local listener.
	OTLPEndpoint string

	// SamplingRatio in [0,1]; 1 traces everything.
	SamplingRatio float64
}

// Provider wraps the tracer provider for shutdown.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// Init initializes tracing from the environment. Returns nil when
// tracing is disabled or the exporter cannot be built; the server runs
// fine without it.
//
// Environment variables:
//   - OTEL_ENABLED: set to "false" to disable
//   - OTEL_EXPORTER_OTLP_ENDPOINT: collector endpoint (default http://localhost:4318)
//   - OTEL_SERVICE_NAME: overrides the service name
//   - OTEL_SAMPLING_RATIO: 0.0-1.0 (default 1.0)
//   - OTEL_ENVIRONMENT: deployment environment (default development)
func Init(serviceName, version string) *Provider {
	log := common.Component("otel")

	if os.Getenv("OTEL_ENABLED") == "false" {
		log.Info("tracing disabled via OTEL_ENABLED")
		return nil
	}

	cfg := Config{
		ServiceName:   serviceName,
		Version:       version,
		Environment:   "development",
		OTLPEndpoint:  "http://localhost:4318",
		SamplingRatio: 1.0,
	}
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		cfg.OTLPEndpoint = endpoint
	}
	if name := os.Getenv("OTEL_SERVICE_NAME"); name != "" {
		cfg.ServiceName = name
	}
	if env := os.Getenv("OTEL_ENVIRONMENT"); env != "" {
		cfg.Environment = env
	}
	if ratio := os.Getenv("OTEL_SAMPLING_RATIO"); ratio != "" {
		if _, err := fmt.Sscanf(ratio, "%f", &cfg.SamplingRatio); err != nil {
			log.WithField("ratio", ratio).Warn("invalid OTEL_SAMPLING_RATIO, using 1.0")
			cfg.SamplingRatio = 1.0
		}
	}

	provider, err := NewProvider(cfg)
	if err != nil {
		log.WithError(err).Warn("tracing initialization failed")
		return nil
	}
	log.WithField("endpoint", cfg.OTLPEndpoint).Info("tracing initialized")
	return provider
}

// NewProvider builds and installs a tracer provider.
func NewProvider(cfg Config) (*Provider, error) {
	ctx := context.Background()

	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(
		otlptracehttp.WithEndpoint(stripProtocol(cfg.OTLPEndpoint)),
		otlptracehttp.WithInsecure(),
	))
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.Version),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
		resource.WithProcess(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("resource: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SamplingRatio >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SamplingRatio <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SamplingRatio)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{tp: tp}, nil
}

// Shutdown flushes pending spans, bounded to five seconds.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.tp.Shutdown(shutdownCtx)
}

func stripProtocol(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "http://")
	return strings.TrimPrefix(endpoint, "https://")
}
