// Package tracing sets up the OpenTelemetry tracer provider used for node
// execution spans.
package tracing

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.uber.org/zap"
)

// Environment variables read by ConfigFromEnv.
const (
	EnvOTLPEndpoint = "DAEDALUS_OTLP_ENDPOINT"
	EnvEnvironment  = "DAEDALUS_ENVIRONMENT"
	EnvSampleRatio  = "DAEDALUS_TRACE_SAMPLE_RATIO"
)

// TracingConfig holds configuration for tracing setup
type TracingConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // host:port, the exporter adds the path
	SampleRatio    float64
}

// DefaultConfig returns a configuration exporting every trace to a local
// OTLP/HTTP collector.
func DefaultConfig(serviceName string) TracingConfig {
	return TracingConfig{
		ServiceName:    serviceName,
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "127.0.0.1:4318",
		SampleRatio:    1.0,
	}
}

// ConfigFromEnv starts from DefaultConfig and applies the DAEDALUS_*
// overrides. Invalid sample ratios are ignored.
func ConfigFromEnv(serviceName string) TracingConfig {
	cfg := DefaultConfig(serviceName)
	if v := os.Getenv(EnvOTLPEndpoint); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := os.Getenv(EnvEnvironment); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv(EnvSampleRatio); v != "" {
		if r, err := strconv.ParseFloat(v, 64); err == nil && r >= 0 && r <= 1 {
			cfg.SampleRatio = r
		}
	}
	return cfg
}

// SetupTracing installs a global tracer provider exporting over OTLP/HTTP.
// The returned provider's Shutdown must be called when the program exits.
func SetupTracing(ctx context.Context, config TracingConfig, logger *zap.Logger) (*sdktrace.TracerProvider, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if config.ServiceName == "" {
		return nil, fmt.Errorf("service name is required")
	}

	logger.Info("Setting up tracing",
		zap.String("service_name", config.ServiceName),
		zap.String("otlp_endpoint", config.OTLPEndpoint),
		zap.String("environment", config.Environment),
		zap.Float64("sample_ratio", config.SampleRatio))

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(config.OTLPEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tp, nil
}

// Shutdown flushes pending spans, waiting at most 10 seconds.
func Shutdown(tp *sdktrace.TracerProvider, logger *zap.Logger) error {
	if tp == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := tp.Shutdown(ctx); err != nil {
		if logger != nil {
			logger.Error("Failed to shutdown tracing", zap.Error(err))
		}
		return err
	}
	return nil
}
