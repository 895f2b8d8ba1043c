// Package otel provides OpenTelemetry tracer provider initialization and management.
package otel

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mrzor/exec-logger/internal/config"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.uber.org/zap"
)

// TracerName is the instrumentation scope of every exported span.
const TracerName = "github.com/mrzor/exec-logger"

// logProxy reports the proxy settings the HTTP exporter will pick up.
func logProxy(logger *zap.Logger) {
	httpProxy := os.Getenv("HTTP_PROXY")
	if httpProxy == "" {
		httpProxy = os.Getenv("http_proxy")
	}
	httpsProxy := os.Getenv("HTTPS_PROXY")
	if httpsProxy == "" {
		httpsProxy = os.Getenv("https_proxy")
	}

	if httpProxy != "" || httpsProxy != "" {
		logger.Info("proxy configured", zap.String("http_proxy", httpProxy), zap.String("https_proxy", httpsProxy))
	} else {
		logger.Debug("no proxy configured")
	}
}

// InitProvider initializes the OpenTelemetry tracer provider exporting over OTLP/HTTP.
//
// Note: the HTTP client honors HTTP_PROXY, HTTPS_PROXY and NO_PROXY through
// Go's standard net/http transport.
func InitProvider(ctx context.Context, cfg *config.OTELConfig, version string, logger *zap.Logger) (*sdktrace.TracerProvider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	endpoint := cfg.GetEndpoint()

	logger.Info("OTEL configuration",
		zap.String("service_name", cfg.ServiceName),
		zap.String("endpoint", endpoint),
		zap.String("exporter_endpoint", cfg.ExporterEndpoint),
		zap.String("traces_endpoint", cfg.TracesEndpoint),
		zap.String("resource_attributes", cfg.ResourceAttributes),
		zap.Bool("insecure", cfg.Insecure),
	)
	logProxy(logger)

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithTimeout(10 * time.Second),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	resourceAttrs := []resource.Option{
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(version),
		),
		resource.WithHost(),
	}

	if customAttrs := cfg.ParseResourceAttributes(); len(customAttrs) > 0 {
		resourceAttrs = append(resourceAttrs, resource.WithAttributes(customAttrs...))
	}

	res, err := resource.New(ctx, resourceAttrs...)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	return tp, nil
}

// ShutdownProvider gracefully shuts down the tracer provider, flushing any remaining spans.
func ShutdownProvider(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}

	if err := tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}

	return nil
}
