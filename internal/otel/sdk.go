// Package otel installs the OpenTelemetry SDK for the treewatch command: OTLP/HTTP trace and
// log exporters, the W3C propagators and an HTTP tracing middleware.
package otel

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otellog "go.opentelemetry.io/otel/log"
	logglobal "go.opentelemetry.io/otel/log/global"
	lognoop "go.opentelemetry.io/otel/log/noop"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const (
	defaultServiceName  = "treewatch"
	defaultHTTPEndpoint = "127.0.0.1:4318"
	envPrefix           = "TREEWATCH_OTEL_"
)

// SDKOptions configures the OpenTelemetry SDK exporters and resources.
type SDKOptions struct {
	Enabled            bool
	HTTPEndpoint       string
	ServiceName        string
	ServiceVersion     string
	ResourceAttributes map[string]string
}

// SDKOptionsFromEnv reads TREEWATCH_OTEL_ENABLED, TREEWATCH_OTEL_HTTP_ENDPOINT,
// TREEWATCH_OTEL_SERVICE_NAME and TREEWATCH_OTEL_RESOURCE_ATTRIBUTES. A nil lookup uses the
// process environment.
func SDKOptionsFromEnv(lookup func(string) (string, bool)) SDKOptions {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(name string) string {
		value, _ := lookup(envPrefix + name)
		return strings.TrimSpace(value)
	}
	opts := SDKOptions{
		HTTPEndpoint:       get("HTTP_ENDPOINT"),
		ServiceName:        get("SERVICE_NAME"),
		ResourceAttributes: parseResourceAttributes(get("RESOURCE_ATTRIBUTES")),
	}
	if parsed, err := strconv.ParseBool(get("ENABLED")); err == nil {
		opts.Enabled = parsed
	}
	if opts.ServiceName == "" {
		opts.ServiceName = defaultServiceName
	}
	return opts
}

// Providers holds what SetupSDK installed. The zero value, returned when the SDK is
// disabled, hands out no-op providers.
type Providers struct {
	tracerProvider *sdktrace.TracerProvider
	loggerProvider *sdklog.LoggerProvider
}

// LoggerProvider is handed to event buses so published events become log records.
func (p *Providers) LoggerProvider() otellog.LoggerProvider {
	if p == nil || p.loggerProvider == nil {
		return lognoop.NewLoggerProvider()
	}
	return p.loggerProvider
}

func (p *Providers) Enabled() bool {
	return p != nil && p.tracerProvider != nil
}

// Shutdown flushes and stops the exporters.
func (p *Providers) Shutdown(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	var shutdownErr error
	if err := p.tracerProvider.Shutdown(ctx); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}
	if err := p.loggerProvider.Shutdown(ctx); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}
	return shutdownErr
}

// SetupSDK installs global tracer and logger providers exporting over OTLP/HTTP.
func SetupSDK(ctx context.Context, options SDKOptions) (*Providers, error) {
	if !options.Enabled {
		return &Providers{}, nil
	}
	endpoint := normalizeEndpoint(options.HTTPEndpoint)
	if endpoint == "" {
		endpoint = defaultHTTPEndpoint
	}

	traceExporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}
	logExporter, err := otlploghttp.New(ctx,
		otlploghttp.WithEndpoint(endpoint),
		otlploghttp.WithInsecure(),
	)
	if err != nil {
		_ = traceExporter.Shutdown(ctx)
		return nil, err
	}

	res, err := sdkresource.New(ctx, sdkresource.WithAttributes(resourceAttributes(options)...))
	if err != nil {
		_ = traceExporter.Shutdown(ctx)
		_ = logExporter.Shutdown(ctx)
		return nil, err
	}

	providers := &Providers{
		tracerProvider: sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(traceExporter),
		),
		loggerProvider: sdklog.NewLoggerProvider(
			sdklog.WithResource(res),
			sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
		),
	}
	otelapi.SetTracerProvider(providers.tracerProvider)
	logglobal.SetLoggerProvider(providers.loggerProvider)
	otelapi.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return providers, nil
}

func resourceAttributes(options SDKOptions) []attribute.KeyValue {
	serviceName := strings.TrimSpace(options.ServiceName)
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	attrs := []attribute.KeyValue{attribute.String("service.name", serviceName)}
	if version := strings.TrimSpace(options.ServiceVersion); version != "" {
		attrs = append(attrs, attribute.String("service.version", version))
	}
	if host, err := os.Hostname(); err == nil && strings.TrimSpace(host) != "" {
		attrs = append(attrs, attribute.String("host.name", host))
	}
	for key, value := range options.ResourceAttributes {
		if key = strings.TrimSpace(key); key != "" {
			attrs = append(attrs, attribute.String(key, value))
		}
	}
	return attrs
}

func parseResourceAttributes(raw string) map[string]string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}
	attributes := make(map[string]string)
	for _, pair := range strings.Split(trimmed, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		attributes[key] = strings.TrimSpace(value)
	}
	if len(attributes) == 0 {
		return nil
	}
	return attributes
}

func normalizeEndpoint(raw string) string {
	endpoint := strings.TrimSpace(raw)
	endpoint = strings.TrimSuffix(endpoint, "/")
	endpoint = strings.TrimPrefix(endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")
	return strings.TrimSuffix(endpoint, "/")
}
