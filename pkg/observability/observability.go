// Package observability wires run-level telemetry: the global logger, an
// OpenTelemetry tracer exporting to stdout, and an optional Prometheus
// metrics endpoint. One Observability value is built per run and shut
// down when the run ends.
package observability

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/inletlabs/inlet/pkg/config"
	"github.com/inletlabs/inlet/pkg/errors"
	"github.com/inletlabs/inlet/pkg/logger"
	"github.com/inletlabs/inlet/pkg/strings"
)

const defaultServiceName = "inlet"

// Observability bundles the run's telemetry handles.
type Observability struct {
	tracerProvider *sdktrace.TracerProvider
	metricsServer  *http.Server
	metricsAddr    string
	tracer         trace.Tracer
	logger         *zap.Logger
}

// Setup initializes logging, tracing and the metrics endpoint from the
// run configuration.
func Setup(cfg config.ObservabilityConfig) (*Observability, error) {
	level := cfg.LogLevel
	if level == "" {
		level = "info"
	}
	encoding := cfg.LogEncoding
	if encoding == "" {
		encoding = "json"
	}
	if err := logger.Init(logger.Config{
		Level:       level,
		Encoding:    encoding,
		Development: cfg.Development,
	}); err != nil {
		return nil, errors.Wrap(err, errors.ClassConfig, "failed to initialize logger")
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = defaultServiceName
	}

	o := &Observability{
		logger: logger.Get().With(zap.String("component", "observability")),
	}

	if cfg.TracingEnabled {
		res, err := resource.New(context.Background(),
			resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
		if err != nil {
			return nil, errors.Wrap(err, errors.ClassConfig, "failed to build trace resource")
		}

		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, errors.Wrap(err, errors.ClassConfig, "failed to create trace exporter")
		}

		o.tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSampler(samplerFor(cfg.TracingSampleRate)),
			sdktrace.WithBatcher(exporter),
		)
		otel.SetTracerProvider(o.tracerProvider)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
	}
	o.tracer = otel.Tracer(serviceName)

	if cfg.MetricsAddr != "" {
		ln, err := net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			return nil, errors.Wrap(err, errors.ClassConfig, "failed to bind metrics address").
				WithDetail("addr", cfg.MetricsAddr)
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		o.metricsServer = &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		o.metricsAddr = ln.Addr().String()

		go func() {
			if err := o.metricsServer.Serve(ln); err != nil && err != http.ErrServerClosed {
				o.logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		o.logger.Info("metrics endpoint listening", zap.String("addr", o.metricsAddr))
	}

	o.logger.Debug("observability ready",
		zap.Bool("tracing", cfg.TracingEnabled),
		zap.String("metrics_addr", o.metricsAddr))
	return o, nil
}

// MetricsAddr returns the bound metrics listen address, empty when the
// endpoint is disabled.
func (o *Observability) MetricsAddr() string {
	return o.metricsAddr
}

// StartSpan opens a span for one operation. The span is a no-op when
// tracing is disabled.
func (o *Observability) StartSpan(ctx context.Context, operation string) (context.Context, *Span) {
	ctx, span := o.tracer.Start(ctx, operation)
	return ctx, &Span{span: span}
}

// Shutdown flushes spans, stops the metrics endpoint and syncs the logger.
func (o *Observability) Shutdown(ctx context.Context) error {
	var firstErr error

	if o.metricsServer != nil {
		if err := o.metricsServer.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, errors.ClassUnknown, "failed to stop metrics server")
		}
	}
	if o.tracerProvider != nil {
		if err := o.tracerProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, errors.ClassUnknown, "failed to shut down tracer")
		}
	}
	if err := logger.Sync(); err != nil && firstErr == nil {
		// Syncing stdout is not possible on some platforms, see
		// uber-go/zap#328.
		msg := err.Error()
		if !strings.Contains(msg, "bad file descriptor") &&
			!strings.Contains(msg, "invalid argument") {
			firstErr = errors.Wrap(err, errors.ClassUnknown, "failed to sync logger")
		}
	}
	return firstErr
}

func samplerFor(rate float64) sdktrace.Sampler {
	switch {
	case rate <= 0:
		return sdktrace.NeverSample()
	case rate >= 1:
		return sdktrace.AlwaysSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// Span wraps an otel span, batching attributes until End.
type Span struct {
	span  trace.Span
	attrs []attribute.KeyValue
}

// SetAttribute records one attribute on the span.
func (s *Span) SetAttribute(key string, value interface{}) {
	var attr attribute.KeyValue
	switch v := value.(type) {
	case string:
		attr = attribute.String(key, v)
	case int:
		attr = attribute.Int(key, v)
	case int64:
		attr = attribute.Int64(key, v)
	case float64:
		attr = attribute.Float64(key, v)
	case bool:
		attr = attribute.Bool(key, v)
	default:
		attr = attribute.String(key, strings.ValueToString(v))
	}
	s.attrs = append(s.attrs, attr)
}

// RecordError marks the span as failed.
func (s *Span) RecordError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

// End flushes batched attributes and finishes the span.
func (s *Span) End() {
	if len(s.attrs) > 0 {
		s.span.SetAttributes(s.attrs...)
	}
	s.span.End()
}
