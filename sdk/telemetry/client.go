package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/xKoRx/trlink/sdk/telemetry/metricbundle"
)

// Client es el cliente unificado de telemetría del cliente de protocolo
type Client struct {
	config Config
	logger *slog.Logger
	tracer trace.Tracer
	meter  metric.Meter

	// Providers (para shutdown)
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider

	// Instrumentos creados bajo demanda
	mu         sync.Mutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram

	// Bundles
	httpMetrics     *metricbundle.HTTPMetrics
	protocolMetrics *metricbundle.ProtocolMetrics
}

// New crea una nueva instancia del cliente de telemetría
func New(ctx context.Context, serviceName, environment string, opts ...Option) (*Client, error) {
	cfg := DefaultConfig(serviceName, environment)
	for _, opt := range opts {
		opt(&cfg)
	}

	client := newClient(cfg)

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
		resource.WithAttributes(cfg.CommonAttributes...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if cfg.EnableLogs {
		client.initLogs()
	}

	if cfg.EnableTraces {
		if err := client.initTraces(ctx, res); err != nil {
			return nil, fmt.Errorf("failed to init traces: %w", err)
		}
	}

	if cfg.EnableMetrics {
		if err := client.initMetrics(ctx, res); err != nil {
			return nil, fmt.Errorf("failed to init metrics: %w", err)
		}
	}

	if err := client.initBundles(); err != nil {
		return nil, fmt.Errorf("failed to init metric bundles: %w", err)
	}

	return client, nil
}

// NewNoop crea un cliente sin exporters: descarta logs y usa meter no-op.
//
// Los componentes lo usan por defecto cuando no reciben un cliente.
func NewNoop() *Client {
	client := newClient(Config{ServiceName: "noop", LogWriter: io.Discard})
	client.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	// NewProtocolMetrics sobre un meter no-op nunca falla
	_ = client.initBundles()
	return client
}

func newClient(cfg Config) *Client {
	return &Client{
		config:     cfg,
		meter:      noop.NewMeterProvider().Meter(cfg.ServiceName),
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

func (c *Client) initLogs() {
	w := c.config.LogWriter
	if w == nil {
		w = io.Discard
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: parseLevel(c.config.LogLevel),
	})
	c.logger = slog.New(handler).With(
		slog.String("service.name", c.config.ServiceName),
		slog.String("service.environment", c.config.Environment),
	)
}

func (c *Client) initTraces(ctx context.Context, res *resource.Resource) error {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(c.config.tracesEndpoint()),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return err
	}

	c.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(c.tracerProvider)
	c.tracer = c.tracerProvider.Tracer(c.config.ServiceName)

	return nil
}

func (c *Client) initMetrics(ctx context.Context, res *resource.Resource) error {
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(c.config.metricsEndpoint()),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return err
	}

	c.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)

	otel.SetMeterProvider(c.meterProvider)
	c.meter = c.meterProvider.Meter(c.config.ServiceName)

	return nil
}

func (c *Client) initBundles() error {
	pm, err := metricbundle.NewProtocolMetrics(c.meter)
	if err != nil {
		return err
	}
	c.protocolMetrics = pm
	c.httpMetrics = metricbundle.NewHTTPMetrics(c)
	return nil
}

// HTTPMetrics bundle de intentos HTTP.
func (c *Client) HTTPMetrics() *metricbundle.HTTPMetrics {
	return c.httpMetrics
}

// ProtocolMetrics bundle de métricas del protocolo.
func (c *Client) ProtocolMetrics() *metricbundle.ProtocolMetrics {
	return c.protocolMetrics
}

// Shutdown cierra todos los exporters y libera recursos
func (c *Client) Shutdown(ctx context.Context) error {
	var errs []error

	if c.tracerProvider != nil {
		if err := c.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if c.meterProvider != nil {
		if err := c.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}

	return nil
}

// GetOrCreateCounter obtiene o crea un contador
func (c *Client) GetOrCreateCounter(name, description string) (metric.Int64Counter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if counter, exists := c.counters[name]; exists {
		return counter, nil
	}

	counter, err := c.meter.Int64Counter(name,
		metric.WithDescription(description),
	)
	if err != nil {
		return nil, err
	}

	c.counters[name] = counter
	return counter, nil
}

// GetOrCreateHistogram obtiene o crea un histograma
func (c *Client) GetOrCreateHistogram(name, description string) (metric.Float64Histogram, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if histogram, exists := c.histograms[name]; exists {
		return histogram, nil
	}

	histogram, err := c.meter.Float64Histogram(name,
		metric.WithDescription(description),
	)
	if err != nil {
		return nil, err
	}

	c.histograms[name] = histogram
	return histogram, nil
}

// Counter implementa metricbundle.MetricsClient.
func (c *Client) Counter(name, description string) metric.Int64Counter {
	counter, err := c.GetOrCreateCounter(name, description)
	if err != nil {
		c.Error(context.Background(), "failed to create counter", err, attribute.String("counter_name", name))
		return nil
	}
	return counter
}

// Histogram implementa metricbundle.MetricsClient.
func (c *Client) Histogram(name, description string) metric.Float64Histogram {
	histogram, err := c.GetOrCreateHistogram(name, description)
	if err != nil {
		c.Error(context.Background(), "failed to create histogram", err, attribute.String("histogram_name", name))
		return nil
	}
	return histogram
}

// ExtractAttributes retorna los atributos comunes y de evento del contexto
func ExtractAttributes(ctx context.Context) []attribute.KeyValue {
	common := GetCommonAttrs(ctx)
	event := GetEventAttrs(ctx)
	out := make([]attribute.KeyValue, 0, len(common)+len(event))
	out = append(out, common...)
	return append(out, event...)
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
