package metricbundle

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsClient abstrae el registro de métricas sobre OpenTelemetry.
//
// telemetry.Client la implementa; los bundles dependen sólo de esta interfaz
// para no importar el paquete telemetry.
type MetricsClient interface {
	// Counter crea o retorna un contador existente.
	Counter(name, description string) metric.Int64Counter

	// Histogram crea o retorna un histograma existente.
	Histogram(name, description string) metric.Float64Histogram

	// RecordCounter incrementa un contador con un valor específico.
	RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue)

	// RecordHistogram registra un valor en un histograma.
	RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue)
}

// BaseMetrics contiene el contador de resultados y el histograma de duración
// comunes a todos los bundles.
type BaseMetrics struct {
	client MetricsClient

	// entity tipo de entidad monitoreada (http, ws, ...)
	entity string

	// namespace prefijo de todas las métricas (trlink)
	namespace string

	// ResultCounter contabiliza los resultados de operaciones.
	ResultCounter metric.Int64Counter

	// DurationHistogram distribución de tiempos de ejecución en segundos.
	DurationHistogram metric.Float64Histogram
}

// NewBaseMetrics crea los instrumentos <namespace>.<entity>.result y
// <namespace>.<entity>.duration.
func NewBaseMetrics(client MetricsClient, namespace, entity string) *BaseMetrics {
	return &BaseMetrics{
		client:    client,
		entity:    entity,
		namespace: namespace,
		ResultCounter: client.Counter(
			MetricName(namespace, entity, "result"),
			"Results of operations for "+entity+" labeled by status.",
		),
		DurationHistogram: client.Histogram(
			MetricName(namespace, entity, "duration"),
			"Duration of operations for "+entity+" in seconds.",
		),
	}
}

// RecordResult incrementa el contador de resultados.
//
// Atributos comunes a incluir:
//   - semconv.Metrics.Status.String("success"/"error")
//   - semconv.Metrics.Component.String("httpx")
func (bm *BaseMetrics) RecordResult(ctx context.Context, attrs ...attribute.KeyValue) {
	if bm == nil {
		return
	}
	bm.client.RecordCounter(ctx, MetricName(bm.namespace, bm.entity, "result"), 1, attrs...)
}

// StartDurationTimer retorna una función que registra el tiempo transcurrido
// al invocarse.
//
//	done := metrics.StartDurationTimer(ctx, semconv.HTTP.Method.String("POST"))
//	// ...
//	done()
func (bm *BaseMetrics) StartDurationTimer(ctx context.Context, attrs ...attribute.KeyValue) func() {
	start := time.Now()
	return func() {
		if bm == nil {
			return
		}
		bm.client.RecordHistogram(ctx, MetricName(bm.namespace, bm.entity, "duration"),
			time.Since(start).Seconds(), attrs...)
	}
}

// MetricName genera un nombre con formato <namespace>.<entity>.<metric_type>.
func MetricName(namespace, entity string, metricType string) string {
	return strings.Join([]string{namespace, entity, metricType}, ".")
}
