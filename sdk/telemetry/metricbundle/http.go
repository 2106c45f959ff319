package metricbundle

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xKoRx/trlink/sdk/telemetry/semconv"
)

// Namespace prefijo de todas las métricas del cliente.
const Namespace = "trlink"

// HTTPMetrics métricas de los intentos HTTP del transporte resiliente.
//
// Cada intento (incluidos los reintentos) se registra por separado.
type HTTPMetrics struct {
	*BaseMetrics
	// RequestsCounter intentos HTTP por método, ruta y código de estado.
	RequestsCounter metric.Int64Counter
}

// NewHTTPMetrics inicializa el bundle con namespace "trlink" y entidad "http".
func NewHTTPMetrics(client MetricsClient) *HTTPMetrics {
	return &HTTPMetrics{
		BaseMetrics: NewBaseMetrics(client, Namespace, "http"),
		RequestsCounter: client.Counter(
			MetricName(Namespace, "http", "requests"),
			"Number of HTTP attempts, labeled by method, path and status.",
		),
	}
}

// RecordRequests incrementa el contador de intentos.
func (hm *HTTPMetrics) RecordRequests(ctx context.Context, amount int64, attrs ...attribute.KeyValue) {
	if hm == nil || hm.RequestsCounter == nil {
		return
	}
	hm.RequestsCounter.Add(ctx, amount, metric.WithAttributes(attrs...))
}

// DefaultHTTPAttributes atributos estándar de un intento HTTP.
//
// statusCode 0 indica que el intento falló sin respuesta.
func DefaultHTTPAttributes(method, path string, statusCode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		semconv.Metrics.Component.String("httpx"),
		semconv.HTTP.Method.String(method),
		semconv.HTTP.Path.String(path),
		semconv.HTTP.StatusCode.Int(statusCode),
	}
}

// RecordHTTPRequest registra un intento: incrementa requests y el contador de
// resultados con status success/error según el código.
func (hm *HTTPMetrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, additionalAttrs ...attribute.KeyValue) {
	if hm == nil {
		return
	}
	attrs := DefaultHTTPAttributes(method, path, statusCode)
	attrs = append(attrs, additionalAttrs...)

	hm.RecordRequests(ctx, 1, attrs...)

	status := "success"
	if statusCode == 0 || statusCode >= 400 {
		status = "error"
	}
	hm.RecordResult(ctx, append(attrs, semconv.Metrics.Status.String(status))...)
}
