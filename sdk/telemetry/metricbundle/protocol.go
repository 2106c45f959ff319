package metricbundle

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ProtocolMetrics bundle de métricas del cliente de protocolo.
//
// # Métricas de Conteo
//
//   - trlink.frames.received: frames entrantes por código (A/D/C/E)
//   - trlink.frames.protocol_error: frames que no respetan `<id> <code> <payload>`
//   - trlink.frames.dropped: frames descartados por consumidor lento
//   - trlink.delta.decode_error: deltas que no se pudieron reconstruir
//   - trlink.subscriptions.opened / trlink.subscriptions.closed
//   - trlink.reconnect.attempts: intentos de reconexión (success/failure/exhausted)
//   - trlink.heartbeat.timeouts: conexiones dadas por muertas
//   - trlink.http.retries: reintentos del transporte HTTP
//   - trlink.auth.refresh: refresh de sesión (success/failure)
//
// # Métricas de Latencia
//
//   - trlink.correlator.latency_ms: subscribe → primera respuesta
//
// Todos los métodos Record* toleran un receiver nil.
type ProtocolMetrics struct {
	FramesReceived      metric.Int64Counter
	FramesProtocolError metric.Int64Counter
	FramesDropped       metric.Int64Counter
	DeltaDecodeError    metric.Int64Counter
	SubscriptionsOpened metric.Int64Counter
	SubscriptionsClosed metric.Int64Counter
	ReconnectAttempts   metric.Int64Counter
	HeartbeatTimeouts   metric.Int64Counter
	HTTPRetries         metric.Int64Counter
	AuthRefresh         metric.Int64Counter
	CorrelatorLatency   metric.Float64Histogram
}

// NewProtocolMetrics crea el bundle sobre un meter.
func NewProtocolMetrics(meter metric.Meter) (*ProtocolMetrics, error) {
	m := &ProtocolMetrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&m.FramesReceived, "trlink.frames.received", "Frames entrantes por código", "{frame}"},
		{&m.FramesProtocolError, "trlink.frames.protocol_error", "Frames con forma inválida", "{frame}"},
		{&m.FramesDropped, "trlink.frames.dropped", "Frames descartados por consumidor lento", "{frame}"},
		{&m.DeltaDecodeError, "trlink.delta.decode_error", "Deltas que no se pudieron reconstruir", "{frame}"},
		{&m.SubscriptionsOpened, "trlink.subscriptions.opened", "Suscripciones abiertas", "{subscription}"},
		{&m.SubscriptionsClosed, "trlink.subscriptions.closed", "Suscripciones cerradas (unsub/complete/fatal)", "{subscription}"},
		{&m.ReconnectAttempts, "trlink.reconnect.attempts", "Intentos de reconexión por resultado", "{attempt}"},
		{&m.HeartbeatTimeouts, "trlink.heartbeat.timeouts", "Conexiones sin frames dentro del timeout", "{timeout}"},
		{&m.HTTPRetries, "trlink.http.retries", "Reintentos del transporte HTTP", "{retry}"},
		{&m.AuthRefresh, "trlink.auth.refresh", "Refresh de sesión por resultado", "{refresh}"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name,
			metric.WithDescription(c.desc),
			metric.WithUnit(c.unit),
		)
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}

	latency, err := meter.Float64Histogram(
		"trlink.correlator.latency_ms",
		metric.WithDescription("Latencia subscribe → primera respuesta"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	m.CorrelatorLatency = latency

	return m, nil
}

// RecordFrameReceived registra un frame entrante.
func (m *ProtocolMetrics) RecordFrameReceived(ctx context.Context, code string, attrs ...attribute.KeyValue) {
	if m == nil {
		return
	}
	m.FramesReceived.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("frame.code", code))...))
}

// RecordProtocolError registra un frame malformado.
func (m *ProtocolMetrics) RecordProtocolError(ctx context.Context, attrs ...attribute.KeyValue) {
	if m == nil {
		return
	}
	m.FramesProtocolError.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordFrameDropped registra un frame descartado por cola llena.
func (m *ProtocolMetrics) RecordFrameDropped(ctx context.Context, attrs ...attribute.KeyValue) {
	if m == nil {
		return
	}
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordDecodeError registra un delta no decodificable.
func (m *ProtocolMetrics) RecordDecodeError(ctx context.Context, attrs ...attribute.KeyValue) {
	if m == nil {
		return
	}
	m.DeltaDecodeError.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordSubscriptionOpened registra una suscripción nueva.
func (m *ProtocolMetrics) RecordSubscriptionOpened(ctx context.Context, attrs ...attribute.KeyValue) {
	if m == nil {
		return
	}
	m.SubscriptionsOpened.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordSubscriptionClosed registra el fin de una suscripción.
//
// reason: "unsubscribe" | "complete" | "fatal" | "disconnect"
func (m *ProtocolMetrics) RecordSubscriptionClosed(ctx context.Context, reason string, attrs ...attribute.KeyValue) {
	if m == nil {
		return
	}
	m.SubscriptionsClosed.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("close.reason", reason))...))
}

// RecordReconnectAttempt registra un intento de reconexión.
//
// result: "success" | "failure" | "exhausted"
func (m *ProtocolMetrics) RecordReconnectAttempt(ctx context.Context, result string, attrs ...attribute.KeyValue) {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("reconnect.result", result))...))
}

// RecordHeartbeatTimeout registra una conexión dada por muerta.
func (m *ProtocolMetrics) RecordHeartbeatTimeout(ctx context.Context, attrs ...attribute.KeyValue) {
	if m == nil {
		return
	}
	m.HeartbeatTimeouts.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordHTTPRetry registra un reintento HTTP.
func (m *ProtocolMetrics) RecordHTTPRetry(ctx context.Context, attrs ...attribute.KeyValue) {
	if m == nil {
		return
	}
	m.HTTPRetries.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordAuthRefresh registra el resultado de un refresh de sesión.
//
// result: "success" | "failure"
func (m *ProtocolMetrics) RecordAuthRefresh(ctx context.Context, result string, attrs ...attribute.KeyValue) {
	if m == nil {
		return
	}
	m.AuthRefresh.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("refresh.result", result))...))
}

// RecordCorrelatorLatency registra la latencia hasta la primera respuesta (ms).
func (m *ProtocolMetrics) RecordCorrelatorLatency(ctx context.Context, latencyMs float64, attrs ...attribute.KeyValue) {
	if m == nil {
		return
	}
	m.CorrelatorLatency.Record(ctx, latencyMs, metric.WithAttributes(attrs...))
}
