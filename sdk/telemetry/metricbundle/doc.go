// Package metricbundle agrupa los instrumentos de métricas del cliente.
//
// - base.go: BaseMetrics (result + duration) y la interfaz MetricsClient
// - http.go: intentos HTTP del transporte resiliente
// - protocol.go: frames, suscripciones, reconexiones, heartbeat y auth
//
// Convención de nombres: <namespace>.<entity>.<metric_type>, por ejemplo
// trlink.http.requests o trlink.http.duration. Las métricas de protocolo usan
// nombres fijos (trlink.frames.received, trlink.reconnect.attempts, ...).
//
// Uso básico:
//
//	client, _ := telemetry.New(ctx, "trlink", "dev")
//	httpMetrics := client.HTTPMetrics()
//	httpMetrics.RecordHTTPRequest(ctx, "POST", "/api/v1/auth/login", 200)
//
//	client.ProtocolMetrics().RecordReconnectAttempt(ctx, "success")
package metricbundle
