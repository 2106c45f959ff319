// Package telemetry proporciona observabilidad para el cliente de protocolo mediante los tres pilares:
//
// 1. Logs: registro estructurado JSON (log/slog) compatible con Loki
// 2. Métricas: OpenTelemetry exportables a Prometheus vía OTLP
// 3. Trazas: trazado con OpenTelemetry/Jaeger
//
// Uso básico:
//
//	client, err := telemetry.New(ctx, "trlink", "production",
//	    telemetry.WithLogLevel("DEBUG"),
//	)
//	if err != nil {
//	    panic(err)
//	}
//	defer client.Shutdown(ctx)
//
//	client.Info(ctx, "Session refreshed")
//
//	ctx, span := client.StartSpan(ctx, "auth.refresh")
//	defer span.End()
//
//	client.ProtocolMetrics().RecordAuthRefresh(ctx, "success")
//
// Los componentes del sdk aceptan un *Client y usan NewNoop() si reciben nil.
package telemetry
