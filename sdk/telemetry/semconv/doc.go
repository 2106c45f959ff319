// Package semconv define convenciones semánticas para atributos OpenTelemetry
// usados por el cliente de protocolo en logs, métricas y trazas.
//
// Uso básico:
//
//	client.Info(ctx, "Subscription opened",
//	    semconv.Logs.Feature.String("Connection"),
//	    semconv.Trlink.SubscriptionID.Int64(7),
//	    semconv.Trlink.Topic.String("ticker"),
//	)
//
//	httpAttrs := []attribute.KeyValue{
//	    semconv.HTTP.Method.String("POST"),
//	    semconv.HTTP.Path.String("/api/v1/auth/login"),
//	    semconv.HTTP.StatusCode.Int(200),
//	}
package semconv
