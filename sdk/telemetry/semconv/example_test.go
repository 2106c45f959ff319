package semconv_test

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/xKoRx/trlink/sdk/telemetry/semconv"
)

func printAttr(kv attribute.KeyValue) {
	switch kv.Value.Type() {
	case attribute.INT64:
		fmt.Printf("%s: %d\n", kv.Key, kv.Value.AsInt64())
	default:
		fmt.Printf("%s: %v\n", kv.Key, kv.Value.AsInterface())
	}
}

// ExampleLogs muestra los atributos base de un log
func ExampleLogs() {
	attrs := []attribute.KeyValue{
		semconv.Logs.Feature.String("Auth"),
		semconv.Logs.Event.String("code_rejected"),
		semconv.Trlink.MaskedPhone.String("+49170***78"),
	}
	for _, attr := range attrs {
		printAttr(attr)
	}
	// Output:
	// feature: Auth
	// event: code_rejected
	// trlink.masked_phone: +49170***78
}

// ExampleHTTP muestra los atributos de un intento HTTP
func ExampleHTTP() {
	attrs := []attribute.KeyValue{
		semconv.HTTP.Method.String("GET"),
		semconv.HTTP.Path.String("/api/v1/auth/session"),
		semconv.HTTP.StatusCode.Int(200),
	}
	for _, attr := range attrs {
		printAttr(attr)
	}
	// Output:
	// http.method: GET
	// http.path: /api/v1/auth/session
	// http.status_code: 200
}

// ExampleTrlink muestra los atributos de una reconexión
func ExampleTrlink() {
	attrs := []attribute.KeyValue{
		semconv.Trlink.Attempt.Int(2),
		semconv.Trlink.AttemptsRemaining.Int(3),
		semconv.Trlink.State.String("reconnecting"),
	}
	for _, attr := range attrs {
		printAttr(attr)
	}
	// Output:
	// trlink.attempt: 2
	// trlink.attempts_remaining: 3
	// trlink.state: reconnecting
}
