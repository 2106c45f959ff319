package semconv

import (
	"go.opentelemetry.io/otel/attribute"
)

// Logs define las convenciones semánticas para atributos usados en logs.
//
// Se alinean con OpenTelemetry para integrarse con Loki y Grafana.
var Logs struct {
	// Feature componente funcional que genera el log.
	// Ejemplos: "Auth", "Transport", "Connection", "Correlator".
	Feature attribute.Key

	// Event acción específica dentro del componente.
	// Ejemplos: "login_started", "code_rejected", "reconnect_attempt".
	Event attribute.Key

	// ServiceName se mapea a la convención OTel "service.name".
	ServiceName attribute.Key

	// Environment entorno de ejecución.
	Environment attribute.Key
}

func init() {
	Logs.Feature = attribute.Key("feature")
	Logs.Event = attribute.Key("event")

	Logs.ServiceName = attribute.Key("service.name")
	Logs.Environment = attribute.Key("service.environment")
}
