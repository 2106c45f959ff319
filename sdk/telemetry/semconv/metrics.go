package semconv

import (
	"go.opentelemetry.io/otel/attribute"
)

// Metrics define las convenciones semánticas para atributos usados como
// dimensiones de métricas.
var Metrics struct {
	// Status indica el estado de la operación medida.
	// Valores comunes: "success", "error".
	Status attribute.Key

	// Result representa el resultado final de la operación.
	// Valores comunes: "success", "failure", "exhausted".
	Result attribute.Key

	// Action identifica la acción realizada (login, refresh, subscribe, ...).
	Action attribute.Key

	// Service identifica el servicio que genera la métrica.
	Service attribute.Key

	// Component identifica el componente dentro del servicio
	// (httpx, auth, ws, correlator).
	Component attribute.Key

	// Env identifica el entorno de ejecución.
	Env attribute.Key

	// Instance identifica la instancia específica del cliente.
	Instance attribute.Key
}

func init() {
	Metrics.Status = attribute.Key("status")
	Metrics.Result = attribute.Key("result")
	Metrics.Action = attribute.Key("action")

	Metrics.Service = attribute.Key("service")
	Metrics.Component = attribute.Key("component")

	Metrics.Env = attribute.Key("env")
	Metrics.Instance = attribute.Key("instance")
}
