package semconv

import (
	"go.opentelemetry.io/otel/attribute"
)

// HTTP define las convenciones semánticas para atributos de peticiones HTTP
// salientes (login, verificación 2FA, refresh de sesión).
var HTTP struct {
	// Method método HTTP de la petición (GET, POST).
	Method attribute.Key

	// Path ruta de la URL sin parámetros de consulta.
	Path attribute.Key

	// Host host del endpoint.
	Host attribute.Key

	// StatusCode código de estado HTTP de la respuesta.
	StatusCode attribute.Key

	// DurationMs duración del intento en milisegundos.
	DurationMs attribute.Key

	// Error descripción del error de red si el intento falló sin respuesta.
	Error attribute.Key

	// Middleware decorador que registró el evento (ratelimit, retry).
	Middleware attribute.Key
}

func init() {
	HTTP.Method = attribute.Key("http.method")
	HTTP.Path = attribute.Key("http.path")
	HTTP.Host = attribute.Key("http.host")

	HTTP.StatusCode = attribute.Key("http.status_code")
	HTTP.DurationMs = attribute.Key("http.duration_ms")
	HTTP.Error = attribute.Key("http.error")

	HTTP.Middleware = attribute.Key("http.middleware")
}
