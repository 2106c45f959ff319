package semconv

import "go.opentelemetry.io/otel/attribute"

// Trlink contiene atributos semánticos del cliente de protocolo.
//
// # Identificadores
//
//   - trlink.subscription_id: id de la suscripción en el WebSocket
//   - trlink.topic: topic suscrito (ticker, portfolio, ...)
//   - trlink.process_id: processId del login en curso
//   - trlink.instance_id: id de esta instancia del cliente
//
// # Protocolo
//
//   - trlink.frame_code: A/D/C/E
//   - trlink.state: estado de la conexión o del flujo de auth
//   - trlink.attempt / trlink.attempts_remaining: reintentos y reconexiones
//   - trlink.delay_ms: espera antes del siguiente intento
//   - trlink.expires_at: vencimiento de la sesión (RFC3339)
//
// # Uso
//
//	client.Warn(ctx, "Retrying request",
//	    semconv.Trlink.Attempt.Int(2),
//	    semconv.Trlink.AttemptsRemaining.Int(1),
//	)
var Trlink = trlinkAttributes{
	SubscriptionID: attribute.Key("trlink.subscription_id"),
	Topic:          attribute.Key("trlink.topic"),
	ProcessID:      attribute.Key("trlink.process_id"),
	InstanceID:     attribute.Key("trlink.instance_id"),

	FrameCode:         attribute.Key("trlink.frame_code"),
	State:             attribute.Key("trlink.state"),
	Attempt:           attribute.Key("trlink.attempt"),
	AttemptsRemaining: attribute.Key("trlink.attempts_remaining"),
	DelayMs:           attribute.Key("trlink.delay_ms"),

	MaskedPhone: attribute.Key("trlink.masked_phone"),
	ErrorCode:   attribute.Key("trlink.error_code"),
	Result:      attribute.Key("trlink.result"),
	Reason:      attribute.Key("trlink.reason"),
	Host:        attribute.Key("trlink.host"),
	ExpiresAt:   attribute.Key("trlink.expires_at"),
}

type trlinkAttributes struct {
	SubscriptionID attribute.Key
	Topic          attribute.Key
	ProcessID      attribute.Key
	InstanceID     attribute.Key

	FrameCode         attribute.Key
	State             attribute.Key
	Attempt           attribute.Key
	AttemptsRemaining attribute.Key
	DelayMs           attribute.Key

	// MaskedPhone nunca el número completo
	MaskedPhone attribute.Key
	ErrorCode   attribute.Key
	Result      attribute.Key
	Reason      attribute.Key
	Host        attribute.Key
	// ExpiresAt vencimiento de la sesión en RFC3339
	ExpiresAt attribute.Key
}
