package domain

import (
	"errors"
	"fmt"
)

// ErrorCode representa la categoría de un error del cliente de protocolo.
type ErrorCode string

// Códigos de error estándar
const (
	// ErrAuthentication credenciales inválidas, cookies ausentes o código rechazado/expirado
	ErrAuthentication ErrorCode = "AUTHENTICATION"

	// ErrTwoFactorRequired se necesita un paso interactivo (código SMS)
	ErrTwoFactorRequired ErrorCode = "TWO_FACTOR_REQUIRED"

	// ErrConnection handshake fallido, heartbeat expirado o reconexión agotada
	ErrConnection ErrorCode = "CONNECTION"

	// ErrDecode delta malformado, snapshot previo ausente o JSON reconstruido inválido
	ErrDecode ErrorCode = "DECODE"

	// ErrServer frame E reportado por el servidor para una suscripción
	ErrServer ErrorCode = "SERVER"

	// ErrTimeout la espera indicada por el caller expiró
	ErrTimeout ErrorCode = "TIMEOUT"

	// ErrProtocol frame que no respeta la forma `<id> <code> <payload>`
	ErrProtocol ErrorCode = "PROTOCOL"
)

// NoSubscription marca errores que no pertenecen a ninguna suscripción.
const NoSubscription int64 = -1

// Error representa un error del cliente con contexto.
type Error struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Wrapped error

	// SubscriptionID suscripción afectada (NoSubscription si es global)
	SubscriptionID int64

	// MaskedPhone sólo en ErrTwoFactorRequired: indica qué dispositivo revisar
	MaskedPhone string
}

// Error implementa la interfaz error.
func (e *Error) Error() string {
	prefix := fmt.Sprintf("[%s]", e.Code)
	if e.SubscriptionID != NoSubscription {
		prefix = fmt.Sprintf("[%s sub=%d]", e.Code, e.SubscriptionID)
	}
	if e.Wrapped != nil {
		return fmt.Sprintf("%s %s: %v", prefix, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s %s", prefix, e.Message)
}

// Unwrap implementa la interfaz errors.Unwrap.
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// WithDetail agrega un detalle al error.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ForSubscription asocia el error a una suscripción.
func (e *Error) ForSubscription(id int64) *Error {
	e.SubscriptionID = id
	return e
}

// NewError crea un nuevo Error.
//
// Example:
//
//	err := domain.NewError(domain.ErrConnection, "handshake rejected")
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:           code,
		Message:        message,
		Details:        make(map[string]interface{}),
		SubscriptionID: NoSubscription,
	}
}

// WrapError envuelve un error existente con un código del cliente.
//
// Example:
//
//	err := domain.WrapError(domain.ErrConnection, "dial failed", originalErr)
func WrapError(code ErrorCode, message string, wrapped error) *Error {
	e := NewError(code, message)
	e.Wrapped = wrapped
	return e
}

// NewTwoFactorRequired crea el error que pide un código interactivo.
func NewTwoFactorRequired(maskedPhone string) *Error {
	e := NewError(ErrTwoFactorRequired,
		fmt.Sprintf("two-factor code required, check the device for %s", maskedPhone))
	e.MaskedPhone = maskedPhone
	return e
}

// CodeOf extrae el código de un error (cadena de wraps incluida).
//
// Retorna "" si el error no es un *Error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode indica si el error (o alguno envuelto) tiene el código dado.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsTwoFactorRequired indica si el caller debe pedir un código al usuario.
func IsTwoFactorRequired(err error) bool {
	return IsCode(err, ErrTwoFactorRequired)
}

// IsRetryable indica si un error es retriable localmente.
//
// Sólo los fallos de conexión lo son; el resto se reporta al caller sin reintentar.
func IsRetryable(code ErrorCode) bool {
	return code == ErrConnection
}

// ErrorCodeString retorna una representación string del error code.
func ErrorCodeString(code ErrorCode) string {
	return string(code)
}
