package domain

import (
	"encoding/json"
	"time"
)

// ConnectionState estado del WebSocket compartido.
//
// Sólo el Connection Manager lo modifica.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

// String implementa fmt.Stringer.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Subscription suscripción a un topic del protocolo.
type Subscription struct {
	ID      int64
	Topic   string
	Payload json.RawMessage // objeto JSON opcional (nil si no hay)
}

// FrameCode código de un frame entrante.
type FrameCode byte

const (
	FrameAnswer   FrameCode = 'A'
	FrameDelta    FrameCode = 'D'
	FrameComplete FrameCode = 'C'
	FrameError    FrameCode = 'E'
)

// String implementa fmt.Stringer.
func (c FrameCode) String() string {
	return string(rune(c))
}

// Valid indica si el código es uno de A/D/C/E.
func (c FrameCode) Valid() bool {
	switch c {
	case FrameAnswer, FrameDelta, FrameComplete, FrameError:
		return true
	}
	return false
}

// CodeStatus resultado del envío de un código 2FA.
type CodeStatus string

const (
	// CodeAccepted sesión autenticada
	CodeAccepted CodeStatus = "accepted"
	// CodeRejected código incorrecto; se puede reintentar con otro código
	CodeRejected CodeStatus = "rejected"
	// CodeResent el proceso expiró y se envió un código nuevo
	CodeResent CodeStatus = "resent"
)

// CodeOutcome resultado a nivel de mensaje de SubmitCode (no es un error).
type CodeOutcome struct {
	Status      CodeStatus
	Message     string
	MaskedPhone string
	ExpiresAt   time.Time // sólo para CodeAccepted
}

// Accepted indica si la sesión quedó autenticada.
func (o CodeOutcome) Accepted() bool { return o.Status == CodeAccepted }
