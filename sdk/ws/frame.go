package ws

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/xKoRx/trlink/sdk/domain"
)

// Handshake cuerpo del frame `connect <version> <json>`.
type Handshake struct {
	Locale          string `json:"locale"`
	PlatformID      string `json:"platformId"`
	PlatformVersion string `json:"platformVersion"`
	ClientID        string `json:"clientId"`
	ClientVersion   string `json:"clientVersion"`
}

// DefaultHandshake identificadores del cliente web.
func DefaultHandshake() Handshake {
	return Handshake{
		Locale:          "en",
		PlatformID:      "webtrading",
		PlatformVersion: "chrome - 120.0.0",
		ClientID:        "app.traderepublic.com",
		ClientVersion:   "1.0.0",
	}
}

// connectedAck respuesta del servidor al handshake.
const connectedAck = "connected"

// Frame frame entrante ya decodificado, entregado a una suscripción.
//
// Para A y D, Payload es el snapshot completo reconstruido. Err no nil indica
// un error de decodificación (D), del servidor (E) o de conexión fatal.
type Frame struct {
	SubscriptionID int64
	Code           domain.FrameCode
	Payload        json.RawMessage
	Err            error
}

// inbound forma `<id> <code> <payload>`.
type inbound struct {
	id      int64
	code    domain.FrameCode
	payload string
}

// parseFrame separa id, código y payload.
func parseFrame(text string) (inbound, error) {
	sp := strings.IndexByte(text, ' ')
	if sp <= 0 {
		return inbound{}, protocolError("missing subscription id", text)
	}
	id, err := strconv.ParseInt(text[:sp], 10, 64)
	if err != nil || id < 0 {
		return inbound{}, protocolError("invalid subscription id", text)
	}

	rest := text[sp+1:]
	if rest == "" {
		return inbound{}, protocolError("missing frame code", text)
	}
	code := domain.FrameCode(rest[0])
	if !code.Valid() {
		return inbound{}, protocolError("unknown frame code", text)
	}
	if len(rest) > 1 && rest[1] != ' ' {
		return inbound{}, protocolError("frame code must be followed by a space", text)
	}

	return inbound{
		id:      id,
		code:    code,
		payload: strings.TrimLeft(rest[1:], " "),
	}, nil
}

func protocolError(msg, text string) *domain.Error {
	sample := text
	if len(sample) > 80 {
		sample = sample[:80] + "..."
	}
	return domain.NewError(domain.ErrProtocol, msg).WithDetail("frame", sample)
}

func connectFrame(version int, hs Handshake) (string, error) {
	body, err := json.Marshal(hs)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("connect %d %s", version, body), nil
}

// subBody construye `{"type": topic, ...payload}`.
//
// payload debe ser un objeto JSON o vacío.
func subBody(topic string, payload json.RawMessage) (string, error) {
	fields := map[string]json.RawMessage{}
	if len(payload) > 0 && string(payload) != "null" {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return "", domain.WrapError(domain.ErrProtocol, "subscription payload must be a JSON object", err)
		}
	}
	topicJSON, err := json.Marshal(topic)
	if err != nil {
		return "", err
	}
	fields["type"] = topicJSON

	body, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func subFrame(id int64, body string) string {
	return fmt.Sprintf("sub %d %s", id, body)
}

func unsubFrame(id int64) string {
	return fmt.Sprintf("unsub %d", id)
}

// serverError decodifica el payload de un frame E.
func serverError(id int64, payload string) *domain.Error {
	var body struct {
		Errors []struct {
			ErrorCode    string `json:"errorCode"`
			ErrorMessage string `json:"errorMessage"`
		} `json:"errors"`
	}

	e := domain.NewError(domain.ErrServer, "server reported an error").ForSubscription(id)
	if err := json.Unmarshal([]byte(payload), &body); err != nil || len(body.Errors) == 0 {
		if payload != "" {
			e.WithDetail("payload", payload)
		}
		return e
	}

	first := body.Errors[0]
	if first.ErrorMessage != "" {
		e.Message = first.ErrorMessage
	}
	e.WithDetail("errorCode", first.ErrorCode)
	e.WithDetail("errorMessage", first.ErrorMessage)
	return e
}
