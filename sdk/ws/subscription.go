package ws

import (
	"encoding/json"
	"sync/atomic"
)

// Subscription handle de una suscripción activa.
//
// Frames() se cierra cuando la suscripción termina (C, unsubscribe,
// desconexión o reconexión agotada).
type Subscription struct {
	id      int64
	topic   string
	payload json.RawMessage
	body    string

	frames  chan Frame
	closed  bool // protegido por Manager.mu
	dropped atomic.Int64
}

func newSubscription(id int64, topic string, payload json.RawMessage, body string, buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	return &Subscription{
		id:      id,
		topic:   topic,
		payload: payload,
		body:    body,
		frames:  make(chan Frame, buffer),
	}
}

// ID id de la suscripción en el WebSocket.
func (s *Subscription) ID() int64 { return s.id }

// Topic topic suscrito.
func (s *Subscription) Topic() string { return s.topic }

// Payload payload original (puede ser nil).
func (s *Subscription) Payload() json.RawMessage { return s.payload }

// Frames canal de frames decodificados, en orden de llegada.
func (s *Subscription) Frames() <-chan Frame { return s.frames }

// Dropped frames descartados por consumidor lento.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// deliver encola sin bloquear; con la cola llena descarta el frame más viejo.
//
// Se invoca con Manager.mu tomado (único productor).
func (s *Subscription) deliver(f Frame) (dropped bool) {
	if s.closed {
		return false
	}
	for {
		select {
		case s.frames <- f:
			return dropped
		default:
		}
		select {
		case <-s.frames:
			s.dropped.Add(1)
			dropped = true
		default:
		}
	}
}

// close se invoca con Manager.mu tomado.
func (s *Subscription) close() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.frames)
}
