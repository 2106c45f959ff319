// Package wstest provee un servidor WebSocket falso en memoria para tests.
//
// Server.Dial retorna *Conn, que satisface ws.Conn; los tests lo adaptan con
// ws.DialerFunc. Los frames `connect ...` se responden con Ack ("connected").
package wstest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ErrClosed lo retorna WriteMessage sobre una conexión cerrada.
var ErrClosed = errors.New("wstest: connection closed")

// Step resultado de un Dial: una conexión o un error.
type Step struct {
	Err error
	// Ack respuesta al handshake; "" usa "connected", "-" no responde
	Ack string
}

// Server secuencia de resultados de Dial.
type Server struct {
	mu      sync.Mutex
	steps   []Step
	conns   []*Conn
	headers []http.Header
	dials   int
}

// NewServer crea un servidor; sin steps todos los Dial conectan.
func NewServer(steps ...Step) *Server {
	return &Server{steps: steps}
}

// Dial consume el siguiente Step.
func (s *Server) Dial(ctx context.Context, url string, header http.Header) (*Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	step := Step{}
	if s.dials < len(s.steps) {
		step = s.steps[s.dials]
	}
	s.dials++
	s.headers = append(s.headers, header.Clone())

	if step.Err != nil {
		return nil, step.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := newConn(step.Ack)
	s.conns = append(s.conns, c)
	return c, nil
}

// Dials cantidad de llamadas a Dial.
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Conn i-ésima conexión establecida (nil si no existe).
func (s *Server) Conn(i int) *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.conns) {
		return nil
	}
	return s.conns[i]
}

// Conns cantidad de conexiones establecidas.
func (s *Server) Conns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Header headers del i-ésimo Dial.
func (s *Server) Header(i int) http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.headers) {
		return nil
	}
	return s.headers[i]
}

// Conn conexión en memoria.
type Conn struct {
	ack    string
	in     chan string
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written []string
	wrote   chan struct{}
	gate    chan struct{}
	stalled chan struct{}
}

func newConn(ack string) *Conn {
	if ack == "" {
		ack = "connected"
	}
	return &Conn{
		ack:     ack,
		in:      make(chan string, 256),
		closed:  make(chan struct{}),
		wrote:   make(chan struct{}, 1),
		stalled: make(chan struct{}, 1),
	}
}

// ReadMessage bloquea hasta el próximo frame del servidor o el cierre.
func (c *Conn) ReadMessage() (string, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.closed:
		return "", io.EOF
	}
}

// WriteMessage registra el frame enviado por el cliente.
func (c *Conn) WriteMessage(text string) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	c.mu.Lock()
	gate := c.gate
	c.mu.Unlock()
	if gate != nil {
		select {
		case c.stalled <- struct{}{}:
		default:
		}
		select {
		case <-gate:
		case <-c.closed:
			return ErrClosed
		}
	}

	c.mu.Lock()
	c.written = append(c.written, text)
	c.mu.Unlock()
	select {
	case c.wrote <- struct{}{}:
	default:
	}

	if strings.HasPrefix(text, "connect ") && c.ack != "-" {
		c.Push(c.ack)
	}
	return nil
}

// StallWrites bloquea las escrituras siguientes hasta llamar a release.
func (c *Conn) StallWrites() (release func()) {
	gate := make(chan struct{})
	c.mu.Lock()
	c.gate = gate
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.gate = nil
			c.mu.Unlock()
			close(gate)
		})
	}
}

// WaitStalled espera a que una escritura quede bloqueada por StallWrites.
func (c *Conn) WaitStalled(timeout time.Duration) bool {
	select {
	case <-c.stalled:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Close cierra la conexión; ReadMessage retorna io.EOF.
func (c *Conn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// Closed indica si la conexión fue cerrada.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Push encola un frame del servidor.
func (c *Conn) Push(frame string) {
	select {
	case c.in <- frame:
	case <-c.closed:
	}
}

// Drop simula un cierre inesperado desde el servidor.
func (c *Conn) Drop() {
	_ = c.Close()
}

// Written copia de los frames enviados por el cliente.
func (c *Conn) Written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.written))
	copy(out, c.written)
	return out
}

// WaitWritten espera hasta que el cliente haya enviado n frames.
func (c *Conn) WaitWritten(n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if len(c.Written()) >= n {
			return true
		}
		select {
		case <-c.wrote:
		case <-deadline.C:
			return len(c.Written()) >= n
		}
	}
}
