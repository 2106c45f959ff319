package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn un WebSocket abierto, sólo frames de texto.
type Conn interface {
	ReadMessage() (string, error)
	WriteMessage(text string) error
	Close() error
}

// Dialer primitiva inyectada "abrir un WebSocket con headers".
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// DialerFunc adapta una función a Dialer.
type DialerFunc func(ctx context.Context, url string, header http.Header) (Conn, error)

// Dial implementa Dialer.
func (f DialerFunc) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	return f(ctx, url, header)
}

// GorillaDialer implementación real sobre gorilla/websocket.
type GorillaDialer struct {
	Dialer       *websocket.Dialer
	WriteTimeout time.Duration
}

// NewGorillaDialer dialer con timeout de handshake TLS/HTTP y de escritura.
func NewGorillaDialer(handshakeTimeout time.Duration) *GorillaDialer {
	return &GorillaDialer{
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		WriteTimeout: 10 * time.Second,
	}
}

// Dial implementa Dialer.
func (d *GorillaDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	c, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &gorillaConn{c: c, writeTimeout: d.WriteTimeout}, nil
}

// gorillaConn serializa escrituras (gorilla admite un solo writer concurrente).
type gorillaConn struct {
	c            *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

func (g *gorillaConn) ReadMessage() (string, error) {
	for {
		mt, data, err := g.c.ReadMessage()
		if err != nil {
			return "", err
		}
		// el protocolo sólo usa frames de texto
		if mt == websocket.TextMessage {
			return string(data), nil
		}
	}
}

func (g *gorillaConn) WriteMessage(text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.writeTimeout > 0 {
		_ = g.c.SetWriteDeadline(time.Now().Add(g.writeTimeout))
	}
	return g.c.WriteMessage(websocket.TextMessage, []byte(text))
}

func (g *gorillaConn) Close() error {
	g.mu.Lock()
	_ = g.c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	g.mu.Unlock()
	return g.c.Close()
}
