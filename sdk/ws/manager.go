// Package ws mantiene el WebSocket compartido del protocolo: handshake,
// multiplexado de suscripciones por id, decodificación de deltas, heartbeat y
// reconexión con resuscripción.
//
// Un único read loop por conexión despacha los frames en orden de llegada,
// de modo que los frames de una misma suscripción se entregan en orden.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"

	"github.com/xKoRx/trlink/sdk/delta"
	"github.com/xKoRx/trlink/sdk/domain"
	"github.com/xKoRx/trlink/sdk/telemetry"
	"github.com/xKoRx/trlink/sdk/telemetry/semconv"
)

// SessionProvider sesión autenticada de la que se toman las cookies.
//
// auth.Flow la implementa.
type SessionProvider interface {
	EnsureValid(ctx context.Context) error
	CookieHeader(host string) string
}

// Config parámetros de la conexión.
type Config struct {
	URL            string
	ConnectVersion int
	Handshake      Handshake

	// HandshakeTimeout cubre dial + respuesta `connected`
	HandshakeTimeout time.Duration

	HeartbeatInterval time.Duration
	// HeartbeatTimeout silencio máximo antes de dar la conexión por muerta
	HeartbeatTimeout time.Duration

	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration

	// FrameBuffer capacidad de la cola de cada suscripción
	FrameBuffer int
}

// DefaultConfig valores por defecto.
func DefaultConfig() Config {
	return Config{
		URL:                  "wss://api.traderepublic.com",
		ConnectVersion:       31,
		Handshake:            DefaultHandshake(),
		HandshakeTimeout:     10 * time.Second,
		HeartbeatInterval:    20 * time.Second,
		HeartbeatTimeout:     40 * time.Second,
		MaxReconnectAttempts: 5,
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		FrameBuffer:          64,
	}
}

// SleepFunc espera d o hasta que ctx termine.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option configura el Manager.
type Option func(*Manager)

// WithSleep reemplaza la espera entre reconexiones (tests).
func WithSleep(sleep SleepFunc) Option {
	return func(m *Manager) { m.sleep = sleep }
}

// WithClock reemplaza time.Now (heartbeat).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithTelemetry asigna el cliente de telemetría.
func WithTelemetry(tel *telemetry.Client) Option {
	return func(m *Manager) {
		if tel != nil {
			m.tel = tel
		}
	}
}

// errStale intento de conexión invalidado por un Disconnect concurrente.
var errStale = domain.NewError(domain.ErrConnection, "connection attempt superseded by disconnect")

// Manager dueño único del WebSocket y del estado de conexión.
type Manager struct {
	cfg     Config
	host    string
	dialer  Dialer
	session SessionProvider
	tel     *telemetry.Client
	sleep   SleepFunc
	now     func() time.Time

	// connMu serializa connect, reconexión y disconnect
	connMu sync.Mutex

	mu              sync.Mutex
	state           domain.ConnectionState
	conn            Conn
	subs            map[int64]*Subscription
	order           []int64
	nextID          int64
	lastFrame       time.Time
	stopHeartbeat   chan struct{}
	epoch           uint64
	reconnectCancel context.CancelFunc

	snapshots *delta.Store
	wg        sync.WaitGroup
}

// NewManager crea el manager sin conectar.
func NewManager(dialer Dialer, session SessionProvider, cfg Config, opts ...Option) (*Manager, error) {
	if dialer == nil {
		return nil, fmt.Errorf("ws: dialer is required")
	}
	if session == nil {
		return nil, fmt.Errorf("ws: session provider is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("ws: invalid url %q", cfg.URL)
	}

	m := &Manager{
		cfg:       cfg,
		host:      u.Hostname(),
		dialer:    dialer,
		session:   session,
		tel:       telemetry.NewNoop(),
		sleep:     sleepContext,
		now:       time.Now,
		subs:      make(map[int64]*Subscription),
		snapshots: delta.NewStore(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// State estado actual de la conexión.
func (m *Manager) State() domain.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ActiveSubscriptions suscripciones vivas en orden de creación.
func (m *Manager) ActiveSubscriptions() []domain.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Subscription, 0, len(m.order))
	for _, id := range m.order {
		sub := m.subs[id]
		out = append(out, domain.Subscription{ID: id, Topic: sub.topic, Payload: sub.payload})
	}
	return out
}

// Connect abre el WebSocket y completa el handshake.
//
// Es idempotente: con la conexión establecida (o reconectando) retorna nil.
func (m *Manager) Connect(ctx context.Context) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	m.mu.Lock()
	if m.state == domain.StateConnected || m.state == domain.StateReconnecting {
		m.mu.Unlock()
		return nil
	}
	m.state = domain.StateConnecting
	epoch := m.epoch
	m.mu.Unlock()

	ctx, span := m.tel.StartSpan(ctx, "ws.connect")
	defer span.End()

	if err := m.establish(ctx, epoch); err != nil {
		m.mu.Lock()
		if m.epoch == epoch && m.state == domain.StateConnecting {
			m.state = domain.StateDisconnected
		}
		m.mu.Unlock()
		m.tel.RecordError(ctx, err)
		return err
	}

	m.tel.Info(ctx, "WebSocket connected",
		semconv.Logs.Feature.String("WebSocket"),
		semconv.Trlink.Host.String(m.host),
	)
	return nil
}

// establish valida la sesión, abre la conexión y la instala.
//
// Se invoca con connMu tomado.
func (m *Manager) establish(ctx context.Context, epoch uint64) error {
	if err := m.session.EnsureValid(ctx); err != nil {
		return err
	}
	conn, err := m.open(ctx)
	if err != nil {
		return err
	}
	return m.install(conn, epoch)
}

// open dial + `connect` + espera de `connected` dentro de HandshakeTimeout.
func (m *Manager) open(ctx context.Context) (Conn, error) {
	hctx := ctx
	if m.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
		defer cancel()
	}

	header := http.Header{}
	if cookie := m.session.CookieHeader(m.host); cookie != "" {
		header.Set("Cookie", cookie)
	}

	conn, err := m.dialer.Dial(hctx, m.cfg.URL, header)
	if err != nil {
		return nil, domain.WrapError(domain.ErrConnection, "websocket dial failed", err)
	}

	frame, err := connectFrame(m.cfg.ConnectVersion, m.cfg.Handshake)
	if err != nil {
		_ = conn.Close()
		return nil, domain.WrapError(domain.ErrConnection, "encode handshake", err)
	}
	if err := conn.WriteMessage(frame); err != nil {
		_ = conn.Close()
		return nil, domain.WrapError(domain.ErrConnection, "send handshake", err)
	}

	type ack struct {
		text string
		err  error
	}
	acks := make(chan ack, 1)
	go func() {
		text, err := conn.ReadMessage()
		acks <- ack{text: text, err: err}
	}()

	select {
	case <-hctx.Done():
		_ = conn.Close()
		return nil, domain.WrapError(domain.ErrConnection, "handshake timed out", hctx.Err())
	case a := <-acks:
		if a.err != nil {
			_ = conn.Close()
			return nil, domain.WrapError(domain.ErrConnection, "handshake read failed", a.err)
		}
		if a.text != connectedAck {
			_ = conn.Close()
			return nil, domain.NewError(domain.ErrConnection, "handshake rejected").
				WithDetail("response", a.text)
		}
	}
	return conn, nil
}

// install publica la conexión, reenvía las suscripciones y arranca el read
// loop y el heartbeat.
func (m *Manager) install(conn Conn, epoch uint64) error {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		_ = conn.Close()
		return errStale
	}

	m.conn = conn
	m.state = domain.StateConnected
	m.lastFrame = m.now()
	// los deltas de la conexión anterior no aplican sobre la nueva
	m.snapshots.Clear()

	resend := make([]int64, len(m.order))
	frames := make([]string, len(m.order))
	for i, id := range m.order {
		resend[i] = id
		frames[i] = subFrame(id, m.subs[id].body)
	}

	stop := make(chan struct{})
	m.stopHeartbeat = stop
	m.wg.Add(2)
	go m.readLoop(conn)
	go m.heartbeat(conn, stop)
	m.mu.Unlock()

	// fuera de m.mu: una escritura lenta no frena el dispatch
	for i, frame := range frames {
		if err := conn.WriteMessage(frame); err != nil {
			m.tel.Warn(context.Background(), "Failed to resubscribe",
				semconv.Logs.Feature.String("WebSocket"),
				semconv.Trlink.SubscriptionID.Int64(resend[i]),
				semconv.Trlink.Reason.String(err.Error()),
			)
		}
	}
	return nil
}

// Subscribe registra una suscripción y envía `sub <id> <json>`.
//
// Si no hay conexión se conecta primero. Reconectando, la suscripción se
// envía al restablecerse la conexión.
func (m *Manager) Subscribe(ctx context.Context, topic string, payload json.RawMessage) (*Subscription, error) {
	if topic == "" {
		return nil, domain.NewError(domain.ErrProtocol, "subscription topic is required")
	}
	body, err := subBody(topic, payload)
	if err != nil {
		return nil, err
	}

	if m.State() == domain.StateDisconnected {
		if err := m.Connect(ctx); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	m.nextID++
	id := m.nextID
	sub := newSubscription(id, topic, payload, body, m.cfg.FrameBuffer)
	m.subs[id] = sub
	m.order = append(m.order, id)
	var conn Conn
	if m.state == domain.StateConnected {
		conn = m.conn
	}
	m.mu.Unlock()

	// sin conexión, install la envía al restablecerse
	if conn != nil {
		if err := conn.WriteMessage(subFrame(id, body)); err != nil {
			// el read loop detecta la caída y la reconexión reenvía la suscripción
			m.tel.Warn(ctx, "Failed to send subscription",
				semconv.Logs.Feature.String("WebSocket"),
				semconv.Trlink.SubscriptionID.Int64(id),
				semconv.Trlink.Reason.String(err.Error()),
			)
		}
	}

	attrs := subAttrs(id, topic)
	m.tel.ProtocolMetrics().RecordSubscriptionOpened(ctx, semconv.Trlink.Topic.String(topic))
	m.tel.Debug(ctx, "Subscription opened", attrs...)
	return sub, nil
}

// Unsubscribe envía `unsub <id>` y cierra el canal de la suscripción.
//
// Ids desconocidos o ya cerrados se ignoran.
func (m *Manager) Unsubscribe(id int64) error {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	m.removeLocked(id)
	m.snapshots.Delete(id)
	sub.close()
	var conn Conn
	if m.state == domain.StateConnected {
		conn = m.conn
	}
	m.mu.Unlock()

	m.tel.ProtocolMetrics().RecordSubscriptionClosed(context.Background(), "unsubscribe",
		semconv.Trlink.Topic.String(sub.topic))
	if conn == nil {
		return nil
	}
	if err := conn.WriteMessage(unsubFrame(id)); err != nil {
		return domain.WrapError(domain.ErrConnection, "send unsubscribe", err).ForSubscription(id)
	}
	return nil
}

// Disconnect cierra el WebSocket, cancela la reconexión en curso y cierra
// todas las suscripciones. Retorna cuando las goroutines internas terminaron.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	m.epoch++
	if m.reconnectCancel != nil {
		m.reconnectCancel()
		m.reconnectCancel = nil
	}
	m.mu.Unlock()

	m.connMu.Lock()
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.stopHeartbeatLocked()
	m.state = domain.StateDisconnected
	m.closeAllLocked("disconnect", nil)
	m.mu.Unlock()
	m.connMu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	m.wg.Wait()

	m.tel.Info(context.Background(), "WebSocket disconnected", semconv.Logs.Feature.String("WebSocket"))
	return err
}

func (m *Manager) readLoop(conn Conn) {
	defer m.wg.Done()
	for {
		text, err := conn.ReadMessage()
		if err != nil {
			m.connLost(conn, domain.WrapError(domain.ErrConnection, "websocket read failed", err))
			return
		}
		m.dispatch(conn, text)
	}
}

// dispatch decodifica un frame y lo entrega a su suscripción.
func (m *Manager) dispatch(conn Conn, text string) {
	ctx := context.Background()

	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.lastFrame = m.now()
	m.mu.Unlock()

	in, err := parseFrame(text)
	if err != nil {
		m.tel.ProtocolMetrics().RecordProtocolError(ctx)
		m.tel.Warn(ctx, "Discarding malformed frame",
			semconv.Logs.Feature.String("WebSocket"),
			semconv.Trlink.Reason.String(err.Error()),
		)
		return
	}
	m.tel.ProtocolMetrics().RecordFrameReceived(ctx, in.code.String())

	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[in.id]
	if !ok {
		// frames tardíos de suscripciones ya cerradas
		m.tel.Debug(ctx, "Frame for unknown subscription ignored",
			semconv.Trlink.SubscriptionID.Int64(in.id),
			semconv.Trlink.FrameCode.String(in.code.String()),
		)
		return
	}

	switch in.code {
	case domain.FrameAnswer:
		payload, err := m.snapshots.Answer(in.id, in.payload)
		m.deliverDecoded(ctx, sub, in.code, payload, err)
	case domain.FrameDelta:
		payload, err := m.snapshots.Delta(in.id, in.payload)
		m.deliverDecoded(ctx, sub, in.code, payload, err)
	case domain.FrameComplete:
		m.snapshots.Delete(in.id)
		var payload json.RawMessage
		if in.payload != "" && json.Valid([]byte(in.payload)) {
			payload = json.RawMessage(in.payload)
		}
		m.deliver(ctx, sub, Frame{SubscriptionID: in.id, Code: in.code, Payload: payload})
		m.removeLocked(in.id)
		sub.close()
		m.tel.ProtocolMetrics().RecordSubscriptionClosed(ctx, "complete", semconv.Trlink.Topic.String(sub.topic))
	case domain.FrameError:
		serr := serverError(in.id, in.payload)
		m.tel.Warn(ctx, "Server reported subscription error",
			append(subAttrs(in.id, sub.topic), semconv.Trlink.Reason.String(serr.Message))...)
		m.deliver(ctx, sub, Frame{SubscriptionID: in.id, Code: in.code, Err: serr})
	}
}

func (m *Manager) deliverDecoded(ctx context.Context, sub *Subscription, code domain.FrameCode, payload json.RawMessage, err error) {
	if err != nil {
		m.tel.ProtocolMetrics().RecordDecodeError(ctx, semconv.Trlink.Topic.String(sub.topic))
		m.tel.Warn(ctx, "Failed to decode frame",
			append(subAttrs(sub.id, sub.topic),
				semconv.Trlink.FrameCode.String(code.String()),
				semconv.Trlink.Reason.String(err.Error()))...)
		m.deliver(ctx, sub, Frame{SubscriptionID: sub.id, Code: code, Err: err})
		return
	}
	m.deliver(ctx, sub, Frame{SubscriptionID: sub.id, Code: code, Payload: payload})
}

// deliver se invoca con mu tomado.
func (m *Manager) deliver(ctx context.Context, sub *Subscription, f Frame) {
	if sub.deliver(f) {
		m.tel.ProtocolMetrics().RecordFrameDropped(ctx, semconv.Trlink.Topic.String(sub.topic))
		m.tel.Debug(ctx, "Slow consumer, oldest frame dropped", subAttrs(sub.id, sub.topic)...)
	}
}

// connLost reacciona a la caída de conn; llamadas sobre conexiones ya
// reemplazadas se ignoran.
func (m *Manager) connLost(conn Conn, cause error) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.stopHeartbeatLocked()
	m.state = domain.StateReconnecting
	epoch := m.epoch
	ctx, cancel := context.WithCancel(context.Background())
	m.reconnectCancel = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	_ = conn.Close()
	m.tel.Warn(ctx, "WebSocket connection lost, reconnecting",
		semconv.Logs.Feature.String("WebSocket"),
		semconv.Trlink.Reason.String(cause.Error()),
	)
	go m.reconnect(ctx, cancel, epoch, cause)
}

func (m *Manager) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.ReconnectBaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = m.cfg.ReconnectMaxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// reconnect reintenta con backoff exponencial; agotados los intentos entrega
// ErrConnection a todas las suscripciones.
func (m *Manager) reconnect(ctx context.Context, cancel context.CancelFunc, epoch uint64, cause error) {
	defer m.wg.Done()
	defer cancel()

	b := m.newBackOff()
	lastErr := cause
	for attempt := 1; attempt <= m.cfg.MaxReconnectAttempts; attempt++ {
		delay := b.NextBackOff()
		m.tel.Info(ctx, "Reconnect scheduled",
			semconv.Logs.Feature.String("WebSocket"),
			semconv.Trlink.Attempt.Int(attempt),
			semconv.Trlink.AttemptsRemaining.Int(m.cfg.MaxReconnectAttempts-attempt),
			semconv.Trlink.DelayMs.Int64(delay.Milliseconds()),
		)
		if err := m.sleep(ctx, delay); err != nil {
			return
		}

		err := m.reconnectOnce(ctx, epoch)
		if errors.Is(err, errStale) || ctx.Err() != nil {
			return
		}
		if err == nil {
			m.tel.ProtocolMetrics().RecordReconnectAttempt(ctx, "success")
			m.tel.Info(ctx, "WebSocket reconnected",
				semconv.Logs.Feature.String("WebSocket"),
				semconv.Trlink.Attempt.Int(attempt),
			)
			return
		}

		lastErr = err
		m.tel.ProtocolMetrics().RecordReconnectAttempt(ctx, "failure")
		m.tel.Warn(ctx, "Reconnect attempt failed",
			semconv.Logs.Feature.String("WebSocket"),
			semconv.Trlink.Attempt.Int(attempt),
			semconv.Trlink.ErrorCode.String(string(domain.CodeOf(err))),
			semconv.Trlink.Reason.String(err.Error()),
		)
		// sin código 2FA no hay reconexión posible; reintentar sólo genera SMS
		if domain.IsTwoFactorRequired(err) {
			break
		}
	}

	m.failAll(epoch, lastErr)
}

func (m *Manager) reconnectOnce(ctx context.Context, epoch uint64) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	m.mu.Lock()
	stale := m.epoch != epoch || m.state != domain.StateReconnecting
	m.mu.Unlock()
	if stale {
		return errStale
	}
	return m.establish(ctx, epoch)
}

// failAll entrega el error fatal y deja el manager desconectado.
func (m *Manager) failAll(epoch uint64, cause error) {
	ctx := context.Background()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch || m.state != domain.StateReconnecting {
		return
	}

	m.tel.Error(ctx, "Reconnect attempts exhausted", cause,
		semconv.Logs.Feature.String("WebSocket"),
		semconv.Trlink.Attempt.Int(m.cfg.MaxReconnectAttempts),
	)
	m.closeAllLocked("reconnect_exhausted", func(id int64) error {
		return domain.WrapError(domain.ErrConnection, "reconnect attempts exhausted", cause).ForSubscription(id)
	})
	m.state = domain.StateDisconnected
	m.reconnectCancel = nil
}

// closeAllLocked cierra todas las suscripciones; si fatal no es nil entrega
// antes un frame con ese error.
func (m *Manager) closeAllLocked(reason string, fatal func(id int64) error) {
	ctx := context.Background()
	for _, id := range m.order {
		sub := m.subs[id]
		if fatal != nil {
			m.deliver(ctx, sub, Frame{SubscriptionID: id, Err: fatal(id)})
		}
		sub.close()
		m.tel.ProtocolMetrics().RecordSubscriptionClosed(ctx, reason, semconv.Trlink.Topic.String(sub.topic))
	}
	m.subs = make(map[int64]*Subscription)
	m.order = nil
	m.snapshots.Clear()
}

func (m *Manager) removeLocked(id int64) {
	delete(m.subs, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

func (m *Manager) stopHeartbeatLocked() {
	if m.stopHeartbeat != nil {
		close(m.stopHeartbeat)
		m.stopHeartbeat = nil
	}
}

// heartbeat da la conexión por muerta tras HeartbeatTimeout sin frames.
func (m *Manager) heartbeat(conn Conn, stop <-chan struct{}) {
	defer m.wg.Done()
	if m.cfg.HeartbeatInterval <= 0 || m.cfg.HeartbeatTimeout <= 0 {
		<-stop
		return
	}

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			current := m.conn == conn
			idle := m.now().Sub(m.lastFrame)
			m.mu.Unlock()
			if !current {
				return
			}
			if idle < m.cfg.HeartbeatTimeout {
				continue
			}

			ctx := context.Background()
			m.tel.ProtocolMetrics().RecordHeartbeatTimeout(ctx)
			m.tel.Warn(ctx, "No frames within heartbeat timeout",
				semconv.Logs.Feature.String("WebSocket"),
				semconv.Trlink.DelayMs.Int64(idle.Milliseconds()),
			)
			m.connLost(conn, domain.NewError(domain.ErrConnection, "heartbeat timeout"))
			return
		}
	}
}

func subAttrs(id int64, topic string) []attribute.KeyValue {
	return []attribute.KeyValue{
		semconv.Logs.Feature.String("WebSocket"),
		semconv.Trlink.SubscriptionID.Int64(id),
		semconv.Trlink.Topic.String(topic),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
