package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/xKoRx/trlink/sdk/auth"
	"github.com/xKoRx/trlink/sdk/cookies"
	"github.com/xKoRx/trlink/sdk/correlator"
	"github.com/xKoRx/trlink/sdk/domain"
	"github.com/xKoRx/trlink/sdk/httpx"
	"github.com/xKoRx/trlink/sdk/telemetry"
	"github.com/xKoRx/trlink/sdk/telemetry/semconv"
	"github.com/xKoRx/trlink/sdk/ws"
)

// Option configura el Client.
type Option func(*options)

type options struct {
	doer   httpx.Doer
	dialer ws.Dialer
	tel    *telemetry.Client
	now    func() time.Time
	sleep  ws.SleepFunc
}

// WithHTTPDoer reemplaza la primitiva HTTP (por defecto http.Client).
func WithHTTPDoer(d httpx.Doer) Option {
	return func(o *options) { o.doer = d }
}

// WithDialer reemplaza la primitiva WebSocket (por defecto gorilla/websocket).
func WithDialer(d ws.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithTelemetry usa un cliente de telemetría existente; Close no lo cierra.
func WithTelemetry(tel *telemetry.Client) Option {
	return func(o *options) { o.tel = tel }
}

// WithClock reemplaza time.Now en auth y heartbeat.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithReconnectSleep reemplaza la espera entre reconexiones.
func WithReconnectSleep(sleep ws.SleepFunc) Option {
	return func(o *options) { o.sleep = sleep }
}

// Client fachada para los colaboradores: autenticación, suscripciones y
// consultas de una respuesta sobre una única sesión.
type Client struct {
	cfg        *Config
	instanceID string
	tel        *telemetry.Client
	ownsTel    bool

	jar        *cookies.Jar
	flow       *auth.Flow
	manager    *ws.Manager
	correlator *correlator.Correlator
}

// NewClient arma transporte, auth, WebSocket y correlator.
//
// No hace I/O de red: el login empieza con EnsureAuthenticated.
func NewClient(ctx context.Context, cfg *Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	creds, err := cfg.Credentials()
	if err != nil {
		return nil, err
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	c := &Client{
		cfg:        cfg,
		instanceID: uuid.NewString(),
		tel:        o.tel,
		jar:        cookies.NewJar(),
	}
	if c.tel == nil {
		c.tel, err = initTelemetry(ctx, cfg, c.instanceID)
		if err != nil {
			return nil, err
		}
		c.ownsTel = true
	}

	transport := httpx.New(o.doer, cfg.httpConfig(), c.tel)

	authOpts := []auth.Option{auth.WithTelemetry(c.tel)}
	wsOpts := []ws.Option{ws.WithTelemetry(c.tel)}
	if o.now != nil {
		authOpts = append(authOpts, auth.WithClock(o.now))
		wsOpts = append(wsOpts, ws.WithClock(o.now))
	}
	if o.sleep != nil {
		wsOpts = append(wsOpts, ws.WithSleep(o.sleep))
	}

	c.flow, err = auth.NewFlow(creds, transport, c.jar, cfg.authConfig(), authOpts...)
	if err != nil {
		return nil, c.abort(ctx, err)
	}

	dialer := o.dialer
	if dialer == nil {
		dialer = ws.NewGorillaDialer(cfg.HandshakeTimeout)
	}
	c.manager, err = ws.NewManager(dialer, c.flow, cfg.wsConfig(), wsOpts...)
	if err != nil {
		return nil, c.abort(ctx, err)
	}

	c.correlator = correlator.New(c.manager,
		correlator.WithTelemetry(c.tel),
		correlator.WithDefaultTimeout(cfg.DefaultTimeout),
	)

	c.tel.Info(ctx, "Client ready",
		semconv.Logs.Feature.String("Client"),
		semconv.Trlink.InstanceID.String(c.instanceID),
		semconv.Trlink.MaskedPhone.String(creds.Masked()),
	)
	return c, nil
}

func (c *Client) abort(ctx context.Context, err error) error {
	if c.ownsTel {
		_ = c.tel.Shutdown(ctx)
	}
	return err
}

// EnsureAuthenticated garantiza una sesión válida.
//
// Sin sesión inicia el login y retorna un error TwoFactorRequired; el código
// recibido se envía con SubmitTwoFactorCode.
func (c *Client) EnsureAuthenticated(ctx context.Context) error {
	return c.flow.EnsureValid(ctx)
}

// SubmitTwoFactorCode envía el código recibido por SMS/app.
func (c *Client) SubmitTwoFactorCode(ctx context.Context, code string) (domain.CodeOutcome, error) {
	return c.flow.SubmitCode(ctx, code)
}

// SubscribeAndAwait consulta de una sola respuesta (ej. cotización).
//
// timeout <= 0 usa correlator/default_timeout_s.
func (c *Client) SubscribeAndAwait(ctx context.Context, topic string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	return c.correlator.Await(ctx, topic, payload, timeout)
}

// Stream suscripción viva; Close en el stream desuscribe.
func (c *Client) Stream(ctx context.Context, topic string, payload json.RawMessage, timeout time.Duration) (*correlator.Stream, error) {
	return c.correlator.Stream(ctx, topic, payload, timeout)
}

// Subscribe suscripción de bajo nivel con acceso a todos los frames.
func (c *Client) Subscribe(ctx context.Context, topic string, payload json.RawMessage) (*ws.Subscription, error) {
	return c.manager.Subscribe(ctx, topic, payload)
}

// Unsubscribe cierra una suscripción creada con Subscribe.
func (c *Client) Unsubscribe(id int64) error {
	return c.manager.Unsubscribe(id)
}

// State estado del WebSocket.
func (c *Client) State() domain.ConnectionState {
	return c.manager.State()
}

// MaskedPhoneNumber teléfono enmascarado para diagnósticos.
func (c *Client) MaskedPhoneNumber() string {
	return c.flow.MaskedPhoneNumber()
}

// InstanceID id de esta instancia (atributo común de telemetría).
func (c *Client) InstanceID() string {
	return c.instanceID
}

// Telemetry cliente de telemetría en uso.
func (c *Client) Telemetry() *telemetry.Client {
	return c.tel
}

// Close desconecta el WebSocket, descarta la sesión y cierra la telemetría propia.
func (c *Client) Close(ctx context.Context) error {
	errs := []error{c.manager.Disconnect()}
	c.flow.Reset()
	c.tel.Info(ctx, "Client closed", semconv.Logs.Feature.String("Client"))
	if c.ownsTel {
		errs = append(errs, c.tel.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
