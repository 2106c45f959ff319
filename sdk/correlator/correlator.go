// Package correlator ofrece "suscribir y esperar una respuesta" sobre el
// WebSocket compartido.
//
// Await resuelve con el primer frame A (o rechaza con E) y desuscribe de
// inmediato; Stream entrega la primera respuesta y mantiene la suscripción
// viva para los D/C siguientes.
//
// Example:
//
//	c := correlator.New(manager)
//	quote, err := c.Await(ctx, "ticker", json.RawMessage(`{"id":"US0378331005.LSX"}`), 0)
package correlator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/xKoRx/trlink/sdk/domain"
	"github.com/xKoRx/trlink/sdk/telemetry"
	"github.com/xKoRx/trlink/sdk/telemetry/semconv"
	"github.com/xKoRx/trlink/sdk/ws"
)

// DefaultTimeout espera por defecto de una respuesta.
const DefaultTimeout = 10 * time.Second

// Subscriber lo implementa ws.Manager.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, payload json.RawMessage) (*ws.Subscription, error)
	Unsubscribe(id int64) error
}

// Option configura el Correlator.
type Option func(*Correlator)

// WithTelemetry asigna el cliente de telemetría.
func WithTelemetry(tel *telemetry.Client) Option {
	return func(c *Correlator) {
		if tel != nil {
			c.tel = tel
		}
	}
}

// WithDefaultTimeout reemplaza DefaultTimeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Correlator) {
		if d > 0 {
			c.defaultTimeout = d
		}
	}
}

// Correlator empareja suscripciones con su primera respuesta.
type Correlator struct {
	subs           Subscriber
	defaultTimeout time.Duration
	tel            *telemetry.Client
}

// New crea un Correlator.
func New(subs Subscriber, opts ...Option) *Correlator {
	c := &Correlator{
		subs:           subs,
		defaultTimeout: DefaultTimeout,
		tel:            telemetry.NewNoop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Await suscribe, espera la primera respuesta y desuscribe.
//
// timeout <= 0 usa el default. Al expirar retorna ErrTimeout; la suscripción
// se cierra en todos los casos.
func (c *Correlator) Await(ctx context.Context, topic string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	ctx, span := c.tel.StartSpan(ctx, "correlator.await")
	defer span.End()
	c.tel.SetSpanAttributes(ctx, semconv.Trlink.Topic.String(topic))

	start := time.Now()
	sub, err := c.subs.Subscribe(ctx, topic, payload)
	if err != nil {
		c.tel.RecordError(ctx, err)
		return nil, err
	}
	defer c.unsubscribe(ctx, sub)

	f, err := c.first(ctx, sub, timeout)
	c.observe(ctx, topic, start, err)
	if err != nil {
		c.tel.RecordError(ctx, err)
		return nil, err
	}
	return f.Payload, nil
}

// Stream suscripción viva cuya primera respuesta ya llegó.
type Stream struct {
	sub   *ws.Subscription
	first json.RawMessage
	close func()
}

// ID id de la suscripción.
func (s *Stream) ID() int64 { return s.sub.ID() }

// First primera respuesta (snapshot completo).
func (s *Stream) First() json.RawMessage { return s.first }

// Updates frames siguientes, cada uno con el snapshot reconstruido.
//
// Se cierra tras un C, una desconexión o Close.
func (s *Stream) Updates() <-chan ws.Frame { return s.sub.Frames() }

// Close desuscribe; es idempotente.
func (s *Stream) Close() { s.close() }

// Stream como Await, pero sin desuscribir tras la primera respuesta.
func (c *Correlator) Stream(ctx context.Context, topic string, payload json.RawMessage, timeout time.Duration) (*Stream, error) {
	ctx, span := c.tel.StartSpan(ctx, "correlator.stream")
	defer span.End()
	c.tel.SetSpanAttributes(ctx, semconv.Trlink.Topic.String(topic))

	start := time.Now()
	sub, err := c.subs.Subscribe(ctx, topic, payload)
	if err != nil {
		return nil, err
	}

	f, err := c.first(ctx, sub, timeout)
	c.observe(ctx, topic, start, err)
	if err != nil {
		c.unsubscribe(ctx, sub)
		return nil, err
	}

	var once sync.Once
	// el stream vive más que el ctx de su creación
	bg := context.WithoutCancel(ctx)
	return &Stream{
		sub:   sub,
		first: f.Payload,
		close: func() { once.Do(func() { c.unsubscribe(bg, sub) }) },
	}, nil
}

// first espera el primer A/E de la suscripción.
func (c *Correlator) first(ctx context.Context, sub *ws.Subscription, timeout time.Duration) (ws.Frame, error) {
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case f, ok := <-sub.Frames():
			if !ok {
				return ws.Frame{}, domain.NewError(domain.ErrConnection,
					"subscription closed before an answer arrived").ForSubscription(sub.ID())
			}
			if f.Err != nil {
				return f, f.Err
			}
			switch f.Code {
			case domain.FrameAnswer, domain.FrameDelta:
				return f, nil
			case domain.FrameComplete:
				return f, domain.NewError(domain.ErrServer,
					"subscription completed without an answer").ForSubscription(sub.ID())
			}
		case <-timer.C:
			return ws.Frame{}, domain.NewError(domain.ErrTimeout, "no answer within timeout").
				ForSubscription(sub.ID()).
				WithDetail("topic", sub.Topic()).
				WithDetail("timeout", timeout.String())
		case <-ctx.Done():
			return ws.Frame{}, domain.WrapError(domain.ErrTimeout, "waiting for answer", ctx.Err()).
				ForSubscription(sub.ID())
		}
	}
}

func (c *Correlator) unsubscribe(ctx context.Context, sub *ws.Subscription) {
	if err := c.subs.Unsubscribe(sub.ID()); err != nil {
		c.tel.Warn(ctx, "Unsubscribe failed",
			semconv.Logs.Feature.String("Correlator"),
			semconv.Trlink.SubscriptionID.Int64(sub.ID()),
			semconv.Trlink.Reason.String(err.Error()),
		)
	}
}

func (c *Correlator) observe(ctx context.Context, topic string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = string(domain.CodeOf(err))
		if result == "" {
			result = "error"
		}
	}
	elapsed := float64(time.Since(start).Microseconds()) / 1000
	c.tel.ProtocolMetrics().RecordCorrelatorLatency(ctx, elapsed,
		semconv.Trlink.Topic.String(topic),
		semconv.Trlink.Result.String(result),
	)

	attrs := []attribute.KeyValue{
		semconv.Logs.Feature.String("Correlator"),
		semconv.Trlink.Topic.String(topic),
		semconv.Trlink.Result.String(result),
	}
	if err != nil {
		c.tel.Debug(ctx, "Awaited subscription failed", append(attrs, semconv.Trlink.Reason.String(err.Error()))...)
		return
	}
	c.tel.Debug(ctx, "Awaited subscription answered", attrs...)
}
