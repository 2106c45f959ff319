package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/xKoRx/trlink/sdk/telemetry"
	"github.com/xKoRx/trlink/sdk/telemetry/semconv"
)

// Config parámetros del transporte resiliente.
type Config struct {
	// RateInterval un request admitido por intervalo (1s)
	RateInterval time.Duration
	Retry        RetryConfig
	// Timeout por intento cuando la primitiva es el http.Client por defecto
	Timeout time.Duration
}

// DefaultConfig valores de referencia del protocolo.
func DefaultConfig() Config {
	return Config{
		RateInterval: time.Second,
		Retry:        DefaultRetryConfig(),
		Timeout:      15 * time.Second,
	}
}

// Transport primitiva HTTP decorada con rate limit y reintentos.
//
// Mismo contrato que la primitiva: Send(req) -> (resp, err).
type Transport struct {
	doer    Doer
	limiter *rate.Limiter
}

// Option configura el Transport.
type Option func(*options)

type options struct {
	limiter *rate.Limiter
	retry   []RetryOption
}

// WithLimiter comparte un limiter existente (un limiter por proceso).
func WithLimiter(l *rate.Limiter) Option {
	return func(o *options) { o.limiter = l }
}

// WithRetryOptions opciones adicionales del retrier (ej. WithSleep).
func WithRetryOptions(opts ...RetryOption) Option {
	return func(o *options) { o.retry = append(o.retry, opts...) }
}

// New compone Retry(Throttle(Instrument(primitive))).
//
// primitive nil usa un http.Client con cfg.Timeout.
func New(primitive Doer, cfg Config, tel *telemetry.Client, opts ...Option) *Transport {
	if tel == nil {
		tel = telemetry.NewNoop()
	}
	if primitive == nil {
		primitive = &http.Client{Timeout: cfg.Timeout}
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.limiter == nil {
		o.limiter = NewLimiter(cfg.RateInterval)
	}

	retryOpts := append([]RetryOption{WithRetryTelemetry(tel)}, o.retry...)
	return &Transport{
		doer: Chain(primitive,
			Retry(cfg.Retry, retryOpts...),
			Throttle(o.limiter, tel),
			Instrument(tel),
		),
		limiter: o.limiter,
	}
}

// Send ejecuta el request con la política completa.
func (t *Transport) Send(req *http.Request) (*http.Response, error) {
	return t.doer.Do(req)
}

// Do implementa Doer.
func (t *Transport) Do(req *http.Request) (*http.Response, error) {
	return t.Send(req)
}

// Limiter el limiter compartido.
func (t *Transport) Limiter() *rate.Limiter {
	return t.limiter
}

// Instrument registra cada intento en HTTPMetrics.
func Instrument(tel *telemetry.Client) Middleware {
	if tel == nil {
		tel = telemetry.NewNoop()
	}
	return func(next Doer) Doer {
		return DoerFunc(func(req *http.Request) (*http.Response, error) {
			ctx := req.Context()
			metrics := tel.HTTPMetrics()
			done := metrics.StartDurationTimer(ctx,
				semconv.HTTP.Method.String(req.Method),
				semconv.HTTP.Path.String(req.URL.Path),
			)
			resp, err := next.Do(req)
			done()

			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			metrics.RecordHTTPRequest(ctx, req.Method, req.URL.Path, status)
			tel.Debug(ctx, "HTTP attempt",
				semconv.HTTP.Method.String(req.Method),
				semconv.HTTP.Host.String(req.URL.Host),
				semconv.HTTP.Path.String(req.URL.Path),
				semconv.HTTP.StatusCode.Int(status),
			)
			return resp, err
		})
	}
}

// NewJSONRequest crea un request con body JSON rebobinable.
//
// body nil produce un request sin body.
func NewJSONRequest(ctx context.Context, method, url string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("httpx: encode body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}
