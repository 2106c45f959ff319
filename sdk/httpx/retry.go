package httpx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"

	"github.com/xKoRx/trlink/sdk/telemetry"
	"github.com/xKoRx/trlink/sdk/telemetry/semconv"
)

// RetryConfig política de reintentos.
type RetryConfig struct {
	// MaxRetries intentos adicionales al primero
	MaxRetries int
	// BaseDelay espera antes del primer reintento; se duplica en cada uno
	BaseDelay time.Duration
	// MaxDelay tope de la espera
	MaxDelay time.Duration
}

// DefaultRetryConfig 3 reintentos con esperas 1s, 2s, 4s (tope 10s).
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   10 * time.Second,
	}
}

// SleepFunc espera d o hasta que ctx termine.
type SleepFunc func(ctx context.Context, d time.Duration) error

// RetryOption configura el retrier.
type RetryOption func(*retrier)

// WithSleep reemplaza la espera entre intentos (tests).
func WithSleep(sleep SleepFunc) RetryOption {
	return func(r *retrier) { r.sleep = sleep }
}

// WithRetryTelemetry asigna el cliente de telemetría.
func WithRetryTelemetry(tel *telemetry.Client) RetryOption {
	return func(r *retrier) {
		if tel != nil {
			r.tel = tel
		}
	}
}

type retrier struct {
	cfg   RetryConfig
	next  Doer
	sleep SleepFunc
	tel   *telemetry.Client
}

// Retry reintenta respuestas 5xx/429 y errores de red transitorios.
//
// Otros 4xx se retornan de inmediato. Agotados los reintentos se retorna el
// último resultado de la primitiva tal cual.
func Retry(cfg RetryConfig, opts ...RetryOption) Middleware {
	return func(next Doer) Doer {
		r := &retrier{
			cfg:   cfg,
			next:  next,
			sleep: sleepContext,
			tel:   telemetry.NewNoop(),
		}
		for _, opt := range opts {
			opt(r)
		}
		return r
	}
}

func (r *retrier) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = r.cfg.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Do implementa Doer.
func (r *retrier) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	b := r.newBackOff()

	attemptReq := req
	for attempt := 1; ; attempt++ {
		resp, err := r.next.Do(attemptReq)

		remaining := r.cfg.MaxRetries - (attempt - 1)
		if remaining <= 0 || !ShouldRetry(ctx, resp, err) {
			return resp, err
		}

		delay := b.NextBackOff()
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		attrs := []attribute.KeyValue{
			semconv.HTTP.Method.String(req.Method),
			semconv.HTTP.Path.String(req.URL.Path),
			semconv.HTTP.StatusCode.Int(status),
			semconv.Trlink.Attempt.Int(attempt),
			semconv.Trlink.AttemptsRemaining.Int(remaining),
			semconv.Trlink.DelayMs.Int64(delay.Milliseconds()),
		}
		if err != nil {
			attrs = append(attrs, semconv.HTTP.Error.String(err.Error()))
		}
		r.tel.Warn(ctx, "Retrying HTTP request", attrs...)
		r.tel.ProtocolMetrics().RecordHTTPRetry(ctx, semconv.HTTP.Path.String(req.URL.Path))

		drain(resp)
		if err := r.sleep(ctx, delay); err != nil {
			return nil, err
		}

		next, rerr := rewind(req)
		if rerr != nil {
			return nil, rerr
		}
		attemptReq = next
	}
}

// ShouldRetry clasifica el resultado de un intento.
func ShouldRetry(ctx context.Context, resp *http.Response, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		return isTransient(err)
	}
	if resp == nil {
		return false
	}
	return resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
}

func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// rewind prepara una copia del request con el body rebobinado.
func rewind(req *http.Request) (*http.Request, error) {
	clone := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return clone, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("httpx: request body for %s %s cannot be replayed", req.Method, req.URL.Path)
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("httpx: rewind body: %w", err)
	}
	clone.Body = body
	return clone, nil
}

// drain libera la conexión de una respuesta descartada.
func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
