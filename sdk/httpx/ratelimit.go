package httpx

import (
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/xKoRx/trlink/sdk/domain"
	"github.com/xKoRx/trlink/sdk/telemetry"
	"github.com/xKoRx/trlink/sdk/telemetry/semconv"
)

// NewLimiter admite un request por interval, sin ráfagas.
//
// Los waiters se liberan en orden de llegada.
func NewLimiter(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

// Throttle espera un turno del limiter antes de cada request.
//
// El limiter se comparte entre todos los callers del proceso.
func Throttle(limiter *rate.Limiter, tel *telemetry.Client) Middleware {
	if tel == nil {
		tel = telemetry.NewNoop()
	}
	return func(next Doer) Doer {
		return DoerFunc(func(req *http.Request) (*http.Response, error) {
			ctx := req.Context()
			start := time.Now()
			if err := limiter.Wait(ctx); err != nil {
				return nil, domain.WrapError(domain.ErrTimeout, "rate limiter wait aborted", err)
			}
			if waited := time.Since(start); waited > time.Millisecond {
				tel.Debug(ctx, "Request throttled",
					semconv.HTTP.Middleware.String("ratelimit"),
					semconv.HTTP.Path.String(req.URL.Path),
					semconv.Trlink.DelayMs.Int64(waited.Milliseconds()),
				)
			}
			return next.Do(req)
		})
	}
}
