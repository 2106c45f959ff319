package httpx

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/xKoRx/trlink/sdk/domain"
	"github.com/xKoRx/trlink/sdk/telemetry"
)

func TestChainOrder(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next Doer) Doer {
			return DoerFunc(func(req *http.Request) (*http.Response, error) {
				order = append(order, name)
				return next.Do(req)
			})
		}
	}
	base := DoerFunc(func(req *http.Request) (*http.Response, error) {
		order = append(order, "primitive")
		return &http.Response{StatusCode: 200}, nil
	})

	_, err := Chain(base, tag("outer"), tag("inner")).Do(newRequest(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "inner", "primitive"}, order)
}

func TestEveryAttemptIsThrottled(t *testing.T) {
	doer := &scriptedDoer{results: []result{{status: 500}, {status: 500}, {status: 200}}}
	rec := &sleepRecorder{}

	var admitted int32
	counting := func(next Doer) Doer {
		return DoerFunc(func(req *http.Request) (*http.Response, error) {
			atomic.AddInt32(&admitted, 1)
			return next.Do(req)
		})
	}

	tr := New(doer, DefaultConfig(), telemetry.NewNoop(),
		WithLimiter(rate.NewLimiter(rate.Inf, 1)),
		WithRetryOptions(WithSleep(rec.sleep)),
	)
	// mismo orden que New, con un contador en el lugar del throttle
	d := Chain(doer, Retry(DefaultRetryConfig(), WithSleep(rec.sleep)), counting)

	_, err := d.Do(newRequest(t))
	require.NoError(t, err)
	assert.EqualValues(t, 3, atomic.LoadInt32(&admitted))

	doer.calls = 0
	resp, err := tr.Send(newRequest(t))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, 3, doer.calls)
}

func TestThrottleSpacesRequests(t *testing.T) {
	interval := 60 * time.Millisecond
	doer := &scriptedDoer{results: []result{{status: 200}}}
	d := Throttle(NewLimiter(interval), nil)(doer)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := d.Do(newRequest(t))
		require.NoError(t, err)
	}
	// primera inmediata, luego una por intervalo
	assert.GreaterOrEqual(t, time.Since(start), 2*interval-10*time.Millisecond)
	assert.Equal(t, 3, doer.calls)
}

func TestThrottleHonorsContext(t *testing.T) {
	limiter := NewLimiter(time.Hour)
	require.True(t, limiter.Allow())

	doer := &scriptedDoer{results: []result{{status: 200}}}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := Throttle(limiter, nil)(doer).Do(newRequest(t).WithContext(ctx))
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.ErrTimeout))
	assert.Equal(t, 0, doer.calls)
}

func TestNewJSONRequest(t *testing.T) {
	req, err := NewJSONRequest(context.Background(), http.MethodGet, "https://api.example.com/api/v1/auth/session", nil)
	require.NoError(t, err)
	assert.Nil(t, req.Body)
	assert.Empty(t, req.Header.Get("Content-Type"))

	req = newRequest(t)
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	require.NotNil(t, req.GetBody)
}
