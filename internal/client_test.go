package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xKoRx/trlink/sdk/domain"
	"github.com/xKoRx/trlink/sdk/httpx"
	"github.com/xKoRx/trlink/sdk/telemetry"
	"github.com/xKoRx/trlink/sdk/ws"
	"github.com/xKoRx/trlink/sdk/ws/wstest"
)

const waitFor = 2 * time.Second

// fakeBackend responde login y código como el servicio real.
type fakeBackend struct {
	mu        sync.Mutex
	loginBody string
	codes     []string
}

func (b *fakeBackend) Do(req *http.Request) (*http.Response, error) {
	path := strings.TrimPrefix(req.URL.Path, "/api/v1")
	switch {
	case req.Method == http.MethodPost && path == "/auth/login":
		raw, _ := io.ReadAll(req.Body)
		b.mu.Lock()
		b.loginBody = string(raw)
		b.mu.Unlock()
		return response(http.StatusOK, `{"processId":"proc-1","countdownInSeconds":300}`), nil

	case req.Method == http.MethodPost && strings.HasPrefix(path, "/auth/login/proc-1/"):
		code := path[strings.LastIndex(path, "/")+1:]
		b.mu.Lock()
		b.codes = append(b.codes, code)
		b.mu.Unlock()
		if code != "4321" {
			return response(http.StatusBadRequest, `{"errors":[{"errorCode":"VALIDATION_CODE_INVALID","errorMessage":"wrong code"}]}`), nil
		}
		resp := response(http.StatusOK, "")
		resp.Header.Add("Set-Cookie", "tr_session=sess-1; Domain=.traderepublic.com; Path=/; Max-Age=290")
		return resp, nil
	}
	return response(http.StatusNotFound, ""), nil
}

func response(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func testConfig() *Config {
	cfg := DefaultConfig("testing")
	cfg.PhoneNumber = "+4917012345678"
	cfg.PIN = "1234"
	cfg.RateInterval = 0
	cfg.HeartbeatInterval = 0
	return cfg
}

func newTestClient(t *testing.T, backend *fakeBackend, srv *wstest.Server) *Client {
	t.Helper()
	dialer := ws.DialerFunc(func(ctx context.Context, u string, h http.Header) (ws.Conn, error) {
		c, err := srv.Dial(ctx, u, h)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
	c, err := NewClient(context.Background(), testConfig(),
		WithHTTPDoer(backend),
		WithDialer(dialer),
		WithTelemetry(telemetry.NewNoop()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func TestClientLoginAndAwait(t *testing.T) {
	backend := &fakeBackend{}
	srv := wstest.NewServer()
	c := newTestClient(t, backend, srv)
	ctx := context.Background()

	assert.Equal(t, "+49170***78", c.MaskedPhoneNumber())
	assert.NotEmpty(t, c.InstanceID())

	// sin sesión: se envía el código y se pide al usuario
	err := c.EnsureAuthenticated(ctx)
	require.Error(t, err)
	require.True(t, domain.IsTwoFactorRequired(err))
	var tfa *domain.Error
	require.ErrorAs(t, err, &tfa)
	assert.Equal(t, "+49170***78", tfa.MaskedPhone)
	assert.JSONEq(t, `{"phoneNumber":"+4917012345678","pin":"1234"}`, backend.loginBody)

	// un código incorrecto deja el proceso abierto
	outcome, err := c.SubmitTwoFactorCode(ctx, "0000")
	require.NoError(t, err)
	assert.Equal(t, domain.CodeRejected, outcome.Status)
	assert.Equal(t, "wrong code", outcome.Message)

	outcome, err = c.SubmitTwoFactorCode(ctx, "4321")
	require.NoError(t, err)
	require.True(t, outcome.Accepted())
	require.NoError(t, c.EnsureAuthenticated(ctx))

	type result struct {
		payload json.RawMessage
		err     error
	}
	done := make(chan result, 1)
	go func() {
		p, err := c.SubscribeAndAwait(ctx, "ticker", json.RawMessage(`{"id":"US0378331005.LSX"}`), time.Second)
		done <- result{payload: p, err: err}
	}()

	require.Eventually(t, func() bool { return srv.Conns() == 1 }, waitFor, 5*time.Millisecond)
	conn := srv.Conn(0)
	require.True(t, conn.WaitWritten(2, waitFor))
	assert.Equal(t, "tr_session=sess-1", srv.Header(0).Get("Cookie"))
	assert.Equal(t, `sub 1 {"id":"US0378331005.LSX","type":"ticker"}`, conn.Written()[1])

	conn.Push(`1 A {"bid":{"price":"13.873"},"ask":{"price":"13.915"}}`)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.JSONEq(t, `{"bid":{"price":"13.873"},"ask":{"price":"13.915"}}`, string(r.payload))
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for answer")
	}
	assert.Equal(t, domain.StateConnected, c.State())

	require.NoError(t, c.Close(ctx))
	assert.Equal(t, domain.StateDisconnected, c.State())
	assert.True(t, conn.Closed())

	// tras Close la sesión se descarta
	err = c.EnsureAuthenticated(ctx)
	assert.True(t, domain.IsTwoFactorRequired(err))
}

func TestClientSubscribeRequiresSession(t *testing.T) {
	srv := wstest.NewServer()
	c := newTestClient(t, &fakeBackend{}, srv)

	_, err := c.Subscribe(context.Background(), "portfolio", nil)
	require.Error(t, err)
	assert.True(t, domain.IsTwoFactorRequired(err))
	assert.Equal(t, 0, srv.Dials())
}

func TestClientLowLevelSubscription(t *testing.T) {
	backend := &fakeBackend{}
	srv := wstest.NewServer()
	c := newTestClient(t, backend, srv)
	ctx := context.Background()

	require.True(t, domain.IsTwoFactorRequired(c.EnsureAuthenticated(ctx)))
	_, err := c.SubmitTwoFactorCode(ctx, "4321")
	require.NoError(t, err)

	sub, err := c.Subscribe(ctx, "portfolio", nil)
	require.NoError(t, err)
	conn := srv.Conn(0)
	conn.Push(fmt.Sprintf(`%d A {"cash":1}`, sub.ID()))

	select {
	case f := <-sub.Frames():
		assert.JSONEq(t, `{"cash":1}`, string(f.Payload))
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for frame")
	}

	require.NoError(t, c.Unsubscribe(sub.ID()))
	require.True(t, conn.WaitWritten(3, waitFor))
	assert.Equal(t, fmt.Sprintf("unsub %d", sub.ID()), conn.Written()[2])
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(context.Background(), nil)
	assert.Error(t, err)

	cfg := testConfig()
	cfg.PIN = ""
	_, err = NewClient(context.Background(), cfg, WithTelemetry(telemetry.NewNoop()))
	assert.Error(t, err)
}

func TestNewClientOwnsTelemetry(t *testing.T) {
	c, err := NewClient(context.Background(), testConfig(), WithHTTPDoer(httpx.DoerFunc(func(*http.Request) (*http.Response, error) {
		return response(http.StatusServiceUnavailable, ""), nil
	})))
	require.NoError(t, err)
	assert.True(t, c.ownsTel)
	assert.NotNil(t, c.Telemetry())
	assert.NoError(t, c.Close(context.Background()))
}
