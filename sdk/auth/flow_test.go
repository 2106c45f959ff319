package auth

import (
	"bytes"
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

	"github.com/xKoRx/trlink/sdk/cookies"
	"github.com/xKoRx/trlink/sdk/domain"
	"github.com/xKoRx/trlink/sdk/telemetry"
)

const apiHost = "api.traderepublic.com"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeAPI simula los endpoints de login, código y sesión.
type fakeAPI struct {
	mu sync.Mutex

	countdown int

	codeStatus  int
	codeBody    string
	codeCookies []string

	refreshStatus  int
	refreshCookies []string
	refreshGate    chan struct{}
	refreshStarted chan struct{}

	loginCalls   int
	codeCalls    int
	refreshCalls int
	loginBody    string
	lastCode     string
	lastCookie   string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		codeStatus:     http.StatusOK,
		codeCookies:    []string{"tr_session=s1; Domain=traderepublic.com; Path=/", "tr_refresh=r1; Path=/"},
		refreshStatus:  http.StatusOK,
		refreshCookies: []string{"tr_session=s2; Domain=traderepublic.com; Path=/"},
	}
}

func (a *fakeAPI) Send(req *http.Request) (*http.Response, error) {
	path := strings.TrimPrefix(req.URL.Path, "/api/v1")

	switch {
	case req.Method == http.MethodPost && path == "/auth/login":
		a.mu.Lock()
		a.loginCalls++
		n := a.loginCalls
		if req.Body != nil {
			raw, _ := io.ReadAll(req.Body)
			a.loginBody = string(raw)
		}
		countdown := a.countdown
		a.mu.Unlock()
		return respond(http.StatusOK, fmt.Sprintf(`{"processId":"proc-%d","countdownInSeconds":%d}`, n, countdown), nil), nil

	case req.Method == http.MethodPost && strings.HasPrefix(path, "/auth/login/"):
		a.mu.Lock()
		defer a.mu.Unlock()
		a.codeCalls++
		a.lastCode = path[strings.LastIndex(path, "/")+1:]
		if a.codeStatus != http.StatusOK {
			return respond(a.codeStatus, a.codeBody, nil), nil
		}
		return respond(http.StatusOK, "", a.codeCookies), nil

	case req.Method == http.MethodGet && path == "/auth/session":
		a.mu.Lock()
		a.refreshCalls++
		a.lastCookie = req.Header.Get("Cookie")
		gate, started := a.refreshGate, a.refreshStarted
		status, setCookies := a.refreshStatus, a.refreshCookies
		a.mu.Unlock()

		if started != nil {
			close(started)
		}
		if gate != nil {
			<-gate
		}
		return respond(status, "", setCookies), nil
	}
	return respond(http.StatusNotFound, "", nil), nil
}

func respond(status int, body string, setCookies []string) *http.Response {
	h := http.Header{}
	for _, c := range setCookies {
		h.Add("Set-Cookie", c)
	}
	return &http.Response{
		StatusCode: status,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func newTestFlow(t *testing.T, api *fakeAPI, clock *fakeClock) *Flow {
	t.Helper()
	creds, err := domain.NewCredentials("+4917012345678", "1234")
	require.NoError(t, err)
	flow, err := NewFlow(creds, api, cookies.NewJar(), DefaultConfig(), WithClock(clock.Now))
	require.NoError(t, err)
	return flow
}

func authenticate(t *testing.T, flow *Flow) {
	t.Helper()
	_, err := flow.Login(context.Background())
	require.NoError(t, err)
	outcome, err := flow.SubmitCode(context.Background(), "1234")
	require.NoError(t, err)
	require.True(t, outcome.Accepted())
}

func TestLoginAndSubmitCodeAccepted(t *testing.T) {
	api, clock := newFakeAPI(), newFakeClock()
	flow := newTestFlow(t, api, clock)

	processID, err := flow.Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "proc-1", processID)
	assert.Equal(t, StateAwaitingCode, flow.State())
	assert.JSONEq(t, `{"phoneNumber":"+4917012345678","pin":"1234"}`, api.loginBody)

	outcome, err := flow.SubmitCode(context.Background(), " 4321 ")
	require.NoError(t, err)
	assert.Equal(t, domain.CodeAccepted, outcome.Status)
	assert.Equal(t, "+49170***78", outcome.MaskedPhone)
	assert.Equal(t, "4321", api.lastCode)

	assert.Equal(t, StateAuthenticated, flow.State())
	assert.Equal(t, clock.Now().Add(290*time.Second), flow.ExpiresAt())
	assert.Equal(t, "tr_session=s1; tr_refresh=r1", flow.CookieHeader(apiHost))
}

func TestSubmitCodeRejectedKeepsProcessOpen(t *testing.T) {
	api, clock := newFakeAPI(), newFakeClock()
	api.codeStatus = http.StatusUnauthorized
	api.codeBody = `{"errors":[{"errorCode":"VALIDATION_CODE_INVALID","errorMessage":"wrong code"}]}`
	flow := newTestFlow(t, api, clock)

	_, err := flow.Login(context.Background())
	require.NoError(t, err)

	outcome, err := flow.SubmitCode(context.Background(), "0000")
	require.NoError(t, err)
	assert.Equal(t, domain.CodeRejected, outcome.Status)
	assert.Equal(t, "wrong code", outcome.Message)
	assert.Equal(t, StateAwaitingCode, flow.State())

	api.mu.Lock()
	api.codeStatus = http.StatusOK
	api.mu.Unlock()

	outcome, err = flow.SubmitCode(context.Background(), "1234")
	require.NoError(t, err)
	assert.True(t, outcome.Accepted())
	assert.Equal(t, 1, api.loginCalls)
}

func TestSubmitCodeExpiredProcessResends(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "gone", status: http.StatusGone},
		{name: "expired error code", status: http.StatusBadRequest, body: `{"errors":[{"errorCode":"VALIDATION_CODE_EXPIRED"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api, clock := newFakeAPI(), newFakeClock()
			api.codeStatus = tt.status
			api.codeBody = tt.body
			flow := newTestFlow(t, api, clock)

			_, err := flow.Login(context.Background())
			require.NoError(t, err)

			outcome, err := flow.SubmitCode(context.Background(), "1234")
			require.NoError(t, err)
			assert.Equal(t, domain.CodeResent, outcome.Status)
			assert.Contains(t, outcome.Message, "+49170***78")
			assert.Equal(t, 2, api.loginCalls)
			assert.Equal(t, StateAwaitingCode, flow.State())
		})
	}
}

func TestSubmitCodeAfterCountdownResendsLocally(t *testing.T) {
	api, clock := newFakeAPI(), newFakeClock()
	api.countdown = 60
	flow := newTestFlow(t, api, clock)

	_, err := flow.Login(context.Background())
	require.NoError(t, err)
	clock.Advance(61 * time.Second)

	outcome, err := flow.SubmitCode(context.Background(), "1234")
	require.NoError(t, err)
	assert.Equal(t, domain.CodeResent, outcome.Status)
	assert.Equal(t, 0, api.codeCalls)
	assert.Equal(t, 2, api.loginCalls)
}

func TestSubmitCodeWithoutCookiesFails(t *testing.T) {
	api, clock := newFakeAPI(), newFakeClock()
	api.codeCookies = nil
	flow := newTestFlow(t, api, clock)

	_, err := flow.Login(context.Background())
	require.NoError(t, err)

	_, err = flow.SubmitCode(context.Background(), "1234")
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.ErrAuthentication))
	assert.Equal(t, StateUnauthenticated, flow.State())
}

func TestSubmitCodeWithoutLogin(t *testing.T) {
	flow := newTestFlow(t, newFakeAPI(), newFakeClock())
	_, err := flow.SubmitCode(context.Background(), "1234")
	assert.True(t, domain.IsCode(err, domain.ErrAuthentication))
}

func TestEnsureValidLifecycle(t *testing.T) {
	api, clock := newFakeAPI(), newFakeClock()
	flow := newTestFlow(t, api, clock)
	ctx := context.Background()

	// sin sesión: inicia el login y pide el código
	err := flow.EnsureValid(ctx)
	require.Error(t, err)
	require.True(t, domain.IsTwoFactorRequired(err))
	var de *domain.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "+49170***78", de.MaskedPhone)
	assert.Equal(t, 1, api.loginCalls)

	// esperando código: no repite el login
	assert.True(t, domain.IsTwoFactorRequired(flow.EnsureValid(ctx)))
	assert.Equal(t, 1, api.loginCalls)

	outcome, err := flow.SubmitCode(ctx, "1234")
	require.NoError(t, err)
	require.True(t, outcome.Accepted())

	require.NoError(t, flow.EnsureValid(ctx))
	assert.Equal(t, 0, api.refreshCalls)

	// 290s de vida, 30s de margen: stale a los 260s
	clock.Advance(259 * time.Second)
	require.NoError(t, flow.EnsureValid(ctx))
	assert.Equal(t, 0, api.refreshCalls)

	clock.Advance(time.Second)
	require.NoError(t, flow.EnsureValid(ctx))
	assert.Equal(t, 1, api.refreshCalls)
	assert.Equal(t, "tr_session=s1; tr_refresh=r1", api.lastCookie)
	assert.Equal(t, clock.Now().Add(290*time.Second), flow.ExpiresAt())
	assert.Equal(t, "tr_session=s2", flow.CookieHeader(apiHost))
}

func TestEnsureValidCoalescesConcurrentRefresh(t *testing.T) {
	api, clock := newFakeAPI(), newFakeClock()
	flow := newTestFlow(t, api, clock)
	authenticate(t, flow)

	api.refreshGate = make(chan struct{})
	api.refreshStarted = make(chan struct{})
	clock.Advance(280 * time.Second)

	const callers = 8
	errs := make(chan error, callers)
	go func() { errs <- flow.EnsureValid(context.Background()) }()
	<-api.refreshStarted

	for i := 1; i < callers; i++ {
		go func() { errs <- flow.EnsureValid(context.Background()) }()
	}
	// dar tiempo a que todos se unan al refresh en curso
	time.Sleep(50 * time.Millisecond)
	close(api.refreshGate)

	for i := 0; i < callers; i++ {
		assert.NoError(t, <-errs)
	}
	assert.Equal(t, 1, api.refreshCalls)
	assert.Equal(t, StateAuthenticated, flow.State())
}

func TestEnsureValidRefreshesOnceUnderContention(t *testing.T) {
	api, clock := newFakeAPI(), newFakeClock()
	flow := newTestFlow(t, api, clock)
	authenticate(t, flow)
	clock.Advance(280 * time.Second)

	const (
		callers    = 32
		iterations = 200
	)
	start := make(chan struct{})
	errs := make(chan error, callers*iterations)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < iterations; j++ {
				errs <- flow.EnsureValid(context.Background())
			}
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, 1, api.refreshCalls)
	assert.Equal(t, StateAuthenticated, flow.State())
}

func TestSessionEstablishedLogsExpiry(t *testing.T) {
	api, clock := newFakeAPI(), newFakeClock()
	buf := &bytes.Buffer{}
	tel, err := telemetry.New(context.Background(), "trlink-test", "test",
		telemetry.WithLogLevel("INFO"),
		telemetry.WithLogWriter(buf),
		telemetry.WithMetricsDisabled(),
		telemetry.WithTracesDisabled(),
	)
	require.NoError(t, err)

	creds, err := domain.NewCredentials("+4917012345678", "1234")
	require.NoError(t, err)
	flow, err := NewFlow(creds, api, cookies.NewJar(), DefaultConfig(), WithClock(clock.Now), WithTelemetry(tel))
	require.NoError(t, err)
	authenticate(t, flow)

	var established map[string]any
	dec := json.NewDecoder(buf)
	for dec.More() {
		var line map[string]any
		require.NoError(t, dec.Decode(&line))
		if line["msg"] == "Session established" {
			established = line
		}
	}
	require.NotNil(t, established)
	assert.Equal(t, clock.Now().Add(290*time.Second).Format(time.RFC3339), established["trlink.expires_at"])
	assert.NotContains(t, established, "expires_at")
}

func TestRefreshFailureRequiresCodeAgain(t *testing.T) {
	api, clock := newFakeAPI(), newFakeClock()
	flow := newTestFlow(t, api, clock)
	authenticate(t, flow)

	api.refreshStatus = http.StatusUnauthorized
	clock.Advance(270 * time.Second)

	err := flow.EnsureValid(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsTwoFactorRequired(err))
	assert.Equal(t, StateAwaitingCode, flow.State())
	assert.Equal(t, 2, api.loginCalls)
	assert.Empty(t, flow.CookieHeader(apiHost))
	assert.True(t, flow.ExpiresAt().IsZero())
}

func TestExplicitRefreshFailureClearsSession(t *testing.T) {
	api, clock := newFakeAPI(), newFakeClock()
	flow := newTestFlow(t, api, clock)
	authenticate(t, flow)

	api.refreshStatus = http.StatusForbidden
	err := flow.Refresh(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.ErrAuthentication))
	assert.Equal(t, StateUnauthenticated, flow.State())
	assert.Equal(t, 0, flow.Jar().Len())
}

func TestRefreshWithoutSetCookieKeepsCookies(t *testing.T) {
	api, clock := newFakeAPI(), newFakeClock()
	api.refreshCookies = nil
	flow := newTestFlow(t, api, clock)
	authenticate(t, flow)

	require.NoError(t, flow.Refresh(context.Background()))
	assert.Equal(t, "tr_session=s1; tr_refresh=r1", flow.CookieHeader(apiHost))
}

func TestNewFlowValidation(t *testing.T) {
	creds, err := domain.NewCredentials("+4917012345678", "1234")
	require.NoError(t, err)

	_, err = NewFlow(domain.Credentials{}, newFakeAPI(), nil, DefaultConfig())
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.APIBase = "not a url"
	_, err = NewFlow(creds, newFakeAPI(), nil, cfg)
	assert.Error(t, err)
}
