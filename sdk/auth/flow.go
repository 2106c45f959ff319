// Package auth implementa el login por teléfono + PIN + código SMS y el ciclo
// de vida de la sesión basada en cookies.
//
// Estados:
//
//	Unauthenticated → AwaitingCode → Authenticated → (stale) Refreshing → Authenticated
//	                                                                   ↘ AwaitingCode (código nuevo enviado)
//
// Toda mutación de la sesión pasa por Login, SubmitCode, EnsureValid, Refresh y Reset.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/xKoRx/trlink/sdk/cookies"
	"github.com/xKoRx/trlink/sdk/domain"
	"github.com/xKoRx/trlink/sdk/httpx"
	"github.com/xKoRx/trlink/sdk/telemetry"
	"github.com/xKoRx/trlink/sdk/telemetry/semconv"
)

// State estado del flujo de autenticación.
type State int

const (
	StateUnauthenticated State = iota
	StateAwaitingCode
	StateAuthenticated
	StateRefreshing
)

// String implementa fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAwaitingCode:
		return "awaiting_code"
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshing:
		return "refreshing"
	default:
		return "unknown"
	}
}

// Sender primitiva HTTP resiliente (httpx.Transport).
type Sender interface {
	Send(req *http.Request) (*http.Response, error)
}

// Config endpoints y tiempos de sesión.
type Config struct {
	// APIBase ej. https://api.traderepublic.com/api/v1
	APIBase string
	// SessionLifetime vida de la sesión desde el último login/refresh
	SessionLifetime time.Duration
	// RefreshBuffer margen antes de expirar en el que la sesión se considera stale
	RefreshBuffer time.Duration
}

// DefaultConfig valores de referencia.
func DefaultConfig() Config {
	return Config{
		APIBase:         "https://api.traderepublic.com/api/v1",
		SessionLifetime: 290 * time.Second,
		RefreshBuffer:   30 * time.Second,
	}
}

// Option configura el Flow.
type Option func(*Flow)

// WithClock reemplaza time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(f *Flow) { f.now = now }
}

// WithTelemetry asigna el cliente de telemetría.
func WithTelemetry(tel *telemetry.Client) Option {
	return func(f *Flow) {
		if tel != nil {
			f.tel = tel
		}
	}
}

// Flow orquesta login, código 2FA, captura de cookies y refresh.
type Flow struct {
	cfg       Config
	base      *url.URL
	creds     domain.Credentials
	transport Sender
	jar       *cookies.Jar
	tel       *telemetry.Client
	now       func() time.Time

	mu           sync.Mutex
	state        State
	processID    string
	codeDeadline time.Time // zero: sin countdown informado
	expiresAt    time.Time

	// group coalesce refresh y login concurrentes
	group singleflight.Group
}

// NewFlow crea el flujo. El jar se comparte con el Connection Manager.
func NewFlow(creds domain.Credentials, transport Sender, jar *cookies.Jar, cfg Config, opts ...Option) (*Flow, error) {
	if creds.IsZero() {
		return nil, domain.NewError(domain.ErrAuthentication, "credentials are required")
	}
	if transport == nil {
		return nil, fmt.Errorf("auth: transport is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.APIBase, "/"))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("auth: invalid api base %q", cfg.APIBase)
	}
	if jar == nil {
		jar = cookies.NewJar()
	}

	f := &Flow{
		cfg:       cfg,
		base:      base,
		creds:     creds,
		transport: transport,
		jar:       jar,
		tel:       telemetry.NewNoop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// State estado actual.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// ExpiresAt expiración de la sesión (zero si no hay sesión).
func (f *Flow) ExpiresAt() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.expiresAt
}

// MaskedPhoneNumber teléfono enmascarado para diagnósticos.
func (f *Flow) MaskedPhoneNumber() string {
	return f.creds.Masked()
}

// CookieHeader header Cookie para el host dado (ej. el del WebSocket).
func (f *Flow) CookieHeader(host string) string {
	return f.jar.Header(host)
}

// Jar jar de la sesión.
func (f *Flow) Jar() *cookies.Jar {
	return f.jar
}

// Login envía teléfono + PIN y deja el flujo esperando el código.
//
// Descarta cualquier sesión previa.
func (f *Flow) Login(ctx context.Context) (string, error) {
	ctx, span := f.tel.StartSpan(ctx, "auth.login")
	defer span.End()

	body := map[string]string{
		"phoneNumber": f.creds.PhoneNumber(),
		"pin":         f.creds.PIN(),
	}
	req, err := httpx.NewJSONRequest(ctx, http.MethodPost, f.endpoint("auth", "login"), body)
	if err != nil {
		return "", err
	}

	resp, err := f.transport.Send(req)
	if err != nil {
		f.tel.RecordError(ctx, err)
		return "", domain.WrapError(domain.ErrConnection, "login request failed", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode/100 != 2 {
		apiErr := parseAPIError(raw)
		err := statusError(domain.ErrAuthentication, "login rejected", resp.StatusCode, apiErr)
		f.tel.Warn(ctx, "Login rejected",
			semconv.Logs.Feature.String("Auth"),
			semconv.HTTP.StatusCode.Int(resp.StatusCode),
			semconv.Trlink.ErrorCode.String(apiErr.Code),
			semconv.Trlink.MaskedPhone.String(f.creds.Masked()),
		)
		f.tel.RecordError(ctx, err)
		return "", err
	}

	var payload struct {
		ProcessID          string `json:"processId"`
		CountdownInSeconds int    `json:"countdownInSeconds"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || payload.ProcessID == "" {
		return "", domain.NewError(domain.ErrAuthentication, "login response without processId")
	}

	now := f.now()
	f.mu.Lock()
	f.state = StateAwaitingCode
	f.processID = payload.ProcessID
	f.codeDeadline = time.Time{}
	if payload.CountdownInSeconds > 0 {
		f.codeDeadline = now.Add(time.Duration(payload.CountdownInSeconds) * time.Second)
	}
	f.expiresAt = time.Time{}
	f.mu.Unlock()
	f.jar.Clear()

	f.tel.Info(ctx, "Two-factor code sent",
		semconv.Logs.Feature.String("Auth"),
		semconv.Logs.Event.String("login_started"),
		semconv.Trlink.ProcessID.String(payload.ProcessID),
		semconv.Trlink.MaskedPhone.String(f.creds.Masked()),
	)
	return payload.ProcessID, nil
}

// SubmitCode envía el código 2FA del proceso en curso.
//
// Un código incorrecto no es un error: retorna CodeRejected y el proceso sigue
// abierto. Si el proceso expiró se pide un código nuevo y retorna CodeResent.
func (f *Flow) SubmitCode(ctx context.Context, code string) (domain.CodeOutcome, error) {
	ctx, span := f.tel.StartSpan(ctx, "auth.submit_code")
	defer span.End()

	masked := f.creds.Masked()
	code = strings.TrimSpace(code)

	f.mu.Lock()
	state, processID, deadline := f.state, f.processID, f.codeDeadline
	f.mu.Unlock()

	if state != StateAwaitingCode {
		return domain.CodeOutcome{}, domain.NewError(domain.ErrAuthentication,
			fmt.Sprintf("no login in progress (state=%s), start over from login", state))
	}
	if code == "" {
		return domain.CodeOutcome{Status: domain.CodeRejected, Message: "empty code", MaskedPhone: masked}, nil
	}
	if !deadline.IsZero() && !f.now().Before(deadline) {
		return f.resend(ctx, "code countdown elapsed")
	}

	req, err := httpx.NewJSONRequest(ctx, http.MethodPost, f.endpoint("auth", "login", processID, code), nil)
	if err != nil {
		return domain.CodeOutcome{}, err
	}
	resp, err := f.transport.Send(req)
	if err != nil {
		f.tel.RecordError(ctx, err)
		return domain.CodeOutcome{}, domain.WrapError(domain.ErrConnection, "code submission failed", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode/100 == 2:
		return f.acceptSession(ctx, resp)

	case isExpired(resp.StatusCode, raw):
		return f.resend(ctx, "login process expired")

	case resp.StatusCode >= 500:
		apiErr := parseAPIError(raw)
		return domain.CodeOutcome{}, statusError(domain.ErrConnection, "code submission failed", resp.StatusCode, apiErr)

	default:
		apiErr := parseAPIError(raw)
		msg := apiErr.Message
		if msg == "" {
			msg = "code rejected"
		}
		f.tel.Warn(ctx, "Two-factor code rejected",
			semconv.Logs.Feature.String("Auth"),
			semconv.Logs.Event.String("code_rejected"),
			semconv.HTTP.StatusCode.Int(resp.StatusCode),
			semconv.Trlink.ErrorCode.String(apiErr.Code),
			semconv.Trlink.MaskedPhone.String(masked),
		)
		return domain.CodeOutcome{Status: domain.CodeRejected, Message: msg, MaskedPhone: masked}, nil
	}
}

func (f *Flow) acceptSession(ctx context.Context, resp *http.Response) (domain.CodeOutcome, error) {
	now := f.now()
	parsed, err := cookies.ParseRequired(resp.Header.Values("Set-Cookie"), f.base.Host, now)
	if err != nil {
		f.reset()
		f.tel.Error(ctx, "Code accepted without session cookies", err,
			semconv.Logs.Feature.String("Auth"))
		return domain.CodeOutcome{}, err
	}
	f.jar.Replace(parsed)

	expires := now.Add(f.cfg.SessionLifetime)
	f.mu.Lock()
	f.state = StateAuthenticated
	f.processID = ""
	f.codeDeadline = time.Time{}
	f.expiresAt = expires
	f.mu.Unlock()

	f.tel.Info(ctx, "Session established",
		semconv.Logs.Feature.String("Auth"),
		semconv.Logs.Event.String("code_accepted"),
		semconv.Trlink.ExpiresAt.String(expires.UTC().Format(time.RFC3339)),
	)
	return domain.CodeOutcome{
		Status:      domain.CodeAccepted,
		Message:     "authenticated",
		MaskedPhone: f.creds.Masked(),
		ExpiresAt:   expires,
	}, nil
}

func (f *Flow) resend(ctx context.Context, reason string) (domain.CodeOutcome, error) {
	f.tel.Info(ctx, "Requesting a new two-factor code",
		semconv.Logs.Feature.String("Auth"),
		semconv.Logs.Event.String("code_resent"),
		semconv.Trlink.Reason.String(reason),
	)
	if _, err := f.loginShared(ctx); err != nil {
		return domain.CodeOutcome{}, err
	}
	masked := f.creds.Masked()
	return domain.CodeOutcome{
		Status:      domain.CodeResent,
		Message:     fmt.Sprintf("%s, a new code was sent to %s", reason, masked),
		MaskedPhone: masked,
	}, nil
}

// EnsureValid garantiza una sesión usable.
//
//   - sesión vigente: nil
//   - sesión stale: un único refresh compartido por todos los callers concurrentes
//   - sin sesión: inicia el login y retorna TwoFactorRequired
//   - esperando código: TwoFactorRequired
func (f *Flow) EnsureValid(ctx context.Context) error {
	f.mu.Lock()
	state := f.state
	fresh := f.freshLocked()
	f.mu.Unlock()

	switch {
	case fresh:
		return nil
	case state == StateAuthenticated || state == StateRefreshing:
		return f.refreshShared(ctx)
	case state == StateAwaitingCode:
		return domain.NewTwoFactorRequired(f.creds.Masked())
	default:
		if _, err := f.loginShared(ctx); err != nil {
			return err
		}
		return domain.NewTwoFactorRequired(f.creds.Masked())
	}
}

// refreshShared coalesce callers concurrentes en un solo refresh.
//
// Si el refresh falla se inicia un login nuevo y todos reciben TwoFactorRequired.
func (f *Flow) refreshShared(ctx context.Context) error {
	ch := f.group.DoChan("refresh", func() (any, error) {
		// otro refresh pudo terminar entre la lectura del estado y DoChan
		f.mu.Lock()
		fresh, awaiting := f.freshLocked(), f.state == StateAwaitingCode
		f.mu.Unlock()
		switch {
		case fresh:
			return nil, nil
		case awaiting:
			return nil, domain.NewTwoFactorRequired(f.creds.Masked())
		}

		// el refresh no depende de la cancelación del primer caller
		shared := context.WithoutCancel(ctx)
		if err := f.Refresh(shared); err != nil {
			if _, lerr := f.loginShared(shared); lerr != nil {
				return nil, lerr
			}
			tfa := domain.NewTwoFactorRequired(f.creds.Masked())
			tfa.Wrapped = err
			return nil, tfa
		}
		return nil, nil
	})

	select {
	case <-ctx.Done():
		return domain.WrapError(domain.ErrTimeout, "waiting for session refresh", ctx.Err())
	case res := <-ch:
		return res.Err
	}
}

// freshLocked indica si la sesión es usable sin refresh. Requiere f.mu.
func (f *Flow) freshLocked() bool {
	return f.state == StateAuthenticated && f.now().Before(f.expiresAt.Add(-f.cfg.RefreshBuffer))
}

func (f *Flow) loginShared(ctx context.Context) (string, error) {
	ch := f.group.DoChan("login", func() (any, error) {
		return f.Login(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return "", domain.WrapError(domain.ErrTimeout, "waiting for login", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Refresh renueva la sesión con las cookies actuales.
//
// En caso de fallo limpia las cookies y vuelve a Unauthenticated.
func (f *Flow) Refresh(ctx context.Context) error {
	ctx, span := f.tel.StartSpan(ctx, "auth.refresh")
	defer span.End()

	header := f.jar.Header(f.base.Host)
	if header == "" {
		f.reset()
		return domain.NewError(domain.ErrAuthentication, "no session cookies to refresh")
	}

	f.mu.Lock()
	f.state = StateRefreshing
	f.mu.Unlock()

	err := f.doRefresh(ctx, header)
	if err != nil {
		f.reset()
		f.tel.ProtocolMetrics().RecordAuthRefresh(ctx, "failure")
		f.tel.Warn(ctx, "Session refresh failed, authentication required again",
			semconv.Logs.Feature.String("Auth"),
			semconv.Logs.Event.String("refresh_failed"),
			semconv.Trlink.Reason.String(err.Error()),
		)
		f.tel.RecordError(ctx, err)
		return err
	}

	f.tel.ProtocolMetrics().RecordAuthRefresh(ctx, "success")
	f.tel.Debug(ctx, "Session refreshed", semconv.Logs.Feature.String("Auth"))
	return nil
}

func (f *Flow) doRefresh(ctx context.Context, cookieHeader string) error {
	req, err := httpx.NewJSONRequest(ctx, http.MethodGet, f.endpoint("auth", "session"), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Cookie", cookieHeader)

	resp, err := f.transport.Send(req)
	if err != nil {
		return domain.WrapError(domain.ErrAuthentication, "session refresh failed", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode/100 != 2 {
		return statusError(domain.ErrAuthentication, "session refresh rejected", resp.StatusCode, parseAPIError(raw))
	}

	now := f.now()
	// sin Set-Cookie el servidor extiende las cookies existentes
	if parsed := cookies.Parse(resp.Header.Values("Set-Cookie"), f.base.Host, now); len(parsed) > 0 {
		f.jar.Replace(parsed)
	}

	f.mu.Lock()
	f.state = StateAuthenticated
	f.expiresAt = now.Add(f.cfg.SessionLifetime)
	f.mu.Unlock()
	return nil
}

// Reset descarta la sesión y cualquier login en curso.
func (f *Flow) Reset() {
	f.reset()
}

func (f *Flow) reset() {
	f.jar.Clear()
	f.mu.Lock()
	f.state = StateUnauthenticated
	f.processID = ""
	f.codeDeadline = time.Time{}
	f.expiresAt = time.Time{}
	f.mu.Unlock()
}

func (f *Flow) endpoint(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return f.base.String() + "/" + strings.Join(escaped, "/")
}

// apiError forma {"errors":[{"errorCode":"...","errorMessage":"..."}]}.
type apiError struct {
	Code    string
	Message string
}

func parseAPIError(raw []byte) apiError {
	var body struct {
		Errors []struct {
			ErrorCode    string `json:"errorCode"`
			ErrorMessage string `json:"errorMessage"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || len(body.Errors) == 0 {
		return apiError{}
	}
	return apiError{Code: body.Errors[0].ErrorCode, Message: body.Errors[0].ErrorMessage}
}

func isExpired(status int, raw []byte) bool {
	if status == http.StatusGone {
		return true
	}
	if status/100 != 4 {
		return false
	}
	return strings.Contains(strings.ToUpper(parseAPIError(raw).Code), "EXPIRED")
}

func statusError(code domain.ErrorCode, msg string, status int, apiErr apiError) *domain.Error {
	e := domain.NewError(code, fmt.Sprintf("%s (status %d)", msg, status)).
		WithDetail("status", status)
	if apiErr.Code != "" {
		e.WithDetail("errorCode", apiErr.Code)
	}
	if apiErr.Message != "" {
		e.WithDetail("errorMessage", apiErr.Message)
	}
	return e
}
