// Package internal arma el cliente de protocolo a partir de la configuración
// cargada desde ETCD (o un archivo TOML para corridas locales).
package internal

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/xKoRx/trlink/sdk/auth"
	"github.com/xKoRx/trlink/sdk/domain"
	"github.com/xKoRx/trlink/sdk/etcd"
	"github.com/xKoRx/trlink/sdk/httpx"
	"github.com/xKoRx/trlink/sdk/ws"
)

const (
	envScope = "ENV"
	envPhone = "TRLINK_PHONE"
	envPIN   = "TRLINK_PIN"
)

// Config configuración del cliente.
//
// Cargada desde ETCD en namespace trlink/{environment}. Teléfono y PIN sólo
// vienen de variables de entorno.
type Config struct {
	// Endpoints
	APIBase string // endpoints/api_base
	WSURL   string // endpoints/ws_url

	// Auth
	SessionLifetime time.Duration // auth/session_lifetime_s
	RefreshBuffer   time.Duration // auth/refresh_buffer_s

	// HTTP
	RateInterval time.Duration // http/rate_interval_ms
	MaxRetries   int           // http/max_retries
	RetryBase    time.Duration // http/retry_base_ms
	RetryMax     time.Duration // http/retry_max_ms
	HTTPTimeout  time.Duration // http/timeout_s

	// WebSocket
	ConnectVersion       int           // ws/connect_version
	Locale               string        // ws/locale
	HandshakeTimeout     time.Duration // ws/handshake_timeout_s
	HeartbeatInterval    time.Duration // ws/heartbeat_interval_s
	HeartbeatTimeout     time.Duration // ws/heartbeat_timeout_s
	MaxReconnectAttempts int           // ws/max_reconnect_attempts
	ReconnectBase        time.Duration // ws/reconnect_base_ms
	ReconnectMax         time.Duration // ws/reconnect_max_ms
	FrameBuffer          int           // ws/frame_buffer

	// Correlator
	DefaultTimeout time.Duration // correlator/default_timeout_s

	// Telemetry
	ServiceName     string // telemetry/service_name
	ServiceVersion  string // telemetry/service_version
	Environment     string // telemetry/environment
	OTLPEndpoint    string // endpoints/otel/otlp_endpoint
	MetricsEndpoint string // endpoints/otel/metrics_endpoint
	LogLevel        string // log_level (INFO, DEBUG, WARN, ERROR)

	// Credenciales (TRLINK_PHONE / TRLINK_PIN)
	PhoneNumber string
	PIN         string
}

// DefaultConfig valores por defecto, sobrescritos por ETCD o TOML.
func DefaultConfig(env string) *Config {
	if env == "" {
		env = "development"
	}
	authCfg := auth.DefaultConfig()
	httpCfg := httpx.DefaultConfig()
	wsCfg := ws.DefaultConfig()

	return &Config{
		APIBase:              authCfg.APIBase,
		WSURL:                wsCfg.URL,
		SessionLifetime:      authCfg.SessionLifetime,
		RefreshBuffer:        authCfg.RefreshBuffer,
		RateInterval:         httpCfg.RateInterval,
		MaxRetries:           httpCfg.Retry.MaxRetries,
		RetryBase:            httpCfg.Retry.BaseDelay,
		RetryMax:             httpCfg.Retry.MaxDelay,
		HTTPTimeout:          httpCfg.Timeout,
		ConnectVersion:       wsCfg.ConnectVersion,
		Locale:               wsCfg.Handshake.Locale,
		HandshakeTimeout:     wsCfg.HandshakeTimeout,
		HeartbeatInterval:    wsCfg.HeartbeatInterval,
		HeartbeatTimeout:     wsCfg.HeartbeatTimeout,
		MaxReconnectAttempts: wsCfg.MaxReconnectAttempts,
		ReconnectBase:        wsCfg.ReconnectBaseDelay,
		ReconnectMax:         wsCfg.ReconnectMaxDelay,
		FrameBuffer:          wsCfg.FrameBuffer,
		DefaultTimeout:       10 * time.Second,
		ServiceName:          "trlink",
		ServiceVersion:       "0.1.0",
		Environment:          env,
		LogLevel:             "INFO",
	}
}

// varSource origen de overrides clave → valor (etcd.Client).
type varSource interface {
	Snapshot(ctx context.Context) (map[string]string, error)
}

// LoadConfig carga configuración desde ETCD.
//
// Environment se determina desde la variable ENV (default: development).
//
// Uso:
//
//	cfg, err := internal.LoadConfig(ctx)
//	if err != nil {
//	    return err
//	}
func LoadConfig(ctx context.Context) (*Config, error) {
	env := os.Getenv(envScope)
	if env == "" {
		env = "development"
	}

	etcdClient, err := etcd.New(
		etcd.WithApp("trlink"),
		etcd.WithEnv(env),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ETCD client: %w", err)
	}
	defer etcdClient.Close()

	return loadFrom(ctx, etcdClient, env)
}

func loadFrom(ctx context.Context, src varSource, env string) (*Config, error) {
	vars, err := src.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from ETCD: %w", err)
	}

	cfg := DefaultConfig(env)
	if err := cfg.apply(vars); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFile carga configuración desde un archivo TOML.
//
// Las tablas del archivo replican las claves de ETCD:
//
//	log_level = "DEBUG"
//
//	[endpoints]
//	ws_url = "wss://api.traderepublic.com"
//
//	[ws]
//	heartbeat_interval_s = 20
func LoadConfigFile(path string) (*Config, error) {
	var raw map[string]any
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := DefaultConfig(os.Getenv(envScope))
	if err := cfg.apply(flatten("", raw)); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// flatten convierte tablas anidadas en claves "tabla/clave".
func flatten(prefix string, in map[string]any) map[string]string {
	out := make(map[string]string)
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "/" + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = fmt.Sprint(v)
	}
	return out
}

type setter func(cfg *Config, val string) error

func stringVar(field func(*Config) *string) setter {
	return func(cfg *Config, val string) error {
		*field(cfg) = strings.TrimSpace(val)
		return nil
	}
}

func intVar(field func(*Config) *int) setter {
	return func(cfg *Config, val string) error {
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return err
		}
		*field(cfg) = n
		return nil
	}
}

func durationVar(unit time.Duration, field func(*Config) *time.Duration) setter {
	return func(cfg *Config, val string) error {
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return err
		}
		*field(cfg) = time.Duration(n) * unit
		return nil
	}
}

var configKeys = map[string]setter{
	"endpoints/api_base":              stringVar(func(c *Config) *string { return &c.APIBase }),
	"endpoints/ws_url":                stringVar(func(c *Config) *string { return &c.WSURL }),
	"endpoints/otel/otlp_endpoint":    stringVar(func(c *Config) *string { return &c.OTLPEndpoint }),
	"endpoints/otel/metrics_endpoint": stringVar(func(c *Config) *string { return &c.MetricsEndpoint }),

	"auth/session_lifetime_s": durationVar(time.Second, func(c *Config) *time.Duration { return &c.SessionLifetime }),
	"auth/refresh_buffer_s":   durationVar(time.Second, func(c *Config) *time.Duration { return &c.RefreshBuffer }),

	"http/rate_interval_ms": durationVar(time.Millisecond, func(c *Config) *time.Duration { return &c.RateInterval }),
	"http/max_retries":      intVar(func(c *Config) *int { return &c.MaxRetries }),
	"http/retry_base_ms":    durationVar(time.Millisecond, func(c *Config) *time.Duration { return &c.RetryBase }),
	"http/retry_max_ms":     durationVar(time.Millisecond, func(c *Config) *time.Duration { return &c.RetryMax }),
	"http/timeout_s":        durationVar(time.Second, func(c *Config) *time.Duration { return &c.HTTPTimeout }),

	"ws/connect_version":        intVar(func(c *Config) *int { return &c.ConnectVersion }),
	"ws/locale":                 stringVar(func(c *Config) *string { return &c.Locale }),
	"ws/handshake_timeout_s":    durationVar(time.Second, func(c *Config) *time.Duration { return &c.HandshakeTimeout }),
	"ws/heartbeat_interval_s":   durationVar(time.Second, func(c *Config) *time.Duration { return &c.HeartbeatInterval }),
	"ws/heartbeat_timeout_s":    durationVar(time.Second, func(c *Config) *time.Duration { return &c.HeartbeatTimeout }),
	"ws/max_reconnect_attempts": intVar(func(c *Config) *int { return &c.MaxReconnectAttempts }),
	"ws/reconnect_base_ms":      durationVar(time.Millisecond, func(c *Config) *time.Duration { return &c.ReconnectBase }),
	"ws/reconnect_max_ms":       durationVar(time.Millisecond, func(c *Config) *time.Duration { return &c.ReconnectMax }),
	"ws/frame_buffer":           intVar(func(c *Config) *int { return &c.FrameBuffer }),

	"correlator/default_timeout_s": durationVar(time.Second, func(c *Config) *time.Duration { return &c.DefaultTimeout }),

	"telemetry/service_name":    stringVar(func(c *Config) *string { return &c.ServiceName }),
	"telemetry/service_version": stringVar(func(c *Config) *string { return &c.ServiceVersion }),
	"telemetry/environment":     stringVar(func(c *Config) *string { return &c.Environment }),
	"log_level":                 stringVar(func(c *Config) *string { return &c.LogLevel }),
}

// apply sobrescribe con los valores presentes; claves desconocidas se ignoran.
func (c *Config) apply(vars map[string]string) error {
	var errs []error
	for key, val := range vars {
		set, ok := configKeys[key]
		if !ok || strings.TrimSpace(val) == "" {
			continue
		}
		if err := set(c, val); err != nil {
			errs = append(errs, fmt.Errorf("invalid value %q for %s: %w", val, key, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) applyEnv() {
	if v := os.Getenv(envPhone); v != "" {
		c.PhoneNumber = v
	}
	if v := os.Getenv(envPIN); v != "" {
		c.PIN = v
	}
}

// Validate verifica URLs, tiempos y credenciales.
func (c *Config) Validate() error {
	var errs []error
	if u, err := url.Parse(c.APIBase); err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		errs = append(errs, fmt.Errorf("endpoints/api_base %q is not a valid http(s) url", c.APIBase))
	}
	if u, err := url.Parse(c.WSURL); err != nil || u.Host == "" || (u.Scheme != "wss" && u.Scheme != "ws") {
		errs = append(errs, fmt.Errorf("endpoints/ws_url %q is not a valid ws(s) url", c.WSURL))
	}
	if c.SessionLifetime <= c.RefreshBuffer {
		errs = append(errs, fmt.Errorf("auth/session_lifetime_s must exceed auth/refresh_buffer_s"))
	}
	if c.MaxRetries < 0 || c.MaxReconnectAttempts < 1 {
		errs = append(errs, fmt.Errorf("http/max_retries must be >= 0 and ws/max_reconnect_attempts >= 1"))
	}
	if c.FrameBuffer < 1 {
		errs = append(errs, fmt.Errorf("ws/frame_buffer must be >= 1"))
	}
	if _, err := c.Credentials(); err != nil {
		errs = append(errs, fmt.Errorf("%s/%s: %w", envPhone, envPIN, err))
	}
	return errors.Join(errs...)
}

// Credentials credenciales validadas.
func (c *Config) Credentials() (domain.Credentials, error) {
	return domain.NewCredentials(c.PhoneNumber, c.PIN)
}

func (c *Config) authConfig() auth.Config {
	return auth.Config{
		APIBase:         c.APIBase,
		SessionLifetime: c.SessionLifetime,
		RefreshBuffer:   c.RefreshBuffer,
	}
}

func (c *Config) httpConfig() httpx.Config {
	return httpx.Config{
		RateInterval: c.RateInterval,
		Retry: httpx.RetryConfig{
			MaxRetries: c.MaxRetries,
			BaseDelay:  c.RetryBase,
			MaxDelay:   c.RetryMax,
		},
		Timeout: c.HTTPTimeout,
	}
}

func (c *Config) wsConfig() ws.Config {
	cfg := ws.DefaultConfig()
	cfg.URL = c.WSURL
	cfg.ConnectVersion = c.ConnectVersion
	cfg.Handshake.Locale = c.Locale
	cfg.HandshakeTimeout = c.HandshakeTimeout
	cfg.HeartbeatInterval = c.HeartbeatInterval
	cfg.HeartbeatTimeout = c.HeartbeatTimeout
	cfg.MaxReconnectAttempts = c.MaxReconnectAttempts
	cfg.ReconnectBaseDelay = c.ReconnectBase
	cfg.ReconnectMaxDelay = c.ReconnectMax
	cfg.FrameBuffer = c.FrameBuffer
	return cfg
}
