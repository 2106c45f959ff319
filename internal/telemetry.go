package internal

import (
	"context"
	"fmt"
	"os"

	"github.com/xKoRx/trlink/sdk/telemetry"
	"github.com/xKoRx/trlink/sdk/telemetry/semconv"
)

// initTelemetry inicializa el cliente de telemetría.
//
// Sin OTLP endpoint sólo se emiten logs (a stderr; stdout queda para datos).
func initTelemetry(ctx context.Context, config *Config, instanceID string) (*telemetry.Client, error) {
	opts := []telemetry.Option{
		telemetry.WithVersion(config.ServiceVersion),
		telemetry.WithLogLevel(config.LogLevel),
		telemetry.WithLogWriter(os.Stderr),
		telemetry.WithCommonAttributes(semconv.Trlink.InstanceID.String(instanceID)),
	}

	if config.OTLPEndpoint != "" {
		opts = append(opts, telemetry.WithOTLPEndpoint(config.OTLPEndpoint))
		if config.MetricsEndpoint != "" {
			opts = append(opts, telemetry.WithMetricsEndpoint(config.MetricsEndpoint))
		}
	} else {
		opts = append(opts, telemetry.WithTracesDisabled(), telemetry.WithMetricsDisabled())
	}

	client, err := telemetry.New(
		ctx,
		config.ServiceName,
		config.Environment,
		opts...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to init telemetry: %w", err)
	}
	return client, nil
}
