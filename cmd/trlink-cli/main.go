// trlink-cli herramientas operativas sobre la sesión de trading: login
// interactivo, consultas de una respuesta y streams.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xKoRx/trlink/internal"
	"github.com/xKoRx/trlink/sdk/domain"
)

// maxCodeAttempts códigos que se piden antes de abandonar el login.
const maxCodeAttempts = 3

type rootFlags struct {
	configFile string
	timeout    time.Duration
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var flags rootFlags

	cmd := &cobra.Command{
		Use:   "trlink-cli",
		Short: "Cliente de línea de comandos para la API de trading",
		Long: `trlink-cli abre una sesión (login + código 2FA) y consulta topics del
WebSocket. Teléfono y PIN se leen de TRLINK_PHONE y TRLINK_PIN.

Sin --config la configuración se carga desde ETCD (namespace /trlink/$ENV/).`,
		Example: `  # Login interactivo
  trlink-cli login

  # Cotización puntual
  trlink-cli get ticker '{"id":"US0378331005.LSX"}'

  # Stream del portfolio hasta Ctrl+C
  trlink-cli stream compactPortfolio --config trlink.toml`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "archivo TOML (por defecto ETCD)")
	cmd.PersistentFlags().DurationVarP(&flags.timeout, "timeout", "t", 0, "espera máxima de la primera respuesta (0 usa la configuración)")

	cmd.AddCommand(
		newLoginCommand(&flags),
		newGetCommand(&flags),
		newStreamCommand(&flags),
	)
	return cmd
}

func newLoginCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Inicia sesión pidiendo el código 2FA",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, flags, func(ctx context.Context, client *internal.Client) error {
				if err := authenticate(ctx, client, cmd.InOrStdin(), cmd.ErrOrStderr()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "sesión activa para %s\n", client.MaskedPhoneNumber())
				return nil
			})
		},
	}
}

func newGetCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get <topic> [payload-json]",
		Short: "Suscribe, espera la primera respuesta y desuscribe",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parsePayload(args[1:])
			if err != nil {
				return err
			}
			return withClient(cmd, flags, func(ctx context.Context, client *internal.Client) error {
				if err := authenticate(ctx, client, cmd.InOrStdin(), cmd.ErrOrStderr()); err != nil {
					return err
				}
				answer, err := client.SubscribeAndAwait(ctx, args[0], payload, flags.timeout)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), answer)
			})
		},
	}
}

func newStreamCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stream <topic> [payload-json]",
		Short: "Imprime cada snapshot del topic hasta Ctrl+C",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parsePayload(args[1:])
			if err != nil {
				return err
			}
			return withClient(cmd, flags, func(ctx context.Context, client *internal.Client) error {
				if err := authenticate(ctx, client, cmd.InOrStdin(), cmd.ErrOrStderr()); err != nil {
					return err
				}
				stream, err := client.Stream(ctx, args[0], payload, flags.timeout)
				if err != nil {
					return err
				}
				defer stream.Close()

				out := cmd.OutOrStdout()
				if err := printJSON(out, stream.First()); err != nil {
					return err
				}
				for {
					select {
					case <-ctx.Done():
						return nil
					case f, ok := <-stream.Updates():
						if !ok {
							return nil
						}
						if f.Err != nil {
							return f.Err
						}
						if f.Code == domain.FrameComplete {
							continue
						}
						if err := printJSON(out, f.Payload); err != nil {
							return err
						}
					}
				}
			})
		},
	}
}

// withClient carga la configuración, crea el cliente y lo cierra al terminar.
func withClient(cmd *cobra.Command, flags *rootFlags, run func(ctx context.Context, client *internal.Client) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(ctx, flags.configFile)
	if err != nil {
		return err
	}
	client, err := internal.NewClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = client.Close(closeCtx)
	}()

	return run(ctx, client)
}

func loadConfig(ctx context.Context, path string) (*internal.Config, error) {
	if path != "" {
		return internal.LoadConfigFile(path)
	}
	return internal.LoadConfig(ctx)
}

// authenticator lo implementa internal.Client.
type authenticator interface {
	EnsureAuthenticated(ctx context.Context) error
	SubmitTwoFactorCode(ctx context.Context, code string) (domain.CodeOutcome, error)
}

// authenticate pide códigos por in hasta que la sesión queda activa.
func authenticate(ctx context.Context, client authenticator, in io.Reader, prompt io.Writer) error {
	err := client.EnsureAuthenticated(ctx)
	if err == nil || !domain.IsTwoFactorRequired(err) {
		return err
	}

	var tfa *domain.Error
	errors.As(err, &tfa)
	reader := bufio.NewReader(in)

	for attempt := 1; attempt <= maxCodeAttempts; attempt++ {
		fmt.Fprintf(prompt, "código enviado a %s: ", tfa.MaskedPhone)
		line, rerr := reader.ReadString('\n')
		code := strings.TrimSpace(line)
		if code == "" && rerr != nil {
			return fmt.Errorf("reading code: %w", rerr)
		}

		outcome, err := client.SubmitTwoFactorCode(ctx, code)
		if err != nil {
			return err
		}
		if outcome.Accepted() {
			return nil
		}
		fmt.Fprintln(prompt, outcome.Message)
	}
	return domain.NewError(domain.ErrAuthentication, "too many rejected codes")
}

func parsePayload(args []string) (json.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	raw := json.RawMessage(args[0])
	if !json.Valid(raw) {
		return nil, fmt.Errorf("invalid argument: payload is not valid JSON: %s", args[0])
	}
	return raw, nil
}

func printJSON(w io.Writer, payload json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, payload, "", "  "); err != nil {
		_, werr := fmt.Fprintln(w, string(payload))
		return werr
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}
