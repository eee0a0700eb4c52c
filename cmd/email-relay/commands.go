package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shineum/email-relay-api/internal/api"
	"github.com/shineum/email-relay-api/internal/config"
	"github.com/shineum/email-relay-api/internal/dispatch"
	"github.com/shineum/email-relay-api/internal/logger"
	"github.com/shineum/email-relay-api/internal/metrics"
	"github.com/shineum/email-relay-api/internal/transport"
	"github.com/shineum/email-relay-api/internal/validator"
)

const (
	testSubject = "Email Service Test"
	testMessage = "This is a test email to verify the email service is working correctly."
)

type rootOptions struct {
	configPath string
	envFiles   []string
}

// app is the wiring shared by every command that talks to the relay.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	relay  *transport.SMTP
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "email-relay",
		Short: "HTTP API that relays email through a single SMTP account",
		Long: `email-relay accepts send requests over HTTP, validates them and delivers
each one through the configured SMTP relay in a single attempt.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to YAML configuration file (optional)")
	root.PersistentFlags().StringArrayVar(&opts.envFiles, "env-file", nil, "dotenv file to load before reading the environment (repeatable, default ./.env)")

	root.AddCommand(
		newServeCmd(opts),
		newVerifyCmd(opts),
		newTestEmailCmd(opts),
		newVersionCmd(),
	)
	return root
}

func (o *rootOptions) setup(logOut io.Writer) (*app, error) {
	cfg, err := config.Load(o.configPath, o.envFiles...)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logger.New(logOut, cfg.Logging.Level, cfg.Logging.Format, logger.RequestID)
	slog.SetDefault(log)

	relay := transport.New(transport.Config{
		Host:               cfg.SMTP.Host,
		Port:               cfg.SMTP.Port,
		Username:           cfg.SMTP.Username,
		Password:           cfg.SMTP.Password,
		SenderName:         cfg.SMTP.SenderName,
		LocalName:          cfg.SMTP.LocalName,
		InsecureSkipVerify: cfg.SMTP.TLSInsecure,
		Timeout:            cfg.SMTP.Timeout,
	}, log)

	return &app{cfg: cfg, logger: log, relay: relay}, nil
}

func (a *app) dispatcher(opts ...dispatch.Option) *dispatch.Dispatcher {
	base := []dispatch.Option{
		dispatch.WithIdentity(a.relay.Account(), a.cfg.SMTP.SenderName),
		dispatch.WithLogger(a.logger),
		dispatch.WithDiagnostics(!a.cfg.IsProduction()),
	}
	return dispatch.New(a.relay, append(base, opts...)...)
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.setup(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg

	m := metrics.New(metrics.NewRegistry())
	m.SetRelayConfigured(cfg.RelayConfigured())

	router := api.NewRouter(api.Config{
		Dispatcher:     a.dispatcher(dispatch.WithRecorder(m)),
		Metrics:        m,
		Logger:         a.logger,
		Environment:    cfg.Environment,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
		RequestTimeout: cfg.HTTP.RequestTimeout,
		TrustProxy:     cfg.HTTP.TrustProxy,
		RateLimit:      cfg.RateLimit.MaxRequests,
		RateWindow:     cfg.RateLimit.Window,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
	})
	server := api.NewServer(api.ServerConfig{
		ListenAddr:      cfg.HTTP.Listen,
		Handler:         router,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
		Logger:          a.logger,
	})

	a.logger.Info("starting email-relay",
		"version", version,
		"listen", cfg.HTTP.Listen,
		"environment", cfg.Environment,
		"relay_host", cfg.SMTP.Host,
		"relay_port", cfg.SMTP.Port,
		"relay_configured", cfg.RelayConfigured(),
		"trust_proxy", cfg.HTTP.TrustProxy,
	)
	if !cfg.RelayConfigured() {
		a.logger.Warn("relay credentials are not configured, send requests will fail until SMTP_USERNAME and SMTP_PASSWORD are set")
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(ctx)
	})
	if cfg.RelayConfigured() {
		// Startup check only; the API stays up when the relay is unreachable.
		g.Go(func() error {
			_ = a.relay.Verify(ctx)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	a.logger.Info("email-relay stopped")
	return nil
}

func newVerifyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Connect and authenticate to the relay, then disconnect",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.setup(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if err := a.relay.Verify(cmd.Context()); err != nil {
				return fmt.Errorf("relay verification failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "relay %s:%d verified for %s\n",
				a.cfg.SMTP.Host, a.cfg.SMTP.Port, a.relay.Account())
			return nil
		},
	}
}

func newTestEmailCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "test-email",
		Short: "Verify the relay and send a test message to the relay account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.setup(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if err := a.relay.Verify(cmd.Context()); err != nil {
				return fmt.Errorf("relay verification failed: %w", err)
			}

			resp := a.dispatcher().Dispatch(cmd.Context(), validator.Input{
				To:      a.relay.Account(),
				Subject: testSubject,
				Message: testMessage,
			})

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(resp.Body); err != nil {
				return err
			}
			if resp.Status != http.StatusOK {
				return fmt.Errorf("test email failed with status %d", resp.Status)
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "email-relay %s\n", version)
		},
	}
}
