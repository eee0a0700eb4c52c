// Package transport delivers email through a single authenticated SMTP relay.
//
// The relay dialer is built lazily on first use and shared by every send;
// each send opens its own connection, upgrades it with STARTTLS and
// authenticates before handing over the message.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"sync"
	"time"

	mail "gopkg.in/mail.v2"

	"github.com/shineum/email-relay-api/internal/email"
	relaytls "github.com/shineum/email-relay-api/internal/tls"
)

// Defaults for the relay connection.
const (
	DefaultHost    = "smtp.gmail.com"
	DefaultPort    = 587
	DefaultTimeout = 30 * time.Second
)

// acceptedResponse is reported as the relay acknowledgment. mail.v2 does not
// surface the final DATA reply text.
const acceptedResponse = "250 Message accepted for delivery"

// Config holds the relay connection settings.
type Config struct {
	Host               string
	Port               int
	Username           string
	Password           string
	SenderName         string
	LocalName          string
	InsecureSkipVerify bool
	Timeout            time.Duration
}

type state int

const (
	stateUninitialized state = iota
	stateReady
)

// SMTP is the relay transport. It is safe for concurrent use.
type SMTP struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	state  state
	dialer *mail.Dialer

	// newDialer builds the relay dialer; replaced in tests.
	newDialer func(Config) *mail.Dialer
}

// New returns a transport for cfg. Nothing is dialed until the first Send or
// Verify. A nil logger uses slog.Default().
func New(cfg Config, logger *slog.Logger) *SMTP {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SMTP{
		cfg:       cfg,
		logger:    logger.With("component", "transport"),
		newDialer: buildDialer,
	}
}

// Configured reports whether relay credentials are present.
func (s *SMTP) Configured() bool {
	return s.cfg.Username != "" && s.cfg.Password != ""
}

// Account returns the relay account address used as the sender.
func (s *SMTP) Account() string {
	return s.cfg.Username
}

func buildDialer(cfg Config) *mail.Dialer {
	d := mail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	d.StartTLSPolicy = mail.MandatoryStartTLS
	d.TLSConfig = relaytls.ClientConfig(cfg.Host, cfg.InsecureSkipVerify)
	d.Timeout = cfg.Timeout
	d.LocalName = cfg.LocalName
	d.RetryFailure = false
	// Preset so Dial never picks a mechanism and writes it back to the dialer.
	d.Auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	return d
}

// ensureReady builds the dialer once. Concurrent callers wait on the mutex and
// observe the finished dialer.
func (s *SMTP) ensureReady() (*mail.Dialer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateReady {
		return s.dialer, nil
	}
	if !s.Configured() {
		return nil, &Error{Kind: KindConfiguration, Err: ErrCredentialsMissing}
	}

	s.dialer = s.newDialer(s.cfg)
	s.state = stateReady
	s.logger.Info("relay transport initialized",
		"host", s.cfg.Host,
		"port", s.cfg.Port,
		"tls_verify", !s.cfg.InsecureSkipVerify,
	)
	return s.dialer, nil
}

// Verify connects to the relay, completes STARTTLS and authentication, then
// disconnects.
func (s *SMTP) Verify(ctx context.Context) error {
	d, err := s.ensureReady()
	if err != nil {
		return err
	}

	err = s.bounded(ctx, func() error {
		sc, err := d.Dial()
		if err != nil {
			return classifyDial(err)
		}
		if err := sc.Close(); err != nil {
			return classifySend(err, nil)
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("relay verification failed", "error", err)
		return err
	}
	s.logger.Info("relay connection verified", "host", s.cfg.Host)
	return nil
}

// Send delivers req in a single attempt. Every envelope recipient is reported
// as accepted on success; any rejection fails the whole send.
func (s *SMTP) Send(ctx context.Context, req *email.Request) (*email.Result, error) {
	d, err := s.ensureReady()
	if err != nil {
		return nil, err
	}

	msg := s.compose(req)
	recipients := req.Recipients()

	err = s.bounded(ctx, func() error {
		sc, err := d.Dial()
		if err != nil {
			return classifyDial(err)
		}
		defer sc.Close()

		if err := sc.Send(s.cfg.Username, recipients, encode(msg)); err != nil {
			return classifySend(err, recipients)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("message relayed",
		"message_id", msg.MessageID,
		"recipients", len(recipients),
	)
	return &email.Result{
		MessageID: msg.MessageID,
		Accepted:  recipients,
		Rejected:  []string{},
		Response:  acceptedResponse,
	}, nil
}

// bounded runs fn with the configured timeout. If the deadline passes first
// the call returns a connection error; fn finishes on its own once the socket
// deadline fires.
func (s *SMTP) bounded(ctx context.Context, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return &Error{
			Kind: KindConnection,
			Err:  fmt.Errorf("relay %s:%d: %w", s.cfg.Host, s.cfg.Port, ctx.Err()),
		}
	}
}
