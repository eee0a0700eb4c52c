// Package relaytest runs an in-process SMTP relay for tests. It speaks enough
// ESMTP for a submission client (STARTTLS, AUTH PLAIN/LOGIN, MAIL, RCPT,
// DATA) and records every accepted message.
package relaytest

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shineum/email-relay-api/internal/email"
	relaytls "github.com/shineum/email-relay-api/internal/tls"
)

// Options scripts the relay's behaviour.
type Options struct {
	// Hostname is announced in the greeting. Defaults to "relay.test".
	Hostname string

	// Username and Password enable AUTH. When both are empty any client may
	// submit without authenticating.
	Username string
	Password string

	// DisableTLS stops STARTTLS from being advertised.
	DisableTLS bool

	// RejectRecipients are answered with 550 at RCPT time. Matching is
	// case-insensitive.
	RejectRecipients []string

	// DataReply, when set, replaces the final DATA acknowledgment and the
	// message is not recorded.
	DataReply string

	// Stall accepts connections but never sends a greeting.
	Stall bool
}

func (o *Options) rejects(addr string) bool {
	for _, r := range o.RejectRecipients {
		if strings.EqualFold(r, addr) {
			return true
		}
	}
	return false
}

// Envelope is a message accepted by the relay.
type Envelope struct {
	From     string
	To       []string
	AuthUser string
	TLS      bool
	Data     []byte
	Message  *email.Message
}

// Server is the fake relay.
type Server struct {
	opts      Options
	auth      *authenticator
	tlsConfig *tls.Config
	logger    *slog.Logger

	listener net.Listener
	wg       sync.WaitGroup

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	messages []Envelope
	closed   bool
}

// NewServer prepares a relay. STARTTLS uses a freshly generated certificate
// for localhost and 127.0.0.1.
func NewServer(opts Options) (*Server, error) {
	if opts.Hostname == "" {
		opts.Hostname = "relay.test"
	}

	s := &Server{
		opts:   opts,
		auth:   newAuthenticator(opts.Username, opts.Password),
		logger: slog.Default().With("component", "relaytest"),
		conns:  make(map[net.Conn]struct{}),
	}
	if !opts.DisableTLS {
		cfg, err := relaytls.ServerConfig("", "")
		if err != nil {
			return nil, fmt.Errorf("relay tls: %w", err)
		}
		s.tlsConfig = cfg
	}
	return s, nil
}

// Start listens on a random loopback port and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	s.listener = ln

	s.wg.Add(1)
	go s.serve()
	return nil
}

// Run starts a relay for the duration of t.
func Run(t testing.TB, opts Options) *Server {
	t.Helper()

	s, err := NewServer(opts)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(s.Close)
	return s
}

func (s *Server) serve() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("accept error", "error", err)
			}
			return
		}
		if !s.track(conn) {
			conn.Close()
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)

			if s.opts.Stall {
				// Hold the connection open until Close.
				_, _ = conn.Read(make([]byte, 1))
				return
			}
			newSession(conn, &s.opts, s.auth, s.tlsConfig, s.deliver, s.logger).handle()
		}()
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) deliver(env Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, env)
}

// Close stops the listener, drops open connections and waits for sessions.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
}

// Addr returns host:port of the listener.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Host returns the listener IP.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr())
	return host
}

// Port returns the listener port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.Addr())
	n, _ := strconv.Atoi(port)
	return n
}

// Messages returns a copy of every recorded envelope.
func (s *Server) Messages() []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Envelope(nil), s.messages...)
}
