package relaytest

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/email-relay-api/internal/parser"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

// idleTimeout bounds how long a session waits for the next command.
const idleTimeout = 30 * time.Second

// maxMessageSize is advertised in the EHLO SIZE extension.
const maxMessageSize = 10 * 1024 * 1024

// session is one client connection to the fake relay.
type session struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	state  int
	opts   *Options
	auth   *authenticator
	logger *slog.Logger

	tlsConfig *tls.Config
	tlsActive bool
	authUser  string

	mailFrom string
	rcptTo   []string

	deliver func(Envelope)
}

func newSession(conn net.Conn, opts *Options, auth *authenticator, tlsConfig *tls.Config, deliver func(Envelope), logger *slog.Logger) *session {
	return &session{
		conn:      conn,
		reader:    bufio.NewReader(conn),
		writer:    bufio.NewWriter(conn),
		state:     stateConnected,
		opts:      opts,
		auth:      auth,
		tlsConfig: tlsConfig,
		deliver:   deliver,
		logger:    logger,
	}
}

// handle runs the command loop until QUIT, EOF or an idle timeout.
func (s *session) handle() {
	defer s.conn.Close()

	s.writeLine("220 %s ESMTP relaytest", s.opts.Hostname)

	for {
		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				s.logger.Debug("connection read error", "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if done := s.handleCommand(cmd, arg); done {
			return
		}
	}
}

func (s *session) handleCommand(cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "STARTTLS":
		s.handleSTARTTLS()
	case "AUTH":
		s.handleAUTH(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		s.handleDATA()
	case "RSET":
		s.resetTransaction()
		s.writeLine("250 2.0.0 OK")
	case "NOOP":
		s.writeLine("250 2.0.0 OK")
	case "*":
		s.writeLine("501 5.7.0 Authentication aborted")
	case "QUIT":
		s.writeLine("221 2.0.0 Bye")
		return true
	default:
		s.writeLine("500 5.5.2 Unrecognized command")
	}
	return false
}

func (s *session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 5.5.4 Syntax: %s hostname", cmd)
		return
	}

	s.state = stateGreeted
	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.opts.Hostname, arg)
		return
	}

	s.writeLine("250-%s Hello %s", s.opts.Hostname, arg)
	if s.tlsConfig != nil && !s.tlsActive {
		s.writeLine("250-STARTTLS")
	}
	if s.auth.enabled() {
		s.writeLine("250-AUTH PLAIN LOGIN")
	}
	s.writeLine("250 SIZE %d", maxMessageSize)
}

func (s *session) handleSTARTTLS() {
	if s.tlsConfig == nil {
		s.writeLine("454 4.7.0 TLS not available")
		return
	}
	if s.tlsActive {
		s.writeLine("454 4.7.0 TLS already active")
		return
	}

	s.writeLine("220 2.0.0 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		s.logger.Debug("TLS handshake failed", "error", err)
		return
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.state = stateConnected
}

func (s *session) handleAUTH(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 5.5.1 Send EHLO/HELO first")
		return
	}
	if !s.auth.enabled() {
		s.writeLine("503 5.5.1 AUTH not available")
		return
	}
	if s.tlsConfig != nil && !s.tlsActive {
		s.writeLine("530 5.7.0 Must issue a STARTTLS command first")
		return
	}

	parts := strings.SplitN(arg, " ", 2)
	switch strings.ToUpper(parts[0]) {
	case "PLAIN":
		s.handleAuthPlain(parts)
	case "LOGIN":
		s.handleAuthLogin()
	default:
		s.writeLine("504 5.5.4 Unrecognized authentication type")
	}
}

func (s *session) handleAuthPlain(parts []string) {
	var encoded string
	if len(parts) > 1 && parts[1] != "" {
		encoded = parts[1]
	} else {
		s.writeLine("334 ")
		line, ok := s.readLine()
		if !ok {
			return
		}
		encoded = line
	}

	if encoded == "*" {
		s.writeLine("501 5.7.0 Authentication cancelled")
		return
	}
	user, err := s.auth.verifyPlain(encoded)
	s.finishAuth(user, err)
}

func (s *session) handleAuthLogin() {
	s.writeLine("334 VXNlcm5hbWU6")
	encodedUser, ok := s.readLine()
	if !ok {
		return
	}
	if encodedUser == "*" {
		s.writeLine("501 5.7.0 Authentication cancelled")
		return
	}

	s.writeLine("334 UGFzc3dvcmQ6")
	encodedPass, ok := s.readLine()
	if !ok {
		return
	}
	if encodedPass == "*" {
		s.writeLine("501 5.7.0 Authentication cancelled")
		return
	}

	user, err := s.auth.verifyLogin(encodedUser, encodedPass)
	s.finishAuth(user, err)
}

func (s *session) finishAuth(user string, err error) {
	if err != nil {
		s.writeLine("535 5.7.8 Username and Password not accepted")
		return
	}
	s.authUser = user
	s.state = stateAuthOK
	s.writeLine("235 2.7.0 Accepted")
}

func (s *session) handleMAIL(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 5.5.1 Send EHLO/HELO first")
		return
	}
	if s.auth.enabled() && s.authUser == "" {
		s.writeLine("530 5.7.0 Authentication Required")
		return
	}
	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		s.writeLine("501 5.5.4 Syntax: MAIL FROM:<address>")
		return
	}

	addr := extractAddress(arg[5:])
	if addr == "" {
		s.writeLine("501 5.5.4 Syntax: MAIL FROM:<address>")
		return
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.writeLine("250 2.1.0 OK")
}

func (s *session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 5.5.1 Send MAIL FROM first")
		return
	}
	if !strings.HasPrefix(strings.ToUpper(arg), "TO:") {
		s.writeLine("501 5.5.4 Syntax: RCPT TO:<address>")
		return
	}

	addr := extractAddress(arg[3:])
	if addr == "" {
		s.writeLine("501 5.5.4 Syntax: RCPT TO:<address>")
		return
	}
	if s.opts.rejects(addr) {
		s.writeLine("550 5.1.1 <%s>: Recipient address rejected: User unknown", addr)
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 2.1.5 OK")
}

func (s *session) handleDATA() {
	if s.state < stateRcptTo {
		s.writeLine("503 5.5.1 Send RCPT TO first")
		return
	}

	s.writeLine("354 End data with <CR><LF>.<CR><LF>")

	var data strings.Builder
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			s.logger.Debug("error reading DATA", "error", err)
			return
		}
		if strings.TrimRight(line, "\r\n") == "." {
			break
		}
		// Undo dot-stuffing.
		if strings.HasPrefix(line, ".") {
			line = line[1:]
		}
		data.WriteString(line)
	}

	if s.opts.DataReply != "" {
		s.writeLine("%s", s.opts.DataReply)
		s.resetTransaction()
		return
	}

	raw := []byte(data.String())
	msg, err := parser.Parse(raw)
	if err != nil {
		s.logger.Debug("failed to parse message", "error", err)
		s.writeLine("554 5.6.0 Message could not be parsed")
		s.resetTransaction()
		return
	}

	s.deliver(Envelope{
		From:     s.mailFrom,
		To:       s.rcptTo,
		AuthUser: s.authUser,
		TLS:      s.tlsActive,
		Data:     raw,
		Message:  msg,
	})
	s.writeLine("250 2.0.0 Ok: queued as %s", strings.ToUpper(uuid.NewString()[:10]))
	s.resetTransaction()
}

// resetTransaction clears the mail transaction but keeps greeting and auth.
func (s *session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil
	switch {
	case s.authUser != "":
		s.state = stateAuthOK
	case s.state >= stateGreeted:
		s.state = stateGreeted
	}
}

func (s *session) readLine() (string, bool) {
	line, err := s.reader.ReadString('\n')
	if err != nil {
		s.logger.Debug("failed to read continuation", "error", err)
		return "", false
	}
	return strings.TrimRight(line, "\r\n"), true
}

func (s *session) writeLine(format string, args ...any) {
	if _, err := s.writer.WriteString(fmt.Sprintf(format, args...) + "\r\n"); err != nil {
		s.logger.Debug("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		s.logger.Debug("failed to flush to client", "error", err)
	}
}

// parseCommand splits an SMTP command line into the verb and its argument.
func parseCommand(line string) (string, string) {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}
	return cmd, arg
}

// extractAddress returns the address from "<user@host> PARAMS" or a bare
// address.
func extractAddress(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return ""
		}
		return s[1:end]
	}
	if i := strings.IndexByte(s, ' '); i >= 0 {
		s = s[:i]
	}
	return s
}
