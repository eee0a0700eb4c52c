package relaytest

import (
	"bufio"
	"crypto/tls"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sink collects delivered envelopes.
type sink struct {
	mu   sync.Mutex
	envs []Envelope
}

func (s *sink) deliver(env Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs = append(s.envs, env)
}

func (s *sink) all() []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Envelope(nil), s.envs...)
}

// client drives one session over a loopback connection.
type client struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func startSession(t *testing.T, opts Options, tlsConfig *tls.Config) (*client, *sink) {
	t.Helper()

	if opts.Hostname == "" {
		opts.Hostname = "relay.test"
	}
	clientConn, serverConn := net.Pipe()
	out := &sink{}

	sess := newSession(serverConn, &opts, newAuthenticator(opts.Username, opts.Password), tlsConfig, out.deliver, slog.Default())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sess.handle()
	}()
	t.Cleanup(func() {
		clientConn.Close()
		<-done
	})

	c := &client{t: t, conn: clientConn, reader: bufio.NewReader(clientConn)}
	return c, out
}

func (c *client) readLine() string {
	c.t.Helper()
	line, err := c.reader.ReadString('\n')
	require.NoError(c.t, err)
	return strings.TrimRight(line, "\r\n")
}

// readReply reads a possibly multi-line reply and returns every line.
func (c *client) readReply() []string {
	c.t.Helper()
	var lines []string
	for {
		line := c.readLine()
		lines = append(lines, line)
		if len(line) < 4 || line[3] != '-' {
			return lines
		}
	}
}

func (c *client) cmd(line string) string {
	c.t.Helper()
	_, err := c.conn.Write([]byte(line + "\r\n"))
	require.NoError(c.t, err)
	reply := c.readReply()
	return reply[len(reply)-1]
}

func TestSession_Greeting(t *testing.T) {
	t.Parallel()

	c, _ := startSession(t, Options{Hostname: "mail.test.com"}, nil)
	greeting := c.readLine()
	assert.True(t, strings.HasPrefix(greeting, "220 "), greeting)
	assert.Contains(t, greeting, "mail.test.com")
}

func TestSession_EHLOCapabilities(t *testing.T) {
	t.Parallel()

	tlsConfig := &tls.Config{}
	c, _ := startSession(t, Options{Username: "u", Password: "p"}, tlsConfig)
	c.readLine()

	_, err := c.conn.Write([]byte("EHLO client.test\r\n"))
	require.NoError(t, err)
	reply := strings.Join(c.readReply(), "\n")
	assert.Contains(t, reply, "STARTTLS")
	assert.Contains(t, reply, "AUTH PLAIN LOGIN")
	assert.Contains(t, reply, "SIZE")
}

func TestSession_MailTransaction(t *testing.T) {
	t.Parallel()

	c, out := startSession(t, Options{}, nil)
	c.readLine()

	assert.True(t, strings.HasPrefix(c.cmd("EHLO client.test"), "250 "))
	assert.True(t, strings.HasPrefix(c.cmd("MAIL FROM:<sender@example.com>"), "250 "))
	assert.True(t, strings.HasPrefix(c.cmd("RCPT TO:<a@example.com>"), "250 "))
	assert.True(t, strings.HasPrefix(c.cmd("RCPT TO:<b@example.com>"), "250 "))
	assert.True(t, strings.HasPrefix(c.cmd("DATA"), "354 "))

	body := strings.Join([]string{
		"From: sender@example.com",
		"To: a@example.com",
		"Subject: Test Email",
		"",
		"..leading dot",
		"Hello.",
		".",
	}, "\r\n")
	reply := c.cmd(body)
	assert.True(t, strings.HasPrefix(reply, "250 2.0.0 Ok: queued as "), reply)

	envs := out.all()
	require.Len(t, envs, 1)
	assert.Equal(t, "sender@example.com", envs[0].From)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, envs[0].To)
	assert.Equal(t, "Test Email", envs[0].Message.Subject)
	assert.Equal(t, ".leading dot\r\nHello.\r\n", envs[0].Message.TextBody)
}

func TestSession_RejectedRecipient(t *testing.T) {
	t.Parallel()

	c, _ := startSession(t, Options{RejectRecipients: []string{"Ghost@Example.com"}}, nil)
	c.readLine()

	c.cmd("EHLO client.test")
	c.cmd("MAIL FROM:<sender@example.com>")
	reply := c.cmd("RCPT TO:<ghost@example.com>")
	assert.Equal(t, "550 5.1.1 <ghost@example.com>: Recipient address rejected: User unknown", reply)

	assert.True(t, strings.HasPrefix(c.cmd("DATA"), "503 "))
}

func TestSession_DataReplyOverride(t *testing.T) {
	t.Parallel()

	c, out := startSession(t, Options{DataReply: "452 4.3.1 Insufficient system storage"}, nil)
	c.readLine()

	c.cmd("EHLO client.test")
	c.cmd("MAIL FROM:<sender@example.com>")
	c.cmd("RCPT TO:<a@example.com>")
	c.cmd("DATA")
	assert.Equal(t, "452 4.3.1 Insufficient system storage", c.cmd("Subject: x\r\n\r\nbody\r\n."))
	assert.Empty(t, out.all())
}

func TestSession_AuthRequired(t *testing.T) {
	t.Parallel()

	c, _ := startSession(t, Options{Username: "user", Password: "pass"}, nil)
	c.readLine()

	assert.True(t, strings.HasPrefix(c.cmd("AUTH PLAIN dGVzdA=="), "503 "), "AUTH before EHLO")

	c.cmd("EHLO client.test")
	assert.True(t, strings.HasPrefix(c.cmd("MAIL FROM:<a@example.com>"), "530 "))
	assert.True(t, strings.HasPrefix(c.cmd("AUTH PLAIN "+b64("\x00user\x00wrong")), "535 "))
	assert.True(t, strings.HasPrefix(c.cmd("AUTH PLAIN "+b64("\x00user\x00pass")), "235 "))
	assert.True(t, strings.HasPrefix(c.cmd("MAIL FROM:<a@example.com>"), "250 "))
}

func TestSession_AuthLogin(t *testing.T) {
	t.Parallel()

	c, _ := startSession(t, Options{Username: "user", Password: "pass"}, nil)
	c.readLine()

	c.cmd("EHLO client.test")
	assert.Equal(t, "334 VXNlcm5hbWU6", c.cmd("AUTH LOGIN"))
	assert.Equal(t, "334 UGFzc3dvcmQ6", c.cmd(b64("user")))
	assert.True(t, strings.HasPrefix(c.cmd(b64("pass")), "235 "))
}

func TestSession_AuthNeedsTLSWhenOffered(t *testing.T) {
	t.Parallel()

	c, _ := startSession(t, Options{Username: "user", Password: "pass"}, &tls.Config{})
	c.readLine()

	c.cmd("EHLO client.test")
	assert.True(t, strings.HasPrefix(c.cmd("AUTH PLAIN "+b64("\x00user\x00pass")), "530 "))
}

func TestSession_StateOrderEnforcement(t *testing.T) {
	t.Parallel()

	c, _ := startSession(t, Options{}, nil)
	c.readLine()

	assert.True(t, strings.HasPrefix(c.cmd("MAIL FROM:<a@example.com>"), "503 "))
	c.cmd("EHLO client.test")
	assert.True(t, strings.HasPrefix(c.cmd("RCPT TO:<a@example.com>"), "503 "))
	assert.True(t, strings.HasPrefix(c.cmd("DATA"), "503 "))
	c.cmd("MAIL FROM:<a@example.com>")
	assert.True(t, strings.HasPrefix(c.cmd("RSET"), "250 "))
	assert.True(t, strings.HasPrefix(c.cmd("RCPT TO:<a@example.com>"), "503 "))
}

func TestSession_MiscCommands(t *testing.T) {
	t.Parallel()

	c, _ := startSession(t, Options{}, nil)
	c.readLine()

	assert.True(t, strings.HasPrefix(c.cmd("EHLO"), "501 "))
	assert.True(t, strings.HasPrefix(c.cmd("NOOP"), "250 "))
	assert.True(t, strings.HasPrefix(c.cmd("VRFY someone"), "500 "))
	assert.True(t, strings.HasPrefix(c.cmd("STARTTLS"), "454 "))
	assert.True(t, strings.HasPrefix(c.cmd("QUIT"), "221 "))
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input   string
		wantCmd string
		wantArg string
	}{
		{"EHLO client.test.com", "EHLO", "client.test.com"},
		{"MAIL FROM:<user@example.com>", "MAIL", "FROM:<user@example.com>"},
		{"DATA", "DATA", ""},
		{"ehlo client.test.com", "EHLO", "client.test.com"},
		{"AUTH PLAIN dGVzdA==", "AUTH", "PLAIN dGVzdA=="},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			cmd, arg := parseCommand(tt.input)
			assert.Equal(t, tt.wantCmd, cmd)
			assert.Equal(t, tt.wantArg, arg)
		})
	}
}

func TestExtractAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  string
	}{
		{"<user@example.com>", "user@example.com"},
		{"  <user@example.com>  ", "user@example.com"},
		{"<user@example.com> BODY=8BITMIME", "user@example.com"},
		{"user@example.com SIZE=100", "user@example.com"},
		{"<>", ""},
		{"<broken", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, extractAddress(tt.input))
		})
	}
}
