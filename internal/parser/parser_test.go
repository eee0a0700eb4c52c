package parser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func join(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n"))
}

func TestParsePlainTextEmail(t *testing.T) {
	t.Parallel()

	msg, err := Parse(join(
		"From: sender@example.com",
		"To: recipient@example.com",
		"Subject: Test Subject",
		"Message-Id: <test123@example.com>",
		"Content-Type: text/plain",
		"",
		"Hello, this is a plain text email.",
	))
	require.NoError(t, err)

	assert.Equal(t, "sender@example.com", msg.From)
	assert.Empty(t, msg.FromName)
	assert.Equal(t, []string{"recipient@example.com"}, msg.To)
	assert.Equal(t, "Test Subject", msg.Subject)
	assert.Equal(t, "<test123@example.com>", msg.MessageID)
	assert.Equal(t, "Hello, this is a plain text email.", msg.TextBody)
	assert.Empty(t, msg.HTMLBody)
}

func TestParseMultipartAlternative(t *testing.T) {
	t.Parallel()

	msg, err := Parse(join(
		`From: "Support Team" <relay@example.com>`,
		"Reply-To: customer@example.org",
		"To: alice@example.com, Bob <bob@example.com>",
		"Cc: carol@example.com",
		"Subject: Multipart Test",
		"Content-Type: multipart/alternative; boundary=boundary123",
		"",
		"--boundary123",
		"Content-Type: text/plain; charset=UTF-8",
		"",
		"Plain text body",
		"--boundary123",
		"Content-Type: text/html; charset=UTF-8",
		"",
		"<p>HTML body</p>",
		"--boundary123--",
	))
	require.NoError(t, err)

	assert.Equal(t, "relay@example.com", msg.From)
	assert.Equal(t, "Support Team", msg.FromName)
	assert.Equal(t, "customer@example.org", msg.ReplyTo)
	assert.Equal(t, []string{"alice@example.com", "bob@example.com"}, msg.To)
	assert.Equal(t, []string{"carol@example.com"}, msg.Cc)
	assert.Nil(t, msg.Bcc)
	assert.Equal(t, "Plain text body", msg.TextBody)
	assert.Equal(t, "<p>HTML body</p>", msg.HTMLBody)
}

func TestParseNestedMultipart(t *testing.T) {
	t.Parallel()

	msg, err := Parse(join(
		"From: sender@example.com",
		"To: recipient@example.com",
		"Subject: Nested",
		"Content-Type: multipart/mixed; boundary=outer",
		"",
		"--outer",
		"Content-Type: multipart/alternative; boundary=inner",
		"",
		"--inner",
		"Content-Type: text/plain",
		"",
		"inner text",
		"--inner",
		"Content-Type: text/html",
		"",
		"<b>inner html</b>",
		"--inner--",
		"--outer",
		"Content-Type: application/pdf",
		"Content-Transfer-Encoding: base64",
		"",
		"JVBERi0xLjQK",
		"--outer--",
	))
	require.NoError(t, err)

	assert.Equal(t, "inner text", msg.TextBody)
	assert.Equal(t, "<b>inner html</b>", msg.HTMLBody)
}

func TestParseTransferEncodings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		raw      []byte
		wantText string
		wantHTML string
	}{
		{
			name: "top-level quoted-printable",
			raw: join(
				"From: sender@example.com",
				"Content-Type: text/plain; charset=UTF-8",
				"Content-Transfer-Encoding: quoted-printable",
				"",
				"caf=C3=A9 au lait=",
				" soft break",
			),
			wantText: "café au lait soft break",
		},
		{
			name: "top-level base64 html",
			raw: join(
				"From: sender@example.com",
				"Content-Type: text/html",
				"Content-Transfer-Encoding: base64",
				"",
				"PHA+aGk8L3A+",
			),
			wantHTML: "<p>hi</p>",
		},
		{
			name: "quoted-printable part",
			raw: join(
				"From: sender@example.com",
				"Content-Type: multipart/alternative; boundary=b",
				"",
				"--b",
				"Content-Type: text/plain; charset=UTF-8",
				"Content-Transfer-Encoding: quoted-printable",
				"",
				"line=3Dvalue",
				"--b--",
			),
			wantText: "line=value",
		},
		{
			name: "base64 part split across lines",
			raw: join(
				"From: sender@example.com",
				"Content-Type: multipart/alternative; boundary=b",
				"",
				"--b",
				"Content-Type: text/plain",
				"Content-Transfer-Encoding: base64",
				"",
				"SGVsbG8s",
				"IHdvcmxk",
				"--b--",
			),
			wantText: "Hello, world",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			msg, err := Parse(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.wantText, msg.TextBody)
			assert.Equal(t, tt.wantHTML, msg.HTMLBody)
		})
	}
}

func TestParseEncodedWordSubject(t *testing.T) {
	t.Parallel()

	msg, err := Parse(join(
		"From: =?UTF-8?B?SsO8cmdlbg==?= <j@example.com>",
		"Subject: =?UTF-8?Q?Gr=C3=BC=C3=9Fe?=",
		"",
		"body",
	))
	require.NoError(t, err)

	assert.Equal(t, "Grüße", msg.Subject)
	assert.Equal(t, "Jürgen", msg.FromName)
	assert.Equal(t, "j@example.com", msg.From)
}

func TestParseUnparseableFromIsKeptRaw(t *testing.T) {
	t.Parallel()

	msg, err := Parse(join(
		"From: not an address",
		"To: a@example.com, , b@example.com,",
		"",
		"body",
	))
	require.NoError(t, err)

	assert.Equal(t, "not an address", msg.From)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, msg.To)
}

func TestParseRawHeaders(t *testing.T) {
	t.Parallel()

	msg, err := Parse(join(
		"From: sender@example.com",
		"X-Mailer: relay",
		"",
		"body",
	))
	require.NoError(t, err)
	assert.Equal(t, []string{"relay"}, msg.RawHeaders["X-Mailer"])
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte("no header separator and no colon"))
	assert.Error(t, err)

	_, err = Parse(join(
		"From: sender@example.com",
		"Content-Type: multipart/alternative",
		"",
		"body",
	))
	assert.ErrorContains(t, err, "missing boundary")
}
