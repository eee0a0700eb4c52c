package transport

import (
	"bytes"
	"html/template"
	"strings"

	"github.com/google/uuid"
	mail "gopkg.in/mail.v2"

	"github.com/shineum/email-relay-api/internal/email"
)

// DefaultSenderName is the display name used when neither the request nor
// the configuration supplies one.
const DefaultSenderName = "Email Service"

var htmlDocument = template.Must(template.New("email").Parse(`<!DOCTYPE html>
<html>
  <head>
    <meta charset="utf-8">
    <style>
      body {
        font-family: Arial, sans-serif;
        line-height: 1.6;
        color: #333;
        max-width: 600px;
        margin: 0 auto;
        padding: 20px;
      }
      .email-content {
        background: #f9f9f9;
        padding: 20px;
        border-radius: 5px;
        border-left: 4px solid #007bff;
      }
    </style>
  </head>
  <body>
    <div class="email-content">
      {{range $i, $line := .}}{{if $i}}<br>{{end}}{{$line}}{{end}}
    </div>
  </body>
</html>
`))

// RenderHTML turns a plain-text message into the HTML alternative part.
// Carriage returns are dropped, every line is escaped, and line breaks
// become <br>. The output depends only on text.
func RenderHTML(text string) string {
	lines := strings.Split(strings.ReplaceAll(text, "\r", ""), "\n")

	var buf bytes.Buffer
	if err := htmlDocument.Execute(&buf, lines); err != nil {
		// The template is fixed and only ranges over strings.
		panic(err)
	}
	return buf.String()
}

// compose builds the outbound message for req. The From header is always the
// relay account; the caller-supplied address becomes Reply-To.
func (s *SMTP) compose(req *email.Request) *email.Message {
	name := req.Name
	if name == "" {
		name = s.cfg.SenderName
	}
	if name == "" {
		name = DefaultSenderName
	}

	return &email.Message{
		MessageID: "<" + uuid.NewString() + "@" + s.domain() + ">",
		From:      s.cfg.Username,
		FromName:  name,
		ReplyTo:   req.From,
		To:        req.To,
		Cc:        req.Cc,
		Bcc:       req.Bcc,
		Subject:   req.Subject,
		TextBody:  req.Message,
		HTMLBody:  RenderHTML(req.Message),
	}
}

// domain is the right-hand side used in generated Message-IDs.
func (s *SMTP) domain() string {
	if at := strings.LastIndexByte(s.cfg.Username, '@'); at >= 0 && at < len(s.cfg.Username)-1 {
		return s.cfg.Username[at+1:]
	}
	return s.cfg.Host
}

// encode renders msg with mail.v2. Bcc never appears in the headers.
func encode(msg *email.Message) *mail.Message {
	m := mail.NewMessage()
	m.SetHeader("Message-ID", msg.MessageID)
	m.SetAddressHeader("From", msg.From, msg.FromName)
	if msg.ReplyTo != "" {
		m.SetHeader("Reply-To", msg.ReplyTo)
	}
	m.SetHeader("To", strings.Join(msg.To, ", "))
	if len(msg.Cc) > 0 {
		m.SetHeader("Cc", strings.Join(msg.Cc, ", "))
	}
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.TextBody)
	m.AddAlternative("text/html", msg.HTMLBody)
	return m
}
