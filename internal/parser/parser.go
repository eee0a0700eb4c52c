// Package parser decodes RFC 5322 messages, including multipart/alternative
// bodies, back into an email.Message.
package parser

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	"github.com/shineum/email-relay-api/internal/email"
)

var wordDecoder = new(mime.WordDecoder)

// Parse decodes a raw message. Encoded-word headers are decoded; text/plain
// and text/html parts fill TextBody and HTMLBody. Other parts are skipped.
func Parse(raw []byte) (*email.Message, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}

	result := &email.Message{
		RawHeaders: make(map[string][]string, len(msg.Header)),
		MessageID:  msg.Header.Get("Message-Id"),
		Subject:    decodeHeader(msg.Header.Get("Subject")),
		To:         parseAddressList(msg.Header.Get("To")),
		Cc:         parseAddressList(msg.Header.Get("Cc")),
		Bcc:        parseAddressList(msg.Header.Get("Bcc")),
	}
	for key, values := range msg.Header {
		result.RawHeaders[key] = values
	}

	if from, err := mail.ParseAddress(msg.Header.Get("From")); err == nil {
		result.From = from.Address
		result.FromName = from.Name
	} else {
		result.From = msg.Header.Get("From")
	}
	if replyTo := parseAddressList(msg.Header.Get("Reply-To")); len(replyTo) > 0 {
		result.ReplyTo = replyTo[0]
	}

	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		slog.Warn("unparseable content type, treating as plain text",
			"content_type", contentType,
			"error", err,
		)
		body, err := io.ReadAll(msg.Body)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		result.TextBody = string(body)
		return result, nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("multipart message missing boundary")
		}
		if err := parseMultipart(msg.Body, boundary, result); err != nil {
			return nil, fmt.Errorf("parse multipart: %w", err)
		}
		return result, nil
	}

	body, err := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if mediaType == "text/html" {
		result.HTMLBody = string(body)
	} else {
		result.TextBody = string(body)
	}
	return result, nil
}

func parseMultipart(body io.Reader, boundary string, result *email.Message) error {
	reader := multipart.NewReader(body, boundary)

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("next part: %w", err)
		}

		partType := part.Header.Get("Content-Type")
		if partType == "" {
			partType = "text/plain"
		}
		mediaType, params, err := mime.ParseMediaType(partType)
		if err != nil {
			slog.Warn("skipping part with bad content type", "content_type", partType, "error", err)
			continue
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			if err := parseMultipart(part, params["boundary"], result); err != nil {
				slog.Warn("failed to parse nested multipart", "error", err)
			}
			continue
		}

		content, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"))
		if err != nil {
			slog.Warn("failed to read part", "content_type", mediaType, "error", err)
			continue
		}

		switch mediaType {
		case "text/plain":
			if result.TextBody == "" {
				result.TextBody = string(content)
			}
		case "text/html":
			if result.HTMLBody == "" {
				result.HTMLBody = string(content)
			}
		default:
			slog.Debug("skipping non-text part", "content_type", mediaType)
		}
	}
}

// decodeBody reads r and undoes the transfer encoding. multipart.Reader
// already strips quoted-printable from parts, in which case the header is gone.
func decodeBody(r io.Reader, encoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "quoted-printable":
		return io.ReadAll(quotedprintable.NewReader(r))
	case "base64":
		raw, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		cleaned := strings.NewReplacer("\r", "", "\n", "").Replace(string(raw))
		decoded, err := base64.StdEncoding.DecodeString(cleaned)
		if err != nil {
			decoded, err = base64.RawStdEncoding.DecodeString(cleaned)
			if err != nil {
				return nil, fmt.Errorf("decode base64: %w", err)
			}
		}
		return decoded, nil
	default:
		return io.ReadAll(r)
	}
}

func decodeHeader(v string) string {
	decoded, err := wordDecoder.DecodeHeader(v)
	if err != nil {
		return v
	}
	return decoded
}

// parseAddressList returns the bare addresses of a header address list,
// falling back to a comma split for lists net/mail cannot parse.
func parseAddressList(raw string) []string {
	if raw == "" {
		return nil
	}

	addresses, err := mail.ParseAddressList(raw)
	if err != nil {
		var out []string
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}

	out := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		out = append(out, addr.Address)
	}
	return out
}
