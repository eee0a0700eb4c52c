package transport

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"strings"
)

// ErrCredentialsMissing is returned when the relay account is not configured.
var ErrCredentialsMissing = errors.New("credentials not configured")

// Kind is the closed set of transport failure kinds.
type Kind int

const (
	KindConfiguration Kind = iota + 1
	KindAuthentication
	KindConnection
	KindRecipient
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindAuthentication:
		return "authentication"
	case KindConnection:
		return "connection"
	case KindRecipient:
		return "recipient"
	case KindTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Error is a failure reported by the relay transport. Code is the SMTP reply
// code when the relay answered, and Address the rejected recipient when the
// reply named one.
type Error struct {
	Kind    Kind
	Code    int
	Address string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Code != 0 {
		fmt.Fprintf(&b, " (%d)", e.Code)
	}
	if e.Address != "" {
		fmt.Fprintf(&b, " <%s>", e.Address)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a transport Error of kind k.
func IsKind(err error, k Kind) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == k
}

// authCodes are the reply codes a relay uses to refuse credentials.
var authCodes = map[int]bool{530: true, 534: true, 535: true, 538: true}

// classifyDial maps an error raised while connecting, upgrading to TLS or
// authenticating.
func classifyDial(err error) *Error {
	if te, ok := asTransportError(err); ok {
		return te
	}
	var reply *textproto.Error
	if errors.As(err, &reply) {
		if authCodes[reply.Code] {
			return &Error{Kind: KindAuthentication, Code: reply.Code, Err: err}
		}
		return &Error{Kind: KindTransport, Code: reply.Code, Err: err}
	}
	return &Error{Kind: KindConnection, Err: err}
}

// classifySend maps an error raised during the MAIL/RCPT/DATA exchange.
// recipients are searched for the address named in a rejection reply.
func classifySend(err error, recipients []string) *Error {
	if te, ok := asTransportError(err); ok {
		return te
	}
	var reply *textproto.Error
	if !errors.As(err, &reply) {
		return &Error{Kind: KindConnection, Err: err}
	}

	switch {
	case authCodes[reply.Code]:
		return &Error{Kind: KindAuthentication, Code: reply.Code, Err: err}
	case reply.Code >= 550 && reply.Code <= 559:
		return &Error{
			Kind:    KindRecipient,
			Code:    reply.Code,
			Address: rejectedAddress(reply.Msg, recipients),
			Err:     err,
		}
	case reply.Code == 421:
		return &Error{Kind: KindConnection, Code: reply.Code, Err: err}
	default:
		return &Error{Kind: KindTransport, Code: reply.Code, Err: err}
	}
}

func asTransportError(err error) (*Error, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te, true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Kind: KindConnection, Err: err}, true
	}
	return nil, false
}

func rejectedAddress(reply string, recipients []string) string {
	lower := strings.ToLower(reply)
	for _, addr := range recipients {
		if strings.Contains(lower, strings.ToLower(addr)) {
			return addr
		}
	}
	return ""
}
