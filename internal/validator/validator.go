// Package validator checks inbound email requests and normalizes them into
// an email.Request. Validation is pure: every rule runs, and all violations
// are reported together.
package validator

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/shineum/email-relay-api/internal/email"
)

// Request limits. These are hard caps.
const (
	MaxRecipients     = 50
	MaxCopyRecipients = 20
	MaxSubjectLength  = 200
	MaxMessageLength  = 10000
	MaxNameLength     = 100
)

// addressPattern is a basic local@domain.tld syntax check.
var addressPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Input carries loosely-typed request fields as decoded from JSON or a form.
// Address fields accept a single string or a list of strings.
type Input struct {
	To      any `json:"to"`
	Subject any `json:"subject"`
	Message any `json:"message"`
	Cc      any `json:"cc,omitempty"`
	Bcc     any `json:"bcc,omitempty"`
	From    any `json:"from,omitempty"`
	Name    any `json:"name,omitempty"`
}

// IsAddress reports whether s matches the accepted address syntax.
func IsAddress(s string) bool {
	return addressPattern.MatchString(s)
}

// Validate runs every rule against in. On success it returns the normalized
// request; otherwise it returns Failures listing each violation.
func Validate(in Input) (*email.Request, error) {
	var (
		failures Failures
		req      email.Request
	)

	to, ok := addressList(in.To)
	switch {
	case !ok:
		failures.add("to", "Invalid email address(es): "+fmt.Sprint(in.To), in.To)
	case len(to) == 0:
		failures.add("to", "Recipient email address is required", in.To)
	default:
		if bad := invalidAddresses(to); len(bad) > 0 {
			failures.add("to", "Invalid email address(es): "+strings.Join(bad, ", "), in.To)
		}
		if len(to) > MaxRecipients {
			failures.add("to", fmt.Sprintf("Maximum %d recipients allowed per request", MaxRecipients), in.To)
		}
		req.To = to
	}

	req.Subject = requiredText(&failures, "subject", in.Subject, MaxSubjectLength,
		"Email subject is required",
		fmt.Sprintf("Subject must be between 1 and %d characters", MaxSubjectLength),
	)
	req.Message = requiredText(&failures, "message", in.Message, MaxMessageLength,
		"Email message is required",
		"Message must be between 1 and 10,000 characters",
	)

	req.Cc = copyList(&failures, "cc", "CC", in.Cc)
	req.Bcc = copyList(&failures, "bcc", "BCC", in.Bcc)

	if in.From != nil {
		from, isString := in.From.(string)
		from = strings.TrimSpace(from)
		switch {
		case !isString:
			failures.add("from", "Invalid sender email address", in.From)
		case from == "":
		case !IsAddress(from):
			failures.add("from", "Invalid sender email address", in.From)
		default:
			req.From = from
		}
	}

	if in.Name != nil {
		name, isString := in.Name.(string)
		name = strings.TrimSpace(name)
		if !isString || strings.ContainsAny(name, "\r\n") || utf8.RuneCountInString(name) > MaxNameLength {
			failures.add("name", fmt.Sprintf("Sender name must be a single line of at most %d characters", MaxNameLength), in.Name)
		} else {
			req.Name = name
		}
	}

	if len(failures) > 0 {
		return nil, failures
	}
	return &req, nil
}

// requiredText trims a required string field and enforces 1..max characters.
func requiredText(failures *Failures, field string, value any, max int, requiredMsg, lengthMsg string) string {
	s, ok := value.(string)
	if !ok {
		failures.add(field, requiredMsg, value)
		return ""
	}
	s = strings.TrimSpace(s)
	n := utf8.RuneCountInString(s)
	switch {
	case n == 0:
		failures.add(field, requiredMsg, value)
	case n > max:
		failures.add(field, lengthMsg, value)
	}
	return s
}

// copyList validates an optional cc/bcc list. Absent or empty lists yield nil.
func copyList(failures *Failures, field, label string, value any) []string {
	list, ok := addressList(value)
	if !ok {
		failures.add(field, fmt.Sprintf("Invalid %s email address(es): %v", label, value), value)
		return nil
	}
	if len(list) == 0 {
		return nil
	}
	if bad := invalidAddresses(list); len(bad) > 0 {
		failures.add(field, fmt.Sprintf("Invalid %s email address(es): %s", label, strings.Join(bad, ", ")), value)
	}
	if len(list) > MaxCopyRecipients {
		failures.add(field, fmt.Sprintf("Maximum %d %s recipients allowed", MaxCopyRecipients, label), value)
	}
	return list
}

// addressList normalizes a scalar or list value into a list of strings.
// A nil value or blank string yields an empty list. ok is false when the
// value is neither a string nor a list of strings.
func addressList(value any) (list []string, ok bool) {
	switch v := value.(type) {
	case nil:
		return nil, true
	case string:
		v = strings.TrimSpace(v)
		if v == "" {
			return nil, true
		}
		return []string{v}, true
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, isString := item.(string)
			if !isString {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

func invalidAddresses(list []string) []string {
	var bad []string
	for _, addr := range list {
		if !IsAddress(addr) {
			bad = append(bad, addr)
		}
	}
	return bad
}
