// Package email defines the email data model shared by the validator, the
// transport and the dispatcher.
package email

// Request is a validated, normalized email request. Cc and Bcc are nil when
// the caller did not supply any addresses.
type Request struct {
	To      []string
	Cc      []string
	Bcc     []string
	Subject string
	Message string
	From    string
	Name    string
}

// Recipients returns the envelope recipients (To, Cc, then Bcc) without
// duplicates, preserving first occurrence order.
func (r *Request) Recipients() []string {
	seen := make(map[string]struct{}, len(r.To)+len(r.Cc)+len(r.Bcc))
	out := make([]string, 0, len(r.To)+len(r.Cc)+len(r.Bcc))
	for _, list := range [][]string{r.To, r.Cc, r.Bcc} {
		for _, addr := range list {
			if _, ok := seen[addr]; ok {
				continue
			}
			seen[addr] = struct{}{}
			out = append(out, addr)
		}
	}
	return out
}

// Result is the outcome of a successful relay round-trip.
type Result struct {
	MessageID string
	Accepted  []string
	Rejected  []string
	Response  string
}

// Message is a transport-level email: what is written to the relay, and what
// a parsed RFC 5322 message decodes back into.
type Message struct {
	MessageID  string
	From       string
	FromName   string
	ReplyTo    string
	To         []string
	Cc         []string
	Bcc        []string
	Subject    string
	TextBody   string
	HTMLBody   string
	RawHeaders map[string][]string
}
