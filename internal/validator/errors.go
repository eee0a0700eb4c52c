package validator

import (
	"fmt"
	"strings"
)

// Failure describes one rejected field.
type Failure struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   any    `json:"value"`
}

// Failures is the error returned by Validate when a request is rejected.
type Failures []Failure

func (f *Failures) add(field, message string, value any) {
	*f = append(*f, Failure{Field: field, Message: message, Value: value})
}

func (f Failures) Error() string {
	msgs := make([]string, len(f))
	for i, v := range f {
		msgs[i] = fmt.Sprintf("%s: %s", v.Field, v.Message)
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

// Fields returns the names of the rejected fields in report order.
func (f Failures) Fields() []string {
	out := make([]string, len(f))
	for i, v := range f {
		out[i] = v.Field
	}
	return out
}
