// Package failure maps errors to the stable categories reported to API
// clients. Every error has exactly one category; anything unrecognized is
// Internal.
package failure

import (
	"errors"
	"net/http"

	"github.com/shineum/email-relay-api/internal/transport"
	"github.com/shineum/email-relay-api/internal/validator"
)

// Errors raised by the HTTP layer before a request reaches the dispatcher.
var (
	ErrMalformedBody    = errors.New("malformed request body")
	ErrPayloadTooLarge  = errors.New("request payload too large")
	ErrRouteNotFound    = errors.New("route not found")
	ErrMethodNotAllowed = errors.New("method not allowed")
	ErrRateLimited      = errors.New("rate limit exceeded")
)

// Category is the closed set of client-facing failure categories.
type Category int

const (
	Internal Category = iota
	Validation
	Authentication
	Connection
	InvalidRecipient
	MalformedBody
	PayloadTooLarge
	RouteNotFound
	MethodNotAllowed
	RateLimited
)

type descriptor struct {
	status  int
	code    string
	message string
}

var descriptors = map[Category]descriptor{
	Internal:         {http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error occurred while sending email"},
	Validation:       {http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed"},
	Authentication:   {http.StatusUnauthorized, "AUTH_ERROR", "Email authentication failed. Please check SMTP credentials."},
	Connection:       {http.StatusServiceUnavailable, "CONNECTION_ERROR", "Unable to connect to email server. Please try again later."},
	InvalidRecipient: {http.StatusBadRequest, "INVALID_RECIPIENT", "Invalid recipient email address."},
	MalformedBody:    {http.StatusBadRequest, "INVALID_JSON", "Invalid JSON payload"},
	PayloadTooLarge:  {http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Request payload too large"},
	RouteNotFound:    {http.StatusNotFound, "ROUTE_NOT_FOUND", "Route not found"},
	MethodNotAllowed: {http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed"},
	RateLimited:      {http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests from this IP, please try again later."},
}

// Status is the HTTP status for c.
func (c Category) Status() int {
	return c.describe().status
}

// Code is the machine-readable code for c.
func (c Category) Code() string {
	return c.describe().code
}

// Message is the client-facing message for c.
func (c Category) Message() string {
	return c.describe().message
}

func (c Category) String() string {
	return c.Code()
}

func (c Category) describe() descriptor {
	if d, ok := descriptors[c]; ok {
		return d
	}
	return descriptors[Internal]
}

// Classify returns the category for err. A nil error is Internal: callers only
// classify failures.
func Classify(err error) Category {
	if err == nil {
		return Internal
	}

	var failures validator.Failures
	if errors.As(err, &failures) {
		return Validation
	}

	var te *transport.Error
	if errors.As(err, &te) {
		switch te.Kind {
		case transport.KindAuthentication:
			return Authentication
		case transport.KindConnection:
			return Connection
		case transport.KindRecipient:
			return InvalidRecipient
		default:
			return Internal
		}
	}

	switch {
	case errors.Is(err, ErrMalformedBody):
		return MalformedBody
	case errors.Is(err, ErrPayloadTooLarge):
		return PayloadTooLarge
	case errors.Is(err, ErrRouteNotFound):
		return RouteNotFound
	case errors.Is(err, ErrMethodNotAllowed):
		return MethodNotAllowed
	case errors.Is(err, ErrRateLimited):
		return RateLimited
	}
	return Internal
}
