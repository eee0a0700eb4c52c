// Package dispatch runs one send request end to end: validate, relay once,
// and shape the client response.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/shineum/email-relay-api/internal/email"
	"github.com/shineum/email-relay-api/internal/failure"
	"github.com/shineum/email-relay-api/internal/validator"
)

const (
	// DefaultName is the sender display name reported when the request has none.
	DefaultName = "Email Service"

	// successCode labels successful dispatches in metrics.
	successCode = "SUCCESS"

	timestampLayout = "2006-01-02T15:04:05.000Z07:00"
)

// Sender relays a validated request.
type Sender interface {
	Send(ctx context.Context, req *email.Request) (*email.Result, error)
}

// Recorder observes dispatch outcomes.
type Recorder interface {
	ObserveDispatch(code string, elapsed time.Duration)
}

// Response is a status code and a JSON-encodable body.
type Response struct {
	Status int
	Body   any
}

// SuccessBody is returned when the relay accepted the message.
type SuccessBody struct {
	Status  string      `json:"status"`
	Message string      `json:"message"`
	Data    SuccessData `json:"data"`
}

// SuccessData describes the sent message.
type SuccessData struct {
	MessageID  string `json:"messageId"`
	From       string `json:"from"`
	Name       string `json:"name"`
	Recipients int    `json:"recipients"`
	Subject    string `json:"subject"`
	SentAt     string `json:"sentAt"`
}

// ErrorBody is returned for every failure.
type ErrorBody struct {
	Status  string              `json:"status"`
	Message string              `json:"message"`
	Code    string              `json:"code"`
	Errors  []validator.Failure `json:"errors,omitempty"`
	Details string              `json:"details,omitempty"`
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithIdentity sets the relay account and the default display name reported
// when the request does not name a sender.
func WithIdentity(account, name string) Option {
	return func(d *Dispatcher) {
		d.account = account
		if name != "" {
			d.name = name
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) {
		d.recorder = r
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithDiagnostics attaches raw error text to failure responses. Enable
// outside production only.
func WithDiagnostics(on bool) Option {
	return func(d *Dispatcher) {
		d.diagnostics = on
	}
}

// Dispatcher orchestrates validation, relaying and response shaping.
type Dispatcher struct {
	sender      Sender
	account     string
	name        string
	logger      *slog.Logger
	recorder    Recorder
	now         func() time.Time
	diagnostics bool
}

// New returns a Dispatcher that relays through sender.
func New(sender Sender, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sender: sender,
		name:   DefaultName,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "dispatch")
	return d
}

// Dispatch validates in and, if it is valid, relays it once.
func (d *Dispatcher) Dispatch(ctx context.Context, in validator.Input) Response {
	start := d.now()

	req, err := validator.Validate(in)
	if err != nil {
		var failures validator.Failures
		if errors.As(err, &failures) {
			d.logger.InfoContext(ctx, "request rejected", "fields", failures.Fields())
		}
		return d.finish(start, d.ErrorResponse(err))
	}

	res, err := d.sender.Send(ctx, req)
	if err != nil {
		category := failure.Classify(err)
		d.logger.ErrorContext(ctx, "email dispatch failed",
			"code", category.Code(),
			"recipients", len(req.To),
			"error", err,
		)
		return d.finish(start, d.ErrorResponse(err))
	}

	from := req.From
	if from == "" {
		from = d.account
	}
	name := req.Name
	if name == "" {
		name = d.name
	}

	d.logger.InfoContext(ctx, "email sent",
		"message_id", res.MessageID,
		"recipients", len(req.To),
		"subject", req.Subject,
	)
	return d.finish(start, Response{
		Status: http.StatusOK,
		Body: SuccessBody{
			Status:  "success",
			Message: "Email sent successfully",
			Data: SuccessData{
				MessageID:  res.MessageID,
				From:       from,
				Name:       name,
				Recipients: len(req.To),
				Subject:    req.Subject,
				SentAt:     d.now().UTC().Format(timestampLayout),
			},
		},
	})
}

// ErrorResponse shapes err into the failure response for its category.
func (d *Dispatcher) ErrorResponse(err error) Response {
	category := failure.Classify(err)
	body := ErrorBody{
		Status:  "error",
		Message: category.Message(),
		Code:    category.Code(),
	}

	var failures validator.Failures
	switch {
	case errors.As(err, &failures):
		body.Errors = failures
	case d.diagnostics && err != nil:
		body.Details = err.Error()
	}
	return Response{Status: category.Status(), Body: body}
}

func (d *Dispatcher) finish(start time.Time, resp Response) Response {
	if d.recorder == nil {
		return resp
	}
	code := successCode
	if body, ok := resp.Body.(ErrorBody); ok {
		code = body.Code
	}
	d.recorder.ObserveDispatch(code, d.now().Sub(start))
	return resp
}
