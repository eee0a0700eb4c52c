package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"net/http"
	"net/url"

	"github.com/shineum/email-relay-api/internal/dispatch"
	"github.com/shineum/email-relay-api/internal/failure"
	"github.com/shineum/email-relay-api/internal/validator"
)

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

type healthBody struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	Timestamp   string `json:"timestamp"`
	Environment string `json:"environment"`
}

type notFoundBody struct {
	dispatch.ErrorBody
	AvailableEndpoints []string `json:"availableEndpoints"`
}

type rateLimitBody struct {
	dispatch.ErrorBody
	RetryAfter int `json:"retryAfter"`
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthBody{
		Status:      "success",
		Message:     "Email service is running",
		Timestamp:   h.now().UTC().Format(timestampLayout),
		Environment: h.cfg.Environment,
	})
}

func (h *handler) sendEmail(w http.ResponseWriter, r *http.Request) {
	in, err := decodeInput(r)
	if err != nil {
		h.logger.InfoContext(r.Context(), "request body rejected", "error", err)
		h.writeResponse(w, h.cfg.Dispatcher.ErrorResponse(err))
		return
	}
	h.writeResponse(w, h.cfg.Dispatcher.Dispatch(r.Context(), in))
}

func (h *handler) notFound(w http.ResponseWriter, r *http.Request) {
	body := errorBody(failure.RouteNotFound)
	body.Message = fmt.Sprintf("Route %s not found", r.URL.RequestURI())
	writeJSON(w, http.StatusNotFound, notFoundBody{
		ErrorBody:          body,
		AvailableEndpoints: Endpoints,
	})
}

func (h *handler) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	body := errorBody(failure.MethodNotAllowed)
	body.Message = fmt.Sprintf("Method %s not allowed on %s", r.Method, r.URL.Path)
	writeJSON(w, http.StatusMethodNotAllowed, notFoundBody{
		ErrorBody:          body,
		AvailableEndpoints: Endpoints,
	})
}

func (h *handler) rateLimited(w http.ResponseWriter, r *http.Request) {
	h.logger.WarnContext(r.Context(), "rate limit exceeded", "remote_addr", r.RemoteAddr)
	writeJSON(w, http.StatusTooManyRequests, rateLimitBody{
		ErrorBody:  errorBody(failure.RateLimited),
		RetryAfter: int(math.Ceil(h.cfg.RateWindow.Seconds())),
	})
}

func (h *handler) writeResponse(w http.ResponseWriter, resp dispatch.Response) {
	writeJSON(w, resp.Status, resp.Body)
}

// decodeInput reads a JSON or urlencoded body. An empty body decodes to an
// empty input so that validation reports the missing fields.
func decodeInput(r *http.Request) (validator.Input, error) {
	var in validator.Input

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/x-www-form-urlencoded" {
		if err := r.ParseForm(); err != nil {
			return in, bodyError(err)
		}
		return formInput(r.PostForm), nil
	}

	dec := json.NewDecoder(r.Body)
	err := dec.Decode(&in)
	switch {
	case errors.Is(err, io.EOF):
		return in, nil
	case err != nil:
		return in, bodyError(err)
	}

	// The body must hold exactly one JSON value.
	var trailing json.RawMessage
	switch err := dec.Decode(&trailing); {
	case errors.Is(err, io.EOF):
		return in, nil
	case err != nil:
		return in, bodyError(err)
	default:
		return in, bodyError(errors.New("unexpected data after JSON body"))
	}
}

func bodyError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return fmt.Errorf("%w: limit is %d bytes", failure.ErrPayloadTooLarge, tooLarge.Limit)
	}
	return fmt.Errorf("%w: %w", failure.ErrMalformedBody, err)
}

func formInput(values url.Values) validator.Input {
	return validator.Input{
		To:      formValue(values, "to"),
		Subject: formValue(values, "subject"),
		Message: formValue(values, "message"),
		Cc:      formValue(values, "cc"),
		Bcc:     formValue(values, "bcc"),
		From:    formValue(values, "from"),
		Name:    formValue(values, "name"),
	}
}

// formValue returns nil for an absent key, the string for a single value and
// a list when the key repeats. "key[]" is accepted as an alias.
func formValue(values url.Values, key string) any {
	v := values[key]
	if len(v) == 0 {
		v = values[key+"[]"]
	}
	switch len(v) {
	case 0:
		return nil
	case 1:
		return v[0]
	default:
		return append([]string(nil), v...)
	}
}

func errorBody(c failure.Category) dispatch.ErrorBody {
	return dispatch.ErrorBody{
		Status:  "error",
		Message: c.Message(),
		Code:    c.Code(),
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
