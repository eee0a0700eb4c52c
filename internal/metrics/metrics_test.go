package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveDispatch(t *testing.T) {
	t.Parallel()

	m := New(prometheus.NewRegistry())
	m.ObserveDispatch("SUCCESS", 20*time.Millisecond)
	m.ObserveDispatch("SUCCESS", 30*time.Millisecond)
	m.ObserveDispatch("AUTH_ERROR", time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.dispatches.WithLabelValues("SUCCESS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatches.WithLabelValues("AUTH_ERROR")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.dispatchDuration))
}

func TestObserveHTTP(t *testing.T) {
	t.Parallel()

	m := New(prometheus.NewRegistry())
	m.ObserveHTTP(http.MethodPost, "/api/v1/send-email", http.StatusOK, time.Millisecond)
	m.ObserveHTTP(http.MethodGet, "", http.StatusNotFound, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("POST", "/api/v1/send-email", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "unmatched", "404")))
}

func TestSetRelayConfigured(t *testing.T) {
	t.Parallel()

	m := New(prometheus.NewRegistry())
	m.SetRelayConfigured(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.relayConfigured))
	m.SetRelayConfigured(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.relayConfigured))
}

func TestHandler(t *testing.T) {
	t.Parallel()

	m := New(NewRegistry())
	m.ObserveDispatch("SUCCESS", time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `email_relay_dispatch_total{code="SUCCESS"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
