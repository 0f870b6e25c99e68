package log

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPMiddlewareRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	var seen string
	h := HTTPMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l := Ctx(r.Context())
		l.Info().Msg("inside")
		seen = r.Header.Get(headerRequestID)
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(headerRequestID, "req-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "req-1", rec.Header().Get(headerRequestID))
	assert.Equal(t, "req-1", seen)
	assert.Contains(t, buf.String(), `"request_id":"req-1"`)
	assert.Contains(t, buf.String(), `"status":418`)
}

func TestHTTPMiddlewareGeneratesID(t *testing.T) {
	h := HTTPMiddleware(zerolog.Nop(), "/metrics")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.NotEmpty(t, rec.Header().Get(headerRequestID))
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.9:1234"
	assert.Equal(t, "10.0.0.9", clientIP(r))

	r.Header.Set("X-Real-IP", " 10.0.0.2 ")
	assert.Equal(t, "10.0.0.2", clientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", clientIP(r))
}
