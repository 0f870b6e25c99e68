package log

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const headerRequestID = "X-Request-ID"

// requestLogger derives the per-request child logger and request id shared
// by the gin and net/http middlewares.
func requestLogger(logger zerolog.Logger, reqID, method, path, ip string) (zerolog.Logger, string) {
	if reqID == "" {
		reqID = uuid.New().String()
	}
	return logger.With().
		Str(FieldRequestID, reqID).
		Str(FieldMethod, method).
		Str(FieldPath, path).
		Str(FieldClientIP, ip).
		Logger(), reqID
}

// HTTPMiddleware is the net/http counterpart of GinMiddleware. Requests to
// quiet paths (exact match, e.g. scrape endpoints) complete at trace level.
// The wrapped writer keeps http.Hijacker and http.Flusher so it can sit in
// front of websocket upgrades and streamed responses.
func HTTPMiddleware(logger zerolog.Logger, quiet ...string) func(http.Handler) http.Handler {
	skip := make(map[string]struct{}, len(quiet))
	for _, p := range quiet {
		skip[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			child, reqID := requestLogger(logger, r.Header.Get(headerRequestID), r.Method, r.URL.Path, clientIP(r))
			w.Header().Set(headerRequestID, reqID)
			r = r.WithContext(WithLogger(r.Context(), child))

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			evt := child.Info()
			if _, ok := skip[r.URL.Path]; ok {
				evt = child.Trace()
			}
			evt.Int(FieldStatus, rec.status).
				Float64(FieldLatency, float64(time.Since(start).Milliseconds())).
				Msg("request completed")
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer cannot be hijacked")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// socket peer.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
