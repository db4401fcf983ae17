// Package httputil holds small HTTP helpers shared across the proxy's handlers:
// hop-by-hop header stripping, uniform error responses, and request logging.
package httputil

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/seedwing-proxy/seedwing/internal/logging"
)

// hopByHop lists the headers that must never be forwarded end-to-end by a proxy.
// Connection, Host, Upgrade and Keep-Alive are required by spec; the rest are the
// standard RFC 7230 §6.1 set, matching the set used by
// other_examples/5a4bb620_danielloader-oci-pull-through__internal-proxy-proxy.go.go.
var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Host":                {},
	"Upgrade":             {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
}

// StripHopByHop removes hop-by-hop headers from h in place.
func StripHopByHop(h http.Header) {
	// Headers named in a Connection header are also hop-by-hop for this
	// message; read them before Connection itself is deleted below.
	named := h.Values("Connection")

	for key := range hopByHop {
		h.Del(key)
	}
	for _, v := range named {
		for _, name := range strings.Split(v, ",") {
			h.Del(strings.TrimSpace(name))
		}
	}
}

// CopyHeaders copies src into dst, skipping hop-by-hop headers.
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if _, hop := hopByHop[http.CanonicalHeaderKey(key)]; hop {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

// ErrorResponse writes a plain-text error response and logs it at ERROR level.
func ErrorResponse(w http.ResponseWriter, r *http.Request, status int, message string) {
	logging.FromContext(r.Context()).ErrorContext(r.Context(), message,
		slog.Int("status", status),
		slog.String("path", r.URL.Path))
	http.Error(w, message, status)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// LoggingMiddleware logs method, path, status and duration for every request.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logging.FromContext(r.Context()).InfoContext(r.Context(), "request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)))
	})
}
