package httputil_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/seedwing-proxy/seedwing/internal/httputil"
)

func TestStripHopByHop(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "keep-alive, X-Custom")
	h.Set("X-Custom", "value")
	h.Set("Host", "example.com")
	h.Set("Upgrade", "websocket")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("Content-Type", "application/json")

	httputil.StripHopByHop(h)

	assert.Equal(t, "", h.Get("Connection"))
	assert.Equal(t, "", h.Get("Host"))
	assert.Equal(t, "", h.Get("Upgrade"))
	assert.Equal(t, "", h.Get("Keep-Alive"))
	assert.Equal(t, "", h.Get("X-Custom")) // named by the Connection header
	assert.Equal(t, "application/json", h.Get("Content-Type"))
}

func TestCopyHeadersSkipsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Set("Connection", "close")
	src.Set("Content-Type", "text/plain")

	dst := http.Header{}
	httputil.CopyHeaders(dst, src)

	assert.Equal(t, "", dst.Get("Connection"))
	assert.Equal(t, "text/plain", dst.Get("Content-Type"))
}

func TestLoggingMiddlewareRecordsStatus(t *testing.T) {
	handler := httputil.LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/whatever", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTeapot, w.Code)
}
