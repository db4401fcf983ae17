package upstream_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/seedwing-proxy/seedwing/internal/metrics"
	"github.com/seedwing-proxy/seedwing/internal/upstream"
)

func TestFetchBufferedReturnsBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Connection", "close")
		_, _ = w.Write([]byte("hello"))
	}))
	defer server.Close()

	f := upstream.New(server.Client())
	req := httptest.NewRequest(http.MethodGet, "/whatever", nil)

	buffered, err := f.FetchBuffered(context.Background(), req, server.URL, "crates")
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, buffered.StatusCode)
	assert.Equal(t, "hello", string(buffered.Body))
	assert.Equal(t, "", buffered.Header.Get("Connection"))
}

func TestFetchBufferedRejectsOversizedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("a", upstream.MaxBufferedBody+1)))
	}))
	defer server.Close()

	f := upstream.New(server.Client())
	req := httptest.NewRequest(http.MethodGet, "/whatever", nil)

	_, err := f.FetchBuffered(context.Background(), req, server.URL, "crates")
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "maximum buffered size"))
}

func TestFetchBufferedObservesDurationWhenMetricsAttached(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("hello"))
	}))
	defer server.Close()

	client, err := metrics.New(context.Background(), metrics.Config{ServiceName: "seedwing-test", Port: 9188})
	assert.NoError(t, err)
	defer client.Close()

	f := upstream.New(server.Client()).WithMetrics(client)
	req := httptest.NewRequest(http.MethodGet, "/whatever", nil)

	_, err = f.FetchBuffered(context.Background(), req, server.URL, "crates")
	assert.NoError(t, err)

	w := httptest.NewRecorder()
	client.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.True(t, strings.Contains(w.Body.String(), "seedwing_upstream_fetch_duration_seconds"))
}

func TestStreamPassthroughStripsHopByHop(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Connection", "close")
		_, _ = w.Write([]byte("streamed"))
	}))
	defer server.Close()

	f := upstream.New(server.Client())
	req := httptest.NewRequest(http.MethodGet, "/whatever", nil)
	w := httptest.NewRecorder()

	err := f.StreamPassthrough(w, req, server.URL)
	assert.NoError(t, err)
	assert.Equal(t, "streamed", w.Body.String())
	assert.Equal(t, "", w.Header().Get("Connection"))
}
