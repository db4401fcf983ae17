// Package upstream is the generic reverse-proxy primitive shared by every
// ecosystem handler: clone a client request onto an upstream URL, strip
// hop-by-hop headers in both directions, and either stream the response body
// straight through or buffer it for hashing and policy evaluation.
//
// Grounded on _examples/block-cachew/internal/strategy/git/proxy.go (which
// forwards through a stdlib httputil.ReverseProxy) and
// _examples/other_examples/5a4bb620_danielloader-oci-pull-through__internal-proxy-proxy.go.go
// (explicit header cloning + hop-by-hop stripping without a reverse-proxy type,
// which this package follows more closely since buffered mode needs the body
// in memory anyway).
package upstream

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/alecthomas/errors"

	"github.com/seedwing-proxy/seedwing/internal/httputil"
	"github.com/seedwing-proxy/seedwing/internal/metrics"
)

// MaxBufferedBody is the 20 MiB cap spec.md §4.C places on buffered fetches.
const MaxBufferedBody = 20 * 1024 * 1024

// Fetcher issues upstream requests with a shared http.Client.
type Fetcher struct {
	client  *http.Client
	Metrics *metrics.Client
}

// New returns a Fetcher. client may be nil, in which case a client with
// automatic decompression disabled is created (disabled so content hashes
// match what upstream actually served).
func New(client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{DisableCompression: true},
		}
	}
	return &Fetcher{client: client}
}

// WithMetrics attaches a metrics.Client so FetchBuffered can observe fetch
// duration, mirroring gitindex.Repository's WithGitHubToken setter.
func (f *Fetcher) WithMetrics(m *metrics.Client) *Fetcher {
	f.Metrics = m
	return f
}

// Forward builds a request to upstreamURL cloning method, body and headers
// (minus hop-by-hop) from r, executes it, and returns the raw response. The
// caller owns resp.Body and must close it.
func (f *Fetcher) Forward(r *http.Request, upstreamURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL, r.Body)
	if err != nil {
		return nil, errors.Wrap(err, "build upstream request")
	}
	httputil.CopyHeaders(req.Header, r.Header)
	httputil.StripHopByHop(req.Header)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "upstream fetch")
	}
	return resp, nil
}

// StreamPassthrough forwards r to upstreamURL and copies the upstream
// response straight through to w, streaming the body without buffering it.
func (f *Fetcher) StreamPassthrough(w http.ResponseWriter, r *http.Request, upstreamURL string) error {
	resp, err := f.Forward(r, upstreamURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	dst := w.Header()
	httputil.CopyHeaders(dst, resp.Header)
	httputil.StripHopByHop(dst)
	w.WriteHeader(resp.StatusCode)
	_, err = io.Copy(w, resp.Body)
	return errors.WithStack(err)
}

// Buffered fetches upstreamURL and returns the full response body (capped at
// MaxBufferedBody), along with status and headers, for callers that need to
// hash and policy-evaluate the payload before responding.
type Buffered struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ErrPayloadTooLarge is returned by FetchBuffered when the upstream body
// exceeds MaxBufferedBody.
var ErrPayloadTooLarge = errors.New("upstream payload exceeds maximum buffered size")

func (f *Fetcher) FetchBuffered(ctx context.Context, r *http.Request, upstreamURL, ecosystem string) (*Buffered, error) {
	start := time.Now()
	if f.Metrics != nil {
		defer func() {
			f.Metrics.FetchDuration.WithLabelValues(ecosystem).Observe(time.Since(start).Seconds())
		}()
	}

	resp, err := f.Forward(r, upstreamURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, MaxBufferedBody+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, errors.Wrap(err, "read upstream body")
	}
	if len(body) > MaxBufferedBody {
		return nil, ErrPayloadTooLarge
	}

	header := resp.Header.Clone()
	httputil.StripHopByHop(header)

	return &Buffered{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       body,
	}, nil
}
