// Package policyclient implements the proxy's single outbound policy call:
// serialize a Context, POST it to the configured policy service, and turn
// the response (or its absence) into a PolicyOutcome per the configured
// Decision mode.
//
// Grounded on the teacher's cache.http.go pattern of a small capability
// interface wrapping *http.Client (_examples/block-cachew/internal/cache/http.go),
// generalized here to the PolicyTransport capability spec.md §9 calls out
// explicitly so tests can inject a recording mock instead of a live server.
package policyclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/alecthomas/errors"

	"github.com/seedwing-proxy/seedwing/internal/config"
	"github.com/seedwing-proxy/seedwing/internal/logging"
	"github.com/seedwing-proxy/seedwing/internal/metrics"
	"github.com/seedwing-proxy/seedwing/internal/purl"
)

// Response is the minimal shape a PolicyTransport returns: enough to
// reproduce a denial verbatim.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// PolicyTransport is the capability the policy engine depends on; production
// wires a shared *http.Client through httpTransport, tests inject a recorder.
type PolicyTransport interface {
	PostJSON(ctx context.Context, url string, body []byte) (*Response, error)
}

type httpTransport struct {
	client *http.Client
}

// NewHTTPTransport wraps client (or http.DefaultClient if nil) as a PolicyTransport.
func NewHTTPTransport(client *http.Client) PolicyTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpTransport{client: client}
}

func (t *httpTransport) PostJSON(ctx context.Context, url string, body []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build policy request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "policy transport failure")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "read policy response")
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header.Clone(), Body: respBody}, nil
}

// Outcome is the result of evaluating a Context against policy.
type Outcome struct {
	Deny       bool
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client evaluates policy Context objects per the configured Decision.
type Client struct {
	url       string
	decision  config.Decision
	transport PolicyTransport
	Metrics   *metrics.Client
}

// New creates a policy Client.
func New(cfg config.PolicyConfig, transport PolicyTransport) *Client {
	return &Client{url: cfg.URL, decision: cfg.Decision, transport: transport}
}

// WithMetrics attaches a metrics.Client so Evaluate can record policy
// decisions, mirroring gitindex.Repository's WithGitHubToken setter.
func (c *Client) WithMetrics(m *metrics.Client) *Client {
	c.Metrics = m
	return c
}

func (c *Client) recordDecision(outcome string) {
	if c.Metrics == nil {
		return
	}
	c.Metrics.PolicyDecisions.WithLabelValues(string(c.decision), outcome).Inc()
}

// Evaluate runs the Context through policy per the configured Decision. hint
// is an optional human-readable tag (e.g. the crate/version) used only for
// log lines.
func (c *Client) Evaluate(ctx context.Context, pc purl.Context, hint string) (Outcome, error) {
	logger := logging.FromContext(ctx)

	if c.decision == config.DecisionDisable {
		c.recordDecision("disabled")
		return Outcome{}, nil
	}

	body, err := json.Marshal(pc)
	if err != nil {
		return Outcome{}, errors.Wrap(err, "marshal policy context")
	}

	resp, err := c.transport.PostJSON(ctx, c.url, body)
	if err != nil {
		// Fail-closed: a transport failure under warn/enforce is a fatal
		// error for the current request (spec.md §4.A).
		c.recordDecision("transport-error")
		return Outcome{}, errors.Wrap(err, "policy transport failure")
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.recordDecision("allow")
		return Outcome{}, nil
	}

	if c.decision == config.DecisionWarn {
		logger.WarnContext(ctx, "policy denied request, allowing under warn mode",
			slog.String("hint", hint),
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(resp.Body)))
		c.recordDecision("warn-allow")
		return Outcome{}, nil
	}

	c.recordDecision("deny")
	return Outcome{
		Deny:       true,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}
