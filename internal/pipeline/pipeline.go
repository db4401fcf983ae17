// Package pipeline implements the policy-gated download pipeline shared by
// every ecosystem handler: upstream fetch (buffered) → hash → Context build
// → policy evaluate → enforce/warn/disable branch (spec.md §4.H).
package pipeline

import (
	"errors"
	"net/http"

	"github.com/seedwing-proxy/seedwing/internal/httputil"
	"github.com/seedwing-proxy/seedwing/internal/logging"
	"github.com/seedwing-proxy/seedwing/internal/metrics"
	"github.com/seedwing-proxy/seedwing/internal/policyclient"
	"github.com/seedwing-proxy/seedwing/internal/purl"
	"github.com/seedwing-proxy/seedwing/internal/upstream"
)

// ContextBuilder turns the fetched payload into a policy Context; each
// ecosystem handler supplies its own purl-shaped closure (purl.Crate,
// purl.Maven, ...).
type ContextBuilder func(payload []byte) purl.Context

// Handler composes the Upstream Fetcher, Fingerprint & Context Builder and
// Policy Client for one ecosystem.
type Handler struct {
	Scope     string
	Ecosystem string
	Fetcher   *upstream.Fetcher
	Policy    *policyclient.Client
	Metrics   *metrics.Client
}

// Serve fetches upstreamURL in buffered mode, evaluates policy against the
// Context build builds, and writes the resulting response.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, upstreamURL string, build ContextBuilder, hint string) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	buffered, err := h.Fetcher.FetchBuffered(ctx, r, upstreamURL, h.Ecosystem)
	if err != nil {
		h.recordOutcome("fetch-error")
		if errors.Is(err, upstream.ErrPayloadTooLarge) {
			httputil.ErrorResponse(w, r, http.StatusInternalServerError, "upstream payload exceeds maximum buffered size")
			return
		}
		httputil.ErrorResponse(w, r, http.StatusInternalServerError, "upstream fetch failed: "+err.Error())
		return
	}

	pc := build(buffered.Body)

	outcome, err := h.Policy.Evaluate(ctx, pc, hint)
	if err != nil {
		h.recordOutcome("policy-transport-fail")
		httputil.ErrorResponse(w, r, http.StatusInternalServerError, "policy evaluation unavailable")
		return
	}

	if outcome.Deny {
		h.recordOutcome("deny")
		logger.InfoContext(ctx, "policy denied download", "hint", hint, "purl", pc.Purl, "status", outcome.StatusCode)
		httputil.CopyHeaders(w.Header(), outcome.Header)
		httputil.StripHopByHop(w.Header())
		w.WriteHeader(outcome.StatusCode)
		_, _ = w.Write(outcome.Body)
		return
	}

	h.recordOutcome("pass")
	dst := w.Header()
	httputil.CopyHeaders(dst, buffered.Header)
	w.WriteHeader(buffered.StatusCode)
	_, _ = w.Write(buffered.Body)
}

func (h *Handler) recordOutcome(outcome string) {
	if h.Metrics == nil {
		return
	}
	h.Metrics.Requests.WithLabelValues(h.Scope, h.Ecosystem, outcome).Inc()
}

// NotFound writes spec.md §4.H's crate-version-not-found edge case.
func NotFound(w http.ResponseWriter, r *http.Request, message string) {
	httputil.ErrorResponse(w, r, http.StatusNotFound, message)
}
