// Package sparseindex implements the HTTP-based alternative to the git index
// cache: synthesize config.json locally, forward every other lookup to
// upstream with hop-by-hop headers stripped.
//
// Grounded on _examples/block-cachew/internal/strategy/git/proxy.go for the
// "forward, don't reimplement a reverse proxy type" shape, generalized to
// the config.json injection point spec.md §4.D requires.
package sparseindex

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/seedwing-proxy/seedwing/internal/httputil"
	"github.com/seedwing-proxy/seedwing/internal/upstream"
)

// Repository describes one sparse-crates scope.
type Repository struct {
	RemoteURL   string
	IndexPrefix string
	DLURL       string
	APIURL      string
}

// configJSON is marshaled with indentation to match the literal byte-for-byte
// body spec.md §8 scenario 3 specifies (two-space indent, trailing newline).
type configJSON struct {
	DL  string `json:"dl"`
	API string `json:"api"`
}

// Gateway serves one sparse-crates scope.
type Gateway struct {
	repo    Repository
	fetcher *upstream.Fetcher
}

func New(repo Repository, fetcher *upstream.Fetcher) *Gateway {
	return &Gateway{repo: repo, fetcher: fetcher}
}

// ServeHTTP handles GET {indexPrefix}/... requests: config.json is
// synthesized locally, everything else is proxied upstream.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	marker := "/" + g.repo.IndexPrefix + "/"
	rest := r.URL.Path
	if idx := strings.Index(rest, marker); idx != -1 {
		rest = rest[idx+len(marker):]
	} else {
		rest = strings.TrimPrefix(strings.TrimPrefix(rest, g.repo.IndexPrefix), "/")
	}

	if rest == "config.json" {
		g.serveConfigJSON(w)
		return
	}

	upstreamURL := strings.TrimRight(g.repo.RemoteURL, "/") + "/" + rest
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	if err := g.fetcher.StreamPassthrough(w, r, upstreamURL); err != nil {
		httputil.ErrorResponse(w, r, http.StatusBadGateway, "sparse index upstream fetch failed")
	}
}

func (g *Gateway) serveConfigJSON(w http.ResponseWriter) {
	body, _ := json.MarshalIndent(configJSON{DL: g.repo.DLURL, API: g.repo.APIURL}, "", "  ")
	body = append(body, '\n')

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
