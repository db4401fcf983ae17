// Package router binds each configured repository scope to the per-ecosystem
// handlers that serve it, in the configured insertion order (spec.md §4.G).
//
// The teacher's strategy.Registry (_examples/block-cachew/internal/strategy/api.go)
// is a pluggable, HCL-schema-driven registry open to arbitrary strategies.
// spec.md fixes the ecosystem set to six, so this package keeps the
// teacher's "register factories, dispatch on configured type" shape but
// drops the generic plugin schema machinery that fixed set has no use for.
package router

import (
	"context"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/errors"

	"github.com/seedwing-proxy/seedwing/internal/backend"
	"github.com/seedwing-proxy/seedwing/internal/config"
	"github.com/seedwing-proxy/seedwing/internal/cratecache"
	"github.com/seedwing-proxy/seedwing/internal/gitindex"
	"github.com/seedwing-proxy/seedwing/internal/httputil"
	"github.com/seedwing-proxy/seedwing/internal/jobscheduler"
	"github.com/seedwing-proxy/seedwing/internal/logging"
	"github.com/seedwing-proxy/seedwing/internal/metrics"
	"github.com/seedwing-proxy/seedwing/internal/pipeline"
	"github.com/seedwing-proxy/seedwing/internal/policyclient"
	"github.com/seedwing-proxy/seedwing/internal/purl"
	"github.com/seedwing-proxy/seedwing/internal/sparseindex"
	"github.com/seedwing-proxy/seedwing/internal/upstream"
)

// Deps are the shared, process-wide collaborators every scope's handlers
// compose (spec.md §3 ProxyState): read-mostly, shared by reference.
type Deps struct {
	Fetcher     *upstream.Fetcher
	Policy      *policyclient.Client
	Metrics     *metrics.Client
	Scheduler   jobscheduler.Scheduler
	HTTPClient  *http.Client
	CrateCache  *cratecache.Cache
	GitHubToken func(ctx context.Context, org string) (string, error)
}

// GitRepositories returns every gitindex.Repository the router built for a
// `crates` scope, so callers (snapshot uploader, tests) can reach them.
type Build struct {
	Mux             *http.ServeMux
	GitRepositories map[string]*gitindex.Repository
}

// New constructs the full HTTP mux for cfg's repositories.
func New(ctx context.Context, cfg config.Config, deps Deps) (*Build, error) {
	mux := http.NewServeMux()
	gitRepos := make(map[string]*gitindex.Repository)

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	for _, repo := range cfg.Repositories {
		switch repo.Type {
		case config.RepositoryTypeCrates:
			gr, err := registerCrates(ctx, mux, cfg, repo, deps)
			if err != nil {
				return nil, errors.Wrapf(err, "register crates scope %q", repo.Name)
			}
			gitRepos[repo.Name] = gr
		case config.RepositoryTypeSparseCrates:
			registerSparseCrates(mux, cfg, repo, deps)
		case config.RepositoryTypeM2:
			registerMaven(mux, repo, deps)
		case config.RepositoryTypeGems:
			registerGems(mux, repo, deps)
		case config.RepositoryTypeNPM:
			registerNPM(mux, repo, deps)
		case config.RepositoryTypePip:
			registerPip(mux, repo, deps)
		default:
			return nil, errors.Errorf("unknown repository type %q for scope %q", repo.Type, repo.Name)
		}
	}

	return &Build{Mux: mux, GitRepositories: gitRepos}, nil
}

func registerCrates(ctx context.Context, mux *http.ServeMux, cfg config.Config, repo config.RepositoryConfig, deps Deps) (*gitindex.Repository, error) {
	gr := gitindex.New(repo.Name, repo.URL, cfg.Proxy.CacheDir, cfg.Proxy.Bind, cfg.Proxy.Port, cfg.Proxy.GitCmd,
		time.Duration(repo.PeriodicUpdate)*time.Second).WithMetrics(deps.Metrics)
	if deps.GitHubToken != nil {
		gr.WithGitHubToken(deps.GitHubToken)
	}

	if err := gr.Prepare(ctx); err != nil {
		return nil, errors.Wrap(err, "prepare git index cache")
	}
	gr.StartPeriodicUpdate(deps.Scheduler)

	bridge := &backend.Bridge{GitCmd: cfg.Proxy.GitCmd, RepositoryPath: gr.RepositoryPath()}
	mux.Handle("GET /"+repo.Name+"/info/refs", bridge)
	mux.Handle("POST /"+repo.Name+"/git-upload-pack", bridge)

	handler := cratesDownloadHandler(repo.Name, deps)
	mux.Handle("GET /"+repo.Name+"/api/v1/crates/{crate}/{version}/download", handler)

	return gr, nil
}

func registerSparseCrates(mux *http.ServeMux, cfg config.Config, repo config.RepositoryConfig, deps Deps) {
	host := cfg.Proxy.Bind
	if host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	indexPrefix := "index"
	base := "http://" + host + ":" + strconv.Itoa(cfg.Proxy.Port) + "/" + repo.Name
	gw := sparseindex.New(sparseindex.Repository{
		RemoteURL:   repo.URL,
		IndexPrefix: indexPrefix,
		DLURL:       base + "/api/v1/crates",
		APIURL:      base,
	}, deps.Fetcher)

	mux.Handle("GET /"+repo.Name+"/"+indexPrefix+"/", gw)

	mux.Handle("GET /"+repo.Name+"/api/v1/crates/{crate}/{version}/download", cratesDownloadHandler(repo.Name, deps))
}

func cratesDownloadHandler(scope string, deps Deps) http.Handler {
	h := &pipeline.Handler{Scope: scope, Ecosystem: "crates", Fetcher: deps.Fetcher, Policy: deps.Policy, Metrics: deps.Metrics}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		crate := r.PathValue("crate")
		version := r.PathValue("version")

		dlPath, err := pipeline.ResolveCrateDLPath(r.Context(), deps.HTTPClient, deps.CrateCache, crate, version)
		if err != nil {
			if errors.Is(err, pipeline.ErrCrateNotFound) {
				pipeline.NotFound(w, r, "crate version not found: "+crate+"@"+version)
				return
			}
			httputil.ErrorResponse(w, r, http.StatusInternalServerError, "crates.io metadata lookup failed: "+err.Error())
			return
		}

		// Open question preserved from original_source: this always fetches
		// from crates.io directly via dl_path, independent of the
		// configured upstream `url` for this repository (spec.md §9).
		upstreamURL := "https://crates.io" + dlPath
		h.Serve(w, r, upstreamURL, func(payload []byte) purl.Context {
			return purl.Crate(scope, crate, version, upstreamURL, payload)
		}, crate+"@"+version)
	})
}

func registerMaven(mux *http.ServeMux, repo config.RepositoryConfig, deps Deps) {
	h := &pipeline.Handler{Scope: repo.Name, Ecosystem: "m2", Fetcher: deps.Fetcher, Policy: deps.Policy, Metrics: deps.Metrics}
	mux.HandleFunc("GET /"+repo.Name+"/{path...}", func(w http.ResponseWriter, r *http.Request) {
		rest := r.PathValue("path")
		groupPath, artifactID, version, file, ok := splitMavenPath(rest)
		if !ok {
			httputil.ErrorResponse(w, r, http.StatusNotFound, "not a maven coordinate path")
			return
		}
		ext := strings.TrimPrefix(path.Ext(file), ".")
		upstreamURL := strings.TrimRight(repo.URL, "/") + "/" + rest

		h.Serve(w, r, upstreamURL, func(payload []byte) purl.Context {
			return purl.Maven(repo.Name, groupPath, artifactID, version, ext, repo.URL, upstreamURL, payload)
		}, rest)
	})
}

// splitMavenPath splits "{group...}/{artifact}/{version}/{file}" into its parts.
func splitMavenPath(p string) (groupPath, artifactID, version, file string, ok bool) {
	segs := strings.Split(strings.Trim(p, "/"), "/")
	if len(segs) < 4 {
		return "", "", "", "", false
	}
	n := len(segs)
	file = segs[n-1]
	version = segs[n-2]
	artifactID = segs[n-3]
	groupPath = strings.Join(segs[:n-3], "/")
	return groupPath, artifactID, version, file, true
}

func registerGems(mux *http.ServeMux, repo config.RepositoryConfig, deps Deps) {
	h := &pipeline.Handler{Scope: repo.Name, Ecosystem: "gems", Fetcher: deps.Fetcher, Policy: deps.Policy, Metrics: deps.Metrics}
	mux.HandleFunc("GET /"+repo.Name+"/{path...}", func(w http.ResponseWriter, r *http.Request) {
		rest := r.PathValue("path")
		upstreamURL := strings.TrimRight(repo.URL, "/") + "/" + rest

		name, version, _, ok := splitGemFile(rest)
		if !ok {
			if err := deps.Fetcher.StreamPassthrough(w, r, upstreamURL); err != nil {
				httputil.ErrorResponse(w, r, http.StatusBadGateway, "gems upstream fetch failed")
			}
			return
		}
		h.Serve(w, r, upstreamURL, func(payload []byte) purl.Context {
			return purl.Gem(repo.Name, name, version, upstreamURL, payload)
		}, name+"@"+version)
	})
}

// splitGemFile matches the trailing "{name}-{version}.{ext}" segment gems
// are served under (e.g. "gems/rails-7.1.0.gem").
func splitGemFile(p string) (name, version, ext string, ok bool) {
	base := path.Base(p)
	ext = strings.TrimPrefix(path.Ext(base), ".")
	stem := strings.TrimSuffix(base, path.Ext(base))
	idx := strings.LastIndex(stem, "-")
	if idx <= 0 {
		return "", "", "", false
	}
	return stem[:idx], stem[idx+1:], ext, true
}

func registerNPM(mux *http.ServeMux, repo config.RepositoryConfig, deps Deps) {
	h := &pipeline.Handler{Scope: repo.Name, Ecosystem: "npm", Fetcher: deps.Fetcher, Policy: deps.Policy, Metrics: deps.Metrics}
	handler := func(w http.ResponseWriter, r *http.Request) {
		rest := r.PathValue("path")
		upstreamURL := strings.TrimRight(repo.URL, "/") + "/" + rest

		name, version, ok := splitNPMTarball(rest)
		if !ok {
			if err := deps.Fetcher.StreamPassthrough(w, r, upstreamURL); err != nil {
				httputil.ErrorResponse(w, r, http.StatusBadGateway, "npm upstream fetch failed")
			}
			return
		}
		h.Serve(w, r, upstreamURL, func(payload []byte) purl.Context {
			return purl.NPM(repo.Name, name, version, upstreamURL, payload)
		}, name+"@"+version)
	}
	mux.HandleFunc("GET /"+repo.Name+"/{path...}", handler)
	mux.HandleFunc("HEAD /"+repo.Name+"/{path...}", handler)
	mux.HandleFunc("POST /"+repo.Name+"/{path...}", handler)
}

// splitNPMTarball matches "{pkg...}/-/{name}-{version}.tgz".
func splitNPMTarball(p string) (name, version string, ok bool) {
	idx := strings.Index(p, "/-/")
	if idx < 0 {
		return "", "", false
	}
	base := path.Base(p)
	stem := strings.TrimSuffix(base, path.Ext(base))
	if strings.HasSuffix(stem, ".tar") {
		stem = strings.TrimSuffix(stem, ".tar")
	}
	vIdx := strings.LastIndex(stem, "-")
	if vIdx <= 0 {
		return "", "", false
	}
	return stem[:vIdx], stem[vIdx+1:], true
}

func registerPip(mux *http.ServeMux, repo config.RepositoryConfig, deps Deps) {
	// Open question preserved from original_source: pip streams without
	// hashing or policy evaluation (spec.md §9); whether intended or an
	// oversight is unclear, but the streaming behavior is kept as observed.
	mux.HandleFunc("/"+repo.Name+"/{path...}", func(w http.ResponseWriter, r *http.Request) {
		rest := r.PathValue("path")
		upstreamURL := strings.TrimRight(repo.URL, "/") + "/" + rest
		if err := deps.Fetcher.StreamPassthrough(w, r, upstreamURL); err != nil {
			httputil.ErrorResponse(w, r, http.StatusBadGateway, "pip upstream fetch failed")
		}
	})
}

