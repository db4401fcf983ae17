package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/alecthomas/errors"

	"github.com/seedwing-proxy/seedwing/internal/cratecache"
)

// crateVersionResponse is the subset of the crates.io
// /api/v1/crates/{crate}/{version} response the proxy needs.
type crateVersionResponse struct {
	Version struct {
		DLPath string `json:"dl_path"`
	} `json:"version"`
}

// ErrCrateNotFound is returned when crates.io has no such crate/version.
var ErrCrateNotFound = errors.New("crate version not found")

// ResolveCrateDLPath looks up the dl_path crates.io advertises for
// crate@version, consulting cache first (spec.md §4.H step 1 and §9's noted
// open question: this always queries crates.io directly, independent of the
// configured repository URL — preserved as observed in the original source).
func ResolveCrateDLPath(ctx context.Context, client *http.Client, cache *cratecache.Cache, crate, version string) (string, error) {
	if dlPath, ok := cache.Get(crate, version); ok {
		return dlPath, nil
	}

	url := fmt.Sprintf("https://crates.io/api/v1/crates/%s/%s", crate, version)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", errors.WithStack(err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "fetch crate metadata")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrCrateNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", errors.Errorf("crates.io metadata request failed: %d: %s", resp.StatusCode, body)
	}

	var parsed crateVersionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", errors.Wrap(err, "decode crate metadata")
	}
	if parsed.Version.DLPath == "" {
		return "", ErrCrateNotFound
	}

	cache.Set(crate, version, parsed.Version.DLPath)
	return parsed.Version.DLPath, nil
}
