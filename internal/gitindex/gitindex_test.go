package gitindex_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/seedwing-proxy/seedwing/internal/gitindex"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not found in PATH")
	}
}

// createUpstreamRepo creates a real git repository at dir with one commit on
// branch and sets up user.name/user.email so commits succeed without a
// global git config.
func createUpstreamRepo(t *testing.T, dir, branch, filename, content string) string {
	t.Helper()
	runGit(t, "", "init", "--initial-branch="+branch, dir)
	runGit(t, dir, "config", "user.email", "upstream@test.com")
	runGit(t, dir, "config", "user.name", "Upstream")
	assert.NoError(t, os.WriteFile(filepath.Join(dir, filename), []byte(content), 0o644))
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "initial")
	out := runGit(t, dir, "rev-parse", "HEAD")
	return strings.TrimSpace(out)
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	assert.NoError(t, err, string(out))
	return string(out)
}

func TestPrepareCreatesLocalBranchAndTag(t *testing.T) {
	requireGit(t)

	upstream := filepath.Join(t.TempDir(), "upstream")
	createUpstreamRepo(t, upstream, "main", "config.json", "{}\n")

	cacheBase := t.TempDir()
	repo := gitindex.New("crates", upstream, cacheBase, "0.0.0.0", 8675, "git", 0)

	assert.NoError(t, repo.Prepare(context.Background()))

	path := repo.RepositoryPath()
	branchFile, err := os.ReadFile(filepath.Join(path, ".seedwing", "branch"))
	assert.NoError(t, err)
	assert.Equal(t, "refs/heads/main", strings.TrimSpace(string(branchFile)))

	tagOut := runGit(t, path, "rev-parse", "seedwing")
	assert.NotZero(t, strings.TrimSpace(tagOut))

	body, err := os.ReadFile(filepath.Join(path, "config.json"))
	assert.NoError(t, err)
	assert.True(t, strings.Contains(string(body), repo.DLURL))
	assert.True(t, strings.Contains(string(body), repo.APIURL))

	entries, err := os.ReadDir(repo.CacheRoot)
	assert.NoError(t, err)
	var sawTag bool
	for _, e := range entries {
		if e.Name() == "CACHEDIR.TAG" {
			sawTag = true
		}
	}
	assert.True(t, sawTag)
}

func TestPreparePreservesConfigJSONRewrite(t *testing.T) {
	requireGit(t)

	upstream := filepath.Join(t.TempDir(), "upstream")
	createUpstreamRepo(t, upstream, "main", "other.json", "{}\n")

	cacheBase := t.TempDir()
	repo := gitindex.New("crates", upstream, cacheBase, "127.0.0.1", 8675, "git", 0)
	assert.NoError(t, repo.Prepare(context.Background()))

	body, err := os.ReadFile(filepath.Join(repo.RepositoryPath(), "config.json"))
	assert.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "http://127.0.0.1:8675/crates"))
}

// TestPrepareRebuildsWhenRemoteChanges is spec scenario 7: remote_url changed
// between runs means the existing repository/ is removed and recreated
// against the new remote, with the tag and branch file following it.
func TestPrepareRebuildsWhenRemoteChanges(t *testing.T) {
	requireGit(t)

	firstUpstream := filepath.Join(t.TempDir(), "first")
	createUpstreamRepo(t, firstUpstream, "main", "config.json", "{}\n")

	cacheBase := t.TempDir()
	repo := gitindex.New("crates", firstUpstream, cacheBase, "127.0.0.1", 8675, "git", 0)
	assert.NoError(t, repo.Prepare(context.Background()))

	firstBranchFile, err := os.ReadFile(filepath.Join(repo.RepositoryPath(), ".seedwing", "branch"))
	assert.NoError(t, err)
	assert.Equal(t, "refs/heads/main", strings.TrimSpace(string(firstBranchFile)))

	secondUpstream := filepath.Join(t.TempDir(), "second")
	secondHead := createUpstreamRepo(t, secondUpstream, "trunk", "config.json", "{}\n")

	repo2 := gitindex.New("crates", secondUpstream, cacheBase, "127.0.0.1", 8675, "git", 0)
	assert.NoError(t, repo2.Prepare(context.Background()))

	branchFile, err := os.ReadFile(filepath.Join(repo2.RepositoryPath(), ".seedwing", "branch"))
	assert.NoError(t, err)
	assert.Equal(t, "refs/heads/trunk", strings.TrimSpace(string(branchFile)))

	tagOut := runGit(t, repo2.RepositoryPath(), "rev-parse", "seedwing")
	assert.Equal(t, secondHead, strings.TrimSpace(tagOut))

	remoteOut := runGit(t, repo2.RepositoryPath(), "remote", "get-url", "repository")
	assert.Equal(t, secondUpstream, strings.TrimSpace(remoteOut))
}

func TestPrepareIsIdempotentWhenRemoteUnchanged(t *testing.T) {
	requireGit(t)

	upstream := filepath.Join(t.TempDir(), "upstream")
	createUpstreamRepo(t, upstream, "main", "config.json", "{}\n")

	cacheBase := t.TempDir()
	repo := gitindex.New("crates", upstream, cacheBase, "127.0.0.1", 8675, "git", 0)
	assert.NoError(t, repo.Prepare(context.Background()))

	firstTag := strings.TrimSpace(runGit(t, repo.RepositoryPath(), "rev-parse", "seedwing"))

	repo2 := gitindex.New("crates", upstream, cacheBase, "127.0.0.1", 8675, "git", 0)
	assert.NoError(t, repo2.Prepare(context.Background()))

	secondTag := strings.TrimSpace(runGit(t, repo2.RepositoryPath(), "rev-parse", "seedwing"))
	assert.Equal(t, firstTag, secondTag)
}
