package gitindex //nolint:testpackage // exercises the unexported update() merge path directly

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alecthomas/assert/v2"
)

func requireGitForUpdate(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not found in PATH")
	}
}

func runGitForUpdate(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	assert.NoError(t, err, string(out))
	return string(out)
}

func createUpstreamRepoForUpdate(t *testing.T, dir, branch string) {
	t.Helper()
	runGitForUpdate(t, "", "init", "--initial-branch="+branch, dir)
	runGitForUpdate(t, dir, "config", "user.email", "upstream@test.com")
	runGitForUpdate(t, dir, "config", "user.name", "Upstream")
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte("{}\n"), 0o644))
	runGitForUpdate(t, dir, "add", ".")
	runGitForUpdate(t, dir, "commit", "-m", "initial")
}

// advanceUpstreamForUpdate adds a new commit to dir on branch, simulating the
// remote crates.io-index advancing between two update() ticks.
func advanceUpstreamForUpdate(t *testing.T, dir, filename, content string) string {
	t.Helper()
	assert.NoError(t, os.WriteFile(filepath.Join(dir, filename), []byte(content), 0o644))
	runGitForUpdate(t, dir, "add", ".")
	runGitForUpdate(t, dir, "commit", "-m", "new crate version")
	return strings.TrimSpace(runGitForUpdate(t, dir, "rev-parse", "HEAD"))
}

// TestUpdateMergesRemoteAdvanceAndPreservesConfigJSON is spec.md §8's
// "Config.json persistence after merge" and "Tag monotonicity" invariants:
// after update() merges a moving upstream, config.json must still point at
// the proxy and the seedwing tag must advance to the fetched commit.
func TestUpdateMergesRemoteAdvanceAndPreservesConfigJSON(t *testing.T) {
	requireGitForUpdate(t)

	upstream := filepath.Join(t.TempDir(), "upstream")
	createUpstreamRepoForUpdate(t, upstream, "main")

	cacheBase := t.TempDir()
	repo := New("crates", upstream, cacheBase, "127.0.0.1", 8675, "git", 0)
	assert.NoError(t, repo.Prepare(context.Background()))

	path := repo.RepositoryPath()
	beforeTag := strings.TrimSpace(runGitForUpdate(t, path, "rev-parse", seedwingTag))

	newHead := advanceUpstreamForUpdate(t, upstream, "card", `{"name":"card","vers":"1.0.1"}`+"\n")
	assert.NotEqual(t, beforeTag, newHead)

	assert.NoError(t, repo.update(context.Background()))

	afterTag := strings.TrimSpace(runGitForUpdate(t, path, "rev-parse", seedwingTag))
	assert.Equal(t, newHead, afterTag)

	body, err := os.ReadFile(filepath.Join(path, "config.json"))
	assert.NoError(t, err)
	assert.True(t, strings.Contains(string(body), repo.DLURL))
	assert.True(t, strings.Contains(string(body), repo.APIURL))

	cardFile, err := os.ReadFile(filepath.Join(path, "card"))
	assert.NoError(t, err)
	assert.True(t, strings.Contains(string(cardFile), "1.0.1"))
}

// TestUpdateIsNoOpWhenRemoteUnchanged covers the fast-path branch of update():
// no new commits means no merge, no tag churn.
func TestUpdateIsNoOpWhenRemoteUnchanged(t *testing.T) {
	requireGitForUpdate(t)

	upstream := filepath.Join(t.TempDir(), "upstream")
	createUpstreamRepoForUpdate(t, upstream, "main")

	cacheBase := t.TempDir()
	repo := New("crates", upstream, cacheBase, "127.0.0.1", 8675, "git", 0)
	assert.NoError(t, repo.Prepare(context.Background()))

	path := repo.RepositoryPath()
	beforeTag := strings.TrimSpace(runGitForUpdate(t, path, "rev-parse", seedwingTag))

	assert.NoError(t, repo.update(context.Background()))

	afterTag := strings.TrimSpace(runGitForUpdate(t, path, "rev-parse", seedwingTag))
	assert.Equal(t, beforeTag, afterTag)
}
