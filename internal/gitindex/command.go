package gitindex

import (
	"bufio"
	"context"
	"encoding/base64"
	"os/exec"
	"strings"

	"github.com/alecthomas/errors"
)

func basicAuthValue(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}

// githubOrgFromURL extracts the org/user segment from a github.com remote
// URL, e.g. "https://github.com/rust-lang/crates.io-index" -> "rust-lang".
func githubOrgFromURL(remoteURL string) string {
	trimmed := strings.TrimPrefix(remoteURL, "https://github.com/")
	trimmed = strings.TrimPrefix(trimmed, "http://github.com/")
	trimmed = strings.TrimPrefix(trimmed, "git@github.com:")
	org, _, _ := strings.Cut(trimmed, "/")
	return org
}

// gitCommand builds a git invocation rooted at dir, disabling any
// url.<base>.insteadOf rewrite rules that would affect remoteURL — without
// this, a globally configured rewrite could loop the clone back through the
// proxy itself. Grounded on
// _examples/block-cachew/internal/strategy/git/command.go, same rationale.
func (r *Repository) gitCommand(ctx context.Context, dir, remoteURL string, args ...string) (*exec.Cmd, error) {
	disableArgs, err := insteadOfDisableArgs(ctx, r.gitCmd, remoteURL)
	if err != nil {
		return nil, errors.Wrap(err, "compute insteadOf disable args")
	}

	authArgs, err := r.authArgs(ctx, remoteURL)
	if err != nil {
		return nil, errors.Wrap(err, "compute github app auth args")
	}

	full := append([]string{}, disableArgs...)
	full = append(full, authArgs...)
	full = append(full, args...)

	cmd := exec.CommandContext(ctx, r.gitCmd, full...)
	if dir != "" {
		cmd.Dir = dir
	}
	return cmd, nil
}

// authArgs injects a GitHub App installation token as a `http.extraheader`
// for remotes hosted on github.com, mirroring the token-injection Director
// pattern in _examples/block-cachew/internal/strategy/git/git.go (which
// wraps an httputil.ReverseProxy's Director to set an Authorization header;
// here the equivalent injection point is a per-invocation git -c flag,
// since there is no HTTP round tripper in the git-CLI path).
func (r *Repository) authArgs(ctx context.Context, remoteURL string) ([]string, error) {
	if r.githubToken == nil || remoteURL == "" {
		return nil, nil
	}
	host := normalizeUpstreamHost(remoteURL)
	if host != "github.com" {
		return nil, nil
	}

	org := githubOrgFromURL(remoteURL)
	token, err := r.githubToken(ctx, org)
	if err != nil || token == "" {
		return nil, errors.Wrap(err, "fetch github app installation token")
	}

	header := "Authorization: Basic " + basicAuthValue("x-access-token", token)
	return []string{"-c", "http.extraheader=" + header}, nil
}

func insteadOfDisableArgs(ctx context.Context, gitCmd, targetURL string) ([]string, error) {
	if targetURL == "" {
		return nil, nil
	}

	cmd := exec.CommandContext(ctx, gitCmd, "config", "--get-regexp", `^url\..*\.(insteadof|pushinsteadof)$`)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, nil //nolint:nilerr // exit code 1 with no matches is expected
	}

	var args []string
	scanner := bufio.NewScanner(strings.NewReader(string(output)))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		if strings.HasPrefix(targetURL, fields[1]) {
			args = append(args, "-c", fields[0]+"=")
		}
	}
	return args, errors.WithStack(scanner.Err())
}

func runGit(ctx context.Context, gitCmd, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, gitCmd, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), errors.Wrapf(err, "git %s: %s", strings.Join(args, " "), out)
	}
	return string(out), nil
}
