// Package backend bridges HTTP requests for /info/refs and /git-upload-pack
// to a `git http-backend` subprocess, using the literal CGI protocol:
// environment variables, stdin/stdout pipes, and a line-oriented header
// phase followed by a raw body phase.
//
// The teacher (_examples/block-cachew/internal/strategy/git/backend.go) gets
// this behavior for free from net/http/cgi.Handler. This package does not:
// spec.md §4.F requires the explicit three-task shape (stdin writer, header
// reader, bounded-channel body pump) so that response streaming and
// subprocess cancellation are both visible and independently testable,
// which cgi.Handler does not expose. The CGI environment variable set is
// grounded on the same backend.go file, narrowed to what §4.F names.
package backend

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"

	"github.com/alecthomas/errors"

	"github.com/seedwing-proxy/seedwing/internal/httputil"
	"github.com/seedwing-proxy/seedwing/internal/logging"
)

const bodyChunkSize = 8 * 1024
const bodyChannelCapacity = 100

// Bridge serves the git smart-HTTP protocol for one crates scope by shelling
// out to `git_cmd http-backend`.
type Bridge struct {
	GitCmd         string
	RepositoryPath string // {cache_root}/repository
}

// ServeHTTP handles a single /info/refs or /git-upload-pack request.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	logger := logging.FromContext(ctx)

	cmd := exec.CommandContext(ctx, b.GitCmd, "http-backend")
	cmd.Dir = b.RepositoryPath
	cmd.Env = append(os.Environ(),
		"GIT_HTTP_EXPORT_ALL=",
		"REQUEST_METHOD="+r.Method,
		"QUERY_STRING="+r.URL.RawQuery,
		"PATH_TRANSLATED="+b.RepositoryPath+stripScopePath(r.URL.Path),
		"CONTENT_TYPE="+r.Header.Get("Content-Type"),
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		httputil.ErrorResponse(w, r, http.StatusInternalServerError, "failed to open git http-backend stdin")
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		httputil.ErrorResponse(w, r, http.StatusInternalServerError, "failed to open git http-backend stdout")
		return
	}

	if err := cmd.Start(); err != nil {
		httputil.ErrorResponse(w, r, http.StatusInternalServerError, "failed to start git http-backend")
		return
	}
	// Cancelling ctx (client disconnect, response future dropped) kills the
	// subprocess; exec.CommandContext already arranges that via ctx.

	// Task 1: pump the client request body into the subprocess's stdin.
	go func() {
		defer stdin.Close()
		_, _ = io.Copy(stdin, r.Body)
	}()

	// Task 2: read the CGI header phase line by line.
	reader := bufio.NewReader(stdout)
	status := http.StatusOK
	for {
		line, err := readCGILine(reader)
		if err != nil {
			httputil.ErrorResponse(w, r, http.StatusBadGateway, "git http-backend closed before headers completed")
			_ = cmd.Wait()
			return
		}
		if line == "" {
			break // empty line ends the header phase
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		if strings.EqualFold(name, "Status") {
			fmt.Sscanf(value, "%d", &status)
			continue
		}
		w.Header().Add(name, value)
	}
	w.WriteHeader(status)

	// Task 3: pump the remaining stdout as the body, through a bounded
	// channel for backpressure (spec.md §4.F step 5).
	chunks := make(chan []byte, bodyChannelCapacity)
	done := make(chan struct{})
	go func() {
		defer close(chunks)
		buf := make([]byte, bodyChunkSize)
		for {
			n, err := reader.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case chunks <- chunk:
				case <-done:
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	for chunk := range chunks {
		if _, err := w.Write(chunk); err != nil {
			close(done)
			break
		}
		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
		}
	}

	if err := cmd.Wait(); err != nil && ctx.Err() == nil {
		logger.ErrorContext(ctx, "git http-backend exited with error", "error", err.Error())
	}
}

// readCGILine reads one LF-terminated line with any trailing CR stripped.
func readCGILine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", errors.WithStack(err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// stripScopePath extracts the repository-relative path from a request URL
// whose prefix is the scope name, leaving the git-backend-recognized suffix
// ("/info/refs" or "/git-upload-pack").
func stripScopePath(path string) string {
	for _, op := range []string{"/info/refs", "/git-upload-pack"} {
		if idx := strings.Index(path, op); idx != -1 {
			return path[idx:]
		}
	}
	return path
}
