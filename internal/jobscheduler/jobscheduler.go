// Package jobscheduler runs background jobs (periodic index refreshes, snapshot
// uploads) with per-key deduplication, so two overlapping ticks for the same
// repository never execute concurrently.
//
// The shape of this package (Submit / SubmitPeriodicJob / WithQueuePrefix) is
// inferred from its call sites in the teacher repository
// (_examples/block-cachew/cmd/cachewd/main.go and
// _examples/block-cachew/internal/strategy/git/git.go); the package's own
// source was not present in the retrieval pack.
package jobscheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/seedwing-proxy/seedwing/internal/logging"
)

// Config controls the scheduler's worker pool.
type Config struct {
	Concurrency int `toml:"concurrency"`
}

// Job is a unit of background work. Errors are logged, never propagated.
type Job func(ctx context.Context) error

// Scheduler submits and periodically re-submits jobs, deduplicating on
// (queue prefix, key, kind).
type Scheduler interface {
	// Submit runs fn once in the background, unless a job with the same
	// key and kind is already running, in which case the new submission
	// is dropped.
	Submit(key, kind string, fn Job)
	// SubmitPeriodicJob runs fn every interval until ctx is cancelled.
	// Overlapping ticks for the same key/kind are skipped, not queued.
	SubmitPeriodicJob(key, kind string, interval time.Duration, fn Job)
	// WithQueuePrefix returns a Scheduler that namespaces all keys with prefix,
	// so that different strategies sharing upstream URLs never collide.
	WithQueuePrefix(prefix string) Scheduler
}

type scheduler struct {
	ctx     context.Context
	sem     chan struct{}
	prefix  string
	mu      *sync.Mutex
	running map[string]bool
}

// New creates a Scheduler bound to ctx; all submitted jobs are cancelled when
// ctx is done.
func New(ctx context.Context, config Config) Scheduler {
	concurrency := config.Concurrency
	if concurrency <= 0 {
		concurrency = 16
	}
	return &scheduler{
		ctx:     ctx,
		sem:     make(chan struct{}, concurrency),
		mu:      &sync.Mutex{},
		running: make(map[string]bool),
	}
}

func (s *scheduler) WithQueuePrefix(prefix string) Scheduler {
	full := prefix
	if s.prefix != "" {
		full = s.prefix + "/" + prefix
	}
	return &scheduler{ctx: s.ctx, sem: s.sem, prefix: full, mu: s.mu, running: s.running}
}

func (s *scheduler) jobKey(key, kind string) string {
	if s.prefix == "" {
		return kind + ":" + key
	}
	return s.prefix + ":" + kind + ":" + key
}

func (s *scheduler) tryStart(jobKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[jobKey] {
		return false
	}
	s.running[jobKey] = true
	return true
}

func (s *scheduler) finish(jobKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, jobKey)
}

func (s *scheduler) Submit(key, kind string, fn Job) {
	jobKey := s.jobKey(key, kind)
	if !s.tryStart(jobKey) {
		return
	}
	go func() {
		defer s.finish(jobKey)
		s.runOnce(jobKey, fn)
	}()
}

func (s *scheduler) SubmitPeriodicJob(key, kind string, interval time.Duration, fn Job) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.Submit(key, kind, fn)
			}
		}
	}()
}

func (s *scheduler) runOnce(jobKey string, fn Job) {
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-s.ctx.Done():
		return
	}

	logger := logging.FromContext(s.ctx)
	if err := fn(s.ctx); err != nil {
		logger.ErrorContext(s.ctx, "background job failed", slog.String("job", jobKey), slog.String("error", err.Error()))
	}
}
