// Package gitstatus maintains a per-directory cache of branch/dirty/
// repository-id status, refreshed in the background on a stale-while-
// revalidate basis so the dispatcher never blocks a command on a git
// subprocess.
package gitstatus

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/agentsh/controlplane/internal/cache"
)

// Status is the cached status entry for a directory.
type Status struct {
	Branch       string
	ChangedFiles int
	RepositoryID string
	RefreshedAt  time.Time
}

// Tracker owns the TTL cache plus the in-flight-refresh dedup map,
// mirroring SQLiteRepository's triggerBackgroundRefresh/refreshing map
// pattern.
type Tracker struct {
	cache *cache.Cache[Status]

	refreshMu sync.Mutex
	refreshing map[string]bool

	pollInterval time.Duration
}

func New(ttl time.Duration, maxEntries int, pollInterval time.Duration) *Tracker {
	return &Tracker{
		cache:        cache.New[Status](ttl, maxEntries),
		refreshing:   make(map[string]bool),
		pollInterval: pollInterval,
	}
}

// Get returns the cached status for a directory, if present.
func (t *Tracker) Get(directoryID string) (Status, bool) {
	return t.cache.Get(directoryID)
}

// Set primes or overwrites the cached status directly; the background
// refresh started by EnsureFresh stores its result through it.
func (t *Tracker) Set(directoryID string, s Status) {
	s.RefreshedAt = time.Now()
	t.cache.Set(directoryID, s)
}

func (t *Tracker) Evict(directoryID string) {
	t.cache.Delete(directoryID)
}

// EnsureFresh returns the cached entry immediately and, if it is older
// than the poll interval (or absent), kicks a deduplicated background
// refresh for directoryID at path.
func (t *Tracker) EnsureFresh(ctx context.Context, directoryID, path string) (Status, bool) {
	s, ok := t.cache.Get(directoryID)
	if !ok || time.Since(s.RefreshedAt) > t.pollInterval {
		t.triggerBackgroundRefresh(directoryID, func(ctx context.Context) error {
			fresh, err := probe(ctx, path)
			if err != nil {
				return err
			}
			fresh.RepositoryID = s.RepositoryID
			t.Set(directoryID, fresh)
			return nil
		})
	}
	return s, ok
}

func (t *Tracker) triggerBackgroundRefresh(key string, refreshFn func(context.Context) error) {
	t.refreshMu.Lock()
	if t.refreshing[key] {
		t.refreshMu.Unlock()
		return
	}
	t.refreshing[key] = true
	t.refreshMu.Unlock()

	go func() {
		defer func() {
			t.refreshMu.Lock()
			delete(t.refreshing, key)
			t.refreshMu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = refreshFn(ctx)
	}()
}

// probe runs the real git subprocess calls backing a Status refresh.
func probe(ctx context.Context, path string) (Status, error) {
	branch, err := runGit(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return Status{}, err
	}
	out, err := runGit(ctx, path, "status", "--porcelain")
	if err != nil {
		return Status{}, err
	}
	changed := 0
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) != "" {
			changed++
		}
	}
	return Status{Branch: strings.TrimSpace(branch), ChangedFiles: changed}, nil
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Stop terminates the underlying cache's cleanup goroutine.
func (t *Tracker) Stop() {
	t.cache.Stop()
}
