// Package githubsync implements the background GitHub reconciliation
// loop (spec §4.6): on a fixed interval, for each active repository,
// re-fetch the check runs and statuses of every stored open PR and
// update its job rows and CI rollup when the rollup changed. It does
// not look up new PRs on GitHub, refresh other PR fields, mark PRs
// closed, or consult task claims. Grounded on the teacher's internal/sync.Worker
// start/stop/ticker shape.
package githubsync

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentsh/controlplane/internal/model"
	"github.com/agentsh/controlplane/internal/store"
)

// GitHubClient is the narrow surface githubsync needs; satisfied by
// internal/githubapi.Client and fakeable for tests.
type GitHubClient interface {
	ListChecksAndStatuses(ctx context.Context, repo *model.Repository, headSHA string) ([]model.GitHubPrJob, error)
}

// Config holds the loop's tunables.
type Config struct {
	Interval time.Duration
}

func DefaultConfig() Config {
	return Config{Interval: 2 * time.Minute}
}

// Worker periodically reconciles github_pull_requests/github_pr_jobs
// against the real GitHub API. It never tears down the process on
// failure: it records the error into github_sync_state instead (spec
// §7 "background loops ... catch and record failures into sync-state
// rows").
type Worker struct {
	client   GitHubClient
	store    *store.Store
	journal  Publisher
	interval time.Duration

	stopCh chan struct{}
	doneCh chan struct{}

	mu       sync.RWMutex
	running  bool
	lastSync time.Time
}

// Publisher is the narrow journal surface used to emit ci-rollup
// change events.
type Publisher interface {
	Publish(model.ObservedEvent) model.JournalEntry
}

func NewWorker(client GitHubClient, st *store.Store, journal Publisher, cfg Config) *Worker {
	if cfg.Interval == 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	return &Worker{
		client:   client,
		store:    st,
		journal:  journal,
		interval: cfg.Interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	go w.run(ctx)
}

func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
}

func (w *Worker) Running() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

func (w *Worker) LastSync() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastSync
}

// SyncNow triggers an immediate reconciliation cycle.
func (w *Worker) SyncNow(ctx context.Context, scope model.Scope) error {
	return w.syncAllRepositories(ctx, scope)
}

func (w *Worker) run(ctx context.Context) {
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		close(w.doneCh)
	}()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if err := w.pollGitHub(ctx); err != nil {
				log.Printf("[githubsync] poll failed: %v", err)
			}
		}
	}
}

// pollGitHub is a no-op when disabled or when the token is
// unresolvable, per spec §5; callers that construct a Worker without a
// client pass nil and the loop quietly skips every tick.
func (w *Worker) pollGitHub(ctx context.Context) error {
	if w.client == nil {
		return nil
	}
	return w.syncAllRepositories(ctx, model.Scope{})
}

// syncAllRepositories fans out one reconciliation per repository
// concurrently (bounded by errgroup's SetLimit), since each
// repository's PR walk is independent; a single repository's failure
// is recorded and does not cancel its siblings.
func (w *Worker) syncAllRepositories(ctx context.Context, scope model.Scope) error {
	repos, err := w.store.ListRepositories(ctx, scope, false)
	if err != nil {
		return fmt.Errorf("list repositories: %w", err)
	}

	g := new(errgroup.Group)
	g.SetLimit(8)
	for _, repo := range repos {
		repo := repo
		g.Go(func() error {
			if err := w.syncRepository(ctx, repo); err != nil {
				log.Printf("[githubsync] sync repository %s failed: %v", repo.ID, err)
				w.recordFailure(ctx, repo.ID, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	w.mu.Lock()
	w.lastSync = time.Now()
	w.mu.Unlock()
	return nil
}

// syncRepository walks the repository's open PRs newest-first; a PR
// whose derived CI rollup equals the stored one is skipped without
// rewriting its rows, and the walk goes on to the remaining PRs.
func (w *Worker) syncRepository(ctx context.Context, repo *model.Repository) error {
	prs, err := w.store.ListPullRequestsForRepository(ctx, repo.ID)
	if err != nil {
		return fmt.Errorf("list pull requests: %w", err)
	}
	for _, pr := range prs {
		if pr.State != "open" {
			continue
		}
		jobs, err := w.client.ListChecksAndStatuses(ctx, repo, pr.HeadSHA)
		if err != nil {
			return fmt.Errorf("list checks for pr %d: %w", pr.Number, err)
		}
		rollup := model.DeriveCIRollup(jobs)
		if rollup == pr.CIRollup {
			// Unchanged: leave this PR's rows as they are.
			continue
		}
		if err := w.store.ReplaceGitHubPrJobs(ctx, pr.PRRecordID, jobs); err != nil {
			return fmt.Errorf("replace pr jobs: %w", err)
		}
		if err := w.store.UpdatePullRequestCIRollup(ctx, pr.PRRecordID, rollup); err != nil {
			return fmt.Errorf("update ci rollup: %w", err)
		}
		if w.journal != nil {
			w.journal.Publish(model.ObservedEvent{
				Kind: "github-pr-upserted", Scope: pr.Scope, RepositoryID: &repo.ID,
				Payload: map[string]any{"prRecordId": pr.PRRecordID, "ciRollup": rollup},
			})
		}
	}
	branch := ""
	if len(prs) > 0 {
		branch = prs[0].Branch
	}
	return w.store.UpsertGitHubSyncState(ctx, model.GitHubSyncState{
		RepositoryID: repo.ID, Branch: branch, LastSyncAt: timePtr(time.Now()),
	})
}

func (w *Worker) recordFailure(ctx context.Context, repositoryID string, syncErr error) {
	msg := syncErr.Error()
	_ = w.store.UpsertGitHubSyncState(ctx, model.GitHubSyncState{
		RepositoryID: repositoryID, LastSyncAt: timePtr(time.Now()), LastError: &msg, LastErrorAt: timePtr(time.Now()),
	})
}

func timePtr(t time.Time) *time.Time { return &t }
