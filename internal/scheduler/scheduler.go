// Package scheduler implements the task.pull project-availability state
// machine and claim procedure (spec §4.4).
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/agentsh/controlplane/internal/ctlerr"
	"github.com/agentsh/controlplane/internal/gitstatus"
	"github.com/agentsh/controlplane/internal/journal"
	"github.com/agentsh/controlplane/internal/model"
	"github.com/agentsh/controlplane/internal/session"
	"github.com/agentsh/controlplane/internal/store"
)

// Availability is one of the 8 priority-ordered reasons from spec §4.4.
type Availability string

const (
	BlockedDisabled          Availability = "blocked-disabled"
	BlockedFrozen            Availability = "blocked-frozen"
	BlockedUntracked         Availability = "blocked-untracked"
	BlockedRepositoryMismatch Availability = "blocked-repository-mismatch"
	BlockedPinnedBranch      Availability = "blocked-pinned-branch"
	BlockedDirty             Availability = "blocked-dirty"
	BlockedOccupied          Availability = "blocked-occupied"
	Ready                    Availability = "ready"
)

// Scheduler wires the store, git-status tracker and live-session
// registry together to pull ready tasks (spec §4.4).
type Scheduler struct {
	Store     *store.Store
	GitStatus *gitstatus.Tracker
	Sessions  *session.Registry
	Journal   *journal.Journal
}

func New(st *store.Store, gs *gitstatus.Tracker, sessions *session.Registry, j *journal.Journal) *Scheduler {
	return &Scheduler{Store: st, GitStatus: gs, Sessions: sessions, Journal: j}
}

// EvaluateProjectAvailability implements spec §4.4's 8-priority state
// machine for a single directory.
func (sc *Scheduler) EvaluateProjectAvailability(ctx context.Context, scope model.Scope, dir *model.Directory, settings *model.ProjectSettings, requiredRepositoryID *string) (Availability, *string, error) {
	policy, err := sc.Store.EffectivePolicy(ctx, scope, &dir.ID, nil)
	if err != nil {
		return "", nil, fmt.Errorf("evaluate availability: effective policy: %w", err)
	}
	if !policy.AutomationEnabled {
		return BlockedDisabled, nil, nil
	}
	if policy.Frozen {
		return BlockedFrozen, nil, nil
	}

	status, ok := sc.GitStatus.Get(dir.ID)
	if !ok || status.RepositoryID == "" || status.Branch == "" {
		return BlockedUntracked, nil, nil
	}

	if requiredRepositoryID != nil && *requiredRepositoryID != "" && *requiredRepositoryID != status.RepositoryID {
		return BlockedRepositoryMismatch, nil, nil
	}

	if settings != nil && settings.PinnedBranch != nil && *settings.PinnedBranch != status.Branch {
		return BlockedPinnedBranch, &status.RepositoryID, nil
	}

	if status.ChangedFiles > 0 {
		return BlockedDirty, &status.RepositoryID, nil
	}

	if sc.Sessions.LiveThreadCount(dir.ID) > 0 {
		return BlockedOccupied, &status.RepositoryID, nil
	}

	return Ready, &status.RepositoryID, nil
}

// PullResult mirrors spec §4.4's task.pull response shape.
type PullResult struct {
	Task         *model.Task
	DirectoryID  *string
	Availability Availability
	Reason       string
	Settings     *model.ProjectSettings
	RepositoryID *string
}

var errNotClaimed = errors.New("scheduler: task was claimed by another worker")

// tryClaimTask implements spec §4.4's claim attempt: a conflict from
// the store means another worker won and is not an error to the caller.
func (sc *Scheduler) tryClaimTask(ctx context.Context, taskID, controllerID string, directoryID *string, branchName, baseBranch *string) (*model.Task, error) {
	task, err := sc.Store.ClaimTask(ctx, store.ClaimTaskParams{
		TaskID:       taskID,
		ControllerID: controllerID,
		DirectoryID:  directoryID,
		BranchName:   branchName,
		BaseBranch:   baseBranch,
	})
	if err != nil {
		if ctlerr.IsConflict(err) {
			return nil, errNotClaimed
		}
		return nil, err
	}
	return task, nil
}

// PullForDirectory implements the per-directory pull order from spec
// §4.4: project-scoped tasks first, then (unless own-only) repository-
// and global-scoped tasks.
func (sc *Scheduler) PullForDirectory(ctx context.Context, scope model.Scope, dir *model.Directory, controllerID string, requiredRepositoryID *string) (*PullResult, error) {
	settings, err := sc.Store.GetProjectSettings(ctx, dir.ID)
	if err != nil {
		return nil, fmt.Errorf("pull for directory: settings: %w", err)
	}

	availability, effectiveRepoID, err := sc.EvaluateProjectAvailability(ctx, scope, dir, settings, requiredRepositoryID)
	if err != nil {
		return nil, err
	}
	if availability != Ready {
		return &PullResult{DirectoryID: &dir.ID, Availability: availability, Reason: string(availability), Settings: settings, RepositoryID: effectiveRepoID}, nil
	}

	branch := settings.PinnedBranch
	base := settings.PinnedBranch

	tryFilter := func(f store.TaskFilter, globalOnly bool) (*model.Task, error) {
		tasks, err := sc.Store.ListTasks(ctx, scope, f)
		if err != nil {
			return nil, fmt.Errorf("pull for directory: list tasks: %w", err)
		}
		if globalOnly {
			filtered := tasks[:0]
			for _, t := range tasks {
				if t.ScopeKind == model.ScopeKindGlobal {
					filtered = append(filtered, t)
				}
			}
			tasks = filtered
		}
		sortTasksForPull(tasks)
		for _, t := range tasks {
			claimed, err := sc.tryClaimTask(ctx, t.ID, controllerID, &dir.ID, branch, base)
			if err != nil {
				if errors.Is(err, errNotClaimed) {
					continue
				}
				return nil, err
			}
			return claimed, nil
		}
		return nil, nil
	}

	claimed, err := tryFilter(store.TaskFilter{Status: model.TaskReady, ProjectID: dir.ID}, false)
	if err != nil {
		return nil, err
	}
	if claimed == nil && settings.TaskFocusMode != model.FocusOwnOnly {
		if effectiveRepoID != nil && *effectiveRepoID != "" {
			claimed, err = tryFilter(store.TaskFilter{Status: model.TaskReady, RepositoryID: *effectiveRepoID, ScopeKind: model.ScopeKindRepository}, false)
			if err != nil {
				return nil, err
			}
		}
		if claimed == nil {
			claimed, err = tryFilter(store.TaskFilter{Status: model.TaskReady}, true)
			if err != nil {
				return nil, err
			}
		}
	}
	if claimed != nil {
		sc.publish(scope, &dir.ID, claimed)
		return &PullResult{Task: claimed, DirectoryID: &dir.ID, Availability: Ready, Settings: settings, RepositoryID: effectiveRepoID}, nil
	}

	return &PullResult{DirectoryID: &dir.ID, Availability: Ready, Reason: "no ready tasks", Settings: settings, RepositoryID: effectiveRepoID}, nil
}

func sortTasksForPull(tasks []*model.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].OrderIndex != tasks[j].OrderIndex {
			return tasks[i].OrderIndex < tasks[j].OrderIndex
		}
		return tasks[i].ID < tasks[j].ID
	})
}

func (sc *Scheduler) publish(scope model.Scope, directoryID *string, task *model.Task) {
	if sc.Journal == nil {
		return
	}
	sc.Journal.Publish(model.ObservedEvent{
		Kind:        "task-updated",
		Scope:       scope,
		DirectoryID: directoryID,
		TaskID:      &task.ID,
		Payload:     map[string]any{"task": task},
	})
}

// PullAcrossRepository implements spec §4.4's per-repository pull:
// active directories in scope are probed concurrently for their
// availability reason (errgroup fan-out), then claim attempts are made
// sequentially in createdAt/id order so the first ready, claim-
// succeeding directory wins deterministically.
func (sc *Scheduler) PullAcrossRepository(ctx context.Context, scope model.Scope, repositoryID, controllerID string) (*PullResult, error) {
	dirs, err := sc.Store.ListDirectories(ctx, scope, false)
	if err != nil {
		return nil, fmt.Errorf("pull across repository: list directories: %w", err)
	}
	sort.Slice(dirs, func(i, j int) bool {
		if !dirs[i].CreatedAt.Equal(dirs[j].CreatedAt) {
			return dirs[i].CreatedAt.Before(dirs[j].CreatedAt)
		}
		return dirs[i].ID < dirs[j].ID
	})

	type probe struct {
		dir          *model.Directory
		availability Availability
		settings     *model.ProjectSettings
		repoID       *string
	}
	probes := make([]probe, len(dirs))

	g, gctx := errgroup.WithContext(ctx)
	for i, d := range dirs {
		i, d := i, d
		g.Go(func() error {
			settings, err := sc.Store.GetProjectSettings(gctx, d.ID)
			if err != nil {
				return err
			}
			avail, repoID, err := sc.EvaluateProjectAvailability(gctx, scope, d, settings, &repositoryID)
			if err != nil {
				return err
			}
			probes[i] = probe{dir: d, availability: avail, settings: settings, repoID: repoID}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("pull across repository: evaluate: %w", err)
	}

	for _, p := range probes {
		if p.availability != Ready {
			continue
		}
		result, err := sc.PullForDirectory(ctx, scope, p.dir, controllerID, &repositoryID)
		if err != nil {
			return nil, err
		}
		if result.Task != nil {
			return result, nil
		}
	}

	if len(probes) == 0 {
		return &PullResult{Availability: BlockedUntracked, Reason: "no directories in scope"}, nil
	}
	first := probes[0]
	return &PullResult{DirectoryID: &first.dir.ID, Availability: first.availability, Reason: string(first.availability), Settings: first.settings, RepositoryID: first.repoID}, nil
}
