package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentsh/controlplane/internal/gitstatus"
	"github.com/agentsh/controlplane/internal/journal"
	"github.com/agentsh/controlplane/internal/model"
	"github.com/agentsh/controlplane/internal/session"
	"github.com/agentsh/controlplane/internal/store"
)

func testScope() model.Scope {
	return model.Scope{TenantID: "t", UserID: "u", WorkspaceID: "w"}
}

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store, *gitstatus.Tracker) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	gs := gitstatus.New(time.Minute, 100, time.Minute)
	t.Cleanup(gs.Stop)
	sessions := session.NewRegistry()
	j := journal.New(0)
	return New(st, gs, sessions, j), st, gs
}

func seedDirectory(t *testing.T, st *store.Store, gs *gitstatus.Tracker, path string, status gitstatus.Status) *model.Directory {
	t.Helper()
	ctx := context.Background()
	dir, err := st.UpsertDirectory(ctx, &model.Directory{ID: "dir-" + filepath.Base(path), Scope: testScope(), Path: path})
	if err != nil {
		t.Fatalf("upsert directory: %v", err)
	}
	gs.Set(dir.ID, status)
	return dir
}

func TestEvaluateProjectAvailabilityUntrackedWithoutGitStatus(t *testing.T) {
	sc, st, _ := newTestScheduler(t)
	ctx := context.Background()
	dir, err := st.UpsertDirectory(ctx, &model.Directory{Scope: testScope(), Path: "/tmp/a"})
	if err != nil {
		t.Fatalf("upsert directory: %v", err)
	}

	avail, _, err := sc.EvaluateProjectAvailability(ctx, testScope(), dir, model.DefaultProjectSettings(dir.ID), nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if avail != BlockedUntracked {
		t.Fatalf("expected blocked-untracked, got %s", avail)
	}
}

func TestEvaluateProjectAvailabilityDirtyBlocks(t *testing.T) {
	sc, st, gs := newTestScheduler(t)
	ctx := context.Background()
	dir := seedDirectory(t, st, gs, "/tmp/b", gitstatus.Status{Branch: "main", RepositoryID: "repo-1", ChangedFiles: 3})

	avail, repoID, err := sc.EvaluateProjectAvailability(ctx, testScope(), dir, model.DefaultProjectSettings(dir.ID), nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if avail != BlockedDirty {
		t.Fatalf("expected blocked-dirty, got %s", avail)
	}
	if repoID == nil || *repoID != "repo-1" {
		t.Fatalf("expected repo-1, got %v", repoID)
	}
}

func TestEvaluateProjectAvailabilityPinnedBranchMismatch(t *testing.T) {
	sc, st, gs := newTestScheduler(t)
	ctx := context.Background()
	dir := seedDirectory(t, st, gs, "/tmp/c", gitstatus.Status{Branch: "feature", RepositoryID: "repo-1"})

	pinned := "main"
	settings := model.DefaultProjectSettings(dir.ID)
	settings.PinnedBranch = &pinned

	avail, _, err := sc.EvaluateProjectAvailability(ctx, testScope(), dir, settings, nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if avail != BlockedPinnedBranch {
		t.Fatalf("expected blocked-pinned-branch, got %s", avail)
	}
}

func TestEvaluateProjectAvailabilityReady(t *testing.T) {
	sc, st, gs := newTestScheduler(t)
	ctx := context.Background()
	dir := seedDirectory(t, st, gs, "/tmp/d", gitstatus.Status{Branch: "main", RepositoryID: "repo-1"})

	avail, repoID, err := sc.EvaluateProjectAvailability(ctx, testScope(), dir, model.DefaultProjectSettings(dir.ID), nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if avail != Ready {
		t.Fatalf("expected ready, got %s", avail)
	}
	if repoID == nil || *repoID != "repo-1" {
		t.Fatalf("expected repo-1, got %v", repoID)
	}
}

func TestPullForDirectoryClaimsProjectScopedTaskFirst(t *testing.T) {
	sc, st, gs := newTestScheduler(t)
	ctx := context.Background()
	dir := seedDirectory(t, st, gs, "/tmp/e", gitstatus.Status{Branch: "main", RepositoryID: "repo-1"})

	projectTask, err := st.CreateTask(ctx, &model.Task{ID: "task-project", Scope: testScope(), ProjectID: &dir.ID, Title: "project task", Status: model.TaskReady})
	if err != nil {
		t.Fatalf("create project task: %v", err)
	}
	repoID := "repo-1"
	if _, err := st.UpsertRepository(ctx, &model.Repository{ID: repoID, Scope: testScope(), Name: repoID, RemoteURL: "https://github.com/acme/" + repoID}); err != nil {
		t.Fatalf("upsert repository: %v", err)
	}
	if _, err := st.CreateTask(ctx, &model.Task{ID: "task-repo", Scope: testScope(), RepositoryID: &repoID, Title: "repo task", Status: model.TaskReady}); err != nil {
		t.Fatalf("create repo task: %v", err)
	}

	result, err := sc.PullForDirectory(ctx, testScope(), dir, "controller-1", nil)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if result.Task == nil || result.Task.ID != projectTask.ID {
		t.Fatalf("expected project-scoped task to win, got %+v", result.Task)
	}
}

func TestPullForDirectoryFallsBackToRepositoryScoped(t *testing.T) {
	sc, st, gs := newTestScheduler(t)
	ctx := context.Background()
	dir := seedDirectory(t, st, gs, "/tmp/f", gitstatus.Status{Branch: "main", RepositoryID: "repo-2"})

	repoID := "repo-2"
	if _, err := st.UpsertRepository(ctx, &model.Repository{ID: repoID, Scope: testScope(), Name: repoID, RemoteURL: "https://github.com/acme/" + repoID}); err != nil {
		t.Fatalf("upsert repository: %v", err)
	}
	repoTask, err := st.CreateTask(ctx, &model.Task{ID: "task-repo", Scope: testScope(), RepositoryID: &repoID, Title: "repo task", Status: model.TaskReady})
	if err != nil {
		t.Fatalf("create repo task: %v", err)
	}

	result, err := sc.PullForDirectory(ctx, testScope(), dir, "controller-1", nil)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if result.Task == nil || result.Task.ID != repoTask.ID {
		t.Fatalf("expected repository-scoped task, got %+v", result.Task)
	}
}

func TestPullForDirectoryIgnoresRepositoryTaskPinnedToOtherProject(t *testing.T) {
	sc, st, gs := newTestScheduler(t)
	ctx := context.Background()
	dir := seedDirectory(t, st, gs, "/tmp/h", gitstatus.Status{Branch: "main", RepositoryID: "repo-3"})

	otherProjectID := "other-project"
	repoID := "repo-3"
	if _, err := st.UpsertDirectory(ctx, &model.Directory{ID: otherProjectID, Scope: testScope(), Path: "/tmp/other"}); err != nil {
		t.Fatalf("upsert other project directory: %v", err)
	}
	if _, err := st.UpsertRepository(ctx, &model.Repository{ID: repoID, Scope: testScope(), Name: repoID, RemoteURL: "https://github.com/acme/" + repoID}); err != nil {
		t.Fatalf("upsert repository: %v", err)
	}
	if _, err := st.CreateTask(ctx, &model.Task{
		ID: "task-other", Scope: testScope(), RepositoryID: &repoID, ProjectID: &otherProjectID, Title: "other project's task", Status: model.TaskReady,
	}); err != nil {
		t.Fatalf("create project-pinned task: %v", err)
	}

	result, err := sc.PullForDirectory(ctx, testScope(), dir, "controller-1", nil)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if result.Task != nil {
		t.Fatalf("expected no task claimed from another project's repository-scoped task, got %+v", result.Task)
	}
}

func TestPullForDirectoryNoReadyTasks(t *testing.T) {
	sc, st, gs := newTestScheduler(t)
	ctx := context.Background()
	dir := seedDirectory(t, st, gs, "/tmp/g", gitstatus.Status{Branch: "main", RepositoryID: "repo-3"})

	result, err := sc.PullForDirectory(ctx, testScope(), dir, "controller-1", nil)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if result.Task != nil {
		t.Fatalf("expected no task, got %+v", result.Task)
	}
	if result.Availability != Ready {
		t.Fatalf("expected ready availability with no task, got %s", result.Availability)
	}
}
