package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/agentsh/controlplane/internal/ctlerr"
	"github.com/agentsh/controlplane/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testScope() model.Scope {
	return model.Scope{TenantID: "t", UserID: "u", WorkspaceID: "w"}
}

func TestOpenAndClose(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestDirectoryUpsertUniquePath(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	scope := testScope()

	d1, err := s.UpsertDirectory(ctx, &model.Directory{ID: "dir-1", Scope: scope, Path: "/work/a"})
	if err != nil {
		t.Fatalf("upsert dir-1: %v", err)
	}
	if d1.Path != "/work/a" {
		t.Fatalf("path = %q", d1.Path)
	}

	_, err = s.UpsertDirectory(ctx, &model.Directory{ID: "dir-2", Scope: scope, Path: "/work/a"})
	if !ctlerr.IsConflict(err) {
		t.Fatalf("expected conflict error, got %v", err)
	}

	// Re-upsert by the same id with a different scope is rejected.
	_, err = s.UpsertDirectory(ctx, &model.Directory{ID: "dir-1", Scope: model.Scope{TenantID: "other"}, Path: "/work/a"})
	if !ctlerr.IsScopeMismatch(err) {
		t.Fatalf("expected scope mismatch, got %v", err)
	}
}

func TestDirectoryArchiveThenReuse(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	scope := testScope()

	_, err := s.UpsertDirectory(ctx, &model.Directory{ID: "dir-1", Scope: scope, Path: "/work/a"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.ArchiveDirectory(ctx, "dir-1"); err != nil {
		t.Fatalf("archive: %v", err)
	}

	// Archived path is free for reuse by another directory.
	if _, err := s.UpsertDirectory(ctx, &model.Directory{ID: "dir-2", Scope: scope, Path: "/work/a"}); err != nil {
		t.Fatalf("upsert after archive should succeed: %v", err)
	}
}

func TestRepositoryUpsertRestoresArchived(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	scope := testScope()

	r, err := s.UpsertRepository(ctx, &model.Repository{ID: "repo-1", Scope: scope, Name: "h", RemoteURL: "https://github.com/acme/h.git"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.ArchiveRepository(ctx, r.ID); err != nil {
		t.Fatalf("archive: %v", err)
	}

	restored, err := s.UpsertRepository(ctx, &model.Repository{ID: "repo-2", Scope: scope, Name: "h", RemoteURL: "https://github.com/acme/h.git"})
	if err != nil {
		t.Fatalf("upsert restoring archived row: %v", err)
	}
	if restored.ID != "repo-1" {
		t.Fatalf("expected restore of archived row repo-1, got %s", restored.ID)
	}
	if restored.Archived() {
		t.Fatal("restored repository should not be archived")
	}
}

func TestTaskScopeKindDerivation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	scope := testScope()

	dir, err := s.UpsertDirectory(ctx, &model.Directory{ID: "dir-1", Scope: scope, Path: "/p"})
	if err != nil {
		t.Fatalf("dir: %v", err)
	}
	repo, err := s.UpsertRepository(ctx, &model.Repository{ID: "repo-1", Scope: scope, Name: "r", RemoteURL: "https://github.com/acme/r.git"})
	if err != nil {
		t.Fatalf("repo: %v", err)
	}

	task, err := s.CreateTask(ctx, &model.Task{ID: "task-1", Scope: scope, ProjectID: &dir.ID, RepositoryID: &repo.ID, Title: "t"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.ScopeKind != model.ScopeKindProject {
		t.Fatalf("scopeKind = %s, want project (project wins over repository)", task.ScopeKind)
	}
}

func TestTaskCreateRequiresScope(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.CreateTask(ctx, &model.Task{ID: "task-1", Scope: testScope(), Title: "t"})
	if !ctlerr.IsPrecondition(err) {
		t.Fatalf("expected precondition error, got %v", err)
	}
}

func TestTaskStateMachine(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	scope := testScope()

	dir, _ := s.UpsertDirectory(ctx, &model.Directory{ID: "dir-1", Scope: scope, Path: "/p"})
	task, err := s.CreateTask(ctx, &model.Task{ID: "task-1", Scope: scope, ProjectID: &dir.ID, Title: "t"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.Status != model.TaskDraft {
		t.Fatalf("new task status = %s, want draft", task.Status)
	}

	if _, err := s.ClaimTask(ctx, ClaimTaskParams{TaskID: task.ID, ControllerID: "c1"}); !ctlerr.IsPrecondition(err) {
		t.Fatalf("claim of draft task should be rejected, got %v", err)
	}

	ready, err := s.ReadyTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	if ready.Status != model.TaskReady {
		t.Fatalf("status = %s, want ready", ready.Status)
	}

	claimed, err := s.ClaimTask(ctx, ClaimTaskParams{TaskID: task.ID, ControllerID: "c1", DirectoryID: &dir.ID})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != model.TaskInProgress {
		t.Fatalf("status = %s, want in-progress", claimed.Status)
	}
	if claimed.Claim.ControllerID == nil || *claimed.Claim.ControllerID != "c1" {
		t.Fatalf("claim controller not set")
	}

	// Idempotent re-claim by the same controller succeeds.
	if _, err := s.ClaimTask(ctx, ClaimTaskParams{TaskID: task.ID, ControllerID: "c1", DirectoryID: &dir.ID}); err != nil {
		t.Fatalf("idempotent re-claim should succeed: %v", err)
	}

	// A different controller is rejected.
	if _, err := s.ClaimTask(ctx, ClaimTaskParams{TaskID: task.ID, ControllerID: "c2"}); !ctlerr.IsConflict(err) {
		t.Fatalf("expected conflict for other-controller claim, got %v", err)
	}

	done, err := s.CompleteTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != model.TaskCompleted || done.CompletedAt == nil {
		t.Fatalf("completion not recorded: %+v", done)
	}

	if _, err := s.ClaimTask(ctx, ClaimTaskParams{TaskID: task.ID, ControllerID: "c1"}); !ctlerr.IsPrecondition(err) {
		t.Fatalf("claim of completed task should be rejected, got %v", err)
	}
}

// TestReorderPreservesSet implements scenario S5 from spec §8.
func TestReorderPreservesSet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	scope := testScope()
	dir, _ := s.UpsertDirectory(ctx, &model.Directory{ID: "dir-1", Scope: scope, Path: "/p"})

	ids := []string{"a", "b", "c", "d"}
	for _, id := range ids {
		if _, err := s.CreateTask(ctx, &model.Task{ID: id, Scope: scope, ProjectID: &dir.ID, Title: id}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	if err := s.ReorderTasks(ctx, scope, []string{"c", "a"}); err != nil {
		t.Fatalf("reorder: %v", err)
	}

	tasks, err := s.ListTasks(ctx, scope, TaskFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 4 {
		t.Fatalf("expected 4 tasks, got %d", len(tasks))
	}
	gotOrder := make([]string, len(tasks))
	for i, t2 := range tasks {
		gotOrder[i] = t2.ID
	}
	want := []string{"c", "a", "b", "d"}
	for i := range want {
		if gotOrder[i] != want[i] {
			t.Fatalf("order = %v, want %v", gotOrder, want)
		}
	}
}

func TestReorderRejectsDuplicates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	scope := testScope()
	dir, _ := s.UpsertDirectory(ctx, &model.Directory{ID: "dir-1", Scope: scope, Path: "/p"})
	s.CreateTask(ctx, &model.Task{ID: "a", Scope: scope, ProjectID: &dir.ID, Title: "a"})

	err := s.ReorderTasks(ctx, scope, []string{"a", "a"})
	if !ctlerr.IsValidation(err) {
		t.Fatalf("expected validation error for duplicate ids, got %v", err)
	}
}

func TestProjectSettingsDefaultSynthesized(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ps, err := s.GetProjectSettings(ctx, "nonexistent-dir")
	if err != nil {
		t.Fatalf("get settings: %v", err)
	}
	if ps.TaskFocusMode != model.FocusBalanced || ps.ThreadSpawnMode != model.SpawnNewThread {
		t.Fatalf("unexpected default settings: %+v", ps)
	}
}

func TestEffectivePolicyPrecedence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	scope := testScope()

	def, err := s.EffectivePolicy(ctx, scope, nil, nil)
	if err != nil {
		t.Fatalf("effective policy: %v", err)
	}
	if !def.AutomationEnabled || def.Frozen {
		t.Fatalf("default policy should be enabled, unfrozen: %+v", def)
	}

	repoID := "repo-1"
	if _, err := s.SetAutomationPolicy(ctx, &model.AutomationPolicy{Scope: scope, ScopeLevel: model.AutomationRepository, ScopeID: repoID, AutomationEnabled: false}); err != nil {
		t.Fatalf("set repo policy: %v", err)
	}

	p, err := s.EffectivePolicy(ctx, scope, nil, &repoID)
	if err != nil {
		t.Fatalf("effective policy: %v", err)
	}
	if p.AutomationEnabled {
		t.Fatalf("repository-level policy should override default")
	}

	projID := "dir-1"
	if _, err := s.SetAutomationPolicy(ctx, &model.AutomationPolicy{Scope: scope, ScopeLevel: model.AutomationProject, ScopeID: projID, AutomationEnabled: true}); err != nil {
		t.Fatalf("set project policy: %v", err)
	}
	p2, err := s.EffectivePolicy(ctx, scope, &projID, &repoID)
	if err != nil {
		t.Fatalf("effective policy: %v", err)
	}
	if !p2.AutomationEnabled {
		t.Fatalf("project-level policy should win over repository-level")
	}
}

func TestGitHubPullRequestUpsertUniquePerRepoNumber(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	scope := testScope()

	pr, err := s.UpsertGitHubPullRequest(ctx, &model.GitHubPullRequest{
		Scope: scope, RepositoryID: "repo-1", Number: 7, Branch: "feature/x", State: "open",
	})
	if err != nil {
		t.Fatalf("upsert pr: %v", err)
	}

	again, err := s.UpsertGitHubPullRequest(ctx, &model.GitHubPullRequest{
		Scope: scope, RepositoryID: "repo-1", Number: 7, Branch: "feature/x", State: "open", HeadSHA: "deadbeef",
	})
	if err != nil {
		t.Fatalf("re-upsert pr: %v", err)
	}
	if again.PRRecordID != pr.PRRecordID {
		t.Fatalf("expected same pr record id on re-upsert, got %s vs %s", again.PRRecordID, pr.PRRecordID)
	}
	if again.HeadSHA != "deadbeef" {
		t.Fatalf("expected head sha to update, got %q", again.HeadSHA)
	}
}

func TestReplaceGitHubPrJobsWholesale(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	pr, _ := s.UpsertGitHubPullRequest(ctx, &model.GitHubPullRequest{Scope: testScope(), RepositoryID: "repo-1", Number: 1, Branch: "b"})

	if err := s.ReplaceGitHubPrJobs(ctx, pr.PRRecordID, []model.GitHubPrJob{
		{Provider: "check-run", ExternalID: "1", Status: "completed", Conclusion: "success"},
		{Provider: "check-run", ExternalID: "2", Status: "completed", Conclusion: "failure"},
	}); err != nil {
		t.Fatalf("replace jobs: %v", err)
	}
	jobs, err := s.ListGitHubPrJobs(ctx, pr.PRRecordID)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}

	if err := s.ReplaceGitHubPrJobs(ctx, pr.PRRecordID, []model.GitHubPrJob{
		{Provider: "check-run", ExternalID: "3", Status: "completed", Conclusion: "success"},
	}); err != nil {
		t.Fatalf("replace jobs again: %v", err)
	}
	jobs2, err := s.ListGitHubPrJobs(ctx, pr.PRRecordID)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs2) != 1 {
		t.Fatalf("expected wholesale replacement to leave 1 job, got %d", len(jobs2))
	}
}
