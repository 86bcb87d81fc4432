// Package testutil provides fixtures shared by package-level tests:
// a temp-file sqlite store, a deterministic scope, and fake GitHub
// and Linear clients satisfying the dispatcher's narrow interfaces.
// Grounded on the teacher's internal/testutil/mockserver.go and
// internal/repo/mock.go.
package testutil

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/agentsh/controlplane/internal/githubapi"
	"github.com/agentsh/controlplane/internal/model"
	"github.com/agentsh/controlplane/internal/store"
)

// NewStore opens a fresh on-disk sqlite database under the test's
// temp directory and registers cleanup to close it.
func NewStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "controlplane.db")
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// Scope returns a deterministic scope for single-tenant-style tests.
func Scope() model.Scope {
	return model.Scope{TenantID: "tenant-test", UserID: "user-test", WorkspaceID: "workspace-test"}
}

// FakeGitHub is an in-memory stand-in for internal/githubapi.Client,
// satisfying dispatcher.GitHub without a network call.
type FakeGitHub struct {
	mu       sync.Mutex
	nextNum  int
	byBranch map[string]*model.GitHubPullRequest
	MyPRsURL string
}

func NewFakeGitHub() *FakeGitHub {
	return &FakeGitHub{byBranch: make(map[string]*model.GitHubPullRequest), nextNum: 1}
}

func (f *FakeGitHub) EnsurePullRequest(ctx context.Context, repo *model.Repository, branch, baseBranch, title, body string) (*model.GitHubPullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := repo.ID + "/" + branch
	if pr, ok := f.byBranch[key]; ok {
		return pr, nil
	}
	pr := &model.GitHubPullRequest{
		RepositoryID: repo.ID,
		Number:       f.nextNum,
		Branch:       branch,
		BaseBranch:   baseBranch,
		Title:        title,
		State:        "open",
	}
	f.nextNum++
	f.byBranch[key] = pr
	return pr, nil
}

func (f *FakeGitHub) MyPullRequestsURL(repo *model.Repository) string {
	if f.MyPRsURL != "" {
		return f.MyPRsURL
	}
	ref, ok := githubapi.ParseRemoteURL(repo.RemoteURL)
	if !ok {
		return ""
	}
	return githubapi.MyPullRequestsURL(ref, "")
}

// FakeLinear is an in-memory stand-in for internal/linearapi.Client,
// satisfying dispatcher.Linear without a network call.
type FakeLinear struct {
	mu      sync.Mutex
	Issues  map[string]fakeLinearIssue // keyed by issue URL
}

type fakeLinearIssue struct {
	meta  *model.LinearMetadata
	title string
	body  string
}

func NewFakeLinear() *FakeLinear {
	return &FakeLinear{Issues: make(map[string]fakeLinearIssue)}
}

// Seed registers the issue data ImportIssue returns for issueURL.
func (f *FakeLinear) Seed(issueURL string, meta *model.LinearMetadata, title, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Issues[issueURL] = fakeLinearIssue{meta: meta, title: title, body: body}
}

func (f *FakeLinear) ImportIssue(ctx context.Context, issueURL string) (*model.LinearMetadata, string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue, ok := f.Issues[issueURL]
	if !ok {
		return nil, "", "", errNotSeeded(issueURL)
	}
	return issue.meta, issue.title, issue.body, nil
}

type notSeededError struct{ url string }

func (e notSeededError) Error() string { return "testutil: no fake linear issue seeded for " + e.url }

func errNotSeeded(url string) error { return notSeededError{url: url} }
