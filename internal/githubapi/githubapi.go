// Package githubapi wraps google/go-github for pull-request creation
// and CI status queries, rate-limited per spec §4.6/§6.
package githubapi

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/go-github/v68/github"
	"golang.org/x/time/rate"

	"github.com/agentsh/controlplane/internal/model"
)

// RemoteRef is a parsed GitHub remote URL (spec §6 grammar).
type RemoteRef struct {
	Owner string
	Repo  string
}

var (
	httpsRemote = regexp.MustCompile(`(?i)^https://github\.com/([^/]+)/([^/]+?)(\.git)?/?$`)
	sshRemote   = regexp.MustCompile(`(?i)^git@github\.com:([^/]+)/([^/]+?)(\.git)?$`)
)

// ParseRemoteURL implements spec §6's GitHub remote URL grammar. Any
// other shape returns ok=false (a non-GitHub result).
func ParseRemoteURL(remote string) (ref RemoteRef, ok bool) {
	if m := httpsRemote.FindStringSubmatch(remote); m != nil {
		return RemoteRef{Owner: m[1], Repo: m[2]}, true
	}
	if m := sshRemote.FindStringSubmatch(remote); m != nil {
		return RemoteRef{Owner: m[1], Repo: m[2]}, true
	}
	return RemoteRef{}, false
}

// MyPullRequestsURL implements spec §6's "My-PRs URL" derivation.
func MyPullRequestsURL(ref RemoteRef, viewerLogin string) string {
	author := viewerLogin
	if author == "" {
		author = "@me"
	}
	q := fmt.Sprintf("is:pr is:open author:%s", author)
	return fmt.Sprintf("https://github.com/%s/%s/pulls?q=%s", ref.Owner, ref.Repo, url.QueryEscape(q))
}

// Client wraps go-github with a token-bucket limiter so the githubsync
// reconciliation loop never bursts past the API's rate limit.
type Client struct {
	gh      *github.Client
	limiter *rate.Limiter
}

// New builds a Client. requestsPerSecond/burst size the limiter; go-
// github's own secondary-rate-limit detection is left to the caller of
// Do via the standard http.Client transport.
func New(token string, requestsPerSecond float64, burst int) *Client {
	gh := github.NewClient(nil)
	if token != "" {
		gh = gh.WithAuthToken(token)
	}
	return &Client{gh: gh, limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst)}
}

func (c *Client) wait(ctx context.Context) error {
	return c.limiter.Wait(ctx)
}

// EnsurePullRequest implements the "check-then-create-then-fallback"
// path of spec §4.6: list open PRs for head/base first; create only if
// none match; on a 422 "already exists" response, re-list and return
// the existing PR instead of propagating the error.
func (c *Client) EnsurePullRequest(ctx context.Context, repo *model.Repository, branch, baseBranch, title, body string) (*model.GitHubPullRequest, error) {
	ref, ok := ParseRemoteURL(repo.RemoteURL)
	if !ok {
		return nil, fmt.Errorf("github api: repository %s has no github remote", repo.ID)
	}

	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	existing, _, err := c.gh.PullRequests.List(ctx, ref.Owner, ref.Repo, &github.PullRequestListOptions{
		State: "open",
		Head:  fmt.Sprintf("%s:%s", ref.Owner, branch),
		Base:  baseBranch,
	})
	if err != nil {
		return nil, fmt.Errorf("github api request failed: %w", err)
	}
	if len(existing) > 0 {
		return fromGitHubPR(repo.ID, existing[0]), nil
	}

	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	created, resp, err := c.gh.PullRequests.Create(ctx, ref.Owner, ref.Repo, &github.NewPullRequest{
		Title: &title,
		Head:  &branch,
		Base:  &baseBranch,
		Body:  &body,
	})
	if err != nil {
		if resp != nil && resp.StatusCode == 422 {
			// Fallback: another writer created it between our check and create.
			if err := c.wait(ctx); err != nil {
				return nil, err
			}
			retry, _, rerr := c.gh.PullRequests.List(ctx, ref.Owner, ref.Repo, &github.PullRequestListOptions{
				State: "open",
				Head:  fmt.Sprintf("%s:%s", ref.Owner, branch),
				Base:  baseBranch,
			})
			if rerr == nil && len(retry) > 0 {
				return fromGitHubPR(repo.ID, retry[0]), nil
			}
		}
		return nil, fmt.Errorf("github api request failed: %w", err)
	}
	return fromGitHubPR(repo.ID, created), nil
}

// ListChecksAndStatuses fetches both check-runs and legacy commit
// statuses for a head SHA, merged into model.GitHubPrJob per spec §4.7.
func (c *Client) ListChecksAndStatuses(ctx context.Context, repo *model.Repository, headSHA string) ([]model.GitHubPrJob, error) {
	ref, ok := ParseRemoteURL(repo.RemoteURL)
	if !ok {
		return nil, fmt.Errorf("github api: repository %s has no github remote", repo.ID)
	}

	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	checks, _, err := c.gh.Checks.ListCheckRunsForRef(ctx, ref.Owner, ref.Repo, headSHA, nil)
	if err != nil {
		return nil, fmt.Errorf("github api request failed: %w", err)
	}
	var jobs []model.GitHubPrJob
	for _, run := range checks.CheckRuns {
		jobs = append(jobs, model.GitHubPrJob{
			Provider:   "check-run",
			ExternalID: fmt.Sprintf("%d", run.GetID()),
			Name:       run.GetName(),
			Status:     run.GetStatus(),
			Conclusion: run.GetConclusion(),
			URL:        run.GetHTMLURL(),
		})
	}

	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	statuses, _, err := c.gh.Repositories.ListStatuses(ctx, ref.Owner, ref.Repo, headSHA, nil)
	if err != nil {
		return nil, fmt.Errorf("github api request failed: %w", err)
	}
	for _, st := range statuses {
		status := "completed"
		conclusion := strings.ToLower(st.GetState())
		if conclusion == "pending" {
			status = "in_progress"
			conclusion = ""
		}
		jobs = append(jobs, model.GitHubPrJob{
			Provider:   "status",
			ExternalID: fmt.Sprintf("%d", st.GetID()),
			Name:       st.GetContext(),
			Status:     status,
			Conclusion: conclusion,
			URL:        st.GetTargetURL(),
		})
	}
	return jobs, nil
}

func fromGitHubPR(repositoryID string, pr *github.PullRequest) *model.GitHubPullRequest {
	return &model.GitHubPullRequest{
		RepositoryID: repositoryID,
		Number:       pr.GetNumber(),
		Branch:       pr.GetHead().GetRef(),
		BaseBranch:   pr.GetBase().GetRef(),
		HeadSHA:      pr.GetHead().GetSHA(),
		Title:        pr.GetTitle(),
		URL:          pr.GetHTMLURL(),
		State:        pr.GetState(),
	}
}

// MyPullRequestsURL is the Client-bound convenience used by the
// dispatcher's github.repo-my-prs-url handler.
func (c *Client) MyPullRequestsURL(repo *model.Repository) string {
	ref, ok := ParseRemoteURL(repo.RemoteURL)
	if !ok {
		return ""
	}
	viewer, _, err := c.gh.Users.Get(context.Background(), "")
	login := ""
	if err == nil && viewer != nil {
		login = viewer.GetLogin()
	}
	return MyPullRequestsURL(ref, login)
}
