package dispatcher

import (
	"context"

	"github.com/agentsh/controlplane/internal/ctlerr"
	"github.com/agentsh/controlplane/internal/model"
)

type GitHubProjectPRArgs struct {
	RepositoryID string
	Branch       string
}

type GitHubPRListArgs struct {
	RepositoryID string
}

type GitHubPRCreateArgs struct {
	RepositoryID string
	Branch       string
	BaseBranch   string
	Title        string
	Body         string
}

type GitHubPRJobsListArgs struct {
	PRRecordID string
}

type GitHubRepoMyPRsURLArgs struct {
	RepositoryID string
}

func (d *Dispatcher) dispatchGitHub(ctx context.Context, cmd Command) (Response, error) {
	switch cmd.Kind {
	case "github.project-pr":
		a, err := argsAs[GitHubProjectPRArgs](cmd)
		if err != nil {
			return Response{}, err
		}
		pr, err := d.Store.GetOpenPullRequestForBranch(ctx, a.RepositoryID, a.Branch)
		if err != nil {
			return Response{}, err
		}
		return Response{Kind: cmd.Kind, Data: pr}, nil

	case "github.pr-list":
		a, err := argsAs[GitHubPRListArgs](cmd)
		if err != nil {
			return Response{}, err
		}
		list, err := d.Store.ListPullRequestsForRepository(ctx, a.RepositoryID)
		if err != nil {
			return Response{}, err
		}
		return Response{Kind: cmd.Kind, Data: list}, nil

	case "github.pr-create":
		a, err := argsAs[GitHubPRCreateArgs](cmd)
		if err != nil {
			return Response{}, err
		}
		if d.GitHub == nil {
			return Response{}, ctlerr.External("github client not configured", nil)
		}
		repo, err := d.Store.GetRepository(ctx, a.RepositoryID)
		if err != nil {
			return Response{}, err
		}
		if repo == nil {
			return Response{}, ctlerr.NotFound("repository")
		}
		// "check-then-create-then-fallback" path (spec §4.6/§5): a
		// pre-existing open PR for the branch wins over creating a new
		// one, both before and after the external call, since a
		// concurrent pr-create for the same branch can complete its own
		// EnsurePullRequest+persist between this call's pre-check and its
		// own persist.
		if existing, err := d.Store.GetOpenPullRequestForBranch(ctx, a.RepositoryID, a.Branch); err != nil {
			return Response{}, err
		} else if existing != nil {
			return Response{Kind: cmd.Kind, Data: existing}, nil
		}

		ghPR, err := d.GitHub.EnsurePullRequest(ctx, repo, a.Branch, a.BaseBranch, a.Title, a.Body)
		if err != nil {
			return Response{}, err
		}
		if existing, err := d.Store.GetOpenPullRequestForBranch(ctx, a.RepositoryID, a.Branch); err != nil {
			return Response{}, err
		} else if existing != nil {
			return Response{Kind: cmd.Kind, Data: existing}, nil
		}
		pr, err := d.Store.UpsertGitHubPullRequest(ctx, ghPR)
		if err != nil {
			return Response{}, err
		}
		d.publish(model.ObservedEvent{Kind: "github-pr-upserted", Scope: cmd.Scope, RepositoryID: &a.RepositoryID, Payload: map[string]any{"pr": pr}})
		return Response{Kind: cmd.Kind, Data: pr}, nil

	case "github.pr-jobs-list":
		a, err := argsAs[GitHubPRJobsListArgs](cmd)
		if err != nil {
			return Response{}, err
		}
		jobs, err := d.Store.ListGitHubPrJobs(ctx, a.PRRecordID)
		if err != nil {
			return Response{}, err
		}
		return Response{Kind: cmd.Kind, Data: jobs}, nil

	case "github.repo-my-prs-url":
		a, err := argsAs[GitHubRepoMyPRsURLArgs](cmd)
		if err != nil {
			return Response{}, err
		}
		if d.GitHub == nil {
			return Response{}, ctlerr.External("github client not configured", nil)
		}
		repo, err := d.Store.GetRepository(ctx, a.RepositoryID)
		if err != nil {
			return Response{}, err
		}
		if repo == nil {
			return Response{}, ctlerr.NotFound("repository")
		}
		return Response{Kind: cmd.Kind, Data: map[string]any{"url": d.GitHub.MyPullRequestsURL(repo)}}, nil
	}
	return Response{}, nil
}
