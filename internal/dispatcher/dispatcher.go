// Package dispatcher implements the command dispatcher (spec §4.2): the
// single mutator of in-memory session state and the journal outside the
// polling loops, given a connection id and a tagged command.
package dispatcher

import (
	"context"
	"fmt"

	"github.com/agentsh/controlplane/internal/ctlerr"
	"github.com/agentsh/controlplane/internal/gitstatus"
	"github.com/agentsh/controlplane/internal/journal"
	"github.com/agentsh/controlplane/internal/model"
	"github.com/agentsh/controlplane/internal/scheduler"
	"github.com/agentsh/controlplane/internal/session"
	"github.com/agentsh/controlplane/internal/store"
)

// Command is the tagged envelope for every dispatcher request. Args
// holds the command-specific payload; each handler asserts it to its
// own concrete type.
type Command struct {
	Kind         string
	ConnectionID string
	Scope        model.Scope
	Args         any
}

// Response is the tagged envelope for a successful dispatch. Kind echoes
// the originating command's Kind and Data holds that command's result,
// whose concrete type depends on Kind.
type Response struct {
	Kind string
	Data any
}

// GitHub and Linear are narrow interfaces so the dispatcher can be
// exercised in tests without a live network client (see
// internal/githubapi, internal/linearapi, internal/testutil).
type GitHub interface {
	EnsurePullRequest(ctx context.Context, repo *model.Repository, branch, baseBranch, title, body string) (*model.GitHubPullRequest, error)
	MyPullRequestsURL(repo *model.Repository) string
}

type Linear interface {
	ImportIssue(ctx context.Context, issueURL string) (*model.LinearMetadata, string, string, error)
}

// Dispatcher wires the store, journal, live-session registry, scheduler
// and external clients together. One Dispatcher instance serves an
// entire control-plane process; Dispatch is safe to call concurrently
// (internally synchronized by its collaborators).
type Dispatcher struct {
	Store     *store.Store
	Journal   *journal.Journal
	Sessions  *session.Registry
	GitStatus *gitstatus.Tracker
	Scheduler *scheduler.Scheduler
	GitHub    GitHub
	Linear    Linear
}

func New(st *store.Store, j *journal.Journal, sessions *session.Registry, gs *gitstatus.Tracker, sc *scheduler.Scheduler, gh GitHub, linear Linear) *Dispatcher {
	return &Dispatcher{Store: st, Journal: j, Sessions: sessions, GitStatus: gs, Scheduler: sc, GitHub: gh, Linear: linear}
}

// Dispatch routes a Command to its family handler. Unknown kinds fail
// with the canonical message from spec §4.2.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) (Response, error) {
	switch cmd.Kind {
	case "directory.upsert", "directory.list", "directory.archive", "directory.git-status":
		return d.dispatchDirectory(ctx, cmd)
	case "project.settings-get", "project.settings-update", "automation.policy-get", "automation.policy-set":
		return d.dispatchSettings(ctx, cmd)
	case "conversation.create", "conversation.list", "conversation.update", "conversation.archive", "conversation.delete", "conversation.title-refresh":
		return d.dispatchConversation(ctx, cmd)
	case "repository.upsert", "repository.get", "repository.list", "repository.update", "repository.archive":
		return d.dispatchRepository(ctx, cmd)
	case "task.create", "task.get", "task.list", "task.update", "task.delete", "task.claim", "task.complete",
		"task.ready", "task.queue", "task.draft", "task.reorder", "task.pull":
		return d.dispatchTask(ctx, cmd)
	case "project.status":
		return d.dispatchProjectStatus(ctx, cmd)
	case "stream.subscribe", "stream.unsubscribe":
		return d.dispatchStream(ctx, cmd)
	case "session.list", "session.status", "session.snapshot", "session.claim", "session.release",
		"session.respond", "session.interrupt", "session.remove",
		"pty.start", "pty.attach", "pty.detach", "pty.subscribe-events", "pty.unsubscribe-events", "pty.close",
		"attention.list", "agent.tools.status":
		return d.dispatchSession(ctx, cmd)
	case "github.project-pr", "github.pr-list", "github.pr-create", "github.pr-jobs-list", "github.repo-my-prs-url":
		return d.dispatchGitHub(ctx, cmd)
	case "linear.issue-import":
		return d.dispatchLinear(ctx, cmd)
	default:
		return Response{}, fmt.Errorf("unsupported command type: %s", cmd.Kind)
	}
}

// publish emits the canonical observed event for a mutation, scoped to
// the smallest enclosing scope available (spec §4.2).
func (d *Dispatcher) publish(e model.ObservedEvent) model.JournalEntry {
	return d.Journal.Publish(e)
}

func argsAs[T any](cmd Command) (T, error) {
	var zero T
	v, ok := cmd.Args.(T)
	if !ok {
		return zero, ctlerr.Validationf("malformed arguments for command %s", cmd.Kind)
	}
	return v, nil
}
