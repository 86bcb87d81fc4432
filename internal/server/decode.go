package server

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/agentsh/controlplane/internal/dispatcher"
	"github.com/agentsh/controlplane/internal/journal"
	"github.com/agentsh/controlplane/internal/model"
	"github.com/agentsh/controlplane/internal/session"
)

// decodeCommand turns one inbound websocket frame into a typed
// dispatcher.Command. Most command kinds JSON-unmarshal directly into
// their Args struct (field names match case-insensitively without
// tags); pty.attach and stream.subscribe additionally wire their
// callback fields to this connection's outbound envelope writer.
func (c *Connection) decodeCommand(env inboundEnvelope, raw []byte) (dispatcher.Command, error) {
	scope := defaultScope(env)
	cmd := dispatcher.Command{Kind: env.Type, ConnectionID: c.ID, Scope: scope}

	switch env.Type {
	case "pty.attach":
		var a dispatcher.PTYAttachArgs
		if err := json.Unmarshal(raw, &a); err != nil {
			return cmd, fmt.Errorf("malformed pty.attach args: %w", err)
		}
		sessionID := a.ID
		a.OnData = func(cursor int64, chunk []byte) { c.pushPTYOutput(sessionID, cursor, chunk) }
		a.OnExit = func(exit session.ExitResult) { c.pushPTYExit(sessionID, exit) }
		cmd.Args = a
		return cmd, nil

	case "stream.subscribe":
		var wire struct {
			SubscriptionID string         `json:"subscriptionId"`
			Filter         journal.Filter `json:"filter"`
			AfterCursor    int64          `json:"afterCursor"`
		}
		if err := json.Unmarshal(raw, &wire); err != nil {
			return cmd, fmt.Errorf("malformed stream.subscribe args: %w", err)
		}
		subID := wire.SubscriptionID
		cmd.Args = dispatcher.StreamSubscribeArgs{
			SubscriptionID: subID,
			Filter:         wire.Filter,
			AfterCursor:    wire.AfterCursor,
			Deliver:        func(entry model.JournalEntry) { c.pushStreamEvent(subID, entry) },
		}
		return cmd, nil

	default:
		args, err := decodeSimpleArgs(env.Type, raw)
		if err != nil {
			return cmd, err
		}
		cmd.Args = args
		return cmd, nil
	}
}

// decodeSimpleArgs covers every command kind whose Args struct has no
// function-typed field, so a direct json.Unmarshal is sufficient.
func decodeSimpleArgs(kind string, raw []byte) (any, error) {
	var target any
	switch kind {
	case "directory.upsert":
		target = &dispatcher.DirectoryUpsertArgs{}
	case "directory.list":
		target = &dispatcher.DirectoryListArgs{}
	case "directory.archive":
		target = &dispatcher.DirectoryArchiveArgs{}
	case "directory.git-status":
		target = &dispatcher.DirectoryGitStatusArgs{}

	case "project.settings-get":
		target = &dispatcher.ProjectSettingsGetArgs{}
	case "project.settings-update":
		target = &dispatcher.ProjectSettingsUpdateArgs{}
	case "automation.policy-get":
		target = &dispatcher.AutomationPolicyGetArgs{}
	case "automation.policy-set":
		target = &dispatcher.AutomationPolicySetArgs{}

	case "conversation.create":
		target = &dispatcher.ConversationCreateArgs{}
	case "conversation.list":
		target = &dispatcher.ConversationListArgs{}
	case "conversation.update":
		target = &dispatcher.ConversationUpdateArgs{}
	case "conversation.archive":
		target = &dispatcher.ConversationArchiveArgs{}
	case "conversation.delete":
		target = &dispatcher.ConversationDeleteArgs{}
	case "conversation.title-refresh":
		target = &dispatcher.ConversationTitleRefreshArgs{}

	case "repository.upsert":
		target = &dispatcher.RepositoryUpsertArgs{}
	case "repository.get":
		target = &dispatcher.RepositoryGetArgs{}
	case "repository.list":
		target = &dispatcher.RepositoryListArgs{}
	case "repository.update":
		target = &dispatcher.RepositoryUpdateArgs{}
	case "repository.archive":
		target = &dispatcher.RepositoryArchiveArgs{}

	case "task.create":
		target = &dispatcher.TaskCreateArgs{}
	case "task.get":
		target = &dispatcher.TaskGetArgs{}
	case "task.list":
		target = &dispatcher.TaskListArgs{}
	case "task.update":
		target = &dispatcher.TaskUpdateArgs{}
	case "task.delete":
		target = &dispatcher.TaskDeleteArgs{}
	case "task.claim":
		target = &dispatcher.TaskClaimArgs{}
	case "task.complete":
		target = &dispatcher.TaskCompleteArgs{}
	case "task.ready", "task.queue":
		target = &dispatcher.TaskReadyArgs{}
	case "task.draft":
		target = &dispatcher.TaskDraftArgs{}
	case "task.reorder":
		target = &dispatcher.TaskReorderArgs{}
	case "task.pull":
		target = &dispatcher.TaskPullArgs{}

	case "project.status":
		target = &dispatcher.ProjectStatusArgs{}

	case "stream.unsubscribe":
		target = &dispatcher.StreamUnsubscribeArgs{}

	case "session.list":
		target = &dispatcher.SessionListArgs{}
	case "session.status":
		target = &dispatcher.SessionStatusArgs{}
	case "session.snapshot":
		target = &dispatcher.SessionSnapshotArgs{}
	case "session.claim":
		target = &dispatcher.SessionClaimArgs{}
	case "session.release":
		target = &dispatcher.SessionReleaseArgs{}
	case "session.respond":
		target = &dispatcher.SessionRespondArgs{}
	case "session.interrupt":
		target = &dispatcher.SessionInterruptArgs{}
	case "session.remove":
		target = &dispatcher.SessionRemoveArgs{}
	case "pty.start":
		target = &dispatcher.PTYStartArgs{}
	case "pty.detach":
		target = &dispatcher.PTYDetachArgs{}
	case "pty.subscribe-events":
		target = &dispatcher.PTYSubscribeEventsArgs{}
	case "pty.unsubscribe-events":
		target = &dispatcher.PTYUnsubscribeEventsArgs{}
	case "pty.close":
		target = &dispatcher.PTYCloseArgs{}
	case "attention.list":
		target = &dispatcher.AttentionListArgs{}
	case "agent.tools.status":
		target = &dispatcher.AgentToolsStatusArgs{}

	case "github.project-pr":
		target = &dispatcher.GitHubProjectPRArgs{}
	case "github.pr-list":
		target = &dispatcher.GitHubPRListArgs{}
	case "github.pr-create":
		target = &dispatcher.GitHubPRCreateArgs{}
	case "github.pr-jobs-list":
		target = &dispatcher.GitHubPRJobsListArgs{}
	case "github.repo-my-prs-url":
		target = &dispatcher.GitHubRepoMyPRsURLArgs{}

	case "linear.issue-import":
		target = &dispatcher.LinearIssueImportArgs{}

	default:
		return nil, fmt.Errorf("unsupported command type: %s", kind)
	}

	if err := json.Unmarshal(raw, target); err != nil {
		return nil, fmt.Errorf("malformed arguments for command %s: %w", kind, err)
	}
	// target is a pointer to the Args struct; dispatcher's argsAs[T]
	// asserts against the value type, so deref it back.
	return reflect.ValueOf(target).Elem().Interface(), nil
}
