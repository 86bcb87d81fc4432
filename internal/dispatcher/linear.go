package dispatcher

import (
	"context"
	"fmt"

	"github.com/agentsh/controlplane/internal/ctlerr"
	"github.com/agentsh/controlplane/internal/model"
)

type LinearIssueImportArgs struct {
	IssueURL     string
	RepositoryID *string
	ProjectID    *string
}

func (d *Dispatcher) dispatchLinear(ctx context.Context, cmd Command) (Response, error) {
	a, err := argsAs[LinearIssueImportArgs](cmd)
	if err != nil {
		return Response{}, err
	}
	if d.Linear == nil {
		return Response{}, ctlerr.External("linear client not configured", nil)
	}
	linear, title, body, err := d.Linear.ImportIssue(ctx, a.IssueURL)
	if err != nil {
		return Response{}, fmt.Errorf("import linear issue: %w", err)
	}

	t := &model.Task{
		ID:           "task-" + linear.IssueID,
		Scope:        cmd.Scope,
		RepositoryID: a.RepositoryID,
		ProjectID:    a.ProjectID,
		Title:        title,
		Body:         body,
		Status:       model.TaskDraft,
		Linear:       linear,
	}
	task, err := d.Store.CreateTask(ctx, t)
	if err != nil {
		return Response{}, err
	}
	d.publishTask("task-created", task)
	return Response{Kind: cmd.Kind, Data: task}, nil
}
