package dispatcher

import (
	"context"

	"github.com/agentsh/controlplane/internal/model"
	"github.com/agentsh/controlplane/internal/store"
)

type TaskCreateArgs struct {
	Task *model.Task
}

type TaskGetArgs struct {
	ID string
}

type TaskListArgs struct {
	Filter store.TaskFilter
}

type TaskUpdateArgs struct {
	Task *model.Task
}

type TaskDeleteArgs struct {
	ID string
}

type TaskClaimArgs struct {
	Params store.ClaimTaskParams
}

type TaskCompleteArgs struct {
	ID string
}

type TaskReadyArgs struct {
	ID string
}

type TaskDraftArgs struct {
	ID string
}

type TaskReorderArgs struct {
	OrderedTaskIDs []string
}

// TaskPullArgs mirrors spec §4.4: either DirectoryID (pull for that
// project) or RepositoryID (pull across projects in that repo).
type TaskPullArgs struct {
	ControllerID string
	DirectoryID  string
	RepositoryID string
}

func (d *Dispatcher) dispatchTask(ctx context.Context, cmd Command) (Response, error) {
	switch cmd.Kind {
	case "task.create":
		a, err := argsAs[TaskCreateArgs](cmd)
		if err != nil {
			return Response{}, err
		}
		t, err := d.Store.CreateTask(ctx, a.Task)
		if err != nil {
			return Response{}, err
		}
		d.publishTask("task-created", t)
		return Response{Kind: cmd.Kind, Data: t}, nil

	case "task.get":
		a, err := argsAs[TaskGetArgs](cmd)
		if err != nil {
			return Response{}, err
		}
		t, err := d.Store.GetTask(ctx, a.ID)
		if err != nil {
			return Response{}, err
		}
		return Response{Kind: cmd.Kind, Data: t}, nil

	case "task.list":
		a, err := argsAs[TaskListArgs](cmd)
		if err != nil {
			return Response{}, err
		}
		list, err := d.Store.ListTasks(ctx, cmd.Scope, a.Filter)
		if err != nil {
			return Response{}, err
		}
		return Response{Kind: cmd.Kind, Data: list}, nil

	case "task.update":
		a, err := argsAs[TaskUpdateArgs](cmd)
		if err != nil {
			return Response{}, err
		}
		t, err := d.Store.UpdateTask(ctx, a.Task)
		if err != nil {
			return Response{}, err
		}
		d.publishTask("task-updated", t)
		return Response{Kind: cmd.Kind, Data: t}, nil

	case "task.delete":
		a, err := argsAs[TaskDeleteArgs](cmd)
		if err != nil {
			return Response{}, err
		}
		if err := d.Store.DeleteTask(ctx, a.ID); err != nil {
			return Response{}, err
		}
		d.publish(model.ObservedEvent{Kind: "task-deleted", Scope: cmd.Scope, TaskID: &a.ID, Payload: map[string]any{"taskId": a.ID}})
		return Response{Kind: cmd.Kind, Data: map[string]any{"id": a.ID}}, nil

	case "task.claim":
		a, err := argsAs[TaskClaimArgs](cmd)
		if err != nil {
			return Response{}, err
		}
		t, err := d.Store.ClaimTask(ctx, a.Params)
		if err != nil {
			return Response{}, err
		}
		d.publishTask("task-updated", t)
		return Response{Kind: cmd.Kind, Data: t}, nil

	case "task.complete":
		a, err := argsAs[TaskCompleteArgs](cmd)
		if err != nil {
			return Response{}, err
		}
		t, err := d.Store.CompleteTask(ctx, a.ID)
		if err != nil {
			return Response{}, err
		}
		d.publishTask("task-updated", t)
		return Response{Kind: cmd.Kind, Data: t}, nil

	case "task.ready", "task.queue":
		a, err := argsAs[TaskReadyArgs](cmd)
		if err != nil {
			return Response{}, err
		}
		t, err := d.Store.ReadyTask(ctx, a.ID)
		if err != nil {
			return Response{}, err
		}
		d.publishTask("task-updated", t)
		return Response{Kind: cmd.Kind, Data: t}, nil

	case "task.draft":
		a, err := argsAs[TaskDraftArgs](cmd)
		if err != nil {
			return Response{}, err
		}
		t, err := d.Store.DraftTask(ctx, a.ID)
		if err != nil {
			return Response{}, err
		}
		d.publishTask("task-updated", t)
		return Response{Kind: cmd.Kind, Data: t}, nil

	case "task.reorder":
		a, err := argsAs[TaskReorderArgs](cmd)
		if err != nil {
			return Response{}, err
		}
		if err := d.Store.ReorderTasks(ctx, cmd.Scope, a.OrderedTaskIDs); err != nil {
			return Response{}, err
		}
		d.publish(model.ObservedEvent{Kind: "tasks-reordered", Scope: cmd.Scope, Payload: map[string]any{"orderedTaskIds": a.OrderedTaskIDs}})
		return Response{Kind: cmd.Kind, Data: map[string]any{"orderedTaskIds": a.OrderedTaskIDs}}, nil

	case "task.pull":
		a, err := argsAs[TaskPullArgs](cmd)
		if err != nil {
			return Response{}, err
		}
		if a.DirectoryID != "" {
			dir, err := d.Store.GetDirectory(ctx, a.DirectoryID)
			if err != nil {
				return Response{}, err
			}
			if dir == nil {
				return Response{Kind: cmd.Kind, Data: nil}, nil
			}
			var required *string
			if a.RepositoryID != "" {
				required = &a.RepositoryID
			}
			result, err := d.Scheduler.PullForDirectory(ctx, cmd.Scope, dir, a.ControllerID, required)
			if err != nil {
				return Response{}, err
			}
			return Response{Kind: cmd.Kind, Data: result}, nil
		}
		result, err := d.Scheduler.PullAcrossRepository(ctx, cmd.Scope, a.RepositoryID, a.ControllerID)
		if err != nil {
			return Response{}, err
		}
		return Response{Kind: cmd.Kind, Data: result}, nil
	}
	return Response{}, nil
}

func (d *Dispatcher) publishTask(kind string, t *model.Task) {
	d.publish(model.ObservedEvent{
		Kind: kind, Scope: t.Scope, TaskID: &t.ID, RepositoryID: t.RepositoryID, DirectoryID: t.ProjectID,
		Payload: map[string]any{"task": t},
	})
}
