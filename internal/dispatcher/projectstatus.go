package dispatcher

import (
	"context"
)

type ProjectStatusArgs struct {
	DirectoryID string
}

// ProjectStatus is the spec §4.2 "project.status" response shape:
// directory, effective availability, git summary, project settings,
// automation effective policy, and live-thread count.
type ProjectStatus struct {
	Directory        any
	Availability     string
	GitStatus        any
	Settings         any
	AutomationPolicy any
	LiveThreadCount  int
}

func (d *Dispatcher) dispatchProjectStatus(ctx context.Context, cmd Command) (Response, error) {
	a, err := argsAs[ProjectStatusArgs](cmd)
	if err != nil {
		return Response{}, err
	}

	dir, err := d.Store.GetDirectory(ctx, a.DirectoryID)
	if err != nil {
		return Response{}, err
	}
	if dir == nil {
		return Response{Kind: cmd.Kind, Data: nil}, nil
	}

	settings, err := d.Store.GetProjectSettings(ctx, dir.ID)
	if err != nil {
		return Response{}, err
	}

	availability, _, err := d.Scheduler.EvaluateProjectAvailability(ctx, cmd.Scope, dir, settings, nil)
	if err != nil {
		return Response{}, err
	}

	policy, err := d.Store.EffectivePolicy(ctx, cmd.Scope, &dir.ID, nil)
	if err != nil {
		return Response{}, err
	}

	gitStatus, _ := d.GitStatus.EnsureFresh(ctx, dir.ID, dir.Path)

	status := ProjectStatus{
		Directory:        dir,
		Availability:     string(availability),
		GitStatus:        gitStatus,
		Settings:         settings,
		AutomationPolicy: policy,
		LiveThreadCount:  d.Sessions.LiveThreadCount(dir.ID),
	}
	return Response{Kind: cmd.Kind, Data: status}, nil
}
