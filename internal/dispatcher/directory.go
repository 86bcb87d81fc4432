package dispatcher

import (
	"context"

	"github.com/google/uuid"

	"github.com/agentsh/controlplane/internal/gitstatus"
	"github.com/agentsh/controlplane/internal/model"
)

type DirectoryUpsertArgs struct {
	Directory *model.Directory
}

type DirectoryListArgs struct {
	IncludeArchived bool
}

type DirectoryArchiveArgs struct {
	ID string
}

type DirectoryGitStatusArgs struct {
	ID string
}

func (d *Dispatcher) dispatchDirectory(ctx context.Context, cmd Command) (Response, error) {
	switch cmd.Kind {
	case "directory.upsert":
		a, err := argsAs[DirectoryUpsertArgs](cmd)
		if err != nil {
			return Response{}, err
		}
		if a.Directory.ID == "" {
			a.Directory.ID = "directory-" + uuid.NewString()
		}
		dir, err := d.Store.UpsertDirectory(ctx, a.Directory)
		if err != nil {
			return Response{}, err
		}
		// Starting a background git probe here lets later project-status/
		// pull calls find a cached entry; the entry is stored only once the
		// probe finishes.
		if _, ok := d.GitStatus.Get(dir.ID); !ok {
			d.GitStatus.EnsureFresh(ctx, dir.ID, dir.Path)
		}
		d.publish(model.ObservedEvent{
			Kind: "directory-upserted", Scope: dir.Scope, DirectoryID: &dir.ID,
			Payload: map[string]any{"directory": dir},
		})
		return Response{Kind: cmd.Kind, Data: dir}, nil

	case "directory.list":
		a, err := argsAs[DirectoryListArgs](cmd)
		if err != nil {
			return Response{}, err
		}
		dirs, err := d.Store.ListDirectories(ctx, cmd.Scope, a.IncludeArchived)
		if err != nil {
			return Response{}, err
		}
		return Response{Kind: cmd.Kind, Data: dirs}, nil

	case "directory.archive":
		a, err := argsAs[DirectoryArchiveArgs](cmd)
		if err != nil {
			return Response{}, err
		}
		if err := d.Store.ArchiveDirectory(ctx, a.ID); err != nil {
			return Response{}, err
		}
		d.GitStatus.Evict(a.ID)
		d.publish(model.ObservedEvent{
			Kind: "directory-archived", Scope: cmd.Scope, DirectoryID: &a.ID,
			Payload: map[string]any{"directoryId": a.ID},
		})
		return Response{Kind: cmd.Kind, Data: map[string]any{"id": a.ID}}, nil

	case "directory.git-status":
		a, err := argsAs[DirectoryGitStatusArgs](cmd)
		if err != nil {
			return Response{}, err
		}
		dir, err := d.Store.GetDirectory(ctx, a.ID)
		if err != nil {
			return Response{}, err
		}
		var status gitstatus.Status
		var ok bool
		if dir != nil {
			status, ok = d.GitStatus.EnsureFresh(ctx, dir.ID, dir.Path)
		}
		return Response{Kind: cmd.Kind, Data: map[string]any{"status": status, "cached": ok}}, nil
	}
	return Response{}, nil
}
