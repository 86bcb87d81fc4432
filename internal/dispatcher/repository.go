package dispatcher

import (
	"context"

	"github.com/agentsh/controlplane/internal/model"
)

type RepositoryUpsertArgs struct {
	Repository *model.Repository
}

type RepositoryGetArgs struct {
	ID string
}

type RepositoryListArgs struct {
	IncludeArchived bool
}

type RepositoryUpdateArgs struct {
	Repository *model.Repository
}

type RepositoryArchiveArgs struct {
	ID string
}

func (d *Dispatcher) dispatchRepository(ctx context.Context, cmd Command) (Response, error) {
	switch cmd.Kind {
	case "repository.upsert":
		a, err := argsAs[RepositoryUpsertArgs](cmd)
		if err != nil {
			return Response{}, err
		}
		r, err := d.Store.UpsertRepository(ctx, a.Repository)
		if err != nil {
			return Response{}, err
		}
		d.publish(model.ObservedEvent{
			Kind: "repository-upserted", Scope: r.Scope, RepositoryID: &r.ID,
			Payload: map[string]any{"repository": r},
		})
		return Response{Kind: cmd.Kind, Data: r}, nil

	case "repository.get":
		a, err := argsAs[RepositoryGetArgs](cmd)
		if err != nil {
			return Response{}, err
		}
		r, err := d.Store.GetRepository(ctx, a.ID)
		if err != nil {
			return Response{}, err
		}
		return Response{Kind: cmd.Kind, Data: r}, nil

	case "repository.list":
		a, err := argsAs[RepositoryListArgs](cmd)
		if err != nil {
			return Response{}, err
		}
		list, err := d.Store.ListRepositories(ctx, cmd.Scope, a.IncludeArchived)
		if err != nil {
			return Response{}, err
		}
		return Response{Kind: cmd.Kind, Data: list}, nil

	case "repository.update":
		a, err := argsAs[RepositoryUpdateArgs](cmd)
		if err != nil {
			return Response{}, err
		}
		r, err := d.Store.UpdateRepository(ctx, a.Repository)
		if err != nil {
			return Response{}, err
		}
		d.publish(model.ObservedEvent{
			Kind: "repository-updated", Scope: r.Scope, RepositoryID: &r.ID,
			Payload: map[string]any{"repository": r},
		})
		return Response{Kind: cmd.Kind, Data: r}, nil

	case "repository.archive":
		a, err := argsAs[RepositoryArchiveArgs](cmd)
		if err != nil {
			return Response{}, err
		}
		if err := d.Store.ArchiveRepository(ctx, a.ID); err != nil {
			return Response{}, err
		}
		d.publish(model.ObservedEvent{
			Kind: "repository-archived", Scope: cmd.Scope, RepositoryID: &a.ID,
			Payload: map[string]any{"repositoryId": a.ID},
		})
		return Response{Kind: cmd.Kind, Data: map[string]any{"id": a.ID}}, nil
	}
	return Response{}, nil
}
