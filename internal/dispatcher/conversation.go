package dispatcher

import (
	"context"

	"github.com/agentsh/controlplane/internal/model"
)

type ConversationCreateArgs struct {
	Conversation *model.Conversation
}

type ConversationListArgs struct {
	DirectoryID     string
	IncludeArchived bool
}

type ConversationUpdateArgs struct {
	ID    string
	Title string
}

type ConversationArchiveArgs struct {
	ID string
}

type ConversationDeleteArgs struct {
	ID string
}

type ConversationTitleRefreshArgs struct {
	ID    string
	Title string
}

func (d *Dispatcher) dispatchConversation(ctx context.Context, cmd Command) (Response, error) {
	switch cmd.Kind {
	case "conversation.create":
		a, err := argsAs[ConversationCreateArgs](cmd)
		if err != nil {
			return Response{}, err
		}
		c, err := d.Store.CreateConversation(ctx, a.Conversation)
		if err != nil {
			return Response{}, err
		}
		d.Sessions.Ensure(c.ID, c.Scope, &c.DirectoryID)
		d.publish(model.ObservedEvent{
			Kind: "conversation-created", Scope: c.Scope, DirectoryID: &c.DirectoryID, ConversationID: &c.ID,
			Payload: map[string]any{"conversation": c},
		})
		return Response{Kind: cmd.Kind, Data: c}, nil

	case "conversation.list":
		a, err := argsAs[ConversationListArgs](cmd)
		if err != nil {
			return Response{}, err
		}
		list, err := d.Store.ListConversations(ctx, cmd.Scope, a.DirectoryID, a.IncludeArchived)
		if err != nil {
			return Response{}, err
		}
		return Response{Kind: cmd.Kind, Data: list}, nil

	case "conversation.update":
		a, err := argsAs[ConversationUpdateArgs](cmd)
		if err != nil {
			return Response{}, err
		}
		c, err := d.Store.UpdateConversationTitle(ctx, a.ID, a.Title)
		if err != nil {
			return Response{}, err
		}
		d.publish(model.ObservedEvent{
			Kind: "conversation-updated", Scope: c.Scope, DirectoryID: &c.DirectoryID, ConversationID: &c.ID,
			Payload: map[string]any{"conversation": c},
		})
		return Response{Kind: cmd.Kind, Data: c}, nil

	case "conversation.archive":
		a, err := argsAs[ConversationArchiveArgs](cmd)
		if err != nil {
			return Response{}, err
		}
		if err := d.Store.ArchiveConversation(ctx, a.ID); err != nil {
			return Response{}, err
		}
		d.publish(model.ObservedEvent{
			Kind: "conversation-archived", Scope: cmd.Scope, ConversationID: &a.ID,
			Payload: map[string]any{"conversationId": a.ID},
		})
		return Response{Kind: cmd.Kind, Data: map[string]any{"id": a.ID}}, nil

	case "conversation.delete":
		a, err := argsAs[ConversationDeleteArgs](cmd)
		if err != nil {
			return Response{}, err
		}
		if err := d.Store.DeleteConversation(ctx, a.ID); err != nil {
			return Response{}, err
		}
		// Deleting a conversation also destroys any in-memory session of
		// the same id (spec §3).
		d.Sessions.Remove(a.ID)
		d.publish(model.ObservedEvent{
			Kind: "conversation-deleted", Scope: cmd.Scope, ConversationID: &a.ID,
			Payload: map[string]any{"conversationId": a.ID},
		})
		return Response{Kind: cmd.Kind, Data: map[string]any{"id": a.ID}}, nil

	case "conversation.title-refresh":
		a, err := argsAs[ConversationTitleRefreshArgs](cmd)
		if err != nil {
			return Response{}, err
		}
		c, err := d.Store.UpdateConversationTitle(ctx, a.ID, a.Title)
		if err != nil {
			return Response{}, err
		}
		d.publish(model.ObservedEvent{
			Kind: "conversation-updated", Scope: c.Scope, DirectoryID: &c.DirectoryID, ConversationID: &c.ID,
			Payload: map[string]any{"conversation": c},
		})
		return Response{Kind: cmd.Kind, Data: c}, nil
	}
	return Response{}, nil
}
