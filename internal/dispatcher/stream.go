package dispatcher

import (
	"context"

	"github.com/agentsh/controlplane/internal/journal"
	"github.com/agentsh/controlplane/internal/model"
)

type StreamSubscribeArgs struct {
	SubscriptionID string
	Filter         journal.Filter
	AfterCursor    int64
	Deliver        func(model.JournalEntry)
}

type StreamSubscribeResult struct {
	SubscriptionID string
	Cursor         int64
	Backlog        []model.JournalEntry
}

type StreamUnsubscribeArgs struct {
	SubscriptionID string
}

func (d *Dispatcher) dispatchStream(ctx context.Context, cmd Command) (Response, error) {
	switch cmd.Kind {
	case "stream.subscribe":
		a, err := argsAs[StreamSubscribeArgs](cmd)
		if err != nil {
			return Response{}, err
		}
		sub := &journal.Subscription{ID: a.SubscriptionID, ConnectionID: cmd.ConnectionID, Filter: a.Filter, Deliver: a.Deliver}
		backlog, cursor := d.Journal.Subscribe(sub, a.AfterCursor)
		return Response{Kind: cmd.Kind, Data: StreamSubscribeResult{SubscriptionID: a.SubscriptionID, Cursor: cursor, Backlog: backlog}}, nil

	case "stream.unsubscribe":
		a, err := argsAs[StreamUnsubscribeArgs](cmd)
		if err != nil {
			return Response{}, err
		}
		d.Journal.Unsubscribe(a.SubscriptionID)
		return Response{Kind: cmd.Kind, Data: map[string]any{"subscriptionId": a.SubscriptionID}}, nil
	}
	return Response{}, nil
}
