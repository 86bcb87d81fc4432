package dispatcher

import (
	"context"
	"log"
	"time"

	"github.com/agentsh/controlplane/internal/model"
	"github.com/agentsh/controlplane/internal/ptyproc"
	"github.com/agentsh/controlplane/internal/session"
)

// syncRuntimeStatus moves a session's in-memory status forward and
// bridges it into the durable conversation row (spec §4.3: respond ->
// running, interrupt -> completed, process exit -> exited). Best
// effort: a conversation row may not exist yet for sessions exercised
// outside conversation.create, so a store error is logged, not
// returned, to avoid failing the in-memory mutation that already
// succeeded.
func (d *Dispatcher) syncRuntimeStatus(ctx context.Context, sessionID string, status model.ConversationStatus, exit *session.ExitResult) {
	d.Sessions.SetStatus(sessionID, status)

	now := time.Now()
	rt := model.RuntimeProjection{Status: status, Live: status == model.ConversationRunning, LastEventAt: &now}
	if s, ok := d.Sessions.Get(sessionID); ok {
		rt.AttentionReason = s.AttentionReason
	}
	if exit != nil {
		rt.LastExit = &model.ExitInfo{Code: exit.Code, Signal: exit.Signal}
	}
	if err := d.Store.UpdateConversationRuntime(ctx, sessionID, rt); err != nil {
		log.Printf("[dispatcher] sync runtime status for %s: %v", sessionID, err)
	}
}

type SessionListArgs struct{}

type SessionStatusArgs struct {
	ID string
}

type SessionSnapshotArgs struct {
	ID        string
	TailLines int
}

type SessionClaimArgs struct {
	ID             string
	ControllerID   string
	ControllerType session.ControllerType
	Display        string
	Takeover       bool
}

type SessionReleaseArgs struct {
	ID string
}

type SessionRespondArgs struct {
	ID   string
	Data []byte
}

type SessionInterruptArgs struct {
	ID string
}

type SessionRemoveArgs struct {
	ID string
}

type PTYStartArgs struct {
	ConversationID string
	DirectoryID    string
	Argv           []string
	Env            []string
}

type PTYAttachArgs struct {
	ID          string
	SinceCursor int64
	OnData      func(cursor int64, chunk []byte)
	OnExit      func(session.ExitResult)
}

type PTYDetachArgs struct {
	ID string
}

type PTYSubscribeEventsArgs struct {
	ID string
}

type PTYUnsubscribeEventsArgs struct {
	ID string
}

type PTYCloseArgs struct {
	ID string
}

type AttentionListArgs struct{}

type AgentToolsStatusArgs struct {
	ID string
}

func (d *Dispatcher) dispatchSession(ctx context.Context, cmd Command) (Response, error) {
	switch cmd.Kind {
	case "session.list":
		return Response{Kind: cmd.Kind, Data: d.Sessions.List()}, nil

	case "session.status":
		a, err := argsAs[SessionStatusArgs](cmd)
		if err != nil {
			return Response{}, err
		}
		s, ok := d.Sessions.Get(a.ID)
		if !ok {
			return Response{Kind: cmd.Kind, Data: nil}, nil
		}
		return Response{Kind: cmd.Kind, Data: s}, nil

	case "session.snapshot":
		a, err := argsAs[SessionSnapshotArgs](cmd)
		if err != nil {
			return Response{}, err
		}
		rec, err := d.Sessions.Snapshot(a.ID)
		if err != nil {
			return Response{}, err
		}
		frame := rec.Frame
		if a.TailLines > 0 {
			frame = session.BufferTail(frame, a.TailLines)
		}
		return Response{Kind: cmd.Kind, Data: map[string]any{"frame": frame, "stale": rec.Stale}}, nil

	case "session.claim":
		a, err := argsAs[SessionClaimArgs](cmd)
		if err != nil {
			return Response{}, err
		}
		result, err := d.Sessions.Claim(a.ID, a.ControllerID, a.ControllerType, cmd.ConnectionID, a.Display, a.Takeover)
		if err != nil {
			return Response{}, err
		}
		d.publish(model.ObservedEvent{Kind: "session-controller-changed", Scope: cmd.Scope, ConversationID: &a.ID, Payload: map[string]any{"result": result}})
		return Response{Kind: cmd.Kind, Data: result}, nil

	case "session.release":
		a, err := argsAs[SessionReleaseArgs](cmd)
		if err != nil {
			return Response{}, err
		}
		if err := d.Sessions.Release(a.ID, cmd.ConnectionID); err != nil {
			return Response{}, err
		}
		d.publish(model.ObservedEvent{Kind: "session-controller-changed", Scope: cmd.Scope, ConversationID: &a.ID, Payload: map[string]any{"released": true}})
		return Response{Kind: cmd.Kind, Data: map[string]any{"id": a.ID}}, nil

	case "session.respond":
		a, err := argsAs[SessionRespondArgs](cmd)
		if err != nil {
			return Response{}, err
		}
		if err := d.Sessions.AssertConnectionCanMutateSession(a.ID, cmd.ConnectionID); err != nil {
			return Response{}, err
		}
		s, ok := d.Sessions.Get(a.ID)
		if !ok || s.Live == nil {
			return Response{}, session.ErrNoLiveHandle(a.ID)
		}
		if err := s.Live.Write(a.Data); err != nil {
			return Response{}, err
		}
		d.syncRuntimeStatus(ctx, a.ID, model.ConversationRunning, nil)
		return Response{Kind: cmd.Kind, Data: map[string]any{"id": a.ID}}, nil

	case "session.interrupt":
		a, err := argsAs[SessionInterruptArgs](cmd)
		if err != nil {
			return Response{}, err
		}
		if err := d.Sessions.AssertConnectionCanMutateSession(a.ID, cmd.ConnectionID); err != nil {
			return Response{}, err
		}
		s, ok := d.Sessions.Get(a.ID)
		if !ok || s.Live == nil {
			return Response{}, session.ErrNoLiveHandle(a.ID)
		}
		if err := s.Live.Write([]byte{0x03}); err != nil { // Ctrl-C
			return Response{}, err
		}
		d.syncRuntimeStatus(ctx, a.ID, model.ConversationCompleted, nil)
		return Response{Kind: cmd.Kind, Data: map[string]any{"id": a.ID}}, nil

	case "session.remove":
		a, err := argsAs[SessionRemoveArgs](cmd)
		if err != nil {
			return Response{}, err
		}
		d.Sessions.Remove(a.ID)
		d.publish(model.ObservedEvent{Kind: "session-removed", Scope: cmd.Scope, ConversationID: &a.ID, Payload: map[string]any{"id": a.ID}})
		return Response{Kind: cmd.Kind, Data: map[string]any{"id": a.ID}}, nil

	case "pty.start":
		a, err := argsAs[PTYStartArgs](cmd)
		if err != nil {
			return Response{}, err
		}
		dir, err := d.Store.GetDirectory(ctx, a.DirectoryID)
		if err != nil {
			return Response{}, err
		}
		if dir == nil {
			return Response{}, session.ErrNoLiveHandle(a.DirectoryID)
		}
		proc, err := ptyproc.Spawn(dir.Path, a.Argv, a.Env)
		if err != nil {
			return Response{}, err
		}
		s := d.Sessions.Ensure(a.ConversationID, cmd.Scope, &a.DirectoryID)
		s.Live = proc
		// Session-owned exit watch, independent of any client attachment,
		// so the status bridge fires even if nobody is attached when the
		// process exits.
		conversationID := a.ConversationID
		proc.Attach(session.Handlers{
			OnExit: func(exit session.ExitResult) {
				d.syncRuntimeStatus(context.Background(), conversationID, model.ConversationExited, &exit)
				d.publish(model.ObservedEvent{Kind: "session-process-exited", Scope: cmd.Scope, ConversationID: &conversationID, Payload: map[string]any{"exit": exit}})
			},
		}, 0)
		d.syncRuntimeStatus(ctx, a.ConversationID, model.ConversationRunning, nil)
		d.publish(model.ObservedEvent{Kind: "session-started", Scope: cmd.Scope, DirectoryID: &a.DirectoryID, ConversationID: &a.ConversationID, Payload: map[string]any{"id": a.ConversationID}})
		return Response{Kind: cmd.Kind, Data: map[string]any{"id": a.ConversationID}}, nil

	case "pty.attach":
		a, err := argsAs[PTYAttachArgs](cmd)
		if err != nil {
			return Response{}, err
		}
		handlers := session.Handlers{
			OnData: func(cursor int64, chunk []byte) {
				if d.Sessions.NoteOutput(a.ID, cursor) {
					d.publish(model.ObservedEvent{Kind: "session-output", Scope: cmd.Scope, ConversationID: &a.ID, Payload: map[string]any{"cursor": cursor, "chunk": chunk}})
				}
				if a.OnData != nil {
					a.OnData(cursor, chunk)
				}
			},
			OnExit: func(exit session.ExitResult) {
				if a.OnExit != nil {
					a.OnExit(exit)
				}
			},
		}
		attachmentID, err := d.Sessions.Attach(a.ID, cmd.ConnectionID, handlers, a.SinceCursor)
		if err != nil {
			return Response{}, err
		}
		return Response{Kind: cmd.Kind, Data: map[string]any{"attachmentId": attachmentID}}, nil

	case "pty.detach":
		a, err := argsAs[PTYDetachArgs](cmd)
		if err != nil {
			return Response{}, err
		}
		if err := d.Sessions.Detach(a.ID, cmd.ConnectionID); err != nil {
			return Response{}, err
		}
		return Response{Kind: cmd.Kind, Data: map[string]any{"id": a.ID}}, nil

	case "pty.subscribe-events":
		a, err := argsAs[PTYSubscribeEventsArgs](cmd)
		if err != nil {
			return Response{}, err
		}
		return Response{Kind: cmd.Kind, Data: map[string]any{"id": a.ID}}, nil

	case "pty.unsubscribe-events":
		a, err := argsAs[PTYUnsubscribeEventsArgs](cmd)
		if err != nil {
			return Response{}, err
		}
		return Response{Kind: cmd.Kind, Data: map[string]any{"id": a.ID}}, nil

	case "pty.close":
		a, err := argsAs[PTYCloseArgs](cmd)
		if err != nil {
			return Response{}, err
		}
		d.Sessions.Remove(a.ID)
		d.publish(model.ObservedEvent{Kind: "session-exited", Scope: cmd.Scope, ConversationID: &a.ID, Payload: map[string]any{"id": a.ID}})
		return Response{Kind: cmd.Kind, Data: map[string]any{"id": a.ID}}, nil

	case "attention.list":
		var needsInput []*session.State
		for _, s := range d.Sessions.List() {
			if s.Status == model.ConversationNeedsInput {
				needsInput = append(needsInput, s)
			}
		}
		return Response{Kind: cmd.Kind, Data: needsInput}, nil

	case "agent.tools.status":
		a, err := argsAs[AgentToolsStatusArgs](cmd)
		if err != nil {
			return Response{}, err
		}
		s, ok := d.Sessions.Get(a.ID)
		if !ok {
			return Response{Kind: cmd.Kind, Data: nil}, nil
		}
		return Response{Kind: cmd.Kind, Data: map[string]any{"id": a.ID, "live": s.Live != nil}}, nil
	}
	return Response{}, nil
}
