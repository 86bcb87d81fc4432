package dispatcher

import (
	"context"
	"testing"

	"github.com/agentsh/controlplane/internal/model"
	"github.com/agentsh/controlplane/internal/session"
)

func TestSessionRespondSetsRunningStatusAndBridgesToStore(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	dir, err := d.Store.UpsertDirectory(ctx, &model.Directory{Scope: testScope(), Path: "/tmp/respond"})
	if err != nil {
		t.Fatalf("upsert directory: %v", err)
	}
	c, err := d.Store.CreateConversation(ctx, &model.Conversation{Scope: testScope(), DirectoryID: dir.ID, Title: "t", AgentKind: "terminal"})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	d.Sessions.Ensure(c.ID, testScope(), &c.DirectoryID)
	s, _ := d.Sessions.Get(c.ID)
	s.Live = &fakeLiveSession{}

	if _, err := d.Dispatch(ctx, Command{
		Kind: "session.respond", ConnectionID: "conn-a", Scope: testScope(),
		Args: SessionRespondArgs{ID: c.ID, Data: []byte("hi")},
	}); err != nil {
		t.Fatalf("respond: %v", err)
	}

	if s.Status != model.ConversationRunning {
		t.Fatalf("expected in-memory status running, got %s", s.Status)
	}
	stored, err := d.Store.GetConversation(ctx, c.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if stored.Runtime.Status != model.ConversationRunning {
		t.Fatalf("expected persisted status running, got %s", stored.Runtime.Status)
	}
}

func TestSessionInterruptSetsCompletedStatusAndBridgesToStore(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	dir, err := d.Store.UpsertDirectory(ctx, &model.Directory{Scope: testScope(), Path: "/tmp/interrupt"})
	if err != nil {
		t.Fatalf("upsert directory: %v", err)
	}
	c, err := d.Store.CreateConversation(ctx, &model.Conversation{Scope: testScope(), DirectoryID: dir.ID, Title: "t", AgentKind: "terminal"})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	d.Sessions.Ensure(c.ID, testScope(), &c.DirectoryID)
	s, _ := d.Sessions.Get(c.ID)
	live := &fakeLiveSession{}
	s.Live = live

	if _, err := d.Dispatch(ctx, Command{
		Kind: "session.interrupt", ConnectionID: "conn-a", Scope: testScope(),
		Args: SessionInterruptArgs{ID: c.ID},
	}); err != nil {
		t.Fatalf("interrupt: %v", err)
	}

	if len(live.written) != 1 || live.written[0][0] != 0x03 {
		t.Fatalf("expected a single ETX byte written, got %+v", live.written)
	}
	if s.Status != model.ConversationCompleted {
		t.Fatalf("expected in-memory status completed, got %s", s.Status)
	}
	stored, err := d.Store.GetConversation(ctx, c.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if stored.Runtime.Status != model.ConversationCompleted {
		t.Fatalf("expected persisted status completed, got %s", stored.Runtime.Status)
	}
}

// fakeLiveSession is a minimal session.LiveSession for exercising the
// respond/interrupt status bridge without a real PTY.
type fakeLiveSession struct {
	written [][]byte
}

func (f *fakeLiveSession) Attach(handlers session.Handlers, sinceCursor int64) string { return "a1" }
func (f *fakeLiveSession) Detach(attachmentID string)                                {}
func (f *fakeLiveSession) Write(data []byte) error {
	f.written = append(f.written, append([]byte(nil), data...))
	return nil
}
func (f *fakeLiveSession) Snapshot() (session.Frame, error)          { return session.Frame{}, nil }
func (f *fakeLiveSession) BufferTail(n int) (session.Frame, error)   { return session.Frame{}, nil }
func (f *fakeLiveSession) LatestCursor() int64                       { return 0 }
func (f *fakeLiveSession) Close() error                              { return nil }
