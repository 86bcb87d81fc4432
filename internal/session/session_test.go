package session

import (
	"testing"

	"github.com/agentsh/controlplane/internal/ctlerr"
	"github.com/agentsh/controlplane/internal/model"
)

func testScope() model.Scope {
	return model.Scope{TenantID: "t", UserID: "u", WorkspaceID: "w"}
}

type fakeLive struct {
	writes     [][]byte
	attached   []string
	detachedID string
	closed     bool
}

func (f *fakeLive) Attach(h Handlers, sinceCursor int64) string { f.attached = append(f.attached, "a"); return "att-1" }
func (f *fakeLive) Detach(attachmentID string)                  { f.detachedID = attachmentID }
func (f *fakeLive) Write(data []byte) error                     { f.writes = append(f.writes, data); return nil }
func (f *fakeLive) Snapshot() (Frame, error)                    { return Frame{}, nil }
func (f *fakeLive) BufferTail(n int) (Frame, error)             { return Frame{}, nil }
func (f *fakeLive) LatestCursor() int64                         { return 0 }
func (f *fakeLive) Close() error                                { f.closed = true; return nil }

func TestClaimFirstTime(t *testing.T) {
	r := NewRegistry()
	r.Ensure("s1", testScope(), nil)

	res, err := r.Claim("s1", "ctrl-1", ControllerHuman, "conn-1", "alice", false)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if res.Action != "claimed" {
		t.Fatalf("expected claimed, got %s", res.Action)
	}
	if res.PreviousController != nil {
		t.Fatal("expected no previous controller")
	}
}

func TestClaimConflictWithoutTakeover(t *testing.T) {
	r := NewRegistry()
	r.Ensure("s1", testScope(), nil)
	if _, err := r.Claim("s1", "ctrl-1", ControllerHuman, "conn-1", "alice", false); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}

	_, err := r.Claim("s1", "ctrl-2", ControllerHuman, "conn-2", "bob", false)
	if !ctlerr.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestClaimTakeover(t *testing.T) {
	r := NewRegistry()
	r.Ensure("s1", testScope(), nil)
	r.Claim("s1", "ctrl-1", ControllerHuman, "conn-1", "alice", false)

	res, err := r.Claim("s1", "ctrl-2", ControllerHuman, "conn-2", "bob", true)
	if err != nil {
		t.Fatalf("takeover claim failed: %v", err)
	}
	if res.Action != "taken-over" {
		t.Fatalf("expected taken-over, got %s", res.Action)
	}
	if res.PreviousController == nil || res.PreviousController.Display != "alice" {
		t.Fatalf("expected previous controller alice, got %+v", res.PreviousController)
	}
}

func TestClaimBySameConnectionIsIdempotent(t *testing.T) {
	r := NewRegistry()
	r.Ensure("s1", testScope(), nil)
	r.Claim("s1", "ctrl-1", ControllerHuman, "conn-1", "alice", false)

	res, err := r.Claim("s1", "ctrl-1", ControllerHuman, "conn-1", "alice", false)
	if err != nil {
		t.Fatalf("re-claim by same connection should succeed: %v", err)
	}
	if res.Action != "claimed" {
		t.Fatalf("expected claimed, got %s", res.Action)
	}
}

func TestReleaseRequiresCurrentController(t *testing.T) {
	r := NewRegistry()
	r.Ensure("s1", testScope(), nil)
	r.Claim("s1", "ctrl-1", ControllerHuman, "conn-1", "alice", false)

	if err := r.Release("s1", "conn-2"); !ctlerr.IsPrecondition(err) {
		t.Fatalf("expected precondition error from non-controller release, got %v", err)
	}
	if err := r.Release("s1", "conn-1"); err != nil {
		t.Fatalf("release by controller failed: %v", err)
	}
}

func TestAttachDetachesPriorAttachmentForSameConnection(t *testing.T) {
	r := NewRegistry()
	s := r.Ensure("s1", testScope(), nil)
	live := &fakeLive{}
	s.Live = live

	if _, err := r.Attach("s1", "conn-1", Handlers{}, 0); err != nil {
		t.Fatalf("first attach failed: %v", err)
	}
	if _, err := r.Attach("s1", "conn-1", Handlers{}, 0); err != nil {
		t.Fatalf("second attach failed: %v", err)
	}
	if live.detachedID != "att-1" {
		t.Fatalf("expected prior attachment to be detached, got %q", live.detachedID)
	}
}

func TestNoteOutputDedupesNonAdvancingCursor(t *testing.T) {
	r := NewRegistry()
	r.Ensure("s1", testScope(), nil)

	if !r.NoteOutput("s1", 5) {
		t.Fatal("expected first cursor to advance")
	}
	if r.NoteOutput("s1", 5) {
		t.Fatal("expected repeated cursor not to advance")
	}
	if r.NoteOutput("s1", 3) {
		t.Fatal("expected lower cursor not to advance")
	}
	if !r.NoteOutput("s1", 6) {
		t.Fatal("expected higher cursor to advance")
	}
}

func TestDetachConnectionClearsControllerAndAttachments(t *testing.T) {
	r := NewRegistry()
	s := r.Ensure("s1", testScope(), nil)
	live := &fakeLive{}
	s.Live = live
	r.Claim("s1", "ctrl-1", ControllerHuman, "conn-1", "alice", false)
	r.Attach("s1", "conn-1", Handlers{}, 0)

	r.DetachConnection("conn-1")

	if s.Controller != nil {
		t.Fatal("expected controller to be cleared")
	}
	if err := r.AssertConnectionCanMutateSession("s1", "conn-2"); err != nil {
		t.Fatalf("expected any connection to mutate an unclaimed session: %v", err)
	}
}

func TestBufferTailTakesLastNLines(t *testing.T) {
	f := Frame{TotalRows: 10, Lines: []string{"1", "2", "3", "4", "5"}}
	tail := BufferTail(f, 2)
	if len(tail.Lines) != 2 || tail.Lines[0] != "4" || tail.Lines[1] != "5" {
		t.Fatalf("unexpected tail: %+v", tail.Lines)
	}
}

func TestBufferTailReturnsWholeFrameWhenNExceedsLines(t *testing.T) {
	f := Frame{TotalRows: 3, Lines: []string{"1", "2", "3"}}
	tail := BufferTail(f, 10)
	if len(tail.Lines) != 3 {
		t.Fatalf("expected all 3 lines, got %d", len(tail.Lines))
	}
}
