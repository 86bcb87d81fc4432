// Package session implements the live-session registry: in-memory
// SessionState records, controller claim/takeover/release arbitration,
// and per-(connection,session) attachment fan-out (spec §4.3).
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/agentsh/controlplane/internal/ctlerr"
	"github.com/agentsh/controlplane/internal/model"
)

// ControllerType mirrors the dex session manager's typed actor kinds,
// generalized to the control-plane's human/agent controllers.
type ControllerType string

const (
	ControllerHuman ControllerType = "human"
	ControllerAgent ControllerType = "agent"
)

type Controller struct {
	ControllerID   string
	ControllerType ControllerType
	ConnectionID   string
	ClaimedAt      time.Time
	Display        string
}

// LiveSession is the handle owned by a SessionState when the PTY
// process is running (spec §4.3). A concrete pty-backed implementation
// lives in internal/ptyproc.
type LiveSession interface {
	Attach(handlers Handlers, sinceCursor int64) (attachmentID string)
	Detach(attachmentID string)
	Write(data []byte) error
	Snapshot() (Frame, error)
	BufferTail(tailLines int) (Frame, error)
	LatestCursor() int64
	Close() error
}

// Handlers are invoked by a LiveSession on new data or process exit.
type Handlers struct {
	OnData func(cursor int64, chunk []byte)
	OnExit func(exit ExitResult)
}

type ExitResult struct {
	Code   *int
	Signal *string
}

// Frame is an opaque terminal snapshot; Lines is exposed only for the
// buffer-tail formula in spec §4.3.
type Frame struct {
	TotalRows int
	Lines     []string
	Stale     bool
}

// BufferTail returns f with Lines cut to the last n lines (spec §4.3);
// f is returned unchanged when n <= 0 or n covers every line. The start
// row max(0, totalRows - min(linesAvailable, n)) is not recorded in the
// returned Frame, and TotalRows is left as it was.
func BufferTail(f Frame, n int) Frame {
	if n <= 0 || n >= len(f.Lines) {
		return f
	}
	linesAvailable := len(f.Lines)
	take := n
	if take > linesAvailable {
		take = linesAvailable
	}
	start := f.TotalRows - take
	if start < 0 {
		start = 0
	}
	out := f
	out.Lines = f.Lines[len(f.Lines)-take:]
	return out
}

// State is the in-memory counterpart of a Conversation (spec §3).
type State struct {
	ID           string // == conversation id
	Scope        model.Scope
	WorktreeID   string
	DirectoryID  *string
	Live         LiveSession // nil when not live
	Controller   *Controller
	Status       model.ConversationStatus
	AttentionReason string
	CreatedAt    time.Time
	LastEventAt  time.Time

	subscribers map[string]bool   // connection ids subscribed to status/events
	attachments map[string]string // connectionID -> attachmentID

	lastObservedOutputCursor int64
	lastSnapshot             *SnapshotRecord
}

type SnapshotRecord struct {
	Frame Frame
	Stale bool
}

// Registry owns all live sessions. It is the single logical owner of
// this in-memory map per spec §5/§9 — callers outside the dispatcher
// must go through Registry methods, never touch the map directly.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*State
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*State)}
}

func (r *Registry) Get(id string) (*State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) List() []*State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*State, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Ensure returns the existing session or creates a new, not-live one.
func (r *Registry) Ensure(id string, scope model.Scope, directoryID *string) *State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s
	}
	s := &State{
		ID:          id,
		Scope:       scope,
		DirectoryID: directoryID,
		Status:      model.ConversationCompleted,
		CreatedAt:   time.Now(),
		subscribers: make(map[string]bool),
		attachments: make(map[string]string),
	}
	r.sessions[id] = s
	return s
}

// Remove destroys the in-memory session: closes the live handle if
// present, detaches all attachments, clears subscribers (spec §4.2/
// §4.3). Per DESIGN.md's open-question-2 decision, this does not touch
// the durable conversation record.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	if s.Live != nil {
		_ = s.Live.Close()
	}
}

// LiveThreadCount returns the number of sessions under directoryID
// with a non-nil live handle, used by the scheduler's blocked-occupied
// check (spec §4.4).
func (r *Registry) LiveThreadCount(directoryID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, s := range r.sessions {
		if s.DirectoryID != nil && *s.DirectoryID == directoryID && s.Live != nil {
			count++
		}
	}
	return count
}

// ClaimResult is returned by Claim.
type ClaimResult struct {
	Action             string // claimed | taken-over
	PreviousController *Controller
	NewController      Controller
}

// Claim implements spec §4.3's controller arbitration.
func (r *Registry) Claim(sessionID, controllerID string, controllerType ControllerType, connectionID, display string, takeover bool) (*ClaimResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, ctlerr.NotFound("session")
	}

	newController := Controller{
		ControllerID:   controllerID,
		ControllerType: controllerType,
		ConnectionID:   connectionID,
		ClaimedAt:      time.Now(),
		Display:        display,
	}

	if s.Controller == nil {
		s.Controller = &newController
		return &ClaimResult{Action: "claimed", NewController: newController}, nil
	}

	if s.Controller.ConnectionID == connectionID {
		prev := *s.Controller
		s.Controller = &newController
		return &ClaimResult{Action: "claimed", PreviousController: &prev, NewController: newController}, nil
	}

	if takeover {
		prev := *s.Controller
		s.Controller = &newController
		return &ClaimResult{Action: "taken-over", PreviousController: &prev, NewController: newController}, nil
	}

	return nil, ctlerr.Conflictf("session is already claimed by %s", s.Controller.Display)
}

// Release succeeds only when the caller is the current controller's
// connection.
func (r *Registry) Release(sessionID, connectionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return ctlerr.NotFound("session")
	}
	if s.Controller == nil || s.Controller.ConnectionID != connectionID {
		return ctlerr.Precondition("session is not claimed by this connection")
	}
	s.Controller = nil
	return nil
}

// AssertConnectionCanMutateSession implements spec §4.3's mutation
// guard: the connection must be the controller, or no controller
// claimed.
func (r *Registry) AssertConnectionCanMutateSession(sessionID, connectionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return ctlerr.NotFound("session")
	}
	if s.Controller != nil && s.Controller.ConnectionID != connectionID {
		return ctlerr.Precondition("connection is not the session controller")
	}
	return nil
}

// Attach implements the fan-out rule: any prior attachment for the
// same (session, connection) is detached first.
func (r *Registry) Attach(sessionID, connectionID string, handlers Handlers, sinceCursor int64) (string, error) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return "", ctlerr.NotFound("session")
	}
	if s.Live == nil {
		return "", ctlerr.Precondition("session has no live handle to attach to")
	}

	r.mu.Lock()
	if prior, exists := s.attachments[connectionID]; exists {
		s.Live.Detach(prior)
		delete(s.attachments, connectionID)
	}
	r.mu.Unlock()

	attachmentID := s.Live.Attach(handlers, sinceCursor)

	r.mu.Lock()
	s.attachments[connectionID] = attachmentID
	r.mu.Unlock()
	return attachmentID, nil
}

func (r *Registry) Detach(sessionID, connectionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return ctlerr.NotFound("session")
	}
	attachmentID, exists := s.attachments[connectionID]
	if !exists {
		return nil
	}
	if s.Live != nil {
		s.Live.Detach(attachmentID)
	}
	delete(s.attachments, connectionID)
	return nil
}

// DetachConnection removes all attachments/subscriptions for a closed
// connection (spec §5 cancellation).
func (r *Registry) DetachConnection(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if attachmentID, ok := s.attachments[connectionID]; ok {
			if s.Live != nil {
				s.Live.Detach(attachmentID)
			}
			delete(s.attachments, connectionID)
		}
		delete(s.subscribers, connectionID)
		if s.Controller != nil && s.Controller.ConnectionID == connectionID {
			s.Controller = nil
		}
	}
}

// NoteOutput records a data chunk's cursor if it advances the session's
// last-observed cursor, returning whether it should also be journaled
// (spec §4.3: duplicate cursor <= lastObserved is not re-journaled).
func (r *Registry) NoteOutput(sessionID string, cursor int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	if cursor > s.lastObservedOutputCursor {
		s.lastObservedOutputCursor = cursor
		return true
	}
	return false
}

// SetStatus updates a session's in-memory status (spec §4.3's
// respond/interrupt/exit transitions). No-op if the session is gone.
func (r *Registry) SetStatus(sessionID string, status model.ConversationStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		s.Status = status
	}
}

func (r *Registry) SetSnapshot(sessionID string, rec SnapshotRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		s.lastSnapshot = &rec
	}
}

// ErrNoLiveHandle reports that a session exists (or was requested) but
// has no running PTY process to operate on.
func ErrNoLiveHandle(sessionID string) error {
	return ctlerr.Precondition("session " + sessionID + " has no live handle")
}

// Snapshot returns the cached snapshot marked stale if the session is
// no longer live (spec §4.3).
func (r *Registry) Snapshot(sessionID string) (*SnapshotRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, ctlerr.NotFound("session")
	}
	if s.lastSnapshot == nil {
		return nil, fmt.Errorf("no snapshot recorded for session %s", sessionID)
	}
	rec := *s.lastSnapshot
	rec.Stale = s.Live == nil
	return &rec, nil
}
