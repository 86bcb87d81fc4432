// Package journal implements the append-only observed-event journal
// (spec §4.5): a monotone cursor, scope-filtered subscriptions, and
// replay-from-cursor.
package journal

import (
	"sync"

	"github.com/agentsh/controlplane/internal/model"
)

// Filter is the conjunctive AND filter over present fields, plus the
// includeOutput flag that excludes session-output events when false.
type Filter struct {
	TenantID      string
	UserID        string
	WorkspaceID   string
	RepositoryID  string
	TaskID        string
	DirectoryID   string
	ConversationID string
	IncludeOutput bool
}

// Matches implements matchesObservedFilter from spec §4.5: any filter
// field that is set must equal the corresponding field on the event (or
// its scope); unset filter fields are ignored.
func (f Filter) Matches(e model.ObservedEvent) bool {
	if !f.IncludeOutput && e.Kind == "session-output" {
		return false
	}
	if f.TenantID != "" && f.TenantID != e.Scope.TenantID {
		return false
	}
	if f.UserID != "" && f.UserID != e.Scope.UserID {
		return false
	}
	if f.WorkspaceID != "" && f.WorkspaceID != e.Scope.WorkspaceID {
		return false
	}
	if f.RepositoryID != "" {
		if e.RepositoryID == nil || *e.RepositoryID != f.RepositoryID {
			return false
		}
	}
	if f.TaskID != "" {
		if e.TaskID == nil || *e.TaskID != f.TaskID {
			return false
		}
	}
	if f.DirectoryID != "" {
		if e.DirectoryID == nil || *e.DirectoryID != f.DirectoryID {
			return false
		}
	}
	if f.ConversationID != "" {
		if e.ConversationID == nil || *e.ConversationID != f.ConversationID {
			return false
		}
	}
	return true
}

// Subscription holds one connection's live registration.
type Subscription struct {
	ID           string
	ConnectionID string
	Filter       Filter
	Deliver      func(entry model.JournalEntry)
}

// Journal is the in-process, actor-owned (single-mutex) ordered buffer
// of observed events. Retention bounds it to the most recent N entries
// per DESIGN.md's open-question-3 decision (0 = unbounded, matching the
// source's behavior).
type Journal struct {
	mu        sync.Mutex
	cursor    int64
	entries   []model.JournalEntry
	retention int

	subs map[string]*Subscription
}

func New(retention int) *Journal {
	return &Journal{
		retention: retention,
		subs:      make(map[string]*Subscription),
	}
}

// Publish appends an event, advances the cursor, and delivers it to
// every matching live subscription, preserving journal order.
func (j *Journal) Publish(e model.ObservedEvent) model.JournalEntry {
	j.mu.Lock()
	j.cursor++
	entry := model.JournalEntry{Cursor: j.cursor, Scope: e.Scope, Event: e}
	j.entries = append(j.entries, entry)
	if j.retention > 0 && len(j.entries) > j.retention {
		drop := len(j.entries) - j.retention
		j.entries = j.entries[drop:]
	}
	subs := make([]*Subscription, 0, len(j.subs))
	for _, s := range j.subs {
		subs = append(subs, s)
	}
	j.mu.Unlock()

	for _, s := range subs {
		if s.Filter.Matches(e) {
			s.Deliver(entry)
		}
	}
	return entry
}

// Cursor returns the current cursor value.
func (j *Journal) Cursor() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cursor
}

// Subscribe registers sub and returns the matching backlog with
// cursor > afterCursor, plus the cursor at registration time, under a
// single lock so no publish can be missed or duplicated between replay
// and live delivery (spec §9 "replay-then-subscribe with a handoff
// under the actor lock").
func (j *Journal) Subscribe(sub *Subscription, afterCursor int64) (backlog []model.JournalEntry, cursor int64) {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, entry := range j.entries {
		if entry.Cursor > afterCursor && sub.Filter.Matches(entry.Event) {
			backlog = append(backlog, entry)
		}
	}
	j.subs[sub.ID] = sub
	return backlog, j.cursor
}

func (j *Journal) Unsubscribe(subscriptionID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.subs, subscriptionID)
}

// UnsubscribeConnection removes all subscriptions owned by a
// connection, used on connection close (spec §5 cancellation).
func (j *Journal) UnsubscribeConnection(connectionID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for id, s := range j.subs {
		if s.ConnectionID == connectionID {
			delete(j.subs, id)
		}
	}
}
