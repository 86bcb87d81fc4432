package journal

import (
	"testing"

	"github.com/agentsh/controlplane/internal/model"
)

func scopedEvent(kind string, scope model.Scope) model.ObservedEvent {
	return model.ObservedEvent{Kind: kind, Scope: scope}
}

func TestCursorStrictlyIncreasing(t *testing.T) {
	j := New(0)
	scope := model.Scope{TenantID: "t"}
	var last int64
	for i := 0; i < 5; i++ {
		e := j.Publish(scopedEvent("task-updated", scope))
		if e.Cursor <= last {
			t.Fatalf("cursor did not increase: %d <= %d", e.Cursor, last)
		}
		last = e.Cursor
	}
}

// TestSubscriptionReplay implements scenario S6 from spec §8.
func TestSubscriptionReplay(t *testing.T) {
	j := New(0)
	scope := model.Scope{TenantID: "T"}

	// cursors 1..10, with session-output at 7 and 9.
	for i := 1; i <= 10; i++ {
		kind := "task-updated"
		if i == 7 || i == 9 {
			kind = "session-output"
		}
		j.Publish(scopedEvent(kind, scope))
	}

	sub := &Subscription{
		ID:           "sub1",
		ConnectionID: "conn1",
		Filter:       Filter{TenantID: "T", IncludeOutput: false},
		Deliver:      func(model.JournalEntry) {},
	}

	backlog, cursor := j.Subscribe(sub, 5)
	if cursor != 10 {
		t.Fatalf("cursor = %d, want 10", cursor)
	}
	var got []int64
	for _, e := range backlog {
		got = append(got, e.Cursor)
	}
	want := []int64{6, 8, 10}
	if len(got) != len(want) {
		t.Fatalf("backlog = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("backlog = %v, want %v", got, want)
		}
	}
}

func TestPublishDeliversToMatchingSubscribers(t *testing.T) {
	j := New(0)
	scope := model.Scope{TenantID: "T", UserID: "U", WorkspaceID: "W"}

	var delivered []model.JournalEntry
	sub := &Subscription{
		ID:           "s1",
		ConnectionID: "c1",
		Filter:       Filter{TenantID: "T", IncludeOutput: true},
		Deliver:      func(e model.JournalEntry) { delivered = append(delivered, e) },
	}
	j.Subscribe(sub, 0)

	j.Publish(scopedEvent("directory-archived", scope))
	j.Publish(scopedEvent("directory-archived", model.Scope{TenantID: "other"}))

	if len(delivered) != 1 {
		t.Fatalf("delivered = %d entries, want 1", len(delivered))
	}
}

func TestUnsubscribeConnectionRemovesAll(t *testing.T) {
	j := New(0)
	sub1 := &Subscription{ID: "a", ConnectionID: "conn", Filter: Filter{IncludeOutput: true}, Deliver: func(model.JournalEntry) {}}
	sub2 := &Subscription{ID: "b", ConnectionID: "conn", Filter: Filter{IncludeOutput: true}, Deliver: func(model.JournalEntry) {}}
	j.Subscribe(sub1, 0)
	j.Subscribe(sub2, 0)

	j.UnsubscribeConnection("conn")

	var delivered int
	j.Subscribe(&Subscription{ID: "c", ConnectionID: "conn2", Filter: Filter{IncludeOutput: true}, Deliver: func(model.JournalEntry) { delivered++ }}, 0)
	j.Publish(scopedEvent("task-updated", model.Scope{}))
	if delivered != 1 {
		t.Fatalf("expected only the fresh subscription to receive events, got %d deliveries", delivered)
	}
}

func TestRetentionTrimsOldestEntries(t *testing.T) {
	j := New(3)
	scope := model.Scope{TenantID: "T"}
	for i := 0; i < 5; i++ {
		j.Publish(scopedEvent("task-updated", scope))
	}
	sub := &Subscription{ID: "s", ConnectionID: "c", Filter: Filter{TenantID: "T", IncludeOutput: true}, Deliver: func(model.JournalEntry) {}}
	backlog, _ := j.Subscribe(sub, 0)
	if len(backlog) != 3 {
		t.Fatalf("backlog length = %d, want 3 (retention trimmed to last 3)", len(backlog))
	}
	if backlog[0].Cursor != 3 {
		t.Fatalf("oldest retained cursor = %d, want 3", backlog[0].Cursor)
	}
}
