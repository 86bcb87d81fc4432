package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/agentsh/controlplane/internal/ctlerr"
	"github.com/agentsh/controlplane/internal/model"
)

const conversationColumns = `id, directory_id, tenant_id, user_id, workspace_id, title, agent_kind,
	created_at, archived_at, runtime_status, runtime_live, attention_reason,
	process_id, last_event_at, last_exit_code, last_exit_signal, adapter_state`

func scanConversation(row interface{ Scan(...any) error }) (*model.Conversation, error) {
	var c model.Conversation
	var createdAt string
	var archivedAt, lastEventAt, lastExitSignal sql.NullString
	var processID, lastExitCode sql.NullInt64
	var runtimeLive int
	var adapterStateJSON string

	err := row.Scan(&c.ID, &c.DirectoryID, &c.Scope.TenantID, &c.Scope.UserID, &c.Scope.WorkspaceID,
		&c.Title, &c.AgentKind, &createdAt, &archivedAt, &c.Runtime.Status, &runtimeLive,
		&c.Runtime.AttentionReason, &processID, &lastEventAt, &lastExitCode, &lastExitSignal,
		&adapterStateJSON)
	if err != nil {
		return nil, err
	}

	t, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse conversation created_at: %w", err)
	}
	c.CreatedAt = t
	c.ArchivedAt = ptrTimeFromNullString(archivedAt)
	c.Runtime.Live = runtimeLive != 0
	c.Runtime.ProcessID = ptrIntFromNullInt64(processID)
	c.Runtime.LastEventAt = ptrTimeFromNullString(lastEventAt)
	if lastExitCode.Valid || lastExitSignal.Valid {
		c.Runtime.LastExit = &model.ExitInfo{
			Code:   ptrIntFromNullInt64(lastExitCode),
			Signal: ptrFromNullString(lastExitSignal),
		}
	}
	c.AdapterState = degradeToObject(adapterStateJSON)
	return &c, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+conversationColumns+" FROM conversations WHERE id=?", id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

func (s *Store) ListConversations(ctx context.Context, scope model.Scope, directoryID string, includeArchived bool) ([]*model.Conversation, error) {
	query := "SELECT " + conversationColumns + " FROM conversations WHERE tenant_id=? AND user_id=? AND workspace_id=?"
	args := []any{scope.TenantID, scope.UserID, scope.WorkspaceID}
	if directoryID != "" {
		query += " AND directory_id=?"
		args = append(args, directoryID)
	}
	if !includeArchived {
		query += " AND archived_at IS NULL"
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []*model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateConversation requires a non-archived directory and a globally
// unique id (spec §3).
func (s *Store) CreateConversation(ctx context.Context, c *model.Conversation) (*model.Conversation, error) {
	var result *model.Conversation
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		dir, err := getDirectoryTx(ctx, tx, c.DirectoryID)
		if err != nil {
			return err
		}
		if dir == nil {
			return ctlerr.NotFound("directory")
		}
		if dir.Archived() {
			return ctlerr.Precondition("cannot create conversation under archived directory")
		}
		if !dir.Scope.Equal(c.Scope) {
			return ctlerr.ScopeMismatch("conversation")
		}

		existing, err := getConversationTx(ctx, tx, c.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return ctlerr.Conflict("conversation already exists")
		}

		adapterStateJSON, err := json.Marshal(nonNilMap(c.AdapterState))
		if err != nil {
			return fmt.Errorf("marshal adapter state: %w", err)
		}
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = now()
		}
		status := c.Runtime.Status
		if status == "" {
			status = model.ConversationCompleted
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO conversations (id, directory_id, tenant_id, user_id, workspace_id, title, agent_kind,
				created_at, archived_at, runtime_status, runtime_live, attention_reason,
				process_id, last_event_at, last_exit_code, last_exit_signal, adapter_state)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.DirectoryID, c.Scope.TenantID, c.Scope.UserID, c.Scope.WorkspaceID, c.Title, c.AgentKind,
			createdAt.Format(time3339), status, boolToInt(c.Runtime.Live), c.Runtime.AttentionReason,
			toNullInt64(c.Runtime.ProcessID), toNullTime(c.Runtime.LastEventAt),
			exitCode(c.Runtime.LastExit), exitSignal(c.Runtime.LastExit), string(adapterStateJSON))
		if err != nil {
			return fmt.Errorf("create conversation: %w", err)
		}

		result, err = getConversationTx(ctx, tx, c.ID)
		if err != nil {
			return err
		}
		if result == nil {
			return missingAfter("conversation", "create")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) UpdateConversationTitle(ctx context.Context, id, title string) (*model.Conversation, error) {
	var result *model.Conversation
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := getConversationTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return ctlerr.NotFound("conversation")
		}
		if _, err := tx.ExecContext(ctx, "UPDATE conversations SET title=? WHERE id=?", title, id); err != nil {
			return fmt.Errorf("update conversation title: %w", err)
		}
		result, err = getConversationTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if result == nil {
			return missingAfter("conversation", "update")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateConversationRuntime persists the runtime projection, used by
// the dispatcher's session status bridge.
func (s *Store) UpdateConversationRuntime(ctx context.Context, id string, rt model.RuntimeProjection) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := getConversationTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return ctlerr.NotFound("conversation")
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE conversations SET runtime_status=?, runtime_live=?, attention_reason=?,
				process_id=?, last_event_at=?, last_exit_code=?, last_exit_signal=? WHERE id=?`,
			rt.Status, boolToInt(rt.Live), rt.AttentionReason, toNullInt64(rt.ProcessID),
			toNullTime(rt.LastEventAt), exitCode(rt.LastExit), exitSignal(rt.LastExit), id)
		if err != nil {
			return fmt.Errorf("update conversation runtime: %w", err)
		}
		return nil
	})
}

func (s *Store) ArchiveConversation(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := getConversationTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return ctlerr.NotFound("conversation")
		}
		_, err = tx.ExecContext(ctx, "UPDATE conversations SET archived_at=? WHERE id=?", now().Format(time3339), id)
		if err != nil {
			return fmt.Errorf("archive conversation: %w", err)
		}
		return nil
	})
}

// DeleteConversation removes the durable record; destroying any
// in-memory session of the same id is the dispatcher's responsibility
// (spec §3 "Deleting a conversation also destroys any in-memory
// session").
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := getConversationTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return ctlerr.NotFound("conversation")
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM conversations WHERE id=?", id); err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
		return nil
	})
}

func getConversationTx(ctx context.Context, tx *sql.Tx, id string) (*model.Conversation, error) {
	row := tx.QueryRowContext(ctx, "SELECT "+conversationColumns+" FROM conversations WHERE id=?", id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func exitCode(e *model.ExitInfo) sql.NullInt64 {
	if e == nil {
		return sql.NullInt64{}
	}
	return toNullInt64(e.Code)
}

func exitSignal(e *model.ExitInfo) sql.NullString {
	if e == nil {
		return sql.NullString{}
	}
	return nullStringPtr(e.Signal)
}
