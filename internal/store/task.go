package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/agentsh/controlplane/internal/ctlerr"
	"github.com/agentsh/controlplane/internal/model"
)

const taskColumns = `id, tenant_id, user_id, workspace_id, repository_id, project_id, scope_kind,
	title, body, status, order_index, claimed_by_controller_id, claimed_by_directory_id,
	branch_name, base_branch, claimed_at, completed_at, linear_json`

func scanTask(row interface{ Scan(...any) error }) (*model.Task, error) {
	var t model.Task
	var repositoryID, projectID, scopeKind sql.NullString
	var controllerID, claimDirID, branch, baseBranch, claimedAt, completedAt, linearJSON sql.NullString

	err := row.Scan(&t.ID, &t.Scope.TenantID, &t.Scope.UserID, &t.Scope.WorkspaceID,
		&repositoryID, &projectID, &scopeKind, &t.Title, &t.Body, &t.Status, &t.OrderIndex,
		&controllerID, &claimDirID, &branch, &baseBranch, &claimedAt, &completedAt, &linearJSON)
	if err != nil {
		return nil, err
	}

	t.RepositoryID = ptrFromNullString(repositoryID)
	t.ProjectID = ptrFromNullString(projectID)

	// Legacy acceptance (spec §4.1): missing/invalid scope_kind is recomputed.
	sk := model.TaskScopeKind(scopeKind.String)
	if sk != model.ScopeKindGlobal && sk != model.ScopeKindRepository && sk != model.ScopeKindProject {
		sk = model.DeriveScopeKind(t.ProjectID, t.RepositoryID)
	}
	t.ScopeKind = sk

	// Legacy acceptance: status='queued' reads as 'ready'.
	if t.Status == "queued" {
		t.Status = model.TaskReady
	}
	switch t.Status {
	case model.TaskDraft, model.TaskReady, model.TaskInProgress, model.TaskCompleted:
	default:
		return nil, fmt.Errorf("expected task status enum value, got %q", t.Status)
	}

	t.Claim = model.TaskClaim{
		ControllerID: ptrFromNullString(controllerID),
		DirectoryID:  ptrFromNullString(claimDirID),
		BranchName:   ptrFromNullString(branch),
		BaseBranch:   ptrFromNullString(baseBranch),
	}
	t.Claim.ClaimedAt = ptrTimeFromNullString(claimedAt)
	t.CompletedAt = ptrTimeFromNullString(completedAt)
	t.Linear = decodeLinear(linearJSON)
	return &t, nil
}

func decodeLinear(n sql.NullString) *model.LinearMetadata {
	if !n.Valid || n.String == "" {
		return nil
	}
	var lm model.LinearMetadata
	if err := json.Unmarshal([]byte(n.String), &lm); err != nil {
		return &model.LinearMetadata{}
	}
	return &lm
}

func encodeLinear(lm *model.LinearMetadata) sql.NullString {
	if lm == nil {
		return sql.NullString{}
	}
	b, err := json.Marshal(lm)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func (s *Store) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id=?", id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// TaskFilter narrows ListTasks; zero-value fields are ignored.
type TaskFilter struct {
	Status       model.TaskStatus
	RepositoryID string
	ProjectID    string
	ScopeKind    model.TaskScopeKind
}

func (s *Store) ListTasks(ctx context.Context, scope model.Scope, f TaskFilter) ([]*model.Task, error) {
	query := "SELECT " + taskColumns + " FROM tasks WHERE tenant_id=? AND user_id=? AND workspace_id=?"
	args := []any{scope.TenantID, scope.UserID, scope.WorkspaceID}
	if f.Status != "" {
		query += " AND status=?"
		args = append(args, f.Status)
	}
	if f.RepositoryID != "" {
		query += " AND repository_id=?"
		args = append(args, f.RepositoryID)
	}
	if f.ProjectID != "" {
		query += " AND project_id=?"
		args = append(args, f.ProjectID)
	}
	if f.ScopeKind != "" {
		query += " AND scope_kind=?"
		args = append(args, f.ScopeKind)
	}
	query += " ORDER BY order_index ASC, rowid ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) nextTaskOrderIndex(ctx context.Context, tx *sql.Tx, scope model.Scope) (int, error) {
	var max sql.NullInt64
	err := tx.QueryRowContext(ctx, "SELECT MAX(order_index) FROM tasks WHERE tenant_id=? AND user_id=? AND workspace_id=?",
		scope.TenantID, scope.UserID, scope.WorkspaceID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("compute next order index: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return int(max.Int64) + 1, nil
}

// CreateTask validates scope cross-references and derives scopeKind
// (spec §3/§4.1).
func (s *Store) CreateTask(ctx context.Context, t *model.Task) (*model.Task, error) {
	var result *model.Task
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if t.RepositoryID == nil && t.ProjectID == nil {
			return ctlerr.Precondition("task scope required: repositoryId or projectId")
		}
		if t.ProjectID != nil && *t.ProjectID != "" {
			dir, err := getDirectoryTx(ctx, tx, *t.ProjectID)
			if err != nil {
				return err
			}
			if dir == nil {
				return ctlerr.NotFound("directory")
			}
			if dir.Archived() {
				return ctlerr.Precondition("project must be active")
			}
			if !dir.Scope.Equal(t.Scope) {
				return ctlerr.ScopeMismatch("task")
			}
		}
		if t.RepositoryID != nil && *t.RepositoryID != "" {
			repo, err := getRepositoryTx(ctx, tx, *t.RepositoryID)
			if err != nil {
				return err
			}
			if repo == nil {
				return ctlerr.NotFound("repository")
			}
			if repo.Archived() {
				return ctlerr.Precondition("repository must be active")
			}
			if !repo.Scope.Equal(t.Scope) {
				return ctlerr.ScopeMismatch("task")
			}
		}

		existing, err := getTaskTx(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return ctlerr.Conflict("task already exists")
		}

		t.ScopeKind = model.DeriveScopeKind(t.ProjectID, t.RepositoryID)
		if t.Status == "" {
			t.Status = model.TaskDraft
		}
		orderIndex, err := s.nextTaskOrderIndex(ctx, tx, t.Scope)
		if err != nil {
			return err
		}
		t.OrderIndex = orderIndex

		_, err = tx.ExecContext(ctx, `
			INSERT INTO tasks (id, tenant_id, user_id, workspace_id, repository_id, project_id, scope_kind,
				title, body, status, order_index, claimed_by_controller_id, claimed_by_directory_id,
				branch_name, base_branch, claimed_at, completed_at, linear_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, NULL, NULL, NULL, NULL, ?)`,
			t.ID, t.Scope.TenantID, t.Scope.UserID, t.Scope.WorkspaceID,
			nullStringPtr(t.RepositoryID), nullStringPtr(t.ProjectID), t.ScopeKind,
			t.Title, t.Body, t.Status, t.OrderIndex, encodeLinear(t.Linear))
		if err != nil {
			return fmt.Errorf("create task: %w", err)
		}

		result, err = getTaskTx(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		if result == nil {
			return missingAfter("task", "create")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) UpdateTask(ctx context.Context, t *model.Task) (*model.Task, error) {
	var result *model.Task
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := getTaskTx(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		if existing == nil {
			return ctlerr.NotFound("task")
		}
		if !existing.Scope.Equal(t.Scope) {
			return ctlerr.ScopeMismatch("task")
		}
		_, err = tx.ExecContext(ctx, "UPDATE tasks SET title=?, body=?, linear_json=? WHERE id=?",
			t.Title, t.Body, encodeLinear(t.Linear), t.ID)
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		result, err = getTaskTx(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		if result == nil {
			return missingAfter("task", "update")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := getTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return ctlerr.NotFound("task")
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM tasks WHERE id=?", id); err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		return nil
	})
}

// setTaskStatus implements the draft()/ready() transitions of spec
// §4.1's state machine, clearing claim fields.
func (s *Store) setTaskStatus(ctx context.Context, id string, status model.TaskStatus) (*model.Task, error) {
	var result *model.Task
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := getTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return ctlerr.NotFound("task")
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET status=?, claimed_by_controller_id=NULL, claimed_by_directory_id=NULL,
				branch_name=NULL, base_branch=NULL, claimed_at=NULL, completed_at=NULL WHERE id=?`,
			status, id)
		if err != nil {
			return fmt.Errorf("set task status: %w", err)
		}
		result, err = getTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if result == nil {
			return missingAfter("task", "status-transition")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ReadyTask(ctx context.Context, id string) (*model.Task, error) {
	return s.setTaskStatus(ctx, id, model.TaskReady)
}

func (s *Store) DraftTask(ctx context.Context, id string) (*model.Task, error) {
	return s.setTaskStatus(ctx, id, model.TaskDraft)
}

// ClaimTaskParams is the input to ClaimTask (spec §4.1/§4.4).
type ClaimTaskParams struct {
	TaskID       string
	ControllerID string
	DirectoryID  *string
	BranchName   *string
	BaseBranch   *string
}

// ClaimTask implements the claim transition and its preconditions:
// status must be ready, or already in-progress for the same
// controller (idempotent re-claim); draft/completed are rejected;
// a supplied directory must be active and scope-matched.
func (s *Store) ClaimTask(ctx context.Context, p ClaimTaskParams) (*model.Task, error) {
	var result *model.Task
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := getTaskTx(ctx, tx, p.TaskID)
		if err != nil {
			return err
		}
		if existing == nil {
			return ctlerr.NotFound("task")
		}

		switch existing.Status {
		case model.TaskDraft:
			return ctlerr.Precondition("cannot claim draft task")
		case model.TaskCompleted:
			return ctlerr.Precondition("cannot claim completed task")
		case model.TaskInProgress:
			if existing.Claim.ControllerID == nil || *existing.Claim.ControllerID != p.ControllerID {
				return ctlerr.Conflictf("task already claimed: %s", p.TaskID)
			}
			// idempotent re-claim by the same controller falls through.
		case model.TaskReady:
			// normal claim path.
		default:
			return fmt.Errorf("expected task status enum value, got %q", existing.Status)
		}

		if p.DirectoryID != nil && *p.DirectoryID != "" {
			dir, err := getDirectoryTx(ctx, tx, *p.DirectoryID)
			if err != nil {
				return err
			}
			if dir == nil {
				return ctlerr.NotFound("directory")
			}
			if dir.Archived() {
				return ctlerr.Precondition("claim directory must be active")
			}
			if !dir.Scope.Equal(existing.Scope) {
				return ctlerr.ScopeMismatch("task")
			}
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET status=?, claimed_by_controller_id=?, claimed_by_directory_id=?,
				branch_name=?, base_branch=?, claimed_at=?, completed_at=NULL WHERE id=?`,
			model.TaskInProgress, p.ControllerID, nullStringPtr(p.DirectoryID),
			nullStringPtr(p.BranchName), nullStringPtr(p.BaseBranch), now().Format(time3339), p.TaskID)
		if err != nil {
			return fmt.Errorf("claim task: %w", err)
		}

		result, err = getTaskTx(ctx, tx, p.TaskID)
		if err != nil {
			return err
		}
		if result == nil {
			return missingAfter("task", "claim")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CompleteTask implements the complete() transition; reachable from
// in-progress or ready per the state diagram in spec §4.1.
func (s *Store) CompleteTask(ctx context.Context, id string) (*model.Task, error) {
	var result *model.Task
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := getTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return ctlerr.NotFound("task")
		}
		_, err = tx.ExecContext(ctx, "UPDATE tasks SET status=?, completed_at=? WHERE id=?",
			model.TaskCompleted, now().Format(time3339), id)
		if err != nil {
			return fmt.Errorf("complete task: %w", err)
		}
		result, err = getTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if result == nil {
			return missingAfter("task", "complete")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ReorderTasks implements spec §4.1/§8 invariant 7 and scenario S5:
// trims blanks, rejects duplicates or out-of-scope ids, assigns
// orderIndex = position for the listed ids, then appends the remaining
// tasks (by their prior relative order).
func (s *Store) ReorderTasks(ctx context.Context, scope model.Scope, orderedTaskIDs []string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var trimmed []string
		seen := make(map[string]bool)
		for _, id := range orderedTaskIDs {
			if id == "" {
				continue
			}
			if seen[id] {
				return ctlerr.Validation("orderedTaskIds contains duplicate ids")
			}
			seen[id] = true
			trimmed = append(trimmed, id)
		}

		all, err := listTasksByScopeTx(ctx, tx, scope)
		if err != nil {
			return err
		}
		inScope := make(map[string]bool, len(all))
		for _, t := range all {
			inScope[t.ID] = true
		}
		for _, id := range trimmed {
			if !inScope[id] {
				return ctlerr.Validationf("orderedTaskIds contains id not in scope: %s", id)
			}
		}

		position := 0
		for _, id := range trimmed {
			if _, err := tx.ExecContext(ctx, "UPDATE tasks SET order_index=? WHERE id=?", position, id); err != nil {
				return fmt.Errorf("reorder task: %w", err)
			}
			position++
		}
		for _, t := range all {
			if seen[t.ID] {
				continue
			}
			if _, err := tx.ExecContext(ctx, "UPDATE tasks SET order_index=? WHERE id=?", position, t.ID); err != nil {
				return fmt.Errorf("reorder remaining task: %w", err)
			}
			position++
		}
		return nil
	})
}

func listTasksByScopeTx(ctx context.Context, tx *sql.Tx, scope model.Scope) ([]*model.Task, error) {
	rows, err := tx.QueryContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE tenant_id=? AND user_id=? AND workspace_id=? ORDER BY order_index ASC, rowid ASC",
		scope.TenantID, scope.UserID, scope.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("list tasks for reorder: %w", err)
	}
	defer rows.Close()
	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func getTaskTx(ctx context.Context, tx *sql.Tx, id string) (*model.Task, error) {
	row := tx.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id=?", id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}
