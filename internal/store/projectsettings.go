package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/agentsh/controlplane/internal/model"
)

// GetProjectSettings synthesizes a default row when absent, per spec
// §3/§4.2.
func (s *Store) GetProjectSettings(ctx context.Context, directoryID string) (*model.ProjectSettings, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT directory_id, pinned_branch, task_focus_mode, thread_spawn_mode FROM project_settings WHERE directory_id=?",
		directoryID)
	ps, err := scanProjectSettings(row)
	if err == sql.ErrNoRows {
		return model.DefaultProjectSettings(directoryID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project settings: %w", err)
	}
	return ps, nil
}

func scanProjectSettings(row interface{ Scan(...any) error }) (*model.ProjectSettings, error) {
	var ps model.ProjectSettings
	var pinned sql.NullString
	if err := row.Scan(&ps.DirectoryID, &pinned, &ps.TaskFocusMode, &ps.ThreadSpawnMode); err != nil {
		return nil, err
	}
	ps.PinnedBranch = ptrFromNullString(pinned)
	return &ps, nil
}

func (s *Store) UpdateProjectSettings(ctx context.Context, ps *model.ProjectSettings) (*model.ProjectSettings, error) {
	var result *model.ProjectSettings
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		dir, err := getDirectoryTx(ctx, tx, ps.DirectoryID)
		if err != nil {
			return err
		}
		if dir == nil {
			return fmt.Errorf("directory not found")
		}
		focusMode := ps.TaskFocusMode
		if focusMode == "" {
			focusMode = model.FocusBalanced
		}
		spawnMode := ps.ThreadSpawnMode
		if spawnMode == "" {
			spawnMode = model.SpawnNewThread
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO project_settings (directory_id, pinned_branch, task_focus_mode, thread_spawn_mode)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(directory_id) DO UPDATE SET
				pinned_branch=excluded.pinned_branch, task_focus_mode=excluded.task_focus_mode,
				thread_spawn_mode=excluded.thread_spawn_mode`,
			ps.DirectoryID, nullStringPtr(ps.PinnedBranch), focusMode, spawnMode)
		if err != nil {
			return fmt.Errorf("update project settings: %w", err)
		}
		row := tx.QueryRowContext(ctx,
			"SELECT directory_id, pinned_branch, task_focus_mode, thread_spawn_mode FROM project_settings WHERE directory_id=?",
			ps.DirectoryID)
		result, err = scanProjectSettings(row)
		if err != nil {
			return missingAfter("project_settings", "update")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
