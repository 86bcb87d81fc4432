package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/agentsh/controlplane/internal/ctlerr"
	"github.com/agentsh/controlplane/internal/model"
)

func scanDirectory(row interface{ Scan(...any) error }) (*model.Directory, error) {
	var d model.Directory
	var createdAt string
	var archivedAt sql.NullString
	if err := row.Scan(&d.ID, &d.Scope.TenantID, &d.Scope.UserID, &d.Scope.WorkspaceID, &d.Path, &createdAt, &archivedAt); err != nil {
		return nil, err
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse directory created_at: %w", err)
	}
	d.CreatedAt = t
	d.ArchivedAt = ptrTimeFromNullString(archivedAt)
	return &d, nil
}

const directoryColumns = "id, tenant_id, user_id, workspace_id, path, created_at, archived_at"

// GetDirectory returns nil, nil when not found, matching the teacher's
// sql.ErrNoRows convention.
func (s *Store) GetDirectory(ctx context.Context, id string) (*model.Directory, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+directoryColumns+" FROM directories WHERE id = ?", id)
	d, err := scanDirectory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get directory: %w", err)
	}
	return d, nil
}

func (s *Store) ListDirectories(ctx context.Context, scope model.Scope, includeArchived bool) ([]*model.Directory, error) {
	query := "SELECT " + directoryColumns + " FROM directories WHERE tenant_id=? AND user_id=? AND workspace_id=?"
	if !includeArchived {
		query += " AND archived_at IS NULL"
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, scope.TenantID, scope.UserID, scope.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("list directories: %w", err)
	}
	defer rows.Close()

	var out []*model.Directory
	for rows.Next() {
		d, err := scanDirectory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan directory: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpsertDirectory implements spec §3/§4.1: unique (scope,path) among
// non-archived rows; upsert by id enforces scope stability.
func (s *Store) UpsertDirectory(ctx context.Context, d *model.Directory) (*model.Directory, error) {
	var result *model.Directory
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := getDirectoryTx(ctx, tx, d.ID)
		if err != nil {
			return err
		}
		if existing != nil && !existing.Scope.Equal(d.Scope) {
			return ctlerr.ScopeMismatch("directory")
		}

		var conflict string
		err = tx.QueryRowContext(ctx,
			"SELECT id FROM directories WHERE tenant_id=? AND user_id=? AND workspace_id=? AND path=? AND archived_at IS NULL AND id != ?",
			d.Scope.TenantID, d.Scope.UserID, d.Scope.WorkspaceID, d.Path, d.ID).Scan(&conflict)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("check directory path uniqueness: %w", err)
		}
		if conflict != "" {
			return ctlerr.Conflict("directory already exists at path")
		}

		createdAt := d.CreatedAt
		if existing != nil {
			createdAt = existing.CreatedAt
		}
		if createdAt.IsZero() {
			createdAt = now()
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO directories (id, tenant_id, user_id, workspace_id, path, created_at, archived_at)
			VALUES (?, ?, ?, ?, ?, ?, NULL)
			ON CONFLICT(id) DO UPDATE SET path=excluded.path`,
			d.ID, d.Scope.TenantID, d.Scope.UserID, d.Scope.WorkspaceID, d.Path, createdAt.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"))
		if err != nil {
			return fmt.Errorf("upsert directory: %w", err)
		}

		result, err = getDirectoryTx(ctx, tx, d.ID)
		if err != nil {
			return err
		}
		if result == nil {
			return missingAfter("directory", "upsert")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ArchiveDirectory(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := getDirectoryTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return ctlerr.NotFound("directory")
		}
		if _, err := tx.ExecContext(ctx, "UPDATE directories SET archived_at=? WHERE id=?", now().Format(time3339), id); err != nil {
			return fmt.Errorf("archive directory: %w", err)
		}
		return nil
	})
}

func getDirectoryTx(ctx context.Context, tx *sql.Tx, id string) (*model.Directory, error) {
	row := tx.QueryRowContext(ctx, "SELECT "+directoryColumns+" FROM directories WHERE id = ?", id)
	d, err := scanDirectory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get directory: %w", err)
	}
	return d, nil
}

const time3339 = "2006-01-02T15:04:05.999999999Z07:00"
