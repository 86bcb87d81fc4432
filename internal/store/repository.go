package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/agentsh/controlplane/internal/ctlerr"
	"github.com/agentsh/controlplane/internal/model"
)

const repositoryColumns = "id, tenant_id, user_id, workspace_id, name, remote_url, default_branch, metadata, archived_at"

func scanRepository(row interface{ Scan(...any) error }) (*model.Repository, error) {
	var r model.Repository
	var metadataJSON string
	var archivedAt sql.NullString
	if err := row.Scan(&r.ID, &r.Scope.TenantID, &r.Scope.UserID, &r.Scope.WorkspaceID, &r.Name, &r.RemoteURL, &r.DefaultBranch, &metadataJSON, &archivedAt); err != nil {
		return nil, err
	}
	r.Metadata = degradeToObject(metadataJSON)
	r.ArchivedAt = ptrTimeFromNullString(archivedAt)
	return &r, nil
}

// degradeToObject implements spec §4.1's JSON normalization rule:
// malformed or non-object JSON degrades to {} rather than raising.
func degradeToObject(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

func (s *Store) GetRepository(ctx context.Context, id string) (*model.Repository, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+repositoryColumns+" FROM repositories WHERE id=?", id)
	r, err := scanRepository(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get repository: %w", err)
	}
	return r, nil
}

func (s *Store) ListRepositories(ctx context.Context, scope model.Scope, includeArchived bool) ([]*model.Repository, error) {
	query := "SELECT " + repositoryColumns + " FROM repositories WHERE tenant_id=? AND user_id=? AND workspace_id=?"
	if !includeArchived {
		query += " AND archived_at IS NULL"
	}
	query += " ORDER BY rowid ASC"
	rows, err := s.db.QueryContext(ctx, query, scope.TenantID, scope.UserID, scope.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	defer rows.Close()

	var out []*model.Repository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, fmt.Errorf("scan repository: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertRepository implements the "upsert restores archived-by-URL
// rows" rule from spec §3.
func (s *Store) UpsertRepository(ctx context.Context, r *model.Repository) (*model.Repository, error) {
	var result *model.Repository
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := getRepositoryTx(ctx, tx, r.ID)
		if err != nil {
			return err
		}
		if existing != nil && !existing.Scope.Equal(r.Scope) {
			return ctlerr.ScopeMismatch("repository")
		}

		// Restore an archived row matching this URL, if present and distinct from r.ID.
		var archivedID string
		err = tx.QueryRowContext(ctx,
			"SELECT id FROM repositories WHERE tenant_id=? AND user_id=? AND workspace_id=? AND remote_url=? AND archived_at IS NOT NULL",
			r.Scope.TenantID, r.Scope.UserID, r.Scope.WorkspaceID, r.RemoteURL).Scan(&archivedID)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("check archived repository: %w", err)
		}
		targetID := r.ID
		if archivedID != "" && existing == nil {
			targetID = archivedID
		}

		var conflict string
		err = tx.QueryRowContext(ctx,
			"SELECT id FROM repositories WHERE tenant_id=? AND user_id=? AND workspace_id=? AND remote_url=? AND archived_at IS NULL AND id != ?",
			r.Scope.TenantID, r.Scope.UserID, r.Scope.WorkspaceID, r.RemoteURL, targetID).Scan(&conflict)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("check repository url uniqueness: %w", err)
		}
		if conflict != "" {
			return ctlerr.Conflict("repository already exists at remote url")
		}

		metadataJSON, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("marshal repository metadata: %w", err)
		}
		branch := r.DefaultBranch
		if branch == "" {
			branch = "main"
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO repositories (id, tenant_id, user_id, workspace_id, name, remote_url, default_branch, metadata, archived_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)
			ON CONFLICT(id) DO UPDATE SET
				name=excluded.name, remote_url=excluded.remote_url,
				default_branch=excluded.default_branch, metadata=excluded.metadata, archived_at=NULL`,
			targetID, r.Scope.TenantID, r.Scope.UserID, r.Scope.WorkspaceID, r.Name, r.RemoteURL, branch, string(metadataJSON))
		if err != nil {
			return fmt.Errorf("upsert repository: %w", err)
		}

		result, err = getRepositoryTx(ctx, tx, targetID)
		if err != nil {
			return err
		}
		if result == nil {
			return missingAfter("repository", "upsert")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) UpdateRepository(ctx context.Context, r *model.Repository) (*model.Repository, error) {
	var result *model.Repository
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := getRepositoryTx(ctx, tx, r.ID)
		if err != nil {
			return err
		}
		if existing == nil {
			return ctlerr.NotFound("repository")
		}
		if !existing.Scope.Equal(r.Scope) {
			return ctlerr.ScopeMismatch("repository")
		}
		metadataJSON, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("marshal repository metadata: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE repositories SET name=?, default_branch=?, metadata=? WHERE id=?",
			r.Name, r.DefaultBranch, string(metadataJSON), r.ID)
		if err != nil {
			return fmt.Errorf("update repository: %w", err)
		}
		result, err = getRepositoryTx(ctx, tx, r.ID)
		if err != nil {
			return err
		}
		if result == nil {
			return missingAfter("repository", "update")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ArchiveRepository(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := getRepositoryTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return ctlerr.NotFound("repository")
		}
		_, err = tx.ExecContext(ctx, "UPDATE repositories SET archived_at=? WHERE id=?", now().Format(time3339), id)
		if err != nil {
			return fmt.Errorf("archive repository: %w", err)
		}
		return nil
	})
}

func getRepositoryTx(ctx context.Context, tx *sql.Tx, id string) (*model.Repository, error) {
	row := tx.QueryRowContext(ctx, "SELECT "+repositoryColumns+" FROM repositories WHERE id=?", id)
	r, err := scanRepository(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get repository: %w", err)
	}
	return r, nil
}
