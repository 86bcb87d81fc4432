package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/agentsh/controlplane/internal/model"
)

// GetAutomationPolicy returns the raw row for a single (scope, level,
// id), if present.
func (s *Store) GetAutomationPolicy(ctx context.Context, scope model.Scope, level model.AutomationScopeLevel, scopeID string) (*model.AutomationPolicy, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, user_id, workspace_id, scope_level, scope_id, automation_enabled, frozen
		FROM automation_policies WHERE tenant_id=? AND user_id=? AND workspace_id=? AND scope_level=? AND scope_id=?`,
		scope.TenantID, scope.UserID, scope.WorkspaceID, level, scopeID)
	p, err := scanAutomationPolicy(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get automation policy: %w", err)
	}
	return p, nil
}

func scanAutomationPolicy(row interface{ Scan(...any) error }) (*model.AutomationPolicy, error) {
	var p model.AutomationPolicy
	var enabled, frozen int
	if err := row.Scan(&p.ID, &p.Scope.TenantID, &p.Scope.UserID, &p.Scope.WorkspaceID, &p.ScopeLevel, &p.ScopeID, &enabled, &frozen); err != nil {
		return nil, err
	}
	p.AutomationEnabled = enabled != 0
	p.Frozen = frozen != 0
	return &p, nil
}

// EffectivePolicy implements the "first non-null of project →
// repository → global → default" resolution from spec §3.
func (s *Store) EffectivePolicy(ctx context.Context, scope model.Scope, projectID, repositoryID *string) (model.AutomationPolicy, error) {
	if projectID != nil && *projectID != "" {
		if p, err := s.GetAutomationPolicy(ctx, scope, model.AutomationProject, *projectID); err != nil {
			return model.AutomationPolicy{}, err
		} else if p != nil {
			return *p, nil
		}
	}
	if repositoryID != nil && *repositoryID != "" {
		if p, err := s.GetAutomationPolicy(ctx, scope, model.AutomationRepository, *repositoryID); err != nil {
			return model.AutomationPolicy{}, err
		} else if p != nil {
			return *p, nil
		}
	}
	if p, err := s.GetAutomationPolicy(ctx, scope, model.AutomationGlobal, ""); err != nil {
		return model.AutomationPolicy{}, err
	} else if p != nil {
		return *p, nil
	}
	def := model.DefaultAutomationPolicy()
	def.Scope = scope
	def.ScopeLevel = model.AutomationGlobal
	def.ScopeID = ""
	return def, nil
}

func (s *Store) SetAutomationPolicy(ctx context.Context, p *model.AutomationPolicy) (*model.AutomationPolicy, error) {
	var result *model.AutomationPolicy
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if p.ID == "" {
			p.ID = fmt.Sprintf("automation-%s-%s-%s", p.Scope.WorkspaceID, p.ScopeLevel, p.ScopeID)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO automation_policies (id, tenant_id, user_id, workspace_id, scope_level, scope_id, automation_enabled, frozen)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(tenant_id, user_id, workspace_id, scope_level, scope_id) DO UPDATE SET
				automation_enabled=excluded.automation_enabled, frozen=excluded.frozen`,
			p.ID, p.Scope.TenantID, p.Scope.UserID, p.Scope.WorkspaceID, p.ScopeLevel, p.ScopeID,
			boolToInt(p.AutomationEnabled), boolToInt(p.Frozen))
		if err != nil {
			return fmt.Errorf("set automation policy: %w", err)
		}
		result, err = s.GetAutomationPolicy(ctx, p.Scope, p.ScopeLevel, p.ScopeID)
		if err != nil {
			return err
		}
		if result == nil {
			return missingAfter("automation_policy", "set")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
