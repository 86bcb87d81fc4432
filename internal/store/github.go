package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/agentsh/controlplane/internal/ctlerr"
	"github.com/agentsh/controlplane/internal/model"
)

const prColumns = `pr_record_id, tenant_id, user_id, workspace_id, repository_id, number, branch,
	base_branch, head_sha, title, url, state, ci_rollup, observed_at, closed_at`

func scanPR(row interface{ Scan(...any) error }) (*model.GitHubPullRequest, error) {
	var pr model.GitHubPullRequest
	var observedAt string
	var closedAt sql.NullString
	err := row.Scan(&pr.PRRecordID, &pr.Scope.TenantID, &pr.Scope.UserID, &pr.Scope.WorkspaceID,
		&pr.RepositoryID, &pr.Number, &pr.Branch, &pr.BaseBranch, &pr.HeadSHA, &pr.Title, &pr.URL,
		&pr.State, &pr.CIRollup, &observedAt, &closedAt)
	if err != nil {
		return nil, err
	}
	t, err := parseTime(observedAt)
	if err != nil {
		return nil, fmt.Errorf("parse pr observed_at: %w", err)
	}
	pr.ObservedAt = t
	pr.ClosedAt = ptrTimeFromNullString(closedAt)
	return &pr, nil
}

func (s *Store) GetPullRequestByRepoAndNumber(ctx context.Context, repositoryID string, number int) (*model.GitHubPullRequest, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+prColumns+" FROM github_pull_requests WHERE repository_id=? AND number=?", repositoryID, number)
	pr, err := scanPR(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pull request: %w", err)
	}
	return pr, nil
}

// GetOpenPullRequestForBranch finds an open PR record for
// (repositoryID, branch), used by the "check-then-create-then-fallback"
// path of spec §4.6/S4.
func (s *Store) GetOpenPullRequestForBranch(ctx context.Context, repositoryID, branch string) (*model.GitHubPullRequest, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+prColumns+" FROM github_pull_requests WHERE repository_id=? AND branch=? AND state='open' ORDER BY observed_at DESC LIMIT 1",
		repositoryID, branch)
	pr, err := scanPR(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get open pull request for branch: %w", err)
	}
	return pr, nil
}

func (s *Store) ListPullRequestsForRepository(ctx context.Context, repositoryID string) ([]*model.GitHubPullRequest, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+prColumns+" FROM github_pull_requests WHERE repository_id=? ORDER BY number DESC", repositoryID)
	if err != nil {
		return nil, fmt.Errorf("list pull requests: %w", err)
	}
	defer rows.Close()
	var out []*model.GitHubPullRequest
	for rows.Next() {
		pr, err := scanPR(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pull request: %w", err)
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

// UpsertGitHubPullRequest implements the unique-per-(repository,number)
// upsert from spec §3/§4.6.
func (s *Store) UpsertGitHubPullRequest(ctx context.Context, pr *model.GitHubPullRequest) (*model.GitHubPullRequest, error) {
	var result *model.GitHubPullRequest
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if pr.PRRecordID == "" {
			pr.PRRecordID = fmt.Sprintf("pr-%s-%d", pr.RepositoryID, pr.Number)
		}
		observedAt := pr.ObservedAt
		if observedAt.IsZero() {
			observedAt = now()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO github_pull_requests (pr_record_id, tenant_id, user_id, workspace_id, repository_id,
				number, branch, base_branch, head_sha, title, url, state, ci_rollup, observed_at, closed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(repository_id, number) DO UPDATE SET
				branch=excluded.branch, base_branch=excluded.base_branch, head_sha=excluded.head_sha,
				title=excluded.title, url=excluded.url, state=excluded.state, ci_rollup=excluded.ci_rollup,
				observed_at=excluded.observed_at, closed_at=excluded.closed_at`,
			pr.PRRecordID, pr.Scope.TenantID, pr.Scope.UserID, pr.Scope.WorkspaceID, pr.RepositoryID,
			pr.Number, pr.Branch, pr.BaseBranch, pr.HeadSHA, pr.Title, pr.URL, pr.State, pr.CIRollup,
			observedAt.Format(time3339), toNullTime(pr.ClosedAt))
		if err != nil {
			return fmt.Errorf("upsert pull request: %w", err)
		}
		row := tx.QueryRowContext(ctx, "SELECT "+prColumns+" FROM github_pull_requests WHERE repository_id=? AND number=?", pr.RepositoryID, pr.Number)
		result, err = scanPR(row)
		if err != nil {
			return missingAfter("github_pull_request", "upsert")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CloseGitHubPullRequest(ctx context.Context, prRecordID string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "UPDATE github_pull_requests SET state='closed', closed_at=? WHERE pr_record_id=?",
			now().Format(time3339), prRecordID)
		if err != nil {
			return fmt.Errorf("close pull request: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ctlerr.NotFound("github pull request")
		}
		return nil
	})
}

func (s *Store) UpdatePullRequestCIRollup(ctx context.Context, prRecordID string, rollup model.CIRollup) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "UPDATE github_pull_requests SET ci_rollup=? WHERE pr_record_id=?", rollup, prRecordID)
		if err != nil {
			return fmt.Errorf("update pr ci rollup: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ctlerr.NotFound("github pull request")
		}
		return nil
	})
}

// ReplaceGitHubPrJobs replaces the job set wholesale per PR per sync
// (spec §3/§4.6).
func (s *Store) ReplaceGitHubPrJobs(ctx context.Context, prRecordID string, jobs []model.GitHubPrJob) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM github_pr_jobs WHERE pr_record_id=?", prRecordID); err != nil {
			return fmt.Errorf("clear pr jobs: %w", err)
		}
		for _, j := range jobs {
			id := j.ID
			if id == "" {
				id = fmt.Sprintf("job-%s-%s-%s", prRecordID, j.Provider, j.ExternalID)
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO github_pr_jobs (id, pr_record_id, provider, external_id, name, status, conclusion, url)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				id, prRecordID, j.Provider, j.ExternalID, j.Name, j.Status, j.Conclusion, j.URL)
			if err != nil {
				return fmt.Errorf("insert pr job: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) ListGitHubPrJobs(ctx context.Context, prRecordID string) ([]model.GitHubPrJob, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, pr_record_id, provider, external_id, name, status, conclusion, url FROM github_pr_jobs WHERE pr_record_id=?", prRecordID)
	if err != nil {
		return nil, fmt.Errorf("list pr jobs: %w", err)
	}
	defer rows.Close()
	var out []model.GitHubPrJob
	for rows.Next() {
		var j model.GitHubPrJob
		if err := rows.Scan(&j.ID, &j.PRRecordID, &j.Provider, &j.ExternalID, &j.Name, &j.Status, &j.Conclusion, &j.URL); err != nil {
			return nil, fmt.Errorf("scan pr job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// UpsertGitHubSyncState records lastSyncAt always, and either
// lastSuccessAt on success or lastError/lastErrorAt on failure,
// matching spec §4.6 step 4.
func (s *Store) UpsertGitHubSyncState(ctx context.Context, st model.GitHubSyncState) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		dirID := ""
		if st.DirectoryID != nil {
			dirID = *st.DirectoryID
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO github_sync_state (repository_id, directory_id, branch, last_sync_at, last_success_at, last_error, last_error_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(repository_id, directory_id, branch) DO UPDATE SET
				last_sync_at=excluded.last_sync_at,
				last_success_at=COALESCE(excluded.last_success_at, github_sync_state.last_success_at),
				last_error=excluded.last_error, last_error_at=excluded.last_error_at`,
			st.RepositoryID, dirID, st.Branch, toNullTime(st.LastSyncAt), toNullTime(st.LastSuccessAt),
			nullStringPtr(st.LastError), toNullTime(st.LastErrorAt))
		if err != nil {
			return fmt.Errorf("upsert github sync state: %w", err)
		}
		return nil
	})
}

func (s *Store) GetGitHubSyncState(ctx context.Context, repositoryID string, directoryID *string, branch string) (*model.GitHubSyncState, error) {
	dirID := ""
	if directoryID != nil {
		dirID = *directoryID
	}
	row := s.db.QueryRowContext(ctx,
		"SELECT repository_id, directory_id, branch, last_sync_at, last_success_at, last_error, last_error_at FROM github_sync_state WHERE repository_id=? AND directory_id=? AND branch=?",
		repositoryID, dirID, branch)
	var st model.GitHubSyncState
	var dir, lastSync, lastSuccess, lastErr, lastErrAt sql.NullString
	err := row.Scan(&st.RepositoryID, &dir, &st.Branch, &lastSync, &lastSuccess, &lastErr, &lastErrAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get github sync state: %w", err)
	}
	st.DirectoryID = ptrFromNullString(dir)
	st.LastSyncAt = ptrTimeFromNullString(lastSync)
	st.LastSuccessAt = ptrTimeFromNullString(lastSuccess)
	st.LastError = ptrFromNullString(lastErr)
	st.LastErrorAt = ptrTimeFromNullString(lastErrAt)
	return &st, nil
}
