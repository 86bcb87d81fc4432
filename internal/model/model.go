// Package model defines the domain records shared by the store,
// dispatcher, and scheduler: directories, conversations, repositories,
// tasks, project settings, automation policies, GitHub records, and the
// observed-event journal payloads.
package model

import "time"

// Scope is the multi-tenant partition key every record is keyed by.
type Scope struct {
	TenantID    string `json:"tenantId"`
	UserID      string `json:"userId"`
	WorkspaceID string `json:"workspaceId"`
}

func (s Scope) Equal(o Scope) bool {
	return s.TenantID == o.TenantID && s.UserID == o.UserID && s.WorkspaceID == o.WorkspaceID
}

type Directory struct {
	ID         string
	Scope      Scope
	Path       string
	CreatedAt  time.Time
	ArchivedAt *time.Time
}

func (d *Directory) Archived() bool { return d.ArchivedAt != nil }

type ConversationStatus string

const (
	ConversationRunning     ConversationStatus = "running"
	ConversationNeedsInput  ConversationStatus = "needs-input"
	ConversationCompleted   ConversationStatus = "completed"
	ConversationExited      ConversationStatus = "exited"
)

type ExitInfo struct {
	Code   *int
	Signal *string
}

type RuntimeProjection struct {
	Status         ConversationStatus
	Live           bool
	AttentionReason string
	ProcessID      *int
	LastEventAt    *time.Time
	LastExit       *ExitInfo
}

type Conversation struct {
	ID          string
	DirectoryID string
	Scope       Scope
	Title       string
	AgentKind   string // codex|claude|cursor|terminal|critique|...
	CreatedAt   time.Time
	ArchivedAt  *time.Time
	Runtime     RuntimeProjection
	AdapterState map[string]any
}

func (c *Conversation) Archived() bool { return c.ArchivedAt != nil }

type Repository struct {
	ID            string
	Scope         Scope
	Name          string
	RemoteURL     string
	DefaultBranch string
	Metadata      map[string]any
	ArchivedAt    *time.Time
}

func (r *Repository) Archived() bool { return r.ArchivedAt != nil }

type TaskStatus string

const (
	TaskDraft      TaskStatus = "draft"
	TaskReady      TaskStatus = "ready"
	TaskInProgress TaskStatus = "in-progress"
	TaskCompleted  TaskStatus = "completed"
)

type TaskScopeKind string

const (
	ScopeKindGlobal     TaskScopeKind = "global"
	ScopeKindRepository TaskScopeKind = "repository"
	ScopeKindProject    TaskScopeKind = "project"
)

type LinearMetadata struct {
	IssueID    string
	Identifier string
	Team       string
	Project    string
	State      string
	Assignee   string
	Priority   *int // 0..4
	Estimate   *float64
	DueDate    *string // YYYY-MM-DD
	LabelIDs   []string
}

type TaskClaim struct {
	ControllerID *string
	DirectoryID  *string
	BranchName   *string
	BaseBranch   *string
	ClaimedAt    *time.Time
}

type Task struct {
	ID           string
	Scope        Scope
	RepositoryID *string
	ProjectID    *string // directory id
	ScopeKind    TaskScopeKind
	Title        string
	Body         string
	Status       TaskStatus
	OrderIndex   int
	Claim        TaskClaim
	CompletedAt  *time.Time
	Linear       *LinearMetadata
}

// DeriveScopeKind implements spec §3/§8 invariant 3: project wins over
// repository.
func DeriveScopeKind(projectID, repositoryID *string) TaskScopeKind {
	if projectID != nil && *projectID != "" {
		return ScopeKindProject
	}
	if repositoryID != nil && *repositoryID != "" {
		return ScopeKindRepository
	}
	return ScopeKindGlobal
}

type TaskFocusMode string

const (
	FocusBalanced TaskFocusMode = "balanced"
	FocusOwnOnly  TaskFocusMode = "own-only"
)

type ThreadSpawnMode string

const (
	SpawnNewThread    ThreadSpawnMode = "new-thread"
	SpawnReuseThread  ThreadSpawnMode = "reuse-thread"
)

type ProjectSettings struct {
	DirectoryID     string
	PinnedBranch    *string
	TaskFocusMode   TaskFocusMode
	ThreadSpawnMode ThreadSpawnMode
}

func DefaultProjectSettings(directoryID string) *ProjectSettings {
	return &ProjectSettings{
		DirectoryID:     directoryID,
		TaskFocusMode:   FocusBalanced,
		ThreadSpawnMode: SpawnNewThread,
	}
}

type AutomationScopeLevel string

const (
	AutomationGlobal     AutomationScopeLevel = "global"
	AutomationRepository AutomationScopeLevel = "repository"
	AutomationProject    AutomationScopeLevel = "project"
)

type AutomationPolicy struct {
	ID               string
	Scope            Scope
	ScopeLevel       AutomationScopeLevel
	ScopeID          string
	AutomationEnabled bool
	Frozen           bool
}

func DefaultAutomationPolicy() AutomationPolicy {
	return AutomationPolicy{AutomationEnabled: true, Frozen: false}
}

type GitHubPullRequest struct {
	PRRecordID   string
	Scope        Scope
	RepositoryID string
	Number       int
	Branch       string
	BaseBranch   string
	HeadSHA      string
	Title        string
	URL          string
	State        string // open|closed|merged
	CIRollup     CIRollup
	ObservedAt   time.Time
	ClosedAt     *time.Time
}

type GitHubPrJob struct {
	ID         string
	PRRecordID string
	Provider   string // check-run | status
	ExternalID string
	Name       string
	Status     string
	Conclusion string
	URL        string
}

type GitHubSyncState struct {
	RepositoryID  string
	DirectoryID   *string
	Branch        string
	LastSyncAt    *time.Time
	LastSuccessAt *time.Time
	LastError     *string
	LastErrorAt   *time.Time
}

type CIRollup string

const (
	CINone     CIRollup = "none"
	CIFailure  CIRollup = "failure"
	CIPending  CIRollup = "pending"
	CICancelled CIRollup = "cancelled"
	CISuccess  CIRollup = "success"
	CINeutral  CIRollup = "neutral"
)

// DeriveCIRollup implements spec §4.7.
func DeriveCIRollup(jobs []GitHubPrJob) CIRollup {
	if len(jobs) == 0 {
		return CINone
	}
	hasPending, hasFailure, hasCancelled, hasSuccess := false, false, false, false
	for _, j := range jobs {
		if j.Status != "completed" {
			hasPending = true
		}
		switch j.Conclusion {
		case "failure", "timed_out", "action_required":
			hasFailure = true
		case "cancelled":
			hasCancelled = true
		case "success":
			hasSuccess = true
		}
	}
	switch {
	case hasFailure:
		return CIFailure
	case hasPending:
		return CIPending
	case hasCancelled:
		return CICancelled
	case hasSuccess:
		return CISuccess
	default:
		return CINeutral
	}
}

// ObservedEvent is the tagged-union payload recorded in the journal.
type ObservedEvent struct {
	Kind         string // e.g. directory-archived, task-updated, session-output, github-pr-upserted
	Scope        Scope
	DirectoryID  *string
	ConversationID *string
	RepositoryID *string
	TaskID       *string
	Payload      map[string]any
}

type JournalEntry struct {
	Cursor int64
	Scope  Scope
	Event  ObservedEvent
}
