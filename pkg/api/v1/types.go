// Package v1 defines the shared domain types exchanged between the
// Stoneforge dispatch orchestrator, the storage layer, and API consumers.
package v1

import "time"

// Role identifies what kind of agent an entity is.
type Role string

const (
	// RoleDirector is the single interactive agent driven by a human.
	RoleDirector Role = "director"
	// RoleWorker is a task-executing agent, ephemeral or persistent.
	RoleWorker Role = "worker"
	// RoleSteward is a maintenance agent with a specific focus.
	RoleSteward Role = "steward"
)

// WorkerMode distinguishes ephemeral task workers from long-lived ones.
type WorkerMode string

const (
	WorkerModeEphemeral  WorkerMode = "ephemeral"
	WorkerModePersistent WorkerMode = "persistent"
)

// StewardFocus identifies a steward's specialty.
type StewardFocus string

const (
	StewardFocusMerge  StewardFocus = "merge"
	StewardFocusHealth StewardFocus = "health"
)

// Entity is an agent identity. Entities are created once and soft-deactivated,
// never destroyed.
type Entity struct {
	ID           string         `json:"id" db:"id"`
	Name         string         `json:"name" db:"name"`
	Role         Role           `json:"role" db:"role"`
	WorkerMode   WorkerMode     `json:"worker_mode,omitempty" db:"worker_mode"`
	StewardFocus StewardFocus   `json:"steward_focus,omitempty" db:"steward_focus"`
	Active       bool           `json:"active" db:"active"`
	Metadata     EntityMetadata `json:"metadata"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at" db:"updated_at"`
}

// EntityMetadata is the per-entity persisted session state. It is what lets
// a restarted daemon reconstruct suspended sessions as resumable.
type EntityMetadata struct {
	SessionID         string          `json:"session_id,omitempty"`
	ProviderSessionID string          `json:"provider_session_id,omitempty"`
	SessionStatus     SessionStatus   `json:"session_status,omitempty"`
	SessionHistory    []SessionRecord `json:"session_history,omitempty"`
}

// SessionRecord is one entry in an entity's rolling session history.
type SessionRecord struct {
	SessionID         string        `json:"session_id"`
	ProviderSessionID string        `json:"provider_session_id,omitempty"`
	Role              Role          `json:"role"`
	Mode              SessionMode   `json:"mode"`
	Status            SessionStatus `json:"status"`
	WorkingDirectory  string        `json:"working_directory,omitempty"`
	StartedAt         time.Time     `json:"started_at"`
	EndedAt           *time.Time    `json:"ended_at,omitempty"`
	TerminationReason string        `json:"termination_reason,omitempty"`
}

// TaskStatus is the dispatcher-visible task lifecycle state.
type TaskStatus string

const (
	TaskStatusOpen       TaskStatus = "OPEN"
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"
	TaskStatusReview     TaskStatus = "REVIEW"
	TaskStatusClosed     TaskStatus = "CLOSED"
)

// MergeStatus tracks a task's position in the merge pipeline.
type MergeStatus string

const (
	MergeStatusPending    MergeStatus = "pending"
	MergeStatusTesting    MergeStatus = "testing"
	MergeStatusMerging    MergeStatus = "merging"
	MergeStatusConflict   MergeStatus = "conflict"
	MergeStatusTestFailed MergeStatus = "test_failed"
	MergeStatusFailed     MergeStatus = "failed"
	MergeStatusMerged     MergeStatus = "merged"
)

// SyncOutcome classifies the result of the pre-merge sync step.
type SyncOutcome string

const (
	SyncOutcomeSuccess   SyncOutcome = "success"
	SyncOutcomeConflicts SyncOutcome = "conflicts"
	SyncOutcomeError     SyncOutcome = "error"
)

// SyncResult is persisted on the task after each merge-pipeline sync step.
type SyncResult struct {
	Outcome   SyncOutcome `json:"outcome"`
	Conflicts []string    `json:"conflicts,omitempty"`
	Message   string      `json:"message,omitempty"`
	SyncedAt  time.Time   `json:"synced_at"`
}

// TaskSessionRecord names one session ever spawned against a task.
type TaskSessionRecord struct {
	SessionID         string    `json:"session_id"`
	ProviderSessionID string    `json:"provider_session_id,omitempty"`
	AgentID           string    `json:"agent_id"`
	AgentName         string    `json:"agent_name"`
	AgentRole         Role      `json:"agent_role"`
	StartedAt         time.Time `json:"started_at"`
}

// OrchestratorMeta is the nested dispatcher-owned metadata on a task.
type OrchestratorMeta struct {
	Worktree                string              `json:"worktree,omitempty"`
	Branch                  string              `json:"branch,omitempty"`
	HandoffWorktree         string              `json:"handoff_worktree,omitempty"`
	HandoffBranch           string              `json:"handoff_branch,omitempty"`
	SessionID               string              `json:"session_id,omitempty"` // provider-owned
	AssignedAgent           string              `json:"assigned_agent,omitempty"`
	MergeStatus             MergeStatus         `json:"merge_status,omitempty"`
	ReconciliationCount     int                 `json:"reconciliation_count,omitempty"`
	StuckMergeRecoveryCount int                 `json:"stuck_merge_recovery_count,omitempty"`
	LastSyncResult          *SyncResult         `json:"last_sync_result,omitempty"`
	SessionHistory          []TaskSessionRecord `json:"session_history,omitempty"`
}

// Task is the unit of dispatchable work.
type Task struct {
	ID             string           `json:"id" db:"id"`
	Title          string           `json:"title" db:"title"`
	DescriptionRef string           `json:"description_ref,omitempty" db:"description_ref"`
	CreatedBy      string           `json:"created_by" db:"created_by"`
	Assignee       string           `json:"assignee,omitempty" db:"assignee"`
	Status         TaskStatus       `json:"status" db:"status"`
	Priority       int              `json:"priority" db:"priority"`
	Draft          bool             `json:"draft" db:"draft"`
	BlockedBy      []string         `json:"blocked_by,omitempty"`
	ScheduledFor   *time.Time       `json:"scheduled_for,omitempty" db:"scheduled_for"`
	Orchestrator   OrchestratorMeta `json:"orchestrator"`
	CreatedAt      time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at" db:"updated_at"`
	ClosedAt       *time.Time       `json:"closed_at,omitempty" db:"closed_at"`
	CloseReason    string           `json:"close_reason,omitempty" db:"close_reason"`
}

// SessionMode selects the process transport.
type SessionMode string

const (
	// SessionModeInteractive spawns the provider CLI on a PTY.
	SessionModeInteractive SessionMode = "interactive"
	// SessionModeHeadless spawns the provider CLI as a plain child process.
	SessionModeHeadless SessionMode = "headless"
)

// SessionStatus is the lifecycle state of an agent process session.
type SessionStatus string

const (
	SessionStatusStarting    SessionStatus = "starting"
	SessionStatusRunning     SessionStatus = "running"
	SessionStatusSuspended   SessionStatus = "suspended"
	SessionStatusTerminating SessionStatus = "terminating"
	SessionStatusTerminated  SessionStatus = "terminated"
)

// IsActive reports whether the status counts against the
// one-active-session-per-entity invariant.
func (s SessionStatus) IsActive() bool {
	switch s {
	case SessionStatusStarting, SessionStatusRunning, SessionStatusSuspended:
		return true
	}
	return false
}

// Session is a handle to a live or ended external agent process.
type Session struct {
	ID                string        `json:"id"`
	EntityID          string        `json:"entity_id"`
	Role              Role          `json:"role"`
	Mode              SessionMode   `json:"mode"`
	PID               int           `json:"pid,omitempty"` // interactive only
	Status            SessionStatus `json:"status"`
	ProviderSessionID string        `json:"provider_session_id,omitempty"`
	WorkingDirectory  string        `json:"working_directory"`
	CreatedAt         time.Time     `json:"created_at"`
	LastInputAt       *time.Time    `json:"last_input_at,omitempty"`
	EndedAt           *time.Time    `json:"ended_at,omitempty"`
	TerminationReason string        `json:"termination_reason,omitempty"`
	Persisted         bool          `json:"persisted"`
}

// Resumable reports whether the session can be resumed by the provider.
func (s *Session) Resumable() bool {
	return s.ProviderSessionID != ""
}

// Message metadata types known to the dispatcher.
const (
	MessageTypeTaskDispatch     = "task-dispatch"
	MessageTypeTaskAssignment   = "task-assignment"
	MessageTypeTaskReassignment = "task-reassignment"
)

// MessageMetadata is the opaque-to-storage metadata the dispatcher reads.
type MessageMetadata struct {
	Type     string `json:"type,omitempty"`
	TaskID   string `json:"task_id,omitempty"`
	Priority int    `json:"priority,omitempty"`
	Restart  bool   `json:"restart,omitempty"`
}

// IsDispatch reports whether the message carries a task-dispatch style type
// that the availability polls handle instead of the inbox router.
func (m MessageMetadata) IsDispatch() bool {
	switch m.Type {
	case MessageTypeTaskDispatch, MessageTypeTaskAssignment, MessageTypeTaskReassignment:
		return true
	}
	return false
}

// Message is a channel message.
type Message struct {
	ID         string          `json:"id" db:"id"`
	ChannelID  string          `json:"channel_id" db:"channel_id"`
	SenderID   string          `json:"sender_id" db:"sender_id"`
	Content    string          `json:"content,omitempty" db:"content"`
	ContentRef string          `json:"content_ref,omitempty" db:"content_ref"`
	Metadata   MessageMetadata `json:"metadata"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// Channel kinds.
const (
	ChannelKindDirect = "direct"
	ChannelKindGroup  = "group"
)

// Channel is a conversation between entities.
type Channel struct {
	ID        string    `json:"id" db:"id"`
	Kind      string    `json:"kind" db:"kind"`
	Members   []string  `json:"members"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// InboxItemStatus is the read state of an inbox item.
type InboxItemStatus string

const (
	InboxStatusUnread InboxItemStatus = "unread"
	InboxStatusRead   InboxItemStatus = "read"
)

// InboxItem is a per-entity view over a message.
type InboxItem struct {
	ID        string          `json:"id" db:"id"`
	EntityID  string          `json:"entity_id" db:"entity_id"`
	MessageID string          `json:"message_id" db:"message_id"`
	ChannelID string          `json:"channel_id" db:"channel_id"`
	Status    InboxItemStatus `json:"status" db:"status"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Document is an opaque content blob referenced by tasks.
type Document struct {
	ID        string    `json:"id" db:"id"`
	Title     string    `json:"title" db:"title"`
	Content   string    `json:"content" db:"content"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Event is one entry in the append-only event log.
type Event struct {
	ID        string    `json:"id" db:"id"`
	Type      string    `json:"type" db:"type"`
	TaskID    string    `json:"task_id,omitempty" db:"task_id"`
	EntityID  string    `json:"entity_id,omitempty" db:"entity_id"`
	Payload   string    `json:"payload,omitempty" db:"payload"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
