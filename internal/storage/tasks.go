package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	v1 "github.com/stoneforge/stoneforge/pkg/api/v1"
)

// TaskFilter narrows ListTasks results. Zero values are ignored.
type TaskFilter struct {
	Statuses      []v1.TaskStatus
	Assignee      string
	Unassigned    bool
	MergeStatuses []v1.MergeStatus
}

// CreateTask inserts a new task. A missing ID is generated.
func (s *Store) CreateTask(ctx context.Context, task *v1.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = v1.TaskStatusOpen
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	orch, err := json.Marshal(task.Orchestrator)
	if err != nil {
		orch = []byte("{}")
	}
	blockedBy, err := json.Marshal(task.BlockedBy)
	if err != nil {
		blockedBy = []byte("[]")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, title, description_ref, created_by, assignee, status, priority, draft, blocked_by, scheduled_for, orchestrator, created_at, updated_at, closed_at, close_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.Title, task.DescriptionRef, task.CreatedBy, task.Assignee, task.Status,
		task.Priority, boolToInt(task.Draft), string(blockedBy), task.ScheduledFor, string(orch),
		task.CreatedAt, task.UpdatedAt, task.ClosedAt, task.CloseReason)
	return err
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*v1.Task, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT id, title, description_ref, created_by, assignee, status, priority, draft, blocked_by, scheduled_for, orchestrator, created_at, updated_at, closed_at, close_reason
		FROM tasks WHERE id = ?
	`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return task, err
}

// UpdateTask persists the mutable fields of a task and bumps updated_at.
func (s *Store) UpdateTask(ctx context.Context, task *v1.Task) error {
	task.UpdatedAt = time.Now().UTC()

	orch, err := json.Marshal(task.Orchestrator)
	if err != nil {
		orch = []byte("{}")
	}
	blockedBy, err := json.Marshal(task.BlockedBy)
	if err != nil {
		blockedBy = []byte("[]")
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET title = ?, assignee = ?, status = ?, priority = ?, draft = ?, blocked_by = ?, scheduled_for = ?, orchestrator = ?, updated_at = ?, closed_at = ?, close_reason = ?
		WHERE id = ?
	`, task.Title, task.Assignee, task.Status, task.Priority, boolToInt(task.Draft),
		string(blockedBy), task.ScheduledFor, string(orch), task.UpdatedAt,
		task.ClosedAt, task.CloseReason, task.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("task %s: %w", task.ID, ErrNotFound)
	}
	return nil
}

// ListTasks returns tasks matching the filter, ordered by priority then age.
func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]*v1.Task, error) {
	query := `
		SELECT id, title, description_ref, created_by, assignee, status, priority, draft, blocked_by, scheduled_for, orchestrator, created_at, updated_at, closed_at, close_reason
		FROM tasks WHERE 1=1`
	args := []any{}

	if len(filter.Statuses) > 0 {
		query += " AND status IN (?" + repeat(",?", len(filter.Statuses)-1) + ")"
		for _, st := range filter.Statuses {
			args = append(args, st)
		}
	}
	if filter.Assignee != "" {
		query += " AND assignee = ?"
		args = append(args, filter.Assignee)
	}
	if filter.Unassigned {
		query += " AND assignee = ''"
	}
	query += " ORDER BY priority ASC, created_at ASC"

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tasks []*v1.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		if len(filter.MergeStatuses) > 0 && !containsMergeStatus(filter.MergeStatuses, task.Orchestrator.MergeStatus) {
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// ReadyTasks is the authoritative ready queue: OPEN, unassigned, not draft,
// not scheduled in the future, with no unresolved blockers, ordered by
// effective priority (priority ASC, then age).
func (s *Store) ReadyTasks(ctx context.Context) ([]*v1.Task, error) {
	now := time.Now().UTC()
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, title, description_ref, created_by, assignee, status, priority, draft, blocked_by, scheduled_for, orchestrator, created_at, updated_at, closed_at, close_reason
		FROM tasks
		WHERE status = ? AND assignee = '' AND draft = 0
			AND (scheduled_for IS NULL OR scheduled_for <= ?)
		ORDER BY priority ASC, created_at ASC
	`, v1.TaskStatusOpen, now)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var candidates []*v1.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Blocker resolution happens here rather than in SQL because blocked_by
	// is a JSON column.
	var ready []*v1.Task
	for _, task := range candidates {
		blocked, err := s.hasOpenBlockers(ctx, task)
		if err != nil {
			return nil, err
		}
		if !blocked {
			ready = append(ready, task)
		}
	}
	return ready, nil
}

// hasOpenBlockers reports whether any blocking task is not yet closed.
func (s *Store) hasOpenBlockers(ctx context.Context, task *v1.Task) (bool, error) {
	for _, blockerID := range task.BlockedBy {
		var status string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, blockerID).Scan(&status)
		if err == sql.ErrNoRows {
			continue // vanished blocker does not block
		}
		if err != nil {
			return false, err
		}
		if v1.TaskStatus(status) != v1.TaskStatusClosed {
			return true, nil
		}
	}
	return false, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*v1.Task, error) {
	task := &v1.Task{}
	var (
		draft        int
		blockedBy    string
		orchestrator string
		scheduledFor sql.NullTime
		closedAt     sql.NullTime
	)
	err := row.Scan(&task.ID, &task.Title, &task.DescriptionRef, &task.CreatedBy,
		&task.Assignee, &task.Status, &task.Priority, &draft, &blockedBy,
		&scheduledFor, &orchestrator, &task.CreatedAt, &task.UpdatedAt,
		&closedAt, &task.CloseReason)
	if err != nil {
		return nil, err
	}
	task.Draft = draft != 0
	if scheduledFor.Valid {
		task.ScheduledFor = &scheduledFor.Time
	}
	if closedAt.Valid {
		task.ClosedAt = &closedAt.Time
	}
	_ = json.Unmarshal([]byte(blockedBy), &task.BlockedBy)
	_ = json.Unmarshal([]byte(orchestrator), &task.Orchestrator)
	return task, nil
}

func containsMergeStatus(list []v1.MergeStatus, status v1.MergeStatus) bool {
	for _, m := range list {
		if m == status {
			return true
		}
	}
	return false
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
