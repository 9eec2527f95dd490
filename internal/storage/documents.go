package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	v1 "github.com/stoneforge/stoneforge/pkg/api/v1"
)

// SaveDocument inserts or replaces a document.
func (s *Store) SaveDocument(ctx context.Context, doc *v1.Document) error {
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, title, content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET title = excluded.title, content = excluded.content, updated_at = excluded.updated_at
	`, doc.ID, doc.Title, doc.Content, doc.CreatedAt, doc.UpdatedAt)
	return err
}

// GetDocument retrieves a document by ID.
func (s *Store) GetDocument(ctx context.Context, id string) (*v1.Document, error) {
	doc := &v1.Document{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, content, created_at, updated_at FROM documents WHERE id = ?
	`, id).Scan(&doc.ID, &doc.Title, &doc.Content, &doc.CreatedAt, &doc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// AppendEvent records an event in the append-only log.
func (s *Store) AppendEvent(ctx context.Context, event *v1.Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	event.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_log (id, type, task_id, entity_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, event.ID, event.Type, event.TaskID, event.EntityID, event.Payload, event.CreatedAt)
	return err
}

// ListEvents returns logged events for a task, oldest first. An empty taskID
// returns the full log.
func (s *Store) ListEvents(ctx context.Context, taskID string) ([]*v1.Event, error) {
	query := `SELECT id, type, task_id, entity_id, payload, created_at FROM event_log`
	args := []any{}
	if taskID != "" {
		query += " WHERE task_id = ?"
		args = append(args, taskID)
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []*v1.Event
	for rows.Next() {
		event := &v1.Event{}
		if err := rows.Scan(&event.ID, &event.Type, &event.TaskID, &event.EntityID,
			&event.Payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}
