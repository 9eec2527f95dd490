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

// EntityFilter narrows ListEntities results. Zero values are ignored.
type EntityFilter struct {
	Role         v1.Role
	WorkerMode   v1.WorkerMode
	StewardFocus v1.StewardFocus
	ActiveOnly   bool
}

// CreateEntity inserts a new entity. A missing ID is generated.
func (s *Store) CreateEntity(ctx context.Context, entity *v1.Entity) error {
	if entity.ID == "" {
		entity.ID = uuid.New().String()
	}
	if entity.Name == "" {
		return fmt.Errorf("%w: entity name is required", ErrInvalidArgument)
	}
	now := time.Now().UTC()
	entity.CreatedAt = now
	entity.UpdatedAt = now

	metadata, err := json.Marshal(entity.Metadata)
	if err != nil {
		metadata = []byte("{}")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entities (id, name, role, worker_mode, steward_focus, active, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entity.ID, entity.Name, entity.Role, entity.WorkerMode, entity.StewardFocus,
		boolToInt(entity.Active), string(metadata), entity.CreatedAt, entity.UpdatedAt)
	return err
}

// GetEntity retrieves an entity by ID.
func (s *Store) GetEntity(ctx context.Context, id string) (*v1.Entity, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT id, name, role, worker_mode, steward_focus, active, metadata, created_at, updated_at
		FROM entities WHERE id = ?
	`, id)
	entity, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("entity %s: %w", id, ErrNotFound)
	}
	return entity, err
}

// UpdateEntity persists the mutable fields of an entity.
func (s *Store) UpdateEntity(ctx context.Context, entity *v1.Entity) error {
	entity.UpdatedAt = time.Now().UTC()

	metadata, err := json.Marshal(entity.Metadata)
	if err != nil {
		metadata = []byte("{}")
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE entities SET name = ?, role = ?, worker_mode = ?, steward_focus = ?, active = ?, metadata = ?, updated_at = ?
		WHERE id = ?
	`, entity.Name, entity.Role, entity.WorkerMode, entity.StewardFocus,
		boolToInt(entity.Active), string(metadata), entity.UpdatedAt, entity.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("entity %s: %w", entity.ID, ErrNotFound)
	}
	return nil
}

// UpdateEntityMetadata replaces only the metadata column. Used by the
// session manager's persistence path.
func (s *Store) UpdateEntityMetadata(ctx context.Context, entityID string, metadata v1.EntityMetadata) error {
	data, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal entity metadata: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE entities SET metadata = ?, updated_at = ? WHERE id = ?
	`, string(data), time.Now().UTC(), entityID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("entity %s: %w", entityID, ErrNotFound)
	}
	return nil
}

// ListEntities returns entities matching the filter, ordered by name.
func (s *Store) ListEntities(ctx context.Context, filter EntityFilter) ([]*v1.Entity, error) {
	query := `
		SELECT id, name, role, worker_mode, steward_focus, active, metadata, created_at, updated_at
		FROM entities WHERE 1=1`
	args := []any{}

	if filter.Role != "" {
		query += " AND role = ?"
		args = append(args, filter.Role)
	}
	if filter.WorkerMode != "" {
		query += " AND worker_mode = ?"
		args = append(args, filter.WorkerMode)
	}
	if filter.StewardFocus != "" {
		query += " AND steward_focus = ?"
		args = append(args, filter.StewardFocus)
	}
	if filter.ActiveOnly {
		query += " AND active = 1"
	}
	query += " ORDER BY name ASC"

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entities []*v1.Entity
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, entity)
	}
	return entities, rows.Err()
}

func scanEntity(row rowScanner) (*v1.Entity, error) {
	entity := &v1.Entity{}
	var (
		active   int
		metadata string
	)
	err := row.Scan(&entity.ID, &entity.Name, &entity.Role, &entity.WorkerMode,
		&entity.StewardFocus, &active, &metadata, &entity.CreatedAt, &entity.UpdatedAt)
	if err != nil {
		return nil, err
	}
	entity.Active = active != 0
	_ = json.Unmarshal([]byte(metadata), &entity.Metadata)
	return entity, nil
}
