package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	v1 "github.com/stoneforge/stoneforge/pkg/api/v1"
)

// CreateDirectChannel returns the direct channel between the given members,
// creating it if needed. The member key is order-independent so repeated
// calls with the same participants resolve to the same channel.
func (s *Store) CreateDirectChannel(ctx context.Context, memberIDs []string) (*v1.Channel, error) {
	if len(memberIDs) < 2 {
		return nil, fmt.Errorf("%w: direct channel requires at least two members", ErrInvalidArgument)
	}
	key := directMemberKey(memberIDs)

	existing, err := s.getChannelByMemberKey(ctx, key)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	channel := &v1.Channel{
		ID:        uuid.New().String(),
		Kind:      v1.ChannelKindDirect,
		Members:   append([]string(nil), memberIDs...),
		CreatedAt: time.Now().UTC(),
	}
	members, merr := json.Marshal(channel.Members)
	if merr != nil {
		members = []byte("[]")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO channels (id, kind, member_key, members, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, channel.ID, channel.Kind, key, string(members), channel.CreatedAt)
	if err != nil {
		// Lost a race against a concurrent creator; the unique index on
		// member_key guarantees one channel per pair.
		if strings.Contains(err.Error(), "UNIQUE") {
			return s.getChannelByMemberKey(ctx, key)
		}
		return nil, err
	}
	return channel, nil
}

// GetChannel retrieves a channel by ID.
func (s *Store) GetChannel(ctx context.Context, id string) (*v1.Channel, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT id, kind, members, created_at FROM channels WHERE id = ?
	`, id)
	channel, err := scanChannel(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("channel %s: %w", id, ErrNotFound)
	}
	return channel, err
}

func (s *Store) getChannelByMemberKey(ctx context.Context, key string) (*v1.Channel, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT id, kind, members, created_at FROM channels WHERE member_key = ?
	`, key)
	channel, err := scanChannel(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("channel for key %s: %w", key, ErrNotFound)
	}
	return channel, err
}

// PostMessage appends a message to a channel and fans out an unread inbox
// item to every member except the sender.
func (s *Store) PostMessage(ctx context.Context, msg *v1.Message) (*v1.Message, error) {
	channel, err := s.GetChannel(ctx, msg.ChannelID)
	if err != nil {
		return nil, err
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	msg.CreatedAt = time.Now().UTC()

	metadata, merr := json.Marshal(msg.Metadata)
	if merr != nil {
		metadata = []byte("{}")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, channel_id, sender_id, content, content_ref, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ChannelID, msg.SenderID, msg.Content, msg.ContentRef, string(metadata), msg.CreatedAt)
	if err != nil {
		return nil, err
	}

	for _, memberID := range channel.Members {
		if memberID == msg.SenderID {
			continue
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO inbox_items (id, entity_id, message_id, channel_id, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, uuid.New().String(), memberID, msg.ID, msg.ChannelID, v1.InboxStatusUnread, msg.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to deliver to %s: %w", memberID, err)
		}
	}
	return msg, nil
}

// GetMessage retrieves a message by ID.
func (s *Store) GetMessage(ctx context.Context, id string) (*v1.Message, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT id, channel_id, sender_id, content, content_ref, metadata, created_at
		FROM messages WHERE id = ?
	`, id)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return msg, err
}

// UnreadInboxItem pairs an inbox item with its message for routing.
type UnreadInboxItem struct {
	Item    *v1.InboxItem
	Message *v1.Message
}

// GetUnreadInbox returns the unread inbox of an entity, oldest first, with
// each item's message joined in.
func (s *Store) GetUnreadInbox(ctx context.Context, entityID string) ([]*UnreadInboxItem, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT i.id, i.entity_id, i.message_id, i.channel_id, i.status, i.created_at,
			m.id, m.channel_id, m.sender_id, m.content, m.content_ref, m.metadata, m.created_at
		FROM inbox_items i
		JOIN messages m ON m.id = i.message_id
		WHERE i.entity_id = ? AND i.status = ?
		ORDER BY i.created_at ASC
	`, entityID, v1.InboxStatusUnread)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var items []*UnreadInboxItem
	for rows.Next() {
		item := &v1.InboxItem{}
		msg := &v1.Message{}
		var metadata string
		err := rows.Scan(&item.ID, &item.EntityID, &item.MessageID, &item.ChannelID,
			&item.Status, &item.CreatedAt,
			&msg.ID, &msg.ChannelID, &msg.SenderID, &msg.Content, &msg.ContentRef,
			&metadata, &msg.CreatedAt)
		if err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(metadata), &msg.Metadata)
		items = append(items, &UnreadInboxItem{Item: item, Message: msg})
	}
	return items, rows.Err()
}

// MarkInboxItemsRead flips the given inbox items to read in one statement.
func (s *Store) MarkInboxItemsRead(ctx context.Context, itemIDs []string) error {
	if len(itemIDs) == 0 {
		return nil
	}
	query := `UPDATE inbox_items SET status = ? WHERE id IN (?` + repeat(",?", len(itemIDs)-1) + `)`
	args := []any{v1.InboxStatusRead}
	for _, id := range itemIDs {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// CountUnread returns the number of unread inbox items for an entity.
func (s *Store) CountUnread(ctx context.Context, entityID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM inbox_items WHERE entity_id = ? AND status = ?
	`, entityID, v1.InboxStatusUnread).Scan(&count)
	return count, err
}

func scanChannel(row rowScanner) (*v1.Channel, error) {
	channel := &v1.Channel{}
	var members string
	err := row.Scan(&channel.ID, &channel.Kind, &members, &channel.CreatedAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(members), &channel.Members)
	return channel, nil
}

func scanMessage(row rowScanner) (*v1.Message, error) {
	msg := &v1.Message{}
	var metadata string
	err := row.Scan(&msg.ID, &msg.ChannelID, &msg.SenderID, &msg.Content,
		&msg.ContentRef, &metadata, &msg.CreatedAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(metadata), &msg.Metadata)
	return msg, nil
}

func directMemberKey(memberIDs []string) string {
	sorted := append([]string(nil), memberIDs...)
	sort.Strings(sorted)
	return strings.Join(sorted, "|")
}

