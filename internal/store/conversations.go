package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const conversationColumns = "id, platform, remote_user_id, display_name, status, message_count, auto_reply_count, last_message_at, created_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var displayName sql.NullString
	var lastMessageAt, createdAt int64
	if err := row.Scan(&conv.ID, &conv.Platform, &conv.RemoteUserID, &displayName, &conv.Status,
		&conv.MessageCount, &conv.AutoReplyCount, &lastMessageAt, &createdAt); err != nil {
		return nil, err
	}
	if displayName.Valid {
		conv.DisplayName = &displayName.String
	}
	conv.LastMessageAt = fromMillis(lastMessageAt)
	conv.CreatedAt = fromMillis(createdAt)
	return &conv, nil
}

// RecordInboundMessage appends a user message to its conversation, creating the
// conversation on first contact. A message whose remote id was already stored
// returns ErrDuplicate and leaves every row untouched.
func (s *SQLiteStore) RecordInboundMessage(ctx context.Context, in InboundMessage) (*Conversation, *Message, error) {
	platform := in.Platform
	if platform == "" {
		platform = PlatformInstagram
	}
	now := s.now().UTC()
	sentAt := in.SentAt
	if sentAt.IsZero() {
		sentAt = now
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if in.RemoteMessageID != "" {
		var exists int
		err := tx.QueryRowContext(ctx, "SELECT 1 FROM messages WHERE remote_message_id = ?", in.RemoteMessageID).Scan(&exists)
		if err == nil {
			return nil, nil, ErrDuplicate
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, nil, fmt.Errorf("failed to check message id: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
        INSERT INTO conversations (id, platform, remote_user_id, status, last_message_at, created_at)
        VALUES (?, ?, ?, 'active', ?, ?)
        ON CONFLICT (platform, remote_user_id) DO NOTHING`,
		uuid.NewString(), platform, in.RemoteUserID, toMillis(sentAt), toMillis(now))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to upsert conversation: %w", err)
	}

	conv, err := scanConversation(tx.QueryRowContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations WHERE platform = ? AND remote_user_id = ?",
		platform, in.RemoteUserID))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load conversation: %w", err)
	}

	msg := &Message{
		ID:               uuid.NewString(),
		ConversationID:   conv.ID,
		Sender:           SenderUser,
		Content:          in.Text,
		SentSuccessfully: true,
		CreatedAt:        fromMillis(toMillis(now)),
	}
	if in.RemoteMessageID != "" {
		remoteID := in.RemoteMessageID
		msg.RemoteMessageID = &remoteID
	}

	_, err = tx.ExecContext(ctx, `
        INSERT INTO messages (id, conversation_id, remote_message_id, sender, content, is_auto_reply, sent_successfully, created_at)
        VALUES (?, ?, ?, ?, ?, FALSE, TRUE, ?)`,
		msg.ID, msg.ConversationID, msg.RemoteMessageID, msg.Sender, msg.Content, toMillis(msg.CreatedAt))
	if err != nil {
		// Two deliveries of the same message can race past the SELECT above.
		if isUniqueViolation(err) {
			return nil, nil, ErrDuplicate
		}
		return nil, nil, fmt.Errorf("failed to insert message: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
        UPDATE conversations
        SET message_count = message_count + 1, last_message_at = ?
        WHERE id = ?`, toMillis(sentAt), conv.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to update conversation counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return nil, nil, ErrDuplicate
		}
		return nil, nil, fmt.Errorf("failed to commit inbound message: %w", err)
	}

	conv.MessageCount++
	conv.LastMessageAt = fromMillis(toMillis(sentAt))
	return conv, msg, nil
}

// AppendBotMessage stores an outbound reply and bumps the conversation counters.
// auto_reply_count only grows for auto-replies that were delivered.
func (s *SQLiteStore) AppendBotMessage(ctx context.Context, msg *Message) error {
	msg.ID = uuid.NewString()
	msg.Sender = SenderBot
	msg.CreatedAt = fromMillis(toMillis(s.now()))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
        INSERT INTO messages (id, conversation_id, remote_message_id, sender, content, is_auto_reply, sent_successfully, error_message, response_time_ms, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.RemoteMessageID, msg.Sender, msg.Content, msg.IsAutoReply,
		msg.SentSuccessfully, msg.ErrorMessage, msg.ResponseTimeMS, toMillis(msg.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert bot message: %w", err)
	}

	autoReplyDelta := 0
	if msg.IsAutoReply && msg.SentSuccessfully {
		autoReplyDelta = 1
	}
	res, err := tx.ExecContext(ctx, `
        UPDATE conversations
        SET message_count = message_count + 1, auto_reply_count = auto_reply_count + ?
        WHERE id = ?`, autoReplyDelta, msg.ConversationID)
	if err != nil {
		return fmt.Errorf("failed to update conversation counters: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("conversation %s: %w", msg.ConversationID, ErrNotFound)
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	conv, err := scanConversation(s.db.QueryRowContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conv, nil
}

func (s *SQLiteStore) SetConversationDisplayName(ctx context.Context, id, name string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE conversations SET display_name = ? WHERE id = ?", name, id)
	if err != nil {
		return fmt.Errorf("failed to update display name: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetConversationStatus(ctx context.Context, id, status string) error {
	switch status {
	case StatusActive, StatusResolved, StatusArchived:
	default:
		return fmt.Errorf("invalid conversation status %q", status)
	}
	res, err := s.db.ExecContext(ctx, "UPDATE conversations SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return fmt.Errorf("failed to update conversation status: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context, limit int) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations ORDER BY last_message_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		convs = append(convs, *conv)
	}
	return convs, rows.Err()
}

// GetMessages returns up to limit messages of a conversation in chronological order.
func (s *SQLiteStore) GetMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, conversation_id, remote_message_id, sender, content, is_auto_reply, sent_successfully, error_message, response_time_ms, created_at
        FROM messages
        WHERE conversation_id = ?
        ORDER BY created_at ASC, rowid ASC
        LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		var remoteID sql.NullString
		var responseTime sql.NullInt64
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &remoteID, &msg.Sender, &msg.Content, &msg.IsAutoReply,
			&msg.SentSuccessfully, &msg.ErrorMessage, &responseTime, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		if remoteID.Valid {
			msg.RemoteMessageID = &remoteID.String
		}
		if responseTime.Valid {
			msg.ResponseTimeMS = &responseTime.Int64
		}
		msg.CreatedAt = fromMillis(createdAt)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// CountAutoRepliesSince counts auto-reply messages of a conversation created at or after since.
func (s *SQLiteStore) CountAutoRepliesSince(ctx context.Context, conversationID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM messages
        WHERE conversation_id = ? AND is_auto_reply = TRUE AND created_at >= ?`,
		conversationID, toMillis(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count auto-replies: %w", err)
	}
	return n, nil
}
