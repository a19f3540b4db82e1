package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const messageColumns = `m.id, m.conversation_id, m.sender_id, m.content, m.type, m.attachment_url, m.attachment_name, m.attachment_size, m.reply_to_id, m.read_by, m.edited_at, m.deleted_at, m.created_at`

func scanMessage(row rowScanner, extra ...any) (Message, error) {
	var msg Message
	var kind string
	var replyTo sql.NullString
	var readBy []byte
	var editedAt, deletedAt sql.NullTime
	dest := []any{
		&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Content, &kind,
		&msg.AttachmentURL, &msg.AttachmentName, &msg.AttachmentSize,
		&replyTo, &readBy, &editedAt, &deletedAt, &msg.CreatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return Message{}, err
	}
	msg.Type = MessageType(kind)
	msg.ReplyToID = stringPtr(replyTo)
	msg.EditedAt = timePtr(editedAt)
	msg.DeletedAt = timePtr(deletedAt)
	ids, err := decodeIDs(readBy)
	if err != nil {
		return Message{}, err
	}
	msg.ReadBy = ids
	return msg, nil
}

func insertMessage(ctx context.Context, tx *sql.Tx, msg Message) error {
	readBy, err := encodeIDs(msg.ReadBy)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, content, type, attachment_url, attachment_name, attachment_size, reply_to_id, read_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, msg.ID, msg.ConversationID, msg.SenderID, msg.Content, string(msg.Type),
		msg.AttachmentURL, msg.AttachmentName, msg.AttachmentSize, nullString(msg.ReplyToID), readBy, msg.CreatedAt); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// InsertMessage appends msg, refreshes the conversation's last message cache
// and clears the sender's typing indicator in one transaction.
func (s *PostgresStore) InsertMessage(ctx context.Context, msg Message) error {
	return s.withTx(ctx, "insert message", func(tx *sql.Tx) error {
		if err := insertMessage(ctx, tx, msg); err != nil {
			return err
		}
		if err := touchConversation(ctx, tx, msg); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM typing_indicators WHERE conversation_id = $1 AND user_id = $2
		`, msg.ConversationID, msg.SenderID); err != nil {
			return fmt.Errorf("clear typing indicator: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) GetMessage(ctx context.Context, messageID string) (Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages m WHERE m.id = $1`, messageID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, err
		}
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

// ListMessages returns the newest limit messages of a conversation, oldest first.
func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]MessageWithSender, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT * FROM (
			SELECT `+messageColumns+`,
				u.id AS sender_ref, u.name AS sender_name, u.handle AS sender_handle,
				u.avatar_url AS sender_avatar_url, u.is_online AS sender_is_online, u.last_seen AS sender_last_seen
			FROM messages m
			JOIN users u ON u.id = m.sender_id
			WHERE m.conversation_id = $1
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT $2
		) recent
		ORDER BY recent.created_at ASC, recent.id ASC
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]MessageWithSender, 0)
	for rows.Next() {
		var item MessageWithSender
		p := &item.Sender
		msg, err := scanMessage(rows, &p.ID, &p.Name, &p.Handle, &p.AvatarURL, &p.IsOnline, &p.LastSeen)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		item.Message = msg
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return items, nil
}

// MarkConversationRead adds userID to read_by on every message of the
// conversation that someone else sent and userID has not yet read.
func (s *PostgresStore) MarkConversationRead(ctx context.Context, conversationID, userID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET read_by = read_by || jsonb_build_array($2::text)
		WHERE conversation_id = $1
		  AND sender_id <> $2
		  AND NOT read_by @> jsonb_build_array($2::text)
	`, conversationID, userID)
	if err != nil {
		return 0, fmt.Errorf("mark conversation read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark conversation read rows: %w", err)
	}
	return affected, nil
}

func (s *PostgresStore) SoftDeleteMessage(ctx context.Context, messageID, placeholder string, now time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET content = $2, deleted_at = $3 WHERE id = $1
	`, messageID, placeholder, now)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) EditMessage(ctx context.Context, messageID, content string, now time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET content = $2, edited_at = $3 WHERE id = $1 AND deleted_at IS NULL
	`, messageID, content, now)
	if err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UnreadCount totals unread messages across all of the user's conversations.
func (s *PostgresStore) UnreadCount(ctx context.Context, userID string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE c.participants @> jsonb_build_array($1::text)
		  AND m.sender_id <> $1
		  AND NOT m.read_by @> jsonb_build_array($1::text)
	`, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count unread messages: %w", err)
	}
	return count, nil
}
