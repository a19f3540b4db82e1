package store

import (
	"context"
	"fmt"
	"time"
)

// SetTyping creates or refreshes the single indicator for (conversation, user).
func (s *PostgresStore) SetTyping(ctx context.Context, conversationID, userID string, expiresAt time.Time) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO typing_indicators (conversation_id, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (conversation_id, user_id) DO UPDATE SET expires_at = EXCLUDED.expires_at
	`, conversationID, userID, expiresAt); err != nil {
		return fmt.Errorf("set typing: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClearTyping(ctx context.Context, conversationID, userID string) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM typing_indicators WHERE conversation_id = $1 AND user_id = $2
	`, conversationID, userID); err != nil {
		return fmt.Errorf("clear typing: %w", err)
	}
	return nil
}

// ListTyping returns the indicators of a conversation that are still live at now.
func (s *PostgresStore) ListTyping(ctx context.Context, conversationID string, now time.Time) ([]TypingIndicator, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, user_id, expires_at
		FROM typing_indicators
		WHERE conversation_id = $1 AND expires_at > $2
		ORDER BY user_id
	`, conversationID, now)
	if err != nil {
		return nil, fmt.Errorf("list typing: %w", err)
	}
	defer rows.Close()

	items := make([]TypingIndicator, 0)
	for rows.Next() {
		var item TypingIndicator
		if err := rows.Scan(&item.ConversationID, &item.UserID, &item.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan typing: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate typing: %w", err)
	}
	return items, nil
}

// PurgeExpiredTyping physically removes indicators that expired at or before now.
func (s *PostgresStore) PurgeExpiredTyping(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM typing_indicators WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge typing: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge typing rows: %w", err)
	}
	return affected, nil
}
