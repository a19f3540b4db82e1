package store

import (
	"context"
	"database/sql"
	"fmt"
)

// ToggleReaction removes the (message, user, emoji) reaction if present and
// inserts it otherwise. It reports whether the reaction now exists.
func (s *PostgresStore) ToggleReaction(ctx context.Context, reaction Reaction) (bool, error) {
	added := false
	err := s.withTx(ctx, "toggle reaction", func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			DELETE FROM reactions
			WHERE message_id = $1 AND user_id = $2 AND emoji = $3
		`, reaction.MessageID, reaction.UserID, reaction.Emoji)
		if err != nil {
			return fmt.Errorf("delete reaction: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete reaction rows: %w", err)
		}
		if affected > 0 {
			return nil
		}
		inserted, err := tx.ExecContext(ctx, `
			INSERT INTO reactions (id, message_id, user_id, emoji, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (message_id, user_id, emoji) DO NOTHING
		`, reaction.ID, reaction.MessageID, reaction.UserID, reaction.Emoji, reaction.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert reaction: %w", err)
		}
		// A concurrent toggle may have stored the same triple first.
		n, err := inserted.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert reaction rows: %w", err)
		}
		added = n > 0
		return nil
	})
	return added, err
}

func (s *PostgresStore) RemoveReaction(ctx context.Context, messageID, userID, emoji string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3
	`, messageID, userID, emoji)
	if err != nil {
		return false, fmt.Errorf("remove reaction: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove reaction rows: %w", err)
	}
	return affected > 0, nil
}

// ListReactions returns the reactions on one message with their authors, oldest first.
func (s *PostgresStore) ListReactions(ctx context.Context, messageID string) ([]ReactionWithUser, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.message_id, r.user_id, r.emoji, r.created_at,
			u.id, u.name, u.handle, u.avatar_url, u.is_online, u.last_seen
		FROM reactions r
		JOIN users u ON u.id = r.user_id
		WHERE r.message_id = $1
		ORDER BY r.created_at, r.id
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("list reactions: %w", err)
	}
	defer rows.Close()

	items := make([]ReactionWithUser, 0)
	for rows.Next() {
		var item ReactionWithUser
		r, p := &item.Reaction, &item.User
		if err := rows.Scan(&r.ID, &r.MessageID, &r.UserID, &r.Emoji, &r.CreatedAt,
			&p.ID, &p.Name, &p.Handle, &p.AvatarURL, &p.IsOnline, &p.LastSeen); err != nil {
			return nil, fmt.Errorf("scan reaction: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reactions: %w", err)
	}
	return items, nil
}

// ListVisibleReactions loads reactions for a batch of messages in one round
// trip, limited to messages in conversations viewerID participates in. It
// returns the ids that passed the visibility check alongside the reactions.
func (s *PostgresStore) ListVisibleReactions(ctx context.Context, viewerID string, messageIDs []string) ([]string, []Reaction, error) {
	if len(messageIDs) == 0 {
		return []string{}, []Reaction{}, nil
	}
	raw, err := encodeIDs(messageIDs)
	if err != nil {
		return nil, nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, r.id, r.user_id, r.emoji, r.created_at
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		LEFT JOIN reactions r ON r.message_id = m.id
		WHERE m.id IN (SELECT jsonb_array_elements_text($1::jsonb))
		  AND c.participants @> jsonb_build_array($2::text)
		ORDER BY m.id, r.created_at, r.id
	`, raw, viewerID)
	if err != nil {
		return nil, nil, fmt.Errorf("list visible reactions: %w", err)
	}
	defer rows.Close()

	visible := make([]string, 0, len(messageIDs))
	items := make([]Reaction, 0)
	for rows.Next() {
		var (
			messageID string
			id        sql.NullString
			userID    sql.NullString
			emoji     sql.NullString
			createdAt sql.NullTime
		)
		if err := rows.Scan(&messageID, &id, &userID, &emoji, &createdAt); err != nil {
			return nil, nil, fmt.Errorf("scan reaction: %w", err)
		}
		if len(visible) == 0 || visible[len(visible)-1] != messageID {
			visible = append(visible, messageID)
		}
		if !id.Valid {
			continue
		}
		items = append(items, Reaction{
			ID:        id.String,
			MessageID: messageID,
			UserID:    userID.String,
			Emoji:     emoji.String,
			CreatedAt: createdAt.Time,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate reactions: %w", err)
	}
	return visible, items, nil
}
