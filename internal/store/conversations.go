package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
)

const conversationColumns = `c.id, c.type, c.name, c.avatar_url, c.participants, c.created_by, c.last_message_at, c.last_message_preview, c.created_at`

// DirectKey is the order-independent key of a direct conversation between two users.
func DirectKey(userA, userB string) string {
	pair := []string{userA, userB}
	sort.Strings(pair)
	return strings.Join(pair, ":")
}

func scanConversation(row rowScanner, extra ...any) (Conversation, error) {
	var conv Conversation
	var kind string
	var participants []byte
	dest := []any{&conv.ID, &kind, &conv.Name, &conv.AvatarURL, &participants, &conv.CreatedBy, &conv.LastMessageAt, &conv.LastMessagePreview, &conv.CreatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return Conversation{}, err
	}
	conv.Type = ConversationType(kind)
	ids, err := decodeIDs(participants)
	if err != nil {
		return Conversation{}, err
	}
	conv.Participants = ids
	return conv, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	conv, err := scanConversation(s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations c WHERE c.id = $1`, conversationID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, err
		}
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

// FindDirectConversation returns nil when the pair has no direct conversation yet.
func (s *PostgresStore) FindDirectConversation(ctx context.Context, userA, userB string) (*Conversation, error) {
	conv, err := scanConversation(s.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations c
		WHERE c.type = 'direct' AND c.direct_key = $1
	`, DirectKey(userA, userB)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find direct conversation: %w", err)
	}
	return &conv, nil
}

// CreateDirectConversation inserts conv unless a direct conversation for the
// same pair exists, and returns whichever row is stored.
func (s *PostgresStore) CreateDirectConversation(ctx context.Context, conv Conversation) (Conversation, error) {
	if len(conv.Participants) != 2 {
		return Conversation{}, fmt.Errorf("direct conversation needs 2 participants, got %d", len(conv.Participants))
	}
	participants, err := encodeIDs(conv.Participants)
	if err != nil {
		return Conversation{}, err
	}
	key := DirectKey(conv.Participants[0], conv.Participants[1])
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, type, participants, created_by, direct_key, last_message_at, created_at)
		VALUES ($1, 'direct', $2, $3, $4, $5, $5)
		ON CONFLICT (direct_key) WHERE type = 'direct' DO NOTHING
	`, conv.ID, participants, conv.CreatedBy, key, conv.CreatedAt); err != nil {
		return Conversation{}, fmt.Errorf("insert direct conversation: %w", err)
	}

	stored, err := s.FindDirectConversation(ctx, conv.Participants[0], conv.Participants[1])
	if err != nil {
		return Conversation{}, err
	}
	if stored == nil {
		return Conversation{}, fmt.Errorf("direct conversation %s missing after insert", key)
	}
	return *stored, nil
}

// CreateGroupConversation stores the group together with its announcement.
func (s *PostgresStore) CreateGroupConversation(ctx context.Context, conv Conversation, announcement Message) error {
	participants, err := encodeIDs(conv.Participants)
	if err != nil {
		return err
	}
	return s.withTx(ctx, "create group", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (id, type, name, avatar_url, participants, created_by, last_message_at, last_message_preview, created_at)
			VALUES ($1, 'group', $2, $3, $4, $5, $6, $7, $6)
		`, conv.ID, conv.Name, conv.AvatarURL, participants, conv.CreatedBy, conv.CreatedAt, conv.LastMessagePreview); err != nil {
			return fmt.Errorf("insert group conversation: %w", err)
		}
		return insertMessage(ctx, tx, announcement)
	})
}

// ListConversationSummaries returns the user's conversations, most recent
// first, each with the number of messages the user has not read.
func (s *PostgresStore) ListConversationSummaries(ctx context.Context, userID string) ([]ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversationColumns+`,
			(
				SELECT COUNT(*) FROM messages m
				WHERE m.conversation_id = c.id
				  AND m.sender_id <> $1
				  AND NOT m.read_by @> jsonb_build_array($1::text)
			) AS unread_count
		FROM conversations c
		WHERE c.participants @> jsonb_build_array($1::text)
		ORDER BY c.last_message_at DESC, c.id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	items := make([]ConversationSummary, 0)
	for rows.Next() {
		var item ConversationSummary
		conv, err := scanConversation(rows, &item.UnreadCount)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		item.Conversation = conv
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UnreadCountForConversation(ctx context.Context, conversationID, userID string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages m
		WHERE m.conversation_id = $1
		  AND m.sender_id <> $2
		  AND NOT m.read_by @> jsonb_build_array($2::text)
	`, conversationID, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count unread messages: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) UpdateConversation(ctx context.Context, conversationID string, name, avatarURL *string) (Conversation, error) {
	conv, err := scanConversation(s.db.QueryRowContext(ctx, `
		UPDATE conversations AS c SET
			name = COALESCE($2, c.name),
			avatar_url = COALESCE($3, c.avatar_url)
		WHERE c.id = $1
		RETURNING `+conversationColumns,
		conversationID, nullString(name), nullString(avatarURL)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, err
		}
		return Conversation{}, fmt.Errorf("update conversation: %w", err)
	}
	return conv, nil
}

func lockConversation(ctx context.Context, tx *sql.Tx, conversationID string) (Conversation, error) {
	conv, err := scanConversation(tx.QueryRowContext(ctx, `
		SELECT `+conversationColumns+` FROM conversations c WHERE c.id = $1 FOR UPDATE
	`, conversationID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, err
		}
		return Conversation{}, fmt.Errorf("lock conversation: %w", err)
	}
	return conv, nil
}

// AddParticipant appends userID to the participant list and posts the
// announcement. ErrAlreadyExists is returned if userID is already a member.
func (s *PostgresStore) AddParticipant(ctx context.Context, conversationID, userID string, announcement Message) error {
	return s.withTx(ctx, "add participant", func(tx *sql.Tx) error {
		conv, err := lockConversation(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		if conv.HasParticipant(userID) {
			return ErrAlreadyExists
		}
		participants, err := encodeIDs(append(conv.Participants, userID))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE conversations SET participants = $2 WHERE id = $1`, conversationID, participants); err != nil {
			return fmt.Errorf("update participants: %w", err)
		}
		if err := insertMessage(ctx, tx, announcement); err != nil {
			return err
		}
		return touchConversation(ctx, tx, announcement)
	})
}

// RemoveParticipant drops userID from the conversation. When nobody is left
// the conversation and everything hanging off it is deleted and the returned
// flag is true; otherwise the announcement is posted.
func (s *PostgresStore) RemoveParticipant(ctx context.Context, conversationID, userID string, announcement Message) (bool, error) {
	deleted := false
	err := s.withTx(ctx, "remove participant", func(tx *sql.Tx) error {
		conv, err := lockConversation(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		remaining := slices.DeleteFunc(slices.Clone(conv.Participants), func(id string) bool { return id == userID })
		if len(remaining) == 0 {
			if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = $1`, conversationID); err != nil {
				return fmt.Errorf("delete conversation: %w", err)
			}
			deleted = true
			return nil
		}
		participants, err := encodeIDs(remaining)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE conversations SET participants = $2 WHERE id = $1`, conversationID, participants); err != nil {
			return fmt.Errorf("update participants: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM typing_indicators WHERE conversation_id = $1 AND user_id = $2`, conversationID, userID); err != nil {
			return fmt.Errorf("clear typing indicator: %w", err)
		}
		if err := insertMessage(ctx, tx, announcement); err != nil {
			return err
		}
		return touchConversation(ctx, tx, announcement)
	})
	return deleted, err
}

func touchConversation(ctx context.Context, tx *sql.Tx, msg Message) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET last_message_at = $2, last_message_preview = $3 WHERE id = $1
	`, msg.ConversationID, msg.CreatedAt, msg.Preview()); err != nil {
		return fmt.Errorf("update conversation preview: %w", err)
	}
	return nil
}

// ConversationPeers lists every user that shares a conversation with userID.
func (s *PostgresStore) ConversationPeers(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT p.peer
		FROM conversations c, jsonb_array_elements_text(c.participants) AS p(peer)
		WHERE c.participants @> jsonb_build_array($1::text) AND p.peer <> $1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversation peers: %w", err)
	}
	defer rows.Close()

	peers := make([]string, 0)
	for rows.Next() {
		var peer string
		if err := rows.Scan(&peer); err != nil {
			return nil, fmt.Errorf("scan conversation peer: %w", err)
		}
		peers = append(peers, peer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation peers: %w", err)
	}
	return peers, nil
}
