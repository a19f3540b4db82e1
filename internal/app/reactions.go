package app

import (
	"context"
	"strings"
	"unicode/utf8"

	"orbit/api/internal/rbac"
	"orbit/api/internal/store"
)

const (
	maxEmojiRunes     = 8
	maxReactionsBatch = 200
)

// AddReaction toggles selfID's emoji on a message. The returned id is empty
// when the call removed an existing reaction.
func (s *Service) AddReaction(ctx context.Context, messageID, selfID, emoji string) (string, error) {
	emoji, err := validEmoji(emoji)
	if err != nil {
		return "", err
	}
	msg, err := s.reactableMessage(ctx, messageID, selfID)
	if err != nil {
		return "", err
	}
	reaction := store.Reaction{
		ID:        s.newID("rct"),
		MessageID: msg.ID,
		UserID:    selfID,
		Emoji:     emoji,
		CreatedAt: s.clock(),
	}
	added, err := s.store.ToggleReaction(ctx, reaction)
	if err != nil {
		return "", err
	}
	payload := map[string]any{"messageId": msg.ID, "conversationId": msg.ConversationID, "userId": selfID, "emoji": emoji}
	if !added {
		s.publishToConversation(ctx, msg.ConversationID, "reaction.removed", payload)
		return "", nil
	}
	s.publishToConversation(ctx, msg.ConversationID, "reaction.added", payload)
	return reaction.ID, nil
}

// RemoveReaction reports whether a reaction was deleted.
func (s *Service) RemoveReaction(ctx context.Context, messageID, selfID, emoji string) (bool, error) {
	emoji, err := validEmoji(emoji)
	if err != nil {
		return false, err
	}
	msg, err := s.reactableMessage(ctx, messageID, selfID)
	if err != nil {
		return false, err
	}
	removed, err := s.store.RemoveReaction(ctx, msg.ID, selfID, emoji)
	if err != nil {
		return false, err
	}
	if removed {
		s.publishToConversation(ctx, msg.ConversationID, "reaction.removed", map[string]any{
			"messageId":      msg.ID,
			"conversationId": msg.ConversationID,
			"userId":         selfID,
			"emoji":          emoji,
		})
	}
	return removed, nil
}

func (s *Service) GetReactions(ctx context.Context, messageID, selfID string) ([]ReactionGroup, error) {
	msg, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := s.memberConversation(ctx, msg.ConversationID, selfID); err != nil {
		return nil, err
	}
	items, err := s.store.ListReactions(ctx, msg.ID)
	if err != nil {
		return nil, err
	}
	return groupReactions(items), nil
}

// GetReactionsForMessages summarises reactions for many messages in one
// query. Ids of messages the caller cannot see are left out of the result.
func (s *Service) GetReactionsForMessages(ctx context.Context, selfID string, messageIDs []string) (map[string][]ReactionSummary, error) {
	ids := make([]string, 0, len(messageIDs))
	for _, id := range messageIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	ids = uniqueIDs(ids)
	if len(ids) > maxReactionsBatch {
		return nil, InvalidArgument("too many message ids")
	}
	if len(ids) == 0 {
		return map[string][]ReactionSummary{}, nil
	}
	visible, items, err := s.store.ListVisibleReactions(ctx, selfID, ids)
	if err != nil {
		return nil, err
	}
	allowed := make(map[string]bool, len(visible))
	for _, id := range visible {
		allowed[id] = true
	}
	kept := ids[:0]
	for _, id := range ids {
		if allowed[id] {
			kept = append(kept, id)
		}
	}
	return summarizeReactions(kept, items), nil
}

func (s *Service) reactableMessage(ctx context.Context, messageID, selfID string) (store.Message, error) {
	msg, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return store.Message{}, err
	}
	conv, err := s.memberConversation(ctx, msg.ConversationID, selfID)
	if err != nil {
		return store.Message{}, err
	}
	if !rbac.Can(rbac.Normalize(string(conv.Type)), rbac.ActionReact) {
		return store.Message{}, NotAuthorized("You cannot react here")
	}
	return msg, nil
}

func validEmoji(value string) (string, error) {
	emoji := strings.TrimSpace(value)
	if emoji == "" {
		return "", InvalidArgument("emoji is required")
	}
	if utf8.RuneCountInString(emoji) > maxEmojiRunes {
		return "", InvalidArgument("emoji is too long")
	}
	return emoji, nil
}
