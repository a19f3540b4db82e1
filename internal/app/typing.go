package app

import (
	"context"
	"errors"
	"time"

	"orbit/api/internal/rbac"
)

const typingTTL = 5 * time.Second

// SetTyping refreshes or clears selfID's typing indicator.
func (s *Service) SetTyping(ctx context.Context, conversationID, selfID string, isTyping bool) error {
	conv, err := s.memberConversation(ctx, conversationID, selfID)
	if err != nil {
		return err
	}
	if !rbac.Can(rbac.Normalize(string(conv.Type)), rbac.ActionType) {
		return NotAuthorized("You cannot type here")
	}
	if !isTyping {
		if err := s.typing.ClearTyping(ctx, conv.ID, selfID); err != nil {
			return err
		}
	} else {
		expiresAt := s.clock().Add(typingTTL)
		if err := s.typing.SetTyping(ctx, conv.ID, selfID, expiresAt); err != nil {
			return err
		}
	}
	others := make([]string, 0, len(conv.Participants))
	for _, id := range conv.Participants {
		if id != selfID {
			others = append(others, id)
		}
	}
	s.publish(others, "typing.updated", map[string]any{
		"conversationId": conv.ID,
		"userId":         selfID,
		"isTyping":       isTyping,
	})
	return nil
}

// GetTypingIndicators lists everyone else currently typing in the conversation.
func (s *Service) GetTypingIndicators(ctx context.Context, conversationID, selfID string) ([]TypingView, error) {
	if _, err := s.memberConversation(ctx, conversationID, selfID); err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrNotAuthorized) {
			return []TypingView{}, nil
		}
		return nil, err
	}
	now := s.clock()
	items, err := s.typing.ListTyping(ctx, conversationID, now)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if item.UserID != selfID && item.ExpiresAt.After(now) {
			ids = append(ids, item.UserID)
		}
	}
	if len(ids) == 0 {
		return []TypingView{}, nil
	}
	profiles, err := s.profiles(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]TypingView, 0, len(ids))
	for _, item := range items {
		if item.UserID == selfID || !item.ExpiresAt.After(now) {
			continue
		}
		p, ok := profiles[item.UserID]
		if !ok {
			continue
		}
		out = append(out, TypingView{UserID: item.UserID, ExpiresAt: item.ExpiresAt, User: profileView(p, now)})
	}
	return out, nil
}
