package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"orbit/api/internal/rbac"
	"orbit/api/internal/store"
)

const maxGroupNameLength = 64

// CreateDirect returns the direct conversation between selfID and otherID,
// creating it on first use.
func (s *Service) CreateDirect(ctx context.Context, selfID, otherID string) (ConversationView, error) {
	otherID = strings.TrimSpace(otherID)
	if otherID == "" {
		return ConversationView{}, InvalidArgument("userId is required")
	}
	if otherID == selfID {
		return ConversationView{}, InvalidArgument("You cannot start a conversation with yourself")
	}
	if _, err := s.loadUser(ctx, otherID, "User"); err != nil {
		return ConversationView{}, err
	}

	existing, err := s.store.FindDirectConversation(ctx, selfID, otherID)
	if err != nil {
		return ConversationView{}, err
	}
	if existing != nil {
		return s.enrichConversation(ctx, *existing, selfID)
	}

	now := s.clock()
	conv, err := s.store.CreateDirectConversation(ctx, store.Conversation{
		ID:            s.newID("cnv"),
		Type:          store.ConversationDirect,
		Participants:  []string{selfID, otherID},
		CreatedBy:     selfID,
		LastMessageAt: now,
		CreatedAt:     now,
	})
	if err != nil {
		return ConversationView{}, err
	}
	s.publish(conv.Participants, "conversation.created", map[string]any{"conversationId": conv.ID})
	return s.enrichConversation(ctx, conv, selfID)
}

// CreateGroup stores a group whose first participant is its creator and
// announces it with a system message.
func (s *Service) CreateGroup(ctx context.Context, selfID, name string, memberIDs []string) (ConversationView, error) {
	name, err := requireText(name, "name")
	if err != nil {
		return ConversationView{}, err
	}
	if utf8.RuneCountInString(name) > maxGroupNameLength {
		return ConversationView{}, InvalidArgument("name is too long")
	}
	creator, err := s.loadUser(ctx, selfID, "User")
	if err != nil {
		return ConversationView{}, err
	}

	members := make([]string, 0, len(memberIDs))
	for _, id := range memberIDs {
		if id = strings.TrimSpace(id); id != "" {
			members = append(members, id)
		}
	}
	participants := uniqueIDs([]string{selfID}, members)
	found, err := s.store.GetUsersByIDs(ctx, participants)
	if err != nil {
		return ConversationView{}, err
	}
	if len(found) != len(participants) {
		return ConversationView{}, NotFound("User")
	}

	now := s.clock()
	conv := store.Conversation{
		ID:            s.newID("cnv"),
		Type:          store.ConversationGroup,
		Name:          name,
		Participants:  participants,
		CreatedBy:     selfID,
		LastMessageAt: now,
		CreatedAt:     now,
	}
	announcement := s.systemMessage(conv.ID, selfID, fmt.Sprintf("%s created the group \"%s\"", creator.Name, name), []string{selfID}, now)
	conv.LastMessagePreview = announcement.Preview()
	if err := s.store.CreateGroupConversation(ctx, conv, announcement); err != nil {
		return ConversationView{}, err
	}
	s.logger.Info("group_created", "conversation_id", conv.ID, "members", len(participants))
	s.publish(participants, "conversation.created", map[string]any{"conversationId": conv.ID})
	return s.enrichConversation(ctx, conv, selfID)
}

// AddParticipant adds userID to a group selfID belongs to.
func (s *Service) AddParticipant(ctx context.Context, conversationID, selfID, userID string) error {
	conv, err := s.memberConversation(ctx, conversationID, selfID)
	if err != nil {
		return err
	}
	if !rbac.Can(rbac.Normalize(string(conv.Type)), rbac.ActionAddMember) {
		return InvalidState("Participants can only be added to group conversations")
	}
	if conv.HasParticipant(userID) {
		return AlreadyExists("User is already a participant")
	}
	actor, err := s.loadUser(ctx, selfID, "User")
	if err != nil {
		return err
	}
	added, err := s.loadUser(ctx, userID, "User")
	if err != nil {
		return err
	}

	now := s.clock()
	msg := s.systemMessage(conv.ID, selfID, fmt.Sprintf("%s added %s to the group", actor.Name, added.Name), []string{selfID}, now)
	if err := s.store.AddParticipant(ctx, conv.ID, userID, msg); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return AlreadyExists("User is already a participant")
		}
		return err
	}
	s.publish(append(conv.Participants, userID), "conversation.updated", map[string]any{"conversationId": conv.ID})
	return nil
}

// LeaveConversation removes selfID from a group. The last member leaving
// deletes the conversation.
func (s *Service) LeaveConversation(ctx context.Context, conversationID, selfID string) error {
	conv, err := s.memberConversation(ctx, conversationID, selfID)
	if err != nil {
		return err
	}
	if !rbac.Can(rbac.Normalize(string(conv.Type)), rbac.ActionLeave) {
		return InvalidState("You can only leave group conversations")
	}
	actor, err := s.loadUser(ctx, selfID, "User")
	if err != nil {
		return err
	}
	msg := s.systemMessage(conv.ID, selfID, actor.Name+" left the group", []string{}, s.clock())
	deleted, err := s.store.RemoveParticipant(ctx, conv.ID, selfID, msg)
	if err != nil {
		return err
	}
	s.clearTyping(ctx, conv.ID, selfID)
	if deleted {
		s.logger.Info("conversation_deleted", "conversation_id", conv.ID)
		s.publish(conv.Participants, "conversation.deleted", map[string]any{"conversationId": conv.ID})
		return nil
	}
	s.publish(conv.Participants, "conversation.updated", map[string]any{"conversationId": conv.ID})
	return nil
}

type ConversationPatch struct {
	Name      *string `json:"name"`
	AvatarURL *string `json:"avatarUrl"`
}

func (s *Service) UpdateConversation(ctx context.Context, conversationID, selfID string, patch ConversationPatch) (ConversationView, error) {
	conv, err := s.memberConversation(ctx, conversationID, selfID)
	if err != nil {
		return ConversationView{}, err
	}
	if !rbac.Can(rbac.Normalize(string(conv.Type)), rbac.ActionRename) {
		return ConversationView{}, InvalidState("Only group conversations can be updated")
	}
	if patch.Name != nil {
		name, err := requireText(*patch.Name, "name")
		if err != nil {
			return ConversationView{}, err
		}
		if utf8.RuneCountInString(name) > maxGroupNameLength {
			return ConversationView{}, InvalidArgument("name is too long")
		}
		patch.Name = &name
	}
	if patch.AvatarURL != nil {
		avatar := strings.TrimSpace(*patch.AvatarURL)
		patch.AvatarURL = &avatar
	}
	updated, err := s.store.UpdateConversation(ctx, conv.ID, patch.Name, patch.AvatarURL)
	if err != nil {
		return ConversationView{}, err
	}
	s.publish(updated.Participants, "conversation.updated", map[string]any{"conversationId": updated.ID})
	return s.enrichConversation(ctx, updated, selfID)
}

// GetConversations lists selfID's conversations, most recently active first.
func (s *Service) GetConversations(ctx context.Context, selfID string) ([]ConversationView, error) {
	items, err := s.store.ListConversationSummaries(ctx, selfID)
	if err != nil {
		return nil, err
	}
	groups := make([][]string, 0, len(items))
	for _, item := range items {
		groups = append(groups, item.Participants)
	}
	profiles, err := s.profiles(ctx, uniqueIDs(groups...))
	if err != nil {
		return nil, err
	}
	now := s.clock()
	out := make([]ConversationView, 0, len(items))
	for _, item := range items {
		out = append(out, conversationView(item.Conversation, selfID, profiles, item.UnreadCount, now))
	}
	return out, nil
}

// GetConversation returns nil when the conversation does not exist or
// selfID is not one of its participants.
func (s *Service) GetConversation(ctx context.Context, selfID, conversationID string) (*ConversationView, error) {
	conv, err := s.memberConversation(ctx, conversationID, selfID)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrNotAuthorized) {
			return nil, nil
		}
		return nil, err
	}
	view, err := s.enrichConversation(ctx, conv, selfID)
	if err != nil {
		return nil, err
	}
	return &view, nil
}

func (s *Service) enrichConversation(ctx context.Context, conv store.Conversation, viewerID string) (ConversationView, error) {
	profiles, err := s.profiles(ctx, conv.Participants)
	if err != nil {
		return ConversationView{}, err
	}
	unread, err := s.store.UnreadCountForConversation(ctx, conv.ID, viewerID)
	if err != nil {
		return ConversationView{}, err
	}
	return conversationView(conv, viewerID, profiles, unread, s.clock()), nil
}

func (s *Service) systemMessage(conversationID, senderID, content string, readBy []string, now time.Time) store.Message {
	return store.Message{
		ID:             s.newID("msg"),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Type:           store.MessageSystem,
		ReadBy:         readBy,
		CreatedAt:      now,
	}
}
