package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"unicode/utf8"

	"orbit/api/internal/files"
	"orbit/api/internal/rbac"
	"orbit/api/internal/store"
)

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 200
	maxMessageLength    = 4000

	deletedPlaceholder = "This message was deleted"
)

type SendMessageInput struct {
	Content        string  `json:"content"`
	Type           string  `json:"type"`
	AttachmentURL  string  `json:"attachmentUrl"`
	AttachmentName string  `json:"attachmentName"`
	AttachmentSize int64   `json:"attachmentSize"`
	ReplyToID      *string `json:"replyToId"`
}

// SendMessage appends a message from selfID. The sender has read it already.
func (s *Service) SendMessage(ctx context.Context, conversationID, selfID string, input SendMessageInput) (MessageView, error) {
	conv, err := s.memberConversation(ctx, conversationID, selfID)
	if err != nil {
		return MessageView{}, err
	}
	if !rbac.Can(rbac.Normalize(string(conv.Type)), rbac.ActionSend) {
		return MessageView{}, NotAuthorized("You cannot send messages here")
	}
	kind, ok := store.ParseMessageType(strings.TrimSpace(input.Type))
	if !ok {
		return MessageView{}, InvalidArgument("unknown message type")
	}
	if kind == store.MessageSystem {
		return MessageView{}, InvalidArgument("system messages cannot be sent")
	}
	content := strings.TrimSpace(input.Content)
	if kind == store.MessageText && content == "" {
		return MessageView{}, InvalidArgument("content is required")
	}
	if utf8.RuneCountInString(content) > maxMessageLength {
		return MessageView{}, InvalidArgument("content is too long")
	}
	attachmentURL := strings.TrimSpace(input.AttachmentURL)
	if kind != store.MessageText && attachmentURL == "" {
		return MessageView{}, InvalidArgument("attachmentUrl is required")
	}
	if input.AttachmentSize < 0 {
		return MessageView{}, InvalidArgument("attachmentSize must not be negative")
	}

	var replyTo *string
	if input.ReplyToID != nil && strings.TrimSpace(*input.ReplyToID) != "" {
		id := strings.TrimSpace(*input.ReplyToID)
		target, err := s.store.GetMessage(ctx, id)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return MessageView{}, err
		}
		if err != nil || target.ConversationID != conv.ID {
			return MessageView{}, InvalidArgument("replyToId must reference a message in this conversation")
		}
		replyTo = &id
	}

	msg := store.Message{
		ID:             s.newID("msg"),
		ConversationID: conv.ID,
		SenderID:       selfID,
		Content:        content,
		Type:           kind,
		AttachmentURL:  attachmentURL,
		AttachmentName: strings.TrimSpace(input.AttachmentName),
		AttachmentSize: input.AttachmentSize,
		ReplyToID:      replyTo,
		ReadBy:         []string{selfID},
		CreatedAt:      s.clock(),
	}
	if err := s.store.InsertMessage(ctx, msg); err != nil {
		return MessageView{}, err
	}
	s.clearTyping(ctx, conv.ID, selfID)
	if s.metrics != nil {
		s.metrics.MessagesSent.WithLabelValues(string(kind)).Inc()
	}

	view := messageView(msg)
	s.publish(conv.Participants, "message.created", view)
	return view, nil
}

type AttachmentInput struct {
	Content   string  `json:"content"`
	Type      string  `json:"type"`
	ObjectKey string  `json:"objectKey"`
	Name      string  `json:"name"`
	Size      int64   `json:"size"`
	ReplyToID *string `json:"replyToId"`
}

// SendAttachment resolves an uploaded object to a download URL and sends it
// as a message.
func (s *Service) SendAttachment(ctx context.Context, conversationID, selfID string, input AttachmentInput) (MessageView, error) {
	if s.files == nil {
		return MessageView{}, InvalidState("File storage is not configured")
	}
	if _, err := s.memberConversation(ctx, conversationID, selfID); err != nil {
		return MessageView{}, err
	}
	kind := strings.TrimSpace(input.Type)
	if kind == "" {
		kind = string(store.MessageFile)
	}
	if kind == string(store.MessageText) {
		return MessageView{}, InvalidArgument("attachments must be image, file or voice")
	}
	url, err := s.files.GetURL(ctx, strings.TrimSpace(input.ObjectKey))
	if err != nil {
		if errors.Is(err, files.ErrInvalidKey) {
			return MessageView{}, InvalidArgument("objectKey is invalid")
		}
		return MessageView{}, err
	}
	return s.SendMessage(ctx, conversationID, selfID, SendMessageInput{
		Content:        input.Content,
		Type:           kind,
		AttachmentURL:  url,
		AttachmentName: input.Name,
		AttachmentSize: input.Size,
		ReplyToID:      input.ReplyToID,
	})
}

// GetMessages returns the newest messages oldest first. Non-members get an
// empty list.
func (s *Service) GetMessages(ctx context.Context, conversationID, selfID string, limit int) ([]MessageView, error) {
	if _, err := s.memberConversation(ctx, conversationID, selfID); err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrNotAuthorized) {
			return []MessageView{}, nil
		}
		return nil, err
	}
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	if limit > maxMessageLimit {
		limit = maxMessageLimit
	}
	items, err := s.store.ListMessages(ctx, conversationID, limit)
	if err != nil {
		return nil, err
	}
	now := s.clock()
	out := make([]MessageView, 0, len(items))
	for _, item := range items {
		view := messageView(item.Message)
		sender := profileView(item.Sender, now)
		view.Sender = &sender
		out = append(out, view)
	}
	return out, nil
}

// MarkAsRead marks every message from others as read by selfID. Calling it
// as a non-member does nothing.
func (s *Service) MarkAsRead(ctx context.Context, conversationID, selfID string) (int64, error) {
	conv, err := s.memberConversation(ctx, conversationID, selfID)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrNotAuthorized) {
			return 0, nil
		}
		return 0, err
	}
	marked, err := s.store.MarkConversationRead(ctx, conv.ID, selfID)
	if err != nil {
		return 0, err
	}
	if marked > 0 {
		s.publish(conv.Participants, "conversation.read", map[string]any{"conversationId": conv.ID, "userId": selfID})
	}
	return marked, nil
}

// DeleteMessage replaces the content with a placeholder and stamps deletedAt.
func (s *Service) DeleteMessage(ctx context.Context, messageID, selfID string) error {
	msg, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != selfID {
		return NotOwner("message")
	}
	if err := s.store.SoftDeleteMessage(ctx, msg.ID, deletedPlaceholder, s.clock()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return NotFound("Message")
		}
		return err
	}
	s.publishToConversation(ctx, msg.ConversationID, "message.deleted", map[string]any{"messageId": msg.ID, "conversationId": msg.ConversationID})
	return nil
}

func (s *Service) EditMessage(ctx context.Context, messageID, selfID, content string) (MessageView, error) {
	msg, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return MessageView{}, err
	}
	if msg.SenderID != selfID {
		return MessageView{}, NotOwner("message")
	}
	if msg.DeletedAt != nil {
		return MessageView{}, InvalidState("Deleted messages cannot be edited")
	}
	if msg.Type != store.MessageText {
		return MessageView{}, InvalidState("Only text messages can be edited")
	}
	content, err = requireText(content, "content")
	if err != nil {
		return MessageView{}, err
	}
	if utf8.RuneCountInString(content) > maxMessageLength {
		return MessageView{}, InvalidArgument("content is too long")
	}

	now := s.clock()
	if err := s.store.EditMessage(ctx, msg.ID, content, now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MessageView{}, InvalidState("Deleted messages cannot be edited")
		}
		return MessageView{}, err
	}
	msg.Content = content
	msg.EditedAt = &now
	view := messageView(msg)
	s.publishToConversation(ctx, msg.ConversationID, "message.updated", view)
	return view, nil
}

func (s *Service) GetUnreadCount(ctx context.Context, selfID string) (int, error) {
	return s.store.UnreadCount(ctx, selfID)
}

func (s *Service) publishToConversation(ctx context.Context, conversationID, eventType string, payload any) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		s.logger.Warn("event_recipients_lookup_failed", "conversation_id", conversationID, "error", err)
		return
	}
	s.publish(conv.Participants, eventType, payload)
}
