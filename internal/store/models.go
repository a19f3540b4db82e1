package store

import (
	"slices"
	"strings"
	"time"
)

type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

func ParseConversationType(value string) (ConversationType, bool) {
	switch ConversationType(value) {
	case ConversationDirect, ConversationGroup:
		return ConversationType(value), true
	default:
		return "", false
	}
}

type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
	MessageVoice  MessageType = "voice"
	MessageSystem MessageType = "system"
)

// ParseMessageType maps an empty value to MessageText.
func ParseMessageType(value string) (MessageType, bool) {
	if value == "" {
		return MessageText, true
	}
	switch MessageType(value) {
	case MessageText, MessageImage, MessageFile, MessageVoice, MessageSystem:
		return MessageType(value), true
	default:
		return "", false
	}
}

type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
	InvitationDeclined InvitationStatus = "declined"
)

type Settings struct {
	Theme            string `json:"theme"`
	Notifications    bool   `json:"notifications"`
	Language         string `json:"language"`
	ShowOnlineStatus *bool  `json:"showOnlineStatus,omitempty"`
	ReadReceipts     *bool  `json:"readReceipts,omitempty"`
	TypingIndicators *bool  `json:"typingIndicators,omitempty"`
}

func DefaultSettings() Settings {
	return Settings{Theme: "dark", Notifications: true, Language: "en"}
}

type User struct {
	ID         string
	IdentityID string
	Email      string
	Name       string
	Handle     string
	AvatarURL  string
	Bio        string
	Status     string
	IsOnline   bool
	LastSeen   time.Time
	Settings   Settings
	CreatedAt  time.Time
}

// UserProfile is the public subset of a user embedded in other payloads.
type UserProfile struct {
	ID        string
	Name      string
	Handle    string
	AvatarURL string
	IsOnline  bool
	LastSeen  time.Time
}

func (u User) Profile() UserProfile {
	return UserProfile{
		ID:        u.ID,
		Name:      u.Name,
		Handle:    u.Handle,
		AvatarURL: u.AvatarURL,
		IsOnline:  u.IsOnline,
		LastSeen:  u.LastSeen,
	}
}

type UserUpsert struct {
	ID         string
	IdentityID string
	Email      string
	Name       string
	Handle     string
	AvatarURL  string
}

type ProfilePatch struct {
	Name   *string
	Bio    *string
	Status *string
}

type Connection struct {
	ID        string
	User1     string
	User2     string
	CreatedAt time.Time
}

type Invitation struct {
	ID          string
	FromUser    string
	ToUser      string
	Status      InvitationStatus
	Message     string
	CreatedAt   time.Time
	RespondedAt *time.Time
}

// InvitationWithUser pairs an invitation with the profile of the other party.
type InvitationWithUser struct {
	Invitation
	User UserProfile
}

type Conversation struct {
	ID                 string
	Type               ConversationType
	Name               string
	AvatarURL          string
	Participants       []string
	CreatedBy          string
	LastMessageAt      time.Time
	LastMessagePreview string
	CreatedAt          time.Time
}

func (c Conversation) HasParticipant(userID string) bool {
	return slices.Contains(c.Participants, userID)
}

// ConversationSummary is a conversation together with the viewer's unread count.
type ConversationSummary struct {
	Conversation
	UnreadCount int
}

type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	Type           MessageType
	AttachmentURL  string
	AttachmentName string
	AttachmentSize int64
	ReplyToID      *string
	ReadBy         []string
	EditedAt       *time.Time
	DeletedAt      *time.Time
	CreatedAt      time.Time
}

func (m Message) ReadByUser(userID string) bool {
	return slices.Contains(m.ReadBy, userID)
}

const previewRunes = 50

// Preview is the conversation list summary shown for m.
func (m Message) Preview() string {
	switch m.Type {
	case MessageImage:
		return "📷 Image"
	case MessageVoice:
		return "🎤 Voice message"
	case MessageFile:
		if strings.TrimSpace(m.AttachmentName) == "" {
			return "📎 File"
		}
		return "📎 " + m.AttachmentName
	case MessageText, MessageSystem:
		runes := []rune(m.Content)
		if len(runes) > previewRunes {
			return string(runes[:previewRunes])
		}
		return m.Content
	default:
		return m.Content
	}
}

// MessageWithSender carries the sender profile resolved in the same query.
type MessageWithSender struct {
	Message
	Sender UserProfile
}

type Reaction struct {
	ID        string
	MessageID string
	UserID    string
	Emoji     string
	CreatedAt time.Time
}

// ReactionWithUser is one reaction row joined with its author.
type ReactionWithUser struct {
	Reaction
	User UserProfile
}

type TypingIndicator struct {
	ConversationID string
	UserID         string
	ExpiresAt      time.Time
}
