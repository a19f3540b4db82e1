package app

import (
	"time"

	"github.com/dustin/go-humanize"

	"orbit/api/internal/store"
)

type ProfileView struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Handle        string    `json:"handle"`
	AvatarURL     string    `json:"avatarUrl,omitempty"`
	IsOnline      bool      `json:"isOnline"`
	LastSeen      time.Time `json:"lastSeen"`
	LastSeenLabel string    `json:"lastSeenLabel,omitempty"`
}

// UserView is the caller's own record, including private fields.
type UserView struct {
	ProfileView
	Email     string         `json:"email"`
	Bio       string         `json:"bio,omitempty"`
	Status    string         `json:"status,omitempty"`
	Settings  store.Settings `json:"settings"`
	CreatedAt time.Time      `json:"createdAt"`
}

type InvitationView struct {
	ID          string       `json:"id"`
	FromUserID  string       `json:"fromUserId"`
	ToUserID    string       `json:"toUserId"`
	Status      string       `json:"status"`
	Message     string       `json:"message,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	RespondedAt *time.Time   `json:"respondedAt,omitempty"`
	User        *ProfileView `json:"user,omitempty"`
}

const (
	InvitationCreated      = "created"
	InvitationAutoAccepted = "auto_accepted"
)

type InvitationResult struct {
	Type         string `json:"type"`
	InvitationID string `json:"invitationId"`
}

const (
	RelationshipConnected = "connected"
	RelationshipSent      = "sent"
	RelationshipReceived  = "received"
	RelationshipNone      = "none"
)

type RelationshipStatus struct {
	Status       string `json:"status"`
	InvitationID string `json:"invitationId,omitempty"`
}

type ConversationView struct {
	ID                 string        `json:"id"`
	Type               string        `json:"type"`
	Name               string        `json:"name,omitempty"`
	AvatarURL          string        `json:"avatarUrl,omitempty"`
	ParticipantIDs     []string      `json:"participantIds"`
	Participants       []ProfileView `json:"participants"`
	OtherParticipant   *ProfileView  `json:"otherParticipant,omitempty"`
	CreatedBy          string        `json:"createdBy"`
	LastMessageAt      time.Time     `json:"lastMessageAt"`
	LastMessagePreview string        `json:"lastMessagePreview,omitempty"`
	UnreadCount        int           `json:"unreadCount"`
	CreatedAt          time.Time     `json:"createdAt"`
}

type MessageView struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	SenderID       string       `json:"senderId"`
	Content        string       `json:"content"`
	Type           string       `json:"type"`
	AttachmentURL  string       `json:"attachmentUrl,omitempty"`
	AttachmentName string       `json:"attachmentName,omitempty"`
	AttachmentSize int64        `json:"attachmentSize,omitempty"`
	ReplyToID      *string      `json:"replyToId,omitempty"`
	ReadBy         []string     `json:"readBy"`
	EditedAt       *time.Time   `json:"editedAt,omitempty"`
	DeletedAt      *time.Time   `json:"deletedAt,omitempty"`
	IsDeleted      bool         `json:"isDeleted"`
	CreatedAt      time.Time    `json:"createdAt"`
	Sender         *ProfileView `json:"sender,omitempty"`
}

type TypingView struct {
	UserID    string      `json:"userId"`
	ExpiresAt time.Time   `json:"expiresAt"`
	User      ProfileView `json:"user"`
}

type ReactionUser struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

type ReactionGroup struct {
	Emoji string         `json:"emoji"`
	Count int            `json:"count"`
	Users []ReactionUser `json:"users"`
}

type ReactionSummary struct {
	Emoji   string   `json:"emoji"`
	Count   int      `json:"count"`
	UserIDs []string `json:"userIds"`
}

func lastSeenLabel(p store.UserProfile, now time.Time) string {
	if p.IsOnline {
		return "online"
	}
	if p.LastSeen.IsZero() {
		return ""
	}
	if now.Sub(p.LastSeen) < time.Minute {
		return "just now"
	}
	return humanize.RelTime(p.LastSeen, now, "ago", "from now")
}

func profileView(p store.UserProfile, now time.Time) ProfileView {
	return ProfileView{
		ID:            p.ID,
		Name:          p.Name,
		Handle:        p.Handle,
		AvatarURL:     p.AvatarURL,
		IsOnline:      p.IsOnline,
		LastSeen:      p.LastSeen,
		LastSeenLabel: lastSeenLabel(p, now),
	}
}

func profileViews(users []store.User, now time.Time) []ProfileView {
	out := make([]ProfileView, 0, len(users))
	for _, u := range users {
		out = append(out, profileView(u.Profile(), now))
	}
	return out
}

func userView(u store.User, now time.Time) UserView {
	return UserView{
		ProfileView: profileView(u.Profile(), now),
		Email:       u.Email,
		Bio:         u.Bio,
		Status:      u.Status,
		Settings:    u.Settings,
		CreatedAt:   u.CreatedAt,
	}
}

func invitationView(inv store.Invitation) InvitationView {
	return InvitationView{
		ID:          inv.ID,
		FromUserID:  inv.FromUser,
		ToUserID:    inv.ToUser,
		Status:      string(inv.Status),
		Message:     inv.Message,
		CreatedAt:   inv.CreatedAt,
		RespondedAt: inv.RespondedAt,
	}
}

func messageView(m store.Message) MessageView {
	readBy := m.ReadBy
	if readBy == nil {
		readBy = []string{}
	}
	return MessageView{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Type:           string(m.Type),
		AttachmentURL:  m.AttachmentURL,
		AttachmentName: m.AttachmentName,
		AttachmentSize: m.AttachmentSize,
		ReplyToID:      m.ReplyToID,
		ReadBy:         readBy,
		EditedAt:       m.EditedAt,
		DeletedAt:      m.DeletedAt,
		IsDeleted:      m.DeletedAt != nil,
		CreatedAt:      m.CreatedAt,
	}
}

// conversationView resolves participant ids against profiles, keeping the
// stored participant order. Ids without a profile are skipped.
func conversationView(conv store.Conversation, viewerID string, profiles map[string]store.UserProfile, unread int, now time.Time) ConversationView {
	view := ConversationView{
		ID:                 conv.ID,
		Type:               string(conv.Type),
		Name:               conv.Name,
		AvatarURL:          conv.AvatarURL,
		ParticipantIDs:     append([]string{}, conv.Participants...),
		Participants:       make([]ProfileView, 0, len(conv.Participants)),
		CreatedBy:          conv.CreatedBy,
		LastMessageAt:      conv.LastMessageAt,
		LastMessagePreview: conv.LastMessagePreview,
		UnreadCount:        unread,
		CreatedAt:          conv.CreatedAt,
	}
	for _, id := range conv.Participants {
		p, ok := profiles[id]
		if !ok {
			continue
		}
		pv := profileView(p, now)
		view.Participants = append(view.Participants, pv)
		if conv.Type == store.ConversationDirect && id != viewerID && view.OtherParticipant == nil {
			other := pv
			view.OtherParticipant = &other
		}
	}
	return view
}

// groupReactions folds raw reactions into per-emoji groups ordered by first use.
func groupReactions(items []store.ReactionWithUser) []ReactionGroup {
	groups := make([]ReactionGroup, 0)
	index := make(map[string]int)
	for _, item := range items {
		i, ok := index[item.Emoji]
		if !ok {
			i = len(groups)
			index[item.Emoji] = i
			groups = append(groups, ReactionGroup{Emoji: item.Emoji, Users: []ReactionUser{}})
		}
		groups[i].Count++
		groups[i].Users = append(groups[i].Users, ReactionUser{
			ID:        item.User.ID,
			Name:      item.User.Name,
			AvatarURL: item.User.AvatarURL,
		})
	}
	return groups
}

func summarizeReactions(messageIDs []string, items []store.Reaction) map[string][]ReactionSummary {
	out := make(map[string][]ReactionSummary, len(messageIDs))
	for _, id := range messageIDs {
		out[id] = []ReactionSummary{}
	}
	index := make(map[string]map[string]int)
	for _, r := range items {
		if _, ok := out[r.MessageID]; !ok {
			continue
		}
		if index[r.MessageID] == nil {
			index[r.MessageID] = make(map[string]int)
		}
		i, ok := index[r.MessageID][r.Emoji]
		if !ok {
			i = len(out[r.MessageID])
			index[r.MessageID][r.Emoji] = i
			out[r.MessageID] = append(out[r.MessageID], ReactionSummary{Emoji: r.Emoji, UserIDs: []string{}})
		}
		out[r.MessageID][i].Count++
		out[r.MessageID][i].UserIDs = append(out[r.MessageID][i].UserIDs, r.UserID)
	}
	return out
}

func profileIndex(users []store.User) map[string]store.UserProfile {
	out := make(map[string]store.UserProfile, len(users))
	for _, u := range users {
		out[u.ID] = u.Profile()
	}
	return out
}

func uniqueIDs(groups ...[]string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, ids := range groups {
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
