package app

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"orbit/api/internal/config"
	"orbit/api/internal/realtime"
	"orbit/api/internal/search"
	"orbit/api/internal/store"
)

// memStore is an in-memory dataStore and TypingStore. It enforces the same
// uniqueness rules as the PostgreSQL indexes.
type memStore struct {
	mu            sync.Mutex
	users         []*store.User
	connections   []store.Connection
	invitations   []*store.Invitation
	conversations []*store.Conversation
	messages      []*store.Message
	reactions     []store.Reaction
	typing        map[string]map[string]time.Time
	uploads       map[string]string

	pingFn func(context.Context) error
}

func newMemStore() *memStore {
	return &memStore{
		typing:  make(map[string]map[string]time.Time),
		uploads: make(map[string]string),
	}
}

func (m *memStore) Ping(ctx context.Context) error {
	if m.pingFn != nil {
		return m.pingFn(ctx)
	}
	return nil
}

func (m *memStore) userLocked(id string) *store.User {
	for _, u := range m.users {
		if u.ID == id {
			return u
		}
	}
	return nil
}

func (m *memStore) UpsertUser(_ context.Context, in store.UserUpsert, now time.Time) (store.User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.IdentityID == in.IdentityID {
			u.Email = in.Email
			u.Name = in.Name
			u.AvatarURL = in.AvatarURL
			u.IsOnline = true
			u.LastSeen = now
			return *u, false, nil
		}
	}
	for _, u := range m.users {
		if strings.EqualFold(u.Handle, in.Handle) {
			return store.User{}, false, store.ErrHandleTaken
		}
	}
	u := &store.User{
		ID:         in.ID,
		IdentityID: in.IdentityID,
		Email:      in.Email,
		Name:       in.Name,
		Handle:     in.Handle,
		AvatarURL:  in.AvatarURL,
		IsOnline:   true,
		LastSeen:   now,
		Settings:   store.DefaultSettings(),
		CreatedAt:  now,
	}
	m.users = append(m.users, u)
	return *u, true, nil
}

func (m *memStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u := m.userLocked(id); u != nil {
		return *u, nil
	}
	return store.User{}, sql.ErrNoRows
}

func (m *memStore) GetUserByIdentity(_ context.Context, identityID string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.IdentityID == identityID {
			return *u, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (m *memStore) GetUserByHandle(_ context.Context, h string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Handle, h) {
			return *u, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (m *memStore) GetUsersByIDs(_ context.Context, ids []string) ([]store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.User, 0, len(ids))
	seen := make(map[string]bool)
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if u := m.userLocked(id); u != nil {
			out = append(out, *u)
		}
	}
	return out, nil
}

func (m *memStore) UpdateProfile(_ context.Context, id string, patch store.ProfilePatch) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.userLocked(id)
	if u == nil {
		return store.User{}, sql.ErrNoRows
	}
	if patch.Name != nil {
		u.Name = *patch.Name
	}
	if patch.Bio != nil {
		u.Bio = *patch.Bio
	}
	if patch.Status != nil {
		u.Status = *patch.Status
	}
	return *u, nil
}

func (m *memStore) UpdateSettings(_ context.Context, id string, settings store.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.userLocked(id)
	if u == nil {
		return sql.ErrNoRows
	}
	u.Settings = settings
	return nil
}

func (m *memStore) SetPresence(_ context.Context, id string, online bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.userLocked(id)
	if u == nil {
		return sql.ErrNoRows
	}
	u.IsOnline = online
	u.LastSeen = at
	return nil
}

func (m *memStore) connectedLocked(a, b string) bool {
	for _, c := range m.connections {
		if (c.User1 == a && c.User2 == b) || (c.User1 == b && c.User2 == a) {
			return true
		}
	}
	return false
}

func (m *memStore) pendingLocked(from, to string) *store.Invitation {
	for _, inv := range m.invitations {
		if inv.FromUser == from && inv.ToUser == to && inv.Status == store.InvitationPending {
			return inv
		}
	}
	return nil
}

func (m *memStore) SuggestedUsers(_ context.Context, id string, limit int) ([]store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.User, 0)
	for _, u := range m.users {
		if u.ID == id || m.connectedLocked(id, u.ID) || m.pendingLocked(id, u.ID) != nil {
			continue
		}
		out = append(out, *u)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) ListConnections(_ context.Context, id string) ([]store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.User, 0)
	for _, c := range m.connections {
		other := ""
		switch id {
		case c.User1:
			other = c.User2
		case c.User2:
			other = c.User1
		default:
			continue
		}
		if u := m.userLocked(other); u != nil {
			out = append(out, *u)
		}
	}
	return out, nil
}

func (m *memStore) AreConnected(_ context.Context, a, b string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectedLocked(a, b), nil
}

func (m *memStore) connectionCount(a, b string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.connections {
		if (c.User1 == a && c.User2 == b) || (c.User1 == b && c.User2 == a) {
			n++
		}
	}
	return n
}

func (m *memStore) pendingBetween(a, b string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, inv := range m.invitations {
		if inv.Status != store.InvitationPending {
			continue
		}
		if (inv.FromUser == a && inv.ToUser == b) || (inv.FromUser == b && inv.ToUser == a) {
			n++
		}
	}
	return n
}

func (m *memStore) GetInvitation(_ context.Context, id string) (store.Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inv := range m.invitations {
		if inv.ID == id {
			return *inv, nil
		}
	}
	return store.Invitation{}, sql.ErrNoRows
}

func (m *memStore) FindPendingInvitation(_ context.Context, from, to string) (*store.Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inv := m.pendingLocked(from, to); inv != nil {
		found := *inv
		return &found, nil
	}
	return nil, nil
}

func (m *memStore) addConnectionLocked(id, a, b string, now time.Time) {
	if m.connectedLocked(a, b) {
		return
	}
	m.connections = append(m.connections, store.Connection{ID: id, User1: a, User2: b, CreatedAt: now})
}

func (m *memStore) SendInvitation(_ context.Context, inv store.Invitation, connectionID string, now time.Time) (store.InvitationOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reverse := m.pendingLocked(inv.ToUser, inv.FromUser); reverse != nil {
		reverse.Status = store.InvitationAccepted
		responded := now
		reverse.RespondedAt = &responded
		m.addConnectionLocked(connectionID, inv.FromUser, inv.ToUser, now)
		return store.InvitationOutcome{InvitationID: reverse.ID, AutoAccepted: true}, nil
	}
	if m.pendingLocked(inv.FromUser, inv.ToUser) != nil {
		return store.InvitationOutcome{}, store.ErrAlreadyInvited
	}
	stored := inv
	stored.Status = store.InvitationPending
	stored.CreatedAt = now
	m.invitations = append(m.invitations, &stored)
	return store.InvitationOutcome{InvitationID: stored.ID}, nil
}

func (m *memStore) AcceptInvitation(_ context.Context, id, connectionID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inv := range m.invitations {
		if inv.ID != id || inv.Status != store.InvitationPending {
			continue
		}
		inv.Status = store.InvitationAccepted
		responded := now
		inv.RespondedAt = &responded
		m.addConnectionLocked(connectionID, inv.FromUser, inv.ToUser, now)
		return true, nil
	}
	return false, nil
}

func (m *memStore) DeclineInvitation(_ context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inv := range m.invitations {
		if inv.ID == id && inv.Status == store.InvitationPending {
			inv.Status = store.InvitationDeclined
			responded := now
			inv.RespondedAt = &responded
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) DeletePendingInvitation(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, inv := range m.invitations {
		if inv.ID == id && inv.Status == store.InvitationPending {
			m.invitations = slices.Delete(m.invitations, i, i+1)
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) listPending(match func(*store.Invitation) (string, bool)) []store.InvitationWithUser {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.InvitationWithUser, 0)
	for _, inv := range m.invitations {
		other, ok := match(inv)
		if !ok || inv.Status != store.InvitationPending {
			continue
		}
		if u := m.userLocked(other); u != nil {
			out = append(out, store.InvitationWithUser{Invitation: *inv, User: u.Profile()})
		}
	}
	return out
}

func (m *memStore) ListReceivedInvitations(_ context.Context, id string) ([]store.InvitationWithUser, error) {
	return m.listPending(func(inv *store.Invitation) (string, bool) { return inv.FromUser, inv.ToUser == id }), nil
}

func (m *memStore) ListSentInvitations(_ context.Context, id string) ([]store.InvitationWithUser, error) {
	return m.listPending(func(inv *store.Invitation) (string, bool) { return inv.ToUser, inv.FromUser == id }), nil
}

func (m *memStore) CountPendingInvitations(ctx context.Context, id string) (int, error) {
	items, _ := m.ListReceivedInvitations(ctx, id)
	return len(items), nil
}

func (m *memStore) conversationLocked(id string) *store.Conversation {
	for _, c := range m.conversations {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func cloneConversation(c *store.Conversation) store.Conversation {
	out := *c
	out.Participants = slices.Clone(c.Participants)
	return out
}

func (m *memStore) GetConversation(_ context.Context, id string) (store.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.conversationLocked(id); c != nil {
		return cloneConversation(c), nil
	}
	return store.Conversation{}, sql.ErrNoRows
}

func (m *memStore) directLocked(a, b string) *store.Conversation {
	key := store.DirectKey(a, b)
	for _, c := range m.conversations {
		if c.Type == store.ConversationDirect && store.DirectKey(c.Participants[0], c.Participants[1]) == key {
			return c
		}
	}
	return nil
}

func (m *memStore) FindDirectConversation(_ context.Context, a, b string) (*store.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.directLocked(a, b); c != nil {
		found := cloneConversation(c)
		return &found, nil
	}
	return nil, nil
}

func (m *memStore) CreateDirectConversation(_ context.Context, conv store.Conversation) (store.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(conv.Participants) != 2 {
		return store.Conversation{}, fmt.Errorf("direct conversation needs 2 participants")
	}
	if existing := m.directLocked(conv.Participants[0], conv.Participants[1]); existing != nil {
		return cloneConversation(existing), nil
	}
	stored := cloneConversation(&conv)
	m.conversations = append(m.conversations, &stored)
	return cloneConversation(&stored), nil
}

func (m *memStore) CreateGroupConversation(_ context.Context, conv store.Conversation, announcement store.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := cloneConversation(&conv)
	m.conversations = append(m.conversations, &stored)
	msg := announcement
	m.messages = append(m.messages, &msg)
	return nil
}

func (m *memStore) unreadLocked(convID, userID string) int {
	n := 0
	for _, msg := range m.messages {
		if msg.ConversationID == convID && msg.SenderID != userID && !msg.ReadByUser(userID) {
			n++
		}
	}
	return n
}

func (m *memStore) ListConversationSummaries(_ context.Context, userID string) ([]store.ConversationSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.ConversationSummary, 0)
	for _, c := range m.conversations {
		if c.HasParticipant(userID) {
			out = append(out, store.ConversationSummary{Conversation: cloneConversation(c), UnreadCount: m.unreadLocked(c.ID, userID)})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *memStore) UnreadCountForConversation(_ context.Context, convID, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unreadLocked(convID, userID), nil
}

func (m *memStore) UpdateConversation(_ context.Context, id string, name, avatar *string) (store.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.conversationLocked(id)
	if c == nil {
		return store.Conversation{}, sql.ErrNoRows
	}
	if name != nil {
		c.Name = *name
	}
	if avatar != nil {
		c.AvatarURL = *avatar
	}
	return cloneConversation(c), nil
}

func (m *memStore) touchLocked(msg store.Message) {
	if c := m.conversationLocked(msg.ConversationID); c != nil {
		c.LastMessageAt = msg.CreatedAt
		c.LastMessagePreview = msg.Preview()
	}
}

func (m *memStore) AddParticipant(_ context.Context, convID, userID string, announcement store.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.conversationLocked(convID)
	if c == nil {
		return sql.ErrNoRows
	}
	if c.HasParticipant(userID) {
		return store.ErrAlreadyExists
	}
	c.Participants = append(c.Participants, userID)
	msg := announcement
	m.messages = append(m.messages, &msg)
	m.touchLocked(msg)
	return nil
}

func (m *memStore) RemoveParticipant(_ context.Context, convID, userID string, announcement store.Message) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.conversationLocked(convID)
	if c == nil {
		return false, sql.ErrNoRows
	}
	c.Participants = slices.DeleteFunc(c.Participants, func(id string) bool { return id == userID })
	delete(m.typing[convID], userID)
	if len(c.Participants) == 0 {
		m.conversations = slices.DeleteFunc(m.conversations, func(x *store.Conversation) bool { return x.ID == convID })
		removed := make(map[string]bool)
		m.messages = slices.DeleteFunc(m.messages, func(msg *store.Message) bool {
			if msg.ConversationID == convID {
				removed[msg.ID] = true
				return true
			}
			return false
		})
		m.reactions = slices.DeleteFunc(m.reactions, func(r store.Reaction) bool { return removed[r.MessageID] })
		delete(m.typing, convID)
		return true, nil
	}
	msg := announcement
	m.messages = append(m.messages, &msg)
	m.touchLocked(msg)
	return false, nil
}

func (m *memStore) ConversationPeers(_ context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	groups := make([][]string, 0)
	for _, c := range m.conversations {
		if c.HasParticipant(userID) {
			groups = append(groups, slices.DeleteFunc(slices.Clone(c.Participants), func(id string) bool { return id == userID }))
		}
	}
	return uniqueIDs(groups...), nil
}

func (m *memStore) messageLocked(id string) *store.Message {
	for _, msg := range m.messages {
		if msg.ID == id {
			return msg
		}
	}
	return nil
}

func cloneMessage(msg *store.Message) store.Message {
	out := *msg
	out.ReadBy = slices.Clone(msg.ReadBy)
	return out
}

func (m *memStore) InsertMessage(_ context.Context, msg store.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := cloneMessage(&msg)
	m.messages = append(m.messages, &stored)
	m.touchLocked(stored)
	delete(m.typing[msg.ConversationID], msg.SenderID)
	return nil
}

func (m *memStore) GetMessage(_ context.Context, id string) (store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg := m.messageLocked(id); msg != nil {
		return cloneMessage(msg), nil
	}
	return store.Message{}, sql.ErrNoRows
}

func (m *memStore) ListMessages(_ context.Context, convID string, limit int) ([]store.MessageWithSender, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.MessageWithSender, 0)
	for _, msg := range m.messages {
		if msg.ConversationID != convID {
			continue
		}
		sender := m.userLocked(msg.SenderID)
		if sender == nil {
			continue
		}
		items = append(items, store.MessageWithSender{Message: cloneMessage(msg), Sender: sender.Profile()})
	}
	if len(items) > limit {
		items = items[len(items)-limit:]
	}
	return items, nil
}

func (m *memStore) MarkConversationRead(_ context.Context, convID, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, msg := range m.messages {
		if msg.ConversationID == convID && msg.SenderID != userID && !msg.ReadByUser(userID) {
			msg.ReadBy = append(msg.ReadBy, userID)
			n++
		}
	}
	return n, nil
}

func (m *memStore) SoftDeleteMessage(_ context.Context, id, placeholder string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := m.messageLocked(id)
	if msg == nil {
		return sql.ErrNoRows
	}
	msg.Content = placeholder
	deleted := now
	msg.DeletedAt = &deleted
	return nil
}

func (m *memStore) EditMessage(_ context.Context, id, content string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := m.messageLocked(id)
	if msg == nil || msg.DeletedAt != nil {
		return sql.ErrNoRows
	}
	msg.Content = content
	edited := now
	msg.EditedAt = &edited
	return nil
}

func (m *memStore) UnreadCount(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.conversations {
		if c.HasParticipant(userID) {
			n += m.unreadLocked(c.ID, userID)
		}
	}
	return n, nil
}

func (m *memStore) ToggleReaction(_ context.Context, r store.Reaction) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.reactions {
		if existing.MessageID == r.MessageID && existing.UserID == r.UserID && existing.Emoji == r.Emoji {
			m.reactions = slices.Delete(m.reactions, i, i+1)
			return false, nil
		}
	}
	m.reactions = append(m.reactions, r)
	return true, nil
}

func (m *memStore) RemoveReaction(_ context.Context, messageID, userID, emoji string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.reactions {
		if existing.MessageID == messageID && existing.UserID == userID && existing.Emoji == emoji {
			m.reactions = slices.Delete(m.reactions, i, i+1)
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) ListReactions(_ context.Context, messageID string) ([]store.ReactionWithUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.ReactionWithUser, 0)
	for _, r := range m.reactions {
		if r.MessageID != messageID {
			continue
		}
		if u := m.userLocked(r.UserID); u != nil {
			out = append(out, store.ReactionWithUser{Reaction: r, User: u.Profile()})
		}
	}
	return out, nil
}

func (m *memStore) RecordUpload(_ context.Context, key, ownerID string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads[key] = ownerID
	return nil
}

func (m *memStore) UploadOwner(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, ok := m.uploads[key]
	if !ok {
		return "", sql.ErrNoRows
	}
	return owner, nil
}

func (m *memStore) DeleteUpload(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.uploads, key)
	return nil
}

func (m *memStore) ListVisibleReactions(_ context.Context, viewerID string, ids []string) ([]string, []store.Reaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	visible := make([]string, 0, len(ids))
	for _, id := range ids {
		msg := m.messageLocked(id)
		if msg == nil {
			continue
		}
		if c := m.conversationLocked(msg.ConversationID); c != nil && c.HasParticipant(viewerID) {
			visible = append(visible, id)
		}
	}
	out := make([]store.Reaction, 0)
	for _, r := range m.reactions {
		if slices.Contains(visible, r.MessageID) {
			out = append(out, r)
		}
	}
	return visible, out, nil
}

func (m *memStore) reactionCount(messageID, userID, emoji string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.reactions {
		if r.MessageID == messageID && r.UserID == userID && r.Emoji == emoji {
			n++
		}
	}
	return n
}

func (m *memStore) SetTyping(_ context.Context, convID, userID string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.typing[convID] == nil {
		m.typing[convID] = make(map[string]time.Time)
	}
	m.typing[convID][userID] = expiresAt
	return nil
}

func (m *memStore) ClearTyping(_ context.Context, convID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.typing[convID], userID)
	return nil
}

// ListTyping returns every stored row, expired or not, so callers are
// exercised on their own expiry filtering.
func (m *memStore) ListTyping(_ context.Context, convID string, _ time.Time) ([]store.TypingIndicator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.TypingIndicator, 0)
	for userID, expiresAt := range m.typing[convID] {
		out = append(out, store.TypingIndicator{ConversationID: convID, UserID: userID, ExpiresAt: expiresAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

type fakeSearcher struct {
	searchFn func(context.Context, search.Query) ([]string, error)
	indexed  []search.UserRecord
	mu       sync.Mutex
}

func (f *fakeSearcher) SearchUsers(ctx context.Context, q search.Query) ([]string, error) {
	if f.searchFn != nil {
		return f.searchFn(ctx, q)
	}
	return []string{}, nil
}

func (f *fakeSearcher) IndexUser(u search.UserRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, u)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

type publishedEvent struct {
	userIDs []string
	event   realtime.Event
}

func (p *recordingPublisher) Publish(userIDs []string, evt realtime.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{userIDs: slices.Clone(userIDs), event: evt})
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.event.Type)
	}
	return out
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	svc    *Service
	store  *memStore
	search *fakeSearcher
	events *recordingPublisher
	clock  *testClock
}

func newTestEnv() *testEnv {
	mem := newMemStore()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	events := &recordingPublisher{}
	searcher := &fakeSearcher{}
	var seq int
	var seqMu sync.Mutex
	svc := &Service{
		cfg: config.Config{
			JWTSecret: "test-secret",
			SyncToken: "sync-secret",
			AccessTTL: time.Hour,
		},
		store:  mem,
		typing: mem,
		search: searcher,
		events: events,
		now:    clock.Now,
		newID: func(prefix string) string {
			seqMu.Lock()
			defer seqMu.Unlock()
			seq++
			return fmt.Sprintf("%s_%03d", prefix, seq)
		},
	}
	svc.init()
	svc.checks = []readinessCheck{{name: "database", check: mem.Ping}}
	return &testEnv{svc: svc, store: mem, search: searcher, events: events, clock: clock}
}

// user creates a user through the identity sync path.
func (e *testEnv) user(name string) store.User {
	u, err := e.svc.UpsertUser(context.Background(), IdentityInput{
		IdentityID: "idp|" + strings.ToLower(name),
		Email:      strings.ToLower(name) + "@example.com",
		Name:       name,
	})
	if err != nil {
		panic(fmt.Sprintf("create user %s: %v", name, err))
	}
	return u
}

// connect makes a and b connected through an accepted invitation.
func (e *testEnv) connect(a, b store.User) {
	ctx := context.Background()
	result, err := e.svc.SendInvitation(ctx, a.ID, b.ID, "")
	if err != nil {
		panic(err)
	}
	if _, err := e.svc.AcceptInvitation(ctx, result.InvitationID, b.ID); err != nil {
		panic(err)
	}
}
