package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"orbit/api/internal/auth"
	"orbit/api/internal/config"
	"orbit/api/internal/email"
	"orbit/api/internal/metrics"
	"orbit/api/internal/realtime"
	"orbit/api/internal/search"
	"orbit/api/internal/store"
	"orbit/api/internal/util"
)

type dataStore interface {
	Ping(context.Context) error

	UpsertUser(context.Context, store.UserUpsert, time.Time) (store.User, bool, error)
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByIdentity(context.Context, string) (store.User, error)
	GetUserByHandle(context.Context, string) (store.User, error)
	GetUsersByIDs(context.Context, []string) ([]store.User, error)
	UpdateProfile(context.Context, string, store.ProfilePatch) (store.User, error)
	UpdateSettings(context.Context, string, store.Settings) error
	SetPresence(context.Context, string, bool, time.Time) error
	SuggestedUsers(context.Context, string, int) ([]store.User, error)
	ListConnections(context.Context, string) ([]store.User, error)
	AreConnected(context.Context, string, string) (bool, error)

	GetInvitation(context.Context, string) (store.Invitation, error)
	FindPendingInvitation(context.Context, string, string) (*store.Invitation, error)
	SendInvitation(context.Context, store.Invitation, string, time.Time) (store.InvitationOutcome, error)
	AcceptInvitation(context.Context, string, string, time.Time) (bool, error)
	DeclineInvitation(context.Context, string, time.Time) (bool, error)
	DeletePendingInvitation(context.Context, string) (bool, error)
	ListReceivedInvitations(context.Context, string) ([]store.InvitationWithUser, error)
	ListSentInvitations(context.Context, string) ([]store.InvitationWithUser, error)
	CountPendingInvitations(context.Context, string) (int, error)

	GetConversation(context.Context, string) (store.Conversation, error)
	FindDirectConversation(context.Context, string, string) (*store.Conversation, error)
	CreateDirectConversation(context.Context, store.Conversation) (store.Conversation, error)
	CreateGroupConversation(context.Context, store.Conversation, store.Message) error
	ListConversationSummaries(context.Context, string) ([]store.ConversationSummary, error)
	UnreadCountForConversation(context.Context, string, string) (int, error)
	UpdateConversation(context.Context, string, *string, *string) (store.Conversation, error)
	AddParticipant(context.Context, string, string, store.Message) error
	RemoveParticipant(context.Context, string, string, store.Message) (bool, error)
	ConversationPeers(context.Context, string) ([]string, error)

	InsertMessage(context.Context, store.Message) error
	GetMessage(context.Context, string) (store.Message, error)
	ListMessages(context.Context, string, int) ([]store.MessageWithSender, error)
	MarkConversationRead(context.Context, string, string) (int64, error)
	SoftDeleteMessage(context.Context, string, string, time.Time) error
	EditMessage(context.Context, string, string, time.Time) error
	UnreadCount(context.Context, string) (int, error)

	ToggleReaction(context.Context, store.Reaction) (bool, error)
	RemoveReaction(context.Context, string, string, string) (bool, error)
	ListReactions(context.Context, string) ([]store.ReactionWithUser, error)
	ListVisibleReactions(context.Context, string, []string) ([]string, []store.Reaction, error)

	RecordUpload(context.Context, string, string, time.Time) error
	UploadOwner(context.Context, string) (string, error)
	DeleteUpload(context.Context, string) error
}

// TypingStore holds short-lived typing indicators. Both the Postgres store
// and the Redis session store implement it.
type TypingStore interface {
	SetTyping(ctx context.Context, conversationID, userID string, expiresAt time.Time) error
	ClearTyping(ctx context.Context, conversationID, userID string) error
	ListTyping(ctx context.Context, conversationID string, now time.Time) ([]store.TypingIndicator, error)
}

type UserSearcher interface {
	SearchUsers(ctx context.Context, q search.Query) ([]string, error)
	IndexUser(u search.UserRecord)
}

type ObjectStore interface {
	GenerateUploadURL(ctx context.Context) (key, url string, err error)
	GetURL(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
}

type Publisher interface {
	Publish(userIDs []string, evt realtime.Event)
}

type Mailer interface {
	IsConfigured() bool
	SendInvitationNotice(n email.InvitationNotice) error
}

// Deps are the collaborators of a Service. Only Store is required.
type Deps struct {
	Store   *store.PostgresStore
	Typing  TypingStore
	Search  UserSearcher
	Files   ObjectStore
	Events  Publisher
	Mailer  Mailer
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type Session struct {
	Token     string
	UserID    string
	UserName  string
	JTI       string
	ExpiresAt time.Time
}

type readinessCheck struct {
	name  string
	check func(context.Context) error
}

type Service struct {
	cfg     config.Config
	store   dataStore
	typing  TypingStore
	search  UserSearcher
	files   ObjectStore
	events  Publisher
	mailer  Mailer
	metrics *metrics.Metrics
	logger  *slog.Logger
	checks  []readinessCheck

	now   func() time.Time
	newID func(prefix string) string
}

func New(cfg config.Config, deps Deps) *Service {
	s := &Service{
		cfg:     cfg,
		store:   deps.Store,
		search:  deps.Search,
		files:   deps.Files,
		events:  deps.Events,
		mailer:  deps.Mailer,
		metrics: deps.Metrics,
		logger:  deps.Logger,
		now:     time.Now,
		newID:   util.NewID,
	}
	s.typing = deps.Typing
	if s.typing == nil {
		s.typing = deps.Store
	}
	s.init()
	s.checks = append(s.checks, readinessCheck{name: "database", check: s.store.Ping})
	if p, ok := deps.Typing.(interface{ Ping(context.Context) error }); ok {
		s.checks = append(s.checks, readinessCheck{name: "redis", check: p.Ping})
	}
	return s
}

func (s *Service) init() {
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.events == nil {
		s.events = noopPublisher{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = util.NewID
	}
}

type noopPublisher struct{}

func (noopPublisher) Publish([]string, realtime.Event) {}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

// clearTyping drops an indicator kept outside the store of record. The
// Postgres store clears its own row inside the message and leave writes.
func (s *Service) clearTyping(ctx context.Context, conversationID, userID string) {
	if same, ok := s.store.(TypingStore); ok && same == s.typing {
		return
	}
	if err := s.typing.ClearTyping(ctx, conversationID, userID); err != nil {
		s.logger.Warn("typing_clear_failed", "conversation_id", conversationID, "user_id", userID, "error", err)
	}
}

func (s *Service) SyncToken() string {
	return s.cfg.SyncToken
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Ready runs every readiness check and reports per-check status.
func (s *Service) Ready(ctx context.Context) (bool, map[string]any) {
	ok := true
	results := make(map[string]any, len(s.checks))
	for _, c := range s.checks {
		if err := c.check(ctx); err != nil {
			ok = false
			results[c.name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		results[c.name] = map[string]any{"status": "ok"}
	}
	return ok, results
}

// IdentityInput is what the identity provider hands over on every session refresh.
type IdentityInput struct {
	IdentityID string `json:"identityId"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	Handle     string `json:"handle"`
	AvatarURL  string `json:"avatarUrl"`
}

// SyncSession upserts the identity's user and issues an access token for it.
func (s *Service) SyncSession(ctx context.Context, input IdentityInput) (Session, UserView, error) {
	user, err := s.UpsertUser(ctx, input)
	if err != nil {
		return Session{}, UserView{}, err
	}
	session, err := s.issueSession(user)
	if err != nil {
		return Session{}, UserView{}, err
	}
	return session, userView(user, s.clock()), nil
}

func (s *Service) issueSession(user store.User) (Session, error) {
	expiresAt := s.clock().Add(s.cfg.AccessTTL)
	jti := s.newID("jti")
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), user.ID, user.Name, jti, expiresAt)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.Name,
		JTI:       jti,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.Name,
		JTI:       claims.ID,
		ExpiresAt: expiresAt,
	}, nil
}

// publish pushes evt to users after a successful write. Failures never
// affect the write that triggered them.
func (s *Service) publish(userIDs []string, eventType string, payload any) {
	s.events.Publish(userIDs, realtime.Event{Type: eventType, Payload: payload})
}

// loadUser maps a missing row to NotFound.
func (s *Service) loadUser(ctx context.Context, userID, what string) (store.User, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.User{}, NotFound(what)
		}
		return store.User{}, err
	}
	return user, nil
}

func (s *Service) loadConversation(ctx context.Context, conversationID string) (store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Conversation{}, NotFound("Conversation")
		}
		return store.Conversation{}, err
	}
	return conv, nil
}

// memberConversation loads a conversation the caller participates in.
func (s *Service) memberConversation(ctx context.Context, conversationID, userID string) (store.Conversation, error) {
	conv, err := s.loadConversation(ctx, conversationID)
	if err != nil {
		return store.Conversation{}, err
	}
	if !conv.HasParticipant(userID) {
		return store.Conversation{}, NotAParticipant()
	}
	return conv, nil
}

func (s *Service) loadMessage(ctx context.Context, messageID string) (store.Message, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Message{}, NotFound("Message")
		}
		return store.Message{}, err
	}
	return msg, nil
}

func (s *Service) profiles(ctx context.Context, ids []string) (map[string]store.UserProfile, error) {
	users, err := s.store.GetUsersByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	return profileIndex(users), nil
}

func requireText(value, field string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", InvalidArgument(fmt.Sprintf("%s is required", field))
	}
	return trimmed, nil
}
