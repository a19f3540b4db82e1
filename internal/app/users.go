package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"unicode/utf8"

	"orbit/api/internal/handle"
	"orbit/api/internal/search"
	"orbit/api/internal/store"
)

const (
	suggestedLimit    = 10
	maxHandleAttempts = 10
	maxNameLength     = 64
	maxBioLength      = 280
	maxStatusLength   = 100
)

var (
	allowedThemes    = map[string]struct{}{"light": {}, "dark": {}, "system": {}}
	allowedLanguages = map[string]struct{}{"en": {}, "ru": {}}
)

// UpsertUser creates the user for a new identity or refreshes an existing
// one. A requested handle that is already taken gets a numeric suffix.
func (s *Service) UpsertUser(ctx context.Context, input IdentityInput) (store.User, error) {
	identityID := strings.TrimSpace(input.IdentityID)
	if identityID == "" {
		return store.User{}, InvalidArgument("identityId is required")
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		local, _, _ := strings.Cut(strings.TrimSpace(input.Email), "@")
		name = firstNonBlank(local, "User")
	}
	base := handle.Derive(input.Handle, name, input.Email)

	now := s.clock()
	for attempt := 0; attempt < maxHandleAttempts; attempt++ {
		candidate := base
		if attempt > 0 {
			candidate = handle.WithSuffix(base, attempt)
		}
		user, inserted, err := s.store.UpsertUser(ctx, store.UserUpsert{
			ID:         s.newID("usr"),
			IdentityID: identityID,
			Email:      strings.TrimSpace(input.Email),
			Name:       name,
			Handle:     candidate,
			AvatarURL:  strings.TrimSpace(input.AvatarURL),
		}, now)
		if errors.Is(err, store.ErrHandleTaken) {
			continue
		}
		if err != nil {
			return store.User{}, err
		}
		if inserted {
			s.logger.Info("user_created", "user_id", user.ID, "handle", user.Handle)
		}
		s.indexUser(user)
		return user, nil
	}
	return store.User{}, AlreadyExists("Could not allocate a unique handle")
}

func (s *Service) indexUser(u store.User) {
	if s.search == nil {
		return
	}
	s.search.IndexUser(search.UserRecord{ID: u.ID, Name: u.Name, Handle: u.Handle, AvatarURL: u.AvatarURL})
}

// GetCurrentUser returns nil when no user exists for the identity yet.
func (s *Service) GetCurrentUser(ctx context.Context, identityID string) (*UserView, error) {
	user, err := s.store.GetUserByIdentity(ctx, identityID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	view := userView(user, s.clock())
	return &view, nil
}

func (s *Service) Me(ctx context.Context, userID string) (UserView, error) {
	user, err := s.loadUser(ctx, userID, "User")
	if err != nil {
		return UserView{}, err
	}
	return userView(user, s.clock()), nil
}

func (s *Service) GetUser(ctx context.Context, userID string) (ProfileView, error) {
	user, err := s.loadUser(ctx, userID, "User")
	if err != nil {
		return ProfileView{}, err
	}
	return profileView(user.Profile(), s.clock()), nil
}

func (s *Service) GetUserByHandle(ctx context.Context, value string) (ProfileView, error) {
	h := strings.TrimPrefix(strings.TrimSpace(value), "@")
	if h == "" {
		return ProfileView{}, InvalidArgument("handle is required")
	}
	user, err := s.store.GetUserByHandle(ctx, h)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ProfileView{}, NotFound("User")
		}
		return ProfileView{}, err
	}
	return profileView(user.Profile(), s.clock()), nil
}

type ProfilePatchInput struct {
	Name   *string `json:"name"`
	Bio    *string `json:"bio"`
	Status *string `json:"status"`
}

// UpdateProfile applies only the supplied fields.
func (s *Service) UpdateProfile(ctx context.Context, userID string, input ProfilePatchInput) (UserView, error) {
	var patch store.ProfilePatch
	if input.Name != nil {
		name := strings.TrimSpace(*input.Name)
		if name == "" {
			return UserView{}, InvalidArgument("name must not be blank")
		}
		if utf8.RuneCountInString(name) > maxNameLength {
			return UserView{}, InvalidArgument("name is too long")
		}
		patch.Name = &name
	}
	if input.Bio != nil {
		bio := strings.TrimSpace(*input.Bio)
		if utf8.RuneCountInString(bio) > maxBioLength {
			return UserView{}, InvalidArgument("bio is too long")
		}
		patch.Bio = &bio
	}
	if input.Status != nil {
		status := strings.TrimSpace(*input.Status)
		if utf8.RuneCountInString(status) > maxStatusLength {
			return UserView{}, InvalidArgument("status is too long")
		}
		patch.Status = &status
	}

	user, err := s.store.UpdateProfile(ctx, userID, patch)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UserView{}, NotFound("User")
		}
		return UserView{}, err
	}
	if patch.Name != nil {
		s.indexUser(user)
	}
	s.notifyPeers(ctx, userID, "user.updated", profileView(user.Profile(), s.clock()))
	return userView(user, s.clock()), nil
}

type SettingsPatch struct {
	Theme            *string `json:"theme"`
	Notifications    *bool   `json:"notifications"`
	Language         *string `json:"language"`
	ShowOnlineStatus *bool   `json:"showOnlineStatus"`
	ReadReceipts     *bool   `json:"readReceipts"`
	TypingIndicators *bool   `json:"typingIndicators"`
}

// UpdateSettings merges the supplied keys into the stored settings.
func (s *Service) UpdateSettings(ctx context.Context, userID string, patch SettingsPatch) (store.Settings, error) {
	user, err := s.loadUser(ctx, userID, "User")
	if err != nil {
		return store.Settings{}, err
	}
	settings := user.Settings
	if patch.Theme != nil {
		theme := strings.ToLower(strings.TrimSpace(*patch.Theme))
		if _, ok := allowedThemes[theme]; !ok {
			return store.Settings{}, InvalidArgument("theme must be one of light, dark, system")
		}
		settings.Theme = theme
	}
	if patch.Language != nil {
		lang := strings.ToLower(strings.TrimSpace(*patch.Language))
		if _, ok := allowedLanguages[lang]; !ok {
			return store.Settings{}, InvalidArgument("language must be one of en, ru")
		}
		settings.Language = lang
	}
	if patch.Notifications != nil {
		settings.Notifications = *patch.Notifications
	}
	if patch.ShowOnlineStatus != nil {
		settings.ShowOnlineStatus = patch.ShowOnlineStatus
	}
	if patch.ReadReceipts != nil {
		settings.ReadReceipts = patch.ReadReceipts
	}
	if patch.TypingIndicators != nil {
		settings.TypingIndicators = patch.TypingIndicators
	}

	if err := s.store.UpdateSettings(ctx, userID, settings); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Settings{}, NotFound("User")
		}
		return store.Settings{}, err
	}
	return settings, nil
}

// SetPresence records the latest online state. The last writer wins.
func (s *Service) SetPresence(ctx context.Context, userID string, online bool) error {
	now := s.clock()
	if err := s.store.SetPresence(ctx, userID, online, now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return NotFound("User")
		}
		return err
	}
	s.notifyPeers(ctx, userID, "presence.updated", map[string]any{
		"userId":   userID,
		"isOnline": online,
		"lastSeen": now,
	})
	return nil
}

// SearchUsers matches name or handle and never returns the caller.
func (s *Service) SearchUsers(ctx context.Context, selfID, term string) ([]ProfileView, error) {
	term = strings.TrimSpace(term)
	if utf8.RuneCountInString(term) < search.MinTermLength || s.search == nil {
		return []ProfileView{}, nil
	}
	ids, err := s.search.SearchUsers(ctx, search.Query{Term: term, ExcludeID: selfID, Limit: search.DefaultLimit})
	if err != nil {
		return nil, err
	}
	ids = uniqueIDs(ids)
	users, err := s.store.GetUsersByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := profileIndex(users)
	now := s.clock()
	out := make([]ProfileView, 0, len(ids))
	for _, id := range ids {
		p, ok := byID[id]
		if !ok || id == selfID {
			continue
		}
		out = append(out, profileView(p, now))
		if len(out) == search.DefaultLimit {
			break
		}
	}
	return out, nil
}

// SuggestedUsers lists people the caller is neither connected to nor has
// already invited.
func (s *Service) SuggestedUsers(ctx context.Context, selfID string) ([]ProfileView, error) {
	users, err := s.store.SuggestedUsers(ctx, selfID, suggestedLimit)
	if err != nil {
		return nil, err
	}
	return profileViews(users, s.clock()), nil
}

func (s *Service) ListConnections(ctx context.Context, selfID string) ([]ProfileView, error) {
	users, err := s.store.ListConnections(ctx, selfID)
	if err != nil {
		return nil, err
	}
	return profileViews(users, s.clock()), nil
}

// notifyPeers tells everyone sharing a conversation with userID about a change.
func (s *Service) notifyPeers(ctx context.Context, userID, eventType string, payload any) {
	peers, err := s.store.ConversationPeers(ctx, userID)
	if err != nil {
		s.logger.Warn("peer_lookup_failed", "user_id", userID, "error", err)
		return
	}
	s.publish(append(peers, userID), eventType, payload)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
