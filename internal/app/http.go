package app

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"orbit/api/internal/auth"
	"orbit/api/internal/metrics"
	"orbit/api/internal/ratelimit"
	"orbit/api/internal/realtime"
)

const syncTokenHeader = "X-Orbit-Sync-Token"

// HTTPOptions carries the optional collaborators of the HTTP layer.
type HTTPOptions struct {
	Hub     *realtime.Hub
	Limiter *ratelimit.Pool
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type HTTPServer struct {
	service    *Service
	corsOrigin string
	hub        *realtime.Hub
	limiter    *ratelimit.Pool
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, opts HTTPOptions) *HTTPServer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		hub:        opts.Hub,
		limiter:    opts.Limiter,
		metrics:    opts.Metrics,
		logger:     logger,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(s.routes())
}

func (s *HTTPServer) routes() *mux.Router {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	r.Use(s.instrument)

	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/api/session/sync", s.handleSessionSync).Methods(http.MethodPost)
	r.HandleFunc("/api/session", s.handleSession).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
	r.HandleFunc("/api/ws", s.handleWebSocket).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/me", s.authed(s.handleMe)).Methods(http.MethodGet)
	api.HandleFunc("/me", s.authed(s.handleUpdateProfile)).Methods(http.MethodPatch)
	api.HandleFunc("/me/settings", s.authed(s.handleUpdateSettings)).Methods(http.MethodPatch)
	api.HandleFunc("/me/presence", s.authed(s.handleSetPresence)).Methods(http.MethodPost)

	api.HandleFunc("/users/search", s.authed(s.handleSearchUsers)).Methods(http.MethodGet)
	api.HandleFunc("/users/suggested", s.authed(s.handleSuggestedUsers)).Methods(http.MethodGet)
	api.HandleFunc("/users/by-handle/{handle}", s.authed(s.handleUserByHandle)).Methods(http.MethodGet)
	api.HandleFunc("/users/{id}", s.authed(s.handleGetUser)).Methods(http.MethodGet)
	api.HandleFunc("/connections", s.authed(s.handleConnections)).Methods(http.MethodGet)

	api.HandleFunc("/invitations", s.authed(s.handleSendInvitation)).Methods(http.MethodPost)
	api.HandleFunc("/invitations/received", s.authed(s.handleReceivedInvitations)).Methods(http.MethodGet)
	api.HandleFunc("/invitations/sent", s.authed(s.handleSentInvitations)).Methods(http.MethodGet)
	api.HandleFunc("/invitations/count", s.authed(s.handleInvitationCount)).Methods(http.MethodGet)
	api.HandleFunc("/invitations/status/{userId}", s.authed(s.handleInvitationStatus)).Methods(http.MethodGet)
	api.HandleFunc("/invitations/{id}/accept", s.authed(s.handleAcceptInvitation)).Methods(http.MethodPost)
	api.HandleFunc("/invitations/{id}/decline", s.authed(s.handleDeclineInvitation)).Methods(http.MethodPost)
	api.HandleFunc("/invitations/{id}", s.authed(s.handleCancelInvitation)).Methods(http.MethodDelete)

	api.HandleFunc("/conversations", s.authed(s.handleListConversations)).Methods(http.MethodGet)
	api.HandleFunc("/conversations/direct", s.authed(s.handleCreateDirect)).Methods(http.MethodPost)
	api.HandleFunc("/conversations/group", s.authed(s.handleCreateGroup)).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}", s.authed(s.handleGetConversation)).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}", s.authed(s.handleUpdateConversation)).Methods(http.MethodPatch)
	api.HandleFunc("/conversations/{id}/participants", s.authed(s.handleAddParticipant)).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/leave", s.authed(s.handleLeaveConversation)).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/messages", s.authed(s.handleListMessages)).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/messages", s.authed(s.handleSendMessage)).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/attachments", s.authed(s.handleSendAttachment)).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/read", s.authed(s.handleMarkRead)).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/typing", s.authed(s.handleSetTyping)).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/typing", s.authed(s.handleListTyping)).Methods(http.MethodGet)

	api.HandleFunc("/messages/{id}", s.authed(s.handleEditMessage)).Methods(http.MethodPut)
	api.HandleFunc("/messages/{id}", s.authed(s.handleDeleteMessage)).Methods(http.MethodDelete)
	api.HandleFunc("/messages/{id}/reactions", s.authed(s.handleToggleReaction)).Methods(http.MethodPost)
	api.HandleFunc("/messages/{id}/reactions", s.authed(s.handleRemoveReaction)).Methods(http.MethodDelete)
	api.HandleFunc("/messages/{id}/reactions", s.authed(s.handleListReactions)).Methods(http.MethodGet)
	api.HandleFunc("/reactions/batch", s.authed(s.handleReactionsBatch)).Methods(http.MethodPost)
	api.HandleFunc("/unread", s.authed(s.handleUnread)).Methods(http.MethodGet)

	api.HandleFunc("/files/upload-url", s.authed(s.handleUploadURL)).Methods(http.MethodPost)
	api.HandleFunc("/files/{key}/url", s.authed(s.handleFileURL)).Methods(http.MethodGet)
	api.HandleFunc("/files/{key}", s.authed(s.handleDeleteFile)).Methods(http.MethodDelete)

	return r
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, session Session)

// authed resolves the bearer session and applies the per-user rate limit to
// state-changing requests.
func (s *HTTPServer) authed(next sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, ok := s.requireSession(w, r, bearerToken(r))
		if !ok {
			return
		}
		if s.limiter != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
			if !s.limiter.Allow(session.UserID) {
				if s.metrics != nil {
					s.metrics.RateLimited.Inc()
				}
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests", nil)
				return
			}
		}
		next(w, r, session)
	}
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request, token string) (Session, bool) {
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		s.logger.Error("session_lookup_failed", "request_id", requestIDFrom(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request_failed", "request_id", requestIDFrom(r.Context()), "path", r.URL.Path, "error", err)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ok, checks := s.service.Ready(ctx)
	status, statusCode := "ready", http.StatusOK
	if !ok {
		status, statusCode = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     ok,
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSessionSync(w http.ResponseWriter, r *http.Request) {
	if !auth.SecretMatches(s.service.SyncToken(), strings.TrimSpace(r.Header.Get(syncTokenHeader))) {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	var body IdentityInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, user, err := s.service.SyncSession(r.Context(), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accessToken": session.Token,
		"expiresAt":   session.ExpiresAt.Unix(),
		"user":        user,
	})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
		return
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"userName":      session.UserName,
		"userId":        session.UserID,
		"expiresAt":     session.ExpiresAt.Unix(),
	})
}

// handleWebSocket accepts the token as a query parameter since browsers
// cannot set headers on the upgrade request.
func (s *HTTPServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "REALTIME_UNAVAILABLE", "Realtime events are not enabled", nil)
		return
	}
	token := bearerToken(r)
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	session, ok := s.requireSession(w, r, token)
	if !ok {
		return
	}
	s.hub.ServeUser(w, r, session.UserID)
}

func (s *HTTPServer) handleMe(w http.ResponseWriter, r *http.Request, session Session) {
	user, err := s.service.Me(r.Context(), session.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (s *HTTPServer) handleUpdateProfile(w http.ResponseWriter, r *http.Request, session Session) {
	var body ProfilePatchInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	user, err := s.service.UpdateProfile(r.Context(), session.UserID, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (s *HTTPServer) handleUpdateSettings(w http.ResponseWriter, r *http.Request, session Session) {
	var body SettingsPatch
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	settings, err := s.service.UpdateSettings(r.Context(), session.UserID, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settings": settings})
}

func (s *HTTPServer) handleSetPresence(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		IsOnline *bool `json:"isOnline"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.IsOnline == nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "isOnline is required", nil)
		return
	}
	if err := s.service.SetPresence(r.Context(), session.UserID, *body.IsOnline); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleSearchUsers(w http.ResponseWriter, r *http.Request, session Session) {
	users, err := s.service.SearchUsers(r.Context(), session.UserID, r.URL.Query().Get("q"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *HTTPServer) handleSuggestedUsers(w http.ResponseWriter, r *http.Request, session Session) {
	users, err := s.service.SuggestedUsers(r.Context(), session.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *HTTPServer) handleUserByHandle(w http.ResponseWriter, r *http.Request, _ Session) {
	user, err := s.service.GetUserByHandle(r.Context(), mux.Vars(r)["handle"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (s *HTTPServer) handleGetUser(w http.ResponseWriter, r *http.Request, _ Session) {
	user, err := s.service.GetUser(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (s *HTTPServer) handleConnections(w http.ResponseWriter, r *http.Request, session Session) {
	users, err := s.service.ListConnections(r.Context(), session.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": users})
}

func (s *HTTPServer) handleSendInvitation(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		ToUserID string `json:"toUserId"`
		Message  string `json:"message"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.SendInvitation(r.Context(), session.UserID, body.ToUserID, body.Message)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if result.Type == InvitationAutoAccepted {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (s *HTTPServer) handleReceivedInvitations(w http.ResponseWriter, r *http.Request, session Session) {
	items, err := s.service.ReceivedInvitations(r.Context(), session.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invitations": items})
}

func (s *HTTPServer) handleSentInvitations(w http.ResponseWriter, r *http.Request, session Session) {
	items, err := s.service.SentInvitations(r.Context(), session.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invitations": items})
}

func (s *HTTPServer) handleInvitationCount(w http.ResponseWriter, r *http.Request, session Session) {
	count, err := s.service.InvitationCount(r.Context(), session.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": count})
}

func (s *HTTPServer) handleInvitationStatus(w http.ResponseWriter, r *http.Request, session Session) {
	status, err := s.service.CheckInvitationStatus(r.Context(), session.UserID, mux.Vars(r)["userId"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *HTTPServer) handleAcceptInvitation(w http.ResponseWriter, r *http.Request, session Session) {
	id, err := s.service.AcceptInvitation(r.Context(), mux.Vars(r)["id"], session.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "invitationId": id})
}

func (s *HTTPServer) handleDeclineInvitation(w http.ResponseWriter, r *http.Request, session Session) {
	id, err := s.service.DeclineInvitation(r.Context(), mux.Vars(r)["id"], session.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "invitationId": id})
}

func (s *HTTPServer) handleCancelInvitation(w http.ResponseWriter, r *http.Request, session Session) {
	id, err := s.service.CancelInvitation(r.Context(), mux.Vars(r)["id"], session.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "invitationId": id})
}

func (s *HTTPServer) handleListConversations(w http.ResponseWriter, r *http.Request, session Session) {
	items, err := s.service.GetConversations(r.Context(), session.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": items})
}

func (s *HTTPServer) handleCreateDirect(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		UserID string `json:"userId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	conv, err := s.service.CreateDirect(r.Context(), session.UserID, body.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation": conv})
}

func (s *HTTPServer) handleCreateGroup(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Name      string   `json:"name"`
		MemberIDs []string `json:"memberIds"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	conv, err := s.service.CreateGroup(r.Context(), session.UserID, body.Name, body.MemberIDs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"conversation": conv})
}

// handleGetConversation answers 200 with a null conversation when the caller
// cannot see it.
func (s *HTTPServer) handleGetConversation(w http.ResponseWriter, r *http.Request, session Session) {
	conv, err := s.service.GetConversation(r.Context(), session.UserID, mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation": conv})
}

func (s *HTTPServer) handleUpdateConversation(w http.ResponseWriter, r *http.Request, session Session) {
	var body ConversationPatch
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	conv, err := s.service.UpdateConversation(r.Context(), mux.Vars(r)["id"], session.UserID, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation": conv})
}

func (s *HTTPServer) handleAddParticipant(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		UserID string `json:"userId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.UserID) == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "userId is required", nil)
		return
	}
	if err := s.service.AddParticipant(r.Context(), mux.Vars(r)["id"], session.UserID, strings.TrimSpace(body.UserID)); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleLeaveConversation(w http.ResponseWriter, r *http.Request, session Session) {
	if err := s.service.LeaveConversation(r.Context(), mux.Vars(r)["id"], session.UserID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleListMessages(w http.ResponseWriter, r *http.Request, session Session) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
			return
		}
		limit = parsed
	}
	items, err := s.service.GetMessages(r.Context(), mux.Vars(r)["id"], session.UserID, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": items})
}

func (s *HTTPServer) handleSendMessage(w http.ResponseWriter, r *http.Request, session Session) {
	var body SendMessageInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	msg, err := s.service.SendMessage(r.Context(), mux.Vars(r)["id"], session.UserID, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": msg})
}

func (s *HTTPServer) handleSendAttachment(w http.ResponseWriter, r *http.Request, session Session) {
	var body AttachmentInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	msg, err := s.service.SendAttachment(r.Context(), mux.Vars(r)["id"], session.UserID, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": msg})
}

func (s *HTTPServer) handleMarkRead(w http.ResponseWriter, r *http.Request, session Session) {
	marked, err := s.service.MarkAsRead(r.Context(), mux.Vars(r)["id"], session.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "marked": marked})
}

func (s *HTTPServer) handleEditMessage(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Content string `json:"content"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	msg, err := s.service.EditMessage(r.Context(), mux.Vars(r)["id"], session.UserID, body.Content)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": msg})
}

func (s *HTTPServer) handleDeleteMessage(w http.ResponseWriter, r *http.Request, session Session) {
	if err := s.service.DeleteMessage(r.Context(), mux.Vars(r)["id"], session.UserID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleSetTyping(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		IsTyping bool `json:"isTyping"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.SetTyping(r.Context(), mux.Vars(r)["id"], session.UserID, body.IsTyping); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleListTyping(w http.ResponseWriter, r *http.Request, session Session) {
	items, err := s.service.GetTypingIndicators(r.Context(), mux.Vars(r)["id"], session.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"typing": items})
}

func (s *HTTPServer) handleToggleReaction(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Emoji string `json:"emoji"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	id, err := s.service.AddReaction(r.Context(), mux.Vars(r)["id"], session.UserID, body.Emoji)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var reactionID any
	if id != "" {
		reactionID = id
	}
	writeJSON(w, http.StatusOK, map[string]any{"reactionId": reactionID, "added": id != ""})
}

func (s *HTTPServer) handleRemoveReaction(w http.ResponseWriter, r *http.Request, session Session) {
	removed, err := s.service.RemoveReaction(r.Context(), mux.Vars(r)["id"], session.UserID, r.URL.Query().Get("emoji"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "removed": removed})
}

func (s *HTTPServer) handleListReactions(w http.ResponseWriter, r *http.Request, session Session) {
	groups, err := s.service.GetReactions(r.Context(), mux.Vars(r)["id"], session.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reactions": groups})
}

func (s *HTTPServer) handleReactionsBatch(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		MessageIDs []string `json:"messageIds"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	summary, err := s.service.GetReactionsForMessages(r.Context(), session.UserID, body.MessageIDs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reactions": summary})
}

func (s *HTTPServer) handleUnread(w http.ResponseWriter, r *http.Request, session Session) {
	count, err := s.service.GetUnreadCount(r.Context(), session.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": count})
}

func (s *HTTPServer) handleUploadURL(w http.ResponseWriter, r *http.Request, session Session) {
	ticket, err := s.service.GenerateUploadURL(r.Context(), session.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (s *HTTPServer) handleFileURL(w http.ResponseWriter, r *http.Request, _ Session) {
	url, err := s.service.GetFileURL(r.Context(), mux.Vars(r)["key"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"url": url})
}

func (s *HTTPServer) handleDeleteFile(w http.ResponseWriter, r *http.Request, session Session) {
	if err := s.service.DeleteFile(r.Context(), session.UserID, mux.Vars(r)["key"]); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, requestID))

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		s.logger.Info("http_request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

// instrument records per-route metrics using the mux path template so ids
// do not explode label cardinality.
func (s *HTTPServer) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		route := "unmatched"
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(writer, r)
		s.metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(writer.status)).Inc()
		s.metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(started).Seconds())
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func randomRequestID() string {
	return uuid.NewString()
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, "+syncTokenHeader)
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
