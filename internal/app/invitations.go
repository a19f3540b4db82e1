package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"unicode/utf8"

	"orbit/api/internal/email"
	"orbit/api/internal/store"
)

const maxInvitationMessage = 500

// SendInvitation invites toID to connect. A pending invitation in the
// opposite direction is accepted instead of creating a second one.
func (s *Service) SendInvitation(ctx context.Context, fromID, toID, message string) (InvitationResult, error) {
	toID = strings.TrimSpace(toID)
	if toID == "" {
		return InvitationResult{}, InvalidArgument("toUserId is required")
	}
	if fromID == toID {
		return InvitationResult{}, InvalidArgument("You cannot invite yourself")
	}
	message = strings.TrimSpace(message)
	if utf8.RuneCountInString(message) > maxInvitationMessage {
		return InvitationResult{}, InvalidArgument("message is too long")
	}
	sender, err := s.loadUser(ctx, fromID, "User")
	if err != nil {
		return InvitationResult{}, err
	}
	recipient, err := s.loadUser(ctx, toID, "User")
	if err != nil {
		return InvitationResult{}, err
	}
	connected, err := s.store.AreConnected(ctx, fromID, toID)
	if err != nil {
		return InvitationResult{}, err
	}
	if connected {
		return InvitationResult{}, AlreadyExists("You are already connected")
	}

	now := s.clock()
	outcome, err := s.store.SendInvitation(ctx, store.Invitation{
		ID:       s.newID("inv"),
		FromUser: fromID,
		ToUser:   toID,
		Status:   store.InvitationPending,
		Message:  message,
	}, s.newID("con"), now)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyInvited) {
			return InvitationResult{}, AlreadyInvited()
		}
		return InvitationResult{}, err
	}

	users := []string{fromID, toID}
	if outcome.AutoAccepted {
		s.countInvitation(InvitationAutoAccepted)
		s.logger.Info("invitation_auto_accepted", "invitation_id", outcome.InvitationID, "from", fromID, "to", toID)
		s.publish(users, "connection.created", map[string]any{"invitationId": outcome.InvitationID, "userIds": users})
		return InvitationResult{Type: InvitationAutoAccepted, InvitationID: outcome.InvitationID}, nil
	}

	s.countInvitation(InvitationCreated)
	s.publish(users, "invitation.created", map[string]any{"invitationId": outcome.InvitationID, "fromUserId": fromID, "toUserId": toID})
	s.notifyInvitation(sender, recipient, message)
	return InvitationResult{Type: InvitationCreated, InvitationID: outcome.InvitationID}, nil
}

func (s *Service) notifyInvitation(sender, recipient store.User, message string) {
	if s.mailer == nil || !s.mailer.IsConfigured() || !recipient.Settings.Notifications || recipient.Email == "" {
		return
	}
	notice := email.InvitationNotice{
		ToEmail:    recipient.Email,
		ToName:     recipient.Name,
		FromName:   sender.Name,
		FromHandle: sender.Handle,
		Message:    message,
	}
	go func() {
		if err := s.mailer.SendInvitationNotice(notice); err != nil {
			s.logger.Warn("invitation_email_failed", "to_user", recipient.ID, "error", err)
		}
	}()
}

func (s *Service) countInvitation(outcome string) {
	if s.metrics != nil {
		s.metrics.Invitations.WithLabelValues(outcome).Inc()
	}
}

func (s *Service) loadInvitation(ctx context.Context, invitationID string) (store.Invitation, error) {
	inv, err := s.store.GetInvitation(ctx, invitationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Invitation{}, NotFound("Invitation")
		}
		return store.Invitation{}, err
	}
	return inv, nil
}

// AcceptInvitation is allowed for the recipient of a pending invitation only.
func (s *Service) AcceptInvitation(ctx context.Context, invitationID, userID string) (string, error) {
	inv, err := s.loadInvitation(ctx, invitationID)
	if err != nil {
		return "", err
	}
	if inv.ToUser != userID {
		return "", NotAuthorized("Only the recipient can accept this invitation")
	}
	if inv.Status != store.InvitationPending {
		return "", InvalidState("Invitation is no longer pending")
	}
	accepted, err := s.store.AcceptInvitation(ctx, inv.ID, s.newID("con"), s.clock())
	if err != nil {
		return "", err
	}
	if !accepted {
		return "", InvalidState("Invitation is no longer pending")
	}
	s.countInvitation("accepted")
	users := []string{inv.FromUser, inv.ToUser}
	s.publish(users, "connection.created", map[string]any{"invitationId": inv.ID, "userIds": users})
	return inv.ID, nil
}

func (s *Service) DeclineInvitation(ctx context.Context, invitationID, userID string) (string, error) {
	inv, err := s.loadInvitation(ctx, invitationID)
	if err != nil {
		return "", err
	}
	if inv.ToUser != userID {
		return "", NotAuthorized("Only the recipient can decline this invitation")
	}
	if inv.Status != store.InvitationPending {
		return "", InvalidState("Invitation is no longer pending")
	}
	declined, err := s.store.DeclineInvitation(ctx, inv.ID, s.clock())
	if err != nil {
		return "", err
	}
	if !declined {
		return "", InvalidState("Invitation is no longer pending")
	}
	s.countInvitation("declined")
	s.publish([]string{inv.FromUser, inv.ToUser}, "invitation.declined", map[string]any{"invitationId": inv.ID})
	return inv.ID, nil
}

// CancelInvitation lets the sender withdraw a pending invitation. The row is removed.
func (s *Service) CancelInvitation(ctx context.Context, invitationID, userID string) (string, error) {
	inv, err := s.loadInvitation(ctx, invitationID)
	if err != nil {
		return "", err
	}
	if inv.FromUser != userID {
		return "", NotAuthorized("Only the sender can cancel this invitation")
	}
	if inv.Status != store.InvitationPending {
		return "", InvalidState("Invitation is no longer pending")
	}
	deleted, err := s.store.DeletePendingInvitation(ctx, inv.ID)
	if err != nil {
		return "", err
	}
	if !deleted {
		return "", InvalidState("Invitation is no longer pending")
	}
	s.countInvitation("cancelled")
	s.publish([]string{inv.FromUser, inv.ToUser}, "invitation.cancelled", map[string]any{"invitationId": inv.ID})
	return inv.ID, nil
}

// CheckInvitationStatus reports the relationship from selfID's point of view.
func (s *Service) CheckInvitationStatus(ctx context.Context, selfID, otherID string) (RelationshipStatus, error) {
	connected, err := s.store.AreConnected(ctx, selfID, otherID)
	if err != nil {
		return RelationshipStatus{}, err
	}
	if connected {
		return RelationshipStatus{Status: RelationshipConnected}, nil
	}
	sent, err := s.store.FindPendingInvitation(ctx, selfID, otherID)
	if err != nil {
		return RelationshipStatus{}, err
	}
	if sent != nil {
		return RelationshipStatus{Status: RelationshipSent, InvitationID: sent.ID}, nil
	}
	received, err := s.store.FindPendingInvitation(ctx, otherID, selfID)
	if err != nil {
		return RelationshipStatus{}, err
	}
	if received != nil {
		return RelationshipStatus{Status: RelationshipReceived, InvitationID: received.ID}, nil
	}
	return RelationshipStatus{Status: RelationshipNone}, nil
}

func (s *Service) ReceivedInvitations(ctx context.Context, selfID string) ([]InvitationView, error) {
	items, err := s.store.ListReceivedInvitations(ctx, selfID)
	if err != nil {
		return nil, err
	}
	return s.invitationViews(items), nil
}

func (s *Service) SentInvitations(ctx context.Context, selfID string) ([]InvitationView, error) {
	items, err := s.store.ListSentInvitations(ctx, selfID)
	if err != nil {
		return nil, err
	}
	return s.invitationViews(items), nil
}

func (s *Service) InvitationCount(ctx context.Context, selfID string) (int, error) {
	return s.store.CountPendingInvitations(ctx, selfID)
}

func (s *Service) invitationViews(items []store.InvitationWithUser) []InvitationView {
	now := s.clock()
	out := make([]InvitationView, 0, len(items))
	for _, item := range items {
		view := invitationView(item.Invitation)
		user := profileView(item.User, now)
		view.User = &user
		out = append(out, view)
	}
	return out
}
