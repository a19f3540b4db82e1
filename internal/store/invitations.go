package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const invitationColumns = `i.id, i.from_user, i.to_user, i.status, i.message, i.created_at, i.responded_at`

// InvitationOutcome reports what SendInvitation did.
type InvitationOutcome struct {
	InvitationID string
	AutoAccepted bool
}

func scanInvitation(row rowScanner, extra ...any) (Invitation, error) {
	var inv Invitation
	var status string
	var respondedAt sql.NullTime
	dest := []any{&inv.ID, &inv.FromUser, &inv.ToUser, &status, &inv.Message, &inv.CreatedAt, &respondedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return Invitation{}, err
	}
	inv.Status = InvitationStatus(status)
	inv.RespondedAt = timePtr(respondedAt)
	return inv, nil
}

func (s *PostgresStore) GetInvitation(ctx context.Context, invitationID string) (Invitation, error) {
	inv, err := scanInvitation(s.db.QueryRowContext(ctx, `SELECT `+invitationColumns+` FROM invitations i WHERE i.id = $1`, invitationID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Invitation{}, err
		}
		return Invitation{}, fmt.Errorf("get invitation: %w", err)
	}
	return inv, nil
}

// FindPendingInvitation returns nil when no pending invitation from -> to exists.
func (s *PostgresStore) FindPendingInvitation(ctx context.Context, fromUser, toUser string) (*Invitation, error) {
	inv, err := scanInvitation(s.db.QueryRowContext(ctx, `
		SELECT `+invitationColumns+`
		FROM invitations i
		WHERE i.from_user = $1 AND i.to_user = $2 AND i.status = 'pending'
	`, fromUser, toUser))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find pending invitation: %w", err)
	}
	return &inv, nil
}

// SendInvitation inserts inv as pending, unless the recipient already has a
// pending invitation to the sender, in which case that one is accepted and a
// connection with connectionID is created instead. At most one pending
// invitation exists per unordered pair; a concurrent crossed invite loses the
// insert race and is retried against the committed row.
func (s *PostgresStore) SendInvitation(ctx context.Context, inv Invitation, connectionID string, now time.Time) (InvitationOutcome, error) {
	var outcome InvitationOutcome
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		outcome, err = s.sendInvitationOnce(ctx, inv, connectionID, now)
		if err == nil || !errors.Is(err, errPendingPairRace) {
			break
		}
	}
	if errors.Is(err, errPendingPairRace) {
		return InvitationOutcome{}, ErrAlreadyInvited
	}
	return outcome, err
}

var errPendingPairRace = errors.New("pending invitation pair race")

func (s *PostgresStore) sendInvitationOnce(ctx context.Context, inv Invitation, connectionID string, now time.Time) (InvitationOutcome, error) {
	var outcome InvitationOutcome
	err := s.withTx(ctx, "send invitation", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, from_user
			FROM invitations
			WHERE status = 'pending'
			  AND ((from_user = $1 AND to_user = $2) OR (from_user = $2 AND to_user = $1))
			FOR UPDATE
		`, inv.FromUser, inv.ToUser)
		if err != nil {
			return fmt.Errorf("lock pending invitations: %w", err)
		}
		var reverseID string
		forward := false
		for rows.Next() {
			var id, from string
			if err := rows.Scan(&id, &from); err != nil {
				rows.Close()
				return fmt.Errorf("scan pending invitation: %w", err)
			}
			if from == inv.FromUser {
				forward = true
			} else {
				reverseID = id
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("iterate pending invitations: %w", err)
		}
		rows.Close()

		if forward {
			return ErrAlreadyInvited
		}

		if reverseID != "" {
			if _, err := tx.ExecContext(ctx, `
				UPDATE invitations SET status = 'accepted', responded_at = $2
				WHERE id = $1 AND status = 'pending'
			`, reverseID, now); err != nil {
				return fmt.Errorf("accept reverse invitation: %w", err)
			}
			if err := insertConnection(ctx, tx, connectionID, inv.FromUser, inv.ToUser, now); err != nil {
				return err
			}
			outcome = InvitationOutcome{InvitationID: reverseID, AutoAccepted: true}
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO invitations (id, from_user, to_user, status, message, created_at)
			VALUES ($1, $2, $3, 'pending', $4, $5)
		`, inv.ID, inv.FromUser, inv.ToUser, inv.Message, now); err != nil {
			if _, ok := uniqueViolation(err); ok {
				return errPendingPairRace
			}
			return fmt.Errorf("insert invitation: %w", err)
		}
		outcome = InvitationOutcome{InvitationID: inv.ID}
		return nil
	})
	return outcome, err
}

func insertConnection(ctx context.Context, tx *sql.Tx, connectionID, userA, userB string, now time.Time) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO connections (id, user1, user2, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING
	`, connectionID, userA, userB, now); err != nil {
		return fmt.Errorf("insert connection: %w", err)
	}
	return nil
}

// AcceptInvitation transitions a pending invitation to accepted and records the
// connection. It returns false when the invitation was no longer pending.
func (s *PostgresStore) AcceptInvitation(ctx context.Context, invitationID, connectionID string, now time.Time) (bool, error) {
	accepted := false
	err := s.withTx(ctx, "accept invitation", func(tx *sql.Tx) error {
		var fromUser, toUser string
		err := tx.QueryRowContext(ctx, `
			UPDATE invitations SET status = 'accepted', responded_at = $2
			WHERE id = $1 AND status = 'pending'
			RETURNING from_user, to_user
		`, invitationID, now).Scan(&fromUser, &toUser)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("accept invitation: %w", err)
		}
		if err := insertConnection(ctx, tx, connectionID, fromUser, toUser, now); err != nil {
			return err
		}
		accepted = true
		return nil
	})
	return accepted, err
}

func (s *PostgresStore) DeclineInvitation(ctx context.Context, invitationID string, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE invitations SET status = 'declined', responded_at = $2
		WHERE id = $1 AND status = 'pending'
	`, invitationID, now)
	if err != nil {
		return false, fmt.Errorf("decline invitation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("decline invitation rows: %w", err)
	}
	return affected > 0, nil
}

// DeletePendingInvitation removes a pending invitation outright.
func (s *PostgresStore) DeletePendingInvitation(ctx context.Context, invitationID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM invitations WHERE id = $1 AND status = 'pending'`, invitationID)
	if err != nil {
		return false, fmt.Errorf("delete invitation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete invitation rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListReceivedInvitations(ctx context.Context, userID string) ([]InvitationWithUser, error) {
	return s.listPendingInvitations(ctx, `i.to_user = $1`, `i.from_user`, userID)
}

func (s *PostgresStore) ListSentInvitations(ctx context.Context, userID string) ([]InvitationWithUser, error) {
	return s.listPendingInvitations(ctx, `i.from_user = $1`, `i.to_user`, userID)
}

func (s *PostgresStore) listPendingInvitations(ctx context.Context, where, otherColumn, userID string) ([]InvitationWithUser, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+invitationColumns+`, u.id, u.name, u.handle, u.avatar_url, u.is_online, u.last_seen
		FROM invitations i
		JOIN users u ON u.id = `+otherColumn+`
		WHERE `+where+` AND i.status = 'pending'
		ORDER BY i.created_at DESC, i.id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list invitations: %w", err)
	}
	defer rows.Close()

	items := make([]InvitationWithUser, 0)
	for rows.Next() {
		var item InvitationWithUser
		p := &item.User
		inv, err := scanInvitation(rows, &p.ID, &p.Name, &p.Handle, &p.AvatarURL, &p.IsOnline, &p.LastSeen)
		if err != nil {
			return nil, fmt.Errorf("scan invitation: %w", err)
		}
		item.Invitation = inv
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invitations: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CountPendingInvitations(ctx context.Context, userID string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM invitations WHERE to_user = $1 AND status = 'pending'
	`, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count invitations: %w", err)
	}
	return count, nil
}
