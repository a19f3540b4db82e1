package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const userColumns = `u.id, u.identity_id, u.email, u.name, u.handle, u.avatar_url, u.bio, u.status, u.is_online, u.last_seen, u.settings, u.created_at`

func scanUser(row rowScanner, extra ...any) (User, error) {
	var user User
	var settings []byte
	dest := []any{
		&user.ID, &user.IdentityID, &user.Email, &user.Name, &user.Handle, &user.AvatarURL,
		&user.Bio, &user.Status, &user.IsOnline, &user.LastSeen, &settings, &user.CreatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return User{}, err
	}
	user.Settings = DefaultSettings()
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &user.Settings); err != nil {
			return User{}, fmt.Errorf("decode user settings: %w", err)
		}
	}
	return user, nil
}

func scanUsers(rows *sql.Rows) ([]User, error) {
	users := make([]User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

// UpsertUser inserts a user for a new identity or refreshes the mutable
// identity fields of an existing one. The boolean reports an insert.
func (s *PostgresStore) UpsertUser(ctx context.Context, input UserUpsert, now time.Time) (User, bool, error) {
	settings, err := json.Marshal(DefaultSettings())
	if err != nil {
		return User{}, false, fmt.Errorf("encode default settings: %w", err)
	}

	var inserted bool
	user, err := scanUser(s.db.QueryRowContext(ctx, `
		INSERT INTO users AS u (id, identity_id, email, name, handle, avatar_url, is_online, last_seen, settings, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7, $8, $7)
		ON CONFLICT (identity_id) DO UPDATE SET
			email = EXCLUDED.email,
			name = EXCLUDED.name,
			avatar_url = EXCLUDED.avatar_url,
			is_online = TRUE,
			last_seen = EXCLUDED.last_seen
		RETURNING `+userColumns+`, (xmax = 0) AS inserted
	`, input.ID, input.IdentityID, input.Email, input.Name, input.Handle, input.AvatarURL, now, settings), &inserted)
	if err != nil {
		if constraint, ok := uniqueViolation(err); ok && strings.Contains(constraint, "handle") {
			return User{}, false, ErrHandleTaken
		}
		return User{}, false, fmt.Errorf("upsert user: %w", err)
	}
	return user, inserted, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users u WHERE u.id = $1`, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, err
		}
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByIdentity(ctx context.Context, identityID string) (User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users u WHERE u.identity_id = $1`, identityID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, err
		}
		return User{}, fmt.Errorf("get user by identity: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByHandle(ctx context.Context, handle string) (User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users u WHERE LOWER(u.handle) = LOWER($1)`, handle))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, err
		}
		return User{}, fmt.Errorf("get user by handle: %w", err)
	}
	return user, nil
}

// GetUsersByIDs returns the users that exist among ids, in no particular order.
func (s *PostgresStore) GetUsersByIDs(ctx context.Context, ids []string) ([]User, error) {
	if len(ids) == 0 {
		return []User{}, nil
	}
	raw, err := encodeIDs(ids)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+`
		FROM users u
		WHERE u.id IN (SELECT jsonb_array_elements_text($1::jsonb))
	`, raw)
	if err != nil {
		return nil, fmt.Errorf("list users by id: %w", err)
	}
	defer rows.Close()
	return scanUsers(rows)
}

func (s *PostgresStore) UpdateProfile(ctx context.Context, userID string, patch ProfilePatch) (User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `
		UPDATE users AS u SET
			name = COALESCE($2, u.name),
			bio = COALESCE($3, u.bio),
			status = COALESCE($4, u.status)
		WHERE u.id = $1
		RETURNING `+userColumns,
		userID, nullString(patch.Name), nullString(patch.Bio), nullString(patch.Status)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, err
		}
		return User{}, fmt.Errorf("update profile: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) UpdateSettings(ctx context.Context, userID string, settings Settings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `UPDATE users SET settings = $2 WHERE id = $1`, userID, raw)
	if err != nil {
		return fmt.Errorf("update settings: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) SetPresence(ctx context.Context, userID string, online bool, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `UPDATE users SET is_online = $2, last_seen = $3 WHERE id = $1`, userID, online, at)
	if err != nil {
		return fmt.Errorf("set presence: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SuggestedUsers lists users that are neither the viewer, a connection of the
// viewer, nor the target of a pending invitation sent by the viewer.
func (s *PostgresStore) SuggestedUsers(ctx context.Context, userID string, limit int) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+`
		FROM users u
		WHERE u.id <> $1
		  AND NOT EXISTS (
			SELECT 1 FROM connections c
			WHERE (c.user1 = $1 AND c.user2 = u.id) OR (c.user2 = $1 AND c.user1 = u.id)
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM invitations i
			WHERE i.from_user = $1 AND i.to_user = u.id AND i.status = 'pending'
		  )
		ORDER BY u.is_online DESC, u.last_seen DESC, u.id
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list suggested users: %w", err)
	}
	defer rows.Close()
	return scanUsers(rows)
}

func (s *PostgresStore) ListConnections(ctx context.Context, userID string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+`
		FROM connections c
		JOIN users u ON u.id = CASE WHEN c.user1 = $1 THEN c.user2 ELSE c.user1 END
		WHERE c.user1 = $1 OR c.user2 = $1
		ORDER BY u.name, u.id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()
	return scanUsers(rows)
}

func (s *PostgresStore) AreConnected(ctx context.Context, userA, userB string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM connections
			WHERE LEAST(user1, user2) = LEAST($1::text, $2::text)
			  AND GREATEST(user1, user2) = GREATEST($1::text, $2::text)
		)
	`, userA, userB).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check connection: %w", err)
	}
	return exists, nil
}

