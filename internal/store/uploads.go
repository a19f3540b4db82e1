package store

import (
	"context"
	"fmt"
	"time"
)

// RecordUpload remembers who was handed the upload ticket for key.
func (s *PostgresStore) RecordUpload(ctx context.Context, key, ownerID string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO uploads (key, owner_id, created_at) VALUES ($1, $2, $3)
	`, key, ownerID, at); err != nil {
		return fmt.Errorf("record upload: %w", err)
	}
	return nil
}

// UploadOwner returns sql.ErrNoRows for keys this service never issued.
func (s *PostgresStore) UploadOwner(ctx context.Context, key string) (string, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, `SELECT owner_id FROM uploads WHERE key = $1`, key).Scan(&owner)
	return owner, err
}

func (s *PostgresStore) DeleteUpload(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM uploads WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete upload: %w", err)
	}
	return nil
}
