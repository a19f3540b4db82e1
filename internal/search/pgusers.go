package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgUsers implements Searcher with case-insensitive substring matching in PostgreSQL.
type PgUsers struct {
	db *sql.DB
}

func NewPgUsers(db *sql.DB) *PgUsers {
	return &PgUsers{db: db}
}

// Healthy always returns true; without Postgres nothing else works either.
func (p *PgUsers) Healthy() bool {
	return true
}

func (p *PgUsers) SearchUsers(ctx context.Context, q Query) ([]string, error) {
	term := strings.TrimSpace(q.Term)
	if term == "" {
		return nil, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	pattern := "%" + escapeLike(term) + "%"
	rows, err := p.db.QueryContext(ctx, `
		SELECT id
		FROM users
		WHERE id <> $1
		  AND (name ILIKE $2 ESCAPE '\' OR handle ILIKE $2 ESCAPE '\')
		ORDER BY
			CASE WHEN LOWER(handle) = LOWER($3) THEN 0
			     WHEN LOWER(handle) LIKE LOWER($4) ESCAPE '\' THEN 1
			     ELSE 2 END,
			LOWER(name), id
		LIMIT $5`,
		q.ExcludeID, pattern, term, escapeLike(term)+"%", limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LoadAllRecords reads every user for a full reindex.
func (p *PgUsers) LoadAllRecords(ctx context.Context) ([]UserRecord, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, name, handle, avatar_url FROM users ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	defer rows.Close()

	var records []UserRecord
	for rows.Next() {
		var r UserRecord
		var avatar sql.NullString
		if err := rows.Scan(&r.ID, &r.Name, &r.Handle, &avatar); err != nil {
			return nil, fmt.Errorf("scan user record: %w", err)
		}
		r.AvatarURL = avatar.String
		records = append(records, r)
	}
	return records, rows.Err()
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
