package search

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"
)

// Service is the facade that tries Meilisearch first and falls back to Postgres.
type Service struct {
	meili  *Meili
	pg     *PgUsers
	logger *slog.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pg *PgUsers, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{meili: meili, pg: pg, logger: logger}
}

// SearchUsers returns ranked user ids. Terms shorter than MinTermLength match nothing.
func (s *Service) SearchUsers(ctx context.Context, q Query) ([]string, error) {
	q.Term = strings.TrimSpace(q.Term)
	if utf8.RuneCountInString(q.Term) < MinTermLength {
		return []string{}, nil
	}
	if q.Limit <= 0 || q.Limit > DefaultLimit {
		q.Limit = DefaultLimit
	}

	if s.meili != nil && s.meili.Healthy() {
		ids, err := s.meili.SearchUsers(ctx, q)
		if err == nil {
			return nonNil(ids), nil
		}
		s.logger.Warn("search: meilisearch error, falling back to postgres", "error", err)
	}

	ids, err := s.pg.SearchUsers(ctx, q)
	if err != nil {
		return nil, err
	}
	return nonNil(ids), nil
}

func (s *Service) Healthy() bool {
	return s.pg != nil || (s.meili != nil && s.meili.Healthy())
}

// IndexUser indexes a user (fire-and-forget to Meilisearch).
func (s *Service) IndexUser(u UserRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexUsers([]UserRecord{u}); err != nil {
			s.logger.Warn("search: index user", "user_id", u.ID, "error", err)
		}
	}()
}

// ReindexAllFromPG pushes every user row into Meilisearch and reports how many were sent.
func (s *Service) ReindexAllFromPG(ctx context.Context) (int, error) {
	if s.meili == nil || !s.meili.Healthy() || s.pg == nil {
		return 0, nil
	}
	records, err := s.pg.LoadAllRecords(ctx)
	if err != nil {
		return 0, err
	}
	if err := s.meili.IndexUsers(records); err != nil {
		return 0, err
	}
	return len(records), nil
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
