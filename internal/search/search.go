package search

import "context"

const (
	// MinTermLength is the shortest query that is sent to any backend.
	MinTermLength = 2
	DefaultLimit  = 20
)

// UserRecord is the data we index for a user.
type UserRecord struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Handle    string `json:"handle"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// Query describes a user search.
type Query struct {
	Term      string
	ExcludeID string
	Limit     int
}

// Searcher returns matching user ids in rank order.
type Searcher interface {
	SearchUsers(ctx context.Context, q Query) ([]string, error)
	Healthy() bool
}
