// Package search provides full-text search over notes, backed by
// Meilisearch when configured and by Postgres FTS otherwise.
package search

import "context"

// Result is a single search hit.
type Result struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	Score   float64 `json:"-"`
}

// Query describes a search request scoped to one user. Results only
// include notes the user owns or that are shared with them.
type Query struct {
	Text   string
	UserID string
	Limit  int
	Offset int
}

// Page is a slice of results plus the total match count.
type Page struct {
	Results []Result `json:"results"`
	Total   int64    `json:"total"`
}

// NoteRecord is the indexed representation of a note.
type NoteRecord struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Content    string   `json:"content"`
	OwnerID    string   `json:"ownerId"`
	SharedWith []string `json:"sharedWith"`
	UpdatedAt  int64    `json:"updatedAt"`
}

// Searcher runs scoped queries against an index.
type Searcher interface {
	Search(ctx context.Context, q Query) (Page, error)
}

func normalize(q Query) Query {
	if q.Limit <= 0 || q.Limit > 100 {
		q.Limit = 20
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}
