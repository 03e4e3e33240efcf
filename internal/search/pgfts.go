package search

import (
	"context"
	"database/sql"
	"fmt"
)

// PgFTS searches notes with Postgres full-text search. It is the
// fallback when Meilisearch is not configured or unreachable, and the
// source of truth for reindexing.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Search runs a scoped FTS query over notes the user owns or that are
// shared with them.
func (p *PgFTS) Search(ctx context.Context, q Query) (Page, error) {
	q = normalize(q)

	const scope = `
		(n.user_id = $2 OR EXISTS (
			SELECT 1 FROM note_shares s
			WHERE s.note_id = n.id AND s.user_id = $2
		))`

	var total int64
	countQuery := `
		SELECT COUNT(*)
		FROM notes n
		WHERE n.fts @@ plainto_tsquery('english', $1) AND ` + scope
	if err := p.db.QueryRowContext(ctx, countQuery, q.Text, q.UserID).Scan(&total); err != nil {
		return Page{}, fmt.Errorf("count note matches: %w", err)
	}

	dataQuery := `
		SELECT n.id, n.title,
		       ts_headline('english', n.content, plainto_tsquery('english', $1),
		                   'MaxWords=35, MinWords=15') AS snippet,
		       ts_rank(n.fts, plainto_tsquery('english', $1)) AS rank
		FROM notes n
		WHERE n.fts @@ plainto_tsquery('english', $1) AND ` + scope + `
		ORDER BY rank DESC, n.updated_at DESC
		LIMIT $3 OFFSET $4`
	rows, err := p.db.QueryContext(ctx, dataQuery, q.Text, q.UserID, q.Limit, q.Offset)
	if err != nil {
		return Page{}, fmt.Errorf("search notes: %w", err)
	}
	defer rows.Close()

	page := Page{Results: []Result{}, Total: total}
	for rows.Next() {
		r := Result{Type: "note"}
		if err := rows.Scan(&r.ID, &r.Title, &r.Snippet, &r.Score); err != nil {
			return Page{}, fmt.Errorf("scan note match: %w", err)
		}
		page.Results = append(page.Results, r)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("iterate note matches: %w", err)
	}
	return page, nil
}

// LoadAllRecords reads every note plus its share list, for reindexing
// into Meilisearch.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]NoteRecord, error) {
	const query = `
		SELECT n.id, n.title, n.content, n.user_id,
		       COALESCE(ARRAY_AGG(s.user_id) FILTER (WHERE s.user_id IS NOT NULL), '{}'),
		       EXTRACT(EPOCH FROM n.updated_at)::bigint
		FROM notes n
		LEFT JOIN note_shares s ON s.note_id = n.id
		GROUP BY n.id
		ORDER BY n.id`
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("load note records: %w", err)
	}
	defer rows.Close()

	var records []NoteRecord
	for rows.Next() {
		var rec NoteRecord
		var shared []byte
		if err := rows.Scan(&rec.ID, &rec.Title, &rec.Content, &rec.OwnerID, &shared, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan note record: %w", err)
		}
		rec.SharedWith = parseTextArray(shared)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate note records: %w", err)
	}
	return records, nil
}

// parseTextArray decodes a Postgres text[] wire value like {a,b,c}.
// Share user IDs never contain quotes or commas, so the simple split
// is enough.
func parseTextArray(raw []byte) []string {
	s := string(raw)
	if len(s) < 2 || s == "{}" {
		return nil
	}
	s = s[1 : len(s)-1]
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if elem := s[start:i]; elem != "" && elem != "NULL" {
				out = append(out, elem)
			}
			start = i + 1
		}
	}
	return out
}
