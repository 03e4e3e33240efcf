package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const notesIndex = "notewire_notes"

// ErrUnavailable is returned when Meilisearch is configured but not
// reachable. Callers fall back to Postgres FTS.
var ErrUnavailable = errors.New("search: meilisearch unavailable")

// Meili indexes and searches notes via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the notes index.
// The returned value is usable immediately; queries fail with
// ErrUnavailable until the instance is reachable.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        notesIndex,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("search: create index %s (may already exist): %v", notesIndex, err)
	}

	index := m.client.Index(notesIndex)
	filterable := []interface{}{"ownerId", "sharedWith"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Printf("search: update filterable attrs for %s: %v", notesIndex, err)
	}
	searchable := []string{"title", "content"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("search: update searchable attrs for %s: %v", notesIndex, err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search runs a scoped query. Only notes owned by or shared with
// q.UserID can match.
func (m *Meili) Search(ctx context.Context, q Query) (Page, error) {
	if !m.healthy.Load() {
		return Page{}, ErrUnavailable
	}
	q = normalize(q)

	resp, err := m.client.Index(notesIndex).SearchWithContext(ctx, q.Text, &meili.SearchRequest{
		Limit:                 int64(q.Limit),
		Offset:                int64(q.Offset),
		Filter:                []string{fmt.Sprintf("ownerId = %q OR sharedWith = %q", q.UserID, q.UserID)},
		AttributesToHighlight: []string{"*"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	})
	if err != nil {
		m.healthy.Store(false)
		return Page{}, fmt.Errorf("meilisearch search: %w", err)
	}

	page := Page{Results: make([]Result, 0, len(resp.Hits)), Total: resp.EstimatedTotalHits}
	for _, hit := range resp.Hits {
		page.Results = append(page.Results, hitToResult(hit))
	}
	return page, nil
}

func hitToResult(hit meili.Hit) Result {
	return Result{
		Type:    "note",
		ID:      decodeString(hit, "id"),
		Title:   firstNonBlank(decodeFormattedString(hit, "title"), decodeString(hit, "title")),
		Snippet: truncate(firstNonBlank(decodeFormattedString(hit, "content"), decodeString(hit, "content")), 240),
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]string
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	return strings.TrimSpace(formatted[key])
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}

// IndexNote adds or replaces one note document.
func (m *Meili) IndexNote(rec NoteRecord) error {
	if !m.healthy.Load() {
		return ErrUnavailable
	}
	_, err := m.client.Index(notesIndex).AddDocuments([]NoteRecord{rec}, nil)
	return err
}

// RemoveNote deletes one note document.
func (m *Meili) RemoveNote(noteID string) error {
	if !m.healthy.Load() {
		return ErrUnavailable
	}
	_, err := m.client.Index(notesIndex).DeleteDocument(noteID, nil)
	return err
}

// Reindex upserts the given records in bulk.
func (m *Meili) Reindex(records []NoteRecord) error {
	if !m.healthy.Load() {
		return ErrUnavailable
	}
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(notesIndex).AddDocuments(records, nil)
	return err
}
