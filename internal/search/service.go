package search

import (
	"context"
	"errors"
	"log"

	"notewire/api/internal/store"
)

// Service fronts the two backends. Queries go to Meilisearch when it is
// healthy and fall back to Postgres FTS; index writes are fire-and-forget
// so note operations never block on the search cluster.
type Service struct {
	meili *Meili
	pg    *PgFTS
}

// NewService builds the facade. meili may be nil when Meilisearch is
// not configured; pg must be set.
func NewService(meili *Meili, pg *PgFTS) *Service {
	return &Service{meili: meili, pg: pg}
}

func (s *Service) Search(ctx context.Context, q Query) (Page, error) {
	if s.meili != nil {
		page, err := s.meili.Search(ctx, q)
		if err == nil {
			return page, nil
		}
		if !errors.Is(err, ErrUnavailable) {
			log.Printf("search: meilisearch query failed, falling back: %v", err)
		}
	}
	return s.pg.Search(ctx, q)
}

// NoteChanged re-indexes one note in the background.
func (s *Service) NoteChanged(note store.Note, sharedWith []string) {
	if s.meili == nil {
		return
	}
	rec := NoteRecord{
		ID:         note.ID,
		Title:      note.Title,
		Content:    note.Content,
		OwnerID:    note.UserID,
		SharedWith: sharedWith,
		UpdatedAt:  note.UpdatedAt.Unix(),
	}
	go func() {
		if err := s.meili.IndexNote(rec); err != nil && !errors.Is(err, ErrUnavailable) {
			log.Printf("search: index note %s: %v", rec.ID, err)
		}
	}()
}

// NoteRemoved drops one note from the index in the background.
func (s *Service) NoteRemoved(noteID string) {
	if s.meili == nil {
		return
	}
	go func() {
		if err := s.meili.RemoveNote(noteID); err != nil && !errors.Is(err, ErrUnavailable) {
			log.Printf("search: remove note %s: %v", noteID, err)
		}
	}()
}

// ReindexAll rebuilds the Meilisearch index from Postgres.
func (s *Service) ReindexAll(ctx context.Context) error {
	if s.meili == nil {
		return nil
	}
	records, err := s.pg.LoadAllRecords(ctx)
	if err != nil {
		return err
	}
	return s.meili.Reindex(records)
}
