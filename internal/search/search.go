// Package search answers substring/full-text queries over the mirrored
// sheet. Meilisearch serves queries when configured and healthy; otherwise
// the Postgres fallback scans the mirror table directly.
package search

import (
	"context"
	"log"

	"sheetbridge/api/internal/store"
)

// Searcher can index and query mirrored rows.
type Searcher interface {
	Healthy() bool
	Search(query string, limit int) ([]store.MirrorRow, error)
	ReplaceRows(rows []store.MirrorRow) error
	Close()
}

// FallbackStore is the Postgres side of the search facade.
type FallbackStore interface {
	SearchMirrorRows(ctx context.Context, query string, limit int) ([]store.MirrorRow, error)
}

// Service tries Meilisearch first and falls back to the mirror table.
type Service struct {
	meili    Searcher
	fallback FallbackStore
}

// NewService creates the search facade. meili may be nil when Meilisearch is
// not configured.
func NewService(meili *Meili, fallback FallbackStore) *Service {
	s := &Service{fallback: fallback}
	if meili != nil {
		s.meili = meili
	}
	return s
}

func (s *Service) Search(ctx context.Context, query string, limit int) ([]store.MirrorRow, error) {
	if limit <= 0 {
		limit = 20
	}
	if s.meili != nil && s.meili.Healthy() {
		rows, err := s.meili.Search(query, limit)
		if err == nil {
			return rows, nil
		}
		log.Printf("search: meilisearch error, falling back to postgres: %v", err)
	}
	return s.fallback.SearchMirrorRows(ctx, query, limit)
}

// IndexRows replaces the search index contents after a sync. Fire-and-forget:
// failures are logged and never surface to the sync outcome.
func (s *Service) IndexRows(rows []store.MirrorRow) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.ReplaceRows(rows); err != nil {
			log.Printf("search: index mirror rows: %v", err)
		}
	}()
}

func (s *Service) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
}
