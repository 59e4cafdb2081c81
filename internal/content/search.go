package content

import (
	"context"
	"log/slog"

	"github.com/abdul-hamid-achik/blog/internal/llm"
	"github.com/abdul-hamid-achik/blog/internal/observability"
	"github.com/abdul-hamid-achik/blog/internal/store"
)

// Searcher runs semantic search when an embedder is configured and
// keyword search otherwise.
type Searcher struct {
	documents store.DocumentSearcher
	embedder  llm.Embedder
	logger    *slog.Logger
}

func NewSearcher(documents store.DocumentSearcher, embedder llm.Embedder) *Searcher {
	return &Searcher{documents: documents, embedder: embedder, logger: observability.Logger()}
}

func (s *Searcher) Search(ctx context.Context, query string, limit int) ([]store.Document, error) {
	if limit <= 0 {
		limit = 5
	}
	var embedding []float32
	if s.embedder != nil {
		vector, err := s.embedder.Embed(ctx, query)
		if err != nil {
			s.logger.Warn("embedding failed, using keyword search", "error", err)
		} else {
			embedding = vector
		}
	}
	return s.documents.SearchDocuments(ctx, query, embedding, limit)
}
