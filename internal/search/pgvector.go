package search

import (
	"context"

	"github.com/admitwise/admitwise/internal/model"
	"github.com/admitwise/admitwise/internal/storage"
)

// PgVectorMatcher implements Matcher directly against the institutions
// table in Postgres using the pgvector extension. This is the default
// backend: records and their embeddings live in the same store, so Index
// is a no-op.
type PgVectorMatcher struct {
	db        *storage.DB
	threshold float64
}

// NewPgVectorMatcher creates a Matcher backed by the institutions table.
func NewPgVectorMatcher(db *storage.DB, threshold float64) *PgVectorMatcher {
	return &PgVectorMatcher{db: db, threshold: threshold}
}

// Match runs a cosine similarity query against the embedding column.
func (m *PgVectorMatcher) Match(ctx context.Context, embedding []float32, limit int) ([]Result, error) {
	similar, err := m.db.FindSimilar(ctx, embedding, m.threshold, limit)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(similar))
	for _, s := range similar {
		results = append(results, Result{Record: s.Record, Similarity: s.Similarity})
	}
	return results, nil
}

// Index is a no-op: the upserted row's embedding column is the index.
func (m *PgVectorMatcher) Index(ctx context.Context, rec model.InstitutionRecord) error {
	return nil
}

// Healthy reports database connectivity.
func (m *PgVectorMatcher) Healthy(ctx context.Context) error {
	return m.db.Ping(ctx)
}
