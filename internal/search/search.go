// Package search provides vector matching over cached institution records,
// backed either by pgvector in Postgres or by an external Qdrant index.
package search

import (
	"context"
	"sort"

	"github.com/admitwise/admitwise/internal/model"
)

// Result pairs a cached institution record with its raw cosine similarity
// to the query embedding.
type Result struct {
	Record     model.InstitutionRecord
	Similarity float32
}

// Matcher finds cached institutions relevant to a query embedding.
// Implementations must be safe for concurrent use.
type Matcher interface {
	// Match returns cached institutions whose embedding similarity to the
	// query vector meets the configured threshold, up to limit results.
	Match(ctx context.Context, embedding []float32, limit int) ([]Result, error)

	// Index makes a stored record findable by future Match calls.
	// The record's embedding must already be populated.
	Index(ctx context.Context, rec model.InstitutionRecord) error

	// Healthy returns nil if the backing index is reachable.
	Healthy(ctx context.Context) error
}

// Rank orders candidates by similarity descending, breaking ties by
// last-verified recency, and truncates to limit. Pure function: identical
// inputs always produce identical ordering.
func Rank(results []Result, limit int) []Result {
	ranked := make([]Result, len(results))
	copy(ranked, results)

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Similarity != ranked[j].Similarity {
			return ranked[i].Similarity > ranked[j].Similarity
		}
		return ranked[i].Record.LastVerified.After(ranked[j].Record.LastVerified)
	})

	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}
