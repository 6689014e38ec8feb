package search

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"

	"github.com/admitwise/admitwise/internal/model"
)

// QdrantConfig holds configuration for connecting to Qdrant.
type QdrantConfig struct {
	URL        string // e.g. "https://xyz.cloud.qdrant.io:6333" or "http://localhost:6333"
	APIKey     string
	Collection string
	Dims       uint64
	Threshold  float32 // minimum cosine similarity for a match
}

// RecordLoader hydrates institution records from the source of truth after
// the index returns IDs. *storage.DB satisfies this.
type RecordLoader interface {
	GetInstitutionsByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]model.InstitutionRecord, error)
}

// QdrantMatcher implements Matcher backed by a Qdrant collection. The
// index stores only IDs, embeddings, and a thin payload; Match hydrates
// full records from Postgres.
type QdrantMatcher struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	threshold  float32
	loader     RecordLoader
	logger     *slog.Logger

	healthGroup singleflight.Group
	healthErr   atomic.Value // stores *error (pointer-to-error, never nil pointer; inner error may be nil)
	healthAt    atomic.Int64 // unix nanos of last check
}

// parseQdrantURL extracts host, port, and TLS flag from a Qdrant URL.
// Accepts forms like "https://host:6333", "http://host:6333", or "host:6334".
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("search: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("search: invalid port in qdrant URL: %q", portStr)
		}
		// If the user specified the REST port (6333), use the gRPC port (6334).
		if p == 6333 {
			port = 6334
		} else {
			port = p
		}
	} else {
		port = 6334
	}

	return host, port, useTLS, nil
}

// NewQdrantMatcher creates a QdrantMatcher and connects to the Qdrant server via gRPC.
func NewQdrantMatcher(cfg QdrantConfig, loader RecordLoader, logger *slog.Logger) (*QdrantMatcher, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("search: connect to qdrant at %s:%d: %w", host, port, err)
	}

	return &QdrantMatcher{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		threshold:  cfg.Threshold,
		loader:     loader,
		logger:     logger,
	}, nil
}

// EnsureCollection creates the collection if it doesn't already exist and
// ensures payload indexes are present. CreateFieldIndex is idempotent on
// Qdrant, so index creation is always attempted to backfill indexes added
// after the collection was first created.
func (m *QdrantMatcher) EnsureCollection(ctx context.Context) error {
	exists, err := m.client.CollectionExists(ctx, m.collection)
	if err != nil {
		return fmt.Errorf("search: check collection exists: %w", err)
	}

	if !exists {
		hnswM := uint64(16)
		efConstruct := uint64(128)

		if err := m.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: m.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     m.dims,
				Distance: qdrant.Distance_Cosine,
				HnswConfig: &qdrant.HnswConfigDiff{
					M:           &hnswM,
					EfConstruct: &efConstruct,
				},
			}),
		}); err != nil {
			return fmt.Errorf("search: create collection %q: %w", m.collection, err)
		}
		m.logger.Info("qdrant: created collection", "collection", m.collection, "dims", m.dims)
	} else {
		m.logger.Info("qdrant: collection already exists", "collection", m.collection)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	for _, field := range []string{"name", "major", "state"} {
		if _, err := m.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: m.collection,
			FieldName:      field,
			FieldType:      &keywordType,
		}); err != nil {
			return fmt.Errorf("search: ensure index on %q: %w", field, err)
		}
	}

	floatType := qdrant.FieldType_FieldTypeFloat
	if _, err := m.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: m.collection,
		FieldName:      "last_verified_unix",
		FieldType:      &floatType,
	}); err != nil {
		return fmt.Errorf("search: ensure index on last_verified_unix: %w", err)
	}

	return nil
}

// Match queries the collection for similar institutions and hydrates full
// records from Postgres. IDs present in the index but missing from Postgres
// (e.g. deleted between upsert and query) are skipped.
func (m *QdrantMatcher) Match(ctx context.Context, embedding []float32, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 20
	}

	fetchLimit := uint64(limit) //nolint:gosec // limit is bounded by config
	scoreThreshold := m.threshold
	scored, err := m.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: m.collection,
		Query:          qdrant.NewQueryDense(embedding),
		Limit:          &fetchLimit,
		ScoreThreshold: &scoreThreshold,
		WithPayload:    qdrant.NewWithPayload(false),
	})
	if err != nil {
		return nil, fmt.Errorf("search: qdrant query: %w", err)
	}

	ids := make([]uuid.UUID, 0, len(scored))
	scores := make(map[uuid.UUID]float32, len(scored))
	for _, sp := range scored {
		idStr := sp.Id.GetUuid()
		if idStr == "" {
			continue
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			m.logger.Warn("qdrant: invalid UUID in point ID", "id", idStr)
			continue
		}
		ids = append(ids, id)
		scores[id] = sp.Score
	}

	records, err := m.loader.GetInstitutionsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(ids))
	for _, id := range ids {
		rec, ok := records[id]
		if !ok {
			continue
		}
		results = append(results, Result{Record: rec, Similarity: scores[id]})
	}
	return results, nil
}

// Index upserts the record's embedding into the collection. Point IDs reuse
// the Postgres primary key, so re-indexing the same record overwrites the
// existing point.
func (m *QdrantMatcher) Index(ctx context.Context, rec model.InstitutionRecord) error {
	if rec.Embedding == nil {
		return nil
	}

	key := rec.Key()
	point := &qdrant.PointStruct{
		Id:      qdrant.NewID(rec.ID.String()),
		Vectors: qdrant.NewVectorsDense(rec.Embedding.Slice()),
		Payload: qdrant.NewValueMap(map[string]any{
			"name":               key.Name,
			"major":              key.Major,
			"state":              rec.State,
			"last_verified_unix": float64(rec.LastVerified.Unix()),
		}),
	}

	_, err := m.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: m.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         []*qdrant.PointStruct{point},
	})
	if err != nil {
		return fmt.Errorf("search: qdrant upsert %s: %w", key, err)
	}
	return nil
}

// Healthy returns nil if Qdrant is reachable. Results are cached for 5 seconds
// to avoid hammering the health endpoint on every request. Concurrent calls
// after cache expiry are deduplicated via singleflight so only one gRPC call
// is made; all waiters share its result.
func (m *QdrantMatcher) Healthy(ctx context.Context) error {
	// Fast path: return the cached result if fresh.
	if time.Since(time.Unix(0, m.healthAt.Load())) < 5*time.Second {
		return m.loadHealthErr()
	}

	// Deduplicate concurrent checks. Use context.Background() instead of the
	// caller's ctx because singleflight reuses the first caller's context —
	// if that caller cancels, all waiters would get a stale error.
	result, _, _ := m.healthGroup.Do("health", func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		_, err := m.client.HealthCheck(checkCtx)
		if err != nil {
			m.storeHealthErr(fmt.Errorf("search: qdrant unhealthy: %w", err))
		} else {
			m.storeHealthErr(nil)
		}
		m.healthAt.Store(time.Now().UnixNano())
		return m.loadHealthErr(), nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

// storeHealthErr stores an error (or nil) in the atomic.Value.
// atomic.Value cannot store nil directly, so we wrap it in a pointer.
func (m *QdrantMatcher) storeHealthErr(err error) {
	m.healthErr.Store(&err)
}

// loadHealthErr loads the cached health error.
func (m *QdrantMatcher) loadHealthErr() error {
	v := m.healthErr.Load()
	if v == nil {
		return nil
	}
	return *v.(*error)
}

// Close shuts down the Qdrant gRPC connection.
func (m *QdrantMatcher) Close() error {
	return m.client.Close()
}
