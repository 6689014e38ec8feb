package engine

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/admitwise/admitwise/internal/discovery"
	"github.com/admitwise/admitwise/internal/model"
	"github.com/admitwise/admitwise/internal/search"
	"github.com/admitwise/admitwise/internal/storage"
)

// memStore is an in-memory Store shared by the fake writer.
type memStore struct {
	mu   sync.Mutex
	rows map[model.InstitutionKey]model.InstitutionRecord
}

func newMemStore(records ...model.InstitutionRecord) *memStore {
	s := &memStore{rows: make(map[model.InstitutionKey]model.InstitutionRecord)}
	for _, r := range records {
		s.rows[r.Key()] = r
	}
	return s
}

func (s *memStore) GetInstitution(_ context.Context, key model.InstitutionKey) (model.InstitutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rows[key]; ok {
		return r, nil
	}
	return model.InstitutionRecord{}, storage.ErrNotFound
}

func (s *memStore) GetInstitutionsByNames(_ context.Context, keys []model.InstitutionKey) (map[model.InstitutionKey]model.InstitutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[model.InstitutionKey]model.InstitutionRecord, len(keys))
	for _, key := range keys {
		if r, ok := s.rows[key]; ok {
			out[key] = r
		}
	}
	return out, nil
}

func (s *memStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

// fakeWriter maps raw discovery output onto records and stores them.
type fakeWriter struct {
	store  *memStore
	writes atomic.Int64
	err    error // when set, Write fails without storing anything
}

func (w *fakeWriter) Write(_ context.Context, raw []model.RawInstitution, source string) ([]model.InstitutionRecord, error) {
	w.writes.Add(1)
	if w.err != nil {
		return nil, w.err
	}
	out := make([]model.InstitutionRecord, 0, len(raw))

	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	for _, inst := range raw {
		major := strings.ToLower(strings.TrimSpace(inst.Major))
		if major == "" {
			major = model.MajorGeneral
		}
		rec := model.InstitutionRecord{
			Name:           strings.TrimSpace(inst.Name),
			Major:          major,
			AcceptanceRate: inst.AcceptanceRate,
			SAT25th:        inst.SAT25th,
			SAT75th:        inst.SAT75th,
			State:          strings.ToUpper(inst.State),
			Source:         source,
			LastVerified:   time.Now().UTC(),
		}
		key := rec.Key()
		if existing, ok := w.store.rows[key]; ok {
			rec.ID = existing.ID
		} else {
			rec.ID = uuid.New()
		}
		w.store.rows[key] = rec
		out = append(out, rec)
	}
	return out, nil
}

// fakeMatcher returns a fixed candidate list.
type fakeMatcher struct {
	results []search.Result
}

func (m *fakeMatcher) Match(_ context.Context, _ []float32, _ int) ([]search.Result, error) {
	return m.results, nil
}

func (m *fakeMatcher) Index(_ context.Context, _ model.InstitutionRecord) error { return nil }
func (m *fakeMatcher) Healthy(_ context.Context) error                          { return nil }

// fakeDiscoverer counts calls and delegates to configurable funcs.
type fakeDiscoverer struct {
	verifyCalls   atomic.Int64
	discoverCalls atomic.Int64
	verifyFn      func(key model.InstitutionKey) (discovery.Result, error)
	discoverFn    func(req discovery.Request) (discovery.Result, error)
}

func (d *fakeDiscoverer) Discover(_ context.Context, req discovery.Request) (discovery.Result, error) {
	d.discoverCalls.Add(1)
	if d.discoverFn == nil {
		return discovery.Result{}, discovery.ErrEmpty
	}
	return d.discoverFn(req)
}

func (d *fakeDiscoverer) Verify(_ context.Context, key model.InstitutionKey) (discovery.Result, error) {
	d.verifyCalls.Add(1)
	if d.verifyFn == nil {
		return discovery.Result{}, discovery.ErrEmpty
	}
	return d.verifyFn(key)
}

// fakeEmbedder returns a fixed small vector.
type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, _ string) (pgvector.Vector, error) {
	return pgvector.NewVector([]float32{1, 0, 0}), nil
}

func (fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([]pgvector.Vector, error) {
	vecs := make([]pgvector.Vector, len(texts))
	for i := range vecs {
		vecs[i] = pgvector.NewVector([]float32{1, 0, 0})
	}
	return vecs, nil
}

func (fakeEmbedder) Dimensions() int { return 3 }

func ptrF(v float64) *float64 { return &v }
func ptrI(v int) *int         { return &v }

func freshRecord(name string) model.InstitutionRecord {
	return model.InstitutionRecord{
		ID:             uuid.New(),
		Name:           name,
		Major:          "general",
		AcceptanceRate: ptrF(0.30),
		SAT25th:        ptrI(1200),
		SAT75th:        ptrI(1400),
		State:          "MA",
		LastVerified:   time.Now().UTC(),
	}
}

func staleRecord(name string) model.InstitutionRecord {
	r := freshRecord(name)
	r.LastVerified = time.Now().UTC().Add(-90 * 24 * time.Hour)
	return r
}

func matcherFor(records ...model.InstitutionRecord) *fakeMatcher {
	results := make([]search.Result, len(records))
	for i, r := range records {
		results[i] = search.Result{Record: r, Similarity: 0.9}
	}
	return &fakeMatcher{results: results}
}

func basicRequest() model.RecommendRequest {
	return model.RecommendRequest{
		Query: "research universities in the northeast",
		Profile: model.StudentProfile{
			CitizenshipStatus: model.CitizenshipUSCitizen,
			GPA:               3.8,
			SATScore:          ptrI(1350),
		},
	}
}
