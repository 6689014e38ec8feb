package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/admitwise/admitwise/internal/discovery"
	"github.com/admitwise/admitwise/internal/model"
	"github.com/admitwise/admitwise/internal/scoring"
	"github.com/admitwise/admitwise/internal/testutil"
)

func newEngine(store *memStore, matcher *fakeMatcher, disc *fakeDiscoverer, cfg Config) *Engine {
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 30 * 24 * time.Hour
	}
	if cfg.DiscoveryBackoff == 0 {
		cfg.DiscoveryBackoff = time.Millisecond
	}
	writer := &fakeWriter{store: store}
	return New(store, matcher, disc, writer, fakeEmbedder{},
		scoring.NewScorer(scoring.DefaultConfig()), cfg, testutil.TestLogger())
}

func TestFreshCacheHitSkipsDiscovery(t *testing.T) {
	records := []model.InstitutionRecord{
		freshRecord("Alpha University"),
		freshRecord("Beta College"),
	}
	store := newMemStore(records...)
	disc := &fakeDiscoverer{}
	e := newEngine(store, matcherFor(records...), disc, Config{})

	req := basicRequest()
	req.Limit = 2

	resp, err := e.Recommend(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, resp.Results, 2)
	assert.False(t, resp.Stale)
	assert.Zero(t, disc.verifyCalls.Load())
	assert.Zero(t, disc.discoverCalls.Load())
}

func TestNamedInstitutionBypassesVectorMiss(t *testing.T) {
	rec := freshRecord("Oberlin College")
	store := newMemStore(rec)
	disc := &fakeDiscoverer{}
	// The vector index returns nothing for this query; the exact-key
	// lookup must still surface the cached row.
	e := newEngine(store, &fakeMatcher{}, disc, Config{})

	req := basicRequest()
	req.InstitutionNames = []string{"Oberlin College"}
	req.Limit = 1

	resp, err := e.Recommend(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "Oberlin College", resp.Results[0].Name)
	assert.Zero(t, disc.discoverCalls.Load())
}

func TestNamedInstitutionFallsBackToGeneralSegment(t *testing.T) {
	rec := freshRecord("Harvey Mudd College") // stored under the general segment
	store := newMemStore(rec)
	disc := &fakeDiscoverer{}
	e := newEngine(store, &fakeMatcher{}, disc, Config{})

	req := basicRequest()
	req.Profile.Major = "Computer Science"
	req.InstitutionNames = []string{"harvey mudd college"}
	req.Limit = 1

	resp, err := e.Recommend(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "Harvey Mudd College", resp.Results[0].Name)
}

func TestStaleRecordTriggersVerification(t *testing.T) {
	stale := staleRecord("Dusty University")
	store := newMemStore(stale)

	disc := &fakeDiscoverer{
		verifyFn: func(key model.InstitutionKey) (discovery.Result, error) {
			rate := 0.28
			return discovery.Result{
				Institutions: []model.RawInstitution{{Name: "Dusty University", AcceptanceRate: &rate}},
				Citations:    []model.Citation{{Title: "Dusty University admissions", URL: "https://dusty.edu"}},
			}, nil
		},
	}
	e := newEngine(store, matcherFor(stale), disc, Config{})

	req := basicRequest()
	req.Limit = 1

	resp, err := e.Recommend(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.False(t, resp.Stale)
	assert.Equal(t, int64(1), disc.verifyCalls.Load())
	require.Len(t, resp.CitationSources, 1)
	assert.Equal(t, "https://dusty.edu", resp.CitationSources[0].URL)
	assert.Contains(t, resp.Results[0].OfficialLinks, "https://dusty.edu")
}

func TestSingleFlightOneDiscoveryCallForConcurrentRequests(t *testing.T) {
	stale := staleRecord("Contended University")
	store := newMemStore(stale)

	release := make(chan struct{})
	disc := &fakeDiscoverer{
		verifyFn: func(key model.InstitutionKey) (discovery.Result, error) {
			<-release
			rate := 0.3
			return discovery.Result{
				Institutions: []model.RawInstitution{{Name: "Contended University", AcceptanceRate: &rate}},
			}, nil
		},
	}
	e := newEngine(store, matcherFor(stale), disc, Config{})

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := basicRequest()
			req.Limit = 1
			_, errs[i] = e.Recommend(context.Background(), req)
		}(i)
	}

	// Give all requests time to join the in-flight call, then release it.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range n {
		assert.NoError(t, errs[i])
	}
	assert.Equal(t, int64(1), disc.verifyCalls.Load(),
		"concurrent requests for the same stale key must share one discovery call")
}

func TestEmptyDiscoveryLeavesStoreUntouched(t *testing.T) {
	// Cache miss + force refresh + discovery finds nothing: no results for
	// the key and no store mutation.
	store := newMemStore()
	disc := &fakeDiscoverer{
		discoverFn: func(req discovery.Request) (discovery.Result, error) {
			return discovery.Result{}, discovery.ErrEmpty
		},
	}
	writer := &fakeWriter{store: store}
	e := New(store, &fakeMatcher{}, disc, writer, fakeEmbedder{},
		scoring.NewScorer(scoring.DefaultConfig()),
		Config{CacheTTL: time.Hour, DiscoveryBackoff: time.Millisecond}, testutil.TestLogger())

	req := basicRequest()
	req.ForceRefresh = true

	resp, err := e.Recommend(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.Zero(t, writer.writes.Load())
	assert.Zero(t, store.len())
}

func TestDiscoveryFailureServesStaleRecord(t *testing.T) {
	stale := staleRecord("Fallback University")
	store := newMemStore(stale)

	disc := &fakeDiscoverer{
		verifyFn: func(key model.InstitutionKey) (discovery.Result, error) {
			return discovery.Result{}, discovery.ErrUnavailable
		},
	}
	e := newEngine(store, matcherFor(stale), disc, Config{DiscoveryRetries: 2})

	req := basicRequest()
	req.Limit = 1

	resp, err := e.Recommend(context.Background(), req)
	require.NoError(t, err, "a stale fallback must not surface an error")
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "Fallback University", resp.Results[0].Name)
	assert.True(t, resp.Results[0].Stale)
	assert.True(t, resp.Stale)

	// Retries were bounded: first attempt plus two retries.
	assert.Equal(t, int64(3), disc.verifyCalls.Load())
}

func TestDiscoveryFailureWithNoFallbackIsAIServiceError(t *testing.T) {
	store := newMemStore()
	disc := &fakeDiscoverer{
		discoverFn: func(req discovery.Request) (discovery.Result, error) {
			return discovery.Result{}, discovery.ErrUnavailable
		},
	}
	e := newEngine(store, &fakeMatcher{}, disc, Config{DiscoveryRetries: 1})

	_, err := e.Recommend(context.Background(), basicRequest())
	var aiErr *AIServiceError
	require.ErrorAs(t, err, &aiErr)
}

func TestWriteBackFailureIsFatal(t *testing.T) {
	// Store errors never degrade to stale data the way discovery errors do.
	stale := staleRecord("Doomed University")
	store := newMemStore(stale)

	disc := &fakeDiscoverer{
		verifyFn: func(key model.InstitutionKey) (discovery.Result, error) {
			rate := 0.3
			return discovery.Result{
				Institutions: []model.RawInstitution{{Name: "Doomed University", AcceptanceRate: &rate}},
			}, nil
		},
	}
	writer := &fakeWriter{store: store, err: errors.New("connection refused")}
	e := New(store, matcherFor(stale), disc, writer, fakeEmbedder{},
		scoring.NewScorer(scoring.DefaultConfig()),
		Config{CacheTTL: time.Hour, DiscoveryBackoff: time.Millisecond}, testutil.TestLogger())

	req := basicRequest()
	req.Limit = 1

	_, err := e.Recommend(context.Background(), req)
	require.ErrorIs(t, err, ErrStore)
}

func TestForceRefreshTreatsFreshRecordsAsStale(t *testing.T) {
	fresh := freshRecord("Evergreen College")
	store := newMemStore(fresh)

	disc := &fakeDiscoverer{
		verifyFn: func(key model.InstitutionKey) (discovery.Result, error) {
			rate := 0.5
			return discovery.Result{
				Institutions: []model.RawInstitution{{Name: "Evergreen College", AcceptanceRate: &rate}},
			}, nil
		},
	}
	e := newEngine(store, matcherFor(fresh), disc, Config{})

	req := basicRequest()
	req.ForceRefresh = true
	req.Limit = 1

	_, err := e.Recommend(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(1), disc.verifyCalls.Load())
}

func TestExclusionNeverAppearsInResponse(t *testing.T) {
	store := newMemStore()
	disc := &fakeDiscoverer{
		discoverFn: func(req discovery.Request) (discovery.Result, error) {
			rate := 0.4
			return discovery.Result{
				Institutions: []model.RawInstitution{
					{Name: "Wanted College", AcceptanceRate: &rate},
					{Name: "Banned University", AcceptanceRate: &rate},
				},
			}, nil
		},
	}
	e := newEngine(store, &fakeMatcher{}, disc, Config{})

	req := basicRequest()
	req.ExcludedInstitutionNames = []string{"banned university"}

	resp, err := e.Recommend(context.Background(), req)
	require.NoError(t, err)
	for _, r := range resp.Results {
		assert.NotEqual(t, "Banned University", r.Name)
	}
}

func TestCancelledRequestReturnsContextError(t *testing.T) {
	stale := staleRecord("Slowpoke University")
	store := newMemStore(stale)

	started := make(chan struct{})
	release := make(chan struct{})
	disc := &fakeDiscoverer{
		verifyFn: func(key model.InstitutionKey) (discovery.Result, error) {
			close(started)
			<-release
			return discovery.Result{}, discovery.ErrUnavailable
		},
	}
	e := newEngine(store, matcherFor(stale), disc, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		req := basicRequest()
		req.Limit = 1
		_, err := e.Recommend(ctx, req)
		done <- err
	}()

	<-started
	cancel()
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	close(release)
}

func TestRecommendStreamEmitsResultsThenDone(t *testing.T) {
	records := []model.InstitutionRecord{freshRecord("Streamed University")}
	store := newMemStore(records...)
	e := newEngine(store, matcherFor(records...), &fakeDiscoverer{}, Config{})

	req := basicRequest()
	req.Limit = 1

	var results, dones int
	var last EventType
	for ev := range e.RecommendStream(context.Background(), req) {
		last = ev.Type
		switch ev.Type {
		case EventResult:
			results++
			require.NotNil(t, ev.Result)
		case EventDone:
			dones++
			require.NotNil(t, ev.Response)
		case EventError:
			t.Fatalf("unexpected error event: %s", ev.Message)
		}
	}

	assert.Equal(t, 1, results)
	assert.Equal(t, 1, dones)
	assert.Equal(t, EventDone, last, "done must terminate the stream")
}
