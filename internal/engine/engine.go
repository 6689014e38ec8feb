// Package engine implements the hybrid sourcing pipeline: cache-first
// candidate lookup, single-flight discovery of missing or stale data,
// write-back through the flywheel, and deterministic scoring into the
// final recommendation list.
//
// Per-request phases run strictly in order: CacheCheck, Discover, Write,
// Serve. Discovery for a given (institution, major) key is shared across
// concurrent requests; a discovery failure degrades to stale data when any
// exists and surfaces an AIServiceError only when it does not.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/admitwise/admitwise/internal/discovery"
	"github.com/admitwise/admitwise/internal/model"
	"github.com/admitwise/admitwise/internal/scoring"
	"github.com/admitwise/admitwise/internal/search"
	"github.com/admitwise/admitwise/internal/service/embedding"
	"github.com/admitwise/admitwise/internal/storage"
)

// Store is the persistence surface the engine reads. *storage.DB satisfies it.
type Store interface {
	GetInstitution(ctx context.Context, key model.InstitutionKey) (model.InstitutionRecord, error)
	GetInstitutionsByNames(ctx context.Context, keys []model.InstitutionKey) (map[model.InstitutionKey]model.InstitutionRecord, error)
}

// Writer persists discovery output. *flywheel.Writer satisfies it.
type Writer interface {
	Write(ctx context.Context, raw []model.RawInstitution, source string) ([]model.InstitutionRecord, error)
}

// Config holds the engine's operational knobs.
type Config struct {
	// CacheTTL is the age after which a record is treated as stale.
	CacheTTL time.Duration

	// ResultLimit is the default number of recommendations per response.
	ResultLimit int

	// SimilarityLimit caps candidates pulled from the vector matcher.
	SimilarityLimit int

	// DiscoveryRetries is the number of additional attempts after the
	// first discovery failure.
	DiscoveryRetries int

	// DiscoveryBackoff is the base delay for jittered exponential backoff
	// between discovery attempts.
	DiscoveryBackoff time.Duration
}

// Engine coordinates the full recommendation pipeline.
type Engine struct {
	store      Store
	matcher    search.Matcher
	discoverer discovery.Discoverer
	writer     Writer
	embedder   embedding.Provider
	scorer     *scoring.Scorer
	cfg        Config
	logger     *slog.Logger

	// flight deduplicates in-flight discovery per key. Entries are removed
	// when the shared call resolves.
	flight singleflight.Group

	now func() time.Time
}

// New creates an Engine.
func New(store Store, matcher search.Matcher, discoverer discovery.Discoverer, writer Writer, embedder embedding.Provider, scorer *scoring.Scorer, cfg Config, logger *slog.Logger) *Engine {
	if cfg.ResultLimit <= 0 {
		cfg.ResultLimit = 5
	}
	if cfg.SimilarityLimit <= 0 {
		cfg.SimilarityLimit = 20
	}
	return &Engine{
		store:      store,
		matcher:    matcher,
		discoverer: discoverer,
		writer:     writer,
		embedder:   embedder,
		scorer:     scorer,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// maxParallelRefreshes bounds concurrent per-key verification so one
// request with many stale candidates cannot flood the discovery API.
const maxParallelRefreshes = 4

// servable pairs a record with the degraded-path marker set when its
// refresh failed and the stale copy is served anyway.
type servable struct {
	record model.InstitutionRecord
	stale  bool
}

// discoveryOutcome is the shared result of one single-flight discovery.
type discoveryOutcome struct {
	records   []model.InstitutionRecord
	citations []model.Citation
}

// Recommend runs the full pipeline and returns the assembled response.
func (e *Engine) Recommend(ctx context.Context, req model.RecommendRequest) (model.RecommendResponse, error) {
	return e.recommend(ctx, req, func(Event) {})
}

// RecommendStream runs the pipeline while emitting progress and per-result
// events. The returned channel is closed after the terminal done or error
// event; cancellation of ctx stops the producer without aborting discovery
// shared with other requests.
func (e *Engine) RecommendStream(ctx context.Context, req model.RecommendRequest) <-chan Event {
	events := make(chan Event, 16)

	emit := func(ev Event) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}

	go func() {
		defer close(events)

		resp, err := e.recommend(ctx, req, emit)
		if err != nil {
			emit(Event{Type: EventError, Message: err.Error()})
			return
		}
		for i := range resp.Results {
			emit(Event{Type: EventResult, Result: &resp.Results[i]})
		}
		emit(Event{Type: EventDone, Response: &resp})
	}()

	return events
}

func (e *Engine) recommend(ctx context.Context, req model.RecommendRequest, emit func(Event)) (model.RecommendResponse, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = e.cfg.ResultLimit
	}
	exclusions := model.NewExclusionSet(req.ExcludedInstitutionNames)
	major := req.Profile.MajorSegment()

	// CacheCheck: vector-match the query against stored institutions.
	emit(Event{Type: EventStatus, Message: "checking cached institutions"})
	candidates := e.cacheCheck(ctx, req, exclusions)

	var (
		serve     []servable
		toRefresh []model.InstitutionRecord
	)
	for _, c := range candidates {
		if c.IsStale(e.cfg.CacheTTL, req.ForceRefresh, e.now()) {
			toRefresh = append(toRefresh, c)
		} else {
			serve = append(serve, servable{record: c})
		}
	}

	var citations []model.Citation

	// Refresh stale candidates in parallel through single-flight
	// verification, degrading to the stale copy when discovery fails.
	// Refreshed[i] corresponds to toRefresh[i] so output order is stable.
	if len(toRefresh) > 0 {
		emit(Event{Type: EventStatus, Message: fmt.Sprintf("re-verifying %d stale records", len(toRefresh))})

		refreshed := make([]servable, len(toRefresh))
		refreshCitations := make([][]model.Citation, len(toRefresh))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(maxParallelRefreshes)
		for i, stale := range toRefresh {
			g.Go(func() error {
				outcome, err := e.sharedDiscovery(gctx, "verify:"+stale.Key().String(), func(callCtx context.Context) (discoveryOutcome, error) {
					return e.verifyKey(callCtx, stale.Key(), req.ForceRefresh)
				})
				switch {
				case err == nil && len(outcome.records) > 0:
					refreshed[i] = servable{record: outcome.records[0]}
					refreshCitations[i] = outcome.citations
				case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded),
					errors.Is(err, ErrStore):
					return err
				default:
					e.logger.Warn("engine: refresh failed, serving stale record",
						"key", stale.Key().String(), "error", err)
					refreshed[i] = servable{record: stale, stale: true}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return model.RecommendResponse{}, err
		}

		for i := range refreshed {
			serve = append(serve, refreshed[i])
			citations = append(citations, refreshCitations[i]...)
		}
	}

	// Discover net-new candidates when the cache cannot fill the response.
	if len(serve) < limit {
		emit(Event{Type: EventStatus, Message: "discovering institutions"})

		known := make([]string, 0, len(serve)+len(req.ExcludedInstitutionNames))
		seen := make(map[model.InstitutionKey]bool, len(serve))
		for _, s := range serve {
			known = append(known, s.record.Name)
			seen[s.record.Key()] = true
		}
		known = append(known, req.ExcludedInstitutionNames...)

		dreq := discovery.Request{
			Query:        req.Query,
			Profile:      req.Profile,
			ExcludeNames: known,
			Limit:        limit * 2, // over-fetch so selection has label variety
		}
		flightKey := "discover:" + strings.ToLower(strings.TrimSpace(req.Query)) + "|" + major

		outcome, err := e.sharedDiscovery(ctx, flightKey, func(callCtx context.Context) (discoveryOutcome, error) {
			return e.discoverQuery(callCtx, dreq)
		})
		switch {
		case err == nil:
			for _, rec := range outcome.records {
				if seen[rec.Key()] || exclusions.Contains(rec.Name) {
					continue
				}
				seen[rec.Key()] = true
				serve = append(serve, servable{record: rec})
			}
			citations = append(citations, outcome.citations...)
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded),
			errors.Is(err, ErrStore):
			return model.RecommendResponse{}, err
		case errors.Is(err, discovery.ErrEmpty):
			// Terminal for this request: nothing usable came back and
			// nothing was written. Serve whatever the cache provided.
			e.logger.Info("engine: discovery returned no institutions", "query", req.Query)
		default:
			if len(serve) == 0 {
				return model.RecommendResponse{}, &AIServiceError{Key: flightKey, Err: err}
			}
			e.logger.Warn("engine: discovery failed, serving cached candidates only", "error", err)
		}
	}

	emit(Event{Type: EventStatus, Message: "scoring candidates"})
	return e.assemble(req, serve, citations, exclusions, limit), nil
}

// cacheCheck gathers cached candidates: exact-key lookups for institutions
// the student named, then vector similarity against the embedded query,
// filtered to the request's major segment and exclusions. Failures degrade
// to whatever was already gathered: discovery can still serve the request.
func (e *Engine) cacheCheck(ctx context.Context, req model.RecommendRequest, exclusions model.ExclusionSet) []model.InstitutionRecord {
	major := req.Profile.MajorSegment()

	var out []model.InstitutionRecord
	seen := make(map[model.InstitutionKey]bool)

	// Institutions the student named get exact-key lookups first: a row
	// the vector index missed should still be considered when asked for.
	for _, rec := range e.namedCandidates(ctx, req.InstitutionNames, major) {
		if exclusions.Contains(rec.Name) || seen[rec.Key()] {
			continue
		}
		seen[rec.Key()] = true
		out = append(out, rec)
	}

	queryText := req.Query
	if req.Profile.Major != "" {
		queryText += "\nmajor: " + req.Profile.Major
	}

	vec, err := e.embedder.Embed(ctx, queryText)
	if err != nil {
		e.logger.Warn("engine: query embedding failed, skipping similarity check", "error", err)
		return out
	}

	results, err := e.matcher.Match(ctx, vec.Slice(), e.cfg.SimilarityLimit)
	if err != nil {
		e.logger.Warn("engine: vector match failed, skipping similarity check", "error", err)
		return out
	}

	ranked := search.Rank(results, e.cfg.SimilarityLimit)

	for _, r := range ranked {
		rec := r.Record
		if exclusions.Contains(rec.Name) {
			continue
		}
		// Candidates from other major segments don't carry this major's
		// admission picture; keep general-segment rows as a fallback.
		if rec.Major != major && rec.Major != model.MajorGeneral {
			continue
		}
		if seen[rec.Key()] {
			continue
		}
		seen[rec.Key()] = true
		out = append(out, rec)
	}
	return out
}

// namedCandidates resolves explicitly named institutions to cached records
// in one batch read, trying the student's major segment first and the
// general segment as fallback. Lookup failures degrade to an empty list;
// names absent from the cache are left for the discovery phase.
func (e *Engine) namedCandidates(ctx context.Context, names []string, major string) []model.InstitutionRecord {
	if len(names) == 0 {
		return nil
	}

	keys := make([]model.InstitutionKey, 0, len(names)*2)
	for _, name := range names {
		keys = append(keys, model.NewInstitutionKey(name, major))
		if major != model.MajorGeneral {
			keys = append(keys, model.NewInstitutionKey(name, model.MajorGeneral))
		}
	}

	found, err := e.store.GetInstitutionsByNames(ctx, keys)
	if err != nil {
		e.logger.Warn("engine: named institution lookup failed", "error", err)
		return nil
	}

	out := make([]model.InstitutionRecord, 0, len(names))
	for _, name := range names {
		if rec, ok := found[model.NewInstitutionKey(name, major)]; ok {
			out = append(out, rec)
			continue
		}
		if rec, ok := found[model.NewInstitutionKey(name, model.MajorGeneral)]; ok {
			out = append(out, rec)
		}
	}
	return out
}

// verifyKey re-fetches one stale key through discovery and writes the
// result back. It re-reads the store first: another request may have
// already refreshed the key while this one waited on the flight group.
func (e *Engine) verifyKey(ctx context.Context, key model.InstitutionKey, force bool) (discoveryOutcome, error) {
	if !force {
		if current, err := e.store.GetInstitution(ctx, key); err == nil &&
			!current.IsStale(e.cfg.CacheTTL, false, e.now()) {
			return discoveryOutcome{records: []model.InstitutionRecord{current}}, nil
		} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return discoveryOutcome{}, fmt.Errorf("%w: re-read %s: %v", ErrStore, key, err)
		}
	}

	res, err := e.discoverWithRetry(ctx, func(callCtx context.Context) (discovery.Result, error) {
		return e.discoverer.Verify(callCtx, key)
	})
	if err != nil {
		return discoveryOutcome{}, err
	}

	stored, err := e.writeBack(ctx, res.Institutions)
	if err != nil {
		return discoveryOutcome{}, err
	}
	return discoveryOutcome{records: stored, citations: res.Citations}, nil
}

// discoverQuery sources net-new institutions for a free-text query and
// writes them back.
func (e *Engine) discoverQuery(ctx context.Context, req discovery.Request) (discoveryOutcome, error) {
	res, err := e.discoverWithRetry(ctx, func(callCtx context.Context) (discovery.Result, error) {
		return e.discoverer.Discover(callCtx, req)
	})
	if err != nil {
		return discoveryOutcome{}, err
	}

	stored, err := e.writeBack(ctx, res.Institutions)
	if err != nil {
		return discoveryOutcome{}, err
	}
	return discoveryOutcome{records: stored, citations: res.Citations}, nil
}

// writeBack persists discovery output through the flywheel. A total write
// failure is a store error; a partial one keeps the successfully written
// records and logs the rest, so one bad row cannot drop a whole batch.
func (e *Engine) writeBack(ctx context.Context, raw []model.RawInstitution) ([]model.InstitutionRecord, error) {
	stored, err := e.writer.Write(ctx, raw, "gemini")
	if err != nil {
		if len(stored) == 0 {
			return nil, fmt.Errorf("%w: write back: %v", ErrStore, err)
		}
		e.logger.Warn("engine: partial write back", "written", len(stored), "error", err)
	}
	return stored, nil
}

// discoverWithRetry retries transient discovery failures with jittered
// exponential backoff. ErrEmpty is terminal: the call succeeded, there is
// simply nothing to retry for.
func (e *Engine) discoverWithRetry(ctx context.Context, fn func(context.Context) (discovery.Result, error)) (discovery.Result, error) {
	delay := e.cfg.DiscoveryBackoff
	if delay <= 0 {
		delay = time.Second
	}

	var lastErr error
	for attempt := 0; attempt <= e.cfg.DiscoveryRetries; attempt++ {
		res, err := fn(ctx)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !errors.Is(err, discovery.ErrUnavailable) {
			return discovery.Result{}, err
		}
		if attempt == e.cfg.DiscoveryRetries {
			break
		}

		jitter := time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return discovery.Result{}, ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
	return discovery.Result{}, lastErr
}

// sharedDiscovery funnels concurrent callers for the same key into one
// in-flight discovery. The shared call runs on a context detached from the
// initiating caller, so one waiter's cancellation never aborts a call
// other requests are still waiting on; each waiter abandons its own wait
// via its own ctx. The entry is forgotten once the call resolves.
func (e *Engine) sharedDiscovery(ctx context.Context, key string, fn func(context.Context) (discoveryOutcome, error)) (discoveryOutcome, error) {
	callCtx := context.WithoutCancel(ctx)

	ch := e.flight.DoChan(key, func() (any, error) {
		defer e.flight.Forget(key)
		return fn(callCtx)
	})

	select {
	case <-ctx.Done():
		return discoveryOutcome{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return discoveryOutcome{}, res.Err
		}
		return res.Val.(discoveryOutcome), nil
	}
}
