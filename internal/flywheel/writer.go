// Package flywheel persists discovery output so one external call becomes
// durable, reusable cache data for future requests.
package flywheel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/admitwise/admitwise/internal/model"
	"github.com/admitwise/admitwise/internal/search"
	"github.com/admitwise/admitwise/internal/service/embedding"
)

// Store is the persistence surface the writer needs. *storage.DB satisfies it.
type Store interface {
	UpsertInstitution(ctx context.Context, r model.InstitutionRecord) (model.InstitutionRecord, error)
}

// Writer converts raw discovery output into stored institution records:
// it embeds each institution's description, upserts the record keyed on
// (name, major), and indexes the embedding for vector matching. Writing
// the same discovery output twice leaves the store unchanged apart from
// timestamps.
type Writer struct {
	store    Store
	embedder embedding.Provider
	matcher  search.Matcher
	logger   *slog.Logger
}

// NewWriter creates a flywheel Writer.
func NewWriter(store Store, embedder embedding.Provider, matcher search.Matcher, logger *slog.Logger) *Writer {
	return &Writer{store: store, embedder: embedder, matcher: matcher, logger: logger}
}

// Write persists all institutions from one discovery result. A failure on
// one institution does not abort the rest; the first error is returned
// after all writes are attempted. Returns the stored records in input order
// (failed entries are skipped).
func (w *Writer) Write(ctx context.Context, raw []model.RawInstitution, source string) ([]model.InstitutionRecord, error) {
	var firstErr error
	stored := make([]model.InstitutionRecord, 0, len(raw))

	for _, inst := range raw {
		rec, err := w.writeOne(ctx, inst, source)
		if err != nil {
			w.logger.Warn("flywheel: write institution failed",
				"institution", inst.Name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		stored = append(stored, rec)
	}

	return stored, firstErr
}

func (w *Writer) writeOne(ctx context.Context, raw model.RawInstitution, source string) (model.InstitutionRecord, error) {
	rec := recordFromRaw(raw, source)

	// Embed the description so the record is findable by vector match.
	// Embedding failure is not fatal: the record is still cached and
	// servable, it just won't surface in similarity search.
	text := embeddingText(raw)
	if text != "" {
		vec, err := w.embedder.Embed(ctx, text)
		if err != nil {
			w.logger.Warn("flywheel: embed failed, storing without vector",
				"institution", raw.Name, "error", err)
		} else {
			rec.Embedding = &vec
		}
	}

	stored, err := w.store.UpsertInstitution(ctx, rec)
	if err != nil {
		return model.InstitutionRecord{}, fmt.Errorf("flywheel: upsert %s: %w", raw.Name, err)
	}

	if rec.Embedding != nil {
		stored.Embedding = rec.Embedding
		if err := w.matcher.Index(ctx, stored); err != nil {
			// The row is already durable; index lag only degrades recall.
			w.logger.Warn("flywheel: index failed", "institution", stored.Name, "error", err)
		}
	}

	return stored, nil
}

// recordFromRaw maps discovery output onto a storable record.
func recordFromRaw(raw model.RawInstitution, source string) model.InstitutionRecord {
	major := strings.ToLower(strings.TrimSpace(raw.Major))
	if major == "" {
		major = model.MajorGeneral
	}

	return model.InstitutionRecord{
		Name:                 strings.TrimSpace(raw.Name),
		Major:                major,
		AcceptanceRate:       raw.AcceptanceRate,
		SAT25th:              raw.SAT25th,
		SAT75th:              raw.SAT75th,
		ACT25th:              raw.ACT25th,
		ACT75th:              raw.ACT75th,
		AvgGPA:               raw.AvgGPA,
		TuitionInState:       raw.TuitionInState,
		TuitionOutOfState:    raw.TuitionOutOfState,
		TuitionInternational: raw.TuitionInternational,
		NeedBlindCountries:   raw.NeedBlindCountries,
		NeedAwareCountries:   raw.NeedAwareCountries,
		MeetsFullNeed:        raw.MeetsFullNeed,
		CampusSetting:        strings.ToUpper(strings.TrimSpace(raw.CampusSetting)),
		State:                strings.ToUpper(strings.TrimSpace(raw.State)),
		StudentSize:          raw.StudentSize,
		Provenance:           raw.Description,
		Source:               source,
		LastVerified:         time.Now().UTC(),
	}
}

// embeddingText builds the text embedded for similarity search: the
// description plus the identifying fields, so sparse descriptions still
// produce a usable vector.
func embeddingText(raw model.RawInstitution) string {
	var parts []string
	if raw.Name != "" {
		parts = append(parts, raw.Name)
	}
	if raw.Major != "" {
		parts = append(parts, "major: "+raw.Major)
	}
	if raw.State != "" {
		parts = append(parts, "state: "+raw.State)
	}
	if raw.CampusSetting != "" {
		parts = append(parts, "campus: "+strings.ToLower(raw.CampusSetting))
	}
	if raw.Description != "" {
		parts = append(parts, raw.Description)
	}
	return strings.Join(parts, "\n")
}
