package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/admitwise/admitwise/internal/model"
)

// Retry knobs for transient serialization and deadlock conflicts, which the
// concurrent write-back path can provoke on the (name, major) unique index.
const (
	queryRetries   = 2
	queryBaseDelay = 50 * time.Millisecond
)

const institutionColumns = `id, name, major, acceptance_rate, sat_25th, sat_75th,
	 act_25th, act_75th, avg_gpa, tuition_in_state, tuition_out_of_state,
	 tuition_international, need_blind_countries, need_aware_countries,
	 meets_full_need, campus_setting, state, student_size, provenance, source,
	 last_verified, created_at`

func scanInstitution(row pgx.Row) (model.InstitutionRecord, error) {
	var r model.InstitutionRecord
	err := row.Scan(
		&r.ID, &r.Name, &r.Major, &r.AcceptanceRate, &r.SAT25th, &r.SAT75th,
		&r.ACT25th, &r.ACT75th, &r.AvgGPA, &r.TuitionInState, &r.TuitionOutOfState,
		&r.TuitionInternational, &r.NeedBlindCountries, &r.NeedAwareCountries,
		&r.MeetsFullNeed, &r.CampusSetting, &r.State, &r.StudentSize,
		&r.Provenance, &r.Source, &r.LastVerified, &r.CreatedAt,
	)
	return r, err
}

// GetInstitution retrieves the record identified by the normalized
// (name, major) key. Returns ErrNotFound when no row matches.
func (db *DB) GetInstitution(ctx context.Context, key model.InstitutionKey) (model.InstitutionRecord, error) {
	var r model.InstitutionRecord
	err := WithRetry(ctx, queryRetries, queryBaseDelay, func() error {
		var scanErr error
		r, scanErr = scanInstitution(db.pool.QueryRow(ctx,
			`SELECT `+institutionColumns+`
			 FROM institutions
			 WHERE lower(name) = $1 AND lower(major) = $2`,
			key.Name, key.Major,
		))
		return scanErr
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.InstitutionRecord{}, ErrNotFound
		}
		return model.InstitutionRecord{}, fmt.Errorf("storage: get institution: %w", err)
	}
	return r, nil
}

// UpsertInstitution inserts or updates the record keyed by
// (lower(name), lower(major)). On conflict, incoming NULL statistics keep
// the stored value so a sparse re-discovery never erases known data;
// last_verified, provenance and source always take the incoming value.
// Upserting the same payload twice leaves exactly one row.
func (db *DB) UpsertInstitution(ctx context.Context, r model.InstitutionRecord) (model.InstitutionRecord, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	now := time.Now().UTC()
	if r.LastVerified.IsZero() {
		r.LastVerified = now
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.Major == "" {
		r.Major = model.MajorGeneral
	}

	var stored model.InstitutionRecord
	err := WithRetry(ctx, queryRetries, queryBaseDelay, func() error {
		var scanErr error
		stored, scanErr = scanInstitution(db.pool.QueryRow(ctx,
			`INSERT INTO institutions (id, name, major, acceptance_rate, sat_25th, sat_75th,
		   act_25th, act_75th, avg_gpa, tuition_in_state, tuition_out_of_state,
		   tuition_international, need_blind_countries, need_aware_countries,
		   meets_full_need, campus_setting, state, student_size, embedding,
		   provenance, source, last_verified, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		   $15, $16, $17, $18, $19, $20, $21, $22, $23)
		 ON CONFLICT (lower(name), lower(major)) DO UPDATE SET
		   acceptance_rate = COALESCE(EXCLUDED.acceptance_rate, institutions.acceptance_rate),
		   sat_25th = COALESCE(EXCLUDED.sat_25th, institutions.sat_25th),
		   sat_75th = COALESCE(EXCLUDED.sat_75th, institutions.sat_75th),
		   act_25th = COALESCE(EXCLUDED.act_25th, institutions.act_25th),
		   act_75th = COALESCE(EXCLUDED.act_75th, institutions.act_75th),
		   avg_gpa = COALESCE(EXCLUDED.avg_gpa, institutions.avg_gpa),
		   tuition_in_state = COALESCE(EXCLUDED.tuition_in_state, institutions.tuition_in_state),
		   tuition_out_of_state = COALESCE(EXCLUDED.tuition_out_of_state, institutions.tuition_out_of_state),
		   tuition_international = COALESCE(EXCLUDED.tuition_international, institutions.tuition_international),
		   need_blind_countries = CASE WHEN cardinality(EXCLUDED.need_blind_countries) > 0
		     THEN EXCLUDED.need_blind_countries ELSE institutions.need_blind_countries END,
		   need_aware_countries = CASE WHEN cardinality(EXCLUDED.need_aware_countries) > 0
		     THEN EXCLUDED.need_aware_countries ELSE institutions.need_aware_countries END,
		   meets_full_need = EXCLUDED.meets_full_need,
		   campus_setting = CASE WHEN EXCLUDED.campus_setting <> '' THEN EXCLUDED.campus_setting ELSE institutions.campus_setting END,
		   state = CASE WHEN EXCLUDED.state <> '' THEN EXCLUDED.state ELSE institutions.state END,
		   student_size = COALESCE(EXCLUDED.student_size, institutions.student_size),
		   embedding = COALESCE(EXCLUDED.embedding, institutions.embedding),
		   provenance = EXCLUDED.provenance,
		   source = EXCLUDED.source,
		   last_verified = EXCLUDED.last_verified
		 RETURNING `+institutionColumns,
			r.ID, r.Name, r.Major, r.AcceptanceRate, r.SAT25th, r.SAT75th,
			r.ACT25th, r.ACT75th, r.AvgGPA, r.TuitionInState, r.TuitionOutOfState,
			r.TuitionInternational, r.NeedBlindCountries, r.NeedAwareCountries,
			r.MeetsFullNeed, r.CampusSetting, r.State, r.StudentSize, r.Embedding,
			r.Provenance, r.Source, r.LastVerified, r.CreatedAt,
		))
		return scanErr
	})
	if err != nil {
		return model.InstitutionRecord{}, fmt.Errorf("storage: upsert institution: %w", err)
	}
	return stored, nil
}

// SimilarInstitution pairs a stored record with its raw cosine similarity
// to the query embedding.
type SimilarInstitution struct {
	Record     model.InstitutionRecord
	Similarity float32
}

// FindSimilar returns institutions whose embedding has cosine similarity of
// at least threshold with the query vector, ordered by similarity descending.
// Rows without an embedding are skipped.
func (db *DB) FindSimilar(ctx context.Context, embedding []float32, threshold float64, limit int) ([]SimilarInstitution, error) {
	vec := pgvector.NewVector(embedding)
	rows, err := db.pool.Query(ctx,
		`SELECT `+institutionColumns+`, 1 - (embedding <=> $1) AS similarity
		 FROM institutions
		 WHERE embedding IS NOT NULL AND 1 - (embedding <=> $1) >= $2
		 ORDER BY embedding <=> $1
		 LIMIT $3`,
		vec, threshold, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: find similar: %w", err)
	}
	defer rows.Close()

	var out []SimilarInstitution
	for rows.Next() {
		var s SimilarInstitution
		if err := rows.Scan(
			&s.Record.ID, &s.Record.Name, &s.Record.Major, &s.Record.AcceptanceRate,
			&s.Record.SAT25th, &s.Record.SAT75th, &s.Record.ACT25th, &s.Record.ACT75th,
			&s.Record.AvgGPA, &s.Record.TuitionInState, &s.Record.TuitionOutOfState,
			&s.Record.TuitionInternational, &s.Record.NeedBlindCountries,
			&s.Record.NeedAwareCountries, &s.Record.MeetsFullNeed,
			&s.Record.CampusSetting, &s.Record.State, &s.Record.StudentSize,
			&s.Record.Provenance, &s.Record.Source, &s.Record.LastVerified,
			&s.Record.CreatedAt, &s.Similarity,
		); err != nil {
			return nil, fmt.Errorf("storage: scan similar row: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: find similar rows: %w", err)
	}
	return out, nil
}

// GetInstitutionsByNames retrieves records for the given normalized keys in
// a single round trip. Missing keys are silently absent from the result.
func (db *DB) GetInstitutionsByNames(ctx context.Context, keys []model.InstitutionKey) (map[model.InstitutionKey]model.InstitutionRecord, error) {
	if len(keys) == 0 {
		return map[model.InstitutionKey]model.InstitutionRecord{}, nil
	}

	names := make([]string, len(keys))
	majors := make([]string, len(keys))
	for i, k := range keys {
		names[i] = k.Name
		majors[i] = k.Major
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+institutionColumns+`
		 FROM institutions
		 WHERE (lower(name), lower(major)) IN (
		   SELECT unnest($1::text[]), unnest($2::text[])
		 )`,
		names, majors,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get institutions by names: %w", err)
	}
	defer rows.Close()

	out := make(map[model.InstitutionKey]model.InstitutionRecord, len(keys))
	for rows.Next() {
		r, err := scanInstitution(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan institution row: %w", err)
		}
		out[r.Key()] = r
	}
	return out, rows.Err()
}

// GetInstitutionsByIDs retrieves records by primary key in a single round
// trip. Missing IDs are silently absent from the result.
func (db *DB) GetInstitutionsByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]model.InstitutionRecord, error) {
	if len(ids) == 0 {
		return map[uuid.UUID]model.InstitutionRecord{}, nil
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+institutionColumns+`
		 FROM institutions
		 WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get institutions by IDs: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]model.InstitutionRecord, len(ids))
	for rows.Next() {
		r, err := scanInstitution(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan institution row: %w", err)
		}
		out[r.ID] = r
	}
	return out, rows.Err()
}

// CountInstitutions returns the number of cached institution records.
// Used by the health endpoint to report flywheel growth.
func (db *DB) CountInstitutions(ctx context.Context) (int64, error) {
	var n int64
	if err := db.pool.QueryRow(ctx, `SELECT count(*) FROM institutions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count institutions: %w", err)
	}
	return n, nil
}
