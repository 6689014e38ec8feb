package storage_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/admitwise/admitwise/internal/model"
	"github.com/admitwise/admitwise/internal/storage"
	"github.com/admitwise/admitwise/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	if os.Getenv("SKIP_INTEGRATION") != "" {
		os.Exit(0)
	}

	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	db, err := tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		os.Exit(1)
	}
	testDB = db

	code := m.Run()
	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func ptrF(v float64) *float64 { return &v }
func ptrI(v int) *int         { return &v }

func testRecord(name, major string) model.InstitutionRecord {
	return model.InstitutionRecord{
		Name:               name,
		Major:              major,
		AcceptanceRate:     ptrF(0.25),
		SAT25th:            ptrI(1300),
		SAT75th:            ptrI(1480),
		ACT25th:            ptrI(29),
		ACT75th:            ptrI(33),
		AvgGPA:             ptrF(3.8),
		TuitionOutOfState:  ptrI(55000),
		NeedBlindCountries: []string{"ALL"},
		MeetsFullNeed:      true,
		CampusSetting:      "URBAN",
		State:              "MA",
		StudentSize:        ptrI(12000),
		Provenance:         "seeded by test",
		Source:             "test",
	}
}

func TestUpsertAndGetInstitution(t *testing.T) {
	ctx := context.Background()

	stored, err := testDB.UpsertInstitution(ctx, testRecord("Tufts University", "biology"))
	require.NoError(t, err)
	assert.NotZero(t, stored.ID)
	assert.False(t, stored.LastVerified.IsZero())

	// Lookup is case-insensitive on both key parts.
	got, err := testDB.GetInstitution(ctx, model.NewInstitutionKey("TUFTS UNIVERSITY", "Biology"))
	require.NoError(t, err)
	assert.Equal(t, stored.ID, got.ID)
	assert.Equal(t, "Tufts University", got.Name)
	require.NotNil(t, got.AcceptanceRate)
	assert.InDelta(t, 0.25, *got.AcceptanceRate, 1e-9)
	assert.Equal(t, []string{"ALL"}, got.NeedBlindCountries)
}

func TestGetInstitutionNotFound(t *testing.T) {
	_, err := testDB.GetInstitution(context.Background(), model.NewInstitutionKey("No Such College", ""))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpsertIsIdempotentOnNameMajor(t *testing.T) {
	ctx := context.Background()

	first, err := testDB.UpsertInstitution(ctx, testRecord("Idempotent College", "physics"))
	require.NoError(t, err)

	// Same (name, major) with different casing must update, not duplicate.
	again := testRecord("IDEMPOTENT COLLEGE", "Physics")
	again.AcceptanceRate = ptrF(0.30)
	second, err := testDB.UpsertInstitution(ctx, again)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	require.NotNil(t, second.AcceptanceRate)
	assert.InDelta(t, 0.30, *second.AcceptanceRate, 1e-9)

	got, err := testDB.GetInstitution(ctx, model.NewInstitutionKey("idempotent college", "physics"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
}

func TestUpsertPreservesKnownStatsOnSparseUpdate(t *testing.T) {
	ctx := context.Background()

	_, err := testDB.UpsertInstitution(ctx, testRecord("Sparse University", "cs"))
	require.NoError(t, err)

	sparse := model.InstitutionRecord{
		Name:       "Sparse University",
		Major:      "cs",
		Provenance: "re-verified with no stats",
		Source:     "test",
	}
	updated, err := testDB.UpsertInstitution(ctx, sparse)
	require.NoError(t, err)

	// NULL incoming stats keep the stored values.
	require.NotNil(t, updated.SAT25th)
	assert.Equal(t, 1300, *updated.SAT25th)
	require.NotNil(t, updated.AcceptanceRate)
	assert.InDelta(t, 0.25, *updated.AcceptanceRate, 1e-9)
	assert.Equal(t, "re-verified with no stats", updated.Provenance)
}

func TestUpsertDistinctMajorsAreSeparateRows(t *testing.T) {
	ctx := context.Background()

	bio, err := testDB.UpsertInstitution(ctx, testRecord("Two Major University", "biology"))
	require.NoError(t, err)
	cs, err := testDB.UpsertInstitution(ctx, testRecord("Two Major University", "computer science"))
	require.NoError(t, err)

	assert.NotEqual(t, bio.ID, cs.ID)
}

func TestUpsertDefaultsEmptyMajorToGeneral(t *testing.T) {
	ctx := context.Background()

	r := testRecord("Generalist College", "")
	stored, err := testDB.UpsertInstitution(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, model.MajorGeneral, stored.Major)

	_, err = testDB.GetInstitution(ctx, model.NewInstitutionKey("Generalist College", ""))
	require.NoError(t, err)
}

func TestFindSimilar(t *testing.T) {
	ctx := context.Background()

	mkVec := func(seed float32) *pgvector.Vector {
		vals := make([]float32, 768)
		vals[0] = seed
		vals[1] = 1 - seed
		v := pgvector.NewVector(vals)
		return &v
	}

	near := testRecord("Vector Near College", "math")
	near.Embedding = mkVec(0.95)
	_, err := testDB.UpsertInstitution(ctx, near)
	require.NoError(t, err)

	far := testRecord("Vector Far College", "math")
	far.Embedding = mkVec(0.05)
	_, err = testDB.UpsertInstitution(ctx, far)
	require.NoError(t, err)

	query := make([]float32, 768)
	query[0] = 1

	results, err := testDB.FindSimilar(ctx, query, 0.5, 10)
	require.NoError(t, err)
	require.NotEmpty(t, results)

	assert.Equal(t, "Vector Near College", results[0].Record.Name)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Similarity, results[i].Similarity)
	}
}

func TestGetInstitutionsByNames(t *testing.T) {
	ctx := context.Background()

	_, err := testDB.UpsertInstitution(ctx, testRecord("Batch One College", "art"))
	require.NoError(t, err)
	_, err = testDB.UpsertInstitution(ctx, testRecord("Batch Two College", "art"))
	require.NoError(t, err)

	keys := []model.InstitutionKey{
		model.NewInstitutionKey("Batch One College", "art"),
		model.NewInstitutionKey("Batch Two College", "art"),
		model.NewInstitutionKey("Missing College", "art"),
	}
	got, err := testDB.GetInstitutionsByNames(ctx, keys)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Contains(t, got, keys[0])
	assert.Contains(t, got, keys[1])
}

func TestCountInstitutions(t *testing.T) {
	n, err := testDB.CountInstitutions(context.Background())
	require.NoError(t, err)
	assert.Greater(t, n, int64(0))
}

func TestUpsertStampsTimestamps(t *testing.T) {
	ctx := context.Background()

	before := time.Now().UTC().Add(-time.Second)
	stored, err := testDB.UpsertInstitution(ctx, testRecord("Timestamp College", "history"))
	require.NoError(t, err)
	assert.True(t, stored.LastVerified.After(before))
	assert.True(t, stored.CreatedAt.After(before))
}
