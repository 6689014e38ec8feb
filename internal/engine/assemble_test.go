package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/admitwise/admitwise/internal/model"
)

func assembleEngine() *Engine {
	return newEngine(newMemStore(), &fakeMatcher{}, &fakeDiscoverer{}, Config{})
}

func TestDedupeCitations(t *testing.T) {
	citations := []model.Citation{
		{Title: "First", URL: "https://a.edu"},
		{Title: "Second", URL: "https://b.edu"},
		{Title: "First again", URL: "https://a.edu"},
		{Title: "Blank", URL: "  "},
		{Title: "Padded", URL: " https://b.edu "},
	}

	deduped := dedupeCitations(citations)
	require.Len(t, deduped, 2)
	assert.Equal(t, "https://a.edu", deduped[0].URL)
	assert.Equal(t, "First", deduped[0].Title, "first occurrence wins")
	assert.Equal(t, "https://b.edu", deduped[1].URL)

	assert.Nil(t, dedupeCitations(nil))
}

func TestOfficialLinksMatchByTitle(t *testing.T) {
	citations := []model.Citation{
		{Title: "Alpha University admissions statistics", URL: "https://alpha.edu/admissions"},
		{Title: "ALPHA UNIVERSITY financial aid", URL: "https://alpha.edu/aid"},
		{Title: "Beta College overview", URL: "https://beta.edu"},
	}

	links := officialLinks("Alpha University", citations)
	assert.Equal(t, []string{"https://alpha.edu/admissions", "https://alpha.edu/aid"}, links)

	assert.Empty(t, officialLinks("Gamma Institute", citations))
}

func TestAssembleCarriesStaleFlag(t *testing.T) {
	e := assembleEngine()
	req := basicRequest()

	serve := []servable{
		{record: freshRecord("Fresh College")},
		{record: staleRecord("Stale University"), stale: true},
	}

	resp := e.assemble(req, serve, nil, model.NewExclusionSet(nil), 5)
	require.Len(t, resp.Results, 2)
	assert.True(t, resp.Stale)

	for _, r := range resp.Results {
		switch r.Name {
		case "Stale University":
			assert.True(t, r.Stale)
		case "Fresh College":
			assert.False(t, r.Stale)
		}
	}
}

func TestAssembleFiltersExclusions(t *testing.T) {
	e := assembleEngine()
	req := basicRequest()

	serve := []servable{
		{record: freshRecord("Keep College")},
		{record: freshRecord("Drop University")},
	}

	resp := e.assemble(req, serve, nil, model.NewExclusionSet([]string{"Drop University"}), 5)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "Keep College", resp.Results[0].Name)
	assert.False(t, resp.Stale)
}

func TestAssembleOrdersByLabelThenScore(t *testing.T) {
	reach := freshRecord("Narrow Gate University")
	reach.AcceptanceRate = ptrF(0.05)

	safety := freshRecord("Open Door College")
	safety.AcceptanceRate = ptrF(0.70)
	safety.SAT25th = ptrI(1000)
	safety.SAT75th = ptrI(1150)

	target := freshRecord("Middle Way University")

	e := assembleEngine()
	req := basicRequest()

	serve := []servable{
		{record: safety},
		{record: reach},
		{record: target},
	}

	resp := e.assemble(req, serve, nil, model.NewExclusionSet(nil), 5)
	require.Len(t, resp.Results, 3)

	for i := 1; i < len(resp.Results); i++ {
		prev, cur := resp.Results[i-1], resp.Results[i]
		if prev.Label == cur.Label {
			assert.GreaterOrEqual(t, prev.MatchScore, cur.MatchScore)
		} else {
			assert.True(t, prev.Label.Less(cur.Label),
				"%s must sort before %s", prev.Label, cur.Label)
		}
	}
	assert.Equal(t, model.LabelReach, resp.Results[0].Label)
}
