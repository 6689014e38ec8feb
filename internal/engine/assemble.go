package engine

import (
	"strings"

	"github.com/admitwise/admitwise/internal/model"
	"github.com/admitwise/admitwise/internal/scoring"
)

// assemble scores the servable records, selects the recommendation
// distribution, strips excluded names, and attaches deduplicated citation
// sources. The response-level stale flag is set when any served record
// came from a degraded path.
func (e *Engine) assemble(req model.RecommendRequest, serve []servable, citations []model.Citation, exclusions model.ExclusionSet, limit int) model.RecommendResponse {
	staleByName := make(map[string]bool, len(serve))
	recordByName := make(map[string]model.InstitutionRecord, len(serve))

	scored := make([]model.MatchResult, 0, len(serve))
	for _, s := range serve {
		if exclusions.Contains(s.record.Name) {
			continue
		}
		result := e.scorer.Score(req.Profile, s.record)
		result.Stale = s.stale
		scored = append(scored, result)

		nameKey := strings.ToLower(s.record.Name)
		staleByName[nameKey] = s.stale
		recordByName[nameKey] = s.record
	}

	selected := scoring.SelectRecommendations(scored, limit)

	deduped := dedupeCitations(citations)
	anyStale := false
	for i := range selected {
		if selected[i].Stale {
			anyStale = true
		}
		selected[i].OfficialLinks = officialLinks(selected[i].Name, deduped)
	}

	return model.RecommendResponse{
		Results:         selected,
		CitationSources: deduped,
		Stale:           anyStale,
	}
}

// dedupeCitations removes duplicate URLs while preserving first-seen order.
func dedupeCitations(citations []model.Citation) []model.Citation {
	if len(citations) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(citations))
	out := make([]model.Citation, 0, len(citations))
	for _, c := range citations {
		url := strings.TrimSpace(c.URL)
		if url == "" || seen[url] {
			continue
		}
		seen[url] = true
		c.URL = url
		out = append(out, c)
	}
	return out
}

// officialLinks picks citations whose title mentions the institution,
// giving each result its own grounding links.
func officialLinks(name string, citations []model.Citation) []string {
	name = strings.ToLower(name)
	var links []string
	for _, c := range citations {
		if strings.Contains(strings.ToLower(c.Title), name) {
			links = append(links, c.URL)
		}
	}
	return links
}
