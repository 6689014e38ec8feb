package scoring

import (
	"sort"

	"github.com/admitwise/admitwise/internal/model"
)

// Minimum match score for a recommendation. Safety schools use a lower
// floor so the list always has fallback options.
const (
	minMatchThreshold  = 60.0
	minSafetyThreshold = 50.0
)

// SelectRecommendations picks the final recommendation list from scored
// results, aiming for a 1 Reach / 2 Target / 2 Safety distribution, then
// backfilling with the best remaining results up to count. The output is
// ordered by label (Reach, Target, Safety) and by match score descending
// within each label.
func SelectRecommendations(scored []model.MatchResult, count int) []model.MatchResult {
	if count <= 0 {
		count = 5
	}

	byScore := make([]model.MatchResult, len(scored))
	copy(byScore, scored)
	sort.SliceStable(byScore, func(i, j int) bool {
		return byScore[i].MatchScore > byScore[j].MatchScore
	})

	var reaches, targets, safeties []model.MatchResult
	for _, r := range byScore {
		switch r.Label {
		case model.LabelReach:
			reaches = append(reaches, r)
		case model.LabelTarget:
			targets = append(targets, r)
		case model.LabelSafety:
			safeties = append(safeties, r)
		}
	}

	viableReaches := aboveThreshold(reaches, minMatchThreshold)
	viableTargets := aboveThreshold(targets, minMatchThreshold)
	viableSafeties := aboveThreshold(safeties, minSafetyThreshold)

	// Safety guarantee: if the threshold starves the Safety slots, take the
	// best safeties regardless of score.
	if len(viableSafeties) < 2 && len(safeties) > len(viableSafeties) {
		viableSafeties = safeties
		if len(viableSafeties) > 2 {
			viableSafeties = viableSafeties[:2]
		}
	}

	recommendations := make([]model.MatchResult, 0, count)
	recommendations = append(recommendations, take(viableReaches, 1)...)
	recommendations = append(recommendations, take(viableTargets, 2)...)
	recommendations = append(recommendations, take(viableSafeties, 2)...)

	// Backfill from the best remaining results.
	if len(recommendations) < count {
		selected := make(map[string]bool, len(recommendations))
		for _, r := range recommendations {
			selected[r.Name] = true
		}
		for _, r := range byScore {
			if len(recommendations) >= count {
				break
			}
			if selected[r.Name] || r.MatchScore < minSafetyThreshold {
				continue
			}
			selected[r.Name] = true
			recommendations = append(recommendations, r)
		}
	}

	if len(recommendations) > count {
		recommendations = recommendations[:count]
	}

	sort.SliceStable(recommendations, func(i, j int) bool {
		if recommendations[i].Label != recommendations[j].Label {
			return recommendations[i].Label.Less(recommendations[j].Label)
		}
		return recommendations[i].MatchScore > recommendations[j].MatchScore
	})

	return recommendations
}

func aboveThreshold(results []model.MatchResult, threshold float64) []model.MatchResult {
	out := make([]model.MatchResult, 0, len(results))
	for _, r := range results {
		if r.MatchScore >= threshold {
			out = append(out, r)
		}
	}
	return out
}

func take(results []model.MatchResult, n int) []model.MatchResult {
	if len(results) > n {
		return results[:n]
	}
	return results
}
