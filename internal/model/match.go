package model

// Label classifies an institution's admission odds for one student.
type Label string

const (
	LabelReach  Label = "Reach"
	LabelTarget Label = "Target"
	LabelSafety Label = "Safety"
)

// rank orders labels for sorting: Reach first, Safety last.
func (l Label) rank() int {
	switch l {
	case LabelReach:
		return 0
	case LabelTarget:
		return 1
	default:
		return 2
	}
}

// Less orders labels Reach < Target < Safety.
func (l Label) Less(other Label) bool {
	return l.rank() < other.rank()
}

// MatchResult is the per-institution output of a scoring pass. It is built
// fresh for every request and never persisted.
type MatchResult struct {
	Name                 string   `json:"name"`
	Label                Label    `json:"label"`
	MatchScore           float64  `json:"match_score"`
	AdmissionProbability float64  `json:"admission_probability"`
	Reasoning            string   `json:"reasoning"`
	FinancialAidSummary  string   `json:"financial_aid_summary"`
	OfficialLinks        []string `json:"official_links,omitempty"`

	// Stale marks results served from a record whose refresh failed.
	Stale bool `json:"stale,omitempty"`
}
