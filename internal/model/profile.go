package model

import "strings"

// CitizenshipStatus distinguishes the financial-aid branch a student falls
// under. Anything other than a US citizen or permanent resident is treated
// as international.
type CitizenshipStatus string

const (
	CitizenshipUSCitizen     CitizenshipStatus = "US_CITIZEN"
	CitizenshipPermResident  CitizenshipStatus = "PERMANENT_RESIDENT"
	CitizenshipInternational CitizenshipStatus = "INTERNATIONAL"
)

// IncomeTier buckets household income for aid-fit purposes.
type IncomeTier string

const (
	IncomeLow    IncomeTier = "LOW"
	IncomeMedium IncomeTier = "MEDIUM"
	IncomeHigh   IncomeTier = "HIGH"
)

// StudentProfile carries the academic and demographic attributes used for
// scoring. It is owned by the caller, immutable for the duration of one
// scoring pass, and never persisted by the engine.
type StudentProfile struct {
	CitizenshipStatus CitizenshipStatus `json:"citizenship_status"`
	Nationality       string            `json:"nationality,omitempty"`
	GPA               float64           `json:"gpa"`
	Major             string            `json:"major"`
	SATScore          *int              `json:"sat_score,omitempty"`
	ACTScore          *int              `json:"act_score,omitempty"`
	StateOfResidence  string            `json:"state_of_residence,omitempty"`
	IncomeTier        IncomeTier        `json:"household_income_tier,omitempty"`

	// Auxiliary fit signals.
	CampusVibe       string   `json:"campus_vibe,omitempty"` // URBAN, SUBURBAN, RURAL
	IsStudentAthlete bool     `json:"is_student_athlete,omitempty"`
	HasLegacyStatus  bool     `json:"has_legacy_status,omitempty"`
	PostGradGoal     string   `json:"post_grad_goal,omitempty"`
	IsFirstGen       bool     `json:"is_first_gen,omitempty"`
	APClassCount     int      `json:"ap_class_count,omitempty"`
	APClasses        []string `json:"ap_classes,omitempty"`
}

// IsDomestic reports whether the student is treated as a domestic applicant
// for aid and in-state purposes.
func (p StudentProfile) IsDomestic() bool {
	switch p.CitizenshipStatus {
	case CitizenshipUSCitizen, CitizenshipPermResident:
		return true
	default:
		return false
	}
}

// MajorSegment returns the normalized major segment for cache keys,
// collapsing an undeclared major to the "general" sentinel.
func (p StudentProfile) MajorSegment() string {
	m := strings.ToLower(strings.TrimSpace(p.Major))
	if m == "" {
		return MajorGeneral
	}
	return m
}

// ExclusionSet is a per-user set of institution names never to be returned.
// Lookup is case-insensitive exact match.
type ExclusionSet map[string]struct{}

// NewExclusionSet normalizes names into a set.
func NewExclusionSet(names []string) ExclusionSet {
	set := make(ExclusionSet, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

// Contains reports whether name is excluded.
func (s ExclusionSet) Contains(name string) bool {
	_, ok := s[strings.ToLower(strings.TrimSpace(name))]
	return ok
}
