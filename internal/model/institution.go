// Package model defines the core domain types shared across the engine:
// institution records, student profiles, match results, and API payloads.
package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// MajorGeneral is the sentinel major segment used when a request carries
// no intended major. It participates in the (name, major) identity key
// like any other segment.
const MajorGeneral = "general"

// InstitutionRecord is one institution's cached data for one academic major.
// The pair (name, major) is the sole identity key: re-discovery of the same
// pair updates the existing row, it never creates a second one.
type InstitutionRecord struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	Major string    `json:"major"`

	// Admission statistics. Pointers: absent means "unknown", which the
	// scorer treats as neutral rather than zero.
	AcceptanceRate *float64 `json:"acceptance_rate,omitempty"`
	SAT25th        *int     `json:"sat_25th,omitempty"`
	SAT75th        *int     `json:"sat_75th,omitempty"`
	ACT25th        *int     `json:"act_25th,omitempty"`
	ACT75th        *int     `json:"act_75th,omitempty"`
	AvgGPA         *float64 `json:"avg_gpa,omitempty"`

	// Cost figures in USD per year.
	TuitionInState       *int `json:"tuition_in_state,omitempty"`
	TuitionOutOfState    *int `json:"tuition_out_of_state,omitempty"`
	TuitionInternational *int `json:"tuition_international,omitempty"`

	// Financial-aid policy segmented by citizenship class. Each set holds
	// upper-cased ISO-ish nationality names; the sentinel "ALL" covers
	// every nationality.
	NeedBlindCountries []string `json:"need_blind_countries,omitempty"`
	NeedAwareCountries []string `json:"need_aware_countries,omitempty"`
	MeetsFullNeed      bool     `json:"meets_full_need"`

	// Campus metadata.
	CampusSetting string `json:"campus_setting,omitempty"` // URBAN, SUBURBAN, RURAL
	State         string `json:"state,omitempty"`
	StudentSize   *int   `json:"student_size,omitempty"`

	Embedding *pgvector.Vector `json:"-"`

	// Provenance: free-text blob describing where the data came from,
	// plus a short source tag ("gemini", "seed", ...).
	Provenance string `json:"provenance,omitempty"`
	Source     string `json:"source,omitempty"`

	LastVerified time.Time `json:"last_verified"`
	CreatedAt    time.Time `json:"created_at"`
}

// Key returns the normalized identity key for this record.
func (r InstitutionRecord) Key() InstitutionKey {
	return NewInstitutionKey(r.Name, r.Major)
}

// IsStale reports whether the record needs re-verification. force always
// wins; otherwise the record is stale when its age exceeds ttl.
func (r InstitutionRecord) IsStale(ttl time.Duration, force bool, now time.Time) bool {
	if force {
		return true
	}
	if r.LastVerified.IsZero() {
		return true
	}
	return now.Sub(r.LastVerified) > ttl
}

// NeedBlindFor reports whether the institution is need-blind for the given
// nationality. Matching is case-insensitive; the "ALL" sentinel matches
// every nationality.
func (r InstitutionRecord) NeedBlindFor(nationality string) bool {
	return containsNationality(r.NeedBlindCountries, nationality)
}

// NeedAwareFor reports whether the institution is explicitly need-aware for
// the given nationality.
func (r InstitutionRecord) NeedAwareFor(nationality string) bool {
	return containsNationality(r.NeedAwareCountries, nationality)
}

func containsNationality(set []string, nationality string) bool {
	nationality = strings.TrimSpace(nationality)
	if nationality == "" {
		return false
	}
	for _, c := range set {
		if strings.EqualFold(c, "ALL") || strings.EqualFold(c, nationality) {
			return true
		}
	}
	return false
}

// InstitutionKey is the normalized (name, major) cache key. Both parts are
// lower-cased and trimmed so lookups and single-flight coordination agree
// regardless of the caller's formatting.
type InstitutionKey struct {
	Name  string
	Major string
}

// NewInstitutionKey normalizes name and major into a key. An empty major
// maps to the "general" sentinel segment.
func NewInstitutionKey(name, major string) InstitutionKey {
	major = strings.ToLower(strings.TrimSpace(major))
	if major == "" {
		major = MajorGeneral
	}
	return InstitutionKey{
		Name:  strings.ToLower(strings.TrimSpace(name)),
		Major: major,
	}
}

// String renders the key for logging and single-flight grouping.
func (k InstitutionKey) String() string {
	return k.Name + "|" + k.Major
}

// RawInstitution is one institution as returned by the Discovery Adapter,
// before embedding generation and persistence. Field semantics mirror
// InstitutionRecord; pointers mark fields the external source omitted.
type RawInstitution struct {
	Name                 string   `json:"name"`
	Major                string   `json:"major,omitempty"`
	AcceptanceRate       *float64 `json:"acceptance_rate,omitempty"`
	SAT25th              *int     `json:"sat_25th,omitempty"`
	SAT75th              *int     `json:"sat_75th,omitempty"`
	ACT25th              *int     `json:"act_25th,omitempty"`
	ACT75th              *int     `json:"act_75th,omitempty"`
	AvgGPA               *float64 `json:"avg_gpa,omitempty"`
	TuitionInState       *int     `json:"tuition_in_state,omitempty"`
	TuitionOutOfState    *int     `json:"tuition_out_of_state,omitempty"`
	TuitionInternational *int     `json:"tuition_international,omitempty"`
	NeedBlindCountries   []string `json:"need_blind_countries,omitempty"`
	NeedAwareCountries   []string `json:"need_aware_countries,omitempty"`
	MeetsFullNeed        bool     `json:"meets_full_need,omitempty"`
	CampusSetting        string   `json:"campus_setting,omitempty"`
	State                string   `json:"state,omitempty"`
	StudentSize          *int     `json:"student_size,omitempty"`
	Description          string   `json:"description,omitempty"`
}

// Citation is a grounding source reported by the Discovery Adapter.
type Citation struct {
	Title string `json:"title,omitempty"`
	URL   string `json:"url"`
}
