package model

import "time"

// Error codes returned in API error envelopes.
const (
	ErrCodeValidation  = "validation_error"
	ErrCodeAIService   = "ai_service_error"
	ErrCodeStore       = "store_error"
	ErrCodeInternal    = "internal_error"
	ErrCodeRateLimited = "rate_limited"
)

// RecommendRequest is the normalized engine input: a free-text query plus
// the student profile, exclusions, and the maintenance force-refresh flag.
// Intent classification happens upstream; the engine trusts these fields.
type RecommendRequest struct {
	Query   string         `json:"query"`
	Profile StudentProfile `json:"profile"`

	// InstitutionNames are institutions the student asked about by name
	// (extracted upstream). They are looked up by exact (name, major) key
	// instead of relying on vector similarity alone.
	InstitutionNames []string `json:"institution_names,omitempty"`

	ExcludedInstitutionNames []string `json:"excluded_institution_names,omitempty"`
	ForceRefresh             bool     `json:"force_refresh,omitempty"`
	Limit                    int      `json:"limit,omitempty"`
}

// Validate rejects malformed requests before they reach the engine.
func (r RecommendRequest) Validate() error {
	if r.Query == "" {
		return &ValidationError{Field: "query", Reason: "must not be empty"}
	}
	if r.Profile.GPA < 0 || r.Profile.GPA > 5.0 {
		return &ValidationError{Field: "profile.gpa", Reason: "must be in [0, 5.0]"}
	}
	if r.Profile.SATScore != nil && (*r.Profile.SATScore < 400 || *r.Profile.SATScore > 1600) {
		return &ValidationError{Field: "profile.sat_score", Reason: "must be in [400, 1600]"}
	}
	if r.Profile.ACTScore != nil && (*r.Profile.ACTScore < 1 || *r.Profile.ACTScore > 36) {
		return &ValidationError{Field: "profile.act_score", Reason: "must be in [1, 36]"}
	}
	if r.Limit < 0 {
		return &ValidationError{Field: "limit", Reason: "must not be negative"}
	}
	return nil
}

// ValidationError reports a malformed request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Field + " " + e.Reason
}

// RecommendResponse is the assembled engine output.
type RecommendResponse struct {
	Results         []MatchResult `json:"results"`
	CitationSources []Citation    `json:"citation_sources,omitempty"`

	// Stale is set when any returned institution was served from a
	// degraded (stale, discovery-failed) path.
	Stale bool `json:"stale"`
}

// APIResponse is the standard success envelope.
type APIResponse struct {
	Data any          `json:"data"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ErrorDetail carries a machine-readable code and human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponseMeta carries request correlation fields.
type ResponseMeta struct {
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthResponse reports component health for GET /health.
type HealthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version,omitempty"`
	Postgres     string `json:"postgres"`
	VectorIndex  string `json:"vector_index"`
	Institutions int64  `json:"institutions"`
	Uptime       int64  `json:"uptime_seconds"`
}
