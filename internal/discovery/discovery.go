// Package discovery sources institution data from an external AI search
// service. The adapter returns raw institution payloads plus the citations
// that grounded them; persistence and scoring happen elsewhere.
package discovery

import (
	"context"
	"errors"

	"github.com/admitwise/admitwise/internal/model"
)

// ErrUnavailable indicates the external AI service could not be reached or
// returned a transport-level failure. Callers may retry.
var ErrUnavailable = errors.New("discovery: service unavailable")

// ErrEmpty indicates the service responded but no usable institution data
// could be parsed from the response.
var ErrEmpty = errors.New("discovery: no institutions in response")

// Request describes what to source from the external service.
type Request struct {
	// Query is the student's free-text ask ("liberal arts schools in the
	// northeast with strong financial aid").
	Query string

	// Profile personalizes the search. The zero value is allowed.
	Profile model.StudentProfile

	// ExcludeNames lists institutions the response must not repeat.
	ExcludeNames []string

	// Limit caps the number of institutions returned.
	Limit int
}

// Result is the adapter's output: raw institution data plus the grounding
// citations the service reported for it.
type Result struct {
	Institutions []model.RawInstitution
	Citations    []model.Citation
}

// Discoverer sources institution data from an external service.
// Implementations must be safe for concurrent use.
type Discoverer interface {
	// Discover finds candidate institutions for a query and profile.
	Discover(ctx context.Context, req Request) (Result, error)

	// Verify fetches current data for one known (name, major) pair.
	// Used to refresh stale cache entries.
	Verify(ctx context.Context, key model.InstitutionKey) (Result, error)
}
