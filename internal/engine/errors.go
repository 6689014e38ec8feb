package engine

import (
	"errors"
	"fmt"
)

// ErrStore marks a persistence failure inside the pipeline. Store errors
// are fatal for the request: they are never degraded to stale data the
// way discovery failures are.
var ErrStore = errors.New("engine: store failure")

// AIServiceError is surfaced when discovery exhausted its retries for a key
// and no stale record existed to degrade to.
type AIServiceError struct {
	Key string
	Err error
}

func (e *AIServiceError) Error() string {
	return fmt.Sprintf("engine: discovery failed for %q with no stale fallback: %v", e.Key, e.Err)
}

func (e *AIServiceError) Unwrap() error {
	return e.Err
}
