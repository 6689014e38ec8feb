package storage

import "errors"

// ErrNotFound is returned when a requested institution record does not exist.
var ErrNotFound = errors.New("storage: not found")
