package common

import (
	"strings"

	"github.com/google/uuid"
)

// NewJobID generates a unique batch job identifier.
func NewJobID() string {
	return uuid.New().String()
}

// ShortID returns the first 8 hex characters of a fresh UUID.
// Used to disambiguate cached poster filenames within a job.
func ShortID() string {
	id := uuid.New().String()
	return strings.ReplaceAll(id, "-", "")[:8]
}
