// Package idgen mints the identifiers used for lock fencing tokens and
// request correlation.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix plus an undashed UUIDv4, for identifiers
// that carry their kind up front ("req_", "lease_").
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
