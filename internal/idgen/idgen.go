// Package idgen generates identifiers for alerts, actions and events.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random RFC 4122 v4 UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 24 hex chars (e.g. "alt_", "act_", "wh_").
func WithPrefix(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + id[:24]
}

// Sortable returns a time-ordered v7 UUID so rows insert in creation order.
// Falls back to a v4 UUID if the clock source fails.
func Sortable() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
