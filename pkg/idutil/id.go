// Package idutil provides helpers for working with UUID container ids:
// generation, short-id display, and validation of short-id prefixes.
package idutil

import (
	"fmt"

	"github.com/google/uuid"
)

const (
	// ShortIDLength is how many characters of a UUID (without dashes) are
	// shown in short form.
	ShortIDLength = 12

	// MinPrefixLength is the minimum prefix length accepted for lookup by
	// short id.
	MinPrefixLength = 3
)

// GenerateID returns a fresh random container id.
func GenerateID() string {
	return uuid.NewString()
}

// ShortID returns a shortened form of id suitable for display.
func ShortID(id string) string {
	compact := stripDashes(id)
	if len(compact) >= ShortIDLength {
		return compact[:ShortIDLength]
	}
	return compact
}

// ValidatePrefix reports an error if prefix is too short to disambiguate a
// lookup.
func ValidatePrefix(prefix string) error {
	if len(prefix) < MinPrefixLength {
		return fmt.Errorf("id prefix must be at least %d characters", MinPrefixLength)
	}
	return nil
}

func stripDashes(id string) string {
	out := make([]byte, 0, len(id))
	for i := 0; i < len(id); i++ {
		if id[i] != '-' {
			out = append(out, id[i])
		}
	}
	return string(out)
}
