// Package idgen provides ID generation and UUID validation for odontiq.
//
// Task IDs are client-supplied UUIDv4 strings validated at admission;
// internal identifiers (request IDs, event IDs) come from the generators
// here so the ID strategy stays a startup-time decision.
package idgen

import (
	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv4 returns a Generator producing random RFC 4122 version-4 UUIDs.
func UUIDv4() Generator {
	return func() string {
		return uuid.NewString()
	}
}

// UUIDv7 returns a Generator producing RFC 9562 UUID v7 strings.
// Time-sortable; used for event and request IDs.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
// Useful for type-scoped identifiers (e.g. "req_", "evt_").
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Default is the project default for internal IDs: UUIDv7.
var Default Generator = UUIDv7()

// IsUUIDv4 reports whether s is a well-formed version-4 UUID.
// This is the admission-time shape check for client-supplied task IDs.
func IsUUIDv4(s string) bool {
	u, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return u.Version() == 4
}
