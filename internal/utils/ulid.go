package utils

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID generates a new lexicographically-sortable id, for rows whose
// insertion order matters but that don't need the RFC 4122 shape the public
// RPC surface uses for users, messages, and groups.
func NewULID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.DefaultEntropy()).String()
}

// ParseULID parses a ULID string.
func ParseULID(s string) (ulid.ULID, error) {
	return ulid.Parse(s)
}
