package store

import (
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

// WildcardKey addresses every entry in a store. Invalidation strategies emit
// it when a full flush is cheaper than enumerating keys.
const WildcardKey = "*"

// Metadata carries bookkeeping derived from the serialized payload at set
// time. The checksum lets validation scans detect payloads that drifted from
// what was stored.
type Metadata struct {
	Checksum      string
	SizeBytes     int64
	LastModified  time.Time
	SchemaVersion int
}

// Entry is one cached value plus the dependency and access bookkeeping the
// invalidation engine relies on. Entries are owned by exactly one store and
// callers receive copies.
type Entry[T any] struct {
	Key            string
	Data           T
	CreatedAt      time.Time
	ExpiresAt      time.Time // zero means the entry never expires
	Dependencies   []string
	Tags           []string
	Metadata       Metadata
	AccessCount    int64
	LastAccessedAt time.Time
}

// Expired reports whether the entry's TTL has elapsed at the given instant.
func (e *Entry[T]) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Info projects the entry into the type-independent view handed to
// validators.
func (e *Entry[T]) Info(now time.Time) EntryInfo {
	return EntryInfo{
		Key:          e.Key,
		AgeSeconds:   now.Sub(e.CreatedAt).Seconds(),
		AccessCount:  e.AccessCount,
		SizeBytes:    e.Metadata.SizeBytes,
		Dependencies: append([]string(nil), e.Dependencies...),
		Tags:         append([]string(nil), e.Tags...),
	}
}

// EntryInfo is the snapshot validators see. It deliberately omits the payload
// so validator expressions stay type-independent.
type EntryInfo struct {
	Key          string
	AgeSeconds   float64
	AccessCount  int64
	SizeBytes    int64
	Dependencies []string
	Tags         []string
}

// checksum hashes the serialized payload with xxhash and formats it the way
// the validation scan expects.
func checksum(data []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}
