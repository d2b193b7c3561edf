package cache

import (
	"github.com/parxlib/parx/pkg/utils"
)

// Content-addressed memoization of completed task results.
//
// The cache is append-only: the first successful write for a key is
// authoritative and later writes for the same key are ignored. Lookups are
// cheap enough to be consulted before every dispatch decision.
type Cache interface {
	// Returns true if an entry exists for the key.
	Has(key utils.Digest) bool

	// Returns the bytes previously stored for the key.
	Get(key utils.Digest) ([]byte, bool, error)

	// Store the bytes for the key. A no-op if an entry already exists.
	Put(key utils.Digest, value []byte) error

	// Returns statistics about the cache.
	Statistics() Stats
}

// Cache statistics.
type Stats struct {
	// Number of entries in the cache.
	Entries int64

	// Number of lookups that found an entry.
	Hits int64

	// Number of lookups that found nothing.
	Misses int64

	// Number of entries written.
	Writes int64
}
