// Package securestore defines the secure key-value store the security core
// persists through, plus two implementations: an encrypted file store for
// real deployments and an in-memory store for tests. The store is assumed
// confidential at rest; the core cannot verify that, which is why the tamper
// baseline and wipe tiers exist on top of it.
package securestore

import "errors"

var ErrClosed = errors.New("securestore: store is closed")

// Store is the durable key-value surface consumed by every component of the
// security core. Implementations must survive process restarts (except the
// in-memory test store) and must treat a missing key as (value, found=false),
// not as an error.
type Store interface {
	Read(key string) (value string, found bool, err error)
	Write(key, value string) error
	Delete(key string) error

	// Keys returns all stored keys with the given prefix, sorted. Used for
	// canonical configuration snapshots and for wipe verification.
	Keys(prefix string) ([]string, error)

	// DeleteAll removes every entry. Wipe tiers call this repeatedly.
	DeleteAll() error
}
