// Package store provides the durable backing for crypto state: per-peer
// session blobs, the identity record, and the local prekey list. Three
// backends satisfy the same interface: local filesystem, Postgres with row
// locking, and Redis with a take/restore scheme.
//
// Session records are not idempotently mergeable: applying the same inbound
// message to two divergent copies of a session desynchronizes the ratchet
// permanently. Every backend therefore serializes concurrent access to the
// same (owner, peer) pair, and a fetched Record holds that exclusion until
// Persist or Discard.
package store

import "errors"

// ErrTimeout is returned when a session record stays locked by another
// writer beyond the backend's retry budget.
var ErrTimeout = errors.New("session record is locked by another writer")

// PreKeyRecord is one stored prekey blob. The data is opaque to the store.
type PreKeyRecord struct {
	KID  uint16
	Data []byte
}

// Record is one fetched session record. Data returns nil when no session
// exists yet. Exactly one of Persist or Discard must be called; both release
// the exclusion taken by FetchSession.
type Record interface {
	Data() []byte
	Persist(data []byte) error
	Discard()
}

// Storage is the contract shared by all backends. Logical absence of data is
// a nil result, not an error.
type Storage interface {
	FetchSession(id, sid string) (Record, error)

	FetchIdentity(id string) ([]byte, error)
	InsertIdentity(id string, data []byte) error

	FetchPreKeys(id string) ([]PreKeyRecord, error)
	InsertPreKey(id string, kid uint16, data []byte) error
	DeletePreKey(id string, kid uint16) error

	// Purge deletes all sessions, the identity, and all prekeys for an id.
	Purge(id string) error
}
