// Package storage implements the ordered key-value collection abstraction
// spec.md §1 treats as an external collaborator ("the document-store backing
// implementation"), backed here by PostgreSQL.
package storage

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound is returned by Collection.Get when no record exists for id.
var ErrNotFound = errors.New("storage: record not found")

// Record is the shape spec.md §6.3 gives every stored element: an opaque
// value plus the revision discipline every resource kind shares.
type Record struct {
	ID           string
	Value        json.RawMessage
	Revision     int64
	RevTimeStamp string
}

// Collection is an ordered key-value collection: get/put/delete by id, list
// all records, or list only those past a given revision (the mechanism
// underlying incremental resync, spec.md §4.9).
type Collection interface {
	Get(ctx context.Context, id string) (*Record, error)
	Put(ctx context.Context, rec Record) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Record, error)
	ListFrom(ctx context.Context, fromRevision int64) ([]Record, error)
	// Clear drops every record in the collection, used by TableResource's
	// atomic replace-whole-table write and removeTable operation.
	Clear(ctx context.Context) error
}

// Store hands out named Collection instances. One physical backend may
// multiplex many logical collections (see postgres.go); callers address
// collections purely by name, matching the Resource Manager's own
// spec-string keying scheme (spec.md §4.6).
type Store interface {
	Collection(name string) Collection
	RuleStore() RuleStore
	CredentialRecords() CredentialRecordStore
	Close()
}

// RuleStore is the persistence side of internal/auth's rule resolution
// (spec.md §4.5): a mapping keyed by (owner, type, name) to an
// accessor → allow map.
type RuleStore interface {
	Get(ctx context.Context, owner, resType, name string) (map[string]bool, error)
	Set(ctx context.Context, owner, resType, name, accessor string, allow bool) error
}

// CredentialRecordStore persists the `user \t algorithm \t iterations \t
// salt \t digest` style record spec.md §4.5 describes for DB-backed
// credential verification.
type CredentialRecordStore interface {
	Get(ctx context.Context, user string) (*CredentialRecord, error)
	Put(ctx context.Context, rec CredentialRecord) error
}

// CredentialRecord mirrors the fields spec.md §4.5 names explicitly.
type CredentialRecord struct {
	User       string
	Algorithm  string
	Iterations int
	Salt       []byte
	Digest     []byte
	Email      string
}
