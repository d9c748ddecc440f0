// Package store defines the persistence contract for classd and its
// embedded adapters. The pipeline layers treat the store as an external
// collaborator: all durability, per-document atomicity, and uniqueness
// enforcement live behind the Adapter interface.
package store

import (
	"context"

	"github.com/kilupskalvis/classd/internal/models"
)

// SortKey is one ordering component of a find.
type SortKey struct {
	Field      string
	Descending bool
}

// QueryOptions carries the pass-through find/count options plus the
// caller's ACL principal set.
type QueryOptions struct {
	Skip  int
	Limit int // negative means unlimited
	Sort  []SortKey
	Keys  []string // projection; nil keeps every field

	// ACL is the caller's principal set (user id plus role keys).
	// Master bypasses ACL filtering entirely.
	ACL    []string
	Master bool

	// Pass-through knobs the embedded adapters ignore but remote ones
	// may honor.
	ReadPreference string
	Hint           any
	Explain        bool
}

// Adapter is the store collaborator contract. Implementations must treat
// each call as atomic per document; classd performs no in-process locking.
type Adapter interface {
	// Find returns the records of className matching the where tree,
	// ACL-filtered for reads unless opts.Master is set.
	Find(ctx context.Context, className string, where map[string]any, opts QueryOptions) ([]models.Record, error)

	// Count returns the number of matching records, honoring ACL and
	// skip/limit the same way Find does.
	Count(ctx context.Context, className string, where map[string]any, opts QueryOptions) (int, error)

	// Create persists a new record and returns it as stored.
	Create(ctx context.Context, className string, data models.Record) (models.Record, error)

	// Update applies data to the first record matching where, checking
	// write ACL, and returns the updated record. A delete-sentinel value
	// removes the field. Returns an object-not-found error when nothing
	// matches.
	Update(ctx context.Context, className string, where map[string]any, data models.Record, opts QueryOptions) (models.Record, error)

	// Destroy removes every matching record (write-ACL checked) and
	// returns how many were removed. Removing zero records matching an
	// objectId-shaped where is an object-not-found error.
	Destroy(ctx context.Context, className string, where map[string]any, opts QueryOptions) (int, error)

	// GetAllSchemas returns every class schema known to the store.
	GetAllSchemas(ctx context.Context) ([]models.ClassSchema, error)

	// SaveSchema creates or replaces a class schema.
	SaveSchema(ctx context.Context, schema *models.ClassSchema) error

	Close() error
}
