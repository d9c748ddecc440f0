package store

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/kilupskalvis/classd/internal/apierr"
	"github.com/kilupskalvis/classd/internal/models"
)

// MemoryAdapter is an in-process Adapter used by tests and by the serve
// command's --store=memory mode. All methods are safe for concurrent use.
type MemoryAdapter struct {
	mu      sync.RWMutex
	classes map[string]map[string]models.Record // class -> objectId -> record
	schemas map[string]models.ClassSchema
}

var _ Adapter = (*MemoryAdapter)(nil)

// NewMemoryAdapter creates an empty in-memory store.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		classes: make(map[string]map[string]models.Record),
		schemas: make(map[string]models.ClassSchema),
	}
}

func (a *MemoryAdapter) snapshot(className string) []models.Record {
	recs := make([]models.Record, 0, len(a.classes[className]))
	for _, rec := range a.classes[className] {
		recs = append(recs, rec)
	}
	return recs
}

// Find implements Adapter.
func (a *MemoryAdapter) Find(_ context.Context, className string, where map[string]any, opts QueryOptions) ([]models.Record, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return execFind(a.snapshot(className), where, opts), nil
}

// Count implements Adapter.
func (a *MemoryAdapter) Count(_ context.Context, className string, where map[string]any, opts QueryOptions) (int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	opts.Keys = nil
	return len(execFind(a.snapshot(className), where, opts)), nil
}

// Create implements Adapter.
func (a *MemoryAdapter) Create(_ context.Context, className string, data models.Record) (models.Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := uniqueViolation(className, data, a.snapshot(className), ""); err != nil {
		return nil, err
	}

	rec := data.Clone()
	if rec.ObjectID() == "" {
		rec["objectId"] = uuid.NewString()
	}
	if a.classes[className] == nil {
		a.classes[className] = make(map[string]models.Record)
	}
	a.classes[className][rec.ObjectID()] = rec
	return rec.Clone(), nil
}

// Update implements Adapter.
func (a *MemoryAdapter) Update(_ context.Context, className string, where map[string]any, data models.Record, opts QueryOptions) (models.Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for id, rec := range a.classes[className] {
		if where != nil && !Matches(where, rec) {
			continue
		}
		if !writeAllowed(rec, opts) {
			continue
		}
		if err := uniqueViolation(className, data, a.snapshot(className), id); err != nil {
			return nil, err
		}
		updated := rec.Clone()
		if err := applyOps(updated, data); err != nil {
			return nil, err
		}
		a.classes[className][id] = updated
		return updated.Clone(), nil
	}
	return nil, apierr.New(apierr.CodeObjectNotFound, "Object not found.")
}

// Destroy implements Adapter.
func (a *MemoryAdapter) Destroy(_ context.Context, className string, where map[string]any, opts QueryOptions) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	removed := 0
	for id, rec := range a.classes[className] {
		if where != nil && !Matches(where, rec) {
			continue
		}
		if !writeAllowed(rec, opts) {
			continue
		}
		delete(a.classes[className], id)
		removed++
	}
	if removed == 0 {
		if _, byID := where["objectId"].(string); byID {
			return 0, apierr.New(apierr.CodeObjectNotFound, "Object not found.")
		}
	}
	return removed, nil
}

// GetAllSchemas implements Adapter.
func (a *MemoryAdapter) GetAllSchemas(_ context.Context) ([]models.ClassSchema, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]models.ClassSchema, 0, len(a.schemas))
	for _, s := range a.schemas {
		out = append(out, s)
	}
	return out, nil
}

// SaveSchema implements Adapter.
func (a *MemoryAdapter) SaveSchema(_ context.Context, schema *models.ClassSchema) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.schemas[schema.ClassName] = *schema
	return nil
}

// Close implements Adapter.
func (a *MemoryAdapter) Close() error { return nil }
