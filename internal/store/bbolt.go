package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/kilupskalvis/classd/internal/apierr"
	"github.com/kilupskalvis/classd/internal/models"
)

var bucketSchemas = []byte("schemas")

// classBucket returns the bucket name for a class's records.
func classBucket(className string) []byte {
	return []byte("class:" + className)
}

// BboltAdapter is the embedded production Adapter, storing one JSON
// document per record in a bucket per class.
type BboltAdapter struct {
	db *bolt.DB
}

var _ Adapter = (*BboltAdapter)(nil)

// NewBboltAdapter opens or creates a bbolt database at the given path.
func NewBboltAdapter(dbPath string) (*BboltAdapter, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSchemas)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema bucket: %w", err)
	}

	return &BboltAdapter{db: db}, nil
}

// Close releases the database.
func (a *BboltAdapter) Close() error {
	return a.db.Close()
}

func (a *BboltAdapter) loadClass(tx *bolt.Tx, className string) ([]models.Record, error) {
	b := tx.Bucket(classBucket(className))
	if b == nil {
		return nil, nil
	}
	var recs []models.Record
	err := b.ForEach(func(_, v []byte) error {
		var rec models.Record
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("decode record: %w", err)
		}
		recs = append(recs, rec)
		return nil
	})
	return recs, err
}

// Find implements Adapter.
func (a *BboltAdapter) Find(_ context.Context, className string, where map[string]any, opts QueryOptions) ([]models.Record, error) {
	var out []models.Record
	err := a.db.View(func(tx *bolt.Tx) error {
		recs, err := a.loadClass(tx, className)
		if err != nil {
			return err
		}
		out = execFind(recs, where, opts)
		return nil
	})
	return out, err
}

// Count implements Adapter.
func (a *BboltAdapter) Count(ctx context.Context, className string, where map[string]any, opts QueryOptions) (int, error) {
	opts.Keys = nil
	recs, err := a.Find(ctx, className, where, opts)
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

// Create implements Adapter.
func (a *BboltAdapter) Create(_ context.Context, className string, data models.Record) (models.Record, error) {
	rec := data.Clone()
	if rec.ObjectID() == "" {
		rec["objectId"] = uuid.NewString()
	}
	err := a.db.Update(func(tx *bolt.Tx) error {
		all, err := a.loadClass(tx, className)
		if err != nil {
			return err
		}
		if err := uniqueViolation(className, rec, all, ""); err != nil {
			return err
		}
		b, err := tx.CreateBucketIfNotExists(classBucket(className))
		if err != nil {
			return fmt.Errorf("create class bucket: %w", err)
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		return b.Put([]byte(rec.ObjectID()), raw)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Update implements Adapter.
func (a *BboltAdapter) Update(_ context.Context, className string, where map[string]any, data models.Record, opts QueryOptions) (models.Record, error) {
	var updated models.Record
	err := a.db.Update(func(tx *bolt.Tx) error {
		all, err := a.loadClass(tx, className)
		if err != nil {
			return err
		}
		for _, rec := range all {
			if where != nil && !Matches(where, rec) {
				continue
			}
			if !writeAllowed(rec, opts) {
				continue
			}
			if err := uniqueViolation(className, data, all, rec.ObjectID()); err != nil {
				return err
			}
			next := rec.Clone()
			if err := applyOps(next, data); err != nil {
				return err
			}
			raw, err := json.Marshal(next)
			if err != nil {
				return fmt.Errorf("encode record: %w", err)
			}
			if err := tx.Bucket(classBucket(className)).Put([]byte(next.ObjectID()), raw); err != nil {
				return err
			}
			updated = next
			return nil
		}
		return apierr.New(apierr.CodeObjectNotFound, "Object not found.")
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Destroy implements Adapter.
func (a *BboltAdapter) Destroy(_ context.Context, className string, where map[string]any, opts QueryOptions) (int, error) {
	removed := 0
	err := a.db.Update(func(tx *bolt.Tx) error {
		all, err := a.loadClass(tx, className)
		if err != nil {
			return err
		}
		b := tx.Bucket(classBucket(className))
		for _, rec := range all {
			if where != nil && !Matches(where, rec) {
				continue
			}
			if !writeAllowed(rec, opts) {
				continue
			}
			if err := b.Delete([]byte(rec.ObjectID())); err != nil {
				return err
			}
			removed++
		}
		if removed == 0 {
			if _, byID := where["objectId"].(string); byID {
				return apierr.New(apierr.CodeObjectNotFound, "Object not found.")
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// GetAllSchemas implements Adapter.
func (a *BboltAdapter) GetAllSchemas(_ context.Context) ([]models.ClassSchema, error) {
	var out []models.ClassSchema
	err := a.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchemas).ForEach(func(_, v []byte) error {
			var s models.ClassSchema
			if err := json.Unmarshal(v, &s); err != nil {
				return fmt.Errorf("decode schema: %w", err)
			}
			out = append(out, s)
			return nil
		})
	})
	return out, err
}

// SaveSchema implements Adapter.
func (a *BboltAdapter) SaveSchema(_ context.Context, schema *models.ClassSchema) error {
	raw, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}
	return a.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchemas).Put([]byte(schema.ClassName), raw)
	})
}
