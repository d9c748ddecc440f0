package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	weaviatemodels "github.com/weaviate/weaviate/entities/models"

	"github.com/kilupskalvis/classd/internal/apierr"
	"github.com/kilupskalvis/classd/internal/models"
)

const (
	weaviateSchemaClass = "ClassdSchema"
	weaviatePageSize    = 100
)

// weaviateNamespace derives deterministic Weaviate UUIDs from record keys,
// since classd objectIds are not required to be UUIDs.
var weaviateNamespace = uuid.MustParse("8e9cdbde-5a3b-4f81-9c65-1d2f1c1b0a42")

// WeaviateAdapter stores records in a Weaviate instance, one Weaviate
// class per classd class. Records travel as a JSON blob in a single text
// property; constraint matching runs through the shared matcher, the same
// way the embedded adapters do.
type WeaviateAdapter struct {
	client *weaviate.Client
}

var _ Adapter = (*WeaviateAdapter)(nil)

// NewWeaviateAdapter connects to a Weaviate instance at the given URL.
func NewWeaviateAdapter(url string) (*WeaviateAdapter, error) {
	cfg := weaviate.Config{Host: url, Scheme: "http"}
	if strings.HasPrefix(url, "http://") {
		cfg.Host = strings.TrimPrefix(url, "http://")
	} else if strings.HasPrefix(url, "https://") {
		cfg.Host = strings.TrimPrefix(url, "https://")
		cfg.Scheme = "https"
	}

	client, err := weaviate.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	return &WeaviateAdapter{client: client}, nil
}

// Ping checks that the Weaviate instance is reachable and live.
func (a *WeaviateAdapter) Ping(ctx context.Context) error {
	live, err := a.client.Misc().LiveChecker().Do(ctx)
	if err != nil {
		return fmt.Errorf("connect to weaviate: %w", err)
	}
	if !live {
		return fmt.Errorf("weaviate is not live")
	}
	return nil
}

// weaviateClass maps a classd class name onto a valid Weaviate class name.
// System classes keep their name with the underscore folded into a prefix.
func weaviateClass(className string) string {
	if strings.HasPrefix(className, "_") {
		return "ClassdSys" + className[1:]
	}
	return "Classd" + className
}

func weaviateID(className, objectID string) string {
	return uuid.NewSHA1(weaviateNamespace, []byte(className+"/"+objectID)).String()
}

func (a *WeaviateAdapter) ensureClass(ctx context.Context, wvClass string) error {
	exists, err := a.client.Schema().ClassExistenceChecker().WithClassName(wvClass).Do(ctx)
	if err != nil {
		return fmt.Errorf("check class %s: %w", wvClass, err)
	}
	if exists {
		return nil
	}
	class := &weaviatemodels.Class{
		Class:      wvClass,
		Vectorizer: "none",
		Properties: []*weaviatemodels.Property{
			{Name: "doc", DataType: []string{"text"}},
			{Name: "recordId", DataType: []string{"text"}},
		},
	}
	return a.client.Schema().ClassCreator().WithClass(class).Do(ctx)
}

// loadAll pages through every object of a class with cursor pagination and
// decodes the JSON doc property back into records.
func (a *WeaviateAdapter) loadAll(ctx context.Context, className string) ([]models.Record, error) {
	wvClass := weaviateClass(className)
	exists, err := a.client.Schema().ClassExistenceChecker().WithClassName(wvClass).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("check class %s: %w", wvClass, err)
	}
	if !exists {
		return nil, nil
	}

	var recs []models.Record
	after := ""
	for {
		getter := a.client.Data().ObjectsGetter().
			WithClassName(wvClass).
			WithLimit(weaviatePageSize)
		if after != "" {
			getter = getter.WithAfter(after)
		}
		objs, err := getter.Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch objects from %s: %w", wvClass, err)
		}
		if len(objs) == 0 {
			break
		}
		for _, obj := range objs {
			props, ok := obj.Properties.(map[string]any)
			if !ok {
				continue
			}
			doc, _ := props["doc"].(string)
			if doc == "" {
				continue
			}
			var rec models.Record
			if err := json.Unmarshal([]byte(doc), &rec); err != nil {
				return nil, fmt.Errorf("decode record in %s: %w", wvClass, err)
			}
			recs = append(recs, rec)
		}
		if len(objs) < weaviatePageSize {
			break
		}
		after = objs[len(objs)-1].ID.String()
	}
	return recs, nil
}

func (a *WeaviateAdapter) put(ctx context.Context, className string, rec models.Record, update bool) error {
	wvClass := weaviateClass(className)
	if err := a.ensureClass(ctx, wvClass); err != nil {
		return err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	props := map[string]any{"doc": string(raw), "recordId": rec.ObjectID()}
	id := weaviateID(className, rec.ObjectID())
	if update {
		return a.client.Data().Updater().
			WithClassName(wvClass).
			WithID(id).
			WithProperties(props).
			Do(ctx)
	}
	_, err = a.client.Data().Creator().
		WithClassName(wvClass).
		WithID(id).
		WithProperties(props).
		Do(ctx)
	return err
}

// Find implements Adapter.
func (a *WeaviateAdapter) Find(ctx context.Context, className string, where map[string]any, opts QueryOptions) ([]models.Record, error) {
	recs, err := a.loadAll(ctx, className)
	if err != nil {
		return nil, err
	}
	return execFind(recs, where, opts), nil
}

// Count implements Adapter.
func (a *WeaviateAdapter) Count(ctx context.Context, className string, where map[string]any, opts QueryOptions) (int, error) {
	opts.Keys = nil
	recs, err := a.Find(ctx, className, where, opts)
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

// Create implements Adapter.
func (a *WeaviateAdapter) Create(ctx context.Context, className string, data models.Record) (models.Record, error) {
	all, err := a.loadAll(ctx, className)
	if err != nil {
		return nil, err
	}
	if err := uniqueViolation(className, data, all, ""); err != nil {
		return nil, err
	}
	rec := data.Clone()
	if rec.ObjectID() == "" {
		rec["objectId"] = uuid.NewString()
	}
	if err := a.put(ctx, className, rec, false); err != nil {
		return nil, err
	}
	return rec, nil
}

// Update implements Adapter.
func (a *WeaviateAdapter) Update(ctx context.Context, className string, where map[string]any, data models.Record, opts QueryOptions) (models.Record, error) {
	all, err := a.loadAll(ctx, className)
	if err != nil {
		return nil, err
	}
	for _, rec := range all {
		if where != nil && !Matches(where, rec) {
			continue
		}
		if !writeAllowed(rec, opts) {
			continue
		}
		if err := uniqueViolation(className, data, all, rec.ObjectID()); err != nil {
			return nil, err
		}
		next := rec.Clone()
		if err := applyOps(next, data); err != nil {
			return nil, err
		}
		if err := a.put(ctx, className, next, true); err != nil {
			return nil, err
		}
		return next, nil
	}
	return nil, apierr.New(apierr.CodeObjectNotFound, "Object not found.")
}

// Destroy implements Adapter.
func (a *WeaviateAdapter) Destroy(ctx context.Context, className string, where map[string]any, opts QueryOptions) (int, error) {
	all, err := a.loadAll(ctx, className)
	if err != nil {
		return 0, err
	}
	wvClass := weaviateClass(className)
	removed := 0
	for _, rec := range all {
		if where != nil && !Matches(where, rec) {
			continue
		}
		if !writeAllowed(rec, opts) {
			continue
		}
		err := a.client.Data().Deleter().
			WithClassName(wvClass).
			WithID(weaviateID(className, rec.ObjectID())).
			Do(ctx)
		if err != nil {
			return removed, fmt.Errorf("delete object: %w", err)
		}
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
func (a *WeaviateAdapter) GetAllSchemas(ctx context.Context) ([]models.ClassSchema, error) {
	exists, err := a.client.Schema().ClassExistenceChecker().WithClassName(weaviateSchemaClass).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("check schema class: %w", err)
	}
	if !exists {
		return nil, nil
	}

	var out []models.ClassSchema
	after := ""
	for {
		getter := a.client.Data().ObjectsGetter().
			WithClassName(weaviateSchemaClass).
			WithLimit(weaviatePageSize)
		if after != "" {
			getter = getter.WithAfter(after)
		}
		objs, err := getter.Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch schemas: %w", err)
		}
		if len(objs) == 0 {
			break
		}
		for _, obj := range objs {
			props, ok := obj.Properties.(map[string]any)
			if !ok {
				continue
			}
			doc, _ := props["doc"].(string)
			var s models.ClassSchema
			if err := json.Unmarshal([]byte(doc), &s); err != nil {
				return nil, fmt.Errorf("decode schema: %w", err)
			}
			out = append(out, s)
		}
		if len(objs) < weaviatePageSize {
			break
		}
		after = objs[len(objs)-1].ID.String()
	}
	return out, nil
}

// SaveSchema implements Adapter.
func (a *WeaviateAdapter) SaveSchema(ctx context.Context, schema *models.ClassSchema) error {
	if err := a.ensureSchemaClass(ctx); err != nil {
		return err
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}
	props := map[string]any{"doc": string(raw), "recordId": schema.ClassName}
	id := weaviateID(weaviateSchemaClass, schema.ClassName)

	// Creator fails if the object exists; fall back to update.
	_, err = a.client.Data().Creator().
		WithClassName(weaviateSchemaClass).
		WithID(id).
		WithProperties(props).
		Do(ctx)
	if err != nil {
		return a.client.Data().Updater().
			WithClassName(weaviateSchemaClass).
			WithID(id).
			WithProperties(props).
			Do(ctx)
	}
	return nil
}

func (a *WeaviateAdapter) ensureSchemaClass(ctx context.Context) error {
	exists, err := a.client.Schema().ClassExistenceChecker().WithClassName(weaviateSchemaClass).Do(ctx)
	if err != nil {
		return fmt.Errorf("check schema class: %w", err)
	}
	if exists {
		return nil
	}
	class := &weaviatemodels.Class{
		Class:      weaviateSchemaClass,
		Vectorizer: "none",
		Properties: []*weaviatemodels.Property{
			{Name: "doc", DataType: []string{"text"}},
			{Name: "recordId", DataType: []string{"text"}},
		},
	}
	return a.client.Schema().ClassCreator().WithClass(class).Do(ctx)
}

// Close implements Adapter.
func (a *WeaviateAdapter) Close() error { return nil }
