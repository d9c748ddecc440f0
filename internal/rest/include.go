package rest

import (
	"context"
	"sync"

	"github.com/kilupskalvis/classd/internal/models"
)

// runIncludes expands each include path breadth-first, shortest path
// first, so parent objects are materialized before their children are
// reached.
func (q *Query) runIncludes(ctx context.Context) error {
	if len(q.response.Results) == 0 {
		return nil
	}
	for _, path := range q.include {
		if err := q.includePath(ctx, path); err != nil {
			return err
		}
	}
	return nil
}

// includePath fetches every pointer reachable at one path across all
// results and splices the fetched objects back in. One bulk find per
// distinct target class, issued concurrently.
func (q *Query) includePath(ctx context.Context, path []string) error {
	var pointers []models.Pointer
	for _, r := range q.response.Results {
		pointers = append(pointers, findPointers(map[string]any(r), path)...)
	}
	if len(pointers) == 0 {
		return nil
	}

	idsByClass := map[string]map[string]bool{}
	for _, p := range pointers {
		if idsByClass[p.ClassName] == nil {
			idsByClass[p.ClassName] = map[string]bool{}
		}
		idsByClass[p.ClassName][p.ObjectID] = true
	}

	type classResult struct {
		className string
		records   []models.Record
		err       error
	}

	var wg sync.WaitGroup
	resultCh := make(chan classResult, len(idsByClass))
	for className, idSet := range idsByClass {
		ids := make([]any, 0, len(idSet))
		for id := range idSet {
			ids = append(ids, id)
		}
		wg.Add(1)
		go func(className string, ids []any) {
			defer wg.Done()
			where := map[string]any{"objectId": map[string]any{"$in": ids}}
			options := map[string]any{"limit": len(ids)}
			if q.includeReadPreference != "" {
				options["readPreference"] = q.includeReadPreference
			}
			sub, err := NewQuery(q.env, q.auth, q.schema, className, where, options)
			if err != nil {
				resultCh <- classResult{className: className, err: err}
				return
			}
			resp, err := sub.Execute(ctx)
			if err != nil {
				resultCh <- classResult{className: className, err: err}
				return
			}
			resultCh <- classResult{className: className, records: resp.Results}
		}(className, ids)
	}
	wg.Wait()
	close(resultCh)

	// Fetched objects keyed by id per class for O(1) splice-back.
	replace := map[string]map[string]models.Record{}
	for res := range resultCh {
		if res.err != nil {
			return res.err
		}
		byID := make(map[string]models.Record, len(res.records))
		for _, rec := range res.records {
			rec = rec.Clone()
			if res.className == models.UserClass {
				delete(rec, "password")
				if !q.auth.IsMaster {
					delete(rec, "sessionToken")
					delete(rec, "authData")
				}
			}
			rec["__type"] = "Object"
			rec["className"] = res.className
			byID[rec.ObjectID()] = rec
		}
		replace[res.className] = byID
	}

	for _, r := range q.response.Results {
		replacePointers(map[string]any(r), path, replace)
	}
	return nil
}

// findPointers collects the pointer values reachable at a path. Arrays
// along the path fan out over their elements.
func findPointers(obj any, path []string) []models.Pointer {
	switch t := obj.(type) {
	case []any:
		var out []models.Pointer
		for _, e := range t {
			out = append(out, findPointers(e, path)...)
		}
		return out
	case map[string]any:
		if len(path) == 0 {
			if p, ok := models.PointerFrom(t); ok {
				return []models.Pointer{p}
			}
			return nil
		}
		return findPointers(t[path[0]], path[1:])
	case models.Record:
		return findPointers(map[string]any(t), path)
	default:
		return nil
	}
}

// replacePointers swaps pointer values at a path for their fetched
// objects, in place. Pointers without a fetched match stay pointers.
func replacePointers(obj any, path []string, replace map[string]map[string]models.Record) {
	switch t := obj.(type) {
	case []any:
		for _, e := range t {
			replacePointers(e, path, replace)
		}
	case models.Record:
		replacePointers(map[string]any(t), path, replace)
	case map[string]any:
		if len(path) == 1 {
			t[path[0]] = replaceValue(t[path[0]], replace)
			return
		}
		if sub, ok := t[path[0]]; ok {
			replacePointers(sub, path[1:], replace)
		}
	}
}

func replaceValue(v any, replace map[string]map[string]models.Record) any {
	if arr, ok := v.([]any); ok {
		out := make([]any, len(arr))
		for i, e := range arr {
			out[i] = replaceValue(e, replace)
		}
		return out
	}
	p, ok := models.PointerFrom(v)
	if !ok {
		return v
	}
	if fetched, ok := replace[p.ClassName][p.ObjectID]; ok {
		return map[string]any(fetched.Clone())
	}
	return v
}
