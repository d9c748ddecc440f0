package store

import (
	"github.com/kilupskalvis/classd/internal/apierr"
	"github.com/kilupskalvis/classd/internal/models"
)

// execFind runs the shared find pipeline of the embedded adapters:
// match, ACL-filter, sort, page, project. Results are deep copies.
func execFind(all []models.Record, where map[string]any, opts QueryOptions) []models.Record {
	var matched []models.Record
	for _, rec := range all {
		if where != nil && !Matches(where, rec) {
			continue
		}
		if !readAllowed(rec, opts) {
			continue
		}
		matched = append(matched, rec)
	}

	SortRecords(matched, opts.Sort)

	if opts.Skip > 0 {
		if opts.Skip >= len(matched) {
			matched = nil
		} else {
			matched = matched[opts.Skip:]
		}
	}
	if opts.Limit >= 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}

	out := make([]models.Record, 0, len(matched))
	for _, rec := range matched {
		out = append(out, project(rec.Clone(), opts.Keys))
	}
	return out
}

func readAllowed(rec models.Record, opts QueryOptions) bool {
	if opts.Master {
		return true
	}
	acl, ok := models.ACLFrom(rec["ACL"])
	if !ok {
		return false
	}
	return acl.CanRead(opts.ACL)
}

func writeAllowed(rec models.Record, opts QueryOptions) bool {
	if opts.Master {
		return true
	}
	acl, ok := models.ACLFrom(rec["ACL"])
	if !ok {
		return false
	}
	return acl.CanWrite(opts.ACL)
}

// project trims a record to the requested keys. objectId, createdAt,
// updatedAt and ACL always survive projection.
func project(rec models.Record, keys []string) models.Record {
	if keys == nil {
		return rec
	}
	keep := map[string]bool{"objectId": true, "createdAt": true, "updatedAt": true, "ACL": true}
	for _, k := range keys {
		// A dotted projection keeps the whole top-level value; the query
		// engine handles sub-field trimming after include expansion.
		if i := indexByte(k, '.'); i > 0 {
			k = k[:i]
		}
		keep[k] = true
	}
	for field := range rec {
		if !keep[field] {
			delete(rec, field)
		}
	}
	return rec
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// ApplyOps merges a write payload into an existing record, resolving
// field operations. Resolving against an empty record covers creates:
// deletes become no-ops, increments start from zero, array operations
// build the array.
func ApplyOps(existing, data models.Record) error {
	return applyOps(existing, data)
}

// applyOps merges an update payload into an existing record, resolving
// field operations. Unknown __op tags fail with IncorrectType.
func applyOps(existing, data models.Record) error {
	for field, value := range data {
		m, isMap := value.(map[string]any)
		if !isMap {
			existing[field] = models.DeepCopyValue(value)
			continue
		}
		op, _ := m["__op"].(string)
		switch op {
		case "":
			existing[field] = models.DeepCopyValue(value)
		case "Delete":
			delete(existing, field)
		case "Increment":
			amount, ok := toFloat(m["amount"])
			if !ok {
				return apierr.New(apierr.CodeIncorrectType, "Increment amount must be a number")
			}
			current, _ := toFloat(existing[field])
			existing[field] = current + amount
		case "Add":
			existing[field] = appendAll(existing[field], m["objects"], false)
		case "AddUnique":
			existing[field] = appendAll(existing[field], m["objects"], true)
		case "Remove":
			objects, _ := m["objects"].([]any)
			arr, _ := existing[field].([]any)
			var kept []any
			for _, have := range arr {
				remove := false
				for _, want := range objects {
					if deepEquals(have, want) {
						remove = true
						break
					}
				}
				if !remove {
					kept = append(kept, have)
				}
			}
			existing[field] = kept
		default:
			return apierr.New(apierr.CodeIncorrectType, "unsupported field operation %q", op)
		}
	}
	return nil
}

func appendAll(current, objects any, unique bool) []any {
	arr, _ := current.([]any)
	add, _ := objects.([]any)
	for _, v := range add {
		if unique {
			exists := false
			for _, have := range arr {
				if deepEquals(have, v) {
					exists = true
					break
				}
			}
			if exists {
				continue
			}
		}
		arr = append(arr, models.DeepCopyValue(v))
	}
	return arr
}

// uniqueViolation checks the store-level unique fields of the user class.
// The error is deliberately opaque; the write pipeline re-diagnoses it into
// username/email specific errors.
func uniqueViolation(className string, data models.Record, all []models.Record, selfID string) error {
	if className != models.UserClass {
		return nil
	}
	for _, field := range []string{"username", "email"} {
		want, ok := data[field].(string)
		if !ok || want == "" {
			continue
		}
		for _, rec := range all {
			if rec.ObjectID() == selfID {
				continue
			}
			if have, _ := rec[field].(string); have == want {
				return apierr.New(apierr.CodeDuplicateValue,
					"A duplicate value for a field with unique values was provided")
			}
		}
	}
	return nil
}
