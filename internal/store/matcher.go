package store

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/kilupskalvis/classd/internal/models"
)

// Matches reports whether a record satisfies a where tree. The tree is the
// resolved form: all subquery operators have already been collapsed into
// $in/$nin by the query engine before a find reaches the store.
func Matches(where map[string]any, rec models.Record) bool {
	for key, constraint := range where {
		switch key {
		case "$or":
			if !matchAny(constraint, rec) {
				return false
			}
		case "$and":
			if !matchAll(constraint, rec) {
				return false
			}
		case "$nor":
			if matchAny(constraint, rec) {
				return false
			}
		default:
			stored, present := GetPath(map[string]any(rec), key)
			if !matchField(constraint, stored, present) {
				return false
			}
		}
	}
	return true
}

func matchAny(constraint any, rec models.Record) bool {
	clauses, ok := constraint.([]any)
	if !ok {
		return false
	}
	for _, c := range clauses {
		if m, ok := c.(map[string]any); ok && Matches(m, rec) {
			return true
		}
	}
	return false
}

func matchAll(constraint any, rec models.Record) bool {
	clauses, ok := constraint.([]any)
	if !ok {
		return false
	}
	for _, c := range clauses {
		m, ok := c.(map[string]any)
		if !ok || !Matches(m, rec) {
			return false
		}
	}
	return true
}

// IsOperatorMap reports whether a constraint value is a set of $-operators
// rather than a direct equality value.
func IsOperatorMap(v any) bool {
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return true
}

func matchField(constraint, stored any, present bool) bool {
	if !IsOperatorMap(constraint) {
		return present && valueEquals(stored, constraint)
	}
	ops := constraint.(map[string]any)
	for op, arg := range ops {
		switch op {
		case "$eq":
			if !present || !valueEquals(stored, arg) {
				return false
			}
		case "$ne":
			if present && valueEquals(stored, arg) {
				return false
			}
		case "$lt", "$lte", "$gt", "$gte":
			cmp, ok := CompareValues(stored, arg)
			if !present || !ok {
				return false
			}
			switch op {
			case "$lt":
				if cmp >= 0 {
					return false
				}
			case "$lte":
				if cmp > 0 {
					return false
				}
			case "$gt":
				if cmp <= 0 {
					return false
				}
			case "$gte":
				if cmp < 0 {
					return false
				}
			}
		case "$in":
			if !present || !inList(stored, arg) {
				return false
			}
		case "$nin":
			if present && inList(stored, arg) {
				return false
			}
		case "$exists":
			want, _ := arg.(bool)
			if present != want {
				return false
			}
		case "$all":
			list, ok := arg.([]any)
			arr, ok2 := stored.([]any)
			if !present || !ok || !ok2 {
				return false
			}
			for _, want := range list {
				found := false
				for _, have := range arr {
					if deepEquals(have, want) {
						found = true
						break
					}
				}
				if !found {
					return false
				}
			}
		case "$regex":
			pattern, ok := arg.(string)
			str, ok2 := stored.(string)
			if !present || !ok || !ok2 {
				return false
			}
			if opts, _ := ops["$options"].(string); opts != "" {
				flags := ""
				for _, f := range opts {
					switch f {
					case 'i', 'm', 's':
						flags += string(f)
					}
				}
				if flags != "" {
					pattern = "(?" + flags + ")" + pattern
				}
			}
			re, err := regexp.Compile(pattern)
			if err != nil || !re.MatchString(str) {
				return false
			}
		case "$options":
			// consumed by $regex
		default:
			// Unresolved subquery operators never reach the store; an
			// unknown operator matches nothing.
			return false
		}
	}
	return true
}

// inList reports whether stored matches any element of an $in argument.
func inList(stored, arg any) bool {
	list, ok := arg.([]any)
	if !ok {
		return false
	}
	for _, want := range list {
		if valueEquals(stored, want) {
			return true
		}
	}
	return false
}

// valueEquals applies equality with array-contains semantics: a stored
// array matches a scalar constraint when any element matches.
func valueEquals(stored, want any) bool {
	if deepEquals(stored, want) {
		return true
	}
	if arr, ok := stored.([]any); ok {
		if _, wantArr := want.([]any); !wantArr {
			for _, e := range arr {
				if deepEquals(e, want) {
					return true
				}
			}
		}
	}
	return false
}

// DeepEquals reports structural equality with numeric coercion: ints and
// floats compare by value, maps and slices recursively.
func DeepEquals(a, b any) bool {
	return deepEquals(a, b)
}

func deepEquals(a, b any) bool {
	if an, aok := toFloat(a); aok {
		bn, bok := toFloat(b)
		return bok && an == bn
	}
	switch at := a.(type) {
	case map[string]any:
		bt, ok := b.(map[string]any)
		if !ok || len(at) != len(bt) {
			return false
		}
		for k, av := range at {
			bv, ok := bt[k]
			if !ok || !deepEquals(av, bv) {
				return false
			}
		}
		return true
	case []any:
		bt, ok := b.([]any)
		if !ok || len(at) != len(bt) {
			return false
		}
		for i := range at {
			if !deepEquals(at[i], bt[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

// CompareValues orders two values of the same kind. Numbers compare
// numerically, strings lexically, and Date encodings by their ISO field.
// The second return is false for incomparable kinds.
func CompareValues(a, b any) (int, bool) {
	if an, ok := toFloat(a); ok {
		bn, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case an < bn:
			return -1, true
		case an > bn:
			return 1, true
		default:
			return 0, true
		}
	}
	if as, ok := stringValue(a); ok {
		bs, ok := stringValue(b)
		if !ok {
			return 0, false
		}
		return strings.Compare(as, bs), true
	}
	return 0, false
}

// stringValue extracts a comparable string from a string or Date encoding.
func stringValue(v any) (string, bool) {
	if s, ok := v.(string); ok {
		return s, true
	}
	if m, ok := v.(map[string]any); ok {
		if t, _ := m["__type"].(string); t == "Date" {
			iso, ok := m["iso"].(string)
			return iso, ok
		}
	}
	return "", false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		// JSON decoders in this codebase produce float64; strings stay strings.
		return 0, false
	default:
		return 0, false
	}
}

// GetPath resolves a dotted field path against a record. The boolean
// reports whether the full path exists.
func GetPath(m map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = m
	for _, p := range parts {
		cm, ok := cur.(map[string]any)
		if !ok {
			if arr, isArr := cur.([]any); isArr {
				if idx, err := strconv.Atoi(p); err == nil && idx >= 0 && idx < len(arr) {
					cur = arr[idx]
					continue
				}
			}
			return nil, false
		}
		v, ok := cm[p]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// SortRecords orders records in place by the given sort keys, using
// CompareValues per field. Missing fields sort first.
func SortRecords(recs []models.Record, keys []SortKey) {
	if len(keys) == 0 {
		return
	}
	sort.SliceStable(recs, func(i, j int) bool {
		for _, k := range keys {
			av, aok := GetPath(map[string]any(recs[i]), k.Field)
			bv, bok := GetPath(map[string]any(recs[j]), k.Field)
			if !aok && !bok {
				continue
			}
			if !aok {
				return !k.Descending
			}
			if !bok {
				return k.Descending
			}
			cmp, ok := CompareValues(av, bv)
			if !ok || cmp == 0 {
				continue
			}
			if k.Descending {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}
