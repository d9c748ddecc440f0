package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/classd/internal/models"
)

func TestMatches_Comparisons(t *testing.T) {
	rec := models.Record{"score": float64(42), "name": "alice"}

	assert.True(t, Matches(map[string]any{"score": map[string]any{"$gt": float64(40)}}, rec))
	assert.True(t, Matches(map[string]any{"score": map[string]any{"$gte": float64(42)}}, rec))
	assert.False(t, Matches(map[string]any{"score": map[string]any{"$lt": float64(42)}}, rec))
	assert.True(t, Matches(map[string]any{"score": map[string]any{"$ne": float64(41)}}, rec))
	assert.True(t, Matches(map[string]any{"name": map[string]any{"$in": []any{"bob", "alice"}}}, rec))
	assert.False(t, Matches(map[string]any{"name": map[string]any{"$nin": []any{"alice"}}}, rec))
}

func TestMatches_NumericCoercion(t *testing.T) {
	// JSON decoding yields float64; stored values may be int.
	rec := models.Record{"count": 3}
	assert.True(t, Matches(map[string]any{"count": float64(3)}, rec))
	assert.True(t, Matches(map[string]any{"count": map[string]any{"$lte": float64(3)}}, rec))
}

func TestMatches_ArrayContains(t *testing.T) {
	rec := models.Record{"tags": []any{"red", "green"}}

	// A scalar equality constraint matches when any element equals it.
	assert.True(t, Matches(map[string]any{"tags": "red"}, rec))
	assert.False(t, Matches(map[string]any{"tags": "blue"}, rec))
	assert.True(t, Matches(map[string]any{"tags": map[string]any{"$all": []any{"red", "green"}}}, rec))
	assert.False(t, Matches(map[string]any{"tags": map[string]any{"$all": []any{"red", "blue"}}}, rec))
}

func TestMatches_Compound(t *testing.T) {
	rec := models.Record{"a": float64(1), "b": float64(2)}

	or := map[string]any{"$or": []any{
		map[string]any{"a": float64(5)},
		map[string]any{"b": float64(2)},
	}}
	assert.True(t, Matches(or, rec))

	nor := map[string]any{"$nor": []any{
		map[string]any{"a": float64(1)},
	}}
	assert.False(t, Matches(nor, rec))

	and := map[string]any{"$and": []any{
		map[string]any{"a": float64(1)},
		map[string]any{"b": float64(3)},
	}}
	assert.False(t, Matches(and, rec))
}

func TestMatches_ExistsAndRegex(t *testing.T) {
	rec := models.Record{"name": "Alice"}

	assert.True(t, Matches(map[string]any{"name": map[string]any{"$exists": true}}, rec))
	assert.True(t, Matches(map[string]any{"missing": map[string]any{"$exists": false}}, rec))
	assert.True(t, Matches(map[string]any{"name": map[string]any{"$regex": "^ali", "$options": "i"}}, rec))
	assert.False(t, Matches(map[string]any{"name": map[string]any{"$regex": "^ali"}}, rec))
}

func TestMatches_EqOperatorWithMovedKeys(t *testing.T) {
	// The query engine rewrites mixed constraints into {"$eq": {...}}.
	rec := models.Record{"user": map[string]any{"__type": "Pointer", "className": "_User", "objectId": "u1"}}
	where := map[string]any{
		"user": map[string]any{
			"$eq": map[string]any{"__type": "Pointer", "className": "_User", "objectId": "u1"},
		},
	}
	assert.True(t, Matches(where, rec))
}

func TestGetPath(t *testing.T) {
	obj := map[string]any{
		"a": map[string]any{"b": map[string]any{"c": float64(7)}},
		"arr": []any{
			map[string]any{"x": "first"},
			map[string]any{"x": "second"},
		},
	}

	v, ok := GetPath(obj, "a.b.c")
	require.True(t, ok)
	assert.Equal(t, float64(7), v)

	v, ok = GetPath(obj, "arr.1.x")
	require.True(t, ok)
	assert.Equal(t, "second", v)

	_, ok = GetPath(obj, "a.b.missing")
	assert.False(t, ok)
}

func TestSortRecords(t *testing.T) {
	recs := []models.Record{
		{"objectId": "c", "n": float64(3)},
		{"objectId": "a", "n": float64(1)},
		{"objectId": "b", "n": float64(2)},
	}

	SortRecords(recs, []SortKey{{Field: "n", Descending: true}})
	assert.Equal(t, "c", recs[0].ObjectID())
	assert.Equal(t, "a", recs[2].ObjectID())

	SortRecords(recs, []SortKey{{Field: "objectId"}})
	assert.Equal(t, "a", recs[0].ObjectID())
	assert.Equal(t, "c", recs[2].ObjectID())
}

func TestDeepEquals(t *testing.T) {
	assert.True(t, DeepEquals(float64(2), 2))
	assert.True(t, DeepEquals(
		map[string]any{"a": []any{float64(1), "x"}},
		map[string]any{"a": []any{1, "x"}},
	))
	assert.False(t, DeepEquals(map[string]any{"a": 1}, map[string]any{"a": 1, "b": 2}))
}
