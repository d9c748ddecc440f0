package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/classd/internal/apierr"
	"github.com/kilupskalvis/classd/internal/models"
)

func newTestBbolt(t *testing.T) (*BboltAdapter, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "classd-test.db")
	a, err := NewBboltAdapter(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a, dbPath
}

func TestBboltAdapter_CRUD(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestBbolt(t)

	created, err := a.Create(ctx, "Article", models.Record{"title": "hello", "views": float64(0)})
	require.NoError(t, err)
	require.NotEmpty(t, created.ObjectID())

	updated, err := a.Update(ctx, "Article", map[string]any{"objectId": created.ObjectID()},
		models.Record{"views": map[string]any{"__op": "Increment", "amount": float64(5)}},
		QueryOptions{Master: true})
	require.NoError(t, err)
	assert.Equal(t, float64(5), updated["views"])

	results, err := a.Find(ctx, "Article", map[string]any{"views": map[string]any{"$gte": float64(5)}},
		QueryOptions{Master: true, Limit: -1})
	require.NoError(t, err)
	require.Len(t, results, 1)

	n, err := a.Destroy(ctx, "Article", map[string]any{"objectId": created.ObjectID()}, QueryOptions{Master: true})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = a.Update(ctx, "Article", map[string]any{"objectId": created.ObjectID()},
		models.Record{"title": "gone"}, QueryOptions{Master: true})
	assert.True(t, apierr.Is(err, apierr.CodeObjectNotFound))
}

func TestBboltAdapter_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "classd-test.db")

	a, err := NewBboltAdapter(dbPath)
	require.NoError(t, err)
	created, err := a.Create(ctx, "Article", models.Record{"title": "durable"})
	require.NoError(t, err)
	require.NoError(t, a.SaveSchema(ctx, &models.ClassSchema{
		ClassName: "Article",
		Fields:    map[string]models.Field{"title": {Type: models.FieldString}},
	}))
	require.NoError(t, a.Close())

	reopened, err := NewBboltAdapter(dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	results, err := reopened.Find(ctx, "Article", map[string]any{"objectId": created.ObjectID()},
		QueryOptions{Master: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "durable", results[0]["title"])

	schemas, err := reopened.GetAllSchemas(ctx)
	require.NoError(t, err)
	require.Len(t, schemas, 1)
}

func TestBboltAdapter_ACLWrite(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestBbolt(t)

	created, err := a.Create(ctx, "Article", models.Record{
		"title": "locked",
		"ACL":   map[string]any{"u1": map[string]any{"read": true, "write": true}},
	})
	require.NoError(t, err)
	where := map[string]any{"objectId": created.ObjectID()}

	// A caller without the write bit cannot reach the record.
	_, err = a.Update(ctx, "Article", where, models.Record{"title": "x"}, QueryOptions{ACL: []string{"u2"}})
	assert.True(t, apierr.Is(err, apierr.CodeObjectNotFound))

	_, err = a.Update(ctx, "Article", where, models.Record{"title": "x"}, QueryOptions{ACL: []string{"u1"}})
	assert.NoError(t, err)
}
