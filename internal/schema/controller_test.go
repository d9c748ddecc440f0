package schema

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/classd/internal/apierr"
	"github.com/kilupskalvis/classd/internal/models"
	"github.com/kilupskalvis/classd/internal/store"
)

func newTestController(t *testing.T, allowClientClassCreation bool) (*Controller, store.Adapter) {
	t.Helper()
	adapter := store.NewMemoryAdapter()
	c, err := Load(context.Background(), adapter, allowClientClassCreation)
	require.NoError(t, err)
	return c, adapter
}

func TestLoad_SystemDefaults(t *testing.T) {
	c, _ := newTestController(t, true)

	for _, name := range []string{
		models.UserClass, models.SessionClass, models.InstallationClass, models.RoleClass,
	} {
		assert.True(t, c.HasClass(name), name)
	}

	user := c.GetOneSchema(models.UserClass)
	require.NotNil(t, user)
	assert.Equal(t, models.FieldString, user.Fields["username"].Type)

	session := c.GetOneSchema(models.SessionClass)
	require.NotNil(t, session)
	assert.Equal(t, models.UserClass, session.Fields["user"].TargetClass)
}

func TestLoad_StoredFieldsExtendDefaults(t *testing.T) {
	ctx := context.Background()
	adapter := store.NewMemoryAdapter()
	require.NoError(t, adapter.SaveSchema(ctx, &models.ClassSchema{
		ClassName: models.UserClass,
		Fields:    map[string]models.Field{"nickname": {Type: models.FieldString}},
	}))

	c, err := Load(ctx, adapter, true)
	require.NoError(t, err)

	user := c.GetOneSchema(models.UserClass)
	assert.Equal(t, models.FieldString, user.Fields["nickname"].Type)
	// System fields survive the overlay.
	assert.Equal(t, models.FieldString, user.Fields["username"].Type)
}

func TestController_EnforceClassCreation(t *testing.T) {
	c, _ := newTestController(t, false)

	err := c.EnforceClassCreation("Brand", false)
	assert.True(t, apierr.Is(err, apierr.CodeOperationForbidden))

	assert.NoError(t, c.EnforceClassCreation("Brand", true))
	assert.NoError(t, c.EnforceClassCreation(models.UserClass, false))

	open, _ := newTestController(t, true)
	assert.NoError(t, open.EnforceClassCreation("Brand", false))
}

func TestController_ValidatePermission(t *testing.T) {
	ctx := context.Background()
	adapter := store.NewMemoryAdapter()
	require.NoError(t, adapter.SaveSchema(ctx, &models.ClassSchema{
		ClassName: "Article",
		Fields:    map[string]models.Field{"title": {Type: models.FieldString}},
		Permissions: models.ClassPermissions{
			Find:   map[string]bool{models.PublicACLKey: true},
			Create: map[string]bool{"role:editor": true},
			Update: map[string]bool{"requiresAuthentication": true},
			Delete: map[string]bool{},
		},
	}))
	c, err := Load(ctx, adapter, true)
	require.NoError(t, err)

	// Public permission admits everyone.
	assert.NoError(t, c.ValidatePermission("Article", "find", nil, false))

	// Role-gated permission requires the role key in the caller's group.
	err = c.ValidatePermission("Article", "create", []string{"u1"}, false)
	assert.True(t, apierr.Is(err, apierr.CodeOperationForbidden))
	assert.NoError(t, c.ValidatePermission("Article", "create", []string{"u1", "role:editor"}, false))

	// requiresAuthentication admits any logged-in caller.
	err = c.ValidatePermission("Article", "update", nil, false)
	assert.True(t, apierr.Is(err, apierr.CodeOperationForbidden))
	assert.NoError(t, c.ValidatePermission("Article", "update", []string{"u1"}, false))

	// An empty permission map locks the operation down to master.
	err = c.ValidatePermission("Article", "delete", []string{"u1"}, false)
	assert.True(t, apierr.Is(err, apierr.CodeOperationForbidden))
	assert.NoError(t, c.ValidatePermission("Article", "delete", nil, true))

	// Unspecified operations stay open.
	assert.NoError(t, c.ValidatePermission("Article", "get", nil, false))
}

func TestController_EnforceFields(t *testing.T) {
	ctx := context.Background()
	c, adapter := newTestController(t, true)

	err := c.EnforceFields(ctx, "Article", models.Record{
		"title": "hello",
		"views": float64(3),
		"author": map[string]any{
			"__type": "Pointer", "className": models.UserClass, "objectId": "u1",
		},
	}, nil, false)
	require.NoError(t, err)

	s := c.GetOneSchema("Article")
	require.NotNil(t, s)
	assert.Equal(t, models.FieldString, s.Fields["title"].Type)
	assert.Equal(t, models.FieldNumber, s.Fields["views"].Type)
	assert.Equal(t, models.UserClass, s.Fields["author"].TargetClass)

	// The inferred schema is persisted.
	stored, err := adapter.GetAllSchemas(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "Article", stored[0].ClassName)

	// A later write with a mismatched type is rejected.
	err = c.EnforceFields(ctx, "Article", models.Record{"views": "many"}, nil, false)
	assert.True(t, apierr.Is(err, apierr.CodeIncorrectType))

	// Increment arrives as an object but targets the Number field.
	err = c.EnforceFields(ctx, "Article", models.Record{
		"views": map[string]any{"__op": "Increment", "amount": float64(1)},
	}, nil, false)
	assert.NoError(t, err)
}

func TestController_EnforceFieldsRejectsBadNames(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestController(t, true)

	err := c.EnforceFields(ctx, "Article", models.Record{"bad key": "x"}, nil, false)
	assert.True(t, apierr.Is(err, apierr.CodeInvalidKeyName))

	// Pipeline-managed underscore fields and system keys are skipped.
	err = c.EnforceFields(ctx, models.UserClass, models.Record{
		"_hashed_password": "bcrypt...",
		"objectId":         "u1",
		"ACL":              map[string]any{},
	}, nil, false)
	assert.NoError(t, err)
}

func TestController_RedirectClassNameForKey(t *testing.T) {
	c, _ := newTestController(t, true)

	assert.Equal(t, models.UserClass, c.RedirectClassNameForKey(models.RoleClass, "users"))
	assert.Equal(t, models.RoleClass, c.RedirectClassNameForKey(models.RoleClass, "name"))
	assert.Equal(t, "Unknown", c.RedirectClassNameForKey("Unknown", "anything"))
}
