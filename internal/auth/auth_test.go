package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/classd/internal/apierr"
	"github.com/kilupskalvis/classd/internal/models"
	"github.com/kilupskalvis/classd/internal/store"
)

func TestNewSessionToken(t *testing.T) {
	tok := NewSessionToken()
	assert.True(t, strings.HasPrefix(tok, "r:"))
	assert.Len(t, tok, 2+32)
	assert.NotEqual(t, tok, NewSessionToken())
}

func TestForSessionToken(t *testing.T) {
	ctx := context.Background()
	adapter := store.NewMemoryAdapter()

	user, err := adapter.Create(ctx, models.UserClass, models.Record{"username": "alice"})
	require.NoError(t, err)

	tok := NewSessionToken()
	_, err = adapter.Create(ctx, models.SessionClass, models.Record{
		"sessionToken":   tok,
		"installationId": "ios-1",
		"user": map[string]any{
			"__type": "Pointer", "className": models.UserClass, "objectId": user.ObjectID(),
		},
		"expiresAt": map[string]any{
			"__type": "Date", "iso": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		},
	})
	require.NoError(t, err)

	a, err := ForSessionToken(ctx, adapter, tok)
	require.NoError(t, err)
	assert.Equal(t, user.ObjectID(), a.UserID())
	assert.Equal(t, "ios-1", a.InstallationID)
	assert.False(t, a.IsMaster)

	_, err = ForSessionToken(ctx, adapter, "r:unknown")
	assert.True(t, apierr.Is(err, apierr.CodeInvalidSessionToken))
}

func TestForSessionToken_Expired(t *testing.T) {
	ctx := context.Background()
	adapter := store.NewMemoryAdapter()

	user, err := adapter.Create(ctx, models.UserClass, models.Record{"username": "bob"})
	require.NoError(t, err)

	tok := NewSessionToken()
	_, err = adapter.Create(ctx, models.SessionClass, models.Record{
		"sessionToken": tok,
		"user": map[string]any{
			"__type": "Pointer", "className": models.UserClass, "objectId": user.ObjectID(),
		},
		"expiresAt": map[string]any{
			"__type": "Date", "iso": time.Now().Add(-time.Hour).UTC().Format(time.RFC3339),
		},
	})
	require.NoError(t, err)

	_, err = ForSessionToken(ctx, adapter, tok)
	assert.True(t, apierr.Is(err, apierr.CodeInvalidSessionToken))
}

func TestAuth_GetUserRoles(t *testing.T) {
	ctx := context.Background()
	adapter := store.NewMemoryAdapter()

	user, err := adapter.Create(ctx, models.UserClass, models.Record{"username": "carol"})
	require.NoError(t, err)
	userPtr := models.Pointer{ClassName: models.UserClass, ObjectID: user.ObjectID()}

	editors, err := adapter.Create(ctx, models.RoleClass, models.Record{
		"name":  "editors",
		"users": userPtr.Map(),
	})
	require.NoError(t, err)

	// admins contains editors, so membership is transitive.
	editorsPtr := models.Pointer{ClassName: models.RoleClass, ObjectID: editors.ObjectID()}
	admins, err := adapter.Create(ctx, models.RoleClass, models.Record{
		"name":  "admins",
		"roles": editorsPtr.Map(),
	})
	require.NoError(t, err)

	// A cycle back to editors must not hang the walk.
	adminsPtr := models.Pointer{ClassName: models.RoleClass, ObjectID: admins.ObjectID()}
	_, err = adapter.Update(ctx, models.RoleClass, map[string]any{"objectId": editors.ObjectID()},
		models.Record{"roles": adminsPtr.Map()}, store.QueryOptions{Master: true})
	require.NoError(t, err)

	a := ForUser(user)
	roles, err := a.GetUserRoles(ctx, adapter)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{models.RoleACLKey("editors"), models.RoleACLKey("admins")}, roles)

	group, err := a.ACLGroup(ctx, adapter)
	require.NoError(t, err)
	assert.Contains(t, group, user.ObjectID())
	assert.Len(t, group, 3)
}

func TestAuth_MasterAndNobody(t *testing.T) {
	ctx := context.Background()
	adapter := store.NewMemoryAdapter()

	group, err := Master().ACLGroup(ctx, adapter)
	require.NoError(t, err)
	assert.Nil(t, group)

	group, err = Nobody().ACLGroup(ctx, adapter)
	require.NoError(t, err)
	assert.Nil(t, group)
}
