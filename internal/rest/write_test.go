package rest

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/classd/internal/apierr"
	"github.com/kilupskalvis/classd/internal/auth"
	"github.com/kilupskalvis/classd/internal/models"
	"github.com/kilupskalvis/classd/internal/store"
	"github.com/kilupskalvis/classd/internal/triggers"
)

func execWrite(t *testing.T, env *Env, a *auth.Auth, className string, query map[string]any, data models.Record, sdk ClientSDK) (*WriteResponse, error) {
	t.Helper()
	w, err := NewWrite(env, a, loadSchema(t, env), className, query, data, nil, sdk, "")
	if err != nil {
		return nil, err
	}
	return w.Execute(context.Background())
}

func TestNewWrite_RejectsObjectIDOnCreate(t *testing.T) {
	env := newTestEnv(t)
	_, err := NewWrite(env, auth.Master(), loadSchema(t, env), "Article", nil,
		models.Record{"objectId": "abc"}, nil, ClientSDK{}, "")
	assert.True(t, apierr.Is(err, apierr.CodeInvalidKeyName))
}

func TestWrite_Signup(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	resp, err := execWrite(t, env, auth.Nobody(), models.UserClass, nil,
		models.Record{"username": "alice", "password": "hunter22"}, ClientSDK{})
	require.NoError(t, err)
	assert.Equal(t, 201, resp.Status)

	id := resp.Response.ObjectID()
	require.NotEmpty(t, id)
	token, _ := resp.Response["sessionToken"].(string)
	assert.True(t, strings.HasPrefix(token, "r:"))
	assert.NotContains(t, resp.Response, "password")
	assert.NotContains(t, resp.Response, "_hashed_password")

	// The stored record carries the default ACL and a bcrypt hash.
	stored, err := env.Adapter.Find(ctx, models.UserClass, map[string]any{"objectId": id},
		store.QueryOptions{Master: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	acl, ok := models.ACLFrom(stored[0]["ACL"])
	require.True(t, ok)
	assert.True(t, acl[models.PublicACLKey].Read)
	assert.False(t, acl[models.PublicACLKey].Write)
	assert.True(t, acl[id].Write)
	hashed, _ := stored[0]["_hashed_password"].(string)
	assert.NotEmpty(t, hashed)
	assert.NotEqual(t, "hunter22", hashed)

	// A session was created for the new user.
	sessions, err := env.Adapter.Find(ctx, models.SessionClass,
		map[string]any{"sessionToken": token}, store.QueryOptions{Master: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	created, _ := sessions[0]["createdWith"].(map[string]any)
	assert.Equal(t, "signup", created["action"])
	assert.Equal(t, "password", created["authProvider"])
}

func TestWrite_SignupValidation(t *testing.T) {
	env := newTestEnv(t)

	_, err := execWrite(t, env, auth.Nobody(), models.UserClass, nil,
		models.Record{"password": "x"}, ClientSDK{})
	assert.True(t, apierr.Is(err, apierr.CodeUsernameMissing))

	_, err = execWrite(t, env, auth.Nobody(), models.UserClass, nil,
		models.Record{"username": "alice"}, ClientSDK{})
	assert.True(t, apierr.Is(err, apierr.CodePasswordMissing))
}

func TestWrite_SignupConflicts(t *testing.T) {
	env := newTestEnv(t)
	_, err := execWrite(t, env, auth.Nobody(), models.UserClass, nil,
		models.Record{"username": "alice", "password": "x", "email": "a@example.com"}, ClientSDK{})
	require.NoError(t, err)

	_, err = execWrite(t, env, auth.Nobody(), models.UserClass, nil,
		models.Record{"username": "Alice", "password": "x"}, ClientSDK{})
	assert.True(t, apierr.Is(err, apierr.CodeUsernameTaken))

	_, err = execWrite(t, env, auth.Nobody(), models.UserClass, nil,
		models.Record{"username": "bob", "password": "x", "email": "A@example.com"}, ClientSDK{})
	assert.True(t, apierr.Is(err, apierr.CodeEmailTaken))

	_, err = execWrite(t, env, auth.Nobody(), models.UserClass, nil,
		models.Record{"username": "carol", "password": "x", "email": "not-an-email"}, ClientSDK{})
	assert.True(t, apierr.Is(err, apierr.CodeInvalidEmailAddress))
}

func TestWrite_MasterCreatedUserGetsNoSession(t *testing.T) {
	env := newTestEnv(t)
	resp, err := execWrite(t, env, auth.Master(), models.UserClass, nil,
		models.Record{"username": "svc", "password": "x"}, ClientSDK{})
	require.NoError(t, err)
	assert.NotContains(t, resp.Response, "sessionToken")
}

func TestWrite_BeforeSaveChangesEchoed(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.Runner.Registry.AddTrigger(triggers.BeforeSave, "Article",
		func(ctx context.Context, req *triggers.Request) (any, error) {
			obj := req.Object.Clone()
			obj["status"] = "reviewed"
			delete(obj, "tmp")
			return obj, nil
		}, env.Runner.AppID))

	resp, err := execWrite(t, env, auth.Master(), "Article", nil,
		models.Record{"title": "a", "tmp": "scratch"}, ClientSDK{})
	require.NoError(t, err)
	assert.Equal(t, "reviewed", resp.Response["status"])
	// Clients that did not declare sentinel support never see the delete.
	assert.NotContains(t, resp.Response, "tmp")

	resp, err = execWrite(t, env, auth.Master(), "Article", nil,
		models.Record{"title": "b", "tmp": "scratch"}, ClientSDK{ForwardsDeleteSentinels: true})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"__op": "Delete"}, resp.Response["tmp"])
}

func TestWrite_BeforeSaveErrorAborts(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	require.NoError(t, env.Runner.Registry.AddTrigger(triggers.BeforeSave, "Article",
		func(ctx context.Context, req *triggers.Request) (any, error) {
			return nil, apierr.New(apierr.CodeValidationError, "title required")
		}, env.Runner.AppID))

	_, err := execWrite(t, env, auth.Master(), "Article", nil, models.Record{}, ClientSDK{})
	assert.True(t, apierr.Is(err, apierr.CodeValidationError))

	n, err := env.Adapter.Count(ctx, "Article", nil, store.QueryOptions{Master: true, Limit: -1})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestWrite_SchemaDefaultsAndRequired(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	require.NoError(t, env.Adapter.SaveSchema(ctx, &models.ClassSchema{
		ClassName: "Task",
		Fields: map[string]models.Field{
			"state": {Type: models.FieldString, DefaultValue: "open"},
			"name":  {Type: models.FieldString, Required: true},
		},
	}))

	resp, err := execWrite(t, env, auth.Master(), "Task", nil,
		models.Record{"name": "ship it"}, ClientSDK{})
	require.NoError(t, err)
	// The applied default is echoed in the response.
	assert.Equal(t, "open", resp.Response["state"])

	_, err = execWrite(t, env, auth.Master(), "Task", nil, models.Record{}, ClientSDK{})
	assert.True(t, apierr.Is(err, apierr.CodeValidationError))

	// An update may not blank out a required field.
	id := resp.Response.ObjectID()
	_, err = execWrite(t, env, auth.Master(), "Task", map[string]any{"objectId": id},
		models.Record{"name": map[string]any{"__op": "Delete"}}, ClientSDK{})
	assert.True(t, apierr.Is(err, apierr.CodeValidationError))
}

func TestWrite_CreateResolvesFieldOps(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	resp, err := execWrite(t, env, auth.Master(), "Counter", nil,
		models.Record{"hits": float64(1)}, ClientSDK{})
	require.NoError(t, err)
	require.NotNil(t, resp)

	resp, err = execWrite(t, env, auth.Master(), "Counter", nil, models.Record{
		"hits": map[string]any{"__op": "Increment", "amount": float64(2)},
		"tags": map[string]any{"__op": "Add", "objects": []any{"new"}},
	}, ClientSDK{})
	require.NoError(t, err)

	stored, err := env.Adapter.Find(ctx, "Counter",
		map[string]any{"objectId": resp.Response.ObjectID()},
		store.QueryOptions{Master: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, float64(2), stored[0]["hits"])
	assert.Equal(t, []any{"new"}, stored[0]["tags"])

	_, err = execWrite(t, env, auth.Master(), "Counter", nil,
		models.Record{"hits": map[string]any{"__op": "Squash"}}, ClientSDK{})
	assert.True(t, apierr.Is(err, apierr.CodeIncorrectType))
}

func TestWrite_SessionSpecialCase(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := execWrite(t, env, auth.Nobody(), models.SessionClass, nil, models.Record{}, ClientSDK{})
	assert.True(t, apierr.Is(err, apierr.CodeInvalidSessionToken))

	user, err := env.Adapter.Create(ctx, models.UserClass, models.Record{"username": "dan"})
	require.NoError(t, err)

	_, err = execWrite(t, env, auth.ForUser(user), models.SessionClass, nil,
		models.Record{"ACL": map[string]any{}}, ClientSDK{})
	assert.True(t, apierr.Is(err, apierr.CodeInvalidKeyName))

	resp, err := execWrite(t, env, auth.ForUser(user), models.SessionClass, nil,
		models.Record{}, ClientSDK{})
	require.NoError(t, err)
	token, _ := resp.Response["sessionToken"].(string)
	assert.True(t, strings.HasPrefix(token, "r:"))

	stored, err := env.Adapter.Find(ctx, models.SessionClass,
		map[string]any{"sessionToken": token}, store.QueryOptions{Master: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	ptr, ok := models.PointerFrom(stored[0]["user"])
	require.True(t, ok)
	assert.Equal(t, user.ObjectID(), ptr.ObjectID)
	assert.Contains(t, stored[0], "expiresAt")

	acl, ok := models.ACLFrom(stored[0]["ACL"])
	require.True(t, ok)
	assert.True(t, acl[user.ObjectID()].Write)
}

func TestWrite_SessionOwnership(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	aliceID := signup(t, env, "alice", "pw-alice")
	malloryID := signup(t, env, "mallory", "pw-mallory")

	alicePtr := models.Pointer{ClassName: models.UserClass, ObjectID: aliceID}.Map()
	sessions, err := env.Adapter.Find(ctx, models.SessionClass,
		map[string]any{"user": alicePtr}, store.QueryOptions{Master: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	session := sessions[0]

	// Signup stamps an owner-only ACL onto the session.
	acl, ok := models.ACLFrom(session["ACL"])
	require.True(t, ok)
	assert.True(t, acl[aliceID].Write)
	assert.False(t, acl[models.PublicACLKey].Write)

	fetchUser := func(id string) models.Record {
		users, err := env.Adapter.Find(ctx, models.UserClass,
			map[string]any{"objectId": id}, store.QueryOptions{Master: true, Limit: 1})
		require.NoError(t, err)
		require.Len(t, users, 1)
		return users[0]
	}
	mallory := fetchUser(malloryID)
	alice := fetchUser(aliceID)

	tampered := models.Record{"expiresAt": map[string]any{
		"__type": "Date", "iso": "2000-01-01T00:00:00.000Z",
	}}

	// Another user can neither update nor destroy the session.
	_, err = execWrite(t, env, auth.ForUser(mallory), models.SessionClass,
		map[string]any{"objectId": session.ObjectID()}, tampered, ClientSDK{})
	assert.True(t, apierr.Is(err, apierr.CodeObjectNotFound))

	err = RunDestroy(ctx, env, auth.ForUser(mallory), loadSchema(t, env),
		models.SessionClass, session.ObjectID())
	assert.True(t, apierr.Is(err, apierr.CodeObjectNotFound))

	kept, err := env.Adapter.Find(ctx, models.SessionClass,
		map[string]any{"objectId": session.ObjectID()}, store.QueryOptions{Master: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, kept, 1)
	assert.Equal(t, session["expiresAt"], kept[0]["expiresAt"])

	// The owner still can.
	_, err = execWrite(t, env, auth.ForUser(alice), models.SessionClass,
		map[string]any{"objectId": session.ObjectID()}, tampered, ClientSDK{})
	require.NoError(t, err)
}

func TestWrite_PasswordPolicy(t *testing.T) {
	env := newTestEnv(t)
	env.Config.PasswordPolicy.ValidatorPattern = `\d`
	env.Config.PasswordPolicy.DoNotAllowUsername = true

	_, err := execWrite(t, env, auth.Nobody(), models.UserClass, nil,
		models.Record{"username": "eve", "password": "lettersonly"}, ClientSDK{})
	assert.True(t, apierr.Is(err, apierr.CodeValidationError))

	_, err = execWrite(t, env, auth.Nobody(), models.UserClass, nil,
		models.Record{"username": "eve", "password": "eve123"}, ClientSDK{})
	assert.True(t, apierr.Is(err, apierr.CodeValidationError))

	_, err = execWrite(t, env, auth.Nobody(), models.UserClass, nil,
		models.Record{"username": "eve", "password": "s3cure"}, ClientSDK{})
	assert.NoError(t, err)
}

func TestWrite_PasswordHistory(t *testing.T) {
	env := newTestEnv(t)
	env.Config.PasswordPolicy.MaxPasswordHistory = 2

	resp, err := execWrite(t, env, auth.Nobody(), models.UserClass, nil,
		models.Record{"username": "frank", "password": "first1"}, ClientSDK{})
	require.NoError(t, err)
	id := resp.Response.ObjectID()
	where := map[string]any{"objectId": id}

	// Reusing the current password is rejected.
	_, err = execWrite(t, env, auth.Master(), models.UserClass, where,
		models.Record{"password": "first1"}, ClientSDK{})
	assert.True(t, apierr.Is(err, apierr.CodeValidationError))

	_, err = execWrite(t, env, auth.Master(), models.UserClass, where,
		models.Record{"password": "second2"}, ClientSDK{})
	require.NoError(t, err)

	// The previous hash rolled into the history window.
	_, err = execWrite(t, env, auth.Master(), models.UserClass, where,
		models.Record{"password": "first1"}, ClientSDK{})
	assert.True(t, apierr.Is(err, apierr.CodeValidationError))
}

func TestWrite_PasswordChangeRevokesSessions(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	resp, err := execWrite(t, env, auth.Nobody(), models.UserClass, nil,
		models.Record{"username": "gina", "password": "old"}, ClientSDK{})
	require.NoError(t, err)
	id := resp.Response.ObjectID()

	userPtr := models.Pointer{ClassName: models.UserClass, ObjectID: id}.Map()
	count := func() int {
		n, err := env.Adapter.Count(ctx, models.SessionClass,
			map[string]any{"user": userPtr}, store.QueryOptions{Master: true, Limit: -1})
		require.NoError(t, err)
		return n
	}
	require.Equal(t, 1, count())

	_, err = execWrite(t, env, auth.Master(), models.UserClass, map[string]any{"objectId": id},
		models.Record{"password": "new"}, ClientSDK{})
	require.NoError(t, err)
	assert.Equal(t, 0, count())
}

func TestWrite_AnonymousAuthData(t *testing.T) {
	env := newTestEnv(t)
	authData := map[string]any{
		"anonymous": map[string]any{"id": "device-123"},
	}

	resp, err := execWrite(t, env, auth.Nobody(), models.UserClass, nil,
		models.Record{"authData": authData}, ClientSDK{})
	require.NoError(t, err)
	assert.Equal(t, 201, resp.Status)
	id := resp.Response.ObjectID()
	require.NotEmpty(t, id)
	assert.Contains(t, resp.Response, "sessionToken")

	// Presenting the same credential again is a login, not a new account.
	resp, err = execWrite(t, env, auth.Nobody(), models.UserClass, nil,
		models.Record{"authData": authData}, ClientSDK{})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, id, resp.Response.ObjectID())
	assert.Contains(t, resp.Response, "sessionToken")
}

func TestWrite_UnsupportedAuthProvider(t *testing.T) {
	env := newTestEnv(t)
	_, err := execWrite(t, env, auth.Nobody(), models.UserClass, nil,
		models.Record{"authData": map[string]any{
			"unknownNetwork": map[string]any{"id": "x"},
		}}, ClientSDK{})
	assert.True(t, apierr.Is(err, apierr.CodeUnsupportedService))
}

func TestWrite_AuthValidatorRuns(t *testing.T) {
	env := newTestEnv(t)
	env.AuthValidators = map[string]AuthValidator{
		"custom": func(ctx context.Context, payload map[string]any) error {
			if payload["token"] != "good" {
				return apierr.New(apierr.CodeValidationError, "bad token")
			}
			return nil
		},
	}

	_, err := execWrite(t, env, auth.Nobody(), models.UserClass, nil,
		models.Record{"authData": map[string]any{
			"custom": map[string]any{"id": "u1", "token": "bad"},
		}}, ClientSDK{})
	assert.True(t, apierr.Is(err, apierr.CodeValidationError))

	resp, err := execWrite(t, env, auth.Nobody(), models.UserClass, nil,
		models.Record{"authData": map[string]any{
			"custom": map[string]any{"id": "u1", "token": "good"},
		}}, ClientSDK{})
	require.NoError(t, err)
	assert.Equal(t, 201, resp.Status)
}

func TestWrite_InstallationReconciliation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := execWrite(t, env, auth.Master(), models.InstallationClass, nil,
		models.Record{"deviceType": "ios"}, ClientSDK{})
	assert.True(t, apierr.Is(err, apierr.CodeMissingRequiredField))

	resp, err := execWrite(t, env, auth.Master(), models.InstallationClass, nil,
		models.Record{"installationId": "IOS-1", "deviceType": "ios"}, ClientSDK{})
	require.NoError(t, err)
	assert.Equal(t, 201, resp.Status)
	id := resp.Response.ObjectID()

	// A create re-presenting a known installationId updates the record.
	resp, err = execWrite(t, env, auth.Master(), models.InstallationClass, nil,
		models.Record{"installationId": "ios-1", "deviceType": "ios", "badge": float64(3)}, ClientSDK{})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)

	stored, err := env.Adapter.Find(ctx, models.InstallationClass,
		map[string]any{"installationId": "ios-1"}, store.QueryOptions{Master: true, Limit: -1})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, id, stored[0].ObjectID())
	assert.Equal(t, float64(3), stored[0]["badge"])

	// Changing the installationId of an existing record is forbidden.
	_, err = execWrite(t, env, auth.Master(), models.InstallationClass,
		map[string]any{"objectId": id},
		models.Record{"installationId": "other"}, ClientSDK{})
	assert.True(t, apierr.Is(err, apierr.CodeChangedImmutableField))
}

func TestWrite_InstallationAmbiguousDeviceToken(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	for _, id := range []string{"a-1", "a-2"} {
		_, err := env.Adapter.Create(ctx, models.InstallationClass, models.Record{
			"installationId": id,
			"deviceToken":    "feed",
			"deviceType":     "ios",
		})
		require.NoError(t, err)
	}

	_, err := execWrite(t, env, auth.Master(), models.InstallationClass, nil,
		models.Record{"deviceToken": "FEED", "deviceType": "ios"}, ClientSDK{})
	assert.True(t, apierr.Is(err, apierr.CodeAmbiguousDeviceToken))
}
