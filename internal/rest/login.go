package rest

import (
	"context"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/kilupskalvis/classd/internal/apierr"
	"github.com/kilupskalvis/classd/internal/auth"
	"github.com/kilupskalvis/classd/internal/models"
	"github.com/kilupskalvis/classd/internal/store"
	"github.com/kilupskalvis/classd/internal/triggers"
)

// LoginCredentials identifies an account by username or email plus its
// password.
type LoginCredentials struct {
	Username       string
	Email          string
	Password       string
	InstallationID string
}

// Login verifies credentials and returns the sanitized user record with a
// fresh session token. Failed attempts feed the lockout policy; every
// credential failure reads the same to the caller.
func Login(ctx context.Context, env *Env, creds LoginCredentials) (models.Record, error) {
	invalid := apierr.New(apierr.CodeObjectNotFound, "Invalid username/password.")
	if creds.Password == "" || (creds.Username == "" && creds.Email == "") {
		return nil, invalid
	}

	var clauses []any
	if creds.Username != "" {
		clauses = append(clauses, map[string]any{"username": creds.Username})
	}
	if creds.Email != "" {
		clauses = append(clauses, map[string]any{"email": creds.Email})
	}
	where := map[string]any{"$or": clauses}
	if len(clauses) == 1 {
		where = clauses[0].(map[string]any)
	}
	found, err := env.Adapter.Find(ctx, models.UserClass, where, store.QueryOptions{Master: true, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, invalid
	}
	user := found[0]

	// A hard-locked account (empty ACL) cannot authenticate at all.
	if acl, ok := models.ACLFrom(user["ACL"]); ok && acl.IsEmpty() {
		return nil, invalid
	}
	if err := checkLockout(env, user); err != nil {
		return nil, err
	}

	hashed, _ := user["_hashed_password"].(string)
	if hashed == "" || bcrypt.CompareHashAndPassword([]byte(hashed), []byte(creds.Password)) != nil {
		if err := recordFailedLogin(ctx, env, user); err != nil {
			env.Logger.Warn("could not record failed login",
				"user_id", user.ObjectID(), "error", err)
		}
		return nil, invalid
	}
	if err := clearFailedLogins(ctx, env, user); err != nil {
		env.Logger.Warn("could not clear failed login count",
			"user_id", user.ObjectID(), "error", err)
	}

	req := &triggers.Request{
		InstallationID: creds.InstallationID,
		Object:         user.Clone(),
	}
	if err := env.Runner.RunBeforeLogin(ctx, req); err != nil {
		return nil, err
	}

	sc, err := env.LoadSchema(ctx)
	if err != nil {
		return nil, err
	}
	w, err := NewWrite(env, auth.Master(), sc, models.SessionClass, nil, models.Record{
		"user":        models.Pointer{ClassName: models.UserClass, ObjectID: user.ObjectID()}.Map(),
		"createdWith": map[string]any{"action": "login", "authProvider": "password"},
	}, nil, ClientSDK{}, "login")
	if err != nil {
		return nil, err
	}
	if creds.InstallationID != "" {
		w.data["installationId"] = creds.InstallationID
	}
	resp, err := w.Execute(ctx)
	if err != nil {
		return nil, err
	}

	result := user.Clone()
	sanitizeUserRecord(result, auth.Master())
	delete(result, "sessionToken")
	delete(result, "authData")
	result["sessionToken"] = resp.Response["sessionToken"]

	env.Runner.RunAfterLogin(ctx, &triggers.Request{
		User:           result,
		InstallationID: creds.InstallationID,
		Object:         user.Clone(),
	})
	env.audit(ctx, "login", models.UserClass, user.ObjectID(), user.ObjectID())
	return result, nil
}

// Logout destroys the session behind a token and fires afterLogout.
// Unknown tokens are an invalid-session error.
func Logout(ctx context.Context, env *Env, sessionToken string) error {
	if sessionToken == "" {
		return apierr.New(apierr.CodeInvalidSessionToken, "Invalid session token")
	}
	where := map[string]any{"sessionToken": sessionToken}
	found, err := env.Adapter.Find(ctx, models.SessionClass, where, store.QueryOptions{Master: true, Limit: 1})
	if err != nil {
		return err
	}
	if len(found) == 0 {
		return apierr.New(apierr.CodeInvalidSessionToken, "Invalid session token")
	}
	session := found[0]
	if _, err := env.Adapter.Destroy(ctx, models.SessionClass,
		map[string]any{"objectId": session.ObjectID()}, store.QueryOptions{Master: true}); err != nil {
		return err
	}
	env.Runner.RunAfterLogout(ctx, &triggers.Request{Object: session.Clone()})
	env.audit(ctx, "logout", models.SessionClass, session.ObjectID(), "")
	return nil
}

// checkLockout rejects the attempt while a lockout window is open.
func checkLockout(env *Env, user models.Record) error {
	policy := env.Config.AccountLockout
	if policy.Threshold <= 0 {
		return nil
	}
	expiresAt, ok := dateValue(user["_account_lockout_expires_at"])
	if !ok || !expiresAt.After(time.Now().UTC()) {
		return nil
	}
	if intFrom(user["_failed_login_count"]) < policy.Threshold {
		return nil
	}
	return apierr.New(apierr.CodeObjectNotFound,
		"Your account is locked due to multiple failed login attempts. Please try again after %d minute(s)",
		policy.DurationSeconds/60)
}

// recordFailedLogin bumps the failure counter and opens the lockout
// window once the threshold is crossed.
func recordFailedLogin(ctx context.Context, env *Env, user models.Record) error {
	policy := env.Config.AccountLockout
	if policy.Threshold <= 0 {
		return nil
	}
	count := intFrom(user["_failed_login_count"]) + 1
	data := models.Record{"_failed_login_count": count}
	if count >= policy.Threshold {
		data["_account_lockout_expires_at"] = map[string]any{
			"__type": "Date",
			"iso": time.Now().UTC().
				Add(time.Duration(policy.DurationSeconds) * time.Second).
				Format(isoFormat),
		}
	}
	_, err := env.Adapter.Update(ctx, models.UserClass,
		map[string]any{"objectId": user.ObjectID()}, data, store.QueryOptions{Master: true})
	return err
}

func clearFailedLogins(ctx context.Context, env *Env, user models.Record) error {
	if env.Config.AccountLockout.Threshold <= 0 {
		return nil
	}
	if intFrom(user["_failed_login_count"]) == 0 {
		return nil
	}
	data := models.Record{
		"_failed_login_count":         map[string]any{"__op": "Delete"},
		"_account_lockout_expires_at": map[string]any{"__op": "Delete"},
	}
	_, err := env.Adapter.Update(ctx, models.UserClass,
		map[string]any{"objectId": user.ObjectID()}, data, store.QueryOptions{Master: true})
	return err
}

func dateValue(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		ts, err := time.Parse(time.RFC3339, t)
		return ts, err == nil
	case map[string]any:
		iso, _ := t["iso"].(string)
		ts, err := time.Parse(time.RFC3339, iso)
		return ts, err == nil
	default:
		return time.Time{}, false
	}
}

func intFrom(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	default:
		return 0
	}
}
