package rest

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/kilupskalvis/classd/internal/apierr"
	"github.com/kilupskalvis/classd/internal/models"
	"github.com/kilupskalvis/classd/internal/store"
	"github.com/kilupskalvis/classd/internal/triggers"
)

// validateAuthData enforces the user-class credential rules: a signup
// needs either username+password or at least one auth provider, and any
// provided authData is reconciled against existing accounts.
func (w *Write) validateAuthData(ctx context.Context) error {
	if w.response != nil || w.className != models.UserClass {
		return nil
	}
	authData, hasAuth := w.data["authData"].(map[string]any)
	providers := activeProviders(authData)

	if w.isCreate() && (!hasAuth || len(providers) == 0) {
		if username, _ := w.data["username"].(string); username == "" {
			return apierr.New(apierr.CodeUsernameMissing, "bad or missing username")
		}
		if _, ok := w.data["password"]; !ok {
			return apierr.New(apierr.CodePasswordMissing, "password is required")
		}
		return nil
	}
	if !hasAuth || len(providers) == 0 {
		return nil
	}

	for _, provider := range providers {
		payload, _ := authData[provider].(map[string]any)
		if payload == nil {
			return apierr.New(apierr.CodeUnsupportedService, "This authentication method is unsupported.")
		}
		if _, ok := payload["id"]; !ok {
			return apierr.New(apierr.CodeUnsupportedService, "This authentication method is unsupported.")
		}
		if validator, ok := w.env.AuthValidators[provider]; ok {
			if err := validator(ctx, payload); err != nil {
				return err
			}
		} else if provider != "anonymous" {
			return apierr.New(apierr.CodeUnsupportedService, "This authentication method is unsupported.")
		}
	}
	return w.handleAuthData(ctx, authData, providers)
}

// handleAuthData matches the incoming providers against stored accounts.
// Zero matches lets the signup continue; one match on create turns the
// write into a login; one match on update must be the object itself;
// more than one match means the credential is already linked elsewhere.
func (w *Write) handleAuthData(ctx context.Context, authData map[string]any, providers []string) error {
	clauses := make([]any, 0, len(providers))
	for _, provider := range providers {
		payload := authData[provider].(map[string]any)
		clauses = append(clauses, map[string]any{
			"authData." + provider + ".id": payload["id"],
		})
	}
	where := map[string]any{"$or": clauses}
	if len(clauses) == 1 {
		where = clauses[0].(map[string]any)
	}
	matches, err := w.findUsersWithAuthData(ctx, where)
	if err != nil {
		return err
	}

	switch {
	case len(matches) > 1:
		return apierr.New(apierr.CodeAccountAlreadyLinked, "this auth is already used")
	case len(matches) == 1:
		user := matches[0]
		if !w.isCreate() {
			if user.ObjectID() != w.objectID() {
				return apierr.New(apierr.CodeAccountAlreadyLinked, "this auth is already used")
			}
			return nil
		}
		return w.loginWithAuthData(ctx, user, authData, providers)
	default:
		// No existing account; the pipeline continues as a signup.
		w.storage["authProvider"] = strings.Join(providers, ",")
		return nil
	}
}

// findUsersWithAuthData runs the provider lookup master-scoped, then
// discards hard-locked accounts for non-master callers.
func (w *Write) findUsersWithAuthData(ctx context.Context, where map[string]any) ([]models.Record, error) {
	matches, err := w.env.Adapter.Find(ctx, models.UserClass, where, store.QueryOptions{Master: true, Limit: -1})
	if err != nil {
		return nil, err
	}
	if w.auth.IsMaster {
		return matches, nil
	}
	kept := matches[:0]
	for _, m := range matches {
		if acl, ok := models.ACLFrom(m["ACL"]); ok && acl.IsEmpty() {
			continue
		}
		kept = append(kept, m)
	}
	return kept, nil
}

// loginWithAuthData short-circuits a create into a login against the
// matched account: the beforeLogin hook runs, any mutated provider
// payloads are persisted, and the response is the user plus a fresh
// session token.
func (w *Write) loginWithAuthData(ctx context.Context, user models.Record, authData map[string]any, providers []string) error {
	w.storage["authProvider"] = strings.Join(providers, ",")
	w.action = "login"

	req := &triggers.Request{
		Master:         w.auth.IsMaster,
		User:           w.auth.User,
		InstallationID: w.auth.InstallationID,
		Object:         user.Clone(),
		Context:        w.hookContext,
	}
	if err := w.env.Runner.RunBeforeLogin(ctx, req); err != nil {
		return err
	}

	// Persist only the providers whose payload actually changed.
	stored, _ := user["authData"].(map[string]any)
	merged := models.DeepCopyMap(stored)
	if merged == nil {
		merged = map[string]any{}
	}
	dirty := false
	for _, provider := range providers {
		if !store.DeepEquals(merged[provider], authData[provider]) {
			merged[provider] = models.DeepCopyValue(authData[provider])
			dirty = true
		}
	}
	if dirty {
		where := map[string]any{"objectId": user.ObjectID()}
		data := models.Record{"authData": merged, "updatedAt": w.updatedAt}
		if _, err := w.env.Adapter.Update(ctx, models.UserClass, where, data, store.QueryOptions{Master: true}); err != nil {
			return err
		}
		user["authData"] = merged
	}

	w.data["objectId"] = user.ObjectID()
	token, err := w.createSession(ctx)
	if err != nil {
		return err
	}

	resp := user.Clone()
	sanitizeUserRecord(resp, w.auth)
	resp["sessionToken"] = token
	w.response = &WriteResponse{
		Response: resp,
		Status:   200,
		Location: "/users/" + user.ObjectID(),
	}

	w.env.Runner.RunAfterLogin(ctx, &triggers.Request{
		Master:         w.auth.IsMaster,
		User:           resp,
		InstallationID: w.auth.InstallationID,
		Object:         user.Clone(),
		Context:        w.hookContext,
	})
	w.env.audit(ctx, "login", models.UserClass, user.ObjectID(), user.ObjectID())
	return nil
}

// transformUser hashes and polices passwords and pre-checks username and
// email uniqueness so the common conflicts fail with their specific codes
// instead of the store's opaque duplicate error.
func (w *Write) transformUser(ctx context.Context) error {
	if w.response != nil || w.className != models.UserClass {
		return nil
	}

	if username, ok := w.data["username"].(string); ok && username != "" {
		taken, err := w.userFieldTaken(ctx, "username", username)
		if err != nil {
			return err
		}
		if taken {
			return apierr.New(apierr.CodeUsernameTaken, "Account already exists for this username.")
		}
	}

	if raw, ok := w.data["password"]; ok {
		password, _ := raw.(string)
		if password == "" {
			return apierr.New(apierr.CodePasswordMissing, "password is required")
		}
		if err := w.checkPasswordPolicy(password); err != nil {
			return err
		}
		if err := w.checkPasswordHistory(ctx, password); err != nil {
			return err
		}
		hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return apierr.Wrap(err, apierr.CodeInternalServerError, "could not hash password")
		}
		delete(w.data, "password")
		w.data["_hashed_password"] = string(hashed)

		if !w.isCreate() {
			if w.env.Config.RevokeSessionOnPasswordChange {
				w.storage["clearSessions"] = true
			}
			if !w.auth.IsMaster && w.auth.UserID() == w.objectID() {
				w.storage["generateNewSession"] = true
			}
		}
	}

	if email, ok := w.data["email"].(string); ok && email != "" {
		if !strings.Contains(email, "@") {
			return apierr.New(apierr.CodeInvalidEmailAddress, "Email address format is invalid.")
		}
		taken, err := w.userFieldTaken(ctx, "email", email)
		if err != nil {
			return err
		}
		if taken {
			return apierr.New(apierr.CodeEmailTaken, "Account already exists for this email address.")
		}
		if w.env.Config.VerifyUserEmails && !w.auth.IsMaster {
			w.data["emailVerified"] = false
			w.storage["sendVerificationEmail"] = true
		}
	}
	return nil
}

// userFieldTaken reports whether another user already holds the value,
// matched case-insensitively.
func (w *Write) userFieldTaken(ctx context.Context, field, value string) (bool, error) {
	where := map[string]any{
		field: map[string]any{
			"$regex":   "^" + regexp.QuoteMeta(value) + "$",
			"$options": "i",
		},
	}
	if id := w.objectID(); id != "" {
		where["objectId"] = map[string]any{"$ne": id}
	}
	n, err := w.env.Adapter.Count(ctx, models.UserClass, where, store.QueryOptions{Master: true, Limit: -1})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (w *Write) checkPasswordPolicy(password string) error {
	policy := w.env.Config.PasswordPolicy
	if policy.ValidatorPattern != "" {
		re, err := regexp.Compile(policy.ValidatorPattern)
		if err != nil {
			return apierr.Wrap(err, apierr.CodeInternalServerError, "invalid password validator pattern")
		}
		if !re.MatchString(password) {
			return apierr.New(apierr.CodeValidationError, "Password does not meet the Password Policy requirements.")
		}
	}
	if policy.DoNotAllowUsername {
		username, _ := w.data["username"].(string)
		if username == "" && w.original != nil {
			username, _ = w.original["username"].(string)
		}
		if username != "" && strings.Contains(password, username) {
			return apierr.New(apierr.CodeValidationError, "Password cannot contain your username.")
		}
	}
	return nil
}

// checkPasswordHistory rejects reuse of recent passwords and rolls the
// history forward: the outgoing hash joins the history, trimmed to the
// policy size minus the current password.
func (w *Write) checkPasswordHistory(ctx context.Context, password string) error {
	policy := w.env.Config.PasswordPolicy
	if policy.MaxPasswordHistory <= 0 || w.isCreate() {
		return nil
	}

	current := w.original
	if current == nil {
		found, err := w.env.Adapter.Find(ctx, models.UserClass,
			map[string]any{"objectId": w.objectID()}, store.QueryOptions{Master: true, Limit: 1})
		if err != nil {
			return err
		}
		if len(found) == 0 {
			return nil
		}
		current = found[0]
	}

	var hashes []string
	if h, ok := current["_hashed_password"].(string); ok && h != "" {
		hashes = append(hashes, h)
	}
	if history, ok := current["_password_history"].([]any); ok {
		for _, h := range history {
			if s, ok := h.(string); ok {
				hashes = append(hashes, s)
			}
		}
	}
	for _, h := range hashes {
		if bcrypt.CompareHashAndPassword([]byte(h), []byte(password)) == nil {
			return apierr.New(apierr.CodeValidationError,
				"New password should not be the same as last %d passwords.", policy.MaxPasswordHistory)
		}
	}

	// History holds up to MaxPasswordHistory-1 hashes; the current hash
	// completes the window.
	keep := policy.MaxPasswordHistory - 1
	if keep > len(hashes) {
		keep = len(hashes)
	}
	if keep > 0 {
		history := make([]any, keep)
		for i := 0; i < keep; i++ {
			history[i] = hashes[i]
		}
		w.data["_password_history"] = history
	} else {
		w.data["_password_history"] = map[string]any{"__op": "Delete"}
	}
	return nil
}

// rediagnoseDuplicate turns the store's opaque duplicate-value error into
// the specific username/email conflict by re-querying. Left opaque when
// neither field turns out to collide.
func (w *Write) rediagnoseDuplicate(ctx context.Context, err error) error {
	if w.className != models.UserClass || !apierr.Is(err, apierr.CodeDuplicateValue) {
		return err
	}
	if username, ok := w.data["username"].(string); ok && username != "" {
		if taken, qerr := w.userFieldTaken(ctx, "username", username); qerr == nil && taken {
			return apierr.New(apierr.CodeUsernameTaken, "Account already exists for this username.")
		}
	}
	if email, ok := w.data["email"].(string); ok && email != "" {
		if taken, qerr := w.userFieldTaken(ctx, "email", email); qerr == nil && taken {
			return apierr.New(apierr.CodeEmailTaken, "Account already exists for this email address.")
		}
	}
	return err
}

// createSessionTokenIfNeeded gives a freshly signed-up user a session.
// Master-created users get none; an auth-data login already carries one.
func (w *Write) createSessionTokenIfNeeded(ctx context.Context) error {
	if w.className != models.UserClass || !w.isCreate() || w.response == nil {
		return nil
	}
	if _, ok := w.response.Response["sessionToken"]; ok {
		return nil
	}
	if w.auth.IsMaster {
		return nil
	}
	token, err := w.createSession(ctx)
	if err != nil {
		return err
	}
	w.response.Response["sessionToken"] = token
	return nil
}

// activeProviders returns the provider names with a non-null payload, in
// stable order.
func activeProviders(authData map[string]any) []string {
	var out []string
	for provider, payload := range authData {
		if payload != nil {
			out = append(out, provider)
		}
	}
	sort.Strings(out)
	return out
}
