package rest

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kilupskalvis/classd/internal/apierr"
	"github.com/kilupskalvis/classd/internal/auth"
	"github.com/kilupskalvis/classd/internal/models"
	"github.com/kilupskalvis/classd/internal/schema"
	"github.com/kilupskalvis/classd/internal/store"
	"github.com/kilupskalvis/classd/internal/triggers"
)

// WriteResponse is the outcome of a completed write pipeline.
type WriteResponse struct {
	Response models.Record
	Status   int
	Location string
}

// Write validates, enriches, persists, and reacts to one create-or-update
// operation. Stages run in a fixed order; any stage may set the response,
// which short-circuits every later stage up to the response-dependent
// ones (afterSave, response cleanup).
type Write struct {
	env       *Env
	auth      *auth.Auth
	schema    *schema.Controller
	className string
	query     map[string]any // nil means create
	data      models.Record
	original  models.Record // pre-write snapshot for update diffing
	clientSDK ClientSDK
	action    string // "", "signup", "login"

	// storage holds pipeline-local flags (clearSessions, generateNewSession,
	// sendVerificationEmail, authProvider).
	storage map[string]any
	// hookContext is shared verbatim between beforeSave and afterSave.
	hookContext map[string]any
	// changedFields records values set by defaults or the beforeSave hook
	// so the final response always reports what was actually stored.
	changedFields models.Record

	runOptions store.QueryOptions
	aclGroup   []string
	updatedAt  string

	response *WriteResponse
}

// NewWrite builds a write pipeline. query selects the record to update;
// nil means create. originalData is the caller's pre-write snapshot.
func NewWrite(env *Env, a *auth.Auth, sc *schema.Controller, className string, query map[string]any, data models.Record, originalData models.Record, clientSDK ClientSDK, action string) (*Write, error) {
	if query == nil {
		if _, ok := data["objectId"]; ok {
			return nil, apierr.New(apierr.CodeInvalidKeyName, "objectId is an invalid field name.")
		}
		if _, ok := data["id"]; ok {
			return nil, apierr.New(apierr.CodeInvalidKeyName, "id is an invalid field name.")
		}
	}
	return &Write{
		env:           env,
		auth:          a,
		schema:        sc,
		className:     className,
		query:         models.DeepCopyMap(query),
		data:          data.Clone(),
		original:      originalData,
		clientSDK:     clientSDK,
		action:        action,
		storage:       map[string]any{},
		hookContext:   map[string]any{},
		changedFields: models.Record{},
		updatedAt:     nowISO(),
	}, nil
}

// Execute runs the write state machine and returns the response.
func (w *Write) Execute(ctx context.Context) (*WriteResponse, error) {
	stages := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"getUserAndRoleACL", w.getUserAndRoleACL},
		{"validateClassCreation", w.validateClassCreation},
		{"handleSession", w.handleSession},
		{"handleInstallation", w.handleInstallation},
		{"validateAuthData", w.validateAuthData},
		{"beforeSave", w.runBeforeSaveTrigger},
		{"deleteEmailResetTokenIfNeeded", w.deleteEmailResetTokenIfNeeded},
		{"validateSchema", w.validateSchema},
		{"setRequiredFieldsIfNeeded", w.setRequiredFieldsIfNeeded},
		{"transformUser", w.transformUser},
		{"expandFilesForShortCircuitedResponse", w.expandFilesForShortCircuitedResponse},
		{"destroyDuplicateSessions", w.destroyDuplicateSessions},
		{"runDatabaseOperation", w.runDatabaseOperation},
		{"createSessionTokenIfNeeded", w.createSessionTokenIfNeeded},
		{"handleFollowup", w.handleFollowup},
		{"afterSave", w.runAfterSaveTrigger},
		{"cleanUserAuthData", w.cleanUserAuthData},
	}
	for _, s := range stages {
		if err := w.env.Tracer.Span(ctx, "write."+s.name, s.fn); err != nil {
			return nil, err
		}
	}
	if w.response == nil {
		return nil, apierr.New(apierr.CodeInternalServerError, "write pipeline produced no response")
	}
	return w.response, nil
}

func (w *Write) isCreate() bool { return w.query == nil }

func (w *Write) getUserAndRoleACL(ctx context.Context) error {
	if w.auth.IsMaster {
		w.runOptions.Master = true
		return nil
	}
	group, err := w.auth.ACLGroup(ctx, w.env.Adapter)
	if err != nil {
		return err
	}
	w.aclGroup = group
	w.runOptions.ACL = group
	return nil
}

func (w *Write) validateClassCreation(context.Context) error {
	if err := w.schema.EnforceClassCreation(w.className, w.auth.IsMaster); err != nil {
		return err
	}
	op := "create"
	if !w.isCreate() {
		op = "update"
	}
	return w.schema.ValidatePermission(w.className, op, w.aclGroup, w.auth.IsMaster)
}

// handleSession applies the session special case: non-master callers can
// only create sessions for themselves, and a fresh token and expiry are
// filled in when absent.
func (w *Write) handleSession(context.Context) error {
	if w.response != nil || w.className != models.SessionClass {
		return nil
	}
	if !w.auth.IsMaster {
		if w.auth.User == nil {
			return apierr.New(apierr.CodeInvalidSessionToken, "Session token required.")
		}
		if _, ok := w.data["ACL"]; ok {
			return apierr.New(apierr.CodeInvalidKeyName, "Cannot set ACL on a Session.")
		}
	}
	if w.isCreate() {
		if _, ok := w.data["user"]; !ok {
			if w.auth.User == nil {
				return apierr.New(apierr.CodeInvalidSessionToken, "Session token required.")
			}
			w.data["user"] = models.Pointer{ClassName: models.UserClass, ObjectID: w.auth.UserID()}.Map()
		}
		if _, ok := w.data["sessionToken"]; !ok {
			w.data["sessionToken"] = auth.NewSessionToken()
		}
		if _, ok := w.data["expiresAt"]; !ok {
			w.data["expiresAt"] = w.sessionExpiry()
		}
		if _, ok := w.data["createdWith"]; !ok {
			w.data["createdWith"] = map[string]any{"action": "create"}
		}
		if w.auth.InstallationID != "" {
			w.data["installationId"] = w.auth.InstallationID
		}
		// Sessions are readable and writable by their owner only; without
		// this a nil ACL would leave them world-writable.
		if _, ok := w.data["ACL"]; !ok {
			if owner := sessionOwnerID(w.data); owner != "" {
				w.data["ACL"] = models.ACL{owner: {Read: true, Write: true}}.Map()
			}
		}
	}
	return nil
}

// sessionOwnerID extracts the user id from a session's user pointer.
func sessionOwnerID(session models.Record) string {
	ptr, ok := session["user"].(map[string]any)
	if !ok {
		return ""
	}
	id, _ := ptr["objectId"].(string)
	return id
}

// runBeforeSaveTrigger invokes the beforeSave hook. A returned object is
// diffed against the incoming payload; the delta both mutates the write
// and is recorded so the response echoes it.
func (w *Write) runBeforeSaveTrigger(ctx context.Context) error {
	if w.response != nil {
		return nil
	}
	if !w.env.Runner.Registry.TriggerExists(triggers.BeforeSave, w.className, w.env.Runner.AppID) {
		return nil
	}

	object := w.buildTriggerObject()
	req := &triggers.Request{
		Master:         w.auth.IsMaster,
		User:           w.auth.User,
		InstallationID: w.auth.InstallationID,
		Object:         object,
		Original:       w.original,
		Context:        w.hookContext,
	}
	replacement, err := w.env.Runner.RunBeforeSave(ctx, w.className, req)
	if err != nil {
		return err
	}
	if replacement == nil {
		return nil
	}
	for field, value := range replacement {
		if field == "objectId" || field == "createdAt" || field == "updatedAt" {
			continue
		}
		if !valueEqual(object[field], value) {
			w.data[field] = models.DeepCopyValue(value)
			w.changedFields[field] = models.DeepCopyValue(value)
		}
	}
	// Fields the hook removed become delete operations.
	for field := range object {
		if field == "objectId" || field == "createdAt" || field == "updatedAt" {
			continue
		}
		if _, kept := replacement[field]; !kept {
			if _, incoming := w.data[field]; incoming {
				w.data[field] = map[string]any{"__op": "Delete"}
				w.changedFields[field] = map[string]any{"__op": "Delete"}
			}
		}
	}
	return nil
}

// buildTriggerObject merges the original snapshot with the incoming data
// to present the would-be post-write object to hooks.
func (w *Write) buildTriggerObject() models.Record {
	object := w.original.Clone()
	if object == nil {
		object = models.Record{}
	}
	for field, value := range w.data {
		if models.IsDeleteSentinel(value) {
			delete(object, field)
			continue
		}
		object[field] = models.DeepCopyValue(value)
	}
	if !w.isCreate() {
		if id, ok := w.query["objectId"].(string); ok {
			object["objectId"] = id
		}
	}
	return object
}

// deleteEmailResetTokenIfNeeded clears any outstanding password-reset
// token when a user's password changes.
func (w *Write) deleteEmailResetTokenIfNeeded(context.Context) error {
	if w.response != nil || w.className != models.UserClass || w.isCreate() {
		return nil
	}
	if _, ok := w.data["password"]; ok {
		w.data["_perishable_token"] = map[string]any{"__op": "Delete"}
		w.data["_perishable_token_expires_at"] = map[string]any{"__op": "Delete"}
	}
	return nil
}

func (w *Write) validateSchema(ctx context.Context) error {
	if w.response != nil {
		return nil
	}
	return w.schema.EnforceFields(ctx, w.className, w.data, w.aclGroup, w.auth.IsMaster)
}

// setRequiredFieldsIfNeeded applies timestamps, generates the objectId,
// fills schema defaults, and enforces required fields on create. Applied
// defaults are recorded as trigger-changed so the response reports the
// stored value.
func (w *Write) setRequiredFieldsIfNeeded(context.Context) error {
	if w.response != nil {
		return nil
	}
	w.data["updatedAt"] = w.updatedAt

	s := w.schema.GetOneSchema(w.className)
	if w.isCreate() {
		w.data["createdAt"] = w.updatedAt
		if w.data.ObjectID() == "" {
			w.data["objectId"] = newObjectID()
		}
		if s != nil {
			for field, def := range s.Fields {
				value, present := w.data[field]
				missing := !present || value == nil || models.IsDeleteSentinel(value)
				if missing && def.DefaultValue != nil {
					w.data[field] = models.DeepCopyValue(def.DefaultValue)
					w.changedFields[field] = models.DeepCopyValue(def.DefaultValue)
					continue
				}
				if missing && def.Required {
					return apierr.New(apierr.CodeValidationError, "%s is required", field)
				}
			}
		}
		return nil
	}

	// Updates may not blank out a required field.
	if s != nil {
		for field, def := range s.Fields {
			if !def.Required {
				continue
			}
			if value, present := w.data[field]; present && (value == nil || models.IsDeleteSentinel(value)) {
				return apierr.New(apierr.CodeValidationError, "%s is required", field)
			}
		}
	}
	return nil
}

// expandFilesForShortCircuitedResponse keeps file values in an
// already-set response fully expanded. File storage is delegated to an
// external collaborator, so only the wire shape is touched here.
func (w *Write) expandFilesForShortCircuitedResponse(context.Context) error {
	if w.response == nil || w.response.Response == nil {
		return nil
	}
	for field, value := range w.response.Response {
		if m, ok := value.(map[string]any); ok {
			if t, _ := m["__type"].(string); t == "File" {
				w.response.Response[field] = models.DeepCopyValue(m)
			}
		}
	}
	return nil
}

// destroyDuplicateSessions removes other sessions of the same user and
// installation before a new session is created.
func (w *Write) destroyDuplicateSessions(ctx context.Context) error {
	if w.response != nil || w.className != models.SessionClass || !w.isCreate() {
		return nil
	}
	user, ok := w.data["user"].(map[string]any)
	if !ok {
		return nil
	}
	installationID, _ := w.data["installationId"].(string)
	if installationID == "" {
		return nil
	}
	where := map[string]any{
		"user":           user,
		"installationId": installationID,
	}
	if _, err := w.env.Adapter.Destroy(ctx, models.SessionClass, where, store.QueryOptions{Master: true}); err != nil {
		if !apierr.Is(err, apierr.CodeObjectNotFound) {
			return err
		}
	}
	return nil
}

// runDatabaseOperation persists the write. Opaque duplicate-key failures
// on the user class are re-diagnosed into username/email errors.
func (w *Write) runDatabaseOperation(ctx context.Context) error {
	if w.response != nil {
		return nil
	}

	if !w.isCreate() {
		updated, err := w.env.Adapter.Update(ctx, w.className, w.query, w.data, w.runOptions)
		if err != nil {
			return w.rediagnoseDuplicate(ctx, err)
		}
		resp := models.Record{"updatedAt": w.updatedAt}
		w.mergeChangedFields(resp, updated)
		w.response = &WriteResponse{Response: resp, Status: 200}
		w.env.audit(ctx, "update", w.className, updated.ObjectID(), w.auth.UserID())
		return nil
	}

	// Field operations on a create resolve against an empty record, so a
	// sentinel or an Increment is never persisted as a literal map.
	resolved := models.Record{}
	if err := store.ApplyOps(resolved, w.data); err != nil {
		return err
	}
	w.data = resolved

	if w.className == models.UserClass {
		w.applyDefaultUserACL()
	}

	created, err := w.env.Adapter.Create(ctx, w.className, w.data)
	if err != nil {
		return w.rediagnoseDuplicate(ctx, err)
	}
	resp := models.Record{
		"objectId":  created.ObjectID(),
		"createdAt": w.updatedAt,
	}
	if w.className == models.SessionClass {
		resp["sessionToken"] = created["sessionToken"]
	}
	w.mergeChangedFields(resp, created)
	w.response = &WriteResponse{
		Response: resp,
		Status:   201,
		Location: "/classes/" + w.className + "/" + created.ObjectID(),
	}
	w.env.audit(ctx, "create", w.className, created.ObjectID(), w.auth.UserID())
	return nil
}

// applyDefaultUserACL gives a fresh user the canonical ACL: public read,
// owner read/write.
func (w *Write) applyDefaultUserACL() {
	if _, ok := w.data["ACL"]; ok {
		return
	}
	if w.data.ObjectID() == "" {
		w.data["objectId"] = newObjectID()
	}
	w.data["ACL"] = models.ACL{
		models.PublicACLKey: {Read: true},
		w.data.ObjectID():   {Read: true, Write: true},
	}.Map()
}

// mergeChangedFields folds hook/default-changed values into the response,
// so it reflects what was stored even when the store acknowledgement
// omits a field. Delete sentinels are only echoed to clients that
// declared support for them.
func (w *Write) mergeChangedFields(resp models.Record, stored models.Record) {
	for field, value := range w.changedFields {
		if models.IsDeleteSentinel(value) {
			if w.clientSDK.ForwardsDeleteSentinels {
				resp[field] = value
			}
			continue
		}
		if storedValue, ok := stored[field]; ok {
			resp[field] = models.DeepCopyValue(storedValue)
		} else {
			resp[field] = models.DeepCopyValue(value)
		}
	}
}

// handleFollowup runs the deferred side effects flagged earlier in the
// pipeline: session revocation, session regeneration, verification mail.
func (w *Write) handleFollowup(ctx context.Context) error {
	if truthyFlag(w.storage, "clearSessions") {
		userPtr := models.Pointer{ClassName: models.UserClass, ObjectID: w.objectID()}.Map()
		if _, err := w.env.Adapter.Destroy(ctx, models.SessionClass,
			map[string]any{"user": userPtr}, store.QueryOptions{Master: true}); err != nil {
			if !apierr.Is(err, apierr.CodeObjectNotFound) {
				return err
			}
		}
		delete(w.storage, "clearSessions")
	}

	if truthyFlag(w.storage, "generateNewSession") {
		delete(w.storage, "generateNewSession")
		token, err := w.createSession(ctx)
		if err != nil {
			return err
		}
		if w.response != nil && w.response.Response != nil {
			w.response.Response["sessionToken"] = token
		}
	}

	if truthyFlag(w.storage, "sendVerificationEmail") {
		delete(w.storage, "sendVerificationEmail")
		// Mail delivery is an external collaborator; record the intent.
		w.env.Logger.Info("verification email requested",
			"class", w.className, "object_id", w.objectID())
	}
	return nil
}

// runAfterSaveTrigger fires the afterSave hook once a write succeeded.
// Failures are logged, never surfaced; a returned object replaces the
// outward response.
func (w *Write) runAfterSaveTrigger(ctx context.Context) error {
	if w.response == nil {
		return nil
	}
	if !w.env.Runner.Registry.TriggerExists(triggers.AfterSave, w.className, w.env.Runner.AppID) {
		return nil
	}

	object := w.buildTriggerObject()
	for field, value := range w.response.Response {
		object[field] = models.DeepCopyValue(value)
	}
	req := &triggers.Request{
		Master:         w.auth.IsMaster,
		User:           w.auth.User,
		InstallationID: w.auth.InstallationID,
		Object:         object,
		Original:       w.original,
		Context:        w.hookContext,
	}
	if replaced := w.env.Runner.RunAfterSave(ctx, w.className, req); replaced != nil {
		w.response.Response = replaced
	}
	return nil
}

// cleanUserAuthData strips nulled auth providers and internal password
// fields from the outward response.
func (w *Write) cleanUserAuthData(context.Context) error {
	if w.response == nil || w.response.Response == nil || w.className != models.UserClass {
		return nil
	}
	resp := w.response.Response
	delete(resp, "password")
	delete(resp, "_hashed_password")
	delete(resp, "_password_history")
	if authData, ok := resp["authData"].(map[string]any); ok {
		for provider, payload := range authData {
			if payload == nil {
				delete(authData, provider)
			}
		}
		if len(authData) == 0 {
			delete(resp, "authData")
		}
	}
	return nil
}

// objectID resolves the id of the record being written.
func (w *Write) objectID() string {
	if !w.isCreate() {
		if id, ok := w.query["objectId"].(string); ok {
			return id
		}
	}
	return w.data.ObjectID()
}

func (w *Write) sessionExpiry() map[string]any {
	length := w.env.Config.SessionLengthSeconds
	if length <= 0 {
		length = 31536000
	}
	return map[string]any{
		"__type": "Date",
		"iso":    time.Now().UTC().Add(time.Duration(length) * time.Second).Format(isoFormat),
	}
}

// createSession persists a new restricted session for the written user
// and returns its token.
func (w *Write) createSession(ctx context.Context) (string, error) {
	token := auth.NewSessionToken()
	session := models.Record{
		"sessionToken": token,
		"user":         models.Pointer{ClassName: models.UserClass, ObjectID: w.objectID()}.Map(),
		"createdWith":  w.sessionCreatedWith(),
		"expiresAt":    w.sessionExpiry(),
		"ACL":          models.ACL{w.objectID(): {Read: true, Write: true}}.Map(),
		"createdAt":    nowISO(),
		"updatedAt":    nowISO(),
	}
	if w.auth.InstallationID != "" {
		session["installationId"] = w.auth.InstallationID
	}
	if _, err := w.env.Adapter.Create(ctx, models.SessionClass, session); err != nil {
		return "", err
	}
	return token, nil
}

func (w *Write) sessionCreatedWith() map[string]any {
	action := "signup"
	if w.action == "login" {
		action = "login"
	}
	authProvider := "password"
	if p, ok := w.storage["authProvider"].(string); ok && p != "" {
		authProvider = p
	}
	return map[string]any{"action": action, "authProvider": authProvider}
}

const isoFormat = "2006-01-02T15:04:05.000Z"

func nowISO() string {
	return time.Now().UTC().Format(isoFormat)
}

func newObjectID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}

func truthyFlag(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func valueEqual(a, b any) bool {
	return store.DeepEquals(a, b)
}
