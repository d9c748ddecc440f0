package rest

import (
	"context"

	"github.com/kilupskalvis/classd/internal/apierr"
	"github.com/kilupskalvis/classd/internal/auth"
	"github.com/kilupskalvis/classd/internal/models"
	"github.com/kilupskalvis/classd/internal/schema"
	"github.com/kilupskalvis/classd/internal/store"
	"github.com/kilupskalvis/classd/internal/triggers"
)

// RunDestroy deletes one record: CLP check, beforeDelete hook, store
// destroy, then the cascades and afterDelete. Deleting a user revokes
// every session it holds; deleting a session fires afterLogout.
func RunDestroy(ctx context.Context, env *Env, a *auth.Auth, sc *schema.Controller, className, objectID string) error {
	if objectID == "" {
		return apierr.New(apierr.CodeMissingObjectID, "an objectId is required for delete")
	}

	var aclGroup []string
	opts := store.QueryOptions{Master: a.IsMaster}
	if !a.IsMaster {
		group, err := a.ACLGroup(ctx, env.Adapter)
		if err != nil {
			return err
		}
		aclGroup = group
		opts.ACL = group
	}
	if err := sc.ValidatePermission(className, "delete", aclGroup, a.IsMaster); err != nil {
		return err
	}

	where := map[string]any{"objectId": objectID}

	// The hooks and cascades need the record as it was; fetch it before
	// destroying when anything downstream will look at it.
	var record models.Record
	needsRecord := className == models.UserClass ||
		className == models.SessionClass ||
		env.Runner.Registry.TriggerExists(triggers.BeforeDelete, className, env.Runner.AppID) ||
		env.Runner.Registry.TriggerExists(triggers.AfterDelete, className, env.Runner.AppID)
	if needsRecord {
		fetchOpts := opts
		fetchOpts.Limit = 1
		found, err := env.Adapter.Find(ctx, className, where, fetchOpts)
		if err != nil {
			return err
		}
		if len(found) == 0 {
			return apierr.New(apierr.CodeObjectNotFound, "Object not found for delete.")
		}
		record = found[0]
	}

	req := &triggers.Request{
		Master:         a.IsMaster,
		User:           a.User,
		InstallationID: a.InstallationID,
		Object:         record.Clone(),
	}
	if err := env.Runner.RunBeforeDelete(ctx, className, req); err != nil {
		return err
	}

	if _, err := env.Adapter.Destroy(ctx, className, where, opts); err != nil {
		return err
	}

	switch className {
	case models.UserClass:
		userPtr := models.Pointer{ClassName: models.UserClass, ObjectID: objectID}.Map()
		if _, err := env.Adapter.Destroy(ctx, models.SessionClass,
			map[string]any{"user": userPtr}, store.QueryOptions{Master: true}); err != nil {
			if !apierr.Is(err, apierr.CodeObjectNotFound) {
				return err
			}
		}
	case models.SessionClass:
		env.Runner.RunAfterLogout(ctx, &triggers.Request{
			Master:         a.IsMaster,
			User:           a.User,
			InstallationID: a.InstallationID,
			Object:         record.Clone(),
		})
	}

	env.Runner.RunAfterDelete(ctx, className, req)
	env.audit(ctx, "delete", className, objectID, a.UserID())
	return nil
}
