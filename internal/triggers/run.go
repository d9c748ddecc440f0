package triggers

import (
	"context"
	"log/slog"

	"github.com/kilupskalvis/classd/internal/apierr"
	"github.com/kilupskalvis/classd/internal/models"
)

// Runner invokes registered handlers for one tenant with the per-kind
// resolution semantics: beforeSave may replace the payload, afterFind must
// yield results, after-hooks are observed but never fail the request.
type Runner struct {
	Registry *Registry
	AppID    string
	Logger   *slog.Logger
}

// wrapScriptFailed normalizes a handler error: typed API errors pass
// through, anything else becomes a script-failed error carrying the
// handler's message.
func wrapScriptFailed(err error) error {
	if err == nil {
		return nil
	}
	if ae := apierr.As(err); ae != nil {
		return ae
	}
	return apierr.Wrap(err, apierr.CodeScriptFailed, "%s", err.Error())
}

// RunBeforeSave invokes the beforeSave trigger for a class. It returns a
// replacement payload when the handler produced one, or nil for no
// mutation. Handler errors abort the write.
func (r *Runner) RunBeforeSave(ctx context.Context, className string, req *Request) (models.Record, error) {
	h, ok := r.Registry.GetTrigger(BeforeSave, className, r.AppID)
	if !ok {
		return nil, nil
	}
	req.TriggerName = string(BeforeSave)
	result, err := h(ctx, req)
	if err != nil {
		return nil, wrapScriptFailed(err)
	}
	return asRecord(result), nil
}

// RunAfterSave invokes the afterSave trigger. The primary write has
// already succeeded, so failures are logged and swallowed. A returned
// object replaces the outward response.
func (r *Runner) RunAfterSave(ctx context.Context, className string, req *Request) models.Record {
	h, ok := r.Registry.GetTrigger(AfterSave, className, r.AppID)
	if !ok {
		return nil
	}
	req.TriggerName = string(AfterSave)
	result, err := h(ctx, req)
	if err != nil {
		r.Logger.Warn("afterSave trigger failed",
			"class", className, "app_id", r.AppID, "error", err)
		return nil
	}
	return asRecord(result)
}

// RunBeforeDelete invokes the beforeDelete trigger; errors abort the delete.
func (r *Runner) RunBeforeDelete(ctx context.Context, className string, req *Request) error {
	h, ok := r.Registry.GetTrigger(BeforeDelete, className, r.AppID)
	if !ok {
		return nil
	}
	req.TriggerName = string(BeforeDelete)
	if _, err := h(ctx, req); err != nil {
		return wrapScriptFailed(err)
	}
	return nil
}

// RunAfterDelete invokes the afterDelete trigger; failures are logged and
// swallowed because the delete already happened.
func (r *Runner) RunAfterDelete(ctx context.Context, className string, req *Request) {
	h, ok := r.Registry.GetTrigger(AfterDelete, className, r.AppID)
	if !ok {
		return
	}
	req.TriggerName = string(AfterDelete)
	if _, err := h(ctx, req); err != nil {
		r.Logger.Warn("afterDelete trigger failed",
			"class", className, "app_id", r.AppID, "error", err)
	}
}

// RunBeforeFind invokes the beforeFind trigger. The handler may replace
// the where tree by returning a map.
func (r *Runner) RunBeforeFind(ctx context.Context, className string, req *Request) (map[string]any, error) {
	h, ok := r.Registry.GetTrigger(BeforeFind, className, r.AppID)
	if !ok {
		return req.Query, nil
	}
	req.TriggerName = string(BeforeFind)
	result, err := h(ctx, req)
	if err != nil {
		return nil, wrapScriptFailed(err)
	}
	if m, ok := result.(map[string]any); ok {
		return m, nil
	}
	return req.Query, nil
}

// RunAfterFind invokes the afterFind trigger. The handler must resolve to
// a non-empty result slice; resolving to nothing, including an empty
// array, is a script failure.
func (r *Runner) RunAfterFind(ctx context.Context, className string, req *Request) ([]models.Record, error) {
	h, ok := r.Registry.GetTrigger(AfterFind, className, r.AppID)
	if !ok {
		return req.Results, nil
	}
	req.TriggerName = string(AfterFind)
	result, err := h(ctx, req)
	if err != nil {
		return nil, wrapScriptFailed(err)
	}
	replaced := asRecords(result)
	if len(replaced) == 0 {
		return nil, apierr.New(apierr.CodeScriptFailed,
			"AfterFind expect results to be returned in the promise")
	}
	return replaced, nil
}

// RunBeforeLogin invokes the beforeLogin trigger; errors abort the login.
func (r *Runner) RunBeforeLogin(ctx context.Context, req *Request) error {
	h, ok := r.Registry.GetTrigger(BeforeLogin, models.UserClass, r.AppID)
	if !ok {
		return nil
	}
	req.TriggerName = string(BeforeLogin)
	if _, err := h(ctx, req); err != nil {
		return wrapScriptFailed(err)
	}
	return nil
}

// RunAfterLogin invokes the afterLogin trigger; failures are logged only.
func (r *Runner) RunAfterLogin(ctx context.Context, req *Request) {
	h, ok := r.Registry.GetTrigger(AfterLogin, models.UserClass, r.AppID)
	if !ok {
		return
	}
	req.TriggerName = string(AfterLogin)
	if _, err := h(ctx, req); err != nil {
		r.Logger.Warn("afterLogin trigger failed", "app_id", r.AppID, "error", err)
	}
}

// RunAfterLogout invokes the afterLogout trigger on the destroyed
// session; failures are logged only.
func (r *Runner) RunAfterLogout(ctx context.Context, req *Request) {
	h, ok := r.Registry.GetTrigger(AfterLogout, models.SessionClass, r.AppID)
	if !ok {
		return
	}
	req.TriggerName = string(AfterLogout)
	if _, err := h(ctx, req); err != nil {
		r.Logger.Warn("afterLogout trigger failed", "app_id", r.AppID, "error", err)
	}
}

// RunFunction invokes a registered cloud function, running its validator
// first when present.
func (r *Runner) RunFunction(ctx context.Context, req *FunctionRequest) (any, error) {
	fn, ok := r.Registry.GetFunction(req.FunctionName, r.AppID)
	if !ok {
		return nil, apierr.New(apierr.CodeScriptFailed,
			"Invalid function: \"%s\"", req.FunctionName)
	}
	if v, ok := r.Registry.GetValidator(req.FunctionName, r.AppID); ok {
		if err := v(ctx, req); err != nil {
			return nil, apierr.Wrap(err, apierr.CodeValidationError, "%s", err.Error())
		}
	}
	result, err := fn(ctx, req)
	if err != nil {
		return nil, wrapScriptFailed(err)
	}
	return result, nil
}

// NotifyLiveQuery dispatches an event to every live-query listener.
func (r *Runner) NotifyLiveQuery(event map[string]any) {
	for _, h := range r.Registry.LiveQueryHandlers(r.AppID) {
		h(event)
	}
}

func asRecord(v any) models.Record {
	switch t := v.(type) {
	case nil:
		return nil
	case models.Record:
		return t
	case map[string]any:
		return models.Record(t)
	default:
		return nil
	}
}

func asRecords(v any) []models.Record {
	switch t := v.(type) {
	case []models.Record:
		return t
	case []any:
		out := make([]models.Record, 0, len(t))
		for _, e := range t {
			if r := asRecord(e); r != nil {
				out = append(out, r)
			}
		}
		return out
	default:
		return nil
	}
}
