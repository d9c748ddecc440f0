// Package triggers implements the per-tenant registry of lifecycle
// triggers, cloud functions, validators, jobs, and live-query listeners,
// plus the request/response marshaling used to invoke them.
package triggers

import (
	"context"
	"sync"

	"github.com/kilupskalvis/classd/internal/apierr"
	"github.com/kilupskalvis/classd/internal/models"
)

// Type names a lifecycle trigger kind.
type Type string

const (
	BeforeSave   Type = "beforeSave"
	AfterSave    Type = "afterSave"
	BeforeDelete Type = "beforeDelete"
	AfterDelete  Type = "afterDelete"
	BeforeFind   Type = "beforeFind"
	AfterFind    Type = "afterFind"
	BeforeLogin  Type = "beforeLogin"
	AfterLogin   Type = "afterLogin"
	AfterLogout  Type = "afterLogout"
)

// Request is the payload handed to a trigger handler.
type Request struct {
	TriggerName    string
	Master         bool
	User           models.Record
	InstallationID string
	IP             string
	Headers        map[string]string

	// Object is the record being written (save/delete/login kinds).
	Object models.Record
	// Original is the pre-write snapshot on updates.
	Original models.Record
	// Query is the where tree (beforeFind only).
	Query map[string]any
	// Results is the result set (afterFind only).
	Results []models.Record

	// Context is shared verbatim between the beforeSave and afterSave
	// invocations of one operation.
	Context map[string]any
}

// Handler is a lifecycle trigger. The returned value's meaning depends on
// the kind: beforeSave may return a replacement payload, afterFind must
// return the (possibly replaced) result slice, afterSave's returned
// object replaces the outward response.
type Handler func(ctx context.Context, req *Request) (any, error)

// FunctionRequest is the payload of a cloud function or job invocation.
type FunctionRequest struct {
	FunctionName   string
	Params         map[string]any
	Master         bool
	User           models.Record
	InstallationID string
	IP             string
	Headers        map[string]string
}

// Function is a callable cloud function.
type Function func(ctx context.Context, req *FunctionRequest) (any, error)

// Validator runs before its paired function and may reject the request.
type Validator func(ctx context.Context, req *FunctionRequest) error

// Job is a named background job handler.
type Job func(ctx context.Context, req *FunctionRequest) error

// LiveQueryHandler observes live-query lifecycle events.
type LiveQueryHandler func(event map[string]any)

// tenant holds one application's registrations.
type tenant struct {
	functions  map[string]Function
	validators map[string]Validator
	jobs       map[string]Job
	triggers   map[Type]map[string]Handler // type -> className -> handler
	liveQuery  []LiveQueryHandler
}

func newTenant() *tenant {
	return &tenant{
		functions:  make(map[string]Function),
		validators: make(map[string]Validator),
		jobs:       make(map[string]Job),
		triggers:   make(map[Type]map[string]Handler),
	}
}

// Registry is the process-wide trigger registry, scoped by applicationId.
// Registration happens at process start; lookups happen on every pipeline
// run and never mutate the registry.
type Registry struct {
	mu      sync.RWMutex
	tenants map[string]*tenant
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tenants: make(map[string]*tenant)}
}

func (r *Registry) tenantFor(appID string) *tenant {
	t, ok := r.tenants[appID]
	if !ok {
		t = newTenant()
		r.tenants[appID] = t
	}
	return t
}

// AddTrigger registers a lifecycle trigger for a class. Disallowed
// combinations are rejected: no triggers on the session class, only
// afterSave on the push-status class, and login triggers only on the
// user class.
func (r *Registry) AddTrigger(typ Type, className string, handler Handler, appID string) error {
	if className == models.SessionClass && typ != AfterLogout {
		return apierr.New(apierr.CodeInvalidClassName,
			"Triggers are not supported for %s class.", models.SessionClass)
	}
	if className == models.PushStatusClass && typ != AfterSave {
		return apierr.New(apierr.CodeInvalidClassName,
			"Only afterSave is allowed on %s", models.PushStatusClass)
	}
	if (typ == BeforeLogin || typ == AfterLogin) && className != models.UserClass {
		return apierr.New(apierr.CodeInvalidClassName,
			"Only the %s class is allowed for the beforeLogin and afterLogin triggers", models.UserClass)
	}
	if typ == AfterLogout && className != models.SessionClass {
		return apierr.New(apierr.CodeInvalidClassName,
			"Only the %s class is allowed for the afterLogout trigger.", models.SessionClass)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tenantFor(appID)
	if t.triggers[typ] == nil {
		t.triggers[typ] = make(map[string]Handler)
	}
	t.triggers[typ][className] = handler
	return nil
}

// RemoveTrigger unregisters a lifecycle trigger.
func (r *Registry) RemoveTrigger(typ Type, className, appID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tenants[appID]; ok {
		delete(t.triggers[typ], className)
	}
}

// AddFunction registers a cloud function and its optional validator.
func (r *Registry) AddFunction(name string, fn Function, validator Validator, appID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tenantFor(appID)
	t.functions[name] = fn
	if validator != nil {
		t.validators[name] = validator
	}
}

// AddJob registers a named job.
func (r *Registry) AddJob(name string, job Job, appID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tenantFor(appID).jobs[name] = job
}

// AddLiveQueryEventHandler appends a live-query listener.
func (r *Registry) AddLiveQueryEventHandler(handler LiveQueryHandler, appID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tenantFor(appID)
	t.liveQuery = append(t.liveQuery, handler)
}

// GetTrigger looks up a lifecycle trigger.
func (r *Registry) GetTrigger(typ Type, className, appID string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[appID]
	if !ok {
		return nil, false
	}
	h, ok := t.triggers[typ][className]
	return h, ok
}

// TriggerExists reports whether a lifecycle trigger is registered.
func (r *Registry) TriggerExists(typ Type, className, appID string) bool {
	_, ok := r.GetTrigger(typ, className, appID)
	return ok
}

// GetFunction looks up a cloud function.
func (r *Registry) GetFunction(name, appID string) (Function, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[appID]
	if !ok {
		return nil, false
	}
	fn, ok := t.functions[name]
	return fn, ok
}

// GetValidator looks up a function validator.
func (r *Registry) GetValidator(name, appID string) (Validator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[appID]
	if !ok {
		return nil, false
	}
	v, ok := t.validators[name]
	return v, ok
}

// GetJob looks up a job handler.
func (r *Registry) GetJob(name, appID string) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[appID]
	if !ok {
		return nil, false
	}
	j, ok := t.jobs[name]
	return j, ok
}

// GetJobs returns the names of every registered job for a tenant.
func (r *Registry) GetJobs(appID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[appID]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(t.jobs))
	for name := range t.jobs {
		names = append(names, name)
	}
	return names
}

// LiveQueryHandlers returns the tenant's live-query listeners.
func (r *Registry) LiveQueryHandlers(appID string) []LiveQueryHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[appID]
	if !ok {
		return nil
	}
	return append([]LiveQueryHandler(nil), t.liveQuery...)
}

// Unregister removes every registration for a tenant. Used by tests.
func (r *Registry) Unregister(appID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tenants, appID)
}
