package triggers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/classd/internal/apierr"
	"github.com/kilupskalvis/classd/internal/models"
)

func noopHandler(ctx context.Context, req *Request) (any, error) { return nil, nil }

func TestRegistry_AddTriggerRestrictions(t *testing.T) {
	r := NewRegistry()

	err := r.AddTrigger(BeforeSave, models.SessionClass, noopHandler, "app")
	assert.True(t, apierr.Is(err, apierr.CodeInvalidClassName))

	assert.NoError(t, r.AddTrigger(AfterLogout, models.SessionClass, noopHandler, "app"))

	err = r.AddTrigger(BeforeDelete, models.PushStatusClass, noopHandler, "app")
	assert.True(t, apierr.Is(err, apierr.CodeInvalidClassName))
	assert.NoError(t, r.AddTrigger(AfterSave, models.PushStatusClass, noopHandler, "app"))

	err = r.AddTrigger(BeforeLogin, "Article", noopHandler, "app")
	assert.True(t, apierr.Is(err, apierr.CodeInvalidClassName))
	assert.NoError(t, r.AddTrigger(BeforeLogin, models.UserClass, noopHandler, "app"))

	err = r.AddTrigger(AfterLogout, models.UserClass, noopHandler, "app")
	assert.True(t, apierr.Is(err, apierr.CodeInvalidClassName))
}

func TestRegistry_TenantScoping(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.AddTrigger(BeforeSave, "Article", noopHandler, "app-a"))

	assert.True(t, r.TriggerExists(BeforeSave, "Article", "app-a"))
	assert.False(t, r.TriggerExists(BeforeSave, "Article", "app-b"))

	r.AddFunction("hello", func(ctx context.Context, req *FunctionRequest) (any, error) {
		return "hi", nil
	}, nil, "app-a")
	_, ok := r.GetFunction("hello", "app-a")
	assert.True(t, ok)
	_, ok = r.GetFunction("hello", "app-b")
	assert.False(t, ok)

	r.Unregister("app-a")
	assert.False(t, r.TriggerExists(BeforeSave, "Article", "app-a"))
}

func TestRegistry_RemoveTrigger(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.AddTrigger(AfterSave, "Article", noopHandler, "app"))
	r.RemoveTrigger(AfterSave, "Article", "app")
	assert.False(t, r.TriggerExists(AfterSave, "Article", "app"))
}

func TestRegistry_Jobs(t *testing.T) {
	r := NewRegistry()
	r.AddJob("nightly", func(ctx context.Context, req *FunctionRequest) error { return nil }, "app")
	r.AddJob("cleanup", func(ctx context.Context, req *FunctionRequest) error { return nil }, "app")

	_, ok := r.GetJob("nightly", "app")
	assert.True(t, ok)
	assert.ElementsMatch(t, []string{"nightly", "cleanup"}, r.GetJobs("app"))
	assert.Empty(t, r.GetJobs("other"))
}
