package rest

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/classd/internal/auth"
	"github.com/kilupskalvis/classd/internal/config"
	"github.com/kilupskalvis/classd/internal/models"
	"github.com/kilupskalvis/classd/internal/schema"
	"github.com/kilupskalvis/classd/internal/store"
	"github.com/kilupskalvis/classd/internal/trace"
	"github.com/kilupskalvis/classd/internal/triggers"
)

func newTestEnv(t *testing.T) *Env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()
	cfg.ApplicationID = "test-app"
	cfg.MasterKey = "master-secret"
	cfg.StoreBackend = config.StoreMemory
	return &Env{
		Config:  cfg,
		Adapter: store.NewMemoryAdapter(),
		Runner: &triggers.Runner{
			Registry: triggers.NewRegistry(),
			AppID:    cfg.ApplicationID,
			Logger:   logger,
		},
		Tracer: trace.New(logger, false),
		Logger: logger,
	}
}

func loadSchema(t *testing.T, env *Env) *schema.Controller {
	t.Helper()
	sc, err := env.LoadSchema(context.Background())
	require.NoError(t, err)
	return sc
}

// create persists a record through the full write pipeline.
func create(t *testing.T, env *Env, a *auth.Auth, className string, data models.Record) models.Record {
	t.Helper()
	ctx := context.Background()
	w, err := NewWrite(env, a, loadSchema(t, env), className, nil, data, nil, ClientSDK{}, "")
	require.NoError(t, err)
	resp, err := w.Execute(ctx)
	require.NoError(t, err)
	return resp.Response
}

// find runs a query through the full pipeline.
func find(t *testing.T, env *Env, a *auth.Auth, className string, where map[string]any, options map[string]any) *QueryResponse {
	t.Helper()
	ctx := context.Background()
	q, err := NewQuery(env, a, loadSchema(t, env), className, where, options)
	require.NoError(t, err)
	resp, err := q.Execute(ctx)
	require.NoError(t, err)
	return resp
}
