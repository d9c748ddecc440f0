// Package rest implements the object access and mutation pipeline: the
// query resolution engine, the write pipeline, and the delete pipeline.
// Handlers construct a Query or Write per request; both consult the schema
// snapshot and the trigger registry and may recursively construct further
// queries for subqueries and include expansion.
package rest

import (
	"context"
	"log/slog"

	"github.com/kilupskalvis/classd/internal/config"
	"github.com/kilupskalvis/classd/internal/schema"
	"github.com/kilupskalvis/classd/internal/store"
	"github.com/kilupskalvis/classd/internal/trace"
	"github.com/kilupskalvis/classd/internal/triggers"
)

// AuditSink records completed mutations. Implementations must be
// best-effort: the pipeline ignores sink failures.
type AuditSink interface {
	RecordOp(ctx context.Context, op, className, objectID, actor string)
}

// AuthValidator checks one provider's auth payload before it is trusted.
type AuthValidator func(ctx context.Context, authData map[string]any) error

// Env bundles the collaborators of one tenant. The schema controller is
// loaded once per external request via LoadSchema and threaded through all
// nested pipeline stages.
type Env struct {
	Config  *config.Config
	Adapter store.Adapter
	Runner  *triggers.Runner
	Tracer  *trace.Tracer
	Logger  *slog.Logger
	Audit   AuditSink

	// AuthValidators maps a provider name to its payload validator. The
	// anonymous provider is always accepted; anything else without a
	// validator is rejected.
	AuthValidators map[string]AuthValidator
}

// LoadSchema returns a fresh schema snapshot for one external request.
func (e *Env) LoadSchema(ctx context.Context) (*schema.Controller, error) {
	return schema.Load(ctx, e.Adapter, e.Config.AllowClientClassCreation)
}

// ClientSDK describes the calling SDK's declared wire capabilities.
type ClientSDK struct {
	// ForwardsDeleteSentinels is set when the client understands Delete
	// operations echoed back in write responses.
	ForwardsDeleteSentinels bool
}

func (e *Env) audit(ctx context.Context, op, className, objectID, actor string) {
	if e.Audit != nil {
		e.Audit.RecordOp(ctx, op, className, objectID, actor)
	}
}
