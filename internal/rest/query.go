package rest

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/kilupskalvis/classd/internal/apierr"
	"github.com/kilupskalvis/classd/internal/auth"
	"github.com/kilupskalvis/classd/internal/models"
	"github.com/kilupskalvis/classd/internal/schema"
	"github.com/kilupskalvis/classd/internal/store"
	"github.com/kilupskalvis/classd/internal/triggers"
)

// defaultFindLimit caps result sets when the caller sets no limit.
const defaultFindLimit = 100

// QueryResponse is the result of executing a Query.
type QueryResponse struct {
	Results []models.Record `json:"results"`
	Count   *int            `json:"count,omitempty"`
	// Raw carries distinct/explain payloads that bypass the record shape.
	Raw []any `json:"-"`
}

// Query resolves a REST query against the store, recursively. It is
// constructed once per find (or per subquery node) and progressively
// rewrites its own where tree as constraint operators are resolved.
type Query struct {
	env       *Env
	auth      *auth.Auth
	schema    *schema.Controller
	className string
	where     map[string]any

	doCount     bool
	includeAll  bool
	include     [][]string
	keys        []string
	excludeKeys []string
	distinct    string
	pipeline    []any
	explain     bool
	redirectKey string

	readPreference         string
	includeReadPreference  string
	subqueryReadPreference string

	findOptions store.QueryOptions

	aclGroup []string
	response *QueryResponse
}

// NewQuery validates REST options and builds an execution plan. Every
// option must classify into a known bucket; anything else is an
// InvalidJSON error. The where tree is deep-copied so resolution never
// mutates the caller's map.
func NewQuery(env *Env, a *auth.Auth, sc *schema.Controller, className string, where map[string]any, options map[string]any) (*Query, error) {
	q := &Query{
		env:       env,
		auth:      a,
		schema:    sc,
		className: className,
		where:     models.DeepCopyMap(where),
		findOptions: store.QueryOptions{
			Limit: defaultFindLimit,
		},
	}
	if q.where == nil {
		q.where = map[string]any{}
	}

	// A non-master session query only ever sees the caller's own sessions.
	if className == models.SessionClass && !a.IsMaster {
		if a.User == nil {
			return nil, apierr.New(apierr.CodeInvalidSessionToken, "Invalid session token")
		}
		userPtr := models.Pointer{ClassName: models.UserClass, ObjectID: a.UserID()}
		q.where = map[string]any{
			"$and": []any{q.where, map[string]any{"user": userPtr.Map()}},
		}
	}

	var includePaths [][]string
	for option, value := range options {
		switch option {
		case "keys":
			keys, err := stringList(value)
			if err != nil {
				return nil, apierr.New(apierr.CodeInvalidJSON, "Invalid parameter for query: keys")
			}
			q.keys = keys
			// A dotted key implies including its parent path.
			for _, k := range keys {
				if i := strings.LastIndex(k, "."); i > 0 {
					includePaths = append(includePaths, strings.Split(k[:i], "."))
				}
			}
		case "excludeKeys":
			keys, err := stringList(value)
			if err != nil {
				return nil, apierr.New(apierr.CodeInvalidJSON, "Invalid parameter for query: excludeKeys")
			}
			q.excludeKeys = keys
		case "count":
			q.doCount = truthy(value)
		case "includeAll":
			q.includeAll = truthy(value)
		case "explain":
			q.explain = truthy(value)
		case "skip":
			n, ok := intValue(value)
			if !ok || n < 0 {
				return nil, apierr.New(apierr.CodeInvalidJSON, "Invalid parameter for query: skip")
			}
			q.findOptions.Skip = n
		case "limit":
			n, ok := intValue(value)
			if !ok || n < 0 {
				return nil, apierr.New(apierr.CodeInvalidJSON, "Invalid parameter for query: limit")
			}
			q.findOptions.Limit = n
		case "order":
			s, ok := value.(string)
			if !ok {
				return nil, apierr.New(apierr.CodeInvalidJSON, "Invalid parameter for query: order")
			}
			q.findOptions.Sort = parseOrder(s)
		case "include":
			s, ok := value.(string)
			if !ok {
				return nil, apierr.New(apierr.CodeInvalidJSON, "Invalid parameter for query: include")
			}
			for _, p := range strings.Split(s, ",") {
				if p = strings.TrimSpace(p); p != "" {
					includePaths = append(includePaths, strings.Split(p, "."))
				}
			}
		case "redirectClassNameForKey":
			s, ok := value.(string)
			if !ok {
				return nil, apierr.New(apierr.CodeInvalidJSON, "Invalid parameter for query: redirectClassNameForKey")
			}
			q.redirectKey = s
		case "readPreference":
			q.readPreference, _ = value.(string)
		case "includeReadPreference":
			q.includeReadPreference, _ = value.(string)
		case "subqueryReadPreference":
			q.subqueryReadPreference, _ = value.(string)
		case "hint":
			q.findOptions.Hint = value
		case "distinct":
			q.distinct, _ = value.(string)
		case "pipeline":
			q.pipeline, _ = value.([]any)
		default:
			return nil, apierr.New(apierr.CodeInvalidJSON, "Invalid parameter for query: %s", option)
		}
	}
	q.findOptions.ReadPreference = q.readPreference
	q.include = normalizeIncludePaths(includePaths)
	return q, nil
}

// Execute runs the ordered stage pipeline and returns the response.
func (q *Query) Execute(ctx context.Context) (*QueryResponse, error) {
	stages := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"beforeFind", q.runBeforeFind},
		{"buildRestWhere", q.buildRestWhere},
		{"runFind", q.runFind},
		{"runCount", q.runCount},
		{"handleIncludeAll", q.handleIncludeAll},
		{"handleExcludeKeys", q.handleExcludeKeys},
		{"runIncludes", q.runIncludes},
		{"afterFind", q.runAfterFindTrigger},
	}
	for _, s := range stages {
		if err := q.env.Tracer.Span(ctx, "query."+s.name, s.fn); err != nil {
			return nil, err
		}
	}
	return q.response, nil
}

// buildRestWhere resolves the where tree into store-executable form:
// ACL principals, class redirect, creation policy, subquery operators,
// and equality normalization. Re-running it on an already-resolved tree
// is a no-op.
func (q *Query) buildRestWhere(ctx context.Context) error {
	if err := q.getUserAndRoleACL(ctx); err != nil {
		return err
	}
	q.redirectClassNameForKey()
	if err := q.validateClientClassCreation(); err != nil {
		return err
	}
	if err := q.replaceSelect(ctx); err != nil {
		return err
	}
	if err := q.replaceDontSelect(ctx); err != nil {
		return err
	}
	if err := q.replaceInQuery(ctx); err != nil {
		return err
	}
	if err := q.replaceNotInQuery(ctx); err != nil {
		return err
	}
	replaceEquality(q.where)
	return nil
}

// getUserAndRoleACL resolves the caller's principal set unless master.
func (q *Query) getUserAndRoleACL(ctx context.Context) error {
	if q.auth.IsMaster {
		q.findOptions.Master = true
		return nil
	}
	group, err := q.auth.ACLGroup(ctx, q.env.Adapter)
	if err != nil {
		return err
	}
	q.aclGroup = group
	q.findOptions.ACL = group
	return nil
}

// redirectClassNameForKey rewrites the target class when the query was
// issued through a relation key.
func (q *Query) redirectClassNameForKey() {
	if q.redirectKey == "" {
		return
	}
	q.className = q.schema.RedirectClassNameForKey(q.className, q.redirectKey)
}

func (q *Query) validateClientClassCreation() error {
	return q.schema.EnforceClassCreation(q.className, q.auth.IsMaster)
}

func (q *Query) runBeforeFind(ctx context.Context) error {
	req := &triggers.Request{
		Master:         q.auth.IsMaster,
		User:           q.auth.User,
		InstallationID: q.auth.InstallationID,
		Query:          q.where,
	}
	where, err := q.env.Runner.RunBeforeFind(ctx, q.className, req)
	if err != nil {
		return err
	}
	if where != nil {
		q.where = where
	}
	return nil
}

// runFind executes the store query. A limit of zero short-circuits to an
// empty result without a store round-trip.
func (q *Query) runFind(ctx context.Context) error {
	q.response = &QueryResponse{Results: []models.Record{}}

	if q.findOptions.Limit == 0 {
		return nil
	}
	if len(q.pipeline) > 0 {
		return apierr.New(apierr.CodeInvalidQuery, "aggregation pipelines are not supported by this store")
	}

	op := "find"
	if id, ok := q.where["objectId"].(string); ok && id != "" && len(q.where) == 1 {
		op = "get"
	}
	if err := q.schema.ValidatePermission(q.className, op, q.aclGroup, q.auth.IsMaster); err != nil {
		return err
	}

	opts := q.findOptions
	opts.Keys = q.keys
	results, err := q.env.Adapter.Find(ctx, q.className, q.where, opts)
	if err != nil {
		return err
	}

	if q.className == models.UserClass {
		for _, r := range results {
			sanitizeUserRecord(r, q.auth)
		}
	}

	if q.distinct != "" {
		seen := []any{}
		for _, r := range results {
			v, ok := store.GetPath(map[string]any(r), q.distinct)
			if !ok {
				continue
			}
			dup := false
			for _, have := range seen {
				if fmt.Sprintf("%v", have) == fmt.Sprintf("%v", v) {
					dup = true
					break
				}
			}
			if !dup {
				seen = append(seen, v)
			}
		}
		q.response.Raw = seen
		return nil
	}
	if q.explain {
		q.response.Raw = []any{map[string]any{
			"className": q.className,
			"where":     q.where,
			"limit":     q.findOptions.Limit,
			"skip":      q.findOptions.Skip,
		}}
		return nil
	}

	q.response.Results = results
	return nil
}

// runCount issues the count only when requested.
func (q *Query) runCount(ctx context.Context) error {
	if !q.doCount {
		return nil
	}
	if err := q.schema.ValidatePermission(q.className, "count", q.aclGroup, q.auth.IsMaster); err != nil {
		return err
	}
	opts := q.findOptions
	opts.Skip = 0
	opts.Limit = -1
	n, err := q.env.Adapter.Count(ctx, q.className, q.where, opts)
	if err != nil {
		return err
	}
	q.response.Count = &n
	return nil
}

// handleIncludeAll extends the include set with every Pointer field the
// schema knows about.
func (q *Query) handleIncludeAll(context.Context) error {
	if !q.includeAll {
		return nil
	}
	s := q.schema.GetOneSchema(q.className)
	if s == nil {
		return nil
	}
	paths := q.include
	for _, field := range s.PointerFields() {
		paths = append(paths, []string{field})
		if q.keys != nil {
			q.keys = append(q.keys, field)
		}
	}
	q.include = normalizeIncludePaths(paths)
	return nil
}

// handleExcludeKeys strips excluded fields after the fetch.
func (q *Query) handleExcludeKeys(context.Context) error {
	if len(q.excludeKeys) == 0 {
		return nil
	}
	for _, r := range q.response.Results {
		for _, k := range q.excludeKeys {
			delete(r, k)
		}
	}
	return nil
}

// runAfterFindTrigger hands the result set to the afterFind hook unless
// the query shape suppresses it.
func (q *Query) runAfterFindTrigger(ctx context.Context) error {
	if q.distinct != "" || len(q.pipeline) > 0 || q.explain {
		return nil
	}
	if !q.env.Runner.Registry.TriggerExists(triggers.AfterFind, q.className, q.env.Runner.AppID) {
		return nil
	}
	results := make([]models.Record, len(q.response.Results))
	for i, r := range q.response.Results {
		results[i] = r.Clone()
	}
	req := &triggers.Request{
		Master:         q.auth.IsMaster,
		User:           q.auth.User,
		InstallationID: q.auth.InstallationID,
		Query:          q.where,
		Results:        results,
	}
	replaced, err := q.env.Runner.RunAfterFind(ctx, q.className, req)
	if err != nil {
		return err
	}
	q.response.Results = replaced
	return nil
}

// sanitizeUserRecord strips sensitive user fields: password always,
// sessionToken and authData unless master.
func sanitizeUserRecord(r models.Record, a *auth.Auth) {
	delete(r, "password")
	delete(r, "_hashed_password")
	delete(r, "_password_history")
	delete(r, "_perishable_token")
	if !a.IsMaster {
		delete(r, "sessionToken")
		delete(r, "authData")
	}
}

// parseOrder turns "-score,createdAt" into sort keys.
func parseOrder(s string) []store.SortKey {
	var keys []store.SortKey
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.HasPrefix(part, "-") {
			keys = append(keys, store.SortKey{Field: part[1:], Descending: true})
		} else {
			keys = append(keys, store.SortKey{Field: part})
		}
	}
	return keys
}

// normalizeIncludePaths expands prefixes, dedupes, and orders include
// paths shortest first, so parents are expanded before children.
func normalizeIncludePaths(paths [][]string) [][]string {
	seen := map[string]bool{}
	var out [][]string
	for _, p := range paths {
		for i := 1; i <= len(p); i++ {
			key := strings.Join(p[:i], ".")
			if !seen[key] {
				seen[key] = true
				out = append(out, append([]string(nil), p[:i]...))
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if len(out[i]) != len(out[j]) {
			return len(out[i]) < len(out[j])
		}
		return strings.Join(out[i], ".") < strings.Join(out[j], ".")
	})
	return out
}

func stringList(v any) ([]string, error) {
	switch t := v.(type) {
	case string:
		var out []string
		for _, s := range strings.Split(t, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out, nil
	case []string:
		return t, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("not a string list")
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("not a string list")
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case int:
		return t != 0
	case string:
		return t == "1" || t == "true"
	default:
		return false
	}
}

func intValue(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case float64:
		return int(t), true
	case int64:
		return int(t), true
	default:
		return 0, false
	}
}
