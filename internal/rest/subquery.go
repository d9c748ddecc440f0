package rest

import (
	"context"
	"strings"

	"github.com/kilupskalvis/classd/internal/apierr"
	"github.com/kilupskalvis/classd/internal/auth"
	"github.com/kilupskalvis/classd/internal/models"
	"github.com/kilupskalvis/classd/internal/store"
)

// findObjectWithKey walks a constraint tree and returns the first map
// containing the given key, depth-first. Returns nil when no node matches.
func findObjectWithKey(root any, key string) map[string]any {
	switch t := root.(type) {
	case map[string]any:
		if _, ok := t[key]; ok {
			return t
		}
		for _, v := range t {
			if found := findObjectWithKey(v, key); found != nil {
				return found
			}
		}
	case []any:
		for _, v := range t {
			if found := findObjectWithKey(v, key); found != nil {
				return found
			}
		}
	}
	return nil
}

// subqueryNode is the validated shape of a subquery operator argument.
type subqueryNode struct {
	className string
	where     map[string]any
	options   map[string]any
	key       string // $select/$dontSelect only
}

// parseSubquery validates the argument of a subquery operator. $select
// and $dontSelect wrap the query under a "query" key next to "key";
// $inQuery and $notInQuery carry the query directly.
func parseSubquery(op string, arg any, keyed bool) (*subqueryNode, error) {
	node := &subqueryNode{options: map[string]any{}}

	queryValue := arg
	if keyed {
		m, ok := arg.(map[string]any)
		if !ok {
			return nil, apierr.New(apierr.CodeInvalidQuery, "improper usage of %s", op)
		}
		key, _ := m["key"].(string)
		q, hasQuery := m["query"]
		if key == "" || !hasQuery || len(m) != 2 {
			return nil, apierr.New(apierr.CodeInvalidQuery, "improper usage of %s", op)
		}
		node.key = key
		queryValue = q
	}

	qm, ok := queryValue.(map[string]any)
	if !ok {
		return nil, apierr.New(apierr.CodeInvalidQuery, "improper usage of %s", op)
	}
	node.className, _ = qm["className"].(string)
	where, hasWhere := qm["where"].(map[string]any)
	if node.className == "" || !hasWhere {
		return nil, apierr.New(apierr.CodeInvalidQuery, "improper usage of %s", op)
	}
	node.where = where
	for _, opt := range []string{"limit", "skip", "order"} {
		if v, ok := qm[opt]; ok {
			node.options[opt] = v
		}
	}
	return node, nil
}

// runSubquery constructs and executes a fresh nested engine for a
// subquery node, against the same schema snapshot and auth context.
func (q *Query) runSubquery(ctx context.Context, node *subqueryNode) ([]models.Record, error) {
	opts := node.options
	if q.subqueryReadPreference != "" {
		opts["readPreference"] = q.subqueryReadPreference
	}
	sub, err := NewQuery(q.env, q.auth, q.schema, node.className, node.where, opts)
	if err != nil {
		return nil, err
	}
	if _, ok := opts["limit"]; !ok {
		// Subqueries are unbounded unless the node limits them itself.
		sub.findOptions.Limit = -1
	}
	resp, err := sub.Execute(ctx)
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// spliceIn collapses a resolved subquery operator into $in/$nin on its
// containing constraint, merging with an existing list if present.
func spliceIn(constraint map[string]any, op, target string, values []any) {
	delete(constraint, op)
	if existing, ok := constraint[target].([]any); ok {
		constraint[target] = append(existing, values...)
		return
	}
	constraint[target] = values
}

// replaceInQuery resolves every $inQuery node into $in of pointers. Each
// pass fully resolves one node (including its own nested subqueries)
// before scanning again; a subquery with zero results yields an empty $in.
func (q *Query) replaceInQuery(ctx context.Context) error {
	return q.replaceQueryOperator(ctx, "$inQuery", "$in", false)
}

// replaceNotInQuery resolves every $notInQuery node into $nin of pointers.
func (q *Query) replaceNotInQuery(ctx context.Context) error {
	return q.replaceQueryOperator(ctx, "$notInQuery", "$nin", false)
}

// replaceSelect resolves every $select node into $in of the selected
// key's values.
func (q *Query) replaceSelect(ctx context.Context) error {
	return q.replaceQueryOperator(ctx, "$select", "$in", true)
}

// replaceDontSelect resolves every $dontSelect node into $nin.
func (q *Query) replaceDontSelect(ctx context.Context) error {
	return q.replaceQueryOperator(ctx, "$dontSelect", "$nin", true)
}

func (q *Query) replaceQueryOperator(ctx context.Context, op, target string, keyed bool) error {
	for {
		constraint := findObjectWithKey(q.where, op)
		if constraint == nil {
			return nil
		}
		node, err := parseSubquery(op, constraint[op], keyed)
		if err != nil {
			return err
		}
		results, err := q.runSubquery(ctx, node)
		if err != nil {
			return err
		}

		values := make([]any, 0, len(results))
		for _, r := range results {
			if keyed {
				if v, ok := store.GetPath(map[string]any(r), node.key); ok {
					values = append(values, v)
				}
				continue
			}
			values = append(values, models.Pointer{
				ClassName: node.className,
				ObjectID:  r.ObjectID(),
			}.Map())
		}
		spliceIn(constraint, op, target, values)
	}
}

// replaceEquality normalizes constraints that mix direct-value keys with
// $-operators: the direct keys move under an explicit $eq. Re-running on
// a normalized tree is a fixed point.
func replaceEquality(where map[string]any) {
	for key, constraint := range where {
		switch key {
		case "$or", "$and", "$nor":
			if clauses, ok := constraint.([]any); ok {
				for _, c := range clauses {
					if m, ok := c.(map[string]any); ok {
						replaceEquality(m)
					}
				}
			}
		default:
			m, ok := constraint.(map[string]any)
			if !ok {
				continue
			}
			var direct []string
			hasOp := false
			for k := range m {
				if strings.HasPrefix(k, "$") {
					hasOp = true
				} else {
					direct = append(direct, k)
				}
			}
			if !hasOp || len(direct) == 0 {
				continue
			}
			eq := map[string]any{}
			if prev, ok := m["$eq"].(map[string]any); ok {
				eq = prev
			}
			for _, k := range direct {
				eq[k] = m[k]
				delete(m, k)
			}
			m["$eq"] = eq
		}
	}
}

// Each pages through a class in objectId order, invoking fn once per
// record. A fresh engine runs per page, keyed on objectId > lastSeen;
// iteration stops when a page comes back short.
func Each(ctx context.Context, env *Env, a *auth.Auth, className string, where map[string]any, pageSize int, fn func(models.Record) error) error {
	if pageSize <= 0 {
		pageSize = defaultFindLimit
	}
	sc, err := env.LoadSchema(ctx)
	if err != nil {
		return err
	}

	lastSeen := ""
	for {
		pageWhere := models.DeepCopyMap(where)
		if pageWhere == nil {
			pageWhere = map[string]any{}
		}
		if lastSeen != "" {
			pageWhere = map[string]any{
				"$and": []any{pageWhere, map[string]any{"objectId": map[string]any{"$gt": lastSeen}}},
			}
		}
		q, err := NewQuery(env, a, sc, className, pageWhere, map[string]any{
			"limit": pageSize,
			"order": "objectId",
		})
		if err != nil {
			return err
		}
		resp, err := q.Execute(ctx)
		if err != nil {
			return err
		}
		for _, rec := range resp.Results {
			if err := fn(rec); err != nil {
				return err
			}
		}
		if len(resp.Results) < pageSize {
			return nil
		}
		lastSeen = resp.Results[len(resp.Results)-1].ObjectID()
	}
}
