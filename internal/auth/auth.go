// Package auth builds the per-request auth context: master flag, caller
// user, installation id, and the caller's transitive role set.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"time"

	"github.com/kilupskalvis/classd/internal/apierr"
	"github.com/kilupskalvis/classd/internal/models"
	"github.com/kilupskalvis/classd/internal/store"
)

// Auth is the read-only auth context of one request.
type Auth struct {
	IsMaster       bool
	User           models.Record // nil for anonymous callers
	InstallationID string

	fetchedRoles bool
	userRoles    []string // "role:<name>" keys
}

// Master returns the administrative context that bypasses ACL entirely.
func Master() *Auth {
	return &Auth{IsMaster: true}
}

// Nobody returns the anonymous context.
func Nobody() *Auth {
	return &Auth{}
}

// ForUser returns a context acting as the given user record.
func ForUser(user models.Record) *Auth {
	return &Auth{User: user}
}

// ForSessionToken resolves a session token into a user-scoped context.
// Unknown or expired tokens fail with InvalidSessionToken.
func ForSessionToken(ctx context.Context, adapter store.Adapter, token string) (*Auth, error) {
	sessions, err := adapter.Find(ctx, models.SessionClass,
		map[string]any{"sessionToken": token},
		store.QueryOptions{Master: true, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, apierr.New(apierr.CodeInvalidSessionToken, "Invalid session token")
	}
	session := sessions[0]

	if exp, ok := session["expiresAt"].(map[string]any); ok {
		if iso, _ := exp["iso"].(string); iso != "" {
			if t, err := time.Parse(time.RFC3339, iso); err == nil && t.Before(time.Now()) {
				return nil, apierr.New(apierr.CodeInvalidSessionToken, "Session token is expired.")
			}
		}
	}

	userPtr, ok := models.PointerFrom(session["user"])
	if !ok {
		return nil, apierr.New(apierr.CodeInvalidSessionToken, "Invalid session token")
	}
	users, err := adapter.Find(ctx, models.UserClass,
		map[string]any{"objectId": userPtr.ObjectID},
		store.QueryOptions{Master: true, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, apierr.New(apierr.CodeInvalidSessionToken, "Invalid session token")
	}

	a := &Auth{User: users[0]}
	a.InstallationID, _ = session["installationId"].(string)
	return a, nil
}

// UserID returns the caller's objectId, or "".
func (a *Auth) UserID() string {
	if a.User == nil {
		return ""
	}
	return a.User.ObjectID()
}

// ACLGroup returns the caller's principal set: user id plus role keys.
// Role membership is computed once and cached on the context.
func (a *Auth) ACLGroup(ctx context.Context, adapter store.Adapter) ([]string, error) {
	if a.IsMaster || a.User == nil {
		return nil, nil
	}
	roles, err := a.GetUserRoles(ctx, adapter)
	if err != nil {
		return nil, err
	}
	return append([]string{a.UserID()}, roles...), nil
}

// GetUserRoles returns the caller's role keys including transitively
// contained roles. The walk is breadth-first and cycle-safe.
func (a *Auth) GetUserRoles(ctx context.Context, adapter store.Adapter) ([]string, error) {
	if a.IsMaster || a.User == nil {
		return nil, nil
	}
	if a.fetchedRoles {
		return a.userRoles, nil
	}

	userPtr := models.Pointer{ClassName: models.UserClass, ObjectID: a.UserID()}
	direct, err := adapter.Find(ctx, models.RoleClass,
		map[string]any{"users": userPtr.Map()},
		store.QueryOptions{Master: true, Limit: -1})
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	names := map[string]bool{}
	queue := direct
	for len(queue) > 0 {
		role := queue[0]
		queue = queue[1:]
		id := role.ObjectID()
		if seen[id] {
			continue
		}
		seen[id] = true
		if name, _ := role["name"].(string); name != "" {
			names[name] = true
		}

		// Roles containing this role grant it transitively.
		rolePtr := models.Pointer{ClassName: models.RoleClass, ObjectID: id}
		parents, err := adapter.Find(ctx, models.RoleClass,
			map[string]any{"roles": rolePtr.Map()},
			store.QueryOptions{Master: true, Limit: -1})
		if err != nil {
			return nil, err
		}
		queue = append(queue, parents...)
	}

	a.userRoles = make([]string, 0, len(names))
	for name := range names {
		a.userRoles = append(a.userRoles, models.RoleACLKey(name))
	}
	a.fetchedRoles = true
	return a.userRoles, nil
}

// NewSessionToken generates a fresh session token.
func NewSessionToken() string {
	b := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		panic(err)
	}
	return "r:" + hex.EncodeToString(b)
}
