package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/kilupskalvis/classd/internal/apierr"
	"github.com/kilupskalvis/classd/internal/audit"
	"github.com/kilupskalvis/classd/internal/models"
	"github.com/kilupskalvis/classd/internal/rest"
	"github.com/kilupskalvis/classd/internal/store"
	"github.com/kilupskalvis/classd/internal/triggers"
)

// maxRequestBody caps JSON request bodies.
const maxRequestBody = 16 * 1024 * 1024 // 16MB

// Handler creates the HTTP handler with all routes and middleware. The
// audit log is optional; without it the audit endpoint reports not found.
func Handler(env *rest.Env, auditLog *audit.Log, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &service{env: env, audit: auditLog, logger: logger}

	withAuth := authMiddleware(env, logger)

	mux := http.NewServeMux()

	// Health endpoint (no auth)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Objects
	mux.HandleFunc("POST /classes/{className}", s.handleCreate)
	mux.HandleFunc("GET /classes/{className}", s.handleFind)
	mux.HandleFunc("POST /classes/{className}/find", s.handleFindBody)
	mux.HandleFunc("GET /classes/{className}/{objectId}", s.handleGet)
	mux.HandleFunc("PUT /classes/{className}/{objectId}", s.handleUpdate)
	mux.HandleFunc("DELETE /classes/{className}/{objectId}", s.handleDelete)

	// Users
	mux.HandleFunc("POST /users", s.handleSignup)
	mux.HandleFunc("GET /users", s.handleFindUsers)
	mux.HandleFunc("GET /users/me", s.handleMe)
	mux.HandleFunc("GET /users/{objectId}", s.handleGetUser)
	mux.HandleFunc("PUT /users/{objectId}", s.handleUpdateUser)
	mux.HandleFunc("DELETE /users/{objectId}", s.handleDeleteUser)

	// Sessions
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("POST /logout", s.handleLogout)
	mux.HandleFunc("GET /sessions", s.handleFindSessions)

	// Cloud functions
	mux.HandleFunc("POST /functions/{name}", s.handleFunction)

	// Audit (master only)
	mux.Handle("GET /audit", requireMaster(http.HandlerFunc(s.handleAudit)))

	// Apply global middleware
	return applyMiddleware(mux,
		recoveryMiddleware(logger),
		loggingMiddleware(logger),
		requestIDMiddleware,
		withAuth,
	)
}

// applyMiddleware applies middleware in reverse order so the first in the list runs first.
func applyMiddleware(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

type service struct {
	env    *rest.Env
	audit  *audit.Log
	logger *slog.Logger
}

func (s *service) clientSDK(r *http.Request) rest.ClientSDK {
	// The JS SDK echoes Delete operations back into local object state.
	v := r.Header.Get(headerClientVersion)
	return rest.ClientSDK{ForwardsDeleteSentinels: strings.HasPrefix(v, "js")}
}

func (s *service) handleCreate(w http.ResponseWriter, r *http.Request) {
	s.create(w, r, r.PathValue("className"), "")
}

func (s *service) handleSignup(w http.ResponseWriter, r *http.Request) {
	s.create(w, r, models.UserClass, "signup")
}

func (s *service) create(w http.ResponseWriter, r *http.Request, className, action string) {
	data, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	a := authFrom(r)
	sc, err := s.env.LoadSchema(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	wr, err := rest.NewWrite(s.env, a, sc, className, nil, data, nil, s.clientSDK(r), action)
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := wr.Execute(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if resp.Location != "" {
		w.Header().Set("Location", resp.Location)
	}
	writeJSON(w, resp.Status, resp.Response)
}

func (s *service) handleFind(w http.ResponseWriter, r *http.Request) {
	s.find(w, r, r.PathValue("className"), queryOptionsFromURL(r))
}

func (s *service) handleFindUsers(w http.ResponseWriter, r *http.Request) {
	s.find(w, r, models.UserClass, queryOptionsFromURL(r))
}

func (s *service) handleFindSessions(w http.ResponseWriter, r *http.Request) {
	s.find(w, r, models.SessionClass, queryOptionsFromURL(r))
}

// handleFindBody accepts the find parameters as a JSON body, for queries
// too large for a URL.
func (s *service) handleFindBody(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	where, _ := body["where"].(map[string]any)
	options := map[string]any{}
	for k, v := range body {
		if k != "where" {
			options[k] = v
		}
	}
	s.findWith(w, r, r.PathValue("className"), where, options)
}

type urlQuery struct {
	where   map[string]any
	options map[string]any
	err     error
}

func queryOptionsFromURL(r *http.Request) urlQuery {
	out := urlQuery{options: map[string]any{}}
	for key, values := range r.URL.Query() {
		if len(values) == 0 {
			continue
		}
		value := values[0]
		switch key {
		case "where":
			var where map[string]any
			if err := json.Unmarshal([]byte(value), &where); err != nil {
				out.err = apierr.New(apierr.CodeInvalidJSON, "invalid JSON in where parameter")
				return out
			}
			out.where = where
		case "limit", "skip":
			if n, err := strconv.Atoi(value); err == nil {
				out.options[key] = n
			} else {
				out.options[key] = value
			}
		case "count", "includeAll", "explain":
			out.options[key] = value == "1" || value == "true"
		default:
			out.options[key] = value
		}
	}
	return out
}

func (s *service) find(w http.ResponseWriter, r *http.Request, className string, uq urlQuery) {
	if uq.err != nil {
		writeError(w, uq.err)
		return
	}
	s.findWith(w, r, className, uq.where, uq.options)
}

func (s *service) findWith(w http.ResponseWriter, r *http.Request, className string, where, options map[string]any) {
	a := authFrom(r)
	sc, err := s.env.LoadSchema(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	q, err := rest.NewQuery(s.env, a, sc, className, where, options)
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := q.Execute(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if resp.Raw != nil {
		writeJSON(w, http.StatusOK, map[string]any{"results": resp.Raw})
		return
	}
	out := map[string]any{"results": resp.Results}
	if resp.Count != nil {
		out["count"] = *resp.Count
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *service) handleGet(w http.ResponseWriter, r *http.Request) {
	s.get(w, r, r.PathValue("className"), r.PathValue("objectId"))
}

func (s *service) handleGetUser(w http.ResponseWriter, r *http.Request) {
	s.get(w, r, models.UserClass, r.PathValue("objectId"))
}

func (s *service) get(w http.ResponseWriter, r *http.Request, className, objectID string) {
	a := authFrom(r)
	sc, err := s.env.LoadSchema(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	options := map[string]any{}
	if include := r.URL.Query().Get("include"); include != "" {
		options["include"] = include
	}
	q, err := rest.NewQuery(s.env, a, sc, className, map[string]any{"objectId": objectID}, options)
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := q.Execute(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if len(resp.Results) == 0 {
		writeError(w, apierr.New(apierr.CodeObjectNotFound, "Object not found."))
		return
	}
	writeJSON(w, http.StatusOK, resp.Results[0])
}

func (s *service) handleUpdate(w http.ResponseWriter, r *http.Request) {
	s.update(w, r, r.PathValue("className"), r.PathValue("objectId"))
}

func (s *service) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	s.update(w, r, models.UserClass, r.PathValue("objectId"))
}

func (s *service) update(w http.ResponseWriter, r *http.Request, className, objectID string) {
	data, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	a := authFrom(r)
	sc, err := s.env.LoadSchema(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	original, err := s.fetchOriginal(r, className, objectID)
	if err != nil {
		writeError(w, err)
		return
	}
	wr, err := rest.NewWrite(s.env, a, sc, className,
		map[string]any{"objectId": objectID}, data, original, s.clientSDK(r), "")
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := wr.Execute(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, resp.Status, resp.Response)
}

// fetchOriginal loads the pre-write snapshot for update hooks. Missing
// records are left to the write pipeline to report.
func (s *service) fetchOriginal(r *http.Request, className, objectID string) (models.Record, error) {
	found, err := s.env.Adapter.Find(r.Context(), className,
		map[string]any{"objectId": objectID},
		store.QueryOptions{Master: true, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, nil
	}
	return found[0], nil
}

func (s *service) handleDelete(w http.ResponseWriter, r *http.Request) {
	s.destroy(w, r, r.PathValue("className"), r.PathValue("objectId"))
}

func (s *service) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	s.destroy(w, r, models.UserClass, r.PathValue("objectId"))
}

func (s *service) destroy(w http.ResponseWriter, r *http.Request, className, objectID string) {
	a := authFrom(r)
	sc, err := s.env.LoadSchema(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if err := rest.RunDestroy(r.Context(), s.env, a, sc, className, objectID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *service) handleMe(w http.ResponseWriter, r *http.Request) {
	a := authFrom(r)
	if a.User == nil {
		writeError(w, apierr.New(apierr.CodeInvalidSessionToken, "Invalid session token"))
		return
	}
	user := a.User.Clone()
	delete(user, "password")
	delete(user, "_hashed_password")
	delete(user, "_password_history")
	user["sessionToken"] = r.Header.Get(headerSessionToken)
	writeJSON(w, http.StatusOK, user)
}

func (s *service) handleLogin(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	creds := rest.LoginCredentials{
		InstallationID: r.Header.Get(headerInstallationID),
	}
	creds.Username, _ = body["username"].(string)
	creds.Email, _ = body["email"].(string)
	creds.Password, _ = body["password"].(string)

	user, err := rest.Login(r.Context(), s.env, creds)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *service) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := rest.Logout(r.Context(), s.env, r.Header.Get(headerSessionToken)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *service) handleFunction(w http.ResponseWriter, r *http.Request) {
	params, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	a := authFrom(r)
	headers := map[string]string{}
	for _, h := range []string{headerInstallationID, headerClientVersion} {
		if v := r.Header.Get(h); v != "" {
			headers[h] = v
		}
	}
	result, err := s.env.Runner.RunFunction(r.Context(), &triggers.FunctionRequest{
		FunctionName:   r.PathValue("name"),
		Params:         map[string]any(params),
		Master:         a.IsMaster,
		User:           a.User,
		InstallationID: a.InstallationID,
		IP:             r.RemoteAddr,
		Headers:        headers,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (s *service) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, apierr.New(apierr.CodeObjectNotFound, "audit log is not enabled"))
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := s.audit.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": entries})
}

// readBody decodes a JSON object body. An empty body is an empty object.
func readBody(r *http.Request) (models.Record, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return nil, apierr.Wrap(err, apierr.CodeInvalidJSON, "could not read request body")
	}
	if len(raw) == 0 {
		return models.Record{}, nil
	}
	var data models.Record
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, apierr.Wrap(err, apierr.CodeInvalidJSON, "invalid JSON body")
	}
	return data, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError renders an error in the wire format: numeric code plus
// message. Unrecognized errors become an internal error.
func writeError(w http.ResponseWriter, err error) {
	ae := apierr.As(err)
	if ae == nil {
		ae = apierr.Wrap(err, apierr.CodeInternalServerError, "internal server error")
	}
	writeJSON(w, apierr.HTTPStatus(ae.Code), map[string]any{
		"code":  ae.Code,
		"error": ae.Message,
	})
}
