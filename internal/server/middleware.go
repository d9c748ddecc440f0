// Package server implements the classd HTTP handlers and middleware.
package server

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kilupskalvis/classd/internal/apierr"
	"github.com/kilupskalvis/classd/internal/auth"
	"github.com/kilupskalvis/classd/internal/rest"
)

type contextKey string

const (
	contextKeyRequestID contextKey = "request_id"
	contextKeyAuth      contextKey = "auth"
)

// Header names of the wire protocol.
const (
	headerAppID          = "X-Parse-Application-Id"
	headerMasterKey      = "X-Parse-Master-Key"
	headerSessionToken   = "X-Parse-Session-Token"
	headerInstallationID = "X-Parse-Installation-Id"
	headerClientVersion  = "X-Parse-Client-Version"
)

// requestIDMiddleware generates a UUID per request and adds it to the context.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.New().String()
		ctx := context.WithValue(r.Context(), contextKeyRequestID, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs request method, path, status, and latency.
func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			reqID, _ := r.Context().Value(contextKeyRequestID).(string)
			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rw.statusCode,
				"latency_ms", time.Since(start).Milliseconds(),
				"request_id", reqID,
			)
		})
	}
}

// recoveryMiddleware catches panics and returns 500.
func recoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := &responseWriter{ResponseWriter: w, statusCode: 0}
			defer func() {
				if rec := recover(); rec != nil {
					reqID, _ := r.Context().Value(contextKeyRequestID).(string)
					logger.Error("panic recovered", "error", rec, "request_id", reqID)
					if rw.statusCode == 0 {
						http.Error(rw, `{"code":1,"error":"internal server error"}`, http.StatusInternalServerError)
					}
				}
			}()
			next.ServeHTTP(rw, r)
		})
	}
}

// authMiddleware checks the application id, then resolves the caller into
// an auth context: master via the master key, user via session token,
// anonymous otherwise. The resolved context is set on the request.
func authMiddleware(env *rest.Env, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/healthz" {
				next.ServeHTTP(w, r)
				return
			}
			if r.Header.Get(headerAppID) != env.Config.ApplicationID {
				writeJSON(w, http.StatusForbidden, map[string]any{
					"code":  apierr.CodeOperationForbidden,
					"error": "unauthorized",
				})
				return
			}

			installationID := r.Header.Get(headerInstallationID)

			var a *auth.Auth
			if key := r.Header.Get(headerMasterKey); key != "" {
				if subtle.ConstantTimeCompare([]byte(key), []byte(env.Config.MasterKey)) != 1 {
					writeJSON(w, http.StatusForbidden, map[string]any{
						"code":  apierr.CodeOperationForbidden,
						"error": "unauthorized",
					})
					return
				}
				a = auth.Master()
			} else if token := r.Header.Get(headerSessionToken); token != "" {
				resolved, err := auth.ForSessionToken(r.Context(), env.Adapter, token)
				if err != nil {
					writeError(w, err)
					return
				}
				a = resolved
			} else {
				a = auth.Nobody()
			}
			a.InstallationID = installationID

			ctx := context.WithValue(r.Context(), contextKeyAuth, a)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requireMaster gates an endpoint on the master context.
func requireMaster(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !authFrom(r).IsMaster {
			writeJSON(w, http.StatusForbidden, map[string]any{
				"code":  apierr.CodeOperationForbidden,
				"error": "unauthorized: master key is required",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func authFrom(r *http.Request) *auth.Auth {
	if a, ok := r.Context().Value(contextKeyAuth).(*auth.Auth); ok {
		return a
	}
	return auth.Nobody()
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
