package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/duckmesh/biagent/internal/auth"
	"github.com/duckmesh/biagent/internal/config"
	"github.com/duckmesh/biagent/internal/conversation"
	"github.com/duckmesh/biagent/internal/observability"
	"github.com/duckmesh/biagent/internal/pipeline"
	"github.com/duckmesh/biagent/internal/reference"
	"github.com/duckmesh/biagent/internal/session"
)

// anonymousOwner owns every session when authentication is disabled.
const anonymousOwner = "anonymous"

type ReadinessCheck func(ctx context.Context) error

type SessionStore interface {
	Create(ownerID, title string) *session.Session
	Get(id, ownerID string) (*session.Session, error)
	List(ownerID string) []*session.Session
	Delete(id, ownerID string) error
}

// Assistant answers one question against a session's conversation log.
type Assistant interface {
	Ask(ctx context.Context, log *conversation.Log, question string) (pipeline.Result, error)
}

// ReferenceSchema is the schema as loaded at startup together with the text
// block shown to the model.
type ReferenceSchema struct {
	Entries   []reference.SchemaEntry
	Formatted string
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Sessions          SessionStore
	Assistant         Assistant
	// QuestionTimeout bounds one question end to end. Zero leaves it to the
	// gateway and executor timeouts.
	QuestionTimeout time.Duration
	Reference       *ReferenceSchema
	UI              http.Handler
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	protected := http.NewServeMux()
	protected.HandleFunc("POST /v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		handleCreateSession(deps, w, r)
	})
	protected.HandleFunc("GET /v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		handleListSessions(deps, w, r)
	})
	protected.HandleFunc("GET /v1/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		handleGetSession(deps, w, r)
	})
	protected.HandleFunc("DELETE /v1/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		handleDeleteSession(deps, w, r)
	})
	protected.HandleFunc("POST /v1/sessions/{id}/questions", func(w http.ResponseWriter, r *http.Request) {
		handleAskQuestion(deps, w, r)
	})
	protected.HandleFunc("GET /v1/sessions/{id}/turns", func(w http.ResponseWriter, r *http.Request) {
		handleListTurns(deps, w, r)
	})
	protected.HandleFunc("GET /v1/reference/schema", func(w http.ResponseWriter, r *http.Request) {
		handleReferenceSchema(deps, w, r)
	})

	var protectedHandler http.Handler = protected
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	}
	mux.Handle("POST /v1/sessions", protectedHandler)
	mux.Handle("GET /v1/sessions", protectedHandler)
	mux.Handle("GET /v1/sessions/{id}", protectedHandler)
	mux.Handle("DELETE /v1/sessions/{id}", protectedHandler)
	mux.Handle("POST /v1/sessions/{id}/questions", protectedHandler)
	mux.Handle("GET /v1/sessions/{id}/turns", protectedHandler)
	mux.Handle("GET /v1/reference/schema", protectedHandler)
	if deps.UI != nil {
		mux.Handle("GET /ui/", http.StripPrefix("/ui", deps.UI))
		mux.Handle("GET /{$}", http.RedirectHandler("/ui/", http.StatusFound))
	}

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

func CheckPing(name string, ping func(ctx context.Context) error) ReadinessCheck {
	return func(ctx context.Context) error {
		if ping == nil {
			return nil
		}
		if err := ping(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func ownerFromRequest(r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity.OwnerID != "" {
		return identity.OwnerID
	}
	return anonymousOwner
}

func requireRole(r *http.Request, role string) error {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return nil
	}
	if identity.HasRole(role) {
		return nil
	}
	return fmt.Errorf("missing required role %q", role)
}

func requireRead(r *http.Request) error {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || identity.CanRead() {
		return nil
	}
	return fmt.Errorf("missing required role %q", auth.RoleViewer)
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
