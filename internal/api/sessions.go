package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/duckmesh/biagent/internal/auth"
	"github.com/duckmesh/biagent/internal/conversation"
	"github.com/duckmesh/biagent/internal/session"
)

type createSessionRequest struct {
	Title string `json:"title"`
}

type sessionResponse struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	TurnCount int       `json:"turn_count"`
	Busy      bool      `json:"busy"`
}

type turnsResponse struct {
	SessionID string              `json:"session_id"`
	Order     string              `json:"order"`
	Turns     []conversation.Turn `json:"turns"`
}

func handleCreateSession(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SESSIONS_NOT_CONFIGURED", "session store is not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleAnalyst); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	var request createSessionRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil && !errors.Is(err, io.EOF) {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid session request body", false, map[string]any{"details": err.Error()})
		return
	}

	created := deps.Sessions.Create(ownerFromRequest(r), strings.TrimSpace(request.Title))
	if deps.Logger != nil {
		deps.Logger.InfoContext(r.Context(), "session created", "session_id", created.ID)
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(created))
}

func handleListSessions(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SESSIONS_NOT_CONFIGURED", "session store is not configured", false, nil)
		return
	}
	if err := requireRead(r); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	sessions := deps.Sessions.List(ownerFromRequest(r))
	items := make([]sessionResponse, 0, len(sessions))
	for _, item := range sessions {
		items = append(items, toSessionResponse(item))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": items})
}

func handleGetSession(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	current, ok := lookupSession(deps, w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(current))
}

func handleDeleteSession(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SESSIONS_NOT_CONFIGURED", "session store is not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleAnalyst); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	id := r.PathValue("id")
	if err := deps.Sessions.Delete(id, ownerFromRequest(r)); err != nil {
		writeSessionError(w, r, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListTurns returns the scrollback. The default order is newest first,
// the way the conversation is displayed; ?order=oldest returns log order.
func handleListTurns(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	current, ok := lookupSession(deps, w, r)
	if !ok {
		return
	}

	order := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("order")))
	var turns []conversation.Turn
	switch order {
	case "", "newest":
		order = "newest"
		turns = current.Log.NewestFirst()
	case "oldest":
		turns = current.Log.Turns()
	default:
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_ORDER", "order must be newest or oldest", false, map[string]any{"order": order})
		return
	}
	writeJSON(w, http.StatusOK, turnsResponse{SessionID: current.ID, Order: order, Turns: turns})
}

func lookupSession(deps Dependencies, w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	if deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SESSIONS_NOT_CONFIGURED", "session store is not configured", false, nil)
		return nil, false
	}
	if err := requireRead(r); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return nil, false
	}
	id := r.PathValue("id")
	current, err := deps.Sessions.Get(id, ownerFromRequest(r))
	if err != nil {
		writeSessionError(w, r, id, err)
		return nil, false
	}
	return current, true
}

func writeSessionError(w http.ResponseWriter, r *http.Request, id string, err error) {
	extra := map[string]any{"session_id": id}
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(r.Context(), w, http.StatusNotFound, "SESSION_NOT_FOUND", err.Error(), false, extra)
	case errors.Is(err, session.ErrBusy):
		writeError(r.Context(), w, http.StatusConflict, "SESSION_BUSY", err.Error(), true, extra)
	default:
		writeError(r.Context(), w, http.StatusInternalServerError, "SESSION_ERROR", err.Error(), false, extra)
	}
}

func toSessionResponse(item *session.Session) sessionResponse {
	return sessionResponse{
		ID:        item.ID,
		OwnerID:   item.OwnerID,
		Title:     item.Title,
		CreatedAt: item.CreatedAt,
		TurnCount: item.Log.Len(),
		Busy:      item.Busy(),
	}
}
