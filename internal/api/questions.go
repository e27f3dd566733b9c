package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/duckmesh/biagent/internal/auth"
	"github.com/duckmesh/biagent/internal/chart"
	"github.com/duckmesh/biagent/internal/conversation"
	"github.com/duckmesh/biagent/internal/observability"
	"github.com/duckmesh/biagent/internal/pipeline"
	"github.com/duckmesh/biagent/internal/session"
	"github.com/duckmesh/biagent/internal/warehouse"
)

type askRequest struct {
	Question string `json:"question"`
}

type chartResponse struct {
	Status string          `json:"status"`
	Code   string          `json:"code,omitempty"`
	Error  string          `json:"error,omitempty"`
	Figure json.RawMessage `json:"figure,omitempty"`
}

type askResponse struct {
	SessionID  string              `json:"session_id"`
	Status     pipeline.Status     `json:"status"`
	SQL        string              `json:"sql,omitempty"`
	Plan       string              `json:"plan,omitempty"`
	Attempts   int                 `json:"attempts"`
	Repaired   bool                `json:"repaired"`
	Table      *warehouse.Table    `json:"table,omitempty"`
	Chart      *chartResponse      `json:"chart,omitempty"`
	Failure    string              `json:"failure,omitempty"`
	DurationMs int64               `json:"duration_ms"`
	Turns      []conversation.Turn `json:"turns"`
}

func handleAskQuestion(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Sessions == nil || deps.Assistant == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ASSISTANT_NOT_CONFIGURED", "question dependencies are not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleAnalyst); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	var request askRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid question request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(request.Question) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "QUESTION_REQUIRED", "question is required", false, nil)
		return
	}

	id := r.PathValue("id")
	current, err := deps.Sessions.Get(id, ownerFromRequest(r))
	if err != nil {
		writeSessionError(w, r, id, err)
		return
	}
	if !current.TryAcquire() {
		writeSessionError(w, r, id, session.ErrBusy)
		return
	}
	defer current.Release()

	ctx := observability.ContextWithSessionID(r.Context(), current.ID)
	if deps.QuestionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deps.QuestionTimeout)
		defer cancel()
	}

	before := current.Log.Len()
	result, err := deps.Assistant.Ask(ctx, current.Log, request.Question)
	if err != nil {
		if errors.Is(err, pipeline.ErrEmptyQuestion) {
			writeError(r.Context(), w, http.StatusBadRequest, "QUESTION_REQUIRED", err.Error(), false, nil)
			return
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "ASK_FAILED", err.Error(), false, map[string]any{"session_id": current.ID})
		return
	}

	turns := current.Log.Turns()
	if before > len(turns) {
		before = len(turns)
	}
	response := toAskResponse(current.ID, result, turns[before:])

	switch result.Status {
	case pipeline.StatusModelUnavailable:
		writeError(r.Context(), w, http.StatusBadGateway, "MODEL_UNAVAILABLE", result.Failure, true, map[string]any{
			"session_id": current.ID,
			"status":     result.Status,
		})
	case pipeline.StatusWarehouseUnavailable:
		writeError(r.Context(), w, http.StatusServiceUnavailable, "WAREHOUSE_UNAVAILABLE", result.Failure, true, map[string]any{
			"session_id": current.ID,
			"status":     result.Status,
			"sql":        result.SQL,
		})
	default:
		// Failed and schema-less questions are answers too: the log carries
		// the verbatim error and last SQL.
		writeJSON(w, http.StatusOK, response)
	}
}

func toAskResponse(sessionID string, result pipeline.Result, turns []conversation.Turn) askResponse {
	response := askResponse{
		SessionID:  sessionID,
		Status:     result.Status,
		SQL:        result.SQL,
		Plan:       result.Plan,
		Attempts:   result.Attempts,
		Repaired:   result.Repaired,
		Table:      result.Table,
		Failure:    result.Failure,
		DurationMs: result.Duration.Milliseconds(),
		Turns:      turns,
	}
	if result.Chart != nil {
		response.Chart = toChartResponse(*result.Chart)
	}
	return response
}

func toChartResponse(artifact chart.Artifact) *chartResponse {
	out := &chartResponse{Status: artifact.Status(), Code: artifact.Code}
	if artifact.Err != nil {
		out.Error = artifact.Err.Error()
	}
	if artifact.Figure != nil {
		if raw, err := artifact.Figure.JSON(); err == nil {
			out.Figure = raw
		}
	}
	return out
}
