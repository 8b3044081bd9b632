package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/weftlabs/weft/errors"
	"github.com/weftlabs/weft/forward"
	"github.com/weftlabs/weft/history"
)

// HandleRuns lists runs, newest first. Query parameters: workflow_id,
// status, user_id, limit, offset.
func (s *Server) HandleRuns(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	q := r.URL.Query()
	filter := history.RunFilter{
		WorkflowID: q.Get("workflow_id"),
		UserID:     q.Get("user_id"),
	}
	if status := q.Get("status"); status != "" {
		filter.Status = history.RunStatus(status)
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		filter.Limit = n
	}
	if offset := q.Get("offset"); offset != "" {
		n, err := strconv.Atoi(offset)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid offset")
			return
		}
		filter.Offset = n
	}

	runs, total, err := s.store.ListRuns(filter)
	if err != nil {
		s.logger.Errorw("Failed to list runs", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list runs")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"total": total,
	})
}

// HandleRun serves a single run and its sub-resources:
// GET /api/runs/{id}, /api/runs/{id}/steps, /api/runs/{id}/events.
func (s *Server) HandleRun(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	parts := extractPathParts(r.URL.Path, "/api/runs/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "Missing run id")
		return
	}
	runID := parts[0]

	run, err := s.store.GetRun(runID)
	if err != nil {
		if errors.IsNotFoundError(err) {
			writeError(w, http.StatusNotFound, "Run not found")
			return
		}
		s.logger.Errorw("Failed to get run", "error", err, "run_id", runID)
		writeError(w, http.StatusInternalServerError, "Failed to get run")
		return
	}

	if len(parts) == 1 {
		writeJSON(w, http.StatusOK, run)
		return
	}

	switch parts[1] {
	case "steps":
		steps, err := s.store.ListSteps(runID)
		if err != nil {
			s.logger.Errorw("Failed to list steps", "error", err, "run_id", runID)
			writeError(w, http.StatusInternalServerError, "Failed to list steps")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"steps": steps})
	case "events":
		events, err := s.store.ListEvents(runID)
		if err != nil {
			s.logger.Errorw("Failed to list events", "error", err, "run_id", runID)
			writeError(w, http.StatusInternalServerError, "Failed to list events")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
	default:
		writeError(w, http.StatusNotFound, "Unknown sub-resource")
	}
}

// HandleTrace serves GET /api/traces/{traceID}/events: every event
// stamped with the trace id, across runs, in per-run sequence order.
func (s *Server) HandleTrace(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	parts := extractPathParts(r.URL.Path, "/api/traces/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "events" {
		writeError(w, http.StatusBadRequest, "Invalid path format")
		return
	}

	events, err := s.store.ListEventsByTrace(parts[0])
	if err != nil {
		s.logger.Errorw("Failed to list trace events", "error", err, "trace_id", parts[0])
		writeError(w, http.StatusInternalServerError, "Failed to list trace events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// HandleIngest accepts nested-execution events pushed from other
// processes: POST /api/events. The forwarder owns validation, filtering,
// and attribution; events it drops are still acknowledged, because a
// forwarding problem must never fail the emitting execution.
func (s *Server) HandleIngest(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var ev forward.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid event payload")
		return
	}

	s.forwarder.Forward(r.Context(), ev)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// HandleHealth reports liveness.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
