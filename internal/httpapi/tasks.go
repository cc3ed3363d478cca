package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/candorlabs/foreman/internal/task"
)

type cancelTaskRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req task.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "title is required")
		return
	}

	t, err := s.engine.Create(r.Context(), req)
	if err != nil {
		respondError(w, http.StatusBadRequest, "task_create_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, t)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	all, err := s.engine.List(r.Context())
	if err != nil {
		respondFault(w, err)
		return
	}

	status := strings.TrimSpace(r.URL.Query().Get("status"))
	if status != "" {
		filtered := all[:0]
		for _, t := range all {
			if string(t.Status) == status {
				filtered = append(filtered, t)
			}
		}
		all = filtered
	}
	respondJSON(w, http.StatusOK, map[string]any{"tasks": all})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}

	t, err := s.engine.Get(r.Context(), taskID)
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) handleEnqueueTask(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}

	t, err := s.engine.Enqueue(r.Context(), taskID)
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, t)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}

	reason := "Cancelled by API."
	var req cancelTaskRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Reason) != "" {
		reason = strings.TrimSpace(req.Reason)
	}

	t, err := s.engine.Cancel(r.Context(), taskID, reason)
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) handleListTaskEvents(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}
	if _, err := s.engine.Get(r.Context(), taskID); err != nil {
		respondFault(w, err)
		return
	}

	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		if n > 500 {
			n = 500
		}
		limit = n
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"task_id": taskID,
		"events":  s.engine.History(taskID, limit),
	})
}
