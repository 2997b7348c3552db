package httpapi

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/antoniostano/deskpilot/internal/capability"
	"github.com/antoniostano/deskpilot/internal/execution"
	"github.com/antoniostano/deskpilot/internal/plan"
	"github.com/antoniostano/deskpilot/internal/policy"
	"github.com/antoniostano/deskpilot/internal/tasks"
)

type createTaskRequest struct {
	Command        string         `json:"command"`
	TaskID         string         `json:"task_id"`
	Observation    map[string]any `json:"observation"`
	Observe        bool           `json:"observe"`
	TimeoutSeconds int            `json:"timeout_seconds"`
}

type createTaskResponse struct {
	TaskID   string             `json:"task_id"`
	Status   string             `json:"status"`
	Plan     plan.Plan          `json:"plan"`
	PlanText string             `json:"plan_text"`
	Summary  string             `json:"summary"`
	Risk     policy.CommandRisk `json:"risk"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.Command = strings.TrimSpace(req.Command)
	if req.Command == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "command is required")
		return
	}

	observation := req.Observation
	if req.Observe {
		observation = s.observe(r.Context(), observation)
	}

	p := plan.Build(req.Command, observation)
	task, err := s.taskService.CreateTask(r.Context(), tasks.CreateRequest{
		TaskID:         strings.TrimSpace(req.TaskID),
		Requester:      requesterFrom(r.Context()),
		Command:        req.Command,
		Plan:           p,
		TimeoutSeconds: req.TimeoutSeconds,
	})
	if err != nil {
		if errors.Is(err, tasks.ErrInvalidPlan) {
			respondError(w, http.StatusBadRequest, "invalid_plan", err.Error())
			return
		}
		s.metrics.ObserveLedgerError("create")
		respondError(w, http.StatusInternalServerError, "task_create_failed", err.Error())
		return
	}

	text, err := plan.Render(task.Plan)
	if err != nil {
		text = plan.Summary(task.Plan)
	}
	respondJSON(w, http.StatusCreated, createTaskResponse{
		TaskID:   task.ID,
		Status:   string(task.Status),
		Plan:     task.Plan,
		PlanText: text,
		Summary:  plan.Summary(task.Plan),
		Risk:     policy.ClassifyCommand(req.Command),
	})
}

// observe enriches the caller's observation with the active window title.
// Failures leave the observation as it was.
func (s *Server) observe(ctx context.Context, base map[string]any) map[string]any {
	out := make(map[string]any, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	c, ok := s.registry.Resolve(capability.ActionActiveWindow)
	if !ok {
		return out
	}
	res, err := c.Invoke(ctx, capability.Invocation{}, nil)
	if err != nil {
		return out
	}
	if win, ok := res.Value.(capability.Window); ok && win.Title != "" {
		out["active_window"] = win.Title
	}
	return out
}

func (s *Server) handleApproveTask(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	ok, err := s.taskService.ApproveTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, tasks.ErrTaskNotFound) {
			respondError(w, http.StatusNotFound, "task_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "task_approval_failed", err.Error())
		return
	}
	if !ok {
		respondJSON(w, http.StatusConflict, map[string]any{
			"approved": false,
			"error":    "task is not pending approval",
			"code":     "task_not_pending",
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "approved": true})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	ok, err := s.taskService.CancelTask(r.Context(), taskID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "task_cancel_failed", err.Error())
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, "task_not_found", "task not found or already finished")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "cancelled": true})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	task, err := s.taskService.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, tasks.ErrTaskNotFound) {
			respondError(w, http.StatusNotFound, "task_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "task_get_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r, 5, 200)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	list, err := s.taskService.ListTasks(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "task_list_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"tasks": list})
}

func (s *Server) handleListTaskEvents(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	limit, err := limitParam(r, 100, 512)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	events, err := s.taskService.ListTaskEvents(r.Context(), taskID, limit)
	if err != nil {
		if errors.Is(err, tasks.ErrTaskNotFound) {
			respondError(w, http.StatusNotFound, "task_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "task_events_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"task_id": taskID,
		"events":  events,
	})
}

func (s *Server) handleTaskAudit(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if _, err := s.taskService.GetTask(r.Context(), taskID); err != nil {
		if errors.Is(err, tasks.ErrTaskNotFound) {
			respondError(w, http.StatusNotFound, "task_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "task_get_failed", err.Error())
		return
	}
	path := execution.AuditPath(s.cfg.AuditDir, taskID)
	if _, err := os.Stat(path); err != nil {
		respondError(w, http.StatusNotFound, "audit_not_found", "no audit log for this task yet")
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	http.ServeFile(w, r, path)
}
