package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"GameHelper/internal/core"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET is allowed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"service":   "gamehelper-api",
		"scheduler": s.scheduler.IsRunning(),
	})
}

// handleTasks returns all retained tasks
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET is allowed")
		return
	}

	s.writeJSON(w, http.StatusOK, TaskListResponse{
		Tasks:   s.scheduler.ListTasks(),
		Running: s.scheduler.RunningTasks(),
		Pending: s.scheduler.PendingCount(),
	})
}

// handleTask serves GET /api/tasks/{id}, DELETE /api/tasks/{id} and
// POST /api/tasks/{id}/{pause|resume|interrupt|cancel}
func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/tasks/"), "/")
	parts := strings.Split(path, "/")
	if parts[0] == "" || len(parts) > 2 {
		s.writeError(w, http.StatusBadRequest, "invalid_path", "Task ID required")
		return
	}

	taskID := parts[0]
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch {
	case r.Method == http.MethodGet && action == "":
		snap, ok, err := s.scheduler.LookupTask(r.Context(), taskID)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "lookup_failed", err.Error())
			return
		}
		if !ok {
			s.writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("task %s not found", taskID))
			return
		}
		s.writeJSON(w, http.StatusOK, snap)

	case r.Method == http.MethodDelete && action == "":
		s.control(w, taskID, "cancel")

	case r.Method == http.MethodPost && action != "":
		s.control(w, taskID, action)

	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Use GET, DELETE, or POST to /{action}")
	}
}

func (s *Server) control(w http.ResponseWriter, taskID, action string) {
	var applied bool
	switch action {
	case "pause":
		applied = s.scheduler.PauseTask(taskID)
	case "resume":
		applied = s.scheduler.ResumeTask(taskID)
	case "interrupt":
		applied = s.scheduler.InterruptTask(taskID, nil)
	case "cancel":
		err := s.scheduler.CancelTask(taskID)
		switch {
		case errors.Is(err, core.ErrTaskNotFound):
			s.writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		case err != nil:
			s.writeError(w, http.StatusConflict, "cancel_failed", err.Error())
			return
		}
		applied = true
	default:
		s.writeError(w, http.StatusBadRequest, "unknown_action", fmt.Sprintf("unknown action %q", action))
		return
	}

	if !applied {
		s.writeError(w, http.StatusConflict, "not_running", fmt.Sprintf("task %s is not running", taskID))
		return
	}
	s.logger.Info("[API] control: applied", "task", taskID, "action", action)
	s.writeJSON(w, http.StatusOK, ControlResponse{
		TaskID:  taskID,
		Action:  action,
		Message: fmt.Sprintf("Task %s %s requested", taskID, action),
	})
}

// handlePrereqs returns the prerequisites report
func (s *Server) handlePrereqs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET is allowed")
		return
	}

	if s.prereqProvider == nil {
		s.writeError(w, http.StatusNotImplemented, "not_implemented", "Prereq provider not configured")
		return
	}

	report, err := s.prereqProvider(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "prereqs_failed", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// handleDevices returns the attached devices
func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET is allowed")
		return
	}

	if s.deviceProvider == nil {
		s.writeError(w, http.StatusNotImplemented, "not_implemented", "Device provider not configured")
		return
	}

	devices, err := s.deviceProvider(r.Context())
	if err != nil {
		s.writeError(w, http.StatusBadGateway, "devices_failed", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET is allowed")
		return
	}

	if s.configProvider == nil {
		s.writeError(w, http.StatusNotImplemented, "not_implemented", "Config provider not configured")
		return
	}

	s.writeJSON(w, http.StatusOK, s.configProvider())
}
