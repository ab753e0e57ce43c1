// Package api provides an HTTP adapter for the task scheduler.
// It exposes REST endpoints for task control and an SSE stream of task updates.
package api

import "GameHelper/internal/core"

// APIResponse wraps all API responses with a consistent structure
type APIResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *APIError `json:"error,omitempty"`
}

// APIError represents an API error
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TaskListResponse lists retained tasks, newest first
type TaskListResponse struct {
	Tasks   []core.ContextSnapshot `json:"tasks"`
	Running []string               `json:"running"`
	Pending int                    `json:"pending"`
}

// ControlResponse acknowledges a control request
type ControlResponse struct {
	TaskID  string `json:"taskId"`
	Action  string `json:"action"`
	Message string `json:"message"`
}
