package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"GameHelper/internal/core"
)

// ConsoleReporter prints task updates as human-readable lines
type ConsoleReporter struct {
	mu  sync.Mutex
	out io.Writer
}

func NewConsoleReporter(out io.Writer) *ConsoleReporter {
	return &ConsoleReporter{out: out}
}

// EmitTaskUpdate implements core.TaskEventEmitter
func (r *ConsoleReporter) EmitTaskUpdate(event core.TaskUpdateEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	line := fmt.Sprintf("[%s] %-11s %5.1f%%  %s", event.TaskID, event.State, event.Progress*100, event.Message)
	if event.Error != "" {
		line += "  error: " + event.Error
	}
	fmt.Fprintln(r.out, line)
}

// ReportSummary prints the final state of each task.
func (r *ConsoleReporter) ReportSummary(snaps []core.ContextSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fmt.Fprintln(r.out, "Summary:")
	for _, snap := range snaps {
		fmt.Fprintf(r.out, "  %s (%s): %s", snap.TaskID, snap.Name, snap.State)
		if snap.Error != "" {
			fmt.Fprintf(r.out, " - %s", snap.Error)
		}
		fmt.Fprintln(r.out)
	}
}

// JSONEvent is the structured event format for machine-readable output
type JSONEvent struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data"`
}

// JSONErrorData contains error information in structured form
type JSONErrorData struct {
	Message string `json:"message"`
}

// JSONReporter writes one JSON event per line for scripting
type JSONReporter struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func NewJSONReporter(out io.Writer) *JSONReporter {
	return &JSONReporter{encoder: json.NewEncoder(out)}
}

func (r *JSONReporter) emit(eventType string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = r.encoder.Encode(JSONEvent{
		Type:      eventType,
		Timestamp: time.Now().Format(time.RFC3339Nano),
		Data:      data,
	})
}

// EmitTaskUpdate implements core.TaskEventEmitter
func (r *JSONReporter) EmitTaskUpdate(event core.TaskUpdateEvent) {
	r.emit("task", event)
}

func (r *JSONReporter) ReportSummary(snaps []core.ContextSnapshot) {
	r.emit("summary", snaps)
}

// Reporter is the output side of a run.
type Reporter interface {
	core.TaskEventEmitter
	ReportSummary(snaps []core.ContextSnapshot)
}

func newReporter(out io.Writer, jsonOutput bool) Reporter {
	if jsonOutput {
		return NewJSONReporter(out)
	}
	return NewConsoleReporter(out)
}

func emitJSONError(out io.Writer, message string) {
	NewJSONReporter(out).emit("error", JSONErrorData{Message: message})
}
