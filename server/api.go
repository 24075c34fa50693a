// Package server implements the Flux coordinator: the workflow catalog, the
// worker registry, the execution manager, the dispatcher, and the REST + SSE
// surface that ties them together.
package server

import (
	"encoding/json"
	"time"

	"github.com/fluxproj/flux/flux"
)

// Control-plane SSE event names sent to workers.
const (
	SSEExecutionScheduled = "execution_scheduled"
	SSEExecutionResumed   = "execution_resumed"
	SSEExecutionCancelled = "execution_cancelled"
)

// ScheduledFrame is the execution_scheduled payload.
type ScheduledFrame struct {
	ExecutionID  string `json:"execution_id"`
	WorkflowName string `json:"workflow_name"`
	WorkflowID   string `json:"workflow_id"`
}

// ResumedFrame is the execution_resumed payload.
type ResumedFrame struct {
	ExecutionID string          `json:"execution_id"`
	ResumeInput json.RawMessage `json:"resume_input"`
}

// CancelledFrame is the execution_cancelled payload.
type CancelledFrame struct {
	ExecutionID string `json:"execution_id"`
}

// RegisterRequest is the worker bootstrap body.
type RegisterRequest struct {
	Name      string               `json:"name"`
	Resources flux.WorkerResources `json:"resources"`
	Workflows []string             `json:"workflows,omitempty"`
}

// RegisterResponse carries the issued session token.
type RegisterResponse struct {
	SessionToken string `json:"session_token"`
}

// ClaimResponse is returned to the worker that wins a claim: the execution
// with its full event log, plus the plaintext secrets the workflow declared
// (materialized only for the claim holder) and any pending resume input.
type ClaimResponse struct {
	Execution   *flux.Execution   `json:"execution"`
	Secrets     map[string]string `json:"secrets,omitempty"`
	ResumeInput json.RawMessage   `json:"resume_input,omitempty"`
}

// CheckpointRequest persists newly-appended events. CheckpointSeq is the
// sequence number the worker last saw acknowledged; the server rejects the
// request with 409 when its stored value differs.
type CheckpointRequest struct {
	CheckpointSeq int64        `json:"checkpoint_seq"`
	Events        []flux.Event `json:"events"`
}

// RunResponse is the synchronous run/resume response.
type RunResponse struct {
	ExecutionID string              `json:"execution_id"`
	State       flux.ExecutionState `json:"state"`
	Output      json.RawMessage     `json:"output,omitempty"`
	Error       *flux.WireError     `json:"error,omitempty"`
}

// StatusResponse is the execution status body; Events is populated when
// detailed status is requested.
type StatusResponse struct {
	ExecutionID  string              `json:"execution_id"`
	WorkflowName string              `json:"workflow_name"`
	WorkflowID   string              `json:"workflow_id"`
	State        flux.ExecutionState `json:"state"`
	Worker       string              `json:"current_worker,omitempty"`
	Output       json.RawMessage     `json:"output,omitempty"`
	Error        *flux.WireError     `json:"error,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
	Events       []flux.Event        `json:"events,omitempty"`
}

// WorkflowInfo describes one catalog entry.
type WorkflowInfo struct {
	Name           string                    `json:"name"`
	Version        int                       `json:"version"`
	SecretRequests []string                  `json:"secret_requests,omitempty"`
	Resources      flux.ResourceRequirements `json:"resource_requirements"`
	OutputStorage  string                    `json:"output_storage,omitempty"`
}

// RegisteredWorkflow is one element of the upload response.
type RegisteredWorkflow struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
}

// WorkflowManifest is the declarative description accepted by the catalog
// upload endpoint. Workflow bodies are registered code in worker binaries
// addressed by (name, version); the upload carries declarations, not
// closures.
type WorkflowManifest struct {
	Name           string                    `json:"name"`
	SecretRequests []string                  `json:"secret_requests,omitempty"`
	Resources      flux.ResourceRequirements `json:"resource_requirements"`
	OutputStorage  string                    `json:"output_storage,omitempty"`
}

// StatusUpdate is fanned out to streaming clients as an execution changes
// state.
type StatusUpdate struct {
	ExecutionID string              `json:"execution_id"`
	State       flux.ExecutionState `json:"state"`
	Output      json.RawMessage     `json:"output,omitempty"`
	Error       *flux.WireError     `json:"error,omitempty"`
	Timestamp   time.Time           `json:"timestamp"`
}

// StreamEventName maps an execution state to the client-facing SSE event
// name (workflow.execution.running, .paused, .completed, .failed,
// .cancelled).
func StreamEventName(state flux.ExecutionState) string {
	switch state {
	case flux.StateCompleted:
		return "workflow.execution.completed"
	case flux.StateFailed:
		return "workflow.execution.failed"
	case flux.StateCancelled:
		return "workflow.execution.cancelled"
	case flux.StatePaused:
		return "workflow.execution.paused"
	default:
		return "workflow.execution.running"
	}
}

type errorBody struct {
	Error string `json:"error"`
}
