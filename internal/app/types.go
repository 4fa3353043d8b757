package app

import (
	"time"

	"github.com/google/uuid"

	"github.com/orbitflow/taskengine/internal/dependency/graphview"
	"github.com/orbitflow/taskengine/internal/store/readiness"
)

// SubmitTaskRequest is the Task Submission API's request shape.
type SubmitTaskRequest struct {
	Namespace    string
	Name         string
	Version      string
	Context      map[string]any
	Initiator    string
	SourceSystem string
	Reason       string
	Tags         map[string]any
}

// WorkflowStepView is one row of GetTaskResult.WorkflowSteps.
type WorkflowStepView struct {
	ID         uuid.UUID      `json:"id"`
	Name       string         `json:"name"`
	State      string         `json:"state"`
	Attempts   int            `json:"attempts"`
	RetryLimit int            `json:"retry_limit"`
	Results    map[string]any `json:"results,omitempty"`
}

// TaskView is the Task half of get_task's response.
type TaskView struct {
	ID           uuid.UUID      `json:"id"`
	Namespace    string         `json:"namespace"`
	Name         string         `json:"name"`
	Version      string         `json:"version"`
	Context      map[string]any `json:"context"`
	Initiator    string         `json:"initiator,omitempty"`
	SourceSystem string         `json:"source_system,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	Tags         map[string]any `json:"tags,omitempty"`
	RequestedAt  time.Time      `json:"requested_at"`
	CreatedAt    time.Time      `json:"created_at"`
	Complete     bool           `json:"complete"`
}

// GetTaskResult is get_task's full response.
type GetTaskResult struct {
	Task                 TaskView                 `json:"task"`
	WorkflowSteps        []WorkflowStepView        `json:"workflow_steps"`
	Status               readiness.ExecutionStatus `json:"status"`
	CompletionPercentage float64                   `json:"completion_percentage"`
}

// HandlerSummary is one entry of list_handlers' response.
type HandlerSummary struct {
	Namespace     string   `json:"namespace"`
	Name          string   `json:"name"`
	Versions      []string `json:"versions"`
	StepTemplates []string `json:"step_templates"`
}

// DependencyGraphResult is an alias of graphview's wire shape: the
// get_dependency_graph response is identical whether served from the Neo4j
// projection or derived in-process.
type DependencyGraphResult = graphview.Graph
