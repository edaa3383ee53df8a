package model

import "time"

// OrchestrateInput is the submit payload accepted on the orchestration endpoint.
type OrchestrateInput struct {
	Type     string         `json:"type"`
	Payload  map[string]any `json:"payload,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// OrchestrateResult is the standardized orchestration response. Data carries
// the aggregated output once the request completes; Error carries the failure
// message once it fails. Both stay empty while the request is in flight.
type OrchestrateResult struct {
	RequestID string         `json:"requestId"`
	Status    RequestStatus  `json:"status"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// WorkerDescriptor is the worker summary returned on the workers endpoint.
type WorkerDescriptor struct {
	ID     string       `json:"id"`
	Type   string       `json:"type"`
	Name   string       `json:"name"`
	Status WorkerHealth `json:"status"`
}

// RegisterWorkerInput is the payload for registering a worker.
type RegisterWorkerInput struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type"`
	Name string `json:"name"`
}

// RequestSummary is the compressed request view returned on list endpoints.
type RequestSummary struct {
	ID           string        `json:"id"`
	WorkflowType string        `json:"workflowType"`
	Status       RequestStatus `json:"status"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
	CompletedAt  *time.Time    `json:"completedAt,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// RequestEvent is one progress notification for a request. Events are
// advisory: consumers resynchronize from the request document, never from
// the event stream alone.
type RequestEvent struct {
	RequestID  string        `json:"requestId"`
	Status     RequestStatus `json:"status"`
	StepNumber int           `json:"stepNumber,omitempty"`
	WorkerType string        `json:"workerType,omitempty"`
	Message    string        `json:"message,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// WorkerTypeDescriptor is the worker-type summary returned on the catalog endpoint.
type WorkerTypeDescriptor struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Deployment  string `json:"deployment"`
	GPU         bool   `json:"gpu"`
}

// WorkflowTypeDescriptor is the workflow-type summary returned on the catalog endpoint.
type WorkflowTypeDescriptor struct {
	Type        string                   `json:"type"`
	Description string                   `json:"description,omitempty"`
	Steps       []WorkflowStepDefinition `json:"steps"`
}

// NodeDescriptor is the worker-node summary returned on node endpoints.
type NodeDescriptor struct {
	Name       string    `json:"name"`
	WorkerType string    `json:"workerType"`
	UserID     string    `json:"userId,omitempty"`
	Phase      string    `json:"phase"`
	Ready      bool      `json:"ready"`
	CreatedAt  time.Time `json:"createdAt"`
}

// StartNodeInput is the payload for starting a dedicated worker node.
type StartNodeInput struct {
	WorkerType string            `json:"workerType"`
	UserID     string            `json:"userId,omitempty"`
	CPU        string            `json:"cpu,omitempty"`
	Memory     string            `json:"memory,omitempty"`
	GPU        bool              `json:"gpu,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
}

// ScaleInput is the payload for scaling a worker deployment.
type ScaleInput struct {
	Replicas int32 `json:"replicas"`
}

// ExecInput is the payload for running a command inside a worker node.
// Container is optional; the pod's only container is assumed when empty.
type ExecInput struct {
	Container string   `json:"container,omitempty"`
	Command   []string `json:"command"`
}

// ExecResult carries the output of a command run inside a worker node.
type ExecResult struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr,omitempty"`
}
