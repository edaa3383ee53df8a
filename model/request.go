package model

import "time"

// RequestStatus is the lifecycle state of an orchestration request. The only
// legal path is PENDING → PROCESSING → {COMPLETED | FAILED | CANCELLED}.
type RequestStatus string

const (
	RequestPending    RequestStatus = "PENDING"
	RequestProcessing RequestStatus = "PROCESSING"
	RequestCompleted  RequestStatus = "COMPLETED"
	RequestFailed     RequestStatus = "FAILED"
	RequestCancelled  RequestStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s RequestStatus) Terminal() bool {
	return s == RequestCompleted || s == RequestFailed || s == RequestCancelled
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s RequestStatus) CanTransitionTo(next RequestStatus) bool {
	switch s {
	case RequestPending:
		return next == RequestProcessing || next == RequestCompleted ||
			next == RequestFailed || next == RequestCancelled
	case RequestProcessing:
		return next == RequestCompleted || next == RequestFailed || next == RequestCancelled
	default:
		return false
	}
}

// Request is one unit of orchestrated work: a workflow type plus an opaque
// payload, expanded into worker assignments. It is owned exclusively by the
// orchestration engine and persisted as a single aggregate.
type Request struct {
	ID             string             `json:"id"`
	UserID         string             `json:"userId"`
	TenantID       string             `json:"tenantId,omitempty"`
	WorkflowType   string             `json:"workflowType"`
	Status         RequestStatus      `json:"status"`
	Data           map[string]any     `json:"data,omitempty"`
	Metadata       map[string]any     `json:"metadata,omitempty"`
	Assignments    []WorkerAssignment `json:"assignments"`
	CreatedAt      time.Time          `json:"createdAt"`
	UpdatedAt      time.Time          `json:"updatedAt"`
	CompletedAt    *time.Time         `json:"completedAt,omitempty"`
	Result         map[string]any     `json:"result,omitempty"`
	Error          string             `json:"error,omitempty"`
	CorrelationID  string             `json:"correlationId,omitempty"`
	IdempotencyKey string             `json:"idempotencyKey,omitempty"`
}

// AssignmentForStep returns the assignment created for the given step number,
// or nil if the step has not been issued yet.
func (r *Request) AssignmentForStep(stepNumber int) *WorkerAssignment {
	for i := range r.Assignments {
		if r.Assignments[i].StepNumber == stepNumber {
			return &r.Assignments[i]
		}
	}
	return nil
}

// AssignmentStatus is the lifecycle state of one step's execution record.
type AssignmentStatus string

const (
	AssignmentPending    AssignmentStatus = "PENDING"
	AssignmentProcessing AssignmentStatus = "PROCESSING"
	AssignmentCompleted  AssignmentStatus = "COMPLETED"
	AssignmentFailed     AssignmentStatus = "FAILED"
)

// Terminal reports whether the assignment admits no further transitions.
func (s AssignmentStatus) Terminal() bool {
	return s == AssignmentCompleted || s == AssignmentFailed
}

// WorkerAssignment records one step's execution attempts against a specific
// worker. It is owned by the Request that created it. RetryCount never
// exceeds MaxRetries: the FAILED transition happens exactly when a failure
// arrives while RetryCount == MaxRetries.
type WorkerAssignment struct {
	ID          string           `json:"id"`
	RequestID   string           `json:"requestId"`
	StepNumber  int              `json:"stepNumber"`
	WorkerID    string           `json:"workerId"`
	WorkerType  string           `json:"workerType"`
	Status      AssignmentStatus `json:"status"`
	Response    *Response        `json:"response,omitempty"`
	Error       string           `json:"error,omitempty"`
	StartedAt   *time.Time       `json:"startedAt,omitempty"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
	NextRetryAt *time.Time       `json:"nextRetryAt,omitempty"`
	RetryCount  int              `json:"retryCount"`
	MaxRetries  int              `json:"maxRetries"`
}

// CanRetry reports whether another attempt is permitted.
func (a *WorkerAssignment) CanRetry() bool {
	return a.RetryCount < a.MaxRetries
}
