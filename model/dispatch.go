package model

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// WorkCommand is one unit of work handed to a worker. TaskID carries the
// correlation identity; Payload is the step input built for the worker type.
type WorkCommand struct {
	TaskID     string         `json:"taskId"`
	WorkerID   string         `json:"workerId,omitempty"`
	WorkerType string         `json:"taskType"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// CommandDispatcher hands work commands to workers. A failed handoff is
// reported as a dispatch error and is retryable.
type CommandDispatcher interface {
	Dispatch(ctx context.Context, cmd WorkCommand) error
}

// ResultHandler consumes decoded worker results. Implementations must be
// idempotent: the same result may be delivered more than once.
type ResultHandler interface {
	HandleResult(ctx context.Context, taskID string, resp Response) error
}

// WorkerHeartbeat is a decoded worker status report.
type WorkerHeartbeat struct {
	WorkerID          string `json:"workerId"`
	WorkerType        string `json:"workerType,omitempty"`
	Name              string `json:"name,omitempty"`
	Healthy           bool   `json:"healthy"`
	ActiveAssignments int    `json:"activeAssignments,omitempty"`
}

// WorkerStatusHandler consumes decoded worker heartbeats.
type WorkerStatusHandler interface {
	HandleWorkerStatus(ctx context.Context, hb WorkerHeartbeat) error
}

// FormatTaskID builds the correlation id for one delivery attempt of one
// step. Re-dispatching a step after a retry produces a new task id, so late
// results from a superseded attempt are distinguishable from current ones.
func FormatTaskID(requestID string, stepNumber, attempt int) string {
	return fmt.Sprintf("%s:%d:%d", requestID, stepNumber, attempt)
}

// ParseTaskID splits a task id back into its request id, step number, and
// attempt. The request id itself may not contain colons.
func ParseTaskID(taskID string) (requestID string, stepNumber, attempt int, err error) {
	parts := strings.Split(taskID, ":")
	if len(parts) != 3 || parts[0] == "" {
		return "", 0, 0, fmt.Errorf("malformed task id %q", taskID)
	}
	stepNumber, err = strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, 0, fmt.Errorf("malformed step number in task id %q", taskID)
	}
	attempt, err = strconv.Atoi(parts[2])
	if err != nil {
		return "", 0, 0, fmt.Errorf("malformed attempt in task id %q", taskID)
	}
	return parts[0], stepNumber, attempt, nil
}
