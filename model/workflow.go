package model

import (
	"strconv"
	"time"
)

// WorkflowStepDefinition describes one step of a workflow type. StepNumber is
// 1-based; DependsOn may only reference strictly smaller step numbers, which
// makes every definition acyclic by construction. Parallel marks a step as
// eligible to run concurrently with other ready parallel steps at the same
// dependency depth. Payload is an optional field→expression template used to
// build the dispatched task payload.
type WorkflowStepDefinition struct {
	StepNumber int               `json:"stepNumber" yaml:"step_number"`
	WorkerType string            `json:"workerType" yaml:"worker_type"`
	DependsOn  []int             `json:"dependsOn,omitempty" yaml:"depends_on"`
	Parallel   bool              `json:"parallel,omitempty" yaml:"parallel"`
	Payload    map[string]string `json:"payload,omitempty" yaml:"payload"`
}

// Workflow is the per-request execution instance of a workflow type: the
// resolved step list plus the state carried between steps. One Workflow is
// created for each Request execution.
type Workflow struct {
	ID           string                   `json:"id"`
	RequestID    string                   `json:"requestId"`
	WorkflowType string                   `json:"workflowType"`
	Steps        []WorkflowStepDefinition `json:"steps"`
	CurrentStep  int                      `json:"currentStep"`
	State        map[string]any           `json:"state,omitempty"`
	CreatedAt    time.Time                `json:"createdAt"`
	UpdatedAt    time.Time                `json:"updatedAt"`
}

// Step returns the definition for the given step number, or nil.
func (w *Workflow) Step(stepNumber int) *WorkflowStepDefinition {
	for i := range w.Steps {
		if w.Steps[i].StepNumber == stepNumber {
			return &w.Steps[i]
		}
	}
	return nil
}

// StepOutput returns the recorded output of a completed step, or nil.
func (w *Workflow) StepOutput(stepNumber int) map[string]any {
	outputs, ok := w.State["steps"].(map[string]any)
	if !ok {
		return nil
	}
	out, _ := outputs[strconv.Itoa(stepNumber)].(map[string]any)
	return out
}

// RecordStepOutput stores a completed step's output in the workflow state and
// advances CurrentStep, which is monotonic non-decreasing. Output keys are
// step numbers as strings so the state survives a JSON round trip unchanged.
func (w *Workflow) RecordStepOutput(stepNumber int, output map[string]any) {
	if w.State == nil {
		w.State = make(map[string]any)
	}
	outputs, ok := w.State["steps"].(map[string]any)
	if !ok {
		outputs = make(map[string]any)
		w.State["steps"] = outputs
	}
	outputs[strconv.Itoa(stepNumber)] = output
	if stepNumber > w.CurrentStep {
		w.CurrentStep = stepNumber
	}
}
