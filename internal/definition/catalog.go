// Package definition loads workflow catalogs from YAML, validates them, and
// provides a fast-lookup registry with atomic pointer swap. Resolving a
// workflow type is pure: the same type always yields the same step plan.
package definition

import "github.com/tarebo/maestro/model"

// BuiltinCatalog returns the workflow types and worker types compiled into
// the binary. Catalog files loaded at startup extend or override these.
func BuiltinCatalog() model.CatalogFile {
	return model.CatalogFile{
		Version: "builtin",
		Workflows: []model.WorkflowTypeDefinition{
			{
				Type:        "resume-build",
				Description: "Draft, refine, and typeset a resume.",
				MaxRetries:  2,
				StepTimeout: "90s",
				Steps: []model.WorkflowStepDefinition{
					{StepNumber: 1, WorkerType: "resume"},
					{StepNumber: 2, WorkerType: "assistant", DependsOn: []int{1}},
					{
						StepNumber: 3,
						WorkerType: "latex",
						DependsOn:  []int{2},
						Payload: map[string]string{
							"document": "steps.2.content",
							"format":   "'pdf'",
						},
					},
				},
			},
			{
				Type:        "expert-research",
				Description: "Gather sources, distill them, and compose an expert answer.",
				MaxRetries:  2,
				StepTimeout: "120s",
				Steps: []model.WorkflowStepDefinition{
					{StepNumber: 1, WorkerType: "agent-tool", Parallel: true},
					{StepNumber: 2, WorkerType: "data-processing", DependsOn: []int{1}},
					{StepNumber: 3, WorkerType: "assistant", DependsOn: []int{2}},
				},
			},
			{
				Type:        "interview-prep",
				Description: "Run a mock interview and question generation, then compile a briefing.",
				MaxRetries:  2,
				StepTimeout: "90s",
				Steps: []model.WorkflowStepDefinition{
					{StepNumber: 1, WorkerType: "interview", Parallel: true},
					{StepNumber: 2, WorkerType: "llm", Parallel: true},
					{StepNumber: 3, WorkerType: "assistant", DependsOn: []int{1, 2}},
				},
			},
			{
				Type:        "data-pipeline",
				Description: "Normalize a dataset and summarize it.",
				MaxRetries:  2,
				StepTimeout: "60s",
				Steps: []model.WorkflowStepDefinition{
					{StepNumber: 1, WorkerType: "data-processing"},
					{StepNumber: 2, WorkerType: "llm", DependsOn: []int{1}},
				},
			},
			{
				Type:        "math-solve",
				Description: "Evaluate a mathematical query on a kernel worker.",
				MaxRetries:  1,
				StepTimeout: "60s",
				Steps: []model.WorkflowStepDefinition{
					{StepNumber: 1, WorkerType: "wolfram-kernel"},
				},
			},
		},
		WorkerTypes: []model.WorkerTypeDefinition{
			{
				Type:        "resume",
				Description: "Resume drafting worker.",
				Deployment:  "resume-worker",
				Image:       "tarebo/resume-worker:latest",
				CPU:         "250m",
				Memory:      "256Mi",
			},
			{
				Type:        "assistant",
				Description: "General assistant worker.",
				Deployment:  "assistant-worker",
				Image:       "tarebo/assistant-worker:latest",
				CPU:         "250m",
				Memory:      "256Mi",
			},
			{
				Type:        "latex",
				Description: "LaTeX typesetting worker.",
				Deployment:  "latex-worker",
				Image:       "tarebo/latex-worker:latest",
				CPU:         "500m",
				Memory:      "512Mi",
			},
			{
				Type:        "agent-tool",
				Description: "Tool-using research agent worker.",
				Deployment:  "agent-tool-worker",
				Image:       "tarebo/agent-tool-worker:latest",
				CPU:         "250m",
				Memory:      "256Mi",
			},
			{
				Type:        "data-processing",
				Description: "Dataset extraction and normalization worker.",
				Deployment:  "data-processing-worker",
				Image:       "tarebo/data-processing-worker:latest",
				CPU:         "500m",
				Memory:      "512Mi",
			},
			{
				Type:        "interview",
				Description: "Mock interview worker.",
				Deployment:  "interview-worker",
				Image:       "tarebo/interview-worker:latest",
				CPU:         "250m",
				Memory:      "256Mi",
			},
			{
				Type:        "llm",
				Description: "Language model inference worker.",
				Deployment:  "llm-worker",
				Image:       "tarebo/llm-worker:latest",
				GPU:         true,
				CPU:         "1",
				Memory:      "2Gi",
			},
			{
				Type:        "wolfram-kernel",
				Description: "Symbolic math kernel worker.",
				Deployment:  "wolfram-kernel-worker",
				Image:       "tarebo/wolfram-kernel-worker:latest",
				CPU:         "500m",
				Memory:      "1Gi",
			},
		},
	}
}
