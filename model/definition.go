package model

// CatalogFile is the root structure of a workflow catalog file. Each file
// declares workflow types and the worker types their steps run on.
type CatalogFile struct {
	Version     string                   `yaml:"version"      json:"version"`
	Workflows   []WorkflowTypeDefinition `yaml:"workflows"    json:"workflows,omitempty"`
	WorkerTypes []WorkerTypeDefinition   `yaml:"worker_types" json:"worker_types,omitempty"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// WorkflowTypeDefinition declares the step plan for one workflow type.
// The plan is static: resolving a type yields the same steps every time.
type WorkflowTypeDefinition struct {
	Type        string                   `yaml:"type"         json:"type"`
	Description string                   `yaml:"description"  json:"description,omitempty"`
	MaxRetries  int                      `yaml:"max_retries"  json:"max_retries"`
	StepTimeout string                   `yaml:"step_timeout" json:"step_timeout,omitempty"`
	Steps       []WorkflowStepDefinition `yaml:"steps"        json:"steps"`
}

// WorkerTypeDefinition describes one worker type: the queue identity workers
// of that type consume under, and the node defaults used when the platform
// starts dedicated worker nodes for it.
type WorkerTypeDefinition struct {
	Type        string `yaml:"type"        json:"type"`
	Description string `yaml:"description" json:"description,omitempty"`
	Deployment  string `yaml:"deployment"  json:"deployment"`
	Image       string `yaml:"image"       json:"image,omitempty"`
	GPU         bool   `yaml:"gpu"         json:"gpu,omitempty"`
	CPU         string `yaml:"cpu"         json:"cpu,omitempty"`
	Memory      string `yaml:"memory"      json:"memory,omitempty"`
}
