package definition

import (
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/tarebo/maestro/model"
)

// VError describes a single validation error in a catalog.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator validates catalogs structurally and referentially.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all catalogs as one set: worker-type references in any
// catalog may resolve against worker types declared in any other.
func (v *Validator) Validate(catalogs []model.CatalogFile) []VError {
	var errs []VError

	workerTypes := make(map[string]bool)
	for _, cat := range catalogs {
		for _, wt := range cat.WorkerTypes {
			workerTypes[wt.Type] = true
		}
	}

	for i, cat := range catalogs {
		prefix := fmt.Sprintf("catalogs[%d]", i)
		errs = append(errs, v.validateCatalog(prefix, cat, workerTypes)...)
	}
	return errs
}

func (v *Validator) validateCatalog(prefix string, cat model.CatalogFile, workerTypes map[string]bool) []VError {
	var errs []VError

	if cat.Version == "" {
		errs = append(errs, VError{Path: prefix + ".version", Code: "REQUIRED", Message: "version is required"})
	}

	seenWorkflows := make(map[string]bool)
	for i, wf := range cat.Workflows {
		wp := fmt.Sprintf("%s.workflows[%d]", prefix, i)
		if wf.Type == "" {
			errs = append(errs, VError{Path: wp + ".type", Code: "REQUIRED", Message: "type is required"})
		} else if seenWorkflows[wf.Type] {
			errs = append(errs, VError{Path: wp + ".type", Code: "DUPLICATE", Message: fmt.Sprintf("workflow type %q declared more than once", wf.Type)})
		}
		seenWorkflows[wf.Type] = true
		errs = append(errs, v.validateWorkflowType(wp, wf, workerTypes)...)
	}

	seenWorkers := make(map[string]bool)
	for i, wt := range cat.WorkerTypes {
		tp := fmt.Sprintf("%s.worker_types[%d]", prefix, i)
		if wt.Type == "" {
			errs = append(errs, VError{Path: tp + ".type", Code: "REQUIRED", Message: "type is required"})
		} else if seenWorkers[wt.Type] {
			errs = append(errs, VError{Path: tp + ".type", Code: "DUPLICATE", Message: fmt.Sprintf("worker type %q declared more than once", wt.Type)})
		}
		seenWorkers[wt.Type] = true
		errs = append(errs, v.validateWorkerType(tp, wt)...)
	}

	return errs
}

func (v *Validator) validateWorkflowType(prefix string, wf model.WorkflowTypeDefinition, workerTypes map[string]bool) []VError {
	var errs []VError

	if wf.MaxRetries < 0 {
		errs = append(errs, VError{Path: prefix + ".max_retries", Code: "RANGE", Message: "max_retries must not be negative"})
	}
	if wf.StepTimeout != "" {
		if _, err := time.ParseDuration(wf.StepTimeout); err != nil {
			errs = append(errs, VError{Path: prefix + ".step_timeout", Code: "INVALID_DURATION", Message: fmt.Sprintf("invalid duration %q", wf.StepTimeout)})
		}
	}
	if len(wf.Steps) == 0 {
		errs = append(errs, VError{Path: prefix + ".steps", Code: "REQUIRED", Message: "at least one step is required"})
	}

	stepNumbers := make(map[int]bool, len(wf.Steps))
	for i, s := range wf.Steps {
		sp := fmt.Sprintf("%s.steps[%d]", prefix, i)
		if s.StepNumber < 1 {
			errs = append(errs, VError{Path: sp + ".step_number", Code: "RANGE", Message: "step_number must be positive"})
			continue
		}
		if stepNumbers[s.StepNumber] {
			errs = append(errs, VError{Path: sp + ".step_number", Code: "DUPLICATE", Message: fmt.Sprintf("step_number %d declared more than once", s.StepNumber)})
		}
		stepNumbers[s.StepNumber] = true

		if s.WorkerType == "" {
			errs = append(errs, VError{Path: sp + ".worker_type", Code: "REQUIRED", Message: "worker_type is required"})
		} else if !workerTypes[s.WorkerType] {
			errs = append(errs, VError{
				Path:    sp + ".worker_type",
				Code:    "REF_NOT_FOUND",
				Message: fmt.Sprintf("worker type %q not declared in any catalog", s.WorkerType),
			})
		}
	}

	// Dependencies may only point backwards. Together with uniqueness this
	// keeps every step plan acyclic.
	for i, s := range wf.Steps {
		sp := fmt.Sprintf("%s.steps[%d]", prefix, i)
		for _, dep := range s.DependsOn {
			if dep >= s.StepNumber {
				errs = append(errs, VError{
					Path:    sp + ".depends_on",
					Code:    "FORWARD_DEPENDENCY",
					Message: fmt.Sprintf("step %d depends on step %d, which does not precede it", s.StepNumber, dep),
				})
				continue
			}
			if !stepNumbers[dep] {
				errs = append(errs, VError{
					Path:    sp + ".depends_on",
					Code:    "REF_NOT_FOUND",
					Message: fmt.Sprintf("step %d depends on undeclared step %d", s.StepNumber, dep),
				})
			}
		}
	}

	return errs
}

func (v *Validator) validateWorkerType(prefix string, wt model.WorkerTypeDefinition) []VError {
	var errs []VError

	if wt.Deployment == "" {
		errs = append(errs, VError{Path: prefix + ".deployment", Code: "REQUIRED", Message: "deployment is required"})
	}
	if wt.CPU != "" {
		if _, err := resource.ParseQuantity(wt.CPU); err != nil {
			errs = append(errs, VError{Path: prefix + ".cpu", Code: "INVALID_QUANTITY", Message: fmt.Sprintf("invalid cpu quantity %q", wt.CPU)})
		}
	}
	if wt.Memory != "" {
		if _, err := resource.ParseQuantity(wt.Memory); err != nil {
			errs = append(errs, VError{Path: prefix + ".memory", Code: "INVALID_QUANTITY", Message: fmt.Sprintf("invalid memory quantity %q", wt.Memory)})
		}
	}

	return errs
}
