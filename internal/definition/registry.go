package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/tarebo/maestro/model"
)

// snapshot is an immutable view of all loaded catalogs indexed by type.
// Step slices are stored sorted by step number.
type snapshot struct {
	workflows   map[string]model.WorkflowTypeDefinition
	workerTypes map[string]model.WorkerTypeDefinition
	checksum    string
}

// Registry is a read-optimized, thread-safe store of all loaded catalogs.
// It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given catalogs. Later catalogs
// override earlier ones on type collisions, so loading order is builtin
// first, then files.
func NewRegistry(catalogs ...model.CatalogFile) *Registry {
	r := &Registry{}
	r.Replace(catalogs)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given catalogs.
func (r *Registry) Replace(catalogs []model.CatalogFile) {
	s := &snapshot{
		workflows:   make(map[string]model.WorkflowTypeDefinition),
		workerTypes: make(map[string]model.WorkerTypeDefinition),
	}

	var checksumParts []string

	for _, cat := range catalogs {
		if cat.Checksum != "" {
			checksumParts = append(checksumParts, cat.Checksum)
		}
		for _, wf := range cat.Workflows {
			wf.Steps = sortedSteps(wf.Steps)
			s.workflows[wf.Type] = wf
		}
		for _, wt := range cat.WorkerTypes {
			s.workerTypes[wt.Type] = wt
		}
	}

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Steps returns the step plan for the given workflow type, sorted by step
// number. Unknown types yield an empty plan, not an error. The returned
// slice is a copy and safe for the caller to mutate.
func (r *Registry) Steps(workflowType string) []model.WorkflowStepDefinition {
	wf, ok := r.current().workflows[workflowType]
	if !ok {
		return []model.WorkflowStepDefinition{}
	}
	return copySteps(wf.Steps)
}

// WorkflowType returns the workflow type definition with the given name.
func (r *Registry) WorkflowType(name string) (model.WorkflowTypeDefinition, bool) {
	wf, ok := r.current().workflows[name]
	if ok {
		wf.Steps = copySteps(wf.Steps)
	}
	return wf, ok
}

// HasWorkflowType reports whether the given workflow type is declared.
func (r *Registry) HasWorkflowType(name string) bool {
	_, ok := r.current().workflows[name]
	return ok
}

// WorkerType returns the worker type definition with the given name.
func (r *Registry) WorkerType(name string) (model.WorkerTypeDefinition, bool) {
	wt, ok := r.current().workerTypes[name]
	return wt, ok
}

// AllWorkflowTypes returns all workflow type definitions sorted by type.
func (r *Registry) AllWorkflowTypes() []model.WorkflowTypeDefinition {
	s := r.current()
	defs := make([]model.WorkflowTypeDefinition, 0, len(s.workflows))
	for _, wf := range s.workflows {
		wf.Steps = copySteps(wf.Steps)
		defs = append(defs, wf)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Type < defs[j].Type })
	return defs
}

// AllWorkerTypes returns all worker type definitions sorted by type.
func (r *Registry) AllWorkerTypes() []model.WorkerTypeDefinition {
	s := r.current()
	defs := make([]model.WorkerTypeDefinition, 0, len(s.workerTypes))
	for _, wt := range s.workerTypes {
		defs = append(defs, wt)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Type < defs[j].Type })
	return defs
}

// Checksum returns the combined checksum of all loaded catalogs.
func (r *Registry) Checksum() string {
	return r.current().checksum
}

func sortedSteps(steps []model.WorkflowStepDefinition) []model.WorkflowStepDefinition {
	out := copySteps(steps)
	sort.Slice(out, func(i, j int) bool { return out[i].StepNumber < out[j].StepNumber })
	return out
}

func copySteps(steps []model.WorkflowStepDefinition) []model.WorkflowStepDefinition {
	out := make([]model.WorkflowStepDefinition, len(steps))
	for i, s := range steps {
		if len(s.DependsOn) > 0 {
			s.DependsOn = append([]int(nil), s.DependsOn...)
		}
		if len(s.Payload) > 0 {
			payload := make(map[string]string, len(s.Payload))
			for k, v := range s.Payload {
				payload[k] = v
			}
			s.Payload = payload
		}
		out[i] = s
	}
	return out
}
