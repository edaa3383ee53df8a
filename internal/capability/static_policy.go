package capability

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/tarebo/maestro/model"
)

// Capabilities understood by the orchestration API.
const (
	OrchestrateSubmit = "orchestrate:submit"
	OrchestrateRead   = "orchestrate:read"
	WorkersRead       = "workers:read"
	WorkersManage     = "workers:manage"
	NodesManage       = "nodes:manage"
)

type policyFile struct {
	Roles map[string][]string `yaml:"roles"`
}

// StaticPolicyEvaluator resolves capabilities from a role-to-capability map,
// loaded from a YAML file or compiled in.
type StaticPolicyEvaluator struct {
	path   string
	mu     sync.RWMutex
	policy policyFile
}

// DefaultRoles is the compiled-in policy used when no policy file is
// configured.
func DefaultRoles() map[string][]string {
	return map[string][]string{
		"user":     {OrchestrateSubmit, OrchestrateRead, WorkersRead},
		"operator": {OrchestrateRead, WorkersRead, WorkersManage, NodesManage},
		"admin":    {"*"},
	}
}

// NewStaticPolicyEvaluator creates an evaluator that loads its policy from
// path. An empty path uses the compiled-in default roles.
func NewStaticPolicyEvaluator(path string) (*StaticPolicyEvaluator, error) {
	e := &StaticPolicyEvaluator{path: path}
	if err := e.Sync(); err != nil {
		return nil, err
	}
	return e, nil
}

// ResolveCapabilities returns the union of capabilities for all roles in the
// request context.
func (e *StaticPolicyEvaluator) ResolveCapabilities(rctx *model.RequestContext) (model.CapabilitySet, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	caps := make(model.CapabilitySet)
	for _, role := range rctx.Roles {
		for _, cap := range e.policy.Roles[role] {
			caps[cap] = true
		}
	}
	return caps, nil
}

// Evaluate checks a single capability against the resolved set.
func (e *StaticPolicyEvaluator) Evaluate(rctx *model.RequestContext, capability string) (bool, error) {
	caps, err := e.ResolveCapabilities(rctx)
	if err != nil {
		return false, err
	}
	return caps.Has(capability), nil
}

// Sync reloads the policy from its source.
func (e *StaticPolicyEvaluator) Sync() error {
	if e.path == "" {
		e.mu.Lock()
		e.policy = policyFile{Roles: DefaultRoles()}
		e.mu.Unlock()
		return nil
	}

	data, err := os.ReadFile(e.path)
	if err != nil {
		return fmt.Errorf("capability: reading policy file %s: %w", e.path, err)
	}

	var p policyFile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("capability: parsing policy file %s: %w", e.path, err)
	}

	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()

	return nil
}
