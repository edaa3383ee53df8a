package workers

import (
	"fmt"

	"github.com/tarebo/maestro/model"
)

// AvailableWorkers returns the healthy workers of the given type. Unhealthy
// and unknown workers are excluded; callers that need the fallback pool use
// ListByType.
func (r *Registry) AvailableWorkers(workerType string) []model.Worker {
	var available []model.Worker
	for _, w := range r.ListByType(workerType) {
		if w.Health == model.WorkerHealthy {
			available = append(available, w)
		}
	}
	return available
}

// Select picks the worker that should receive the next assignment for the
// given type. Healthy workers are preferred; ties go to the worker with the
// fewest active assignments, then to the one reporting health longest ago.
// When no healthy worker exists the same ordering is applied to the rest,
// so work keeps flowing while any worker of the type is registered. Only an
// empty pool yields a not-found error.
func (r *Registry) Select(workerType string) (model.Worker, error) {
	if healthy := r.AvailableWorkers(workerType); len(healthy) > 0 {
		return pickLeastLoaded(healthy), nil
	}
	candidates := r.ListByType(workerType)
	if len(candidates) == 0 {
		return model.Worker{}, model.NewNotFoundError(fmt.Sprintf("no workers registered for type %s", workerType))
	}
	return pickLeastLoaded(candidates), nil
}

func pickLeastLoaded(pool []model.Worker) model.Worker {
	best := pool[0]
	for _, w := range pool[1:] {
		if workerBefore(w, best) {
			best = w
		}
	}
	return best
}

// workerBefore orders workers by active assignments, then by last health
// check, then by id. The id comparison makes the order total so repeated
// selections over an unchanged pool are stable.
func workerBefore(a, b model.Worker) bool {
	if a.ActiveAssignments != b.ActiveAssignments {
		return a.ActiveAssignments < b.ActiveAssignments
	}
	if !a.LastHealthCheck.Equal(b.LastHealthCheck) {
		return a.LastHealthCheck.Before(b.LastHealthCheck)
	}
	return a.ID < b.ID
}
