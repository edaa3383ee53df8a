// Package workers tracks registered workers, their health, and their load,
// and selects a worker for each dispatched step.
package workers

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tarebo/maestro/model"
)

// Registry is an in-memory, thread-safe store of registered workers.
// Workers announce themselves on the status topic; operators may also
// register them directly through the API.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*model.Worker
	now     func() time.Time
}

// NewRegistry creates an empty worker Registry.
func NewRegistry() *Registry {
	return &Registry{
		workers: make(map[string]*model.Worker),
		now:     time.Now,
	}
}

// Register adds a worker or updates the identity of an existing one. Health
// and load counters survive re-registration. A missing ID is generated.
func (r *Registry) Register(w model.Worker) model.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w.ID == "" {
		w.ID = uuid.NewString()
	}

	existing, ok := r.workers[w.ID]
	if !ok {
		if w.Health == "" {
			w.Health = model.WorkerUnknown
		}
		w.RegisteredAt = r.now()
		stored := w
		r.workers[w.ID] = &stored
		return stored
	}

	if w.Type != "" {
		existing.Type = w.Type
	}
	if w.Name != "" {
		existing.Name = w.Name
	}
	if w.OwnerID != "" {
		existing.OwnerID = w.OwnerID
	}
	return *existing
}

// Deregister removes a worker from the registry.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workers[id]; !ok {
		return model.NewNotFoundError(fmt.Sprintf("worker %s not registered", id))
	}
	delete(r.workers, id)
	return nil
}

// Get returns the worker with the given id.
func (r *Registry) Get(id string) (model.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workers[id]
	if !ok {
		return model.Worker{}, false
	}
	return *w, true
}

// List returns all registered workers sorted by id.
func (r *Registry) List() []model.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListByType returns all registered workers of the given type sorted by id.
func (r *Registry) ListByType(workerType string) []model.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.Worker
	for _, w := range r.workers {
		if w.Type == workerType {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered workers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// CheckWorkerHealth returns the current health of one worker. Unknown ids
// produce a not-found error naming the id.
func (r *Registry) CheckWorkerHealth(id string) (model.WorkerHealthReport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workers[id]
	if !ok {
		return model.WorkerHealthReport{}, model.NewNotFoundError(fmt.Sprintf("worker %s not registered", id))
	}
	return model.WorkerHealthReport{
		WorkerID:  w.ID,
		Health:    w.Health,
		Healthy:   w.Health == model.WorkerHealthy,
		LastCheck: w.LastHealthCheck,
	}, nil
}

// HandleWorkerStatus applies a heartbeat. Workers not seen before are
// registered on the spot, so a worker becomes schedulable as soon as it
// starts reporting.
func (r *Registry) HandleWorkerStatus(_ context.Context, hb model.WorkerHeartbeat) error {
	if hb.WorkerID == "" {
		return model.NewBadRequestError("worker heartbeat missing workerId")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	health := model.WorkerUnhealthy
	if hb.Healthy {
		health = model.WorkerHealthy
	}

	w, ok := r.workers[hb.WorkerID]
	if !ok {
		r.workers[hb.WorkerID] = &model.Worker{
			ID:                hb.WorkerID,
			Type:              hb.WorkerType,
			Name:              hb.Name,
			Health:            health,
			LastHealthCheck:   r.now(),
			ActiveAssignments: hb.ActiveAssignments,
			RegisteredAt:      r.now(),
		}
		return nil
	}

	w.Health = health
	w.LastHealthCheck = r.now()
	if hb.WorkerType != "" {
		w.Type = hb.WorkerType
	}
	if hb.Name != "" {
		w.Name = hb.Name
	}
	return nil
}

// Acquire increments a worker's active assignment count.
func (r *Registry) Acquire(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.workers[id]; ok {
		w.ActiveAssignments++
	}
}

// Release decrements a worker's active assignment count, stopping at zero.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.workers[id]; ok && w.ActiveAssignments > 0 {
		w.ActiveAssignments--
	}
}

// MarkStale downgrades workers whose last health report is older than maxAge
// to unhealthy. Returns the number of workers downgraded. Stale workers stay
// registered: they remain eligible as a last resort until deregistered.
func (r *Registry) MarkStale(now time.Time, maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-maxAge)
	count := 0
	for _, w := range r.workers {
		if w.Health == model.WorkerHealthy && w.LastHealthCheck.Before(cutoff) {
			w.Health = model.WorkerUnhealthy
			count++
		}
	}
	return count
}
