package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tarebo/maestro/model"
)

// MemoryRequestStore is an in-memory RequestStore. Documents are deep-copied
// on the way in and out, so callers never share state with the store.
type MemoryRequestStore struct {
	mu       sync.RWMutex
	requests map[string]model.Request
}

// NewMemoryRequestStore creates a new in-memory request store.
func NewMemoryRequestStore() *MemoryRequestStore {
	return &MemoryRequestStore{requests: make(map[string]model.Request)}
}

// Save upserts the whole request document.
func (s *MemoryRequestStore) Save(_ context.Context, req model.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests[req.ID] = cloneRequest(req)
	return nil
}

// Get retrieves a request by id.
func (s *MemoryRequestStore) Get(_ context.Context, id string) (model.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, exists := s.requests[id]
	if !exists {
		return model.Request{}, model.NewNotFoundError(fmt.Sprintf("request %q not found", id))
	}
	return cloneRequest(req), nil
}

// UpdateStatus rewrites the status and updatedAt of a stored request.
func (s *MemoryRequestStore) UpdateStatus(_ context.Context, id string, status model.RequestStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, exists := s.requests[id]
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("request %q not found", id))
	}
	req.Status = status
	req.UpdatedAt = time.Now().UTC()
	s.requests[id] = req
	return nil
}

// FindByIdempotencyKey returns the request a user submitted under the key.
func (s *MemoryRequestStore) FindByIdempotencyKey(_ context.Context, userID, key string) (model.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if key != "" {
		for _, req := range s.requests {
			if req.UserID == userID && req.IdempotencyKey == key {
				return cloneRequest(req), nil
			}
		}
	}
	return model.Request{}, model.NewNotFoundError(fmt.Sprintf("no request for idempotency key %q", key))
}

// ListByUser returns a user's requests, newest first.
func (s *MemoryRequestStore) ListByUser(_ context.Context, userID string, filters RequestFilters) ([]model.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Request
	for _, req := range s.requests {
		if req.UserID != userID {
			continue
		}
		if filters.Status != "" && req.Status != filters.Status {
			continue
		}
		if filters.WorkflowType != "" && req.WorkflowType != filters.WorkflowType {
			continue
		}
		result = append(result, cloneRequest(req))
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.Request{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result, nil
}

// FindInFlight returns all requests that are not terminal.
func (s *MemoryRequestStore) FindInFlight(_ context.Context) ([]model.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Request
	for _, req := range s.requests {
		if req.Status.Terminal() {
			continue
		}
		result = append(result, cloneRequest(req))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// Len returns the total number of stored requests. For testing.
func (s *MemoryRequestStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.requests)
}

// MemoryWorkflowStore is an in-memory WorkflowStore.
type MemoryWorkflowStore struct {
	mu        sync.RWMutex
	workflows map[string]model.Workflow
	byRequest map[string]string
}

// NewMemoryWorkflowStore creates a new in-memory workflow store.
func NewMemoryWorkflowStore() *MemoryWorkflowStore {
	return &MemoryWorkflowStore{
		workflows: make(map[string]model.Workflow),
		byRequest: make(map[string]string),
	}
}

// Save upserts the whole workflow document.
func (s *MemoryWorkflowStore) Save(_ context.Context, wf model.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.workflows[wf.ID] = cloneWorkflow(wf)
	if wf.RequestID != "" {
		s.byRequest[wf.RequestID] = wf.ID
	}
	return nil
}

// Get retrieves a workflow by id.
func (s *MemoryWorkflowStore) Get(_ context.Context, id string) (model.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, exists := s.workflows[id]
	if !exists {
		return model.Workflow{}, model.NewNotFoundError(fmt.Sprintf("workflow %q not found", id))
	}
	return cloneWorkflow(wf), nil
}

// GetByRequest retrieves the workflow driving a request.
func (s *MemoryWorkflowStore) GetByRequest(_ context.Context, requestID string) (model.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.byRequest[requestID]
	if !exists {
		return model.Workflow{}, model.NewNotFoundError(fmt.Sprintf("no workflow for request %q", requestID))
	}
	return cloneWorkflow(s.workflows[id]), nil
}

// Len returns the total number of stored workflows. For testing.
func (s *MemoryWorkflowStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.workflows)
}

func cloneRequest(req model.Request) model.Request {
	out := req
	out.Data = cloneMap(req.Data)
	out.Metadata = cloneMap(req.Metadata)
	out.Result = cloneMap(req.Result)
	if req.CompletedAt != nil {
		t := *req.CompletedAt
		out.CompletedAt = &t
	}
	if req.Assignments != nil {
		out.Assignments = make([]model.WorkerAssignment, len(req.Assignments))
		for i, a := range req.Assignments {
			out.Assignments[i] = cloneAssignment(a)
		}
	}
	return out
}

func cloneAssignment(a model.WorkerAssignment) model.WorkerAssignment {
	out := a
	if a.Response != nil {
		resp := *a.Response
		resp.Data = cloneMap(a.Response.Data)
		resp.Metadata.Extra = cloneMap(a.Response.Metadata.Extra)
		out.Response = &resp
	}
	for _, ts := range []struct {
		src *time.Time
		dst **time.Time
	}{
		{a.StartedAt, &out.StartedAt},
		{a.CompletedAt, &out.CompletedAt},
		{a.NextRetryAt, &out.NextRetryAt},
	} {
		if ts.src != nil {
			t := *ts.src
			*ts.dst = &t
		}
	}
	return out
}

func cloneWorkflow(wf model.Workflow) model.Workflow {
	out := wf
	out.State = cloneMap(wf.State)
	if wf.Steps != nil {
		out.Steps = make([]model.WorkflowStepDefinition, len(wf.Steps))
		for i, step := range wf.Steps {
			s := step
			if len(step.DependsOn) > 0 {
				s.DependsOn = append([]int(nil), step.DependsOn...)
			}
			if len(step.Payload) > 0 {
				p := make(map[string]string, len(step.Payload))
				for k, v := range step.Payload {
					p[k] = v
				}
				s.Payload = p
			}
			out.Steps[i] = s
		}
	}
	return out
}

// cloneMap deep-copies nested maps and slices so mutations on one side never
// reach the other.
func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return cloneMap(tv)
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
