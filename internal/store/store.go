// Package store persists orchestration requests and workflow execution state
// as whole documents keyed by id, in memory or in PostgreSQL.
package store

import (
	"context"

	"github.com/tarebo/maestro/model"
)

// RequestStore persists orchestration requests. Save is a whole-document
// upsert: the stored request is replaced, never merged. The engine is the
// single writer per request, so no version check is made.
type RequestStore interface {
	// Save upserts the whole request document keyed by id.
	Save(ctx context.Context, req model.Request) error

	// Get retrieves a request by id. Returns NOT_FOUND if absent.
	Get(ctx context.Context, id string) (model.Request, error)

	// UpdateStatus rewrites only the status and updatedAt of a stored
	// request. Returns NOT_FOUND if absent.
	UpdateStatus(ctx context.Context, id string, status model.RequestStatus) error

	// FindByIdempotencyKey returns the request a user already submitted
	// under the given key. Returns NOT_FOUND when the key is unused.
	FindByIdempotencyKey(ctx context.Context, userID, key string) (model.Request, error)

	// ListByUser returns a user's requests, newest first.
	ListByUser(ctx context.Context, userID string, filters RequestFilters) ([]model.Request, error)

	// FindInFlight returns all requests that are not terminal, for the
	// timeout and retry sweeps.
	FindInFlight(ctx context.Context) ([]model.Request, error)
}

// RequestFilters are optional filters for listing requests.
type RequestFilters struct {
	Status       model.RequestStatus
	WorkflowType string
	Limit        int
	Offset       int
}

// WorkflowStore persists workflow execution state. Save is a whole-document
// upsert keyed by the workflow id.
type WorkflowStore interface {
	// Save upserts the whole workflow document keyed by id.
	Save(ctx context.Context, wf model.Workflow) error

	// Get retrieves a workflow by id. Returns NOT_FOUND if absent.
	Get(ctx context.Context, id string) (model.Workflow, error)

	// GetByRequest retrieves the workflow driving a request. Returns
	// NOT_FOUND if absent.
	GetByRequest(ctx context.Context, requestID string) (model.Workflow, error)
}
