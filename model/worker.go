package model

import "time"

// WorkerHealth is the advisory health of a registered worker instance.
// UNKNOWN means the worker registered but has not reported recently enough
// for the registry to vouch for it either way.
type WorkerHealth string

const (
	WorkerHealthy   WorkerHealth = "HEALTHY"
	WorkerUnhealthy WorkerHealth = "UNHEALTHY"
	WorkerUnknown   WorkerHealth = "UNKNOWN"
)

// Worker is one registered worker instance of some type. Its lifecycle is
// independent of any Request: the registry creates and updates it from
// heartbeats and manual registration, and the load balancer reads it.
type Worker struct {
	ID                string       `json:"id"`
	Type              string       `json:"type"`
	Name              string       `json:"name"`
	OwnerID           string       `json:"ownerId,omitempty"`
	Health            WorkerHealth `json:"status"`
	LastHealthCheck   time.Time    `json:"lastHealthCheck"`
	ActiveAssignments int          `json:"activeAssignments"`
	RegisteredAt      time.Time    `json:"registeredAt"`
}

// WorkerHealthReport is the answer to a single worker health query.
type WorkerHealthReport struct {
	WorkerID  string       `json:"workerId"`
	Health    WorkerHealth `json:"health"`
	Healthy   bool         `json:"healthy"`
	LastCheck time.Time    `json:"lastCheck"`
}
