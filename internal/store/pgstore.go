package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tarebo/maestro/model"
)

// PgRequestStore is a PostgreSQL-backed RequestStore using pgx/v5. The whole
// request lives in a JSONB column; the indexed columns exist purely for
// lookups, so a Save rewrites everything in one statement.
type PgRequestStore struct {
	pool *pgxpool.Pool
}

// NewPgRequestStore creates a new PostgreSQL request store.
func NewPgRequestStore(pool *pgxpool.Pool) *PgRequestStore {
	return &PgRequestStore{pool: pool}
}

// HealthCheck pings the database.
func (s *PgRequestStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// EnsureSchema creates the orchestration tables when they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS orchestration_requests (
			id              TEXT PRIMARY KEY,
			user_id         TEXT NOT NULL,
			workflow_type   TEXT NOT NULL,
			status          TEXT NOT NULL,
			idempotency_key TEXT NOT NULL DEFAULT '',
			document        JSONB NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL,
			updated_at      TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS orchestration_requests_user_idx
			ON orchestration_requests (user_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS orchestration_requests_status_idx
			ON orchestration_requests (status)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS orchestration_requests_idem_idx
			ON orchestration_requests (user_id, idempotency_key)
			WHERE idempotency_key <> ''`,
		`CREATE TABLE IF NOT EXISTS workflows (
			id         TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			document   JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS workflows_request_idx
			ON workflows (request_id)`,
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensuring schema: %w", err)
		}
	}
	return nil
}

// Save upserts the whole request document keyed by id.
func (s *PgRequestStore) Save(ctx context.Context, req model.Request) error {
	doc, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO orchestration_requests (
			id, user_id, workflow_type, status, idempotency_key,
			document, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			status          = EXCLUDED.status,
			idempotency_key = EXCLUDED.idempotency_key,
			document        = EXCLUDED.document,
			updated_at      = EXCLUDED.updated_at`,
		req.ID, req.UserID, req.WorkflowType, req.Status, req.IdempotencyKey,
		doc, req.CreatedAt, req.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert request: %w", err)
	}
	return nil
}

// Get retrieves a request by id.
func (s *PgRequestStore) Get(ctx context.Context, id string) (model.Request, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT document FROM orchestration_requests WHERE id = $1`, id,
	).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Request{}, model.NewNotFoundError(fmt.Sprintf("request %q not found", id))
	}
	if err != nil {
		return model.Request{}, fmt.Errorf("query request: %w", err)
	}
	return unmarshalRequest(doc)
}

// UpdateStatus rewrites the status of a stored request, both in the indexed
// column and inside the document.
func (s *PgRequestStore) UpdateStatus(ctx context.Context, id string, status model.RequestStatus) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE orchestration_requests SET
			status     = $2,
			updated_at = $3,
			document   = jsonb_set(
				jsonb_set(document, '{status}', to_jsonb($2::text)),
				'{updatedAt}', to_jsonb($3::timestamptz)
			)
		WHERE id = $1`,
		id, status, now,
	)
	if err != nil {
		return fmt.Errorf("update request status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("request %q not found", id))
	}
	return nil
}

// FindByIdempotencyKey returns the request a user submitted under the key.
func (s *PgRequestStore) FindByIdempotencyKey(ctx context.Context, userID, key string) (model.Request, error) {
	if key == "" {
		return model.Request{}, model.NewNotFoundError("no request for empty idempotency key")
	}

	var doc []byte
	err := s.pool.QueryRow(ctx, `
		SELECT document FROM orchestration_requests
		WHERE user_id = $1 AND idempotency_key = $2`,
		userID, key,
	).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Request{}, model.NewNotFoundError(fmt.Sprintf("no request for idempotency key %q", key))
	}
	if err != nil {
		return model.Request{}, fmt.Errorf("query request by idempotency key: %w", err)
	}
	return unmarshalRequest(doc)
}

// ListByUser returns a user's requests, newest first.
func (s *PgRequestStore) ListByUser(ctx context.Context, userID string, filters RequestFilters) ([]model.Request, error) {
	query := `SELECT document FROM orchestration_requests WHERE user_id = $1`
	args := []any{userID}
	argIdx := 2

	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}
	if filters.WorkflowType != "" {
		query += fmt.Sprintf(" AND workflow_type = $%d", argIdx)
		args = append(args, filters.WorkflowType)
		argIdx++
	}

	query += " ORDER BY created_at DESC, id ASC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	return s.queryRequests(ctx, query, args...)
}

// FindInFlight returns all requests that are not terminal.
func (s *PgRequestStore) FindInFlight(ctx context.Context) ([]model.Request, error) {
	return s.queryRequests(ctx, `
		SELECT document FROM orchestration_requests
		WHERE status IN ($1, $2)
		ORDER BY id ASC`,
		model.RequestPending, model.RequestProcessing,
	)
}

func (s *PgRequestStore) queryRequests(ctx context.Context, query string, args ...any) ([]model.Request, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query requests: %w", err)
	}
	defer rows.Close()

	var requests []model.Request
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		req, err := unmarshalRequest(doc)
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

func unmarshalRequest(doc []byte) (model.Request, error) {
	var req model.Request
	if err := json.Unmarshal(doc, &req); err != nil {
		return model.Request{}, fmt.Errorf("unmarshal request: %w", err)
	}
	return req, nil
}

// PgWorkflowStore is a PostgreSQL-backed WorkflowStore using pgx/v5.
type PgWorkflowStore struct {
	pool *pgxpool.Pool
}

// NewPgWorkflowStore creates a new PostgreSQL workflow store.
func NewPgWorkflowStore(pool *pgxpool.Pool) *PgWorkflowStore {
	return &PgWorkflowStore{pool: pool}
}

// Save upserts the whole workflow document keyed by id.
func (s *PgWorkflowStore) Save(ctx context.Context, wf model.Workflow) error {
	doc, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflows (id, request_id, document, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			document   = EXCLUDED.document,
			updated_at = EXCLUDED.updated_at`,
		wf.ID, wf.RequestID, doc, wf.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert workflow: %w", err)
	}
	return nil
}

// Get retrieves a workflow by id.
func (s *PgWorkflowStore) Get(ctx context.Context, id string) (model.Workflow, error) {
	return s.queryWorkflow(ctx, `SELECT document FROM workflows WHERE id = $1`,
		id, fmt.Sprintf("workflow %q not found", id))
}

// GetByRequest retrieves the workflow driving a request.
func (s *PgWorkflowStore) GetByRequest(ctx context.Context, requestID string) (model.Workflow, error) {
	return s.queryWorkflow(ctx, `SELECT document FROM workflows WHERE request_id = $1`,
		requestID, fmt.Sprintf("no workflow for request %q", requestID))
}

func (s *PgWorkflowStore) queryWorkflow(ctx context.Context, query, arg, notFound string) (model.Workflow, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, query, arg).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Workflow{}, model.NewNotFoundError(notFound)
	}
	if err != nil {
		return model.Workflow{}, fmt.Errorf("query workflow: %w", err)
	}

	var wf model.Workflow
	if err := json.Unmarshal(doc, &wf); err != nil {
		return model.Workflow{}, fmt.Errorf("unmarshal workflow: %w", err)
	}
	return wf, nil
}
