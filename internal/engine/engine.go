// Package engine implements the orchestration core. It expands submitted
// requests into worker assignments, dispatches them in dependency order,
// applies results idempotently, retries failed attempts with capped
// exponential backoff, and aggregates the final step's output.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tarebo/maestro/internal/definition"
	"github.com/tarebo/maestro/internal/schema"
	"github.com/tarebo/maestro/internal/store"
	"github.com/tarebo/maestro/internal/workers"
	"github.com/tarebo/maestro/model"
)

// Config carries the engine's tuning knobs. Zero values fall back to the
// defaults in withDefaults.
type Config struct {
	// MaxRetries applies to workflow types that do not set their own.
	MaxRetries int
	// BackoffInitial and BackoffMax bound the retry delay schedule.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// DispatchTimeout is how long an attempt may stay PROCESSING before the
	// timeout sweep fails it, for workflow types without a step timeout.
	DispatchTimeout time.Duration
	// LockStripes sets the per-request lock stripe count.
	LockStripes int
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 2 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 2 * time.Minute
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 5 * time.Minute
	}
	if c.LockStripes <= 0 {
		c.LockStripes = 64
	}
	return c
}

// EngineEvent describes one engine lifecycle change for telemetry.
type EngineEvent struct {
	Kind         string // "request", "step", "result" or "retry"
	WorkflowType string
	WorkerType   string
	Status       model.RequestStatus // terminal status on finished requests
	Outcome      string
}

// Observer receives engine events. Implementations may record metrics or
// other telemetry.
type Observer interface {
	OnEngineEvent(ctx context.Context, event EngineEvent)
}

// Result outcomes reported through Observer.
const (
	ResultApplied   = "applied"
	ResultProgress  = "progress"
	ResultDuplicate = "duplicate"
	ResultStale     = "stale"
	ResultOrphan    = "orphan"
	ResultLate      = "late"
)

// Engine owns the request state machine. Every mutation of a request and its
// workflow runs under that request's lock stripe, which is what makes the
// whole-document upserts safe without a version column.
type Engine struct {
	registry   *definition.Registry
	requests   store.RequestStore
	workflows  store.WorkflowStore
	workers    *workers.Registry
	dispatcher model.CommandDispatcher
	schemas    *schema.Index

	cfg       Config
	backoff   Backoff
	locks     *requestLocks
	hub       *watchHub
	logger    *zap.Logger
	observers []Observer
	now       func() time.Time
}

// Option configures optional dependencies.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithObserver adds an engine observer.
func WithObserver(obs Observer) Option {
	return func(e *Engine) { e.observers = append(e.observers, obs) }
}

// WithSchemaIndex enables payload validation against the given schema index.
func WithSchemaIndex(idx *schema.Index) Option {
	return func(e *Engine) { e.schemas = idx }
}

// WithClock overrides the engine clock. For testing.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an orchestration engine.
func NewEngine(
	registry *definition.Registry,
	requests store.RequestStore,
	workflows store.WorkflowStore,
	workerRegistry *workers.Registry,
	dispatcher model.CommandDispatcher,
	cfg Config,
	opts ...Option,
) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		registry:   registry,
		requests:   requests,
		workflows:  workflows,
		workers:    workerRegistry,
		dispatcher: dispatcher,
		cfg:        cfg,
		backoff:    Backoff{Initial: cfg.BackoffInitial, Max: cfg.BackoffMax},
		locks:      newRequestLocks(cfg.LockStripes),
		hub:        newWatchHub(),
		logger:     zap.NewNop(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Close ends all watch streams.
func (e *Engine) Close() {
	e.hub.close()
}

// Submit accepts one orchestration request, persists it, and issues the
// initial ready set. A workflow type that resolves to an empty step plan
// completes vacuously. Zero registered workers for a required type fail the
// request rather than the call: the persisted request carries the error.
func (e *Engine) Submit(
	ctx context.Context,
	rctx *model.RequestContext,
	input model.OrchestrateInput,
	idempotencyKey string,
) (model.Request, error) {
	// 1. Validate the submission shape.
	if strings.TrimSpace(input.Type) == "" {
		return model.Request{}, model.NewValidationError([]model.FieldError{
			{Field: "type", Code: "REQUIRED", Message: "Workflow type is required"},
		})
	}

	// 2. An idempotent resubmission returns the original request.
	if idempotencyKey != "" {
		existing, err := e.requests.FindByIdempotencyKey(ctx, rctx.SubjectID, idempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !model.IsCode(err, model.ErrNotFound) {
			return model.Request{}, err
		}
	}

	// 3. Resolve the step plan. Unknown types resolve to an empty plan.
	steps := e.registry.Steps(input.Type)

	now := e.now()
	req := model.Request{
		ID:             uuid.NewString(),
		UserID:         rctx.SubjectID,
		TenantID:       rctx.TenantID,
		WorkflowType:   input.Type,
		Status:         model.RequestPending,
		Data:           input.Payload,
		Metadata:       input.Metadata,
		Assignments:    []model.WorkerAssignment{},
		CreatedAt:      now,
		UpdatedAt:      now,
		CorrelationID:  rctx.CorrelationID,
		IdempotencyKey: idempotencyKey,
	}
	wf := model.Workflow{
		ID:           uuid.NewString(),
		RequestID:    req.ID,
		WorkflowType: input.Type,
		Steps:        steps,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	// 4. Reject bad payloads before anything is persisted or dispatched.
	if details := e.validateInitialPayloads(&req, &wf); len(details) > 0 {
		return model.Request{}, model.NewValidationError(details)
	}

	mu := e.locks.mutex(req.ID)
	mu.Lock()
	defer mu.Unlock()

	// 5. Persist the pair. The workflow goes first so a request on record
	// always has its step plan on record too.
	if err := e.workflows.Save(ctx, wf); err != nil {
		return model.Request{}, err
	}
	if err := e.requests.Save(ctx, req); err != nil {
		return model.Request{}, err
	}
	e.notify(ctx, EngineEvent{Kind: "request", WorkflowType: req.WorkflowType, Outcome: "started"})

	// 6. An empty plan completes vacuously.
	if len(steps) == 0 {
		e.completeRequest(ctx, &req, nil)
		if err := e.requests.Save(ctx, req); err != nil {
			return model.Request{}, err
		}
		return req, nil
	}

	// 7. Move to PROCESSING and issue every step that is ready at the start.
	req.Status = model.RequestProcessing
	e.publishEvent(&req, 0, "", "request accepted")
	if err := e.advance(ctx, &req, &wf); err != nil {
		return model.Request{}, err
	}

	req.UpdatedAt = e.now()
	if err := e.persistPair(ctx, &req, &wf); err != nil {
		return model.Request{}, err
	}
	return req, nil
}

// Get returns one of the caller's requests.
func (e *Engine) Get(ctx context.Context, rctx *model.RequestContext, requestID string) (model.Request, error) {
	return e.getOwned(ctx, rctx, requestID)
}

// List returns the caller's requests, newest first.
func (e *Engine) List(ctx context.Context, rctx *model.RequestContext, filters store.RequestFilters) ([]model.Request, error) {
	return e.requests.ListByUser(ctx, rctx.SubjectID, filters)
}

// Cancel marks one of the caller's requests CANCELLED. Cancellation is
// advisory: workers already processing keep running, and their late results
// are discarded when they arrive.
func (e *Engine) Cancel(ctx context.Context, rctx *model.RequestContext, requestID string) (model.Request, error) {
	mu := e.locks.mutex(requestID)
	mu.Lock()
	defer mu.Unlock()

	req, err := e.getOwned(ctx, rctx, requestID)
	if err != nil {
		return model.Request{}, err
	}
	if req.Status.Terminal() {
		return model.Request{}, model.NewConflictError(
			fmt.Sprintf("request %q is already %s", requestID, req.Status),
		)
	}

	now := e.now()
	req.Status = model.RequestCancelled
	req.UpdatedAt = now
	req.CompletedAt = &now
	if err := e.requests.Save(ctx, req); err != nil {
		return model.Request{}, err
	}

	e.notify(ctx, EngineEvent{Kind: "request", WorkflowType: req.WorkflowType, Status: model.RequestCancelled, Outcome: "finished"})
	e.publishEvent(&req, 0, "", "request cancelled")
	return req, nil
}

// Watch subscribes to a request's progress events. The channel closes after
// a terminal event or when the returned cancel function is called. Events
// are advisory; consumers resynchronize from the request document.
func (e *Engine) Watch(requestID string) (<-chan model.RequestEvent, func()) {
	return e.hub.subscribe(requestID)
}

// HandleResult applies one worker result to its assignment. Application is
// idempotent: duplicates for terminal assignments, stale attempts, results
// for unknown work, and results landing after the request went terminal are
// all discarded.
func (e *Engine) HandleResult(ctx context.Context, taskID string, resp model.Response) error {
	requestID, stepNumber, attempt, err := model.ParseTaskID(taskID)
	if err != nil {
		e.notify(ctx, EngineEvent{Kind: "result", Outcome: ResultOrphan})
		return model.NewBadRequestError(fmt.Sprintf("malformed task id %q", taskID))
	}

	mu := e.locks.mutex(requestID)
	mu.Lock()
	defer mu.Unlock()

	req, err := e.requests.Get(ctx, requestID)
	if err != nil {
		if model.IsCode(err, model.ErrNotFound) {
			e.logger.Warn("engine: result for unknown request",
				zap.String("taskId", taskID), zap.String("requestId", requestID))
			e.notify(ctx, EngineEvent{Kind: "result", Outcome: ResultOrphan})
			return nil
		}
		return err
	}

	a := req.AssignmentForStep(stepNumber)
	if a == nil {
		e.notify(ctx, EngineEvent{Kind: "result", Outcome: ResultOrphan})
		return nil
	}

	// Results landing after the request went terminal are discarded. The
	// live attempt still releases its worker so the load accounting closes.
	if req.Status.Terminal() {
		if a.Status == model.AssignmentProcessing && attempt == a.RetryCount {
			e.workers.Release(a.WorkerID)
			now := e.now()
			a.Status = model.AssignmentFailed
			a.Error = fmt.Sprintf("request already %s", req.Status)
			a.CompletedAt = &now
			req.UpdatedAt = now
			if err := e.requests.Save(ctx, req); err != nil {
				return err
			}
		}
		e.notify(ctx, EngineEvent{Kind: "result", Outcome: ResultLate})
		return nil
	}

	if a.Status.Terminal() {
		e.notify(ctx, EngineEvent{Kind: "result", Outcome: ResultDuplicate})
		return nil
	}
	if attempt != a.RetryCount {
		e.notify(ctx, EngineEvent{Kind: "result", Outcome: ResultStale})
		return nil
	}

	wf, err := e.workflows.GetByRequest(ctx, requestID)
	if err != nil {
		return err
	}

	now := e.now()
	switch resp.Status {
	case model.ResponsePending:
		// Progress ping: the attempt stays live.
		a.Response = &resp
		req.UpdatedAt = now
		if err := e.requests.Save(ctx, req); err != nil {
			return err
		}
		e.notify(ctx, EngineEvent{Kind: "result", Outcome: ResultProgress})
		e.publishEvent(&req, stepNumber, a.WorkerType, "step progress")
		return nil

	case model.ResponseSuccess, model.ResponsePartial:
		e.workers.Release(a.WorkerID)
		a.Response = &resp
		a.Status = model.AssignmentCompleted
		a.CompletedAt = &now
		a.NextRetryAt = nil
		if resp.Status == model.ResponsePartial {
			a.Error = resp.Error
		}
		wf.RecordStepOutput(stepNumber, resp.Data)
		wf.UpdatedAt = now
		e.notify(ctx, EngineEvent{Kind: "step", WorkerType: a.WorkerType, Outcome: "completed"})
		e.publishEvent(&req, stepNumber, a.WorkerType, "step completed")

		if allStepsCompleted(&req, &wf) {
			e.completeRequest(ctx, &req, finalOutput(&wf))
		} else if err := e.advance(ctx, &req, &wf); err != nil {
			return err
		}

	case model.ResponseError, model.ResponseTimeout:
		a.Response = &resp
		errMsg := resp.Error
		if errMsg == "" {
			errMsg = fmt.Sprintf("worker returned %s", resp.Status)
		}
		e.handleAttemptFailure(ctx, &req, a, a.WorkerType, errMsg, true)

	default:
		return model.NewBadRequestError(fmt.Sprintf("unknown response status %q", resp.Status))
	}

	req.UpdatedAt = e.now()
	if err := e.persistPair(ctx, &req, &wf); err != nil {
		return err
	}
	e.notify(ctx, EngineEvent{Kind: "result", Outcome: ResultApplied})
	return nil
}

// ProcessTimeouts fails the live attempt of every PROCESSING assignment
// whose dispatch window has passed. Returns how many attempts it failed.
func (e *Engine) ProcessTimeouts(ctx context.Context, now time.Time) (int, error) {
	inflight, err := e.requests.FindInFlight(ctx)
	if err != nil {
		return 0, fmt.Errorf("find in-flight requests: %w", err)
	}

	timedOut := 0
	for _, candidate := range inflight {
		n, err := e.sweepRequestTimeouts(ctx, candidate.ID, now)
		if err != nil {
			// Log and keep sweeping the other requests.
			e.logger.Warn("engine: timeout sweep failed",
				zap.String("requestId", candidate.ID), zap.Error(err))
			continue
		}
		timedOut += n
	}
	return timedOut, nil
}

func (e *Engine) sweepRequestTimeouts(ctx context.Context, requestID string, now time.Time) (int, error) {
	mu := e.locks.mutex(requestID)
	mu.Lock()
	defer mu.Unlock()

	// Re-read under the lock: the snapshot from FindInFlight may be stale.
	req, err := e.requests.Get(ctx, requestID)
	if err != nil {
		return 0, err
	}
	if req.Status.Terminal() {
		return 0, nil
	}

	window := e.stepTimeoutFor(req.WorkflowType)
	count := 0
	for i := range req.Assignments {
		a := &req.Assignments[i]
		if a.Status != model.AssignmentProcessing || a.StartedAt == nil {
			continue
		}
		if now.Sub(*a.StartedAt) < window {
			continue
		}
		timeoutErr := model.NewWorkerTimeoutError(
			fmt.Sprintf("no result from worker %s within %s", a.WorkerID, window),
		)
		e.handleAttemptFailure(ctx, &req, a, a.WorkerType, timeoutErr.Error(), true)
		count++
		if req.Status.Terminal() {
			break
		}
	}
	if count == 0 {
		return 0, nil
	}

	req.UpdatedAt = e.now()
	if err := e.requests.Save(ctx, req); err != nil {
		return 0, err
	}
	return count, nil
}

// ProcessRetries re-dispatches every assignment whose retry is due. Returns
// how many attempts it issued.
func (e *Engine) ProcessRetries(ctx context.Context, now time.Time) (int, error) {
	inflight, err := e.requests.FindInFlight(ctx)
	if err != nil {
		return 0, fmt.Errorf("find in-flight requests: %w", err)
	}

	issued := 0
	for _, candidate := range inflight {
		n, err := e.sweepRequestRetries(ctx, candidate.ID, now)
		if err != nil {
			e.logger.Warn("engine: retry sweep failed",
				zap.String("requestId", candidate.ID), zap.Error(err))
			continue
		}
		issued += n
	}
	return issued, nil
}

func (e *Engine) sweepRequestRetries(ctx context.Context, requestID string, now time.Time) (int, error) {
	mu := e.locks.mutex(requestID)
	mu.Lock()
	defer mu.Unlock()

	req, err := e.requests.Get(ctx, requestID)
	if err != nil {
		return 0, err
	}
	if req.Status.Terminal() {
		return 0, nil
	}

	wf, err := e.workflows.GetByRequest(ctx, requestID)
	if err != nil {
		return 0, err
	}

	count := 0
	for i := range req.Assignments {
		a := &req.Assignments[i]
		if a.Status != model.AssignmentPending || a.NextRetryAt == nil {
			continue
		}
		if now.Before(*a.NextRetryAt) {
			continue
		}
		step := wf.Step(a.StepNumber)
		if step == nil {
			continue
		}
		if err := e.issueAttempt(ctx, &req, &wf, a, *step); err != nil {
			return count, err
		}
		count++
		if req.Status.Terminal() {
			break
		}
	}
	if count == 0 {
		return 0, nil
	}

	req.UpdatedAt = e.now()
	if err := e.persistPair(ctx, &req, &wf); err != nil {
		return count, err
	}
	return count, nil
}

// --- state machine internals (callers hold the request lock) ---

// advance issues every step that is ready to run. A step is ready when it
// has no assignment yet and all its dependencies completed. Parallel steps
// dispatch together; non-parallel steps run one at a time in step order.
func (e *Engine) advance(ctx context.Context, req *model.Request, wf *model.Workflow) error {
	if req.Status.Terminal() {
		return nil
	}

	serialBusy := hasNonParallelInFlight(req, wf)
	for _, step := range wf.Steps {
		if req.AssignmentForStep(step.StepNumber) != nil {
			continue
		}
		if !dependenciesCompleted(req, step) {
			continue
		}
		if !step.Parallel {
			if serialBusy {
				continue
			}
			serialBusy = true
		}
		if err := e.dispatchStep(ctx, req, wf, step); err != nil {
			return err
		}
		if req.Status.Terminal() {
			return nil
		}
	}
	return nil
}

// dispatchStep creates the assignment for a step and issues its first attempt.
func (e *Engine) dispatchStep(ctx context.Context, req *model.Request, wf *model.Workflow, step model.WorkflowStepDefinition) error {
	req.Assignments = append(req.Assignments, model.WorkerAssignment{
		ID:         uuid.NewString(),
		RequestID:  req.ID,
		StepNumber: step.StepNumber,
		WorkerType: step.WorkerType,
		Status:     model.AssignmentPending,
		MaxRetries: e.maxRetriesFor(req.WorkflowType),
	})
	return e.issueAttempt(ctx, req, wf, &req.Assignments[len(req.Assignments)-1], step)
}

// issueAttempt selects a worker, builds the payload, and publishes the
// command for the assignment's current attempt.
func (e *Engine) issueAttempt(ctx context.Context, req *model.Request, wf *model.Workflow, a *model.WorkerAssignment, step model.WorkflowStepDefinition) error {
	// Zero registered workers for the type fails the whole request.
	worker, err := e.workers.Select(step.WorkerType)
	if err != nil {
		e.failRequest(ctx, req, err.Error())
		return nil
	}

	payload, err := buildStepPayload(req, wf, step)
	if err != nil {
		// Deterministic failure: the template will not resolve any better
		// on a retry.
		e.failAssignment(ctx, req, a, fmt.Sprintf("build payload: %v", err))
		return nil
	}
	if e.schemas != nil {
		if violations := e.schemas.ValidatePayload(step.WorkerType, payload); len(violations) > 0 {
			e.failAssignment(ctx, req, a, fmt.Sprintf(
				"payload rejected: field %q %s", violations[0].Field, violations[0].Message,
			))
			return nil
		}
	}

	taskID := model.FormatTaskID(req.ID, step.StepNumber, a.RetryCount)
	cmd := model.WorkCommand{
		TaskID:     taskID,
		WorkerID:   worker.ID,
		WorkerType: step.WorkerType,
		Payload:    payload,
	}
	if err := e.dispatcher.Dispatch(ctx, cmd); err != nil {
		e.notify(ctx, EngineEvent{Kind: "step", WorkerType: step.WorkerType, Outcome: "dispatch_error"})
		e.handleAttemptFailure(ctx, req, a, step.WorkerType, err.Error(), false)
		return nil
	}

	now := e.now()
	a.WorkerID = worker.ID
	a.Status = model.AssignmentProcessing
	a.StartedAt = &now
	a.NextRetryAt = nil
	e.workers.Acquire(worker.ID)

	e.notify(ctx, EngineEvent{Kind: "step", WorkerType: step.WorkerType, Outcome: "dispatched"})
	e.publishEvent(req, step.StepNumber, step.WorkerType, fmt.Sprintf("attempt %d dispatched", a.RetryCount+1))
	return nil
}

// handleAttemptFailure applies the retry policy after a failed attempt:
// schedule the next attempt with backoff, or fail the assignment and the
// request once retries are exhausted.
func (e *Engine) handleAttemptFailure(ctx context.Context, req *model.Request, a *model.WorkerAssignment, workerType, errMsg string, releaseWorker bool) {
	now := e.now()
	if releaseWorker && a.WorkerID != "" {
		e.workers.Release(a.WorkerID)
	}

	if a.CanRetry() {
		due := now.Add(e.backoff.Delay(a.RetryCount))
		a.RetryCount++
		a.Status = model.AssignmentPending
		a.Error = errMsg
		a.StartedAt = nil
		a.NextRetryAt = &due
		e.notify(ctx, EngineEvent{Kind: "retry", WorkerType: workerType, Outcome: "scheduled"})
		e.publishEvent(req, a.StepNumber, workerType,
			fmt.Sprintf("attempt %d failed, retrying: %s", a.RetryCount, errMsg))
		return
	}

	a.Status = model.AssignmentFailed
	a.Error = errMsg
	a.CompletedAt = &now
	a.NextRetryAt = nil
	e.notify(ctx, EngineEvent{Kind: "step", WorkerType: workerType, Outcome: "failed"})
	e.failRequest(ctx, req, fmt.Sprintf(
		"step %d (%s) failed after %d attempts: %s", a.StepNumber, workerType, a.RetryCount+1, errMsg,
	))
}

// failAssignment fails an assignment without retries, for failures that a
// retry cannot fix, then fails the request.
func (e *Engine) failAssignment(ctx context.Context, req *model.Request, a *model.WorkerAssignment, errMsg string) {
	now := e.now()
	a.Status = model.AssignmentFailed
	a.Error = errMsg
	a.CompletedAt = &now
	a.NextRetryAt = nil
	e.notify(ctx, EngineEvent{Kind: "step", WorkerType: a.WorkerType, Outcome: "failed"})
	e.failRequest(ctx, req, fmt.Sprintf("step %d (%s): %s", a.StepNumber, a.WorkerType, errMsg))
}

// failRequest moves the request to FAILED with the given reason.
func (e *Engine) failRequest(ctx context.Context, req *model.Request, reason string) {
	if req.Status.Terminal() {
		return
	}
	now := e.now()
	req.Status = model.RequestFailed
	req.Error = reason
	req.UpdatedAt = now
	req.CompletedAt = &now
	e.notify(ctx, EngineEvent{Kind: "request", WorkflowType: req.WorkflowType, Status: model.RequestFailed, Outcome: "finished"})
	e.publishEvent(req, 0, "", reason)
}

// completeRequest moves the request to COMPLETED with the aggregated result.
func (e *Engine) completeRequest(ctx context.Context, req *model.Request, result map[string]any) {
	now := e.now()
	req.Status = model.RequestCompleted
	req.Result = result
	req.UpdatedAt = now
	req.CompletedAt = &now
	e.notify(ctx, EngineEvent{Kind: "request", WorkflowType: req.WorkflowType, Status: model.RequestCompleted, Outcome: "finished"})
	e.publishEvent(req, 0, "", "request completed")
}

// validateInitialPayloads builds and checks the payloads of the steps that
// dispatch first, so a bad submission fails before it is persisted.
func (e *Engine) validateInitialPayloads(req *model.Request, wf *model.Workflow) []model.FieldError {
	var details []model.FieldError
	for _, step := range wf.Steps {
		if len(step.DependsOn) > 0 {
			continue
		}
		payload, err := buildStepPayload(req, wf, step)
		if err != nil {
			details = append(details, model.FieldError{
				Field:   "payload",
				Code:    "INVALID_VALUE",
				Message: err.Error(),
			})
			continue
		}
		if e.schemas == nil {
			continue
		}
		for _, violation := range e.schemas.ValidatePayload(step.WorkerType, payload) {
			details = append(details, model.FieldError{
				Field:   violation.Field,
				Code:    "REQUIRED",
				Message: violation.Message,
			})
		}
	}
	return details
}

func (e *Engine) getOwned(ctx context.Context, rctx *model.RequestContext, requestID string) (model.Request, error) {
	req, err := e.requests.Get(ctx, requestID)
	if err != nil {
		return model.Request{}, err
	}
	// Requests are user-scoped; other users get the same answer as a miss.
	if req.UserID != rctx.SubjectID {
		return model.Request{}, model.NewNotFoundError(fmt.Sprintf("request %q not found", requestID))
	}
	return req, nil
}

func (e *Engine) persistPair(ctx context.Context, req *model.Request, wf *model.Workflow) error {
	// Workflow first: a stored request must always find its step plan.
	if err := e.workflows.Save(ctx, *wf); err != nil {
		return err
	}
	return e.requests.Save(ctx, *req)
}

func (e *Engine) maxRetriesFor(workflowType string) int {
	if def, ok := e.registry.WorkflowType(workflowType); ok && def.MaxRetries > 0 {
		return def.MaxRetries
	}
	return e.cfg.MaxRetries
}

func (e *Engine) stepTimeoutFor(workflowType string) time.Duration {
	if def, ok := e.registry.WorkflowType(workflowType); ok && def.StepTimeout != "" {
		if d, err := time.ParseDuration(def.StepTimeout); err == nil && d > 0 {
			return d
		}
	}
	return e.cfg.DispatchTimeout
}

func (e *Engine) publishEvent(req *model.Request, stepNumber int, workerType, message string) {
	e.hub.publish(model.RequestEvent{
		RequestID:  req.ID,
		Status:     req.Status,
		StepNumber: stepNumber,
		WorkerType: workerType,
		Message:    message,
		Timestamp:  e.now(),
	})
}

func (e *Engine) notify(ctx context.Context, event EngineEvent) {
	for _, obs := range e.observers {
		obs.OnEngineEvent(ctx, event)
	}
}

// dependenciesCompleted reports whether every dependency of a step has a
// completed assignment.
func dependenciesCompleted(req *model.Request, step model.WorkflowStepDefinition) bool {
	for _, dep := range step.DependsOn {
		a := req.AssignmentForStep(dep)
		if a == nil || a.Status != model.AssignmentCompleted {
			return false
		}
	}
	return true
}

// hasNonParallelInFlight reports whether any non-parallel step currently has
// a live assignment. Assignments waiting on a retry count as live: the step
// still occupies the serial slot.
func hasNonParallelInFlight(req *model.Request, wf *model.Workflow) bool {
	for i := range req.Assignments {
		a := &req.Assignments[i]
		if a.Status.Terminal() {
			continue
		}
		step := wf.Step(a.StepNumber)
		if step != nil && !step.Parallel {
			return true
		}
	}
	return false
}

// allStepsCompleted reports whether every step of the plan completed.
func allStepsCompleted(req *model.Request, wf *model.Workflow) bool {
	for _, step := range wf.Steps {
		a := req.AssignmentForStep(step.StepNumber)
		if a == nil || a.Status != model.AssignmentCompleted {
			return false
		}
	}
	return true
}

// finalOutput returns the recorded output of the plan's last step.
func finalOutput(wf *model.Workflow) map[string]any {
	last := 0
	for _, step := range wf.Steps {
		if step.StepNumber > last {
			last = step.StepNumber
		}
	}
	return wf.StepOutput(last)
}
