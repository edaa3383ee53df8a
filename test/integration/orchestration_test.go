package integration

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/tarebo/maestro/internal/bus"
	"github.com/tarebo/maestro/model"
)

// ==========================================================================
// Happy path: single-step workflow
// ==========================================================================

func TestOrchestrate_SingleStep_Completes(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(UserClaims())

	worker := NewSimWorker(t, h, "wolfram-kernel").
		RespondWith(map[string]any{"solution": "x^3/3 + C"})

	result := h.Submit(t, token, "math-solve", map[string]any{"query": "integrate x^2"})
	if result.Status != model.RequestProcessing {
		t.Errorf("accepted status = %s, want %s", result.Status, model.RequestProcessing)
	}

	req := h.WaitForRequestStatus(t, token, result.RequestID, model.RequestCompleted)

	if req.Result["solution"] != "x^3/3 + C" {
		t.Errorf("result = %s, want final step output", FormatJSON(req.Result))
	}
	if req.CompletedAt == nil {
		t.Error("completed request has no completedAt")
	}
	if len(req.Assignments) != 1 {
		t.Fatalf("assignments = %d, want 1", len(req.Assignments))
	}

	a := req.AssignmentForStep(1)
	if a == nil {
		t.Fatal("no assignment for step 1")
	}
	if a.Status != model.AssignmentCompleted {
		t.Errorf("assignment status = %s, want %s", a.Status, model.AssignmentCompleted)
	}
	if a.WorkerID != worker.ID {
		t.Errorf("assignment worker = %s, want %s", a.WorkerID, worker.ID)
	}

	// The command carried the submitted payload under "request".
	cmd := worker.LastCommand()
	data, _ := cmd.Payload["request"].(map[string]any)
	if data["query"] != "integrate x^2" {
		t.Errorf("command payload = %s, want submitted payload under request", FormatJSON(cmd.Payload))
	}
}

// ==========================================================================
// Sequential steps with payload templating
// ==========================================================================

func TestOrchestrate_SequentialSteps_ResolveTemplates(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(UserClaims())

	resumeWorker := NewSimWorker(t, h, "resume").
		RespondWith(map[string]any{"parsed": map[string]any{"name": "Ada Lovelace"}})
	assistantWorker := NewSimWorker(t, h, "assistant").
		RespondWith(map[string]any{"content": "polished resume body"})
	latexWorker := NewSimWorker(t, h, "latex").
		RespondWith(map[string]any{"artifact": "resume.pdf"})

	result := h.Submit(t, token, "resume-build", map[string]any{
		"resumeText": "Ada Lovelace, engineer",
	})

	req := h.WaitForRequestStatus(t, token, result.RequestID, model.RequestCompleted)

	// The final step's output becomes the request result.
	if req.Result["artifact"] != "resume.pdf" {
		t.Errorf("result = %s, want latex step output", FormatJSON(req.Result))
	}
	if len(req.Assignments) != 3 {
		t.Fatalf("assignments = %d, want 3", len(req.Assignments))
	}
	for _, a := range req.Assignments {
		if a.Status != model.AssignmentCompleted {
			t.Errorf("step %d status = %s, want %s", a.StepNumber, a.Status, model.AssignmentCompleted)
		}
	}

	// Step 2 gets the default payload shape with step 1's output keyed in.
	assistantCmd := assistantWorker.LastCommand()
	deps, _ := assistantCmd.Payload["dependencies"].(map[string]any)
	if _, ok := deps["1"]; !ok {
		t.Errorf("assistant payload = %s, want dependency output for step 1", FormatJSON(assistantCmd.Payload))
	}

	// Step 3's template pulls step 2's content field and a literal format.
	latexCmd := latexWorker.LastCommand()
	if latexCmd.Payload["document"] != "polished resume body" {
		t.Errorf("latex document = %v, want step 2's content", latexCmd.Payload["document"])
	}
	if latexCmd.Payload["format"] != "pdf" {
		t.Errorf("latex format = %v, want pdf", latexCmd.Payload["format"])
	}

	// Each step ran exactly once.
	if n := len(resumeWorker.Received()); n != 1 {
		t.Errorf("resume worker received %d commands, want 1", n)
	}
	if n := len(assistantWorker.Received()); n != 1 {
		t.Errorf("assistant worker received %d commands, want 1", n)
	}
}

// ==========================================================================
// Parallel fan-out with dependency aggregation
// ==========================================================================

func TestOrchestrate_ParallelSteps_AggregateIntoDependent(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(UserClaims())

	NewSimWorker(t, h, "interview").
		RespondWith(map[string]any{"questions": []any{"describe a hard bug you fixed"}})
	NewSimWorker(t, h, "llm").
		RespondWith(map[string]any{"insights": "company ships weekly"})
	assistantWorker := NewSimWorker(t, h, "assistant").
		RespondWith(map[string]any{"plan": "practice systems design"})

	result := h.Submit(t, token, "interview-prep", map[string]any{"role": "backend engineer"})

	req := h.WaitForRequestStatus(t, token, result.RequestID, model.RequestCompleted)

	if req.Result["plan"] != "practice systems design" {
		t.Errorf("result = %s, want final step output", FormatJSON(req.Result))
	}
	if len(req.Assignments) != 3 {
		t.Fatalf("assignments = %d, want 3", len(req.Assignments))
	}

	// The dependent step sees both parallel outputs keyed by step number.
	cmd := assistantWorker.LastCommand()
	deps, _ := cmd.Payload["dependencies"].(map[string]any)
	if len(deps) != 2 {
		t.Fatalf("dependencies = %s, want outputs of steps 1 and 2", FormatJSON(cmd.Payload))
	}
	interviewOut, _ := deps["1"].(map[string]any)
	if _, ok := interviewOut["questions"]; !ok {
		t.Errorf("dependency 1 = %s, want interview output", FormatJSON(deps["1"]))
	}
	llmOut, _ := deps["2"].(map[string]any)
	if llmOut["insights"] != "company ships weekly" {
		t.Errorf("dependency 2 = %s, want llm output", FormatJSON(deps["2"]))
	}
}

// ==========================================================================
// Degenerate plans
// ==========================================================================

func TestOrchestrate_UnknownWorkflowType_CompletesWithoutSteps(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(UserClaims())

	result := h.Submit(t, token, "no-such-workflow", map[string]any{"x": 1})
	if result.Status != model.RequestCompleted {
		t.Errorf("status = %s, want %s", result.Status, model.RequestCompleted)
	}

	req := h.GetRequest(t, token, result.RequestID)
	if len(req.Assignments) != 0 {
		t.Errorf("assignments = %d, want 0", len(req.Assignments))
	}
}

func TestOrchestrate_NoWorkersForType_FailsRequest(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(UserClaims())

	// No worker of type wolfram-kernel is registered.
	result := h.Submit(t, token, "math-solve", map[string]any{"query": "2+2"})

	if result.Status != model.RequestFailed {
		t.Errorf("status = %s, want %s", result.Status, model.RequestFailed)
	}
	if !strings.Contains(result.Error, "no workers registered for type wolfram-kernel") {
		t.Errorf("error = %q, want the missing worker type named", result.Error)
	}

	req := h.GetRequest(t, token, result.RequestID)
	if req.Status != model.RequestFailed {
		t.Errorf("stored status = %s, want %s", req.Status, model.RequestFailed)
	}
}

func TestOrchestrate_MissingType_Returns422(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(UserClaims())

	resp := h.POST("/orchestrate/request", map[string]any{
		"payload": map[string]any{"query": "orphan"},
	}, token)

	var env struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, http.StatusUnprocessableEntity, &env)
	if env.Error == nil || env.Error.Code != model.ErrValidationError {
		t.Fatalf("error = %s, want %s", FormatJSON(env), model.ErrValidationError)
	}
	if len(env.Error.Details) == 0 || env.Error.Details[0].Field != "type" {
		t.Errorf("details = %s, want type flagged", FormatJSON(env.Error.Details))
	}
}

// ==========================================================================
// Retry policy
// ==========================================================================

func TestOrchestrate_WorkerError_RetriesThenCompletes(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(UserClaims())

	worker := NewSimWorker(t, h, "wolfram-kernel").
		RespondWithError("kernel not warmed up").
		RespondWith(map[string]any{"solution": "42"})

	result := h.Submit(t, token, "math-solve", map[string]any{"query": "6*7"})

	// The first attempt fails and schedules a retry with backoff.
	req := h.WaitForAssignmentRetry(t, token, result.RequestID, 1, 1)
	a := req.AssignmentForStep(1)
	if a.Status != model.AssignmentPending {
		t.Errorf("assignment status = %s, want %s", a.Status, model.AssignmentPending)
	}
	if a.NextRetryAt == nil {
		t.Error("retry scheduled without nextRetryAt")
	}

	// Force the retry sweep well past the backoff window.
	if _, err := h.Engine.ProcessRetries(context.Background(), time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("ProcessRetries: %v", err)
	}

	req = h.WaitForRequestStatus(t, token, result.RequestID, model.RequestCompleted)
	a = req.AssignmentForStep(1)
	if a.RetryCount != 1 {
		t.Errorf("retryCount = %d, want 1", a.RetryCount)
	}
	if a.Status != model.AssignmentCompleted {
		t.Errorf("assignment status = %s, want %s", a.Status, model.AssignmentCompleted)
	}
	if req.Result["solution"] != "42" {
		t.Errorf("result = %s, want second attempt's output", FormatJSON(req.Result))
	}
	if n := len(worker.Received()); n != 2 {
		t.Errorf("worker received %d commands, want 2", n)
	}
}

func TestOrchestrate_RetriesExhausted_FailsRequest(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(UserClaims())

	NewSimWorker(t, h, "wolfram-kernel").
		RespondWithError("kernel fault").
		RespondWithError("kernel fault again")

	// math-solve allows a single retry.
	result := h.Submit(t, token, "math-solve", map[string]any{"query": "1/0"})

	h.WaitForAssignmentRetry(t, token, result.RequestID, 1, 1)
	if _, err := h.Engine.ProcessRetries(context.Background(), time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("ProcessRetries: %v", err)
	}

	req := h.WaitForRequestStatus(t, token, result.RequestID, model.RequestFailed)
	a := req.AssignmentForStep(1)
	if a.Status != model.AssignmentFailed {
		t.Errorf("assignment status = %s, want %s", a.Status, model.AssignmentFailed)
	}
	if !strings.Contains(req.Error, "failed after 2 attempts") {
		t.Errorf("error = %q, want attempt count in reason", req.Error)
	}
	if !strings.Contains(req.Error, "kernel fault again") {
		t.Errorf("error = %q, want last attempt's error", req.Error)
	}
}

func TestOrchestrate_StepTimeout_RetriesThenFails(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(UserClaims())

	worker := NewSimWorker(t, h, "wolfram-kernel").Silence()

	result := h.Submit(t, token, "math-solve", map[string]any{"query": "halting problem"})
	worker.LastCommand()

	// Sweep past the 60s step window: the hung attempt times out and the
	// single allowed retry is scheduled.
	n, err := h.Engine.ProcessTimeouts(context.Background(), time.Now().Add(10*time.Minute))
	if err != nil {
		t.Fatalf("ProcessTimeouts: %v", err)
	}
	if n != 1 {
		t.Fatalf("timed out %d assignments, want 1", n)
	}

	req := h.GetRequest(t, token, result.RequestID)
	a := req.AssignmentForStep(1)
	if a.Status != model.AssignmentPending || a.RetryCount != 1 {
		t.Fatalf("assignment = %s retries %d, want pending retry", a.Status, a.RetryCount)
	}

	// The retry dispatches to the same silent worker.
	if _, err := h.Engine.ProcessRetries(context.Background(), time.Now().Add(20*time.Minute)); err != nil {
		t.Fatalf("ProcessRetries: %v", err)
	}
	if n := len(worker.Received()); n != 2 {
		t.Fatalf("worker received %d commands, want 2", n)
	}

	// The second timeout exhausts retries and fails the request.
	if _, err := h.Engine.ProcessTimeouts(context.Background(), time.Now().Add(30*time.Minute)); err != nil {
		t.Fatalf("ProcessTimeouts: %v", err)
	}

	req = h.GetRequest(t, token, result.RequestID)
	if req.Status != model.RequestFailed {
		t.Fatalf("status = %s, want %s", req.Status, model.RequestFailed)
	}
	if !strings.Contains(req.Error, "no result from worker") {
		t.Errorf("error = %q, want timeout reason", req.Error)
	}
}

// ==========================================================================
// Cancellation
// ==========================================================================

func TestOrchestrate_Cancel_DiscardsLateResult(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(UserClaims())

	worker := NewSimWorker(t, h, "wolfram-kernel").Silence()

	result := h.Submit(t, token, "math-solve", map[string]any{"query": "slow"})
	cmd := worker.LastCommand()

	resp := h.POST("/orchestrate/request/"+result.RequestID+"/cancel", nil, token)
	var cancelled model.OrchestrateResult
	h.AssertJSON(t, resp, http.StatusOK, &cancelled)
	if cancelled.Status != model.RequestCancelled {
		t.Fatalf("status = %s, want %s", cancelled.Status, model.RequestCancelled)
	}

	// The in-flight task answers after cancellation; the result is dropped.
	worker.PublishResult(bus.ResultMessage{
		TaskID: cmd.TaskID,
		Status: model.ResponseSuccess,
		Data:   map[string]any{"solution": "too late"},
	})
	time.Sleep(200 * time.Millisecond)

	req := h.GetRequest(t, token, result.RequestID)
	if req.Status != model.RequestCancelled {
		t.Errorf("status = %s, want %s", req.Status, model.RequestCancelled)
	}
	if req.Result != nil {
		t.Errorf("result = %s, want none after cancellation", FormatJSON(req.Result))
	}
}

func TestOrchestrate_CancelTerminalRequest_Conflicts(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(UserClaims())

	NewSimWorker(t, h, "wolfram-kernel").RespondWith(map[string]any{"solution": "4"})

	result := h.Submit(t, token, "math-solve", map[string]any{"query": "2+2"})
	h.WaitForRequestStatus(t, token, result.RequestID, model.RequestCompleted)

	resp := h.POST("/orchestrate/request/"+result.RequestID+"/cancel", nil, token)
	var env struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, http.StatusConflict, &env)
	if env.Error == nil || env.Error.Code != model.ErrConflict {
		t.Errorf("error = %s, want %s", FormatJSON(env), model.ErrConflict)
	}
}

// ==========================================================================
// Result idempotency
// ==========================================================================

func TestOrchestrate_DuplicateResult_AppliedOnce(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(UserClaims())

	worker := NewSimWorker(t, h, "wolfram-kernel").Silence()

	result := h.Submit(t, token, "math-solve", map[string]any{"query": "dup"})
	cmd := worker.LastCommand()

	worker.PublishResult(bus.ResultMessage{
		MessageID: "result-dup-1",
		TaskID:    cmd.TaskID,
		Status:    model.ResponseSuccess,
		Data:      map[string]any{"answer": "first"},
	})
	req := h.WaitForRequestStatus(t, token, result.RequestID, model.RequestCompleted)
	if req.Result["answer"] != "first" {
		t.Fatalf("result = %s, want first delivery", FormatJSON(req.Result))
	}

	// Redelivery of the same task's result with different content must not
	// overwrite the applied one.
	worker.PublishResult(bus.ResultMessage{
		MessageID: "result-dup-1",
		TaskID:    cmd.TaskID,
		Status:    model.ResponseSuccess,
		Data:      map[string]any{"answer": "second"},
	})
	time.Sleep(200 * time.Millisecond)

	req = h.GetRequest(t, token, result.RequestID)
	if req.Result["answer"] != "first" {
		t.Errorf("result = %s, want first delivery kept", FormatJSON(req.Result))
	}
}

func TestOrchestrate_IdempotencyKey_ReturnsExistingRequest(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(UserClaims())

	worker := NewSimWorker(t, h, "wolfram-kernel").RespondWith(map[string]any{"solution": "2"})

	body := map[string]any{"type": "math-solve", "payload": map[string]any{"query": "1+1"}}
	headers := map[string]string{"Idempotency-Key": "op-123"}

	resp := h.POSTWithHeaders("/orchestrate/request", body, token, headers)
	var first model.OrchestrateResult
	h.AssertJSON(t, resp, http.StatusAccepted, &first)

	resp = h.POSTWithHeaders("/orchestrate/request", body, token, headers)
	var second model.OrchestrateResult
	h.AssertJSON(t, resp, http.StatusAccepted, &second)

	if second.RequestID != first.RequestID {
		t.Errorf("request id = %s, want %s reused", second.RequestID, first.RequestID)
	}
	if n := len(worker.Received()); n != 1 {
		t.Errorf("worker received %d commands, want 1", n)
	}
}

// ==========================================================================
// Listing
// ==========================================================================

func TestOrchestrate_List_FiltersByStatus(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(UserClaims())

	NewSimWorker(t, h, "wolfram-kernel").RespondWith(map[string]any{"solution": "9"})

	completed := h.Submit(t, token, "math-solve", map[string]any{"query": "3*3"})
	h.WaitForRequestStatus(t, token, completed.RequestID, model.RequestCompleted)

	// No data-processing worker registered, so this one fails on submit.
	failed := h.Submit(t, token, "data-pipeline", map[string]any{"source": "s3://bucket"})

	var list struct {
		Data   []model.RequestSummary `json:"data"`
		Limit  int                    `json:"limit"`
		Offset int                    `json:"offset"`
	}
	resp := h.GET("/orchestrate/requests", token)
	h.AssertJSON(t, resp, http.StatusOK, &list)
	if len(list.Data) != 2 {
		t.Fatalf("listed %d requests, want 2", len(list.Data))
	}
	if list.Data[0].ID != failed.RequestID {
		t.Errorf("first listed = %s, want newest request %s", list.Data[0].ID, failed.RequestID)
	}

	resp = h.GET("/orchestrate/requests?status=FAILED", token)
	h.AssertJSON(t, resp, http.StatusOK, &list)
	if len(list.Data) != 1 || list.Data[0].ID != failed.RequestID {
		t.Fatalf("filtered list = %s, want only the failed request", FormatJSON(list.Data))
	}
	if list.Data[0].Status != model.RequestFailed {
		t.Errorf("filtered status = %s, want %s", list.Data[0].Status, model.RequestFailed)
	}
}

// ==========================================================================
// Progress stream
// ==========================================================================

func TestOrchestrate_Events_StreamToTerminal(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(UserClaims())

	worker := NewSimWorker(t, h, "wolfram-kernel").Silence()

	result := h.Submit(t, token, "math-solve", map[string]any{"query": "stream"})
	cmd := worker.LastCommand()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	streamReq, err := http.NewRequestWithContext(ctx, "GET",
		h.BaseURL()+"/orchestrate/request/"+result.RequestID+"/events", nil)
	if err != nil {
		t.Fatalf("create stream request: %v", err)
	}
	streamReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(streamReq)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d, want 200", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	var events []model.RequestEvent
	readFrame := func() bool {
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev model.RequestEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				t.Fatalf("bad event frame %q: %v", line, err)
			}
			events = append(events, ev)
			return true
		}
		return false
	}

	// The snapshot arrives before any progress event.
	if !readFrame() {
		t.Fatal("stream ended before the snapshot frame")
	}
	if events[0].RequestID != result.RequestID || events[0].Status != model.RequestProcessing {
		t.Fatalf("snapshot = %s, want processing request", FormatJSON(events[0]))
	}

	// Complete the request while the stream is attached; the stream must
	// deliver the terminal event and close.
	worker.PublishResult(bus.ResultMessage{
		TaskID: cmd.TaskID,
		Status: model.ResponseSuccess,
		Data:   map[string]any{"solution": "done"},
	})
	for readFrame() {
	}

	last := events[len(events)-1]
	if last.Status != model.RequestCompleted {
		t.Fatalf("final event = %s, want terminal status", FormatJSON(last))
	}
}
