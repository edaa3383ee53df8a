// Package integration provides a reusable test harness for end-to-end
// testing of the maestro orchestration server. It starts a full HTTP server
// over in-memory storage and an in-memory bus, with a test JWT issuer and a
// fake Kubernetes clientset behind the node routes.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/tarebo/maestro/internal/bus"
	"github.com/tarebo/maestro/internal/capability"
	"github.com/tarebo/maestro/internal/config"
	"github.com/tarebo/maestro/internal/definition"
	"github.com/tarebo/maestro/internal/dispatch"
	"github.com/tarebo/maestro/internal/engine"
	"github.com/tarebo/maestro/internal/nodes"
	"github.com/tarebo/maestro/internal/observability"
	"github.com/tarebo/maestro/internal/store"
	"github.com/tarebo/maestro/internal/transport"
	"github.com/tarebo/maestro/internal/workers"
	"github.com/tarebo/maestro/model"
)

// nodesNamespace is the Kubernetes namespace the harness manager operates in.
const nodesNamespace = "maestro-workers"

// TestHarness encapsulates a fully wired orchestration server for
// integration testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Engine      *engine.Engine
	Workers     *workers.Registry
	Definitions *definition.Registry
	Bus         *bus.MemoryBus
	Requests    *store.MemoryRequestStore

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	nodeObjects []runtime.Object
}

// WithNodeObjects seeds the fake Kubernetes clientset with the given objects
// so node routes operate on pre-existing pods and deployments.
func WithNodeObjects(objects ...runtime.Object) HarnessOption {
	return func(c *harnessConfig) {
		c.nodeObjects = append(c.nodeObjects, objects...)
	}
}

// NewTestHarness creates and starts a full orchestration test instance. The
// server, dispatcher, and engine are cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{t: t}

	// Step 1: Create the JWT issuer.
	h.issuer = newTokenIssuer(t)

	// Step 2: Build the catalog registry and capability resolver.
	h.Definitions = definition.NewRegistry(definition.BuiltinCatalog())

	evaluator, err := capability.NewStaticPolicyEvaluator("")
	if err != nil {
		t.Fatalf("build policy evaluator: %v", err)
	}
	capResolver := capability.NewResolver(evaluator, 0) // no caching in tests

	// Step 3: Build in-memory storage and bus.
	h.Requests = store.NewMemoryRequestStore()
	workflowStore := store.NewMemoryWorkflowStore()
	h.Bus = bus.NewMemoryBus()
	h.Workers = workers.NewRegistry()

	// Step 4: Wire dispatcher and engine. The result handler binds late
	// because the two reference each other.
	sink := &engineSink{}
	dispatcher, err := dispatch.NewDispatcher(h.Bus, sink, h.Workers, 8)
	if err != nil {
		t.Fatalf("build dispatcher: %v", err)
	}

	h.Engine = engine.NewEngine(h.Definitions, h.Requests, workflowStore, h.Workers, dispatcher, engine.Config{})
	sink.eng = h.Engine

	if err := dispatcher.Start(context.Background()); err != nil {
		t.Fatalf("start dispatcher: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		dispatcher.Close(ctx)
		h.Engine.Close()
	})

	// Step 5: Build the node manager over a fake clientset.
	nodesMgr := nodes.NewManager(fake.NewSimpleClientset(hc.nodeObjects...), nil, nodesNamespace)

	// Step 6: Build config and router.
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = 10 * time.Second
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity = config.IdentityConfig{
		Issuer:     h.issuer.Issuer(),
		Audience:   h.issuer.Audience(),
		JWKSURL:    h.issuer.JWKSURL(),
		Algorithms: []string{"RS256"},
	}

	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), 1*time.Hour)

	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Engine:       h.Engine,
		Workers:      h.Workers,
		Definitions:  h.Definitions,
		Nodes:        nodesMgr,
		Capabilities: capResolver,
		Authenticate: transport.Authenticator(h.cfg.Identity, jwks),
		Metrics:      observability.InitMetrics(prometheus.NewRegistry()),
		Ready: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return len(h.Definitions.AllWorkflowTypes()) > 0 },
			Bus:               h.Bus,
		},
	})

	// Step 7: Start the test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, headers)
}

// DELETE performs an authenticated DELETE request.
func (h *TestHarness) DELETE(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("DELETE", path, nil, token, nil)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// Submit posts an orchestration request and returns the accepted result.
func (h *TestHarness) Submit(t *testing.T, token, workflowType string, payload map[string]any) model.OrchestrateResult {
	t.Helper()

	resp := h.POST("/orchestrate/request", map[string]any{
		"type":    workflowType,
		"payload": payload,
	}, token)

	var result model.OrchestrateResult
	h.AssertJSON(t, resp, http.StatusAccepted, &result)
	if result.RequestID == "" {
		t.Fatalf("submission returned no request id: %+v", result)
	}
	return result
}

// GetRequest fetches the full request document.
func (h *TestHarness) GetRequest(t *testing.T, token, requestID string) model.Request {
	t.Helper()

	var req model.Request
	resp := h.GET("/orchestrate/request/"+requestID, token)
	h.AssertJSON(t, resp, http.StatusOK, &req)
	return req
}

// WaitForRequestStatus polls the request endpoint until the request reaches
// the wanted status or the deadline passes. Results apply on a worker pool,
// so even the in-memory stack needs a settling window.
func (h *TestHarness) WaitForRequestStatus(t *testing.T, token, requestID string, want model.RequestStatus) model.Request {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	var last model.Request
	for time.Now().Before(deadline) {
		resp := h.GET("/orchestrate/request/"+requestID, token)
		if resp.StatusCode == http.StatusOK {
			h.ParseJSON(resp, &last)
			if last.Status == want {
				return last
			}
		} else {
			resp.Body.Close()
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("request %s did not reach %s within 5s, last seen %q", requestID, want, last.Status)
	return model.Request{}
}

// WaitForAssignmentRetry polls until the step's assignment records at least
// the wanted retry count.
func (h *TestHarness) WaitForAssignmentRetry(t *testing.T, token, requestID string, stepNumber, wantRetries int) model.Request {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	var last model.Request
	for time.Now().Before(deadline) {
		last = h.GetRequest(t, token, requestID)
		if a := last.AssignmentForStep(stepNumber); a != nil && a.RetryCount >= wantRetries {
			return last
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("request %s step %d did not record %d retries within 5s", requestID, stepNumber, wantRetries)
	return model.Request{}
}

// engineSink defers binding the engine as the dispatcher's result handler.
type engineSink struct {
	eng *engine.Engine
}

func (s *engineSink) HandleResult(ctx context.Context, taskID string, resp model.Response) error {
	return s.eng.HandleResult(ctx, taskID, resp)
}

// --- Default test claims ---

// UserClaims returns TestClaims for a standard orchestration user.
func UserClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-alice",
		TenantID:  "acme-corp",
		Email:     "alice@acme.example.com",
		Roles:     []string{"user"},
	}
}

// OperatorClaims returns TestClaims for a fleet operator.
func OperatorClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-opal",
		TenantID:  "acme-corp",
		Email:     "opal@acme.example.com",
		Roles:     []string{"operator"},
	}
}

// AdminClaims returns TestClaims for a platform administrator.
func AdminClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-root",
		TenantID:  "acme-corp",
		Email:     "root@acme.example.com",
		Roles:     []string{"admin"},
	}
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
