package integration

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/tarebo/maestro/model"
)

type errorBody struct {
	Error *model.ErrorEnvelope `json:"error"`
}

func assertErrorCode(t *testing.T, h *TestHarness, resp *http.Response, status int, code string) {
	t.Helper()
	var env errorBody
	h.AssertJSON(t, resp, status, &env)
	if env.Error == nil || env.Error.Code != code {
		t.Fatalf("error = %s, want code %s", FormatJSON(env), code)
	}
}

// ==========================================================================
// Authentication
// ==========================================================================

func TestSecurity_NoAuthHeader_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	endpoints := []struct {
		method string
		path   string
	}{
		{"GET", "/orchestrate/requests"},
		{"GET", "/orchestrate/request/req-1"},
		{"GET", "/orchestrate/request/req-1/events"},
		{"POST", "/orchestrate/request"},
		{"GET", "/orchestrate/workers"},
		{"POST", "/orchestrate/workers"},
		{"GET", "/orchestrate/catalog/workflows"},
		{"GET", "/nodes/workers"},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			var resp *http.Response
			switch ep.method {
			case "GET":
				resp = h.GET(ep.path, "")
			case "POST":
				resp = h.POST(ep.path, nil, "")
			}
			assertErrorCode(t, h, resp, http.StatusUnauthorized, model.ErrUnauthorized)
		})
	}
}

func TestSecurity_ExpiredToken_Returns401(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateExpiredToken(UserClaims())

	resp := h.GET("/orchestrate/requests", token)
	assertErrorCode(t, h, resp, http.StatusUnauthorized, model.ErrUnauthorized)
}

func TestSecurity_ForeignKeySignature_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	// A second issuer with the same issuer, audience, and key id, but a key
	// the server's JWKS has never seen.
	forged := newTokenIssuer(t).GenerateToken(UserClaims())

	resp := h.GET("/orchestrate/requests", forged)
	assertErrorCode(t, h, resp, http.StatusUnauthorized, model.ErrUnauthorized)
}

func TestSecurity_NoneAlgorithm_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	claims := base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf(
		`{"iss":%q,"aud":%q,"sub":"user-alice","exp":%d}`,
		h.issuer.Issuer(), h.issuer.Audience(), time.Now().Add(time.Hour).Unix(),
	)))
	unsigned := header + "." + claims + "."

	resp := h.GET("/orchestrate/requests", unsigned)
	assertErrorCode(t, h, resp, http.StatusUnauthorized, model.ErrUnauthorized)
}

func TestSecurity_MalformedToken_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/orchestrate/requests", "not-a-jwt")
	assertErrorCode(t, h, resp, http.StatusUnauthorized, model.ErrUnauthorized)
}

func TestSecurity_ValidToken_Allows(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(UserClaims())

	var list struct {
		Data []model.RequestSummary `json:"data"`
	}
	resp := h.GET("/orchestrate/requests", token)
	h.AssertJSON(t, resp, http.StatusOK, &list)
}

// ==========================================================================
// Authorization
// ==========================================================================

func TestSecurity_UserRole_CannotManageWorkers(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(UserClaims())

	resp := h.POST("/orchestrate/workers", map[string]any{"type": "llm"}, token)
	assertErrorCode(t, h, resp, http.StatusForbidden, model.ErrForbidden)

	resp = h.DELETE("/orchestrate/workers/w-1", token)
	assertErrorCode(t, h, resp, http.StatusForbidden, model.ErrForbidden)
}

func TestSecurity_UserRole_CannotManageNodes(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(UserClaims())

	resp := h.GET("/nodes/workers", token)
	assertErrorCode(t, h, resp, http.StatusForbidden, model.ErrForbidden)

	resp = h.POST("/nodes/workers", map[string]any{"workerType": "llm"}, token)
	assertErrorCode(t, h, resp, http.StatusForbidden, model.ErrForbidden)
}

func TestSecurity_OperatorRole_ManagesWorkersAndNodes(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(OperatorClaims())

	var registered []model.WorkerDescriptor
	resp := h.POST("/orchestrate/workers", map[string]any{"type": "llm", "name": "llm-1"}, token)
	h.AssertJSON(t, resp, http.StatusCreated, &registered)

	var nodes struct {
		Data []model.NodeDescriptor `json:"data"`
	}
	resp = h.GET("/nodes/workers", token)
	h.AssertJSON(t, resp, http.StatusOK, &nodes)
}

func TestSecurity_AdminRole_HasEveryCapability(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(AdminClaims())

	// The wildcard grant covers both user and operator surfaces.
	result := h.Submit(t, token, "no-such-workflow", map[string]any{})
	if result.RequestID == "" {
		t.Fatal("admin could not submit a request")
	}

	var nodes struct {
		Data []model.NodeDescriptor `json:"data"`
	}
	resp := h.GET("/nodes/workers", token)
	h.AssertJSON(t, resp, http.StatusOK, &nodes)
}

// ==========================================================================
// Tenant isolation
// ==========================================================================

func TestSecurity_RequestsAreSubjectScoped(t *testing.T) {
	h := NewTestHarness(t)
	alice := h.GenerateToken(UserClaims())
	bob := h.GenerateToken(TestClaims{
		SubjectID: "user-bob",
		TenantID:  "acme-corp",
		Email:     "bob@acme.example.com",
		Roles:     []string{"user"},
	})

	result := h.Submit(t, alice, "no-such-workflow", map[string]any{"secret": "alice's data"})

	// Another subject gets the same answer as a miss.
	resp := h.GET("/orchestrate/request/"+result.RequestID, bob)
	assertErrorCode(t, h, resp, http.StatusNotFound, model.ErrNotFound)

	resp = h.POST("/orchestrate/request/"+result.RequestID+"/cancel", nil, bob)
	assertErrorCode(t, h, resp, http.StatusNotFound, model.ErrNotFound)

	var list struct {
		Data []model.RequestSummary `json:"data"`
	}
	resp = h.GET("/orchestrate/requests", bob)
	h.AssertJSON(t, resp, http.StatusOK, &list)
	if len(list.Data) != 0 {
		t.Errorf("bob's list = %s, want empty", FormatJSON(list.Data))
	}

	// The owner still sees it.
	req := h.GetRequest(t, alice, result.RequestID)
	if req.ID != result.RequestID {
		t.Errorf("owner read = %s, want %s", req.ID, result.RequestID)
	}
}

// ==========================================================================
// Response hygiene
// ==========================================================================

func TestSecurity_CorrelationIDEchoed(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(UserClaims())

	resp := h.POSTWithHeaders("/orchestrate/request",
		map[string]any{"type": "no-such-workflow", "payload": map[string]any{}},
		token,
		map[string]string{"X-Correlation-Id": "corr-12345"})
	defer resp.Body.Close()

	if got := resp.Header.Get("X-Correlation-Id"); got != "corr-12345" {
		t.Errorf("X-Correlation-Id = %q, want the caller's id echoed", got)
	}

	// Without a caller-provided id, one is generated.
	resp2 := h.GET("/orchestrate/requests", token)
	defer resp2.Body.Close()
	if resp2.Header.Get("X-Correlation-Id") == "" {
		t.Error("no X-Correlation-Id generated")
	}
}

func TestSecurity_StandardHeadersSet(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/healthz", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", resp.StatusCode)
	}

	headers := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	}
	for name, want := range headers {
		if got := resp.Header.Get(name); got != want {
			t.Errorf("%s = %q, want %q", name, got, want)
		}
	}
}
