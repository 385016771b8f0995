package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/equitylens/research-orchestrator/internal/testutil"
	"github.com/equitylens/research-orchestrator/pkg/agent"
	"github.com/equitylens/research-orchestrator/pkg/dispatch"
	"github.com/equitylens/research-orchestrator/pkg/domain"
	"github.com/equitylens/research-orchestrator/pkg/research"
	"github.com/equitylens/research-orchestrator/pkg/resilience"
	"github.com/equitylens/research-orchestrator/pkg/state"
	"github.com/equitylens/research-orchestrator/pkg/workflow"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	worker := agent.WorkerFunc(func(ctx context.Context, operation string, input map[string]interface{}) (map[string]interface{}, error) {
		if operation == "synthesize_findings" {
			return map[string]interface{}{"synthesis": "done"}, nil
		}
		return map[string]interface{}{"answer": "ok", "confidence": 0.9}, nil
	})

	registry := agent.NewRegistry()
	for _, agentType := range []string{
		"due_diligence", "sentiment_analysis", "risk_analysis",
		"macro_analysis", "idea_generation", "portfolio_management",
	} {
		if err := registry.Register(agentType, worker); err != nil {
			t.Fatalf("failed to register %s: %v", agentType, err)
		}
	}

	breakers := resilience.NewBreakerGroup(resilience.DefaultBreakerConfig())
	limiters := resilience.NewLimiterGroup(resilience.LimiterConfig{Capacity: 1000, RefillPerSecond: 10000})
	store := state.NewMemoryStore()

	dispatcher := dispatch.NewDispatcher(dispatch.DefaultConfig(), registry, breakers, limiters, store, nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = dispatcher.Shutdown(ctx)
	})

	executor := workflow.NewExecutor(dispatcher, store, nil, nil)
	library := workflow.DefaultLibrary()
	engine := research.NewEngine(research.DefaultConfig(), dispatcher, store, nil, nil)

	return NewServer(registry, dispatcher, executor, library, engine, nil)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("failed to decode body %q: %v", string(body), err)
	}
	return out
}

func postJSON(t *testing.T, server *Server, path string, payload interface{}) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := server.App().Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func getPath(t *testing.T, server *Server, path string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	resp, err := server.App().Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func TestSubmitAndGetTask(t *testing.T) {
	server := newTestServer(t)

	resp := postJSON(t, server, "/tasks/", SubmitTaskRequest{
		ID:        "t1",
		AgentType: "due_diligence",
		Operation: "business_model_analysis",
		Input:     map[string]interface{}{"symbol": "ACME"},
		Priority:  "high",
	})
	testutil.AssertEqual(t, http.StatusAccepted, resp.StatusCode, "submit status")
	body := decodeBody(t, resp)
	testutil.AssertEqual(t, "t1", body["task_id"], "task id")

	// Poll until the task completes.
	testutil.Eventually(t, 2*time.Second, func() bool {
		resp := getPath(t, server, "/tasks/t1")
		if resp.StatusCode != http.StatusOK {
			return false
		}
		body := decodeBody(t, resp)
		return body["status"] == string(domain.TaskStatusCompleted)
	}, "task did not complete")
}

func TestSubmitTaskValidation(t *testing.T) {
	server := newTestServer(t)

	// Missing required fields.
	resp := postJSON(t, server, "/tasks/", SubmitTaskRequest{ID: "t1"})
	testutil.AssertEqual(t, http.StatusBadRequest, resp.StatusCode, "missing fields")

	// Unknown agent type.
	resp = postJSON(t, server, "/tasks/", SubmitTaskRequest{
		ID:        "t2",
		AgentType: "nonexistent",
		Operation: "op",
	})
	testutil.AssertEqual(t, http.StatusBadRequest, resp.StatusCode, "unknown agent type")

	// Bad priority name.
	resp = postJSON(t, server, "/tasks/", SubmitTaskRequest{
		ID:        "t3",
		AgentType: "due_diligence",
		Operation: "op",
		Priority:  "urgent",
	})
	testutil.AssertEqual(t, http.StatusBadRequest, resp.StatusCode, "bad priority")
}

func TestSubmitDuplicateTaskConflicts(t *testing.T) {
	server := newTestServer(t)

	req := SubmitTaskRequest{ID: "t1", AgentType: "due_diligence", Operation: "op"}
	resp := postJSON(t, server, "/tasks/", req)
	testutil.AssertEqual(t, http.StatusAccepted, resp.StatusCode, "first submit")

	resp = postJSON(t, server, "/tasks/", req)
	testutil.AssertEqual(t, http.StatusConflict, resp.StatusCode, "duplicate submit")
}

func TestGetTaskNotFound(t *testing.T) {
	server := newTestServer(t)

	resp := getPath(t, server, "/tasks/missing")
	testutil.AssertEqual(t, http.StatusNotFound, resp.StatusCode, "unknown task")
}

func TestCancelTask(t *testing.T) {
	server := newTestServer(t)

	resp := postJSON(t, server, "/tasks/", SubmitTaskRequest{
		ID:        "t1",
		AgentType: "due_diligence",
		Operation: "op",
	})
	testutil.AssertEqual(t, http.StatusAccepted, resp.StatusCode, "submit")

	req := httptest.NewRequest(http.MethodDelete, "/tasks/t1", nil)
	cancelResp, err := server.App().Test(req)
	if err != nil {
		t.Fatalf("cancel request failed: %v", err)
	}
	testutil.AssertEqual(t, http.StatusAccepted, cancelResp.StatusCode, "cancel")
}

func TestGetAgents(t *testing.T) {
	server := newTestServer(t)

	resp := getPath(t, server, "/agents")
	testutil.AssertEqual(t, http.StatusOK, resp.StatusCode, "agents status")

	body := decodeBody(t, resp)
	types, ok := body["agent_types"].([]interface{})
	if !ok || len(types) != 6 {
		t.Errorf("agent_types = %v, want 6 entries", body["agent_types"])
	}
}

func TestStartAndPollWorkflowRun(t *testing.T) {
	server := newTestServer(t)

	resp := postJSON(t, server, "/workflow-runs/", StartRunRequest{
		WorkflowID: "standard_research",
		Input:      map[string]interface{}{"symbol": "ACME"},
	})
	testutil.AssertEqual(t, http.StatusAccepted, resp.StatusCode, "start run")
	body := decodeBody(t, resp)
	runID, _ := body["run_id"].(string)
	if runID == "" {
		t.Fatalf("no run_id in response: %v", body)
	}

	testutil.Eventually(t, 3*time.Second, func() bool {
		resp := getPath(t, server, "/workflow-runs/"+runID)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		body := decodeBody(t, resp)
		return body["status"] == string(domain.TaskStatusCompleted)
	}, "run did not complete")
}

func TestStartRunUnknownWorkflow(t *testing.T) {
	server := newTestServer(t)

	resp := postJSON(t, server, "/workflow-runs/", StartRunRequest{WorkflowID: "nonexistent"})
	testutil.AssertEqual(t, http.StatusNotFound, resp.StatusCode, "unknown workflow")
}

func TestGetWorkflows(t *testing.T) {
	server := newTestServer(t)

	resp := getPath(t, server, "/workflows")
	testutil.AssertEqual(t, http.StatusOK, resp.StatusCode, "workflows status")

	body := decodeBody(t, resp)
	ids, ok := body["workflow_ids"].([]interface{})
	if !ok || len(ids) != 2 {
		t.Errorf("workflow_ids = %v, want the built-in workflows", body["workflow_ids"])
	}
}

func TestStartAndPollResearchSession(t *testing.T) {
	server := newTestServer(t)

	resp := postJSON(t, server, "/research/", StartResearchRequest{Question: "Is ACME a buy?"})
	testutil.AssertEqual(t, http.StatusAccepted, resp.StatusCode, "start research")
	body := decodeBody(t, resp)
	sessionID, _ := body["session_id"].(string)
	if sessionID == "" {
		t.Fatalf("no session_id in response: %v", body)
	}

	testutil.Eventually(t, 3*time.Second, func() bool {
		resp := getPath(t, server, "/research/"+sessionID)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		body := decodeBody(t, resp)
		return body["state"] == string(domain.SessionConverged)
	}, "session did not converge")
}

func TestStartResearchValidation(t *testing.T) {
	server := newTestServer(t)

	resp := postJSON(t, server, "/research/", StartResearchRequest{})
	testutil.AssertEqual(t, http.StatusBadRequest, resp.StatusCode, "empty question")
}

func TestHealthCheck(t *testing.T) {
	server := newTestServer(t)

	resp := getPath(t, server, "/health")
	testutil.AssertEqual(t, http.StatusOK, resp.StatusCode, "health status")

	body := decodeBody(t, resp)
	testutil.AssertEqual(t, "ok", body["status"], "health body")
}
