package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"SmartFlow-Orchestrator/internal/agent"
	"SmartFlow-Orchestrator/internal/auth"
	"SmartFlow-Orchestrator/internal/config"
	"SmartFlow-Orchestrator/internal/connector"
	"SmartFlow-Orchestrator/internal/packages"
	"SmartFlow-Orchestrator/internal/state"
	"SmartFlow-Orchestrator/internal/task"
	"SmartFlow-Orchestrator/internal/workflow"
)

type testEnv struct {
	srv   *httptest.Server
	deps  Dependencies
	token string
}

func newTestEnv(t *testing.T, opts Options, authCfg *config.AuthConfig) *testEnv {
	t.Helper()
	root := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	registry := agent.NewRegistry(filepath.Join(root, "agents"))
	if _, err := registry.Initialize(ctx); err != nil {
		t.Fatalf("init registry: %v", err)
	}
	connectors := connector.NewManager()
	connectors.Register(connector.NewCustom())
	connectors.InitializeAll(ctx)

	backend, err := state.NewFileBackend(filepath.Join(root, "state"))
	if err != nil {
		t.Fatalf("state backend: %v", err)
	}
	store := state.NewStore(backend)
	engine := workflow.NewEngine(registry, connectors, store, filepath.Join(root, "workflows"))
	if err := engine.Initialize(ctx); err != nil {
		t.Fatalf("init engine: %v", err)
	}
	pkgs := packages.NewManager(filepath.Join(root, "packages"), registry, engine)
	if _, err := pkgs.Initialize(ctx); err != nil {
		t.Fatalf("init packages: %v", err)
	}

	runStore := task.NewStateStore(store)
	queue := task.NewMemoryQueue(16)
	runs := task.NewService(runStore, queue)
	processor := task.NewProcessor(engine, runStore, queue)
	go func() { _ = processor.Start(ctx) }()

	env := &testEnv{deps: Dependencies{
		Agents:     registry,
		Connectors: connectors,
		Engine:     engine,
		Packages:   pkgs,
		State:      store,
		Runs:       runs,
	}}
	if authCfg != nil {
		svc, err := auth.NewService(*authCfg)
		if err != nil {
			t.Fatalf("auth service: %v", err)
		}
		env.deps.Auth = svc
		env.token, err = svc.IssueToken(&auth.Subject{Name: "tester", Permissions: []string{"*"}}, time.Hour)
		if err != nil {
			t.Fatalf("issue token: %v", err)
		}
	}
	if opts.Version == "" {
		opts.Version = "test"
	}
	opts.MetricsEnabled = true
	env.srv = httptest.NewServer(NewServer(opts, env.deps).Handler())
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	return e.doWithToken(t, method, path, body, e.token)
}

func (e *testEnv) doWithToken(t *testing.T, method, path string, body any, token string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var payload map[string]any
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(raw, &payload); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, raw)
		}
	}
	return resp.StatusCode, payload
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, Options{Version: "1.2.3"}, nil)
	status, body := env.do(t, http.MethodGet, "/health", nil)
	if status != http.StatusOK || body["ok"] != true || body["version"] != "1.2.3" || body["service"] != ServiceName {
		t.Fatalf("unexpected health %d %v", status, body)
	}
	components := body["components"].(map[string]any)
	if components["agents"].(float64) != 0 {
		t.Fatalf("unexpected agent count %v", components["agents"])
	}
	if connectors := components["connectors"].([]any); len(connectors) != 1 || connectors[0] != "custom" {
		t.Fatalf("unexpected connectors %v", connectors)
	}
	if _, ok := components["packages"].(map[string]any)["total"]; !ok {
		t.Fatalf("expected package stats, got %v", components["packages"])
	}
}

func TestAgentLifecycle(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)

	status, body := env.do(t, http.MethodPost, "/api/agents/register", map[string]any{"agent_id": "echo"})
	if status != http.StatusBadRequest || body["success"] != false || body["code"] != "VALIDATION_FAILED" {
		t.Fatalf("expected validation failure, got %d %v", status, body)
	}

	manifest := map[string]any{"agent_id": "echo", "platform": "custom", "capabilities": []string{"echo"}, "apps": []string{"site"}, "owner": "ops"}
	status, body = env.do(t, http.MethodPost, "/api/agents/register", manifest)
	if status != http.StatusOK || body["success"] != true {
		t.Fatalf("register failed: %d %v", status, body)
	}
	if registered := body["agent"].(map[string]any); registered["invocation_count"].(float64) != 0 || registered["owner"] != "ops" {
		t.Fatalf("unexpected agent %v", registered)
	}

	for _, path := range []string{"/api/agents", "/api/agents/capability/echo", "/api/agents/platform/custom", "/api/agents/app/site"} {
		status, body = env.do(t, http.MethodGet, path, nil)
		if status != http.StatusOK || body["count"].(float64) != 1 {
			t.Fatalf("%s: unexpected %d %v", path, status, body)
		}
	}

	status, body = env.do(t, http.MethodPost, "/api/agents/echo/invoke", map[string]any{"action": "greet", "input": map[string]any{"name": "Sam"}})
	if status != http.StatusOK || body["success"] != true {
		t.Fatalf("invoke failed: %d %v", status, body)
	}
	result := body["result"].(map[string]any)
	if result["success"] != true || result["mode"] != "noop" {
		t.Fatalf("unexpected result %v", result)
	}
	if output := result["output"].(map[string]any); output["action"] != "greet" {
		t.Fatalf("unexpected output %v", output)
	}

	_, body = env.do(t, http.MethodGet, "/api/agents/echo", nil)
	if body["agent"].(map[string]any)["invocation_count"].(float64) != 1 {
		t.Fatalf("expected invocation count 1, got %v", body["agent"])
	}
	_, body = env.do(t, http.MethodGet, "/api/state/agent-outputs", nil)
	if values := body["values"].(map[string]any); len(values) != 1 {
		t.Fatalf("expected stored agent output, got %v", values)
	}

	status, _ = env.do(t, http.MethodDelete, "/api/agents/echo", nil)
	if status != http.StatusOK {
		t.Fatalf("unregister failed: %d", status)
	}
	status, body = env.do(t, http.MethodGet, "/api/agents/echo", nil)
	if status != http.StatusNotFound || body["error"] != "Agent not found: echo" {
		t.Fatalf("expected not found, got %d %v", status, body)
	}
	status, _ = env.do(t, http.MethodPost, "/api/agents/echo/invoke", map[string]any{"action": "x"})
	if status != http.StatusNotFound {
		t.Fatalf("expected not found on invoke, got %d", status)
	}
}

func TestWorkflowEndpoints(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)
	env.do(t, http.MethodPost, "/api/agents/register", map[string]any{"agent_id": "echo", "platform": "custom", "capabilities": []string{}})

	wf := map[string]any{
		"id": "greeting",
		"steps": []map[string]any{
			{"name": "prep", "action": "set-context", "input": map[string]any{"greeting": "Hello ${name}"}},
			{"name": "say", "agent": "echo", "task": "speak", "input": "${greeting}", "depends_on": []string{"prep"}, "output_to": "spoken"},
		},
	}
	status, body := env.do(t, http.MethodPost, "/api/workflows", wf)
	if status != http.StatusOK || body["workflow_id"] != "greeting" {
		t.Fatalf("save failed: %d %v", status, body)
	}
	status, body = env.do(t, http.MethodGet, "/api/workflows", nil)
	if status != http.StatusOK || body["count"].(float64) != 1 {
		t.Fatalf("list failed: %d %v", status, body)
	}
	status, _ = env.do(t, http.MethodGet, "/api/workflows/greeting", nil)
	if status != http.StatusOK {
		t.Fatalf("get failed: %d", status)
	}

	wf["context"] = map[string]any{"name": "Sam"}
	status, body = env.do(t, http.MethodPost, "/api/workflows/execute", wf)
	if status != http.StatusOK || body["success"] != true {
		t.Fatalf("execute failed: %d %v", status, body)
	}
	result := body["result"].(map[string]any)
	if result["status"] != "completed" {
		t.Fatalf("unexpected workflow result %v", result)
	}
	spoken := result["context"].(map[string]any)["spoken"].(map[string]any)
	output := spoken["result"].(map[string]any)["output"].(map[string]any)
	if output["echo"] != "Hello Sam" || output["action"] != "speak" {
		t.Fatalf("unexpected agent output %v", output)
	}

	status, body = env.do(t, http.MethodPost, "/api/workflows", map[string]any{"id": "bad id"})
	if status != http.StatusBadRequest || body["success"] != false {
		t.Fatalf("expected validation error, got %d %v", status, body)
	}
	status, body = env.do(t, http.MethodGet, "/api/workflows/active", nil)
	if status != http.StatusOK || body["count"].(float64) != 0 {
		t.Fatalf("unexpected active list %d %v", status, body)
	}
	status, _ = env.do(t, http.MethodPost, "/api/workflows/execute", "{not json")
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", status)
	}
}

func TestExecuteOutlivesClientDisconnect(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)
	handler := NewServer(Options{Version: "test"}, env.deps).Handler()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	body := `{"id":"patient","steps":[{"action":"wait","input":{"duration":10}},{"action":"set-context","input":{"done":true}}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/workflows/execute", strings.NewReader(body)).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	result := resp["result"].(map[string]any)
	if result["status"] != "completed" {
		t.Fatalf("expected completed workflow, got %v", result)
	}
}

func TestAsyncRuns(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)
	status, body := env.do(t, http.MethodPost, "/api/workflows/submit", map[string]any{
		"workflow": map[string]any{"steps": []map[string]any{{"action": "log", "input": map[string]any{"message": "hi ${who}"}}}},
		"context":  map[string]any{"who": "ops"},
	})
	if status != http.StatusAccepted {
		t.Fatalf("submit failed: %d %v", status, body)
	}
	runID := body["run"].(map[string]any)["id"].(string)
	if !strings.HasPrefix(runID, "run-") {
		t.Fatalf("unexpected run id %q", runID)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		status, body = env.do(t, http.MethodGet, "/api/workflows/runs/"+runID, nil)
		if status != http.StatusOK {
			t.Fatalf("get run failed: %d %v", status, body)
		}
		if body["run"].(map[string]any)["status"] == "completed" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run did not complete: %v", body)
		}
		time.Sleep(20 * time.Millisecond)
	}

	status, _ = env.do(t, http.MethodGet, "/api/workflows/runs/run-missing", nil)
	if status != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown run, got %d", status)
	}
	status, body = env.do(t, http.MethodPost, "/api/workflows/submit", map[string]any{})
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty submit, got %d %v", status, body)
	}
}

func TestPackageEndpoints(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)
	env.do(t, http.MethodPost, "/api/agents/register", map[string]any{"agent_id": "writer", "platform": "custom", "capabilities": []string{}})

	status, body := env.do(t, http.MethodPost, "/api/packages/register", map[string]any{"package_id": "bad", "version": "1", "agents": "writer"})
	if status != http.StatusBadRequest || body["error"] != "agents must be an array" {
		t.Fatalf("expected agents array error, got %d %v", status, body)
	}

	for _, pkg := range []map[string]any{
		{"package_id": "content", "version": "1.0.0", "agents": []string{"writer"}, "capabilities": []string{"writing"}, "dependencies": []string{"base"}},
		{"package_id": "base", "version": "1.0.0", "agents": []string{}},
		{"package_id": "A", "version": "1", "agents": []string{}, "dependencies": []string{"B"}},
		{"package_id": "B", "version": "1", "agents": []string{}, "dependencies": []string{"A"}},
	} {
		if status, body := env.do(t, http.MethodPost, "/api/packages/register", pkg); status != http.StatusOK {
			t.Fatalf("register %v failed: %d %v", pkg["package_id"], status, body)
		}
	}

	status, body = env.do(t, http.MethodGet, "/api/packages/capability/writing", nil)
	if status != http.StatusOK || body["count"].(float64) != 1 {
		t.Fatalf("unexpected capability list %d %v", status, body)
	}
	status, body = env.do(t, http.MethodPost, "/api/packages/content/execute", map[string]any{"context": map[string]any{"topic": "go"}})
	if status != http.StatusOK {
		t.Fatalf("execute failed: %d %v", status, body)
	}
	result := body["result"].(map[string]any)
	if result["package_id"] != "content" || result["workflow_result"].(map[string]any)["status"] != "completed" {
		t.Fatalf("unexpected package result %v", result)
	}

	_, body = env.do(t, http.MethodGet, "/api/packages/content/dependencies", nil)
	if deps := body["dependencies"].([]any); len(deps) != 2 || deps[0] != "writer" || deps[1] != "base" {
		t.Fatalf("unexpected dependencies %v", deps)
	}
	_, body = env.do(t, http.MethodPost, "/api/packages/order", map[string]any{"package_ids": []string{"content"}})
	if order := body["order"].([]any); len(order) != 2 || order[0] != "base" {
		t.Fatalf("unexpected order %v", order)
	}
	status, body = env.do(t, http.MethodPost, "/api/packages/order", map[string]any{"package_ids": []string{"A"}})
	if status != http.StatusConflict || !strings.Contains(body["error"].(string), "Circular dependency detected") {
		t.Fatalf("expected circular dependency error, got %d %v", status, body)
	}

	if status, _ := env.do(t, http.MethodDelete, "/api/packages/base", nil); status != http.StatusOK {
		t.Fatalf("unregister failed: %d", status)
	}
	if status, _ := env.do(t, http.MethodGet, "/api/packages/base", nil); status != http.StatusNotFound {
		t.Fatalf("expected not found, got %d", status)
	}
}

func TestStateEndpoints(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)

	status, body := env.do(t, http.MethodPost, "/api/state/settings/theme", map[string]any{"value": "dark", "metadata": map[string]any{"by": "ops"}})
	if status != http.StatusOK || body["entry"].(map[string]any)["value"] != "dark" {
		t.Fatalf("set failed: %d %v", status, body)
	}
	env.do(t, http.MethodPost, "/api/state/settings/lang", map[string]any{"value": map[string]any{"code": "en"}, "ttl": 3600})

	_, body = env.do(t, http.MethodGet, "/api/state/settings/theme", nil)
	if body["value"] != "dark" {
		t.Fatalf("unexpected value %v", body)
	}
	_, body = env.do(t, http.MethodGet, "/api/state/settings", nil)
	if values := body["values"].(map[string]any); len(values) != 2 {
		t.Fatalf("unexpected namespace values %v", values)
	}
	_, body = env.do(t, http.MethodGet, "/api/state/stats", nil)
	if stats := body["stats"].(map[string]any); stats["total_keys"].(float64) < 2 {
		t.Fatalf("unexpected stats %v", stats)
	}

	if status, _ := env.do(t, http.MethodDelete, "/api/state/settings/theme", nil); status != http.StatusOK {
		t.Fatalf("delete failed: %d", status)
	}
	if status, _ := env.do(t, http.MethodGet, "/api/state/settings/theme", nil); status != http.StatusNotFound {
		t.Fatalf("expected not found after delete, got %d", status)
	}
	_, body = env.do(t, http.MethodDelete, "/api/state/settings", nil)
	if body["cleared"].(float64) != 1 {
		t.Fatalf("unexpected clear result %v", body)
	}
	status, _ = env.do(t, http.MethodPost, "/api/state/settings/x", map[string]any{"value": 1, "ttl": -5})
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative ttl, got %d", status)
	}
}

func TestConnectorEndpoints(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)
	_, body := env.do(t, http.MethodGet, "/api/connectors", nil)
	if _, ok := body["connectors"].(map[string]any)["custom"]; !ok {
		t.Fatalf("expected custom connector status, got %v", body)
	}
	_, body = env.do(t, http.MethodGet, "/api/connectors/test", nil)
	if res := body["results"].(map[string]any)["custom"].(map[string]any); res["success"] != true {
		t.Fatalf("expected custom test to pass, got %v", res)
	}
}

func TestAuthRateLimitAndMetrics(t *testing.T) {
	env := newTestEnv(t, Options{}, &config.AuthConfig{Mode: "jwt", Secret: "secret"})

	if status, _ := env.doWithToken(t, http.MethodGet, "/health", nil, ""); status != http.StatusOK {
		t.Fatalf("health must not require a token, got %d", status)
	}
	status, body := env.doWithToken(t, http.MethodGet, "/api/agents", nil, "")
	if status != http.StatusUnauthorized || body["success"] != false {
		t.Fatalf("expected 401, got %d %v", status, body)
	}
	reader, _ := env.deps.Auth.IssueToken(&auth.Subject{Name: "reader"}, time.Hour)
	if status, _ := env.doWithToken(t, http.MethodGet, "/api/agents", nil, reader); status != http.StatusOK {
		t.Fatalf("reader should list agents, got %d", status)
	}
	if status, _ := env.doWithToken(t, http.MethodPost, "/api/state/a/b", map[string]any{"value": 1}, reader); status != http.StatusForbidden {
		t.Fatalf("reader must not write, got %d", status)
	}
	if status, _ := env.do(t, http.MethodPost, "/api/state/a/b", map[string]any{"value": 1}); status != http.StatusOK {
		t.Fatalf("writer should write, got %d", status)
	}

	resp, err := env.srv.Client().Get(env.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(raw), "sfs_orchestrator_http_requests_total") {
		t.Fatalf("expected http metrics in exposition")
	}

	limited := newTestEnv(t, Options{RateLimit: 0.001, RateBurst: 1}, nil)
	if status, _ := limited.do(t, http.MethodGet, "/health", nil); status != http.StatusOK {
		t.Fatalf("first request should pass, got %d", status)
	}
	status, body = limited.do(t, http.MethodGet, "/health", nil)
	if status != http.StatusTooManyRequests || body["code"] != "RATE_LIMITED" {
		t.Fatalf("expected 429, got %d %v", status, body)
	}
}

func TestRecovererReturnsJSON500(t *testing.T) {
	handler := recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Code != http.StatusInternalServerError || !strings.Contains(rec.Body.String(), `"success":false`) {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
}
