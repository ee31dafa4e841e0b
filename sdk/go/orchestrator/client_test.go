package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestNewClientRejectsRelativeURL(t *testing.T) {
	if _, err := NewClient("localhost:3001", nil); err == nil {
		t.Fatal("expected error for url without scheme")
	}
}

func TestInvokeAgentSendsBearerToken(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/agents/writer/invoke" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer abc" {
			t.Fatalf("unexpected authorization header %q", got)
		}
		var task Task
		if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
			t.Fatalf("decode task: %v", err)
		}
		if task.Action != "draft" {
			t.Fatalf("unexpected action %q", task.Action)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"result":  map[string]any{"success": true, "output": "done", "mode": "api"},
		})
	}))
	client.SetAccessToken("abc")

	result, err := client.InvokeAgent(context.Background(), "writer", Task{Action: "draft"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !result.Success || result.Output != "done" || result.Mode != "api" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestAPIErrorCarriesCode(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"success":false,"error":"Agent not found: ghost","code":"NOT_FOUND"}`))
	}))

	_, err := client.GetAgent(context.Background(), "ghost")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "NOT_FOUND" || apiErr.Message != "Agent not found: ghost" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestPlainTextErrorBody(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))

	err := client.DeleteState(context.Background(), "default", "k")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "bad gateway" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStateRoundTripEscapesPath(t *testing.T) {
	stored := map[string]any{}
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.EscapedPath() != "/api/state/sessions/user%2F42" {
			t.Fatalf("unexpected path %q", r.URL.EscapedPath())
		}
		switch r.Method {
		case http.MethodPost:
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["ttl"] != float64(30) {
				t.Fatalf("unexpected ttl %v", body["ttl"])
			}
			stored["value"] = body["value"]
			_ = json.NewEncoder(w).Encode(map[string]any{
				"success": true,
				"entry":   map[string]any{"key": "user/42", "namespace": "sessions", "value": body["value"]},
			})
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "value": stored["value"]})
		}
	}))

	entry, err := client.SetState(context.Background(), "sessions", "user/42", "token", 30*time.Second)
	if err != nil || entry.Key != "user/42" {
		t.Fatalf("set state: %+v %v", entry, err)
	}
	value, err := client.GetState(context.Background(), "sessions", "user/42")
	if err != nil || value != "token" {
		t.Fatalf("get state: %v %v", value, err)
	}
}

func TestExecuteWorkflowFlattensDefinition(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["id"] != "greet" || body["context"].(map[string]any)["name"] != "Sam" {
			t.Fatalf("unexpected body: %v", body)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"result":  map[string]any{"id": "greet", "status": "completed", "context": map[string]any{"name": "Sam"}},
		})
	}))

	state, err := client.ExecuteWorkflow(context.Background(), Workflow{
		ID:    "greet",
		Steps: []Step{{Action: "log", Input: map[string]any{"message": "hi ${name}"}}},
	}, map[string]any{"name": "Sam"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !state.Succeeded() {
		t.Fatalf("unexpected state: %+v", state)
	}
}

func TestWaitForRunPollsUntilDone(t *testing.T) {
	var polls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := "running"
		if polls.Add(1) >= 3 {
			status = "completed"
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"run":     map[string]any{"id": "run-1", "status": status},
		})
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	run, err := client.WaitForRun(ctx, "run-1", 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !run.Done() || polls.Load() != 3 {
		t.Fatalf("unexpected run %+v after %d polls", run, polls.Load())
	}
}
