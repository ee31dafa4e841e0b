package chatgpt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SmartFlow-Orchestrator/internal/connector"
	xerrors "SmartFlow-Orchestrator/internal/errors"
)

func newServer(t *testing.T, status int, body string, captured *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if captured != nil {
			_ = json.NewDecoder(r.Body).Decode(captured)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

const completion = `{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "created": 1700000000,
  "model": "gpt-4o-2024-08-06",
  "choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "done"}}],
  "usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
}`

func TestInitializeRequiresAPIKey(t *testing.T) {
	c := New(Config{})
	err := c.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, xerrors.IsCode(err, xerrors.CodeInitializationFailure))
	assert.Contains(t, err.Error(), "OpenAI API key not found")

	res := c.Invoke(context.Background(), "a1", connector.Task{Action: "x"})
	assert.False(t, res.Success)
	assert.Equal(t, connector.StatusInactive, c.Status().Status)
}

func TestInvokeReturnsCompletion(t *testing.T) {
	var req map[string]any
	srv := newServer(t, http.StatusOK, completion, &req)

	c := New(Config{APIKey: "sk-test", BaseURL: srv.URL + "/v1/"})
	require.NoError(t, c.Initialize(context.Background()))

	res := c.Invoke(context.Background(), "writer", connector.Task{
		Action: "summarize",
		Input:  map[string]any{"text": "hello"},
	})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "done", res.Output)
	assert.Equal(t, "stop", res.FinishReason)
	assert.Equal(t, "gpt-4o-2024-08-06", res.Model)
	require.NotNil(t, res.Usage)
	assert.EqualValues(t, 15, res.Usage.TotalTokens)

	assert.Equal(t, "gpt-4o", req["model"])
	messages, ok := req["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 2)
	system := messages[0].(map[string]any)
	assert.Equal(t, "system", system["role"])
	assert.True(t, strings.Contains(system["content"].(string), "You are writer"))
	user := messages[1].(map[string]any)
	assert.Contains(t, user["content"], "Action: summarize")
}

func TestInvokeConvertsAPIErrors(t *testing.T) {
	srv := newServer(t, http.StatusUnauthorized, `{"error":{"message":"bad key","type":"invalid_request_error"}}`, nil)

	c := New(Config{APIKey: "sk-test", BaseURL: srv.URL + "/v1/"})
	require.NoError(t, c.Initialize(context.Background()))

	res := c.Invoke(context.Background(), "writer", connector.Task{Action: "x"})
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
}

func TestStatusHidesSecrets(t *testing.T) {
	c := New(Config{APIKey: "sk-secret"})
	require.NoError(t, c.Initialize(context.Background()))
	st := c.Status()
	assert.Equal(t, connector.StatusActive, st.Status)
	assert.Contains(t, st.Config, "api_key")
	for _, k := range st.Config {
		assert.NotContains(t, k, "sk-secret")
	}
}
