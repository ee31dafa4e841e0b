package connector

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "SmartFlow-Orchestrator/internal/errors"
)

type stubConnector struct {
	platform string
	initErr  error
	result   Result
	calls    int
}

func (s *stubConnector) Platform() string                 { return s.platform }
func (s *stubConnector) Initialize(context.Context) error { return s.initErr }
func (s *stubConnector) Invoke(context.Context, string, Task) Result {
	s.calls++
	return s.result
}
func (s *stubConnector) Test(ctx context.Context) TestResult { return TestWithPing(ctx, s) }
func (s *stubConnector) Status() Status {
	return Status{Platform: s.platform, Status: StatusActive, Config: []string{}}
}

func TestManagerInitializeAllKeepsFailedConnectors(t *testing.T) {
	m := NewManager()
	m.Register(&stubConnector{platform: "broken", initErr: errors.New("no key")})
	m.Register(NewCustom())

	failures := m.InitializeAll(context.Background())
	require.Len(t, failures, 1)
	assert.Contains(t, failures, "broken")
	assert.Equal(t, []string{"broken", "custom"}, m.List())
	assert.Equal(t, 2, m.Count())
}

func TestManagerInvoke(t *testing.T) {
	m := NewManager()
	stub := &stubConnector{platform: "stub", result: Result{Success: false, Error: "upstream 500"}}
	m.Register(stub)

	res, err := m.Invoke(context.Background(), "stub", "a1", Task{Action: "x"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 1, stub.calls)

	_, err = m.Invoke(context.Background(), "missing", "a1", Task{})
	require.Error(t, err)
	assert.True(t, xerrors.IsCode(err, xerrors.CodeNotFound))
}

func TestTestAllAndStatuses(t *testing.T) {
	m := NewManager()
	m.Register(NewCustom())
	m.Register(&stubConnector{platform: "down", result: Result{Error: "offline"}})

	results := m.TestAll(context.Background())
	assert.True(t, results["custom"].Success)
	assert.False(t, results["down"].Success)
	assert.Equal(t, "offline", results["down"].Error)

	statuses := m.Statuses()
	assert.Equal(t, StatusActive, statuses["custom"].Status)
	assert.Equal(t, "noop", statuses["custom"].Mode)
}

func TestCustomEchoesInput(t *testing.T) {
	res := NewCustom().Invoke(context.Background(), "a1", Task{Action: "run", Input: map[string]any{"k": "v"}})
	require.True(t, res.Success)
	out := res.Output.(map[string]any)
	assert.Equal(t, "a1", out["agent_id"])
	assert.Equal(t, "run", out["action"])
	assert.Equal(t, map[string]any{"k": "v"}, out["echo"])
}

func TestPrompts(t *testing.T) {
	task := Task{Action: "summarize", Input: map[string]any{"text": "hi"}, Context: map[string]any{"lang": "en"}}

	user := UserPrompt(task)
	assert.Contains(t, user, "Action: summarize\n\n")
	assert.Contains(t, user, "Input:\n{\n  \"text\": \"hi\"\n}")
	assert.Contains(t, user, "Context:\n{\n  \"lang\": \"en\"\n}")

	assert.Contains(t, SystemPrompt("writer", task), "You are writer")
	assert.Equal(t, "custom", SystemPrompt("writer", Task{SystemPrompt: "custom"}))

	full := AgentPrompt("writer", task)
	assert.True(t, len(full) > len(user))
	assert.Contains(t, full, "You are agent: writer")
	assert.Contains(t, full, "Please execute this task and return structured output.")
}

func TestFailureAndConfigKeys(t *testing.T) {
	assert.Equal(t, "boom", Failure(errors.New("boom")).Error)
	assert.False(t, Failure(nil).Success)
	assert.Equal(t, []string{"a", "c"}, ConfigKeys(map[string]string{"c": "1", "b": "", "a": "2"}))
}
