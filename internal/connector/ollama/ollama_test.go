package ollama

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"SmartFlow-Orchestrator/internal/connector"
)

type fakeModel struct {
	messages []llms.MessageContent
	err      error
}

func (f *fakeModel) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	f.messages = messages
	if f.err != nil {
		return nil, f.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: "local reply", StopReason: "stop"}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, opts ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, opts...)
}

func TestInvokeUsesInjectedModel(t *testing.T) {
	model := &fakeModel{}
	c := New(Config{Model: "llama3"}, WithModel(model))
	require.NoError(t, c.Initialize(context.Background()))

	res := c.Invoke(context.Background(), "local-agent", connector.Task{Action: "chat", Input: "hi"})
	require.True(t, res.Success)
	assert.Equal(t, "local reply", res.Output)
	assert.Equal(t, "llama3", res.Model)

	require.Len(t, model.messages, 2)
	assert.Equal(t, llms.ChatMessageTypeSystem, model.messages[0].Role)
	assert.Equal(t, llms.ChatMessageTypeHuman, model.messages[1].Role)
}

func TestInvokeConvertsErrors(t *testing.T) {
	c := New(Config{}, WithModel(&fakeModel{err: errors.New("connection refused")}))
	require.NoError(t, c.Initialize(context.Background()))

	res := c.Invoke(context.Background(), "local-agent", connector.Task{Action: "chat"})
	assert.False(t, res.Success)
	assert.Equal(t, "connection refused", res.Error)

	tr := c.Test(context.Background())
	assert.False(t, tr.Success)
	assert.Equal(t, Platform, tr.Platform)
}

func TestInitializeBuildsClient(t *testing.T) {
	c := New(Config{ServerURL: "http://127.0.0.1:11434"})
	require.NoError(t, c.Initialize(context.Background()))
	assert.Equal(t, connector.StatusActive, c.Status().Status)
}
