// Package chatgpt 通过 OpenAI Chat Completions API 调用智能体。
package chatgpt

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"SmartFlow-Orchestrator/internal/connector"
	xerrors "SmartFlow-Orchestrator/internal/errors"
)

// Platform 是该连接器在清单中的平台名。
const Platform = "chatgpt"

const (
	defaultModel       = "gpt-4o"
	defaultTemperature = 0.7
	defaultMaxTokens   = 2048
)

// Config 描述 ChatGPT 连接器。
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Connector 是严格模式的连接器：缺少 API Key 时初始化失败。
type Connector struct {
	cfg Config

	mu     sync.RWMutex
	client *openai.Client
}

// New 创建 ChatGPT 连接器，需调用 Initialize 后才能使用。
func New(cfg Config) *Connector {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = defaultTemperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	return &Connector{cfg: cfg}
}

func (c *Connector) Platform() string { return Platform }

// Initialize 构建 OpenAI 客户端。
func (c *Connector) Initialize(context.Context) error {
	if c.cfg.APIKey == "" {
		return xerrors.New(xerrors.CodeInitializationFailure, "OpenAI API key not found")
	}
	opts := []option.RequestOption{option.WithAPIKey(c.cfg.APIKey)}
	if c.cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(c.cfg.BaseURL))
	}
	if c.cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(c.cfg.Timeout))
	}
	client := openai.NewClient(opts...)

	c.mu.Lock()
	c.client = &client
	c.mu.Unlock()
	return nil
}

// Invoke 发送 system + user 两条消息并返回首个候选回复。
func (c *Connector) Invoke(ctx context.Context, agentID string, task connector.Task) connector.Result {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if client == nil {
		return connector.Failure(errors.New("ChatGPT connector not initialized"))
	}

	model := c.cfg.Model
	if task.Model != "" {
		model = task.Model
	}
	temperature := c.cfg.Temperature
	if task.Temperature != nil {
		temperature = *task.Temperature
	}
	maxTokens := c.cfg.MaxTokens
	if task.MaxTokens > 0 {
		maxTokens = task.MaxTokens
	}

	resp, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(connector.SystemPrompt(agentID, task)),
			openai.UserMessage(connector.UserPrompt(task)),
		},
		Temperature:         openai.Float(temperature),
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
	})
	if err != nil {
		return connector.Failure(err)
	}
	if len(resp.Choices) == 0 {
		return connector.Failure(errors.New("OpenAI returned no choices"))
	}

	choice := resp.Choices[0]
	return connector.Result{
		Success:      true,
		Output:       choice.Message.Content,
		Model:        resp.Model,
		FinishReason: string(choice.FinishReason),
		Mode:         "api",
		Usage: &connector.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
}

// Test 以 ping 任务检查 API 连通性。
func (c *Connector) Test(ctx context.Context) connector.TestResult {
	res := connector.TestWithPing(ctx, c)
	if res.Model == "" {
		res.Model = c.cfg.Model
	}
	return res
}

func (c *Connector) Status() connector.Status {
	c.mu.RLock()
	initialized := c.client != nil
	c.mu.RUnlock()

	status := connector.StatusInactive
	if initialized {
		status = connector.StatusActive
	}
	return connector.Status{
		Platform:    Platform,
		Status:      status,
		Mode:        "api",
		Initialized: initialized,
		Config: connector.ConfigKeys(map[string]string{
			"api_key":  c.cfg.APIKey,
			"base_url": c.cfg.BaseURL,
			"model":    c.cfg.Model,
		}),
	}
}
