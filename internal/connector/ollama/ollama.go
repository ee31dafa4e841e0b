// Package ollama 通过 langchaingo 调用本地 Ollama 模型。
package ollama

import (
	"context"
	"errors"
	"sync"

	"github.com/tmc/langchaingo/llms"
	lcollama "github.com/tmc/langchaingo/llms/ollama"

	"SmartFlow-Orchestrator/internal/connector"
	xerrors "SmartFlow-Orchestrator/internal/errors"
)

// Platform 是该连接器在清单中的平台名。
const Platform = "ollama"

// Config 描述本地模型服务。
type Config struct {
	ServerURL   string
	Model       string
	Temperature float64
}

// Connector 适配 langchaingo 的 llms.Model。
type Connector struct {
	cfg Config

	mu    sync.RWMutex
	model llms.Model
}

// Option 配置连接器。
type Option func(*Connector)

// WithModel 注入现成的模型实现，跳过客户端构建。
func WithModel(m llms.Model) Option {
	return func(c *Connector) {
		c.model = m
	}
}

// New 创建 Ollama 连接器。
func New(cfg Config, opts ...Option) *Connector {
	if cfg.Model == "" {
		cfg.Model = "llama3"
	}
	c := &Connector{cfg: cfg}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func (c *Connector) Platform() string { return Platform }

// Initialize 构建 Ollama 客户端，不检查服务是否在线。
func (c *Connector) Initialize(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.model != nil {
		return nil
	}
	opts := []lcollama.Option{lcollama.WithModel(c.cfg.Model)}
	if c.cfg.ServerURL != "" {
		opts = append(opts, lcollama.WithServerURL(c.cfg.ServerURL))
	}
	model, err := lcollama.New(opts...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建 Ollama 客户端失败")
	}
	c.model = model
	return nil
}

// Invoke 以 system + human 两段消息生成回复。
func (c *Connector) Invoke(ctx context.Context, agentID string, task connector.Task) connector.Result {
	c.mu.RLock()
	model := c.model
	c.mu.RUnlock()
	if model == nil {
		return connector.Failure(errors.New("Ollama connector not initialized"))
	}

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, connector.SystemPrompt(agentID, task)),
		llms.TextParts(llms.ChatMessageTypeHuman, connector.UserPrompt(task)),
	}
	var callOpts []llms.CallOption
	if task.Temperature != nil {
		callOpts = append(callOpts, llms.WithTemperature(*task.Temperature))
	} else if c.cfg.Temperature > 0 {
		callOpts = append(callOpts, llms.WithTemperature(c.cfg.Temperature))
	}
	if task.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(task.MaxTokens))
	}

	resp, err := model.GenerateContent(ctx, messages, callOpts...)
	if err != nil {
		return connector.Failure(err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return connector.Failure(errors.New("Ollama returned no choices"))
	}
	choice := resp.Choices[0]
	return connector.Result{
		Success:      true,
		Output:       choice.Content,
		Model:        c.cfg.Model,
		FinishReason: choice.StopReason,
		Mode:         "local",
	}
}

func (c *Connector) Test(ctx context.Context) connector.TestResult {
	return connector.TestWithPing(ctx, c)
}

func (c *Connector) Status() connector.Status {
	c.mu.RLock()
	initialized := c.model != nil
	c.mu.RUnlock()
	status := connector.StatusInactive
	if initialized {
		status = connector.StatusActive
	}
	return connector.Status{
		Platform:    Platform,
		Status:      status,
		Mode:        "local",
		Initialized: initialized,
		Config: connector.ConfigKeys(map[string]string{
			"server_url": c.cfg.ServerURL,
			"model":      c.cfg.Model,
		}),
	}
}
