// Package claude 通过 Anthropic Messages API 或本地 claude CLI 调用智能体。
package claude

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"SmartFlow-Orchestrator/internal/connector"
	"SmartFlow-Orchestrator/pkg/logger"
)

// Platform 是该连接器在清单中的平台名。
const Platform = "claude"

const (
	defaultModel      = "claude-sonnet-4-5-20250929"
	defaultMaxTokens  = 4096
	defaultCLIPath    = "claude"
	defaultCLITimeout = 60 * time.Second

	ModeAPI = "api"
	ModeCLI = "cli"
)

// Config 描述 Claude 连接器。
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxTokens  int
	DisableAPI bool
	CLIPath    string
	CLITimeout time.Duration
	TempDir    string
}

// Connector 在有 API Key 时走 API，否则退化为 CLI 模式。
type Connector struct {
	cfg Config
	cli *cliRunner

	mu          sync.RWMutex
	mode        string
	client      *anthropic.Client
	initialized bool
}

// New 创建 Claude 连接器。
func New(cfg Config) *Connector {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.CLIPath == "" {
		cfg.CLIPath = defaultCLIPath
	}
	if cfg.CLITimeout <= 0 {
		cfg.CLITimeout = defaultCLITimeout
	}
	mode := ModeAPI
	if cfg.DisableAPI {
		mode = ModeCLI
	}
	return &Connector{
		cfg:  cfg,
		cli:  &cliRunner{path: cfg.CLIPath, timeout: cfg.CLITimeout, tempDir: cfg.TempDir},
		mode: mode,
	}
}

func (c *Connector) Platform() string { return Platform }

// Mode 返回当前调用模式。
func (c *Connector) Mode() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// Initialize 不会失败：缺少 API Key 时切换到 CLI 模式。
func (c *Connector) Initialize(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.APIKey == "" && c.mode == ModeAPI {
		logger.Named("connector").Warn("未找到 Claude API Key，改用 CLI 模式", slog.String("cli", c.cfg.CLIPath))
		c.mode = ModeCLI
	}
	if c.mode == ModeAPI {
		opts := []option.RequestOption{option.WithAPIKey(c.cfg.APIKey)}
		if c.cfg.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(c.cfg.BaseURL))
		}
		client := anthropic.NewClient(opts...)
		c.client = &client
	}
	c.initialized = true
	return nil
}

// Invoke 按当前模式分发调用。
func (c *Connector) Invoke(ctx context.Context, agentID string, task connector.Task) connector.Result {
	c.mu.RLock()
	mode, client := c.mode, c.client
	c.mu.RUnlock()

	if mode == ModeCLI {
		return c.cli.run(ctx, task)
	}
	if client == nil {
		return connector.Failure(errors.New("Claude connector not initialized"))
	}
	return c.invokeAPI(ctx, client, agentID, task)
}

func (c *Connector) invokeAPI(ctx context.Context, client *anthropic.Client, agentID string, task connector.Task) connector.Result {
	model := c.cfg.Model
	if task.Model != "" {
		model = task.Model
	}
	maxTokens := c.cfg.MaxTokens
	if task.MaxTokens > 0 {
		maxTokens = task.MaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(connector.AgentPrompt(agentID, task))),
		},
	}
	if task.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: task.SystemPrompt}}
	}
	if task.Temperature != nil {
		params.Temperature = anthropic.Float(*task.Temperature)
	}

	resp, err := client.Messages.New(ctx, params)
	if err != nil {
		return connector.Failure(err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}
	return connector.Result{
		Success:      true,
		Output:       text.String(),
		Model:        string(resp.Model),
		FinishReason: string(resp.StopReason),
		Mode:         ModeAPI,
		Usage: &connector.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}

// Test 以 ping 任务自检，并附带当前模式。
func (c *Connector) Test(ctx context.Context) connector.TestResult {
	res := connector.TestWithPing(ctx, c)
	res.Mode = c.Mode()
	return res
}

func (c *Connector) Status() connector.Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := connector.StatusInactive
	if c.initialized {
		status = connector.StatusActive
	}
	return connector.Status{
		Platform:    Platform,
		Status:      status,
		Mode:        c.mode,
		Initialized: c.initialized,
		Config: connector.ConfigKeys(map[string]string{
			"api_key":  c.cfg.APIKey,
			"base_url": c.cfg.BaseURL,
			"model":    c.cfg.Model,
			"cli_path": c.cfg.CLIPath,
		}),
	}
}
