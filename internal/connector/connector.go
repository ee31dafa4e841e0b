package connector

import (
	"context"
	"sort"
)

// Task 是一次智能体调用的载荷。
type Task struct {
	Action       string         `json:"action"`
	Input        any            `json:"input,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	Model        string         `json:"model,omitempty"`
	Temperature  *float64       `json:"temperature,omitempty"`
	MaxTokens    int            `json:"max_tokens,omitempty"`

	// ContextFiles 是按文件名索引的智能体上下文文档。
	ContextFiles map[string]string `json:"context_files,omitempty"`
}

// Usage 记录模型的 token 消耗。
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Result 是连接器调用的统一返回结构。
type Result struct {
	Success      bool   `json:"success"`
	Output       any    `json:"output,omitempty"`
	Error        string `json:"error,omitempty"`
	Model        string `json:"model,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Mode         string `json:"mode,omitempty"`
	Stderr       string `json:"stderr,omitempty"`
}

// TestResult 描述连通性自检结果。
type TestResult struct {
	Success  bool   `json:"success"`
	Platform string `json:"platform"`
	Model    string `json:"model,omitempty"`
	Mode     string `json:"mode,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Status 是连接器的运行概况，Config 只列出已配置项的名称。
type Status struct {
	Platform    string   `json:"platform"`
	Status      string   `json:"status"`
	Mode        string   `json:"mode,omitempty"`
	Config      []string `json:"config"`
	Initialized bool     `json:"initialized"`
}

const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Connector 将通用调用契约转换为具体平台的 API 或 CLI 调用。
type Connector interface {
	Platform() string
	Initialize(ctx context.Context) error
	Invoke(ctx context.Context, agentID string, task Task) Result
	Test(ctx context.Context) TestResult
	Status() Status
}

// Ping 返回自检时使用的合成任务。
func Ping() Task {
	return Task{
		Action: "ping",
		Input:  map[string]any{"message": "Hello from SFS Orchestrator"},
	}
}

// Failure 将错误折叠为失败结果。
func Failure(err error) Result {
	if err == nil {
		return Result{Success: false, Error: "unknown connector failure"}
	}
	return Result{Success: false, Error: err.Error()}
}

// TestWithPing 以 ping 任务执行通用自检。
func TestWithPing(ctx context.Context, c Connector) TestResult {
	res := c.Invoke(ctx, "test-agent", Ping())
	return TestResult{
		Success:  res.Success,
		Platform: c.Platform(),
		Model:    res.Model,
		Mode:     res.Mode,
		Error:    res.Error,
	}
}

// ConfigKeys 返回值非空的配置项名称，用于状态输出时隐藏敏感值。
func ConfigKeys(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for k, v := range values {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
