package connector

import "context"

// PlatformCustom 是占位连接器的平台名。
const PlatformCustom = "custom"

// Custom 是不调用任何外部系统的占位连接器，原样回显输入。
type Custom struct{}

// NewCustom 创建占位连接器。
func NewCustom() *Custom { return &Custom{} }

func (c *Custom) Platform() string { return PlatformCustom }

func (c *Custom) Initialize(context.Context) error { return nil }

func (c *Custom) Invoke(_ context.Context, agentID string, task Task) Result {
	return Result{
		Success: true,
		Mode:    "noop",
		Output: map[string]any{
			"agent_id": agentID,
			"action":   task.Action,
			"echo":     task.Input,
		},
	}
}

func (c *Custom) Test(ctx context.Context) TestResult { return TestWithPing(ctx, c) }

func (c *Custom) Status() Status {
	return Status{Platform: PlatformCustom, Status: StatusActive, Mode: "noop", Config: []string{}, Initialized: true}
}
