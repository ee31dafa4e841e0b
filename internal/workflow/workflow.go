package workflow

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status 表示工作流的执行状态。
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// 步骤结果状态。
const (
	StepSuccess = "success"
	StepFailed  = "failed"
)

// 步骤类型。
const (
	KindAgent    = "agent"
	KindAction   = "action"
	KindWorkflow = "workflow"
)

// Workflow 是可保存、可执行的步骤定义。
type Workflow struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []Step `json:"steps" yaml:"steps"`
}

// Step 必须且只能设置 Agent、Action、Workflow 之一。
type Step struct {
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
	Agent    string `json:"agent,omitempty" yaml:"agent,omitempty"`
	Action   string `json:"action,omitempty" yaml:"action,omitempty"`
	Workflow string `json:"workflow,omitempty" yaml:"workflow,omitempty"`
	// Task 是调用智能体时传递的动作名，仅对 agent 步骤生效。
	Task            string   `json:"task,omitempty" yaml:"task,omitempty"`
	Input           any      `json:"input,omitempty" yaml:"input,omitempty"`
	DependsOn       []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	OutputTo        string   `json:"output_to,omitempty" yaml:"output_to,omitempty"`
	ContinueOnError bool     `json:"continue_on_error,omitempty" yaml:"continue_on_error,omitempty"`
}

// Kind 返回步骤类型，设置了零个或多个目标时返回空串。
func (s Step) Kind() string {
	kind, count := "", 0
	if s.Agent != "" {
		kind, count = KindAgent, count+1
	}
	if s.Action != "" {
		kind, count = KindAction, count+1
	}
	if s.Workflow != "" {
		kind, count = KindWorkflow, count+1
	}
	if count != 1 {
		return ""
	}
	return kind
}

// StepName 返回步骤名称，未命名时使用位置名 step_N。
func (s Step) StepName(index int) string {
	if s.Name != "" {
		return s.Name
	}
	return fmt.Sprintf("step_%d", index)
}

func (s Step) target() string {
	switch {
	case s.Agent != "":
		return s.Agent
	case s.Action != "":
		return s.Action
	default:
		return s.Workflow
	}
}

// StepResult 是单个步骤的执行结果。
type StepResult struct {
	Status    string    `json:"status"`
	Agent     string    `json:"agent,omitempty"`
	Action    string    `json:"action,omitempty"`
	Workflow  string    `json:"workflow,omitempty"`
	Result    any       `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	Code      string    `json:"code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StepRecord 记录一次已执行的步骤。
type StepRecord struct {
	Step        int        `json:"step"`
	Name        string     `json:"name"`
	CompletedAt time.Time  `json:"completed_at"`
	Result      StepResult `json:"result"`
}

// State 是工作流的运行状态，也是持久化快照的结构。
type State struct {
	ID             string                `json:"id"`
	RunID          string                `json:"run_id,omitempty"`
	Status         Status                `json:"status"`
	StartedAt      time.Time             `json:"started_at"`
	CompletedAt    *time.Time            `json:"completed_at,omitempty"`
	FailedAt       *time.Time            `json:"failed_at,omitempty"`
	Steps          []Step                `json:"steps"`
	CurrentStep    int                   `json:"current_step"`
	CompletedSteps []StepRecord          `json:"completed_steps"`
	FailedSteps    []StepRecord          `json:"failed_steps"`
	Context        map[string]any        `json:"context"`
	Outputs        map[string]StepResult `json:"outputs"`
	Error          string                `json:"error,omitempty"`
}

// completed 判断名为 name 的步骤是否已执行。
func (s *State) completed(name string) bool {
	for _, rec := range s.CompletedSteps {
		if rec.Name == name {
			return true
		}
	}
	return false
}

// Clone 通过 JSON 往返得到与运行中状态不共享内存的深拷贝。
func (s *State) Clone() *State {
	data, err := json.Marshal(s)
	if err != nil {
		cp := *s
		return &cp
	}
	var out State
	if err := json.Unmarshal(data, &out); err != nil {
		cp := *s
		return &cp
	}
	return &out
}

// Stats 汇总活跃工作流。
type Stats struct {
	Active          int      `json:"active"`
	ActiveWorkflows []string `json:"active_workflows"`
}
