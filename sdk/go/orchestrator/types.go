package orchestrator

import "time"

// Agent mirrors the server's agent document. Manifest fields outside this
// struct are dropped on decode.
type Agent struct {
	AgentID         string         `json:"agent_id"`
	Name            string         `json:"name,omitempty"`
	Description     string         `json:"description,omitempty"`
	Platform        string         `json:"platform"`
	Capabilities    []string       `json:"capabilities"`
	Apps            []string       `json:"apps,omitempty"`
	ContextFiles    []string       `json:"context_files,omitempty"`
	Dependencies    []string       `json:"dependencies,omitempty"`
	Model           string         `json:"model,omitempty"`
	SystemPrompt    string         `json:"system_prompt,omitempty"`
	Config          map[string]any `json:"config,omitempty"`
	Status          string         `json:"status,omitempty"`
	InvocationCount int            `json:"invocation_count,omitempty"`
	LastInvoked     *time.Time     `json:"last_invoked,omitempty"`
}

// Task is the payload sent to an agent's connector.
type Task struct {
	Action       string         `json:"action"`
	Input        any            `json:"input,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	Model        string         `json:"model,omitempty"`
	Temperature  *float64       `json:"temperature,omitempty"`
	MaxTokens    int            `json:"max_tokens,omitempty"`
}

// Usage reports token accounting when the platform provides it.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// InvokeResult is a connector's answer to a Task.
type InvokeResult struct {
	Success      bool   `json:"success"`
	Output       any    `json:"output,omitempty"`
	Error        string `json:"error,omitempty"`
	Model        string `json:"model,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Mode         string `json:"mode,omitempty"`
}

// Step is one unit of a workflow. Exactly one of Agent, Action or Workflow
// must be set.
type Step struct {
	Name            string   `json:"name,omitempty"`
	Agent           string   `json:"agent,omitempty"`
	Action          string   `json:"action,omitempty"`
	Workflow        string   `json:"workflow,omitempty"`
	Task            string   `json:"task,omitempty"`
	Input           any      `json:"input,omitempty"`
	DependsOn       []string `json:"depends_on,omitempty"`
	OutputTo        string   `json:"output_to,omitempty"`
	ContinueOnError bool     `json:"continue_on_error,omitempty"`
}

// Workflow is an ordered list of steps.
type Workflow struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Steps       []Step `json:"steps"`
}

// StepResult describes the outcome of a single step.
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

// StepRecord is an executed step.
type StepRecord struct {
	Step        int        `json:"step"`
	Name        string     `json:"name"`
	CompletedAt time.Time  `json:"completed_at"`
	Result      StepResult `json:"result"`
}

// WorkflowState is the result of a workflow execution.
type WorkflowState struct {
	ID             string                `json:"id"`
	RunID          string                `json:"run_id,omitempty"`
	Status         string                `json:"status"`
	StartedAt      time.Time             `json:"started_at"`
	CompletedAt    *time.Time            `json:"completed_at,omitempty"`
	FailedAt       *time.Time            `json:"failed_at,omitempty"`
	CurrentStep    int                   `json:"current_step"`
	CompletedSteps []StepRecord          `json:"completed_steps"`
	FailedSteps    []StepRecord          `json:"failed_steps"`
	Context        map[string]any        `json:"context"`
	Outputs        map[string]StepResult `json:"outputs"`
	Error          string                `json:"error,omitempty"`
}

// Succeeded reports whether the workflow completed.
func (s WorkflowState) Succeeded() bool { return s.Status == "completed" }

// Run is an asynchronous workflow run.
type Run struct {
	ID           string         `json:"id"`
	Status       string         `json:"status"`
	WorkflowName string         `json:"workflow_name,omitempty"`
	Workflow     *Workflow      `json:"workflow,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
	Attempts     int            `json:"attempts"`
	Result       *WorkflowState `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	ErrorCode    string         `json:"error_code,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Done reports whether the run reached a terminal status.
func (r Run) Done() bool { return r.Status == "completed" || r.Status == "failed" }

// PackageResult is returned by ExecutePackage.
type PackageResult struct {
	PackageID      string         `json:"package_id"`
	Version        string         `json:"version"`
	WorkflowResult *WorkflowState `json:"workflow_result"`
}

// StateEntry is a stored value with its metadata.
type StateEntry struct {
	Key       string         `json:"key"`
	Value     any            `json:"value"`
	Namespace string         `json:"namespace"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt *time.Time     `json:"expires_at"`
	Metadata  map[string]any `json:"metadata"`
}

// Health is the /health document.
type Health struct {
	OK         bool           `json:"ok"`
	Service    string         `json:"service"`
	Version    string         `json:"version"`
	Timestamp  time.Time      `json:"timestamp"`
	Components map[string]any `json:"components"`
}
