package task

import (
	"encoding/json"
	"net/http"
	"time"

	xerrors "SmartFlow-Orchestrator/internal/errors"
	"SmartFlow-Orchestrator/internal/workflow"
)

// Namespace 是运行记录在状态存储中的命名空间。
const Namespace = "workflow-runs"

// Status 表示运行在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// SubmitRequest 描述一次异步工作流提交，Workflow 与 WorkflowName 二选一。
type SubmitRequest struct {
	ID           string             `json:"id,omitempty"`
	Workflow     *workflow.Workflow `json:"workflow,omitempty"`
	WorkflowName string             `json:"workflow_name,omitempty"`
	Context      map[string]any     `json:"context,omitempty"`
}

// Run 是一次异步工作流运行的记录。
type Run struct {
	ID           string             `json:"id"`
	Status       Status             `json:"status"`
	Workflow     *workflow.Workflow `json:"workflow,omitempty"`
	WorkflowName string             `json:"workflow_name,omitempty"`
	Context      map[string]any     `json:"context,omitempty"`
	Attempts     int                `json:"attempts"`
	Result       *workflow.State    `json:"result,omitempty"`
	Error        string             `json:"error,omitempty"`
	ErrorCode    string             `json:"error_code,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// Stats 聚合运行记录的状态分布。
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

const (
	CodeRunNotFound   xerrors.Code = "RUN_NOT_FOUND"
	CodeRunConflict   xerrors.Code = "RUN_CONFLICT"
	CodeRunValidation xerrors.Code = "RUN_VALIDATION_FAILED"
	CodeRunPublish    xerrors.Code = "RUN_PUBLISH_FAILED"
)

var (
	// ErrRunNotFound 表示运行记录不存在。
	ErrRunNotFound = xerrors.New(CodeRunNotFound, "run not found")
	// ErrRunConflict 表示运行在当前状态下不能被领取。
	ErrRunConflict = xerrors.New(CodeRunConflict, "run is not pending")
)

func init() {
	xerrors.Register(CodeRunNotFound, xerrors.Attributes{
		Message:    "run not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeRunConflict, xerrors.Attributes{
		Message:    "run is not pending",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeRunValidation, xerrors.Attributes{
		Message:    "invalid run request",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
	xerrors.Register(CodeRunPublish, xerrors.Attributes{
		Message:    "failed to publish run",
		Severity:   xerrors.SeverityCritical,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: http.StatusServiceUnavailable,
	})
}

func cloneContext(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// decodeRun 兼容缓存中的 *Run / Run 以及从后端反序列化得到的 map。
func decodeRun(value any) (*Run, error) {
	switch v := value.(type) {
	case *Run:
		out := *v
		return &out, nil
	case Run:
		return &v, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码运行记录失败")
	}
	var run Run
	if err := json.Unmarshal(raw, &run); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析运行记录失败")
	}
	return &run, nil
}
