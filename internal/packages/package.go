package packages

import (
	"encoding/json"
	"fmt"
	"slices"

	xerrors "SmartFlow-Orchestrator/internal/errors"
	"SmartFlow-Orchestrator/internal/workflow"
)

// DefaultAction 是隐式工作流中传给智能体的默认动作。
const DefaultAction = "execute"

// Package 描述一个能力包。
type Package struct {
	PackageID     string          `json:"package_id"`
	Name          string          `json:"name,omitempty"`
	Description   string          `json:"description,omitempty"`
	Version       string          `json:"version"`
	Agents        []string        `json:"agents"`
	Workflow      []workflow.Step `json:"workflow,omitempty"`
	DefaultAction string          `json:"default_action,omitempty"`
	Dependencies  []string        `json:"dependencies,omitempty"`
	Capabilities  []string        `json:"capabilities,omitempty"`
}

// Validate 校验必填字段。
func (p Package) Validate() error {
	if p.PackageID == "" {
		return missingField("package_id")
	}
	if p.Version == "" {
		return missingField("version")
	}
	if p.Agents == nil {
		return missingField("agents")
	}
	// workflow 一旦出现即视为显式工作流，不能为空。
	if p.Workflow != nil && len(p.Workflow) == 0 {
		return xerrors.New(xerrors.CodeValidation, "Invalid package: workflow must contain at least one step",
			xerrors.WithMetadata("field", "workflow"))
	}
	return nil
}

// HasCapability 判断包是否声明了某项能力。
func (p Package) HasCapability(capability string) bool {
	return slices.Contains(p.Capabilities, capability)
}

func (p Package) clone() Package {
	out := p
	out.Agents = slices.Clone(p.Agents)
	out.Workflow = slices.Clone(p.Workflow)
	out.Dependencies = slices.Clone(p.Dependencies)
	out.Capabilities = slices.Clone(p.Capabilities)
	return out
}

// DecodePackage 解析包定义，agents 不是数组时给出明确的校验错误。
func DecodePackage(data []byte) (Package, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Package{}, xerrors.Wrap(xerrors.CodeValidation, err, "Invalid package: must be a JSON object")
	}
	if agents, ok := raw["agents"]; ok {
		var list []any
		if err := json.Unmarshal(agents, &list); err != nil {
			return Package{}, xerrors.New(xerrors.CodeValidation, "agents must be an array")
		}
	}
	var pkg Package
	if err := json.Unmarshal(data, &pkg); err != nil {
		return Package{}, xerrors.Wrap(xerrors.CodeValidation, err, "Invalid package definition")
	}
	return pkg, pkg.Validate()
}

// ExecutionResult 是执行包后的返回结构。
type ExecutionResult struct {
	PackageID      string          `json:"package_id"`
	Version        string          `json:"version"`
	WorkflowResult *workflow.State `json:"workflow_result"`
}

// Stats 汇总已加载的包。
type Stats struct {
	Total        int            `json:"total"`
	ByCapability map[string]int `json:"by_capability"`
	TotalAgents  int            `json:"total_agents"`
}

func missingField(name string) error {
	return xerrors.New(xerrors.CodeValidation, fmt.Sprintf("Missing required field: %s", name),
		xerrors.WithMetadata("field", name))
}
