package agent

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	xerrors "SmartFlow-Orchestrator/internal/errors"
)

// 智能体运行状态。
const (
	StatusReady    = "ready"
	StatusBusy     = "busy"
	StatusDisabled = "disabled"
	StatusError    = "error"
)

// Manifest 是智能体清单，未识别的字段保存在 Extra 中并原样写回。
type Manifest struct {
	AgentID      string         `json:"agent_id"`
	Name         string         `json:"name,omitempty"`
	Description  string         `json:"description,omitempty"`
	Platform     string         `json:"platform"`
	Capabilities []string       `json:"capabilities"`
	Apps         []string       `json:"apps,omitempty"`
	ContextFiles []string       `json:"context_files,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Model        string         `json:"model,omitempty"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	Config       map[string]any `json:"config,omitempty"`

	Extra map[string]any `json:"-"`
}

var knownFields = map[string]struct{}{
	"agent_id": {}, "name": {}, "description": {}, "platform": {}, "capabilities": {},
	"apps": {}, "context_files": {}, "dependencies": {}, "model": {}, "system_prompt": {},
	"config": {}, "status": {}, "invocation_count": {}, "last_invoked": {},
}

// Validate 校验必填字段。
func (m Manifest) Validate() error {
	if m.AgentID == "" {
		return missingField("agent_id")
	}
	if m.Platform == "" {
		return missingField("platform")
	}
	if m.Capabilities == nil {
		return missingField("capabilities")
	}
	return nil
}

// HasCapability 判断清单是否声明了某项能力。
func (m Manifest) HasCapability(capability string) bool {
	return slices.Contains(m.Capabilities, capability)
}

// Document 返回清单的 JSON 文档形式，包含 Extra 字段。
func (m Manifest) Document() map[string]any {
	doc := make(map[string]any, len(m.Extra)+8)
	for k, v := range m.Extra {
		doc[k] = v
	}
	raw, _ := json.Marshal(m)
	var known map[string]any
	_ = json.Unmarshal(raw, &known)
	for k, v := range known {
		doc[k] = v
	}
	return doc
}

// Clone 返回深拷贝，调用方修改不会影响注册表。
func (m Manifest) Clone() Manifest {
	out := m
	out.Capabilities = slices.Clone(m.Capabilities)
	out.Apps = slices.Clone(m.Apps)
	out.ContextFiles = slices.Clone(m.ContextFiles)
	out.Dependencies = slices.Clone(m.Dependencies)
	out.Config = cloneMap(m.Config)
	out.Extra = cloneMap(m.Extra)
	return out
}

// DecodeManifest 解析 JSON 清单并给出字段级的校验错误。
func DecodeManifest(data []byte) (Manifest, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Manifest{}, xerrors.Wrap(xerrors.CodeValidation, err, "manifest must be a JSON object")
	}
	for _, name := range []string{"agent_id", "platform", "capabilities"} {
		raw, ok := fields[name]
		if !ok || string(raw) == "null" || string(raw) == `""` {
			return Manifest{}, missingField(name)
		}
	}
	var caps []any
	if err := json.Unmarshal(fields["capabilities"], &caps); err != nil {
		return Manifest{}, xerrors.New(xerrors.CodeValidation, "capabilities must be an array")
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, xerrors.Wrap(xerrors.CodeValidation, err, "invalid manifest")
	}
	if m.Capabilities == nil {
		m.Capabilities = []string{}
	}
	for name, raw := range fields {
		if _, ok := knownFields[name]; ok {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		if m.Extra == nil {
			m.Extra = make(map[string]any)
		}
		m.Extra[name] = v
	}
	return m, m.Validate()
}

// Agent 是注册表中的条目：清单加运行时字段。
type Agent struct {
	Manifest
	Status          string     `json:"status"`
	InvocationCount int        `json:"invocation_count"`
	LastInvoked     *time.Time `json:"last_invoked"`
}

// MarshalJSON 输出扁平结构，清单字段与运行时字段位于同一层。
func (a Agent) MarshalJSON() ([]byte, error) {
	doc := a.Manifest.Document()
	doc["status"] = a.Status
	doc["invocation_count"] = a.InvocationCount
	doc["last_invoked"] = a.LastInvoked
	return json.Marshal(doc)
}

func (a *Agent) clone() Agent {
	out := *a
	out.Manifest = a.Manifest.Clone()
	if a.LastInvoked != nil {
		t := *a.LastInvoked
		out.LastInvoked = &t
	}
	return out
}

// Stats 汇总注册表。
type Stats struct {
	Total            int            `json:"total"`
	ByPlatform       map[string]int `json:"by_platform"`
	ByStatus         map[string]int `json:"by_status"`
	TotalInvocations int            `json:"total_invocations"`
}

func missingField(name string) error {
	return xerrors.New(xerrors.CodeValidation, fmt.Sprintf("Missing required field: %s", name),
		xerrors.WithMetadata("field", name))
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
