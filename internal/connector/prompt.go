package connector

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// SystemPrompt 返回默认的系统提示词，Task 自带时优先使用。
func SystemPrompt(agentID string, task Task) string {
	if strings.TrimSpace(task.SystemPrompt) != "" {
		return task.SystemPrompt
	}
	return fmt.Sprintf("You are %s, a specialized AI agent in the SmartFlow Systems ecosystem. "+
		"Execute the requested action precisely and return clear, structured output.", agentID)
}

// UserPrompt 将任务格式化为对话消息。
func UserPrompt(task Task) string {
	var b strings.Builder
	if task.Action != "" {
		fmt.Fprintf(&b, "Action: %s\n\n", task.Action)
	}
	if task.Input != nil {
		fmt.Fprintf(&b, "Input:\n%s\n\n", indentJSON(task.Input))
	}
	if len(task.Context) > 0 {
		fmt.Fprintf(&b, "Context:\n%s\n\n", indentJSON(task.Context))
	}
	if len(task.ContextFiles) > 0 {
		b.WriteString("Reference files:\n")
		names := make([]string, 0, len(task.ContextFiles))
		for name := range task.ContextFiles {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&b, "### %s\n%s\n\n", name, strings.TrimSpace(task.ContextFiles[name]))
		}
	}
	return b.String()
}

// AgentPrompt 生成单条完整提示词，供不区分 system/user 角色的后端使用。
func AgentPrompt(agentID string, task Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are agent: %s\n\n", agentID)
	b.WriteString(UserPrompt(task))
	b.WriteString("Please execute this task and return structured output.")
	return b.String()
}

func indentJSON(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
