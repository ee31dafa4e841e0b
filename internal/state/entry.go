package state

import "time"

// DefaultNamespace 是未指定命名空间时使用的分区。
const DefaultNamespace = "global"

// 内置辅助方法使用的命名空间。
const (
	NamespaceAgentContext = "agent-context"
	NamespaceWorkflows    = "workflows"
	NamespaceAgentOutputs = "agent-outputs"
)

// Entry 是持久化的一条状态记录。
type Entry struct {
	Key       string         `json:"key"`
	Value     any            `json:"value"`
	Namespace string         `json:"namespace"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt *time.Time     `json:"expires_at"`
	Metadata  map[string]any `json:"metadata"`
}

// Expired 判断条目在 now 时刻是否已过期。
func (e Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && e.ExpiresAt.Before(now)
}

// SetOptions 控制 Set 的行为。
type SetOptions struct {
	// TTL 为 0 表示永不过期。
	TTL       time.Duration
	Namespace string
	Metadata  map[string]any
}

// Stats 汇总缓存中的条目。
type Stats struct {
	TotalKeys  int            `json:"total_keys"`
	Namespaces map[string]int `json:"namespaces"`
	TotalSize  int            `json:"total_size"`
}
