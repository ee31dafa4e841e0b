package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	xerrors "SmartFlow-Orchestrator/internal/errors"
	"SmartFlow-Orchestrator/internal/safepath"
	"SmartFlow-Orchestrator/pkg/logger"
)

// Registry 是智能体注册表，内存映射与清单文件保持同步。
type Registry struct {
	dir string
	now func() time.Time
	log *slog.Logger

	mu     sync.RWMutex
	agents map[string]*Agent
}

// Option 定义可选的注册表配置。
type Option func(*Registry)

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry 创建以 dir 为清单目录的注册表。
func NewRegistry(dir string, opts ...Option) *Registry {
	r := &Registry{
		dir:    dir,
		now:    time.Now,
		log:    logger.Named("agent-registry"),
		agents: make(map[string]*Agent),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Dir 返回清单目录。
func (r *Registry) Dir() string { return r.dir }

// Initialize 加载目录中的所有 .json/.yaml/.yml 清单，任一清单非法则返回错误。
func (r *Registry) Initialize(ctx context.Context) (int, error) {
	if err := os.MkdirAll(r.dir, 0o700); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建清单目录失败")
	}
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取清单目录失败")
	}

	loaded := make(map[string]*Agent)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if entry.IsDir() || !isManifestFile(entry.Name()) {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		manifest, err := readManifestFile(path)
		if err != nil {
			r.log.Error("加载智能体清单失败", slog.String("path", path), slog.Any("error", err))
			return 0, err
		}
		loaded[manifest.AgentID] = newEntry(manifest)
	}

	r.mu.Lock()
	for id, a := range loaded {
		r.agents[id] = a
	}
	count := len(r.agents)
	r.mu.Unlock()

	r.log.Info("智能体清单加载完成", slog.Int("count", count))
	return count, nil
}

// Register 校验并持久化清单，覆盖同 ID 的已有条目并重置运行时计数。
func (r *Registry) Register(_ context.Context, manifest Manifest) (Agent, error) {
	if err := manifest.Validate(); err != nil {
		return Agent{}, err
	}
	if manifest.Capabilities == nil {
		manifest.Capabilities = []string{}
	}
	path, err := safepath.Join(r.dir, manifest.AgentID, ".json")
	if err != nil {
		return Agent{}, err
	}
	payload, err := json.MarshalIndent(manifest.Document(), "", "  ")
	if err != nil {
		return Agent{}, xerrors.Wrap(xerrors.CodeValidation, err, "序列化清单失败")
	}
	if err := safepath.WriteFileAtomic(path, payload, 0o600); err != nil {
		return Agent{}, err
	}

	entry := newEntry(manifest.Clone())
	r.mu.Lock()
	r.agents[manifest.AgentID] = entry
	out := entry.clone()
	r.mu.Unlock()

	logger.Audit().Info("agent_registered",
		slog.String("agent_id", logger.Sanitize(manifest.AgentID)),
		slog.String("platform", logger.Sanitize(manifest.Platform)))
	return out, nil
}

// Get 返回智能体副本。
func (r *Registry) Get(agentID string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	if !ok {
		return Agent{}, false
	}
	return a.clone(), true
}

// List 按 agent_id 排序返回所有智能体。
func (r *Registry) List() []Agent {
	return r.filter(func(*Agent) bool { return true })
}

// Count 返回已注册的智能体数量。
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// FindByCapability 返回声明了该能力的智能体。
func (r *Registry) FindByCapability(capability string) []Agent {
	return r.filter(func(a *Agent) bool { return a.HasCapability(capability) })
}

// FindByPlatform 返回使用该平台的智能体。
func (r *Registry) FindByPlatform(platform string) []Agent {
	return r.filter(func(a *Agent) bool { return a.Platform == platform })
}

// FindByApp 返回支持该应用的智能体。
func (r *Registry) FindByApp(app string) []Agent {
	return r.filter(func(a *Agent) bool {
		for _, candidate := range a.Apps {
			if candidate == app {
				return true
			}
		}
		return false
	})
}

// UpdateStatus 修改运行状态，智能体不存在时返回 false。
func (r *Registry) UpdateStatus(agentID, status string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return false
	}
	a.Status = status
	return true
}

// RecordInvocation 累加调用次数并记录时间，智能体不存在时返回 false。
func (r *Registry) RecordInvocation(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return false
	}
	now := r.now().UTC()
	a.LastInvoked = &now
	a.InvocationCount++
	return true
}

// Unregister 移除智能体并尝试删除清单文件，删除失败只记录警告。
func (r *Registry) Unregister(_ context.Context, agentID string) error {
	r.mu.Lock()
	if _, ok := r.agents[agentID]; !ok {
		r.mu.Unlock()
		return xerrors.New(xerrors.CodeNotFound, "Agent not found: "+agentID)
	}
	delete(r.agents, agentID)
	r.mu.Unlock()

	path, err := safepath.Join(r.dir, agentID, ".json")
	if err == nil {
		err = os.Remove(path)
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		r.log.Warn("删除清单文件失败", slog.String("agent_id", logger.Sanitize(agentID)), slog.Any("error", err))
	}

	logger.Audit().Info("agent_unregistered", slog.String("agent_id", logger.Sanitize(agentID)))
	return nil
}

// Stats 汇总平台、状态与调用次数。
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		Total:      len(r.agents),
		ByPlatform: make(map[string]int),
		ByStatus:   make(map[string]int),
	}
	for _, a := range r.agents {
		stats.ByPlatform[a.Platform]++
		stats.ByStatus[a.Status]++
		stats.TotalInvocations += a.InvocationCount
	}
	return stats
}

func (r *Registry) filter(keep func(*Agent) bool) []Agent {
	r.mu.RLock()
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		if keep(a) {
			out = append(out, a.clone())
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

func newEntry(m Manifest) *Agent {
	return &Agent{Manifest: m, Status: StatusReady}
}

func isManifestFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

func readManifestFile(path string) (Manifest, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取清单失败")
	}
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".yaml" || ext == ".yml" {
		content, err = yamlToJSON(content)
		if err != nil {
			return Manifest{}, xerrors.Wrap(xerrors.CodeValidation, err, "解析 YAML 清单失败")
		}
	}
	return DecodeManifest(content)
}

func yamlToJSON(content []byte) ([]byte, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}
