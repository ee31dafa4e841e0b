package packages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"SmartFlow-Orchestrator/internal/agent"
	xerrors "SmartFlow-Orchestrator/internal/errors"
	"SmartFlow-Orchestrator/internal/safepath"
	"SmartFlow-Orchestrator/internal/workflow"
	"SmartFlow-Orchestrator/pkg/logger"
)

// AgentLookup 用于检查包引用的智能体是否已注册。
type AgentLookup interface {
	Get(agentID string) (agent.Agent, bool)
}

// Executor 执行由包生成的工作流。
type Executor interface {
	Execute(ctx context.Context, wf workflow.Workflow, initial map[string]any) *workflow.State
}

// Manager 维护包的内存索引与磁盘文件。
type Manager struct {
	dir    string
	agents AgentLookup
	engine Executor
	now    func() time.Time
	log    *slog.Logger

	mu       sync.RWMutex
	packages map[string]Package
}

// Option 配置 Manager。
type Option func(*Manager)

// WithClock 替换时间来源，影响隐式工作流 ID。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager 创建包管理器，dir 为包定义目录。
func NewManager(dir string, agents AgentLookup, engine Executor, opts ...Option) *Manager {
	m := &Manager{
		dir:      dir,
		agents:   agents,
		engine:   engine,
		now:      time.Now,
		log:      logger.Named("packages"),
		packages: make(map[string]Package),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Dir 返回包定义目录。
func (m *Manager) Dir() string { return m.dir }

// Initialize 创建目录并加载全部包文件，任一文件非法即返回错误。
func (m *Manager) Initialize(context.Context) (int, error) {
	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建包目录失败")
	}
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取包目录失败")
	}

	loaded := make(map[string]Package)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}
		content, err := os.ReadFile(filepath.Join(m.dir, name))
		if err != nil {
			return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取包文件失败", xerrors.WithMetadata("file", name))
		}
		pkg, err := DecodePackage(content)
		if err != nil {
			m.log.Error("加载包失败", slog.String("file", name), slog.Any("error", err))
			return 0, fmt.Errorf("load package %s: %w", name, err)
		}
		loaded[pkg.PackageID] = pkg
	}

	m.mu.Lock()
	m.packages = loaded
	m.mu.Unlock()
	m.log.Info("包加载完成", slog.Int("count", len(loaded)))
	return len(loaded), nil
}

// Register 校验、落盘并登记包，同 ID 的包会被覆盖。
func (m *Manager) Register(_ context.Context, pkg Package) (Package, error) {
	if err := pkg.Validate(); err != nil {
		return Package{}, err
	}
	path, err := safepath.Join(m.dir, pkg.PackageID, ".json")
	if err != nil {
		return Package{}, err
	}
	payload, err := json.MarshalIndent(pkg, "", "  ")
	if err != nil {
		return Package{}, xerrors.Wrap(xerrors.CodeValidation, err, "序列化包失败")
	}
	if err := safepath.WriteFileAtomic(path, payload, 0o600); err != nil {
		return Package{}, err
	}

	m.mu.Lock()
	m.packages[pkg.PackageID] = pkg.clone()
	m.mu.Unlock()

	logger.Audit().Info("package_registered",
		slog.String("package_id", logger.Sanitize(pkg.PackageID)),
		slog.String("version", logger.Sanitize(pkg.Version)))
	return pkg.clone(), nil
}

// Get 返回包副本。
func (m *Manager) Get(packageID string) (Package, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pkg, ok := m.packages[packageID]
	if !ok {
		return Package{}, false
	}
	return pkg.clone(), true
}

// List 返回全部包（按 ID 排序）。
func (m *Manager) List() []Package {
	return m.filter(func(Package) bool { return true })
}

// FindByCapability 返回声明了该能力的包。
func (m *Manager) FindByCapability(capability string) []Package {
	return m.filter(func(p Package) bool { return p.HasCapability(capability) })
}

func (m *Manager) filter(keep func(Package) bool) []Package {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Package, 0, len(m.packages))
	for _, pkg := range m.packages {
		if keep(pkg) {
			out = append(out, pkg.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PackageID < out[j].PackageID })
	return out
}

// Execute 检查智能体可用性后将包转换为工作流并执行。
func (m *Manager) Execute(ctx context.Context, packageID string, vars map[string]any) (*ExecutionResult, error) {
	pkg, ok := m.Get(packageID)
	if !ok {
		return nil, notFound(packageID)
	}
	if missing := m.missingAgents(pkg.Agents); len(missing) > 0 {
		return nil, xerrors.Newf(xerrors.CodeDependency, "Missing agents: %s", strings.Join(missing, ", "))
	}

	m.log.Info("执行包", slog.String("package_id", logger.Sanitize(packageID)))
	wf := m.ToWorkflow(pkg, vars)
	result := m.engine.Execute(ctx, wf, vars)
	return &ExecutionResult{
		PackageID:      pkg.PackageID,
		Version:        pkg.Version,
		WorkflowResult: result,
	}, nil
}

func (m *Manager) missingAgents(ids []string) []string {
	var missing []string
	for _, id := range ids {
		if _, ok := m.agents.Get(id); !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

// ToWorkflow 使用显式工作流，或按 agents 顺序生成串联的隐式工作流。
func (m *Manager) ToWorkflow(pkg Package, vars map[string]any) workflow.Workflow {
	wf := workflow.Workflow{
		ID:   fmt.Sprintf("%s-%d", safepath.Sanitize(pkg.PackageID), m.now().UnixMilli()),
		Name: pkg.Name,
	}
	if wf.Name == "" {
		wf.Name = pkg.PackageID
	}
	if len(pkg.Workflow) > 0 {
		wf.Steps = pkg.clone().Workflow
		return wf
	}

	action := pkg.DefaultAction
	if action == "" {
		action = DefaultAction
	}
	wf.Steps = make([]workflow.Step, 0, len(pkg.Agents))
	for i, agentID := range pkg.Agents {
		step := workflow.Step{
			Name:  fmt.Sprintf("step_%d", i),
			Agent: agentID,
			Task:  action,
			Input: copyVars(vars),
		}
		if i > 0 {
			step.DependsOn = []string{fmt.Sprintf("step_%d", i-1)}
		}
		wf.Steps = append(wf.Steps, step)
	}
	return wf
}

func copyVars(vars map[string]any) map[string]any {
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	return out
}

// GetDependencies 返回包的传递依赖：智能体、智能体声明的依赖以及依赖包。
// 无法解析的依赖包仅记录警告。
func (m *Manager) GetDependencies(packageID string) ([]string, error) {
	if _, ok := m.Get(packageID); !ok {
		return nil, notFound(packageID)
	}
	var (
		deps    []string
		seen    = make(map[string]struct{})
		visited = make(map[string]struct{})
	)
	add := func(id string) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			deps = append(deps, id)
		}
	}
	var walk func(id string) bool
	walk = func(id string) bool {
		pkg, ok := m.Get(id)
		if !ok {
			return false
		}
		if _, done := visited[id]; done {
			return true
		}
		visited[id] = struct{}{}
		for _, agentID := range pkg.Agents {
			add(agentID)
			if ag, ok := m.agents.Get(agentID); ok {
				for _, dep := range ag.Dependencies {
					add(dep)
				}
			}
		}
		for _, dep := range pkg.Dependencies {
			add(dep)
			if !walk(dep) {
				m.log.Warn("无法解析依赖包", slog.String("package_id", logger.Sanitize(dep)))
			}
		}
		return true
	}
	walk(packageID)
	if deps == nil {
		deps = []string{}
	}
	return deps, nil
}

// ResolveExecutionOrder 对包依赖做深度优先拓扑排序，依赖在前。
// 出现环时返回 Dependency 错误。
func (m *Manager) ResolveExecutionOrder(packageIDs []string) ([]string, error) {
	const (
		visiting = 1
		visited  = 2
	)
	marks := make(map[string]int)
	order := make([]string, 0, len(packageIDs))

	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		switch marks[id] {
		case visited:
			return nil
		case visiting:
			return xerrors.Newf(xerrors.CodeDependency, "Circular dependency detected: %s",
				strings.Join(append(path, id), " -> "))
		}
		marks[id] = visiting
		if pkg, ok := m.Get(id); ok {
			for _, dep := range pkg.Dependencies {
				if err := visit(dep, append(path, id)); err != nil {
					return err
				}
			}
		}
		marks[id] = visited
		order = append(order, id)
		return nil
	}

	for _, id := range packageIDs {
		if err := visit(id, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Unregister 同时移除内存条目与包文件，文件删除失败只记录警告。
func (m *Manager) Unregister(_ context.Context, packageID string) error {
	m.mu.Lock()
	if _, ok := m.packages[packageID]; !ok {
		m.mu.Unlock()
		return notFound(packageID)
	}
	delete(m.packages, packageID)
	m.mu.Unlock()

	path, err := safepath.Join(m.dir, packageID, ".json")
	if err == nil {
		err = os.Remove(path)
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		m.log.Warn("删除包文件失败", slog.String("package_id", logger.Sanitize(packageID)), slog.Any("error", err))
	}
	logger.Audit().Info("package_unregistered", slog.String("package_id", logger.Sanitize(packageID)))
	return nil
}

// Count 返回包数量。
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.packages)
}

// Stats 返回包总数、按能力分布与引用的智能体总数。
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := Stats{Total: len(m.packages), ByCapability: make(map[string]int)}
	for _, pkg := range m.packages {
		stats.TotalAgents += len(pkg.Agents)
		for _, capability := range pkg.Capabilities {
			stats.ByCapability[capability]++
		}
	}
	return stats
}

func notFound(packageID string) error {
	return xerrors.Newf(xerrors.CodeNotFound, "Package not found: %s", packageID)
}
