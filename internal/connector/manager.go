package connector

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	xerrors "SmartFlow-Orchestrator/internal/errors"
	"SmartFlow-Orchestrator/internal/observability/metrics"
	"SmartFlow-Orchestrator/pkg/logger"
)

// Enricher 在调用连接器前补充任务内容。
type Enricher interface {
	Enrich(ctx context.Context, agentID string, task *Task)
}

// Manager 维护平台名到连接器的映射。
type Manager struct {
	mu         sync.RWMutex
	connectors map[string]Connector
	enricher   Enricher
	logger     *slog.Logger
}

// Option 配置 Manager。
type Option func(*Manager)

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithEnricher 指定调用前的任务补充逻辑。
func WithEnricher(e Enricher) Option {
	return func(m *Manager) {
		m.enricher = e
	}
}

// NewManager 创建空的连接器管理器。
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		connectors: make(map[string]Connector),
		logger:     logger.Named("connector"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Register 登记连接器，同名平台会被覆盖。
func (m *Manager) Register(c Connector) {
	if c == nil {
		return
	}
	m.mu.Lock()
	m.connectors[c.Platform()] = c
	m.mu.Unlock()
	m.logger.Info("连接器已注册", slog.String("platform", c.Platform()))
}

// Get 按平台名查找连接器。
func (m *Manager) Get(platform string) (Connector, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.connectors[platform]
	return c, ok
}

// List 返回已登记的平台名（升序）。
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.connectors))
	for name := range m.connectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count 返回连接器数量。
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connectors)
}

// InitializeAll 初始化全部连接器。失败只记录日志，连接器仍保留在管理器中。
func (m *Manager) InitializeAll(ctx context.Context) map[string]error {
	failures := make(map[string]error)
	for _, platform := range m.List() {
		c, _ := m.Get(platform)
		if err := c.Initialize(ctx); err != nil {
			failures[platform] = err
			m.logger.Error("连接器初始化失败", slog.String("platform", platform), slog.Any("error", err))
			continue
		}
		m.logger.Info("连接器初始化完成", slog.String("platform", platform), slog.String("mode", c.Status().Mode))
	}
	return failures
}

// TestAll 对每个连接器执行自检。
func (m *Manager) TestAll(ctx context.Context) map[string]TestResult {
	results := make(map[string]TestResult)
	for _, platform := range m.List() {
		c, _ := m.Get(platform)
		results[platform] = c.Test(ctx)
	}
	return results
}

// Statuses 汇总各连接器状态。
func (m *Manager) Statuses() map[string]Status {
	statuses := make(map[string]Status)
	for _, platform := range m.List() {
		c, _ := m.Get(platform)
		statuses[platform] = c.Status()
	}
	return statuses
}

// Invoke 调用指定平台并记录指标。平台不存在时返回 NotFound 错误。
func (m *Manager) Invoke(ctx context.Context, platform, agentID string, task Task) (Result, error) {
	c, ok := m.Get(platform)
	if !ok {
		return Result{}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("Connector not found for platform: %s", platform))
	}
	if m.enricher != nil {
		m.enricher.Enrich(ctx, agentID, &task)
	}
	start := time.Now()
	res := c.Invoke(ctx, agentID, task)
	metrics.ObserveConnectorInvocation(platform, res.Success, time.Since(start))
	if !res.Success {
		m.logger.Warn("连接器调用失败",
			slog.String("platform", platform),
			slog.String("agent_id", agentID),
			slog.String("error", logger.SafeMessage(res.Error)))
	}
	return res, nil
}
