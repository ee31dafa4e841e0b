package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"SmartFlow-Orchestrator/internal/agent"
	"SmartFlow-Orchestrator/internal/connector"
	xerrors "SmartFlow-Orchestrator/internal/errors"
	"SmartFlow-Orchestrator/internal/observability/alerting"
	"SmartFlow-Orchestrator/internal/observability/metrics"
	"SmartFlow-Orchestrator/internal/state"
	"SmartFlow-Orchestrator/pkg/logger"
)

const defaultMaxDepth = 8

// AgentLookup 是引擎对智能体注册表的依赖。
type AgentLookup interface {
	Get(agentID string) (agent.Agent, bool)
	RecordInvocation(agentID string) bool
}

// Invoker 按平台名分发智能体调用。
type Invoker interface {
	Invoke(ctx context.Context, platform, agentID string, task connector.Task) (connector.Result, error)
}

// StateStore 是引擎写入快照与 store-state 数据所需的能力。
type StateStore interface {
	Set(ctx context.Context, key string, value any, opts state.SetOptions) (state.Entry, error)
	SetWorkflowState(ctx context.Context, workflowID string, snapshot any) (state.Entry, error)
}

// Engine 负责执行工作流并管理工作流定义文件。
type Engine struct {
	agents     AgentLookup
	connectors Invoker
	state      StateStore
	dir        string

	limits   Limits
	maxWait  time.Duration
	maxDepth int
	alerts   alerting.Dispatcher
	log      *slog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	shutdown context.Context
	newID    func() string

	mu     sync.RWMutex
	active map[string]*State
}

// Option 配置 Engine。
type Option func(*Engine)

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithSleep 替换 wait 动作的等待实现。
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// WithShutdown 指定宿主进程的生命周期，wait 动作在其结束时提前返回。
func WithShutdown(ctx context.Context) Option {
	return func(e *Engine) {
		if ctx != nil {
			e.shutdown = ctx
		}
	}
}

// WithLimits 设置定义规模、等待上限与子工作流嵌套深度。
func WithLimits(limits Limits, maxWait time.Duration, maxDepth int) Option {
	return func(e *Engine) {
		e.limits = limits.withDefaults()
		if maxWait > 0 {
			e.maxWait = maxWait
		}
		if maxDepth > 0 {
			e.maxDepth = maxDepth
		}
	}
}

// WithAlerts 在顶层工作流失败时投递告警。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(e *Engine) {
		e.alerts = d
	}
}

// WithIDGenerator 替换未指定 ID 时的生成规则。
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

// NewEngine 创建工作流引擎，dir 为工作流定义目录。
func NewEngine(agents AgentLookup, connectors Invoker, store StateStore, dir string, opts ...Option) *Engine {
	e := &Engine{
		agents:     agents,
		connectors: connectors,
		state:      store,
		dir:        dir,
		limits:     Limits{}.withDefaults(),
		maxWait:    defaultMaxWait,
		maxDepth:   defaultMaxDepth,
		now:        time.Now,
		sleep:      sleepContext,
		shutdown:   context.Background(),
		newID:      func() string { return "workflow-" + uuid.NewString() },
		active:     make(map[string]*State),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.log == nil {
		e.log = logger.Named("workflow")
	}
	return e
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type runIDKey struct{}

// ContextWithRunID 将异步运行 ID 附加到 ctx，引擎会写入状态与告警。
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

func runIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// Execute 执行工作流并返回终态。失败不会以 error 返回，调用方通过 Status 判断。
// 已开始的工作流不受调用方 ctx 取消影响，只保留其中的值。
func (e *Engine) Execute(ctx context.Context, wf Workflow, initial map[string]any) *State {
	return e.execute(context.WithoutCancel(ctx), wf, initial, 0)
}

func (e *Engine) execute(ctx context.Context, wf Workflow, initial map[string]any, depth int) *State {
	id := wf.ID
	if id == "" {
		id = e.newID()
	}
	vars := make(map[string]any, len(initial))
	for k, v := range initial {
		vars[k] = v
	}
	st := &State{
		ID:             id,
		RunID:          runIDFrom(ctx),
		Status:         StatusRunning,
		StartedAt:      e.now().UTC(),
		Steps:          wf.Steps,
		CompletedSteps: []StepRecord{},
		FailedSteps:    []StepRecord{},
		Context:        vars,
		Outputs:        map[string]StepResult{},
	}
	if st.Steps == nil {
		st.Steps = []Step{}
	}

	if !e.register(st) {
		err := xerrors.Newf(xerrors.CodeConflict, "Workflow already running: %s", id)
		e.fail(st, err)
		e.log.Warn("工作流 ID 冲突", slog.String("workflow_id", logger.Sanitize(id)))
		return st
	}
	metrics.WorkflowStarted()
	start := time.Now()
	e.log.Info("开始执行工作流",
		slog.String("workflow_id", logger.Sanitize(id)),
		slog.Int("steps", len(st.Steps)),
		slog.Int("depth", depth))

	err := e.persist(ctx, st)
	if err == nil {
		err = e.run(ctx, st, depth)
	}
	if err != nil {
		e.fail(st, err)
		e.log.Error("工作流执行失败",
			slog.String("workflow_id", logger.Sanitize(id)),
			slog.String("error", logger.SafeMessage(err.Error())))
		if depth == 0 {
			e.alert(ctx, st, err)
		}
	} else {
		now := e.now().UTC()
		st.Status = StatusCompleted
		st.CompletedAt = &now
		e.log.Info("工作流执行完成", slog.String("workflow_id", logger.Sanitize(id)))
	}

	if perr := e.persist(ctx, st); perr != nil {
		e.log.Error("保存工作流终态失败", slog.String("workflow_id", logger.Sanitize(id)), slog.Any("error", perr))
	}
	e.untrack(id)
	metrics.WorkflowFinished()
	metrics.ObserveWorkflow(string(st.Status), time.Since(start))
	return st
}

func (e *Engine) run(ctx context.Context, st *State, depth int) error {
	if err := checkStepCount(st.Steps, e.limits); err != nil {
		return err
	}
	for i, step := range st.Steps {
		st.CurrentStep = i
		name := step.StepName(i)
		e.log.Info("执行步骤",
			slog.String("workflow_id", logger.Sanitize(st.ID)),
			slog.String("step", fmt.Sprintf("%d/%d", i+1, len(st.Steps))),
			slog.String("target", logger.Sanitize(step.target())))

		if missing := unmetDependencies(step, st); len(missing) > 0 {
			return xerrors.Newf(xerrors.CodeDependency, "Step %d dependencies not met: %s", i, strings.Join(missing, ", "))
		}

		result := e.executeStep(ctx, step, st, depth)
		metrics.ObserveStep(step.Kind(), result.Status)

		st.Outputs[name] = result
		record := StepRecord{Step: i, Name: name, CompletedAt: e.now().UTC(), Result: result}
		st.CompletedSteps = append(st.CompletedSteps, record)
		if result.Status == StepFailed {
			st.FailedSteps = append(st.FailedSteps, record)
		}
		if step.OutputTo != "" {
			if err := setContextValue(st.Context, step.OutputTo, result); err != nil {
				return err
			}
		}

		if err := e.persist(ctx, st); err != nil {
			return err
		}
		e.refresh(st)

		if result.Status == StepFailed {
			if !step.ContinueOnError {
				code := xerrors.Code(result.Code)
				if code == "" {
					code = xerrors.CodeDependency
				}
				return xerrors.Newf(code, "Step %d failed: %s", i, result.Error)
			}
			e.log.Warn("步骤失败，继续执行",
				slog.Int("step", i),
				slog.String("error", logger.SafeMessage(result.Error)))
		}
	}
	return nil
}

func unmetDependencies(step Step, st *State) []string {
	var missing []string
	for _, dep := range step.DependsOn {
		if !st.completed(dep) {
			missing = append(missing, dep)
		}
	}
	return missing
}

// executeStep 将预期内的错误与 panic 折叠为失败的步骤结果。
func (e *Engine) executeStep(ctx context.Context, step Step, st *State, depth int) (result StepResult) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("步骤执行出现 panic", slog.Any("panic", r))
			result = e.failedStep(step, fmt.Errorf("step panicked: %v", r))
		}
	}()

	var err error
	switch step.Kind() {
	case KindAgent:
		result, err = e.executeAgent(ctx, step, st)
	case KindAction:
		result, err = e.executeAction(ctx, step, st)
	case KindWorkflow:
		result, err = e.executeSubWorkflow(ctx, step, st, depth)
	default:
		err = xerrors.New(xerrors.CodeValidation, "Invalid step: must have exactly one of agent, action, or workflow")
	}
	if err != nil {
		return e.failedStep(step, err)
	}
	return result
}

func (e *Engine) failedStep(step Step, err error) StepResult {
	res := StepResult{
		Status:    StepFailed,
		Error:     err.Error(),
		Code:      string(xerrors.CodeOf(err)),
		Timestamp: e.now().UTC(),
	}
	switch step.Kind() {
	case KindAgent:
		res.Agent = step.Agent
	case KindAction:
		res.Action = step.Action
	case KindWorkflow:
		res.Workflow = step.Workflow
	}
	return res
}

func (e *Engine) executeAgent(ctx context.Context, step Step, st *State) (StepResult, error) {
	ag, ok := e.agents.Get(step.Agent)
	if !ok {
		return StepResult{}, xerrors.Newf(xerrors.CodeNotFound, "Agent not found: %s", step.Agent)
	}
	input := step.Input
	if input == nil {
		input = map[string]any{}
	}
	resolved, err := ResolveVariables(input, st.Context)
	if err != nil {
		return StepResult{}, err
	}

	task := connector.Task{
		Action:       step.Task,
		Input:        resolved,
		Context:      st.Clone().Context,
		SystemPrompt: ag.SystemPrompt,
		Model:        ag.Model,
	}
	res, err := e.connectors.Invoke(ctx, ag.Platform, step.Agent, task)
	if err != nil {
		if xerrors.IsCode(err, xerrors.CodeNotFound) {
			return StepResult{}, xerrors.Newf(xerrors.CodeNotFound, "No connector for platform: %s", ag.Platform)
		}
		return StepResult{}, err
	}
	e.agents.RecordInvocation(step.Agent)

	if !res.Success {
		return StepResult{}, xerrors.Newf(xerrors.CodeConnector, "Agent %s failed: %s", step.Agent, res.Error)
	}
	return StepResult{
		Status:    StepSuccess,
		Agent:     step.Agent,
		Result:    res,
		Timestamp: e.now().UTC(),
	}, nil
}

func (e *Engine) executeSubWorkflow(ctx context.Context, step Step, st *State, depth int) (StepResult, error) {
	if depth+1 > e.maxDepth {
		return StepResult{}, xerrors.Newf(xerrors.CodeDependency, "Sub-workflow nesting exceeds maximum depth %d", e.maxDepth)
	}
	sub, err := e.LoadWorkflow(step.Workflow)
	if err != nil {
		return StepResult{}, err
	}
	input, err := objectInput(step.Input, "sub-workflow")
	if err != nil {
		return StepResult{}, err
	}
	resolved, err := ResolveVariables(input, st.Context)
	if err != nil {
		return StepResult{}, err
	}

	merged := st.Clone().Context
	for k, v := range resolved.(map[string]any) {
		merged[k] = v
	}
	child := e.execute(ctx, sub, merged, depth+1)

	status := StepSuccess
	if child.Status != StatusCompleted {
		status = StepFailed
	}
	return StepResult{
		Status:    status,
		Workflow:  step.Workflow,
		Result:    child,
		Error:     child.Error,
		Timestamp: e.now().UTC(),
	}, nil
}

func (e *Engine) fail(st *State, err error) {
	now := e.now().UTC()
	st.Status = StatusFailed
	st.Error = err.Error()
	st.FailedAt = &now
}

func (e *Engine) persist(ctx context.Context, st *State) error {
	if e.state == nil {
		return nil
	}
	if _, err := e.state.SetWorkflowState(ctx, st.ID, st.Clone()); err != nil {
		return err
	}
	return nil
}

func (e *Engine) alert(ctx context.Context, st *State, err error) {
	if e.alerts == nil {
		return
	}
	event := alerting.Event{
		Code:       xerrors.CodeOf(err),
		Message:    err.Error(),
		Severity:   xerrors.SeverityOf(err),
		WorkflowID: st.ID,
		RunID:      st.RunID,
		Step:       st.CurrentStep,
		OccurredAt: e.now().UTC(),
	}
	if nerr := e.alerts.Notify(context.WithoutCancel(ctx), event); nerr != nil {
		e.log.Warn("工作流告警投递失败", slog.String("workflow_id", st.ID), slog.Any("error", nerr))
	}
}

// register 登记新的活跃工作流，ID 已在执行中时返回 false。
func (e *Engine) register(st *State) bool {
	snapshot := st.Clone()
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.active[st.ID]; exists {
		return false
	}
	e.active[st.ID] = snapshot
	return true
}

// refresh 更新活跃工作流的快照。
func (e *Engine) refresh(st *State) {
	snapshot := st.Clone()
	e.mu.Lock()
	if _, exists := e.active[st.ID]; exists {
		e.active[st.ID] = snapshot
	}
	e.mu.Unlock()
}

func (e *Engine) untrack(id string) {
	e.mu.Lock()
	delete(e.active, id)
	e.mu.Unlock()
}

// Active 返回正在执行的工作流快照（按 ID 排序）。
func (e *Engine) Active() []*State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*State, 0, len(e.active))
	for _, st := range e.active {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats 返回活跃工作流数量与 ID 列表。
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return Stats{Active: len(ids), ActiveWorkflows: ids}
}
