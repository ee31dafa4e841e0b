package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	xerrors "SmartFlow-Orchestrator/internal/errors"
	"SmartFlow-Orchestrator/internal/observability/alerting"
	"SmartFlow-Orchestrator/internal/observability/metrics"
	"SmartFlow-Orchestrator/internal/workflow"
	"SmartFlow-Orchestrator/pkg/logger"
)

// Executor 定义了处理器所需的工作流引擎能力。
type Executor interface {
	Execute(ctx context.Context, wf workflow.Workflow, initial map[string]any) *workflow.State
	LoadWorkflow(name string) (workflow.Workflow, error)
}

// Processor 负责从队列消费运行并交给引擎执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		workerCount: 1,
		logger:      logger.Named("task"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动处理循环，阻塞直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置运行队列消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

// handle 只在领取阶段的存储故障时返回错误，此时运行仍为 pending，可由队列重投。
func (p *Processor) handle(ctx context.Context, runID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	run, err := p.store.Claim(ctx, runID)
	if err != nil {
		if stdErrors.Is(err, ErrRunNotFound) || stdErrors.Is(err, ErrRunConflict) {
			p.logger.Debug("跳过运行", slog.String("run_id", runID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取运行失败", slog.String("run_id", runID), slog.Any("error", err))
		p.emitAlert(ctx, &Run{ID: runID}, err, "claim")
		return err
	}
	metrics.ObserveQueueEvent("claimed")

	wf, err := p.resolve(run)
	if err != nil {
		p.finishFailed(ctx, run, xerrors.CodeOf(err), err.Error(), nil)
		return nil
	}

	result := p.executor.Execute(workflow.ContextWithRunID(ctx, run.ID), wf, cloneContext(run.Context))
	if result != nil && result.Status == workflow.StatusCompleted {
		if err := p.store.MarkCompleted(context.WithoutCancel(ctx), run.ID, result); err != nil {
			p.logger.Error("记录运行结果失败", slog.String("run_id", run.ID), slog.Any("error", err))
			p.emitAlert(ctx, run, err, "complete")
			return nil
		}
		metrics.ObserveQueueEvent("completed")
		logger.Audit().Info("workflow_run_completed",
			slog.String("run_id", run.ID),
			slog.String("workflow_id", logger.Sanitize(wf.ID)))
		return nil
	}

	message := "workflow did not complete"
	if result != nil && result.Error != "" {
		message = result.Error
	}
	p.finishFailed(ctx, run, failureCode(result), message, result)
	return nil
}

func (p *Processor) resolve(run *Run) (workflow.Workflow, error) {
	if run.Workflow != nil {
		return *run.Workflow, nil
	}
	return p.executor.LoadWorkflow(run.WorkflowName)
}

func (p *Processor) finishFailed(ctx context.Context, run *Run, code xerrors.Code, message string, result *workflow.State) {
	if err := p.store.MarkFailed(context.WithoutCancel(ctx), run.ID, code, message, result); err != nil {
		p.logger.Error("记录运行失败状态出错", slog.String("run_id", run.ID), slog.Any("error", err))
		p.emitAlert(ctx, run, err, "fail")
		return
	}
	metrics.ObserveQueueEvent("failed")
	logger.Audit().Warn("workflow_run_failed",
		slog.String("run_id", run.ID),
		slog.String("error_code", string(code)),
		slog.String("error", logger.Sanitize(message)),
		slog.Int("attempts", run.Attempts))
}

// failureCode 取最后一个失败步骤的错误码。
func failureCode(st *workflow.State) xerrors.Code {
	if st == nil {
		return xerrors.CodeUnknown
	}
	for i := len(st.FailedSteps) - 1; i >= 0; i-- {
		if code := st.FailedSteps[i].Result.Code; code != "" {
			return xerrors.Code(code)
		}
	}
	return xerrors.CodeUnknown
}

func (p *Processor) emitAlert(ctx context.Context, run *Run, cause error, stage string) {
	if p.alerter == nil || run == nil {
		return
	}
	code := xerrors.CodeOf(cause)
	event := alerting.Event{
		Code:       code,
		Message:    cause.Error(),
		Severity:   xerrors.SeverityOf(cause),
		RunID:      run.ID,
		Metadata:   map[string]string{"stage": stage},
		OccurredAt: time.Now(),
	}
	if run.Workflow != nil {
		event.WorkflowID = run.Workflow.ID
	} else if run.WorkflowName != "" {
		event.WorkflowID = run.WorkflowName
	}
	if err := p.alerter.Notify(context.WithoutCancel(ctx), event); err != nil {
		p.logger.Error("告警通知失败", slog.String("run_id", run.ID), slog.String("stage", stage), slog.Any("error", err))
	}
}
