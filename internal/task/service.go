package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "SmartFlow-Orchestrator/internal/errors"
	"SmartFlow-Orchestrator/internal/observability/metrics"
	"SmartFlow-Orchestrator/internal/workflow"
	"SmartFlow-Orchestrator/pkg/logger"
)

// Service 负责运行的提交与查询。
type Service struct {
	store    Store
	producer Producer
	limits   workflow.Limits
	newID    func() string
	logger   *slog.Logger
}

// ServiceOption 配置 Service。
type ServiceOption func(*Service)

// WithServiceLimits 指定提交时校验内联工作流使用的限制。
func WithServiceLimits(limits workflow.Limits) ServiceOption {
	return func(s *Service) { s.limits = limits }
}

// WithServiceLogger 指定日志实例。
func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRunIDGenerator 替换运行 ID 生成函数。
func WithRunIDGenerator(fn func() string) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// NewService 构造运行服务。
func NewService(store Store, producer Producer, opts ...ServiceOption) *Service {
	s := &Service{
		store:    store,
		producer: producer,
		newID:    func() string { return "run-" + uuid.NewString() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = logger.Named("task_service")
	}
	return s
}

// Submit 创建 pending 运行并推送到队列。携带已存在的 ID 时直接返回已有记录。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Run, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行服务未初始化")
	}
	runID := strings.TrimSpace(req.ID)
	if runID != "" {
		existing, err := s.store.Get(ctx, runID)
		if err == nil {
			return existing, nil
		}
		if !stdErrors.Is(err, ErrRunNotFound) {
			return nil, err
		}
	} else {
		runID = s.newID()
	}
	if req.Workflow != nil && req.Workflow.ID == "" {
		// 未命名的内联工作流沿用运行 ID。
		wf := *req.Workflow
		wf.ID = runID
		req.Workflow = &wf
	}
	if err := s.validate(req); err != nil {
		return nil, err
	}

	run := &Run{
		ID:           runID,
		Status:       StatusPending,
		Workflow:     req.Workflow,
		WorkflowName: strings.TrimSpace(req.WorkflowName),
		Context:      cloneContext(req.Context),
	}
	if err := s.store.Create(ctx, run); err != nil {
		if stdErrors.Is(err, ErrRunConflict) {
			return s.store.Get(ctx, runID)
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, runID); err != nil {
		s.logger.Error("运行入队失败", slog.String("run_id", runID), slog.Any("error", err))
		wrapped := xerrors.Wrap(CodeRunPublish, err, "failed to enqueue workflow run")
		if merr := s.store.MarkFailed(context.WithoutCancel(ctx), runID, CodeRunPublish, wrapped.Error(), nil); merr != nil {
			s.logger.Error("记录运行失败状态出错", slog.String("run_id", runID), slog.Any("error", merr))
		}
		return nil, wrapped
	}
	metrics.ObserveQueueEvent("submitted")
	logger.Audit().Info("workflow_run_submitted",
		slog.String("run_id", runID),
		slog.String("workflow", logger.Sanitize(run.target())))
	return run, nil
}

func (s *Service) validate(req SubmitRequest) error {
	hasInline := req.Workflow != nil
	hasName := strings.TrimSpace(req.WorkflowName) != ""
	switch {
	case hasInline && hasName:
		return xerrors.New(CodeRunValidation, "Provide either workflow or workflow_name, not both")
	case !hasInline && !hasName:
		return xerrors.New(CodeRunValidation, "workflow or workflow_name is required")
	case hasInline:
		return workflow.Validate(*req.Workflow, s.limits)
	}
	return nil
}

// target 返回运行引用的工作流标识。
func (r *Run) target() string {
	if r.Workflow != nil {
		return r.Workflow.ID
	}
	return r.WorkflowName
}

// Get 返回指定运行的记录。
func (s *Service) Get(ctx context.Context, id string) (*Run, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回最近的运行记录。
func (s *Service) List(ctx context.Context, limit int) ([]*Run, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	return s.store.List(ctx, limit)
}

// Stats 返回运行状态分布。
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	return s.store.Stats(ctx)
}

// Close 关闭队列生产者。
func (s *Service) Close() error {
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted 轮询运行状态直到进入终态或 ctx 结束。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Run, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		run, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if run.Status.Terminal() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
