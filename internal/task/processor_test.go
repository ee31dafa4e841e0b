package task

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"SmartFlow-Orchestrator/internal/config"
	xerrors "SmartFlow-Orchestrator/internal/errors"
	"SmartFlow-Orchestrator/internal/state"
	"SmartFlow-Orchestrator/internal/workflow"
)

type fakeEngine struct {
	processed atomic.Int32
	latency   time.Duration
	fail      map[string]string
	defs      map[string]workflow.Workflow
}

func (f *fakeEngine) Execute(ctx context.Context, wf workflow.Workflow, initial map[string]any) *workflow.State {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
		}
	}
	f.processed.Add(1)
	st := &workflow.State{ID: wf.ID, Status: workflow.StatusCompleted, Context: initial}
	if code, ok := f.fail[wf.ID]; ok {
		st.Status = workflow.StatusFailed
		st.Error = "Step 0 failed: boom"
		st.FailedSteps = []workflow.StepRecord{{Name: "step_0", Result: workflow.StepResult{Status: workflow.StepFailed, Code: code}}}
	}
	return st
}

func (f *fakeEngine) LoadWorkflow(name string) (workflow.Workflow, error) {
	if wf, ok := f.defs[name]; ok {
		return wf, nil
	}
	return workflow.Workflow{}, xerrors.Newf(xerrors.CodeNotFound, "Workflow not found: %s", name)
}

func newRunStore(t *testing.T, dir string) *StateStore {
	t.Helper()
	backend, err := state.NewFileBackend(dir)
	if err != nil {
		t.Fatalf("创建状态后端失败: %v", err)
	}
	return NewStateStore(state.NewStore(backend))
}

func inline(id string) *workflow.Workflow {
	return &workflow.Workflow{ID: id, Steps: []workflow.Step{{Action: workflow.ActionLog, Input: map[string]any{"message": "hi"}}}}
}

func startProcessor(t *testing.T, ctx context.Context, p *Processor) {
	t.Helper()
	go func() {
		if err := p.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()
}

func TestProcessorHandlesConcurrentRuns(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := newRunStore(t, t.TempDir())
	queue := NewMemoryQueue(1024)
	engine := &fakeEngine{latency: 5 * time.Millisecond}

	service := NewService(store, queue)
	startProcessor(t, ctx, NewProcessor(engine, store, queue, WithWorkerCount(8)))

	total := 100
	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		run, err := service.Submit(ctx, SubmitRequest{Workflow: inline(fmt.Sprintf("wf-%d", i))})
		if err != nil {
			t.Fatalf("提交运行失败: %v", err)
		}
		ids = append(ids, run.ID)
	}

	for _, id := range ids {
		run, err := service.WaitUntilCompleted(ctx, id, 10*time.Millisecond)
		if err != nil {
			t.Fatalf("等待运行 %s 失败: %v", id, err)
		}
		if run.Status != StatusCompleted || run.Attempts != 1 || run.Result == nil {
			t.Fatalf("unexpected run %+v", run)
		}
	}
	if got := int(engine.processed.Load()); got != total {
		t.Fatalf("expected %d executions, got %d", total, got)
	}
	stats, err := service.Stats(ctx)
	if err != nil {
		t.Fatalf("统计失败: %v", err)
	}
	if stats.Total != total || stats.Completed != total {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestProcessorRecordsWorkflowFailures(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := newRunStore(t, t.TempDir())
	queue := NewMemoryQueue(8)
	engine := &fakeEngine{
		fail: map[string]string{"flaky": string(xerrors.CodeConnector)},
		defs: map[string]workflow.Workflow{"flaky": *inline("flaky")},
	}
	service := NewService(store, queue)
	startProcessor(t, ctx, NewProcessor(engine, store, queue))

	failed, err := service.Submit(ctx, SubmitRequest{WorkflowName: "flaky", Context: map[string]any{"k": "v"}})
	if err != nil {
		t.Fatalf("提交运行失败: %v", err)
	}
	missing, err := service.Submit(ctx, SubmitRequest{WorkflowName: "ghost"})
	if err != nil {
		t.Fatalf("提交运行失败: %v", err)
	}

	run, err := service.WaitUntilCompleted(ctx, failed.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("等待运行失败: %v", err)
	}
	if run.Status != StatusFailed || run.ErrorCode != string(xerrors.CodeConnector) || run.Error != "Step 0 failed: boom" {
		t.Fatalf("unexpected failed run %+v", run)
	}
	if run.Result == nil || run.Result.Context["k"] != "v" {
		t.Fatalf("expected workflow state with context, got %+v", run.Result)
	}

	run, err = service.WaitUntilCompleted(ctx, missing.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("等待运行失败: %v", err)
	}
	if run.Status != StatusFailed || run.ErrorCode != string(xerrors.CodeNotFound) {
		t.Fatalf("unexpected missing-workflow run %+v", run)
	}
}

func TestSubmitValidation(t *testing.T) {
	ctx := context.Background()
	store := newRunStore(t, t.TempDir())
	service := NewService(store, NewMemoryQueue(8), WithRunIDGenerator(func() string { return "run-fixed" }))

	cases := []SubmitRequest{
		{},
		{Workflow: inline("a"), WorkflowName: "a"},
		{Workflow: &workflow.Workflow{ID: "bad id!"}},
	}
	for _, req := range cases {
		if _, err := service.Submit(ctx, req); !xerrors.IsCode(err, CodeRunValidation) && !xerrors.IsCode(err, xerrors.CodeValidation) {
			t.Fatalf("expected validation error for %+v, got %v", req, err)
		}
	}

	run, err := service.Submit(ctx, SubmitRequest{Workflow: &workflow.Workflow{Steps: []workflow.Step{{Action: workflow.ActionLog}}}})
	if err != nil {
		t.Fatalf("提交运行失败: %v", err)
	}
	if run.ID != "run-fixed" || run.Workflow.ID != "run-fixed" || run.Status != StatusPending {
		t.Fatalf("unexpected run %+v", run)
	}

	again, err := service.Submit(ctx, SubmitRequest{ID: "run-fixed", WorkflowName: "other"})
	if err != nil {
		t.Fatalf("重复提交失败: %v", err)
	}
	if again.WorkflowName != "" || again.Workflow == nil {
		t.Fatalf("expected existing run to be returned, got %+v", again)
	}
}

type brokenProducer struct{}

func (brokenProducer) Publish(context.Context, string) error {
	return errors.New("connection refused")
}
func (brokenProducer) Close() error { return nil }

func TestSubmitMarksRunFailedWhenPublishFails(t *testing.T) {
	ctx := context.Background()
	store := newRunStore(t, t.TempDir())
	service := NewService(store, brokenProducer{}, WithRunIDGenerator(func() string { return "run-1" }))

	_, err := service.Submit(ctx, SubmitRequest{WorkflowName: "wf"})
	if !xerrors.IsCode(err, CodeRunPublish) {
		t.Fatalf("expected publish error, got %v", err)
	}
	run, err := service.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("读取运行失败: %v", err)
	}
	if run.Status != StatusFailed || run.ErrorCode != string(CodeRunPublish) {
		t.Fatalf("unexpected run %+v", run)
	}
}

type unwritableStore struct {
	*StateStore
}

func (unwritableStore) MarkFailed(context.Context, string, xerrors.Code, string, *workflow.State) error {
	return xerrors.New(xerrors.CodeStorageFailure, "disk full")
}

func TestSubmitLogsWhenFailedRunCannotBeRecorded(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	store := unwritableStore{newRunStore(t, t.TempDir())}
	service := NewService(store, brokenProducer{},
		WithServiceLogger(log),
		WithRunIDGenerator(func() string { return "run-2" }))

	_, err := service.Submit(context.Background(), SubmitRequest{WorkflowName: "wf"})
	if !xerrors.IsCode(err, CodeRunPublish) {
		t.Fatalf("expected publish error, got %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "记录运行失败状态出错") || !strings.Contains(out, "disk full") {
		t.Fatalf("expected MarkFailed error to be logged, got %q", out)
	}
}

func TestStateStoreClaimAndReload(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := newRunStore(t, dir)

	if err := store.Create(ctx, &Run{ID: "run-a", Status: StatusPending, WorkflowName: "wf"}); err != nil {
		t.Fatalf("创建运行失败: %v", err)
	}
	if err := store.Create(ctx, &Run{ID: "run-a", Status: StatusPending}); !errors.Is(err, ErrRunConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := store.Claim(ctx, "run-a"); err != nil {
		t.Fatalf("领取运行失败: %v", err)
	}
	if _, err := store.Claim(ctx, "run-a"); !errors.Is(err, ErrRunConflict) {
		t.Fatalf("expected second claim to conflict, got %v", err)
	}
	if _, err := store.Claim(ctx, "run-missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.MarkCompleted(ctx, "run-a", &workflow.State{ID: "wf", Status: workflow.StatusCompleted}); err != nil {
		t.Fatalf("标记完成失败: %v", err)
	}

	reloaded := newRunStore(t, dir)
	run, err := reloaded.Get(ctx, "run-a")
	if err != nil {
		t.Fatalf("重新加载失败: %v", err)
	}
	if run.Status != StatusCompleted || run.Attempts != 1 || run.Result == nil || run.Result.ID != "wf" {
		t.Fatalf("unexpected reloaded run %+v", run)
	}
	runs, err := reloaded.List(ctx, 10)
	if err != nil || len(runs) != 1 {
		t.Fatalf("unexpected list %v %v", runs, err)
	}
}

func TestNewQueueDrivers(t *testing.T) {
	q, err := NewQueue(configFor("memory"))
	if err != nil {
		t.Fatalf("创建内存队列失败: %v", err)
	}
	if _, ok := q.(*MemoryQueue); !ok {
		t.Fatalf("expected memory queue, got %T", q)
	}
	_ = q.Close()
	if err := q.Publish(context.Background(), "run-x"); !xerrors.IsCode(err, xerrors.CodeQueueFailure) {
		t.Fatalf("expected closed queue error, got %v", err)
	}

	if _, err := NewQueue(configFor("kafka")); !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected unsupported driver error, got %v", err)
	}
	if _, err := NewQueue(configFor("redis")); !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected missing redis address error, got %v", err)
	}
	if _, err := NewQueue(configFor("rabbitmq")); !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected missing rabbitmq url error, got %v", err)
	}
}

func configFor(driver string) config.QueueConfig {
	return config.QueueConfig{Driver: driver, Buffer: 4}
}

func TestMemoryQueueRequeuesRetryableErrors(t *testing.T) {
	q := NewMemoryQueue(4)
	q.requeueDelay = time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var calls atomic.Int32
	done := make(chan struct{})
	go func() {
		_ = q.Consume(ctx, 1, func(_ context.Context, runID string) error {
			switch calls.Add(1) {
			case 1:
				return xerrors.New(xerrors.CodeStorageFailure, "transient")
			case 2:
				close(done)
			}
			return nil
		})
	}()

	if err := q.Publish(ctx, "run-1"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-done:
	case <-ctx.Done():
		t.Fatalf("run was not redelivered, calls=%d", calls.Load())
	}

	if err := q.Publish(ctx, "run-2"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	_ = q.Close()
	if err := q.Publish(ctx, "run-3"); !xerrors.IsCode(err, xerrors.CodeQueueFailure) {
		t.Fatalf("expected queue failure after close, got %v", err)
	}
}
