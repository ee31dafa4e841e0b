package task

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "SmartFlow-Orchestrator/internal/errors"
	"SmartFlow-Orchestrator/internal/state"
	"SmartFlow-Orchestrator/internal/workflow"
)

// Store 抽象了运行记录的持久化接口。
type Store interface {
	Create(ctx context.Context, run *Run) error
	Get(ctx context.Context, id string) (*Run, error)
	Claim(ctx context.Context, id string) (*Run, error)
	MarkCompleted(ctx context.Context, id string, result *workflow.State) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, message string, result *workflow.State) error
	List(ctx context.Context, limit int) ([]*Run, error)
	Stats(ctx context.Context) (Stats, error)
}

// StateAccess 是 StateStore 所需的状态存储能力。
type StateAccess interface {
	Set(ctx context.Context, key string, value any, opts state.SetOptions) (state.Entry, error)
	Get(ctx context.Context, key, namespace string) (any, bool, error)
	Keys(ctx context.Context, namespace string) ([]string, error)
}

// StateStore 将运行记录保存在状态存储的 workflow-runs 命名空间中。
type StateStore struct {
	state StateAccess
	now   func() time.Time
	// 串行化读改写，保证同一运行只会被领取一次。
	mu sync.Mutex
}

// NewStateStore 基于状态存储创建运行记录存储。
func NewStateStore(s StateAccess) *StateStore {
	return &StateStore{state: s, now: time.Now}
}

// Create 写入新的运行记录，ID 已存在时返回 ErrRunConflict。
func (s *StateStore) Create(ctx context.Context, run *Run) error {
	if run == nil || run.ID == "" {
		return xerrors.New(CodeRunValidation, "run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, found, err := s.state.Get(ctx, run.ID, Namespace); err != nil {
		return err
	} else if found {
		return ErrRunConflict
	}
	now := s.now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	return s.saveLocked(ctx, run)
}

// Get 返回运行记录副本。
func (s *StateStore) Get(ctx context.Context, id string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx, id)
}

// Claim 将 pending 状态的运行切换为 running 并累加尝试次数。
func (s *StateStore) Claim(ctx context.Context, id string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, err := s.loadLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.Status != StatusPending {
		return nil, ErrRunConflict
	}
	run.Status = StatusRunning
	run.Attempts++
	run.UpdatedAt = s.now().UTC()
	if err := s.saveLocked(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// MarkCompleted 记录成功结果。
func (s *StateStore) MarkCompleted(ctx context.Context, id string, result *workflow.State) error {
	return s.update(ctx, id, func(run *Run) {
		run.Status = StatusCompleted
		run.Result = result
		run.Error = ""
		run.ErrorCode = ""
	})
}

// MarkFailed 记录失败原因，result 可为空。
func (s *StateStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, message string, result *workflow.State) error {
	return s.update(ctx, id, func(run *Run) {
		run.Status = StatusFailed
		run.Result = result
		run.Error = message
		run.ErrorCode = string(code)
	})
}

func (s *StateStore) update(ctx context.Context, id string, mutate func(*Run)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, err := s.loadLocked(ctx, id)
	if err != nil {
		return err
	}
	mutate(run)
	run.UpdatedAt = s.now().UTC()
	return s.saveLocked(ctx, run)
}

// List 按创建时间倒序返回运行记录，limit<=0 表示不限制。
func (s *StateStore) List(ctx context.Context, limit int) ([]*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys, err := s.state.Keys(ctx, Namespace)
	if err != nil {
		return nil, err
	}
	runs := make([]*Run, 0, len(keys))
	for _, key := range keys {
		run, err := s.loadLocked(ctx, key)
		if err != nil {
			if xerrors.IsCode(err, CodeRunNotFound) {
				continue
			}
			return nil, err
		}
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID < runs[j].ID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// Stats 统计各状态的运行数量。
func (s *StateStore) Stats(ctx context.Context) (Stats, error) {
	runs, err := s.List(ctx, 0)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{Total: len(runs)}
	for _, run := range runs {
		switch run.Status {
		case StatusPending:
			stats.Pending++
		case StatusRunning:
			stats.Running++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

func (s *StateStore) loadLocked(ctx context.Context, id string) (*Run, error) {
	value, found, err := s.state.Get(ctx, id, Namespace)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrRunNotFound
	}
	return decodeRun(value)
}

func (s *StateStore) saveLocked(ctx context.Context, run *Run) error {
	_, err := s.state.Set(ctx, run.ID, *run, state.SetOptions{
		Namespace: Namespace,
		Metadata:  map[string]any{"status": string(run.Status)},
	})
	return err
}
