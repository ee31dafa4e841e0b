package state

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	xerrors "SmartFlow-Orchestrator/internal/errors"
	"SmartFlow-Orchestrator/pkg/logger"
)

const maxNamespaceLength = 200

// Store 是带 TTL 的命名空间键值存储。
type Store struct {
	backend Backend
	now     func() time.Time
	log     *slog.Logger

	mu     sync.Mutex
	cache  map[string]map[string]Entry
	loaded map[string]bool
}

// Option 配置 Store。
type Option func(*Store)

// WithClock 替换时间来源，主要用于测试 TTL。
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// NewStore 基于给定后端创建状态存储。
func NewStore(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		now:     time.Now,
		cache:   make(map[string]map[string]Entry),
		loaded:  make(map[string]bool),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.log == nil {
		s.log = logger.Named("state")
	}
	return s
}

// Close 释放后端资源。
func (s *Store) Close() error {
	if s.backend == nil {
		return nil
	}
	return s.backend.Close()
}

func normalizeNamespace(namespace string) (string, error) {
	if strings.TrimSpace(namespace) == "" {
		return DefaultNamespace, nil
	}
	if len(namespace) > maxNamespaceLength {
		return "", xerrors.New(xerrors.CodeValidation, "namespace is too long")
	}
	return namespace, nil
}

// Set 写入一条记录并持久化整个命名空间，返回写入的条目。
func (s *Store) Set(ctx context.Context, key string, value any, opts SetOptions) (Entry, error) {
	if key == "" {
		return Entry{}, xerrors.New(xerrors.CodeValidation, "state key is required")
	}
	namespace, err := normalizeNamespace(opts.Namespace)
	if err != nil {
		return Entry{}, err
	}

	now := s.now().UTC()
	entry := Entry{
		Key:       key,
		Value:     value,
		Namespace: namespace,
		CreatedAt: now,
		Metadata:  opts.Metadata,
	}
	if entry.Metadata == nil {
		entry.Metadata = map[string]any{}
	}
	if opts.TTL > 0 {
		expires := now.Add(opts.TTL)
		entry.ExpiresAt = &expires
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := s.ensureLoadedLocked(ctx, namespace)
	bucket[key] = entry
	if err := s.persistLocked(ctx, namespace); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Get 返回记录的值。记录缺失或已过期时 found 为 false，过期记录会被顺带删除。
func (s *Store) Get(ctx context.Context, key, namespace string) (any, bool, error) {
	entry, ok, err := s.GetEntry(ctx, key, namespace)
	if err != nil || !ok {
		return nil, false, err
	}
	return entry.Value, true, nil
}

// GetEntry 与 Get 相同，但返回完整条目。
func (s *Store) GetEntry(ctx context.Context, key, namespace string) (Entry, bool, error) {
	namespace, err := normalizeNamespace(namespace)
	if err != nil {
		return Entry{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := s.ensureLoadedLocked(ctx, namespace)
	entry, ok := bucket[key]
	if !ok {
		return Entry{}, false, nil
	}
	if entry.Expired(s.now()) {
		delete(bucket, key)
		if err := s.persistLocked(ctx, namespace); err != nil {
			s.log.Warn("清理过期条目失败", slog.String("namespace", namespace), slog.Any("error", err))
		}
		return Entry{}, false, nil
	}
	return entry, true, nil
}

// Delete 删除记录并持久化命名空间，返回记录此前是否存在。
func (s *Store) Delete(ctx context.Context, key, namespace string) (bool, error) {
	namespace, err := normalizeNamespace(namespace)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := s.ensureLoadedLocked(ctx, namespace)
	_, existed := bucket[key]
	delete(bucket, key)
	if err := s.persistLocked(ctx, namespace); err != nil {
		return existed, err
	}
	return existed, nil
}

// Keys 返回命名空间内未过期的键，按字典序排列。
func (s *Store) Keys(ctx context.Context, namespace string) ([]string, error) {
	namespace, err := normalizeNamespace(namespace)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	bucket := s.ensureLoadedLocked(ctx, namespace)
	keys := make([]string, 0, len(bucket))
	for key, entry := range bucket {
		if entry.Expired(now) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// GetAll 返回命名空间内所有未过期的值。
func (s *Store) GetAll(ctx context.Context, namespace string) (map[string]any, error) {
	entries, err := s.entries(ctx, namespace)
	if err != nil {
		return nil, err
	}
	values := make(map[string]any, len(entries))
	for _, entry := range entries {
		values[entry.Key] = entry.Value
	}
	return values, nil
}

func (s *Store) entries(ctx context.Context, namespace string) ([]Entry, error) {
	namespace, err := normalizeNamespace(namespace)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	bucket := s.ensureLoadedLocked(ctx, namespace)
	out := make([]Entry, 0, len(bucket))
	for _, entry := range bucket {
		if entry.Expired(now) {
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Clear 清空命名空间并返回删除的条目数。
func (s *Store) Clear(ctx context.Context, namespace string) (int, error) {
	namespace, err := normalizeNamespace(namespace)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := s.ensureLoadedLocked(ctx, namespace)
	removed := len(bucket)
	s.cache[namespace] = make(map[string]Entry)
	if err := s.persistLocked(ctx, namespace); err != nil {
		return removed, err
	}
	return removed, nil
}

// Stats 汇总当前缓存中的条目数量与序列化体积。
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{Namespaces: make(map[string]int)}
	for namespace, bucket := range s.cache {
		if len(bucket) == 0 {
			continue
		}
		stats.Namespaces[namespace] += len(bucket)
		stats.TotalKeys += len(bucket)
		for _, entry := range bucket {
			if raw, err := json.Marshal(entry); err == nil {
				stats.TotalSize += len(raw)
			}
		}
	}
	return stats
}

// ensureLoadedLocked 首次访问命名空间时从后端加载。
// 读取失败只记录日志，命名空间按空处理。
func (s *Store) ensureLoadedLocked(ctx context.Context, namespace string) map[string]Entry {
	bucket, ok := s.cache[namespace]
	if !ok {
		bucket = make(map[string]Entry)
		s.cache[namespace] = bucket
	}
	if s.loaded[namespace] || s.backend == nil {
		return bucket
	}
	s.loaded[namespace] = true

	stored, err := s.backend.Load(ctx, namespace)
	if err != nil {
		s.log.Error("加载命名空间失败",
			slog.String("namespace", logger.Sanitize(namespace)),
			slog.Any("error", err))
		return bucket
	}
	for key, entry := range stored {
		// 内存中的新写入优先于磁盘副本。
		if _, exists := bucket[key]; exists {
			continue
		}
		if entry.Key == "" {
			entry.Key = key
		}
		if entry.Namespace == "" {
			entry.Namespace = namespace
		}
		bucket[key] = entry
	}
	return bucket
}

func (s *Store) persistLocked(ctx context.Context, namespace string) error {
	if s.backend == nil {
		return nil
	}
	bucket := s.cache[namespace]
	snapshot := make(map[string]Entry, len(bucket))
	for key, entry := range bucket {
		snapshot[key] = entry
	}
	if err := s.backend.Save(ctx, namespace, snapshot); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "持久化命名空间失败",
			xerrors.WithMetadata("namespace", namespace))
	}
	return nil
}

// SetAgentContext 保存智能体共享上下文。
func (s *Store) SetAgentContext(ctx context.Context, agentID string, value any) (Entry, error) {
	return s.Set(ctx, agentID, value, SetOptions{Namespace: NamespaceAgentContext})
}

// GetAgentContext 读取智能体共享上下文。
func (s *Store) GetAgentContext(ctx context.Context, agentID string) (any, bool, error) {
	return s.Get(ctx, agentID, NamespaceAgentContext)
}

// SetWorkflowState 保存工作流快照。
func (s *Store) SetWorkflowState(ctx context.Context, workflowID string, snapshot any) (Entry, error) {
	return s.Set(ctx, workflowID, snapshot, SetOptions{Namespace: NamespaceWorkflows})
}

// GetWorkflowState 读取工作流快照。
func (s *Store) GetWorkflowState(ctx context.Context, workflowID string) (any, bool, error) {
	return s.Get(ctx, workflowID, NamespaceWorkflows)
}

// StoreAgentOutput 以 "<agent>:<毫秒时间戳>" 为键保存一次智能体输出。
func (s *Store) StoreAgentOutput(ctx context.Context, agentID string, output any, metadata map[string]any) (Entry, error) {
	now := s.now().UTC()
	meta := map[string]any{
		"agent_id":  agentID,
		"timestamp": now.Format(time.RFC3339Nano),
	}
	for k, v := range metadata {
		meta[k] = v
	}
	key := agentID + ":" + strconv.FormatInt(now.UnixMilli(), 10)
	return s.Set(ctx, key, output, SetOptions{Namespace: NamespaceAgentOutputs, Metadata: meta})
}

// GetAgentOutputs 返回该智能体最近的 limit 条输出，按写入时间升序。
func (s *Store) GetAgentOutputs(ctx context.Context, agentID string, limit int) ([]any, error) {
	if limit <= 0 {
		limit = 10
	}
	entries, err := s.entries(ctx, NamespaceAgentOutputs)
	if err != nil {
		return nil, err
	}
	prefix := agentID + ":"
	outputs := make([]any, 0, limit)
	for _, entry := range entries {
		if strings.HasPrefix(entry.Key, prefix) {
			outputs = append(outputs, entry.Value)
		}
	}
	if len(outputs) > limit {
		outputs = outputs[len(outputs)-limit:]
	}
	return outputs, nil
}
