package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	xerrors "SmartFlow-Orchestrator/internal/errors"
	"SmartFlow-Orchestrator/internal/state"
)

// Config 描述 Redis 连接参数。
type Config struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// StateBackend 将命名空间序列化为 JSON 后存入 "<prefix>:<namespace>"。
type StateBackend struct {
	client goredis.UniversalClient
	prefix string
	owned  bool
}

var _ state.Backend = (*StateBackend)(nil)

// NewStateBackend 连接 Redis 并校验可用性。
func NewStateBackend(ctx context.Context, cfg Config) (*StateBackend, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	backend := NewStateBackendWithClient(client, cfg.Prefix)
	backend.owned = true
	return backend, nil
}

// NewStateBackendWithClient 复用已有客户端，Close 不会关闭它。
func NewStateBackendWithClient(client goredis.UniversalClient, prefix string) *StateBackend {
	prefix = strings.TrimSuffix(prefix, ":")
	if prefix == "" {
		prefix = "sfs:state"
	}
	return &StateBackend{client: client, prefix: prefix}
}

// Key 返回命名空间对应的 Redis 键。
func (b *StateBackend) Key(namespace string) string {
	return fmt.Sprintf("%s:%s", b.prefix, namespace)
}

// Load 读取命名空间，键不存在时返回空映射。
func (b *StateBackend) Load(ctx context.Context, namespace string) (map[string]state.Entry, error) {
	payload, err := b.client.Get(ctx, b.Key(namespace)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return map[string]state.Entry{}, nil
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 命名空间失败")
	}
	entries := make(map[string]state.Entry)
	if err := json.Unmarshal(payload, &entries); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 Redis 命名空间失败")
	}
	return entries, nil
}

// Save 覆盖命名空间；空命名空间直接删除键。
func (b *StateBackend) Save(ctx context.Context, namespace string, entries map[string]state.Entry) error {
	if len(entries) == 0 {
		if err := b.client.Del(ctx, b.Key(namespace)).Err(); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除 Redis 命名空间失败")
		}
		return nil
	}
	payload, err := json.Marshal(entries)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化命名空间失败")
	}
	if err := b.client.Set(ctx, b.Key(namespace), payload, 0).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 Redis 命名空间失败")
	}
	return nil
}

// Close 关闭自身创建的客户端。
func (b *StateBackend) Close() error {
	if b == nil || b.client == nil || !b.owned {
		return nil
	}
	return b.client.Close()
}
