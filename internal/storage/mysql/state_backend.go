package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"time"

	xerrors "SmartFlow-Orchestrator/internal/errors"
	"SmartFlow-Orchestrator/internal/state"
)

// StateBackend 将每个命名空间保存为 state_namespaces 表中的一行 JSON 文档。
type StateBackend struct {
	db *sql.DB
}

var _ state.Backend = (*StateBackend)(nil)

// NewStateBackend 建立连接池并执行迁移。
func NewStateBackend(ctx context.Context, cfg Config) (*StateBackend, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 MySQL 状态后端失败")
	}
	if err := runMigrations(ctx, db, nil); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行 MySQL 迁移失败")
	}
	return &StateBackend{db: db}, nil
}

// Load 读取命名空间文档，不存在时返回空映射。
func (b *StateBackend) Load(ctx context.Context, namespace string) (map[string]state.Entry, error) {
	var payload string
	err := b.db.QueryRowContext(ctx,
		`SELECT payload FROM state_namespaces WHERE namespace = ?`, namespace).Scan(&payload)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return map[string]state.Entry{}, nil
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询命名空间失败")
	}
	entries := make(map[string]state.Entry)
	if err := json.Unmarshal([]byte(payload), &entries); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析命名空间失败")
	}
	return entries, nil
}

// Save 以 upsert 方式覆盖整个命名空间。
func (b *StateBackend) Save(ctx context.Context, namespace string, entries map[string]state.Entry) error {
	payload, err := json.Marshal(entries)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化命名空间失败")
	}
	_, err = b.db.ExecContext(ctx, `INSERT INTO state_namespaces (namespace, payload, entry_count, updated_at)
VALUES (?, ?, ?, ?)
ON DUPLICATE KEY UPDATE payload = VALUES(payload), entry_count = VALUES(entry_count), updated_at = VALUES(updated_at)`,
		namespace, string(payload), len(entries), time.Now().UnixMilli())
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入命名空间失败")
	}
	return nil
}

// Close 释放连接池。
func (b *StateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}
