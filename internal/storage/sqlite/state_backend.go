// Package sqlite 提供基于嵌入式 SQLite 的状态命名空间后端，无需 cgo。
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/glebarez/go-sqlite"

	xerrors "SmartFlow-Orchestrator/internal/errors"
	"SmartFlow-Orchestrator/internal/state"
)

const schema = `CREATE TABLE IF NOT EXISTS state_namespaces (
	namespace TEXT PRIMARY KEY,
	payload TEXT NOT NULL,
	entry_count INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
);`

// StateBackend 将命名空间保存在单个 SQLite 数据库文件中。
type StateBackend struct {
	db *sql.DB
}

var _ state.Backend = (*StateBackend)(nil)

// Open 打开（必要时创建）数据库文件并初始化表结构。
func Open(ctx context.Context, path string) (*StateBackend, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 SQLite 目录失败")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开 SQLite 失败")
	}
	// SQLite 只允许单写者，串行化连接避免 database is locked。
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 SQLite 表结构失败")
	}
	return &StateBackend{db: db}, nil
}

// Load 读取命名空间文档。
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

// Save 覆盖整个命名空间文档。
func (b *StateBackend) Save(ctx context.Context, namespace string, entries map[string]state.Entry) error {
	payload, err := json.Marshal(entries)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化命名空间失败")
	}
	_, err = b.db.ExecContext(ctx, `INSERT INTO state_namespaces (namespace, payload, entry_count, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(namespace) DO UPDATE SET payload = excluded.payload, entry_count = excluded.entry_count, updated_at = excluded.updated_at`,
		namespace, string(payload), len(entries), time.Now().UnixMilli())
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("写入命名空间 %s 失败", namespace))
	}
	return nil
}

// Namespaces 返回已持久化的命名空间及条目数。
func (b *StateBackend) Namespaces(ctx context.Context) (map[string]int, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT namespace, entry_count FROM state_namespaces ORDER BY namespace`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询命名空间列表失败")
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			name  string
			count int
		)
		if err := rows.Scan(&name, &count); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析命名空间列表失败")
		}
		out[name] = count
	}
	return out, rows.Err()
}

// Close 关闭数据库。
func (b *StateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}
