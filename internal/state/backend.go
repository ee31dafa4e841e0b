package state

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"

	xerrors "SmartFlow-Orchestrator/internal/errors"
	"SmartFlow-Orchestrator/internal/safepath"
)

// Backend 以命名空间为单位读写完整文档。
// Load 在命名空间不存在时返回空映射且不报错。
type Backend interface {
	Load(ctx context.Context, namespace string) (map[string]Entry, error)
	Save(ctx context.Context, namespace string, entries map[string]Entry) error
	Close() error
}

// FileBackend 在目录中为每个命名空间维护一个 JSON 文件。
type FileBackend struct {
	dir string
}

// NewFileBackend 创建文件后端并确保目录存在。
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建状态目录失败")
	}
	return &FileBackend{dir: dir}, nil
}

// Dir 返回后端根目录。
func (b *FileBackend) Dir() string { return b.dir }

// Load 读取命名空间文件。
func (b *FileBackend) Load(_ context.Context, namespace string) (map[string]Entry, error) {
	path, err := safepath.Join(b.dir, namespace, ".json")
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]Entry{}, nil
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取命名空间文件失败")
	}
	entries := make(map[string]Entry)
	if err := json.Unmarshal(content, &entries); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析命名空间文件失败")
	}
	return entries, nil
}

// Save 以临时文件加重命名的方式原子写入整个命名空间。
func (b *FileBackend) Save(_ context.Context, namespace string, entries map[string]Entry) error {
	path, err := safepath.Join(b.dir, namespace, ".json")
	if err != nil {
		return err
	}
	payload, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化命名空间失败")
	}
	return safepath.WriteFileAtomic(path, payload, 0o600)
}

// Close 对文件后端无操作。
func (b *FileBackend) Close() error { return nil }
