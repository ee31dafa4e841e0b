// Package knowledge 读取智能体清单中声明的上下文文件，并在调用连接器前附加到任务中。
package knowledge

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"SmartFlow-Orchestrator/internal/agent"
	"SmartFlow-Orchestrator/internal/connector"
	xerrors "SmartFlow-Orchestrator/internal/errors"
	"SmartFlow-Orchestrator/internal/safepath"
	"SmartFlow-Orchestrator/pkg/logger"
)

const (
	defaultMaxBytes = 64 << 10
	defaultMaxFiles = 8
)

// Document 是一份上下文文件。
type Document struct {
	Title     string `json:"title"`
	Path      string `json:"path"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated,omitempty"`
}

type cached struct {
	modTime time.Time
	size    int64
	doc     Document
}

// Loader 从根目录读取上下文文件，按修改时间缓存内容。
type Loader struct {
	root     string
	maxBytes int64
	maxFiles int
	logger   *slog.Logger

	mu    sync.Mutex
	cache map[string]cached
}

// Option 配置 Loader。
type Option func(*Loader)

// WithMaxBytes 限制单个文件读取的字节数。
func WithMaxBytes(n int64) Option {
	return func(l *Loader) {
		if n > 0 {
			l.maxBytes = n
		}
	}
}

// WithMaxFiles 限制一次附加的文件数量。
func WithMaxFiles(n int) Option {
	return func(l *Loader) {
		if n > 0 {
			l.maxFiles = n
		}
	}
}

// NewLoader 创建以 root 为根目录的加载器。
func NewLoader(root string, opts ...Option) *Loader {
	l := &Loader{
		root:     root,
		maxBytes: defaultMaxBytes,
		maxFiles: defaultMaxFiles,
		logger:   logger.Named("knowledge"),
		cache:    make(map[string]cached),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Resolve 将清单中的路径映射到根目录内的绝对路径。
func (l *Loader) Resolve(file string) (string, error) {
	if strings.TrimSpace(file) == "" {
		return "", xerrors.New(xerrors.CodeValidation, "context file path is empty")
	}
	root, err := filepath.Abs(l.root)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "resolve context root")
	}
	path := file
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	path = filepath.Clean(path)
	if !safepath.Within(root, path) {
		return "", outsideRoot(file)
	}
	// 文本路径在根目录内时，符号链接仍可能指向外部，需按真实路径再校验。
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		if os.IsNotExist(err) {
			return path, nil
		}
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "resolve context file")
	}
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		realRoot = root
	}
	if !safepath.Within(realRoot, resolved) {
		return "", outsideRoot(file)
	}
	return path, nil
}

func outsideRoot(file string) error {
	return xerrors.New(xerrors.CodeSecurity, "context file outside of context directory",
		xerrors.WithMetadata("file", file))
}

// Load 读取文件列表，无法读取的文件记录警告后跳过。
func (l *Loader) Load(files []string) []Document {
	docs := make([]Document, 0, min(len(files), l.maxFiles))
	for _, file := range files {
		if len(docs) >= l.maxFiles {
			l.logger.Warn("上下文文件数量超过上限", slog.Int("max_files", l.maxFiles))
			break
		}
		doc, err := l.read(file)
		if err != nil {
			l.logger.Warn("无法加载上下文文件",
				slog.String("file", logger.Sanitize(file)),
				slog.String("error", logger.SafeMessage(err.Error())))
			continue
		}
		docs = append(docs, doc)
	}
	return docs
}

func (l *Loader) read(file string) (Document, error) {
	path, err := l.Resolve(file)
	if err != nil {
		return Document{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return Document{}, err
	}
	if info.IsDir() {
		return Document{}, xerrors.New(xerrors.CodeValidation, "context file is a directory")
	}

	l.mu.Lock()
	entry, ok := l.cache[path]
	l.mu.Unlock()
	if ok && entry.modTime.Equal(info.ModTime()) && entry.size == info.Size() {
		return entry.doc, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return Document{}, err
	}
	defer f.Close()
	content, err := io.ReadAll(io.LimitReader(f, l.maxBytes+1))
	if err != nil {
		return Document{}, err
	}
	doc := Document{Title: filepath.Base(path), Path: path}
	if int64(len(content)) > l.maxBytes {
		content = content[:l.maxBytes]
		doc.Truncated = true
	}
	doc.Content = string(content)

	l.mu.Lock()
	l.cache[path] = cached{modTime: info.ModTime(), size: info.Size(), doc: doc}
	l.mu.Unlock()
	return doc, nil
}

// AgentLookup 按 ID 查询智能体。
type AgentLookup interface {
	Get(agentID string) (agent.Agent, bool)
}

// Attacher 把智能体的上下文文件按文件名写入 Task.ContextFiles。
type Attacher struct {
	agents AgentLookup
	loader *Loader
}

// NewAttacher 创建连接器调用前的上下文附加器。
func NewAttacher(agents AgentLookup, loader *Loader) *Attacher {
	return &Attacher{agents: agents, loader: loader}
}

// Enrich 实现 connector.Enricher。
func (a *Attacher) Enrich(_ context.Context, agentID string, task *connector.Task) {
	if a == nil || a.agents == nil || a.loader == nil || task == nil {
		return
	}
	ag, ok := a.agents.Get(agentID)
	if !ok || len(ag.ContextFiles) == 0 {
		return
	}
	docs := a.loader.Load(ag.ContextFiles)
	if len(docs) == 0 {
		return
	}
	if task.ContextFiles == nil {
		task.ContextFiles = make(map[string]string, len(docs))
	}
	for _, doc := range docs {
		task.ContextFiles[doc.Title] = doc.Content
	}
}

var _ connector.Enricher = (*Attacher)(nil)
