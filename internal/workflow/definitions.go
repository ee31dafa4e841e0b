package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "SmartFlow-Orchestrator/internal/errors"
	"SmartFlow-Orchestrator/internal/safepath"
	"SmartFlow-Orchestrator/pkg/logger"
)

// Dir 返回工作流定义目录。
func (e *Engine) Dir() string { return e.dir }

// Initialize 创建工作流定义目录。
func (e *Engine) Initialize(context.Context) error {
	if err := os.MkdirAll(e.dir, 0o700); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建工作流目录失败")
	}
	e.log.Info("工作流引擎已初始化", slog.String("dir", e.dir))
	return nil
}

// SaveWorkflow 校验后以原子方式写入 <id>.json。
func (e *Engine) SaveWorkflow(_ context.Context, wf Workflow) error {
	if err := Validate(wf, e.limits); err != nil {
		return err
	}
	path, err := safepath.Join(e.dir, wf.ID, ".json")
	if err != nil {
		return err
	}
	payload, err := json.MarshalIndent(wf, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeValidation, err, "序列化工作流失败")
	}
	if err := safepath.WriteFileAtomic(path, payload, 0o600); err != nil {
		return err
	}
	e.log.Info("工作流已保存", slog.String("workflow_id", logger.Sanitize(wf.ID)))
	return nil
}

// LoadWorkflow 按名称读取工作流定义，依次尝试 .json、.yaml、.yml。
func (e *Engine) LoadWorkflow(name string) (Workflow, error) {
	for _, ext := range []string{".json", ".yaml", ".yml"} {
		path, err := safepath.Join(e.dir, name, ext)
		if err != nil {
			return Workflow{}, err
		}
		wf, err := ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return Workflow{}, err
		}
		if wf.ID == "" {
			wf.ID = safepath.Sanitize(name)
		}
		return wf, nil
	}
	return Workflow{}, xerrors.Newf(xerrors.CodeNotFound, "Workflow not found: %s", name)
}

// ListWorkflows 返回目录下所有可解析的工作流定义，损坏的文件会被跳过。
func (e *Engine) ListWorkflows(context.Context) ([]Workflow, error) {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Workflow{}, nil
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取工作流目录失败")
	}
	root, err := filepath.Abs(e.dir)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析工作流目录失败")
	}

	workflows := make([]Workflow, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !isDefinitionFile(entry.Name()) {
			continue
		}
		path := filepath.Join(root, filepath.Base(entry.Name()))
		if !safepath.Within(root, path) {
			continue
		}
		wf, err := ReadFile(path)
		if err != nil {
			e.log.Warn("跳过无法解析的工作流文件", slog.String("file", entry.Name()), slog.Any("error", err))
			continue
		}
		if wf.ID == "" {
			wf.ID = strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		}
		workflows = append(workflows, wf)
	}
	sort.Slice(workflows, func(i, j int) bool { return workflows[i].ID < workflows[j].ID })
	return workflows, nil
}

func isDefinitionFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// ReadFile 按扩展名解析 JSON 或 YAML 工作流定义。
func ReadFile(path string) (Workflow, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Workflow{}, err
	}
	var wf Workflow
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &wf)
	default:
		err = json.Unmarshal(content, &wf)
	}
	if err != nil {
		return Workflow{}, xerrors.Wrap(xerrors.CodeValidation, err, "解析工作流定义失败",
			xerrors.WithMetadata("file", filepath.Base(path)))
	}
	return wf, nil
}
