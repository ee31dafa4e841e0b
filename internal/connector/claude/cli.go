package claude

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"SmartFlow-Orchestrator/internal/connector"
)

// cliRunner 将任务写入临时文件后调用 `claude --task-file <path>`。
type cliRunner struct {
	path    string
	timeout time.Duration
	tempDir string
}

func (r *cliRunner) run(ctx context.Context, task connector.Task) connector.Result {
	encoded, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return connector.Failure(fmt.Errorf("序列化任务失败: %w", err))
	}

	file, err := os.CreateTemp(r.tempDir, "claude-task-*.json")
	if err != nil {
		return connector.Failure(fmt.Errorf("创建任务文件失败: %w", err))
	}
	taskFile := file.Name()
	defer os.Remove(taskFile)

	if _, err := file.Write(encoded); err != nil {
		file.Close()
		return connector.Failure(fmt.Errorf("写入任务文件失败: %w", err))
	}
	if err := file.Close(); err != nil {
		return connector.Failure(fmt.Errorf("写入任务文件失败: %w", err))
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	command := exec.CommandContext(runCtx, r.path, "--task-file", taskFile)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	command.WaitDelay = time.Second

	if err := command.Run(); err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("claude CLI timed out after %s", r.timeout)
		}
		return connector.Result{
			Success: false,
			Mode:    ModeCLI,
			Error:   fmt.Sprintf("执行 claude CLI 失败: %v", err),
			Stderr:  strings.TrimSpace(stderr.String()),
		}
	}

	return connector.Result{
		Success: true,
		Mode:    ModeCLI,
		Output:  stdout.String(),
		Stderr:  strings.TrimSpace(stderr.String()),
	}
}
