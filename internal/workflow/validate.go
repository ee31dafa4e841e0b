package workflow

import (
	"encoding/json"
	"fmt"
	"regexp"

	xerrors "SmartFlow-Orchestrator/internal/errors"
)

const (
	maxIdentifierLength = 100
	defaultMaxSteps     = 100
	defaultMaxSize      = 1024 * 1024
)

var (
	workflowIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	propertyPattern   = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_-]*$`)
)

// Limits 约束工作流定义的规模。
type Limits struct {
	MaxSteps int
	MaxSize  int
}

func (l Limits) withDefaults() Limits {
	if l.MaxSteps <= 0 {
		l.MaxSteps = defaultMaxSteps
	}
	if l.MaxSize <= 0 {
		l.MaxSize = defaultMaxSize
	}
	return l
}

// Validate 在保存前检查工作流定义。
func Validate(wf Workflow, limits Limits) error {
	limits = limits.withDefaults()
	if wf.ID == "" {
		return xerrors.New(xerrors.CodeValidation, "Invalid workflow: id is required")
	}
	if len(wf.ID) > maxIdentifierLength {
		return xerrors.Newf(xerrors.CodeValidation, "Workflow id too long (max %d characters)", maxIdentifierLength)
	}
	if !workflowIDPattern.MatchString(wf.ID) {
		return xerrors.New(xerrors.CodeValidation, "Invalid workflow id format: only alphanumeric, dash, and underscore allowed")
	}
	if err := validateSteps(wf.Steps, limits); err != nil {
		return err
	}
	encoded, err := json.Marshal(wf)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeValidation, err, "Invalid workflow: not serializable")
	}
	if len(encoded) > limits.MaxSize {
		return xerrors.Newf(xerrors.CodeValidation, "Workflow too large (max %d bytes)", limits.MaxSize)
	}
	return nil
}

// checkStepCount 是执行前唯一的整体检查，步骤结构在执行到该步时才校验。
func checkStepCount(steps []Step, limits Limits) error {
	if len(steps) > limits.MaxSteps {
		return xerrors.Newf(xerrors.CodeValidation, "Too many workflow steps (max %d)", limits.MaxSteps)
	}
	return nil
}

// validateSteps 检查步骤数量与结构。
func validateSteps(steps []Step, limits Limits) error {
	if err := checkStepCount(steps, limits); err != nil {
		return err
	}
	for i, step := range steps {
		if step.Kind() == "" {
			return xerrors.New(xerrors.CodeValidation,
				fmt.Sprintf("Step %d: each step must have exactly one of: agent, action, or workflow", i))
		}
		if len(step.Name) > maxIdentifierLength {
			return xerrors.Newf(xerrors.CodeValidation, "Step name too long (max %d characters)", maxIdentifierLength)
		}
		if step.OutputTo != "" && !propertyPattern.MatchString(step.OutputTo) {
			return xerrors.Newf(xerrors.CodeValidation, "Invalid output_to format: %s", step.OutputTo)
		}
	}
	return nil
}
