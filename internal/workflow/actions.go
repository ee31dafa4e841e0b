package workflow

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	xerrors "SmartFlow-Orchestrator/internal/errors"
	"SmartFlow-Orchestrator/internal/state"
	"SmartFlow-Orchestrator/pkg/logger"
)

// 内置动作名称。
const (
	ActionSetContext = "set-context"
	ActionWait       = "wait"
	ActionLog        = "log"
	ActionStoreState = "store-state"
)

// DefaultDataNamespace 是 store-state 未指定命名空间时的写入位置。
const DefaultDataNamespace = "workflow-data"

const (
	defaultWaitMillis = 1000
	defaultMaxWait    = 60 * time.Second
	maxStateKeyLength = 100
)

var (
	allowedActions = []string{ActionSetContext, ActionWait, ActionLog, ActionStoreState}
	stateKeyRule   = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

type actionFunc func(ctx context.Context, st *State, input map[string]any) (any, error)

func (e *Engine) actions() map[string]actionFunc {
	return map[string]actionFunc{
		ActionSetContext: e.actionSetContext,
		ActionWait:       e.actionWait,
		ActionLog:        e.actionLog,
		ActionStoreState: e.actionStoreState,
	}
}

func (e *Engine) executeAction(ctx context.Context, step Step, st *State) (StepResult, error) {
	fn, ok := e.actions()[step.Action]
	if !ok {
		return StepResult{}, xerrors.Newf(xerrors.CodeSecurity,
			"Unauthorized action: %s. Allowed: %s", step.Action, strings.Join(allowedActions, ", "))
	}
	input, err := objectInput(step.Input, step.Action)
	if err != nil {
		return StepResult{}, err
	}
	result, err := fn(ctx, st, input)
	if err != nil {
		return StepResult{}, err
	}
	return StepResult{
		Status:    StepSuccess,
		Action:    step.Action,
		Result:    result,
		Timestamp: e.now().UTC(),
	}, nil
}

func objectInput(raw any, action string) (map[string]any, error) {
	if raw == nil {
		return map[string]any{}, nil
	}
	input, ok := raw.(map[string]any)
	if !ok {
		return nil, xerrors.Newf(xerrors.CodeValidation, "%s requires object input", action)
	}
	return input, nil
}

func (e *Engine) actionSetContext(_ context.Context, st *State, input map[string]any) (any, error) {
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value, err := ResolveVariables(input[key], st.Context)
		if err != nil {
			return nil, err
		}
		if err := setContextValue(st.Context, key, value); err != nil {
			return nil, err
		}
	}
	return map[string]any{"context_updated": true}, nil
}

func (e *Engine) actionWait(_ context.Context, _ *State, input map[string]any) (any, error) {
	requested := waitMillis(input["duration"])
	ms := requested
	if ms < 0 {
		ms = 0
	}
	ceiling := e.maxWait.Milliseconds()
	if ms > ceiling {
		e.log.Warn("等待时长已截断",
			slog.Int64("requested_ms", requested),
			slog.Int64("max_ms", ceiling))
		ms = ceiling
	}
	if err := e.sleep(e.shutdown, time.Duration(ms)*time.Millisecond); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "wait interrupted")
	}
	return map[string]any{"waited": ms}, nil
}

// waitMillis 解析 duration，缺失、非法或为 0 时使用默认值。
func waitMillis(raw any) int64 {
	n, ok := number(raw)
	if !ok || math.IsNaN(n) {
		return defaultWaitMillis
	}
	// 超出 int64 范围的浮点转换结果未定义，先在浮点域截断。
	switch {
	case n >= math.MaxInt64:
		return math.MaxInt64
	case n <= math.MinInt64:
		return math.MinInt64
	}
	if int64(n) == 0 {
		return defaultWaitMillis
	}
	return int64(n)
}

func number(raw any) (float64, bool) {
	var n float64
	switch v := raw.(type) {
	case float64:
		n = v
	case int:
		n = float64(v)
	case int64:
		n = float64(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		n = f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		n = f
	default:
		return 0, false
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return n, true
}

func (e *Engine) actionLog(_ context.Context, st *State, input map[string]any) (any, error) {
	raw, ok := input["message"]
	if !ok || raw == nil {
		raw = ""
	}
	resolved, err := ResolveVariables(raw, st.Context)
	if err != nil {
		return nil, err
	}
	message := logger.SafeMessage(resolved)
	e.log.Info("工作流日志", slog.String("workflow_id", st.ID), slog.String("message", message))
	return map[string]any{"logged": true, "message": message}, nil
}

func (e *Engine) actionStoreState(ctx context.Context, st *State, input map[string]any) (any, error) {
	key, _ := input["key"].(string)
	if key == "" || !stateKeyRule.MatchString(key) {
		return nil, xerrors.New(xerrors.CodeSecurity, "Invalid state key: must be alphanumeric with dash/underscore")
	}
	if len(key) > maxStateKeyLength {
		return nil, xerrors.Newf(xerrors.CodeValidation, "State key too long (max %d characters)", maxStateKeyLength)
	}
	namespace, _ := input["namespace"].(string)
	if namespace == "" {
		namespace = DefaultDataNamespace
	}
	value, err := ResolveVariables(input["value"], st.Context)
	if err != nil {
		return nil, err
	}
	opts := state.SetOptions{
		Namespace: namespace,
		Metadata:  map[string]any{"workflow_id": st.ID},
	}
	if ttl, ok := number(input["ttl"]); ok && ttl > 0 {
		opts.TTL = time.Duration(ttl * float64(time.Second))
	}
	if _, err := e.state.Set(ctx, key, value, opts); err != nil {
		return nil, err
	}
	return map[string]any{"stored": true, "key": key, "namespace": namespace}, nil
}
