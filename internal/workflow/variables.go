package workflow

import (
	"encoding/json"
	"fmt"
	"regexp"

	xerrors "SmartFlow-Orchestrator/internal/errors"
)

var placeholder = regexp.MustCompile(`\$\{([a-zA-Z0-9_]{1,100})\}`)

var forbiddenKeys = map[string]struct{}{
	"__proto__":   {},
	"constructor": {},
	"prototype":   {},
}

// ResolveVariables 将 input 中的 ${name} 替换为上下文中的值。
// 缺失的变量保持原样；map 中出现原型污染类键名时直接报错。
func ResolveVariables(input any, vars map[string]any) (any, error) {
	switch v := input.(type) {
	case string:
		return resolveString(v, vars), nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := ResolveVariables(item, vars)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			if _, bad := forbiddenKeys[key]; bad {
				return nil, xerrors.Newf(xerrors.CodeSecurity, "Forbidden property: %s", key)
			}
			resolved, err := ResolveVariables(item, vars)
			if err != nil {
				return nil, err
			}
			out[key] = resolved
		}
		return out, nil
	default:
		return input, nil
	}
}

func resolveString(s string, vars map[string]any) string {
	return placeholder.ReplaceAllStringFunc(s, func(match string) string {
		name := placeholder.FindStringSubmatch(match)[1]
		value, ok := vars[name]
		if !ok {
			return match
		}
		return formatValue(value)
	})
}

func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return "null"
	case fmt.Stringer:
		return val.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// setContextValue 在上下文中写入键值，拒绝危险或格式非法的键名。
func setContextValue(vars map[string]any, key string, value any) error {
	if _, bad := forbiddenKeys[key]; bad {
		return xerrors.Newf(xerrors.CodeSecurity, "Forbidden property name: %s", key)
	}
	if key == "" {
		return xerrors.New(xerrors.CodeSecurity, "Property key must be a non-empty string")
	}
	if !propertyPattern.MatchString(key) {
		return xerrors.Newf(xerrors.CodeSecurity, "Invalid property name: %s", key)
	}
	vars[key] = value
	return nil
}
