// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package path 实现 pipeline 上下文投影的选择器小语言：
// `$` 根、`.field` 字段、`[n]` 下标、`[*]` 展开，
// 以及 `@variables('x')`、`@parameters('y')`、`@secret('k')` 函数引用。
// 表达式在 `{trigger, stages}` 文档与 scatter 循环作用域上求值。
package path

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"actor-platform/pkg/secrets"
)

// Scope 一次求值的作用域
type Scope struct {
	// Root 上下文文档，形如 {"trigger": …, "stages": {…}}
	Root any
	// Variables scatter 循环变量（as 绑定）
	Variables map[string]any
	// Parameters pipeline 参数
	Parameters map[string]any
	// Secrets @secret() 的解析来源；nil 时 @secret 报错
	Secrets secrets.Store
}

// Evaluate 对单个选择器表达式求值。
// 表达式必须以 `$` 或 `@` 开头；其余字符串不是表达式。
func Evaluate(ctx context.Context, expr string, sc Scope) (any, error) {
	expr = strings.TrimSpace(expr)
	switch {
	case strings.HasPrefix(expr, "$"):
		sels, err := parseSelectors(expr[1:])
		if err != nil {
			return nil, fmt.Errorf("path: %q: %w", expr, err)
		}
		return apply(sc.Root, sels, expr)
	case strings.HasPrefix(expr, "@"):
		base, rest, err := evalFunction(ctx, expr, sc)
		if err != nil {
			return nil, err
		}
		sels, err := parseSelectors(rest)
		if err != nil {
			return nil, fmt.Errorf("path: %q: %w", expr, err)
		}
		return apply(base, sels, expr)
	default:
		return nil, fmt.Errorf("path: %q is not a selector expression", expr)
	}
}

// IsExpression 判断字符串是否为纯选择器表达式
func IsExpression(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "$") || strings.HasPrefix(s, "@")
}

// EvaluateTemplate 对输入模板求值：字符串叶子若是纯表达式则替换为
// 求值结果，map 与数组递归处理，其余值原样保留。
func EvaluateTemplate(ctx context.Context, tmpl any, sc Scope) (any, error) {
	switch v := tmpl.(type) {
	case string:
		if IsExpression(v) {
			return Evaluate(ctx, v, sc)
		}
		return v, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			got, err := EvaluateTemplate(ctx, item, sc)
			if err != nil {
				return nil, err
			}
			out[k] = got
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			got, err := EvaluateTemplate(ctx, item, sc)
			if err != nil {
				return nil, err
			}
			out[i] = got
		}
		return out, nil
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(v, &decoded); err != nil {
			return nil, fmt.Errorf("path: template: %w", err)
		}
		return EvaluateTemplate(ctx, decoded, sc)
	default:
		return tmpl, nil
	}
}

// evalFunction 解析并求值函数引用前缀，返回 (基值, 尾随选择器)
func evalFunction(ctx context.Context, expr string, sc Scope) (any, string, error) {
	name, arg, rest, err := parseFunction(expr)
	if err != nil {
		return nil, "", err
	}
	switch name {
	case "variables":
		v, ok := sc.Variables[arg]
		if !ok {
			return nil, "", fmt.Errorf("path: unknown variable %q", arg)
		}
		return v, rest, nil
	case "parameters":
		v, ok := sc.Parameters[arg]
		if !ok {
			return nil, "", fmt.Errorf("path: unknown parameter %q", arg)
		}
		return v, rest, nil
	case "secret":
		if sc.Secrets == nil {
			return nil, "", fmt.Errorf("path: no secret store in scope for %q", arg)
		}
		v, err := sc.Secrets.Get(ctx, arg)
		if err != nil {
			return nil, "", fmt.Errorf("path: resolve secret %q: %w", arg, err)
		}
		return v, rest, nil
	default:
		return nil, "", fmt.Errorf("path: unknown function @%s", name)
	}
}

// parseFunction 解析 @name('arg')，返回函数名、参数与尾随部分
func parseFunction(expr string) (name, arg, rest string, err error) {
	open := strings.Index(expr, "(")
	if open < 0 {
		return "", "", "", fmt.Errorf("malformed function reference")
	}
	name = expr[1:open]
	close := strings.Index(expr[open:], ")")
	if close < 0 {
		return "", "", "", fmt.Errorf("unclosed function reference")
	}
	arg = strings.TrimSpace(expr[open+1 : open+close])
	if len(arg) >= 2 && (arg[0] == '\'' || arg[0] == '"') && arg[len(arg)-1] == arg[0] {
		arg = arg[1 : len(arg)-1]
	} else {
		return "", "", "", fmt.Errorf("function argument must be quoted")
	}
	return name, arg, expr[open+close+1:], nil
}

type selector struct {
	field   string // .field
	index   int    // [n]
	isIndex bool
	star    bool // [*]
}

// parseSelectors 解析 `.a.b[0][*]` 形式的选择器链
func parseSelectors(s string) ([]selector, error) {
	var out []selector
	for len(s) > 0 {
		switch s[0] {
		case '.':
			rest := s[1:]
			end := len(rest)
			for i, r := range rest {
				if r == '.' || r == '[' {
					end = i
					break
				}
			}
			if end == 0 {
				return nil, fmt.Errorf("empty field selector")
			}
			out = append(out, selector{field: rest[:end]})
			s = rest[end:]
		case '[':
			close := strings.Index(s, "]")
			if close < 0 {
				return nil, fmt.Errorf("unclosed index selector")
			}
			body := strings.TrimSpace(s[1:close])
			if body == "*" {
				out = append(out, selector{star: true})
			} else {
				n, err := strconv.Atoi(body)
				if err != nil {
					return nil, fmt.Errorf("bad index %q", body)
				}
				out = append(out, selector{index: n, isIndex: true})
			}
			s = s[close+1:]
		default:
			return nil, fmt.Errorf("unexpected character %q", s[0])
		}
	}
	return out, nil
}

// apply 依次套用选择器；[*] 把其余链映射到每个元素并压平一层
func apply(v any, sels []selector, expr string) (any, error) {
	for i, sel := range sels {
		v = normalize(v)
		switch {
		case sel.star:
			arr, ok := v.([]any)
			if !ok {
				return nil, fmt.Errorf("path: %q: [*] over non-array", expr)
			}
			out := make([]any, 0, len(arr))
			for _, item := range arr {
				got, err := apply(item, sels[i+1:], expr)
				if err != nil {
					return nil, err
				}
				if nested, ok := normalize(got).([]any); ok {
					out = append(out, nested...)
				} else {
					out = append(out, got)
				}
			}
			return out, nil
		case sel.isIndex:
			arr, ok := v.([]any)
			if !ok {
				return nil, fmt.Errorf("path: %q: index into non-array", expr)
			}
			idx := sel.index
			if idx < 0 {
				idx += len(arr)
			}
			if idx < 0 || idx >= len(arr) {
				return nil, fmt.Errorf("path: %q: index %d out of range (len %d)", expr, sel.index, len(arr))
			}
			v = arr[idx]
		default:
			m, ok := v.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("path: %q: field %q of non-object", expr, sel.field)
			}
			got, ok := m[sel.field]
			if !ok {
				return nil, fmt.Errorf("path: %q: field %q not found", expr, sel.field)
			}
			v = got
		}
	}
	return normalize(v), nil
}

// normalize 把 json.RawMessage 解包成普通值，使选择器对
// 已解码与未解码的数据一视同仁
func normalize(v any) any {
	if raw, ok := v.(json.RawMessage); ok {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return v
		}
		return decoded
	}
	return v
}
