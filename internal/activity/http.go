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

package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"

	"actor-platform/pkg/config"
	pkgerrors "actor-platform/pkg/errors"
)

// NewHTTPHandler 将一个 HTTP 端点包装成 activity Handler。
// 输入 JSON 作为请求体（GET 除外），响应体作为结果原样返回。
// 5xx 与网络错误标记为瞬时，4xx 视为业务失败。
func NewHTTPHandler(client *resty.Client, binding config.HTTPActivityBinding) Handler {
	method := strings.ToUpper(binding.Method)
	if method == "" {
		method = http.MethodPost
	}
	return func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		req := client.R().SetContext(ctx)
		for k, v := range binding.Headers {
			req.SetHeader(k, v)
		}
		if method != http.MethodGet && len(input) > 0 {
			req.SetHeader("Content-Type", "application/json").SetBody([]byte(input))
		}

		resp, err := req.Execute(method, binding.URL)
		if err != nil {
			return nil, pkgerrors.Transient(fmt.Errorf("activity: http call %s: %w", binding.URL, err))
		}
		if resp.StatusCode() >= 500 {
			return nil, pkgerrors.Transient(fmt.Errorf("activity: http call %s: status %d", binding.URL, resp.StatusCode()))
		}
		if resp.StatusCode() >= 400 {
			return nil, fmt.Errorf("activity: http call %s: status %d: %s", binding.URL, resp.StatusCode(), resp.String())
		}
		body := resp.Body()
		if len(body) == 0 {
			return json.RawMessage(`null`), nil
		}
		if !json.Valid(body) {
			// 非 JSON 响应包一层，结果必须是合法 JSON 才能进日志
			wrapped, _ := json.Marshal(string(body))
			return wrapped, nil
		}
		return json.RawMessage(body), nil
	}
}

// RegisterHTTPBindings 按配置批量注册声明式 HTTP activity
func RegisterHTTPBindings(r *Registry, client *resty.Client, bindings map[string]config.HTTPActivityBinding) {
	for name, binding := range bindings {
		r.Register(name, NewHTTPHandler(client, binding))
	}
}

// LimitsFromConfig 把配置里的限流表转成执行器限流配置
func LimitsFromConfig(cfg map[string]config.ActivityRateLimit) map[string]RateLimit {
	if len(cfg) == 0 {
		return nil
	}
	out := make(map[string]RateLimit, len(cfg))
	for name, rl := range cfg {
		out[name] = RateLimit{QPS: rl.QPS, Burst: rl.Burst, MaxConcurrent: rl.MaxConcurrent}
	}
	return out
}
