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

package trigger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"actor-platform/pkg/log"
)

// SignatureHeader HMAC 签名头，格式 sha256=<hex>
const SignatureHeader = "X-Signature-256"

// WebhookConfig webhook 适配器配置
type WebhookConfig struct {
	// Addr 监听地址，如 ":8090"
	Addr string
	// Path 接收路径，缺省 /webhook
	Path string
	// EventType 产生事件的类型名，缺省 "webhook"
	EventType string
	// Secret HMAC-SHA256 密钥；空则跳过签名校验
	Secret string
	// BearerToken 可选 Authorization: Bearer 校验
	BearerToken string
}

// Webhook HTTP 入站触发器。请求体原样作为事件载荷，
// 签名与鉴权头随事件保存，Verify 时比对
type Webhook struct {
	name   string
	cfg    WebhookConfig
	logger *log.Logger
	srv    *server.Hertz
}

// NewWebhook 创建 webhook 适配器
func NewWebhook(name string, cfg WebhookConfig, logger *log.Logger) *Webhook {
	if cfg.Path == "" {
		cfg.Path = "/webhook"
	}
	if cfg.EventType == "" {
		cfg.EventType = "webhook"
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Webhook{name: name, cfg: cfg, logger: logger.Component("webhook")}
}

// Name 适配器名
func (w *Webhook) Name() string { return w.name }

// Start 启动 HTTP 监听
func (w *Webhook) Start(ctx context.Context, emit EmitFunc) error {
	h := server.Default(server.WithHostPorts(w.cfg.Addr))
	h.POST(w.cfg.Path, w.handlerFor(emit))
	w.srv = h
	go func() {
		if err := h.Run(); err != nil {
			w.logger.Error("webhook server stopped", "adapter", w.name, "error", err)
		}
	}()
	return nil
}

// Stop 优雅关闭监听
func (w *Webhook) Stop(ctx context.Context) error {
	if w.srv == nil {
		return nil
	}
	return w.srv.Shutdown(ctx)
}

// handlerFor 入站请求处理：载荷必须是 JSON，事件同步上交。
// 校验不在这里做：是否强制由绑定的 RequireVerification 决定
func (w *Webhook) handlerFor(emit EmitFunc) app.HandlerFunc {
	return func(ctx context.Context, rc *app.RequestContext) {
		body := rc.Request.Body()
		if len(body) > 0 && !json.Valid(body) {
			rc.JSON(consts.StatusBadRequest, map[string]string{"error": "payload must be JSON"})
			return
		}
		ev := Event{
			Adapter: w.name,
			Type:    w.cfg.EventType,
			Payload: append(json.RawMessage(nil), body...),
			Headers: map[string]string{
				SignatureHeader: string(rc.GetHeader(SignatureHeader)),
				"Authorization": string(rc.GetHeader("Authorization")),
			},
			Timestamp: time.Now(),
		}
		emit(ctx, ev)
		rc.JSON(consts.StatusAccepted, map[string]string{"status": "accepted"})
	}
}

// Verify 校验 bearer token 与请求体的 HMAC-SHA256 签名
func (w *Webhook) Verify(ctx context.Context, ev Event) Verification {
	if w.cfg.BearerToken != "" {
		auth := ev.Headers["Authorization"]
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || !subtleEqual(token, w.cfg.BearerToken) {
			return Verification{Valid: false, Reason: "bad bearer token"}
		}
	}
	if w.cfg.Secret != "" {
		sig, ok := strings.CutPrefix(ev.Headers[SignatureHeader], "sha256=")
		if !ok {
			return Verification{Valid: false, Reason: "missing signature"}
		}
		want := SignPayload(w.cfg.Secret, ev.Payload)
		if !hmac.Equal([]byte(sig), []byte(want)) {
			return Verification{Valid: false, Reason: "signature mismatch"}
		}
	}
	return Verification{Valid: true}
}

// SignPayload 计算载荷的 HMAC-SHA256 十六进制签名；发送方用它构造
// X-Signature-256: sha256=<hex>
func SignPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// subtleEqual 常数时间字符串比较
func subtleEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
