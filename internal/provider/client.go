package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	xerrors "vector-llm/internal/errors"
	"vector-llm/pkg/logger"
)

const defaultTimeout = 60 * time.Second

// Client 通过 HTTP 调用查找表中的 provider，并把各家响应
// 归一化为纯文本。
type Client struct {
	registry   *Registry
	httpClient *http.Client
	lookupEnv  func(string) string
	audit      *slog.Logger
}

// ClientOption 定义可选配置。
type ClientOption func(*Client)

// WithHTTPClient 替换底层 HTTP 客户端，主要用于测试。
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithEnvLookup 替换凭证读取函数，主要用于测试。
func WithEnvLookup(lookup func(string) string) ClientOption {
	return func(c *Client) {
		if lookup != nil {
			c.lookupEnv = lookup
		}
	}
}

// NewClient 创建 provider 调用客户端。
func NewClient(registry *Registry, timeout time.Duration, opts ...ClientOption) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		registry:   registry,
		httpClient: &http.Client{Timeout: timeout},
		lookupEnv:  os.Getenv,
		audit:      logger.Audit(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Invoke 向指定 provider 发送单轮 prompt 并返回归一化文本。
// 凭证缺失与上游错误会返回统一错误；响应体解析失败不报错，
// 退化为空字符串。
func (c *Client) Invoke(ctx context.Context, prompt string, id ID) (string, error) {
	def, ok := c.registry.Lookup(id)
	if !ok {
		return "", xerrors.New(xerrors.CodeValidation, fmt.Sprintf("未知的 provider: %s", id))
	}

	apiKey := c.credential(def)
	if apiKey == "" {
		return "", xerrors.New(xerrors.CodeCredentialMissing,
			fmt.Sprintf("调用 %s 需要设置 %s", def.ID, strings.Join(def.CredentialEnvs, " 或 ")),
			xerrors.WithMetadata("provider", string(def.ID)))
	}

	c.audit.Info("llm dispatch",
		slog.String("provider", string(def.ID)),
		slog.String("endpoint", def.Endpoint),
		slog.String("model", def.Model),
		slog.Int("prompt_len", len(prompt)),
		slog.String("prompt_preview", previewText(prompt)),
		slog.String("api_key", redactKey(apiKey)),
	)

	payload, err := buildPayload(def, prompt)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "序列化 provider 请求失败")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, def.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "构建 provider 请求失败")
	}
	req.Header.Set("Content-Type", "application/json")
	switch def.Auth {
	case AuthAPIKeyHeader:
		req.Header.Set("x-api-key", apiKey)
	default:
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	for key, value := range def.Headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeUpstreamFailure, err,
			fmt.Sprintf("请求 %s 失败", def.ID),
			xerrors.WithMetadata("provider", string(def.ID)))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", xerrors.New(xerrors.CodeUpstreamFailure,
			fmt.Sprintf("%s 返回错误状态 %d: %s", def.ID, resp.StatusCode, strings.TrimSpace(string(body))),
			xerrors.WithMetadata("provider", string(def.ID)))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeUpstreamFailure, err,
			fmt.Sprintf("读取 %s 响应失败", def.ID),
			xerrors.WithMetadata("provider", string(def.ID)))
	}

	content := ExtractText(def.Parse, body)
	c.audit.Info("llm response",
		slog.String("provider", string(def.ID)),
		slog.Int("status_code", resp.StatusCode),
		slog.Int("content_len", len(content)),
		slog.String("content_preview", previewText(content)),
	)
	return content, nil
}

// credential 按主名优先的顺序读取凭证环境变量。
func (c *Client) credential(def Definition) string {
	for _, key := range def.CredentialEnvs {
		if value := strings.TrimSpace(c.lookupEnv(key)); value != "" {
			return value
		}
	}
	return ""
}

func buildPayload(def Definition, prompt string) ([]byte, error) {
	body := map[string]any{
		"model": def.Model,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}
	if def.MaxTokens > 0 {
		body["max_tokens"] = def.MaxTokens
	}
	return json.Marshal(body)
}

// previewText 压缩空白并截断到 240 字符，用于日志。
func previewText(value string) string {
	cleaned := strings.Join(strings.Fields(value), " ")
	const limit = 240
	if len([]rune(cleaned)) <= limit {
		return cleaned
	}
	return string([]rune(cleaned)[:limit]) + "..."
}

// redactKey 只保留凭证首尾各 4 个字符。
func redactKey(value string) string {
	if len(value) <= 8 {
		return "****"
	}
	return value[:4] + "..." + value[len(value)-4:]
}
