package openai

import (
	"bytes"
	"context"
	stdErrors "errors"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	xerrors "SolRounds/internal/errors"
	"SolRounds/internal/llm"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultTimeout = 60 * time.Second
)

// Config 描述了调用 OpenAI 兼容 Chat Completions API 所需的信息。
// DeepSeek、Mistral、OpenRouter 等 provider 共用该协议，仅 BaseURL 不同。
type Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// Client 通过 HTTP 调用 OpenAI 兼容的大模型能力。
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewClient 根据配置创建客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeProviderAuth, "未提供 API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Complete 调用 chat/completions 接口并返回原始文本。
func (c *Client) Complete(ctx context.Context, model string, req llm.Request) (*llm.Response, error) {
	payload, err := c.buildPayload(model, req)
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderInvalid, err, "构建请求失败")
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, classifyStatus(resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderServer, err, "解析响应失败")
	}
	if len(decoded.Choices) == 0 {
		return nil, xerrors.New(xerrors.CodeProviderServer, "响应中没有有效的 choices")
	}

	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return nil, xerrors.New(xerrors.CodeProviderServer, "响应内容为空")
	}

	return &llm.Response{Content: content}, nil
}

func (c *Client) buildPayload(model string, req llm.Request) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	messages := make([]message, 0, 2)
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, message{Role: "system", Content: req.System})
	}
	messages = append(messages, message{Role: "user", Content: req.Prompt})

	temperature := req.Temperature
	if temperature <= 0 {
		temperature = 0.7
	}

	body := map[string]any{
		"model":       model,
		"messages":    messages,
		"temperature": temperature,
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderInvalid, err, "序列化请求失败")
	}
	return encoded, nil
}

// classifyStatus 把 HTTP 状态码映射为统一错误码，路由层据此决定回退。
func classifyStatus(status int, body string) error {
	msg := fmt.Sprintf("provider 返回状态 %d: %s", status, body)
	switch {
	case status == http.StatusTooManyRequests:
		return xerrors.New(xerrors.CodeProviderRateLimited, msg)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return xerrors.New(xerrors.CodeProviderAuth, msg)
	case status >= http.StatusInternalServerError:
		return xerrors.New(xerrors.CodeProviderServer, msg)
	default:
		return xerrors.New(xerrors.CodeProviderInvalid, msg)
	}
}

// classifyTransportError 把网络层失败映射为统一错误码。
func classifyTransportError(err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeProviderTimeout, err, "provider 调用超时")
	}
	var netErr net.Error
	if stdErrors.As(err, &netErr) && netErr.Timeout() {
		return xerrors.Wrap(xerrors.CodeProviderTimeout, err, "provider 调用超时")
	}
	return xerrors.Wrap(xerrors.CodeProviderServer, err, "请求 provider 失败")
}
