package jito

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "SolRounds/internal/errors"
	"SolRounds/internal/trade"
)

const defaultBaseURL = "https://mainnet.block-engine.jito.wtf"

// Client 对接区块构建者中继的捆绑包提交接口。交易以捆绑包形式
// 直达构建者，不经过公共内存池。
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option 定义可选的客户端配置。
type Option func(*Client)

// WithBaseURL 覆盖中继地址。
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// WithHTTPClient 覆盖底层 HTTP 客户端。
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// NewClient 构造中继客户端。
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// SubmitBundle 把已签名交易打包成单笔捆绑包提交，返回捆绑包 ID。
// 中继侧失败可重试，由调用方决定是否带新报价重来。
func (c *Client) SubmitBundle(ctx context.Context, tx *trade.SignedTx) (string, error) {
	payload := rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "sendBundle",
		Params: []interface{}{
			[]string{base64.StdEncoding.EncodeToString(tx.Payload)},
			map[string]string{"encoding": "base64"},
		},
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "捆绑包请求序列化失败")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/bundles", bytes.NewReader(encoded))
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "创建捆绑包请求失败")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeRelayFailure, err, "捆绑包提交失败")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeRelayFailure, err, "读取中继响应失败")
	}
	if resp.StatusCode != http.StatusOK {
		return "", xerrors.New(xerrors.CodeRelayFailure,
			fmt.Sprintf("中继返回状态码 %d", resp.StatusCode))
	}

	var parsed rpcResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", xerrors.Wrap(xerrors.CodeRelayFailure, err, "中继响应解析失败")
	}
	if parsed.Error != nil {
		return "", xerrors.New(xerrors.CodeRelayFailure,
			fmt.Sprintf("中继拒绝捆绑包: %s", parsed.Error.Message))
	}

	var bundleID string
	if err := json.Unmarshal(parsed.Result, &bundleID); err != nil {
		return "", xerrors.Wrap(xerrors.CodeRelayFailure, err, "捆绑包 ID 解析失败")
	}
	return bundleID, nil
}
