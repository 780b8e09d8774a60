package jupiter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "SolRounds/internal/errors"
	"SolRounds/internal/trade"
)

const defaultBaseURL = "https://quote-api.jup.ag"

// Client 对接 Jupiter 聚合器的 v6 报价与交易构建接口。
type Client struct {
	baseURL    string
	quoteTTL   time.Duration
	httpClient *http.Client
}

// Option 定义可选的客户端配置。
type Option func(*Client)

// WithBaseURL 覆盖聚合器地址，用于测试或自建镜像。
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// WithQuoteTTL 设置报价在本地视角下的有效窗口。
func WithQuoteTTL(ttl time.Duration) Option {
	return func(c *Client) {
		if ttl > 0 {
			c.quoteTTL = ttl
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

// NewClient 构造 Jupiter 客户端。
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		quoteTTL:   30 * time.Second,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// quoteResponse 只解出路由判断所需字段，完整报价以 Raw 保留。
type quoteResponse struct {
	InAmount       string          `json:"inAmount"`
	OutAmount      string          `json:"outAmount"`
	PriceImpactPct string          `json:"priceImpactPct"`
	RoutePlan      json.RawMessage `json:"routePlan"`
	Error          string          `json:"error"`
}

// Quote 获取 pair 的兑换报价。找不到可用路由时返回 CodeNoRoute。
func (c *Client) Quote(ctx context.Context, pair trade.Pair, amount uint64, slippageBps int) (*trade.Route, error) {
	endpoint := fmt.Sprintf("%s/v6/quote?inputMint=%s&outputMint=%s&amount=%d&slippageBps=%d",
		c.baseURL, pair.InputMint, pair.OutputMint, amount, slippageBps)

	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var parsed quoteResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNoRoute, err, "报价响应解析失败")
	}
	if parsed.Error != "" || len(parsed.RoutePlan) == 0 || string(parsed.RoutePlan) == "null" {
		return nil, xerrors.New(xerrors.CodeNoRoute,
			fmt.Sprintf("无可用兑换路由: %s -> %s", pair.InputMint, pair.OutputMint))
	}

	inAmount, _ := strconv.ParseUint(parsed.InAmount, 10, 64)
	outAmount, _ := strconv.ParseUint(parsed.OutAmount, 10, 64)
	impact, _ := strconv.ParseFloat(parsed.PriceImpactPct, 64)

	return &trade.Route{
		Pair:           pair,
		InAmount:       inAmount,
		OutAmount:      outAmount,
		PriceImpactPct: impact,
		Raw:            json.RawMessage(body),
		FetchedAt:      time.Now(),
		TTL:            c.quoteTTL,
	}, nil
}

// swapRequest 是交易构建请求体。小费以 jitoTipLamports 形式写入交易。
type swapRequest struct {
	QuoteResponse     json.RawMessage `json:"quoteResponse"`
	UserPublicKey     string          `json:"userPublicKey"`
	WrapAndUnwrapSol  bool            `json:"wrapAndUnwrapSol"`
	PrioritizationFee struct {
		JitoTipLamports uint64 `json:"jitoTipLamports"`
	} `json:"prioritizationFeeLamports"`
}

type swapResponse struct {
	SwapTransaction string `json:"swapTransaction"`
	Error           string `json:"error"`
}

// Build 基于报价构建未签名交易。
func (c *Client) Build(ctx context.Context, route *trade.Route, userPublicKey string, tipLamports uint64) (*trade.UnsignedTx, error) {
	payload := swapRequest{
		QuoteResponse:    route.Raw,
		UserPublicKey:    userPublicKey,
		WrapAndUnwrapSol: true,
	}
	payload.PrioritizationFee.JitoTipLamports = tipLamports

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构建请求序列化失败")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v6/swap", bytes.NewReader(encoded))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "创建构建请求失败")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStaleQuote, err, "构建请求发送失败")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStaleQuote, err, "读取构建响应失败")
	}

	var parsed swapResponse
	_ = json.Unmarshal(body, &parsed)
	if resp.StatusCode != http.StatusOK || parsed.Error != "" {
		return nil, classifyBuildFailure(resp.StatusCode, parsed.Error, body)
	}

	raw, err := base64.StdEncoding.DecodeString(parsed.SwapTransaction)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStaleQuote, err, "交易载荷解码失败")
	}
	return &trade.UnsignedTx{Payload: raw}, nil
}

// classifyBuildFailure 区分滑点超限与报价失效：前者不可重试，
// 后者允许带新报价重试。
func classifyBuildFailure(status int, errMsg string, body []byte) error {
	text := strings.ToLower(errMsg)
	if text == "" {
		text = strings.ToLower(string(body))
	}
	if strings.Contains(text, "slippage") {
		return xerrors.New(xerrors.CodeSlippageExceeded,
			fmt.Sprintf("聚合器拒绝构建: %s", errMsg))
	}
	return xerrors.New(xerrors.CodeStaleQuote,
		fmt.Sprintf("交易构建失败, 状态码 %d", status))
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "创建报价请求失败")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNoRoute, err, "报价请求发送失败")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNoRoute, err, "读取报价响应失败")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, xerrors.New(xerrors.CodeNoRoute,
			fmt.Sprintf("报价接口返回状态码 %d", resp.StatusCode))
	}
	return body, nil
}
