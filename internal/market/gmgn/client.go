package gmgn

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "SolRounds/internal/errors"
	"SolRounds/internal/market"
)

const defaultBaseURL = "https://gmgn.mobi"

// rankPeriods 按顺序尝试的榜单时间窗，短窗优先。
var rankPeriods = []string{"1h", "24h", "7d"}

// Client 调用 GMGN 行情接口获取 Solana 代币的价格信息。
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient 创建行情客户端。
func NewClient(baseURL string, timeout time.Duration) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type rankEntry struct {
	Address             string  `json:"address"`
	Price               float64 `json:"price"`
	MarketCap           float64 `json:"market_cap"`
	Volume              float64 `json:"volume"`
	PriceChangePercent  float64 `json:"price_change_percent"`
	PriceChangePercent5 float64 `json:"price_change_percent5m"`
}

type rankResponse struct {
	Data struct {
		Rank []rankEntry `json:"rank"`
	} `json:"data"`
}

type detailResponse struct {
	Data struct {
		Price          *float64 `json:"price"`
		MarketCap      *float64 `json:"market_cap"`
		Volume24h      *float64 `json:"volume_24h"`
		PriceChange24h *float64 `json:"price_change_24h"`
		PriceChange1h  *float64 `json:"price_change_1h"`
		PriceChange5m  *float64 `json:"price_change_5m"`
	} `json:"data"`
}

// TokenSnapshot 先在多时间窗的成交榜中查找代币，找不到时退回详情接口。
func (c *Client) TokenSnapshot(ctx context.Context, symbol, mint string) (*market.Snapshot, error) {
	mint = strings.TrimSpace(mint)
	if mint == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少代币 mint 地址")
	}

	for _, period := range rankPeriods {
		snapshot, found, err := c.lookupRank(ctx, symbol, mint, period)
		if err != nil {
			return nil, err
		}
		if found {
			return snapshot, nil
		}
	}
	return c.lookupDetail(ctx, symbol, mint)
}

func (c *Client) lookupRank(ctx context.Context, symbol, mint, period string) (*market.Snapshot, bool, error) {
	url := fmt.Sprintf("%s/defi/quotation/v1/rank/sol/swaps/%s?orderby=swaps&direction=desc&limit=100", c.baseURL, period)
	body, err := c.get(ctx, url)
	if err != nil {
		return nil, false, err
	}

	var decoded rankResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeUnknown, err, "解析行情榜单失败")
	}

	for _, entry := range decoded.Data.Rank {
		if entry.Address != mint {
			continue
		}
		return &market.Snapshot{
			Asset:     symbol,
			Mint:      mint,
			Price:     entry.Price,
			MarketCap: entry.MarketCap,
			Volume24h: entry.Volume,
			Change1h:  entry.PriceChangePercent,
			Change5m:  entry.PriceChangePercent5,
			FetchedAt: time.Now(),
		}, true, nil
	}
	return nil, false, nil
}

func (c *Client) lookupDetail(ctx context.Context, symbol, mint string) (*market.Snapshot, error) {
	url := fmt.Sprintf("%s/defi/quotation/v1/tokens/detail/sol/%s", c.baseURL, mint)
	body, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}

	var decoded detailResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "解析代币详情失败")
	}

	snapshot := &market.Snapshot{Asset: symbol, Mint: mint, FetchedAt: time.Now()}
	if decoded.Data.Price != nil {
		snapshot.Price = *decoded.Data.Price
	}
	if decoded.Data.MarketCap != nil {
		snapshot.MarketCap = *decoded.Data.MarketCap
	}
	if decoded.Data.Volume24h != nil {
		snapshot.Volume24h = *decoded.Data.Volume24h
	}
	if decoded.Data.PriceChange24h != nil {
		snapshot.Change24h = *decoded.Data.PriceChange24h
	}
	if decoded.Data.PriceChange1h != nil {
		snapshot.Change1h = *decoded.Data.PriceChange1h
	}
	if decoded.Data.PriceChange5m != nil {
		snapshot.Change5m = *decoded.Data.PriceChange5m
	}
	return snapshot, nil
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构建行情请求失败")
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "请求行情接口失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, xerrors.New(xerrors.CodeUnknown,
			fmt.Sprintf("行情接口返回状态 %d", resp.StatusCode))
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}
