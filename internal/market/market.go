package market

import (
	"context"
	"time"
)

// Snapshot 汇总单个资产在某一时刻的行情信息，用于构建分析角色的提示词。
type Snapshot struct {
	Asset     string
	Mint      string
	Price     float64
	MarketCap float64
	Volume24h float64
	Change5m  float64
	Change1h  float64
	Change24h float64
	FetchedAt time.Time
}

// Provider 定义了行情数据来源的统一接口。
type Provider interface {
	TokenSnapshot(ctx context.Context, symbol, mint string) (*Snapshot, error)
}
