package trade

import (
	"context"
	"encoding/json"
	"time"
)

// WrappedSOLMint 是 Solana 上 wSOL 的 mint 地址，买卖均以它作为计价货币。
const WrappedSOLMint = "So11111111111111111111111111111111111111112"

// Action 表示交易指令的方向。
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
)

// Directive 是合成器对某个资产在某一轮给出的唯一交易指令。
type Directive struct {
	ID             string   `json:"id"`
	RoundID        uint64   `json:"round_id"`
	Asset          string   `json:"asset"`
	Mint           string   `json:"mint"`
	Action         Action   `json:"action"`
	SizeFraction   float64  `json:"size_fraction"`
	MaxSlippageBps int      `json:"max_slippage_bps"`
	RationaleRefs  []string `json:"rationale_refs"`
}

// Status 表示执行结果的状态。
type Status string

const (
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Result 记录一条指令的执行结果。终态一经写入不再变更。
type Result struct {
	DirectiveID   string    `json:"directive_id"`
	RoundID       uint64    `json:"round_id"`
	Asset         string    `json:"asset"`
	Status        Status    `json:"status"`
	TxSignature   string    `json:"tx_signature,omitempty"`
	RealizedPrice float64   `json:"realized_price,omitempty"`
	ErrorKind     string    `json:"error_kind,omitempty"`
	CompletedAt   time.Time `json:"completed_at"`
}

// Terminal 返回结果是否已进入终态。
func (r *Result) Terminal() bool {
	switch r.Status {
	case StatusConfirmed, StatusFailed, StatusSkipped:
		return true
	default:
		return false
	}
}

// Pair 表示一次兑换的输入/输出 mint 对。
type Pair struct {
	InputMint  string
	OutputMint string
}

// Route 是聚合器返回的一条报价路由。Raw 保留聚合器的原始报价，
// 构建交易时原样回传。
type Route struct {
	Pair           Pair
	InAmount       uint64
	OutAmount      uint64
	PriceImpactPct float64
	Raw            json.RawMessage
	FetchedAt      time.Time
	TTL            time.Duration
}

// Expired 判断报价的有效窗口是否已过。
func (r *Route) Expired(now time.Time) bool {
	if r == nil {
		return true
	}
	return now.After(r.FetchedAt.Add(r.TTL))
}

// UnsignedTx 是聚合器构建出的未签名交易（已序列化）。
type UnsignedTx struct {
	Payload []byte
}

// SignedTx 是本地签名后的交易。
type SignedTx struct {
	Payload   []byte
	Signature string
}

// Aggregator 抽象了兑换聚合器：询价与构建未签名交易。
// tipLamports 会作为构建者小费写入交易。
type Aggregator interface {
	Quote(ctx context.Context, pair Pair, amount uint64, slippageBps int) (*Route, error)
	Build(ctx context.Context, route *Route, userPublicKey string, tipLamports uint64) (*UnsignedTx, error)
}

// Signer 抽象本地签名。
type Signer interface {
	PublicKey() string
	Sign(tx *UnsignedTx) (*SignedTx, error)
}

// Relay 抽象区块构建者中继：以捆绑包形式提交已签名交易，
// 绕开公共内存池以降低被抢跑的风险。
type Relay interface {
	SubmitBundle(ctx context.Context, tx *SignedTx) (string, error)
}

// Confirmer 抽象链上确认查询。
type Confirmer interface {
	Finalized(ctx context.Context, signature string) (bool, error)
}

// BalanceSource 抽象余额查询，用于把 size_fraction 换算成基础单位数量。
type BalanceSource interface {
	Balance(ctx context.Context, owner, mint string) (uint64, error)
}
