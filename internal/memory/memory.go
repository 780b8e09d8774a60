package memory

import (
	"context"
	"time"

	"SolRounds/internal/trade"
)

// DefaultMaxRounds 是每个资产保留的历史轮次上限。
const DefaultMaxRounds = 50

// Entry 是一轮结束后为单个资产落盘的记录：该轮的概要、最终指令
// 与执行结果。记录按轮次只追加，超出上限时淘汰最旧的轮次。
type Entry struct {
	RoundID    uint64          `json:"round_id"`
	Asset      string          `json:"asset"`
	Synopsis   string          `json:"synopsis"`
	Directive  trade.Directive `json:"directive"`
	Result     *trade.Result   `json:"result,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// Store 定义轮次记忆的统一接口。History 按轮次从旧到新返回，
// 数量受存储的保留上限约束。
type Store interface {
	Append(ctx context.Context, entry Entry) error
	History(ctx context.Context, asset string, limit int) ([]Entry, error)
	Close() error
}

// Synopses 把历史记录折叠成提示词可用的概要文本列表。
func Synopses(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Synopsis != "" {
			out = append(out, entry.Synopsis)
		}
	}
	return out
}
