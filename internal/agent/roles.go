package agent

import (
	"encoding/json"
	"strings"
	"time"
)

// Role 表示一个分析角色。
type Role string

const (
	RoleTechnical   Role = "technical"
	RoleFundamental Role = "fundamental"
	RoleSentiment   Role = "sentiment"
	RoleSynopsis    Role = "synopsis"
	RoleExtractor   Role = "extractor"
)

// AllRoles 按固定顺序列出全部分析角色。
var AllRoles = []Role{RoleTechnical, RoleFundamental, RoleSentiment, RoleSynopsis, RoleExtractor}

// Directional 返回角色是否参与方向性投票。
// Synopsis 与 Extractor 只提供文本依据，不参与投票。
func (r Role) Directional() bool {
	switch r {
	case RoleTechnical, RoleFundamental, RoleSentiment:
		return true
	default:
		return false
	}
}

// Direction 表示一个方向性判断。
type Direction string

const (
	DirectionBuy     Direction = "buy"
	DirectionSell    Direction = "sell"
	DirectionNeutral Direction = "neutral"
)

// Asset 描述一个被跟踪的资产。
type Asset struct {
	Symbol string
	Name   string
	Mint   string
}

// Signal 是某个角色对某个资产在某一轮产出的结构化信号。
// 信号一经产出即只读，每个 (role, asset, round) 至多存在一条。
type Signal struct {
	ID         string    `json:"id"`
	RoundID    uint64    `json:"round_id"`
	Role       Role      `json:"role"`
	Asset      string    `json:"asset"`
	Provider   string    `json:"provider"`
	Model      string    `json:"model"`
	Direction  Direction `json:"direction"`
	Confidence float64   `json:"confidence"`
	Summary    string    `json:"summary"`
	Mentions   []string  `json:"mentions,omitempty"`
	ProducedAt time.Time `json:"produced_at"`
}

// DegradedRole 记录某一轮中未能产出信号的角色。
type DegradedRole struct {
	Role      Role
	Asset     string
	ErrorCode string
	Err       error
}

// signalPayload 是大模型按约定返回的结构化内容。
type signalPayload struct {
	Direction  string   `json:"direction"`
	Confidence float64  `json:"confidence"`
	Summary    string   `json:"summary"`
	Mentions   []string `json:"mentions"`
}

// parsePayload 解析大模型输出。模型偶尔会把 JSON 包在 markdown
// 代码块里或夹带说明文字，这里做宽松解析；完全解析失败时退化为
// 中性方向、零置信度的纯文本摘要。
func parsePayload(content string) signalPayload {
	trimmed := strings.TrimSpace(content)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var payload signalPayload
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		if start := strings.Index(trimmed, "{"); start >= 0 {
			if end := strings.LastIndex(trimmed, "}"); end > start {
				_ = json.Unmarshal([]byte(trimmed[start:end+1]), &payload)
			}
		}
	}

	if payload.Summary == "" {
		payload.Summary = trimmed
	}
	switch strings.ToLower(strings.TrimSpace(payload.Direction)) {
	case "buy", "long", "bullish":
		payload.Direction = string(DirectionBuy)
	case "sell", "short", "bearish":
		payload.Direction = string(DirectionSell)
	default:
		payload.Direction = string(DirectionNeutral)
	}
	if payload.Confidence < 0 {
		payload.Confidence = 0
	}
	if payload.Confidence > 1 {
		payload.Confidence = 1
	}
	return payload
}
