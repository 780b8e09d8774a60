package agent

import (
	"fmt"
	"strings"

	"SolRounds/internal/market"
)

// rolePreambles 给出各角色的最小系统提示词。提示词正文刻意保持短小，
// 完整的人设与措辞属于外部素材，不在本仓库内维护。
var rolePreambles = map[Role]string{
	RoleTechnical:   "You are a technical analyst for crypto markets. Judge short-term direction from price action.",
	RoleFundamental: "You are a fundamental analyst for crypto markets. Judge direction from market structure and flows.",
	RoleSentiment:   "You are a market sentiment analyst. Judge direction from crowd mood and momentum.",
	RoleSynopsis:    "You summarise a trading round into a short, neutral synopsis suitable for a social post.",
	RoleExtractor:   "You extract token symbols mentioned in analysis text.",
}

const responseContract = `Respond with a compact JSON object only: ` +
	`{"direction": "buy"|"sell"|"neutral", "confidence": number between 0 and 1, ` +
	`"summary": string, "mentions": [string]}.`

// buildPrompt 为一次角色调用组装用户提示词。
func buildPrompt(role Role, asset Asset, snapshot *market.Snapshot, history []string) string {
	var builder strings.Builder

	builder.WriteString(fmt.Sprintf("## Asset\n%s (%s)\n", asset.Symbol, asset.Name))
	if asset.Mint != "" {
		builder.WriteString(fmt.Sprintf("Mint: %s\n", asset.Mint))
	}

	if snapshot != nil {
		builder.WriteString("\n## Market data\n")
		builder.WriteString(fmt.Sprintf("price=%.8f market_cap=%.0f volume_24h=%.0f\n",
			snapshot.Price, snapshot.MarketCap, snapshot.Volume24h))
		builder.WriteString(fmt.Sprintf("change_5m=%.2f%% change_1h=%.2f%% change_24h=%.2f%%\n",
			snapshot.Change5m, snapshot.Change1h, snapshot.Change24h))
	}

	if len(history) > 0 {
		builder.WriteString("\n## Recent rounds\n")
		for idx, entry := range history {
			builder.WriteString(fmt.Sprintf("[%d] %s\n", idx+1, truncate(entry, 160)))
			if idx >= 4 {
				break
			}
		}
	}

	builder.WriteString("\n")
	builder.WriteString(responseContract)
	return builder.String()
}

func truncate(text string, limit int) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}
