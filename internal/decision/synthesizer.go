package decision

import (
	"sort"

	"github.com/google/uuid"

	"SolRounds/internal/agent"
	"SolRounds/internal/trade"
)

// WeightFunc 给出单条信号在投票中的权重。默认实现为等权，
// 置信度直接作为票值累加。
type WeightFunc func(signal agent.Signal) float64

// EqualWeight 是默认权重函数：所有方向性角色等权。
func EqualWeight(agent.Signal) float64 { return 1 }

// Config 控制合成器的风控参数。
type Config struct {
	// MaxSizeFraction 是单条指令允许动用的余额比例上限。
	MaxSizeFraction float64
	// MaxSlippageBps 写入指令，由执行器在询价时使用。
	MaxSlippageBps int
	// Weight 可替换权重函数，为 nil 时使用 EqualWeight。
	Weight WeightFunc
}

// Synthesizer 把一轮内某个资产的全部信号折叠成唯一一条交易指令。
// 合成是纯函数：不触网、不读存储，相同输入必然得到相同指令。
type Synthesizer struct {
	maxSizeFraction float64
	maxSlippageBps  int
	weight          WeightFunc
}

// NewSynthesizer 构造合成器。
func NewSynthesizer(cfg Config) *Synthesizer {
	s := &Synthesizer{
		maxSizeFraction: cfg.MaxSizeFraction,
		maxSlippageBps:  cfg.MaxSlippageBps,
		weight:          cfg.Weight,
	}
	if s.maxSizeFraction <= 0 || s.maxSizeFraction > 1 {
		s.maxSizeFraction = 0.25
	}
	if s.maxSlippageBps <= 0 {
		s.maxSlippageBps = 4000
	}
	if s.weight == nil {
		s.weight = EqualWeight
	}
	return s
}

// Synthesize 对单个资产的信号集合产出一条指令。
// 规则：
//   - 技术面与基本面信号全部缺席时只能 Hold，仓位为零；
//   - 方向性角色按 权重×置信度 投票，买卖得票持平时 Hold；
//   - 仓位比例随获胜方向的净票数单调增长，且不超过配置上限。
//
// 全部信号的 ID 都会写入 rationale_refs，包括不投票的角色。
func (s *Synthesizer) Synthesize(roundID uint64, asset agent.Asset, signals []agent.Signal) trade.Directive {
	ordered := make([]agent.Signal, 0, len(signals))
	for _, signal := range signals {
		if signal.Asset == asset.Symbol {
			ordered = append(ordered, signal)
		}
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Role != ordered[j].Role {
			return ordered[i].Role < ordered[j].Role
		}
		return ordered[i].ID < ordered[j].ID
	})

	refs := make([]string, 0, len(ordered))
	var (
		buyVotes  float64
		sellVotes float64
		totalVote float64
		hasCore   bool
	)
	for _, signal := range ordered {
		refs = append(refs, signal.ID)
		if !signal.Role.Directional() {
			continue
		}
		if signal.Role == agent.RoleTechnical || signal.Role == agent.RoleFundamental {
			hasCore = true
		}
		vote := s.weight(signal) * signal.Confidence
		totalVote += s.weight(signal)
		switch signal.Direction {
		case agent.DirectionBuy:
			buyVotes += vote
		case agent.DirectionSell:
			sellVotes += vote
		}
	}

	directive := trade.Directive{
		ID:             uuid.NewString(),
		RoundID:        roundID,
		Asset:          asset.Symbol,
		Mint:           asset.Mint,
		Action:         trade.ActionHold,
		MaxSlippageBps: s.maxSlippageBps,
		RationaleRefs:  refs,
	}

	if !hasCore || totalVote == 0 {
		return directive
	}

	switch {
	case buyVotes > sellVotes:
		directive.Action = trade.ActionBuy
		directive.SizeFraction = s.sizeFor(buyVotes-sellVotes, totalVote)
	case sellVotes > buyVotes:
		directive.Action = trade.ActionSell
		directive.SizeFraction = s.sizeFor(sellVotes-buyVotes, totalVote)
	}
	return directive
}

// sizeFor 把净票数映射为仓位比例：净优势占总票权的比例乘以上限，
// 优势越大仓位越大，上限恒为 maxSizeFraction。
func (s *Synthesizer) sizeFor(margin, totalVote float64) float64 {
	fraction := margin / totalVote * s.maxSizeFraction
	if fraction > s.maxSizeFraction {
		fraction = s.maxSizeFraction
	}
	if fraction < 0 {
		fraction = 0
	}
	return fraction
}
