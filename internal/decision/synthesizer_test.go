package decision

import (
	"math/rand"
	"testing"

	"SolRounds/internal/agent"
	"SolRounds/internal/trade"
)

var testAsset = agent.Asset{Symbol: "ZOEY", Name: "Zoey", Mint: "Mint111"}

func signal(id string, role agent.Role, direction agent.Direction, confidence float64) agent.Signal {
	return agent.Signal{
		ID:         id,
		Role:       role,
		Asset:      "ZOEY",
		Direction:  direction,
		Confidence: confidence,
	}
}

func TestSynthesizeBuyMajority(t *testing.T) {
	synth := NewSynthesizer(Config{MaxSizeFraction: 0.25})
	signals := []agent.Signal{
		signal("s1", agent.RoleTechnical, agent.DirectionBuy, 0.8),
		signal("s2", agent.RoleFundamental, agent.DirectionBuy, 0.6),
		signal("s3", agent.RoleSentiment, agent.DirectionBuy, 0.7),
	}

	directive := synth.Synthesize(7, testAsset, signals)
	if directive.Action != trade.ActionBuy {
		t.Fatalf("期望 buy, 得到 %s", directive.Action)
	}
	if directive.SizeFraction <= 0 || directive.SizeFraction > 0.25 {
		t.Fatalf("仓位比例越界: %f", directive.SizeFraction)
	}
	if len(directive.RationaleRefs) != 3 {
		t.Fatalf("rationale_refs 数量错误: %d", len(directive.RationaleRefs))
	}
	if directive.RoundID != 7 || directive.Asset != "ZOEY" || directive.Mint != "Mint111" {
		t.Fatalf("指令元数据错误: %+v", directive)
	}
}

func TestSynthesizeHoldWithoutCoreRoles(t *testing.T) {
	synth := NewSynthesizer(Config{})
	signals := []agent.Signal{
		signal("s1", agent.RoleSentiment, agent.DirectionBuy, 0.9),
		signal("s2", agent.RoleSynopsis, agent.DirectionNeutral, 0.5),
	}

	directive := synth.Synthesize(1, testAsset, signals)
	if directive.Action != trade.ActionHold {
		t.Fatalf("技术面与基本面缺席时应 Hold, 得到 %s", directive.Action)
	}
	if directive.SizeFraction != 0 {
		t.Fatalf("Hold 指令仓位应为零: %f", directive.SizeFraction)
	}
}

func TestSynthesizeTieIsHold(t *testing.T) {
	synth := NewSynthesizer(Config{})
	signals := []agent.Signal{
		signal("s1", agent.RoleTechnical, agent.DirectionBuy, 0.5),
		signal("s2", agent.RoleFundamental, agent.DirectionSell, 0.5),
	}

	directive := synth.Synthesize(1, testAsset, signals)
	if directive.Action != trade.ActionHold {
		t.Fatalf("买卖持平应 Hold, 得到 %s", directive.Action)
	}
}

func TestSynthesizeIncludesNonVotingRefs(t *testing.T) {
	synth := NewSynthesizer(Config{})
	signals := []agent.Signal{
		signal("s1", agent.RoleTechnical, agent.DirectionSell, 0.9),
		signal("s2", agent.RoleSynopsis, agent.DirectionNeutral, 0),
		signal("s3", agent.RoleExtractor, agent.DirectionNeutral, 0),
	}

	directive := synth.Synthesize(1, testAsset, signals)
	if directive.Action != trade.ActionSell {
		t.Fatalf("期望 sell, 得到 %s", directive.Action)
	}
	if len(directive.RationaleRefs) != 3 {
		t.Fatalf("不投票的角色也应计入 rationale_refs, 得到 %d 条", len(directive.RationaleRefs))
	}
}

func TestSynthesizeIgnoresOtherAssets(t *testing.T) {
	synth := NewSynthesizer(Config{})
	other := signal("sx", agent.RoleTechnical, agent.DirectionBuy, 1)
	other.Asset = "OTHER"
	signals := []agent.Signal{
		other,
		signal("s1", agent.RoleTechnical, agent.DirectionSell, 0.6),
	}

	directive := synth.Synthesize(1, testAsset, signals)
	if directive.Action != trade.ActionSell {
		t.Fatalf("其他资产的信号不应参与投票, 得到 %s", directive.Action)
	}
	if len(directive.RationaleRefs) != 1 {
		t.Fatalf("rationale_refs 不应包含其他资产: %v", directive.RationaleRefs)
	}
}

func TestSynthesizeDeterministic(t *testing.T) {
	synth := NewSynthesizer(Config{MaxSizeFraction: 0.3})
	signals := []agent.Signal{
		signal("s1", agent.RoleTechnical, agent.DirectionBuy, 0.8),
		signal("s2", agent.RoleFundamental, agent.DirectionSell, 0.4),
		signal("s3", agent.RoleSentiment, agent.DirectionBuy, 0.6),
		signal("s4", agent.RoleSynopsis, agent.DirectionNeutral, 0),
		signal("s5", agent.RoleExtractor, agent.DirectionNeutral, 0),
	}

	base := synth.Synthesize(3, testAsset, signals)
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 50; i++ {
		shuffled := append([]agent.Signal(nil), signals...)
		rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})
		got := synth.Synthesize(3, testAsset, shuffled)
		if got.Action != base.Action || got.SizeFraction != base.SizeFraction {
			t.Fatalf("相同输入的不同顺序产生了不同指令: %+v vs %+v", got, base)
		}
		if len(got.RationaleRefs) != len(base.RationaleRefs) {
			t.Fatalf("rationale_refs 长度不稳定")
		}
		for idx := range got.RationaleRefs {
			if got.RationaleRefs[idx] != base.RationaleRefs[idx] {
				t.Fatalf("rationale_refs 顺序不稳定: %v vs %v", got.RationaleRefs, base.RationaleRefs)
			}
		}
	}
}

func TestSynthesizeSizeGrowsWithMargin(t *testing.T) {
	synth := NewSynthesizer(Config{MaxSizeFraction: 0.25})
	weak := synth.Synthesize(1, testAsset, []agent.Signal{
		signal("s1", agent.RoleTechnical, agent.DirectionBuy, 0.3),
		signal("s2", agent.RoleFundamental, agent.DirectionSell, 0.2),
	})
	strong := synth.Synthesize(1, testAsset, []agent.Signal{
		signal("s1", agent.RoleTechnical, agent.DirectionBuy, 1.0),
		signal("s2", agent.RoleFundamental, agent.DirectionBuy, 1.0),
	})

	if weak.SizeFraction >= strong.SizeFraction {
		t.Fatalf("净优势更大时仓位应更大: weak=%f strong=%f", weak.SizeFraction, strong.SizeFraction)
	}
	if strong.SizeFraction > 0.25 {
		t.Fatalf("仓位不得超过上限: %f", strong.SizeFraction)
	}
}
