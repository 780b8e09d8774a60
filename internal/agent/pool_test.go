package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	xerrors "SolRounds/internal/errors"
	"SolRounds/internal/llm"
	"SolRounds/internal/llm/router"
)

type scriptedInvoker struct {
	mu       sync.Mutex
	calls    map[string]int
	response func(role string, attempt int) (*llm.Response, error)
}

func newScriptedInvoker(response func(role string, attempt int) (*llm.Response, error)) *scriptedInvoker {
	return &scriptedInvoker{calls: make(map[string]int), response: response}
}

func (s *scriptedInvoker) Invoke(ctx context.Context, role string, req llm.Request) (*llm.Response, router.Route, error) {
	s.mu.Lock()
	attempt := s.calls[role]
	s.calls[role]++
	s.mu.Unlock()

	resp, err := s.response(role, attempt)
	if err != nil {
		return nil, router.Route{}, err
	}
	return resp, router.Route{Provider: "openai", Model: "gpt-4o-mini"}, nil
}

func (s *scriptedInvoker) callsFor(role string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[role]
}

var poolAsset = Asset{Symbol: "ZOEY", Name: "Zoey", Mint: "Mint111"}

func goodPayload(role string) *llm.Response {
	return &llm.Response{Content: `{"direction":"buy","confidence":0.8,"summary":"looks strong for ` + role + `"}`}
}

func TestAnalyzeProducesOneSignalPerRole(t *testing.T) {
	invoker := newScriptedInvoker(func(role string, attempt int) (*llm.Response, error) {
		return goodPayload(role), nil
	})
	pool := NewPool(invoker, WithTimeout(time.Second))

	signals, degraded := pool.Analyze(context.Background(), 1, []Asset{poolAsset}, nil, nil)
	if len(degraded) != 0 {
		t.Fatalf("不应有降级角色: %v", degraded)
	}
	if len(signals) != len(AllRoles) {
		t.Fatalf("每个角色应有一条信号, 得到 %d", len(signals))
	}

	byRole := make(map[Role]Signal)
	for _, signal := range signals {
		byRole[signal.Role] = signal
	}
	for _, role := range AllRoles {
		signal, ok := byRole[role]
		if !ok {
			t.Fatalf("缺少角色 %s 的信号", role)
		}
		if signal.RoundID != 1 || signal.Asset != "ZOEY" || signal.ID == "" {
			t.Fatalf("信号元数据错误: %+v", signal)
		}
		if role.Directional() {
			if signal.Direction != DirectionBuy {
				t.Fatalf("方向性角色应保留方向: %+v", signal)
			}
		} else if signal.Direction != DirectionNeutral {
			t.Fatalf("非方向性角色应归中性: %+v", signal)
		}
	}
}

func TestAnalyzeRecordsDegradedRole(t *testing.T) {
	invoker := newScriptedInvoker(func(role string, attempt int) (*llm.Response, error) {
		if role == string(RoleSentiment) {
			return nil, xerrors.New(xerrors.CodeProviderAuth, "鉴权失败")
		}
		return goodPayload(role), nil
	})
	pool := NewPool(invoker, WithTimeout(time.Second), WithRetryBackoff(time.Millisecond))

	signals, degraded := pool.Analyze(context.Background(), 2, []Asset{poolAsset}, nil, nil)
	if len(signals) != len(AllRoles)-1 {
		t.Fatalf("失败角色外应全部产出信号, 得到 %d", len(signals))
	}
	if len(degraded) != 1 {
		t.Fatalf("应记录一条降级: %v", degraded)
	}
	if degraded[0].Role != RoleSentiment || degraded[0].ErrorCode != string(xerrors.CodeProviderAuth) {
		t.Fatalf("降级信息错误: %+v", degraded[0])
	}
	if invoker.callsFor(string(RoleSentiment)) != 1 {
		t.Fatalf("不可重试错误不应重试: %d 次调用", invoker.callsFor(string(RoleSentiment)))
	}
}

func TestAnalyzeRetriesTransientFailure(t *testing.T) {
	invoker := newScriptedInvoker(func(role string, attempt int) (*llm.Response, error) {
		if role == string(RoleTechnical) && attempt == 0 {
			return nil, xerrors.New(xerrors.CodeProviderRateLimited, "限流")
		}
		return goodPayload(role), nil
	})
	pool := NewPool(invoker, WithTimeout(time.Second), WithRetryBackoff(time.Millisecond), WithMaxRetries(2))

	signals, degraded := pool.Analyze(context.Background(), 3, []Asset{poolAsset}, nil, nil)
	if len(degraded) != 0 {
		t.Fatalf("瞬时失败重试后不应降级: %v", degraded)
	}
	if len(signals) != len(AllRoles) {
		t.Fatalf("重试后应全部产出, 得到 %d", len(signals))
	}
	if invoker.callsFor(string(RoleTechnical)) != 2 {
		t.Fatalf("应重试一次: %d 次调用", invoker.callsFor(string(RoleTechnical)))
	}
}

func TestAnalyzeRejectsDuplicateSignals(t *testing.T) {
	invoker := newScriptedInvoker(func(role string, attempt int) (*llm.Response, error) {
		return goodPayload(role), nil
	})
	pool := NewPool(invoker, WithTimeout(time.Second))

	// 同一符号出现两次时，第二份信号应作为重复被拒绝。
	signals, _ := pool.Analyze(context.Background(), 4, []Asset{poolAsset, poolAsset}, nil, nil)
	if len(signals) != len(AllRoles) {
		t.Fatalf("重复的 (role, asset) 信号应被拒绝, 得到 %d", len(signals))
	}
}

func TestParsePayloadLenient(t *testing.T) {
	cases := []struct {
		name      string
		content   string
		direction Direction
	}{
		{"纯 JSON", `{"direction":"sell","confidence":0.6,"summary":"weak"}`, DirectionSell},
		{"markdown 包裹", "```json\n{\"direction\":\"buy\",\"confidence\":0.9,\"summary\":\"strong\"}\n```", DirectionBuy},
		{"夹带说明", `Here is my analysis: {"direction":"bullish","confidence":0.7,"summary":"up"} hope it helps`, DirectionBuy},
		{"完全失败", `no json at all`, DirectionNeutral},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload := parsePayload(tc.content)
			if Direction(payload.Direction) != tc.direction {
				t.Fatalf("方向解析错误: 期望 %s, 得到 %s", tc.direction, payload.Direction)
			}
			if payload.Summary == "" {
				t.Fatalf("摘要不应为空")
			}
		})
	}
}

func TestParsePayloadClampsConfidence(t *testing.T) {
	payload := parsePayload(`{"direction":"buy","confidence":3.5,"summary":"x"}`)
	if payload.Confidence != 1 {
		t.Fatalf("置信度应截断到 1, 得到 %f", payload.Confidence)
	}
	payload = parsePayload(`{"direction":"buy","confidence":-1,"summary":"x"}`)
	if payload.Confidence != 0 {
		t.Fatalf("置信度应截断到 0, 得到 %f", payload.Confidence)
	}
}
