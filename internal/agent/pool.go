package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	xerrors "SolRounds/internal/errors"
	"SolRounds/internal/llm"
	"SolRounds/internal/llm/router"
	"SolRounds/internal/market"
	"SolRounds/pkg/logger"
)

// Invoker 定义了池所需的路由能力，由 internal/llm/router 提供。
type Invoker interface {
	Invoke(ctx context.Context, role string, req llm.Request) (*llm.Response, router.Route, error)
}

// Pool 并发驱动全部分析角色。每次角色调用独立运行：单独超时、
// 至多 maxRetries 次固定退避重试；慢角色或失败角色不会阻塞其他角色。
type Pool struct {
	invoker       Invoker
	timeout       time.Duration
	maxRetries    uint64
	retryBackoff  time.Duration
	maxConcurrent int
	log           *slog.Logger
}

// Option 定义可选的 Pool 配置。
type Option func(*Pool)

// WithTimeout 设置单次角色调用的超时时间。
func WithTimeout(timeout time.Duration) Option {
	return func(p *Pool) {
		if timeout > 0 {
			p.timeout = timeout
		}
	}
}

// WithMaxRetries 设置单次角色调用的最大重试次数。
func WithMaxRetries(retries int) Option {
	return func(p *Pool) {
		if retries >= 0 {
			p.maxRetries = uint64(retries)
		}
	}
}

// WithRetryBackoff 设置重试之间的固定间隔。
func WithRetryBackoff(interval time.Duration) Option {
	return func(p *Pool) {
		if interval > 0 {
			p.retryBackoff = interval
		}
	}
}

// WithMaxConcurrent 设置同时进行的角色调用上限，用于尊重外部限流。
func WithMaxConcurrent(limit int) Option {
	return func(p *Pool) {
		if limit > 0 {
			p.maxConcurrent = limit
		}
	}
}

// NewPool 构造分析角色池。
func NewPool(invoker Invoker, opts ...Option) *Pool {
	p := &Pool{
		invoker:       invoker,
		timeout:       5 * time.Minute,
		maxRetries:    2,
		retryBackoff:  5 * time.Second,
		maxConcurrent: 4,
		log:           logger.Named("agent_pool"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Analyze 对每个 (资产 × 角色) 组合并发产出信号。部分失败是预期内的：
// 失败的组合以 DegradedRole 记录返回，调用方基于非空信号子集继续。
// 同一 (role, asset) 的重复信号会被拒绝，保证每轮至多一条。
func (p *Pool) Analyze(ctx context.Context, roundID uint64, assets []Asset, snapshots map[string]*market.Snapshot, history map[string][]string) ([]Signal, []DegradedRole) {
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		signals  []Signal
		degraded []DegradedRole
		seen     = make(map[string]struct{})
	)
	sem := make(chan struct{}, p.maxConcurrent)

	for _, asset := range assets {
		for _, role := range AllRoles {
			wg.Add(1)
			go func(asset Asset, role Role) {
				defer wg.Done()
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-ctx.Done():
					mu.Lock()
					degraded = append(degraded, DegradedRole{
						Role:      role,
						Asset:     asset.Symbol,
						ErrorCode: string(xerrors.CodeTimeout),
						Err:       ctx.Err(),
					})
					mu.Unlock()
					return
				}

				signal, err := p.invokeRole(ctx, roundID, role, asset, snapshots[asset.Symbol], history[asset.Symbol])
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					degraded = append(degraded, DegradedRole{
						Role:      role,
						Asset:     asset.Symbol,
						ErrorCode: string(xerrors.CodeOf(err)),
						Err:       err,
					})
					return
				}
				key := asset.Symbol + "/" + string(role)
				if _, dup := seen[key]; dup {
					p.log.Warn("拒绝重复信号",
						slog.Uint64("round_id", roundID),
						slog.String("asset", asset.Symbol),
						slog.String("role", string(role)),
					)
					return
				}
				seen[key] = struct{}{}
				signals = append(signals, *signal)
			}(asset, role)
		}
	}

	wg.Wait()
	return signals, degraded
}

// invokeRole 执行一次带重试的角色调用。
func (p *Pool) invokeRole(ctx context.Context, roundID uint64, role Role, asset Asset, snapshot *market.Snapshot, history []string) (*Signal, error) {
	req := llm.Request{
		System: rolePreambles[role],
		Prompt: buildPrompt(role, asset, snapshot, history),
	}

	var (
		resp  *llm.Response
		route router.Route
	)
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.retryBackoff), p.maxRetries),
		ctx,
	)
	err := backoff.Retry(func() error {
		callCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()

		var invokeErr error
		resp, route, invokeErr = p.invoker.Invoke(callCtx, string(role), req)
		if invokeErr == nil {
			return nil
		}
		if retryableForPool(invokeErr) {
			return invokeErr
		}
		return backoff.Permanent(invokeErr)
	}, policy)
	if err != nil {
		return nil, err
	}

	payload := parsePayload(resp.Content)
	signal := &Signal{
		ID:         uuid.NewString(),
		RoundID:    roundID,
		Role:       role,
		Asset:      asset.Symbol,
		Provider:   route.Provider,
		Model:      route.Model,
		Direction:  Direction(payload.Direction),
		Confidence: payload.Confidence,
		Summary:    payload.Summary,
		Mentions:   payload.Mentions,
		ProducedAt: time.Now(),
	}
	if !role.Directional() {
		// 非方向性角色只贡献文本依据，方向一律归中性。
		signal.Direction = DirectionNeutral
	}
	return signal, nil
}

// retryableForPool 判断错误是否值得在池层面重试。回退链耗尽通常由
// 限流等瞬时原因导致，因此也纳入重试。
func retryableForPool(err error) bool {
	if xerrors.RetryableError(err) {
		return true
	}
	return xerrors.CodeOf(err) == xerrors.CodeRoleUnavailable
}
