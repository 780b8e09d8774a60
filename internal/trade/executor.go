package trade

import (
	"context"
	"log/slog"
	"sync"
	"time"

	xerrors "SolRounds/internal/errors"
	"SolRounds/pkg/logger"
)

// pendingTrade 记录一个占用中资产的在途交易。
type pendingTrade struct {
	directiveID string
	signature   string
}

// Executor 驱动单条指令走完 询价→构建→签名→提交→确认 的状态机。
// 同一资产同一时刻只允许一笔在途交易，占用中的资产会拒绝新指令。
type Executor struct {
	aggregator Aggregator
	signer     Signer
	relay      Relay
	confirmer  Confirmer
	balances   BalanceSource

	tipLamports    uint64
	submitRetries  int
	quoteTTL       time.Duration
	confirmTimeout time.Duration
	confirmPoll    time.Duration

	mu   sync.Mutex
	busy map[string]*pendingTrade

	now   func() time.Time
	log   *slog.Logger
	audit *slog.Logger
}

// ExecutorOption 定义可选的执行器配置。
type ExecutorOption func(*Executor)

// WithTipLamports 设置写入交易的构建者小费。
func WithTipLamports(lamports uint64) ExecutorOption {
	return func(e *Executor) { e.tipLamports = lamports }
}

// WithSubmitRetries 设置提交失败后的最大重试次数，每次重试重新询价。
func WithSubmitRetries(retries int) ExecutorOption {
	return func(e *Executor) {
		if retries >= 0 {
			e.submitRetries = retries
		}
	}
}

// WithQuoteTTL 设置报价的有效窗口。
func WithQuoteTTL(ttl time.Duration) ExecutorOption {
	return func(e *Executor) {
		if ttl > 0 {
			e.quoteTTL = ttl
		}
	}
}

// WithConfirmTimeout 设置等待链上确认的时间上限。
func WithConfirmTimeout(timeout time.Duration) ExecutorOption {
	return func(e *Executor) {
		if timeout > 0 {
			e.confirmTimeout = timeout
		}
	}
}

// WithConfirmPoll 设置确认轮询的间隔。
func WithConfirmPoll(interval time.Duration) ExecutorOption {
	return func(e *Executor) {
		if interval > 0 {
			e.confirmPoll = interval
		}
	}
}

// WithClock 替换时钟，仅用于测试。
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// NewExecutor 构造交易执行器。
func NewExecutor(aggregator Aggregator, signer Signer, relay Relay, confirmer Confirmer, balances BalanceSource, opts ...ExecutorOption) *Executor {
	e := &Executor{
		aggregator:     aggregator,
		signer:         signer,
		relay:          relay,
		confirmer:      confirmer,
		balances:       balances,
		tipLamports:    10_000,
		submitRetries:  2,
		quoteTTL:       30 * time.Second,
		confirmTimeout: 90 * time.Second,
		confirmPoll:    2 * time.Second,
		busy:           make(map[string]*pendingTrade),
		now:            time.Now,
		log:            logger.Named("trade_executor"),
		audit:          logger.Audit(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Busy 返回当前被在途交易占用的资产列表。
func (e *Executor) Busy() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	assets := make([]string, 0, len(e.busy))
	for asset := range e.busy {
		assets = append(assets, asset)
	}
	return assets
}

// ClearAsset 是运维操作：先做一次签名状态复查，若在途交易其实已经
// 落块则如实记入日志，随后无条件释放资产占用。
func (e *Executor) ClearAsset(ctx context.Context, asset string) error {
	e.mu.Lock()
	pending, ok := e.busy[asset]
	e.mu.Unlock()
	if !ok {
		return xerrors.New(xerrors.CodeInvalidArgument, "资产未被占用: "+asset)
	}

	if pending.signature != "" && e.confirmer != nil {
		finalized, err := e.confirmer.Finalized(ctx, pending.signature)
		if err != nil {
			e.log.Warn("清除前复查签名状态失败",
				slog.String("asset", asset),
				slog.String("signature", pending.signature),
				slog.Any("error", err),
			)
		} else if finalized {
			e.audit.Info("被清除的在途交易实际已确认",
				slog.String("asset", asset),
				slog.String("directive_id", pending.directiveID),
				slog.String("signature", pending.signature),
			)
		}
	}

	e.mu.Lock()
	delete(e.busy, asset)
	e.mu.Unlock()
	e.log.Info("已手动释放资产占用", slog.String("asset", asset))
	return nil
}

// Execute 执行一条指令并返回终态结果。占用中的资产直接拒绝，
// 返回 CodeAssetBusy 错误且不产生结果。
func (e *Executor) Execute(ctx context.Context, directive Directive) (*Result, error) {
	if directive.Action == ActionHold || directive.SizeFraction <= 0 {
		return e.finish(directive, StatusSkipped, "", 0, ""), nil
	}
	if directive.Mint == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "指令缺少 mint: "+directive.Asset)
	}

	e.mu.Lock()
	if _, occupied := e.busy[directive.Asset]; occupied {
		e.mu.Unlock()
		return nil, xerrors.New(xerrors.CodeAssetBusy, "资产已有在途交易: "+directive.Asset)
	}
	pending := &pendingTrade{directiveID: directive.ID}
	e.busy[directive.Asset] = pending
	e.mu.Unlock()

	result, stayBusy := e.run(ctx, directive, pending)
	if !stayBusy {
		e.mu.Lock()
		delete(e.busy, directive.Asset)
		e.mu.Unlock()
	}

	e.audit.Info("指令执行完成",
		slog.Uint64("round_id", directive.RoundID),
		slog.String("directive_id", directive.ID),
		slog.String("asset", directive.Asset),
		slog.String("action", string(directive.Action)),
		slog.String("status", string(result.Status)),
		slog.String("signature", result.TxSignature),
		slog.String("error_kind", result.ErrorKind),
	)
	return result, nil
}

// run 执行状态机主体。第二个返回值表示结束后资产是否保持占用
// （仅确认超时这一种情况）。
func (e *Executor) run(ctx context.Context, directive Directive, pending *pendingTrade) (*Result, bool) {
	pair, amount, err := e.resolveOrder(ctx, directive)
	if err != nil {
		return e.finish(directive, StatusSkipped, "", 0, string(xerrors.CodeOf(err))), false
	}

	var signed *SignedTx
	var realized float64
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return e.finish(directive, StatusSkipped, "", 0, string(xerrors.CodeTimeout)), false
		}

		route, err := e.aggregator.Quote(ctx, pair, amount, directive.MaxSlippageBps)
		if err != nil {
			if xerrors.RetryableError(err) && attempt < e.submitRetries {
				continue
			}
			return e.finish(directive, StatusFailed, "", 0, string(xerrors.CodeOf(err))), false
		}
		if route.TTL == 0 {
			route.TTL = e.quoteTTL
		}
		if route.InAmount > 0 {
			realized = float64(route.OutAmount) / float64(route.InAmount)
		}

		// 报价可能在排队或上一阶段耗时后过窗，过窗报价绝不拿去构建。
		if route.Expired(e.now()) {
			if attempt < e.submitRetries {
				continue
			}
			return e.finish(directive, StatusFailed, "", 0, string(xerrors.CodeStaleQuote)), false
		}

		unsigned, err := e.aggregator.Build(ctx, route, e.signer.PublicKey(), e.tipLamports)
		if err != nil {
			if xerrors.CodeOf(err) == xerrors.CodeSlippageExceeded {
				// 滑点超限说明行情已偏离判断依据，放弃本条指令。
				return e.finish(directive, StatusFailed, "", 0, string(xerrors.CodeSlippageExceeded)), false
			}
			if xerrors.RetryableError(err) && attempt < e.submitRetries {
				continue
			}
			return e.finish(directive, StatusFailed, "", 0, string(xerrors.CodeOf(err))), false
		}

		signed, err = e.signer.Sign(unsigned)
		if err != nil {
			// 签名失败不可重试，提交前失败不会产生链上副作用。
			return e.finish(directive, StatusFailed, "", 0, string(xerrors.CodeSignFailure)), false
		}

		if ctx.Err() != nil {
			return e.finish(directive, StatusSkipped, "", 0, string(xerrors.CodeTimeout)), false
		}

		if _, err = e.relay.SubmitBundle(ctx, signed); err != nil {
			if xerrors.RetryableError(err) && attempt < e.submitRetries {
				e.log.Warn("提交失败，重新询价后重试",
					slog.String("directive_id", directive.ID),
					slog.Int("attempt", attempt+1),
					slog.Any("error", err),
				)
				continue
			}
			return e.finish(directive, StatusFailed, "", 0, string(xerrors.CodeOf(err))), false
		}
		break
	}

	pending.signature = signed.Signature
	return e.awaitConfirmation(ctx, directive, signed.Signature, realized)
}

// awaitConfirmation 在限定时间内轮询签名状态。已提交的交易即使轮次
// 被取消也要等到确认或超时，因此轮询不随轮次上下文终止。超时不视为
// 失败落定：交易可能仍会落块，资产保持占用直到运维清除。
func (e *Executor) awaitConfirmation(ctx context.Context, directive Directive, signature string, realized float64) (*Result, bool) {
	confirmCtx := context.WithoutCancel(ctx)
	deadline := e.now().Add(e.confirmTimeout)
	ticker := time.NewTicker(e.confirmPoll)
	defer ticker.Stop()

	for {
		finalized, err := e.confirmer.Finalized(confirmCtx, signature)
		if err != nil {
			e.log.Warn("查询确认状态失败",
				slog.String("directive_id", directive.ID),
				slog.String("signature", signature),
				slog.Any("error", err),
			)
		} else if finalized {
			return e.finish(directive, StatusConfirmed, signature, realized, ""), false
		}

		if e.now().After(deadline) {
			return e.finish(directive, StatusFailed, signature, 0, string(xerrors.CodeUnconfirmed)), true
		}
		<-ticker.C
	}
}

// resolveOrder 把指令换算成兑换对与基础单位数量。
// 买入花费 wSOL 余额，卖出花费资产余额，数量按 size_fraction 截取。
func (e *Executor) resolveOrder(ctx context.Context, directive Directive) (Pair, uint64, error) {
	var pair Pair
	var spendMint string
	switch directive.Action {
	case ActionBuy:
		pair = Pair{InputMint: WrappedSOLMint, OutputMint: directive.Mint}
		spendMint = WrappedSOLMint
	case ActionSell:
		pair = Pair{InputMint: directive.Mint, OutputMint: WrappedSOLMint}
		spendMint = directive.Mint
	default:
		return Pair{}, 0, xerrors.New(xerrors.CodeInvalidArgument, "不可执行的指令方向: "+string(directive.Action))
	}

	balance, err := e.balances.Balance(ctx, e.signer.PublicKey(), spendMint)
	if err != nil {
		return Pair{}, 0, err
	}
	amount := uint64(float64(balance) * directive.SizeFraction)
	if amount == 0 {
		return Pair{}, 0, xerrors.New(xerrors.CodeInvalidArgument, "可用余额不足: "+directive.Asset)
	}
	return pair, amount, nil
}

func (e *Executor) finish(directive Directive, status Status, signature string, realized float64, errorKind string) *Result {
	return &Result{
		DirectiveID:   directive.ID,
		RoundID:       directive.RoundID,
		Asset:         directive.Asset,
		Status:        status,
		TxSignature:   signature,
		RealizedPrice: realized,
		ErrorKind:     errorKind,
		CompletedAt:   e.now(),
	}
}
