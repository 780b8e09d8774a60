package trade

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	xerrors "SolRounds/internal/errors"
)

type fakeAggregator struct {
	quoteCalls atomic.Int32
	buildCalls atomic.Int32
	quoteErr   error
	buildErr   error
	ttl        time.Duration
}

func (f *fakeAggregator) Quote(ctx context.Context, pair Pair, amount uint64, slippageBps int) (*Route, error) {
	f.quoteCalls.Add(1)
	if f.quoteErr != nil {
		return nil, f.quoteErr
	}
	ttl := f.ttl
	if ttl == 0 {
		ttl = time.Minute
	}
	return &Route{
		Pair:      pair,
		InAmount:  amount,
		OutAmount: amount * 2,
		Raw:       json.RawMessage(`{}`),
		FetchedAt: time.Now(),
		TTL:       ttl,
	}, nil
}

func (f *fakeAggregator) Build(ctx context.Context, route *Route, userPublicKey string, tipLamports uint64) (*UnsignedTx, error) {
	f.buildCalls.Add(1)
	if f.buildErr != nil {
		return nil, f.buildErr
	}
	return &UnsignedTx{Payload: []byte("unsigned")}, nil
}

type fakeSigner struct {
	err error
}

func (f *fakeSigner) PublicKey() string { return "owner-pubkey" }

func (f *fakeSigner) Sign(tx *UnsignedTx) (*SignedTx, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &SignedTx{Payload: []byte("signed"), Signature: "sig-1"}, nil
}

type fakeRelay struct {
	submitCalls atomic.Int32
	failFirst   int32
}

func (f *fakeRelay) SubmitBundle(ctx context.Context, tx *SignedTx) (string, error) {
	call := f.submitCalls.Add(1)
	if call <= f.failFirst {
		return "", xerrors.New(xerrors.CodeRelayFailure, "中继暂时不可用")
	}
	return "bundle-1", nil
}

type fakeConfirmer struct {
	finalized atomic.Bool
}

func (f *fakeConfirmer) Finalized(ctx context.Context, signature string) (bool, error) {
	return f.finalized.Load(), nil
}

type fakeBalances struct {
	balance uint64
}

func (f *fakeBalances) Balance(ctx context.Context, owner, mint string) (uint64, error) {
	return f.balance, nil
}

func newTestExecutor(agg *fakeAggregator, signer *fakeSigner, relay *fakeRelay, confirmer *fakeConfirmer, balances *fakeBalances) *Executor {
	return NewExecutor(agg, signer, relay, confirmer, balances,
		WithSubmitRetries(2),
		WithConfirmTimeout(50*time.Millisecond),
		WithConfirmPoll(5*time.Millisecond),
	)
}

func buyDirective() Directive {
	return Directive{
		ID:             "dir-1",
		RoundID:        1,
		Asset:          "ZOEY",
		Mint:           "Mint111",
		Action:         ActionBuy,
		SizeFraction:   0.25,
		MaxSlippageBps: 4000,
	}
}

func TestExecutorSkipsHold(t *testing.T) {
	agg := &fakeAggregator{}
	executor := newTestExecutor(agg, &fakeSigner{}, &fakeRelay{}, &fakeConfirmer{}, &fakeBalances{balance: 1000})

	directive := buyDirective()
	directive.Action = ActionHold
	directive.SizeFraction = 0

	result, err := executor.Execute(context.Background(), directive)
	if err != nil {
		t.Fatalf("Hold 指令不应报错: %v", err)
	}
	if result.Status != StatusSkipped {
		t.Fatalf("Hold 指令应 Skipped, 得到 %s", result.Status)
	}
	if agg.quoteCalls.Load() != 0 {
		t.Fatalf("Hold 指令不应询价")
	}
}

func TestExecutorConfirmedFlow(t *testing.T) {
	agg := &fakeAggregator{}
	relay := &fakeRelay{}
	confirmer := &fakeConfirmer{}
	confirmer.finalized.Store(true)
	executor := newTestExecutor(agg, &fakeSigner{}, relay, confirmer, &fakeBalances{balance: 1_000_000})

	result, err := executor.Execute(context.Background(), buyDirective())
	if err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	if result.Status != StatusConfirmed {
		t.Fatalf("期望 Confirmed, 得到 %s (%s)", result.Status, result.ErrorKind)
	}
	if result.TxSignature != "sig-1" {
		t.Fatalf("结果应带交易签名: %+v", result)
	}
	if len(executor.Busy()) != 0 {
		t.Fatalf("确认后资产应被释放: %v", executor.Busy())
	}
}

func TestExecutorSlippageIsFatal(t *testing.T) {
	agg := &fakeAggregator{buildErr: xerrors.New(xerrors.CodeSlippageExceeded, "滑点超限")}
	relay := &fakeRelay{}
	executor := newTestExecutor(agg, &fakeSigner{}, relay, &fakeConfirmer{}, &fakeBalances{balance: 1_000_000})

	result, err := executor.Execute(context.Background(), buyDirective())
	if err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	if result.Status != StatusFailed || result.ErrorKind != string(xerrors.CodeSlippageExceeded) {
		t.Fatalf("滑点超限应直接 Failed: %+v", result)
	}
	if relay.submitCalls.Load() != 0 {
		t.Fatalf("滑点超限不应提交")
	}
	if agg.quoteCalls.Load() != 1 {
		t.Fatalf("滑点超限不应带新报价重试: %d 次询价", agg.quoteCalls.Load())
	}
	if len(executor.Busy()) != 0 {
		t.Fatalf("失败落定后资产应被释放")
	}
}

func TestExecutorRetriesSubmitWithFreshQuote(t *testing.T) {
	agg := &fakeAggregator{}
	relay := &fakeRelay{failFirst: 1}
	confirmer := &fakeConfirmer{}
	confirmer.finalized.Store(true)
	executor := newTestExecutor(agg, &fakeSigner{}, relay, confirmer, &fakeBalances{balance: 1_000_000})

	result, err := executor.Execute(context.Background(), buyDirective())
	if err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	if result.Status != StatusConfirmed {
		t.Fatalf("重试后应确认: %+v", result)
	}
	if relay.submitCalls.Load() != 2 {
		t.Fatalf("应重试提交一次: %d", relay.submitCalls.Load())
	}
	if agg.quoteCalls.Load() != 2 {
		t.Fatalf("每次重试应重新询价: %d 次询价", agg.quoteCalls.Load())
	}
}

func TestExecutorUnconfirmedKeepsAssetBusy(t *testing.T) {
	agg := &fakeAggregator{}
	confirmer := &fakeConfirmer{}
	executor := newTestExecutor(agg, &fakeSigner{}, &fakeRelay{}, confirmer, &fakeBalances{balance: 1_000_000})
	ctx := context.Background()

	result, err := executor.Execute(ctx, buyDirective())
	if err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	if result.Status != StatusFailed || result.ErrorKind != string(xerrors.CodeUnconfirmed) {
		t.Fatalf("确认超时应记为 UNCONFIRMED: %+v", result)
	}
	if len(executor.Busy()) != 1 {
		t.Fatalf("确认超时后资产应保持占用: %v", executor.Busy())
	}

	second := buyDirective()
	second.ID = "dir-2"
	if _, err := executor.Execute(ctx, second); xerrors.CodeOf(err) != xerrors.CodeAssetBusy {
		t.Fatalf("占用中的资产应拒绝新指令, 得到 %v", err)
	}

	if err := executor.ClearAsset(ctx, "ZOEY"); err != nil {
		t.Fatalf("清除资产占用失败: %v", err)
	}
	if len(executor.Busy()) != 0 {
		t.Fatalf("清除后资产应被释放")
	}

	confirmer.finalized.Store(true)
	third := buyDirective()
	third.ID = "dir-3"
	if result, err := executor.Execute(ctx, third); err != nil || result.Status != StatusConfirmed {
		t.Fatalf("清除后应允许新指令: %+v %v", result, err)
	}
}

func TestExecutorClearUnknownAsset(t *testing.T) {
	executor := newTestExecutor(&fakeAggregator{}, &fakeSigner{}, &fakeRelay{}, &fakeConfirmer{}, &fakeBalances{})
	if err := executor.ClearAsset(context.Background(), "WIF"); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("清除未占用资产应报错, 得到 %v", err)
	}
}

func TestExecutorZeroBalanceSkips(t *testing.T) {
	executor := newTestExecutor(&fakeAggregator{}, &fakeSigner{}, &fakeRelay{}, &fakeConfirmer{}, &fakeBalances{balance: 0})

	result, err := executor.Execute(context.Background(), buyDirective())
	if err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	if result.Status != StatusSkipped || result.ErrorKind != string(xerrors.CodeInvalidArgument) {
		t.Fatalf("余额为零应 Skipped: %+v", result)
	}
}

func TestExecutorSignFailureIsFatal(t *testing.T) {
	relay := &fakeRelay{}
	executor := newTestExecutor(&fakeAggregator{}, &fakeSigner{err: xerrors.New(xerrors.CodeSignFailure, "签名失败")}, relay, &fakeConfirmer{}, &fakeBalances{balance: 1_000_000})

	result, err := executor.Execute(context.Background(), buyDirective())
	if err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	if result.Status != StatusFailed || result.ErrorKind != string(xerrors.CodeSignFailure) {
		t.Fatalf("签名失败应直接 Failed: %+v", result)
	}
	if relay.submitCalls.Load() != 0 {
		t.Fatalf("签名失败不应提交")
	}
}
