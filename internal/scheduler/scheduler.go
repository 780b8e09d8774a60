package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"SolRounds/internal/agent"
	xerrors "SolRounds/internal/errors"
	"SolRounds/internal/market"
	"SolRounds/internal/memory"
	"SolRounds/internal/observability/alerting"
	"SolRounds/internal/observability/metrics"
	"SolRounds/internal/social"
	"SolRounds/internal/trade"
	"SolRounds/pkg/logger"
)

// Analyzer 是调度器所需的分析能力，由 internal/agent 提供。
type Analyzer interface {
	Analyze(ctx context.Context, roundID uint64, assets []agent.Asset, snapshots map[string]*market.Snapshot, history map[string][]string) ([]agent.Signal, []agent.DegradedRole)
}

// Synthesizer 是调度器所需的合成能力，由 internal/decision 提供。
type Synthesizer interface {
	Synthesize(roundID uint64, asset agent.Asset, signals []agent.Signal) trade.Directive
}

// Executor 是调度器所需的执行能力，由 internal/trade 提供。
// 为 nil 时表示交易执行被禁用，指令只记录不执行。
type Executor interface {
	Execute(ctx context.Context, directive trade.Directive) (*trade.Result, error)
}

// SocialSink 是调度器所需的社交投递能力。
type SocialSink interface {
	Enqueue(ctx context.Context, action social.Action) error
}

// Scheduler 驱动轮次循环：到点开启一轮，依次走完行情、分析、合成、
// 执行、发布、记忆六个阶段。同一时刻至多一轮在进行，轮次之间串行。
type Scheduler struct {
	provider market.Provider
	analyzer Analyzer
	synth    Synthesizer
	executor Executor
	socials  SocialSink
	store    memory.Store
	alerts   alerting.Dispatcher

	interval     time.Duration
	historyLimit int

	mu        sync.Mutex
	assets    []agent.Asset
	state     State
	roundID   uint64
	lastRound *RoundSummary
	cancel    context.CancelFunc
	trigger   chan struct{}

	now   func() time.Time
	log   *slog.Logger
	audit *slog.Logger
}

// SchedulerOption 定义可选的调度器配置。
type SchedulerOption func(*Scheduler)

// WithInterval 设置两轮之间的间隔。
func WithInterval(interval time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithHistoryLimit 设置注入提示词的历史轮次数量。
func WithHistoryLimit(limit int) SchedulerOption {
	return func(s *Scheduler) {
		if limit > 0 {
			s.historyLimit = limit
		}
	}
}

// WithExecutor 启用交易执行。
func WithExecutor(executor Executor) SchedulerOption {
	return func(s *Scheduler) { s.executor = executor }
}

// WithSocialSink 启用社交发布。
func WithSocialSink(sink SocialSink) SchedulerOption {
	return func(s *Scheduler) { s.socials = sink }
}

// WithAlerts 设置告警分发器。
func WithAlerts(alerts alerting.Dispatcher) SchedulerOption {
	return func(s *Scheduler) { s.alerts = alerts }
}

// WithSchedulerClock 替换时钟，仅用于测试。
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// NewScheduler 构造轮次调度器。
func NewScheduler(provider market.Provider, analyzer Analyzer, synth Synthesizer, store memory.Store, assets []agent.Asset, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		provider:     provider,
		analyzer:     analyzer,
		synth:        synth,
		store:        store,
		assets:       append([]agent.Asset(nil), assets...),
		interval:     30 * time.Minute,
		historyLimit: 5,
		state:        StateIdle,
		trigger:      make(chan struct{}, 1),
		now:          time.Now,
		log:          logger.Named("scheduler"),
		audit:        logger.Audit(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Run 启动轮次循环：立即执行第一轮，之后按间隔或手动触发执行。
// 阻塞直到 ctx 取消。
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.runRound(ctx)
		if ctx.Err() != nil {
			s.setState(StateIdle)
			return ctx.Err()
		}
		s.setState(StateCooling)

		select {
		case <-ctx.Done():
			s.setState(StateIdle)
			return ctx.Err()
		case <-ticker.C:
		case <-s.trigger:
			ticker.Reset(s.interval)
		}
	}
}

// TriggerNow 请求立即开始新一轮。已有轮次在进行时返回错误。
func (s *Scheduler) TriggerNow() error {
	s.mu.Lock()
	running := s.state == StateRunning
	s.mu.Unlock()
	if running {
		return xerrors.New(xerrors.CodeInvalidArgument, "当前已有轮次在进行")
	}
	select {
	case s.trigger <- struct{}{}:
		return nil
	default:
		return nil
	}
}

// CancelRound 取消正在进行的轮次。各阶段之间是协作式取消点，
// 未提交的执行会以 Skipped 收尾，已提交的会等待确认。
func (s *Scheduler) CancelRound() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning || s.cancel == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "没有进行中的轮次")
	}
	s.cancel()
	return nil
}

// State 返回当前状态。
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastRound 返回最近完成一轮的汇总。
func (s *Scheduler) LastRound() *RoundSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRound
}

// Assets 返回当前跟踪的资产列表。
func (s *Scheduler) Assets() []agent.Asset {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]agent.Asset(nil), s.assets...)
}

// AddAsset 把资产加入跟踪列表，下一轮生效。
func (s *Scheduler) AddAsset(asset agent.Asset) error {
	if asset.Symbol == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "资产缺少符号")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.assets {
		if existing.Symbol == asset.Symbol {
			return xerrors.New(xerrors.CodeInvalidArgument, "资产已在跟踪列表: "+asset.Symbol)
		}
	}
	s.assets = append(s.assets, asset)
	return nil
}

// RemoveAsset 把资产移出跟踪列表，下一轮生效。历史记录保留。
func (s *Scheduler) RemoveAsset(symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx, existing := range s.assets {
		if existing.Symbol == symbol {
			s.assets = append(s.assets[:idx], s.assets[idx+1:]...)
			return nil
		}
	}
	return xerrors.New(xerrors.CodeInvalidArgument, "资产不在跟踪列表: "+symbol)
}

// runRound 执行完整的一轮。任何单阶段失败都不终止整轮：
// 行情缺失降级为无数据提示词，执行失败按资产记录，记忆写入失败
// 告警后继续。
func (s *Scheduler) runRound(parent context.Context) {
	s.mu.Lock()
	s.roundID++
	roundID := s.roundID
	assets := append([]agent.Asset(nil), s.assets...)
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.state = StateRunning
	s.mu.Unlock()
	defer cancel()

	summary := &RoundSummary{
		RoundID:   roundID,
		StartedAt: s.now(),
		Results:   make(map[string]*trade.Result),
	}
	s.audit.Info("轮次开始",
		slog.Uint64("round_id", roundID),
		slog.Int("assets", len(assets)),
	)

	defer func() {
		summary.FinishedAt = s.now()
		metrics.RoundDuration.Observe(summary.FinishedAt.Sub(summary.StartedAt).Seconds())
		outcome := "completed"
		if summary.Cancelled {
			outcome = "cancelled"
		}
		metrics.RoundsTotal.WithLabelValues(outcome).Inc()
		s.mu.Lock()
		s.lastRound = summary
		s.cancel = nil
		s.mu.Unlock()
		s.audit.Info("轮次结束",
			slog.Uint64("round_id", roundID),
			slog.String("outcome", outcome),
			slog.Int("signals", len(summary.Signals)),
			slog.Int("degraded", len(summary.Degraded)),
			slog.Int("directives", len(summary.Directives)),
		)
	}()

	if len(assets) == 0 {
		s.log.Warn("跟踪列表为空，本轮跳过", slog.Uint64("round_id", roundID))
		return
	}

	snapshots := s.collectSnapshots(ctx, roundID, assets)
	if s.cancelled(ctx, summary, "market") {
		return
	}

	history := s.collectHistory(ctx, assets)
	if s.cancelled(ctx, summary, "history") {
		return
	}

	signals, degraded := s.analyzer.Analyze(ctx, roundID, assets, snapshots, history)
	summary.Signals = signals
	summary.Degraded = degraded
	for _, signal := range signals {
		metrics.SignalsTotal.WithLabelValues(string(signal.Role)).Inc()
	}
	for _, d := range degraded {
		metrics.DegradedRolesTotal.WithLabelValues(string(d.Role), d.ErrorCode).Inc()
		s.log.Warn("角色降级",
			slog.Uint64("round_id", roundID),
			slog.String("asset", d.Asset),
			slog.String("role", string(d.Role)),
			slog.String("error_code", d.ErrorCode),
		)
	}
	if s.cancelled(ctx, summary, "analyze") {
		return
	}

	for _, asset := range assets {
		directive := s.synth.Synthesize(roundID, asset, signals)
		summary.Directives = append(summary.Directives, directive)
	}
	if s.cancelled(ctx, summary, "synthesize") {
		return
	}

	s.dispatchDirectives(ctx, summary)
	if s.cancelled(ctx, summary, "execute") {
		s.record(ctx, roundID, assets, signals, summary)
		return
	}

	s.publishSynopses(ctx, roundID, assets, signals)
	s.record(ctx, roundID, assets, signals, summary)
}

func (s *Scheduler) cancelled(ctx context.Context, summary *RoundSummary, stage string) bool {
	if ctx.Err() == nil {
		return false
	}
	summary.Cancelled = true
	s.audit.Info("轮次被取消",
		slog.Uint64("round_id", summary.RoundID),
		slog.String("stage", stage),
	)
	return true
}

// collectSnapshots 拉取各资产行情。失败的资产降级为无行情数据，
// 分析角色仍会收到资产标识与历史。
func (s *Scheduler) collectSnapshots(ctx context.Context, roundID uint64, assets []agent.Asset) map[string]*market.Snapshot {
	snapshots := make(map[string]*market.Snapshot, len(assets))
	for _, asset := range assets {
		if ctx.Err() != nil {
			return snapshots
		}
		snapshot, err := s.provider.TokenSnapshot(ctx, asset.Symbol, asset.Mint)
		if err != nil {
			s.log.Warn("行情获取失败",
				slog.Uint64("round_id", roundID),
				slog.String("asset", asset.Symbol),
				slog.Any("error", err),
			)
			continue
		}
		snapshots[asset.Symbol] = snapshot
	}
	return snapshots
}

func (s *Scheduler) collectHistory(ctx context.Context, assets []agent.Asset) map[string][]string {
	history := make(map[string][]string, len(assets))
	for _, asset := range assets {
		entries, err := s.store.History(ctx, asset.Symbol, s.historyLimit)
		if err != nil {
			s.log.Warn("读取历史失败",
				slog.String("asset", asset.Symbol),
				slog.Any("error", err),
			)
			continue
		}
		history[asset.Symbol] = memory.Synopses(entries)
	}
	return history
}

// dispatchDirectives 并发执行各资产的指令。执行器缺席时全部记为
// Skipped，占用中的资产同样以 Skipped 记录并带上错误码。
func (s *Scheduler) dispatchDirectives(ctx context.Context, summary *RoundSummary) {
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, directive := range summary.Directives {
		wg.Add(1)
		go func(directive trade.Directive) {
			defer wg.Done()
			result := s.execute(ctx, directive)
			mu.Lock()
			summary.Results[directive.Asset] = result
			mu.Unlock()
			if result != nil {
				metrics.ExecutionsTotal.WithLabelValues(string(result.Status)).Inc()
			}
		}(directive)
	}
	wg.Wait()
}

func (s *Scheduler) execute(ctx context.Context, directive trade.Directive) *trade.Result {
	if s.executor == nil {
		return &trade.Result{
			DirectiveID: directive.ID,
			RoundID:     directive.RoundID,
			Asset:       directive.Asset,
			Status:      trade.StatusSkipped,
			CompletedAt: s.now(),
		}
	}

	result, err := s.executor.Execute(ctx, directive)
	if err != nil {
		code := xerrors.CodeOf(err)
		s.log.Warn("指令被执行器拒绝",
			slog.Uint64("round_id", directive.RoundID),
			slog.String("asset", directive.Asset),
			slog.String("error_code", string(code)),
		)
		if s.alerts != nil && xerrors.ShouldAlert(err) {
			_ = s.alerts.Notify(ctx, alerting.FromError(err, directive.RoundID, directive.Asset, "execute"))
		}
		return &trade.Result{
			DirectiveID: directive.ID,
			RoundID:     directive.RoundID,
			Asset:       directive.Asset,
			Status:      trade.StatusSkipped,
			ErrorKind:   string(code),
			CompletedAt: s.now(),
		}
	}
	return result
}

// publishSynopses 把每个资产的概要信号作为推文投递。去重键由
// 轮次与资产决定，轮次内重复投递不会造成重复发帖。
func (s *Scheduler) publishSynopses(ctx context.Context, roundID uint64, assets []agent.Asset, signals []agent.Signal) {
	if s.socials == nil {
		return
	}
	for _, asset := range assets {
		synopsis := synopsisFor(asset.Symbol, signals)
		if synopsis == "" {
			continue
		}
		action := social.Action{
			Kind:      social.KindTweet,
			RoundID:   roundID,
			Asset:     asset.Symbol,
			Text:      synopsis,
			DedupeKey: fmt.Sprintf("round-%d-%s-synopsis", roundID, asset.Symbol),
		}
		if err := s.socials.Enqueue(ctx, action); err != nil {
			s.log.Warn("社交动作投递失败",
				slog.Uint64("round_id", roundID),
				slog.String("asset", asset.Symbol),
				slog.Any("error", err),
			)
		}
	}
}

// record 把本轮各资产的指令与结果写入记忆。写入失败告警但不影响
// 本轮已经产出的结果。
func (s *Scheduler) record(ctx context.Context, roundID uint64, assets []agent.Asset, signals []agent.Signal, summary *RoundSummary) {
	for _, asset := range assets {
		var directive trade.Directive
		for _, d := range summary.Directives {
			if d.Asset == asset.Symbol {
				directive = d
				break
			}
		}
		if directive.ID == "" {
			continue
		}
		entry := memory.Entry{
			RoundID:    roundID,
			Asset:      asset.Symbol,
			Synopsis:   synopsisFor(asset.Symbol, signals),
			Directive:  directive,
			Result:     summary.Results[asset.Symbol],
			RecordedAt: s.now(),
		}
		if err := s.store.Append(ctx, entry); err != nil {
			s.log.Error("记忆写入失败",
				slog.Uint64("round_id", roundID),
				slog.String("asset", asset.Symbol),
				slog.Any("error", err),
			)
			if s.alerts != nil {
				_ = s.alerts.Notify(ctx, alerting.FromError(err, roundID, asset.Symbol, "record"))
			}
		}
	}
}

func (s *Scheduler) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// synopsisFor 取出概要角色的文本；缺席时退化为技术面摘要。
func synopsisFor(asset string, signals []agent.Signal) string {
	var fallback string
	for _, signal := range signals {
		if signal.Asset != asset {
			continue
		}
		if signal.Role == agent.RoleSynopsis && signal.Summary != "" {
			return truncateRunes(signal.Summary, 280)
		}
		if signal.Role == agent.RoleTechnical && signal.Summary != "" {
			fallback = signal.Summary
		}
	}
	return truncateRunes(fallback, 280)
}

func truncateRunes(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit-3]) + "..."
}
