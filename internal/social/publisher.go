package social

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	xerrors "SolRounds/internal/errors"
	"SolRounds/pkg/logger"
)

// Limits 描述各类动作每小时的数量上限。
type Limits struct {
	TweetsPerHour   int
	RepliesPerHour  int
	LikesPerHour    int
	RetweetsPerHour int
}

// Publisher 消费动作队列并按节奏执行。三层闸门依次生效：
// 过期动作直接丢弃，重复动作去重丢弃，超出小时配额的动作限流丢弃；
// 通过闸门的动作之间再留出随机间隔，避免机械的发布节奏。
type Publisher struct {
	queue    Queue
	platform Platform
	deduper  Deduper

	limiters    map[Kind]*rate.Limiter
	minInterval time.Duration
	maxInterval time.Duration
	staleAfter  time.Duration
	dedupeTTL   time.Duration
	workers     int

	mu          sync.Mutex
	nextAllowed time.Time
	rng         *rand.Rand

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	onPublished func(kind Kind)
	onDropped   func(kind Kind, reason string)

	log *slog.Logger
}

// PublisherOption 定义可选的发布器配置。
type PublisherOption func(*Publisher)

// WithLimits 设置各类动作的小时配额。
func WithLimits(limits Limits) PublisherOption {
	return func(p *Publisher) {
		p.limiters = map[Kind]*rate.Limiter{
			KindTweet:   hourlyLimiter(limits.TweetsPerHour),
			KindReply:   hourlyLimiter(limits.RepliesPerHour),
			KindLike:    hourlyLimiter(limits.LikesPerHour),
			KindRetweet: hourlyLimiter(limits.RetweetsPerHour),
		}
	}
}

// WithIntervalWindow 设置两次动作之间的随机间隔窗口。
func WithIntervalWindow(min, max time.Duration) PublisherOption {
	return func(p *Publisher) {
		if min > 0 {
			p.minInterval = min
		}
		if max >= p.minInterval {
			p.maxInterval = max
		}
	}
}

// WithStaleAfter 设置动作从计划时间起算的有效期。
func WithStaleAfter(d time.Duration) PublisherOption {
	return func(p *Publisher) {
		if d > 0 {
			p.staleAfter = d
		}
	}
}

// WithDedupeTTL 设置去重键的保留时长。
func WithDedupeTTL(d time.Duration) PublisherOption {
	return func(p *Publisher) {
		if d > 0 {
			p.dedupeTTL = d
		}
	}
}

// WithWorkers 设置消费协程数。
func WithWorkers(workers int) PublisherOption {
	return func(p *Publisher) {
		if workers > 0 {
			p.workers = workers
		}
	}
}

// WithPublisherClock 替换时钟与休眠实现，仅用于测试。
func WithPublisherClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) PublisherOption {
	return func(p *Publisher) {
		if now != nil {
			p.now = now
		}
		if sleep != nil {
			p.sleep = sleep
		}
	}
}

// WithHooks 设置发布与丢弃的回调，用于接指标。
func WithHooks(onPublished func(kind Kind), onDropped func(kind Kind, reason string)) PublisherOption {
	return func(p *Publisher) {
		p.onPublished = onPublished
		p.onDropped = onDropped
	}
}

// hourlyLimiter 构造小时配额限流器。突发量固定为 1，保证任意
// 滚动一小时窗口内的动作数不超过配额。
func hourlyLimiter(perHour int) *rate.Limiter {
	if perHour <= 0 {
		return rate.NewLimiter(0, 0)
	}
	return rate.NewLimiter(rate.Limit(float64(perHour)/3600.0), 1)
}

// NewPublisher 构造社交动作发布器。
func NewPublisher(queue Queue, platform Platform, deduper Deduper, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		queue:       queue,
		platform:    platform,
		deduper:     deduper,
		minInterval: 60 * time.Second,
		maxInterval: 180 * time.Second,
		staleAfter:  15 * time.Minute,
		dedupeTTL:   48 * time.Hour,
		workers:     1,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		now:         time.Now,
		sleep:       sleepContext,
		log:         logger.Named("social_publisher"),
	}
	WithLimits(Limits{TweetsPerHour: 5, RepliesPerHour: 10, LikesPerHour: 20, RetweetsPerHour: 10})(p)
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Enqueue 补全动作元数据并投递到队列。
func (p *Publisher) Enqueue(ctx context.Context, action Action) error {
	if action.Kind == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "动作缺少类型")
	}
	if action.ID == "" {
		action.ID = uuid.NewString()
	}
	now := p.now()
	if action.CreatedAt.IsZero() {
		action.CreatedAt = now
	}
	if action.ScheduledAt.IsZero() {
		action.ScheduledAt = now
	}
	if action.DedupeKey == "" {
		action.DedupeKey = action.ID
	}

	payload, err := Encode(action)
	if err != nil {
		return err
	}
	return p.queue.Publish(ctx, payload)
}

// Run 启动消费循环，直到 ctx 取消。
func (p *Publisher) Run(ctx context.Context) error {
	return p.queue.Consume(ctx, p.workers, p.handle)
}

func (p *Publisher) handle(ctx context.Context, payload string) error {
	action, err := Decode(payload)
	if err != nil {
		p.log.Warn("丢弃无法解析的动作载荷", slog.Any("error", err))
		return nil
	}

	now := p.now()
	if now.Sub(action.ScheduledAt) > p.staleAfter {
		p.drop(action, "stale")
		return nil
	}

	first, err := p.deduper.FirstSeen(ctx, action.DedupeKey, p.dedupeTTL)
	if err != nil {
		p.log.Warn("去重检查失败，放行动作",
			slog.String("action_id", action.ID),
			slog.Any("error", err),
		)
	} else if !first {
		p.drop(action, "duplicate")
		return nil
	}

	limiter, ok := p.limiters[action.Kind]
	if !ok {
		p.drop(action, "unknown_kind")
		return nil
	}
	if !limiter.AllowN(now, 1) {
		p.drop(action, "rate_limited")
		return nil
	}

	if err := p.pace(ctx); err != nil {
		return err
	}

	if err := p.perform(ctx, action); err != nil {
		p.log.Error("动作执行失败",
			slog.String("action_id", action.ID),
			slog.String("kind", string(action.Kind)),
			slog.Any("error", err),
		)
		p.drop(action, "platform_error")
		return nil
	}

	if p.onPublished != nil {
		p.onPublished(action.Kind)
	}
	p.log.Info("动作已发布",
		slog.String("action_id", action.ID),
		slog.String("kind", string(action.Kind)),
		slog.Uint64("round_id", action.RoundID),
		slog.String("asset", action.Asset),
	)
	return nil
}

// pace 保证相邻两次动作之间留出随机间隔。
func (p *Publisher) pace(ctx context.Context) error {
	p.mu.Lock()
	now := p.now()
	wait := p.nextAllowed.Sub(now)
	if wait < 0 {
		wait = 0
	}
	span := p.maxInterval - p.minInterval
	gap := p.minInterval
	if span > 0 {
		gap += time.Duration(p.rng.Int63n(int64(span)))
	}
	p.nextAllowed = now.Add(wait + gap)
	p.mu.Unlock()

	if wait == 0 {
		return nil
	}
	return p.sleep(ctx, wait)
}

func (p *Publisher) perform(ctx context.Context, action Action) error {
	switch action.Kind {
	case KindTweet:
		_, err := p.platform.PostTweet(ctx, action.Text)
		return err
	case KindReply:
		_, err := p.platform.Reply(ctx, action.TargetID, action.Text)
		return err
	case KindLike:
		return p.platform.Like(ctx, action.TargetID)
	case KindRetweet:
		return p.platform.Retweet(ctx, action.TargetID)
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, "未知的动作类型: "+string(action.Kind))
	}
}

func (p *Publisher) drop(action Action, reason string) {
	if p.onDropped != nil {
		p.onDropped(action.Kind, reason)
	}
	p.log.Info("动作被丢弃",
		slog.String("action_id", action.ID),
		slog.String("kind", string(action.Kind)),
		slog.String("reason", reason),
	)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
