package social

import (
	"context"
	"encoding/json"
	"time"

	xerrors "SolRounds/internal/errors"
)

// Kind 表示一种社交动作。
type Kind string

const (
	KindTweet   Kind = "tweet"
	KindReply   Kind = "reply"
	KindLike    Kind = "like"
	KindRetweet Kind = "retweet"
)

// Action 是一条待执行的社交动作。DedupeKey 相同的动作只会执行一次，
// ScheduledAt 用于判断动作是否已经过期。
type Action struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	RoundID     uint64    `json:"round_id,omitempty"`
	Asset       string    `json:"asset,omitempty"`
	Text        string    `json:"text,omitempty"`
	TargetID    string    `json:"target_id,omitempty"`
	DedupeKey   string    `json:"dedupe_key"`
	ScheduledAt time.Time `json:"scheduled_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// Encode 把动作序列化为队列载荷。
func Encode(action Action) (string, error) {
	raw, err := json.Marshal(action)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeQueueFailure, err, "社交动作序列化失败")
	}
	return string(raw), nil
}

// Decode 从队列载荷还原动作。
func Decode(payload string) (Action, error) {
	var action Action
	if err := json.Unmarshal([]byte(payload), &action); err != nil {
		return Action{}, xerrors.Wrap(xerrors.CodeQueueFailure, err, "社交动作反序列化失败")
	}
	return action, nil
}

// Handler 处理来自队列的动作载荷。
type Handler func(ctx context.Context, payload string) error

// Producer 负责向队列投递动作。
type Producer interface {
	Publish(ctx context.Context, payload string) error
	Close() error
}

// Consumer 负责从队列中消费动作。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// Platform 抽象社交平台的写操作。
type Platform interface {
	PostTweet(ctx context.Context, text string) (string, error)
	Reply(ctx context.Context, targetID, text string) (string, error)
	Like(ctx context.Context, targetID string) error
	Retweet(ctx context.Context, targetID string) error
}

// Deduper 判断去重键是否首次出现。FirstSeen 返回 true 表示本次
// 首次记录，动作应当执行；false 表示重复，应当丢弃。
type Deduper interface {
	FirstSeen(ctx context.Context, key string, ttl time.Duration) (bool, error)
}
