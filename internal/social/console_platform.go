package social

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"SolRounds/pkg/logger"
)

// ConsolePlatform 把社交动作写进日志而不是真实平台。
// 未配置平台凭据时作为默认实现，便于干跑整条发布链路。
type ConsolePlatform struct {
	log *slog.Logger
}

// NewConsolePlatform 创建日志平台。
func NewConsolePlatform() *ConsolePlatform {
	return &ConsolePlatform{log: logger.Named("social_console")}
}

// PostTweet 记录一条推文并返回伪造的帖子 ID。
func (c *ConsolePlatform) PostTweet(ctx context.Context, text string) (string, error) {
	id := uuid.NewString()
	c.log.Info("tweet", slog.String("post_id", id), slog.String("text", text))
	return id, nil
}

// Reply 记录一条回复并返回伪造的帖子 ID。
func (c *ConsolePlatform) Reply(ctx context.Context, targetID, text string) (string, error) {
	id := uuid.NewString()
	c.log.Info("reply", slog.String("post_id", id), slog.String("target_id", targetID), slog.String("text", text))
	return id, nil
}

// Like 记录一次点赞。
func (c *ConsolePlatform) Like(ctx context.Context, targetID string) error {
	c.log.Info("like", slog.String("target_id", targetID))
	return nil
}

// Retweet 记录一次转发。
func (c *ConsolePlatform) Retweet(ctx context.Context, targetID string) error {
	c.log.Info("retweet", slog.String("target_id", targetID))
	return nil
}
