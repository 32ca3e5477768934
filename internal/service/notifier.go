package service

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"labflow/pkg/eventbus"
	"labflow/pkg/redis"
)

// Notifier 变更通知出口。邮件等真实投递由外部系统订阅完成。
type Notifier interface {
	Notify(ctx context.Context, c eventbus.Change)
}

// logNotifier 以结构化日志记录变更
type logNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier 创建日志通知器
func NewLogNotifier(logger *zap.Logger) Notifier {
	return &logNotifier{logger: logger}
}

func (n *logNotifier) Notify(_ context.Context, c eventbus.Change) {
	n.logger.Info("变更通知",
		zap.String("kind", string(c.Kind)),
		zap.String("event_id", c.EventID),
		zap.Strings("slot_ids", c.SlotIDs),
		zap.String("actor_id", c.ActorID),
		zap.String("detail", c.Detail),
	)
}

// redisNotifier 将变更发布到 Redis 频道，供其他进程订阅
type redisNotifier struct {
	rdb     *redis.Client
	channel string
	logger  *zap.Logger
}

// NewRedisNotifier 创建 Redis 发布通知器
func NewRedisNotifier(rdb *redis.Client, channel string, logger *zap.Logger) Notifier {
	return &redisNotifier{rdb: rdb, channel: channel, logger: logger}
}

func (n *redisNotifier) Notify(ctx context.Context, c eventbus.Change) {
	payload, err := json.Marshal(c)
	if err != nil {
		n.logger.Error("序列化变更通知失败", zap.Error(err))
		return
	}
	// 请求可能已结束，发布使用独立的短超时
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := n.rdb.Publish(pubCtx, n.channel, payload); err != nil {
		n.logger.Warn("发布变更通知失败", zap.String("event_id", c.EventID), zap.Error(err))
	}
}

// SubscribeNotifiers 将通知器挂到总线上，返回取消订阅函数
func SubscribeNotifiers(bus *eventbus.Bus, notifiers ...Notifier) func() {
	unsubs := make([]func(), 0, len(notifiers))
	for _, n := range notifiers {
		unsubs = append(unsubs, bus.Subscribe(n.Notify))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
