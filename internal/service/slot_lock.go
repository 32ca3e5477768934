package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	pkgerrors "labflow/pkg/errors"
	"labflow/pkg/redis"
)

// SlotLocker 时段处理中标记：同一时段同一时间只允许一个写操作
type SlotLocker interface {
	Lock(ctx context.Context, slotID string) (unlock func(), err error)
}

// NewSlotLocker rdb 为 nil 时使用进程内实现
func NewSlotLocker(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) SlotLocker {
	mem := newMemoryLocker()
	if rdb == nil {
		return mem
	}
	return &redisLocker{rdb: rdb, ttl: ttl, fallback: mem, logger: logger}
}

type redisLocker struct {
	rdb      *redis.Client
	ttl      time.Duration
	fallback *memoryLocker
	logger   *zap.Logger
}

func (l *redisLocker) Lock(ctx context.Context, slotID string) (func(), error) {
	key := "slot:" + slotID
	token, err := l.rdb.AcquireLock(ctx, key, l.ttl)
	switch {
	case errors.Is(err, pkgerrors.ErrLockHeld):
		return nil, ErrSlotBusy
	case err != nil:
		// Redis 不可用时降级为进程内标记
		l.logger.Warn("Redis 加锁失败，降级为进程内锁", zap.String("slot_id", slotID), zap.Error(err))
		return l.fallback.Lock(ctx, slotID)
	}
	return func() {
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if err := l.rdb.ReleaseLock(relCtx, key, token); err != nil {
			l.logger.Warn("释放时段锁失败", zap.String("slot_id", slotID), zap.Error(err))
		}
	}, nil
}

type memoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newMemoryLocker() *memoryLocker {
	return &memoryLocker{held: make(map[string]struct{})}
}

func (l *memoryLocker) Lock(_ context.Context, slotID string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[slotID]; busy {
		return nil, ErrSlotBusy
	}
	l.held[slotID] = struct{}{}
	return func() {
		l.mu.Lock()
		delete(l.held, slotID)
		l.mu.Unlock()
	}, nil
}
