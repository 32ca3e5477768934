// Package eventbus 进程内变更通知总线。
// 以引用方式传给需要的组件，生命周期由创建方决定，不使用全局单例。
package eventbus

import (
	"context"
	"sync"
	"time"
)

// Kind 变更类型
type Kind string

const (
	SlotChanged         Kind = "slot_changed"
	EventChanged        Kind = "event_changed"
	AggregateRecomputed Kind = "aggregate_recomputed"
	PlanSaved           Kind = "plan_saved"
)

// Change 一次变更通知
type Change struct {
	Kind    Kind      `json:"kind"`
	EventID string    `json:"eventId"`
	SlotIDs []string  `json:"slotIds,omitempty"`
	ActorID string    `json:"actorId,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

// Handler 订阅回调；在 Publish 的调用方 goroutine 中同步执行，应尽快返回
type Handler func(ctx context.Context, c Change)

// Bus 变更总线
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]Handler
}

// New 创建空总线
func New() *Bus {
	return &Bus{subs: make(map[int]Handler)}
}

// Subscribe 注册订阅，返回取消函数
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs[id] = h
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish 通知所有订阅者。nil 总线直接忽略。
func (b *Bus) Publish(ctx context.Context, c Change) {
	if b == nil {
		return
	}
	if c.At.IsZero() {
		c.At = time.Now()
	}
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, c)
	}
}

// Len 当前订阅数
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
