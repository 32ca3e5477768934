package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"labflow/pkg/eventbus"
)

func TestSubscribeNotifiers_LogsAndUnsubscribes(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	bus := eventbus.New()

	unsub := SubscribeNotifiers(bus, NewLogNotifier(zap.New(core)))
	bus.Publish(context.Background(), eventbus.Change{Kind: eventbus.SlotChanged, EventID: "ev-1", SlotIDs: []string{"A"}})

	entries := logs.FilterMessage("变更通知").All()
	if len(entries) != 1 {
		t.Fatalf("应记录 1 条通知，实际 %d", len(entries))
	}
	if entries[0].ContextMap()["event_id"] != "ev-1" {
		t.Errorf("字段错误: %v", entries[0].ContextMap())
	}

	unsub()
	bus.Publish(context.Background(), eventbus.Change{Kind: eventbus.SlotChanged, EventID: "ev-2"})
	if logs.FilterMessage("变更通知").Len() != 1 {
		t.Error("取消订阅后不应再收到通知")
	}
}

func TestMemoryLocker(t *testing.T) {
	l := NewSlotLocker(nil, time.Second, zap.NewNop())
	ctx := context.Background()

	unlockA, err := l.Lock(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Lock(ctx, "A"); !errors.Is(err, ErrSlotBusy) {
		t.Errorf("同一时段重复加锁应返回 ErrSlotBusy，实际 %v", err)
	}
	unlockB, err := l.Lock(ctx, "B")
	if err != nil {
		t.Errorf("不同时段互不影响: %v", err)
	}
	unlockB()
	unlockA()

	if _, err := l.Lock(ctx, "A"); err != nil {
		t.Errorf("释放后应可再次加锁: %v", err)
	}
}

func TestNewSweeper_InvalidSchedule(t *testing.T) {
	if _, err := NewSweeper("not a schedule", nil, zap.NewNop()); err == nil {
		t.Error("非法 cron 表达式应报错")
	}
}
