package service

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	pkgerrors "labflow/pkg/errors"
)

// ── 时段/事件模块业务错误 ──

var (
	ErrEventNotFound = errors.New("事件不存在")
	ErrSlotNotFound  = errors.New("时段不存在")
	// ErrSlotBusy 同一时段已有请求在处理中
	ErrSlotBusy = fmt.Errorf("时段正在处理中: %w", pkgerrors.ErrLockHeld)
	// ErrStaleSlot 时段已被其他请求修改（乐观锁冲突）
	ErrStaleSlot = fmt.Errorf("时段已被修改: %w", pkgerrors.ErrOptimisticLock)
	// ErrStaleEvent 事件已被其他请求修改（乐观锁冲突）
	ErrStaleEvent = fmt.Errorf("事件已被修改: %w", pkgerrors.ErrOptimisticLock)
	// ErrAggregateWrite 时段已写入，但事件汇总字段写入失败；可通过重算接口单独重试
	ErrAggregateWrite = errors.New("事件汇总字段更新失败")
)

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
