package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// ── 状态机错误分类 ──

var (
	ErrPermissionDenied   = errors.New("无权执行该操作")
	ErrInvalidTransition  = errors.New("当前状态不允许该操作")
	ErrInvalidTimeRange   = errors.New("结束时间必须晚于开始时间")
	ErrUnknownAction      = errors.New("未知操作")
	ErrPartialBulkFailure = errors.New("部分时段处理失败")
)

// SlotError 指明出错的时段与动作，便于前端定位到具体行
type SlotError struct {
	SlotID string
	Action Action
	State  State
	Err    error
}

func (e *SlotError) Error() string {
	if e.State != "" {
		return fmt.Sprintf("时段 %s 执行 %s 失败（当前状态 %s）: %v", e.SlotID, e.Action, e.State, e.Err)
	}
	return fmt.Sprintf("时段 %s 执行 %s 失败: %v", e.SlotID, e.Action, e.Err)
}

func (e *SlotError) Unwrap() error { return e.Err }

// BulkError 批量操作的部分失败，逐个列出失败的时段
type BulkError struct {
	Action Action
	Failed []string
}

func (e *BulkError) Error() string {
	return fmt.Sprintf("批量 %s: %d 个时段失败 [%s]", e.Action, len(e.Failed), strings.Join(e.Failed, ", "))
}

func (e *BulkError) Unwrap() error { return ErrPartialBulkFailure }
