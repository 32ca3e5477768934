package errors

import "errors"

// ErrOptimisticLock 乐观锁冲突：记录已被其他操作修改
var ErrOptimisticLock = errors.New("数据已被其他操作修改，请刷新后重试")

// ErrLockHeld 资源正被其他请求占用（进行中标记）
var ErrLockHeld = errors.New("资源正在处理中，请稍后再试")
