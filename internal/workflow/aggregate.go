package workflow

import (
	"slices"
	"time"
)

// EventState 事件整体状态
type EventState string

const (
	EventPending    EventState = "PENDING"
	EventValidated  EventState = "VALIDATED"
	EventCancelled  EventState = "CANCELLED"
	EventMoved      EventState = "MOVED"
	EventInProgress EventState = "IN_PROGRESS"
)

// ValidationState 事件等待哪一方处理
type ValidationState string

const (
	NoPending       ValidationState = "noPending"
	OwnerPending    ValidationState = "ownerPending"
	OperatorPending ValidationState = "operatorPending"
)

// StateChange lastStateChange 记录
type StateChange struct {
	From    EventState `json:"from"`
	To      EventState `json:"to"`
	At      time.Time  `json:"at"`
	ActorID string     `json:"actorId"`
	Reason  string     `json:"reason,omitempty"`
}

// Derived 由时段集合推导出的事件级字段
type Derived struct {
	SalleIDs   []int64
	ClassIDs   []int64
	StartBound *time.Time
	EndBound   *time.Time
}

// NormalizeIDs 去重并排序；空集合返回非 nil 空切片
func NormalizeIDs(ids []int64) []int64 {
	out := make([]int64, 0, len(ids))
	out = append(out, ids...)
	slices.Sort(out)
	return slices.Compact(out)
}

// SameIDSet 按集合语义比较，忽略顺序与重复
func SameIDSet(a, b []int64) bool {
	return slices.Equal(NormalizeIDs(a), NormalizeIDs(b))
}

// Derive 计算派生字段：
// 房间/班级取所有未被拒绝时段的并集；
// 起止边界优先取已批准时段，没有已批准时段时退回到所有未被拒绝的时段。
func Derive(slots []Slot) Derived {
	var salles, classes []int64
	var approved, active []Slot
	for _, s := range slots {
		if !s.state.Active() {
			continue
		}
		salles = append(salles, s.SalleIDs...)
		classes = append(classes, s.ClassIDs...)
		active = append(active, s)
		if s.state == StateApproved {
			approved = append(approved, s)
		}
	}

	d := Derived{SalleIDs: NormalizeIDs(salles), ClassIDs: NormalizeIDs(classes)}
	basis := approved
	if len(basis) == 0 {
		basis = active
	}
	for _, s := range basis {
		start, end := s.Actual.Start, s.Actual.End
		if d.StartBound == nil || start.Before(*d.StartBound) {
			d.StartBound = &start
		}
		if d.EndBound == nil || end.After(*d.EndBound) {
			d.EndBound = &end
		}
	}
	return d
}

// Differs 与已存储的派生字段比较。房间/班级按集合比较。
func (d Derived) Differs(salleIDs, classIDs []int64, start, end *time.Time) bool {
	if !SameIDSet(d.SalleIDs, salleIDs) || !SameIDSet(d.ClassIDs, classIDs) {
		return true
	}
	return !sameInstant(d.StartBound, start) || !sameInstant(d.EndBound, end)
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// CanValidate 所有时段都已批准时，事件才可进入 VALIDATED
func CanValidate(slots []Slot) bool {
	if len(slots) == 0 {
		return false
	}
	for _, s := range slots {
		if s.state != StateApproved {
			return false
		}
	}
	return true
}

// EventStatus 事件的状态部分
type EventStatus struct {
	State           EventState
	ValidationState ValidationState
	LastChange      *StateChange
}

// EditScope 本次编辑涉及的字段
type EditScope struct {
	Title       bool
	Description bool
	Rooms       bool
	Materials   bool
	Times       bool
}

// Any 是否涉及需要重新审核的字段
func (e EditScope) Any() bool {
	return e.Title || e.Description || e.Rooms || e.Materials || e.Times
}

// ApplyEdit 事件被编辑后的状态：
//   - 非审核方的实质编辑 → validationState = operatorPending
//   - 所有者编辑 PENDING 事件 → 保持 PENDING
//   - 所有者改动已 VALIDATED 事件的时间 → MOVED，改动其他字段 → PENDING
func ApplyEdit(cur EventStatus, role Role, scope EditScope, actorID string, at time.Time) EventStatus {
	next := cur
	if !scope.Any() || role == RoleOperator {
		return next
	}
	next.ValidationState = OperatorPending
	if role != RoleOwner {
		return next
	}
	if cur.State == EventValidated {
		to := EventPending
		if scope.Times {
			to = EventMoved
		}
		next = transition(next, to, actorID, "", at)
	}
	return next
}

// Validate 审核方确认整个事件
func Validate(cur EventStatus, role Role, slots []Slot, actorID string, at time.Time) (EventStatus, error) {
	if role != RoleOperator {
		return cur, ErrPermissionDenied
	}
	switch cur.State {
	case EventPending, EventMoved:
	default:
		return cur, ErrInvalidTransition
	}
	if !CanValidate(slots) {
		return cur, ErrInvalidTransition
	}
	next := transition(cur, EventValidated, actorID, "", at)
	next.ValidationState = NoPending
	return next, nil
}

// Cancel 取消事件；时段各自的终态保持不变
func Cancel(cur EventStatus, role Role, actorID, reason string, at time.Time) (EventStatus, error) {
	if role == RoleOther {
		return cur, ErrPermissionDenied
	}
	if cur.State == EventCancelled {
		return cur, ErrInvalidTransition
	}
	next := transition(cur, EventCancelled, actorID, reason, at)
	next.ValidationState = NoPending
	return next, nil
}

// Start 已确认事件进入进行中
func Start(cur EventStatus, at time.Time) (EventStatus, bool) {
	if cur.State != EventValidated {
		return cur, false
	}
	return transition(cur, EventInProgress, "system", "", at), true
}

// SlotsChanged 时段状态变化后的事件 validationState：
// 有审核方提议待所有者处理 → ownerPending；有待审核时段 → operatorPending；否则 noPending。
func SlotsChanged(cur EventStatus, slots []Slot) EventStatus {
	if cur.State == EventCancelled {
		return cur
	}
	next := cur
	next.ValidationState = NoPending
	for _, s := range slots {
		switch {
		case s.state == StateCounterProposed && s.proposedBy == RoleOperator:
			next.ValidationState = OwnerPending
			return next
		case s.state == StateCreated, s.state == StateModified, s.state == StateCounterProposed:
			next.ValidationState = OperatorPending
		}
	}
	return next
}

func transition(cur EventStatus, to EventState, actorID, reason string, at time.Time) EventStatus {
	if at.IsZero() {
		at = time.Now()
	}
	cur.LastChange = &StateChange{From: cur.State, To: to, At: at, ActorID: actorID, Reason: reason}
	cur.State = to
	return cur
}
