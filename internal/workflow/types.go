// Package workflow 实验课时段协商的纯业务核心：
// 时段状态机、事件聚合派生字段、角色解析。不做任何 I/O。
package workflow

import (
	"fmt"
	"time"
)

// State 时段状态
type State string

const (
	StateCreated         State = "created"
	StateModified        State = "modified"
	StateApproved        State = "approved"
	StateRejected        State = "rejected"
	StateCounterProposed State = "counter_proposed"
)

// Valid 是否为已知状态
func (s State) Valid() bool {
	switch s {
	case StateCreated, StateModified, StateApproved, StateRejected, StateCounterProposed:
		return true
	}
	return false
}

// Active 未被拒绝的时段参与聚合
func (s State) Active() bool { return s.Valid() && s != StateRejected }

// Action 作用在单个时段上的动作
type Action string

const (
	ActionApprove        Action = "approve"
	ActionReject         Action = "reject"
	ActionCounterPropose Action = "counter_propose"
	ActionAcceptCounter  Action = "accept_counter"
	ActionRejectCounter  Action = "reject_counter"
	ActionEdit           Action = "edit"
)

// Valid 是否为已知动作
func (a Action) Valid() bool {
	switch a {
	case ActionApprove, ActionReject, ActionCounterPropose, ActionAcceptCounter, ActionRejectCounter, ActionEdit:
		return true
	}
	return false
}

// Field 状态迁移中被修改的字段名（与持久化 JSON 字段名一致）
type Field string

const (
	FieldState                Field = "state"
	FieldStartDate            Field = "startDate"
	FieldEndDate              Field = "endDate"
	FieldTimeslotDate         Field = "timeslotDate"
	FieldNotes                Field = "notes"
	FieldSalleIDs             Field = "salleIds"
	FieldClassIDs             Field = "classIds"
	FieldProposedStartDate    Field = "proposedStartDate"
	FieldProposedEndDate      Field = "proposedEndDate"
	FieldProposedTimeslotDate Field = "proposedTimeslotDate"
	FieldProposedNotes        Field = "proposedNotes"
	FieldModifiedBy           Field = "modifiedBy"
)

// Terms 一组时间条款：实际值或提议值
type Terms struct {
	Start time.Time
	End   time.Time
	Date  time.Time // timeslotDate，只取年月日
	Notes string
}

// Validate 结束时间必须晚于开始时间
func (t Terms) Validate() error {
	if t.Start.IsZero() || t.End.IsZero() || !t.End.After(t.Start) {
		return ErrInvalidTimeRange
	}
	return nil
}

// normalize 缺省 Date 时取 Start 的日期
func (t Terms) normalize() Terms {
	if t.Date.IsZero() && !t.Start.IsZero() {
		y, m, d := t.Start.Date()
		t.Date = time.Date(y, m, d, 0, 0, 0, 0, t.Start.Location())
	}
	return t
}

func (t Terms) equal(o Terms) bool {
	return t.Start.Equal(o.Start) && t.End.Equal(o.End) && sameDay(t.Date, o.Date) && t.Notes == o.Notes
}

func sameDay(a, b time.Time) bool {
	if a.IsZero() || b.IsZero() {
		return a.IsZero() == b.IsZero()
	}
	return a.Format(DateLayout) == b.Format(DateLayout)
}

const (
	// DateLayout timeslotDate 的规范格式
	DateLayout = "2006-01-02"
	// ClockLayout 起止时间的规范格式
	ClockLayout = "15:04"
)

// Modification modifiedBy 日志条目，只追加不改写
type Modification struct {
	UserID string    `json:"userId"`
	Date   time.Time `json:"date"`
	Action Action    `json:"action"`
}

// Slot 单个时段的领域值。
// 提议条款为私有字段：只有 counter_proposed 状态下才可能存在，
// 由 RestoreSlot 与 Apply 共同保证。
type Slot struct {
	ID         string
	EventID    string
	Actual     Terms
	SalleIDs   []int64
	ClassIDs   []int64
	ModifiedBy []Modification
	Reason     string

	state      State
	proposal   *Terms
	proposedBy Role
}

// NewSlot 新建时段，初始状态为 created
func NewSlot(id, eventID string, actual Terms, salleIDs, classIDs []int64) (Slot, error) {
	if err := actual.Validate(); err != nil {
		return Slot{}, &SlotError{SlotID: id, Action: "create", Err: err}
	}
	return Slot{
		ID:       id,
		EventID:  eventID,
		Actual:   actual.normalize(),
		SalleIDs: NormalizeIDs(salleIDs),
		ClassIDs: NormalizeIDs(classIDs),
		state:    StateCreated,
	}, nil
}

// RestoreSlot 从持久化记录重建时段，校验“提议字段 ⇔ counter_proposed”不变式
func RestoreSlot(s Slot, state State, proposal *Terms, proposedBy Role) (Slot, error) {
	if !state.Valid() {
		return Slot{}, fmt.Errorf("时段 %s: 未知状态 %q", s.ID, state)
	}
	if (state == StateCounterProposed) != (proposal != nil) {
		return Slot{}, fmt.Errorf("时段 %s: 状态 %s 与提议字段不一致", s.ID, state)
	}
	s.state = state
	s.proposal = nil
	s.proposedBy = RoleOther
	if proposal != nil {
		p := *proposal
		s.proposal = &p
		s.proposedBy = proposedBy
	}
	return s, nil
}

// State 当前状态
func (s Slot) State() State { return s.state }

// Proposal 当前提议条款；仅 counter_proposed 时 ok=true
func (s Slot) Proposal() (Terms, bool) {
	if s.proposal == nil {
		return Terms{}, false
	}
	return *s.proposal, true
}

// ProposedBy 当前提议的发起方；无提议时为 RoleOther
func (s Slot) ProposedBy() Role { return s.proposedBy }

// clone 深拷贝切片，保证 Apply 不改写调用方持有的值
func (s Slot) clone() Slot {
	c := s
	c.SalleIDs = append([]int64(nil), s.SalleIDs...)
	c.ClassIDs = append([]int64(nil), s.ClassIDs...)
	c.ModifiedBy = append([]Modification(nil), s.ModifiedBy...)
	if s.proposal != nil {
		p := *s.proposal
		c.proposal = &p
	}
	return c
}
