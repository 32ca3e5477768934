package workflow

import (
	"slices"
	"time"
)

// Payload 动作携带的数据
type Payload struct {
	Terms    *Terms   // counter_propose / reject_counter 必填；edit 可选
	SalleIDs *[]int64 // 仅 edit
	ClassIDs *[]int64 // 仅 edit
	Reason   string   // reject 记录原因
	ActorID  string
	At       time.Time
}

// Outcome 一次迁移的结果
type Outcome struct {
	From    State
	To      State
	Changed []Field
}

// rule 状态迁移表中的一条边
type rule struct {
	action Action
	role   Role
	from   []State
	to     State
}

var rules = []rule{
	// 审核方
	{action: ActionApprove, role: RoleOperator, from: []State{StateCreated, StateModified, StateCounterProposed}, to: StateApproved},
	{action: ActionReject, role: RoleOperator, from: []State{StateCreated, StateModified, StateCounterProposed}, to: StateRejected},
	{action: ActionCounterPropose, role: RoleOperator, from: []State{StateCreated, StateModified}, to: StateCounterProposed},

	// 所有者
	{action: ActionAcceptCounter, role: RoleOwner, from: []State{StateCounterProposed}, to: StateApproved},
	{action: ActionRejectCounter, role: RoleOwner, from: []State{StateCounterProposed}, to: StateModified},
	{action: ActionCounterPropose, role: RoleOwner, from: []State{StateRejected}, to: StateCounterProposed},

	// 任何结构性修改都会重新打开审核
	{action: ActionEdit, role: RoleOwner, from: []State{StateCreated, StateModified, StateApproved, StateRejected, StateCounterProposed}, to: StateModified},
	{action: ActionEdit, role: RoleOperator, from: []State{StateCreated, StateModified, StateApproved, StateRejected, StateCounterProposed}, to: StateModified},
}

// Allowed 角色能否执行该动作（不考虑当前状态）
func Allowed(role Role, action Action) bool {
	for _, r := range rules {
		if r.action == action && r.role == role {
			return true
		}
	}
	return false
}

// Next 查询 (状态, 角色, 动作) 的目标状态，不做任何修改
func Next(slot Slot, role Role, action Action) (State, error) {
	if !action.Valid() {
		return "", &SlotError{SlotID: slot.ID, Action: action, Err: ErrUnknownAction}
	}
	if !Allowed(role, action) {
		return "", &SlotError{SlotID: slot.ID, Action: action, Err: ErrPermissionDenied}
	}
	for _, r := range rules {
		if r.action != action || r.role != role || !slices.Contains(r.from, slot.state) {
			continue
		}
		if !proposalTurnOK(slot, role, action) {
			break
		}
		return r.to, nil
	}
	return "", &SlotError{SlotID: slot.ID, Action: action, State: slot.state, Err: ErrInvalidTransition}
}

// proposalTurnOK 反提议必须由另一方处理：
// 审核方只能批准所有者的提议，所有者只能接受/拒绝审核方的提议。
func proposalTurnOK(slot Slot, role Role, action Action) bool {
	if slot.state != StateCounterProposed {
		return true
	}
	switch action {
	case ActionApprove:
		return slot.proposedBy == RoleOwner
	case ActionAcceptCounter, ActionRejectCounter:
		return slot.proposedBy == RoleOperator
	}
	return true
}

// Apply 计算动作后的新时段值。
// 顺序：先校验时间范围，再校验权限，最后校验前置状态；任一失败都不修改时段。
func Apply(slot Slot, role Role, action Action, p Payload) (Slot, Outcome, error) {
	if err := validatePayload(action, p); err != nil {
		return slot, Outcome{}, &SlotError{SlotID: slot.ID, Action: action, Err: err}
	}

	to, err := Next(slot, role, action)
	if err != nil {
		return slot, Outcome{}, err
	}

	before := slot
	next := slot.clone()

	switch action {
	case ActionApprove:
		if next.proposal != nil {
			next.Actual = *next.proposal
		}
		next.Reason = ""
	case ActionReject:
		next.Reason = p.Reason
	case ActionCounterPropose:
		terms := p.Terms.normalize()
		next.proposal = &terms
		next.proposedBy = role
	case ActionAcceptCounter:
		next.Actual = *next.proposal
	case ActionRejectCounter:
		next.Actual = p.Terms.normalize()
	case ActionEdit:
		if p.Terms != nil {
			next.Actual = p.Terms.normalize()
		}
		if p.SalleIDs != nil {
			next.SalleIDs = NormalizeIDs(*p.SalleIDs)
		}
		if p.ClassIDs != nil {
			next.ClassIDs = NormalizeIDs(*p.ClassIDs)
		}
	}

	next.state = to
	if to != StateCounterProposed {
		next.proposal = nil
		next.proposedBy = RoleOther
	}

	at := p.At
	if at.IsZero() {
		at = time.Now()
	}
	next.ModifiedBy = append(next.ModifiedBy, Modification{UserID: p.ActorID, Date: at, Action: action})

	return next, Outcome{From: before.state, To: to, Changed: changedFields(before, next)}, nil
}

func validatePayload(action Action, p Payload) error {
	switch action {
	case ActionCounterPropose, ActionRejectCounter:
		if p.Terms == nil {
			return ErrInvalidTimeRange
		}
		return p.Terms.Validate()
	case ActionEdit:
		if p.Terms != nil {
			return p.Terms.Validate()
		}
	}
	return nil
}

func changedFields(a, b Slot) []Field {
	var out []Field
	if a.state != b.state {
		out = append(out, FieldState)
	}
	if !a.Actual.Start.Equal(b.Actual.Start) {
		out = append(out, FieldStartDate)
	}
	if !a.Actual.End.Equal(b.Actual.End) {
		out = append(out, FieldEndDate)
	}
	if !sameDay(a.Actual.Date, b.Actual.Date) {
		out = append(out, FieldTimeslotDate)
	}
	if a.Actual.Notes != b.Actual.Notes {
		out = append(out, FieldNotes)
	}
	if !SameIDSet(a.SalleIDs, b.SalleIDs) {
		out = append(out, FieldSalleIDs)
	}
	if !SameIDSet(a.ClassIDs, b.ClassIDs) {
		out = append(out, FieldClassIDs)
	}
	pa, pb := a.proposal, b.proposal
	switch {
	case pa == nil && pb == nil:
	case pa == nil || pb == nil || !pa.equal(*pb):
		out = append(out, FieldProposedStartDate, FieldProposedEndDate, FieldProposedTimeslotDate, FieldProposedNotes)
	}
	out = append(out, FieldModifiedBy)
	return out
}
