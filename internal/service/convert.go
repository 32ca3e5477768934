package service

import (
	"time"

	"labflow/internal/dto"
	"labflow/internal/model"
	"labflow/internal/workflow"
)

// Actor 当前请求的用户
type Actor struct {
	UserID     string
	CanOperate bool
}

// roleFor 解析用户相对事件的角色
func roleFor(actor Actor, ev *model.Event) workflow.Role {
	return workflow.ResolveRole(actor.UserID, actor.CanOperate, ev.OwnerID)
}

// termsFromInput 将请求中的时间条款换算为领域值。
// timeslotDate 按业务时区解释；缺省时取开始时间在业务时区下的日历日。
func termsFromInput(in *dto.TermsInput, loc *time.Location) *workflow.Terms {
	if in == nil {
		return nil
	}
	if loc == nil {
		loc = time.UTC
	}
	t := &workflow.Terms{Start: in.StartDate, End: in.EndDate, Notes: in.Notes}
	if in.TimeslotDate != "" {
		if d, err := time.ParseInLocation(workflow.DateLayout, in.TimeslotDate, loc); err == nil {
			t.Date = d
		}
	}
	if t.Date.IsZero() && !in.StartDate.IsZero() {
		y, m, d := in.StartDate.In(loc).Date()
		t.Date = time.Date(y, m, d, 0, 0, 0, 0, loc)
	}
	return t
}

func toSlotResponse(m *model.Slot) dto.SlotResponse {
	resp := dto.SlotResponse{
		ID:                m.SlotID,
		EventID:           m.EventID,
		StartDate:         m.StartDate,
		EndDate:           m.EndDate,
		TimeslotDate:      m.TimeslotDate.Format(workflow.DateLayout),
		Notes:             m.Notes,
		SalleIDs:          workflow.NormalizeIDs(m.SalleIDs),
		ClassIDs:          workflow.NormalizeIDs(m.ClassIDs),
		ProposedStartDate: m.ProposedStartDate,
		ProposedEndDate:   m.ProposedEndDate,
		ProposedNotes:     m.ProposedNotes,
		ProposedBy:        m.ProposedBy,
		State:             m.State,
		Reason:            m.Reason,
		ModifiedBy:        []workflow.Modification{},
		Version:           m.Version,
	}
	if m.ProposedTimeslotDate != nil {
		d := m.ProposedTimeslotDate.Format(workflow.DateLayout)
		resp.ProposedTimeslotDate = &d
	}
	if d, err := m.ToDomain(); err == nil && d.ModifiedBy != nil {
		resp.ModifiedBy = d.ModifiedBy
	}
	return resp
}

func toEventResponse(ev *model.Event, role workflow.Role) dto.EventResponse {
	resp := dto.EventResponse{
		ID:              ev.EventID,
		Title:           ev.Title,
		Description:     ev.Description,
		Discipline:      ev.Discipline,
		Materials:       ev.Materials,
		OwnerID:         ev.OwnerID,
		State:           ev.State,
		ValidationState: ev.ValidationState,
		SalleIDs:        workflow.NormalizeIDs(ev.SalleIDs),
		ClassIDs:        workflow.NormalizeIDs(ev.ClassIDs),
		StartDate:       ev.StartDate,
		EndDate:         ev.EndDate,
		Role:            string(role),
		Version:         ev.Version,
	}
	if st, err := ev.Status(); err == nil {
		resp.LastStateChange = st.LastChange
	}
	if len(ev.Slots) > 0 {
		resp.Slots = make([]dto.SlotResponse, 0, len(ev.Slots))
		for i := range ev.Slots {
			resp.Slots = append(resp.Slots, toSlotResponse(&ev.Slots[i]))
		}
	}
	return resp
}

func toUserResponse(u *model.User) dto.UserResponse {
	return dto.UserResponse{
		ID:         u.UserID,
		Name:       u.Name,
		Email:      u.Email,
		Role:       u.Role,
		CanOperate: u.CanOperate(),
	}
}
