package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"gorm.io/datatypes"

	"labflow/internal/workflow"
)

// Slot 实验课时段表：对应 slots
// proposed_* 字段只在 state = counter_proposed 时非空。
type Slot struct {
	SlotID               string         `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"  json:"id"`
	EventID              string         `gorm:"type:uuid;not null;index"                        json:"eventId"`
	StartDate            time.Time      `gorm:"not null"                                        json:"startDate"`
	EndDate              time.Time      `gorm:"not null"                                        json:"endDate"`
	TimeslotDate         time.Time      `gorm:"type:date;not null"                              json:"timeslotDate"`
	Notes                string         `gorm:"type:text;not null;default:''"                   json:"notes"`
	SalleIDs             pq.Int64Array  `gorm:"type:bigint[];not null;default:'{}'"             json:"salleIds"`
	ClassIDs             pq.Int64Array  `gorm:"type:bigint[];not null;default:'{}'"             json:"classIds"`
	ProposedStartDate    *time.Time     `                                                       json:"proposedStartDate,omitempty"`
	ProposedEndDate      *time.Time     `                                                       json:"proposedEndDate,omitempty"`
	ProposedTimeslotDate *time.Time     `gorm:"type:date"                                       json:"proposedTimeslotDate,omitempty"`
	ProposedNotes        *string        `gorm:"type:text"                                       json:"proposedNotes,omitempty"`
	ProposedBy           string         `gorm:"type:varchar(20);not null;default:''"            json:"proposedBy,omitempty"`
	State                string         `gorm:"type:varchar(20);not null;default:'created'"     json:"state"`
	Reason               string         `gorm:"type:text;not null;default:''"                   json:"reason,omitempty"`
	ModifiedBy           datatypes.JSON `gorm:"type:jsonb;not null;default:'[]'"                json:"modifiedBy"`
	VersionedModel
}

// TableName 指定表名
func (Slot) TableName() string { return "slots" }

// ToDomain 转换为状态机使用的领域值，校验提议字段不变式
func (s *Slot) ToDomain() (workflow.Slot, error) {
	var log []workflow.Modification
	if len(s.ModifiedBy) > 0 {
		if err := json.Unmarshal(s.ModifiedBy, &log); err != nil {
			return workflow.Slot{}, fmt.Errorf("时段 %s: 解析 modifiedBy 失败: %w", s.SlotID, err)
		}
	}

	d := workflow.Slot{
		ID:      s.SlotID,
		EventID: s.EventID,
		Actual: workflow.Terms{
			Start: s.StartDate,
			End:   s.EndDate,
			Date:  s.TimeslotDate,
			Notes: s.Notes,
		},
		SalleIDs:   workflow.NormalizeIDs(s.SalleIDs),
		ClassIDs:   workflow.NormalizeIDs(s.ClassIDs),
		ModifiedBy: log,
		Reason:     s.Reason,
	}

	var proposal *workflow.Terms
	if s.ProposedStartDate != nil && s.ProposedEndDate != nil {
		p := workflow.Terms{Start: *s.ProposedStartDate, End: *s.ProposedEndDate}
		if s.ProposedTimeslotDate != nil {
			p.Date = *s.ProposedTimeslotDate
		}
		if s.ProposedNotes != nil {
			p.Notes = *s.ProposedNotes
		}
		proposal = &p
	}
	return workflow.RestoreSlot(d, workflow.State(s.State), proposal, workflow.ParseRole(s.ProposedBy))
}

// FromDomain 将领域值写回模型；主键、归属事件与版本号保持不变
func (s *Slot) FromDomain(d workflow.Slot) error {
	log, err := json.Marshal(modificationsOrEmpty(d.ModifiedBy))
	if err != nil {
		return fmt.Errorf("时段 %s: 序列化 modifiedBy 失败: %w", s.SlotID, err)
	}

	s.StartDate = d.Actual.Start
	s.EndDate = d.Actual.End
	s.TimeslotDate = d.Actual.Date
	s.Notes = d.Actual.Notes
	s.SalleIDs = pq.Int64Array(workflow.NormalizeIDs(d.SalleIDs))
	s.ClassIDs = pq.Int64Array(workflow.NormalizeIDs(d.ClassIDs))
	s.State = string(d.State())
	s.Reason = d.Reason
	s.ModifiedBy = datatypes.JSON(log)

	s.ProposedStartDate, s.ProposedEndDate, s.ProposedTimeslotDate, s.ProposedNotes = nil, nil, nil, nil
	s.ProposedBy = ""
	if p, ok := d.Proposal(); ok {
		start, end, date, notes := p.Start, p.End, p.Date, p.Notes
		s.ProposedStartDate = &start
		s.ProposedEndDate = &end
		s.ProposedTimeslotDate = &date
		s.ProposedNotes = &notes
		s.ProposedBy = string(d.ProposedBy())
	}
	return nil
}

// NewSlotModel 由新建的领域时段生成待插入的模型
func NewSlotModel(d workflow.Slot) (*Slot, error) {
	m := &Slot{SlotID: d.ID, EventID: d.EventID}
	if err := m.FromDomain(d); err != nil {
		return nil, err
	}
	return m, nil
}

func modificationsOrEmpty(in []workflow.Modification) []workflow.Modification {
	if in == nil {
		return []workflow.Modification{}
	}
	return in
}
