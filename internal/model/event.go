package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"gorm.io/datatypes"

	"labflow/internal/workflow"
)

// Event 实验课事件表：对应 events
// salle_ids / class_ids / start_date / end_date 由时段集合派生，只在重算事务中写入。
type Event struct {
	EventID         string         `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"    json:"id"`
	Title           string         `gorm:"type:varchar(200);not null"                        json:"title"`
	Description     string         `gorm:"type:text;not null;default:''"                     json:"description"`
	Discipline      string         `gorm:"type:varchar(100);not null;default:''"             json:"discipline"`
	Materials       string         `gorm:"type:text;not null;default:''"                     json:"materials"`
	OwnerID         string         `gorm:"type:uuid;not null;index"                          json:"ownerId"`
	State           string         `gorm:"type:varchar(20);not null;default:'PENDING'"       json:"state"`
	ValidationState string         `gorm:"type:varchar(20);not null;default:'operatorPending'" json:"validationState"`
	SalleIDs        pq.Int64Array  `gorm:"type:bigint[];not null;default:'{}'"               json:"salleIds"`
	ClassIDs        pq.Int64Array  `gorm:"type:bigint[];not null;default:'{}'"               json:"classIds"`
	StartDate       *time.Time     `                                                         json:"startDate,omitempty"`
	EndDate         *time.Time     `                                                         json:"endDate,omitempty"`
	LastStateChange datatypes.JSON `gorm:"type:jsonb"                                        json:"lastStateChange,omitempty"`
	VersionedModel

	// 关联
	Owner *User  `gorm:"foreignKey:OwnerID;references:UserID" json:"owner,omitempty"`
	Slots []Slot `gorm:"foreignKey:EventID;references:EventID" json:"slots,omitempty"`
}

// TableName 指定表名
func (Event) TableName() string { return "events" }

// Status 事件状态部分的领域值
func (e *Event) Status() (workflow.EventStatus, error) {
	st := workflow.EventStatus{
		State:           workflow.EventState(e.State),
		ValidationState: workflow.ValidationState(e.ValidationState),
	}
	if len(e.LastStateChange) > 0 && string(e.LastStateChange) != "null" {
		var ch workflow.StateChange
		if err := json.Unmarshal(e.LastStateChange, &ch); err != nil {
			return st, fmt.Errorf("事件 %s: 解析 lastStateChange 失败: %w", e.EventID, err)
		}
		st.LastChange = &ch
	}
	return st, nil
}

// SetStatus 写回状态部分
func (e *Event) SetStatus(st workflow.EventStatus) error {
	e.State = string(st.State)
	e.ValidationState = string(st.ValidationState)
	if st.LastChange == nil {
		e.LastStateChange = nil
		return nil
	}
	raw, err := json.Marshal(st.LastChange)
	if err != nil {
		return fmt.Errorf("事件 %s: 序列化 lastStateChange 失败: %w", e.EventID, err)
	}
	e.LastStateChange = datatypes.JSON(raw)
	return nil
}

// SetDerived 写回派生字段
func (e *Event) SetDerived(d workflow.Derived) {
	e.SalleIDs = pq.Int64Array(d.SalleIDs)
	e.ClassIDs = pq.Int64Array(d.ClassIDs)
	e.StartDate = d.StartBound
	e.EndDate = d.EndBound
}

// DomainSlots 将已加载的时段转换为领域值
func (e *Event) DomainSlots() ([]workflow.Slot, error) {
	out := make([]workflow.Slot, 0, len(e.Slots))
	for i := range e.Slots {
		d, err := e.Slots[i].ToDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
