package dto

import (
	"time"

	"labflow/internal/workflow"
)

// ── 事件模块 DTO ──

// DraftSlotInput 规划编辑器提交的一行
type DraftSlotInput struct {
	ID           string  `json:"id"`
	TimeslotDate string  `json:"timeslotDate" binding:"required,ymd"`
	Start        string  `json:"start"        binding:"required,hhmm"`
	End          string  `json:"end"          binding:"required,hhmm"`
	SalleIDs     []int64 `json:"salleIds"     binding:"omitempty,dive,min=1"`
	ClassIDs     []int64 `json:"classIds"     binding:"omitempty,dive,min=1"`
	Notes        string  `json:"notes"        binding:"max=2000"`
}

// Row 转换为草稿行
func (d DraftSlotInput) Row() workflow.DraftRow {
	return workflow.DraftRow{
		ID:       d.ID,
		Date:     d.TimeslotDate,
		Start:    d.Start,
		End:      d.End,
		SalleIDs: d.SalleIDs,
		ClassIDs: d.ClassIDs,
		Notes:    d.Notes,
	}
}

// PlanningRowInput 规划编辑器整体保存中的一行。
// 日期与起止时间允许留空：未填写完整的行在计算差异时被丢弃，不阻止其他行保存。
type PlanningRowInput struct {
	ID           string  `json:"id"`
	TimeslotDate string  `json:"timeslotDate" binding:"omitempty,ymd"`
	Start        string  `json:"start"        binding:"omitempty,hhmm"`
	End          string  `json:"end"          binding:"omitempty,hhmm"`
	SalleIDs     []int64 `json:"salleIds"     binding:"omitempty,dive,min=1"`
	ClassIDs     []int64 `json:"classIds"     binding:"omitempty,dive,min=1"`
	Notes        string  `json:"notes"        binding:"max=2000"`
}

// Row 转换为草稿行
func (d PlanningRowInput) Row() workflow.DraftRow {
	return DraftSlotInput(d).Row()
}

// CreateEventRequest 创建事件请求，初始时段状态为 created
type CreateEventRequest struct {
	Title       string           `json:"title"       binding:"required,min=1,max=200"`
	Description string           `json:"description" binding:"max=5000"`
	Discipline  string           `json:"discipline"  binding:"required,oneof=chimie physique"`
	Materials   string           `json:"materials"   binding:"max=5000"`
	Slots       []DraftSlotInput `json:"slots"       binding:"required,min=1,max=200,dive"`
}

// UpdateEventRequest 更新事件描述信息
type UpdateEventRequest struct {
	Title       *string `json:"title"       binding:"omitempty,min=1,max=200"`
	Description *string `json:"description" binding:"omitempty,max=5000"`
	Discipline  *string `json:"discipline"  binding:"omitempty,oneof=chimie physique"`
	Materials   *string `json:"materials"   binding:"omitempty,max=5000"`
}

// CancelEventRequest 取消事件请求
type CancelEventRequest struct {
	Reason string `json:"reason" binding:"max=500"`
}

// EventListRequest 事件列表查询参数
type EventListRequest struct {
	PaginationRequest
	State string `form:"state" binding:"omitempty,oneof=PENDING VALIDATED CANCELLED MOVED IN_PROGRESS"`
	Mine  bool   `form:"mine"`
}

// PlanningRequest 规划编辑器整体保存
type PlanningRequest struct {
	Rows []PlanningRowInput `json:"rows" binding:"max=200,dive"`
}

// PlanningResponse 规划保存结果
type PlanningResponse struct {
	Created    int           `json:"created"`
	Updated    int           `json:"updated"`
	Deleted    []string      `json:"deleted"`
	Failed     []string      `json:"failed,omitempty"`
	Recomputed bool          `json:"recomputed"`
	Event      EventResponse `json:"event"`
}

// EventResponse 事件信息
type EventResponse struct {
	ID              string                `json:"id"`
	Title           string                `json:"title"`
	Description     string                `json:"description"`
	Discipline      string                `json:"discipline"`
	Materials       string                `json:"materials"`
	OwnerID         string                `json:"ownerId"`
	State           string                `json:"state"`
	ValidationState string                `json:"validationState"`
	SalleIDs        []int64               `json:"salleIds"`
	ClassIDs        []int64               `json:"classIds"`
	StartDate       *time.Time            `json:"startDate,omitempty"`
	EndDate         *time.Time            `json:"endDate,omitempty"`
	LastStateChange *workflow.StateChange `json:"lastStateChange,omitempty"`
	Role            string                `json:"role,omitempty"` // 当前用户相对该事件的角色
	Version         int                   `json:"version"`
	Slots           []SlotResponse        `json:"slots,omitempty"`
}

// RecomputeResponse 派生字段重算结果
type RecomputeResponse struct {
	Changed   bool       `json:"changed"`
	SalleIDs  []int64    `json:"salleIds"`
	ClassIDs  []int64    `json:"classIds"`
	StartDate *time.Time `json:"startDate,omitempty"`
	EndDate   *time.Time `json:"endDate,omitempty"`
}
