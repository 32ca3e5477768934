package dto

import (
	"time"

	"labflow/internal/workflow"
)

// ── 时段模块 DTO ──

// TermsInput 提议或编辑携带的时间条款
type TermsInput struct {
	StartDate    time.Time `json:"startDate"    binding:"required"`
	EndDate      time.Time `json:"endDate"      binding:"required"`
	TimeslotDate string    `json:"timeslotDate" binding:"omitempty,ymd"`
	Notes        string    `json:"notes"        binding:"max=2000"`
}

// SlotActionRequest 单个时段动作请求
type SlotActionRequest struct {
	Action   string      `json:"action"   binding:"required,oneof=approve reject counter_propose accept_counter reject_counter edit"`
	Terms    *TermsInput `json:"terms"`
	SalleIDs *[]int64    `json:"salleIds" binding:"omitempty,dive,min=1"`
	ClassIDs *[]int64    `json:"classIds" binding:"omitempty,dive,min=1"`
	Reason   string      `json:"reason"   binding:"max=500"`
}

// BulkSlotActionRequest 批量时段动作请求
type BulkSlotActionRequest struct {
	SlotIDs []string    `json:"slotIds" binding:"required,min=1,max=200,dive,uuid"`
	Action  string      `json:"action"  binding:"required,oneof=approve reject counter_propose accept_counter reject_counter edit"`
	Terms   *TermsInput `json:"terms"`
	Reason  string      `json:"reason"  binding:"max=500"`
}

// SlotResponse 时段信息；字段名与持久化 JSON 一致
type SlotResponse struct {
	ID                   string                  `json:"id"`
	EventID              string                  `json:"eventId"`
	StartDate            time.Time               `json:"startDate"`
	EndDate              time.Time               `json:"endDate"`
	TimeslotDate         string                  `json:"timeslotDate"`
	Notes                string                  `json:"notes"`
	SalleIDs             []int64                 `json:"salleIds"`
	ClassIDs             []int64                 `json:"classIds"`
	ProposedStartDate    *time.Time              `json:"proposedStartDate,omitempty"`
	ProposedEndDate      *time.Time              `json:"proposedEndDate,omitempty"`
	ProposedTimeslotDate *string                 `json:"proposedTimeslotDate,omitempty"`
	ProposedNotes        *string                 `json:"proposedNotes,omitempty"`
	ProposedBy           string                  `json:"proposedBy,omitempty"`
	State                string                  `json:"state"`
	Reason               string                  `json:"reason,omitempty"`
	ModifiedBy           []workflow.Modification `json:"modifiedBy"`
	Version              int                     `json:"version"`
}

// SlotActionResponse 单个时段动作结果
type SlotActionResponse struct {
	Slot       SlotResponse   `json:"slot"`
	PriorState string         `json:"priorState"`
	NewState   string         `json:"newState"`
	Changed    []string       `json:"changed"`
	Event      *EventResponse `json:"event,omitempty"`
}

// BulkItemResult 批量动作中单个时段的结果
type BulkItemResult struct {
	SlotID string `json:"slotId"`
	OK     bool   `json:"ok"`
	Code   int    `json:"code,omitempty"`
	Error  string `json:"error,omitempty"`
}

// BulkSlotActionResponse 批量动作结果；部分失败不影响整体返回
type BulkSlotActionResponse struct {
	Action  string           `json:"action"`
	Results []BulkItemResult `json:"results"`
	Failed  []string         `json:"failed"`
	Event   *EventResponse   `json:"event,omitempty"`
}
