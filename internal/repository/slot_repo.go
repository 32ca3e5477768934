package repository

import (
	"context"

	"gorm.io/gorm"

	"labflow/internal/model"
	pkgerrors "labflow/pkg/errors"
)

// SlotRepository 时段数据访问接口
type SlotRepository interface {
	GetByID(ctx context.Context, id string) (*model.Slot, error)
	ListByEvent(ctx context.Context, eventID string) ([]model.Slot, error)
	BatchCreate(ctx context.Context, slots []model.Slot) error
	// Update 按 version 乐观锁写回全部可变字段，冲突时返回 pkgerrors.ErrOptimisticLock
	Update(ctx context.Context, slot *model.Slot) error
	Delete(ctx context.Context, eventID, slotID string) error
}

type slotRepo struct {
	db *gorm.DB
}

// NewSlotRepo 创建 SlotRepository 实例
func NewSlotRepo(db *gorm.DB) SlotRepository {
	return &slotRepo{db: db}
}

func (r *slotRepo) GetByID(ctx context.Context, id string) (*model.Slot, error) {
	var slot model.Slot
	err := r.db.WithContext(ctx).
		Where("slot_id = ?", id).
		First(&slot).Error
	if err != nil {
		return nil, err
	}
	return &slot, nil
}

func (r *slotRepo) ListByEvent(ctx context.Context, eventID string) ([]model.Slot, error) {
	var slots []model.Slot
	err := r.db.WithContext(ctx).
		Where("event_id = ?", eventID).
		Order("start_date ASC, slot_id ASC").
		Find(&slots).Error
	return slots, err
}

func (r *slotRepo) BatchCreate(ctx context.Context, slots []model.Slot) error {
	if len(slots) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&slots).Error
}

func (r *slotRepo) Update(ctx context.Context, slot *model.Slot) error {
	oldVersion := slot.Version
	result := r.db.WithContext(ctx).
		Model(&model.Slot{}).
		Where("slot_id = ? AND version = ?", slot.SlotID, oldVersion).
		Updates(map[string]interface{}{
			"start_date":             slot.StartDate,
			"end_date":               slot.EndDate,
			"timeslot_date":          slot.TimeslotDate,
			"notes":                  slot.Notes,
			"salle_ids":              slot.SalleIDs,
			"class_ids":              slot.ClassIDs,
			"proposed_start_date":    slot.ProposedStartDate,
			"proposed_end_date":      slot.ProposedEndDate,
			"proposed_timeslot_date": slot.ProposedTimeslotDate,
			"proposed_notes":         slot.ProposedNotes,
			"proposed_by":            slot.ProposedBy,
			"state":                  slot.State,
			"reason":                 slot.Reason,
			"modified_by":            slot.ModifiedBy,
			"updated_by":             slot.UpdatedBy,
			"version":                oldVersion + 1,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return pkgerrors.ErrOptimisticLock
	}
	slot.Version = oldVersion + 1
	return nil
}

func (r *slotRepo) Delete(ctx context.Context, eventID, slotID string) error {
	result := r.db.WithContext(ctx).
		Where("slot_id = ? AND event_id = ?", slotID, eventID).
		Delete(&model.Slot{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
