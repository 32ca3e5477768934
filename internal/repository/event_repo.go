package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"labflow/internal/model"
	pkgerrors "labflow/pkg/errors"
)

// EventFilter 事件列表筛选条件
type EventFilter struct {
	OwnerID string
	State   string
	Offset  int
	Limit   int
}

// RecomputeFunc 在锁定事件行后调用，修改 ev 的派生字段；返回 false 表示无需写回
type RecomputeFunc func(ev *model.Event, slots []model.Slot) (write bool, err error)

// EventRepository 事件数据访问接口
type EventRepository interface {
	// Create 在同一事务中创建事件及其初始时段
	Create(ctx context.Context, event *model.Event) error
	// GetByID 读取事件及其全部时段
	GetByID(ctx context.Context, id string) (*model.Event, error)
	List(ctx context.Context, f EventFilter) ([]model.Event, int64, error)
	ListIDsByState(ctx context.Context, state string) ([]string, error)
	// Update 写回标题/描述/材料与状态字段，按 version 乐观锁
	Update(ctx context.Context, event *model.Event) error
	// Recompute 单事务内 SELECT ... FOR UPDATE 锁定事件行、读取时段并按需写回派生字段
	Recompute(ctx context.Context, id string, fn RecomputeFunc) (*model.Event, error)
}

type eventRepo struct {
	db *gorm.DB
}

// NewEventRepo 创建 EventRepository 实例
func NewEventRepo(db *gorm.DB) EventRepository {
	return &eventRepo{db: db}
}

func (r *eventRepo) Create(ctx context.Context, event *model.Event) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		slots := event.Slots
		event.Slots = nil
		if err := tx.Omit(clause.Associations).Create(event).Error; err != nil {
			return err
		}
		for i := range slots {
			slots[i].EventID = event.EventID
		}
		if len(slots) > 0 {
			if err := tx.Create(&slots).Error; err != nil {
				return err
			}
		}
		event.Slots = slots
		return nil
	})
}

func (r *eventRepo) GetByID(ctx context.Context, id string) (*model.Event, error) {
	var event model.Event
	err := r.db.WithContext(ctx).
		Preload("Slots", func(db *gorm.DB) *gorm.DB {
			return db.Order("start_date ASC, slot_id ASC")
		}).
		Where("event_id = ?", id).
		First(&event).Error
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *eventRepo) List(ctx context.Context, f EventFilter) ([]model.Event, int64, error) {
	var events []model.Event
	var total int64

	db := r.db.WithContext(ctx).Model(&model.Event{})
	if f.OwnerID != "" {
		db = db.Where("owner_id = ?", f.OwnerID)
	}
	if f.State != "" {
		db = db.Where("state = ?", f.State)
	}

	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	if err := db.Offset(f.Offset).Limit(limit).
		Order("start_date ASC NULLS LAST, created_at DESC").
		Find(&events).Error; err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

func (r *eventRepo) ListIDsByState(ctx context.Context, state string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&model.Event{}).
		Where("state = ?", state).
		Pluck("event_id", &ids).Error
	return ids, err
}

func (r *eventRepo) Update(ctx context.Context, event *model.Event) error {
	oldVersion := event.Version
	result := r.db.WithContext(ctx).
		Model(&model.Event{}).
		Where("event_id = ? AND version = ?", event.EventID, oldVersion).
		Updates(map[string]interface{}{
			"title":             event.Title,
			"description":       event.Description,
			"discipline":        event.Discipline,
			"materials":         event.Materials,
			"state":             event.State,
			"validation_state":  event.ValidationState,
			"last_state_change": event.LastStateChange,
			"updated_by":        event.UpdatedBy,
			"version":           oldVersion + 1,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return pkgerrors.ErrOptimisticLock
	}
	event.Version = oldVersion + 1
	return nil
}

func (r *eventRepo) Recompute(ctx context.Context, id string, fn RecomputeFunc) (*model.Event, error) {
	var event model.Event
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("event_id = ?", id).
			First(&event).Error; err != nil {
			return err
		}

		var slots []model.Slot
		if err := tx.Where("event_id = ?", id).
			Order("start_date ASC, slot_id ASC").
			Find(&slots).Error; err != nil {
			return err
		}

		write, err := fn(&event, slots)
		if err != nil || !write {
			return err
		}

		// 派生字段不参与乐观锁版本号，行锁已保证互斥
		return tx.Model(&model.Event{}).
			Where("event_id = ?", id).
			Updates(map[string]interface{}{
				"salle_ids":        event.SalleIDs,
				"class_ids":        event.ClassIDs,
				"start_date":       event.StartDate,
				"end_date":         event.EndDate,
				"validation_state": event.ValidationState,
				"updated_at":       time.Now(),
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return &event, nil
}
