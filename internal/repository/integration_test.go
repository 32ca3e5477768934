//go:build integration

package repository_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"labflow/internal/model"
	"labflow/internal/repository"
	"labflow/pkg/database"
	pkgerrors "labflow/pkg/errors"
)

// ═══════════════════════════════════════════════════════════
// Test Setup
// ═══════════════════════════════════════════════════════════

var testDB *gorm.DB

func TestMain(m *testing.M) {
	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		dsn = "host=localhost port=5433 user=labflow password=labflow_password dbname=labflow_test sslmode=disable TimeZone=UTC"
	}

	var err error
	testDB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "无法连接测试数据库: %v\n", err)
		os.Exit(1)
	}

	sqlDB, err := testDB.DB()
	if err != nil {
		fmt.Fprintf(os.Stderr, "获取 sql.DB 失败: %v\n", err)
		os.Exit(1)
	}
	if err := database.RunMigrations(sqlDB, zap.NewNop()); err != nil {
		fmt.Fprintf(os.Stderr, "迁移失败: %v\n", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

// setupEvent 创建所有者、事件与两个时段，返回清理函数
func setupEvent(t *testing.T) (*model.Event, func()) {
	t.Helper()
	ctx := context.Background()

	owner := &model.User{
		Name:         "测试教师",
		Email:        fmt.Sprintf("owner-%d@example.test", time.Now().UnixNano()),
		PasswordHash: "x",
		Role:         model.RoleTeacher,
	}
	if err := testDB.WithContext(ctx).Create(owner).Error; err != nil {
		t.Fatalf("创建用户失败: %v", err)
	}

	start := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	ev := &model.Event{
		Title:   "TP chimie",
		OwnerID: owner.UserID,
		Slots: []model.Slot{
			{SlotID: uuid.NewString(), StartDate: start, EndDate: start.Add(time.Hour), TimeslotDate: start, SalleIDs: pq.Int64Array{1}, State: "created", ModifiedBy: []byte("[]")},
			{SlotID: uuid.NewString(), StartDate: start.Add(24 * time.Hour), EndDate: start.Add(25 * time.Hour), TimeslotDate: start.Add(24 * time.Hour), SalleIDs: pq.Int64Array{2}, State: "created", ModifiedBy: []byte("[]")},
		},
	}
	repo := repository.NewRepository(testDB)
	if err := repo.Event.Create(ctx, ev); err != nil {
		t.Fatalf("创建事件失败: %v", err)
	}

	cleanup := func() {
		testDB.Unscoped().Where("event_id = ?", ev.EventID).Delete(&model.Slot{})
		testDB.Unscoped().Where("event_id = ?", ev.EventID).Delete(&model.Event{})
		testDB.Unscoped().Where("user_id = ?", owner.UserID).Delete(&model.User{})
	}
	return ev, cleanup
}

func TestEvent_CreateAndGetWithSlots(t *testing.T) {
	ev, cleanup := setupEvent(t)
	defer cleanup()

	repo := repository.NewRepository(testDB)
	got, err := repo.Event.GetByID(context.Background(), ev.EventID)
	if err != nil {
		t.Fatalf("GetByID 失败: %v", err)
	}
	if len(got.Slots) != 2 {
		t.Fatalf("期望 2 个时段，实际 %d", len(got.Slots))
	}
	if !got.Slots[0].StartDate.Before(got.Slots[1].StartDate) {
		t.Error("时段应按开始时间排序")
	}
}

func TestOptimisticLock_Slot_ConflictDetected(t *testing.T) {
	ev, cleanup := setupEvent(t)
	defer cleanup()

	repo := repository.NewRepository(testDB)
	ctx := context.Background()
	id := ev.Slots[0].SlotID

	copy1, _ := repo.Slot.GetByID(ctx, id)
	copy2, _ := repo.Slot.GetByID(ctx, id)

	copy1.State = "approved"
	if err := repo.Slot.Update(ctx, copy1); err != nil {
		t.Fatalf("第一次更新应成功: %v", err)
	}

	copy2.State = "rejected"
	if err := repo.Slot.Update(ctx, copy2); !errors.Is(err, pkgerrors.ErrOptimisticLock) {
		t.Errorf("期望 ErrOptimisticLock，得到: %v", err)
	}
}

func TestRecompute_WritesOnlyWhenAsked(t *testing.T) {
	ev, cleanup := setupEvent(t)
	defer cleanup()

	repo := repository.NewRepository(testDB)
	ctx := context.Background()

	got, err := repo.Event.Recompute(ctx, ev.EventID, func(e *model.Event, slots []model.Slot) (bool, error) {
		if len(slots) != 2 {
			t.Errorf("事务内应读到 2 个时段，实际 %d", len(slots))
		}
		e.SalleIDs = pq.Int64Array{1, 2}
		return true, nil
	})
	if err != nil {
		t.Fatalf("Recompute 失败: %v", err)
	}
	if len(got.SalleIDs) != 2 {
		t.Errorf("期望返回写回后的事件，实际 %v", got.SalleIDs)
	}

	stored, _ := repo.Event.GetByID(ctx, ev.EventID)
	if len(stored.SalleIDs) != 2 {
		t.Errorf("派生字段未写回: %v", stored.SalleIDs)
	}

	// 不写回时数据保持不变
	_, err = repo.Event.Recompute(ctx, ev.EventID, func(e *model.Event, _ []model.Slot) (bool, error) {
		e.SalleIDs = nil
		return false, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	stored, _ = repo.Event.GetByID(ctx, ev.EventID)
	if len(stored.SalleIDs) != 2 {
		t.Error("write=false 时不应写回")
	}
}

func TestSlot_DeleteScopedToEvent(t *testing.T) {
	ev, cleanup := setupEvent(t)
	defer cleanup()

	repo := repository.NewRepository(testDB)
	ctx := context.Background()

	if err := repo.Slot.Delete(ctx, uuid.NewString(), ev.Slots[0].SlotID); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Errorf("跨事件删除应失败，实际 %v", err)
	}
	if err := repo.Slot.Delete(ctx, ev.EventID, ev.Slots[0].SlotID); err != nil {
		t.Fatalf("删除失败: %v", err)
	}
	slots, _ := repo.Slot.ListByEvent(ctx, ev.EventID)
	if len(slots) != 1 {
		t.Errorf("期望剩余 1 个时段，实际 %d", len(slots))
	}
}
