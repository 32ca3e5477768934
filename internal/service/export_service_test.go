package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"labflow/internal/workflow"
)

// ── 测试辅助 ──

func setupTestExportService(m *memStore) ExportService {
	return NewExportService(testConfig(), m.repo(), zap.NewNop())
}

// ── ExportEventXLSX 测试 ──

func TestExportService_XLSX(t *testing.T) {
	m := newMemStore()
	svc := setupTestExportService(m)
	seedEvent(t, m, "ev-12345678-x", "PENDING",
		seedSlot("A", "approved", "2025-03-10T09:00", 3, 1),
		seedSlot("B", "counter_proposed", "2025-03-11T09:00", 4),
	)

	buf, filename, err := svc.ExportEventXLSX(context.Background(), asOwner, "ev-12345678-x")
	if err != nil {
		t.Fatalf("导出失败: %v", err)
	}
	if filename != "event_ev-12345.xlsx" {
		t.Errorf("文件名错误: %s", filename)
	}

	f, err := excelize.OpenReader(buf)
	if err != nil {
		t.Fatalf("无法解析生成的文件: %v", err)
	}
	defer f.Close()

	if v, _ := f.GetCellValue("时段", "A3"); v != "2025-03-10" {
		t.Errorf("A3 应为日期，实际 %q", v)
	}
	if v, _ := f.GetCellValue("时段", "E3"); v != "1, 3" {
		t.Errorf("房间列应排序输出，实际 %q", v)
	}
	if v, _ := f.GetCellValue("时段", "H4"); v != "2025-03-11 10:00" {
		t.Errorf("提议开始时间错误，实际 %q", v)
	}
}

func TestExportService_XLSX_Stranger(t *testing.T) {
	m := newMemStore()
	svc := setupTestExportService(m)
	seedEvent(t, m, "ev-1", "PENDING", seedSlot("A", "approved", "2025-03-10T09:00", 3))

	_, _, err := svc.ExportEventXLSX(context.Background(), asStranger, "ev-1")
	if !errors.Is(err, workflow.ErrPermissionDenied) {
		t.Errorf("期望 ErrPermissionDenied，实际: %v", err)
	}
}

func TestExportService_NotFound(t *testing.T) {
	svc := setupTestExportService(newMemStore())

	_, _, err := svc.ExportEventICS(context.Background(), asOperator, "nonexistent")
	if !errors.Is(err, ErrEventNotFound) {
		t.Errorf("期望 ErrEventNotFound，实际: %v", err)
	}
}

// ── ExportEventICS 测试 ──

func TestExportService_ICS(t *testing.T) {
	m := newMemStore()
	svc := setupTestExportService(m)
	seedEvent(t, m, "ev-1", "PENDING",
		seedSlot("A", "approved", "2025-03-10T09:00", 3),
		seedSlot("B", "counter_proposed", "2025-03-11T09:00", 4),
		seedSlot("C", "created", "2025-03-12T09:00", 5),
	)

	buf, filename, err := svc.ExportEventICS(context.Background(), asOperator, "ev-1")
	if err != nil {
		t.Fatalf("导出失败: %v", err)
	}
	if !strings.HasSuffix(filename, ".ics") {
		t.Errorf("文件名错误: %s", filename)
	}
	out := buf.String()
	if n := strings.Count(out, "BEGIN:VEVENT"); n != 2 {
		t.Errorf("应包含已批准时段与提议两个条目，实际 %d", n)
	}
	if !strings.Contains(out, "UID:A@labflow") {
		t.Error("缺少已批准时段")
	}
	if !strings.Contains(out, "TENTATIVE") {
		t.Error("提议应标记为 TENTATIVE")
	}
	if strings.Contains(out, "UID:C@") {
		t.Error("未批准时段不应导出")
	}
}

func TestExportService_ICS_NothingApproved(t *testing.T) {
	m := newMemStore()
	svc := setupTestExportService(m)
	seedEvent(t, m, "ev-1", "PENDING", seedSlot("A", "created", "2025-03-10T09:00", 3))

	_, _, err := svc.ExportEventICS(context.Background(), asOwner, "ev-1")
	if !errors.Is(err, ErrExportNoSlots) {
		t.Errorf("期望 ErrExportNoSlots，实际: %v", err)
	}
}
