package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ics "github.com/arran4/golang-ical"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"labflow/config"
	"labflow/internal/model"
	"labflow/internal/repository"
	"labflow/internal/workflow"
)

// ── 导出模块业务错误 ──

var (
	ErrExportNoSlots      = errors.New("该事件没有可导出的时段")
	ErrExportGenerateFail = errors.New("生成导出文件失败")
)

// ExportService 导出业务接口
//
// 设计说明：
//   - xlsx 导出事件的全部时段，包括当前状态与未决提议
//   - ics 只包含已批准时段；处于反提议中的时段以 TENTATIVE 条目附带提议时间
//   - 导出以 bytes.Buffer 返回，由 Handler 层设置 HTTP 响应头后写入 Response
type ExportService interface {
	ExportEventXLSX(ctx context.Context, actor Actor, eventID string) (*bytes.Buffer, string, error)
	ExportEventICS(ctx context.Context, actor Actor, eventID string) (*bytes.Buffer, string, error)
}

type exportService struct {
	cfg    *config.Config
	repo   *repository.Repository
	logger *zap.Logger
	now    func() time.Time
}

// NewExportService 创建 ExportService 实例
func NewExportService(cfg *config.Config, repo *repository.Repository, logger *zap.Logger) ExportService {
	return &exportService{cfg: cfg, repo: repo, logger: logger, now: time.Now}
}

// load 读取事件并校验查看权限
func (s *exportService) load(ctx context.Context, actor Actor, eventID string) (*model.Event, error) {
	ev, err := s.repo.Event.GetByID(ctx, eventID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrEventNotFound
		}
		s.logger.Error("查询事件失败", zap.String("event_id", eventID), zap.Error(err))
		return nil, err
	}
	if roleFor(actor, ev) == workflow.RoleOther {
		return nil, workflow.ErrPermissionDenied
	}
	if len(ev.Slots) == 0 {
		return nil, ErrExportNoSlots
	}
	return ev, nil
}

// ═══════════════════════════════════════════════════════════
// ExportEventXLSX
// ═══════════════════════════════════════════════════════════
//
// 输出格式：
//   - 单个 Sheet "时段"
//   - 第 1 行为事件标题，第 2 行为表头
//   - 每个时段一行，时间按业务时区展示

var xlsxHeaders = []string{"日期", "开始", "结束", "状态", "房间", "班级", "备注", "提议开始", "提议结束", "提议方"}

func (s *exportService) ExportEventXLSX(ctx context.Context, actor Actor, eventID string) (*bytes.Buffer, string, error) {
	ev, err := s.load(ctx, actor, eventID)
	if err != nil {
		return nil, "", err
	}
	loc := s.cfg.Location()

	f := excelize.NewFile()
	defer f.Close()

	sheetName := "时段"
	idx, _ := f.NewSheet(sheetName)
	f.SetActiveSheet(idx)
	f.DeleteSheet("Sheet1")

	f.SetColWidth(sheetName, "A", "A", 12)
	f.SetColWidth(sheetName, "B", "C", 8)
	f.SetColWidth(sheetName, "D", "D", 18)
	f.SetColWidth(sheetName, "E", "G", 20)
	f.SetColWidth(sheetName, "H", "J", 18)

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 11},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#4472C4"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})

	// 标题行
	f.SetCellValue(sheetName, "A1", fmt.Sprintf("%s (%s)", ev.Title, ev.State))
	f.MergeCell(sheetName, "A1", cell(colName(len(xlsxHeaders)-1), 1))
	f.SetCellStyle(sheetName, "A1", "A1", headerStyle)

	// 表头
	for i, h := range xlsxHeaders {
		f.SetCellValue(sheetName, cell(colName(i), 2), h)
	}
	f.SetCellStyle(sheetName, "A2", cell(colName(len(xlsxHeaders)-1), 2), headerStyle)

	// 数据行
	row := 3
	for i := range ev.Slots {
		sl := &ev.Slots[i]
		values := []interface{}{
			sl.TimeslotDate.Format(workflow.DateLayout),
			sl.StartDate.In(loc).Format(workflow.ClockLayout),
			sl.EndDate.In(loc).Format(workflow.ClockLayout),
			sl.State,
			joinIDs(sl.SalleIDs),
			joinIDs(sl.ClassIDs),
			sl.Notes,
			"",
			"",
			sl.ProposedBy,
		}
		if sl.ProposedStartDate != nil && sl.ProposedEndDate != nil {
			values[7] = sl.ProposedStartDate.In(loc).Format("2006-01-02 15:04")
			values[8] = sl.ProposedEndDate.In(loc).Format("2006-01-02 15:04")
		}
		for c, v := range values {
			f.SetCellValue(sheetName, cell(colName(c), row), v)
		}
		row++
	}

	buf := new(bytes.Buffer)
	if err := f.Write(buf); err != nil {
		s.logger.Error("写入 Excel 失败", zap.String("event_id", eventID), zap.Error(err))
		return nil, "", ErrExportGenerateFail
	}
	return buf, fmt.Sprintf("event_%s.xlsx", shortID(ev.EventID)), nil
}

// ═══════════════════════════════════════════════════════════
// ExportEventICS
// ═══════════════════════════════════════════════════════════

func (s *exportService) ExportEventICS(ctx context.Context, actor Actor, eventID string) (*bytes.Buffer, string, error) {
	ev, err := s.load(ctx, actor, eventID)
	if err != nil {
		return nil, "", err
	}
	loc := s.cfg.Location()
	stamp := s.now().UTC()

	cal := ics.NewCalendar()
	cal.SetMethod(ics.MethodPublish)
	cal.SetProductId("-//labflow//slots//FR")

	n := 0
	for i := range ev.Slots {
		sl := &ev.Slots[i]
		switch workflow.State(sl.State) {
		case workflow.StateApproved:
			vev := cal.AddEvent(sl.SlotID + "@labflow")
			vev.SetDtStampTime(stamp)
			vev.SetStartAt(sl.StartDate.UTC())
			vev.SetEndAt(sl.EndDate.UTC())
			vev.SetSummary(ev.Title)
			vev.SetDescription(slotDescription(ev, sl))
			if len(sl.SalleIDs) > 0 {
				vev.SetLocation("Salles " + joinIDs(sl.SalleIDs))
			}
			n++
		case workflow.StateCounterProposed:
			if sl.ProposedStartDate == nil || sl.ProposedEndDate == nil {
				continue
			}
			vev := cal.AddEvent(sl.SlotID + "-proposal@labflow")
			vev.SetDtStampTime(stamp)
			vev.SetStartAt(sl.ProposedStartDate.UTC())
			vev.SetEndAt(sl.ProposedEndDate.UTC())
			vev.SetSummary("[提议] " + ev.Title)
			vev.SetProperty(ics.ComponentPropertyStatus, "TENTATIVE")
			vev.SetDescription(fmt.Sprintf("%s\n原时间: %s - %s",
				slotDescription(ev, sl),
				sl.StartDate.In(loc).Format("2006-01-02 15:04"),
				sl.EndDate.In(loc).Format("15:04"),
			))
			n++
		}
	}
	if n == 0 {
		return nil, "", ErrExportNoSlots
	}

	buf := bytes.NewBufferString(cal.Serialize())
	return buf, fmt.Sprintf("event_%s.ics", shortID(ev.EventID)), nil
}

func slotDescription(ev *model.Event, sl *model.Slot) string {
	var b strings.Builder
	if ev.Discipline != "" {
		b.WriteString(ev.Discipline)
		b.WriteString("\n")
	}
	if len(sl.ClassIDs) > 0 {
		b.WriteString("Classes " + joinIDs(sl.ClassIDs) + "\n")
	}
	if sl.Notes != "" {
		b.WriteString(sl.Notes)
	}
	return strings.TrimSpace(b.String())
}

// ── 辅助函数 ──

func colName(idx int) string {
	name, _ := excelize.ColumnNumberToName(idx + 1)
	return name
}

func cell(col string, row int) string {
	return fmt.Sprintf("%s%d", col, row)
}

func joinIDs(ids []int64) string {
	norm := workflow.NormalizeIDs(ids)
	parts := make([]string, len(norm))
	for i, id := range norm {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ", ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
